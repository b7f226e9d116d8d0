// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifica o tipo do corpo de um envelope.
type Kind byte

const (
	KindInvalid Kind = 0x00

	// Plano de controle (proxy → worker e worker → worker).
	KindCallReq       Kind = 0x01
	KindCallRsp       Kind = 0x02
	KindNotifyReq     Kind = 0x03
	KindNotifyRsp     Kind = 0x04
	KindCheckpointReq Kind = 0x05
	KindCheckpointRsp Kind = 0x06
	KindRecoverReq    Kind = 0x07
	KindRecoverRsp    Kind = 0x08
	KindShutdownReq   Kind = 0x09
	KindShutdownRsp   Kind = 0x0a
	KindSignalReq     Kind = 0x0b
	KindSignalRsp     Kind = 0x0c
	KindHeartbeatReq  Kind = 0x0d
	KindHeartbeatRsp  Kind = 0x0e

	// Controle de jobs (worker → proxy).
	KindCreateReq     Kind = 0x20
	KindCreateRsp     Kind = 0x21
	KindCreateReqs    Kind = 0x22
	KindCreateRsps    Kind = 0x23
	KindInvokeReq     Kind = 0x24
	KindInvokeRsp     Kind = 0x25
	KindCallResultReq Kind = 0x26
	KindCallResultAck Kind = 0x27
	KindKillReq       Kind = 0x28
	KindKillRsp       Kind = 0x29
	KindExitReq       Kind = 0x2a
	KindExitRsp       Kind = 0x2b
	KindSaveReq       Kind = 0x2c
	KindSaveRsp       Kind = 0x2d
	KindLoadReq       Kind = 0x2e
	KindLoadRsp       Kind = 0x2f
	KindRGroupReq     Kind = 0x30
	KindRGroupRsp     Kind = 0x31
)

// Signal values transportados em SignalRequest.
const (
	SignalErasePendingThread int32 = 1
)

// RuntimeInfo carrega o endereço de escuta de um worker, usado para abrir
// streams diretos.
type RuntimeInfo struct {
	ServerIPAddr string `json:"server_ip_addr,omitempty"`
	ServerPort   int    `json:"server_port,omitempty"`
}

// Arg é um argumento de chamada. O payload é opaco para o fabric.
type Arg struct {
	Type     string `json:"type,omitempty"`
	Value    []byte `json:"value,omitempty"`
	ObjectID string `json:"object_id,omitempty"`
}

// SmallObject é um objeto de retorno pequeno embutido na notificação.
type SmallObject struct {
	ObjectID string `json:"object_id"`
	Data     []byte `json:"data,omitempty"`
}

// CallRequest despacha uma chamada (create ou invoke) para o worker local.
type CallRequest struct {
	RequestID       string            `json:"request_id"`
	TraceID         string            `json:"trace_id,omitempty"`
	SenderID        string            `json:"sender_id,omitempty"`
	Function        string            `json:"function,omitempty"`
	IsCreate        bool              `json:"is_create,omitempty"`
	Args            []Arg             `json:"args,omitempty"`
	CreateOptions   map[string]string `json:"create_options,omitempty"`
	ReturnObjectIDs []string          `json:"return_object_ids,omitempty"`
}

type CallResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

// NotifyRequest é a conclusão assíncrona de um Create/Invoke.
type NotifyRequest struct {
	RequestID       string        `json:"request_id"`
	Code            Code          `json:"code"`
	Message         string        `json:"message,omitempty"`
	SmallObjects    []SmallObject `json:"small_objects,omitempty"`
	StackTraceInfos []string      `json:"stack_trace_infos,omitempty"`
	RuntimeInfo     *RuntimeInfo  `json:"runtime_info,omitempty"`
}

type NotifyResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type CheckpointRequest struct {
	CheckpointID string `json:"checkpoint_id"`
	TraceID      string `json:"trace_id,omitempty"`
}

type CheckpointResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type RecoverRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

type RecoverResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type ShutdownRequest struct {
	GracePeriodSecond uint64 `json:"grace_period_second,omitempty"`
}

type ShutdownResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type SignalRequest struct {
	InstanceID string `json:"instance_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Signal     int32  `json:"signal"`
	Payload    []byte `json:"payload,omitempty"`
}

type SignalResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type HeartbeatRequest struct{}

// HeartbeatResponse devolve métricas do sistema coletadas no worker.
type HeartbeatResponse struct {
	Code          Code    `json:"code"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	LoadAverage   float64 `json:"load_average,omitempty"`
}

type SchedulingOptions struct {
	Priority  int               `json:"priority,omitempty"`
	Resources map[string]string `json:"resources,omitempty"`
}

type CreateRequest struct {
	RequestID     string             `json:"request_id"`
	TraceID       string             `json:"trace_id,omitempty"`
	Function      string             `json:"function,omitempty"`
	Args          []Arg              `json:"args,omitempty"`
	CreateOptions map[string]string  `json:"create_options,omitempty"`
	Scheduling    *SchedulingOptions `json:"scheduling,omitempty"`
}

type CreateResponse struct {
	Code       Code   `json:"code"`
	Message    string `json:"message,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

type GroupOptions struct {
	GroupName string `json:"group_name,omitempty"`
	SameNode  bool   `json:"same_node,omitempty"`
}

type CreateRequests struct {
	RequestID string          `json:"request_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Requests  []CreateRequest `json:"requests,omitempty"`
	Group     *GroupOptions   `json:"group,omitempty"`
}

type CreateResponses struct {
	Code      Code             `json:"code"`
	Message   string           `json:"message,omitempty"`
	Responses []CreateResponse `json:"responses,omitempty"`
}

type InvokeOptions struct {
	CustomTag map[string]string `json:"custom_tag,omitempty"`
}

type InvokeRequest struct {
	RequestID       string         `json:"request_id"`
	TraceID         string         `json:"trace_id,omitempty"`
	InstanceID      string         `json:"instance_id,omitempty"`
	Function        string         `json:"function,omitempty"`
	Args            []Arg          `json:"args,omitempty"`
	Options         *InvokeOptions `json:"options,omitempty"`
	ReturnObjectIDs []string       `json:"return_object_ids,omitempty"`
}

type InvokeResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

// CallResult devolve o resultado de uma chamada ao originador.
type CallResult struct {
	RequestID       string        `json:"request_id"`
	InstanceID      string        `json:"instance_id,omitempty"`
	Code            Code          `json:"code"`
	Message         string        `json:"message,omitempty"`
	SmallObjects    []SmallObject `json:"small_objects,omitempty"`
	StackTraceInfos []string      `json:"stack_trace_infos,omitempty"`
	RuntimeInfo     *RuntimeInfo  `json:"runtime_info,omitempty"`
}

type CallResultAck struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type KillRequest struct {
	InstanceID string `json:"instance_id"`
	Signal     int32  `json:"signal,omitempty"`
}

type KillResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type ExitRequest struct{}

type ExitResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type StateSaveRequest struct {
	InstanceID string `json:"instance_id,omitempty"`
	StateID    string `json:"state_id"`
}

type StateSaveResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

type StateLoadRequest struct {
	InstanceID string `json:"instance_id,omitempty"`
	StateID    string `json:"state_id"`
}

type StateLoadResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	State   []byte `json:"state,omitempty"`
}

type CreateResourceGroupRequest struct {
	RequestID string             `json:"request_id"`
	Name      string             `json:"name,omitempty"`
	Resources map[string]float64 `json:"resources,omitempty"`
}

type CreateResourceGroupResponse struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

// Message é o envelope que trafega no stream. Body aponta para a struct
// concreta do Kind correspondente (*CallRequest, *NotifyRequest, ...).
type Message struct {
	MessageID string
	Kind      Kind
	Body      any
}

// NewMessage monta um envelope. O kind é derivado do tipo concreto do body.
func NewMessage(messageID string, body any) *Message {
	return &Message{MessageID: messageID, Kind: KindOf(body), Body: body}
}

// KindOf devolve o Kind do corpo concreto, ou KindInvalid se o tipo não é
// parte do protocolo.
func KindOf(body any) Kind {
	switch body.(type) {
	case *CallRequest:
		return KindCallReq
	case *CallResponse:
		return KindCallRsp
	case *NotifyRequest:
		return KindNotifyReq
	case *NotifyResponse:
		return KindNotifyRsp
	case *CheckpointRequest:
		return KindCheckpointReq
	case *CheckpointResponse:
		return KindCheckpointRsp
	case *RecoverRequest:
		return KindRecoverReq
	case *RecoverResponse:
		return KindRecoverRsp
	case *ShutdownRequest:
		return KindShutdownReq
	case *ShutdownResponse:
		return KindShutdownRsp
	case *SignalRequest:
		return KindSignalReq
	case *SignalResponse:
		return KindSignalRsp
	case *HeartbeatRequest:
		return KindHeartbeatReq
	case *HeartbeatResponse:
		return KindHeartbeatRsp
	case *CreateRequest:
		return KindCreateReq
	case *CreateResponse:
		return KindCreateRsp
	case *CreateRequests:
		return KindCreateReqs
	case *CreateResponses:
		return KindCreateRsps
	case *InvokeRequest:
		return KindInvokeReq
	case *InvokeResponse:
		return KindInvokeRsp
	case *CallResult:
		return KindCallResultReq
	case *CallResultAck:
		return KindCallResultAck
	case *KillRequest:
		return KindKillReq
	case *KillResponse:
		return KindKillRsp
	case *ExitRequest:
		return KindExitReq
	case *ExitResponse:
		return KindExitRsp
	case *StateSaveRequest:
		return KindSaveReq
	case *StateSaveResponse:
		return KindSaveRsp
	case *StateLoadRequest:
		return KindLoadReq
	case *StateLoadResponse:
		return KindLoadRsp
	case *CreateResourceGroupRequest:
		return KindRGroupReq
	case *CreateResourceGroupResponse:
		return KindRGroupRsp
	}
	return KindInvalid
}

// newBody aloca a struct concreta de um Kind para decodificação.
func newBody(k Kind) (any, error) {
	switch k {
	case KindCallReq:
		return &CallRequest{}, nil
	case KindCallRsp:
		return &CallResponse{}, nil
	case KindNotifyReq:
		return &NotifyRequest{}, nil
	case KindNotifyRsp:
		return &NotifyResponse{}, nil
	case KindCheckpointReq:
		return &CheckpointRequest{}, nil
	case KindCheckpointRsp:
		return &CheckpointResponse{}, nil
	case KindRecoverReq:
		return &RecoverRequest{}, nil
	case KindRecoverRsp:
		return &RecoverResponse{}, nil
	case KindShutdownReq:
		return &ShutdownRequest{}, nil
	case KindShutdownRsp:
		return &ShutdownResponse{}, nil
	case KindSignalReq:
		return &SignalRequest{}, nil
	case KindSignalRsp:
		return &SignalResponse{}, nil
	case KindHeartbeatReq:
		return &HeartbeatRequest{}, nil
	case KindHeartbeatRsp:
		return &HeartbeatResponse{}, nil
	case KindCreateReq:
		return &CreateRequest{}, nil
	case KindCreateRsp:
		return &CreateResponse{}, nil
	case KindCreateReqs:
		return &CreateRequests{}, nil
	case KindCreateRsps:
		return &CreateResponses{}, nil
	case KindInvokeReq:
		return &InvokeRequest{}, nil
	case KindInvokeRsp:
		return &InvokeResponse{}, nil
	case KindCallResultReq:
		return &CallResult{}, nil
	case KindCallResultAck:
		return &CallResultAck{}, nil
	case KindKillReq:
		return &KillRequest{}, nil
	case KindKillRsp:
		return &KillResponse{}, nil
	case KindExitReq:
		return &ExitRequest{}, nil
	case KindExitRsp:
		return &ExitResponse{}, nil
	case KindSaveReq:
		return &StateSaveRequest{}, nil
	case KindSaveRsp:
		return &StateSaveResponse{}, nil
	case KindLoadReq:
		return &StateLoadRequest{}, nil
	case KindLoadRsp:
		return &StateLoadResponse{}, nil
	case KindRGroupReq:
		return &CreateResourceGroupRequest{}, nil
	case KindRGroupRsp:
		return &CreateResourceGroupResponse{}, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, byte(k))
}

// EncodeBody serializa o corpo do envelope.
func (m *Message) EncodeBody() ([]byte, error) {
	if m.Kind == KindInvalid {
		return nil, fmt.Errorf("%w: body type %T", ErrUnknownKind, m.Body)
	}
	return json.Marshal(m.Body)
}

// Size devolve o tamanho serializado do corpo, usado na checagem do teto de
// tamanho antes de tocar o transporte.
func (m *Message) Size() (int, error) {
	b, err := m.EncodeBody()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
