// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/n-fabric/internal/logging"
	"github.com/nishisan-dev/n-fabric/protocol"
)

func waitErr(t *testing.T, ch chan ErrorInfo, timeout time.Duration) ErrorInfo {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatal("timed out waiting for write callback")
		return ErrorInfo{}
	}
}

func TestStreamWriteOversizeSettlesSynchronously(t *testing.T) {
	s := newStreamRW("inst-a", protocol.FunctionProxy, "rt-1", 64, logging.NewNopLogger())
	// Sem transporte e sem writer: a checagem de tamanho acontece antes de
	// qualquer coisa tocar a fila.
	done := make(chan ErrorInfo, 1)
	msg := protocol.NewMessage("m1", &protocol.CallResult{
		RequestID:    "r1",
		SmallObjects: []protocol.SmallObject{{ObjectID: "o1", Data: bytes.Repeat([]byte{0xcd}, 512)}},
	})
	s.Write(msg, func(_ bool, err ErrorInfo) { done <- err }, nil)

	select {
	case err := <-done:
		if err.Code != protocol.CodeParamInvalid {
			t.Fatalf("expected PARAM_INVALID, got %s", err.Code)
		}
	default:
		t.Fatal("oversize write must settle synchronously")
	}
}

func TestStreamWriteWhenStopped(t *testing.T) {
	s := newStreamRW("inst-a", protocol.FunctionProxy, "rt-1", 1024*1024, logging.NewNopLogger())
	done := make(chan ErrorInfo, 1)
	preWriteCalled := false
	s.Write(protocol.NewMessage("m1", &protocol.ExitRequest{}), func(_ bool, err ErrorInfo) {
		done <- err
	}, func(isDirect bool) {
		preWriteCalled = true
		if isDirect {
			t.Error("proxy stream must not report direct")
		}
	})
	err := waitErr(t, done, time.Second)
	if err.Code != protocol.CodeInnerCommunication {
		t.Fatalf("expected INNER_COMMUNICATION on stopped stream, got %s", err.Code)
	}
	if !preWriteCalled {
		t.Error("preWrite must run before the attempt")
	}
}

func TestStreamSingleWriteDelivers(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := newStreamRW("inst-a", protocol.FunctionProxy, "rt-1", 1024*1024, logging.NewNopLogger())
	s.setTransport(&transport{conn: client, r: protocol.NewReader(client, 1024*1024), w: protocol.NewWriter(client, 1024*1024)})
	s.connected.Store(true)
	s.initWriter()
	defer s.stopWriter()

	received := make(chan *protocol.Message, 1)
	go func() {
		r := protocol.NewReader(server, 1024*1024)
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		received <- msg
	}()

	done := make(chan ErrorInfo, 1)
	s.Write(protocol.NewMessage("m1", &protocol.KillRequest{InstanceID: "w1"}), func(_ bool, err ErrorInfo) {
		done <- err
	}, nil)

	if err := waitErr(t, done, 2*time.Second); !err.OK() {
		t.Fatalf("write failed: %s", err)
	}
	select {
	case msg := <-received:
		if msg.Kind != protocol.KindKillReq || msg.MessageID != "m1" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the peer")
	}
}

func TestStreamBatchPreservesFIFO(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := newStreamRW("inst-a", "worker-b", "rt-1", 1024*1024, logging.NewNopLogger())
	s.batched = true
	s.setTransport(&transport{conn: client, r: protocol.NewReader(client, 1024*1024), w: protocol.NewWriter(client, 1024*1024)})
	s.connected.Store(true)

	received := make(chan *protocol.Message, 16)
	go func() {
		r := protocol.NewReader(server, 1024*1024)
		for {
			msgs, err := r.ReadBatch()
			if err != nil {
				return
			}
			for _, msg := range msgs {
				received <- msg
			}
		}
	}()

	acks := make(chan ErrorInfo, 3)
	for _, id := range []string{"m1", "m2", "m3"} {
		s.Write(protocol.NewMessage(id, &protocol.InvokeRequest{RequestID: id}), func(isDirect bool, err ErrorInfo) {
			if !isDirect {
				t.Error("direct stream must report isDirect")
			}
			acks <- err
		}, nil)
	}
	// Só arma o writer depois de enfileirar, garantindo um único lote.
	s.initWriter()
	defer s.stopWriter()

	for i := 0; i < 3; i++ {
		if err := waitErr(t, acks, 2*time.Second); !err.OK() {
			t.Fatalf("batch write failed: %s", err)
		}
	}
	for _, want := range []string{"m1", "m2", "m3"} {
		select {
		case msg := <-received:
			if msg.MessageID != want {
				t.Errorf("expected %s, got %s", want, msg.MessageID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing message %s", want)
		}
	}
}

func TestStreamBatchRollsOverLimit(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Limite apertado: cada corpo tem ~200 bytes, então dois não cabem no
	// mesmo frame e o excedente rola para o próximo, preservando a ordem.
	limit := 300
	s := newStreamRW("inst-a", "worker-b", "rt-1", limit, logging.NewNopLogger())
	s.batched = true
	s.setTransport(&transport{conn: client, r: protocol.NewReader(client, limit), w: protocol.NewWriter(client, limit)})
	s.connected.Store(true)

	batches := make(chan int, 4)
	received := make(chan *protocol.Message, 8)
	go func() {
		r := protocol.NewReader(server, limit)
		for {
			msgs, err := r.ReadBatch()
			if err != nil {
				return
			}
			batches <- len(msgs)
			for _, msg := range msgs {
				received <- msg
			}
		}
	}()

	payload := bytes.Repeat([]byte{0x55}, 120)
	acks := make(chan ErrorInfo, 2)
	for _, id := range []string{"m1", "m2"} {
		s.Write(protocol.NewMessage(id, &protocol.CallResult{
			RequestID:    id,
			SmallObjects: []protocol.SmallObject{{ObjectID: "o", Data: payload}},
		}), func(_ bool, err ErrorInfo) { acks <- err }, nil)
	}
	s.initWriter()
	defer s.stopWriter()

	for i := 0; i < 2; i++ {
		if err := waitErr(t, acks, 2*time.Second); !err.OK() {
			t.Fatalf("write failed: %s", err)
		}
	}
	for _, want := range []string{"m1", "m2"} {
		select {
		case msg := <-received:
			if msg.MessageID != want {
				t.Errorf("expected %s, got %s", want, msg.MessageID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing message %s", want)
		}
	}
	if n := <-batches; n != 1 {
		t.Errorf("expected first frame with 1 message, got %d", n)
	}
}

func TestTranslateDirectInvokeRequest(t *testing.T) {
	s := newStreamRW("inst-a", "worker-b", "rt-1", 1024, logging.NewNopLogger())
	msg := protocol.NewMessage("m1", &protocol.InvokeRequest{
		RequestID:       "r1",
		TraceID:         "t1",
		Function:        "soma",
		Args:            []protocol.Arg{{Value: []byte{1}}},
		Options:         &protocol.InvokeOptions{CustomTag: map[string]string{"k": "v"}},
		ReturnObjectIDs: []string{"obj1"},
	})
	got := s.translateDirect(msg)
	if got.Kind != protocol.KindCallReq {
		t.Fatalf("expected CallReq, got %v", got.Kind)
	}
	call := got.Body.(*protocol.CallRequest)
	if call.IsCreate {
		t.Error("translated invoke must not be a create")
	}
	if call.SenderID != "worker-b" {
		t.Errorf("sender must be the peer, got %s", call.SenderID)
	}
	if call.RequestID != "r1" || call.Function != "soma" || call.CreateOptions["k"] != "v" ||
		len(call.ReturnObjectIDs) != 1 {
		t.Errorf("translation lost fields: %+v", call)
	}
}

func TestTranslateDirectCallResponse(t *testing.T) {
	s := newStreamRW("inst-a", "worker-b", "rt-1", 1024, logging.NewNopLogger())
	got := s.translateDirect(protocol.NewMessage("m1", &protocol.CallResponse{
		Code: protocol.CodeUserFunctionException, Message: "boom",
	}))
	if got.Kind != protocol.KindInvokeRsp {
		t.Fatalf("expected InvokeRsp, got %v", got.Kind)
	}
	rsp := got.Body.(*protocol.InvokeResponse)
	if rsp.Code != protocol.CodeUserFunctionException || rsp.Message != "boom" {
		t.Errorf("translation lost code/message: %+v", rsp)
	}
}

func TestTranslateDirectCallResult(t *testing.T) {
	s := newStreamRW("inst-a", "worker-b", "rt-1", 1024, logging.NewNopLogger())
	got := s.translateDirect(protocol.NewMessage("m1", &protocol.CallResult{
		RequestID:       "r1",
		Code:            protocol.CodeNone,
		SmallObjects:    []protocol.SmallObject{{ObjectID: "o1"}},
		StackTraceInfos: []string{"frame"},
		RuntimeInfo:     &protocol.RuntimeInfo{ServerIPAddr: "10.0.0.1", ServerPort: 9000},
	}))
	if got.Kind != protocol.KindNotifyReq {
		t.Fatalf("expected NotifyReq, got %v", got.Kind)
	}
	notify := got.Body.(*protocol.NotifyRequest)
	if notify.RequestID != "r1" || len(notify.SmallObjects) != 1 || len(notify.StackTraceInfos) != 1 {
		t.Errorf("translation lost fields: %+v", notify)
	}
	// O endereço de roteamento é descartado para não abrir um segundo stream
	if notify.RuntimeInfo != nil {
		t.Error("runtime info must be dropped on direct translation")
	}
}

func TestTranslateDirectNotifyResponse(t *testing.T) {
	s := newStreamRW("inst-a", "worker-b", "rt-1", 1024, logging.NewNopLogger())
	got := s.translateDirect(protocol.NewMessage("m1", &protocol.NotifyResponse{
		Code: protocol.CodeInnerSystemError, Message: "ignored",
	}))
	if got.Kind != protocol.KindCallResultAck {
		t.Fatalf("expected CallResultAck, got %v", got.Kind)
	}
	ack := got.Body.(*protocol.CallResultAck)
	if ack.Code != protocol.CodeNone {
		t.Errorf("direct ack never carries an error, got %s", ack.Code)
	}
}

func TestTranslateLeavesProxyMessagesAlone(t *testing.T) {
	s := newStreamRW("inst-a", protocol.FunctionProxy, "rt-1", 1024, logging.NewNopLogger())
	if s.isDirect {
		t.Fatal("proxy stream must not be direct")
	}
}

func TestStreamWriterFailsWithoutTransport(t *testing.T) {
	s := newStreamRW("inst-a", protocol.FunctionProxy, "rt-1", 1024*1024, logging.NewNopLogger())
	s.initWriter()
	// Sem transporte: o writer completa os callbacks com erro de comunicação.
	done := make(chan ErrorInfo, 1)
	s.Write(protocol.NewMessage("m1", &protocol.ExitRequest{}), func(_ bool, err ErrorInfo) {
		done <- err
	}, nil)
	err := waitErr(t, done, 2*time.Second)
	if err.Code != protocol.CodeInnerCommunication {
		t.Fatalf("expected INNER_COMMUNICATION, got %s", err.Code)
	}
	s.stopWriter()
	s.stopWriter() // idempotente
}
