// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"strconv"
	"time"

	"github.com/nishisan-dev/n-fabric/protocol"
)

// writeResponse devolve uma resposta de handler pelo stream do proxy com o
// mesmo message id, para o broker do peer correlacionar.
func (b *Broker) writeResponse(messageID string, body any) {
	b.write(protocol.NewMessage(messageID, body), nil)
}

// tryDirectWriteResponse devolve a resposta pelo caminho direto quando o
// peer precisa dela. Chamadas diretas sem objetos no data store dispensam o
// ack: o peer liquida no próprio envio.
func (b *Broker) tryDirectWriteResponse(messageID, dstInstanceID string, body any, existObjInDs bool) {
	if dstInstanceID != protocol.FunctionProxy && !existObjInDs {
		return
	}
	b.tryDirectWrite(dstInstanceID, protocol.NewMessage(messageID, body), func(_ bool, err ErrorInfo) {
		if err.OK() {
			return
		}
		b.logger.Warn("failed to send response", "message_id", messageID, "peer", dstInstanceID,
			"code", err.Code, "message", err.Message)
	}, nil)
}

func (b *Broker) recvCallRequest(from string, msg *protocol.Message) {
	req := msg.Body.(*protocol.CallRequest)
	b.HandleCallRequest(req, func(rsp *protocol.CallResponse) {
		b.tryDirectWriteResponse(msg.MessageID, from, rsp, false)
	})
}

// newRTIntfClient abre (se ainda não existe) o stream direto para o worker
// anunciado em um notify.
func (b *Broker) newRTIntfClient(dstInstanceID string, req *protocol.NotifyRequest) {
	if rt := b.mgr.TryGet(dstInstanceID); rt != nil && rt.Available() {
		return
	}
	client := NewClientStreamRW(b.instanceID, dstInstanceID, b.runtimeID, b.pool, ClientOption{
		IP:                  req.RuntimeInfo.ServerIPAddr,
		Port:                req.RuntimeInfo.ServerPort,
		DisconnectedTimeout: rtDisconnectedTimeout,
		Security:            b.security,
		ResendCb:            b.ResendRequests,
		DisconnectedCb:      b.NotifyDisconnected,
		ReconnectMinBackoff: b.opts.ReconnectMinBackoff,
		ReconnectMaxBackoff: b.opts.ReconnectMaxBackoff,
		BandwidthLimit:      b.opts.BandwidthLimit,
	}, b.opts.MaxMessageSize, b.logger)
	client.RegisterHandlers(b.rtHdlrs)
	b.mgr.Emplace(dstInstanceID, client)
	if err := client.Start(); !err.OK() {
		b.logger.Warn("failed to start direct stream", "peer", dstInstanceID,
			"code", err.Code, "message", err.Message)
	}
}

func (b *Broker) recvNotifyRequest(from string, msg *protocol.Message) {
	notify := msg.Body.(*protocol.NotifyRequest)
	reqID := notify.RequestID
	b.logger.Debug("recv notify request", "request_id", reqID)
	wr := b.eraseWiredRequest(reqID)
	dstInstanceID := protocol.FunctionProxy
	if wr != nil {
		dstInstanceID = wr.dstInstanceID
	}
	if dstInstanceID != protocol.FunctionProxy && b.directCall && wr != nil &&
		notify.RuntimeInfo != nil && notify.RuntimeInfo.ServerIPAddr != "" {
		b.newRTIntfClient(wr.dstInstanceID, notify)
	}
	existObjInDs := false
	if wr != nil {
		existObjInDs = len(notify.SmallObjects) != wr.returnObjectsSize
	}
	b.HandleNotifyRequest(notify, func() *protocol.NotifyResponse {
		if wr != nil && wr.notifyCallback != nil {
			wr.notifyCallback(notify, ErrorInfo{})
		}
		return &protocol.NotifyResponse{}
	}, func(rsp *protocol.NotifyResponse) {
		b.tryDirectWriteResponse(msg.MessageID, from, rsp, existObjInDs)
	})
}

func (b *Broker) recvCheckpointRequest(from string, msg *protocol.Message) {
	req := msg.Body.(*protocol.CheckpointRequest)
	b.HandleCheckpointRequest(req, func(rsp *protocol.CheckpointResponse) {
		b.writeResponse(msg.MessageID, rsp)
	})
}

func (b *Broker) recvRecoverRequest(from string, msg *protocol.Message) {
	req := msg.Body.(*protocol.RecoverRequest)
	b.HandleRecoverRequest(req, func(rsp *protocol.RecoverResponse) {
		b.writeResponse(msg.MessageID, rsp)
	})
}

func (b *Broker) recvShutdownRequest(from string, msg *protocol.Message) {
	req := msg.Body.(*protocol.ShutdownRequest)
	b.logger.Debug("shutdown request", "message_id", msg.MessageID, "grace_period_second", req.GracePeriodSecond)
	b.HandleShutdownRequest(req, func(rsp *protocol.ShutdownResponse) {
		b.writeResponse(msg.MessageID, rsp)
	})
}

func (b *Broker) recvSignalRequest(from string, msg *protocol.Message) {
	req := msg.Body.(*protocol.SignalRequest)
	b.HandleSignalRequest(req, func(rsp *protocol.SignalResponse) {
		b.writeResponse(msg.MessageID, rsp)
	})
}

func (b *Broker) recvHeartbeatRequest(from string, msg *protocol.Message) {
	req := msg.Body.(*protocol.HeartbeatRequest)
	b.HandleHeartbeatRequest(req, func(rsp *protocol.HeartbeatResponse) {
		b.writeResponse(msg.MessageID, rsp)
	})
}

// needResendRsp identifica respostas que carregam erro de comunicação: o
// peer não processou o request e o loop de retry vai reenviar; a resposta
// não liquida nada.
func (b *Broker) needResendRsp(msg *protocol.Message) bool {
	switch body := msg.Body.(type) {
	case *protocol.CreateResponse:
		return protocol.IsCommunicationError(body.Code)
	case *protocol.CreateResponses:
		return protocol.IsCommunicationError(body.Code)
	case *protocol.InvokeResponse:
		return protocol.IsCommunicationError(body.Code)
	case *protocol.CallResultAck:
		return protocol.IsCommunicationError(body.Code)
	case *protocol.KillResponse:
		return protocol.IsCommunicationError(body.Code)
	case *protocol.StateSaveResponse:
		return protocol.IsCommunicationError(body.Code)
	case *protocol.StateLoadResponse:
		return protocol.IsCommunicationError(body.Code)
	case *protocol.CreateResourceGroupResponse:
		return protocol.IsCommunicationError(body.Code)
	case *protocol.ExitResponse:
		return false
	default:
		b.logger.Error("message body does not match any response", "message_id", msg.MessageID, "kind", msg.Kind)
		return false
	}
}

// recvCreateOrInvokeResponse correlaciona respostas que mantêm o registro
// vivo aguardando o notify. O message id perde o sufixo de retry:
// respostas atrasadas de tentativas anteriores acham o mesmo registro.
func (b *Broker) recvCreateOrInvokeResponse(from string, msg *protocol.Message) {
	reqID := protocol.RequestIDFromMessageID(msg.MessageID)
	b.logger.Debug("receive create or invoke response", "message_id", msg.MessageID, "request_id", reqID)
	if b.needResendRsp(msg) {
		b.logger.Debug("response has communication error, need resend req", "message_id", msg.MessageID)
		return
	}
	wr := b.getWiredRequest(reqID, true)
	if wr != nil && wr.callback != nil {
		b.respExec.Handle(func() {
			wr.callback(msg, ErrorInfo{}, func(needErase bool) {
				if needErase {
					b.eraseWiredRequest(reqID)
				}
			})
		})
	}
}

// recvResponse correlaciona respostas terminais (acks, kill, state ops).
func (b *Broker) recvResponse(from string, msg *protocol.Message) {
	reqID := protocol.RequestIDFromMessageID(msg.MessageID)
	b.logger.Debug("receive response", "request_id", reqID)
	if b.needResendRsp(msg) {
		b.logger.Debug("response has communication error, need resend req", "message_id", msg.MessageID)
		return
	}
	wr := b.eraseWiredRequest(reqID)
	if wr != nil && wr.callback != nil {
		b.respExec.Handle(func() {
			wr.callback(msg, ErrorInfo{}, func(bool) {})
		})
	}
}

// ResendRequests reenvia os registros afetados por uma reconexão.
// Reconexão de peer direto: só os registros daquele peer, com retry
// rearmado (streams diretos caem de forma transitória). Reconexão do
// proxy: só os registros cujo stream direto não está de pé.
func (b *Broker) ResendRequests(dstInstanceID string) {
	var sends []func()
	b.mu.Lock()
	for _, wr := range b.wired {
		if dstInstanceID != protocol.FunctionProxy && wr.dstInstanceID != dstInstanceID {
			// reconexão de peer: só reenvia os requests daquele peer
			continue
		}
		if intf := b.mgr.TryGet(wr.dstInstanceID); dstInstanceID == protocol.FunctionProxy &&
			intf != nil && intf.Available() {
			// proxy reconectou mas o stream direto está vivo: nada a fazer
			continue
		}
		if dstInstanceID != protocol.FunctionProxy && wr.dstInstanceID == dstInstanceID {
			b.logger.Debug("direct stream reconnected, resend with retry", "peer", dstInstanceID)
			wr.ackReceived = false
			b.rearmRetryLocked(wr)
		}
		if wr.retryHdlr != nil {
			sends = append(sends, wr.retryHdlr)
		}
	}
	count := len(b.wired)
	b.mu.Unlock()
	for _, send := range sends {
		send()
	}
	b.logger.Info("current wired requests size", "count", count)
	if dstInstanceID == protocol.FunctionProxy && b.reSubscribeCb != nil {
		b.reSubscribeCb()
	}
}

// NotifyDisconnected trata o estouro do prazo de reconexão. Para um peer
// direto, o resend é adiado um tick e tentado pelo caminho do proxy. Para o
// proxy, os registros sem stream direto vivo são liquidados com
// BUS_DISCONNECTION.
func (b *Broker) NotifyDisconnected(dstInstanceID string) {
	if b.stopped.Load() {
		return
	}
	if dstInstanceID != protocol.FunctionProxy {
		b.logger.Warn("peer disconnected, defer to resend request", "peer", dstInstanceID)
		time.AfterFunc(time.Second, func() {
			b.ResendRequests(dstInstanceID)
		})
		return
	}
	b.logger.Debug("proxy reconnect timeout, pop remained reqs and set error")
	reqs := b.allWiredRequests()
	for requestID, req := range reqs {
		rtIntf := b.mgr.TryGet(req.dstInstanceID)
		if req.notifyCallback != nil && (rtIntf == nil || !rtIntf.Available()) {
			notifyReq := &protocol.NotifyRequest{
				Code:      protocol.CodeBusDisconnection,
				Message:   "connected lost from proxy",
				RequestID: requestID,
			}
			req.notifyCallback(notifyReq, ErrorInfo{})
			b.eraseWiredRequest(requestID)
		}
	}
}

// ---- ciclo de vida ----

// startService sobe o listener de streams de entrada (modo server ou
// direct call).
func (b *Broker) startService() ErrorInfo {
	if b.service != nil {
		return ErrorInfo{}
	}
	b.ready = make(chan struct{})
	b.service = NewService(ServiceOptions{
		InstanceID:            b.instanceID,
		RuntimeID:             b.runtimeID,
		ListenIP:              b.listenIP,
		Port:                  b.selfPort,
		Security:              b.security,
		MaxMessageSize:        b.opts.MaxMessageSize,
		BandwidthLimit:        b.opts.BandwidthLimit,
		FsDisconnectedTimeout: fsDisconnectedTimeout,
		RtDisconnectedTimeout: rtDisconnectedTimeout,
	}, b.mgr, b.ready, b.logger)
	b.service.RegisterFSHandlers(b.fsHdlrs)
	b.service.RegisterRTHandlers(b.rtHdlrs)
	b.service.RegisterResendCallback(b.ResendRequests)
	b.service.RegisterDisconnectedCallback(b.NotifyDisconnected)
	if err := b.service.Start(); !err.OK() {
		return err
	}
	b.selfPort = b.service.Port()
	return ErrorInfo{}
}

// Start liga o broker: sobe o service quando o modo pede, faz a descoberta
// do driver e abre o stream com o proxy (modo client) ou espera o proxy
// conectar (modo server).
func (b *Broker) Start(jobID, instanceID, runtimeID, functionName string, subscribeCb func()) ErrorInfo {
	if b.clientMode && b.directCall && !b.isDriver {
		if b.opts.PodIP == "" {
			return NewErrorInfo(protocol.CodeParamInvalid,
				"direct.pod_ip should be properly set, while client mode & direct call enabled")
		}
		b.listenIP = b.opts.PodIP
		b.selfPort = b.opts.DirectPort
	}
	if instanceID == "" {
		instanceID = "driver-" + jobID
	}
	b.instanceID = instanceID
	b.runtimeID = runtimeID

	if !b.clientMode || b.directCall {
		b.logger.Info("ready to start service", "server_mode", !b.clientMode, "direct_call", b.directCall)
		if err := b.startService(); !err.OK() {
			return err
		}
	}

	discoverDriverCb := func() ErrorInfo {
		if !b.isDriver {
			return ErrorInfo{}
		}
		listeningPort := 0
		if !b.clientMode {
			listeningPort = b.selfPort
		}
		rsp, err := DiscoverDriver(b.fsIP, b.fsPort, b.security, &protocol.DiscoverRequest{
			DriverIP:     b.listenIP,
			DriverPort:   strconv.Itoa(listeningPort),
			JobID:        jobID,
			InstanceID:   b.instanceID,
			FunctionName: functionName,
		}, b.logger)
		if !err.OK() {
			return err
		}
		b.serverVersion = rsp.ServerVersion
		b.nodeID = rsp.NodeID
		b.nodeIP = rsp.HostIP
		b.logger.Info("driver discovered", "server_version", b.serverVersion,
			"node_id", b.nodeID, "node_ip", b.nodeIP)
		return ErrorInfo{}
	}
	if err := discoverDriverCb(); !err.OK() {
		return err
	}
	b.reSubscribeCb = subscribeCb

	if b.clientMode {
		fsIntf := NewClientStreamRW(b.instanceID, protocol.FunctionProxy, runtimeID, b.pool, ClientOption{
			IP:                  b.fsIP,
			Port:                b.fsPort,
			DisconnectedTimeout: fsDisconnectedTimeout,
			Security:            b.security,
			ResendCb:            b.ResendRequests,
			DisconnectedCb:      b.NotifyDisconnected,
			ReconnectMinBackoff: b.opts.ReconnectMinBackoff,
			ReconnectMaxBackoff: b.opts.ReconnectMaxBackoff,
			BandwidthLimit:      b.opts.BandwidthLimit,
		}, b.opts.MaxMessageSize, b.logger)
		fsIntf.SetDiscoverDriverCb(discoverDriverCb)
		b.mgr.UpdateSystem(fsIntf)
		fsIntf.RegisterHandlers(b.fsHdlrs)
		err := fsIntf.Start()
		if b.reSubscribeCb != nil {
			b.reSubscribeCb()
		}
		return err
	}

	// modo server: espera o proxy conectar
	select {
	case <-b.ready:
		return ErrorInfo{}
	case <-time.After(serviceReadyTimeout):
		return NewErrorInfo(protocol.CodeInitConnectionFailed, "wait for connection timeout")
	}
}

// Stop encerra o broker: liquida os wired requests com FINALIZED, derruba
// todos os streams e o service, e desliga os pools de handlers.
func (b *Broker) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.clearAllWiredRequests()
	b.mgr.Clear()
	if b.service != nil {
		b.service.Stop()
	}
	b.clear()
}

// ReturnCallResult devolve o resultado de uma chamada atendida localmente.
// Resultados de create dirigem a máquina de estados da instância; o ack do
// peer libera a entrada do processing set.
func (b *Broker) ReturnCallResult(result *CallResultMessage, isCreate bool, cb func(*protocol.CallResultAck)) {
	if isCreate {
		if result.Result.Code == protocol.CodeNone {
			b.status.SetInitialized()
		} else {
			b.status.SetInitializingFailure(result.Result.Code, result.Result.Message)
		}
	}
	reqID := result.Result.RequestID
	b.CallResultAsync(result, func(ack *protocol.CallResultAck) {
		if !b.deleteProcessingRequestID(reqID) {
			b.logger.Error("call request has already finished", "request_id", reqID)
		}
		if cb != nil {
			cb(ack)
		}
	})
}

// RemoveInstanceStream derruba o stream direto da instância, se existir.
func (b *Broker) RemoveInstanceStream(instanceID string) {
	b.logger.Debug("remove instance stream", "instance", instanceID)
	b.mgr.Remove(instanceID)
}

// ServerVersion devolve a versão reportada pela descoberta do driver.
func (b *Broker) ServerVersion() string { return b.serverVersion }

// NodeID devolve o node id reportado pela descoberta do driver.
func (b *Broker) NodeID() string { return b.nodeID }

// NodeIP devolve o node ip reportado pela descoberta do driver.
func (b *Broker) NodeIP() string { return b.nodeIP }
