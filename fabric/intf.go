// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-fabric/protocol"
)

// Handlers são os callbacks que o runtime hospedeiro instala para atender
// chamadas vindas do bus. Init e Call recebem o request e devolvem o
// resultado depois via ReturnCallResult.
type Handlers struct {
	Init       func(req *protocol.CallRequest)
	Call       func(req *protocol.CallRequest)
	Checkpoint func(req *protocol.CheckpointRequest) *protocol.CheckpointResponse
	Recover    func(req *protocol.RecoverRequest) *protocol.RecoverResponse
	Shutdown   func(req *protocol.ShutdownRequest) *protocol.ShutdownResponse
	Signal     func(req *protocol.SignalRequest) *protocol.SignalResponse
	Heartbeat  func(req *protocol.HeartbeatRequest) *protocol.HeartbeatResponse
}

// Estados da instância hospedeira. Chamadas não-create aguardam
// stateInitialized; o shutdown handler roda no máximo uma vez.
type instanceState int

const (
	stateStarted instanceState = iota
	stateInitializing
	stateInitializingFailure
	stateInitialized
	stateShuttingDown
	stateShutdown
)

// instanceStatus é a máquina de estados da instância.
type instanceStatus struct {
	mu      sync.Mutex
	state   instanceState
	errCode protocol.Code
	errMsg  string

	initOnce     sync.Once
	initDone     chan struct{}
	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

func newInstanceStatus() *instanceStatus {
	return &instanceStatus{
		initDone:     make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}
}

// SetInitializing tenta a transição Started → Initializing. Devolve true
// quando o caller é o dono da inicialização.
func (s *instanceStatus) SetInitializing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStarted {
		s.state = stateInitializing
		return true
	}
	return false
}

func (s *instanceStatus) SetInitialized() {
	s.mu.Lock()
	if s.state == stateInitializing {
		s.state = stateInitialized
	}
	s.mu.Unlock()
	s.initOnce.Do(func() { close(s.initDone) })
}

func (s *instanceStatus) SetInitializingFailure(code protocol.Code, msg string) {
	s.mu.Lock()
	if s.state == stateInitializing {
		s.state = stateInitializingFailure
		s.errCode = code
		s.errMsg = msg
	}
	s.mu.Unlock()
	s.initOnce.Do(func() { close(s.initDone) })
}

// WaitInitialized bloqueia até a inicialização concluir e informa se ela
// teve sucesso.
func (s *instanceStatus) WaitInitialized() bool {
	<-s.initDone
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateInitialized
}

func (s *instanceStatus) InitError() (protocol.Code, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCode, s.errMsg
}

// SetShuttingDown tenta a transição para ShuttingDown. Devolve true quando
// o caller deve executar o shutdown handler.
func (s *instanceStatus) SetShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateShutdown && s.state != stateShuttingDown {
		s.state = stateShuttingDown
		return true
	}
	return false
}

func (s *instanceStatus) SetShutdown() {
	s.mu.Lock()
	if s.state == stateShuttingDown {
		s.state = stateShutdown
	}
	s.mu.Unlock()
	s.shutdownOnce.Do(func() { close(s.shutdownDone) })
}

func (s *instanceStatus) WaitShutdown() bool {
	<-s.shutdownDone
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateShutdown
}

// runtimeIntf é a camada de atendimento de requests: gating pela máquina de
// estados, dedupe de requests retransmitidos e offload dos handlers para
// pools dedicados; a latência de um handler nunca bloqueia o reader.
type runtimeIntf struct {
	logger        *slog.Logger
	handlers      Handlers
	syncHeartbeat bool
	monitor       *SystemMonitor

	callReceiver  *executor
	notifyExec    *executor
	ckptExec      *executor
	shutdownExec  *executor
	signalExec    *executor
	heartbeatExec *executor
	respExec      *executor

	pmu          sync.Mutex
	processing   map[string]struct{}
	shutdownFlag atomic.Bool

	status *instanceStatus

	clearOnce sync.Once
}

func newRuntimeIntf(handlers Handlers, monitor *SystemMonitor, logger *slog.Logger) *runtimeIntf {
	r := &runtimeIntf{
		logger:     logger.With("component", "runtime_intf"),
		handlers:   handlers,
		monitor:    monitor,
		processing: make(map[string]struct{}),
		status:     newInstanceStatus(),
	}
	if handlers.Call == nil || handlers.Checkpoint == nil || handlers.Recover == nil ||
		handlers.Shutdown == nil || handlers.Signal == nil {
		r.logger.Warn("one or more runtime bus handlers is empty")
	}
	r.syncHeartbeat = handlers.Heartbeat == nil
	if r.syncHeartbeat {
		r.handlers.Heartbeat = r.defaultHeartbeat
	}

	r.callReceiver = newExecutor(0, "fabric.call")
	r.notifyExec = newExecutor(notifyPoolSize, "fabric.notify")
	r.ckptExec = newExecutor(ckptRecoverPool, "fabric.ckpt_rcvr")
	r.shutdownExec = newExecutor(shutdownPoolSize, "fabric.shutdown")
	r.signalExec = newExecutor(signalPoolSize, "fabric.signal")
	if !r.syncHeartbeat {
		r.heartbeatExec = newExecutor(heartbeatPoolSize, "fabric.heartbeat")
	}
	r.respExec = newExecutor(responsePoolSize, "fabric.resp_recv")
	return r
}

// ReceiveRequestLoop drena o pool de call requests na goroutine do caller.
// O runtime hospedeiro chama isto da sua thread principal de execução.
func (r *runtimeIntf) ReceiveRequestLoop() {
	r.callReceiver.Run()
}

// defaultHeartbeat responde heartbeats com as métricas atuais do sistema
// quando o hospedeiro não instala um handler próprio.
func (r *runtimeIntf) defaultHeartbeat(*protocol.HeartbeatRequest) *protocol.HeartbeatResponse {
	rsp := &protocol.HeartbeatResponse{Code: protocol.CodeNone}
	if r.monitor != nil {
		stats := r.monitor.Stats()
		rsp.CPUPercent = stats.CPUPercent
		rsp.MemoryPercent = stats.MemoryPercent
		rsp.LoadAverage = stats.LoadAverage
	}
	return rsp
}

func (r *runtimeIntf) clear() {
	r.clearOnce.Do(func() {
		r.notifyExec.Shutdown()
		r.ckptExec.Shutdown()
		r.shutdownExec.Shutdown()
		r.signalExec.Shutdown()
		if r.heartbeatExec != nil {
			r.heartbeatExec.Shutdown()
		}
		r.respExec.Shutdown()
		r.callReceiver.Shutdown()
	})
}

func (r *runtimeIntf) addProcessingRequestID(requestID string) bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	if _, ok := r.processing[requestID]; ok {
		return false
	}
	r.processing[requestID] = struct{}{}
	return true
}

func (r *runtimeIntf) deleteProcessingRequestID(requestID string) bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	_, ok := r.processing[requestID]
	delete(r.processing, requestID)
	return ok
}

// SetInitialized marca a instância como inicializada (modo driver, onde não
// existe init call).
func (r *runtimeIntf) SetInitialized() {
	if r.status.SetInitializing() {
		r.status.SetInitialized()
	}
}

// HandleCallRequest despacha um call request para o handler de init/call.
// Requests retransmitidos (request id já em processamento) são respondidos
// imediatamente com sucesso, sem redespachar.
func (r *runtimeIntf) HandleCallRequest(req *protocol.CallRequest, cb func(*protocol.CallResponse)) {
	if !r.addProcessingRequestID(req.RequestID) {
		r.logger.Debug("duplicated call request", "request_id", req.RequestID)
		cb(&protocol.CallResponse{Code: protocol.CodeNone})
		return
	}

	r.logger.Debug("receive call request", "request_id", req.RequestID)
	r.callReceiver.Handle(func() {
		rsp := &protocol.CallResponse{Code: protocol.CodeNone}
		if req.IsCreate {
			if !r.status.SetInitializing() {
				r.status.WaitInitialized()
				rsp.Code, rsp.Message = r.status.InitError()
				cb(rsp)
			} else {
				cb(rsp)
				r.handlers.Init(req)
			}
		} else {
			if !r.status.WaitInitialized() {
				rsp.Code, rsp.Message = r.status.InitError()
				cb(rsp)
			} else {
				cb(rsp)
				r.handlers.Call(req)
			}
		}
		if rsp.Code != protocol.CodeNone {
			r.deleteProcessingRequestID(req.RequestID)
		}
	})
}

// HandleNotifyRequest roda o callback de conclusão no pool de notify.
func (r *runtimeIntf) HandleNotifyRequest(req *protocol.NotifyRequest,
	invokeCb func() *protocol.NotifyResponse, cb func(*protocol.NotifyResponse)) {
	r.notifyExec.Handle(func() {
		cb(invokeCb())
	})
}

func (r *runtimeIntf) HandleCheckpointRequest(req *protocol.CheckpointRequest, cb func(*protocol.CheckpointResponse)) {
	r.ckptExec.Handle(func() {
		cb(r.handlers.Checkpoint(req))
	})
}

func (r *runtimeIntf) HandleRecoverRequest(req *protocol.RecoverRequest, cb func(*protocol.RecoverResponse)) {
	r.ckptExec.Handle(func() {
		rsp := r.handlers.Recover(req)
		if rsp.Code == protocol.CodeNone {
			r.logger.Debug("set initialized status for recover")
			r.status.SetInitializing()
			r.status.SetInitialized()
		}
		cb(rsp)
	})
}

func (r *runtimeIntf) HandleShutdownRequest(req *protocol.ShutdownRequest, cb func(*protocol.ShutdownResponse)) {
	r.shutdownExec.Handle(func() {
		if !r.status.SetShuttingDown() {
			r.status.WaitShutdown()
			cb(&protocol.ShutdownResponse{Code: protocol.CodeNone})
		} else {
			r.logger.Debug("will exec shutdown handler")
			rsp := r.handlers.Shutdown(req)
			cb(rsp)
			r.status.SetShutdown()
		}
	})
}

func (r *runtimeIntf) HandleSignalRequest(req *protocol.SignalRequest, cb func(*protocol.SignalResponse)) {
	r.signalExec.Handle(func() {
		r.logger.Debug("receive signal request", "signal", req.Signal, "request_id", req.RequestID)
		cb(r.handlers.Signal(req))
	})
}

func (r *runtimeIntf) HandleHeartbeatRequest(req *protocol.HeartbeatRequest, cb func(*protocol.HeartbeatResponse)) {
	if r.syncHeartbeat {
		cb(r.handlers.Heartbeat(req))
		return
	}
	r.heartbeatExec.Handle(func() {
		cb(r.handlers.Heartbeat(req))
	})
}

// WaitRequestEmpty aguarda os requests em processamento drenarem dentro do
// grace period e devolve os segundos restantes.
func (r *runtimeIntf) WaitRequestEmpty(gracePeriodSec uint64) int {
	const reserveSecond = 1
	wait := int(gracePeriodSec) - reserveSecond
	if wait < 0 {
		wait = 0
	}
	deadline := time.Now().Add(time.Duration(wait) * time.Second)

	for time.Now().Before(deadline) {
		r.pmu.Lock()
		n := len(r.processing)
		r.pmu.Unlock()
		if n == 0 || r.shutdownFlag.Load() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	r.pmu.Lock()
	if len(r.processing) > 0 {
		ids := make([]string, 0, len(r.processing))
		for id := range r.processing {
			ids = append(ids, id)
		}
		r.logger.Debug("shutdown wait timeout, there are still unfinished requests",
			"requests", strings.Join(ids, " "))
	}
	r.pmu.Unlock()
	r.shutdownFlag.Store(true)

	remaining := time.Until(deadline) + reserveSecond*time.Second
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Second)
}
