// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/n-fabric/internal/logging"
	"github.com/nishisan-dev/n-fabric/protocol"
)

func testHandlers(initCount, callCount, shutdownCount *atomic.Int32) Handlers {
	return Handlers{
		Init: func(req *protocol.CallRequest) {
			if initCount != nil {
				initCount.Add(1)
			}
		},
		Call: func(req *protocol.CallRequest) {
			if callCount != nil {
				callCount.Add(1)
			}
		},
		Checkpoint: func(req *protocol.CheckpointRequest) *protocol.CheckpointResponse {
			return &protocol.CheckpointResponse{Code: protocol.CodeNone}
		},
		Recover: func(req *protocol.RecoverRequest) *protocol.RecoverResponse {
			return &protocol.RecoverResponse{Code: protocol.CodeNone}
		},
		Shutdown: func(req *protocol.ShutdownRequest) *protocol.ShutdownResponse {
			if shutdownCount != nil {
				shutdownCount.Add(1)
			}
			return &protocol.ShutdownResponse{Code: protocol.CodeNone}
		},
		Signal: func(req *protocol.SignalRequest) *protocol.SignalResponse {
			return &protocol.SignalResponse{Code: protocol.CodeNone}
		},
	}
}

func waitCallRsp(t *testing.T, ch chan *protocol.CallResponse) *protocol.CallResponse {
	t.Helper()
	select {
	case rsp := <-ch:
		return rsp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call response")
		return nil
	}
}

func TestDuplicateCallRequestDispatchesOnce(t *testing.T) {
	var initCount atomic.Int32
	r := newRuntimeIntf(testHandlers(&initCount, nil, nil), nil, logging.NewNopLogger())
	go r.ReceiveRequestLoop()
	defer r.clear()

	req := &protocol.CallRequest{RequestID: "req-dup", IsCreate: true}
	rsps := make(chan *protocol.CallResponse, 2)
	r.HandleCallRequest(req, func(rsp *protocol.CallResponse) { rsps <- rsp })
	r.HandleCallRequest(req, func(rsp *protocol.CallResponse) { rsps <- rsp })

	// Ambas as respostas chegam com sucesso, o init roda uma única vez
	for i := 0; i < 2; i++ {
		if rsp := waitCallRsp(t, rsps); rsp.Code != protocol.CodeNone {
			t.Fatalf("response %d: expected NONE, got %s", i, rsp.Code)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if initCount.Load() != 1 {
		t.Fatalf("init handler must fire exactly once, fired %d times", initCount.Load())
	}
}

func TestNonCreateCallWaitsInitialized(t *testing.T) {
	var initCount, callCount atomic.Int32
	r := newRuntimeIntf(testHandlers(&initCount, &callCount, nil), nil, logging.NewNopLogger())
	go r.ReceiveRequestLoop()
	defer r.clear()

	createRsps := make(chan *protocol.CallResponse, 1)
	r.HandleCallRequest(&protocol.CallRequest{RequestID: "req-init", IsCreate: true}, func(rsp *protocol.CallResponse) {
		createRsps <- rsp
	})
	waitCallRsp(t, createRsps)

	callRsps := make(chan *protocol.CallResponse, 1)
	r.HandleCallRequest(&protocol.CallRequest{RequestID: "req-call"}, func(rsp *protocol.CallResponse) {
		callRsps <- rsp
	})
	// A chamada fica presa até a inicialização concluir
	select {
	case <-callRsps:
		t.Fatal("call must wait for initialization")
	case <-time.After(100 * time.Millisecond):
	}
	r.status.SetInitialized() // o worker reporta o resultado do init

	if rsp := waitCallRsp(t, callRsps); rsp.Code != protocol.CodeNone {
		t.Fatalf("expected NONE after init, got %s", rsp.Code)
	}
	time.Sleep(100 * time.Millisecond)
	if callCount.Load() != 1 {
		t.Fatalf("call handler must fire once, fired %d", callCount.Load())
	}
}

func TestInitializingFailureGatesCalls(t *testing.T) {
	r := newRuntimeIntf(testHandlers(nil, nil, nil), nil, logging.NewNopLogger())
	go r.ReceiveRequestLoop()
	defer r.clear()

	createRsps := make(chan *protocol.CallResponse, 1)
	r.HandleCallRequest(&protocol.CallRequest{RequestID: "req-init", IsCreate: true}, func(rsp *protocol.CallResponse) {
		createRsps <- rsp
	})
	waitCallRsp(t, createRsps)
	r.status.SetInitializingFailure(protocol.CodeUserFunctionException, "init blew up")

	callRsps := make(chan *protocol.CallResponse, 1)
	r.HandleCallRequest(&protocol.CallRequest{RequestID: "req-call"}, func(rsp *protocol.CallResponse) {
		callRsps <- rsp
	})
	rsp := waitCallRsp(t, callRsps)
	if rsp.Code != protocol.CodeUserFunctionException || rsp.Message != "init blew up" {
		t.Fatalf("expected init failure surfaced, got %+v", rsp)
	}
	// Falha não deixa o request pendurado no processing set
	time.Sleep(100 * time.Millisecond)
	r.pmu.Lock()
	_, stillThere := r.processing["req-call"]
	r.pmu.Unlock()
	if stillThere {
		t.Error("failed call must leave the processing set")
	}
}

func TestShutdownHandlerRunsAtMostOnce(t *testing.T) {
	var shutdownCount atomic.Int32
	r := newRuntimeIntf(testHandlers(nil, nil, &shutdownCount), nil, logging.NewNopLogger())
	defer r.clear()

	rsps := make(chan *protocol.ShutdownResponse, 2)
	r.HandleShutdownRequest(&protocol.ShutdownRequest{GracePeriodSecond: 1}, func(rsp *protocol.ShutdownResponse) {
		rsps <- rsp
	})
	r.HandleShutdownRequest(&protocol.ShutdownRequest{GracePeriodSecond: 1}, func(rsp *protocol.ShutdownResponse) {
		rsps <- rsp
	})
	for i := 0; i < 2; i++ {
		select {
		case rsp := <-rsps:
			if rsp.Code != protocol.CodeNone {
				t.Fatalf("shutdown response %d: %s", i, rsp.Code)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for shutdown response")
		}
	}
	if shutdownCount.Load() != 1 {
		t.Fatalf("shutdown handler must run at most once, ran %d times", shutdownCount.Load())
	}
}

func TestRecoverSuccessMarksInitialized(t *testing.T) {
	r := newRuntimeIntf(testHandlers(nil, nil, nil), nil, logging.NewNopLogger())
	defer r.clear()

	rsps := make(chan *protocol.RecoverResponse, 1)
	r.HandleRecoverRequest(&protocol.RecoverRequest{CheckpointID: "ckpt-1"}, func(rsp *protocol.RecoverResponse) {
		rsps <- rsp
	})
	select {
	case <-rsps:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recover response")
	}
	if !r.status.WaitInitialized() {
		t.Error("successful recover must mark the instance initialized")
	}
}

func TestDefaultHeartbeatUsesMonitor(t *testing.T) {
	monitor := NewSystemMonitor(logging.NewNopLogger())
	monitor.collect()
	r := newRuntimeIntf(testHandlers(nil, nil, nil), monitor, logging.NewNopLogger())
	defer r.clear()

	rsps := make(chan *protocol.HeartbeatResponse, 1)
	r.HandleHeartbeatRequest(&protocol.HeartbeatRequest{}, func(rsp *protocol.HeartbeatResponse) {
		rsps <- rsp
	})
	// Sem handler instalado, a resposta é síncrona
	select {
	case rsp := <-rsps:
		if rsp.Code != protocol.CodeNone {
			t.Fatalf("heartbeat: %s", rsp.Code)
		}
		stats := monitor.Stats()
		if rsp.CPUPercent != stats.CPUPercent || rsp.MemoryPercent != stats.MemoryPercent ||
			rsp.LoadAverage != stats.LoadAverage {
			t.Errorf("heartbeat must carry the monitor stats, got %+v want %+v", rsp, stats)
		}
	default:
		t.Fatal("default heartbeat must answer synchronously")
	}
}

func TestWaitRequestEmpty(t *testing.T) {
	r := newRuntimeIntf(testHandlers(nil, nil, nil), nil, logging.NewNopLogger())
	defer r.clear()

	if remaining := r.WaitRequestEmpty(3); remaining <= 0 {
		t.Errorf("empty set must return remaining grace, got %d", remaining)
	}

	r.addProcessingRequestID("req-slow")
	go func() {
		time.Sleep(200 * time.Millisecond)
		r.deleteProcessingRequestID("req-slow")
	}()
	start := time.Now()
	r.shutdownFlag.Store(false)
	r.WaitRequestEmpty(5)
	if time.Since(start) > 3*time.Second {
		t.Error("drain must return soon after the set empties")
	}
}
