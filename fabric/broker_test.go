// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/n-fabric/internal/logging"
	"github.com/nishisan-dev/n-fabric/protocol"
)

const testMsgLimit = 4 * 1024 * 1024

// fakeProxy simula o function-proxy: aceita o stream single-mode, entrega
// os envelopes recebidos em um canal e permite injetar mensagens de volta.
type fakeProxy struct {
	ln   net.Listener
	msgs chan *protocol.Message

	mu   sync.Mutex
	conn net.Conn
	w    *protocol.Writer
}

func newFakeProxy(t *testing.T) *fakeProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake proxy listen: %v", err)
	}
	p := &fakeProxy{ln: ln, msgs: make(chan *protocol.Message, 64)}
	t.Cleanup(func() { ln.Close() })
	go p.acceptLoop()
	return p
}

func (p *fakeProxy) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		r := protocol.NewReader(conn, testMsgLimit)
		w := protocol.NewWriter(conn, testMsgLimit)
		if _, err := r.ReadHandshake(); err != nil {
			conn.Close()
			continue
		}
		if err := w.WriteHandshakeACK(&protocol.HandshakeACK{Status: protocol.HSStatusOK}); err != nil {
			conn.Close()
			continue
		}
		p.mu.Lock()
		p.conn = conn
		p.w = w
		p.mu.Unlock()
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				break
			}
			p.msgs <- msg
		}
	}
}

func (p *fakeProxy) port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *fakeProxy) inject(t *testing.T, msg *protocol.Message) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		t.Fatal("fake proxy has no active stream")
	}
	if err := p.w.WriteMessage(msg); err != nil {
		t.Fatalf("fake proxy inject: %v", err)
	}
}

func (p *fakeProxy) closeActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.w = nil
	}
}

// expectKind descarta mensagens até achar o kind pedido.
func (p *fakeProxy) expectKind(t *testing.T, kind protocol.Kind, timeout time.Duration) *protocol.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-p.msgs:
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message kind 0x%02x", byte(kind))
			return nil
		}
	}
}

// fakePeer simula um worker remoto com stream direto (batch-mode).
type fakePeer struct {
	ln   net.Listener
	msgs chan *protocol.Message

	mu   sync.Mutex
	conn net.Conn
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake peer listen: %v", err)
	}
	p := &fakePeer{ln: ln, msgs: make(chan *protocol.Message, 64)}
	t.Cleanup(func() { ln.Close() })
	go p.acceptLoop()
	return p
}

func (p *fakePeer) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		r := protocol.NewReader(conn, testMsgLimit)
		w := protocol.NewWriter(conn, testMsgLimit)
		hs, err := r.ReadHandshake()
		if err != nil {
			conn.Close()
			continue
		}
		flags := hs.Flags & (protocol.FlagBatched | protocol.FlagZstd)
		if err := w.WriteHandshakeACK(&protocol.HandshakeACK{Status: protocol.HSStatusOK, Flags: flags}); err != nil {
			conn.Close()
			continue
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		for {
			msgs, err := r.ReadBatch()
			if err != nil {
				break
			}
			for _, msg := range msgs {
				p.msgs <- msg
			}
		}
	}
}

func (p *fakePeer) port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *fakePeer) shutdown() {
	p.ln.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *fakePeer) expectKind(t *testing.T, kind protocol.Kind, timeout time.Duration) *protocol.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-p.msgs:
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for peer message kind 0x%02x", byte(kind))
			return nil
		}
	}
}

type brokerTestOpts struct {
	ackWindowSec int
	subscribeCb  func()
}

func newTestBroker(t *testing.T, p *fakeProxy, handlers Handlers, topts brokerTestOpts) *Broker {
	t.Helper()
	if topts.ackWindowSec == 0 {
		topts.ackWindowSec = 3
	}
	logger := logging.NewNopLogger()
	pool := NewConnPool(logger)
	b := NewBroker(BrokerOptions{
		Port:                p.port(),
		ClientMode:          true,
		BusAddress:          fmt.Sprintf("127.0.0.1:%d", p.port()),
		MaxMessageSize:      testMsgLimit,
		AckWindowSec:        topts.ackWindowSec,
		AckTimeoutSec:       1,
		ReconnectMinBackoff: 50 * time.Millisecond,
		ReconnectMaxBackoff: 200 * time.Millisecond,
	}, handlers, pool, nil, logger)
	if err := b.Start("job-t", "inst-t", "rt-t", "", topts.subscribeCb); !err.OK() {
		t.Fatalf("starting broker: %s", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func waitNotify(t *testing.T, ch chan *protocol.NotifyRequest, timeout time.Duration) *protocol.NotifyRequest {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(timeout):
		t.Fatal("timed out waiting for notify callback")
		return nil
	}
}

func waitPendingZero(t *testing.T, b *Broker) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.PendingRequests() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("wired requests never drained, pending=%d", b.PendingRequests())
}

func TestInvokeHappyPath(t *testing.T) {
	p := newFakeProxy(t)
	b := newTestBroker(t, p, testHandlers(nil, nil, nil), brokerTestOpts{})

	reqID := protocol.GenRequestID()
	notifyCh := make(chan *protocol.NotifyRequest, 1)
	b.InvokeAsync(&protocol.InvokeRequest{
		RequestID:  reqID,
		InstanceID: "worker-1",
		Function:   "soma",
	}, func(req *protocol.NotifyRequest, err ErrorInfo) { notifyCh <- req }, 0)

	out := p.expectKind(t, protocol.KindInvokeReq, 2*time.Second)
	if out.MessageID != protocol.GenMessageID(reqID, 0) {
		t.Fatalf("first attempt message id: expected %s00, got %s", reqID, out.MessageID)
	}

	p.inject(t, protocol.NewMessage(out.MessageID, &protocol.InvokeResponse{Code: protocol.CodeNone}))
	p.inject(t, protocol.NewMessage(protocol.GenMessageID(reqID, 0), &protocol.NotifyRequest{
		RequestID: reqID,
		Code:      protocol.CodeNone,
		Message:   "done",
	}))

	notify := waitNotify(t, notifyCh, 2*time.Second)
	if notify.Code != protocol.CodeNone || notify.Message != "done" {
		t.Fatalf("unexpected notify: %+v", notify)
	}
	waitPendingZero(t, b)
}

func TestInvokeTimeoutSendsSignal(t *testing.T) {
	p := newFakeProxy(t)
	b := newTestBroker(t, p, testHandlers(nil, nil, nil), brokerTestOpts{ackWindowSec: 30})

	reqID := protocol.GenRequestID()
	notifyCh := make(chan *protocol.NotifyRequest, 1)
	b.InvokeAsync(&protocol.InvokeRequest{
		RequestID:  reqID,
		InstanceID: "worker-1",
	}, func(req *protocol.NotifyRequest, err ErrorInfo) { notifyCh <- req }, 1)

	p.expectKind(t, protocol.KindInvokeReq, 2*time.Second)

	notify := waitNotify(t, notifyCh, 3*time.Second)
	if notify.Code != protocol.CodeInnerSystemError {
		t.Fatalf("expected INNER_SYSTEM_ERROR, got %s", notify.Code)
	}
	if !strings.Contains(notify.Message, "invoke request timeout") || !strings.Contains(notify.Message, reqID) {
		t.Fatalf("timeout message must carry the request id: %s", notify.Message)
	}

	// O signal fora de banda desbloqueia a thread pendente no destino
	signal := p.expectKind(t, protocol.KindSignalReq, 2*time.Second)
	body := signal.Body.(*protocol.SignalRequest)
	if body.Signal != protocol.SignalErasePendingThread || body.RequestID != reqID {
		t.Fatalf("unexpected signal: %+v", body)
	}
	waitPendingZero(t, b)
}

func TestCreateRetriesOnCommunicationError(t *testing.T) {
	p := newFakeProxy(t)
	b := newTestBroker(t, p, testHandlers(nil, nil, nil), brokerTestOpts{ackWindowSec: 10})

	reqID := protocol.GenRequestID()
	respCh := make(chan *protocol.CreateResponse, 1)
	notifyCh := make(chan *protocol.NotifyRequest, 1)
	b.CreateAsync(&protocol.CreateRequest{RequestID: reqID, Function: "g"},
		func(rsp *protocol.CreateResponse) { respCh <- rsp },
		func(req *protocol.NotifyRequest) { notifyCh <- req }, 0)

	first := p.expectKind(t, protocol.KindCreateReq, 2*time.Second)
	if first.MessageID != protocol.GenMessageID(reqID, 0) {
		t.Fatalf("first attempt: %s", first.MessageID)
	}
	// Erro de comunicação não liquida: alimenta o retry
	p.inject(t, protocol.NewMessage(first.MessageID, &protocol.CreateResponse{
		Code: protocol.CodeRequestBetweenRuntimeBus,
	}))

	second := p.expectKind(t, protocol.KindCreateReq, 4*time.Second)
	if second.MessageID != protocol.GenMessageID(reqID, 1) {
		t.Fatalf("retry must bump the retry byte: expected %s01, got %s", reqID, second.MessageID)
	}

	p.inject(t, protocol.NewMessage(second.MessageID, &protocol.CreateResponse{
		Code:       protocol.CodeNone,
		InstanceID: "worker-9",
	}))
	select {
	case rsp := <-respCh:
		if rsp.Code != protocol.CodeNone || rsp.InstanceID != "worker-9" {
			t.Fatalf("unexpected create response: %+v", rsp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("create response callback never fired")
	}

	// O destino do registro aprende o instance id para o direcionamento
	var dst string
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		b.mu.Lock()
		if wr := b.wired[reqID]; wr != nil {
			dst = wr.dstInstanceID
		}
		b.mu.Unlock()
		if dst == "worker-9" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if dst != "worker-9" {
		t.Fatalf("wired request dst must update to the created instance, got %q", dst)
	}

	p.inject(t, protocol.NewMessage(protocol.GenMessageID(reqID, 1), &protocol.NotifyRequest{
		RequestID: reqID,
		Code:      protocol.CodeNone,
	}))
	waitNotify(t, notifyCh, 2*time.Second)
	waitPendingZero(t, b)
}

func TestStopFinalizesPending(t *testing.T) {
	p := newFakeProxy(t)
	b := newTestBroker(t, p, testHandlers(nil, nil, nil), brokerTestOpts{ackWindowSec: 30})

	reqID := protocol.GenRequestID()
	respCh := make(chan *protocol.CreateResponse, 1)
	b.CreateAsync(&protocol.CreateRequest{RequestID: reqID},
		func(rsp *protocol.CreateResponse) { respCh <- rsp },
		func(req *protocol.NotifyRequest) {}, 0)
	p.expectKind(t, protocol.KindCreateReq, 2*time.Second)

	b.Stop()
	select {
	case rsp := <-respCh:
		if rsp.Code != protocol.CodeFinalized {
			t.Fatalf("expected FINALIZED, got %s", rsp.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request must settle on stop")
	}
}

func TestRetryWindowExhaustion(t *testing.T) {
	p := newFakeProxy(t)
	b := newTestBroker(t, p, testHandlers(nil, nil, nil), brokerTestOpts{ackWindowSec: 2})

	reqID := protocol.GenRequestID()
	respCh := make(chan *protocol.CreateResponse, 1)
	b.CreateAsync(&protocol.CreateRequest{RequestID: reqID},
		func(rsp *protocol.CreateResponse) { respCh <- rsp },
		func(req *protocol.NotifyRequest) {}, 0)
	p.expectKind(t, protocol.KindCreateReq, 2*time.Second)

	// Nenhuma resposta: a janela de 2s esgota e o broker liquida com
	// REQUEST_BETWEEN_RUNTIME_BUS.
	select {
	case rsp := <-respCh:
		if rsp.Code != protocol.CodeRequestBetweenRuntimeBus {
			t.Fatalf("expected REQUEST_BETWEEN_RUNTIME_BUS, got %s", rsp.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exhausted retry window must settle the request")
	}
	waitPendingZero(t, b)
}

func TestDirectPathAndDowngrade(t *testing.T) {
	p := newFakeProxy(t)
	b := newTestBroker(t, p, testHandlers(nil, nil, nil), brokerTestOpts{ackWindowSec: 60})
	peer := newFakePeer(t)

	// Abre o stream direto como o broker faz ao receber um notify com o
	// endereço do worker.
	b.newRTIntfClient("worker-A", &protocol.NotifyRequest{
		RuntimeInfo: &protocol.RuntimeInfo{ServerIPAddr: "127.0.0.1", ServerPort: peer.port()},
	})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if rt := b.mgr.TryGet("worker-A"); rt != nil && rt.Available() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("direct stream never became available")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Invoke direcionado ao peer: sai pelo stream direto
	reqA := protocol.GenRequestID()
	b.InvokeAsync(&protocol.InvokeRequest{RequestID: reqA, InstanceID: "worker-A"},
		func(req *protocol.NotifyRequest, err ErrorInfo) {}, 0)
	peer.expectKind(t, protocol.KindInvokeReq, 2*time.Second)

	// Derruba o peer de vez: o próximo invoke cai para o proxy sem erro
	// visível ao usuário.
	peer.shutdown()
	deadline = time.Now().Add(3 * time.Second)
	for {
		if rt := b.mgr.TryGet("worker-A"); rt == nil || !rt.Available() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("direct stream never went down")
		}
		time.Sleep(20 * time.Millisecond)
	}

	reqA2 := protocol.GenRequestID()
	b.InvokeAsync(&protocol.InvokeRequest{RequestID: reqA2, InstanceID: "worker-A"},
		func(req *protocol.NotifyRequest, err ErrorInfo) {}, 0)
	// Retries do primeiro invoke também podem cair no proxy; espera
	// especificamente pelo novo request id.
	found := false
	for deadline := time.Now().Add(3 * time.Second); time.Now().Before(deadline) && !found; {
		msg := p.expectKind(t, protocol.KindInvokeReq, 3*time.Second)
		found = protocol.RequestIDFromMessageID(msg.MessageID) == reqA2
	}
	if !found {
		t.Fatalf("downgraded invoke for %s never reached the proxy", reqA2)
	}
}

func TestProxyReconnectResendsSelectively(t *testing.T) {
	p := newFakeProxy(t)
	var resubscribes atomic.Int32
	b := newTestBroker(t, p, testHandlers(nil, nil, nil),
		brokerTestOpts{ackWindowSec: 60, subscribeCb: func() { resubscribes.Add(1) }})
	baseline := resubscribes.Load() // o start dispara a primeira subscrição

	peer := newFakePeer(t)
	b.newRTIntfClient("worker-A", &protocol.NotifyRequest{
		RuntimeInfo: &protocol.RuntimeInfo{ServerIPAddr: "127.0.0.1", ServerPort: peer.port()},
	})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if rt := b.mgr.TryGet("worker-A"); rt != nil && rt.Available() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("direct stream never became available")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Um request pendente no peer direto, outro no proxy
	reqA := protocol.GenRequestID()
	b.InvokeAsync(&protocol.InvokeRequest{RequestID: reqA, InstanceID: "worker-A"},
		func(req *protocol.NotifyRequest, err ErrorInfo) {}, 0)
	peer.expectKind(t, protocol.KindInvokeReq, 2*time.Second)

	reqP := protocol.GenRequestID()
	b.CreateAsync(&protocol.CreateRequest{RequestID: reqP},
		func(rsp *protocol.CreateResponse) {},
		func(req *protocol.NotifyRequest) {}, 0)
	p.expectKind(t, protocol.KindCreateReq, 2*time.Second)

	// Derruba e deixa o proxy voltar
	p.closeActive()
	resent := p.expectKind(t, protocol.KindCreateReq, 5*time.Second)
	if protocol.RequestIDFromMessageID(resent.MessageID) != reqP {
		t.Fatalf("expected resent create for %s, got %s", reqP, resent.MessageID)
	}

	// O request do peer direto (vivo) não transita pelo proxy
	select {
	case msg := <-p.msgs:
		if msg.Kind == protocol.KindInvokeReq &&
			protocol.RequestIDFromMessageID(msg.MessageID) == reqA {
			t.Fatal("direct-targeted request must not be resent through the proxy")
		}
	case <-time.After(300 * time.Millisecond):
	}

	// A re-subscrição dispara uma única vez por reconexão
	delta := resubscribes.Load() - baseline
	if delta != 1 {
		t.Fatalf("expected exactly one resubscribe after the reconnect, got %d", delta)
	}
}
