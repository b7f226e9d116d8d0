// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-fabric/protocol"
)

const (
	// doubleInterval é o fator do backoff exponencial de retry.
	doubleInterval = 2

	// fsDisconnectedTimeout é o intervalo máximo de desconexão do proxy
	// antes do broker liquidar os requests pendentes com BUS_DISCONNECTION.
	fsDisconnectedTimeout = 900 * time.Second

	// rtDisconnectedTimeout é o equivalente para streams diretos, que caem
	// e reconectam com muito mais frequência.
	rtDisconnectedTimeout = 60 * time.Second

	// serviceReadyTimeout é a espera pelo primeiro attach do proxy em modo
	// server.
	serviceReadyTimeout = 30 * time.Second
)

// BrokerOptions parametriza o broker.
type BrokerOptions struct {
	// IPAddr/Port: endereço do proxy no modo driver; endereço de escuta no
	// modo server; porta do proxy no modo client.
	IPAddr string
	Port   int

	IsDriver   bool
	ClientMode bool
	DirectCall bool

	// BusAddress é o endereço host:port do proxy no modo client.
	BusAddress string

	// PodIP/DirectPort: onde o server direto escuta no modo client+direct.
	PodIP      string
	DirectPort int

	MaxMessageSize      int // bytes por envelope
	AckWindowSec        int // janela acumulada de retry
	AckTimeoutSec       int // intervalo inicial de retry
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	BandwidthLimit      int64

	Security *Security
}

// Broker é o coração do fabric: dono da tabela de wired requests, dos
// timers de retry/timeout e do dispatcher que correlaciona frames chegando
// com requests pendentes.
type Broker struct {
	*runtimeIntf

	logger *slog.Logger
	opts   BrokerOptions

	fsIP       string
	fsPort     int
	listenIP   string
	selfPort   int
	isDriver   bool
	clientMode bool
	directCall bool

	security *Security
	pool     *ConnPool
	mgr      *StreamManager
	service  *Service
	ready    chan struct{}

	instanceID string
	runtimeID  string
	stopped    atomic.Bool

	mu    sync.Mutex
	wired map[string]*wiredRequest

	fsHdlrs map[protocol.Kind]MsgHandler
	rtHdlrs map[protocol.Kind]MsgHandler

	reSubscribeCb func()

	serverVersion string
	nodeID        string
	nodeIP        string
}

// NewBroker monta um broker parado. handlers são os callbacks do runtime
// hospedeiro; pool é compartilhado com os demais clients do processo.
func NewBroker(opts BrokerOptions, handlers Handlers, pool *ConnPool, monitor *SystemMonitor, logger *slog.Logger) *Broker {
	b := &Broker{
		runtimeIntf: newRuntimeIntf(handlers, monitor, logger),
		logger:      logger.With("component", "broker"),
		opts:        opts,
		isDriver:    opts.IsDriver,
		clientMode:  opts.ClientMode,
		directCall:  opts.DirectCall,
		security:    opts.Security,
		pool:        pool,
		mgr:         NewStreamManager(logger),
		wired:       make(map[string]*wiredRequest),
	}
	switch {
	case opts.IsDriver:
		b.fsIP = opts.IPAddr
		b.fsPort = opts.Port
		b.selfPort = 0
		b.listenIP = opts.IPAddr
	case opts.ClientMode:
		// modo client: o endereço de entrada é o do runtime; o proxy vem
		// da configuração do bus.
		host, _, err := net.SplitHostPort(opts.BusAddress)
		if err != nil {
			host = opts.BusAddress
		}
		b.fsIP = host
		b.fsPort = opts.Port
		b.listenIP = ""
		b.selfPort = 0
	default:
		// modo server: não conecta no proxy; o proxy conecta aqui.
		b.fsIP = ""
		b.fsPort = 0
		b.listenIP = opts.IPAddr
		b.selfPort = opts.Port
	}

	b.fsHdlrs = map[protocol.Kind]MsgHandler{
		protocol.KindCallReq:       b.recvCallRequest,
		protocol.KindNotifyReq:     b.recvNotifyRequest,
		protocol.KindCheckpointReq: b.recvCheckpointRequest,
		protocol.KindRecoverReq:    b.recvRecoverRequest,
		protocol.KindShutdownReq:   b.recvShutdownRequest,
		protocol.KindSignalReq:     b.recvSignalRequest,
		protocol.KindHeartbeatReq:  b.recvHeartbeatRequest,
		protocol.KindCreateRsp:     b.recvCreateOrInvokeResponse,
		protocol.KindCreateRsps:    b.recvCreateOrInvokeResponse,
		protocol.KindInvokeRsp:     b.recvCreateOrInvokeResponse,
		protocol.KindCallResultAck: b.recvResponse,
		protocol.KindKillRsp:       b.recvResponse,
		protocol.KindSaveRsp:       b.recvResponse,
		protocol.KindLoadRsp:       b.recvResponse,
		protocol.KindRGroupRsp:     b.recvResponse,
		protocol.KindExitRsp:       b.recvResponse,
	}
	b.rtHdlrs = map[protocol.Kind]MsgHandler{
		protocol.KindCallReq:       b.recvCallRequest,
		protocol.KindInvokeRsp:     b.recvCreateOrInvokeResponse,
		protocol.KindNotifyReq:     b.recvNotifyRequest,
		protocol.KindCallResultAck: b.recvResponse,
	}
	return b
}

// ---- tabela de wired requests ----

// saveWiredRequest registra o wired request. Se o request id já tem
// registro, o existente é mantido e sua contagem de retry avança.
func (b *Broker) saveWiredRequest(reqID string, wr *wiredRequest) *wiredRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.wired[reqID]; ok {
		existing.retryCount++
		return existing
	}
	b.wired[reqID] = wr
	return wr
}

// eraseWiredRequest remove e devolve o registro, cancelando seus timers.
func (b *Broker) eraseWiredRequest(reqID string) *wiredRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	wr, ok := b.wired[reqID]
	if !ok {
		return nil
	}
	wr.cancelTimers()
	delete(b.wired, reqID)
	return wr
}

// getWiredRequest devolve o registro marcando o estado de ack.
func (b *Broker) getWiredRequest(reqID string, ackReceived bool) *wiredRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	wr, ok := b.wired[reqID]
	if !ok {
		return nil
	}
	wr.ackReceived = ackReceived
	return wr
}

func (b *Broker) updateWiredRequestRemote(reqID, dstInstanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wr, ok := b.wired[reqID]; ok {
		wr.dstInstanceID = dstInstanceID
	}
}

func (b *Broker) allWiredRequests() map[string]*wiredRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*wiredRequest, len(b.wired))
	for k, v := range b.wired {
		out[k] = v
	}
	return out
}

// PendingRequests devolve o número de wired requests pendentes.
func (b *Broker) PendingRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.wired)
}

// updateRetryInterval avança a contagem de retry e desconta a janela.
// Devolve (registro, true) quando a janela esgotou: o registro já foi
// removido e não deve mais ser reenviado.
func (b *Broker) updateRetryInterval(reqID string) (*wiredRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wr, ok := b.wired[reqID]
	if !ok {
		return nil, true
	}
	wr.retryCount++
	wr.remainTimeoutSec -= wr.retryIntervalSec
	if wr.remainTimeoutSec <= 0 {
		// não sobra tempo para esperar resposta
		delete(b.wired, reqID)
		return wr, true
	}
	if wr.exponentialBackoff {
		wr.retryIntervalSec *= doubleInterval
	}
	if wr.retryIntervalSec > wr.remainTimeoutSec {
		wr.retryIntervalSec = wr.remainTimeoutSec
	}
	return wr, false
}

// clearAllWiredRequests liquida todos os registros com FINALIZED.
// Callbacks disparam fora do mutex.
func (b *Broker) clearAllWiredRequests() {
	b.mu.Lock()
	pending := make([]*wiredRequest, 0, len(b.wired))
	for _, wr := range b.wired {
		wr.cancelTimers()
		pending = append(pending, wr)
	}
	b.wired = make(map[string]*wiredRequest)
	b.mu.Unlock()
	for _, wr := range pending {
		if wr.callback != nil {
			wr.callback(&protocol.Message{}, NewErrorInfo(protocol.CodeFinalized, "runtime bus client quit"), func(bool) {})
		}
	}
}

// ---- retry / timeout ----

func secsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

// setupRetry arma o loop de retry do registro. O intervalo inicial é o ACK
// timeout, nunca maior que a janela acumulada.
func (b *Broker) setupRetry(reqID string, send func(), exponentialBackoff bool) {
	window := b.opts.AckWindowSec
	interval := b.opts.AckTimeoutSec
	if interval > window {
		// janela menor que o primeiro intervalo: clamp explícito
		b.logger.Warn("retry window is smaller than the ack timeout, clamping",
			"ack_timeout_sec", interval, "window_sec", window)
		interval = window
	}
	b.mu.Lock()
	wr, ok := b.wired[reqID]
	if !ok {
		b.mu.Unlock()
		return
	}
	wr.retryHdlr = send
	wr.exponentialBackoff = exponentialBackoff
	wr.retryIntervalSec = interval
	wr.remainTimeoutSec = window
	wr.retryTimer = time.AfterFunc(secsDuration(interval), func() { b.retryTick(reqID) })
	b.mu.Unlock()
}

// retryTick avalia um disparo do timer de retry: reenvia e rearma enquanto
// needRepeat permite.
func (b *Broker) retryTick(reqID string) {
	if !b.needRepeat(reqID) {
		return
	}
	b.mu.Lock()
	wr, ok := b.wired[reqID]
	if !ok || wr.retryHdlr == nil {
		b.mu.Unlock()
		return
	}
	interval := wr.retryIntervalSec
	retryCount := wr.retryCount
	send := wr.retryHdlr
	wr.retryTimer = time.AfterFunc(secsDuration(interval), func() { b.retryTick(reqID) })
	b.mu.Unlock()
	b.logger.Info("request will retry without ack", "request_id", reqID, "count", retryCount)
	send()
}

// needRepeat decide se o registro ainda deve ser reenviado:
// janela esgotada → liquida com REQUEST_BETWEEN_RUNTIME_BUS e para;
// ack já recebido → para (a resposta ou o notify é a terminação).
func (b *Broker) needRepeat(reqID string) bool {
	wr, expired := b.updateRetryInterval(reqID)
	if expired {
		if wr != nil && wr.callback != nil {
			b.logger.Error("request retry expired", "request_id", reqID)
			err := NewErrorInfo(protocol.CodeRequestBetweenRuntimeBus, "response timeout, request ID is "+reqID)
			wr.callback(&protocol.Message{}, err, func(needErase bool) {
				if needErase {
					b.eraseWiredRequest(reqID)
				}
			})
		}
		return false
	}
	if wr != nil && wr.ackReceived {
		b.logger.Debug("request has received ack, no need retry", "request_id", reqID)
		return false
	}
	return true
}

// rearmRetryLocked reinicia o timer de retry no intervalo inicial. Chamado
// com b.mu tomado, no caminho de resend pós-reconexão de peer direto.
func (b *Broker) rearmRetryLocked(wr *wiredRequest) {
	interval := b.opts.AckTimeoutSec
	if interval > b.opts.AckWindowSec {
		interval = b.opts.AckWindowSec
	}
	reqID := wr.requestID
	if wr.retryTimer != nil {
		wr.retryTimer.Stop()
	}
	wr.retryTimer = time.AfterFunc(secsDuration(interval), func() { b.retryTick(reqID) })
}

// setupTimeout arma o timer one-shot de timeout do request.
func (b *Broker) setupTimeout(reqID string, timeoutSec int, fire func()) {
	if timeoutSec <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	wr, ok := b.wired[reqID]
	if !ok {
		return
	}
	wr.timeoutTimer = time.AfterFunc(secsDuration(timeoutSec), fire)
}

// ---- escrita ----

// writeCallback trata o resultado de uma escrita de request no stream.
// Erros de comunicação alimentam o loop de retry; qualquer outro erro
// liquida o registro imediatamente.
func (b *Broker) writeCallback(reqID string, err ErrorInfo) {
	if err.OK() {
		return
	}
	if protocol.IsCommunicationError(err.Code) {
		b.logger.Error("communicate fails for request", "request_id", reqID,
			"code", err.Code, "message", err.Message)
		return
	}
	b.logger.Debug("send request failed", "request_id", reqID, "code", err.Code, "message", err.Message)
	wr := b.eraseWiredRequest(reqID)
	if wr != nil && wr.callback != nil {
		wr.callback(&protocol.Message{}, err, func(bool) {})
	}
}

// write envia pelo stream do proxy.
func (b *Broker) write(msg *protocol.Message, cb func(ErrorInfo)) {
	adapted := func(_ bool, err ErrorInfo) {
		if cb != nil {
			cb(err)
		}
	}
	if rw := b.mgr.System(); rw != nil {
		rw.Write(msg, adapted, nil)
		return
	}
	adapted(false, communicationError("runtime bus client is unavailable"))
}

// tryDirectWrite envia pelo stream direto do destino quando ele existe e
// está disponível; senão pelo stream do proxy.
func (b *Broker) tryDirectWrite(dstInstanceID string, msg *protocol.Message, cb WriteCallback, pre PreWrite) {
	if rw := b.mgr.Get(dstInstanceID); rw != nil {
		rw.Write(msg, cb, pre)
		return
	}
	if pre != nil {
		pre(false)
	}
	if cb != nil {
		cb(false, communicationError("runtime bus client is unavailable"))
	}
}

// proxySender monta o send handler padrão de um request via proxy: deriva o
// message id da tentativa corrente e escreve com o writeCallback.
func (b *Broker) proxySender(reqID string, body any) func() {
	return func() {
		b.mu.Lock()
		wr, ok := b.wired[reqID]
		if !ok {
			b.mu.Unlock()
			return
		}
		messageID := protocol.GenMessageID(reqID, uint8(wr.retryCount))
		b.mu.Unlock()
		b.logger.Debug("begin to send request", "request_id", reqID, "message_id", messageID)
		b.write(protocol.NewMessage(messageID, body), func(err ErrorInfo) {
			b.writeCallback(reqID, err)
		})
	}
}

// ---- operações assíncronas ----

// GroupCreateAsync envia a criação de um grupo de instâncias. O registro é
// mantido após a resposta para entregar o notify.
func (b *Broker) GroupCreateAsync(reqs *protocol.CreateRequests,
	respCb func(*protocol.CreateResponses), notifyCb func(*protocol.NotifyRequest), timeoutSec int) {
	reqID := reqs.RequestID
	traceID := reqs.TraceID

	respCallback := func(msg *protocol.Message, status ErrorInfo, needErase func(bool)) {
		b.logger.Debug("receive group create responses", "request_id", reqID, "trace_id", traceID)
		if rsps, ok := msg.Body.(*protocol.CreateResponses); status.OK() && ok {
			respCb(rsps)
			needErase(rsps.Code != protocol.CodeNone)
			return
		}
		respCb(&protocol.CreateResponses{
			Code:    status.Code,
			Message: "create group response failed, request id: " + reqID + ", msg: " + status.Message,
		})
		needErase(true)
	}
	notifyCallback := func(req *protocol.NotifyRequest, err ErrorInfo) {
		b.logger.Debug("receive group create notify request", "request_id", req.RequestID, "code", req.Code)
		notifyCb(req)
	}

	wr := newWiredRequest(reqID, respCallback, notifyCallback, protocol.FunctionProxy)
	b.saveWiredRequest(reqID, wr)
	send := b.proxySender(reqID, reqs)
	send()
	b.setupRetry(reqID, send, false)
}

// CreateAsync cria uma instância. A resposta síncrona confirma a aceitação
// e carrega o instance id remoto, gravado no registro para que envios
// subsequentes encontrem o caminho direto; o notify conclui a criação.
func (b *Broker) CreateAsync(req *protocol.CreateRequest,
	respCb func(*protocol.CreateResponse), notifyCb func(*protocol.NotifyRequest), timeoutSec int) {
	reqID := req.RequestID
	traceID := req.TraceID
	funcName := req.Function

	respCallback := func(msg *protocol.Message, status ErrorInfo, needErase func(bool)) {
		b.logger.Debug("receive create response", "function", funcName, "request_id", reqID, "trace_id", traceID)
		if rsp, ok := msg.Body.(*protocol.CreateResponse); status.OK() && ok {
			if rsp.Code == protocol.CodeNone {
				respCb(rsp)
				b.updateWiredRequestRemote(reqID, rsp.InstanceID)
				needErase(false)
				return
			}
			respCb(rsp)
			needErase(true)
			return
		}
		respCb(&protocol.CreateResponse{
			Code:    status.Code,
			Message: "create response failed, request id: " + reqID + ", msg: " + status.Message,
		})
		needErase(true)
	}
	notifyCallback := func(req *protocol.NotifyRequest, err ErrorInfo) {
		b.logger.Debug("receive create notify request", "request_id", req.RequestID, "code", req.Code)
		notifyCb(req)
	}

	wr := newWiredRequest(reqID, respCallback, notifyCallback, protocol.FunctionProxy)
	b.saveWiredRequest(reqID, wr)
	send := b.proxySender(reqID, req)
	send()
	b.setupRetry(reqID, send, false)
	b.setupTimeout(reqID, timeoutSec, func() {
		notifyRequest := &protocol.NotifyRequest{
			Code:      protocol.CodeInnerSystemError,
			Message:   "create request timeout, requestId: " + reqID,
			RequestID: reqID,
		}
		if wiredReq := b.getWiredRequest(reqID, false); wiredReq != nil {
			b.logger.Error("request timeout, start exec notify callback", "request_id", reqID, "trace_id", traceID)
			if wiredReq.notifyCallback != nil {
				wiredReq.notifyCallback(notifyRequest, ErrorInfo{})
			}
			b.eraseWiredRequest(reqID)
		}
	})
}

// InvokeAsync dispara uma chamada em uma instância. Usa o stream direto do
// destino quando existe; a escrita direta aceita vale como resposta de
// aceitação. O timeout sintetiza um notify de erro e manda um signal
// ErasePendingThread para a instância destino desbloquear a thread que
// esperava o resultado.
func (b *Broker) InvokeAsync(req *protocol.InvokeRequest, cb NotifyCallback, timeoutSec int) {
	reqID := req.RequestID
	instanceID := req.InstanceID
	traceID := req.TraceID

	respCallback := func(msg *protocol.Message, status ErrorInfo, needErase func(bool)) {
		b.logger.Debug("receive invoke response", "instance", instanceID, "request_id", reqID, "trace_id", traceID)
		if rsp, ok := msg.Body.(*protocol.InvokeResponse); status.OK() && ok {
			if rsp.Code == protocol.CodeNone {
				needErase(false)
				return
			}
			status = NewErrorInfo(rsp.Code, rsp.Message)
		}
		notifyRequest := &protocol.NotifyRequest{
			Code:      status.Code,
			Message:   "invoke response failed, request id: " + reqID + ", msg: " + status.Message,
			RequestID: reqID,
		}
		b.logger.Error("invoke response failed", "instance", instanceID, "request_id", reqID,
			"code", status.Code, "message", status.Message)
		needErase(true)
		cb(notifyRequest, ErrorInfo{})
	}
	notifyCallback := func(req *protocol.NotifyRequest, err ErrorInfo) {
		b.logger.Debug("receive invoke notify request", "request_id", req.RequestID, "code", req.Code)
		cb(req, err)
	}

	wr := newWiredRequest(reqID, respCallback, notifyCallback, instanceID)
	wr.returnObjectsSize = len(req.ReturnObjectIDs)
	b.saveWiredRequest(reqID, wr)

	send := func() {
		b.mu.Lock()
		wr, ok := b.wired[reqID]
		if !ok {
			b.mu.Unlock()
			return
		}
		messageID := protocol.GenMessageID(reqID, uint8(wr.retryCount))
		b.mu.Unlock()
		b.logger.Debug("send invoke message", "message_id", messageID)
		b.tryDirectWrite(instanceID, protocol.NewMessage(messageID, req), func(isDirect bool, status ErrorInfo) {
			if !isDirect || !status.OK() {
				b.writeCallback(reqID, status)
				return
			}
			// escrita direta aceita: vale como resposta de aceitação
			b.mu.Lock()
			saved := b.wired[reqID]
			b.mu.Unlock()
			if saved != nil && saved.callback != nil {
				fake := &protocol.Message{Kind: protocol.KindInvokeRsp, Body: &protocol.InvokeResponse{}}
				saved.callback(fake, status, func(bool) {})
			}
		}, nil)
	}
	send()
	b.setupRetry(reqID, send, true)
	b.setupTimeout(reqID, timeoutSec, func() {
		notifyRequest := &protocol.NotifyRequest{
			Code:      protocol.CodeInnerSystemError,
			Message:   "invoke request timeout with " + strconv.Itoa(timeoutSec) + " s, requestId: " + reqID,
			RequestID: reqID,
		}
		if wiredReq := b.getWiredRequest(reqID, false); wiredReq != nil {
			b.logger.Error("request timeout", "timeout_sec", timeoutSec, "instance", instanceID,
				"request_id", reqID, "trace_id", traceID)
			if wiredReq.notifyCallback != nil {
				wiredReq.notifyCallback(notifyRequest, ErrorInfo{IsTimeout: true})
			}
			b.eraseWiredRequest(reqID)
			b.sendErasePendingThread(instanceID, reqID)
		}
	})
}

// sendErasePendingThread manda o signal fora de banda que desbloqueia a
// thread pendurada no peer após um invoke expirar.
func (b *Broker) sendErasePendingThread(instanceID, reqID string) {
	signal := &protocol.SignalRequest{
		InstanceID: instanceID,
		RequestID:  reqID,
		Signal:     protocol.SignalErasePendingThread,
	}
	messageID := protocol.GenMessageID(protocol.GenRequestID(), 0)
	b.tryDirectWrite(instanceID, protocol.NewMessage(messageID, signal), func(_ bool, err ErrorInfo) {
		if !err.OK() {
			b.logger.Warn("failed to send erase pending thread signal", "instance", instanceID,
				"request_id", reqID, "code", err.Code)
		}
	}, nil)
}

// CallResultMessage embala o resultado de uma chamada a caminho do
// originador. ExistObjInDs indica que parte dos objetos de retorno ficou no
// data store; nesse caso o ack do peer continua obrigatório mesmo no
// caminho direto.
type CallResultMessage struct {
	Result       *protocol.CallResult
	ExistObjInDs bool
}

// CallResultAsync devolve o resultado do usuário. No caminho direto sem
// objetos no data store, o wired request nem chega a ser registrado: o
// próprio envio aceito conta como ack.
func (b *Broker) CallResultAsync(req *CallResultMessage, cb func(*protocol.CallResultAck)) {
	result := req.Result
	reqID := protocol.RealRequestID(result.RequestID)
	existObjInDs := req.ExistObjInDs
	b.logger.Debug("start call result request", "request_id", result.RequestID, "instance", result.InstanceID)

	respCallback := func(msg *protocol.Message, status ErrorInfo, needErase func(bool)) {
		b.logger.Debug("receive call result ack", "instance", result.InstanceID, "request_id", result.RequestID)
		if ack, ok := msg.Body.(*protocol.CallResultAck); status.OK() && ok {
			needErase(true)
			cb(ack)
			return
		}
		needErase(true)
		cb(&protocol.CallResultAck{Code: status.Code, Message: status.Message})
	}

	wr := newWiredRequest(reqID, respCallback, nil, protocol.FunctionProxy)
	preWrite := func(isDirect bool) {
		if isDirect && !existObjInDs {
			return
		}
		b.saveWiredRequest(reqID, wr)
	}
	send := func() {
		b.mu.Lock()
		retryCount := 0
		if saved, ok := b.wired[reqID]; ok {
			retryCount = saved.retryCount
		}
		b.mu.Unlock()
		messageID := protocol.GenMessageID(reqID, uint8(retryCount))
		if b.directCall {
			result.RuntimeInfo = &protocol.RuntimeInfo{ServerIPAddr: b.listenIP, ServerPort: b.selfPort}
		}
		b.tryDirectWrite(result.InstanceID, protocol.NewMessage(messageID, result),
			func(isDirect bool, status ErrorInfo) {
				if !isDirect || existObjInDs {
					b.writeCallback(reqID, status)
					return
				}
				if protocol.IsCommunicationError(status.Code) {
					b.saveWiredRequest(reqID, wr)
					b.logger.Error("communicate fails for request", "request_id", reqID,
						"code", status.Code, "message", status.Message)
					return
				}
				if !status.OK() {
					b.logger.Debug("send call result failed", "request_id", reqID,
						"code", status.Code, "message", status.Message)
				}
				b.eraseWiredRequest(reqID)
				if wr.callback != nil {
					fake := &protocol.Message{Kind: protocol.KindCallResultAck, Body: &protocol.CallResultAck{}}
					wr.callback(fake, status, func(bool) {})
				}
			}, preWrite)
	}
	send()
	b.setupRetry(reqID, send, false)
}

// KillAsync manda um kill para a instância.
func (b *Broker) KillAsync(req *protocol.KillRequest, cb func(*protocol.KillResponse), timeoutSec int) {
	reqID := protocol.GenRequestID()
	respCallback := func(msg *protocol.Message, status ErrorInfo, needErase func(bool)) {
		b.logger.Debug("receive kill response", "request_id", reqID)
		if rsp, ok := msg.Body.(*protocol.KillResponse); status.OK() && ok {
			cb(rsp)
			needErase(true)
			return
		}
		cb(&protocol.KillResponse{Code: status.Code, Message: status.Message})
		needErase(true)
	}

	wr := newWiredRequest(reqID, respCallback, nil, protocol.FunctionProxy)
	b.saveWiredRequest(reqID, wr)
	send := b.proxySender(reqID, req)
	send()
	b.setupRetry(reqID, send, false)
	b.setupTimeout(reqID, timeoutSec, func() {
		if wiredReq := b.getWiredRequest(reqID, false); wiredReq != nil {
			b.logger.Error("request timeout, start exec kill callback", "request_id", reqID)
			if wiredReq.callback != nil {
				err := NewErrorInfo(protocol.CodeInnerSystemError, "kill request timeout, requestId: "+reqID)
				wiredReq.callback(&protocol.Message{}, err, func(bool) {})
			}
			b.eraseWiredRequest(reqID)
		}
	})
}

// ExitAsync manda o exit do job.
func (b *Broker) ExitAsync(req *protocol.ExitRequest, cb func(*protocol.ExitResponse)) {
	reqID := protocol.GenRequestID()
	respCallback := func(msg *protocol.Message, status ErrorInfo, needErase func(bool)) {
		b.logger.Debug("receive exit response", "request_id", reqID)
		if rsp, ok := msg.Body.(*protocol.ExitResponse); status.OK() && ok {
			needErase(true)
			cb(rsp)
			return
		}
		needErase(true)
		cb(&protocol.ExitResponse{})
	}

	wr := newWiredRequest(reqID, respCallback, nil, protocol.FunctionProxy)
	b.saveWiredRequest(reqID, wr)
	send := b.proxySender(reqID, req)
	send()
	b.setupRetry(reqID, send, false)
}

// StateSaveAsync persiste o estado da instância.
func (b *Broker) StateSaveAsync(req *protocol.StateSaveRequest, cb func(*protocol.StateSaveResponse)) {
	reqID := protocol.GenRequestID()
	respCallback := func(msg *protocol.Message, status ErrorInfo, needErase func(bool)) {
		b.logger.Debug("receive save response", "request_id", reqID)
		if rsp, ok := msg.Body.(*protocol.StateSaveResponse); status.OK() && ok {
			cb(rsp)
			needErase(true)
			return
		}
		cb(&protocol.StateSaveResponse{Code: status.Code, Message: status.Message})
		needErase(true)
	}

	wr := newWiredRequest(reqID, respCallback, nil, protocol.FunctionProxy)
	b.saveWiredRequest(reqID, wr)
	send := b.proxySender(reqID, req)
	send()
	b.setupRetry(reqID, send, false)
}

// StateLoadAsync recupera o estado da instância.
func (b *Broker) StateLoadAsync(req *protocol.StateLoadRequest, cb func(*protocol.StateLoadResponse)) {
	reqID := protocol.GenRequestID()
	respCallback := func(msg *protocol.Message, status ErrorInfo, needErase func(bool)) {
		b.logger.Debug("receive load response", "request_id", reqID)
		if rsp, ok := msg.Body.(*protocol.StateLoadResponse); status.OK() && ok {
			cb(rsp)
			needErase(true)
			return
		}
		cb(&protocol.StateLoadResponse{Code: status.Code, Message: status.Message})
		needErase(true)
	}

	wr := newWiredRequest(reqID, respCallback, nil, protocol.FunctionProxy)
	b.saveWiredRequest(reqID, wr)
	send := b.proxySender(reqID, req)
	send()
	b.setupRetry(reqID, send, false)
}

// CreateRGroupAsync cria um resource group.
func (b *Broker) CreateRGroupAsync(req *protocol.CreateResourceGroupRequest,
	cb func(*protocol.CreateResourceGroupResponse), timeoutSec int) {
	reqID := req.RequestID
	respCallback := func(msg *protocol.Message, status ErrorInfo, needErase func(bool)) {
		b.logger.Debug("receive create resource group response", "request_id", reqID)
		if rsp, ok := msg.Body.(*protocol.CreateResourceGroupResponse); status.OK() && ok {
			cb(rsp)
			needErase(true)
			return
		}
		cb(&protocol.CreateResourceGroupResponse{Code: status.Code, Message: status.Message})
		needErase(true)
	}

	wr := newWiredRequest(reqID, respCallback, nil, protocol.FunctionProxy)
	b.saveWiredRequest(reqID, wr)
	send := b.proxySender(reqID, req)
	send()
	b.setupRetry(reqID, send, false)
	b.setupTimeout(reqID, timeoutSec, func() {
		if wiredReq := b.getWiredRequest(reqID, false); wiredReq != nil {
			b.logger.Error("request timeout, start exec create resource group callback", "request_id", reqID)
			if wiredReq.callback != nil {
				err := NewErrorInfo(protocol.CodeInnerSystemError,
					"create resource group request timeout, requestId: "+reqID)
				wiredReq.callback(&protocol.Message{}, err, func(bool) {})
			}
			b.eraseWiredRequest(reqID)
		}
	})
}
