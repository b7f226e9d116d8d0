// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-fabric/protocol"
)

// writeDeadline é o timeout aplicado a cada escrita no socket para detectar
// conexões half-open.
const writeDeadline = 30 * time.Second

// MsgHandler processa um envelope recebido. from é o peer id do stream.
type MsgHandler func(from string, msg *protocol.Message)

// WriteCallback é chamado quando o transporte aceita (ou rejeita) a
// mensagem. isDirect informa se a escrita aconteceu em um stream direto.
type WriteCallback func(isDirect bool, err ErrorInfo)

// PreWrite é chamado sincronamente antes da tentativa de escrita com a
// decisão direto/proxy já resolvida. O broker usa o hook para registrar o
// wired request apenas no ramo em que uma resposta de fato volta por ele.
type PreWrite func(isDirect bool)

// Stream é a visão que o broker e o manager têm de um reader/writer.
type Stream interface {
	Stop()
	Available() bool
	Abnormal() bool
	Write(msg *protocol.Message, cb WriteCallback, pre PreWrite)
	RegisterHandlers(hdlrs map[protocol.Kind]MsgHandler)
}

// transport amarra uma net.Conn aos codecs do protocolo, com write deadline
// e throttle opcional de saída.
type transport struct {
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
}

func newTransport(conn net.Conn, limit int, bandwidthLimit int64) *transport {
	out := NewThrottledWriter(context.Background(), conn, bandwidthLimit)
	return &transport{
		conn: conn,
		r:    protocol.NewReader(conn, limit),
		w:    protocol.NewWriter(out, limit),
	}
}

func (t *transport) writeMessage(msg *protocol.Message) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return t.w.WriteMessage(msg)
}

func (t *transport) writeBatch(msgs []*protocol.Message, compression byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return t.w.WriteBatch(msgs, compression)
}

func (t *transport) close() {
	t.conn.Close()
}

type outMessage struct {
	msg *protocol.Message
	cb  WriteCallback
}

// streamRW é o núcleo compartilhado pelos variantes client e server: fila
// FIFO de saída com um único worker de escrita, loop de leitura com
// despacho para os handlers registrados, e tradução de mensagens do
// caminho direto.
type streamRW struct {
	srcInstance string
	dstInstance string
	runtimeID   string
	logger      *slog.Logger

	limit       int
	batched     bool
	compression byte
	isDirect    bool

	mu      sync.Mutex
	queue   []outMessage
	cond    *sync.Cond
	stopped bool

	tmu sync.Mutex
	tr  *transport

	connected atomic.Bool
	abnormal  atomic.Bool

	hdlrs    map[protocol.Kind]MsgHandler
	writerWG sync.WaitGroup
}

func newStreamRW(srcInstance, dstInstance, runtimeID string, limit int, logger *slog.Logger) *streamRW {
	s := &streamRW{
		srcInstance: srcInstance,
		dstInstance: dstInstance,
		runtimeID:   runtimeID,
		limit:       limit,
		isDirect:    dstInstance != protocol.FunctionProxy,
		stopped:     true, // initWriter arma o worker
		logger:      logger.With("component", "stream_rw", "peer", dstInstance),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RegisterHandlers instala a tabela de despacho por kind. Deve ser chamado
// antes do loop de leitura iniciar.
func (s *streamRW) RegisterHandlers(hdlrs map[protocol.Kind]MsgHandler) {
	s.hdlrs = hdlrs
}

// Available informa se escritas devem ter sucesso neste momento.
func (s *streamRW) Available() bool {
	return s.connected.Load() && !s.abnormal.Load()
}

// Abnormal informa a falha terminal do stream (dst id incorreto, falha de
// autenticação, teardown).
func (s *streamRW) Abnormal() bool {
	return s.abnormal.Load()
}

func (s *streamRW) setTransport(tr *transport) {
	s.tmu.Lock()
	s.tr = tr
	s.tmu.Unlock()
}

func (s *streamRW) transportRef() *transport {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return s.tr
}

// Write enfileira um envelope. cb dispara uma única vez: quando o frame é
// aceito pelo transporte, ou imediatamente com erro se o stream está parado
// (INNER_COMMUNICATION, que alimenta o retry do broker) ou se a mensagem
// excede o teto configurado (PARAM_INVALID, distinto dos erros de
// comunicação, não dispara retry).
func (s *streamRW) Write(msg *protocol.Message, cb WriteCallback, pre PreWrite) {
	if msg == nil {
		s.logger.Error("invalid nil message")
		return
	}
	if pre != nil {
		pre(s.isDirect)
	}
	if size, err := msg.Size(); err != nil || (s.limit > 0 && size > s.limit) {
		if cb != nil {
			cb(s.isDirect, ErrorInfo{
				Code: protocol.CodeParamInvalid,
				Message: "failed to send message " + msg.MessageID +
					": size exceeds the configured limit",
			})
		}
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if cb != nil {
			cb(s.isDirect, communicationError("stream is stopped"))
		}
		return
	}
	s.queue = append(s.queue, outMessage{msg: msg, cb: cb})
	s.mu.Unlock()
	s.cond.Broadcast()
}

// initWriter arma (ou rearma, após reconexão) o worker único de escrita.
func (s *streamRW) initWriter() {
	s.mu.Lock()
	if !s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = false
	s.mu.Unlock()
	s.writerWG.Add(1)
	go func() {
		defer s.writerWG.Done()
		s.runWriter()
	}()
}

func (s *streamRW) runWriter() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		if s.batched {
			s.batchWrite(pending)
		} else {
			for i := range pending {
				s.singleWrite(&pending[i])
			}
		}
	}
}

func (s *streamRW) singleWrite(out *outMessage) {
	var err ErrorInfo
	tr := s.transportRef()
	if !s.Available() || tr == nil {
		err = communicationError("runtime bus client is unavailable")
	} else if werr := tr.writeMessage(out.msg); werr != nil {
		s.logger.Error("stream write failed", "message_id", out.msg.MessageID, "error", werr)
		err = communicationError("runtime bus client write error")
	}
	if out.cb != nil {
		out.cb(s.isDirect, err)
	}
}

// batchWrite drena a fila em frames NBAT, rolando para o próximo frame
// quando a soma dos corpos alcança o teto. FIFO por fila é preservado e
// cada callback dispara após o frame que carrega sua mensagem.
func (s *streamRW) batchWrite(pending []outMessage) {
	var (
		batch     []*protocol.Message
		callbacks []WriteCallback
		total     int
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		var err ErrorInfo
		tr := s.transportRef()
		if !s.Available() || tr == nil {
			err = communicationError("runtime bus client is unavailable")
		} else if werr := tr.writeBatch(batch, s.compression); werr != nil {
			s.logger.Error("stream batch write failed", "messages", len(batch), "error", werr)
			err = communicationError("runtime bus client write error")
		}
		for _, cb := range callbacks {
			if cb != nil {
				cb(s.isDirect, err)
			}
		}
		batch, callbacks, total = nil, nil, 0
	}
	for i := range pending {
		out := &pending[i]
		size, serr := out.msg.Size()
		if serr != nil || (s.limit > 0 && size > s.limit) {
			if out.cb != nil {
				out.cb(s.isDirect, ErrorInfo{
					Code: protocol.CodeParamInvalid,
					Message: "failed to send message " + out.msg.MessageID +
						": size exceeds the configured limit",
				})
			}
			continue
		}
		if s.limit > 0 && total+size > s.limit {
			flush()
		}
		batch = append(batch, out.msg)
		callbacks = append(callbacks, out.cb)
		total += size
	}
	flush()
}

// stopWriter para o worker e completa os callbacks pendentes com erro de
// comunicação. Idempotente.
func (s *streamRW) stopWriter() {
	var cache []outMessage
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	cache = s.queue
	s.queue = nil
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.writerWG.Wait()
	if len(cache) > 0 {
		s.logger.Debug("writer stopped with unprocessed messages", "count", len(cache))
	}
	err := communicationError("stream is closed")
	for _, out := range cache {
		if out.cb != nil {
			out.cb(s.isDirect, err)
		}
	}
}

// runReader consome frames até o transporte falhar ou o stream sair do ar.
func (s *streamRW) runReader() {
	for s.Available() {
		tr := s.transportRef()
		if tr == nil {
			return
		}
		if s.batched {
			msgs, err := tr.r.ReadBatch()
			if err != nil {
				s.logger.Info("read failed", "error", err)
				return
			}
			if !s.Available() {
				return
			}
			for _, msg := range msgs {
				s.dispatch(msg)
			}
		} else {
			msg, err := tr.r.ReadMessage()
			if err != nil {
				s.logger.Info("read failed", "error", err)
				return
			}
			if !s.Available() {
				return
			}
			s.dispatch(msg)
		}
	}
}

func (s *streamRW) dispatch(msg *protocol.Message) {
	if s.isDirect {
		msg = s.translateDirect(msg)
	}
	hdlr, ok := s.hdlrs[msg.Kind]
	if !ok {
		s.logger.Error("invalid received message body kind", "kind", msg.Kind, "message_id", msg.MessageID)
		return
	}
	hdlr(s.dstInstance, msg)
}

// translateDirect reescreve mensagens chegando por um stream direto para a
// mesma forma que chegariam via proxy, de modo que a tabela de handlers não
// distingue os dois caminhos.
func (s *streamRW) translateDirect(msg *protocol.Message) *protocol.Message {
	switch msg.Kind {
	case protocol.KindInvokeReq:
		req := msg.Body.(*protocol.InvokeRequest)
		call := &protocol.CallRequest{
			RequestID:       req.RequestID,
			TraceID:         req.TraceID,
			Function:        req.Function,
			IsCreate:        false,
			Args:            req.Args,
			ReturnObjectIDs: req.ReturnObjectIDs,
			SenderID:        s.dstInstance,
		}
		if req.Options != nil {
			call.CreateOptions = req.Options.CustomTag
		}
		return &protocol.Message{MessageID: msg.MessageID, Kind: protocol.KindCallReq, Body: call}
	case protocol.KindCallRsp:
		rsp := msg.Body.(*protocol.CallResponse)
		return &protocol.Message{MessageID: msg.MessageID, Kind: protocol.KindInvokeRsp,
			Body: &protocol.InvokeResponse{Code: rsp.Code, Message: rsp.Message}}
	case protocol.KindCallResultReq:
		result := msg.Body.(*protocol.CallResult)
		notify := &protocol.NotifyRequest{
			RequestID:       result.RequestID,
			Code:            result.Code,
			Message:         result.Message,
			SmallObjects:    result.SmallObjects,
			StackTraceInfos: result.StackTraceInfos,
			// runtime info é descartado para não disparar um segundo stream.
		}
		return &protocol.Message{MessageID: msg.MessageID, Kind: protocol.KindNotifyReq, Body: notify}
	case protocol.KindNotifyRsp:
		// ack direto nunca carrega erro do remoto
		return &protocol.Message{MessageID: msg.MessageID, Kind: protocol.KindCallResultAck,
			Body: &protocol.CallResultAck{Code: protocol.CodeNone}}
	}
	return msg
}
