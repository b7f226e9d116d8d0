// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-fabric/protocol"
)

// ServiceOptions parametriza o lado servidor do fabric.
type ServiceOptions struct {
	InstanceID            string
	RuntimeID             string
	ListenIP              string
	Port                  int // 0 = porta efêmera
	Security              *Security
	MaxMessageSize        int
	BandwidthLimit        int64
	FsDisconnectedTimeout time.Duration
	RtDisconnectedTimeout time.Duration
}

// Service aceita streams de entrada: do function-proxy (no máximo um ativo)
// e de peers diretos (um por peer). Quando um stream cai, um disconnect
// timer é armado; se ninguém reconecta dentro do prazo, o callback de
// desconexão do broker dispara.
type Service struct {
	opts   ServiceOptions
	logger *slog.Logger
	mgr    *StreamManager

	ready     chan struct{}
	readyOnce sync.Once

	fsHdlrs map[protocol.Kind]MsgHandler
	rtHdlrs map[protocol.Kind]MsgHandler

	resendCb       func(string)
	disconnectedCb func(string)

	ln          net.Listener
	port        int
	stopped     atomic.Bool
	fsConnected atomic.Bool

	dmu              sync.Mutex
	disconnectTimers map[string]*time.Timer

	wg sync.WaitGroup
}

// NewService cria o service. ready é fechado no primeiro attach do proxy.
func NewService(opts ServiceOptions, mgr *StreamManager, ready chan struct{}, logger *slog.Logger) *Service {
	return &Service{
		opts:             opts,
		logger:           logger.With("component", "service"),
		mgr:              mgr,
		ready:            ready,
		disconnectTimers: make(map[string]*time.Timer),
	}
}

// RegisterFSHandlers instala a tabela de despacho do stream do proxy.
func (s *Service) RegisterFSHandlers(hdlrs map[protocol.Kind]MsgHandler) {
	s.fsHdlrs = hdlrs
}

// RegisterRTHandlers instala a tabela de despacho dos streams diretos.
func (s *Service) RegisterRTHandlers(hdlrs map[protocol.Kind]MsgHandler) {
	s.rtHdlrs = hdlrs
}

// RegisterResendCallback instala o resend disparado quando um peer
// (re)conecta.
func (s *Service) RegisterResendCallback(cb func(string)) {
	s.resendCb = cb
}

// RegisterDisconnectedCallback instala o callback dos disconnect timers.
func (s *Service) RegisterDisconnectedCallback(cb func(string)) {
	s.disconnectedCb = cb
}

// Start abre o listener (TLS quando configurado) e começa a aceitar
// streams.
func (s *Service) Start() ErrorInfo {
	addr := fmt.Sprintf("%s:%d", s.opts.ListenIP, s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("failed to start service listener", "addr", addr, "error", err)
		return NewErrorInfo(protocol.CodeInitConnectionFailed, "failed to start service listener: "+err.Error())
	}
	if s.opts.Security.Enabled() {
		tlsCfg, terr := s.opts.Security.ServerTLS()
		if terr != nil {
			ln.Close()
			return NewErrorInfo(protocol.CodeInitConnectionFailed, "loading TLS material: "+terr.Error())
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	s.ln = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	} else {
		s.port = s.opts.Port
	}
	s.logger.Info("service listening", "addr", ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop()
	return ErrorInfo{}
}

// Port devolve a porta efetiva de escuta.
func (s *Service) Port() int {
	return s.port
}

// Stop encerra o listener, os streams registrados e os disconnect timers.
// Idempotente.
func (s *Service) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("start to stop service", "instance", s.opts.InstanceID, "port", s.port)
	s.mgr.Clear()
	if s.ln != nil {
		s.ln.Close()
	}
	s.dmu.Lock()
	for _, timer := range s.disconnectTimers {
		timer.Stop()
	}
	s.disconnectTimers = make(map[string]*time.Timer)
	s.dmu.Unlock()
	s.wg.Wait()
	s.logger.Info("service stopped", "instance", s.opts.InstanceID, "port", s.port)
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopped.Load() {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn faz o handshake do stream e o entrega ao papel adequado.
func (s *Service) handleConn(conn net.Conn) {
	if s.stopped.Load() {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Now().Add(handshakeDeadline))
	r := protocol.NewReader(conn, s.opts.MaxMessageSize)
	w := protocol.NewWriter(conn, s.opts.MaxMessageSize)
	hs, err := r.ReadHandshake()
	if err != nil {
		s.logger.Warn("invalid stream handshake", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	if hs.Role == protocol.RoleDirect {
		s.handleDirectStream(conn, r, w, hs)
		return
	}
	s.handleProxyStream(conn, r, w, hs)
}

func (s *Service) writeACK(conn net.Conn, w *protocol.Writer, status byte, message string, flags byte) {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := w.WriteHandshakeACK(&protocol.HandshakeACK{Status: status, Message: message, Flags: flags}); err != nil {
		s.logger.Warn("failed to send handshake ack", "error", err)
	}
	conn.SetWriteDeadline(time.Time{})
}

// newServerTransport reaproveita o reader do handshake (que pode ter bytes
// bufferizados) e aplica o throttle de saída.
func (s *Service) newServerTransport(conn net.Conn, r *protocol.Reader) *transport {
	out := NewThrottledWriter(context.Background(), conn, s.opts.BandwidthLimit)
	return &transport{conn: conn, r: r, w: protocol.NewWriter(out, s.opts.MaxMessageSize)}
}

// handleDirectStream trata um stream direto de peer: valida o dst, rejeita
// duplicatas com ALREADY_EXISTS, registra no manager e dirige o loop de
// leitura até o peer desconectar.
func (s *Service) handleDirectStream(conn net.Conn, r *protocol.Reader, w *protocol.Writer, hs *protocol.Handshake) {
	srcInstance := hs.SourceID
	if hs.DstID != s.opts.InstanceID {
		s.logger.Error("failed to build stream, instance id is not match",
			"from", srcInstance, "expected", hs.DstID, "actual", s.opts.InstanceID)
		s.writeACK(conn, w, protocol.HSStatusInvalidArgument, "the instance id is not match", 0)
		conn.Close()
		return
	}
	if fs := s.mgr.TryGet(srcInstance); fs != nil && fs.Available() {
		s.writeACK(conn, w, protocol.HSStatusAlreadyExists,
			"the runtime "+s.opts.InstanceID+" has already connected to the "+srcInstance, 0)
		conn.Close()
		return
	}
	flags := hs.Flags & (protocol.FlagBatched | protocol.FlagZstd)
	s.writeACK(conn, w, protocol.HSStatusOK, "", flags)

	compression := protocol.CompressionNone
	if flags&protocol.FlagZstd != 0 {
		compression = protocol.CompressionZstd
	}
	rw := NewServerStreamRW(s.opts.InstanceID, srcInstance, hs.RuntimeID,
		s.newServerTransport(conn, r), flags&protocol.FlagBatched != 0, compression,
		s.opts.MaxMessageSize, s.logger)
	rw.RegisterHandlers(s.rtHdlrs)
	if !s.mgr.Emplace(srcInstance, rw) {
		conn.Close()
		return
	}
	s.startRead(srcInstance, rw, s.opts.RtDisconnectedTimeout)
}

// compareInstanceID valida o dst anunciado pelo proxy. Drivers aceitam
// qualquer stream do proxy.
func (s *Service) compareInstanceID(hs *protocol.Handshake) bool {
	if hs.DstID == "" {
		s.logger.Warn("no dst id in stream handshake")
		return true
	}
	if strings.HasPrefix(hs.DstID, "driver") {
		s.logger.Debug("driver mode stream", "dst_id", hs.DstID)
		return true
	}
	if hs.DstID == s.opts.InstanceID {
		return true
	}
	s.logger.Warn("instance id not match", "expected", s.opts.InstanceID, "got", hs.DstID)
	return false
}

// handleProxyStream trata o stream do function-proxy: no máximo um ativo;
// o primeiro attach destrava o latch de inicialização do broker.
func (s *Service) handleProxyStream(conn net.Conn, r *protocol.Reader, w *protocol.Writer, hs *protocol.Handshake) {
	if !s.compareInstanceID(hs) {
		s.writeACK(conn, w, protocol.HSStatusInvalidArgument, "the instance id is not match", 0)
		conn.Close()
		return
	}
	if fs := s.mgr.System(); fs != nil && fs.Available() {
		s.logger.Error("the runtime has already connected to the function proxy")
		s.writeACK(conn, w, protocol.HSStatusAlreadyExists,
			"the runtime has already connected to the function system", 0)
		conn.Close()
		return
	}
	if !s.fsConnected.CompareAndSwap(false, true) {
		s.logger.Error("the runtime has already connected to the function proxy")
		s.writeACK(conn, w, protocol.HSStatusAlreadyExists,
			"the runtime has already connected to the function system", 0)
		conn.Close()
		return
	}
	s.writeACK(conn, w, protocol.HSStatusOK, "", 0)

	rw := NewServerStreamRW(s.opts.InstanceID, protocol.FunctionProxy, s.opts.RuntimeID,
		s.newServerTransport(conn, r), false, protocol.CompressionNone,
		s.opts.MaxMessageSize, s.logger)
	rw.RegisterHandlers(s.fsHdlrs)
	s.mgr.UpdateSystem(rw)
	s.readyOnce.Do(func() { close(s.ready) })
	s.startRead(protocol.FunctionProxy, rw, s.opts.FsDisconnectedTimeout)
	s.fsConnected.Store(false)
}

// startRead cancela o disconnect timer do peer, avisa o broker para
// reenviar, dirige o loop de leitura e arma o timer quando o stream cai.
func (s *Service) startRead(remote string, rw *ServerStreamRW, disconnectedTimeout time.Duration) {
	s.stopDisconnectTimer(remote)
	rw.PreStart()
	if s.resendCb != nil {
		s.resendCb(remote)
	}
	rw.Start()
	rw.Stop()
	s.startDisconnectTimer(remote, disconnectedTimeout)
}

func (s *Service) startDisconnectTimer(remote string, disconnectedTimeout time.Duration) {
	if s.stopped.Load() {
		return
	}
	timer := time.AfterFunc(disconnectedTimeout, func() {
		if s.disconnectedCb != nil {
			s.disconnectedCb(remote)
		}
	})
	s.dmu.Lock()
	if old, ok := s.disconnectTimers[remote]; ok {
		old.Stop()
	}
	s.disconnectTimers[remote] = timer
	s.dmu.Unlock()
}

func (s *Service) stopDisconnectTimer(remote string) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if timer, ok := s.disconnectTimers[remote]; ok {
		// reconectou: cancela o NotifyDisconnected pendente
		timer.Stop()
		delete(s.disconnectTimers, remote)
	}
}
