// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"log/slog"
)

// ServerStreamRW é o variante servidor do streamRW: nasce sobre uma conexão
// já aceita (handshake feito pelo Service) e termina limpo quando o peer
// desconecta; reconexão é responsabilidade do lado client.
type ServerStreamRW struct {
	*streamRW
}

// NewServerStreamRW embala uma conexão aceita. batched e compression vêm da
// negociação do handshake.
func NewServerStreamRW(srcInstance, dstInstance, runtimeID string, tr *transport,
	batched bool, compression byte, limit int, logger *slog.Logger) *ServerStreamRW {
	s := newStreamRW(srcInstance, dstInstance, runtimeID, limit, logger)
	s.batched = batched
	s.compression = compression
	s.setTransport(tr)
	return &ServerStreamRW{streamRW: s}
}

// PreStart marca o stream como conectado e arma o writer. Chamado antes do
// resend de wired requests para que os reenvios já encontrem o stream
// disponível.
func (s *ServerStreamRW) PreStart() {
	s.connected.Store(true)
	s.initWriter()
}

// Start roda o loop de leitura na goroutine do caller até o peer
// desconectar.
func (s *ServerStreamRW) Start() {
	s.runReader()
	s.connected.Store(false)
}

// Stop finaliza o stream. Idempotente.
func (s *ServerStreamRW) Stop() {
	if !s.abnormal.CompareAndSwap(false, true) {
		return
	}
	s.stopWriter()
	if tr := s.transportRef(); tr != nil {
		tr.close()
	}
}
