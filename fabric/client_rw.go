// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-fabric/protocol"
)

// buildRetryTimes é o número de tentativas de construção do stream no Start.
const buildRetryTimes = 3

// handshakeDeadline limita a troca de handshake em uma conexão nova.
const handshakeDeadline = 10 * time.Second

// DiscoverDriverCb refaz o handshake de descoberta com o serviço central.
// Invocado quando o stream cai com falha de autenticação.
type DiscoverDriverCb func() ErrorInfo

// ClientOption parametriza um stream client (para o proxy ou direto para
// um peer).
type ClientOption struct {
	IP                  string
	Port                int
	DisconnectedTimeout time.Duration
	Security            *Security
	ResendCb            func(dstInstance string)
	DisconnectedCb      func(dstInstance string)
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	BandwidthLimit      int64
}

// ClientStreamRW estende o streamRW com o loop de reconexão: enquanto o
// intervalo acumulado de desconexão não excede o limiar configurado, o
// stream solta a conexão do pool, pede uma nova e refaz o handshake; ao
// exceder, marca Abnormal e dispara o callback de desconexão.
type ClientStreamRW struct {
	*streamRW

	pool       *ConnPool
	opt        ClientOption
	discoverCb DiscoverDriverCb

	stoppedFlag atomic.Bool
	recvWG      sync.WaitGroup
	disconnTime time.Time
}

// NewClientStreamRW cria um stream client não conectado.
func NewClientStreamRW(srcInstance, dstInstance, runtimeID string, pool *ConnPool,
	opt ClientOption, limit int, logger *slog.Logger) *ClientStreamRW {
	if opt.ReconnectMinBackoff <= 0 {
		opt.ReconnectMinBackoff = 100 * time.Millisecond
	}
	if opt.ReconnectMaxBackoff < opt.ReconnectMinBackoff {
		opt.ReconnectMaxBackoff = 5 * time.Second
	}
	return &ClientStreamRW{
		streamRW: newStreamRW(srcInstance, dstInstance, runtimeID, limit, logger),
		pool:     pool,
		opt:      opt,
	}
}

// SetDiscoverDriverCb instala o callback de redescoberta do driver.
// Deve ser chamado antes de Start().
func (c *ClientStreamRW) SetDiscoverDriverCb(cb DiscoverDriverCb) {
	c.discoverCb = cb
}

// Start constrói o stream (com retries) e arma o writer e o receiver.
func (c *ClientStreamRW) Start() ErrorInfo {
	if c.connected.Load() {
		return NewErrorInfo(protocol.CodeInitConnectionFailed, "the client has been started")
	}
	if err := c.newClientWithRetry(buildRetryTimes); !err.OK() {
		c.logger.Error("failed to establish stream", "tries", buildRetryTimes,
			"code", err.Code, "message", err.Message)
		return err
	}
	c.initWriter()
	c.recvWG.Add(1)
	go c.receiveHandler()
	return ErrorInfo{}
}

// receiveHandler roda o loop de leitura e a máquina de reconexão.
func (c *ClientStreamRW) receiveHandler() {
	defer c.recvWG.Done()
	c.logger.Info("begin to receive from peer")
	backoff := c.opt.ReconnectMinBackoff
	for !c.abnormal.Load() {
		if c.connected.Load() {
			c.runReader()
			c.connected.Store(false)
			c.disconnTime = time.Now()
		}
		if !c.abnormal.Load() && time.Since(c.disconnTime) < c.opt.DisconnectedTimeout {
			time.Sleep(backoff)
			if c.reconnectHandler() {
				backoff = c.opt.ReconnectMinBackoff
			} else {
				backoff *= 2
				if backoff > c.opt.ReconnectMaxBackoff {
					backoff = c.opt.ReconnectMaxBackoff
				}
			}
		} else {
			if !c.stoppedFlag.Load() && c.opt.DisconnectedCb != nil {
				c.abnormal.Store(true)
				c.opt.DisconnectedCb(c.dstInstance)
			}
			break
		}
	}
	c.logger.Info("end to receive from peer")
}

// reconnectHandler derruba o writer, solta a conexão atual e tenta
// reconstruir o stream. Devolve true quando reconectou.
func (c *ClientStreamRW) reconnectHandler() bool {
	c.stopWriter()
	if tr := c.transportRef(); tr != nil {
		tr.close()
		c.setTransport(nil)
	}
	c.pool.Release(c.opt.IP, c.opt.Port)
	if err := c.newClientWithRetry(1); !err.OK() {
		return false
	}
	c.initWriter()
	if c.opt.ResendCb != nil {
		c.opt.ResendCb(c.dstInstance)
	}
	return true
}

// newClientWithRetry pega (ou cria) a conexão do pool e refaz o handshake.
func (c *ClientStreamRW) newClientWithRetry(retryTimes int) ErrorInfo {
	conn, _ := c.pool.Get(c.opt.IP, c.opt.Port)
	var err ErrorInfo
	for retry := 0; retry < retryTimes; retry++ {
		if conn == nil {
			newConn, nerr := c.pool.New(c.opt.IP, c.opt.Port, c.opt.Security)
			if !nerr.OK() {
				err = nerr
				c.logger.Error("failed to get new bus connection", "ip", c.opt.IP,
					"port", c.opt.Port, "code", nerr.Code, "message", nerr.Message)
				continue
			}
			conn = newConn
		}
		err = c.buildStream(conn)
		if err.OK() {
			return err
		}
		c.pool.Release(c.opt.IP, c.opt.Port)
		conn = nil
		if c.abnormal.Load() {
			// dst id incorreto: desistir para sempre
			break
		}
	}
	if !err.OK() {
		c.connected.Store(false)
	}
	return err
}

// buildStream faz o handshake de abertura do stream sobre a conexão.
func (c *ClientStreamRW) buildStream(conn net.Conn) ErrorInfo {
	tr := newTransport(conn, c.limit, c.opt.BandwidthLimit)
	role := protocol.RoleProxy
	flags := byte(0)
	if c.isDirect {
		role = protocol.RoleDirect
		flags = protocol.FlagBatched | protocol.FlagZstd
	}
	conn.SetDeadline(time.Now().Add(handshakeDeadline))
	defer conn.SetDeadline(time.Time{})
	hs := &protocol.Handshake{
		Role:      role,
		SourceID:  c.srcInstance,
		DstID:     c.dstInstance,
		RuntimeID: c.runtimeID,
		Flags:     flags,
	}
	if werr := tr.w.WriteHandshake(hs); werr != nil {
		return NewErrorInfo(protocol.CodeConnectionFailed, "failed to send stream handshake: "+werr.Error())
	}
	ack, rerr := tr.r.ReadHandshakeACK()
	if rerr != nil {
		return NewErrorInfo(protocol.CodeConnectionFailed, "failed to read stream handshake ack: "+rerr.Error())
	}
	switch ack.Status {
	case protocol.HSStatusOK:
		c.batched = ack.Flags&protocol.FlagBatched != 0
		if ack.Flags&protocol.FlagZstd != 0 {
			c.compression = protocol.CompressionZstd
		} else {
			c.compression = protocol.CompressionNone
		}
		c.setTransport(tr)
		c.connected.Store(true)
		return ErrorInfo{}
	case protocol.HSStatusInvalidArgument:
		// instance id não confere: nunca vai funcionar
		c.abnormal.Store(true)
		return NewErrorInfo(protocol.CodeConnectionFailed, "stream rejected: "+ack.Message)
	case protocol.HSStatusUnauthenticated:
		if c.discoverCb != nil {
			c.discoverCb()
		}
		return NewErrorInfo(protocol.CodeConnectionFailed, "stream unauthenticated: "+ack.Message)
	default:
		return NewErrorInfo(protocol.CodeConnectionFailed, "stream rejected: "+ack.Message)
	}
}

// Stop finaliza o stream: para o writer, fecha o transporte para
// desbloquear o reader e devolve a conexão ao pool. Idempotente.
func (c *ClientStreamRW) Stop() {
	if !c.stoppedFlag.CompareAndSwap(false, true) {
		return
	}
	c.logger.Debug("begin to close stream", "ip", c.opt.IP, "port", c.opt.Port)
	c.abnormal.Store(true)
	c.stopWriter()
	if tr := c.transportRef(); tr != nil {
		tr.close()
	}
	c.recvWG.Wait()
	if err := c.pool.Release(c.opt.IP, c.opt.Port); !err.OK() {
		c.logger.Error("failed to release bus connection", "code", err.Code, "message", err.Message)
	}
	c.logger.Debug("stream closed", "ip", c.opt.IP, "port", c.opt.Port)
}
