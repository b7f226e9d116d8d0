// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/n-fabric/protocol"
)

const (
	discoverRetryTimes    = 3
	discoverRetryInterval = 2 * time.Second
)

// DiscoverDriver faz a troca unária de descoberta com o proxy: ensina onde
// este driver escuta e recebe de volta a identidade do nó. Usa uma conexão
// própria de vida curta e tenta um número limitado de vezes em falha de
// transporte.
func DiscoverDriver(busIP string, busPort int, sec *Security, req *protocol.DiscoverRequest,
	logger *slog.Logger) (*protocol.DiscoverResponse, ErrorInfo) {
	logger.Debug("start to notify driver discovery", "job_id", req.JobID,
		"instance_id", req.InstanceID, "listening_port", req.DriverPort)
	addr := fmt.Sprintf("%s:%d", busIP, busPort)
	var lastErr error
	for i := 0; i < discoverRetryTimes; i++ {
		rsp, err := discoverOnce(addr, sec, req)
		if err == nil {
			return rsp, ErrorInfo{}
		}
		lastErr = err
		logger.Debug("driver discovery failed", "error", err, "retry_index", i+1)
		time.Sleep(discoverRetryInterval)
	}
	logger.Error("driver discovery failed after retries", "addr", addr, "error", lastErr)
	return nil, NewErrorInfo(protocol.CodeInitConnectionFailed, "failed to connect to cluster "+addr)
}

func discoverOnce(addr string, sec *Security, req *protocol.DiscoverRequest) (*protocol.DiscoverResponse, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing discovery endpoint: %w", err)
	}
	defer conn.Close()
	if sec.Enabled() {
		tlsCfg, terr := sec.ClientTLS()
		if terr != nil {
			return nil, terr
		}
		if tlsCfg.ServerName == "" {
			host, _, herr := net.SplitHostPort(addr)
			if herr != nil {
				host = addr
			}
			tlsCfg.ServerName = host
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if herr := tlsConn.Handshake(); herr != nil {
			return nil, fmt.Errorf("discovery TLS handshake: %w", herr)
		}
		conn = tlsConn
	}
	conn.SetDeadline(time.Now().Add(handshakeDeadline))
	w := protocol.NewWriter(conn, 0)
	if err := w.WriteDiscoverRequest(req); err != nil {
		return nil, err
	}
	r := protocol.NewReader(conn, 0)
	rsp, err := r.ReadDiscoverResponse()
	if err != nil {
		return nil, err
	}
	if rsp.Status != protocol.HSStatusOK {
		return nil, fmt.Errorf("discovery rejected with status %d", rsp.Status)
	}
	return rsp, nil
}
