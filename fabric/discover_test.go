// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"net"
	"sync/atomic"
	"testing"

	"github.com/nishisan-dev/n-fabric/internal/logging"
	"github.com/nishisan-dev/n-fabric/protocol"
)

// startDiscoverEndpoint sobe um endpoint de descoberta que falha as
// primeiras failures conexões antes de responder.
func startDiscoverEndpoint(t *testing.T, failures int32) (string, int, chan *protocol.DiscoverRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	reqs := make(chan *protocol.DiscoverRequest, 4)
	var remaining atomic.Int32
	remaining.Store(failures)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if remaining.Add(-1) >= 0 {
				conn.Close()
				continue
			}
			go func(c net.Conn) {
				defer c.Close()
				r := protocol.NewReader(c, 0)
				req, err := r.ReadDiscoverRequest()
				if err != nil {
					return
				}
				reqs <- req
				w := protocol.NewWriter(c, 0)
				w.WriteDiscoverResponse(&protocol.DiscoverResponse{
					Status:        protocol.HSStatusOK,
					NodeID:        "node-42",
					HostIP:        "10.1.2.3",
					ServerVersion: "2.0.1",
				})
			}(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, reqs
}

func TestDiscoverDriver(t *testing.T) {
	ip, port, reqs := startDiscoverEndpoint(t, 0)
	rsp, err := DiscoverDriver(ip, port, nil, &protocol.DiscoverRequest{
		DriverIP:   "10.0.0.7",
		DriverPort: "8473",
		JobID:      "job-1",
		InstanceID: "driver-job-1",
	}, logging.NewNopLogger())
	if !err.OK() {
		t.Fatalf("DiscoverDriver: %s", err)
	}
	if rsp.NodeID != "node-42" || rsp.HostIP != "10.1.2.3" || rsp.ServerVersion != "2.0.1" {
		t.Errorf("unexpected discovery response: %+v", rsp)
	}
	req := <-reqs
	if req.JobID != "job-1" || req.DriverIP != "10.0.0.7" {
		t.Errorf("endpoint saw wrong request: %+v", req)
	}
}

func TestDiscoverDriverRetriesTransportFailure(t *testing.T) {
	// As duas primeiras conexões caem; a terceira responde
	ip, port, _ := startDiscoverEndpoint(t, 2)
	rsp, err := DiscoverDriver(ip, port, nil, &protocol.DiscoverRequest{JobID: "job-2"}, logging.NewNopLogger())
	if !err.OK() {
		t.Fatalf("DiscoverDriver after retries: %s", err)
	}
	if rsp.NodeID != "node-42" {
		t.Errorf("unexpected node id: %s", rsp.NodeID)
	}
}

func TestDiscoverDriverGivesUp(t *testing.T) {
	// Porta sem listener: todas as tentativas falham
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, derr := DiscoverDriver(addr.IP.String(), addr.Port, nil,
		&protocol.DiscoverRequest{JobID: "job-3"}, logging.NewNopLogger())
	if derr.OK() {
		t.Fatal("discovery against a dead endpoint must fail")
	}
	if derr.Code != protocol.CodeInitConnectionFailed {
		t.Errorf("expected INIT_CONNECTION_FAILED, got %s", derr.Code)
	}
}
