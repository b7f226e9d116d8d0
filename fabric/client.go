// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-fabric/protocol"
)

// ClientType seleciona o papel do runtime frente ao proxy.
type ClientType int

const (
	// ServerMode: o proxy conecta neste runtime (workers em nó local).
	ServerMode ClientType = iota
	// ClientMode: este runtime conecta no proxy (drivers e workers na nuvem).
	ClientMode
)

// StartOptions parametriza o FSClient.
type StartOptions struct {
	// Address: endereço do proxy (driver/client mode) ou de escuta (server
	// mode), no formato host:port.
	Address string

	Type     ClientType
	IsDriver bool

	JobID        string
	InstanceID   string
	RuntimeID    string
	FunctionName string

	// ReSubscribeCb é chamado quando o stream do proxy (re)conecta.
	ReSubscribeCb func()

	// Caminho direto worker↔worker.
	DirectCall bool
	PodIP      string
	DirectPort int

	Security *Security

	MaxMessageSizeMB    int
	AckWindowSec        int
	AckTimeoutSec       int
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	BandwidthLimit      int64

	// StatsSchedule é a cron expression do relatório periódico de métricas.
	// Vazio desabilita.
	StatsSchedule string
}

// FSClient é a fachada tipada do fabric: liga os requests do runtime ao
// broker e os handlers instalados ao service. Não contém lógica própria.
type FSClient struct {
	logger   *slog.Logger
	handlers Handlers
	pool     *ConnPool
	monitor  *SystemMonitor
	broker   *Broker
	reporter *StatsReporter
}

// NewFSClient cria um client parado com os handlers do runtime hospedeiro.
func NewFSClient(handlers Handlers, logger *slog.Logger) *FSClient {
	return &FSClient{
		logger:   logger,
		handlers: handlers,
	}
}

// Start liga o client: monta pool, monitor e broker conforme as opções e
// inicia a conexão (ou a espera pelo proxy). Drivers já nascem
// inicializados.
func (c *FSClient) Start(opts StartOptions) ErrorInfo {
	host, portStr, err := net.SplitHostPort(opts.Address)
	if err != nil {
		return NewErrorInfo(protocol.CodeParamInvalid, "invalid address "+opts.Address+": "+err.Error())
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NewErrorInfo(protocol.CodeParamInvalid, "invalid port in address "+opts.Address)
	}

	maxMessageSize := opts.MaxMessageSizeMB
	if maxMessageSize <= 0 {
		maxMessageSize = 10
	}
	maxMessageSize *= 1024 * 1024
	ackWindow := opts.AckWindowSec
	if ackWindow <= 0 {
		ackWindow = 30
	}
	ackTimeout := opts.AckTimeoutSec
	if ackTimeout <= 0 {
		ackTimeout = 5
	}

	c.pool = NewConnPool(c.logger)
	c.monitor = NewSystemMonitor(c.logger)
	c.monitor.Start()

	c.broker = NewBroker(BrokerOptions{
		IPAddr:              host,
		Port:                port,
		IsDriver:            opts.IsDriver,
		ClientMode:          opts.Type == ClientMode,
		DirectCall:          opts.DirectCall,
		BusAddress:          opts.Address,
		PodIP:               opts.PodIP,
		DirectPort:          opts.DirectPort,
		MaxMessageSize:      maxMessageSize,
		AckWindowSec:        ackWindow,
		AckTimeoutSec:       ackTimeout,
		ReconnectMinBackoff: opts.ReconnectMinBackoff,
		ReconnectMaxBackoff: opts.ReconnectMaxBackoff,
		BandwidthLimit:      opts.BandwidthLimit,
		Security:            opts.Security,
	}, c.handlers, c.pool, c.monitor, c.logger)

	startErr := c.broker.Start(opts.JobID, opts.InstanceID, opts.RuntimeID, opts.FunctionName, opts.ReSubscribeCb)
	if opts.IsDriver && startErr.OK() {
		c.broker.SetInitialized()
	}
	if startErr.OK() && opts.StatsSchedule != "" {
		reporter, rerr := NewStatsReporter(opts.StatsSchedule, c.broker, c.monitor, c.logger)
		if rerr != nil {
			c.logger.Warn("invalid stats schedule, reporter disabled", "schedule", opts.StatsSchedule, "error", rerr)
		} else {
			c.reporter = reporter
			c.reporter.Start()
		}
	}
	return startErr
}

// ReceiveRequestLoop drena os call requests na goroutine do caller.
func (c *FSClient) ReceiveRequestLoop() {
	c.broker.ReceiveRequestLoop()
}

// Stop encerra o client: para o relatório, liquida os requests pendentes
// com FINALIZED, derruba streams e service e libera o pool.
func (c *FSClient) Stop() {
	if c.reporter != nil {
		c.reporter.Stop()
	}
	if c.broker != nil {
		c.broker.Stop()
	}
	if c.monitor != nil {
		c.monitor.Stop()
	}
}

// GroupCreateAsync delega ao broker.
func (c *FSClient) GroupCreateAsync(reqs *protocol.CreateRequests,
	respCb func(*protocol.CreateResponses), notifyCb func(*protocol.NotifyRequest), timeoutSec int) {
	c.broker.GroupCreateAsync(reqs, respCb, notifyCb, timeoutSec)
}

// CreateAsync delega ao broker.
func (c *FSClient) CreateAsync(req *protocol.CreateRequest,
	respCb func(*protocol.CreateResponse), notifyCb func(*protocol.NotifyRequest), timeoutSec int) {
	c.broker.CreateAsync(req, respCb, notifyCb, timeoutSec)
}

// InvokeAsync delega ao broker.
func (c *FSClient) InvokeAsync(req *protocol.InvokeRequest, cb NotifyCallback, timeoutSec int) {
	c.broker.InvokeAsync(req, cb, timeoutSec)
}

// CallResultAsync delega ao broker.
func (c *FSClient) CallResultAsync(req *CallResultMessage, cb func(*protocol.CallResultAck)) {
	c.broker.CallResultAsync(req, cb)
}

// ReturnCallResult delega ao broker.
func (c *FSClient) ReturnCallResult(result *CallResultMessage, isCreate bool, cb func(*protocol.CallResultAck)) {
	c.broker.ReturnCallResult(result, isCreate, cb)
}

// KillAsync delega ao broker.
func (c *FSClient) KillAsync(req *protocol.KillRequest, cb func(*protocol.KillResponse), timeoutSec int) {
	c.broker.KillAsync(req, cb, timeoutSec)
}

// ExitAsync delega ao broker.
func (c *FSClient) ExitAsync(req *protocol.ExitRequest, cb func(*protocol.ExitResponse)) {
	c.broker.ExitAsync(req, cb)
}

// StateSaveAsync delega ao broker.
func (c *FSClient) StateSaveAsync(req *protocol.StateSaveRequest, cb func(*protocol.StateSaveResponse)) {
	c.broker.StateSaveAsync(req, cb)
}

// StateLoadAsync delega ao broker.
func (c *FSClient) StateLoadAsync(req *protocol.StateLoadRequest, cb func(*protocol.StateLoadResponse)) {
	c.broker.StateLoadAsync(req, cb)
}

// CreateRGroupAsync delega ao broker.
func (c *FSClient) CreateRGroupAsync(req *protocol.CreateResourceGroupRequest,
	cb func(*protocol.CreateResourceGroupResponse), timeoutSec int) {
	c.broker.CreateRGroupAsync(req, cb, timeoutSec)
}

// RemoveInstanceStream delega ao broker.
func (c *FSClient) RemoveInstanceStream(instanceID string) {
	c.broker.RemoveInstanceStream(instanceID)
}

// WaitRequestEmpty delega ao broker.
func (c *FSClient) WaitRequestEmpty(gracePeriodSec uint64) int {
	return c.broker.WaitRequestEmpty(gracePeriodSec)
}

// ServerVersion devolve a versão do proxy aprendida na descoberta.
func (c *FSClient) ServerVersion() string { return c.broker.ServerVersion() }

// NodeID devolve o node id aprendido na descoberta.
func (c *FSClient) NodeID() string { return c.broker.NodeID() }

// NodeIP devolve o node ip aprendido na descoberta.
func (c *FSClient) NodeIP() string { return c.broker.NodeIP() }

// DataStorePool expõe o pool compartilhado para os demais clients do
// processo (data store, http).
func (c *FSClient) DataStorePool() *ConnPool { return c.pool }
