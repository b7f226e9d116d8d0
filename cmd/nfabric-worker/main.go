// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-fabric/fabric"
	"github.com/nishisan-dev/n-fabric/internal/config"
	"github.com/nishisan-dev/n-fabric/internal/logging"
	"github.com/nishisan-dev/n-fabric/protocol"
)

func main() {
	configPath := flag.String("config", "/etc/nfabric/worker.yaml", "path to worker config file")
	jobID := flag.String("job-id", "", "job id assigned by the scheduler")
	instanceID := flag.String("instance-id", "", "instance id of this worker (empty for driver mode)")
	runtimeID := flag.String("runtime-id", "", "runtime id of this worker")
	functionName := flag.String("function", "", "function name (driver discovery)")
	driver := flag.Bool("driver", false, "run as driver")
	flag.Parse()

	cfg, err := config.LoadRuntimeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	var client *fabric.FSClient
	// Handlers de demonstração: o worker devolve os argumentos de volta
	// como um small object.
	handlers := fabric.Handlers{
		Init: func(req *protocol.CallRequest) {
			client.ReturnCallResult(&fabric.CallResultMessage{Result: &protocol.CallResult{
				RequestID: req.RequestID,
				Code:      protocol.CodeNone,
			}}, true, nil)
		},
		Call: func(req *protocol.CallRequest) {
			result := &protocol.CallResult{
				RequestID: req.RequestID,
				Code:      protocol.CodeNone,
			}
			for i, arg := range req.Args {
				objectID := fmt.Sprintf("%s-ret-%d", req.RequestID, i)
				if i < len(req.ReturnObjectIDs) {
					objectID = req.ReturnObjectIDs[i]
				}
				result.SmallObjects = append(result.SmallObjects, protocol.SmallObject{
					ObjectID: objectID,
					Data:     arg.Value,
				})
			}
			client.ReturnCallResult(&fabric.CallResultMessage{Result: result}, false, nil)
		},
		Checkpoint: func(req *protocol.CheckpointRequest) *protocol.CheckpointResponse {
			return &protocol.CheckpointResponse{Code: protocol.CodeNone}
		},
		Recover: func(req *protocol.RecoverRequest) *protocol.RecoverResponse {
			return &protocol.RecoverResponse{Code: protocol.CodeNone}
		},
		Shutdown: func(req *protocol.ShutdownRequest) *protocol.ShutdownResponse {
			return &protocol.ShutdownResponse{Code: protocol.CodeNone}
		},
		Signal: func(req *protocol.SignalRequest) *protocol.SignalResponse {
			return &protocol.SignalResponse{Code: protocol.CodeNone}
		},
	}

	client = fabric.NewFSClient(handlers, logger)
	var security *fabric.Security
	if cfg.TLS.CACert != "" {
		security = &fabric.Security{
			CACert:             cfg.TLS.CACert,
			Cert:               cfg.TLS.Cert,
			Key:                cfg.TLS.Key,
			ServerNameOverride: cfg.TLS.ServerNameOverride,
		}
	}

	clientType := fabric.ServerMode
	if *driver || cfg.Direct.Enable {
		clientType = fabric.ClientMode
	}
	startErr := client.Start(fabric.StartOptions{
		Address:             cfg.Bus.Address,
		Type:                clientType,
		IsDriver:            *driver,
		JobID:               *jobID,
		InstanceID:          *instanceID,
		RuntimeID:           *runtimeID,
		FunctionName:        *functionName,
		DirectCall:          cfg.Direct.Enable,
		PodIP:               cfg.Direct.PodIP,
		DirectPort:          cfg.Direct.Port,
		Security:            security,
		MaxMessageSizeMB:    cfg.Limits.MaxMessageSizeMB,
		AckWindowSec:        cfg.Retry.AckWindowSec,
		AckTimeoutSec:       cfg.Retry.AckTimeoutSec,
		ReconnectMinBackoff: cfg.Retry.ReconnectMinBackoff,
		ReconnectMaxBackoff: cfg.Retry.ReconnectMaxBackoff,
		BandwidthLimit:      cfg.Limits.BandwidthLimit,
		StatsSchedule:       cfg.Stats.Schedule,
	})
	if !startErr.OK() {
		logger.Error("failed to start runtime fabric", "code", startErr.Code, "message", startErr.Message)
		os.Exit(1)
	}
	logger.Info("runtime fabric started", "bus", cfg.Bus.Address, "driver", *driver)

	go client.ReceiveRequestLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", "signal", sig.String())
	client.Stop()
}
