// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do runtime fabric.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig representa a configuração completa de um worker ou driver
// ligado ao function-proxy.
type RuntimeConfig struct {
	Bus     BusInfo     `yaml:"bus"`
	Direct  DirectInfo  `yaml:"direct"`
	TLS     TLSInfo     `yaml:"tls"`
	Limits  LimitsInfo  `yaml:"limits"`
	Retry   RetryInfo   `yaml:"retry"`
	Stats   StatsInfo   `yaml:"stats"`
	Logging LoggingInfo `yaml:"logging"`
}

// BusInfo contém o endereço do function-proxy.
type BusInfo struct {
	Address string `yaml:"address"` // host:port do proxy
}

// DirectInfo configura o caminho direto worker↔worker.
type DirectInfo struct {
	Enable bool   `yaml:"enable"`
	PodIP  string `yaml:"pod_ip"` // IP anunciado para peers
	Port   int    `yaml:"port"`   // porta de escuta do server direto (0 = efêmera)
}

// TLSInfo contém os caminhos dos certificados mTLS e o override de SNI.
// Quando CACert é vazio o transporte roda sem TLS (apenas testes).
type TLSInfo struct {
	CACert             string `yaml:"ca_cert"`
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	ServerNameOverride string `yaml:"server_name_override"`
}

// LimitsInfo contém os tetos de transporte.
type LimitsInfo struct {
	MaxMessageSizeMB int   `yaml:"max_message_size_mb"` // teto por envelope (default: 10)
	BandwidthLimit   int64 `yaml:"bandwidth_limit"`     // bytes/s de saída por stream (0 = sem limite)
}

// RetryInfo contém a janela de retry acumulada e o tuning de reconexão.
type RetryInfo struct {
	AckWindowSec        int           `yaml:"ack_window_sec"`        // janela acumulada de retry (default: 30)
	AckTimeoutSec       int           `yaml:"ack_timeout_sec"`       // intervalo inicial de retry (default: 5)
	ReconnectMinBackoff time.Duration `yaml:"reconnect_min_backoff"` // default: 100ms
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"` // default: 5s
}

// StatsInfo configura o relatório periódico de métricas.
type StatsInfo struct {
	Schedule string `yaml:"schedule"` // cron expression; vazio desabilita
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Defaults aplicados por validate().
const (
	DefaultMaxMessageSizeMB = 10
	DefaultAckWindowSec     = 30
	DefaultAckTimeoutSec    = 5
)

// LoadRuntimeConfig lê e valida o arquivo YAML de configuração.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading runtime config: %w", err)
	}

	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing runtime config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating runtime config: %w", err)
	}

	return &cfg, nil
}

// Validate checa os campos obrigatórios e preenche defaults.
func (c *RuntimeConfig) Validate() error {
	if c.Bus.Address == "" {
		return fmt.Errorf("bus.address is required")
	}
	if c.Direct.Enable && c.Direct.PodIP == "" {
		return fmt.Errorf("direct.pod_ip is required when direct.enable is set")
	}
	if c.TLS.CACert != "" {
		if c.TLS.Cert == "" {
			return fmt.Errorf("tls.cert is required when tls.ca_cert is set")
		}
		if c.TLS.Key == "" {
			return fmt.Errorf("tls.key is required when tls.ca_cert is set")
		}
	}
	if c.Limits.MaxMessageSizeMB < 0 {
		return fmt.Errorf("limits.max_message_size_mb must not be negative, got %d", c.Limits.MaxMessageSizeMB)
	}
	if c.Limits.MaxMessageSizeMB == 0 {
		c.Limits.MaxMessageSizeMB = DefaultMaxMessageSizeMB
	}
	if c.Retry.AckWindowSec <= 0 {
		c.Retry.AckWindowSec = DefaultAckWindowSec
	}
	if c.Retry.AckTimeoutSec <= 0 {
		c.Retry.AckTimeoutSec = DefaultAckTimeoutSec
	}
	if c.Retry.ReconnectMinBackoff <= 0 {
		c.Retry.ReconnectMinBackoff = 100 * time.Millisecond
	}
	if c.Retry.ReconnectMaxBackoff <= 0 {
		c.Retry.ReconnectMaxBackoff = 5 * time.Second
	}
	if c.Retry.ReconnectMaxBackoff < c.Retry.ReconnectMinBackoff {
		return fmt.Errorf("retry.reconnect_max_backoff (%s) must not be smaller than retry.reconnect_min_backoff (%s)",
			c.Retry.ReconnectMaxBackoff, c.Retry.ReconnectMinBackoff)
	}
	return nil
}

// MaxMessageSize devolve o teto por envelope em bytes.
func (c *RuntimeConfig) MaxMessageSize() int {
	return c.Limits.MaxMessageSizeMB * 1024 * 1024
}
