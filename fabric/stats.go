// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// collectInterval é o intervalo de coleta de métricas do sistema.
const collectInterval = 30 * time.Second

// SystemStats holds collected system metrics.
type SystemStats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64
}

// SystemMonitor collects system metrics periodically. As métricas alimentam
// as respostas de heartbeat e o relatório periódico.
type SystemMonitor struct {
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup
	stats  SystemStats
	mu     sync.RWMutex
}

// NewSystemMonitor creates a new SystemMonitor.
func NewSystemMonitor(logger *slog.Logger) *SystemMonitor {
	return &SystemMonitor{
		logger: logger.With("component", "system_monitor"),
		close:  make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the last collected metrics.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()
	sm.collect()
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	var stats SystemStats
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		stats.LoadAverage = avg.Load1
	}
	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}

// StatsReporter emite métricas periódicas do fabric no log, na cadência da
// cron expression configurada.
type StatsReporter struct {
	c         *cron.Cron
	logger    *slog.Logger
	broker    *Broker
	monitor   *SystemMonitor
	startTime time.Time
}

// NewStatsReporter agenda o relatório. schedule é uma cron expression
// (5 campos); vazio desabilita e devolve nil.
func NewStatsReporter(schedule string, broker *Broker, monitor *SystemMonitor, logger *slog.Logger) (*StatsReporter, error) {
	if schedule == "" {
		return nil, nil
	}
	sr := &StatsReporter{
		c:         cron.New(),
		logger:    logger.With("component", "stats_reporter"),
		broker:    broker,
		monitor:   monitor,
		startTime: time.Now(),
	}
	if _, err := sr.c.AddFunc(schedule, sr.report); err != nil {
		return nil, err
	}
	return sr, nil
}

// Start inicia o agendador.
func (sr *StatsReporter) Start() {
	sr.c.Start()
	sr.logger.Info("stats reporter started")
}

// Stop para o agendador e aguarda um relatório em andamento terminar.
func (sr *StatsReporter) Stop() {
	ctx := sr.c.Stop()
	<-ctx.Done()
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	stats := sr.monitor.Stats()
	sr.logger.Info("fabric stats",
		"uptime_s", time.Since(sr.startTime).Seconds(),
		"pending_requests", sr.broker.PendingRequests(),
		"cpu_percent", stats.CPUPercent,
		"memory_percent", stats.MemoryPercent,
		"load_average", stats.LoadAverage,
	)
}
