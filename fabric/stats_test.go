// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"testing"

	"github.com/nishisan-dev/n-fabric/internal/logging"
)

func TestSystemMonitorCollect(t *testing.T) {
	monitor := NewSystemMonitor(logging.NewNopLogger())
	monitor.collect()
	stats := monitor.Stats()
	if stats.MemoryPercent < 0 || stats.MemoryPercent > 100 {
		t.Errorf("memory percent out of range: %f", stats.MemoryPercent)
	}
}

func TestStatsReporterEmptyScheduleDisabled(t *testing.T) {
	reporter, err := NewStatsReporter("", nil, nil, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("empty schedule: %v", err)
	}
	if reporter != nil {
		t.Fatal("empty schedule must disable the reporter")
	}
}

func TestStatsReporterInvalidSchedule(t *testing.T) {
	monitor := NewSystemMonitor(logging.NewNopLogger())
	if _, err := NewStatsReporter("not a cron", nil, monitor, logging.NewNopLogger()); err == nil {
		t.Fatal("invalid cron expression must fail")
	}
}
