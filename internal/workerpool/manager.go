// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package workerpool

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// cpuBackpressureThreshold is the host CPU utilization (percent) above
// which the manager throttles the io and batch pools, and
// cpuBackpressureLevel is how hard (spec §4.2 backpressure level, fed
// into ApplyBackpressure's k-factors).
const (
	cpuBackpressureThreshold = 85.0
	cpuBackpressureLevel     = 0.6
)

// ManagerConfig tunes the four pools. Zero values fall back to the
// defaults named in spec §4.2.
type ManagerConfig struct {
	Logger          *slog.Logger
	CPUCores        int // defaults to the gopsutil logical core count (runtime.NumCPU() fallback)
	IOQueueCap      int // default 500
	CPUQueueCap     int // default 200
	ShutdownTimeout time.Duration
}

// Manager owns the cpu/io/batch/mgmt pools and runs the periodic
// adaptive-resize and failure-rate-warning loop on the mgmt pool itself.
type Manager struct {
	CPU   *Pool
	IO    *Pool
	Batch *Pool
	Mgmt  *Pool

	logger          *slog.Logger
	shutdownTimeout time.Duration

	mgmtCancel context.CancelFunc
	mgmtDone   chan struct{}
	throttled  bool
}

// hostCPUCount asks gopsutil for the logical core count, falling back to
// runtime.NumCPU() when the host doesn't expose it (containers with a
// restricted /proc, some CI sandboxes).
func hostCPUCount(logger *slog.Logger) int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		if logger != nil {
			logger.Debug("falling back to runtime.NumCPU for pool sizing", "error", err)
		}
		return runtime.NumCPU()
	}
	return n
}

// NewManager builds and starts the four pools plus the mgmt monitor loop.
func NewManager(cfg ManagerConfig) *Manager {
	cores := cfg.CPUCores
	if cores <= 0 {
		cores = hostCPUCount(cfg.Logger)
	}
	if cfg.IOQueueCap <= 0 {
		cfg.IOQueueCap = 500
	}
	if cfg.CPUQueueCap <= 0 {
		cfg.CPUQueueCap = 200
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	m := &Manager{
		logger:          cfg.Logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	m.CPU = New(Config{
		Name: CPU, Core: int64(cores), Max: int64(cores), Ceiling: int64(cores * 2),
		QueueCap: cfg.CPUQueueCap, Logger: cfg.Logger,
	})
	m.IO = New(Config{
		Name: IO, Core: int64(cores * 2), Max: int64(cores * 4), Ceiling: int64(cores * 8),
		QueueCap: cfg.IOQueueCap, Logger: cfg.Logger,
	})
	m.Batch = New(Config{
		Name: Batch, Core: 2, Max: 4, Ceiling: int64(cores),
		QueueCap: 100, Logger: cfg.Logger,
	})
	m.Mgmt = New(Config{
		Name: Mgmt, Core: 1, Max: 2, Ceiling: 2,
		QueueCap: 16, Logger: cfg.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.mgmtCancel = cancel
	m.mgmtDone = make(chan struct{})
	go m.monitorLoop(ctx)

	return m
}

// ApplyBackpressure reduces io and batch pool maxima per spec §4.2 (k=0.5
// for io, 0.3 for batch). The cpu and mgmt pools are left untouched.
func (m *Manager) ApplyBackpressure(level float64) {
	m.IO.ApplyBackpressure(level, 0.5)
	m.Batch.ApplyBackpressure(level, 0.3)
}

// ReleaseBackpressure restores io and batch pool maxima.
func (m *Manager) ReleaseBackpressure() {
	m.IO.ReleaseBackpressure()
	m.Batch.ReleaseBackpressure()
}

func (m *Manager) monitorLoop(ctx context.Context) {
	defer close(m.mgmtDone)
	ticker := time.NewTicker(7 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Mgmt.Submit(Normal, func(context.Context) {
				m.tick()
			})
		}
	}
}

func (m *Manager) tick() {
	for _, p := range []*Pool{m.CPU, m.IO, m.Batch} {
		p.AdaptiveResize()
		if rate := p.FailureRate(); rate > 0.1 && m.logger != nil {
			m.logger.Warn("worker pool failure rate high", "pool", p.name, "rate", rate)
		}
	}
	m.checkHostLoad()
}

// checkHostLoad samples host-wide CPU utilization and throttles the io
// and batch pools while it stays above cpuBackpressureThreshold, lifting
// the throttle once it recovers. Sampling failures are logged and
// otherwise ignored; a host this can't read from is rare enough not to
// warrant its own fallback heuristic.
func (m *Manager) checkHostLoad() {
	percentages, err := cpu.Percent(0, false)
	if err != nil || len(percentages) == 0 {
		if m.logger != nil {
			m.logger.Debug("failed to sample host cpu load", "error", err)
		}
		return
	}

	busy := percentages[0] > cpuBackpressureThreshold
	switch {
	case busy && !m.throttled:
		m.throttled = true
		m.ApplyBackpressure(cpuBackpressureLevel)
		if m.logger != nil {
			m.logger.Warn("host cpu load high, throttling io/batch pools", "cpu_percent", percentages[0])
		}
	case !busy && m.throttled:
		m.throttled = false
		m.ReleaseBackpressure()
		if m.logger != nil {
			m.logger.Info("host cpu load recovered, releasing pool throttle", "cpu_percent", percentages[0])
		}
	}
}

// Shutdown stops the monitor loop and all four pools (two-phase: stop
// accepting, drain for the configured deadline, then force-terminate).
func (m *Manager) Shutdown() {
	m.mgmtCancel()
	<-m.mgmtDone
	for _, p := range []*Pool{m.CPU, m.IO, m.Batch, m.Mgmt} {
		p.Shutdown(m.shutdownTimeout)
	}
}
