// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package workerpool

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewManagerStartsFourPools(t *testing.T) {
	m := NewManager(ManagerConfig{CPUCores: 2})
	defer m.Shutdown()

	if m.CPU == nil || m.IO == nil || m.Batch == nil || m.Mgmt == nil {
		t.Fatalf("expected all four pools to be constructed")
	}
	if m.CPU.core != 2 {
		t.Fatalf("expected cpu pool core sized to CPUCores override (2), got %d", m.CPU.core)
	}
}

func TestManagerSubmitAcrossPools(t *testing.T) {
	m := NewManager(ManagerConfig{CPUCores: 2})
	defer m.Shutdown()

	var wg sync.WaitGroup
	wg.Add(2)
	m.IO.Submit(Normal, func(ctx context.Context) { wg.Done() })
	m.Batch.Submit(Normal, func(ctx context.Context) { wg.Done() })
	wg.Wait()
}

func TestManagerApplyReleaseBackpressure(t *testing.T) {
	m := NewManager(ManagerConfig{CPUCores: 2})
	defer m.Shutdown()

	ioMaxBefore := m.IO.Stats().Max
	batchMaxBefore := m.Batch.Stats().Max

	m.ApplyBackpressure(1.0)
	if m.IO.Stats().Max >= ioMaxBefore {
		t.Fatalf("expected io pool max to shrink under backpressure")
	}
	if m.Batch.Stats().Max >= batchMaxBefore {
		t.Fatalf("expected batch pool max to shrink under backpressure")
	}

	m.ReleaseBackpressure()
	if m.IO.Stats().Max != ioMaxBefore {
		t.Fatalf("expected io pool max restored after release")
	}
	if m.Batch.Stats().Max != batchMaxBefore {
		t.Fatalf("expected batch pool max restored after release")
	}
}

func TestHostCPUCountFallsBackWhenUnavailable(t *testing.T) {
	// hostCPUCount should always return a positive count, whether
	// gopsutil succeeds on this host or falls back to runtime.NumCPU.
	if n := hostCPUCount(nil); n <= 0 {
		t.Fatalf("expected positive core count, got %d", n)
	}
}

func TestManagerShutdownIsIdempotentAcrossPools(t *testing.T) {
	m := NewManager(ManagerConfig{CPUCores: 1, ShutdownTimeout: 500 * time.Millisecond})
	m.Shutdown()
	// A second direct pool shutdown after the manager's own must not hang.
	m.CPU.Shutdown(time.Second)
}
