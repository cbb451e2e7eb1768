// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsTask(t *testing.T) {
	p := New(Config{Name: IO, Core: 2, Max: 4, Ceiling: 8, QueueCap: 10})
	defer p.Shutdown(time.Second)

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(Normal, func(ctx context.Context) {
		ran.Store(true)
		wg.Done()
	})
	wg.Wait()

	if !ran.Load() {
		t.Fatalf("expected task to run")
	}
}

func TestSubmitCallerRunsWhenQueueFull(t *testing.T) {
	p := New(Config{Name: Batch, Core: 0, Max: 0, Ceiling: 1, QueueCap: 1})
	defer p.Shutdown(time.Second)

	// With no core workers and max==0, nothing ever drains the queue, so
	// the first task just occupies the one queue slot.
	p.Submit(Normal, func(ctx context.Context) {})

	var ran atomic.Bool
	p.Submit(Normal, func(ctx context.Context) { ran.Store(true) })

	if !ran.Load() {
		t.Fatalf("expected caller-runs fallback to execute task synchronously")
	}
	if p.Stats().Rejected == 0 {
		t.Fatalf("expected rejected counter to increment on caller-runs fallback")
	}
}

func TestPanicInTaskIsRecovered(t *testing.T) {
	p := New(Config{Name: CPU, Core: 1, Max: 1, Ceiling: 1, QueueCap: 4})
	defer p.Shutdown(time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(Normal, func(ctx context.Context) {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()

	// Let the counters settle after recordExec runs post-recover.
	time.Sleep(10 * time.Millisecond)
	if p.Stats().Failed == 0 {
		t.Fatalf("expected failed counter to increment after a panicking task")
	}
}

func TestApplyAndReleaseBackpressure(t *testing.T) {
	p := New(Config{Name: IO, Core: 2, Max: 10, Ceiling: 20, QueueCap: 10})
	defer p.Shutdown(time.Second)

	p.ApplyBackpressure(1.0, 0.5)
	if got := p.Stats().Max; got != 5 && got != p.core {
		t.Fatalf("expected max reduced by backpressure, got %d", got)
	}

	p.ReleaseBackpressure()
	if got := p.Stats().Max; got != 10 {
		t.Fatalf("expected max restored to configured value 10, got %d", got)
	}
}

func TestBackpressureNeverBelowCore(t *testing.T) {
	p := New(Config{Name: IO, Core: 4, Max: 10, Ceiling: 20, QueueCap: 10})
	defer p.Shutdown(time.Second)

	p.ApplyBackpressure(1.0, 1.0)
	if got := p.Stats().Max; got < 4 {
		t.Fatalf("expected max to never drop below core (4), got %d", got)
	}
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	p := New(Config{Name: Batch, Core: 1, Max: 2, Ceiling: 2, QueueCap: 10})

	var completed atomic.Int64
	for i := 0; i < 5; i++ {
		p.Submit(Normal, func(ctx context.Context) {
			completed.Add(1)
		})
	}
	p.Shutdown(2 * time.Second)

	if completed.Load() != 5 {
		t.Fatalf("expected all 5 queued tasks to complete before shutdown returns, got %d", completed.Load())
	}
}

func TestFailureRate(t *testing.T) {
	p := New(Config{Name: CPU, Core: 1, Max: 1, Ceiling: 1, QueueCap: 10})
	defer p.Shutdown(time.Second)

	if rate := p.FailureRate(); rate != 0 {
		t.Fatalf("expected zero failure rate with no completed tasks, got %f", rate)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	p.Submit(Normal, func(ctx context.Context) { defer wg.Done() })
	p.Submit(Normal, func(ctx context.Context) { defer wg.Done(); panic("x") })
	wg.Wait()
	time.Sleep(10 * time.Millisecond)

	if rate := p.FailureRate(); rate <= 0 {
		t.Fatalf("expected nonzero failure rate after one panicking task, got %f", rate)
	}
}
