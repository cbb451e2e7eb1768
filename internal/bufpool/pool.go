// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package bufpool implements the tiered buffer pool (C1): lock-free reuse
// of fixed-size byte buffers across size classes, with adaptive sizing
// under pressure. See spec §4.1.
package bufpool

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
)

// ErrPoolClosed is returned by Acquire once Clear has been called.
var ErrPoolClosed = errors.New("bufpool: closed")

const (
	backoffStart = time.Microsecond
	backoffCap   = 10 * time.Millisecond
	backoffJit   = 0.10

	resizeInterval      = 30 * time.Second
	resizeFailThreshold = 5
)

// Buffer is an owned byte region of a declared size class. At most one
// acquirer holds it at a time; it must be returned to its pool exactly
// once (spec I5). A second Release is a no-op.
type Buffer struct {
	data      []byte
	class     int
	pool      *Pool
	released  int32 // atomic
}

// Bytes returns the buffer's backing slice, sized to the capacity of its
// class (callers re-slice down to the amount they actually used).
func (b *Buffer) Bytes() []byte { return b.data }

// Release clears the buffer and returns it to its class queue. Idempotent.
func (b *Buffer) Release() {
	if !atomic.CompareAndSwapInt32(&b.released, 0, 1) {
		return
	}
	b.pool.release(b)
}

// ClassStats reports counters for one size class.
type ClassStats struct {
	Size             int
	Total            int64
	Available        int64
	InUse            int64
	Acquisitions     int64
	Releases         int64
	AllocationErrors int64
	AvgWaitNanos     int64
}

type class struct {
	size int

	freeList chan *Buffer // bounded MPMC free queue, capacity == ceil
	mu       sync.Mutex   // guards total/min/max/resize bookkeeping only

	total int64 // guarded by mu: buffers currently allocated to this class (in-use + pooled)
	min   int64
	max   int64
	ceil  int64
	floor int64

	acquisitions     atomic.Int64
	releases         atomic.Int64
	allocationErrors atomic.Int64
	waitNanosTotal   atomic.Int64
	waitSamples      atomic.Int64

	failuresSinceResize atomic.Int64
	lastResize          time.Time
	resizing            int32 // atomic guard, one resize at a time
}

// Pool is the tiered buffer pool. One instance is owned by an ingest run.
type Pool struct {
	classes []*class // sorted ascending by size
	closed  atomic.Bool
}

// ClassConfig declares one size class's initial [min,max] and the hard
// ceiling/floor the adaptive resize (spec §4.1) must respect.
type ClassConfig struct {
	Size  int
	Min   int64
	Max   int64
	Ceil  int64
	Floor int64
}

// DefaultClasses is the power-of-two ladder named in spec §4.1.
func DefaultClasses() []ClassConfig {
	return []ClassConfig{
		{Size: 4 * 1024, Min: 8, Max: 64, Ceil: 1024, Floor: 4},
		{Size: 16 * 1024, Min: 8, Max: 64, Ceil: 512, Floor: 4},
		{Size: 64 * 1024, Min: 16, Max: 128, Ceil: 512, Floor: 8},
		{Size: 256 * 1024, Min: 8, Max: 64, Ceil: 256, Floor: 4},
		{Size: 1024 * 1024, Min: 4, Max: 32, Ceil: 128, Floor: 2},
	}
}

// New builds a Pool from the given class configuration, sorted ascending
// by size. Each class's free queue is pre-filled to Min buffers.
func New(cfgs []ClassConfig) *Pool {
	sorted := append([]ClassConfig(nil), cfgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	p := &Pool{}
	for _, c := range sorted {
		cl := &class{
			size:     c.Size,
			freeList: make(chan *Buffer, c.Ceil),
			min:      c.Min,
			max:      c.Max,
			ceil:     c.Ceil,
			floor:    c.Floor,
		}
		for i := int64(0); i < c.Min; i++ {
			cl.freeList <- newRawBuffer(cl, p)
			cl.total++
		}
		p.classes = append(p.classes, cl)
	}
	return p
}

func newRawBuffer(cl *class, p *Pool) *Buffer {
	return &Buffer{data: pool.Get(cl.size), class: cl.size, pool: p}
}

// Acquire returns a buffer whose capacity is >= size, from the smallest
// matching class. Blocks cooperatively with exponential backoff on
// transient exhaustion (spec §4.1 acquire algorithm).
func (p *Pool) Acquire(size int) (*Buffer, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	cl := p.classFor(size)
	if cl == nil {
		// No class large enough: allocate a one-off, untracked buffer.
		// Release on it is a no-op return-to-nowhere.
		return &Buffer{data: make([]byte, size), class: -1, pool: p}, nil
	}

	backoff := backoffStart
	waitStart := time.Now()
	for {
		select {
		case b, ok := <-cl.freeList:
			if !ok {
				return nil, ErrPoolClosed
			}
			cl.acquisitions.Add(1)
			p.recordWait(cl, waitStart)
			return b, nil
		default:
		}

		if p.tryGrow(cl) {
			cl.acquisitions.Add(1)
			p.recordWait(cl, waitStart)
			return newRawBuffer(cl, p), nil
		}
		cl.allocationErrors.Add(1)
		cl.failuresSinceResize.Add(1)

		if p.closed.Load() {
			return nil, ErrPoolClosed
		}

		p.maybeResize(cl)

		sleep := backoff
		jitter := time.Duration(float64(sleep) * backoffJit * (rand.Float64()*2 - 1))
		time.Sleep(sleep + jitter)
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func (p *Pool) recordWait(cl *class, start time.Time) {
	cl.waitNanosTotal.Add(int64(time.Since(start)))
	cl.waitSamples.Add(1)
}

func (p *Pool) tryGrow(cl *class) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.total >= cl.max {
		return false
	}
	cl.total++
	return true
}

func (p *Pool) classFor(size int) *class {
	for _, cl := range p.classes {
		if cl.size >= size {
			return cl
		}
	}
	return nil
}

func (p *Pool) release(b *Buffer) {
	if b.class < 0 {
		return // one-off buffer, nothing to pool
	}
	cl := p.classForSize(b.class)
	if cl == nil || p.closed.Load() {
		return
	}
	for i := range b.data {
		b.data[i] = 0
	}
	cl.releases.Add(1)
	select {
	case cl.freeList <- b:
	default:
		// Class shrank under us; drop the buffer rather than block.
		cl.mu.Lock()
		cl.total--
		cl.mu.Unlock()
		pool.Put(b.data)
	}
}

func (p *Pool) classForSize(size int) *class {
	for _, cl := range p.classes {
		if cl.size == size {
			return cl
		}
	}
	return nil
}

// Clear drops all pooled buffers; subsequent Acquire calls fail.
func (p *Pool) Clear() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, cl := range p.classes {
		close(cl.freeList)
		for b := range cl.freeList {
			pool.Put(b.data)
		}
	}
}

// Stats returns a snapshot per size class, ordered ascending by size.
func (p *Pool) Stats() []ClassStats {
	out := make([]ClassStats, 0, len(p.classes))
	for _, cl := range p.classes {
		cl.mu.Lock()
		total := cl.total
		cl.mu.Unlock()
		avail := int64(len(cl.freeList))
		var avgWait int64
		if samples := cl.waitSamples.Load(); samples > 0 {
			avgWait = cl.waitNanosTotal.Load() / samples
		}
		out = append(out, ClassStats{
			Size:             cl.size,
			Total:            total,
			Available:        avail,
			InUse:            total - avail,
			Acquisitions:     cl.acquisitions.Load(),
			Releases:         cl.releases.Load(),
			AllocationErrors: cl.allocationErrors.Load(),
			AvgWaitNanos:     avgWait,
		})
	}
	return out
}

// maybeResize recomputes [min,max] for cl per spec §4.1's adaptive sizing
// policy, guarded so only one resize runs per class at a time.
func (p *Pool) maybeResize(cl *class) {
	now := time.Now()
	failures := cl.failuresSinceResize.Load()
	if now.Sub(cl.lastResize) < resizeInterval && failures < resizeFailThreshold {
		return
	}
	if !atomic.CompareAndSwapInt32(&cl.resizing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&cl.resizing, 0)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	total := cl.total
	avail := int64(len(cl.freeList))
	inUse := total - avail
	var utilization float64
	if total > 0 {
		utilization = float64(inUse) / float64(total)
	}
	acquisitions := cl.acquisitions.Load()
	var failureRate float64
	if acquisitions > 0 {
		failureRate = float64(failures) / float64(acquisitions)
	}

	switch {
	case utilization > 0.8 || failureRate > 0.1:
		newMax := cl.max * 2
		if newMax > cl.ceil {
			newMax = cl.ceil
		}
		cl.max = newMax
		newMin := cl.min + 2
		if newMin > cl.max {
			newMin = cl.max
		}
		cl.min = newMin
	case utilization < 0.3 && failureRate < 0.01:
		newMax := cl.max / 2
		if newMax < cl.floor {
			newMax = cl.floor
		}
		cl.max = newMax
		newMin := cl.min - 1
		if newMin < cl.floor {
			newMin = cl.floor
		}
		cl.min = newMin
	}

	// Trim excess available buffers above the new max down to new min.
	excess := avail - cl.min
	if total <= cl.max {
		excess = 0
	}
	for excess > 0 && total > cl.min {
		select {
		case b := <-cl.freeList:
			pool.Put(b.data)
			total--
			excess--
		default:
			excess = 0
		}
	}
	cl.total = total
	cl.failuresSinceResize.Store(0)
	cl.lastResize = now
}
