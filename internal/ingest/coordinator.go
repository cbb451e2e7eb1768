// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ingest implements the ingest coordinator (spec §4.6): it owns
// one run's snapshot lifecycle and wires the scanner, chunker and
// persistence worker together, exposing live counters and progress.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/chunkvault/internal/catalog"
	"github.com/nishisan-dev/chunkvault/internal/chunker"
	"github.com/nishisan-dev/chunkvault/internal/config"
	"github.com/nishisan-dev/chunkvault/internal/contentstore"
	"github.com/nishisan-dev/chunkvault/internal/ingesterr"
	"github.com/nishisan-dev/chunkvault/internal/persistence"
	"github.com/nishisan-dev/chunkvault/internal/scanner"
	"github.com/nishisan-dev/chunkvault/internal/workerpool"
)

// State is the coordinator's run state machine (spec §4.6).
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateSealing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSealing:
		return "sealing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned by Run when a run is already in flight.
var ErrAlreadyRunning = fmt.Errorf("ingest: a run is already in progress")

// Summary is returned by a completed run.
type Summary struct {
	SnapshotID     string
	Detected       int64
	Processed      int64
	Skipped        int64
	Errored        int64
	TotalBytes     int64
	ProcessedBytes int64
	Duration       time.Duration
}

// Listener receives ingest lifecycle events (spec §6 Progress Listener).
type Listener interface {
	ScanStarted(root string)
	FileProcessed(path string, size int64)
	BatchCommitted(n int)
	Error(path string, kind ingesterr.Kind, message string)
	Completed(summary Summary)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) ScanStarted(string)                       {}
func (NopListener) FileProcessed(string, int64)              {}
func (NopListener) BatchCommitted(int)                       {}
func (NopListener) Error(string, ingesterr.Kind, string)     {}
func (NopListener) Completed(Summary)                        {}

// Status is a point-in-time snapshot of the live counters.
type Status struct {
	State          State
	SnapshotID     string
	Detected       int64
	Processed      int64
	Skipped        int64
	Errored        int64
	TotalBytes     int64
	ProcessedBytes int64
}

// Coordinator owns one ingest run at a time.
type Coordinator struct {
	cat     catalog.Catalog
	store   contentstore.Store
	manager *workerpool.Manager
	chunker *chunker.Chunker
	cfg     config.RunConfig
	listener Listener
	logger   *slog.Logger

	state      atomic.Int32
	snapshotID atomic.Value // string

	detected       atomic.Int64
	processed      atomic.Int64
	skipped        atomic.Int64
	errored        atomic.Int64
	totalBytes     atomic.Int64
	processedBytes atomic.Int64

	cancelled atomic.Bool

	limiter *rate.Limiter // nil when run.max_bytes_per_sec is unset
}

// New builds a Coordinator. ch is the chunker every scanned file is
// dispatched to; manager supplies the cpu/io/batch/mgmt worker pools.
func New(cat catalog.Catalog, store contentstore.Store, manager *workerpool.Manager, ch *chunker.Chunker, cfg config.RunConfig, listener Listener, logger *slog.Logger) *Coordinator {
	if listener == nil {
		listener = NopListener{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cat:      cat,
		store:    store,
		manager:  manager,
		chunker:  ch,
		cfg:      cfg,
		listener: listener,
		logger:   logger,
	}
	if cfg.MaxBytesPerSecRaw > 0 {
		// Burst bounded the same way the teacher's ThrottledWriter bounds
		// its token bucket: cap it so a single large file can't reserve
		// the whole next second's budget up front.
		burst := int(cfg.MaxBytesPerSecRaw)
		const maxBurst = 4 << 20
		if burst > maxBurst {
			burst = maxBurst
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSecRaw), burst)
	}
	return c
}

// Cancel requests cooperative cancellation of the in-flight run.
func (c *Coordinator) Cancel() {
	c.cancelled.Store(true)
}

// Status returns a snapshot of the run's live counters.
func (c *Coordinator) Status() Status {
	snapID, _ := c.snapshotID.Load().(string)
	return Status{
		State:          State(c.state.Load()),
		SnapshotID:     snapID,
		Detected:       c.detected.Load(),
		Processed:      c.processed.Load(),
		Skipped:        c.skipped.Load(),
		Errored:        c.errored.Load(),
		TotalBytes:     c.totalBytes.Load(),
		ProcessedBytes: c.processedBytes.Load(),
	}
}

// Run drives one ingest run to completion (spec §4.6 Startup/Shutdown).
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return Summary{}, ErrAlreadyRunning
	}
	start := time.Now()
	defer c.state.Store(int32(StateIdle))

	snapshotID, err := c.startSnapshot(ctx)
	if err != nil {
		return Summary{}, err
	}
	c.snapshotID.Store(snapshotID)

	persistWorker := persistence.New(c.cat, persistence.Config{
		SnapshotID:    snapshotID,
		QueueCapacity: c.cfg.QueueCapacity,
		BatchSize:     c.cfg.BatchSize,
		Listener:      &persistenceListenerAdapter{c: c},
		Logger:        c.logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.watchCancellation(runCtx, cancel)

	var workerWG sync.WaitGroup
	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		persistWorker.Run(runCtx)
	}()

	if err := c.scanAndChunk(runCtx, snapshotID, persistWorker); err != nil {
		cancel()
		persistWorker.Shutdown(30 * time.Second)
		workerWG.Wait()
		return Summary{}, err
	}

	c.state.Store(int32(StateSealing))
	persistWorker.Shutdown(30 * time.Second)
	workerWG.Wait()

	if err := c.sealSnapshot(ctx, snapshotID); err != nil {
		return Summary{}, err
	}
	c.state.Store(int32(StateDone))

	summary := Summary{
		SnapshotID:     snapshotID,
		Detected:       c.detected.Load(),
		Processed:      c.processed.Load(),
		Skipped:        c.skipped.Load(),
		Errored:        c.errored.Load(),
		TotalBytes:     c.totalBytes.Load(),
		ProcessedBytes: c.processedBytes.Load(),
		Duration:       time.Since(start),
	}
	c.listener.Completed(summary)
	return summary, nil
}

func (c *Coordinator) watchCancellation(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.cancelled.Load() {
				cancel()
				return
			}
		}
	}
}

// startSnapshot implements spec §4.6 startup steps 1-3.
func (c *Coordinator) startSnapshot(ctx context.Context) (string, error) {
	if err := validateRoot(c.cfg.RootPath); err != nil {
		return "", err
	}

	id := c.cfg.SnapshotID
	if id == "" {
		id = fmt.Sprintf("ingest-%d-%04x", time.Now().UnixMilli(), rand.Intn(0x10000))
	}

	tx, err := c.cat.BeginTx(ctx)
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.KindFatal, c.cfg.RootPath, err)
	}

	existing, err := c.cat.GetSnapshot(ctx, tx, id)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		tx.Rollback(ctx)
		return "", ingesterr.Wrap(ingesterr.KindFatal, id, err)
	}
	if existing == nil {
		snap := catalog.Snapshot{
			ID:        id,
			Name:      c.cfg.SnapshotName,
			CreatedAt: time.Now(),
			State:     catalog.SnapshotOpen,
		}
		if snap.Name == "" {
			snap.Name = id
		}
		if err := c.cat.CreateSnapshot(ctx, tx, snap); err != nil {
			tx.Rollback(ctx)
			return "", ingesterr.Wrap(ingesterr.KindFatal, id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", ingesterr.Wrap(ingesterr.KindFatal, id, err)
	}

	if err := c.verifySnapshotVisible(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// verifySnapshotVisible retries the read-back check briefly: the
// catalog may only be eventually consistent (spec §4.6 step 3).
func (c *Coordinator) verifySnapshotVisible(ctx context.Context, id string) error {
	for attempt := 1; attempt <= 5; attempt++ {
		if _, err := c.cat.GetSnapshot(ctx, nil, id); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt) * 20 * time.Millisecond)
	}
	return ingesterr.New(ingesterr.KindFatal, id, "snapshot not visible after creation", nil)
}

func validateRoot(root string) error {
	fi, err := os.Stat(root)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindInvalidInput, root, err)
	}
	if !fi.IsDir() {
		return ingesterr.New(ingesterr.KindInvalidInput, root, "root path is not a directory", nil)
	}
	return nil
}

// scanAndChunk registers a scanner visitor that dispatches each regular
// file to the chunker, bounded by a file-level semaphore (spec §4.6
// step 5), and forwards every result to the persistence worker.
func (c *Coordinator) scanAndChunk(ctx context.Context, snapshotID string, worker *persistence.Worker) error {
	maxFiles := c.cfg.MaxConcurrentFiles
	if maxFiles <= 0 {
		maxFiles = 4
	}
	sem := semaphore.NewWeighted(int64(maxFiles))

	var inFlight sync.WaitGroup
	scanListener := &scanListenerAdapter{c: c}
	sc := scanner.New(scanner.Options{
		MaxDepth:       c.cfg.MaxDepth,
		FollowSymlinks: c.cfg.FollowSymlinks,
		IncludePatterns: c.cfg.Include,
		ExcludePatterns: c.cfg.Exclude,
	}, scanListener)

	visit := func(entry scanner.Entry) error {
		if c.cancelled.Load() {
			return ingesterr.New(ingesterr.KindCancelled, entry.Path, "cancelled", nil)
		}
		c.detected.Add(1)
		c.totalBytes.Add(entry.Size)

		if err := sem.Acquire(ctx, 1); err != nil {
			return ingesterr.Wrap(ingesterr.KindCancelled, entry.Path, err)
		}
		inFlight.Add(1)

		c.manager.CPU.Submit(workerpool.Normal, func(taskCtx context.Context) {
			defer sem.Release(1)
			defer inFlight.Done()
			c.chunkOneFile(taskCtx, entry, snapshotID, worker)
		})
		return nil
	}

	_, err := sc.Scan(c.cfg.RootPath, visit)
	inFlight.Wait()
	return err
}

func (c *Coordinator) chunkOneFile(ctx context.Context, entry scanner.Entry, snapshotID string, worker *persistence.Worker) {
	res, err := c.chunker.ChunkFile(ctx, entry.Path, chunker.Options{
		ChunkSize:           c.cfg.ChunkSizeRaw,
		MaxConcurrentChunks: c.cfg.MaxConcurrentChunks,
	})
	if err != nil {
		kind := ingesterr.KindOf(err)
		if ingesterr.IsSkipped(err) {
			c.skipped.Add(1)
		} else {
			c.errored.Add(1)
		}
		c.listener.Error(entry.Path, kind, err.Error())
		return
	}

	if c.limiter != nil && res.TotalSize > 0 {
		// Throttle aggregate ingest throughput rather than per-file reads,
		// so a very large tree doesn't saturate the host's disk/network.
		n := int(res.TotalSize)
		if n > c.limiter.Burst() {
			n = c.limiter.Burst()
		}
		if err := c.limiter.WaitN(ctx, n); err != nil {
			return
		}
	}

	worker.Enqueue(ctx, persistence.Item{
		Path:        entry.Path,
		Size:        res.TotalSize,
		ModTime:     time.Unix(0, entry.ModTime),
		FileHash:    res.FileHash,
		ChunkHashes: res.ChunkHashes,
		ChunkSizes:  res.ChunkSizes,
	})
	c.processedBytes.Add(res.TotalSize)
	c.listener.FileProcessed(entry.Path, res.TotalSize)
}

// sealSnapshot implements spec §4.6 shutdown: reopen the snapshot and
// update its aggregate counters.
func (c *Coordinator) sealSnapshot(ctx context.Context, id string) error {
	tx, err := c.cat.BeginTx(ctx)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindFatal, id, err)
	}
	snap, err := c.cat.GetSnapshot(ctx, tx, id)
	if err != nil {
		tx.Rollback(ctx)
		return ingesterr.Wrap(ingesterr.KindFatal, id, err)
	}
	snap.FileCount = c.processed.Load()
	snap.TotalBytes = c.processedBytes.Load()
	snap.State = catalog.SnapshotSealed
	if err := c.cat.UpdateSnapshot(ctx, tx, *snap); err != nil {
		tx.Rollback(ctx)
		return ingesterr.Wrap(ingesterr.KindFatal, id, err)
	}
	return tx.Commit(ctx)
}

type persistenceListenerAdapter struct{ c *Coordinator }

func (a *persistenceListenerAdapter) BatchCommitted(n int) {
	a.c.processed.Add(int64(n))
	a.c.listener.BatchCommitted(n)
}

func (a *persistenceListenerAdapter) ItemFailed(path string, err error) {
	a.c.errored.Add(1)
	a.c.listener.Error(path, ingesterr.KindOf(err), err.Error())
}

type scanListenerAdapter struct{ c *Coordinator }

func (a *scanListenerAdapter) Started(root string) { a.c.listener.ScanStarted(root) }
func (a *scanListenerAdapter) FileProcessed(string, int64, int64) {}
func (a *scanListenerAdapter) Completed(scanner.Result)           {}
func (a *scanListenerAdapter) Error(path string, err error) {
	a.c.skipped.Add(1)
	a.c.listener.Error(path, ingesterr.KindOf(err), err.Error())
}
