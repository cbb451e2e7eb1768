// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package persistence implements the batch persistence worker (spec
// §4.5): it drains a bounded queue of chunking results and atomically
// publishes file manifests under the active snapshot, preserving
// referential integrity against a catalog that offers only eventual
// read-after-write visibility across connections.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/chunkvault/internal/catalog"
)

const (
	defaultQueueCapacity = 10_000
	defaultBatchSize     = 200
	firstItemTimeout     = 100 * time.Millisecond
	maxCommitRetries     = 5
	commitRetryBackoff   = 200 * time.Millisecond
)

// Item is one chunking result awaiting a manifest row (spec §3 Chunking
// Result, success variant).
type Item struct {
	Path        string
	Size        int64
	ModTime     time.Time
	FileHash    string
	ChunkHashes []string
	ChunkSizes  []int64
}

// Listener receives persistence lifecycle events.
type Listener interface {
	BatchCommitted(n int)
	ItemFailed(path string, err error)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) BatchCommitted(int)       {}
func (NopListener) ItemFailed(string, error) {}

// Stats is a snapshot of the worker's live counters.
type Stats struct {
	Processed int64
	Errored   int64
	Queued    int
}

// Worker is the batch persistence worker bound to one snapshot id.
type Worker struct {
	cat        catalog.Catalog
	snapshotID string
	batchSize  int
	listener   Listener
	logger     *slog.Logger

	queue chan Item

	processed atomic.Int64
	errored   atomic.Int64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// Config configures a Worker.
type Config struct {
	SnapshotID    string
	QueueCapacity int
	BatchSize     int
	Listener      Listener
	Logger        *slog.Logger
}

// New builds a Worker. Call Run to start the drain loop.
func New(cat catalog.Catalog, cfg Config) *Worker {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Worker{
		cat:        cat,
		snapshotID: cfg.SnapshotID,
		batchSize:  cfg.BatchSize,
		listener:   cfg.Listener,
		logger:     cfg.Logger,
		queue:      make(chan Item, cfg.QueueCapacity),
	}
	// Registered here rather than in Run, so a Shutdown that races the
	// start of Run still waits for it.
	w.wg.Add(1)
	return w
}

// Enqueue offers item to the bounded queue. On queue-full the item is
// processed synchronously in the caller's goroutine instead — the
// admission-control backpressure signal spec §4.5 describes.
func (w *Worker) Enqueue(ctx context.Context, item Item) {
	select {
	case w.queue <- item:
	default:
		w.processBatch(ctx, []Item{item})
	}
}

// Stats returns a point-in-time snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Errored:   w.errored.Load(),
		Queued:    len(w.queue),
	}
}

// Run drives the batch loop until ctx is cancelled or Shutdown closes
// the queue. It runs on its own goroutine; the coordinator starts it
// with a plain go statement, not as a worker-pool task.
func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Done()

	for {
		batch, ok := w.collectBatch(ctx)
		if len(batch) > 0 {
			w.processBatch(ctx, batch)
		}
		if !ok {
			return
		}
	}
}

// collectBatch blocks up to firstItemTimeout for the first item, then
// drains up to batchSize-1 more without blocking (spec §4.5 steps 1-2).
// The second return value is false once the queue is closed and
// drained, signalling Run to stop.
func (w *Worker) collectBatch(ctx context.Context) ([]Item, bool) {
	timer := time.NewTimer(firstItemTimeout)
	defer timer.Stop()

	var batch []Item
	select {
	case item, ok := <-w.queue:
		if !ok {
			return batch, false
		}
		batch = append(batch, item)
	case <-timer.C:
		return batch, true
	case <-ctx.Done():
		return batch, false
	}

	for len(batch) < w.batchSize {
		select {
		case item, ok := <-w.queue:
			if !ok {
				return batch, false
			}
			batch = append(batch, item)
		default:
			return batch, true
		}
	}
	return batch, true
}

// processBatch implements spec §4.5 steps 3-8.
func (w *Worker) processBatch(ctx context.Context, batch []Item) {
	if err := w.commitBatch(ctx, batch); err == nil {
		w.processed.Add(int64(len(batch)))
		w.listener.BatchCommitted(len(batch))
		return
	}

	// Batch commit failed on a referential-integrity race; fall back to
	// per-manifest processing with bounded retry (spec §4.5 step 7).
	for _, item := range batch {
		if err := w.commitOneWithRetry(ctx, item); err != nil {
			w.errored.Add(1)
			w.listener.ItemFailed(item.Path, err)
			w.logger.Warn("manifest commit failed", "path", item.Path, "error", err)
			continue
		}
		w.processed.Add(1)
		w.listener.BatchCommitted(1)
	}
}

func (w *Worker) toManifest(item Item) catalog.FileManifest {
	return catalog.FileManifest{
		ID:          uuid.NewString(),
		SnapshotID:  w.snapshotID,
		Path:        item.Path,
		Size:        item.Size,
		ModTime:     item.ModTime,
		FileHash:    item.FileHash,
		ChunkHashes: item.ChunkHashes,
	}
}

// commitBatch opens one transaction for the whole batch: ensures every
// referenced chunk fingerprint has a catalog row, batch-inserts the
// manifests, and commits.
func (w *Worker) commitBatch(ctx context.Context, batch []Item) error {
	tx, err := w.cat.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}

	if err := w.ensureChunksVisible(ctx, tx, batch); err != nil {
		tx.Rollback(ctx)
		return err
	}

	manifests := make([]catalog.FileManifest, len(batch))
	for i, item := range batch {
		manifests[i] = w.toManifest(item)
	}
	if err := w.cat.InsertFiles(ctx, tx, manifests); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// ensureChunksVisible upserts a catalog entry for every fingerprint
// referenced by batch, with RefCount set to the number of references the
// batch makes to it. Sizes are the real per-chunk sizes the chunker
// already measured, so unlike a true zero-byte placeholder this also
// backfills size on first sight; later references to the same
// fingerprint just bump ref_count (spec §4.5 step 5).
func (w *Worker) ensureChunksVisible(ctx context.Context, tx catalog.Txn, batch []Item) error {
	now := time.Now()
	sizes := make(map[string]int64)
	refs := make(map[string]int64)
	for _, item := range batch {
		for i, fp := range item.ChunkHashes {
			refs[fp]++
			if i < len(item.ChunkSizes) {
				sizes[fp] = item.ChunkSizes[i]
			} else {
				sizes[fp] = 0
			}
		}
	}
	for fp, size := range sizes {
		chunk := catalog.ChunkMetadata{
			Fingerprint: fp,
			Size:        size,
			FirstSeen:   now,
			LastAccess:  now,
			RefCount:    refs[fp],
		}
		if err := w.cat.UpsertChunk(ctx, tx, chunk); err != nil {
			return fmt.Errorf("upserting chunk %s: %w", fp, err)
		}
	}
	return nil
}

// commitOneWithRetry retries a single item's commit up to
// maxCommitRetries times with 200*attempt ms backoff. Each attempt
// doubles as the visibility probe the referenced fingerprints get: a
// round that finds the snapshot or a chunk still invisible skips the
// commit and just backs off, so the bound on visibility probes and the
// bound on commit attempts share the same counter (spec §4.5 step 7).
func (w *Worker) commitOneWithRetry(ctx context.Context, item Item) error {
	var lastErr error = fmt.Errorf("%w: snapshot or referenced chunks never became visible", catalog.ErrReferentialIntegrity)

	for attempt := 1; attempt <= maxCommitRetries; attempt++ {
		if !w.allVisible(ctx, item) {
			lastErr = fmt.Errorf("%w: snapshot or chunk rows not visible (attempt %d)", catalog.ErrReferentialIntegrity, attempt)
		} else if err := w.commitBatch(ctx, []Item{item}); err != nil {
			lastErr = err
		} else {
			return nil
		}

		if !errors.Is(lastErr, catalog.ErrReferentialIntegrity) {
			return lastErr
		}
		select {
		case <-time.After(commitRetryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("commit failed after %d attempts: %w", maxCommitRetries, lastErr)
}

func (w *Worker) allVisible(ctx context.Context, item Item) bool {
	if _, err := w.cat.GetSnapshot(ctx, nil, w.snapshotID); err != nil {
		return false
	}
	for _, fp := range item.ChunkHashes {
		if _, err := w.cat.GetChunk(ctx, nil, fp); err != nil {
			return false
		}
	}
	return true
}

// Shutdown closes the queue so Run drains remaining items and returns.
// It blocks until Run exits or deadline elapses.
func (w *Worker) Shutdown(deadline time.Duration) {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	close(w.queue)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
	}
}
