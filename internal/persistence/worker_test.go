// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/chunkvault/internal/catalog"
)

type testListener struct {
	mu        sync.Mutex
	committed int
	failed    []string
}

func (l *testListener) BatchCommitted(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committed += n
}

func (l *testListener) ItemFailed(path string, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, path)
}

func seedSnapshot(t *testing.T, cat catalog.Catalog, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := cat.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := cat.CreateSnapshot(ctx, tx, catalog.Snapshot{ID: id, CreatedAt: time.Now(), State: catalog.SnapshotOpen}); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestWorker_BatchCommit(t *testing.T) {
	cat := catalog.NewMemoryCatalog()
	seedSnapshot(t, cat, "snap-1")

	listener := &testListener{}
	w := New(cat, Config{SnapshotID: "snap-1", Listener: listener, QueueCapacity: 100, BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		w.Enqueue(ctx, Item{
			Path:        "/a/file.txt",
			Size:        4096,
			ModTime:     time.Now(),
			FileHash:    "filehash",
			ChunkHashes: []string{"chunk-a"},
			ChunkSizes:  []int64{4096},
		})
	}

	w.Shutdown(2 * time.Second)
	cancel()

	stats := w.Stats()
	if stats.Processed != 5 {
		t.Errorf("expected 5 processed, got %d", stats.Processed)
	}
	if stats.Errored != 0 {
		t.Errorf("expected 0 errored, got %d", stats.Errored)
	}
	if listener.committed != 5 {
		t.Errorf("expected listener to see 5 commits, got %d", listener.committed)
	}

	chunk, err := cat.GetChunk(context.Background(), nil, "chunk-a")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if chunk.RefCount != 5 {
		t.Errorf("expected ref count 5, got %d", chunk.RefCount)
	}
}

func TestWorker_QueueFullFallsBackInline(t *testing.T) {
	cat := catalog.NewMemoryCatalog()
	seedSnapshot(t, cat, "snap-1")

	w := New(cat, Config{SnapshotID: "snap-1", QueueCapacity: 1, BatchSize: 10})
	w.queue <- Item{Path: "/blocker", ChunkHashes: nil} // fill the queue without a running drain loop

	ctx := context.Background()
	w.Enqueue(ctx, Item{Path: "/inline.txt", FileHash: "h", ChunkHashes: nil})

	if w.Stats().Processed != 1 {
		t.Fatalf("expected the inline item to be processed synchronously, got %+v", w.Stats())
	}
}

func TestWorker_RetryOnUnresolvedReferentialIntegrity(t *testing.T) {
	cat := catalog.NewMemoryCatalog()
	cat.VisibilityDelay = 0
	// No snapshot seeded: every commit attempt should fail referential
	// integrity and the item should end up errored, not processed.
	listener := &testListener{}
	w := New(cat, Config{SnapshotID: "missing-snapshot", Listener: listener, QueueCapacity: 10, BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.Enqueue(ctx, Item{Path: "/orphan.txt", FileHash: "h", ChunkHashes: nil})
	w.Shutdown(5 * time.Second)
	cancel()

	stats := w.Stats()
	if stats.Errored != 1 {
		t.Errorf("expected 1 errored item, got %+v", stats)
	}
	if len(listener.failed) != 1 {
		t.Errorf("expected listener to observe 1 failure, got %v", listener.failed)
	}
}
