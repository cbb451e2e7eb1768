// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/chunkvault/internal/bufpool"
	"github.com/nishisan-dev/chunkvault/internal/catalog"
	"github.com/nishisan-dev/chunkvault/internal/chunker"
	"github.com/nishisan-dev/chunkvault/internal/config"
	"github.com/nishisan-dev/chunkvault/internal/contentstore"
	"github.com/nishisan-dev/chunkvault/internal/hashing"
	"github.com/nishisan-dev/chunkvault/internal/workerpool"
)

func newTestCoordinator(t *testing.T, cat catalog.Catalog, root string, cfgOverride func(*config.RunConfig)) *Coordinator {
	t.Helper()

	pool := bufpool.New(bufpool.DefaultClasses())
	manager := workerpool.NewManager(workerpool.ManagerConfig{CPUCores: 2})
	t.Cleanup(manager.Shutdown)

	store, err := contentstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	ch := chunker.New(pool, manager.IO, hashing.New(), store)

	cfg := config.RunConfig{
		RootPath:            root,
		ChunkSizeRaw:        64 * 1024,
		MaxConcurrentFiles:  4,
		MaxConcurrentChunks: 4,
		QueueCapacity:       100,
		BatchSize:           10,
	}
	if cfgOverride != nil {
		cfgOverride(&cfg)
	}

	return New(cat, store, manager, ch, cfg, nil, nil)
}

func TestCoordinator_TinyTree(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.txt"), []byte("hello"))
	mustWrite(t, filepath.Join(dir, "b.txt"), nil)
	mustWrite(t, filepath.Join(dir, "c.txt"), bytes.Repeat([]byte{0x41}, 200000))

	cat := catalog.NewMemoryCatalog()
	coord := newTestCoordinator(t, cat, dir, func(c *config.RunConfig) {
		c.ChunkSizeRaw = 64 * 1024
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summary, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 3 {
		t.Errorf("expected 3 processed files, got %d", summary.Processed)
	}
	if summary.Errored != 0 {
		t.Errorf("expected 0 errored files, got %d", summary.Errored)
	}

	snap, err := cat.GetSnapshot(ctx, nil, summary.SnapshotID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.State != catalog.SnapshotSealed {
		t.Errorf("expected sealed snapshot, got %s", snap.State)
	}
	if snap.FileCount != 3 {
		t.Errorf("expected snapshot file_count 3, got %d", snap.FileCount)
	}
}

func TestCoordinator_AlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.txt"), []byte("hello"))

	cat := catalog.NewMemoryCatalog()
	coord := newTestCoordinator(t, cat, dir, nil)

	coord.state.Store(int32(StateRunning))
	_, err := coord.Run(context.Background())
	if err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestCoordinator_InvalidRoot(t *testing.T) {
	cat := catalog.NewMemoryCatalog()
	coord := newTestCoordinator(t, cat, "/does/not/exist", nil)

	_, err := coord.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error for a missing root")
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
