// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryCatalog_SnapshotLifecycle(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	tx, err := cat.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	snap := Snapshot{ID: "snap-1", Name: "nightly", CreatedAt: time.Now(), State: SnapshotCreated}
	if err := cat.CreateSnapshot(ctx, tx, snap); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := cat.GetSnapshot(ctx, nil, "snap-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.State != SnapshotCreated {
		t.Errorf("expected SnapshotCreated, got %s", got.State)
	}
}

func TestMemoryCatalog_InsertFile_ReferentialIntegrity(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	tx, _ := cat.BeginTx(ctx)
	manifest := FileManifest{
		ID:          "file-1",
		SnapshotID:  "missing-snapshot",
		Path:        "/a/b.txt",
		ChunkHashes: []string{"deadbeef"},
	}
	err := cat.InsertFiles(ctx, tx, []FileManifest{manifest})
	if !errors.Is(err, ErrReferentialIntegrity) {
		t.Fatalf("expected ErrReferentialIntegrity, got %v", err)
	}
}

func TestMemoryCatalog_InsertFile_WithinSameTxn(t *testing.T) {
	cat := NewMemoryCatalog()
	ctx := context.Background()

	tx, _ := cat.BeginTx(ctx)
	if err := cat.CreateSnapshot(ctx, tx, Snapshot{ID: "snap-1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := cat.UpsertChunk(ctx, tx, ChunkMetadata{Fingerprint: "abc123", Size: 4096, FirstSeen: time.Now(), LastAccess: time.Now(), RefCount: 1}); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	manifest := FileManifest{ID: "file-1", SnapshotID: "snap-1", Path: "/a/b.txt", ChunkHashes: []string{"abc123"}}
	if err := cat.InsertFiles(ctx, tx, []FileManifest{manifest}); err != nil {
		t.Fatalf("InsertFiles within same txn should see uncommitted snapshot/chunk rows: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestMemoryCatalog_VisibilityDelay(t *testing.T) {
	cat := NewMemoryCatalog()
	cat.VisibilityDelay = 50 * time.Millisecond
	ctx := context.Background()

	tx, _ := cat.BeginTx(ctx)
	cat.CreateSnapshot(ctx, tx, Snapshot{ID: "snap-1", CreatedAt: time.Now()})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := cat.GetSnapshot(ctx, nil, "snap-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected snapshot to be invisible immediately after commit, got err=%v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := cat.GetSnapshot(ctx, nil, "snap-1"); err != nil {
		t.Fatalf("expected snapshot visible after delay, got %v", err)
	}
}

func TestSQLiteCatalog_SnapshotAndFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cat, err := OpenSQLiteCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteCatalog: %v", err)
	}
	defer cat.Close()

	ctx := context.Background()
	tx, err := cat.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	snap := Snapshot{ID: "snap-1", Name: "nightly", CreatedAt: time.Now(), State: SnapshotOpen}
	if err := cat.CreateSnapshot(ctx, tx, snap); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	chunk := ChunkMetadata{Fingerprint: "abc123", Size: 4096, FirstSeen: time.Now(), LastAccess: time.Now(), RefCount: 1}
	if err := cat.UpsertChunk(ctx, tx, chunk); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	manifest := FileManifest{ID: "file-1", SnapshotID: "snap-1", Path: "/a/b.txt", Size: 4096, ModTime: time.Now(), FileHash: "filehash", ChunkHashes: []string{"abc123"}}
	if err := cat.InsertFile(ctx, tx, manifest); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := cat.GetSnapshot(ctx, nil, "snap-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.Name != "nightly" {
		t.Errorf("expected name nightly, got %s", got.Name)
	}

	gotChunk, err := cat.GetChunk(ctx, nil, "abc123")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if gotChunk.RefCount != 1 {
		t.Errorf("expected ref count 1, got %d", gotChunk.RefCount)
	}
}

func TestSQLiteCatalog_InsertFile_ReferentialIntegrity(t *testing.T) {
	dir := t.TempDir()
	cat, err := OpenSQLiteCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteCatalog: %v", err)
	}
	defer cat.Close()

	ctx := context.Background()
	tx, _ := cat.BeginTx(ctx)
	manifest := FileManifest{ID: "file-1", SnapshotID: "missing-snapshot", Path: "/a/b.txt"}
	err = cat.InsertFile(ctx, tx, manifest)
	tx.Rollback(ctx)
	if !errors.Is(err, ErrReferentialIntegrity) {
		t.Fatalf("expected ErrReferentialIntegrity, got %v", err)
	}
}
