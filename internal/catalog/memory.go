// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryCatalog is an in-memory reference Catalog. Rows become visible to
// readers after an optional VisibilityDelay following their commit,
// letting tests exercise the persistence worker's referential-integrity
// retry path (spec §4.5 step 7) against a catalog that is only
// eventually consistent, without a real database. With VisibilityDelay
// zero (the default) it is immediately consistent.
type MemoryCatalog struct {
	mu              sync.Mutex
	VisibilityDelay time.Duration

	snapshots map[string]*snapshotRow
	chunks    map[string]*chunkRow
	files     map[string]*FileManifest
}

type snapshotRow struct {
	snap      Snapshot
	visibleAt time.Time
}

type chunkRow struct {
	chunk     ChunkMetadata
	visibleAt time.Time
}

// NewMemoryCatalog builds an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		snapshots: make(map[string]*snapshotRow),
		chunks:    make(map[string]*chunkRow),
		files:     make(map[string]*FileManifest),
	}
}

type memTxn struct {
	cat *MemoryCatalog

	pendingSnapshots []Snapshot
	pendingChunks    []ChunkMetadata
	pendingFiles     []FileManifest

	done bool
}

// BeginTx opens a buffered transaction; writes are staged until Commit.
func (c *MemoryCatalog) BeginTx(context.Context) (Txn, error) {
	return &memTxn{cat: c}, nil
}

func asMemTxn(tx Txn) (*memTxn, error) {
	t, ok := tx.(*memTxn)
	if !ok {
		return nil, fmt.Errorf("catalog: txn not from MemoryCatalog")
	}
	if t.done {
		return nil, fmt.Errorf("catalog: txn already committed or rolled back")
	}
	return t, nil
}

func (c *MemoryCatalog) CreateSnapshot(_ context.Context, tx Txn, snap Snapshot) error {
	t, err := asMemTxn(tx)
	if err != nil {
		return err
	}
	t.pendingSnapshots = append(t.pendingSnapshots, snap)
	return nil
}

func (c *MemoryCatalog) GetSnapshot(_ context.Context, _ Txn, id string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.snapshots[id]
	if !ok || time.Now().Before(row.visibleAt) {
		return nil, ErrNotFound
	}
	snap := row.snap
	return &snap, nil
}

func (c *MemoryCatalog) UpdateSnapshot(_ context.Context, tx Txn, snap Snapshot) error {
	t, err := asMemTxn(tx)
	if err != nil {
		return err
	}
	t.pendingSnapshots = append(t.pendingSnapshots, snap)
	return nil
}

func (c *MemoryCatalog) ListSnapshots(context.Context) ([]Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	out := make([]Snapshot, 0, len(c.snapshots))
	for _, row := range c.snapshots {
		if now.Before(row.visibleAt) {
			continue
		}
		out = append(out, row.snap)
	}
	return out, nil
}

func (c *MemoryCatalog) UpsertChunk(_ context.Context, tx Txn, chunk ChunkMetadata) error {
	t, err := asMemTxn(tx)
	if err != nil {
		return err
	}
	t.pendingChunks = append(t.pendingChunks, chunk)
	return nil
}

func (c *MemoryCatalog) GetChunk(_ context.Context, _ Txn, fingerprint string) (*ChunkMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.chunks[fingerprint]
	if !ok || time.Now().Before(row.visibleAt) {
		return nil, ErrNotFound
	}
	chunk := row.chunk
	return &chunk, nil
}

func (c *MemoryCatalog) InsertFile(ctx context.Context, tx Txn, manifest FileManifest) error {
	return c.InsertFiles(ctx, tx, []FileManifest{manifest})
}

func (c *MemoryCatalog) InsertFiles(_ context.Context, tx Txn, manifests []FileManifest) error {
	t, err := asMemTxn(tx)
	if err != nil {
		return err
	}

	// Referential integrity is checked against already-visible rows plus
	// anything staged earlier in this same transaction (spec I1, I2).
	for _, m := range manifests {
		if !c.snapshotKnown(t, m.SnapshotID) {
			return fmt.Errorf("%w: snapshot %s not visible", ErrReferentialIntegrity, m.SnapshotID)
		}
		for _, h := range m.ChunkHashes {
			if !c.chunkKnown(t, h) {
				return fmt.Errorf("%w: chunk %s not visible", ErrReferentialIntegrity, h)
			}
		}
	}
	t.pendingFiles = append(t.pendingFiles, manifests...)
	return nil
}

func (c *MemoryCatalog) snapshotKnown(t *memTxn, id string) bool {
	for _, s := range t.pendingSnapshots {
		if s.ID == id {
			return true
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.snapshots[id]
	return ok && !time.Now().Before(row.visibleAt)
}

func (c *MemoryCatalog) chunkKnown(t *memTxn, fingerprint string) bool {
	for _, ch := range t.pendingChunks {
		if ch.Fingerprint == fingerprint {
			return true
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.chunks[fingerprint]
	return ok && !time.Now().Before(row.visibleAt)
}

func (t *memTxn) Commit(context.Context) error {
	if t.done {
		return fmt.Errorf("catalog: txn already committed or rolled back")
	}
	t.done = true

	c := t.cat
	c.mu.Lock()
	defer c.mu.Unlock()

	visibleAt := time.Now().Add(c.VisibilityDelay)

	for _, snap := range t.pendingSnapshots {
		c.snapshots[snap.ID] = &snapshotRow{snap: snap, visibleAt: visibleAt}
	}
	for _, chunk := range t.pendingChunks {
		existing, ok := c.chunks[chunk.Fingerprint]
		if ok {
			merged := existing.chunk
			merged.RefCount += chunk.RefCount
			merged.LastAccess = chunk.LastAccess
			if chunk.Size > 0 {
				merged.Size = chunk.Size
			}
			c.chunks[chunk.Fingerprint] = &chunkRow{chunk: merged, visibleAt: existing.visibleAt}
			continue
		}
		c.chunks[chunk.Fingerprint] = &chunkRow{chunk: chunk, visibleAt: visibleAt}
	}
	for i := range t.pendingFiles {
		m := t.pendingFiles[i]
		c.files[m.ID] = &m
	}
	return nil
}

func (t *memTxn) Rollback(context.Context) error {
	t.done = true
	return nil
}

// Close releases resources; a no-op for the in-memory catalog.
func (c *MemoryCatalog) Close() error { return nil }
