// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCatalog is a modernc.org/sqlite-backed Catalog. It opens a single
// connection in WAL mode, so every transaction is read-your-writes
// consistent the instant it commits — there is no staleness window to
// model here, unlike a replicated catalog (spec §9 open question b).
type SQLiteCatalog struct {
	db *sql.DB
}

// OpenSQLiteCatalog opens (creating if needed) a sqlite database at path
// and runs the schema migration.
func OpenSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	// A single physical connection makes "read your own writes" trivial
	// and avoids SQLITE_BUSY across goroutines contending for the one
	// writer sqlite allows.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	c := &SQLiteCatalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCatalog) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			file_count  INTEGER NOT NULL DEFAULT 0,
			total_bytes INTEGER NOT NULL DEFAULT 0,
			state       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			fingerprint TEXT PRIMARY KEY,
			size        INTEGER NOT NULL,
			first_seen  INTEGER NOT NULL,
			last_access INTEGER NOT NULL,
			ref_count   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id          TEXT PRIMARY KEY,
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
			path        TEXT NOT NULL,
			size        INTEGER NOT NULL,
			mod_time    INTEGER NOT NULL,
			file_hash   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_chunks (
			file_id     TEXT NOT NULL REFERENCES files(id),
			ordinal     INTEGER NOT NULL,
			fingerprint TEXT NOT NULL REFERENCES chunks(fingerprint),
			PRIMARY KEY (file_id, ordinal)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_snapshot ON files(snapshot_id)`,
	}
	for _, s := range stmts {
		if _, err := c.db.Exec(s); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

type sqliteTxn struct {
	tx *sql.Tx
}

// BeginTx opens a real sqlite transaction.
func (c *SQLiteCatalog) BeginTx(ctx context.Context) (Txn, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &sqliteTxn{tx: tx}, nil
}

func (t *sqliteTxn) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("%w: %v", ErrReferentialIntegrity, err)
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (t *sqliteTxn) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

func isConstraintErr(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as plain errors
	// carrying the sqlite message text; there is no typed sentinel, so a
	// substring check is the pragmatic option the driver documents.
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") || strings.Contains(msg, "UNIQUE constraint failed")
}

func txOf(tx Txn) (*sql.Tx, error) {
	t, ok := tx.(*sqliteTxn)
	if !ok {
		return nil, fmt.Errorf("catalog: txn not from SQLiteCatalog")
	}
	return t.tx, nil
}

func (c *SQLiteCatalog) CreateSnapshot(ctx context.Context, tx Txn, snap Snapshot) error {
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO snapshots (id, name, description, created_at, file_count, total_bytes, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Name, snap.Description, snap.CreatedAt.Unix(), snap.FileCount, snap.TotalBytes, int(snap.State))
	if err != nil {
		return fmt.Errorf("inserting snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (c *SQLiteCatalog) GetSnapshot(ctx context.Context, tx Txn, id string) (*Snapshot, error) {
	querier, err := c.querier(tx)
	if err != nil {
		return nil, err
	}
	row := querier.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, file_count, total_bytes, state
		FROM snapshots WHERE id = ?`, id)

	var snap Snapshot
	var createdAt int64
	var state int
	if err := row.Scan(&snap.ID, &snap.Name, &snap.Description, &createdAt, &snap.FileCount, &snap.TotalBytes, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", id, err)
	}
	snap.CreatedAt = time.Unix(createdAt, 0).UTC()
	snap.State = SnapshotState(state)
	return &snap, nil
}

func (c *SQLiteCatalog) UpdateSnapshot(ctx context.Context, tx Txn, snap Snapshot) error {
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}
	res, err := sqlTx.ExecContext(ctx, `
		UPDATE snapshots SET name = ?, description = ?, file_count = ?, total_bytes = ?, state = ?
		WHERE id = ?`,
		snap.Name, snap.Description, snap.FileCount, snap.TotalBytes, int(snap.State), snap.ID)
	if err != nil {
		return fmt.Errorf("updating snapshot %s: %w", snap.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *SQLiteCatalog) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, description, created_at, file_count, total_bytes, state
		FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var createdAt int64
		var state int
		if err := rows.Scan(&snap.ID, &snap.Name, &snap.Description, &createdAt, &snap.FileCount, &snap.TotalBytes, &state); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		snap.CreatedAt = time.Unix(createdAt, 0).UTC()
		snap.State = SnapshotState(state)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (c *SQLiteCatalog) UpsertChunk(ctx context.Context, tx Txn, chunk ChunkMetadata) error {
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO chunks (fingerprint, size, first_seen, last_access, ref_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			last_access = excluded.last_access,
			ref_count   = ref_count + excluded.ref_count`,
		chunk.Fingerprint, chunk.Size, chunk.FirstSeen.Unix(), chunk.LastAccess.Unix(), chunk.RefCount)
	if err != nil {
		return fmt.Errorf("upserting chunk %s: %w", chunk.Fingerprint, err)
	}
	return nil
}

func (c *SQLiteCatalog) GetChunk(ctx context.Context, tx Txn, fingerprint string) (*ChunkMetadata, error) {
	querier, err := c.querier(tx)
	if err != nil {
		return nil, err
	}
	row := querier.QueryRowContext(ctx, `
		SELECT fingerprint, size, first_seen, last_access, ref_count
		FROM chunks WHERE fingerprint = ?`, fingerprint)

	var chunk ChunkMetadata
	var firstSeen, lastAccess int64
	if err := row.Scan(&chunk.Fingerprint, &chunk.Size, &firstSeen, &lastAccess, &chunk.RefCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading chunk %s: %w", fingerprint, err)
	}
	chunk.FirstSeen = time.Unix(firstSeen, 0).UTC()
	chunk.LastAccess = time.Unix(lastAccess, 0).UTC()
	return &chunk, nil
}

func (c *SQLiteCatalog) InsertFile(ctx context.Context, tx Txn, manifest FileManifest) error {
	return c.InsertFiles(ctx, tx, []FileManifest{manifest})
}

func (c *SQLiteCatalog) InsertFiles(ctx context.Context, tx Txn, manifests []FileManifest) error {
	sqlTx, err := txOf(tx)
	if err != nil {
		return err
	}
	for _, m := range manifests {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO files (id, snapshot_id, path, size, mod_time, file_hash)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.SnapshotID, m.Path, m.Size, m.ModTime.Unix(), m.FileHash)
		if err != nil {
			if isConstraintErr(err) {
				return fmt.Errorf("%w: %v", ErrReferentialIntegrity, err)
			}
			return fmt.Errorf("inserting file %s: %w", m.Path, err)
		}
		for ordinal, fp := range m.ChunkHashes {
			_, err := sqlTx.ExecContext(ctx, `
				INSERT INTO file_chunks (file_id, ordinal, fingerprint) VALUES (?, ?, ?)`,
				m.ID, ordinal, fp)
			if err != nil {
				if isConstraintErr(err) {
					return fmt.Errorf("%w: %v", ErrReferentialIntegrity, err)
				}
				return fmt.Errorf("inserting file_chunks for %s: %w", m.Path, err)
			}
		}
	}
	return nil
}

// querier abstracts over *sql.DB and *sql.Tx so reads can run either
// inside an in-flight transaction or directly against the connection.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *SQLiteCatalog) querier(tx Txn) (querier, error) {
	if tx == nil {
		return c.db, nil
	}
	return txOf(tx)
}
