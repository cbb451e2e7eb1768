// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package contentstore defines the content store contract (spec §6) and
// provides two implementations: a local-filesystem CAS and an S3-backed
// CAS. Out of the ingest core's scope per spec §1 — only the contract is
// consumed by the chunker.
package contentstore

import "context"

// Store is the external content store collaborator. store is idempotent
// by content hash and must be safe for concurrent callers (spec §6).
type Store interface {
	Store(ctx context.Context, fingerprint string, data []byte) error
	Exists(ctx context.Context, fingerprint string) (bool, error)
	Retrieve(ctx context.Context, fingerprint string) ([]byte, error)
}
