// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hashing wraps the BLAKE3 primitive behind the interfaces the
// ingest pipeline consumes. Treated as an external primitive by the core
// (spec §1, §6): one-shot and incremental hashing only, no chunking logic.
package hashing

import (
	"encoding/hex"
	"io"

	"lukechampine.com/blake3"
)

// Hasher is a pure function fingerprint source: hash(bytes) -> hex string.
type Hasher interface {
	Hash(data []byte) string
	Incremental() IncrementalHasher
}

// IncrementalHasher feeds bytes in multiple calls and finalizes once.
type IncrementalHasher interface {
	io.Writer
	Finalize() string
}

// Blake3Hasher is the production Hasher backed by lukechampine.com/blake3.
type Blake3Hasher struct{}

// New returns the default BLAKE3-backed Hasher.
func New() *Blake3Hasher { return &Blake3Hasher{} }

// Hash returns the hex-encoded BLAKE3-256 digest of data.
func (Blake3Hasher) Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Incremental returns a fresh incremental hasher.
func (Blake3Hasher) Incremental() IncrementalHasher {
	return &incrementalState{h: blake3.New(32, nil)}
}

type incrementalState struct {
	h *blake3.Hasher
}

func (s *incrementalState) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

func (s *incrementalState) Finalize() string {
	sum := s.h.Sum(nil)
	return hex.EncodeToString(sum)
}

// EmptyHash is the BLAKE3-256 digest of the empty byte string, used for
// zero-length files (spec §4.3 step 2).
var EmptyHash = New().Hash(nil)
