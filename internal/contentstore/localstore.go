// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package contentstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore is a content-addressed store rooted at a local directory.
// Objects are sharded two levels deep by the first four hex characters of
// their fingerprint (ab/cd/<fingerprint>), the same shape as the
// teacher's AtomicWriter layout adapted from per-backup directories to
// per-fingerprint objects. Writes land in a temp file and are renamed
// into place, so a concurrent Exists never observes a partial write.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates baseDir if needed and returns a LocalStore rooted
// there.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating content store directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (s *LocalStore) path(fingerprint string) string {
	if len(fingerprint) < 4 {
		return filepath.Join(s.baseDir, fingerprint)
	}
	return filepath.Join(s.baseDir, fingerprint[0:2], fingerprint[2:4], fingerprint)
}

// Store writes data under fingerprint. Idempotent: if the object already
// exists, Store is a no-op (spec §4.3: storing a chunk that already
// exists is not an error).
func (s *LocalStore) Store(_ context.Context, fingerprint string, data []byte) error {
	dst := s.path(fingerprint)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp object: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		if _, statErr := os.Stat(dst); statErr == nil {
			return nil // lost a race with a concurrent Store of the same fingerprint
		}
		return fmt.Errorf("renaming temp object into place: %w", err)
	}
	return nil
}

// Exists reports whether fingerprint has been stored.
func (s *LocalStore) Exists(_ context.Context, fingerprint string) (bool, error) {
	_, err := os.Stat(s.path(fingerprint))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Retrieve reads the object stored under fingerprint.
func (s *LocalStore) Retrieve(_ context.Context, fingerprint string) ([]byte, error) {
	data, err := os.ReadFile(s.path(fingerprint))
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", fingerprint, err)
	}
	return data, nil
}
