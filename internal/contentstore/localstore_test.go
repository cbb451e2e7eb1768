// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package contentstore

import (
	"context"
	"sync"
	"testing"
)

func TestLocalStoreStoreExistsRetrieve(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	fp := "abcd1234deadbeef"
	data := []byte("chunk payload")

	ok, err := s.Exists(ctx, fp)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("expected object to not exist yet")
	}

	if err := s.Store(ctx, fp, data); err != nil {
		t.Fatalf("Store: %v", err)
	}

	ok, err = s.Exists(ctx, fp)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("expected object to exist after Store")
	}

	got, err := s.Retrieve(ctx, fp)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Retrieve returned %q, want %q", got, data)
	}
}

func TestLocalStoreStoreIsIdempotent(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	fp := "feedface00112233"

	if err := s.Store(ctx, fp, []byte("first")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Store(ctx, fp, []byte("second-should-be-ignored")); err != nil {
		t.Fatalf("second Store: %v", err)
	}

	got, err := s.Retrieve(ctx, fp)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("expected first write to win, got %q", got)
	}
}

func TestLocalStoreRetrieveMissingErrors(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if _, err := s.Retrieve(context.Background(), "0000000000000000"); err == nil {
		t.Fatalf("expected error retrieving a fingerprint never stored")
	}
}

func TestLocalStoreConcurrentStoreSameFingerprint(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()
	fp := "0123456789abcdef"
	data := []byte("payload")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Store(ctx, fp, data); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Store returned error: %v", err)
	}

	got, err := s.Retrieve(ctx, fp)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Retrieve returned %q, want %q", got, data)
	}
}
