// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hashing

import "testing"

func TestHashDeterministic(t *testing.T) {
	h := New()
	data := []byte("the quick brown fox jumps over the lazy dog")

	a := h.Hash(data)
	b := h.Hash(data)
	if a != b {
		t.Fatalf("Hash not deterministic: %q != %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars (BLAKE3-256), got %d: %q", len(a), a)
	}
}

func TestHashDiffersOnDifferentInput(t *testing.T) {
	h := New()
	a := h.Hash([]byte("alpha"))
	b := h.Hash([]byte("beta"))
	if a == b {
		t.Fatalf("expected different hashes for different input, got %q for both", a)
	}
}

func TestEmptyHashMatchesHashOfNil(t *testing.T) {
	h := New()
	if h.Hash(nil) != EmptyHash {
		t.Fatalf("EmptyHash does not match Hash(nil)")
	}
	if h.Hash([]byte{}) != EmptyHash {
		t.Fatalf("EmptyHash does not match Hash of empty slice")
	}
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	h := New()
	data := []byte("some moderately long content split across writes")

	oneShot := h.Hash(data)

	inc := h.Incremental()
	inc.Write(data[:10])
	inc.Write(data[10:])
	got := inc.Finalize()

	if got != oneShot {
		t.Fatalf("incremental hash %q does not match one-shot hash %q", got, oneShot)
	}
}
