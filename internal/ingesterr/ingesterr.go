// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ingesterr classifies the errors the ingest pipeline can produce.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind classifies an ingest error for counting, retry, and propagation
// decisions. See spec §7.
type Kind int

const (
	// KindInvalidInput covers a missing/unreadable root or file, a
	// non-positive chunk size, or configuration out of range. Never
	// retried.
	KindInvalidInput Kind = iota
	// KindTransientIO covers read errors, a full queue, buffer
	// allocation failures, and catalog connection blips. Retried per
	// the policies in spec §4.
	KindTransientIO
	// KindReferentialIntegrity covers a snapshot or chunk row not yet
	// visible to the committing transaction. Retried with bounded
	// backoff; surfaces as a file-level error if exhausted.
	KindReferentialIntegrity
	// KindVanishedOrDenied covers NoSuchFile/AccessDenied observed
	// during scan or chunking. Classified as skipped, not errored.
	KindVanishedOrDenied
	// KindChangedDuringScan covers a file whose size differs between
	// the whole-file hash pass and the per-chunk reads.
	KindChangedDuringScan
	// KindCancelled covers a cooperative cancel observed mid-task.
	KindCancelled
	// KindFatal covers snapshot creation/verify failure, a wholly
	// unavailable catalog, or a closed buffer pool. Aborts the run.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindTransientIO:
		return "transient_io"
	case KindReferentialIntegrity:
		return "referential_integrity"
	case KindVanishedOrDenied:
		return "vanished_or_denied"
	case KindChangedDuringScan:
		return "changed_during_scan"
	case KindCancelled:
		return "cancelled"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error value carried through the pipeline. It wraps
// an underlying cause, so errors.Is/errors.As keep working against it.
type Error struct {
	Kind    Kind
	Path    string // empty when not applicable
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.causeText())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.causeText())
}

func (e *Error) causeText() string {
	if e.Cause != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, path, message string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Message: message, Cause: cause}
}

// Wrap re-classifies an existing error under kind, preserving the chain.
func Wrap(kind Kind, path string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, with
// KindFatal as the default for unclassified errors — an error this
// pipeline didn't originate is treated as unexpected, not recoverable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsSkipped reports whether err should be counted as a skip rather than a
// hard failure (spec §7, kind 4).
func IsSkipped(err error) bool {
	return KindOf(err) == KindVanishedOrDenied
}

// IsCancelled reports whether err represents a cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
