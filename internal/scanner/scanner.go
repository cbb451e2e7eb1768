// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scanner implements the directory scanner (C4): a bounded stream
// of regular-file paths rooted at a directory, honoring depth/symlink
// filters and progress callbacks. See spec §4.4.
package scanner

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/nishisan-dev/chunkvault/internal/ingesterr"
)

// Entry is one regular file yielded by a scan.
type Entry struct {
	Path    string
	Size    int64
	ModTime int64 // unix nanos
}

// Listener receives scan lifecycle events (spec §4.4).
type Listener interface {
	Started(root string)
	FileProcessed(path string, soFar, totalKnown int64)
	Completed(result Result)
	Error(path string, err error)
}

// NopListener implements Listener with no-ops; embed it to implement a
// subset of the interface.
type NopListener struct{}

func (NopListener) Started(string)                        {}
func (NopListener) FileProcessed(string, int64, int64)     {}
func (NopListener) Completed(Result)                       {}
func (NopListener) Error(string, error)                    {}

// Result summarizes one completed scan.
type Result struct {
	FilesVisited int64
	Skipped      int64
	Errored      int64
}

// Options configures one scan (spec §4.4).
type Options struct {
	MaxDepth        int // 0 = unlimited
	FollowSymlinks  bool
	IncludePatterns []string
	ExcludePatterns []string
}

// Scanner walks a directory tree depth-first, yielding regular files to a
// visitor and honoring a cooperative cancel flag.
type Scanner struct {
	opts     Options
	listener Listener
	cancel   atomic.Bool
}

// New builds a Scanner. listener may be nil (treated as NopListener).
func New(opts Options, listener Listener) *Scanner {
	if listener == nil {
		listener = NopListener{}
	}
	return &Scanner{opts: opts, listener: listener}
}

// Cancel requests cooperative termination; the walk stops at the next
// directory-entry boundary (spec §4.4 termination).
func (s *Scanner) Cancel() { s.cancel.Store(true) }

// Scan walks root depth-first, calling visit for every regular file that
// passes the include/exclude filters. Special files are skipped and
// counted; access-denied and vanished-during-walk paths are skipped with
// a warning, not treated as fatal.
func (s *Scanner) Scan(root string, visit func(Entry) error) (Result, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Result{}, ingesterr.New(ingesterr.KindInvalidInput, root, "root does not exist", err)
	}
	if !info.IsDir() {
		return Result{}, ingesterr.New(ingesterr.KindInvalidInput, root, "root is not a directory", nil)
	}

	s.listener.Started(root)

	var res Result
	seenCanonical := map[string]bool{}

	walkErr := s.walk(root, 0, seenCanonical, &res, visit)
	s.listener.Completed(res)
	if walkErr != nil {
		return res, walkErr
	}
	return res, nil
}

// walk visits dir and recurses into its subdirectories. seen tracks the
// canonical path of every directory currently open on this descent (the
// ancestor chain from root down to dir, inclusive): a directory reached
// again while its own canonical path is still marked is a symlink cycle,
// not merely a second path to the same target. The mark is pushed on
// entry and popped on return so sibling paths that happen to resolve to
// the same directory (two symlinks to one target, say) are each walked
// in turn rather than being treated as cyclic.
func (s *Scanner) walk(dir string, depth int, seen map[string]bool, res *Result, visit func(Entry) error) error {
	if s.cancel.Load() {
		return ingesterr.New(ingesterr.KindCancelled, dir, "scan cancelled", nil)
	}
	if s.opts.MaxDepth > 0 && depth >= s.opts.MaxDepth {
		return nil
	}

	real := dir
	if r, err := filepath.EvalSymlinks(dir); err == nil {
		real = r
	}
	if seen[real] {
		return nil // real is an ancestor of this descent: symlink cycle
	}
	seen[real] = true
	defer delete(seen, real)

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.listener.Error(dir, err)
		res.Skipped++
		return nil
	}

	for _, d := range entries {
		if s.cancel.Load() {
			return ingesterr.New(ingesterr.KindCancelled, dir, "scan cancelled", nil)
		}
		path := filepath.Join(dir, d.Name())

		typ := d.Type()
		if typ&fs.ModeSymlink != 0 {
			if !s.opts.FollowSymlinks {
				continue
			}
			real, err := filepath.EvalSymlinks(path)
			if err != nil {
				s.listener.Error(path, err)
				res.Skipped++
				continue
			}
			info, err := os.Stat(real)
			if err != nil {
				s.listener.Error(path, err)
				res.Skipped++
				continue
			}
			if info.IsDir() {
				if err := s.walk(real, depth+1, seen, res, visit); err != nil {
					return err
				}
				continue
			}
			if !info.Mode().IsRegular() {
				res.Skipped++
				continue
			}
			if !s.matches(path) {
				continue
			}
			if err := s.visitOne(path, info, res, visit); err != nil {
				return err
			}
			continue
		}

		if d.IsDir() {
			if err := s.walk(path, depth+1, seen, res, visit); err != nil {
				return err
			}
			continue
		}

		info, err := d.Info()
		if err != nil {
			s.listener.Error(path, err)
			res.Skipped++
			continue
		}
		if !info.Mode().IsRegular() {
			res.Skipped++ // special file (device, socket, fifo, ...)
			continue
		}
		if !s.matches(path) {
			continue
		}
		if err := s.visitOne(path, info, res, visit); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) visitOne(path string, info fs.FileInfo, res *Result, visit func(Entry) error) error {
	res.FilesVisited++
	s.listener.FileProcessed(path, res.FilesVisited, 0)

	err := visit(Entry{Path: path, Size: info.Size(), ModTime: info.ModTime().UnixNano()})
	if err != nil {
		if ingesterr.IsCancelled(err) {
			return err
		}
		s.listener.Error(path, err)
		res.Errored++
		return nil
	}
	return nil
}

// matches applies include/exclude glob filters against the basename and
// the full path, mirroring the teacher's scanner.isExcluded semantics
// generalized to also support positive include filters.
func (s *Scanner) matches(path string) bool {
	base := filepath.Base(path)
	if len(s.opts.IncludePatterns) > 0 {
		included := false
		for _, pat := range s.opts.IncludePatterns {
			if ok, _ := filepath.Match(pat, base); ok {
				included = true
				break
			}
			if ok, _ := filepath.Match(pat, path); ok {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, pat := range s.opts.ExcludePatterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return false
		}
		if ok, _ := filepath.Match(pat, path); ok {
			return false
		}
	}
	return true
}
