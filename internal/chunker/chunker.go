// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package chunker implements the per-file fixed-size chunking algorithm
// (spec §4.3): split a regular file into fixed-size segments, hash each
// segment and the whole file, and store unique chunks in a
// content-addressed store.
package chunker

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nishisan-dev/chunkvault/internal/bufpool"
	"github.com/nishisan-dev/chunkvault/internal/contentstore"
	"github.com/nishisan-dev/chunkvault/internal/hashing"
	"github.com/nishisan-dev/chunkvault/internal/ingesterr"
	"github.com/nishisan-dev/chunkvault/internal/workerpool"
)

// defaultPoolBuffer is the size threshold below which the whole-file hash
// is taken in a single read; above it, an incremental hasher walks the
// file in defaultPoolBuffer-sized windows. It matches the largest buffer
// pool size class.
const defaultPoolBuffer = 1 << 20 // 1 MiB

const (
	defaultChunkSize           = 64 * 1024
	defaultMaxConcurrentChunks = 8
)

// Options parameterizes one ChunkFile call (spec §4.3).
type Options struct {
	ChunkSize           int64
	UseAsyncIO          bool
	DetectSparse        bool // accepted, not implemented (spec §9e)
	MaxConcurrentChunks int
	ProgressCB          func(chunkIndex int, hash string)
	StatusCB            func(status string)
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.MaxConcurrentChunks <= 0 {
		o.MaxConcurrentChunks = defaultMaxConcurrentChunks
	}
}

// Result is the success variant of a chunking result (spec §3 Chunking
// Result). Failures are returned as a classified *ingesterr.Error instead.
type Result struct {
	Path        string
	ChunkCount  int
	TotalSize   int64
	FileHash    string
	ChunkHashes []string
	ChunkSizes  []int64
}

// Chunker splits files into chunks, hashing and storing each one.
type Chunker struct {
	pool   *bufpool.Pool
	ioPool *workerpool.Pool
	hasher hashing.Hasher
	store  contentstore.Store
}

// New builds a Chunker. store may be nil, in which case chunk bytes are
// hashed but never persisted (useful for dry runs and tests).
func New(pool *bufpool.Pool, ioPool *workerpool.Pool, hasher hashing.Hasher, store contentstore.Store) *Chunker {
	return &Chunker{pool: pool, ioPool: ioPool, hasher: hasher, store: store}
}

// ChunkFile implements the §4.3 algorithm for one regular file.
func (c *Chunker) ChunkFile(ctx context.Context, path string, opts Options) (*Result, error) {
	opts.setDefaults()

	info, err := os.Stat(path)
	if err != nil {
		return nil, classifyStatErr(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, ingesterr.New(ingesterr.KindInvalidInput, path, "not a regular file", nil)
	}

	size := info.Size()
	if size == 0 {
		return &Result{Path: path, FileHash: hashing.EmptyHash}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, classifyStatErr(path, err)
	}
	defer f.Close()

	if opts.StatusCB != nil {
		opts.StatusCB("hashing")
	}

	fileHash, err := c.hashWholeFile(ctx, f, path, size)
	if err != nil {
		return nil, err
	}

	chunkCount := int((size + opts.ChunkSize - 1) / opts.ChunkSize)
	chunkHashes := make([]string, chunkCount)
	chunkSizes := make([]int64, chunkCount)
	for i := range chunkSizes {
		offset := int64(i) * opts.ChunkSize
		chunkSizes[i] = min(opts.ChunkSize, size-offset)
	}

	if opts.StatusCB != nil {
		opts.StatusCB("chunking")
	}

	if err := c.chunkAll(ctx, f, path, size, opts, chunkHashes); err != nil {
		return nil, err
	}

	finalInfo, err := f.Stat()
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindTransientIO, path, err)
	}
	if finalInfo.Size() != size {
		return nil, ingesterr.New(ingesterr.KindChangedDuringScan, path,
			fmt.Sprintf("size changed from %d to %d during chunking", size, finalInfo.Size()), nil)
	}

	if opts.StatusCB != nil {
		opts.StatusCB("done")
	}

	return &Result{
		Path:        path,
		ChunkCount:  chunkCount,
		TotalSize:   size,
		FileHash:    fileHash,
		ChunkHashes: chunkHashes,
		ChunkSizes:  chunkSizes,
	}, nil
}

func (c *Chunker) chunkAll(ctx context.Context, f *os.File, path string, size int64, opts Options, out []string) error {
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrentChunks))
	g, gctx := errgroup.WithContext(ctx)

	chunkCount := len(out)
	for i := 0; i < chunkCount; i++ {
		if err := sem.Acquire(gctx, 1); err != nil {
			return ingesterr.Wrap(ingesterr.KindCancelled, path, err)
		}

		idx := i
		offset := int64(idx) * opts.ChunkSize
		length := min(opts.ChunkSize, size-offset)

		g.Go(func() error {
			defer sem.Release(1)
			hash, err := c.processChunk(gctx, f, path, offset, length)
			if err != nil {
				return err
			}
			out[idx] = hash
			if opts.ProgressCB != nil {
				opts.ProgressCB(idx, hash)
			}
			return nil
		})
	}
	return g.Wait()
}

// processChunk reads one chunk's bytes on the io pool, hashes and stores
// them, and returns the chunk's fingerprint.
func (c *Chunker) processChunk(ctx context.Context, f *os.File, path string, offset, length int64) (string, error) {
	buf, err := c.pool.Acquire(int(length))
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.KindTransientIO, path, err)
	}
	defer buf.Release()

	type readOutcome struct {
		n   int
		err error
	}
	done := make(chan readOutcome, 1)

	c.ioPool.Submit(workerpool.Normal, func(context.Context) {
		n, err := f.ReadAt(buf.Bytes()[:length], offset)
		done <- readOutcome{n: n, err: err}
	})

	var outcome readOutcome
	select {
	case <-ctx.Done():
		return "", ingesterr.Wrap(ingesterr.KindCancelled, path, ctx.Err())
	case outcome = <-done:
	}

	if outcome.err != nil && outcome.err != io.EOF {
		return "", ingesterr.Wrap(ingesterr.KindTransientIO, path, outcome.err)
	}
	if int64(outcome.n) != length {
		return "", ingesterr.New(ingesterr.KindChangedDuringScan, path,
			fmt.Sprintf("expected %d bytes at offset %d, read %d", length, offset, outcome.n), nil)
	}

	data := make([]byte, length)
	copy(data, buf.Bytes()[:length])

	hash := c.hasher.Hash(data)

	if c.store != nil {
		if err := c.store.Store(ctx, hash, data); err != nil {
			return "", ingesterr.Wrap(ingesterr.KindTransientIO, path, err)
		}
	}
	return hash, nil
}

// hashWholeFile computes the whole-file fingerprint independently of the
// per-chunk pass, reading the same bytes (spec §4.3 step 4, I3).
func (c *Chunker) hashWholeFile(ctx context.Context, f *os.File, path string, size int64) (string, error) {
	if size <= defaultPoolBuffer {
		buf, err := c.pool.Acquire(int(size))
		if err != nil {
			return "", ingesterr.Wrap(ingesterr.KindTransientIO, path, err)
		}
		defer buf.Release()

		n, err := f.ReadAt(buf.Bytes()[:size], 0)
		if err != nil && err != io.EOF {
			return "", ingesterr.Wrap(ingesterr.KindTransientIO, path, err)
		}
		return c.hasher.Hash(buf.Bytes()[:n]), nil
	}

	inc := c.hasher.Incremental()
	var offset int64
	for offset < size {
		if err := ctx.Err(); err != nil {
			return "", ingesterr.Wrap(ingesterr.KindCancelled, path, err)
		}

		readLen := min(int64(defaultPoolBuffer), size-offset)
		buf, err := c.pool.Acquire(int(readLen))
		if err != nil {
			return "", ingesterr.Wrap(ingesterr.KindTransientIO, path, err)
		}

		n, err := f.ReadAt(buf.Bytes()[:readLen], offset)
		if err != nil && err != io.EOF {
			buf.Release()
			return "", ingesterr.Wrap(ingesterr.KindTransientIO, path, err)
		}
		inc.Write(buf.Bytes()[:n])
		buf.Release()

		offset += int64(n)
		if n == 0 {
			break
		}
	}
	return inc.Finalize(), nil
}

func classifyStatErr(path string, err error) error {
	if os.IsNotExist(err) || os.IsPermission(err) {
		return ingesterr.Wrap(ingesterr.KindVanishedOrDenied, path, err)
	}
	return ingesterr.Wrap(ingesterr.KindInvalidInput, path, err)
}
