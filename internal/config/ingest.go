// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IngestConfig is the top-level configuration for one ingest run
// (backupctl), parameterizing the scanner, chunker and persistence
// worker, the worker-pool shutdown timeout, and the catalog/content-store
// backends.
type IngestConfig struct {
	Run     RunConfig      `yaml:"run"`
	Store   StoreConfig    `yaml:"store"`
	Catalog CatalogConfig  `yaml:"catalog"`
	Pools   PoolsConfig    `yaml:"pools"`
	Logging LoggingInfo    `yaml:"logging"`
	Cron    IngestCronInfo `yaml:"cron"`
}

// RunConfig parameterizes one ingest run (spec §6 CLI Surface).
type RunConfig struct {
	RootPath            string   `yaml:"root_path"`
	SnapshotID          string   `yaml:"snapshot_id"` // empty: mint a fresh id
	SnapshotName        string   `yaml:"snapshot_name"`
	ChunkSize           string   `yaml:"chunk_size"` // e.g. "64kb" (default)
	ChunkSizeRaw        int64    `yaml:"-"`
	Include             []string `yaml:"include"`
	Exclude             []string `yaml:"exclude"`
	MaxConcurrentFiles  int      `yaml:"max_concurrent_files"`
	MaxConcurrentChunks int      `yaml:"max_concurrent_chunks"`
	QueueCapacity       int      `yaml:"queue_capacity"`
	BatchSize           int      `yaml:"batch_size"`
	FollowSymlinks      bool     `yaml:"follow_symlinks"`
	MaxDepth            int      `yaml:"max_depth"`      // 0 = unlimited
	MaxBytesPerSec      string   `yaml:"max_bytes_per_sec"` // e.g. "50mb"; empty = unthrottled
	MaxBytesPerSecRaw   int64    `yaml:"-"`
}

// StoreConfig selects and configures the content store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "local" or "s3"
	Local   struct {
		Path string `yaml:"path"`
	} `yaml:"local"`
	S3 struct {
		Bucket string `yaml:"bucket"`
		Prefix string `yaml:"prefix"`
	} `yaml:"s3"`
}

// CatalogConfig selects and configures the metadata catalog backend.
type CatalogConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "memory"
	SQLite  struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
}

// PoolsConfig tunes the worker-pool manager; it holds no buffer-pool
// settings.
type PoolsConfig struct {
	ShutdownTimeout string `yaml:"shutdown_timeout"` // e.g. "30s"
}

// IngestCronInfo optionally schedules repeated ingest runs.
type IngestCronInfo struct {
	Schedule string `yaml:"schedule"` // empty: run once and exit
}

// LoadIngestConfig reads and validates an ingest YAML config file.
func LoadIngestConfig(path string) (*IngestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ingest config: %w", err)
	}

	var cfg IngestConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing ingest config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating ingest config: %w", err)
	}
	return &cfg, nil
}

func (c *IngestConfig) validate() error {
	if c.Run.RootPath == "" {
		return fmt.Errorf("run.root_path is required")
	}
	if c.Run.ChunkSize == "" {
		c.Run.ChunkSize = "64kb"
	}
	chunkSize, err := ParseByteSize(c.Run.ChunkSize)
	if err != nil {
		return fmt.Errorf("run.chunk_size: %w", err)
	}
	if chunkSize <= 0 {
		return fmt.Errorf("run.chunk_size must be positive, got %s", c.Run.ChunkSize)
	}
	c.Run.ChunkSizeRaw = chunkSize

	if c.Run.MaxConcurrentFiles <= 0 {
		c.Run.MaxConcurrentFiles = 4
	}
	if c.Run.MaxConcurrentChunks <= 0 {
		c.Run.MaxConcurrentChunks = 8
	}
	if c.Run.QueueCapacity <= 0 {
		c.Run.QueueCapacity = 10_000
	}
	if c.Run.BatchSize <= 0 {
		c.Run.BatchSize = 200
	}
	if c.Run.MaxBytesPerSec != "" {
		limit, err := ParseByteSize(c.Run.MaxBytesPerSec)
		if err != nil {
			return fmt.Errorf("run.max_bytes_per_sec: %w", err)
		}
		c.Run.MaxBytesPerSecRaw = limit
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = "local"
		if c.Store.Local.Path == "" {
			c.Store.Local.Path = "./data/store"
		}
	case "local":
		if c.Store.Local.Path == "" {
			return fmt.Errorf("store.local.path is required when store.backend is local")
		}
	case "s3":
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required when store.backend is s3")
		}
	default:
		return fmt.Errorf("store.backend must be local or s3, got %q", c.Store.Backend)
	}

	switch c.Catalog.Backend {
	case "":
		c.Catalog.Backend = "sqlite"
		if c.Catalog.SQLite.Path == "" {
			c.Catalog.SQLite.Path = "./data/catalog.db"
		}
	case "sqlite":
		if c.Catalog.SQLite.Path == "" {
			return fmt.Errorf("catalog.sqlite.path is required when catalog.backend is sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("catalog.backend must be sqlite or memory, got %q", c.Catalog.Backend)
	}

	if c.Pools.ShutdownTimeout == "" {
		c.Pools.ShutdownTimeout = "30s"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
