// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/klauspost/pgzip"
)

// S3Store is a content-addressed store backed by an S3 bucket. Chunk
// bytes are transparently gzip-compressed (via the teacher's pgzip
// dependency, parallel on multi-core hosts) before PutObject and
// decompressed on Retrieve; the fingerprint always addresses the raw,
// uncompressed bytes, so I1/I4 hold regardless of the storage
// representation.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds an S3Store using the default AWS credential chain
// (environment, shared config, IMDS) via aws-sdk-go-v2/config, exactly as
// the teacher's remote-storage configuration does.
func NewS3Store(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *S3Store) key(fingerprint string) string {
	if s.prefix == "" {
		return fingerprint
	}
	return s.prefix + "/" + fingerprint
}

// Store gzips data and uploads it under the fingerprint's key. Idempotent
// by fingerprint: an existing object is left untouched.
func (s *S3Store) Store(ctx context.Context, fingerprint string, data []byte) error {
	if exists, err := s.Exists(ctx, fingerprint); err != nil {
		return fmt.Errorf("checking existing object %s: %w", fingerprint, err)
	} else if exists {
		return nil
	}

	var buf bytes.Buffer
	gz, err := pgzip.NewWriterLevel(&buf, pgzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return fmt.Errorf("compressing object %s: %w", fingerprint, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("flushing compressed object %s: %w", fingerprint, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key(fingerprint)),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("uploading object %s: %w", fingerprint, err)
	}
	return nil
}

// Exists reports whether fingerprint has an object in the bucket.
func (s *S3Store) Exists(ctx context.Context, fingerprint string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fingerprint)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}
	return false, fmt.Errorf("checking object %s: %w", fingerprint, err)
}

// Retrieve downloads and decompresses the object stored under
// fingerprint.
func (s *S3Store) Retrieve(ctx context.Context, fingerprint string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fingerprint)),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading object %s: %w", fingerprint, err)
	}
	defer out.Body.Close()

	gz, err := pgzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("opening gzip reader for %s: %w", fingerprint, err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompressing object %s: %w", fingerprint, err)
	}
	return data, nil
}
