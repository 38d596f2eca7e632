// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive persists per-task event traces for offline analysis.
//
// Archival is strictly best-effort. The pipeline calls a Sink after the
// task result has already been published; a sink failure is logged and
// never surfaces to the caller or changes the task outcome.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Sink stores one serialized event trace keyed by task id.
type Sink interface {
	Put(ctx context.Context, taskID string, payload []byte) error
}

// GCSSink writes traces as JSON objects into a Cloud Storage bucket under
// a date-partitioned prefix, e.g. traces/2026-08-31/<task_id>.json.
type GCSSink struct {
	client *storage.Client
	Bucket string
	Prefix string
}

// NewGCSSink opens a Cloud Storage client. When saKeyPath is empty the
// client falls back to application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix, saKeyPath string) (*GCSSink, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSink{client: client, Bucket: bucket, Prefix: prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, taskID string, payload []byte) error {
	objectPath := filepath.Join(s.Prefix, time.Now().UTC().Format("2006-01-02"), taskID+".json")
	obj := s.client.Bucket(s.Bucket).Object(objectPath)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(payload); err != nil {
		return fmt.Errorf("failed to write trace to GCS object %s: %w", objectPath, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", objectPath, err)
	}
	return nil
}

// DirSink writes traces into a local directory. It is the default when no
// bucket is configured and is what the test suite exercises.
type DirSink struct {
	Dir string
}

func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory %s: %w", dir, err)
	}
	return &DirSink{Dir: dir}, nil
}

func (s *DirSink) Put(_ context.Context, taskID string, payload []byte) error {
	path := filepath.Join(s.Dir, taskID+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write trace file %s: %w", path, err)
	}
	return nil
}

// NopSink discards traces. Used when archival is disabled.
type NopSink struct{}

func (NopSink) Put(_ context.Context, _ string, _ []byte) error { return nil }
