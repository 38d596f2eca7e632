// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state persists long-running task records.
//
// The store is the only channel between the request handler that accepts a
// query, the background worker that answers it, and the pollers that check
// on it. It is a BadgerDB-backed key-value store mapping task id to a
// JSON-serialized TaskState, with one exclusive lock per task id so that
// read-modify-write sequences from the worker cannot race with each other
// or with the lazy timeout transition performed by pollers. Locks are
// per-key; operations on different tasks never contend.
//
// # Thread Safety
//
// All methods are safe for concurrent use from any number of goroutines.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianScholar/services/scholar/datatypes"
)

// Sentinel errors. Callers match with errors.Is.
var (
	// ErrDuplicateTask is returned by Create when the task id already exists.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrNoSuchTask is returned when the task id has no record.
	ErrNoSuchTask = errors.New("no such task")

	// ErrCorruptState is returned when a persisted record cannot be decoded.
	// A poller must treat this as "still processing": a concurrent writer
	// may be mid-write, and the condition clears on a later read.
	ErrCorruptState = errors.New("task state cannot be decoded")
)

// TaskState is the persisted record for one task.
//
// TaskStatus doubles as the state machine field and the progress channel:
// it holds StatusStarted on creation, timestamp-prefixed progress strings
// while the worker runs (see SetProgress), and exactly one of
// StatusCompleted or StatusFailed at the end. TaskResult grows
// incrementally so pollers see partial answers before completion.
type TaskState struct {
	TaskID        string                `json:"task_id"`
	Query         string                `json:"query"`
	TaskStatus    string                `json:"task_status"`
	EstimatedTime string                `json:"estimated_time"`
	TaskResult    *datatypes.TaskResult `json:"task_result"`
	ExtraState    map[string]string     `json:"extra_state,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	EndedAt       time.Time             `json:"ended_at,omitzero"`
}

// SetProgress records a human-readable progress update, prefixed with a
// monotonic millisecond timestamp so consumers can order updates without
// trusting delivery order.
func (t *TaskState) SetProgress(msg string) {
	t.TaskStatus = fmt.Sprintf("%d: %s", time.Now().UnixMilli(), msg)
}

// Terminal reports whether the task has reached COMPLETED or FAILED.
func (t *TaskState) Terminal() bool {
	return t.TaskStatus == datatypes.StatusCompleted || t.TaskStatus == datatypes.StatusFailed
}

// SetError marks the task FAILED and captures the error text in ExtraState.
func (t *TaskState) SetError(err error) {
	t.TaskStatus = datatypes.StatusFailed
	if t.ExtraState == nil {
		t.ExtraState = make(map[string]string)
	}
	t.ExtraState["error"] = err.Error()
	t.EndedAt = time.Now()
}

// Config holds settings for opening a Store.
type Config struct {
	// Dir is the directory for the Badger files. Ignored when InMemory.
	Dir string

	// InMemory disables disk persistence. Used by tests.
	InMemory bool

	// SyncWrites forces an fsync per write. On for production so a progress
	// update survives a crash of the worker process.
	SyncWrites bool
}

// DefaultConfig returns production settings for the given state directory.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, SyncWrites: true}
}

// Store is a durable, lock-protected task record store.
type Store struct {
	db    *badger.DB
	locks sync.Map // task id -> *sync.Mutex
}

// Open opens (creating if needed) the store under cfg.Dir.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open task state store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// lockFor returns the exclusive lock for one task id, creating it on first
// use. Locks are never reclaimed; the working set is bounded by retention.
func (s *Store) lockFor(taskID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(taskID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create persists the initial record for a new task. It fails with
// ErrDuplicateTask if the id is already present.
func (s *Store) Create(ts TaskState) error {
	mu := s.lockFor(ts.TaskID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(ts.TaskID))
		if err == nil {
			return fmt.Errorf("task %s: %w", ts.TaskID, ErrDuplicateTask)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.setLocked(txn, ts)
	})
}

// Read returns the current record for the task. Decode failures surface as
// ErrCorruptState, which callers treat as a transient mid-write observation
// rather than a task failure.
func (s *Store) Read(taskID string) (TaskState, error) {
	var ts TaskState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(taskID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("task %s: %w", taskID, ErrNoSuchTask)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &ts); err != nil {
				return fmt.Errorf("task %s: %w", taskID, ErrCorruptState)
			}
			return nil
		})
	})
	if err != nil {
		return TaskState{}, err
	}
	return ts, nil
}

// Write atomically replaces the record. A write to an already-FAILED record
// is tolerated: a worker that outlived a poller-side timeout may still
// attempt its final write, and last-write-wins is the contract.
func (s *Store) Write(ts TaskState) error {
	mu := s.lockFor(ts.TaskID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return s.setLocked(txn, ts)
	})
}

// Update runs a read-modify-write sequence under the task's exclusive
// lock. The mutator sees the freshest record and its changes are persisted
// atomically; concurrent Updates on the same id serialize, so no logical
// update is ever silently lost.
func (s *Store) Update(taskID string, mutate func(*TaskState) error) error {
	mu := s.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(taskID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("task %s: %w", taskID, ErrNoSuchTask)
		}
		if err != nil {
			return err
		}
		var ts TaskState
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ts)
		}); err != nil {
			return fmt.Errorf("task %s: %w", taskID, ErrCorruptState)
		}
		if err := mutate(&ts); err != nil {
			return err
		}
		return s.setLocked(txn, ts)
	})
}

func (s *Store) setLocked(txn *badger.Txn, ts TaskState) error {
	buf, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", ts.TaskID, err)
	}
	return txn.Set([]byte(ts.TaskID), buf)
}
