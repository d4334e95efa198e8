// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit persists the agent's activity trail in an embedded
// BadgerDB: client-reported audit events, loop and dispatcher trace
// entries, and sandbox watcher notifications. Keys are timestamp
// ordered so the recent tail reads back in one iterator pass.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kodiakworks/kodiak/pkg/fault"
)

// Trace event names written by the agent itself. Client-submitted
// events carry whatever name the client chose.
const (
	EventTaskStarted          = "task_started"
	EventTaskCompleted        = "task_completed"
	EventToolExecuted         = "tool_executed"
	EventConfirmationResolved = "confirmation_resolved"
	EventSandboxFile          = "sandbox_file"
)

// Entry is one audit or trace record.
type Entry struct {
	Timestamp   float64 `json:"timestamp"`
	Event       string  `json:"event"`
	Details     string  `json:"details"`
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	ControlFlow string  `json:"control_flow,omitempty"`
}

// Config holds store configuration. InMemory mode keeps everything in
// RAM and is what the tests use.
type Config struct {
	// Path is the directory for database files. Required unless
	// InMemory is set.
	Path string

	// InMemory disables disk persistence.
	InMemory bool

	// SyncWrites forces durable writes. On for production, off for
	// tests.
	SyncWrites bool

	// GCInterval is how often value log garbage collection runs.
	// Zero disables it; in-memory stores never run it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage fraction that triggers a rewrite.
	GCDiscardRatio float64

	Logger *slog.Logger
}

// DefaultConfig returns production defaults for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a test configuration.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the badger-backed audit log. Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	seq    atomic.Uint64
	stopGC chan struct{}
	doneGC chan struct{}
}

var keyPrefix = []byte("audit:")

// Open opens or creates the store. Callers own Close.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fault.New(fault.InvalidArgument, "audit store path is required for persistent mode")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fault.Wrap(fault.StoreError, err, "creating audit directory")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "opening audit database")
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("audit value log GC failed", "error", err)
			}
		}
	}
}

// Append writes one entry. A zero timestamp is stamped with the
// current time; the key carries a sequence suffix so entries written
// in the same nanosecond keep their order.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Event == "" {
		return fault.New(fault.InvalidArgument, "audit entry needs an event name")
	}

	now := time.Now()
	if e.Timestamp == 0 {
		e.Timestamp = float64(now.UnixNano()) / 1e9
	}
	val, err := json.Marshal(e)
	if err != nil {
		return fault.Wrap(fault.StoreError, err, "encoding audit entry")
	}

	key := fmt.Sprintf("%s%020d:%08d", keyPrefix, now.UnixNano(), s.seq.Add(1))
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return fault.Wrap(fault.StoreError, err, "writing audit entry")
	}
	return nil
}

// Recent returns the last limit entries in chronological order.
// limit <= 0 means everything.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, keyPrefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(keyPrefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.StoreError, err, "reading audit entries")
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// TaskStarted records the beginning of a reasoning loop.
func TaskStarted(sessionID, prompt string) Entry {
	return Entry{
		Event:       EventTaskStarted,
		Details:     prompt,
		Source:      sessionID,
		Destination: "agent",
	}
}

// TaskCompleted records loop termination with its outcome.
func TaskCompleted(sessionID, outcome string) Entry {
	return Entry{
		Event:       EventTaskCompleted,
		Details:     outcome,
		Source:      "agent",
		Destination: sessionID,
	}
}

// ToolExecuted records one dispatcher invocation.
func ToolExecuted(sessionID, tool, status string) Entry {
	return Entry{
		Event:       EventToolExecuted,
		Details:     fmt.Sprintf("%s: %s", tool, status),
		Source:      "agent",
		Destination: tool,
		ControlFlow: sessionID,
	}
}

// ConfirmationResolved records a user's answer to a confirmation
// request.
func ConfirmationResolved(sessionID, response string) Entry {
	return Entry{
		Event:       EventConfirmationResolved,
		Details:     response,
		Source:      sessionID,
		Destination: "agent",
	}
}

// SandboxFile records an out-of-band filesystem change seen by the
// watcher.
func SandboxFile(op, path string) Entry {
	return Entry{
		Event:       EventSandboxFile,
		Details:     op,
		Source:      "sandbox_watcher",
		Destination: path,
	}
}
