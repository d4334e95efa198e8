// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"log/slog"
	"sync"

	"github.com/kodiakworks/kodiak/services/agent/datatypes"
)

// Emitter delivers one event frame to a client. Implementations must be
// safe for concurrent use; within one session, frames arrive in the
// order they were emitted.
type Emitter interface {
	Emit(event string, payload any) error
}

// WriteFunc adapts a raw frame writer (a websocket connection in
// production, a slice append in tests) to the SerialEmitter's sink.
type WriteFunc func(datatypes.Frame) error

// SerialEmitter funnels frames from any number of goroutines through a
// single writer goroutine, which is both the per-session ordering
// guarantee and the one-writer rule gorilla/websocket imposes.
//
// After Close, emits are dropped: a disconnected client has no use for
// them and the loop discards results for gone sessions anyway.
type SerialEmitter struct {
	frames chan datatypes.Frame
	stop   chan struct{}
	done   chan struct{}
	write  WriteFunc
	logger *slog.Logger

	closeOnce sync.Once
}

// NewSerialEmitter starts the writer goroutine over write.
func NewSerialEmitter(write WriteFunc, logger *slog.Logger) *SerialEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &SerialEmitter{
		frames: make(chan datatypes.Frame, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		write:  write,
		logger: logger,
	}
	go e.run()
	return e
}

func (e *SerialEmitter) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case f := <-e.frames:
			if err := e.write(f); err != nil {
				e.logger.Debug("frame write failed", "event", f.Event, "error", err)
			}
		}
	}
}

// Emit queues one frame. Marshal failures are returned so the caller can
// log and drop rather than send a half-built frame; emits after Close
// return nil and are discarded.
func (e *SerialEmitter) Emit(event string, payload any) error {
	f, err := datatypes.NewFrame(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-e.stop:
		return nil
	case e.frames <- f:
		return nil
	}
}

// Close stops the writer goroutine and waits for it to exit. Frames
// still queued are dropped. Safe to call more than once.
func (e *SerialEmitter) Close() {
	e.closeOnce.Do(func() { close(e.stop) })
	<-e.done
}
