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
	"context"
	"sync"
)

// Confirmation responses on the wire.
const (
	ResponseYes = "yes"
	ResponseNo  = "no"
)

// NormalizeResponse maps anything that is not exactly "yes" to "no".
// Confirmations guard destructive actions, so unknown input denies.
func NormalizeResponse(response string) string {
	if response == ResponseYes {
		return ResponseYes
	}
	return ResponseNo
}

// ConfirmationSlot is a single-shot rendezvous between the reasoning
// loop (which waits) and the event bridge (which resolves). Resolving
// more than once is a no-op; the first answer wins.
type ConfirmationSlot struct {
	once sync.Once
	ch   chan string
}

// NewConfirmationSlot builds an unresolved slot.
func NewConfirmationSlot() *ConfirmationSlot {
	return &ConfirmationSlot{ch: make(chan string, 1)}
}

// Resolve delivers the user's answer. It never blocks.
func (s *ConfirmationSlot) Resolve(response string) {
	s.once.Do(func() {
		s.ch <- NormalizeResponse(response)
	})
}

// Wait blocks until the slot is resolved or ctx is done. Confirmation
// waits carry no timeout; disconnect resolves the slot with "no" and
// cancels ctx, whichever the loop observes first.
func (s *ConfirmationSlot) Wait(ctx context.Context) (string, error) {
	select {
	case response := <-s.ch:
		return response, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
