// Copyright (C) 2026 Kodiak Works (maintainers@kodiakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package haven

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// AuthHeader carries the shared key on every havend request.
const AuthHeader = "X-Haven-Key"

// minMlockLimitKB is the smallest mlock limit that still fits the key
// buffer plus memguard's guard pages.
const minMlockLimitKB = 64

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// initMemguard checks mlock limits once per process and registers the
// interrupt handler that purges locked memory on SIGINT/SIGTERM.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit too low for locked key storage",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
				"fallback", "set KODIAK_INSECURE_MEMORY=true to accept plain memory")
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// Key holds the shared auth secret. When the system allows it the
// bytes live in a memguard LockedBuffer (mlocked, guarded, wiped on
// destroy); otherwise, with KODIAK_INSECURE_MEMORY=true, they live in
// ordinary memory.
type Key struct {
	mu    sync.Mutex
	buf   *memguard.LockedBuffer
	plain []byte
	gone  bool
}

// NewKey wraps secret in locked memory. The caller's string is beyond
// our reach, but every copy we control is wiped on Destroy.
func NewKey(secret string, logger *slog.Logger) (*Key, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth key must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("KODIAK_INSECURE_MEMORY") != "true" {
			return nil, fmt.Errorf(
				"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set KODIAK_INSECURE_MEMORY=true",
				currentMlockLimitKB, minMlockLimitKB)
		}
		logger.Warn("holding auth key in plain memory", "mlock_limit_kb", currentMlockLimitKB)
		return &Key{plain: []byte(secret)}, nil
	}

	buf := memguard.NewBuffer(len(secret))
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate locked buffer of %d bytes", len(secret))
	}
	buf.Melt()
	copy(buf.Bytes(), secret)
	buf.Freeze()
	return &Key{buf: buf}, nil
}

// GenerateKey mints a random key, returning both the holder and the
// hex form for the operator to hand to the other side.
func GenerateKey(logger *slog.Logger) (*Key, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating auth key: %w", err)
	}
	secret := hex.EncodeToString(raw)
	k, err := NewKey(secret, logger)
	if err != nil {
		return nil, "", err
	}
	return k, secret, nil
}

// Verify compares candidate against the held key in constant time.
func (k *Key) Verify(candidate string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.gone || candidate == "" {
		return false
	}
	held := k.plain
	if k.buf != nil {
		held = k.buf.Bytes()
	}
	return subtle.ConstantTimeCompare(held, []byte(candidate)) == 1
}

// Reveal copies the key out for callers that must place it on the
// wire (the client's request header).
func (k *Key) Reveal() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.gone {
		return ""
	}
	if k.buf != nil {
		return string(k.buf.Bytes())
	}
	return string(k.plain)
}

// Destroy wipes the key material. Idempotent.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.gone {
		return
	}
	if k.buf != nil {
		k.buf.Destroy()
		k.buf = nil
	}
	for i := range k.plain {
		k.plain[i] = 0
	}
	k.plain = nil
	k.gone = true
}

// PurgeSecureMemory wipes everything memguard allocated. Called on
// graceful shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
}
