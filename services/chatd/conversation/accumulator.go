// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation implements the thread conversation engine: loading
// durable thread state, running streamed model generation, and persisting
// completed turns atomically.
//
// This file implements secure fragment accumulation for streaming replies.
// Fragments are stored in mlocked memory so partial model output cannot be
// swapped to disk, and are incrementally hashed for integrity logging.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// AccumulatorBufferSize is the size of the mlocked buffer for fragment
	// accumulation. 512 KB comfortably holds long model replies.
	AccumulatorBufferSize = 512 * 1024

	// minMlockLimitKB is the minimum mlock limit required in kilobytes.
	minMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// FragmentAccumulator collects streamed reply fragments into a single
// assistant message.
//
// # Description
//
// FragmentAccumulator abstracts fragment storage during model streaming,
// allowing secure (mlocked) and plain implementations depending on system
// capabilities. Fragments are hashed incrementally as they arrive.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
//
// # Limitations
//
//   - Buffer size is fixed (cannot grow dynamically)
//   - An accumulator cannot be reused after Finalize() or Destroy()
type FragmentAccumulator interface {
	// Write appends a fragment. Returns an error on overflow or after the
	// accumulator has been finalized or destroyed.
	Write(fragment string) error

	// Finalize returns the assembled reply and its SHA-256 hash (hex
	// encoded), then wipes the buffer. Can only be called once.
	Finalize() (reply string, hash string, err error)

	// Destroy wipes memory without returning data. Idempotent; use on
	// error paths where the accumulated reply is not needed.
	Destroy()

	// ID returns a unique identifier for this accumulator, for logging.
	ID() string
}

// secureFragmentAccumulator stores fragments in a memguard LockedBuffer:
// mlocked against swap, guard pages against overflow, explicit zeroing on
// Destroy.
type secureFragmentAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// plainFragmentAccumulator is the fallback for systems without sufficient
// mlock limits. Same contract, ordinary Go memory; data may be swapped to
// disk and wiping is best effort.
type plainFragmentAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// NewFragmentAccumulator creates an accumulator for one streamed reply.
//
// # Description
//
// Allocates a mlocked buffer of AccumulatorBufferSize bytes. If the mlock
// limit is insufficient and THREADLINE_INSECURE_MEMORY is not set, returns
// an error. With THREADLINE_INSECURE_MEMORY=true the plain implementation
// is used instead, with a warning.
//
// # Outputs
//
//   - FragmentAccumulator: ready for use (secure or plain)
//   - error: non-nil if allocation failed and no fallback is allowed
func NewFragmentAccumulator() (FragmentAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("THREADLINE_INSECURE_MEMORY") == "true" {
			return newPlainFragmentAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. "+
				"Raise the system limit or set THREADLINE_INSECURE_MEMORY=true",
			currentMlockLimitKB, minMlockLimitKB,
		)
	}

	buf := memguard.NewBuffer(AccumulatorBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", AccumulatorBufferSize)
	}
	buf.Melt()

	return &secureFragmentAccumulator{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

// PlainAccumulatorFactory builds plain accumulators unconditionally,
// regardless of mlock limits. Intended for tests and for deployments that
// have opted out of secure memory.
func PlainAccumulatorFactory() (FragmentAccumulator, error) {
	return newPlainFragmentAccumulator(), nil
}

func newPlainFragmentAccumulator() FragmentAccumulator {
	accID := uuid.New().String()
	slog.Warn("Created plain fragment accumulator - reply data may be swapped to disk",
		"accumulator_id", accID,
	)
	return &plainFragmentAccumulator{
		id:     accID,
		data:   make([]byte, 0, AccumulatorBufferSize),
		hasher: sha256.New(),
	}
}

// =============================================================================
// secureFragmentAccumulator
// =============================================================================

func (a *secureFragmentAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - reply too large")
	}

	fragBytes := []byte(fragment)
	if a.offset+len(fragBytes) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(fragBytes), AccumulatorBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], fragBytes)
	a.offset += len(fragBytes)
	a.hasher.Write(fragBytes)
	return nil
}

func (a *secureFragmentAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	reply := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized fragment accumulator",
		"accumulator_id", a.id,
		"reply_length", len(reply),
	)
	return reply, hashStr, nil
}

func (a *secureFragmentAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("Destroyed fragment accumulator", "accumulator_id", a.id)
}

func (a *secureFragmentAccumulator) ID() string {
	return a.id
}

func (a *secureFragmentAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// plainFragmentAccumulator
// =============================================================================

func (a *plainFragmentAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - reply too large")
	}

	fragBytes := []byte(fragment)
	if len(a.data)+len(fragBytes) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(fragBytes), AccumulatorBufferSize-len(a.data))
	}

	a.data = append(a.data, fragBytes...)
	a.hasher.Write(fragBytes)
	return nil
}

func (a *plainFragmentAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	reply := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return reply, hashStr, nil
}

func (a *plainFragmentAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *plainFragmentAccumulator) ID() string {
	return a.id
}

func (a *plainFragmentAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// mlock initialization
// =============================================================================

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB,
			)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK and compares it against the
// minimum required for a full accumulator buffer. Unix-like systems only.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// PurgeSecureMemory wipes all memguard-allocated memory. Called during
// graceful shutdown; also triggered on SIGINT/SIGTERM via CatchInterrupt.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
