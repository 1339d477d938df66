// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"

	"github.com/briefwise/briefwise/pkg/logging"
)

// accumulatorBufferSize bounds one assistant response. 512 KB is
// roughly 130k tokens, far past any configured MaxTokens.
const accumulatorBufferSize = 512 * 1024

// minMlockLimitKB is the mlock limit required for the secure path.
const minMlockLimitKB = 512

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
	mlockLimitKB     int64
)

// tokenAccumulator assembles streamed chunks into the final assistant
// message. Answers can contain privileged legal matter, so the secure
// implementation keeps them in mlocked memory until persistence.
//
// An accumulator cannot be reused after Finalize or Destroy.
type tokenAccumulator interface {
	Write(chunk string) error
	// Finalize returns the assembled answer and its SHA-256 hex hash,
	// then wipes the buffer.
	Finalize() (answer string, digest string, err error)
	// Destroy wipes without returning data. Idempotent.
	Destroy()
}

// newTokenAccumulator returns a mlocked accumulator, or the plain-heap
// fallback when the mlock limit is too low and
// BRIEFWISE_INSECURE_MEMORY=true acknowledges the downgrade.
func newTokenAccumulator(logger *logging.Logger) (tokenAccumulator, error) {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit(logger)
	})

	if !mlockSufficient {
		if os.Getenv("BRIEFWISE_INSECURE_MEMORY") != "true" {
			return nil, fmt.Errorf(
				"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set BRIEFWISE_INSECURE_MEMORY=true",
				mlockLimitKB, minMlockLimitKB)
		}
		logger.Warn("using insecure response buffer, mlock limit too low",
			"limit_kb", mlockLimitKB, "required_kb", minMlockLimitKB)
		return &heapAccumulator{
			data:   make([]byte, 0, accumulatorBufferSize),
			hasher: sha256.New(),
		}, nil
	}

	buf := memguard.NewBuffer(accumulatorBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", accumulatorBufferSize)
	}
	buf.Melt()
	return &secureAccumulator{buffer: buf, hasher: sha256.New()}, nil
}

func checkMlockLimit(logger *logging.Logger) (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		logger.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// =============================================================================
// Secure implementation
// =============================================================================

type secureAccumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("response buffer overflow")
	}
	if a.offset+len(chunk) > accumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("response buffer overflow: need %d bytes, have %d remaining",
			len(chunk), accumulatorBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], chunk)
	a.offset += len(chunk)
	a.hasher.Write([]byte(chunk))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, digest, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Heap fallback
// =============================================================================

type heapAccumulator struct {
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *heapAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("response buffer overflow")
	}
	if len(a.data)+len(chunk) > accumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("response buffer overflow: need %d bytes, have %d remaining",
			len(chunk), accumulatorBufferSize-len(a.data))
	}

	a.data = append(a.data, chunk...)
	a.hasher.Write([]byte(chunk))
	return nil
}

func (a *heapAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, digest, nil
}

func (a *heapAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

// wipe zeros the slice before release. Best effort only; the GC may
// have copied the backing array.
func (a *heapAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}
