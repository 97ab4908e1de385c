// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package journal persists a single 64-bit counter with crash-safe
// monotonic updates.
//
// The backing file is a ring of 16 slots, each 16 bytes:
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	| counter (u64 LE)                      |
//	+----+----+----+----+----+----+----+----+
//	| keyed checksum of counter (u64 LE)    |
//	+----+----+----+----+----+----+----+----+
//
// Updates write the next slot round-robin: counter word first, then the
// checksum word, then one msync of the mapping.  At any interruption at
// least one earlier slot still carries a valid checksum, so recovery
// always yields either the previous or the new value, never a torn one.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/bpowers/landfill/internal/checksum"
	"github.com/bpowers/landfill/internal/zero"
)

const (
	NumSlots = 16
	slotSize = 16
	fileSize = NumSlots * slotSize
)

// ErrCorrupt is returned by Open when no journal slot verifies.
var ErrCorrupt = errors.New("journal corrupt: no slot has a valid checksum")

// Journal is a crash-safe monotonic counter persisted on disk.
type Journal struct {
	mu    sync.Mutex // serialises Bump
	m     []byte     // mmap of the slot ring
	check checksum.Keyed
	last  int // slot holding the current value, guarded by mu

	counter atomic.Uint64
}

// Open maps the journal file at path, creating and initialising it if
// absent, and recovers the counter: the maximum value among slots whose
// checksum verifies.
func Open(path string, check checksum.Keyed, logger *slog.Logger) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err := f.Truncate(fileSize); err != nil {
		return nil, fmt.Errorf("f.Truncate: %w", err)
	}

	m, err := unix.Mmap(int(f.Fd()), 0, fileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("unix.Mmap(%s): %w", path, err)
	}

	j := &Journal{
		m:     m,
		check: check,
	}

	// a file of all zeroes was created above (or by a crash before the
	// first write); stamp every slot with a verifiable zero counter
	if zero.IsZero(m) {
		for i := 0; i < NumSlots; i++ {
			j.writeSlot(i, 0)
		}
		if err := unix.Msync(m, unix.MS_SYNC); err != nil {
			_ = unix.Munmap(m)
			return nil, fmt.Errorf("unix.Msync: %w", err)
		}
		return j, nil
	}

	best := -1
	var bestValue uint64
	for i := 0; i < NumSlots; i++ {
		counter, sum := j.readSlot(i)
		if j.check.SumUint64(counter) != sum {
			continue
		}
		if best < 0 || counter >= bestValue {
			best = i
			bestValue = counter
		}
	}
	if best < 0 {
		_ = unix.Munmap(m)
		return nil, fmt.Errorf("%s: %w", path, ErrCorrupt)
	}
	j.counter.Store(bestValue)
	j.last = best
	if bestValue > 0 {
		logger.Debug("journal recovered", "path", path, "counter", bestValue, "slot", best)
	}
	return j, nil
}

// Read returns the current counter.  It is lock-free.
func (j *Journal) Read() uint64 {
	return j.counter.Load()
}

// Bump advances the counter by delta, persists the new value, and
// returns it.  delta must be nonzero: updates are strictly incremental.
func (j *Journal) Bump(delta uint64) (uint64, error) {
	if delta == 0 {
		panic("invariant broken: journal updates must be strictly incremental")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	next := j.counter.Load() + delta
	slot := (j.last + 1) % NumSlots
	j.writeSlot(slot, next)
	if err := unix.Msync(j.m, unix.MS_SYNC); err != nil {
		return 0, fmt.Errorf("unix.Msync: %w", err)
	}

	// only publish after the barrier: a crash before this point
	// recovers the previous value
	j.counter.Store(next)
	j.last = slot
	return next, nil
}

// Close unmaps the journal.  The counter remains readable but Bump must
// not be called afterwards.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.m == nil {
		return nil
	}
	m := j.m
	j.m = nil
	if err := unix.Munmap(m); err != nil {
		return fmt.Errorf("unix.Munmap: %w", err)
	}
	return nil
}

func (j *Journal) readSlot(i int) (counter, sum uint64) {
	s := j.m[i*slotSize : i*slotSize+slotSize]
	counter = binary.LittleEndian.Uint64(s[:8])
	sum = binary.LittleEndian.Uint64(s[8:])
	return counter, sum
}

func (j *Journal) writeSlot(i int, counter uint64) {
	s := j.m[i*slotSize : i*slotSize+slotSize]
	// counter word strictly before its checksum: a slot torn between
	// the two stores fails verification and is ignored by recovery
	binary.LittleEndian.PutUint64(s[:8], counter)
	binary.LittleEndian.PutUint64(s[8:], j.check.SumUint64(counter))
}
