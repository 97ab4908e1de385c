// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bpowers/landfill/internal/journal"
	"github.com/bpowers/landfill/internal/rawbytes"
)

// AppendOnly is a monotonically growing sequence of byte slices.  Each
// slice returned by Append or Get keeps its address for the lifetime of
// the store, so callers may hold onto them while appending continues.
//
// The journal counter is the write head in bytes: everything below it
// is immutable and fully written, everything above is free space.  Data
// pages are flushed before the head is advanced, so after a crash the
// recovered head never points into partially written bytes.
type AppendOnly struct {
	raw  *rawbytes.RawBytes
	jrnl *journal.Journal

	mu   sync.Mutex // serialises Append
	head atomic.Uint64
}

// AppendOnly opens the named append-only byte store in the DB
// directory, creating it if absent.
func (db *DB) AppendOnly(name string) (*AppendOnly, error) {
	raw, err := db.openRaw("raw."+name, dataBaseShift)
	if err != nil {
		return nil, err
	}
	jrnl, err := db.openJournal(name)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	a := &AppendOnly{
		raw:  raw,
		jrnl: jrnl,
	}
	a.head.Store(jrnl.Read())
	db.register(a.Close)
	return a, nil
}

// Head returns the current write head in bytes.
func (a *AppendOnly) Head() uint64 {
	return a.head.Load()
}

// Append stores b and returns its offset together with a stable
// reference to the stored copy.
func (a *AppendOnly) Append(b []byte) (off uint64, ref []byte, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	off = a.head.Load()
	n := uint64(len(b))
	if err := a.raw.GrowTo(off + n); err != nil {
		return 0, nil, err
	}
	dst, err := a.raw.Bytes(off, n)
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return off, dst, nil
	}
	copy(dst, b)

	// the data barrier must complete before the head moves, or a crash
	// could recover a head covering bytes that never hit the disk
	if err := a.raw.Flush(off, n); err != nil {
		return 0, nil, err
	}
	if _, err := a.jrnl.Bump(n); err != nil {
		return 0, nil, err
	}
	a.head.Store(off + n)
	return off, dst, nil
}

// Get returns the n bytes at offset off.  It is lock-free; the range
// must lie below the write head.
func (a *AppendOnly) Get(off, n uint64) ([]byte, error) {
	head := a.head.Load()
	if n > head || off > head-n {
		return nil, fmt.Errorf("[%d, %d) beyond write head %d: %w", off, off+n, head, ErrOutOfRange)
	}
	return a.raw.Bytes(off, n)
}

// Flush synchronously writes all appended bytes back to their files.
// Individual appends already barrier their own range; this is for
// callers that want an explicit full sync point.
func (a *AppendOnly) Flush() error {
	return a.raw.Flush(0, a.head.Load())
}

// Close unmaps the store.  References previously returned become
// invalid.
func (a *AppendOnly) Close() error {
	if err := a.jrnl.Close(); err != nil {
		_ = a.raw.Close()
		return err
	}
	return a.raw.Close()
}
