// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/bpowers/landfill/internal/rawbytes"
	"github.com/bpowers/landfill/internal/zero"
)

const writeOnceStripes = 256

// WriteOnceArray is an unbounded on-disk array whose slots can each be
// populated at most once.  A slot whose bytes are all zero is empty;
// consequently a genuine all-zero value of T cannot be stored.
//
// Because slots only ever transition from empty to written, a *T
// returned by Get refers to bytes that will never change again, and
// stays valid until the store is closed.
type WriteOnceArray[T any] struct {
	raw  *rawbytes.RawBytes
	size uint64

	locks [writeOnceStripes]sync.Mutex
}

// OpenWriteOnceArray opens the named write-once array in the DB
// directory, creating it if absent.  T must be fixed-size, pointer-free
// plain old data.
func OpenWriteOnceArray[T any](db *DB, name string) (*WriteOnceArray[T], error) {
	size, err := podSize[T]()
	if err != nil {
		return nil, err
	}
	raw, err := db.openRaw("raw."+name, arrayBaseShift)
	if err != nil {
		return nil, err
	}
	a := &WriteOnceArray[T]{
		raw:  raw,
		size: size,
	}
	db.register(a.Close)
	return a, nil
}

// Len returns the number of currently mapped slots.
func (a *WriteOnceArray[T]) Len() uint64 {
	return a.raw.MappedCap() / a.size
}

// Get returns a pointer to slot i, or false if the slot is empty or
// beyond the mapped capacity.
func (a *WriteOnceArray[T]) Get(i uint64) (*T, bool) {
	lock := &a.locks[i%writeOnceStripes]
	lock.Lock()
	b, err := a.raw.Bytes(i*a.size, a.size)
	if err != nil {
		lock.Unlock()
		return nil, false
	}
	empty := zero.IsZero(b)
	lock.Unlock()
	if empty {
		return nil, false
	}
	// written slots never change again, so the pointer is safe to use
	// outside the lock
	return (*T)(unsafe.Pointer(&b[0])), true
}

// WithEmptyMut acquires exclusive access to slot i, growing the array
// as needed.  If the slot is empty, f populates it through the passed
// pointer; the slot is then flushed to disk.  If the slot was already
// written, ErrAlreadyWritten is returned and f is not called.
func (a *WriteOnceArray[T]) WithEmptyMut(i uint64, f func(*T)) error {
	off := i * a.size
	if err := a.raw.GrowTo(off + a.size); err != nil {
		return err
	}

	lock := &a.locks[i%writeOnceStripes]
	lock.Lock()
	defer lock.Unlock()

	b, err := a.raw.Bytes(off, a.size)
	if err != nil {
		return err
	}
	if !zero.IsZero(b) {
		return fmt.Errorf("slot %d: %w", i, ErrAlreadyWritten)
	}
	f((*T)(unsafe.Pointer(&b[0])))
	return a.raw.Flush(off, a.size)
}

// Close unmaps the array.  Pointers previously returned become invalid.
func (a *WriteOnceArray[T]) Close() error {
	return a.raw.Close()
}
