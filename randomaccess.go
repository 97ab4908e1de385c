// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/bpowers/landfill/internal/rawbytes"
	"github.com/bpowers/landfill/internal/zero"
)

const randomAccessStripes = 1024

// RandomAccess is an unbounded on-disk array of mutable fixed-size
// records, guarded by striped read-write locks.  The all-zero value is
// reserved to mean absent.
//
// Access is exclusively through closures; a caller cannot retain a
// mutable reference past its lock, and must not acquire another slot's
// lock from inside a closure.
type RandomAccess[T any] struct {
	raw  *rawbytes.RawBytes
	size uint64

	locks [randomAccessStripes]sync.RWMutex
}

// OpenRandomAccess opens the named record array in the DB directory,
// creating it if absent.  T must be fixed-size, pointer-free plain old
// data.
func OpenRandomAccess[T any](db *DB, name string) (*RandomAccess[T], error) {
	size, err := podSize[T]()
	if err != nil {
		return nil, err
	}
	raw, err := db.openRaw("raw."+name, arrayBaseShift)
	if err != nil {
		return nil, err
	}
	a := &RandomAccess[T]{
		raw:  raw,
		size: size,
	}
	db.register(a.Close)
	return a, nil
}

// Len returns the number of currently mapped slots.
func (a *RandomAccess[T]) Len() uint64 {
	return a.raw.MappedCap() / a.size
}

// View calls f with a read-locked pointer to slot i and reports whether
// the slot was present.  Absent (all-zero or not yet grown) slots do
// not invoke f.
func (a *RandomAccess[T]) View(i uint64, f func(*T)) (bool, error) {
	lock := &a.locks[i%randomAccessStripes]
	lock.RLock()
	defer lock.RUnlock()

	b, err := a.raw.Bytes(i*a.size, a.size)
	if err != nil {
		// a slot the array never grew to is absent, not an error
		if errors.Is(err, rawbytes.ErrOutOfRange) {
			return false, nil
		}
		return false, err
	}
	if zero.IsZero(b) {
		return false, nil
	}
	f((*T)(unsafe.Pointer(&b[0])))
	return true, nil
}

// Load returns a copy of slot i and whether it was present.
func (a *RandomAccess[T]) Load(i uint64) (T, bool, error) {
	var v T
	ok, err := a.View(i, func(p *T) {
		v = *p
	})
	return v, ok, err
}

// Update calls f with a write-locked pointer to slot i, growing the
// array as needed, then flushes the slot.  Writing the all-zero value
// marks the slot absent again.
func (a *RandomAccess[T]) Update(i uint64, f func(*T)) error {
	off := i * a.size
	if err := a.raw.GrowTo(off + a.size); err != nil {
		return err
	}

	lock := &a.locks[i%randomAccessStripes]
	lock.Lock()
	defer lock.Unlock()

	b, err := a.raw.Bytes(off, a.size)
	if err != nil {
		return err
	}
	f((*T)(unsafe.Pointer(&b[0])))
	return a.raw.Flush(off, a.size)
}

// Close unmaps the array.
func (a *RandomAccess[T]) Close() error {
	return a.raw.Close()
}
