// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/bpowers/landfill/internal/checksum"
)

// OnceMap is an on-disk map whose every key can be set only once.  Keys
// and values are plain-old-data types appended contiguously to a byte
// store and located through the index; a later Insert of an existing
// key is a no-op, so a value read for a key can never be invalidated.
type OnceMap[K comparable, V any] struct {
	data  *AppendOnly
	idx   *Index
	check checksum.Keyed

	ksize, vsize uint64
}

// OpenOnceMap opens the named write-once map in the DB directory,
// creating it if absent.  K and V must be fixed-size, pointer-free
// plain old data.
func OpenOnceMap[K comparable, V any](db *DB, name string) (*OnceMap[K, V], error) {
	ksize, err := podSize[K]()
	if err != nil {
		return nil, err
	}
	vsize, err := podSize[V]()
	if err != nil {
		return nil, err
	}
	data, err := db.AppendOnly(name)
	if err != nil {
		return nil, err
	}
	idx, err := db.Index(name)
	if err != nil {
		return nil, err
	}
	return &OnceMap[K, V]{
		data:  data,
		idx:   idx,
		check: db.check,
		ksize: ksize,
		vsize: vsize,
	}, nil
}

// Insert sets k to v.  If k is already present the map is unchanged and
// no error is returned.
func (m *OnceMap[K, V]) Insert(k K, v V) error {
	kb := unsafe.Slice((*byte)(unsafe.Pointer(&k)), m.ksize)
	vb := unsafe.Slice((*byte)(unsafe.Pointer(&v)), m.vsize)
	c := normChecksum(m.check.Sum(kb))

	_, _, err := m.idx.Insert(c, m.resolve(kb, nil), func() (uint64, error) {
		rec := make([]byte, 0, m.ksize+m.vsize)
		rec = append(rec, kb...)
		rec = append(rec, vb...)
		off, _, err := m.data.Append(rec)
		if err != nil {
			return 0, err
		}
		return packPayload(off, len(rec)), nil
	})
	return err
}

// Get returns the value set for k, if any.
func (m *OnceMap[K, V]) Get(k K) (V, bool, error) {
	var v V
	kb := unsafe.Slice((*byte)(unsafe.Pointer(&k)), m.ksize)
	c := normChecksum(m.check.Sum(kb))

	vb := unsafe.Slice((*byte)(unsafe.Pointer(&v)), m.vsize)
	_, ok, err := m.idx.Lookup(c, m.resolve(kb, vb))
	return v, ok, err
}

// resolve builds the index match callback for a key's bytes; on a hit
// the stored value bytes are copied into out when non-nil.
func (m *OnceMap[K, V]) resolve(kb, out []byte) func(uint64) (bool, error) {
	return func(payload uint64) (bool, error) {
		off, n := unpackPayload(payload)
		if n != m.ksize+m.vsize {
			return false, fmt.Errorf("index entry length %d, want %d: %w", n, m.ksize+m.vsize, ErrCorrupt)
		}
		stored, err := m.data.Get(off, n)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(stored[:m.ksize], kb) {
			return false, nil
		}
		if out != nil {
			copy(out, stored[m.ksize:])
		}
		return true, nil
	}
}
