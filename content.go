// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"errors"
	"fmt"

	"github.com/bpowers/landfill/internal/checksum"
)

// MaxValueLen bounds a single stored value; offsets and lengths share a
// packed 64-bit payload word in the index.
const MaxValueLen = 1<<24 - 1

// ContentStore is a content-addressed byte store: values are keyed by
// their cryptographic digest, stored once, and verified against that
// digest on every read.
//
// Byte slices returned by Get stay valid, at stable addresses, until
// the store is closed.
type ContentStore struct {
	data   *AppendOnly
	idx    *Index
	digest Digest
	check  checksum.Keyed
}

// ContentStore opens the store's content-addressed store, creating it
// if absent.
func (db *DB) ContentStore() (*ContentStore, error) {
	data, err := db.AppendOnly("data")
	if err != nil {
		return nil, err
	}
	idx, err := db.Index("")
	if err != nil {
		return nil, err
	}
	return &ContentStore{
		data:   data,
		idx:    idx,
		digest: db.digest,
		check:  db.check,
	}, nil
}

// packPayload packs a data offset and length into one index payload
// word: offset in the high 40 bits, length in the low 24.
func packPayload(off uint64, n int) uint64 {
	return off<<24 | uint64(n)
}

func unpackPayload(payload uint64) (off, n uint64) {
	return payload >> 24, payload & MaxValueLen
}

// Put stores b, or finds it already stored, and returns its content id.
// Storing the same bytes twice appends them only once.
func (cs *ContentStore) Put(b []byte) (ContentId, error) {
	if len(b) > MaxValueLen {
		return ContentId{}, fmt.Errorf("%d bytes: %w", len(b), ErrValueTooLarge)
	}
	id := cs.digest(b)
	c := normChecksum(cs.check.Sum(id[:]))

	_, _, err := cs.idx.Insert(c, cs.resolve(id, c, nil), func() (uint64, error) {
		off, _, err := cs.data.Append(b)
		if err != nil {
			return 0, err
		}
		return packPayload(off, len(b)), nil
	})
	if err != nil {
		return ContentId{}, err
	}
	return id, nil
}

// Get returns the bytes stored under id.  The digest is recomputed and
// compared before returning: a mismatch surfaces as ErrCorrupt, an
// absent id as ErrNotFound.
func (cs *ContentStore) Get(id ContentId) ([]byte, error) {
	c := normChecksum(cs.check.Sum(id[:]))

	var out []byte
	_, ok, err := cs.idx.Lookup(c, cs.resolve(id, c, &out))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return out, nil
}

// resolve builds the index match callback for id: it dereferences a
// candidate entry's payload and recomputes the stored bytes' digest.
// Three outcomes are possible for an entry whose stored checksum
// already matched c:
//
//   - the recomputed digest equals id: this is our value
//   - the recomputed digest's own checksum still matches the entry:
//     a genuine checksum collision with a different value; keep probing
//   - otherwise the bytes no longer agree with the entry that indexed
//     them: corruption, surfaced rather than masked
func (cs *ContentStore) resolve(id ContentId, c uint64, out *[]byte) func(uint64) (bool, error) {
	return func(payload uint64) (bool, error) {
		off, n := unpackPayload(payload)
		stored, err := cs.data.Get(off, n)
		if err != nil {
			if errors.Is(err, ErrOutOfRange) {
				return false, fmt.Errorf("index entry [%d, %d) beyond write head: %w", off, off+n, ErrCorrupt)
			}
			return false, err
		}
		storedId := cs.digest(stored)
		if storedId == id {
			if out != nil {
				*out = stored
			}
			return true, nil
		}
		if normChecksum(cs.check.Sum(storedId[:])) != c {
			return false, fmt.Errorf("value at offset %d fails digest verification: %w", off, ErrCorrupt)
		}
		return false, nil
	}
}

// Head returns the write head of the underlying byte store.
func (cs *ContentStore) Head() uint64 {
	return cs.data.Head()
}

// Flush synchronously writes all stored bytes back to their files.
func (cs *ContentStore) Flush() error {
	return cs.data.Flush()
}
