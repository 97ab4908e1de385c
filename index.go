// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/bpowers/landfill/internal/rawbytes"
)

// The index is an open-addressed hash structure that never rehashes:
// moving an entry would invalidate every reference resolved through
// it.  Instead of rehashing it appends buckets whose sizes double:
//
//	+----------+---------------------+-------------------------+
//	| bucket 0 | bucket 1            | bucket 2 ...            |
//	| 2^10     | 2^11 entries        | 2^12 entries            |
//	+----------+---------------------+-------------------------+
//
// A key's home slot in bucket i is checksum mod 2^(10+i); a key probes
// one slot per bucket until it finds itself or an empty slot.  Bucket
// occupancy drops geometrically, so probes are O(log n) worst case and
// amortised constant for keys that clear early.
//
// Each entry is sixteen bytes, two little-endian words:
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	| keyed checksum of the key (u64 LE)    |
//	+----+----+----+----+----+----+----+----+
//	| payload (u64 LE)                      |
//	+----+----+----+----+----+----+----+----+
//
// An entry with both words zero is empty; a zero checksum is remapped
// before storing so no live entry can look empty.
const (
	indexBaseShift = 10 // bucket 0 holds 2^10 entries
	indexEntrySize = 16
	indexStripes   = 256

	// substituted for a keyed checksum of zero
	zeroChecksumSub = 0x9e3779b97f4a7c15
)

// Index is a non-resizing doubling-bucket hash map from 64-bit keyed
// checksums to caller-chosen 64-bit payloads.
type Index struct {
	raw    *rawbytes.RawBytes
	logger *slog.Logger

	locks [indexStripes]sync.Mutex
}

// Index opens the named index in the DB directory, creating its first
// bucket if absent.  The empty name opens the store's default index.
func (db *DB) Index(name string) (*Index, error) {
	pattern := "index"
	if name != "" {
		pattern = "index." + name
	}
	// sixteen-byte entries make bucket i exactly one doubling segment
	raw, err := db.openRaw(pattern, indexBaseShift+4)
	if err != nil {
		return nil, err
	}
	ix := &Index{
		raw:    raw,
		logger: db.logger,
	}
	if err := ix.raw.GrowTo(indexEntrySize << indexBaseShift); err != nil {
		_ = raw.Close()
		return nil, err
	}
	db.register(ix.Close)
	return ix, nil
}

// normChecksum remaps the (astronomically unlikely) zero checksum so it
// cannot collide with the empty-entry sentinel.
func normChecksum(c uint64) uint64 {
	if c == 0 {
		return zeroChecksumSub
	}
	return c
}

// bucketBase is the global slot offset of bucket i: 2^10*(2^i-1).
func bucketBase(i int) uint64 {
	return (uint64(1) << indexBaseShift) * ((uint64(1) << uint(i)) - 1)
}

// bucketLen is 2^(10+i).
func bucketLen(i int) uint64 {
	return uint64(1) << (indexBaseShift + uint(i))
}

// buckets returns the count of fully mapped buckets.
func (ix *Index) buckets() int {
	cap := ix.raw.MappedCap() / indexEntrySize
	n := 0
	for bucketBase(n+1) <= cap {
		n++
	}
	return n
}

func (ix *Index) load(slot uint64) (sum, payload uint64, err error) {
	lock := &ix.locks[slot%indexStripes]
	lock.Lock()
	defer lock.Unlock()
	b, err := ix.raw.Bytes(slot*indexEntrySize, indexEntrySize)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:]), nil
}

// Lookup probes for a key with keyed checksum c.  For every entry whose
// stored checksum equals c, match decides (typically by dereferencing
// the payload and comparing bytes) whether it is the wanted key.  The
// probe ends at the first empty slot: entries never move and never
// empty out, so a key always sits before the first gap of its probe
// sequence.
func (ix *Index) Lookup(c uint64, match func(payload uint64) (bool, error)) (payload uint64, ok bool, err error) {
	c = normChecksum(c)
	n := ix.buckets()
	for i := 0; i < n; i++ {
		slot := bucketBase(i) + c%bucketLen(i)
		sum, pl, err := ix.load(slot)
		if err != nil {
			return 0, false, err
		}
		if sum == 0 && pl == 0 {
			return 0, false, nil
		}
		if sum != c {
			continue
		}
		hit, err := match(pl)
		if err != nil {
			return 0, false, err
		}
		if hit {
			return pl, true, nil
		}
	}
	return 0, false, nil
}

// Insert probes like Lookup and, if the key is absent, claims the first
// empty probe slot — growing a new bucket when none exists — and stores
// the payload produced by fill.  fill runs at most once, while the slot
// is exclusively held.  If a racing writer claims the slot first, the
// probe re-runs and either finds the winner's entry or resolves it as a
// collision.
//
// Returns the payload now present for the key and whether this call
// inserted it.
func (ix *Index) Insert(c uint64, match func(payload uint64) (bool, error), fill func() (uint64, error)) (payload uint64, inserted bool, err error) {
	c = normChecksum(c)
	for {
		n := ix.buckets()
		empty := int64(-1)
		for i := 0; i < n; i++ {
			slot := bucketBase(i) + c%bucketLen(i)
			sum, pl, err := ix.load(slot)
			if err != nil {
				return 0, false, err
			}
			if sum == 0 && pl == 0 {
				empty = int64(slot)
				break
			}
			if sum != c {
				continue
			}
			hit, err := match(pl)
			if err != nil {
				return 0, false, err
			}
			if hit {
				return pl, false, nil
			}
		}

		var slot uint64
		if empty >= 0 {
			slot = uint64(empty)
		} else {
			if err := ix.grow(n); err != nil {
				return 0, false, err
			}
			slot = bucketBase(n) + c%bucketLen(n)
		}

		pl, claimed, hit, err := ix.claim(slot, c, match, fill)
		if err != nil {
			return 0, false, err
		}
		if claimed {
			return pl, true, nil
		}
		if hit {
			// lost the race but the winner stored our key
			return pl, false, nil
		}
		// lost the race to a colliding key; re-run the probe
	}
}

// claim attempts to write (c, fill()) into slot.  If the slot is taken
// by the time the lock is held, the existing entry is checked against
// match; hit reports whether it was our key, and a miss sends the
// caller back to re-probe.
func (ix *Index) claim(slot, c uint64, match func(uint64) (bool, error), fill func() (uint64, error)) (payload uint64, claimed, hit bool, err error) {
	lock := &ix.locks[slot%indexStripes]
	lock.Lock()
	defer lock.Unlock()

	b, err := ix.raw.Bytes(slot*indexEntrySize, indexEntrySize)
	if err != nil {
		return 0, false, false, err
	}
	sum := binary.LittleEndian.Uint64(b[:8])
	pl := binary.LittleEndian.Uint64(b[8:])
	if sum == 0 && pl == 0 {
		pl, err := fill()
		if err != nil {
			return 0, false, false, err
		}
		// payload word strictly before the checksum word: an entry
		// with a visible checksum always carries its final payload
		binary.LittleEndian.PutUint64(b[8:], pl)
		binary.LittleEndian.PutUint64(b[:8], c)
		if err := ix.raw.Flush(slot*indexEntrySize, indexEntrySize); err != nil {
			return 0, false, false, err
		}
		return pl, true, false, nil
	}

	if sum == c {
		ok, err := match(pl)
		if err != nil {
			return 0, false, false, err
		}
		if ok {
			return pl, false, true, nil
		}
	}
	return 0, false, false, nil
}

// grow creates bucket i.
func (ix *Index) grow(i int) error {
	if err := ix.raw.GrowTo(indexEntrySize * bucketBase(i+1)); err != nil {
		return err
	}
	ix.logger.Debug("created index bucket", "bucket", i, "entries", bucketLen(i))
	return nil
}

// Close unmaps the index.
func (ix *Index) Close() error {
	return ix.raw.Close()
}
