// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package checksum implements the keyed 64-bit checksum used to
// fingerprint index keys and to validate journal slots.
//
// The algorithm is part of the on-disk format: SipHash-2-4 keyed by the
// store's four entropy words, folded pairwise into SipHash's 128-bit key.
// Changing it makes every existing store unreadable.
package checksum

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// Keyed computes entropy-keyed checksums.  The zero value is usable but
// keys everything with zero; real instances come from New.
type Keyed struct {
	k0, k1 uint64
}

// New derives a Keyed checksummer from the four entropy words.
func New(words [4]uint64) Keyed {
	return Keyed{
		k0: words[0] ^ words[2],
		k1: words[1] ^ words[3],
	}
}

// Sum returns the keyed checksum of b.
func (k Keyed) Sum(b []byte) uint64 {
	return siphash.Hash(k.k0, k.k1, b)
}

// SumUint64 returns the keyed checksum of v's little-endian encoding.
func (k Keyed) SumUint64(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return k.Sum(buf[:])
}
