// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ContentId is the cryptographic digest of a stored value, used as its
// handle.  Equal ids imply equal stored bytes.
type ContentId [32]byte

// String returns the canonical hex encoding of the id.
func (id ContentId) String() string {
	return hex.EncodeToString(id[:])
}

// Digest produces a fixed-size identifier from a value's bytes.  The
// digest in use is part of a store's on-disk contract: reopening a
// store with a different digest makes every lookup miss.
type Digest func(data []byte) ContentId

// blake3Digest is the default Digest: 256-bit BLAKE3.
func blake3Digest(data []byte) ContentId {
	return ContentId(blake3.Sum256(data))
}
