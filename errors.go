// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"errors"

	"github.com/bpowers/landfill/internal/journal"
	"github.com/bpowers/landfill/internal/rawbytes"
)

var (
	// ErrCorruptJournal is returned when no journal slot verifies.
	ErrCorruptJournal = journal.ErrCorrupt

	// ErrOutOfRange is returned for reads beyond written or mapped bounds.
	ErrOutOfRange = rawbytes.ErrOutOfRange

	// ErrMapFailed wraps memory-map rejections from the OS.
	ErrMapFailed = rawbytes.ErrMapFailed

	// ErrAlreadyWritten is returned when mutating a non-empty
	// write-once slot.
	ErrAlreadyWritten = errors.New("slot already written")

	// ErrCorrupt is returned when stored bytes fail verification
	// against their digest or checksum.
	ErrCorrupt = errors.New("stored data corrupt")

	// ErrVersionMismatch is returned when the store header carries an
	// unexpected magic number or version.
	ErrVersionMismatch = errors.New("unexpected store magic or version")

	// ErrNotFound is returned when a content id is not in the store.
	ErrNotFound = errors.New("not found")

	// ErrValueTooLarge is returned for values beyond MaxValueLen.
	ErrValueTooLarge = errors.New("value too large")
)
