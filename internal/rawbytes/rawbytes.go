// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package rawbytes exposes a growable logical byte array whose written
// bytes never move for the lifetime of the mapping.
//
// The array is backed by segment files whose sizes double:
//
//	+-----------+---------------+-------------------------------+
//	| seg 0     | seg 1         | seg 2                         |
//	| 2^k bytes | 2^(k+1) bytes | 2^(k+2) bytes                 |
//	+-----------+---------------+-------------------------------+
//
// Segment i covers logical offsets [2^k*(2^i-1), 2^k*(2^(i+1)-1)).
//
// A single contiguous PROT_NONE address-space reservation is made when
// the array is opened; segment files are mapped MAP_FIXED at their
// logical offsets inside it.  Growth maps further segments into the
// reservation and never unmaps or relocates an existing one, so a
// reference into the array stays valid as the array grows, and a single
// slice may span a segment boundary.
package rawbytes

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// maxSegments bounds the reservation; with the default base shift
	// of 20 the logical array tops out at a tebibyte of virtual space,
	// none of it committed until grown into.
	maxSegments = 20

	pageSize = 4096
)

var (
	// ErrOutOfRange is returned for reads beyond the mapped capacity.
	ErrOutOfRange = errors.New("offset beyond mapped capacity")

	// ErrMapFailed wraps memory-map rejections from the OS.
	ErrMapFailed = errors.New("memory map failed")
)

// mmapRaw wraps the raw mmap syscall.  unix.Mmap has no address
// parameter, and both the reservation and the MAP_FIXED segment maps
// must name the address they want.
func mmapRaw(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return p, nil
}

func munmapRaw(addr, length uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0); errno != 0 {
		return errno
	}
	return nil
}

// RawBytes is a growable, never-moving, memory-mapped byte array.
type RawBytes struct {
	dir       string
	name      string // segment i lives at dir/name.<i>
	baseShift uint
	logger    *slog.Logger

	base     uintptr // start of the reservation; zero once closed
	reserved uint64

	growMu    sync.Mutex // serialises GrowTo
	segments  int        // mapped segment count, guarded by growMu
	mappedCap atomic.Uint64
}

// Open maps every existing segment of the named array in dir, creating
// none.  baseShift is the log2 size of segment 0 and is part of the
// on-disk layout: reopening with a different shift misplaces every byte.
func Open(dir, name string, baseShift uint, logger *slog.Logger) (*RawBytes, error) {
	if baseShift < 12 || baseShift > 30 {
		return nil, fmt.Errorf("base shift %d out of range", baseShift)
	}

	reserved := (uint64(1) << baseShift) * ((uint64(1) << maxSegments) - 1)
	base, err := mmapRaw(0, uintptr(reserved),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: reserving %d bytes: %s", ErrMapFailed, reserved, err)
	}

	r := &RawBytes{
		dir:       dir,
		name:      name,
		baseShift: baseShift,
		logger:    logger,
		base:      base,
		reserved:  reserved,
	}

	for i := 0; i < maxSegments; i++ {
		if _, err := os.Stat(r.segmentPath(i)); err != nil {
			if os.IsNotExist(err) {
				break
			}
			_ = r.Close()
			return nil, fmt.Errorf("os.Stat(%s): %w", r.segmentPath(i), err)
		}
		if err := r.mapSegment(i); err != nil {
			_ = r.Close()
			return nil, err
		}
		r.segments = i + 1
	}
	r.mappedCap.Store(r.segmentStart(r.segments))
	return r, nil
}

// MappedCap returns the current logical capacity in bytes.
func (r *RawBytes) MappedCap() uint64 {
	return r.mappedCap.Load()
}

// Bytes returns the n bytes at logical offset off.  The slice stays
// valid, at a stable address, until the array is closed.
func (r *RawBytes) Bytes(off, n uint64) ([]byte, error) {
	cap := r.mappedCap.Load()
	if n > cap || off > cap-n {
		return nil, fmt.Errorf("[%d, %d) with capacity %d: %w", off, off+n, cap, ErrOutOfRange)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r.base+uintptr(off))), n), nil
}

// GrowTo ensures the mapped capacity is at least newCap, creating and
// mapping further segment files as needed.  Existing mappings are left
// untouched.
func (r *RawBytes) GrowTo(newCap uint64) error {
	if newCap <= r.mappedCap.Load() {
		return nil
	}

	r.growMu.Lock()
	defer r.growMu.Unlock()

	if r.base == 0 {
		return fmt.Errorf("%w: array %s is closed", ErrMapFailed, r.name)
	}
	for r.segmentStart(r.segments) < newCap {
		if r.segments == maxSegments {
			return fmt.Errorf("%w: array %s at maximum size", ErrMapFailed, r.name)
		}
		i := r.segments
		f, err := os.OpenFile(r.segmentPath(i), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("os.OpenFile(%s): %w", r.segmentPath(i), err)
		}
		if err := f.Truncate(int64(r.segmentSize(i))); err != nil {
			_ = f.Close()
			return fmt.Errorf("f.Truncate(%s): %w", r.segmentPath(i), err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("f.Close(%s): %w", r.segmentPath(i), err)
		}
		if err := r.mapSegment(i); err != nil {
			return err
		}
		r.logger.Debug("mapped segment", "name", r.name, "segment", i, "size", r.segmentSize(i))
		r.segments = i + 1
		// publish: readers observing the new capacity are guaranteed
		// the covering segments are mapped
		r.mappedCap.Store(r.segmentStart(r.segments))
	}
	return nil
}

// Flush synchronously writes the pages covering [off, off+n) back to
// their segment files.
func (r *RawBytes) Flush(off, n uint64) error {
	if n == 0 {
		return nil
	}
	cap := r.mappedCap.Load()
	if n > cap || off > cap-n {
		return fmt.Errorf("flush [%d, %d) with capacity %d: %w", off, off+n, cap, ErrOutOfRange)
	}
	start := off &^ (pageSize - 1)
	end := (off + n + pageSize - 1) &^ (pageSize - 1)
	if end > cap {
		end = cap
	}
	m := unsafe.Slice((*byte)(unsafe.Pointer(r.base+uintptr(start))), end-start)
	if err := unix.Msync(m, unix.MS_SYNC); err != nil {
		return fmt.Errorf("unix.Msync: %w", err)
	}
	return nil
}

// Close unmaps the whole reservation.  Every slice previously returned
// by Bytes becomes invalid.
func (r *RawBytes) Close() error {
	r.growMu.Lock()
	defer r.growMu.Unlock()
	if r.base == 0 {
		return nil
	}
	base := r.base
	r.base = 0
	r.mappedCap.Store(0)
	r.segments = 0
	if err := munmapRaw(base, uintptr(r.reserved)); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

func (r *RawBytes) segmentPath(i int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.%d", r.name, i))
}

// segmentSize is 2^(baseShift+i).
func (r *RawBytes) segmentSize(i int) uint64 {
	return uint64(1) << (r.baseShift + uint(i))
}

// segmentStart is the logical offset of segment i: 2^baseShift*(2^i-1).
func (r *RawBytes) segmentStart(i int) uint64 {
	return (uint64(1) << r.baseShift) * ((uint64(1) << uint(i)) - 1)
}

func (r *RawBytes) mapSegment(i int) error {
	path := r.segmentPath(i)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	size := r.segmentSize(i)
	// a zero-length file left over from an interrupted grow is extended
	// here and retried transparently
	if err := f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("f.Truncate(%s): %w", path, err)
	}

	addr := r.base + uintptr(r.segmentStart(i))
	p, err := mmapRaw(addr, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, int(f.Fd()), 0)
	if err != nil {
		return fmt.Errorf("%w: segment %s: %s", ErrMapFailed, path, err)
	}
	if p != addr {
		return fmt.Errorf("%w: segment %s mapped at %#x, want %#x", ErrMapFailed, path, p, addr)
	}

	m := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Madvise(m, syscall.MADV_RANDOM); err != nil {
		return fmt.Errorf("madvise: %s", err)
	}
	return nil
}
