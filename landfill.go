// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bpowers/landfill/internal/checksum"
	"github.com/bpowers/landfill/internal/entropy"
	"github.com/bpowers/landfill/internal/journal"
	"github.com/bpowers/landfill/internal/rawbytes"
)

const (
	headerFileName = "header"
	headerSize     = 256
	headerVersion  = 1

	// dataBaseShift sizes segment 0 of byte stores at 1 MiB;
	// arrayBaseShift sizes segment 0 of slot arrays at 64 KiB.  Both
	// are part of the on-disk layout.
	dataBaseShift  = 20
	arrayBaseShift = 16
)

var headerMagic = [4]byte{'l', 'n', 'f', 'l'}

// Option configures a store at Open time.
type Option func(*options)

type options struct {
	logger *slog.Logger
	digest Digest
}

// WithLogger sets an optional logger for progress and recovery events.
// If not provided, no logging output will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithDigest replaces the default 256-bit BLAKE3 content digest.  The
// digest is part of the on-disk contract; every open of the same store
// must use the same one.
func WithDigest(digest Digest) Option {
	return func(opts *options) {
		opts.digest = digest
	}
}

// DB is an open store directory.  All substructures opened from it
// share its entropy, checksum keys, and logger, and are closed with it.
//
// A DB may be shared freely between goroutines.  Only one process may
// mutate a store directory at a time; cross-process coordination is the
// caller's responsibility.
type DB struct {
	dir       string
	ephemeral bool
	entropy   entropy.Entropy
	check     checksum.Keyed
	logger    *slog.Logger
	digest    Digest

	mu      sync.Mutex
	closers []func() error
	closed  bool
}

// Open opens or creates the store in dir.  Returned byte references
// from any substructure stay valid until Close.
func Open(dir string, opts ...Option) (*DB, error) {
	return open(dir, false, opts)
}

// OpenEphemeral creates a store in a fresh temporary directory that is
// removed again on Close.
func OpenEphemeral(opts ...Option) (*DB, error) {
	dir, err := os.MkdirTemp("", "landfill-*")
	if err != nil {
		return nil, fmt.Errorf("os.MkdirTemp: %w", err)
	}
	return open(dir, true, opts)
}

func open(dir string, ephemeral bool, opts []Option) (*DB, error) {
	cfg := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		digest: blake3Digest,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll(%s): %w", dir, err)
	}

	e, err := entropy.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("entropy.Open: %w", err)
	}
	if err := checkHeader(dir, e); err != nil {
		return nil, err
	}

	return &DB{
		dir:       dir,
		ephemeral: ephemeral,
		entropy:   e,
		check:     checksum.New(e.Words()),
		logger:    cfg.logger,
		digest:    cfg.digest,
	}, nil
}

// Dir returns the store directory.
func (db *DB) Dir() string {
	return db.dir
}

// Close closes every substructure opened from this DB.  All byte
// references previously handed out become invalid.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	for i := len(db.closers) - 1; i >= 0; i-- {
		if err := db.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.closers = nil

	if db.ephemeral {
		if err := os.RemoveAll(db.dir); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("os.RemoveAll(%s): %w", db.dir, err)
		}
	}
	return firstErr
}

func (db *DB) register(closer func() error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closers = append(db.closers, closer)
}

// openRaw opens a raw byte array in the store directory under the given
// file name prefix.
func (db *DB) openRaw(name string, baseShift uint) (*rawbytes.RawBytes, error) {
	raw, err := rawbytes.Open(db.dir, name, baseShift, db.logger)
	if err != nil {
		return nil, fmt.Errorf("rawbytes.Open(%s): %w", name, err)
	}
	return raw, nil
}

func (db *DB) openJournal(name string) (*journal.Journal, error) {
	path := filepath.Join(db.dir, "journal."+name)
	j, err := journal.Open(path, db.check, db.logger)
	if err != nil {
		return nil, fmt.Errorf("journal.Open(%s): %w", path, err)
	}
	return j, nil
}

// The store header pins the file format and carries a copy of the
// entropy words so a directory assembled from mismatched files is
// rejected at open:
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	| 'l'  'n'  'f'  'l' | version (u32 LE) |
//	+----+----+----+----+----+----+----+----+
//	| four entropy words (u64 LE each)      |
//	|                                       |
//	|                                       |
//	|                                       |
//	+----+----+----+----+----+----+----+----+
//	| zero padding to 256 bytes             |
//	+----+----+----+----+----+----+----+----+
func checkHeader(dir string, e entropy.Entropy) error {
	path := filepath.Join(dir, headerFileName)

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return writeHeader(path, e)
	}
	if err != nil {
		return fmt.Errorf("os.ReadFile(%s): %w", path, err)
	}

	if len(buf) != headerSize || !bytes.Equal(buf[:4], headerMagic[:]) {
		return fmt.Errorf("%s is not a landfill store header: %w", path, ErrVersionMismatch)
	}
	if version := binary.LittleEndian.Uint32(buf[4:8]); version != headerVersion {
		return fmt.Errorf("%s has version %d, this library reads v%d: %w",
			path, version, headerVersion, ErrVersionMismatch)
	}
	words := e.Words()
	for i, w := range words {
		if got := binary.LittleEndian.Uint64(buf[8+i*8 : 16+i*8]); got != w {
			return fmt.Errorf("%s: entropy key copy disagrees with the entropy file: %w", path, ErrCorrupt)
		}
	}
	return nil
}

func writeHeader(path string, e entropy.Entropy) error {
	var buf [headerSize]byte
	copy(buf[:4], headerMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], headerVersion)
	for i, w := range e.Words() {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], w)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		// another opener wrote it first; verify their copy
		return checkHeader(filepath.Dir(path), e)
	}
	if err != nil {
		return fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}
	if _, err := f.Write(buf[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("f.Write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("f.Sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("f.Close: %w", err)
	}
	return nil
}
