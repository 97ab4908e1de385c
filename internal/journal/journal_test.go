// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package journal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpowers/landfill/internal/checksum"
)

var testKeys = checksum.New([4]uint64{0xdead, 0xbeef, 0xcafe, 0xf00d})

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(dir, "journal.test"), testKeys, discard())
	require.NoError(t, err)
	return j
}

func TestFreshJournalIsZero(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	defer func() { _ = j.Close() }()
	require.Equal(t, uint64(0), j.Read())
}

func TestBumpAndRecover(t *testing.T) {
	dir := t.TempDir()

	j := openTestJournal(t, dir)
	got, err := j.Bump(5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got)
	got, err = j.Bump(3)
	require.NoError(t, err)
	require.Equal(t, uint64(8), got)
	require.Equal(t, uint64(8), j.Read())
	require.NoError(t, j.Close())

	j = openTestJournal(t, dir)
	defer func() { _ = j.Close() }()
	require.Equal(t, uint64(8), j.Read())
}

func TestRecoveryIgnoresCorruptSlot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.test")

	j := openTestJournal(t, dir)
	// the k'th bump lands in slot k; leave the latest value in a known slot
	const bumps = 5
	for i := 0; i < bumps; i++ {
		_, err := j.Bump(1)
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	// flip a checksum byte of the slot carrying the newest counter
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	buf[bumps*slotSize+8] ^= 0xff
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	j = openTestJournal(t, dir)
	defer func() { _ = j.Close() }()
	require.Equal(t, uint64(bumps-1), j.Read())
}

func TestAllSlotsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.test")

	buf := make([]byte, NumSlots*slotSize)
	for i := range buf {
		buf[i] = 0xff
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	_, err := Open(path, testKeys, discard())
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestConcurrentBumps(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)

	const (
		workers   = 8
		perWorker = 50
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := j.Bump(2)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(workers*perWorker*2), j.Read())
	require.NoError(t, j.Close())

	j = openTestJournal(t, dir)
	defer func() { _ = j.Close() }()
	require.Equal(t, uint64(workers*perWorker*2), j.Read())
}
