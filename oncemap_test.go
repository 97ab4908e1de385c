// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type point struct {
	X, Y uint64
}

func TestOnceMap(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	m, err := OpenOnceMap[uint64, point](db, "points")
	require.NoError(t, err)

	_, ok, err := m.Get(1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Insert(1, point{X: 10, Y: 20}))
	got, ok, err := m.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, point{X: 10, Y: 20}, got)
}

func TestOnceMapInsertIsWriteOnce(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	m, err := OpenOnceMap[uint64, point](db, "points")
	require.NoError(t, err)

	require.NoError(t, m.Insert(7, point{X: 1, Y: 1}))
	// inserting an existing key leaves the first value in place
	require.NoError(t, m.Insert(7, point{X: 2, Y: 2}))

	got, ok, err := m.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, point{X: 1, Y: 1}, got)
}

func TestOnceMapPersists(t *testing.T) {
	dir := t.TempDir()

	db := openTestDB(t, dir)
	m, err := OpenOnceMap[uint64, point](db, "points")
	require.NoError(t, err)
	const n = 2000
	for i := uint64(0); i < n; i++ {
		require.NoError(t, m.Insert(i, point{X: i, Y: i * 2}))
	}
	require.NoError(t, db.Close())

	db = openTestDB(t, dir)
	defer func() { _ = db.Close() }()
	m, err = OpenOnceMap[uint64, point](db, "points")
	require.NoError(t, err)
	for i := uint64(0); i < n; i++ {
		got, ok, err := m.Get(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, point{X: i, Y: i * 2}, got)
	}
}

func TestOnceMapConcurrentInserts(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	m, err := OpenOnceMap[uint64, point](db, "points")
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// every worker races to set the same keys; exactly one
			// value per key survives
			for i := uint64(0); i < 100; i++ {
				require.NoError(t, m.Insert(i, point{X: i, Y: uint64(w) + 1}))
			}
		}(w)
	}
	wg.Wait()

	for i := uint64(0); i < 100; i++ {
		got, ok, err := m.Get(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, got.X)
		require.NotZero(t, got.Y)
	}
}
