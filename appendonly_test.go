// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package landfill

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndGet(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	ao, err := db.AppendOnly("log")
	require.NoError(t, err)
	require.Equal(t, uint64(0), ao.Head())

	off, ref, err := ao.Append([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	require.Equal(t, []byte("hello"), ref)
	require.Equal(t, uint64(5), ao.Head())

	got, err := ao.Get(0, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	_, err = ao.Get(3, 5)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAppendPersists(t *testing.T) {
	dir := t.TempDir()

	db := openTestDB(t, dir)
	ao, err := db.AppendOnly("log")
	require.NoError(t, err)
	_, _, err = ao.Append([]byte("first"))
	require.NoError(t, err)
	off, _, err := ao.Append([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openTestDB(t, dir)
	defer func() { _ = db.Close() }()
	ao, err = db.AppendOnly("log")
	require.NoError(t, err)
	require.Equal(t, uint64(11), ao.Head())
	got, err := ao.Get(off, 6)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestAppendEmpty(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	ao, err := db.AppendOnly("log")
	require.NoError(t, err)
	off, ref, err := ao.Append(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	require.Empty(t, ref)
	require.Equal(t, uint64(0), ao.Head())
}

func TestAppendCrossesSegmentBoundary(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)

	ao, err := db.AppendOnly("log")
	require.NoError(t, err)

	segment0 := uint64(1) << dataBaseShift
	filler := make([]byte, segment0-7)
	for i := range filler {
		filler[i] = byte(i)
	}
	_, _, err = ao.Append(filler)
	require.NoError(t, err)

	msg := []byte("spans two mappings")
	off, ref, err := ao.Append(msg)
	require.NoError(t, err)
	require.Equal(t, segment0-7, off)
	require.Equal(t, msg, ref)
	require.NoError(t, db.Close())

	db = openTestDB(t, dir)
	defer func() { _ = db.Close() }()
	ao, err = db.AppendOnly("log")
	require.NoError(t, err)
	got, err := ao.Get(off, uint64(len(msg)))
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestReferencesSurviveGrowth(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	ao, err := db.AppendOnly("log")
	require.NoError(t, err)

	_, ref, err := ao.Append([]byte("stable"))
	require.NoError(t, err)

	// force several new segments behind the reference
	chunk := make([]byte, 1<<dataBaseShift)
	for i := 0; i < 4; i++ {
		_, _, err = ao.Append(chunk)
		require.NoError(t, err)
	}
	require.Equal(t, []byte("stable"), ref)
}

func TestConcurrentAppends(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer func() { _ = db.Close() }()

	ao, err := db.AppendOnly("log")
	require.NoError(t, err)

	const (
		workers   = 8
		perWorker = 100
	)
	type result struct {
		off     uint64
		payload []byte
	}
	results := make([][]result, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				payload := make([]byte, 16)
				binary.LittleEndian.PutUint64(payload[:8], uint64(w))
				binary.LittleEndian.PutUint64(payload[8:], uint64(i))
				off, _, err := ao.Append(payload)
				require.NoError(t, err)
				results[w] = append(results[w], result{off: off, payload: payload})
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, uint64(workers*perWorker*16), ao.Head())
	for w := 0; w < workers; w++ {
		for _, r := range results[w] {
			got, err := ao.Get(r.off, 16)
			require.NoError(t, err)
			require.Equal(t, r.payload, got, fmt.Sprintf("offset %d", r.off))
		}
	}
}
