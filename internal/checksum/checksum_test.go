// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package checksum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	k := New([4]uint64{1, 2, 3, 4})
	require.Equal(t, k.Sum([]byte("hello")), k.Sum([]byte("hello")))
	require.NotEqual(t, k.Sum([]byte("hello")), k.Sum([]byte("hellp")))
}

func TestSumKeyed(t *testing.T) {
	a := New([4]uint64{1, 2, 3, 4})
	b := New([4]uint64{5, 6, 7, 8})
	require.NotEqual(t, a.Sum([]byte("hello")), b.Sum([]byte("hello")))

	// all four words key the checksum, not just the first pair
	c := New([4]uint64{1, 2, 9, 10})
	require.NotEqual(t, a.Sum([]byte("hello")), c.Sum([]byte("hello")))
}

func TestSumUint64(t *testing.T) {
	k := New([4]uint64{11, 22, 33, 44})
	require.Equal(t, k.Sum([]byte{42, 0, 0, 0, 0, 0, 0, 0}), k.SumUint64(42))
	require.NotEqual(t, k.SumUint64(42), k.SumUint64(43))
}
