// Copyright 2024 The landfill Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package entropy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndReopen(t *testing.T) {
	dir := t.TempDir()

	e1, err := Open(dir)
	require.NoError(t, err)
	require.NotEqual(t, Entropy{}, e1)

	st, err := os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
	require.Equal(t, int64(FileSize), st.Size())

	e2, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, e1, e2)
}

func TestDistinctStores(t *testing.T) {
	e1, err := Open(t.TempDir())
	require.NoError(t, err)
	e2, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NotEqual(t, e1, e2)
}

func TestRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("short"), 0o644))

	_, err := Open(dir)
	require.Error(t, err)
}
