/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lcore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testConfig keys a private segment so tests never touch the host-wide
// one
func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyPath, nil, 0666))
	return Config{
		KeyPath:   keyPath,
		KeyProj:   os.Getpid()%250 + 1,
		LockPath:  filepath.Join(dir, "lock"),
		NumLcores: 8,
	}
}

func TestAcquireRelease(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	lc0, err := r.Acquire(-1)
	require.NoError(t, err)
	lc1, err := r.Acquire(-1)
	require.NoError(t, err)
	require.NotEqual(t, lc0, lc1)
	require.True(t, r.Active(lc0))
	require.Equal(t, 2, r.Held())

	require.NoError(t, r.Release(lc0))
	require.False(t, r.Active(lc0))
	require.NoError(t, r.Release(lc1))
	require.Equal(t, 0, r.Held())
}

func TestReleaseInactive(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	require.Error(t, r.Release(3))
	require.Error(t, r.Release(-1))
	require.Error(t, r.Release(MaxLcore))
}

func TestExhaustion(t *testing.T) {
	cfg := testConfig(t)
	cfg.NumLcores = 2
	r, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	_, err = r.Acquire(-1)
	require.NoError(t, err)
	_, err = r.Acquire(-1)
	require.NoError(t, err)
	_, err = r.Acquire(-1)
	require.True(t, errors.Is(err, ErrNoLcoreAvailable))
}

func TestSocketFilter(t *testing.T) {
	cfg := testConfig(t)
	// even cores on socket 0, odd on socket 1
	cfg.SocketOf = func(lc int) int { return lc % 2 }
	r, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	lc, err := r.Acquire(1)
	require.NoError(t, err)
	require.Equal(t, 1, lc%2)
	require.NoError(t, r.Release(lc))
}

func TestTwoRegistries(t *testing.T) {
	cfg := testConfig(t)
	r1, err := New(cfg)
	require.NoError(t, err)
	r2, err := New(cfg)
	require.NoError(t, err)

	// two attached processes share the bitmap: no double claims
	lc1, err := r1.Acquire(-1)
	require.NoError(t, err)
	lc2, err := r2.Acquire(-1)
	require.NoError(t, err)
	require.NotEqual(t, lc1, lc2)
	require.True(t, r2.Active(lc1))

	// each releases only its own
	require.NoError(t, r1.Release(lc1))
	require.False(t, r2.Active(lc1))
	require.True(t, r2.Active(lc2))

	require.NoError(t, r2.Release(lc2))
	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())
}
