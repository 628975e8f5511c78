// Copyright 2024 The pg-multiverse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProvider wraps a Memory backend but lets tests force IsHealthy
// to report false, to exercise Fallback's primary/secondary switch.
type flakyProvider struct {
	*Memory
	healthy atomic.Bool
}

func newFlakyProvider() *flakyProvider {
	f := &flakyProvider{Memory: NewMemory(context.Background(), MemoryOptions{})}
	f.healthy.Store(true)
	return f
}

func (f *flakyProvider) IsHealthy(ctx context.Context) bool { return f.healthy.Load() }

func TestFallbackPrefersPrimaryWhenHealthy(t *testing.T) {
	primary := newFlakyProvider()
	secondary := newFlakyProvider()
	fb := NewFallback(FallbackOptions{Primary: primary, Secondary: secondary})
	defer fb.Close()

	require.NoError(t, fb.Set(context.Background(), "k", []byte("v"), SetOptions{}))
	v, ok, err := primary.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	v, ok, err = fb.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestFallbackFallsBackToSecondaryWhenPrimaryDown(t *testing.T) {
	primary := newFlakyProvider()
	secondary := newFlakyProvider()
	fb := NewFallback(FallbackOptions{Primary: primary, Secondary: secondary})
	defer fb.Close()

	primary.healthy.Store(false)
	require.NoError(t, fb.Set(context.Background(), "k", []byte("v"), SetOptions{}))

	// Set always writes through to secondary regardless of primary health.
	v, ok, err := secondary.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	// Primary never received the write while unhealthy.
	_, ok, err = primary.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err = fb.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestFallbackCallsOnReconnectAfterPrimaryRecovers(t *testing.T) {
	primary := newFlakyProvider()
	secondary := newFlakyProvider()
	var reconnects atomic.Int32
	fb := NewFallback(FallbackOptions{
		Primary:         primary,
		Secondary:       secondary,
		SyncOnReconnect: true,
		OnReconnect:     func() { reconnects.Add(1) },
	})
	defer fb.Close()

	primary.healthy.Store(false)
	_, _, _ = fb.Get(context.Background(), "missing")
	assert.EqualValues(t, 0, reconnects.Load())

	primary.healthy.Store(true)
	_, _, _ = fb.Get(context.Background(), "missing")
	assert.EqualValues(t, 1, reconnects.Load())
}

func TestFallbackInvalidateFansOutToBoth(t *testing.T) {
	primary := newFlakyProvider()
	secondary := newFlakyProvider()
	fb := NewFallback(FallbackOptions{Primary: primary, Secondary: secondary})
	defer fb.Close()

	require.NoError(t, fb.Set(context.Background(), "k", []byte("v"), SetOptions{Tags: []string{"t"}}))
	n, err := fb.InvalidateByTags(context.Background(), []string{"t"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFallbackIsHealthyIfEitherBackendIsUp(t *testing.T) {
	primary := newFlakyProvider()
	secondary := newFlakyProvider()
	fb := NewFallback(FallbackOptions{Primary: primary, Secondary: secondary})
	defer fb.Close()

	primary.healthy.Store(false)
	assert.True(t, fb.IsHealthy(context.Background()))

	secondary.healthy.Store(false)
	assert.False(t, fb.IsHealthy(context.Background()))
}
