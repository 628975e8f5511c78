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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

func TestMemoryGetSetRoundTrip(t *testing.T) {
	m := NewMemory(context.Background(), MemoryOptions{})
	defer m.Close()

	require.NoError(t, m.Set(context.Background(), "k", []byte("v"), SetOptions{}))
	v, ok, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Sets)
	assert.EqualValues(t, 1, stats.Hits)
}

func TestMemoryGetMissReportsNoError(t *testing.T) {
	m := NewMemory(context.Background(), MemoryOptions{})
	defer m.Close()

	_, ok, err := m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryExpiredEntryTreatedAsMiss(t *testing.T) {
	m := NewMemory(context.Background(), MemoryOptions{})
	defer m.Close()

	require.NoError(t, m.Set(context.Background(), "k", []byte("v"), SetOptions{TTL: time.Millisecond}))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEvictsOneWhenFullLRU(t *testing.T) {
	m := NewMemory(context.Background(), MemoryOptions{MaxSize: 2, Strategy: EvictionLRU})
	defer m.Close()

	require.NoError(t, m.Set(context.Background(), "a", []byte("1"), SetOptions{}))
	require.NoError(t, m.Set(context.Background(), "b", []byte("2"), SetOptions{}))
	// touch "b" so "a" becomes the least recently used
	_, _, _ = m.Get(context.Background(), "b")

	require.NoError(t, m.Set(context.Background(), "c", []byte("3"), SetOptions{}))

	_, okA, _ := m.Get(context.Background(), "a")
	_, okB, _ := m.Get(context.Background(), "b")
	_, okC, _ := m.Get(context.Background(), "c")
	assert.False(t, okA)
	assert.True(t, okB)
	assert.True(t, okC)
}

func TestMemoryInvalidateBySchemaAndTagsAndCluster(t *testing.T) {
	m := NewMemory(context.Background(), MemoryOptions{})
	defer m.Close()

	require.NoError(t, m.Set(context.Background(), "a", []byte("1"), SetOptions{Schema: ident.SchemaName("s1"), Tags: []string{"t1"}, Cluster: ident.ClusterID("c1")}))
	require.NoError(t, m.Set(context.Background(), "b", []byte("2"), SetOptions{Schema: ident.SchemaName("s2")}))

	n, err := m.InvalidateBySchema(context.Background(), ident.SchemaName("s1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, _ := m.Get(context.Background(), "a")
	assert.False(t, ok)
	_, ok, _ = m.Get(context.Background(), "b")
	assert.True(t, ok)

	require.NoError(t, m.Set(context.Background(), "a", []byte("1"), SetOptions{Tags: []string{"t1"}}))
	n, err = m.InvalidateByTags(context.Background(), []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Set(context.Background(), "c", []byte("3"), SetOptions{Cluster: ident.ClusterID("c1")}))
	n, err = m.InvalidateByCluster(context.Background(), ident.ClusterID("c1"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryInvalidateByPatternGlob(t *testing.T) {
	m := NewMemory(context.Background(), MemoryOptions{})
	defer m.Close()

	require.NoError(t, m.Set(context.Background(), "user:1", []byte("1"), SetOptions{}))
	require.NoError(t, m.Set(context.Background(), "user:2", []byte("2"), SetOptions{}))
	require.NoError(t, m.Set(context.Background(), "order:1", []byte("3"), SetOptions{}))

	n, err := m.InvalidateByPattern(context.Background(), "user:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, _ := m.Get(context.Background(), "order:1")
	assert.True(t, ok)
}

func TestMemoryDeleteAndClear(t *testing.T) {
	m := NewMemory(context.Background(), MemoryOptions{})
	defer m.Close()

	require.NoError(t, m.Set(context.Background(), "a", []byte("1"), SetOptions{}))
	require.NoError(t, m.Delete(context.Background(), "a"))
	_, ok, _ := m.Get(context.Background(), "a")
	assert.False(t, ok)

	require.NoError(t, m.Set(context.Background(), "b", []byte("2"), SetOptions{}))
	require.NoError(t, m.Clear(context.Background()))
	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
}

func TestMemoryGetMetadata(t *testing.T) {
	m := NewMemory(context.Background(), MemoryOptions{})
	defer m.Close()

	require.NoError(t, m.Set(context.Background(), "a", []byte("hello"), SetOptions{Schema: ident.SchemaName("s1")}))
	md, ok, err := m.GetMetadata(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, md.Size)
	assert.Equal(t, ident.SchemaName("s1"), md.Schema)
}

func TestMemoryIsHealthyAlwaysTrue(t *testing.T) {
	m := NewMemory(context.Background(), MemoryOptions{})
	defer m.Close()
	assert.True(t, m.IsHealthy(context.Background()))
}
