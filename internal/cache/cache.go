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

// Package cache provides the keyed store query results are cached
// under: a memory backend, a Redis backend, and a fallback wrapper
// that composes the two. All three satisfy Provider.
package cache

import (
	"context"
	"time"

	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

// EvictionStrategy chooses which entry the memory backend discards
// when it is full.
type EvictionStrategy string

const (
	EvictionLRU  EvictionStrategy = "lru"
	EvictionLFU  EvictionStrategy = "lfu"
	EvictionFIFO EvictionStrategy = "fifo"
)

// EvictionReason records why an entry left the cache, carried on an
// eviction event.
type EvictionReason string

const (
	EvictionReasonTTL    EvictionReason = "ttl"
	EvictionReasonSize   EvictionReason = "size"
	EvictionReasonManual EvictionReason = "manual"
)

// SetOptions configures a single Set call.
type SetOptions struct {
	TTL     time.Duration
	Tags    []string
	Schema  ident.SchemaName
	Cluster ident.ClusterID
}

// Metadata describes a stored entry without its value, the shape
// GetMetadata returns.
type Metadata struct {
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	Size         int
	Tags         []string
	Schema       ident.SchemaName
	Cluster      ident.ClusterID
	Expiry       time.Time
}

// Stats is a snapshot of a provider's own counters.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
	Sets    int64
	Evictions int64
}

// Provider is the contract every cache backend satisfies.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, opts SetOptions) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	InvalidateBySchema(ctx context.Context, schema ident.SchemaName) (int, error)
	InvalidateByTags(ctx context.Context, tags []string) (int, error)
	InvalidateByCluster(ctx context.Context, cluster ident.ClusterID) (int, error)
	InvalidateByPattern(ctx context.Context, pattern string) (int, error)

	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
	GetMetadata(ctx context.Context, key string) (Metadata, bool, error)

	Close() error
}
