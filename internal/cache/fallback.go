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

	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

// FallbackOptions configures a Fallback provider.
type FallbackOptions struct {
	Primary   Provider
	Secondary Provider

	// SyncOnReconnect, when true, calls OnReconnect once the primary is
	// observed healthy again after being down, so a caller can decide
	// whether to repopulate it. The sync itself is not performed by
	// this package.
	SyncOnReconnect bool
	OnReconnect     func()

	Bus *events.Bus
}

// Fallback composes a primary and a secondary Provider: reads and
// writes prefer the primary while it is healthy, and fall back to the
// secondary otherwise, per spec.md's fallback-wrapper contract.
type Fallback struct {
	opts           FallbackOptions
	primaryWasDown atomic.Bool
}

var _ Provider = (*Fallback)(nil)

// NewFallback constructs a Fallback provider.
func NewFallback(opts FallbackOptions) *Fallback {
	f := &Fallback{opts: opts}
	f.primaryWasDown.Store(!opts.Primary.IsHealthy(context.Background()))
	return f
}

func (f *Fallback) primaryHealthy(ctx context.Context) bool {
	healthy := f.opts.Primary.IsHealthy(ctx)
	wasDown := f.primaryWasDown.Load()
	if healthy && wasDown {
		f.primaryWasDown.Store(false)
		if f.opts.SyncOnReconnect && f.opts.OnReconnect != nil {
			f.opts.OnReconnect()
		}
	} else if !healthy {
		f.primaryWasDown.Store(true)
	}
	return healthy
}

// Get reads from the primary while it is healthy, otherwise the
// secondary.
func (f *Fallback) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.primaryHealthy(ctx) {
		v, ok, err := f.opts.Primary.Get(ctx, key)
		if err == nil {
			return v, ok, nil
		}
	}
	return f.opts.Secondary.Get(ctx, key)
}

// Set always writes to the secondary, and to the primary while it is
// healthy.
func (f *Fallback) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	if err := f.opts.Secondary.Set(ctx, key, value, opts); err != nil {
		return err
	}
	if f.primaryHealthy(ctx) {
		_ = f.opts.Primary.Set(ctx, key, value, opts)
	}
	return nil
}

// Has reports presence in either backend.
func (f *Fallback) Has(ctx context.Context, key string) (bool, error) {
	if f.primaryHealthy(ctx) {
		if ok, err := f.opts.Primary.Has(ctx, key); err == nil && ok {
			return true, nil
		}
	}
	return f.opts.Secondary.Has(ctx, key)
}

// Delete removes key from both backends.
func (f *Fallback) Delete(ctx context.Context, key string) error {
	_ = f.opts.Primary.Delete(ctx, key)
	return f.opts.Secondary.Delete(ctx, key)
}

// InvalidateBySchema fans out to both backends, summing the counts.
func (f *Fallback) InvalidateBySchema(ctx context.Context, schema ident.SchemaName) (int, error) {
	a, _ := f.opts.Primary.InvalidateBySchema(ctx, schema)
	b, err := f.opts.Secondary.InvalidateBySchema(ctx, schema)
	return a + b, err
}

// InvalidateByTags fans out to both backends, summing the counts.
func (f *Fallback) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	a, _ := f.opts.Primary.InvalidateByTags(ctx, tags)
	b, err := f.opts.Secondary.InvalidateByTags(ctx, tags)
	return a + b, err
}

// InvalidateByCluster fans out to both backends, summing the counts.
func (f *Fallback) InvalidateByCluster(ctx context.Context, cluster ident.ClusterID) (int, error) {
	a, _ := f.opts.Primary.InvalidateByCluster(ctx, cluster)
	b, err := f.opts.Secondary.InvalidateByCluster(ctx, cluster)
	return a + b, err
}

// InvalidateByPattern fans out to both backends, summing the counts.
func (f *Fallback) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	a, _ := f.opts.Primary.InvalidateByPattern(ctx, pattern)
	b, err := f.opts.Secondary.InvalidateByPattern(ctx, pattern)
	return a + b, err
}

// Stats reports the secondary's stats, since it observes every write
// regardless of primary health.
func (f *Fallback) Stats(ctx context.Context) (Stats, error) {
	return f.opts.Secondary.Stats(ctx)
}

// Clear clears both backends.
func (f *Fallback) Clear(ctx context.Context) error {
	_ = f.opts.Primary.Clear(ctx)
	return f.opts.Secondary.Clear(ctx)
}

// IsHealthy reports whether either backend is usable.
func (f *Fallback) IsHealthy(ctx context.Context) bool {
	return f.opts.Primary.IsHealthy(ctx) || f.opts.Secondary.IsHealthy(ctx)
}

// GetMetadata prefers the primary's metadata while it is healthy.
func (f *Fallback) GetMetadata(ctx context.Context, key string) (Metadata, bool, error) {
	if f.primaryHealthy(ctx) {
		if md, ok, err := f.opts.Primary.GetMetadata(ctx, key); err == nil && ok {
			return md, ok, nil
		}
	}
	return f.opts.Secondary.GetMetadata(ctx, key)
}

// Close closes both backends, returning the first error encountered.
func (f *Fallback) Close() error {
	errPrimary := f.opts.Primary.Close()
	errSecondary := f.opts.Secondary.Close()
	if errPrimary != nil {
		return errPrimary
	}
	return errSecondary
}
