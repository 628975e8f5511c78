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
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
	"github.com/andeerc/pg-multiverse/internal/util/stopper"
)

type memoryEntry struct {
	value        []byte
	absoluteExpiry time.Time
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	tags         []string
	schema       ident.SchemaName
	cluster      ident.ClusterID
}

// MemoryOptions configures a Memory provider.
type MemoryOptions struct {
	MaxSize  int
	Strategy EvictionStrategy

	// SweepInterval is how often expired entries are swept out in the
	// background. Defaults to 60s.
	SweepInterval time.Duration

	Bus *events.Bus
}

// EvictionEvent is published whenever an entry leaves the memory
// cache, with its reason.
type EvictionEvent struct {
	Key    string
	Reason EvictionReason
}

// Memory is an in-process cache backend.
type Memory struct {
	opts MemoryOptions
	sc   *stopper.Context

	mu      sync.Mutex
	entries map[string]*memoryEntry

	hits, misses, sets, evictions int64
}

var _ Provider = (*Memory)(nil)

// NewMemory constructs a Memory provider and starts its background
// sweeper.
func NewMemory(ctx context.Context, opts MemoryOptions) *Memory {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 60 * time.Second
	}
	if opts.Strategy == "" {
		opts.Strategy = EvictionLRU
	}
	m := &Memory{
		opts:    opts,
		sc:      stopper.WithContext(ctx),
		entries: make(map[string]*memoryEntry),
	}
	m.sc.Go(func() error {
		ticker := time.NewTicker(opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.sc.Stopping():
				return nil
			case <-ticker.C:
				m.sweep()
			}
		}
	})
	return m
}

func (m *Memory) sweep() {
	now := time.Now()
	var evicted []string

	m.mu.Lock()
	for key, e := range m.entries {
		if now.After(e.absoluteExpiry) {
			delete(m.entries, key)
			m.evictions++
			evicted = append(evicted, key)
		}
	}
	m.mu.Unlock()

	for _, key := range evicted {
		m.emit(EvictionEvent{Key: key, Reason: EvictionReasonTTL})
	}
}

func (m *Memory) emit(payload EvictionEvent) {
	if m.opts.Bus != nil {
		m.opts.Bus.Emit(events.KindCacheEviction, payload)
	}
}

// Get returns the stored value for key, or ok=false on a miss. An
// expired entry is treated as a miss and removed.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false, nil
	}
	if time.Now().After(e.absoluteExpiry) {
		delete(m.entries, key)
		m.evictions++
		m.misses++
		m.emit(EvictionEvent{Key: key, Reason: EvictionReasonTTL})
		return nil, false, nil
	}

	e.accessCount++
	e.lastAccessed = time.Now()
	m.hits++
	return e.value, true, nil
}

// Set stores value under key, evicting one entry first if the cache is
// at capacity.
func (m *Memory) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && m.opts.MaxSize > 0 && len(m.entries) >= m.opts.MaxSize {
		m.evictOneLocked()
	}

	now := time.Now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	m.entries[key] = &memoryEntry{
		value:          value,
		absoluteExpiry: now.Add(ttl),
		createdAt:      now,
		lastAccessed:   now,
		tags:           opts.Tags,
		schema:         opts.Schema,
		cluster:        opts.Cluster,
	}
	m.sets++
	return nil
}

// evictOneLocked removes one entry per m.opts.Strategy. Caller holds m.mu.
func (m *Memory) evictOneLocked() {
	var victim string
	first := true
	for key, e := range m.entries {
		if first {
			victim = key
			first = false
			continue
		}
		cur := m.entries[victim]
		switch m.opts.Strategy {
		case EvictionLFU:
			if e.accessCount < cur.accessCount {
				victim = key
			}
		case EvictionFIFO:
			if e.createdAt.Before(cur.createdAt) {
				victim = key
			}
		default: // EvictionLRU
			if e.lastAccessed.Before(cur.lastAccessed) {
				victim = key
			}
		}
	}
	if victim != "" {
		delete(m.entries, victim)
		m.evictions++
		m.emit(EvictionEvent{Key: victim, Reason: EvictionReasonSize})
	}
}

// Has reports whether key is present and unexpired, without touching
// access statistics.
func (m *Memory) Has(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return !time.Now().After(e.absoluteExpiry), nil
}

// Delete removes key unconditionally.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()
	if existed {
		m.emit(EvictionEvent{Key: key, Reason: EvictionReasonManual})
	}
	return nil
}

// InvalidateBySchema removes every entry tagged with schema.
func (m *Memory) InvalidateBySchema(ctx context.Context, schema ident.SchemaName) (int, error) {
	return m.invalidateWhere(func(e *memoryEntry) bool { return e.schema == schema })
}

// InvalidateByCluster removes every entry tagged with cluster.
func (m *Memory) InvalidateByCluster(ctx context.Context, cluster ident.ClusterID) (int, error) {
	return m.invalidateWhere(func(e *memoryEntry) bool { return e.cluster == cluster })
}

// InvalidateByTags removes every entry carrying any of tags.
func (m *Memory) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}
	return m.invalidateWhere(func(e *memoryEntry) bool {
		for _, t := range e.tags {
			if _, ok := want[t]; ok {
				return true
			}
		}
		return false
	})
}

// InvalidateByPattern removes every key matching pattern, read as a
// Redis-style glob (`*`, `?`, bracket classes) that globToRegexp turns
// into an anchored regular expression matched against the whole key.
func (m *Memory) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return 0, err
	}
	return m.invalidateWhereKey(func(key string) bool { return re.MatchString(key) })
}

func (m *Memory) invalidateWhere(match func(*memoryEntry) bool) (int, error) {
	m.mu.Lock()
	var removed []string
	for key, e := range m.entries {
		if match(e) {
			delete(m.entries, key)
			removed = append(removed, key)
		}
	}
	m.mu.Unlock()
	for _, key := range removed {
		m.emit(EvictionEvent{Key: key, Reason: EvictionReasonManual})
	}
	return len(removed), nil
}

func (m *Memory) invalidateWhereKey(match func(string) bool) (int, error) {
	m.mu.Lock()
	var removed []string
	for key := range m.entries {
		if match(key) {
			delete(m.entries, key)
			removed = append(removed, key)
		}
	}
	m.mu.Unlock()
	for _, key := range removed {
		m.emit(EvictionEvent{Key: key, Reason: EvictionReasonManual})
	}
	return len(removed), nil
}

// globToRegexp converts the documented Redis-glob subset (* ? [..])
// into an anchored regular expression. Best-effort and lossy, per the
// design notes: callers should only rely on it for that subset.
func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '^', '$', '\\':
			b.WriteString("\\")
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("$")
	return b.String()
}

// Stats reports cumulative counters and the current entry count.
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Entries:   len(m.entries),
		Hits:      m.hits,
		Misses:    m.misses,
		Sets:      m.sets,
		Evictions: m.evictions,
	}, nil
}

// Clear removes every entry.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]*memoryEntry)
	m.mu.Unlock()
	return nil
}

// IsHealthy always reports true: an in-process map cannot become
// unreachable the way a network-backed provider can.
func (m *Memory) IsHealthy(ctx context.Context) bool { return true }

// GetMetadata returns key's bookkeeping fields without its value.
func (m *Memory) GetMetadata(ctx context.Context, key string) (Metadata, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Metadata{}, false, nil
	}
	return Metadata{
		CreatedAt:    e.createdAt,
		LastAccessed: e.lastAccessed,
		AccessCount:  e.accessCount,
		Size:         len(e.value),
		Tags:         e.tags,
		Schema:       e.schema,
		Cluster:      e.cluster,
		Expiry:       e.absoluteExpiry,
	}, true, nil
}

// Close stops the background sweeper.
func (m *Memory) Close() error {
	m.sc.Stop()
	_ = m.sc.Wait()
	return nil
}
