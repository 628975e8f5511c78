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
	"bytes"
	"context"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

const (
	defaultKeyPrefix        = "pg-multiverse:"
	compressionThreshold    = 1024
	gzipTagPrefix           = "gzip:"
)

// RedisOptions configures a Redis provider.
type RedisOptions struct {
	Client *redis.Client

	// KeyPrefix namespaces every key this provider touches. Defaults
	// to "pg-multiverse:".
	KeyPrefix string

	// MaxRetries bounds the linear-backoff reconnection attempts made
	// when a command fails due to connection loss.
	MaxRetries int
}

// Redis is a cache backend over github.com/redis/go-redis/v9, with
// auxiliary sets for schema/tag/cluster invalidation and optional gzip
// compression of large values, per spec.md's Redis backend contract.
type Redis struct {
	client     *redis.Client
	prefix     string
	maxRetries int

	connected atomic.Bool

	hits, misses, sets, evictions atomic.Int64
}

var _ Provider = (*Redis)(nil)

// NewRedis constructs a Redis provider.
func NewRedis(opts RedisOptions) *Redis {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	r := &Redis{client: opts.Client, prefix: prefix, maxRetries: maxRetries}
	r.connected.Store(true)
	return r
}

func (r *Redis) key(k string) string           { return r.prefix + k }
func (r *Redis) metaKey(k string) string       { return r.prefix + k + ":meta" }
func (r *Redis) schemaSetKey(s string) string  { return r.prefix + "schema:" + s }
func (r *Redis) clusterSetKey(c string) string { return r.prefix + "cluster:" + c }
func (r *Redis) tagSetKey(t string) string     { return r.prefix + "tag:" + t }

// Get fetches key, decompressing it first if it carries the "gzip:"
// tag. Connection failures trigger a reconnect attempt before giving
// up.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.withReconnect(ctx, func() (string, error) {
		return r.client.Get(ctx, r.key(key)).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.misses.Add(1)
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "redis get failed")
	}

	value, err := decodeValue(raw)
	if err != nil {
		return nil, false, err
	}

	r.hits.Add(1)
	// Best-effort access bookkeeping: failures here must not fail the
	// read.
	_ = r.client.HIncrBy(ctx, r.metaKey(key), "accessCount", 1).Err()
	_ = r.client.HSet(ctx, r.metaKey(key), "lastAccessed", time.Now().UnixMilli()).Err()

	return value, true, nil
}

func decodeValue(raw string) ([]byte, error) {
	if len(raw) >= len(gzipTagPrefix) && raw[:len(gzipTagPrefix)] == gzipTagPrefix {
		gz, err := gzip.NewReader(bytes.NewReader([]byte(raw[len(gzipTagPrefix):])))
		if err != nil {
			return nil, errors.Wrap(err, "redis value gzip decode failed")
		}
		defer gz.Close()
		out, err := io.ReadAll(gz)
		if err != nil {
			return nil, errors.Wrap(err, "redis value gzip decode failed")
		}
		return out, nil
	}
	return []byte(raw), nil
}

func encodeValue(value []byte) string {
	if len(value) < compressionThreshold {
		return string(value)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write(value)
	_ = gz.Close()
	return gzipTagPrefix + buf.String()
}

// Set stores value under key, additionally indexing it into the
// schema/cluster/tag sets InvalidateBy* scans.
func (r *Redis) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	encoded := encodeValue(value)

	_, err := r.withReconnect(ctx, func() (string, error) {
		pipe := r.client.Pipeline()
		pipe.Set(ctx, r.key(key), encoded, ttl)
		pipe.HSet(ctx, r.metaKey(key), map[string]any{
			"createdAt":    time.Now().UnixMilli(),
			"lastAccessed": time.Now().UnixMilli(),
			"accessCount":  0,
		})
		pipe.Expire(ctx, r.metaKey(key), ttl)

		if opts.Schema != "" {
			pipe.SAdd(ctx, r.schemaSetKey(string(opts.Schema)), key)
			pipe.Expire(ctx, r.schemaSetKey(string(opts.Schema)), ttl)
		}
		if opts.Cluster != "" {
			pipe.SAdd(ctx, r.clusterSetKey(string(opts.Cluster)), key)
			pipe.Expire(ctx, r.clusterSetKey(string(opts.Cluster)), ttl)
		}
		for _, tag := range opts.Tags {
			pipe.SAdd(ctx, r.tagSetKey(tag), key)
			pipe.Expire(ctx, r.tagSetKey(tag), ttl)
		}

		_, err := pipe.Exec(ctx)
		return "", err
	})
	if err != nil {
		return errors.Wrap(err, "redis set failed")
	}
	r.sets.Add(1)
	return nil
}

// Has reports whether key currently exists.
func (r *Redis) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists failed")
	}
	return n > 0, nil
}

// Delete removes key and its metadata hash.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key), r.metaKey(key)).Err(); err != nil {
		return errors.Wrap(err, "redis delete failed")
	}
	return nil
}

// InvalidateBySchema deletes every key indexed under the given schema.
func (r *Redis) InvalidateBySchema(ctx context.Context, schema ident.SchemaName) (int, error) {
	return r.invalidateSet(ctx, r.schemaSetKey(string(schema)))
}

// InvalidateByCluster deletes every key indexed under the given
// cluster.
func (r *Redis) InvalidateByCluster(ctx context.Context, cluster ident.ClusterID) (int, error) {
	return r.invalidateSet(ctx, r.clusterSetKey(string(cluster)))
}

// InvalidateByTags deletes every key indexed under any of the given
// tags.
func (r *Redis) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	total := 0
	for _, tag := range tags {
		n, err := r.invalidateSet(ctx, r.tagSetKey(tag))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (r *Redis) invalidateSet(ctx context.Context, setKey string) (int, error) {
	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis smembers failed")
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := r.client.Pipeline()
	keyDels := make([]*redis.IntCmd, 0, len(members))
	for _, m := range members {
		keyDels = append(keyDels, pipe.Del(ctx, r.key(m)))
		pipe.Del(ctx, r.metaKey(m))
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "redis pipeline delete failed")
	}

	deleted := 0
	for _, cmd := range keyDels {
		deleted += int(cmd.Val())
	}
	r.evictions.Add(int64(deleted))
	return deleted, nil
}

// InvalidateByPattern deletes keys matching a Redis-glob pattern via
// KEYS, a best-effort, lossy scan per the design notes: callers should
// restrict patterns to the documented Redis-glob subset.
func (r *Redis) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	keys, err := r.client.Keys(ctx, r.prefix+pattern).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis keys failed")
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return 0, errors.Wrap(err, "redis delete failed")
	}
	r.evictions.Add(int64(len(keys)))
	return len(keys), nil
}

// Stats reports this provider's cumulative counters.
func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	n, err := r.client.Keys(ctx, r.prefix+"*").Result()
	entries := 0
	if err == nil {
		entries = len(n)
	}
	return Stats{
		Entries:   entries,
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Sets:      r.sets.Load(),
		Evictions: r.evictions.Load(),
	}, nil
}

// Clear removes every key under this provider's prefix.
func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.client.Keys(ctx, r.prefix+"*").Result()
	if err != nil {
		return errors.Wrap(err, "redis keys failed")
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// IsHealthy pings Redis.
func (r *Redis) IsHealthy(ctx context.Context) bool {
	ok := r.client.Ping(ctx).Err() == nil
	r.connected.Store(ok)
	return ok
}

// GetMetadata reads key's sibling metadata hash.
func (r *Redis) GetMetadata(ctx context.Context, key string) (Metadata, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.metaKey(key)).Result()
	if err != nil {
		return Metadata{}, false, errors.Wrap(err, "redis hgetall failed")
	}
	if len(vals) == 0 {
		return Metadata{}, false, nil
	}

	md := Metadata{}
	if v, ok := vals["createdAt"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			md.CreatedAt = time.UnixMilli(ms)
		}
	}
	if v, ok := vals["lastAccessed"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			md.LastAccessed = time.UnixMilli(ms)
		}
	}
	if v, ok := vals["accessCount"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			md.AccessCount = n
		}
	}
	return md, true, nil
}

// Close closes the underlying Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// withReconnect runs fn, retrying up to maxRetries times with linear
// backoff on any error other than redis.Nil.
func (r *Redis) withReconnect(ctx context.Context, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		val, err := fn()
		if err == nil || errors.Is(err, redis.Nil) {
			r.connected.Store(true)
			return val, err
		}
		lastErr = err
		r.connected.Store(false)

		if attempt == r.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return "", lastErr
}
