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

// Package cluster owns the registry of configured clusters, their
// pools, the schema→cluster routing table, and the shared health
// checker; it resolves a caller's QueryOptions to a concrete connection
// and drives query execution and failover.
package cluster

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/health"
	"github.com/andeerc/pg-multiverse/internal/lb"
	"github.com/andeerc/pg-multiverse/internal/pool"
	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

// replicaWarmupTimeout bounds how long a replica pool registration waits
// for the pool to become ready before the replica is dropped as
// degraded, per spec.md §4.6.
const replicaWarmupTimeout = 15 * time.Second

// cluster is the runtime state for one configured cluster: its pools,
// load balancer, and live statistics.
type cluster struct {
	mu sync.RWMutex

	id     ident.ClusterID
	cfg    config.ClusterConfig
	status types.ClusterStatus

	primary  *pool.Pool
	replicas []*pool.Pool
	balancer *lb.Balancer

	schemas []ident.SchemaName

	queries    int64
	errs       int64
	avgLatency time.Duration
}

func (c *cluster) health(ctx context.Context, checker *health.Checker) types.ClusterHealth {
	h := checker.GetHealth(c.id)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.primary != nil {
		m := c.primary.Metrics()
		h.Connections = types.ConnectionCounts{Active: m.Active, Idle: m.Idle, Total: m.Total}
	}
	h.Queries = types.QueryCounts{
		Total:           c.queries,
		Successful:      c.queries - c.errs,
		Failed:          c.errs,
		AvgResponseTime: c.avgLatency,
	}
	return h
}

func (c *cluster) recordQuery(d time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	if failed {
		c.errs++
	}
	if c.avgLatency == 0 {
		c.avgLatency = d
	} else {
		c.avgLatency = (c.avgLatency + d) / 2
	}
}

func (c *cluster) healthTarget() health.Target {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := health.Target{ClusterID: c.id, Primary: c.primary}
	for _, r := range c.replicas {
		t.Replicas = append(t.Replicas, r)
	}
	return t
}

// dsn builds a postgres:// connection string from a configured
// Connection.
func dsn(conn config.Connection) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(conn.User, conn.Password),
		Host:   fmt.Sprintf("%s:%d", conn.Host, conn.Port),
		Path:   "/" + conn.Database,
	}
	q := url.Values{}
	if conn.SearchPath != "" {
		q.Set("search_path", conn.SearchPath)
	}
	if ssl, ok := conn.SSL.(bool); ok && !ssl {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func poolOptions(conn config.Connection, override *config.ConnectionPool, bus *events.Bus) pool.Options {
	opts := pool.Options{
		MinConns:       conn.MinConnections,
		MaxConns:       conn.MaxConnections,
		AcquireTimeout: 10 * time.Second,
		Bus:            bus,
	}
	if conn.ConnectionTimeoutMillis > 0 {
		opts.AcquireTimeout = time.Duration(conn.ConnectionTimeoutMillis) * time.Millisecond
	}
	if override != nil {
		if override.MaxConnections > 0 {
			opts.MaxConns = override.MaxConnections
		}
		if override.MinConnections > 0 {
			opts.MinConns = override.MinConnections
		}
		opts.Warmup = override.WarmupConnections
	}
	if opts.MaxConns == 0 {
		opts.MaxConns = 10
	}
	return opts
}

// waitPoolReady polls p.IsReady until it is true or ctx is done.
func waitPoolReady(ctx context.Context, p *pool.Pool) error {
	if p.IsReady() {
		return nil
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.IsReady() {
				return nil
			}
		}
	}
}

func balancerStrategy(lbCfg *config.LoadBalancing) lb.Strategy {
	if lbCfg == nil || lbCfg.Strategy == "" {
		return lb.StrategyRoundRobin
	}
	return lb.Strategy(lbCfg.Strategy)
}

func lbOptions(lbCfg *config.LoadBalancing) lb.Options {
	if lbCfg == nil {
		return lb.Options{}
	}
	return lb.Options{Weights: lbCfg.Weights, HealthThreshold: 50}
}
