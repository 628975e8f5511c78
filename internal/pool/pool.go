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

// Package pool wraps a driver.Pool with the lifecycle, metrics, and
// event surface a cluster's primary or replica connection pool needs:
// non-blocking construction, a ready/not-ready gate, and counters that
// merge cumulative wrapper-side totals with the underlying pool's
// instantaneous stats.
package pool

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
	"github.com/andeerc/pg-multiverse/internal/util/metrics"
	"github.com/andeerc/pg-multiverse/internal/util/notify"
	"github.com/andeerc/pg-multiverse/internal/util/stopper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolAcquiredCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_acquired_total",
		Help: "the number of connections acquired from a pool",
	}, metrics.PoolLabels)
	poolReleasedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_released_total",
		Help: "the number of connections released back to a pool",
	}, metrics.PoolLabels)
	poolAcquireDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_acquire_duration_seconds",
		Help:    "the length of time it took to acquire a connection",
		Buckets: metrics.LatencyBuckets,
	}, metrics.PoolLabels)
)

// ID identifies a pool: clusterId + "_primary" or clusterId +
// "_replica_" + i.
type ID string

// NewID builds the poolId for a role within a cluster. replicaIndex is
// ignored for RolePrimary.
func NewID(cluster ident.ClusterID, role types.Role, replicaIndex int) ID {
	if role == types.RolePrimary {
		return ID(string(cluster) + "_primary")
	}
	return ID(string(cluster) + "_replica_" + itoa(replicaIndex))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Metrics is the merge of cumulative wrapper counters and the
// underlying driver pool's instantaneous stats, per spec.md §4.1.
type Metrics struct {
	Created   int64
	Destroyed int64
	Acquired  int64
	Released  int64
	Active    int
	Idle      int
	Waiting   int
	Total     int
}

// Options configures a Pool's construction.
type Options struct {
	// Size bounds. The Pool does not read them: Connect receives only
	// the DSN, so sizing is whatever the Connector itself applies.
	MinConns int32
	MaxConns int32

	// AcquireTimeout bounds how long Acquire blocks for an unready or
	// momentarily exhausted pool.
	AcquireTimeout time.Duration

	// Warmup, if > 0, is the number of connections opened and released
	// immediately after the readiness probe succeeds.
	Warmup int

	// ConnectionLifetime is carried in Options but not read by the Pool
	// or passed to the Connector; connection lifetime stays the driver
	// default.
	ConnectionLifetime time.Duration

	Bus *events.Bus
}

// Pool wraps a driver.Pool with readiness gating, metrics, and events.
type Pool struct {
	id        ID
	clusterID ident.ClusterID
	role      types.Role

	connector driver.Connector
	dsn       string
	opts      Options

	sc     *stopper.Context
	ready  notify.Var[bool]
	closed notify.Var[bool]

	underlying driver.Pool

	created   int64
	acquired  int64
	released  int64
	destroyed int64
}

// New constructs a Pool and starts its non-blocking initializer.
// Construction never blocks: the returned Pool is not-ready until the
// background probe succeeds, and Acquire blocks callers up to
// opts.AcquireTimeout until it does.
func New(ctx context.Context, connector driver.Connector, dsn string, cluster ident.ClusterID, role types.Role, replicaIndex int, opts Options) *Pool {
	p := &Pool{
		id:        NewID(cluster, role, replicaIndex),
		clusterID: cluster,
		role:      role,
		connector: connector,
		dsn:       dsn,
		opts:      opts,
		sc:        stopper.WithContext(ctx),
	}
	p.ready.Set(false)
	p.closed.Set(false)

	p.sc.Go(func() error {
		p.initialize()
		return nil
	})

	return p
}

func (p *Pool) initialize() {
	underlying, err := p.connector.Connect(p.sc, p.dsn)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"pool":    p.id,
			"cluster": p.clusterID,
		}).Error("pool initialization failed")
		p.emit(events.KindError, ErrorEvent{PoolID: p.id, ClusterID: p.clusterID, Err: err})
		return
	}

	conn, err := underlying.Acquire(p.sc)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"pool": p.id}).Error("readiness probe failed")
		p.emit(events.KindError, ErrorEvent{PoolID: p.id, ClusterID: p.clusterID, Err: err})
		return
	}
	if _, err := conn.Exec(p.sc, "SELECT 1"); err != nil {
		conn.Release()
		log.WithError(err).WithFields(log.Fields{"pool": p.id}).Error("readiness probe failed")
		p.emit(events.KindError, ErrorEvent{PoolID: p.id, ClusterID: p.clusterID, Err: err})
		return
	}
	conn.Release()

	if p.opts.Warmup > 0 {
		if err := underlying.Warmup(p.sc, p.opts.Warmup); err != nil {
			log.WithError(err).WithFields(log.Fields{"pool": p.id}).Warn("warmup failed, continuing")
		}
	}

	p.underlying = underlying
	p.ready.Set(true)
	log.WithFields(log.Fields{"pool": p.id, "cluster": p.clusterID}).Info("pool ready")
	p.emit(events.KindPoolReady, ReadyEvent{PoolID: p.id, ClusterID: p.clusterID})
}

// ReadyEvent is published when a pool becomes ready.
type ReadyEvent struct {
	PoolID    ID
	ClusterID ident.ClusterID
}

// ErrorEvent is published when a pool fails to initialize, probe, or
// execute a statement.
type ErrorEvent struct {
	PoolID    ID
	ClusterID ident.ClusterID
	Err       error
}

// ConnectionReleasedEvent is published every time an acquired
// connection is released back to the pool.
type ConnectionReleasedEvent struct {
	PoolID    ID
	ClusterID ident.ClusterID
}

func (p *Pool) emit(kind events.Kind, payload any) {
	if p.opts.Bus != nil {
		p.opts.Bus.Emit(kind, payload)
	}
}

func (p *Pool) labels() prometheus.Labels {
	return prometheus.Labels{
		"cluster": string(p.clusterID),
		"pool":    string(p.id),
		"role":    string(p.role),
	}
}

// ID returns the pool's identifier.
func (p *Pool) ID() ID { return p.id }

// IsReady reports whether the readiness probe has succeeded.
func (p *Pool) IsReady() bool { return p.ready.Peek() }

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool { return p.closed.Peek() }

// Acquire waits for readiness (up to opts.AcquireTimeout, if set) and
// returns a connection wrapped so that its Release both returns it to
// the driver and updates this Pool's counters.
func (p *Pool) Acquire(ctx context.Context) (*WrappedConn, error) {
	if p.closed.Peek() {
		return nil, types.ErrPoolClosed
	}

	start := time.Now()
	waitCtx := ctx
	var cancel context.CancelFunc
	if p.opts.AcquireTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}

	if !p.ready.Peek() {
		if err := p.waitReady(waitCtx); err != nil {
			return nil, err
		}
	}
	if p.closed.Peek() {
		return nil, types.ErrPoolClosed
	}

	conn, err := p.underlying.Acquire(waitCtx)
	if err != nil {
		if errors.Is(err, types.ErrPoolNotReadyTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, types.ErrPoolNotReadyTimeout
		}
		return nil, err
	}

	p.acquired++
	p.created++
	poolAcquiredCount.With(p.labels()).Inc()
	poolAcquireDurations.With(p.labels()).Observe(time.Since(start).Seconds())

	return &WrappedConn{
		Conn:      conn,
		ClusterID: p.clusterID,
		PoolID:    p.id,
		release: func() {
			p.released++
			poolReleasedCount.With(p.labels()).Inc()
			p.emit(events.KindConnectionReleased, ConnectionReleasedEvent{PoolID: p.id, ClusterID: p.clusterID})
		},
	}, nil
}

func (p *Pool) waitReady(ctx context.Context) error {
	for {
		val, wake := p.ready.Get()
		if val {
			return nil
		}
		select {
		case <-ctx.Done():
			return types.ErrPoolNotReadyTimeout
		case <-p.sc.Stopping():
			return types.ErrPoolClosed
		case <-wake:
		}
	}
}

// TestConnection acquires and releases a connection as a liveness
// probe, used by the health checker.
func (p *Pool) TestConnection(ctx context.Context) bool {
	if p.closed.Peek() || !p.ready.Peek() || p.underlying == nil {
		return false
	}
	return p.underlying.TestConnection(ctx)
}

// Warmup opens and releases n connections ahead of demand.
func (p *Pool) Warmup(ctx context.Context, n int) error {
	if p.underlying == nil {
		return types.ErrNotInitialized
	}
	return p.underlying.Warmup(ctx, n)
}

// Metrics merges cumulative wrapper counters with the underlying
// pool's instantaneous stats.
func (p *Pool) Metrics() Metrics {
	if p.underlying == nil {
		return Metrics{Created: p.created, Acquired: p.acquired, Released: p.released, Destroyed: p.destroyed}
	}
	st := p.underlying.Stats()
	return Metrics{
		Created:   p.created,
		Destroyed: p.destroyed,
		Acquired:  p.acquired,
		Released:  p.released,
		Active:    st.Total - st.Idle,
		Idle:      st.Idle,
		Waiting:   st.Waiting,
		Total:     st.Total,
	}
}

// Info describes the pool's identity for callers building a
// WrappedConnection's cluster metadata.
type Info struct {
	ID        ID
	ClusterID ident.ClusterID
	Role      types.Role
}

// Info returns this pool's identity.
func (p *Pool) Info() Info {
	return Info{ID: p.id, ClusterID: p.clusterID, Role: p.role}
}

// Close ends the underlying pool. Acquire returns types.ErrPoolClosed
// afterward.
func (p *Pool) Close() error {
	if p.closed.Peek() {
		return nil
	}
	p.closed.Set(true)
	p.sc.Stop()
	_ = p.sc.Wait()
	if p.underlying != nil {
		return p.underlying.Close()
	}
	return nil
}

// WrappedConn is a connection checked out from a Pool, tagged with the
// cluster and pool it came from so callers can attribute work without
// re-routing, per spec.md's WrappedConnection data model.
type WrappedConn struct {
	driver.Conn
	ClusterID ident.ClusterID
	PoolID    ID
	Schema    ident.SchemaName

	release func()
}

// Release returns the connection to its pool and runs the release
// bookkeeping exactly once.
func (w *WrappedConn) Release() {
	w.Conn.Release()
	if w.release != nil {
		w.release()
		w.release = nil
	}
}
