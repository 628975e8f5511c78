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

package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/health"
	"github.com/andeerc/pg-multiverse/internal/lb"
	"github.com/andeerc/pg-multiverse/internal/pool"
	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

// Options configures a Manager.
type Options struct {
	Connector     driver.Connector
	HealthOptions health.Options
	Bus           *events.Bus
}

// RegisteredEvent is published once a cluster finishes registration and
// is marked active.
type RegisteredEvent struct {
	ClusterID ident.ClusterID
}

// FailoverEvent is published after ForceFailover swaps a cluster's
// primary.
type FailoverEvent struct {
	ClusterID  ident.ClusterID
	NewPrimary pool.ID
	OldPrimary pool.ID
}

// Manager owns every registered cluster's pools and the shared health
// checker, and resolves QueryOptions to a concrete connection per
// spec.md §4.6.
type Manager struct {
	opts    Options
	checker *health.Checker

	mu             sync.RWMutex
	clusters       map[ident.ClusterID]*cluster
	schemaCluster  map[ident.SchemaName]ident.ClusterID
	closed         bool
}

// New constructs a Manager. Initialize must be called before routing.
func New(opts Options) *Manager {
	opts.HealthOptions.Bus = opts.Bus
	return &Manager{
		opts:          opts,
		checker:       health.New(opts.HealthOptions),
		clusters:      make(map[ident.ClusterID]*cluster),
		schemaCluster: make(map[ident.SchemaName]ident.ClusterID),
	}
}

// Initialize registers every cluster in cfg, in map-iteration order.
// The first cluster whose primary pool fails to become ready aborts
// the whole call with that error; clusters already registered remain
// registered.
func (m *Manager) Initialize(ctx context.Context, cfg config.Document) error {
	var targets []health.Target
	for id, cc := range cfg {
		c, err := m.registerCluster(ctx, ident.ClusterID(id), cc)
		if err != nil {
			return errors.Wrapf(err, "registering cluster %q", id)
		}
		targets = append(targets, c.healthTarget())
	}
	m.checker.Start(ctx, targets)
	return nil
}

// UpdateConfig reconciles the manager's registry with a new document:
// new clusters are registered, schema mappings are refreshed for
// existing clusters. Removing a cluster is not supported here — that
// requires draining in-flight work, which is left to an operator-driven
// deregistration path outside this package's scope.
func (m *Manager) UpdateConfig(ctx context.Context, cfg config.Document) error {
	for id, cc := range cfg {
		clusterID := ident.ClusterID(id)
		m.mu.RLock()
		existing, ok := m.clusters[clusterID]
		m.mu.RUnlock()

		if !ok {
			c, err := m.registerCluster(ctx, clusterID, cc)
			if err != nil {
				return errors.Wrapf(err, "registering cluster %q", id)
			}
			m.checker.Start(ctx, []health.Target{c.healthTarget()})
			continue
		}

		existing.mu.Lock()
		existing.cfg = cc
		existing.mu.Unlock()
		m.remapSchemas(clusterID, cc.Schemas)
	}
	return nil
}

// SchemaRegisteredEvent is published after RegisterSchema maps a schema
// to a cluster.
type SchemaRegisteredEvent struct {
	Schema    ident.SchemaName
	ClusterID ident.ClusterID
	Mapping   map[string]string
}

// RegisterSchema maps schema to clusterID at runtime, re-validating the
// "at most one cluster per schema" invariant on every call rather than
// only at Initialize, since schemas can be registered after startup.
// mapping carries caller-supplied routing metadata (e.g. a logical
// table alias); it is recorded on the published event but does not
// otherwise affect routing, which stays schema-keyed.
func (m *Manager) RegisterSchema(ctx context.Context, schema ident.SchemaName, clusterID ident.ClusterID, mapping map[string]string) error {
	m.mu.Lock()
	c, ok := m.clusters[clusterID]
	if !ok {
		m.mu.Unlock()
		return types.ErrUnknownCluster
	}
	if owner, exists := m.schemaCluster[schema]; exists && owner != clusterID {
		m.mu.Unlock()
		return errors.Errorf("pg-multiverse: schema %q is already mapped to cluster %q", schema, owner)
	}
	m.schemaCluster[schema] = clusterID
	c.mu.Lock()
	found := false
	for _, s := range c.schemas {
		if s == schema {
			found = true
			break
		}
	}
	if !found {
		c.schemas = append(c.schemas, schema)
	}
	c.mu.Unlock()
	m.mu.Unlock()

	if m.opts.Bus != nil {
		m.opts.Bus.Emit(events.KindSchemaRegistered, SchemaRegisteredEvent{Schema: schema, ClusterID: clusterID, Mapping: mapping})
	}
	return nil
}

func (m *Manager) remapSchemas(clusterID ident.ClusterID, schemas []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for schema, owner := range m.schemaCluster {
		if owner == clusterID {
			delete(m.schemaCluster, schema)
		}
	}
	for _, s := range schemas {
		m.schemaCluster[ident.SchemaName(s)] = clusterID
	}
}

func (m *Manager) registerCluster(ctx context.Context, id ident.ClusterID, cc config.ClusterConfig) (*cluster, error) {
	c := &cluster{
		id:       id,
		cfg:      cc,
		status:   types.ClusterInitializing,
		balancer: lb.New(balancerStrategy(cc.LoadBalancing)),
	}

	primaryOpts := poolOptions(cc.Primary, cc.ConnectionPool, m.opts.Bus)
	primary := pool.New(ctx, m.opts.Connector, dsn(cc.Primary), id, types.RolePrimary, 0, primaryOpts)
	if err := waitPoolReady(ctx, primary); err != nil {
		return nil, errors.Wrap(err, "primary pool failed to become ready")
	}
	c.primary = primary

	var liveReplicas []*pool.Pool
	for i, rc := range cc.Replicas {
		replicaOpts := poolOptions(rc, cc.ConnectionPool, m.opts.Bus)
		replica := pool.New(ctx, m.opts.Connector, dsn(rc), id, types.RoleReplica, i, replicaOpts)

		waitCtx, cancel := context.WithTimeout(ctx, replicaWarmupTimeout)
		err := waitPoolReady(waitCtx, replica)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"cluster": id, "replica": i,
			}).Warn("replica pool did not become ready in time, dropping from rotation")
			_ = replica.Close()
			continue
		}
		liveReplicas = append(liveReplicas, replica)
	}
	c.replicas = liveReplicas

	for _, s := range cc.Schemas {
		c.schemas = append(c.schemas, ident.SchemaName(s))
	}
	c.status = types.ClusterActive

	m.mu.Lock()
	m.clusters[id] = c
	for _, s := range cc.Schemas {
		m.schemaCluster[ident.SchemaName(s)] = id
	}
	m.mu.Unlock()

	if m.opts.Bus != nil {
		m.opts.Bus.Emit(events.KindClusterRegistered, RegisteredEvent{ClusterID: id})
	}
	return c, nil
}

// GetConnection resolves opts to a concrete pool and acquires a
// connection from it, per spec.md §4.6's routing algorithm.
func (m *Manager) GetConnection(ctx context.Context, opts types.QueryOptions) (*pool.WrappedConn, error) {
	c, err := m.resolveCluster(opts)
	if err != nil {
		return nil, err
	}

	useReplica := opts.Operation != types.OperationWrite && opts.Consistency != types.ConsistencyStrong

	c.mu.RLock()
	replicas := append([]*pool.Pool(nil), c.replicas...)
	primary := c.primary
	balancer := c.balancer
	lbCfg := c.cfg.LoadBalancing
	schema := opts.Schema
	c.mu.RUnlock()

	target := primary
	if useReplica && len(replicas) > 0 {
		lbReplicas := make([]lb.Replica, len(replicas))
		for i, r := range replicas {
			metrics := r.Metrics()
			lbReplicas[i] = lb.Replica{
				ID:             string(r.ID()),
				ActiveConns:    metrics.Active,
				MaxConnections: int(metrics.Total),
			}
		}
		idx, err := balancer.Select(lbReplicas, lbOptions(lbCfg))
		if err == nil {
			target = replicas[idx]
		}
	}

	conn, err := target.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn.Schema = schema
	return conn, nil
}

func (m *Manager) resolveCluster(opts types.QueryOptions) (*cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if opts.ClusterID != "" {
		c, ok := m.clusters[opts.ClusterID]
		if !ok {
			return nil, types.ErrUnknownCluster
		}
		return c, nil
	}

	if opts.Schema != "" {
		clusterID, ok := m.schemaCluster[opts.Schema]
		if !ok {
			return nil, types.ErrUnknownSchema
		}
		c := m.clusters[clusterID]
		c.mu.RLock()
		status := c.status
		c.mu.RUnlock()
		if status != types.ClusterActive {
			return nil, errors.Errorf("pg-multiverse: cluster %q is not active", clusterID)
		}
		return c, nil
	}

	for _, c := range m.clusters {
		c.mu.RLock()
		status := c.status
		c.mu.RUnlock()
		if status == types.ClusterActive {
			return c, nil
		}
	}
	return nil, types.ErrNoActiveCluster
}

// ExecuteQuery acquires a connection per the routing rules, executes
// sql, releases the connection in every path, and folds the result
// into this cluster's running statistics.
func (m *Manager) ExecuteQuery(ctx context.Context, sql string, params []any, opts types.QueryOptions) (types.Result, error) {
	if opts.Operation == "" {
		opts.Operation = types.DetectOperation(sql)
	}

	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}

	c, err := m.resolveCluster(opts)
	if err != nil {
		return types.Result{}, err
	}

	conn, err := m.GetConnection(ctx, opts)
	if err != nil {
		return types.Result{}, err
	}
	defer conn.Release()

	start := time.Now()
	result, err := conn.Exec(ctx, sql, params...)
	c.recordQuery(time.Since(start), err != nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = types.ErrDeadlineExceeded
		}
		if m.opts.Bus != nil {
			m.opts.Bus.Emit(events.KindQueryError, err)
		}
		return types.Result{}, err
	}
	if m.opts.Bus != nil {
		m.opts.Bus.Emit(events.KindQueryExecuted, result)
	}
	return result, nil
}

// Transaction runs fn against a single cluster's write connection,
// wrapped in BEGIN/COMMIT or ROLLBACK on error. Distributed,
// multi-cluster transactions are handled by internal/txn instead.
func (m *Manager) Transaction(ctx context.Context, fn func(ctx context.Context, conn *pool.WrappedConn) error, opts types.QueryOptions) error {
	opts.Operation = types.OperationWrite
	conn, err := m.GetConnection(ctx, opts)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(ctx, conn); err != nil {
		if _, rbErr := conn.Exec(ctx, "ROLLBACK"); rbErr != nil {
			log.WithError(rbErr).Warn("pg-multiverse: rollback after transaction error also failed")
		}
		return err
	}
	if _, err := conn.Exec(ctx, "COMMIT"); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

// GetClusters returns every registered cluster ID.
func (m *Manager) GetClusters() []ident.ClusterID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ident.ClusterID, 0, len(m.clusters))
	for id := range m.clusters {
		out = append(out, id)
	}
	return out
}

// GetMetrics returns each cluster's primary pool metrics, keyed by
// cluster ID.
func (m *Manager) GetMetrics() map[ident.ClusterID]pool.Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ident.ClusterID]pool.Metrics, len(m.clusters))
	for id, c := range m.clusters {
		c.mu.RLock()
		if c.primary != nil {
			out[id] = c.primary.Metrics()
		}
		c.mu.RUnlock()
	}
	return out
}

// GetStats returns each cluster's running query statistics.
func (m *Manager) GetStats() map[ident.ClusterID]types.QueryCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ident.ClusterID]types.QueryCounts, len(m.clusters))
	for id, c := range m.clusters {
		c.mu.RLock()
		out[id] = types.QueryCounts{
			Total:           c.queries,
			Successful:      c.queries - c.errs,
			Failed:          c.errs,
			AvgResponseTime: c.avgLatency,
		}
		c.mu.RUnlock()
	}
	return out
}

// GetClusterHealth returns the health checker's latest snapshot for a
// cluster, merged with its current connection counts.
func (m *Manager) GetClusterHealth(id ident.ClusterID) types.ClusterHealth {
	m.mu.RLock()
	c, ok := m.clusters[id]
	m.mu.RUnlock()
	if !ok {
		return types.ClusterHealth{ClusterID: id}
	}
	return c.health(context.Background(), m.checker)
}

// ForceHealthCheck runs an immediate probe for one cluster.
func (m *Manager) ForceHealthCheck(ctx context.Context, id ident.ClusterID) error {
	return m.checker.ForceCheck(ctx, id)
}

// ForceFailover promotes replicas[replicaIdx] to primary, demoting the
// former primary to the tail of the replica list.
func (m *Manager) ForceFailover(id ident.ClusterID, replicaIdx int) error {
	m.mu.RLock()
	c, ok := m.clusters[id]
	m.mu.RUnlock()
	if !ok {
		return types.ErrUnknownCluster
	}

	c.mu.Lock()
	if replicaIdx < 0 || replicaIdx >= len(c.replicas) {
		c.mu.Unlock()
		return errors.Errorf("pg-multiverse: replica index %d out of range for cluster %q", replicaIdx, id)
	}
	oldPrimary := c.primary
	newPrimary := c.replicas[replicaIdx]

	c.replicas = append(c.replicas[:replicaIdx], c.replicas[replicaIdx+1:]...)
	c.replicas = append(c.replicas, oldPrimary)
	c.primary = newPrimary
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"cluster":     id,
		"newPrimary":  newPrimary.ID(),
		"oldPrimary":  oldPrimary.ID(),
	}).Warn("pg-multiverse: forced failover")

	if m.opts.Bus != nil {
		m.opts.Bus.Emit(events.KindFailover, FailoverEvent{
			ClusterID:  id,
			NewPrimary: newPrimary.ID(),
			OldPrimary: oldPrimary.ID(),
		})
	}
	return nil
}

// Close stops the health checker and every registered cluster's pools.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clusters := make([]*cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		clusters = append(clusters, c)
	}
	m.mu.Unlock()

	m.checker.Stop()

	var firstErr error
	for _, c := range clusters {
		c.mu.RLock()
		primary := c.primary
		replicas := append([]*pool.Pool(nil), c.replicas...)
		c.mu.RUnlock()

		if primary != nil {
			if err := primary.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, r := range replicas {
			if err := r.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
