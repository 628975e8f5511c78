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

// Package coordinator composes cluster routing, caching, distributed
// transactions, and migrations behind the single public entry point an
// application embeds, per spec.md §4.9.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/andeerc/pg-multiverse/internal/cache"
	"github.com/andeerc/pg-multiverse/internal/cluster"
	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/health"
	"github.com/andeerc/pg-multiverse/internal/migrate"
	"github.com/andeerc/pg-multiverse/internal/pool"
	"github.com/andeerc/pg-multiverse/internal/txn"
	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

// decodeRows/encodeRows serialize the generic row shape ExecuteQuery
// returns so it can round-trip through a []byte-keyed cache.Provider.
func decodeRows(raw []byte) []map[string]any {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}
	return rows
}

func encodeRows(rows []map[string]any) ([]byte, error) {
	return json.Marshal(rows)
}

// Config is the single struct an application fills in to stand up a
// Coordinator via BuildFromPath; it is the "one Config" spec.md §4.9
// calls for.
type Config struct {
	ConfigPath    string
	HealthOptions health.Options
	MigrationDir  string
	CacheProvider cache.Provider
}

// Coordinator is the facade an application imports: it owns the
// cluster manager, cache, transaction manager, migration manager, and
// the live configuration, wiring events between them.
type Coordinator struct {
	bus       *events.Bus
	configMgr *config.Manager
	clusters  *cluster.Manager
	cacheP    cache.Provider
	txns      *txn.Manager
	migrate   *migrate.Manager
	startedAt time.Time
}

// Options constructs a Coordinator from already-built components; New
// is the normal entry point, Options exists so tests and the CLI can
// substitute fakes for any one component.
type Options struct {
	Bus           *events.Bus
	ConfigManager *config.Manager
	Clusters      *cluster.Manager
	Cache         cache.Provider
	Txns          *txn.Manager
	Migrate       *migrate.Manager
}

// New wires the components in opts into a Coordinator. Each component
// is expected to already be constructed (via its own New); Coordinator
// does not own their lifecycles beyond Close.
func New(opts Options) *Coordinator {
	return &Coordinator{
		bus:       opts.Bus,
		configMgr: opts.ConfigManager,
		clusters:  opts.Clusters,
		cacheP:    opts.Cache,
		txns:      opts.Txns,
		migrate:   opts.Migrate,
		startedAt: time.Now(),
	}
}

// BuildFromPath loads the configuration document at cfg.ConfigPath and
// constructs a fully wired Coordinator against it, following the
// teacher's provider.go / wire_gen.go composition order (config, then
// cluster manager, then the components layered on top of it). Hand-
// wired here since wire's codegen output is itself just ordinary Go
// that a fixed, non-conditional dependency graph doesn't need
// generated.
func BuildFromPath(ctx context.Context, cfg Config, connector driver.Connector) (*Coordinator, error) {
	bus := events.NewBus()

	configMgr := config.NewManager(bus)
	doc, err := configMgr.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading configuration %q", cfg.ConfigPath)
	}

	clusterOpts := cluster.Options{Connector: connector, Bus: bus, HealthOptions: cfg.HealthOptions}
	clusterMgr := cluster.New(clusterOpts)
	if err := clusterMgr.Initialize(ctx, doc); err != nil {
		return nil, errors.Wrap(err, "initializing cluster manager")
	}

	txnMgr := txn.New(txn.Options{Resolver: clusterMgr, Bus: bus})

	migrateMgr := migrate.New(migrate.Options{
		Resolver:  clusterMgr,
		Config:    doc,
		Bus:       bus,
		Directory: cfg.MigrationDir,
	})
	if err := migrateMgr.Initialize(ctx); err != nil {
		return nil, errors.Wrap(err, "initializing migration tables")
	}

	co := New(Options{
		Bus:           bus,
		ConfigManager: configMgr,
		Clusters:      clusterMgr,
		Cache:         cfg.CacheProvider,
		Txns:          txnMgr,
		Migrate:       migrateMgr,
	})

	go co.watchConfig(ctx)
	return co, nil
}

// watchConfig applies live configuration edits to the cluster manager
// as config.Manager.Watch picks them up, the same fsnotify-driven loop
// the teacher runs for script reloads.
func (co *Coordinator) watchConfig(ctx context.Context) {
	if co.configMgr == nil {
		return
	}
	if co.bus != nil && co.clusters != nil {
		co.bus.On(events.KindConfigChanged, func(payload any) {
			ev, ok := payload.(config.ChangedEvent)
			if !ok {
				return
			}
			if err := co.clusters.UpdateConfig(ctx, ev.Doc); err != nil {
				log.WithError(err).Warn("pg-multiverse: applying reloaded configuration failed")
			}
		})
	}
	if err := co.configMgr.Watch(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("pg-multiverse: configuration watch loop exited")
	}
}

// Query routes and executes a single statement.
func (co *Coordinator) Query(ctx context.Context, sql string, params []any, opts types.QueryOptions) (types.Result, error) {
	cacheable := co.cacheP != nil && opts.Cache && opts.CacheKey != "" && opts.Operation != types.OperationWrite
	if cacheable {
		if cached, ok, err := co.cacheP.Get(ctx, opts.CacheKey); err == nil && ok {
			if co.bus != nil {
				co.bus.Emit(events.KindCacheHit, opts.CacheKey)
			}
			return types.Result{Rows: decodeRows(cached)}, nil
		}
		if co.bus != nil {
			co.bus.Emit(events.KindCacheMiss, opts.CacheKey)
		}
	}
	result, err := co.clusters.ExecuteQuery(ctx, sql, params, opts)
	if err != nil {
		return result, err
	}
	if cacheable {
		if encoded, encErr := encodeRows(result.Rows); encErr == nil {
			_ = co.cacheP.Set(ctx, opts.CacheKey, encoded, cache.SetOptions{
				TTL: opts.CacheTTL, Schema: opts.Schema, Cluster: opts.ClusterID,
			})
		}
	}
	return result, nil
}

// GetConnection resolves opts to a concrete connection, for callers
// that need to drive a statement sequence themselves instead of going
// through Query or WithTransaction.
func (co *Coordinator) GetConnection(ctx context.Context, opts types.QueryOptions) (*pool.WrappedConn, error) {
	return co.clusters.GetConnection(ctx, opts)
}

// RegisterSchema maps a schema to a cluster at runtime.
func (co *Coordinator) RegisterSchema(ctx context.Context, schema ident.SchemaName, clusterID ident.ClusterID, mapping map[string]string) error {
	return co.clusters.RegisterSchema(ctx, schema, clusterID, mapping)
}

// Transaction delegates to the cluster manager's single-connection
// transaction helper.
func (co *Coordinator) Transaction(ctx context.Context, fn func(ctx context.Context, conn *pool.WrappedConn) error, opts types.QueryOptions) error {
	return co.clusters.Transaction(ctx, fn, opts)
}

// BeginDistributed starts a 2PC-capable transaction over schemas.
func (co *Coordinator) BeginDistributed(ctx context.Context, schemas []ident.SchemaName) (txn.ID, error) {
	return co.txns.Begin(ctx, schemas, types.QueryOptions{})
}

// WithTransaction begins a distributed transaction over schemas, runs
// fn with a handle that issues statements through it, commits on
// success, and rolls back (re-raising fn's error) on any failure.
func (co *Coordinator) WithTransaction(ctx context.Context, schemas []ident.SchemaName, fn func(ctx context.Context, exec func(opts txn.ExecuteOptions) (types.Result, error)) error, opts types.QueryOptions) error {
	id, err := co.txns.Begin(ctx, schemas, opts)
	if err != nil {
		return err
	}

	exec := func(execOpts txn.ExecuteOptions) (types.Result, error) {
		return co.txns.Execute(ctx, id, execOpts)
	}

	if err := fn(ctx, exec); err != nil {
		if rbErr := co.txns.Rollback(ctx, id); rbErr != nil {
			log.WithError(rbErr).Warn("pg-multiverse: rollback after WithTransaction error failed")
		}
		return err
	}

	return co.txns.Commit(ctx, id)
}

// Execute runs a statement within a distributed transaction started
// with BeginDistributed.
func (co *Coordinator) Execute(ctx context.Context, id txn.ID, opts txn.ExecuteOptions) (types.Result, error) {
	return co.txns.Execute(ctx, id, opts)
}

// Commit finalizes a distributed transaction.
func (co *Coordinator) Commit(ctx context.Context, id txn.ID) error {
	return co.txns.Commit(ctx, id)
}

// Rollback aborts a distributed transaction.
func (co *Coordinator) Rollback(ctx context.Context, id txn.ID) error {
	return co.txns.Rollback(ctx, id)
}

// InvalidateCriteria selects one cache-invalidation method. Only the
// first non-empty field, in the order Schema, Tags, Cluster, Pattern,
// is honored per call.
type InvalidateCriteria struct {
	Schema  ident.SchemaName
	Tags    []string
	Cluster ident.ClusterID
	Pattern string
}

// InvalidateCache routes to the single cache.Provider method matching
// whichever criterion in criteria is set, per spec.md §4.9.
func (co *Coordinator) InvalidateCache(ctx context.Context, criteria InvalidateCriteria) (int, error) {
	if co.cacheP == nil {
		return 0, nil
	}
	switch {
	case criteria.Schema != "":
		return co.cacheP.InvalidateBySchema(ctx, criteria.Schema)
	case len(criteria.Tags) > 0:
		return co.cacheP.InvalidateByTags(ctx, criteria.Tags)
	case criteria.Cluster != "":
		return co.cacheP.InvalidateByCluster(ctx, criteria.Cluster)
	case criteria.Pattern != "":
		return co.cacheP.InvalidateByPattern(ctx, criteria.Pattern)
	default:
		return 0, nil
	}
}

// Migrate runs pending migrations.
func (co *Coordinator) Migrate(ctx context.Context, opts migrate.MigrateOptions) (migrate.Status, error) {
	return co.migrate.Migrate(ctx, opts)
}

// RollbackMigrations undoes applied migrations.
func (co *Coordinator) RollbackMigrations(ctx context.Context, opts migrate.RollbackOptions) (migrate.Status, error) {
	return co.migrate.Rollback(ctx, opts)
}

// MigrationStatus reports pending migrations.
func (co *Coordinator) MigrationStatus(ctx context.Context, opts migrate.StatusOptions) (migrate.Status, error) {
	return co.migrate.GetStatus(ctx, opts)
}

// AddMigration registers a migration with the underlying manager.
func (co *Coordinator) AddMigration(m *migrate.Migration) error {
	return co.migrate.AddMigration(m)
}

// Health reports the routing health of every cluster.
func (co *Coordinator) Health() map[ident.ClusterID]types.ClusterHealth {
	out := make(map[ident.ClusterID]types.ClusterHealth)
	for _, id := range co.clusters.GetClusters() {
		out[id] = co.clusters.GetClusterHealth(id)
	}
	return out
}

// Metrics is the SystemMetrics spec.md §4.9's GetMetrics returns: every
// cluster's pool metrics, the cache's own counters, distributed-
// transaction aggregates, process uptime, and query totals rolled up
// across every cluster.
type Metrics struct {
	Pools           map[ident.ClusterID]any
	Cache           cache.Stats
	Txn             txn.Metrics
	Uptime          time.Duration
	TotalQueries    int64
	AvgResponseTime time.Duration
	ErrorRate       float64
}

func (co *Coordinator) Metrics() Metrics {
	pools := make(map[ident.ClusterID]any)
	for id, m := range co.clusters.GetMetrics() {
		pools[id] = m
	}

	var cacheStats cache.Stats
	if co.cacheP != nil {
		cacheStats, _ = co.cacheP.Stats(context.Background())
	}

	var totalQueries, totalFailed int64
	var responseTimeSum time.Duration
	var clustersWithQueries int64
	for _, counts := range co.clusters.GetStats() {
		totalQueries += counts.Total
		totalFailed += counts.Failed
		if counts.Total > 0 {
			responseTimeSum += counts.AvgResponseTime
			clustersWithQueries++
		}
	}
	var avgResponseTime time.Duration
	if clustersWithQueries > 0 {
		avgResponseTime = responseTimeSum / time.Duration(clustersWithQueries)
	}
	var errorRate float64
	if totalQueries > 0 {
		errorRate = float64(totalFailed) / float64(totalQueries) * 100
	}

	return Metrics{
		Pools:           pools,
		Cache:           cacheStats,
		Txn:             co.txns.Metrics(),
		Uptime:          time.Since(co.startedAt),
		TotalQueries:    totalQueries,
		AvgResponseTime: avgResponseTime,
		ErrorRate:       errorRate,
	}
}

// Close tears down every owned component, cache last since migrations
// and transactions may still be flushing through it.
func (co *Coordinator) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if co.migrate != nil {
		record(co.migrate.Close())
	}
	if co.txns != nil {
		record(co.txns.Close())
	}
	if co.clusters != nil {
		record(co.clusters.Close())
	}
	if co.configMgr != nil {
		record(co.configMgr.Close())
	}
	if co.cacheP != nil {
		record(co.cacheP.Close())
	}
	return firstErr
}
