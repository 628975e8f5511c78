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

// Package migrate runs versioned, dependency-ordered schema migrations
// against every cluster a schema is mapped to, tracking what has
// already run in a per-cluster migrations table and serializing
// concurrent runners with a per-cluster lock table.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/pool"
	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

const (
	migrationsTable  = "_pgm_migrations"
	lockTable        = "_pgm_migration_locks"
	defaultLockTTL   = 60 * time.Second
	defaultBatchSize = 1
)

// Context is passed to a Migration's Up/Down function. Query always
// targets the same (schema, cluster) the migration is executing
// against.
type Context struct {
	Query   func(sql string, params ...any) (types.Result, error)
	Schema  ident.SchemaName
	Cluster ident.ClusterID
	Version string
	Logger  *log.Entry
}

// Migration is one versioned unit of schema change. UpSource/DownSource
// feed the checksum recorded alongside an applied row, so a later
// rewrite of a migration's body (without bumping its version) is
// detectable.
type Migration struct {
	Version        string
	Name           string
	TargetSchemas  []string
	TargetClusters []string
	Dependencies   []string
	Tags           []string

	Up   func(ctx context.Context, mc Context) error
	Down func(ctx context.Context, mc Context) error

	UpSource   string
	DownSource string
}

func (m *Migration) validate() error {
	if m.Version == "" {
		return errors.New("migration version must not be empty")
	}
	if m.Name == "" {
		return errors.Errorf("migration %s: name must not be empty", m.Version)
	}
	if len(m.TargetSchemas) == 0 {
		return errors.Errorf("migration %s: targetSchemas must not be empty", m.Version)
	}
	if m.Up == nil || m.Down == nil {
		return errors.Errorf("migration %s: both up and down must be set", m.Version)
	}
	return nil
}

func (m *Migration) checksum() string {
	sum := sha256.Sum256([]byte(m.UpSource + m.DownSource))
	return hex.EncodeToString(sum[:])
}

func (m *Migration) targetsSchema(schema string) bool {
	for _, s := range m.TargetSchemas {
		if s == schema {
			return true
		}
	}
	return false
}

func (m *Migration) targetsCluster(cluster string) bool {
	if len(m.TargetClusters) == 0 {
		return true
	}
	for _, c := range m.TargetClusters {
		if c == cluster {
			return true
		}
	}
	return false
}

// AppliedMigration is one row recorded by a successful Migrate step.
type AppliedMigration struct {
	Version       string
	Schema        ident.SchemaName
	Cluster       ident.ClusterID
	ExecutionTime time.Duration
	Batch         int
}

// FailedMigration records a step that errored during a run.
type FailedMigration struct {
	Version string
	Schema  ident.SchemaName
	Cluster ident.ClusterID
	Error   string
}

// Status summarizes the outcome of a Migrate or Rollback call, or the
// result of GetStatus.
type Status struct {
	Applied []AppliedMigration
	Skipped []string
	Failed  []FailedMigration
	DryRun  bool
}

// ClusterResolver is the slice of cluster.Manager migrate needs:
// acquire a connection for a specific cluster, and enumerate every
// registered cluster (migrations_table/lock_table are provisioned on
// all of them).
type ClusterResolver interface {
	GetConnection(ctx context.Context, opts types.QueryOptions) (*pool.WrappedConn, error)
	GetClusters() []ident.ClusterID
}

// Options configures a Manager.
type Options struct {
	Resolver    ClusterResolver
	Config      config.Document
	Bus         *events.Bus
	LockTimeout time.Duration
	// Directory is where CreateMigration writes generated scaffold
	// files. It is never read back by Initialize: migrations are
	// registered in-process via AddMigration, the idiomatic-Go
	// counterpart of the original's interpreted-script directory scan.
	Directory string
}

// Manager implements spec.md §4.8's MigrationManager contract.
type Manager struct {
	resolver    ClusterResolver
	cfg         config.Document
	bus         *events.Bus
	lockTimeout time.Duration
	directory   string

	mu         sync.Mutex
	migrations map[string]*Migration
	batch      int64
}

// New constructs a Manager. Call Initialize before Migrate/Rollback.
func New(opts Options) *Manager {
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTTL
	}
	return &Manager{
		resolver:    opts.Resolver,
		cfg:         opts.Config,
		bus:         opts.Bus,
		lockTimeout: lockTimeout,
		directory:   opts.Directory,
		migrations:  make(map[string]*Migration),
	}
}

// migrationScaffold is the template written by CreateMigration. Go has
// no way to load a script file at runtime the way the original's
// interpreted migrations did, so CreateMigration produces a Go source
// file the operator edits and compiles in, then registers via
// AddMigration in the program that builds the Manager.
const migrationScaffold = `package migrations

// %s
//
// %s

import (
	"context"

	"github.com/andeerc/pg-multiverse/internal/migrate"
)

// Migration%s is the scaffold for %q. Fill in Up/Down and register it
// with Manager.AddMigration at startup.
var Migration%s = &migrate.Migration{
	Version:       %q,
	Name:          %q,
	TargetSchemas: %s,
	TargetClusters: %s,
	Dependencies:  []string{},
	UpSource:      "TODO",
	DownSource:    "TODO",
	Up: func(ctx context.Context, mc migrate.Context) error {
		_, err := mc.Query("-- TODO up")
		return err
	},
	Down: func(ctx context.Context, mc migrate.Context) error {
		_, err := mc.Query("-- TODO down")
		return err
	},
}
`

// CreateOptions configures CreateMigration's scaffold.
type CreateOptions struct {
	Schemas     []string
	Clusters    []string
	Description string
}

// CreateMigration writes a version-prefixed scaffold file for name
// into m's configured Directory and returns its path. version should
// be a sortable prefix (spec.md §6 specifies `YYYYMMDDHHMMSS`, minted
// by the caller so Manager stays free of wall-clock reads). It does
// not register the migration; AddMigration does that once the
// scaffold's Up/Down have been filled in and compiled into the binary.
func (m *Manager) CreateMigration(name string, version string, opts CreateOptions) (string, error) {
	if m.directory == "" {
		return "", errors.New("migrate: no scaffold directory configured")
	}
	if version == "" {
		return "", errors.New("migrate: version must not be empty")
	}
	safeName := sanitizeMigrationName(name)
	fileName := fmt.Sprintf("%s_%s.go", version, safeName)
	path := filepath.Join(m.directory, fileName)
	identifier := version + "_" + safeName

	desc := opts.Description
	if desc == "" {
		desc = "(no description provided)"
	}

	contents := fmt.Sprintf(migrationScaffold,
		name, desc,
		identifier, name,
		identifier, version, name,
		goStringSlice(opts.Schemas), goStringSlice(opts.Clusters))
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return "", errors.Wrapf(err, "writing migration scaffold %q", path)
	}
	return path, nil
}

func goStringSlice(values []string) string {
	if len(values) == 0 {
		return "[]string{}"
	}
	out := "[]string{"
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", v)
	}
	return out + "}"
}

func sanitizeMigrationName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// AddMigration registers m, validating it first. A later call with the
// same version replaces the earlier one ("last one wins"), mirroring
// the msort.UniqueByVersion semantics for re-registration.
func (m *Manager) AddMigration(mig *Migration) error {
	if err := mig.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations[mig.Version] = mig
	return nil
}

// RemoveMigration deregisters a migration by version.
func (m *Manager) RemoveMigration(version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.migrations, version)
}

// GetMigrations returns every registered migration, ascending by
// version.
func (m *Manager) GetMigrations() []*Migration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Migration, 0, len(m.migrations))
	for _, mig := range m.migrations {
		out = append(out, mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Initialize provisions the migrations and lock tables on every
// registered cluster. It does not execute any migration.
func (m *Manager) Initialize(ctx context.Context) error {
	for _, clusterID := range m.resolver.GetClusters() {
		conn, err := m.resolver.GetConnection(ctx, types.QueryOptions{ClusterID: clusterID, Operation: types.OperationWrite})
		if err != nil {
			return errors.Wrapf(err, "acquiring connection on cluster %q to provision migration tables", clusterID)
		}
		err = provisionTables(ctx, conn)
		conn.Release()
		if err != nil {
			return errors.Wrapf(err, "provisioning migration tables on cluster %q", clusterID)
		}
	}
	return nil
}

func provisionTables(ctx context.Context, conn *pool.WrappedConn) error {
	if _, err := conn.Exec(ctx, fmt.Sprintf(createMigrationsTableSQL, migrationsTable)); err != nil {
		return err
	}
	_, err := conn.Exec(ctx, fmt.Sprintf(createLockTableSQL, lockTable))
	return err
}

const createMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
	version TEXT NOT NULL,
	schema TEXT NOT NULL,
	cluster_id TEXT NOT NULL,
	name TEXT NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL,
	execution_time_ms BIGINT NOT NULL,
	checksum TEXT NOT NULL,
	batch INT NOT NULL,
	PRIMARY KEY (version, schema, cluster_id)
)`

const createLockTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	locked_by TEXT NOT NULL,
	locked_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`

type lane struct {
	schema  ident.SchemaName
	cluster ident.ClusterID
}

// schemaClusterPairs resolves the (schema, cluster) associations a
// Migrate/Rollback call should target: every configured schema unless
// schemas restricts the set, each mapped to its owning cluster, then
// further restricted to clusters if it is non-empty.
func schemaClusterPairs(cfg config.Document, schemas []string, clusters []string) []lane {
	var lanes []lane
	if len(schemas) == 0 {
		for clusterID, cc := range cfg {
			for _, s := range cc.Schemas {
				lanes = append(lanes, lane{schema: ident.SchemaName(s), cluster: ident.ClusterID(clusterID)})
			}
		}
	} else {
		for _, s := range schemas {
			clusterID, ok := config.GetClusterForSchema(cfg, s)
			if !ok {
				log.WithField("schema", s).Warn("pg-multiverse: migrate target schema is not mapped to any cluster, skipping")
				continue
			}
			lanes = append(lanes, lane{schema: ident.SchemaName(s), cluster: ident.ClusterID(clusterID)})
		}
	}

	if len(clusters) == 0 {
		return lanes
	}
	allowed := make(map[string]bool, len(clusters))
	for _, c := range clusters {
		allowed[c] = true
	}
	filtered := lanes[:0]
	for _, l := range lanes {
		if allowed[string(l.cluster)] {
			filtered = append(filtered, l)
		}
	}
	return filtered
}

// MigrateOptions configures one Migrate call.
type MigrateOptions struct {
	Schemas         []string
	Clusters        []string
	TargetVersion   string
	DryRun          bool
	Parallel        bool
	MaxParallel     int
	ContinueOnError bool
	Force           bool

	// Deadline, if non-zero, bounds the whole Migrate call. Migrations
	// that already committed before expiry are not undone; the lock for
	// whichever migration was in flight is released and Status reports
	// what finished.
	Deadline time.Time
}

// Migrate plans and, unless DryRun, executes pending migrations for
// the resolved (schema, cluster) lanes, per spec.md §4.8.
func (m *Manager) Migrate(ctx context.Context, opts MigrateOptions) (Status, error) {
	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}

	lanes := schemaClusterPairs(m.cfg, opts.Schemas, opts.Clusters)

	applied, err := m.fetchApplied(ctx, lanes)
	if err != nil {
		return Status{}, err
	}

	pending, err := m.planPending(lanes, applied, opts.TargetVersion)
	if err != nil {
		return Status{}, err
	}

	if err := m.checkDependencies(pending, applied, opts.Force); err != nil {
		return Status{}, err
	}

	if opts.DryRun {
		status := Status{DryRun: true}
		for _, item := range pending {
			status.Applied = append(status.Applied, AppliedMigration{
				Version: item.migration.Version, Schema: item.schema, Cluster: item.cluster,
			})
		}
		return status, nil
	}

	batch := int(atomic.AddInt64(&m.batch, 1))

	if opts.Parallel {
		return m.runParallel(ctx, pending, batch, opts.MaxParallel, opts.ContinueOnError)
	}
	return m.runSequential(ctx, pending, batch, opts.ContinueOnError)
}

type planItem struct {
	migration *Migration
	schema    ident.SchemaName
	cluster   ident.ClusterID
}

func (m *Manager) fetchApplied(ctx context.Context, lanes []lane) (map[lane]map[string]bool, error) {
	applied := make(map[lane]map[string]bool, len(lanes))
	seen := make(map[lane]bool, len(lanes))
	for _, l := range lanes {
		if seen[l] {
			continue
		}
		seen[l] = true

		conn, err := m.resolver.GetConnection(ctx, types.QueryOptions{ClusterID: l.cluster, Operation: types.OperationWrite})
		if err != nil {
			return nil, errors.Wrapf(err, "acquiring connection on cluster %q", l.cluster)
		}
		result, err := conn.Exec(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE schema=$1 AND cluster_id=$2`, migrationsTable), string(l.schema), string(l.cluster))
		conn.Release()
		if err != nil {
			return nil, errors.Wrapf(err, "fetching applied migrations for schema %q on cluster %q", l.schema, l.cluster)
		}

		versions := make(map[string]bool, len(result.Rows))
		for _, row := range result.Rows {
			if v, ok := row["version"].(string); ok {
				versions[v] = true
			}
		}
		applied[l] = versions
	}
	return applied, nil
}

func (m *Manager) planPending(lanes []lane, applied map[lane]map[string]bool, targetVersion string) ([]planItem, error) {
	migrations := m.GetMigrations()

	var pending []planItem
	for _, l := range lanes {
		done := applied[l]
		for _, mig := range migrations {
			if !mig.targetsSchema(string(l.schema)) || !mig.targetsCluster(string(l.cluster)) {
				continue
			}
			if done[mig.Version] {
				continue
			}
			if targetVersion != "" && mig.Version > targetVersion {
				continue
			}
			pending = append(pending, planItem{migration: mig, schema: l.schema, cluster: l.cluster})
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].migration.Version != pending[j].migration.Version {
			return pending[i].migration.Version < pending[j].migration.Version
		}
		if pending[i].schema != pending[j].schema {
			return pending[i].schema < pending[j].schema
		}
		return pending[i].cluster < pending[j].cluster
	})
	return pending, nil
}

// checkDependencies enforces that every dependency of a planned
// migration either also appears in the planning set at a smaller
// version, or is already applied for that migration's target schemas.
func (m *Manager) checkDependencies(pending []planItem, applied map[lane]map[string]bool, force bool) error {
	if force {
		return nil
	}
	planned := make(map[string]bool, len(pending))
	for _, item := range pending {
		planned[item.migration.Version] = true
	}

	for _, item := range pending {
		for _, dep := range item.migration.Dependencies {
			if planned[dep] && dep < item.migration.Version {
				continue
			}
			appliedEverywhere := true
			for _, schema := range item.migration.TargetSchemas {
				found := false
				for l, versions := range applied {
					if string(l.schema) == schema && versions[dep] {
						found = true
						break
					}
				}
				if !found {
					appliedEverywhere = false
					break
				}
			}
			if !appliedEverywhere {
				return errors.Wrapf(types.ErrDependencyMissing, "migration %s depends on %s", item.migration.Version, dep)
			}
		}
	}
	return nil
}

func (m *Manager) runSequential(ctx context.Context, pending []planItem, batch int, continueOnError bool) (Status, error) {
	var status Status
	for _, item := range pending {
		applied, err := m.executeOne(ctx, item, batch)
		if err != nil {
			status.Failed = append(status.Failed, FailedMigration{
				Version: item.migration.Version, Schema: item.schema, Cluster: item.cluster, Error: err.Error(),
			})
			if !continueOnError {
				return status, err
			}
			continue
		}
		status.Applied = append(status.Applied, applied)
	}
	return status, nil
}

func (m *Manager) runParallel(ctx context.Context, pending []planItem, batch int, maxParallel int, continueOnError bool) (Status, error) {
	if maxParallel <= 0 {
		maxParallel = 4
	}

	lanes := make(map[lane][]planItem)
	var order []lane
	for _, item := range pending {
		l := lane{schema: item.schema, cluster: item.cluster}
		if _, ok := lanes[l]; !ok {
			order = append(order, l)
		}
		lanes[l] = append(lanes[l], item)
	}

	var mu sync.Mutex
	var status Status
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for _, l := range order {
		items := lanes[l]
		g.Go(func() error {
			for _, item := range items {
				applied, err := m.executeOne(gctx, item, batch)
				mu.Lock()
				if err != nil {
					status.Failed = append(status.Failed, FailedMigration{
						Version: item.migration.Version, Schema: item.schema, Cluster: item.cluster, Error: err.Error(),
					})
				} else {
					status.Applied = append(status.Applied, applied)
				}
				mu.Unlock()
				if err != nil && !continueOnError {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return status, err
}

// executeOne acquires the lock for (version, schema, cluster), runs
// m.Up, records the applied row, and releases the lock — always
// attempting release even if Up failed.
func (m *Manager) executeOne(ctx context.Context, item planItem, batch int) (AppliedMigration, error) {
	lockKey := ident.NewLockKey(item.migration.Version, item.schema, item.cluster)

	if err := m.acquireLock(ctx, lockKey); err != nil {
		return AppliedMigration{}, err
	}
	defer m.releaseLock(context.WithoutCancel(ctx), lockKey)

	if m.bus != nil {
		m.bus.Emit(events.KindMigrationStarted, item.migration.Version)
	}

	conn, err := m.resolver.GetConnection(ctx, types.QueryOptions{ClusterID: item.cluster, Operation: types.OperationWrite})
	if err != nil {
		return AppliedMigration{}, errors.Wrapf(err, "acquiring connection on cluster %q", item.cluster)
	}
	defer conn.Release()

	mc := Context{
		Query:   func(sql string, params ...any) (types.Result, error) { return conn.Exec(ctx, sql, params...) },
		Schema:  item.schema,
		Cluster: item.cluster,
		Version: item.migration.Version,
		Logger:  log.WithFields(log.Fields{"version": item.migration.Version, "schema": item.schema, "cluster": item.cluster}),
	}

	start := time.Now()
	if err := item.migration.Up(ctx, mc); err != nil {
		if m.bus != nil {
			m.bus.Emit(events.KindMigrationFailed, item.migration.Version)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return AppliedMigration{}, types.ErrDeadlineExceeded
		}
		return AppliedMigration{}, errors.Wrapf(types.ErrMigrationFailed, "migration %s on %s/%s: %v", item.migration.Version, item.schema, item.cluster, err)
	}
	elapsed := time.Since(start)

	_, err = conn.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (version, schema, cluster_id, name, executed_at, execution_time_ms, checksum, batch) VALUES ($1,$2,$3,$4,now(),$5,$6,$7)`, migrationsTable),
		item.migration.Version, string(item.schema), string(item.cluster), item.migration.Name, elapsed.Milliseconds(), item.migration.checksum(), batch)
	if err != nil {
		return AppliedMigration{}, errors.Wrapf(err, "recording migration %s", item.migration.Version)
	}

	if m.bus != nil {
		m.bus.Emit(events.KindMigrationCompleted, item.migration.Version)
	}
	return AppliedMigration{Version: item.migration.Version, Schema: item.schema, Cluster: item.cluster, ExecutionTime: elapsed, Batch: batch}, nil
}

// acquireLock upserts a lock row on every registered cluster
// (best-effort fan-out per spec.md §4.8), but only the target cluster's
// own acquisition determines success: that's the one execution
// actually needs exclusivity on.
func (m *Manager) acquireLock(ctx context.Context, key ident.LockKey) error {
	expires := time.Now().Add(m.lockTimeout)
	lockedBy := string(key)

	var targetErr error
	var wg sync.WaitGroup
	targetCluster := ident.ClusterID(keyCluster(key))
	for _, clusterID := range m.resolver.GetClusters() {
		clusterID := clusterID
		isTarget := clusterID == targetCluster
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.acquireLockOn(ctx, clusterID, key, lockedBy, expires)
			if isTarget {
				targetErr = err
			} else if err != nil {
				log.WithError(err).WithField("cluster", clusterID).Debug("pg-multiverse: best-effort lock fan-out failed")
			}
		}()
	}
	wg.Wait()

	if targetErr != nil {
		return targetErr
	}
	return nil
}

func keyCluster(key ident.LockKey) string {
	s := string(key)
	// lock keys are version-schema-cluster; the cluster is the last
	// "-"-delimited component.
	idx := lastDash(s)
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

func lastDash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '-' {
			return i
		}
	}
	return -1
}

func (m *Manager) acquireLockOn(ctx context.Context, clusterID ident.ClusterID, key ident.LockKey, lockedBy string, expires time.Time) error {
	conn, err := m.resolver.GetConnection(ctx, types.QueryOptions{ClusterID: clusterID, Operation: types.OperationWrite})
	if err != nil {
		return err
	}
	defer conn.Release()

	result, err := conn.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (lock_key, locked_by, locked_at, expires_at)
VALUES ($1, $2, now(), $3)
ON CONFLICT (lock_key) DO UPDATE SET locked_by=$2, locked_at=now(), expires_at=$3
WHERE %s.expires_at < now()`, lockTable, lockTable), string(key), lockedBy, expires)
	if err != nil {
		return errors.Wrap(err, "acquiring migration lock")
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(types.ErrLockAcquisitionFailed, "lock %q is held", key)
	}
	return nil
}

func (m *Manager) releaseLock(ctx context.Context, key ident.LockKey) {
	clusterID := ident.ClusterID(keyCluster(key))
	conn, err := m.resolver.GetConnection(ctx, types.QueryOptions{ClusterID: clusterID, Operation: types.OperationWrite})
	if err != nil {
		log.WithError(err).WithField("lockKey", key).Warn("pg-multiverse: could not acquire connection to release migration lock")
		return
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE lock_key=$1`, lockTable), string(key)); err != nil {
		log.WithError(err).WithField("lockKey", key).Warn("pg-multiverse: releasing migration lock failed")
	}
}

// RollbackOptions configures one Rollback call.
type RollbackOptions struct {
	Schemas       []string
	Clusters      []string
	TargetVersion string
	Steps         int
	Force         bool
	DryRun        bool
}

// Rollback undoes applied migrations in reverse-applied order, per
// spec.md §4.8.
func (m *Manager) Rollback(ctx context.Context, opts RollbackOptions) (Status, error) {
	lanes := schemaClusterPairs(m.cfg, opts.Schemas, opts.Clusters)
	steps := opts.Steps
	if steps <= 0 && opts.TargetVersion == "" {
		steps = 1
	}

	var status Status
	for _, l := range lanes {
		conn, err := m.resolver.GetConnection(ctx, types.QueryOptions{ClusterID: l.cluster, Operation: types.OperationWrite})
		if err != nil {
			return status, errors.Wrapf(err, "acquiring connection on cluster %q", l.cluster)
		}
		result, err := conn.Exec(ctx, fmt.Sprintf(`SELECT version, name FROM %s WHERE schema=$1 AND cluster_id=$2 ORDER BY version DESC`, migrationsTable), string(l.schema), string(l.cluster))
		conn.Release()
		if err != nil {
			return status, errors.Wrapf(err, "listing applied migrations for schema %q on cluster %q", l.schema, l.cluster)
		}

		var rows []map[string]any
		for _, row := range result.Rows {
			version, _ := row["version"].(string)
			if opts.TargetVersion != "" && version <= opts.TargetVersion {
				continue
			}
			rows = append(rows, row)
			if opts.TargetVersion == "" && len(rows) >= steps {
				break
			}
		}

		for _, row := range rows {
			version, _ := row["version"].(string)
			mig := m.lookup(version)
			if mig == nil {
				if opts.Force {
					status.Skipped = append(status.Skipped, version)
					continue
				}
				status.Failed = append(status.Failed, FailedMigration{Version: version, Schema: l.schema, Cluster: l.cluster, Error: "migration object not registered"})
				return status, errors.Errorf("migration %s is not registered and force was not set", version)
			}

			if opts.DryRun {
				status.DryRun = true
				status.Applied = append(status.Applied, AppliedMigration{Version: version, Schema: l.schema, Cluster: l.cluster})
				continue
			}

			if err := m.rollbackOne(ctx, mig, l.schema, l.cluster); err != nil {
				status.Failed = append(status.Failed, FailedMigration{Version: version, Schema: l.schema, Cluster: l.cluster, Error: err.Error()})
				return status, err
			}
			status.Applied = append(status.Applied, AppliedMigration{Version: version, Schema: l.schema, Cluster: l.cluster})
		}
	}
	return status, nil
}

func (m *Manager) lookup(version string) *Migration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.migrations[version]
}

func (m *Manager) rollbackOne(ctx context.Context, mig *Migration, schema ident.SchemaName, cluster ident.ClusterID) error {
	lockKey := ident.NewLockKey(mig.Version, schema, cluster)
	if err := m.acquireLock(ctx, lockKey); err != nil {
		return err
	}
	defer m.releaseLock(ctx, lockKey)

	if m.bus != nil {
		m.bus.Emit(events.KindRollbackStarted, mig.Version)
	}

	conn, err := m.resolver.GetConnection(ctx, types.QueryOptions{ClusterID: cluster, Operation: types.OperationWrite})
	if err != nil {
		return errors.Wrapf(err, "acquiring connection on cluster %q", cluster)
	}
	defer conn.Release()

	mc := Context{
		Query:   func(sql string, params ...any) (types.Result, error) { return conn.Exec(ctx, sql, params...) },
		Schema:  schema,
		Cluster: cluster,
		Version: mig.Version,
		Logger:  log.WithFields(log.Fields{"version": mig.Version, "schema": schema, "cluster": cluster}),
	}

	if err := mig.Down(ctx, mc); err != nil {
		if m.bus != nil {
			m.bus.Emit(events.KindRollbackFailed, mig.Version)
		}
		return errors.Wrapf(types.ErrMigrationFailed, "rollback %s on %s/%s: %v", mig.Version, schema, cluster, err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE version=$1 AND schema=$2 AND cluster_id=$3`, migrationsTable), mig.Version, string(schema), string(cluster))
	if err != nil {
		return errors.Wrapf(err, "deleting migration row %s", mig.Version)
	}

	if m.bus != nil {
		m.bus.Emit(events.KindRollbackCompleted, mig.Version)
	}
	return nil
}

// StatusOptions restricts GetStatus to a subset of schemas/clusters;
// the zero value reports on every configured lane.
type StatusOptions struct {
	Schemas  []string
	Clusters []string
}

// GetStatus reports, for every lane opts resolves to, which registered
// migrations are still pending.
func (m *Manager) GetStatus(ctx context.Context, opts StatusOptions) (Status, error) {
	lanes := schemaClusterPairs(m.cfg, opts.Schemas, opts.Clusters)
	applied, err := m.fetchApplied(ctx, lanes)
	if err != nil {
		return Status{}, err
	}
	pending, err := m.planPending(lanes, applied, "")
	if err != nil {
		return Status{}, err
	}
	var status Status
	for _, item := range pending {
		status.Skipped = append(status.Skipped, fmt.Sprintf("%s (%s/%s)", item.migration.Version, item.schema, item.cluster))
	}
	return status, nil
}

// Close is a no-op: Manager holds no long-lived resources of its own
// beyond connections it borrows and releases per call.
func (m *Manager) Close() error { return nil }
