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

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/cache"
	"github.com/andeerc/pg-multiverse/internal/cluster"
	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/migrate"
	"github.com/andeerc/pg-multiverse/internal/txn"
	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

type fakeConn struct{ rows []map[string]any }

func (f *fakeConn) Exec(ctx context.Context, sql string, params ...any) (types.Result, error) {
	return types.Result{Rows: f.rows, RowsAffected: 1}, nil
}
func (f *fakeConn) Release()     {}
func (f *fakeConn) Close() error { return nil }

type fakePool struct{}

func (f *fakePool) Acquire(ctx context.Context) (driver.Conn, error) {
	return &fakeConn{rows: []map[string]any{{"id": float64(1)}}}, nil
}
func (f *fakePool) Warmup(ctx context.Context, n int) error { return nil }
func (f *fakePool) TestConnection(ctx context.Context) bool { return true }
func (f *fakePool) Stats() driver.Stats                     { return driver.Stats{Total: 1, Idle: 1} }
func (f *fakePool) Close() error                            { return nil }

type fakeConnector struct{}

func (f *fakeConnector) Connect(ctx context.Context, dsn string) (driver.Pool, error) {
	return &fakePool{}, nil
}

func testDocument() config.Document {
	return config.Document{
		"c1": config.ClusterConfig{
			Schemas: []string{"s1"},
			Primary: config.Connection{Host: "primary", Port: 5432, Database: "d", User: "u", Password: "p"},
		},
	}
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	ctx := context.Background()
	bus := events.NewBus()

	clusterMgr := cluster.New(cluster.Options{Connector: &fakeConnector{}, Bus: bus})
	require.NoError(t, clusterMgr.Initialize(ctx, testDocument()))

	memCache := cache.NewMemory(ctx, cache.MemoryOptions{Bus: bus})

	txnMgr := txn.New(txn.Options{Resolver: clusterMgr, Bus: bus})

	migrateMgr := migrate.New(migrate.Options{Resolver: clusterMgr, Config: testDocument(), Bus: bus})
	require.NoError(t, migrateMgr.Initialize(ctx))

	return New(Options{
		Bus:      bus,
		Clusters: clusterMgr,
		Cache:    memCache,
		Txns:     txnMgr,
		Migrate:  migrateMgr,
	})
}

func TestQueryCachesReadResult(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()
	ctx := context.Background()

	opts := types.QueryOptions{Schema: "s1", Cache: true, CacheKey: "q1"}
	result, err := co.Query(ctx, "SELECT 1", nil, opts)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 1)

	cached, ok, err := co.cacheP.Get(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, cached)
}

func TestDistributedTransactionCommits(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()
	ctx := context.Background()

	id, err := co.BeginDistributed(ctx, []ident.SchemaName{"s1"})
	require.NoError(t, err)

	_, err = co.Execute(ctx, id, txn.ExecuteOptions{SQL: "INSERT INTO t VALUES (1)", Schema: "s1"})
	require.NoError(t, err)

	require.NoError(t, co.Commit(ctx, id))
	assert.EqualValues(t, 1, co.Metrics().Txn.Committed)
}

func TestInvalidateCacheDelegatesBySchema(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()
	ctx := context.Background()

	require.NoError(t, co.cacheP.Set(ctx, "k1", []byte("v"), cache.SetOptions{Schema: "s1"}))
	n, err := co.InvalidateCache(ctx, InvalidateCriteria{Schema: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMigrateRunsRegisteredMigration(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()
	ctx := context.Background()

	ran := false
	require.NoError(t, co.AddMigration(&migrate.Migration{
		Version:       "0001",
		Name:          "seed",
		TargetSchemas: []string{"s1"},
		UpSource:      "up",
		DownSource:    "down",
		Up: func(ctx context.Context, mc migrate.Context) error {
			ran = true
			_, err := mc.Query("CREATE TABLE seed()")
			return err
		},
		Down: func(ctx context.Context, mc migrate.Context) error { return nil },
	}))

	status, err := co.Migrate(ctx, migrate.MigrateOptions{})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Len(t, status.Applied, 1)
}

func TestHealthReportsEveryCluster(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()

	time.Sleep(10 * time.Millisecond)
	health := co.Health()
	assert.Contains(t, health, ident.ClusterID("c1"))
}

func TestGetConnectionResolvesSchema(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()
	ctx := context.Background()

	conn, err := co.GetConnection(ctx, types.QueryOptions{Schema: "s1"})
	require.NoError(t, err)
	defer conn.Release()
	assert.Equal(t, ident.ClusterID("c1"), conn.ClusterID)
}

func TestRegisterSchemaMapsNewSchema(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()
	ctx := context.Background()

	require.NoError(t, co.RegisterSchema(ctx, "s2", "c1", nil))

	conn, err := co.GetConnection(ctx, types.QueryOptions{Schema: "s2"})
	require.NoError(t, err)
	defer conn.Release()
	assert.Equal(t, ident.ClusterID("c1"), conn.ClusterID)
}

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()
	ctx := context.Background()

	err := co.WithTransaction(ctx, []ident.SchemaName{"s1"}, func(ctx context.Context, exec func(txn.ExecuteOptions) (types.Result, error)) error {
		_, err := exec(txn.ExecuteOptions{SQL: "INSERT INTO t VALUES (1)", Schema: "s1"})
		return err
	}, types.QueryOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, co.Metrics().Txn.Committed)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err := co.WithTransaction(ctx, []ident.SchemaName{"s1"}, func(ctx context.Context, exec func(txn.ExecuteOptions) (types.Result, error)) error {
		return boom
	}, types.QueryOptions{})
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, co.Metrics().Txn.Aborted)
}

func TestMetricsAggregatesQueryTotals(t *testing.T) {
	co := newTestCoordinator(t)
	defer co.Close()
	ctx := context.Background()

	_, err := co.Query(ctx, "SELECT 1", nil, types.QueryOptions{Schema: "s1"})
	require.NoError(t, err)

	m := co.Metrics()
	assert.EqualValues(t, 1, m.TotalQueries)
	assert.Zero(t, m.ErrorRate)
}
