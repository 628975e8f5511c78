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

package txn

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/pool"
	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

// fakeConn records every statement issued to it and can be configured
// to fail statements with a given prefix, deterministically, used to
// exercise the prepare-phase-failure path the teacher's chaos.go
// covers probabilistically.
type fakeConn struct {
	mu        sync.Mutex
	clusterID ident.ClusterID
	execs     []string
	failOn    map[string]bool
	released  bool
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (types.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	for prefix, fail := range c.failOn {
		if fail && strings.HasPrefix(sql, prefix) {
			return types.Result{}, errors.Errorf("fault injected on %q", prefix)
		}
	}
	return types.Result{}, nil
}
func (c *fakeConn) Release() { c.released = true }
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) sawPrefix(prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.execs {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

// fakeResolver hands out one persistent fakeConn per cluster so a test
// can inspect every statement issued to that cluster across the whole
// transaction.
type fakeResolver struct {
	mu       sync.Mutex
	bySchema map[ident.SchemaName]ident.ClusterID
	conns    map[ident.ClusterID]*fakeConn
}

func newFakeResolver(bySchema map[ident.SchemaName]ident.ClusterID) *fakeResolver {
	return &fakeResolver{bySchema: bySchema, conns: make(map[ident.ClusterID]*fakeConn)}
}

func (r *fakeResolver) GetConnection(_ context.Context, opts types.QueryOptions) (*pool.WrappedConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clusterID, ok := r.bySchema[opts.Schema]
	if !ok {
		return nil, types.ErrUnknownSchema
	}
	conn, ok := r.conns[clusterID]
	if !ok {
		conn = &fakeConn{clusterID: clusterID, failOn: make(map[string]bool)}
		r.conns[clusterID] = conn
	}
	return &pool.WrappedConn{Conn: conn, ClusterID: clusterID, Schema: opts.Schema}, nil
}

func TestBeginSingleClusterIssuesBegin(t *testing.T) {
	resolver := newFakeResolver(map[ident.SchemaName]ident.ClusterID{"s1": "c1"})
	m := New(Options{Resolver: resolver})

	id, err := m.Begin(context.Background(), []ident.SchemaName{"s1"}, types.QueryOptions{})
	require.NoError(t, err)
	assert.True(t, resolver.conns["c1"].sawPrefix("BEGIN"))

	require.NoError(t, m.Commit(context.Background(), id))
	assert.True(t, resolver.conns["c1"].sawPrefix("COMMIT"))
	assert.True(t, resolver.conns["c1"].released)
}

func TestExecuteRoutesToResolvedCluster(t *testing.T) {
	resolver := newFakeResolver(map[ident.SchemaName]ident.ClusterID{"s1": "c1"})
	m := New(Options{Resolver: resolver})
	id, err := m.Begin(context.Background(), []ident.SchemaName{"s1"}, types.QueryOptions{})
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), id, ExecuteOptions{SQL: "INSERT INTO t VALUES (1)", Schema: "s1"})
	require.NoError(t, err)
	assert.True(t, resolver.conns["c1"].sawPrefix("INSERT"))

	require.NoError(t, m.Rollback(context.Background(), id))
}

func TestExecuteWrongStateAfterCommit(t *testing.T) {
	resolver := newFakeResolver(map[ident.SchemaName]ident.ClusterID{"s1": "c1"})
	m := New(Options{Resolver: resolver})
	id, err := m.Begin(context.Background(), []ident.SchemaName{"s1"}, types.QueryOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background(), id))

	_, err = m.Execute(context.Background(), id, ExecuteOptions{SQL: "SELECT 1", Schema: "s1"})
	assert.ErrorIs(t, err, types.ErrTransactionWrongState)
}

func TestExecuteUnresolvedClusterErrors(t *testing.T) {
	resolver := newFakeResolver(map[ident.SchemaName]ident.ClusterID{"s1": "c1", "s2": "c2"})
	m := New(Options{Resolver: resolver})
	id, err := m.Begin(context.Background(), []ident.SchemaName{"s1"}, types.QueryOptions{})
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), id, ExecuteOptions{SQL: "SELECT 1", Schema: "s2"})
	assert.Error(t, err)
	require.NoError(t, m.Rollback(context.Background(), id))
}

func TestTwoPhaseCommitHappyPath(t *testing.T) {
	resolver := newFakeResolver(map[ident.SchemaName]ident.ClusterID{"s1": "c1", "s2": "c2"})
	m := New(Options{Resolver: resolver})

	id, err := m.Begin(context.Background(), []ident.SchemaName{"s1", "s2"}, types.QueryOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Commit(context.Background(), id))

	assert.True(t, resolver.conns["c1"].sawPrefix("PREPARE TRANSACTION"))
	assert.True(t, resolver.conns["c2"].sawPrefix("PREPARE TRANSACTION"))
	assert.True(t, resolver.conns["c1"].sawPrefix("COMMIT PREPARED"))
	assert.True(t, resolver.conns["c2"].sawPrefix("COMMIT PREPARED"))

	metrics := m.Metrics()
	assert.EqualValues(t, 1, metrics.Committed)
	assert.EqualValues(t, 1, metrics.Distributed)
	assert.EqualValues(t, 0, metrics.Active)
}

func TestTwoPhaseCommitPrepareFailureRollsBackBoth(t *testing.T) {
	resolver := newFakeResolver(map[ident.SchemaName]ident.ClusterID{"s1": "c1", "s2": "c2"})
	m := New(Options{Resolver: resolver})

	id, err := m.Begin(context.Background(), []ident.SchemaName{"s1", "s2"}, types.QueryOptions{})
	require.NoError(t, err)

	resolver.conns["c2"].mu.Lock()
	resolver.conns["c2"].failOn["PREPARE TRANSACTION"] = true
	resolver.conns["c2"].mu.Unlock()

	err = m.Commit(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPreparePhaseFailed)

	assert.True(t, resolver.conns["c1"].sawPrefix("ROLLBACK PREPARED"))
	assert.True(t, resolver.conns["c2"].sawPrefix("ROLLBACK") && !resolver.conns["c2"].sawPrefix("ROLLBACK PREPARED"))

	metrics := m.Metrics()
	assert.EqualValues(t, 1, metrics.Aborted)
}

func TestRollbackReleasesEveryConnection(t *testing.T) {
	resolver := newFakeResolver(map[ident.SchemaName]ident.ClusterID{"s1": "c1", "s2": "c2"})
	m := New(Options{Resolver: resolver})
	id, err := m.Begin(context.Background(), []ident.SchemaName{"s1", "s2"}, types.QueryOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Rollback(context.Background(), id))
	assert.True(t, resolver.conns["c1"].sawPrefix("ROLLBACK"))
	assert.True(t, resolver.conns["c2"].sawPrefix("ROLLBACK"))
	assert.True(t, resolver.conns["c1"].released)
	assert.True(t, resolver.conns["c2"].released)

	metrics := m.Metrics()
	assert.EqualValues(t, 1, metrics.Aborted)
	assert.EqualValues(t, 0, metrics.Active)
}

func TestPerClusterTransactionRunsOncePerCluster(t *testing.T) {
	resolver := newFakeResolver(map[ident.SchemaName]ident.ClusterID{"s1": "c1", "s2": "c2"})
	m := New(Options{Resolver: resolver})

	var seen []ident.ClusterID
	results, err := m.PerClusterTransaction(context.Background(), []ident.SchemaName{"s1", "s2"},
		func(ctx context.Context, clusterID ident.ClusterID, exec func(sql string, params ...any) (types.Result, error)) error {
			seen = append(seen, clusterID)
			_, err := exec("INSERT INTO t VALUES (1)")
			return err
		})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.ElementsMatch(t, []ident.ClusterID{"c1", "c2"}, seen)
	assert.True(t, resolver.conns["c1"].sawPrefix("COMMIT"))
	assert.True(t, resolver.conns["c2"].sawPrefix("COMMIT"))
}

func TestCloseRollsBackOpenTransactions(t *testing.T) {
	resolver := newFakeResolver(map[ident.SchemaName]ident.ClusterID{"s1": "c1"})
	m := New(Options{Resolver: resolver})
	_, err := m.Begin(context.Background(), []ident.SchemaName{"s1"}, types.QueryOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, resolver.conns["c1"].sawPrefix("ROLLBACK"))
	assert.EqualValues(t, 0, m.Metrics().Active)
}
