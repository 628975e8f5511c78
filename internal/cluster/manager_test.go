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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/health"
	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

type fakeConn struct {
	failExec bool
	dsn      string
}

func (f *fakeConn) Exec(ctx context.Context, sql string, params ...any) (types.Result, error) {
	if f.failExec {
		return types.Result{}, assert.AnError
	}
	return types.Result{Rows: []map[string]any{{"?column?": 1}}}, nil
}
func (f *fakeConn) Release()     {}
func (f *fakeConn) Close() error { return nil }

type fakePool struct {
	mu       sync.Mutex
	closed   bool
	failPing bool
}

func (f *fakePool) Acquire(ctx context.Context) (driver.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, types.ErrPoolClosed
	}
	return &fakeConn{failExec: f.failPing}, nil
}
func (f *fakePool) Warmup(ctx context.Context, n int) error { return nil }
func (f *fakePool) TestConnection(ctx context.Context) bool { return !f.failPing }
func (f *fakePool) Stats() driver.Stats                     { return driver.Stats{Total: 5, Idle: 3} }
func (f *fakePool) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeConnector hands out a fresh, always-healthy fakePool for every
// DSN except those listed in failDSNs, which never become ready.
type fakeConnector struct {
	failDSNs map[string]bool
}

func (f *fakeConnector) Connect(ctx context.Context, dsn string) (driver.Pool, error) {
	return &fakePool{failPing: f.failDSNs[dsn]}, nil
}

func twoNodeConfig() config.Document {
	return config.Document{
		"c1": config.ClusterConfig{
			Schemas: []string{"s1"},
			Primary: config.Connection{Host: "primary", Port: 5432, Database: "d", User: "u", Password: "p"},
			Replicas: []config.Connection{
				{Host: "replica0", Port: 5432, Database: "d", User: "u", Password: "p"},
			},
		},
	}
}

func waitForClusterReady(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		clusters := m.GetClusters()
		if len(clusters) > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cluster never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInitializeRegistersClusterAndMapsSchema(t *testing.T) {
	m := New(Options{Connector: &fakeConnector{}, HealthOptions: health.Options{Interval: time.Hour}})
	defer m.Close()

	require.NoError(t, m.Initialize(context.Background(), twoNodeConfig()))
	waitForClusterReady(t, m)

	assert.Equal(t, []ident.ClusterID{"c1"}, m.GetClusters())
}

func TestGetConnectionRoutesBySchema(t *testing.T) {
	m := New(Options{Connector: &fakeConnector{}, HealthOptions: health.Options{Interval: time.Hour}})
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background(), twoNodeConfig()))

	conn, err := m.GetConnection(context.Background(), types.QueryOptions{Schema: "s1", Operation: types.OperationRead})
	require.NoError(t, err)
	assert.Equal(t, ident.ClusterID("c1"), conn.ClusterID)
	conn.Release()
}

func TestGetConnectionUnknownSchemaErrors(t *testing.T) {
	m := New(Options{Connector: &fakeConnector{}, HealthOptions: health.Options{Interval: time.Hour}})
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background(), twoNodeConfig()))

	_, err := m.GetConnection(context.Background(), types.QueryOptions{Schema: "ghost"})
	assert.ErrorIs(t, err, types.ErrUnknownSchema)
}

func TestExecuteQueryTracksStats(t *testing.T) {
	m := New(Options{Connector: &fakeConnector{}, HealthOptions: health.Options{Interval: time.Hour}})
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background(), twoNodeConfig()))

	_, err := m.ExecuteQuery(context.Background(), "SELECT 1", nil, types.QueryOptions{Schema: "s1"})
	require.NoError(t, err)

	stats := m.GetStats()
	assert.EqualValues(t, 1, stats["c1"].Total)
	assert.EqualValues(t, 1, stats["c1"].Successful)
}

func TestForceFailoverSwapsPrimary(t *testing.T) {
	m := New(Options{Connector: &fakeConnector{}, HealthOptions: health.Options{Interval: time.Hour}})
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background(), twoNodeConfig()))

	m.mu.RLock()
	c := m.clusters["c1"]
	oldPrimary := c.primary.ID()
	newPrimary := c.replicas[0].ID()
	m.mu.RUnlock()

	var failovers atomic.Int32
	bus := events.NewBus()
	bus.On(events.KindFailover, func(any) { failovers.Add(1) })
	m.opts.Bus = bus

	require.NoError(t, m.ForceFailover("c1", 0))

	m.mu.RLock()
	assert.Equal(t, newPrimary, c.primary.ID())
	assert.Equal(t, oldPrimary, c.replicas[len(c.replicas)-1].ID())
	m.mu.RUnlock()
	assert.EqualValues(t, 1, failovers.Load())
}

func TestForceFailoverUnknownClusterErrors(t *testing.T) {
	m := New(Options{Connector: &fakeConnector{}, HealthOptions: health.Options{Interval: time.Hour}})
	defer m.Close()
	err := m.ForceFailover("ghost", 0)
	assert.ErrorIs(t, err, types.ErrUnknownCluster)
}

func TestGetClusterHealthUnknownClusterReturnsZeroValue(t *testing.T) {
	m := New(Options{Connector: &fakeConnector{}, HealthOptions: health.Options{Interval: time.Hour}})
	defer m.Close()
	h := m.GetClusterHealth("ghost")
	assert.False(t, h.Healthy)
}
