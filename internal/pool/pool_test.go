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

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/driver"
	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/types"
)

type fakeConn struct {
	failExec bool
	released atomic.Bool
}

func (f *fakeConn) Exec(ctx context.Context, sql string, params ...any) (types.Result, error) {
	if f.failExec {
		return types.Result{}, assert.AnError
	}
	return types.Result{Rows: []map[string]any{{"?column?": 1}}, RowsAffected: 0}, nil
}
func (f *fakeConn) Release()     { f.released.Store(true) }
func (f *fakeConn) Close() error { return nil }

type fakePool struct {
	mu       sync.Mutex
	closed   bool
	failPing bool
	conns    int
}

func (f *fakePool) Acquire(ctx context.Context) (driver.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, types.ErrPoolClosed
	}
	f.conns++
	return &fakeConn{failExec: f.failPing}, nil
}
func (f *fakePool) Warmup(ctx context.Context, n int) error { return nil }
func (f *fakePool) TestConnection(ctx context.Context) bool { return !f.failPing }
func (f *fakePool) Stats() driver.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return driver.Stats{Total: f.conns, Idle: 0}
}
func (f *fakePool) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeConnector struct {
	pool *fakePool
	err  error
}

func (f *fakeConnector) Connect(ctx context.Context, dsn string) (driver.Pool, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pool, nil
}

func waitForReady(t *testing.T, p *Pool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !p.IsReady() {
		if time.Now().After(deadline) {
			t.Fatal("pool never became ready")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPoolBecomesReadyAndAcquires(t *testing.T) {
	bus := events.NewBus()
	var readyFired atomic.Bool
	bus.On(events.KindPoolReady, func(payload any) { readyFired.Store(true) })

	fp := &fakePool{}
	p := New(context.Background(), &fakeConnector{pool: fp}, "dsn", "cluster-a", types.RolePrimary, 0, Options{
		AcquireTimeout: time.Second,
		Bus:            bus,
	})
	defer p.Close()

	waitForReady(t, p)
	assert.True(t, readyFired.Load())
	assert.Equal(t, ID("cluster-a_primary"), p.ID())

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = conn.Exec(context.Background(), "SELECT 1")
	require.NoError(t, err)
	conn.Release()

	m := p.Metrics()
	assert.EqualValues(t, 1, m.Acquired)
	assert.EqualValues(t, 1, m.Released)
}

func TestPoolAcquireTimeoutBeforeReady(t *testing.T) {
	fp := &fakePool{failPing: true}
	p := New(context.Background(), &fakeConnector{pool: fp}, "dsn", "cluster-b", types.RoleReplica, 1, Options{
		AcquireTimeout: 20 * time.Millisecond,
	})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, types.ErrPoolNotReadyTimeout)
	assert.Equal(t, ID("cluster-b_replica_1"), p.ID())
}

func TestPoolAcquireAfterCloseFails(t *testing.T) {
	fp := &fakePool{}
	p := New(context.Background(), &fakeConnector{pool: fp}, "dsn", "cluster-c", types.RolePrimary, 0, Options{
		AcquireTimeout: time.Second,
	})
	waitForReady(t, p)

	require.NoError(t, p.Close())
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, types.ErrPoolClosed)
}
