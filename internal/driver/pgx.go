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

package driver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/stopper"
)

// PgxConnector opens Pools backed by pgxpool.Pool.
type PgxConnector struct {
	// MaxConns and MinConns bound the underlying pgxpool; zero keeps
	// pgxpool's own defaults.
	MaxConns int32
	MinConns int32

	// AcquireTimeout bounds how long Acquire waits for a free
	// connection. Zero means wait indefinitely (bounded only by ctx).
	AcquireTimeout time.Duration

	// WaitForStartup, when true, retries the initial ping instead of
	// failing outright, for callers that start the database and this
	// process concurrently.
	WaitForStartup bool
}

var _ Connector = (*PgxConnector)(nil)

// Connect opens a pgxpool against dsn and pings it once before
// returning, retrying the ping if WaitForStartup is set.
func (c *PgxConnector) Connect(ctx context.Context, dsn string) (Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse connection string")
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		cfg.MinConns = c.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not create connection pool")
	}

ping:
	if err := pool.Ping(ctx); err != nil {
		if c.WaitForStartup {
			log.WithError(err).Info("waiting for database to become ready")
			select {
			case <-ctx.Done():
				pool.Close()
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				goto ping
			}
		}
		pool.Close()
		return nil, errors.Wrap(err, "could not ping the database")
	}

	adapter := &pgxPoolAdapter{
		pool:           pool,
		acquireTimeout: c.AcquireTimeout,
		sc:             stopper.WithContext(ctx),
	}
	adapter.sc.Go(func() error {
		<-adapter.sc.Stopping()
		pool.Close()
		return nil
	})
	return adapter, nil
}

type pgxPoolAdapter struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	sc             *stopper.Context

	closed    atomic.Bool
	created   atomic.Int64
	destroyed atomic.Int64
	acquired  atomic.Int64
	released  atomic.Int64
}

var _ Pool = (*pgxPoolAdapter)(nil)

func (p *pgxPoolAdapter) Acquire(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if p.acquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	conn, err := p.pool.Acquire(acquireCtx)
	if err != nil {
		if p.closed.Load() {
			return nil, types.ErrPoolClosed
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.ErrPoolNotReadyTimeout
		}
		return nil, errors.Wrap(err, "could not acquire connection")
	}
	p.acquired.Add(1)
	p.created.Add(1)

	return &pgxConnAdapter{conn: conn, onRelease: func() {
		p.released.Add(1)
	}}, nil
}

func (p *pgxPoolAdapter) Warmup(ctx context.Context, n int) error {
	conns := make([]*pgxpool.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			c.Release()
		}
	}()
	for i := 0; i < n; i++ {
		c, err := p.pool.Acquire(ctx)
		if err != nil {
			return errors.Wrap(err, "could not warm up connection pool")
		}
		conns = append(conns, c)
	}
	return nil
}

func (p *pgxPoolAdapter) TestConnection(ctx context.Context) bool {
	if p.closed.Load() {
		return false
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return false
	}
	defer conn.Release()
	return conn.Ping(ctx) == nil
}

func (p *pgxPoolAdapter) Stats() Stats {
	st := p.pool.Stat()
	return Stats{
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
		Acquired:  p.acquired.Load(),
		Released:  p.released.Load(),
		Active:    int(st.AcquiredConns()),
		Idle:      int(st.IdleConns()),
		Waiting:   int(st.EmptyAcquireCount()),
		Total:     int(st.TotalConns()),
	}
}

func (p *pgxPoolAdapter) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.sc.Stop()
	return nil
}

type pgxConnAdapter struct {
	conn      *pgxpool.Conn
	onRelease func()
	released  atomic.Bool
}

var _ Conn = (*pgxConnAdapter)(nil)

func (c *pgxConnAdapter) Exec(ctx context.Context, sql string, params ...any) (types.Result, error) {
	return execQuery(ctx, c.conn, sql, params...)
}

// pgxQuerier is the slice of pgx's connection surface this package
// relies on. *pgxpool.Conn, *pgx.Conn, and pgx.Tx all satisfy it, and
// so does a github.com/pashagolub/pgxmock/v3 mock connection or pool,
// which is what lets execQuery be exercised directly in tests without
// a real server.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func execQuery(ctx context.Context, q pgxQuerier, sql string, params ...any) (types.Result, error) {
	rows, err := q.Query(ctx, sql, params...)
	if err != nil {
		return types.Result{}, errors.Wrap(err, "driver exec failed")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return types.Result{}, errors.Wrap(err, "driver exec failed reading row")
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return types.Result{}, errors.Wrap(err, "driver exec failed")
	}

	tag := rows.CommandTag()
	return types.Result{Rows: out, RowsAffected: tag.RowsAffected()}, nil
}

func (c *pgxConnAdapter) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.conn.Release()
		if c.onRelease != nil {
			c.onRelease()
		}
	}
}

func (c *pgxConnAdapter) Close() error {
	if c.released.CompareAndSwap(false, true) {
		c.conn.Conn().Close(context.Background())
		c.conn.Release()
		if c.onRelease != nil {
			c.onRelease()
		}
	}
	return nil
}
