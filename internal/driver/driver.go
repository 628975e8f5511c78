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

// Package driver defines the narrow wire-level contract the pool and
// transaction packages need from a PostgreSQL driver: connect, acquire,
// execute, release. internal/pool and internal/txn are written only
// against this contract so a pgxmock-backed Pool can stand in for tests
// without touching a real server.
package driver

import (
	"context"

	"github.com/andeerc/pg-multiverse/internal/types"
)

// Conn is a single checked-out connection. Every statement, including
// the native two-phase commit verbs (BEGIN, COMMIT, ROLLBACK, PREPARE
// TRANSACTION, COMMIT PREPARED, ROLLBACK PREPARED), is issued through
// Exec; there is no separate transaction type, since a distributed
// transaction holds exactly one Conn per participating cluster for its
// entire lifetime.
type Conn interface {
	// Exec runs sql with the given positional parameters ($1, $2, ...)
	// and returns the result rows (if any) and command tag.
	Exec(ctx context.Context, sql string, params ...any) (types.Result, error)

	// Release returns the connection to its owning pool. It is safe to
	// call exactly once; calling Exec after Release is undefined.
	Release()

	// Close forcibly destroys the connection instead of returning it to
	// the pool, used when a connection is known to be broken (e.g. a
	// failed PREPARE TRANSACTION that must not be reused).
	Close() error
}

// Stats mirrors a connection pool's instantaneous counters.
type Stats struct {
	Created   int64
	Destroyed int64
	Acquired  int64
	Released  int64
	Active    int
	Idle      int
	Waiting   int
	Total     int
}

// Pool is a connection pool bound to one PostgreSQL endpoint (a
// cluster's primary or one of its replicas).
type Pool interface {
	// Acquire blocks, up to the pool's configured acquire timeout,
	// until a connection is available, returning
	// types.ErrPoolNotReadyTimeout if none becomes available in time
	// and types.ErrPoolClosed if the pool has been closed.
	Acquire(ctx context.Context) (Conn, error)

	// Warmup opens up to n connections ahead of demand so the first
	// caller doesn't pay a cold-start cost.
	Warmup(ctx context.Context, n int) error

	// TestConnection acquires and immediately releases a connection,
	// used by the health checker as a cheap liveness probe.
	TestConnection(ctx context.Context) bool

	Stats() Stats

	// Close ends the underlying pool. Acquire returns
	// types.ErrPoolClosed afterward.
	Close() error
}

// Connector opens a Pool against a DSN. Implementations: PgxConnector
// (production, backed by pgxpool) and any pgxmock-backed test double
// that satisfies the same signature.
type Connector interface {
	Connect(ctx context.Context, dsn string) (Pool, error)
}
