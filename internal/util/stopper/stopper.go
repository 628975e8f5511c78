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

// Package stopper provides a context-scoped goroutine group that
// carries a "stopping" signal distinct from context cancellation,
// so a background loop can tell the difference between "my caller gave
// up" and "I was asked to wind down cleanly".
package stopper

import (
	"context"
	"sync"
)

// Context wraps a context.Context with a goroutine group. The first
// error returned by a function passed to Go triggers Stop, which closes
// the Stopping channel and cancels the context.
type Context struct {
	context.Context

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

// WithContext creates a new stopper Context scoped to the given parent.
func WithContext(parent context.Context) *Context {
	inner, cancel := context.WithCancel(parent)
	return &Context{
		Context:  inner,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
}

// Go runs fn in a new goroutine tracked by the group. If fn returns a
// non-nil error, it is recorded (first error wins) and Stop is called.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.mu.Lock()
			if c.err == nil {
				c.err = err
			}
			c.mu.Unlock()
			c.Stop()
		}
	}()
}

// Stopping returns a channel that is closed when Stop is called.
func (c *Context) Stopping() <-chan struct{} {
	return c.stopping
}

// Stop requests a clean shutdown: it closes Stopping and cancels the
// wrapped context. Safe to call more than once and from any goroutine.
func (c *Context) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopping)
		c.cancel()
	})
}

// Wait blocks until every goroutine started with Go has returned, then
// reports the first error any of them returned, if any.
func (c *Context) Wait() error {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Run executes fn with a fresh child Context, returning the value fn
// produced along with a cleanup func that stops the group and waits for
// it to drain. If fn returns an error, the group is stopped before Run
// returns so callers don't need to remember to call cleanup themselves.
func Run[T any](parent context.Context, fn func(*Context) (T, error)) (T, func(), error) {
	sc := WithContext(parent)
	val, err := fn(sc)
	cleanup := func() {
		sc.Stop()
		_ = sc.Wait()
	}
	if err != nil {
		sc.Stop()
		var zero T
		return zero, cleanup, err
	}
	return val, cleanup, nil
}
