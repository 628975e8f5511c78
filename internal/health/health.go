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

// Package health runs periodic liveness probes across a cluster's
// primary and replica pools, tracks up/down/recovered transitions, and
// keeps a ClusterHealth snapshot per cluster (read through GetHealth)
// while publishing the transitions as events. ClusterManager reads the
// snapshots for reporting only; it does not change a cluster's status
// or routing from them.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"

	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/types"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
	"github.com/andeerc/pg-multiverse/internal/util/stopper"
)

// Prober is the slice of *pool.Pool's surface a health probe needs.
// Kept as an interface, rather than importing internal/pool directly,
// so this package can be unit tested without constructing real pools.
type Prober interface {
	TestConnection(ctx context.Context) bool
}

// Target is one cluster's set of pools to probe.
type Target struct {
	ClusterID ident.ClusterID
	Primary   Prober
	Replicas  []Prober
}

// Options configures the Checker.
type Options struct {
	// Interval between periodic checks. Defaults to 30s.
	Interval time.Duration

	// ForceCheckEvery/ForceCheckBurst bound how often ForceCheck may
	// run per cluster, guarding against probe storms from a noisy
	// caller. Defaults to 1 per second with a burst of 2.
	ForceCheckEvery time.Duration
	ForceCheckBurst int

	Bus *events.Bus
}

type clusterState struct {
	health      types.ClusterHealth
	startedAt   time.Time
	wasHealthy  bool
	everChecked bool
	limiter     *rate.Limiter
}

// Checker runs health probes for a registry of clusters.
type Checker struct {
	opts Options
	sc   *stopper.Context

	mu      sync.RWMutex
	targets map[ident.ClusterID]Target
	state   map[ident.ClusterID]*clusterState
}

// New constructs a Checker. Start must be called to begin probing.
func New(opts Options) *Checker {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ForceCheckEvery <= 0 {
		opts.ForceCheckEvery = time.Second
	}
	if opts.ForceCheckBurst <= 0 {
		opts.ForceCheckBurst = 2
	}
	return &Checker{
		opts:    opts,
		targets: make(map[ident.ClusterID]Target),
		state:   make(map[ident.ClusterID]*clusterState),
	}
}

// Start registers the given cluster targets, performs one immediate
// check per cluster, then probes every Options.Interval until Stop is
// called.
func (c *Checker) Start(ctx context.Context, targets []Target) {
	c.sc = stopper.WithContext(ctx)

	c.mu.Lock()
	for _, t := range targets {
		c.targets[t.ClusterID] = t
		c.state[t.ClusterID] = &clusterState{
			startedAt: time.Now(),
			limiter:   rate.NewLimiter(rate.Every(c.opts.ForceCheckEvery), c.opts.ForceCheckBurst),
		}
	}
	c.mu.Unlock()

	c.checkAll(c.sc)

	c.sc.Go(func() error {
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.sc.Stopping():
				return nil
			case <-ticker.C:
				c.checkAll(c.sc)
			}
		}
	})
}

// Stop ends the periodic probe loop.
func (c *Checker) Stop() {
	if c.sc != nil {
		c.sc.Stop()
		_ = c.sc.Wait()
	}
}

// RemoveCluster stops probing the given cluster and drops its stored
// health. Nothing in ClusterManager calls it.
func (c *Checker) RemoveCluster(clusterID ident.ClusterID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.targets, clusterID)
	delete(c.state, clusterID)
}

// GetHealth returns the most recent ClusterHealth snapshot for a
// cluster. The zero value is returned, with Healthy false, if the
// cluster is unknown.
func (c *Checker) GetHealth(clusterID ident.ClusterID) types.ClusterHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.state[clusterID]
	if !ok {
		return types.ClusterHealth{ClusterID: clusterID}
	}
	return st.health
}

// ForceCheck runs an immediate probe for one cluster, rate-limited per
// cluster so a caller retrying aggressively can't turn a force-check
// into a probe storm.
func (c *Checker) ForceCheck(ctx context.Context, clusterID ident.ClusterID) error {
	c.mu.RLock()
	target, okT := c.targets[clusterID]
	st, okS := c.state[clusterID]
	c.mu.RUnlock()
	if !okT || !okS {
		return types.ErrUnknownCluster
	}
	if !st.limiter.Allow() {
		return nil
	}
	c.checkOne(ctx, target, st)
	return nil
}

func (c *Checker) checkAll(ctx context.Context) {
	c.mu.RLock()
	targets := make([]Target, 0, len(c.targets))
	states := make(map[ident.ClusterID]*clusterState, len(c.state))
	for id, t := range c.targets {
		targets = append(targets, t)
		states[id] = c.state[id]
	}
	c.mu.RUnlock()

	g, gCtx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		st := states[t.ClusterID]
		g.Go(func() error {
			c.checkOne(gCtx, t, st)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) checkOne(ctx context.Context, target Target, st *clusterState) {
	start := time.Now()

	healthy := true
	var failure string
	if target.Primary != nil && !target.Primary.TestConnection(ctx) {
		healthy = false
		failure = "primary connection probe failed"
	}
	for i, r := range target.Replicas {
		if !r.TestConnection(ctx) {
			healthy = false
			if failure == "" {
				failure = "replica " + itoa(i) + " connection probe failed"
			}
		}
	}

	responseTime := time.Since(start)

	c.mu.Lock()
	wasHealthy := st.wasHealthy
	everChecked := st.everChecked
	previousLastCheck := st.health.LastCheck

	failureCount := 0
	if !healthy {
		failureCount = st.health.FailureCount + 1
	}

	snapshot := types.ClusterHealth{
		ClusterID:    target.ClusterID,
		Healthy:      healthy,
		LastCheck:    time.Now(),
		ResponseTime: responseTime,
		FailureCount: failureCount,
		Uptime:       time.Since(st.startedAt),
	}
	if !healthy {
		snapshot.Error = failure
	}
	st.health = snapshot
	st.wasHealthy = healthy
	st.everChecked = true
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"cluster": target.ClusterID,
		"healthy": healthy,
	}).Trace("health probe completed")

	if !everChecked {
		if healthy {
			c.emit(events.KindClusterUp, ClusterUpEvent{ClusterID: target.ClusterID})
		} else {
			c.emit(events.KindClusterDown, ClusterDownEvent{ClusterID: target.ClusterID, Reason: snapshot.Error})
		}
		return
	}

	switch {
	case wasHealthy && !healthy:
		c.emit(events.KindClusterDown, ClusterDownEvent{ClusterID: target.ClusterID, Reason: snapshot.Error})
	case !wasHealthy && healthy:
		c.emit(events.KindClusterRecovered, ClusterRecoveredEvent{
			ClusterID: target.ClusterID,
			Downtime:  snapshot.LastCheck.Sub(previousLastCheck),
		})
		c.emit(events.KindClusterUp, ClusterUpEvent{ClusterID: target.ClusterID})
	}
}

func (c *Checker) emit(kind events.Kind, payload any) {
	if c.opts.Bus != nil {
		c.opts.Bus.Emit(kind, payload)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ClusterDownEvent is published on a healthy->unhealthy transition.
type ClusterDownEvent struct {
	ClusterID ident.ClusterID
	Reason    string
}

// ClusterUpEvent is published when a cluster's first check finds it
// healthy, and on recovery right after a ClusterRecoveredEvent.
type ClusterUpEvent struct {
	ClusterID ident.ClusterID
}

// ClusterRecoveredEvent is published on an unhealthy->healthy
// transition, ahead of ClusterUpEvent.
type ClusterRecoveredEvent struct {
	ClusterID ident.ClusterID
	Downtime  time.Duration
}
