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

// Package lb selects a replica index from a cluster's replica list
// given a strategy. Selection is a pure function of its inputs plus an
// internal round-robin cursor; it never touches the network.
package lb

import (
	"math/rand"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Strategy names one of the selection algorithms.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWeighted         Strategy = "weighted"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyResponseTime     Strategy = "response_time"
	StrategyHealthAware      Strategy = "health_aware"
)

// Replica is the per-replica information a strategy may consider.
// ID is used as the weighted strategy's weight-map key, falling back
// to "replica_<index>" when unset.
type Replica struct {
	ID              string
	Weight          float64
	ActiveConns     int
	MaxConnections  int
	AvgResponseTime float64 // milliseconds
}

// Options configures a single Select call.
type Options struct {
	Weights        map[string]float64
	HealthThreshold float64
}

// ErrNoReplicas is returned by Select when given an empty replica list.
var ErrNoReplicas = errors.New("pg-multiverse: no replicas available")

// Stats is a snapshot of the balancer's own counters.
type Stats struct {
	Strategy   Strategy
	Selections int64
	Cursor     int
}

// Balancer selects a replica index given a strategy. The zero value
// uses StrategyRoundRobin.
type Balancer struct {
	strategy   atomic.Value // Strategy
	cursor     atomic.Int64
	selections atomic.Int64

	// rng is overridable in tests so weighted selection is
	// deterministic.
	rng func() float64
}

// New returns a Balancer using the given initial strategy.
func New(strategy Strategy) *Balancer {
	b := &Balancer{rng: rand.Float64}
	b.strategy.Store(strategy)
	return b
}

// SetStrategy changes the active strategy.
func (b *Balancer) SetStrategy(s Strategy) {
	b.strategy.Store(s)
}

// Stats reports the balancer's current strategy and selection count.
func (b *Balancer) Stats() Stats {
	return Stats{
		Strategy:   b.strategy.Load().(Strategy),
		Selections: b.selections.Load(),
		Cursor:     int(b.cursor.Load()),
	}
}

// Select picks an index into replicas. An empty list is an error; a
// single-element list always returns 0 without consulting the
// strategy.
func (b *Balancer) Select(replicas []Replica, opts Options) (int, error) {
	if len(replicas) == 0 {
		return 0, ErrNoReplicas
	}
	if len(replicas) == 1 {
		return 0, nil
	}

	b.selections.Add(1)

	var idx int
	switch b.strategy.Load().(Strategy) {
	case StrategyWeighted:
		idx = b.selectWeighted(replicas, opts.Weights)
	case StrategyLeastConnections:
		idx = selectLeastConnections(replicas)
	case StrategyResponseTime:
		idx = selectResponseTime(replicas)
	case StrategyHealthAware:
		idx = selectHealthAware(replicas, opts.Weights, opts.HealthThreshold)
	default:
		idx = b.selectRoundRobin(len(replicas))
	}
	return idx, nil
}

func (b *Balancer) selectRoundRobin(n int) int {
	cur := b.cursor.Add(1) - 1
	return int(cur % int64(n))
}

func (b *Balancer) selectWeighted(replicas []Replica, weights map[string]float64) int {
	total := 0.0
	have := len(weights) > 0
	resolved := make([]float64, len(replicas))
	for i, r := range replicas {
		w, ok := weights[replicaKey(r, i)]
		if !ok {
			have = false
			break
		}
		resolved[i] = w
		total += w
	}
	if !have || total <= 0 {
		return b.selectRoundRobin(len(replicas))
	}

	draw := b.rng() * total
	for i, w := range resolved {
		if draw < w {
			return i
		}
		draw -= w
	}
	return len(replicas) - 1
}

func replicaKey(r Replica, index int) string {
	if r.ID != "" {
		return r.ID
	}
	return "replica_" + itoa(index)
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

func selectLeastConnections(replicas []Replica) int {
	best := 0
	for i := 1; i < len(replicas); i++ {
		if replicas[i].ActiveConns < replicas[best].ActiveConns {
			best = i
		}
	}
	return best
}

func selectResponseTime(replicas []Replica) int {
	best := 0
	for i := 1; i < len(replicas); i++ {
		if replicas[i].AvgResponseTime < replicas[best].AvgResponseTime {
			best = i
		}
	}
	return best
}

func selectHealthAware(replicas []Replica, weights map[string]float64, healthThreshold float64) int {
	best := 0
	bestScore := healthScore(replicas[0], weights, 0, healthThreshold)
	for i := 1; i < len(replicas); i++ {
		score := healthScore(replicas[i], weights, i, healthThreshold)
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}

func healthScore(r Replica, weights map[string]float64, index int, healthThreshold float64) float64 {
	maxConns := r.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	score := 100.0
	score -= (float64(r.ActiveConns) / float64(maxConns)) * 30
	score -= min64(r.AvgResponseTime/10, 50)

	if w, ok := weights[replicaKey(r, index)]; ok {
		score *= w
	}
	if score < healthThreshold {
		score *= 0.1
	}
	return score
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
