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

package lb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectEmptyReplicasIsError(t *testing.T) {
	b := New(StrategyRoundRobin)
	_, err := b.Select(nil, Options{})
	assert.ErrorIs(t, err, ErrNoReplicas)
}

func TestSelectSingleReplicaShortCircuits(t *testing.T) {
	b := New(StrategyLeastConnections)
	idx, err := b.Select([]Replica{{ActiveConns: 99}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestRoundRobinCycles(t *testing.T) {
	b := New(StrategyRoundRobin)
	replicas := make([]Replica, 3)
	var got []int
	for i := 0; i < 6; i++ {
		idx, err := b.Select(replicas, Options{})
		require.NoError(t, err)
		got = append(got, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, got)
}

func TestLeastConnectionsPicksMinimumWithEarliestTieBreak(t *testing.T) {
	b := New(StrategyLeastConnections)
	replicas := []Replica{
		{ActiveConns: 5},
		{ActiveConns: 2},
		{ActiveConns: 2},
	}
	idx, err := b.Select(replicas, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestResponseTimePicksMinimum(t *testing.T) {
	b := New(StrategyResponseTime)
	replicas := []Replica{
		{AvgResponseTime: 40},
		{AvgResponseTime: 10},
		{AvgResponseTime: 10},
	}
	idx, err := b.Select(replicas, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestWeightedFallsBackToRoundRobinWithoutWeights(t *testing.T) {
	b := New(StrategyWeighted)
	replicas := make([]Replica, 3)
	idx, err := b.Select(replicas, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	idx, err = b.Select(replicas, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestWeightedDrawsWithinExpectedBucket(t *testing.T) {
	b := New(StrategyWeighted)
	b.rng = func() float64 { return 0.5 } // draw = 0.5 * total
	replicas := []Replica{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	weights := map[string]float64{"a": 1, "b": 1, "c": 2} // total 4, draw = 2.0 -> bucket b [1,2)? walk: a[0,1) b[1,2) c[2,4)
	idx, err := b.Select(replicas, Options{Weights: weights})
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestWeightedUsesReplicaIndexFallbackKey(t *testing.T) {
	b := New(StrategyWeighted)
	b.rng = func() float64 { return 0.0 }
	replicas := []Replica{{}, {}}
	weights := map[string]float64{"replica_0": 1, "replica_1": 1}
	idx, err := b.Select(replicas, Options{Weights: weights})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestHealthAwarePicksHighestScore(t *testing.T) {
	b := New(StrategyHealthAware)
	replicas := []Replica{
		{ActiveConns: 90, MaxConnections: 100, AvgResponseTime: 500}, // heavily loaded
		{ActiveConns: 5, MaxConnections: 100, AvgResponseTime: 10},   // healthy
	}
	idx, err := b.Select(replicas, Options{HealthThreshold: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestHealthAwarePenalizesBelowThreshold(t *testing.T) {
	b := New(StrategyHealthAware)
	replicas := []Replica{
		{ActiveConns: 99, MaxConnections: 100, AvgResponseTime: 1000}, // will score below threshold, get *0.1
		{ActiveConns: 50, MaxConnections: 100, AvgResponseTime: 100},
	}
	idx, err := b.Select(replicas, Options{HealthThreshold: 70})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestStatsReportsStrategyAndSelections(t *testing.T) {
	b := New(StrategyRoundRobin)
	replicas := make([]Replica, 2)
	_, _ = b.Select(replicas, Options{})
	_, _ = b.Select(replicas, Options{})
	st := b.Stats()
	assert.Equal(t, StrategyRoundRobin, st.Strategy)
	assert.EqualValues(t, 2, st.Selections)
}

func TestSetStrategySwitchesAlgorithm(t *testing.T) {
	b := New(StrategyRoundRobin)
	b.SetStrategy(StrategyLeastConnections)
	replicas := []Replica{{ActiveConns: 5}, {ActiveConns: 1}}
	idx, err := b.Select(replicas, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}
