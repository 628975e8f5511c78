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

// Package metrics centralizes the Prometheus label sets and histogram
// bucket boundaries for this module's metrics. internal/pool is the
// only package that registers Prometheus metrics and imports it.
package metrics

// LatencyBuckets are the histogram buckets (seconds) used by every
// duration metric in this module: probes and cache round-trips live in
// the low tens of milliseconds, migrations and 2PC commits can run into
// seconds.
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

// ClusterLabels is the label set attached to per-cluster metrics.
var ClusterLabels = []string{"cluster"}

// PoolLabels is the label set attached to per-pool metrics.
var PoolLabels = []string{"cluster", "pool", "role"}

// CacheLabels is the label set attached to per-backend cache metrics.
var CacheLabels = []string{"backend"}
