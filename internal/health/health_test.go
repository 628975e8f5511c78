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

package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeerc/pg-multiverse/internal/events"
	"github.com/andeerc/pg-multiverse/internal/util/ident"
)

type fakeProber struct {
	healthy atomic.Bool
}

func newFakeProber(healthy bool) *fakeProber {
	p := &fakeProber{}
	p.healthy.Store(healthy)
	return p
}

func (f *fakeProber) TestConnection(ctx context.Context) bool { return f.healthy.Load() }

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestImmediateCheckOnStart(t *testing.T) {
	primary := newFakeProber(true)
	c := New(Options{Interval: time.Hour})
	c.Start(context.Background(), []Target{{ClusterID: "a", Primary: primary}})
	defer c.Stop()

	waitUntil(t, time.Second, func() bool { return c.GetHealth("a").Healthy })
}

func TestTransitionEmitsClusterDownThenRecoveredThenUp(t *testing.T) {
	primary := newFakeProber(true)
	bus := events.NewBus()
	var downs, recovered, ups atomic.Int32
	bus.On(events.KindClusterDown, func(any) { downs.Add(1) })
	bus.On(events.KindClusterRecovered, func(any) { recovered.Add(1) })
	bus.On(events.KindClusterUp, func(any) { ups.Add(1) })

	c := New(Options{Interval: time.Hour, Bus: bus})
	c.Start(context.Background(), []Target{{ClusterID: "a", Primary: primary}})
	defer c.Stop()
	waitUntil(t, time.Second, func() bool { return c.GetHealth("a").Healthy })
	assert.EqualValues(t, 1, ups.Load())

	primary.healthy.Store(false)
	require.NoError(t, c.ForceCheck(context.Background(), "a"))
	assert.False(t, c.GetHealth("a").Healthy)
	assert.EqualValues(t, 1, downs.Load())
	assert.EqualValues(t, 1, c.GetHealth("a").FailureCount)

	primary.healthy.Store(true)
	require.NoError(t, c.ForceCheck(context.Background(), "a"))
	assert.True(t, c.GetHealth("a").Healthy)
	assert.EqualValues(t, 1, recovered.Load())
	assert.EqualValues(t, 2, ups.Load())
	assert.EqualValues(t, 0, c.GetHealth("a").FailureCount)
}

func TestForceCheckUnknownClusterErrors(t *testing.T) {
	c := New(Options{})
	err := c.ForceCheck(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestRemoveClusterDropsHealth(t *testing.T) {
	primary := newFakeProber(true)
	c := New(Options{Interval: time.Hour})
	c.Start(context.Background(), []Target{{ClusterID: "a", Primary: primary}})
	defer c.Stop()
	waitUntil(t, time.Second, func() bool { return c.GetHealth("a").Healthy })

	c.RemoveCluster("a")
	h := c.GetHealth("a")
	assert.False(t, h.Healthy)
	assert.Equal(t, ident.ClusterID("a"), h.ClusterID)
}
