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

//go:build wireinject
// +build wireinject

package coordinator

import (
	"github.com/google/wire"

	"github.com/andeerc/pg-multiverse/internal/config"
	"github.com/andeerc/pg-multiverse/internal/driver"
)

// injectCoordinator is what `wire` would regenerate BuildFromPath
// from, kept here as the source of truth for the Set above. Not built
// by default; see coordinator.go's BuildFromPath for the hand-written
// equivalent actually compiled in.
func injectCoordinator(cfg Config, connector driver.Connector, doc config.Document) (*Coordinator, error) {
	wire.Build(Set)
	return nil, nil
}
