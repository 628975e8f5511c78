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

// Package ident contains small, validated identifier wrapper types
// threaded through the routing, cache, and migration layers so a raw
// string can't be substituted for a cluster ID where a schema name was
// meant, and vice versa.
package ident

import (
	"strings"

	"github.com/pkg/errors"
)

// ClusterID names a cluster as declared in the configuration document.
type ClusterID string

// SchemaName names a PostgreSQL schema a cluster serves.
type SchemaName string

// LockKey is the composite key used to serialize migration execution
// for one (version, schema, cluster) tuple: version + "-" + schema +
// "-" + cluster.
type LockKey string

// NewLockKey builds the lock key for a migration target.
func NewLockKey(version string, schema SchemaName, cluster ClusterID) LockKey {
	return LockKey(version + "-" + string(schema) + "-" + string(cluster))
}

// Validate reports whether c is a non-empty identifier with no
// embedded whitespace.
func (c ClusterID) Validate() error {
	return validate("cluster id", string(c))
}

func (s SchemaName) Validate() error {
	return validate("schema name", string(s))
}

func (c ClusterID) String() string { return string(c) }
func (s SchemaName) String() string { return string(s) }

func validate(kind, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.Errorf("%s must not be empty", kind)
	}
	if strings.ContainsAny(value, " \t\n") {
		return errors.Errorf("%s %q must not contain whitespace", kind, value)
	}
	return nil
}
