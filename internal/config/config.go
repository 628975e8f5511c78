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

// Package config loads, validates, and hot-watches the cluster
// configuration document: a mapping of cluster ID to its connection
// topology, routing preferences, sharding, and cache strategy.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/andeerc/pg-multiverse/internal/types"
)

// Connection describes how to reach one PostgreSQL endpoint.
type Connection struct {
	Host                    string `json:"host"`
	Port                    int    `json:"port"`
	Database                string `json:"database"`
	User                    string `json:"user"`
	Password                string `json:"password"`
	MaxConnections          int32  `json:"maxConnections,omitempty"`
	MinConnections          int32  `json:"minConnections,omitempty"`
	SSL                     any    `json:"ssl,omitempty"`
	ConnectionTimeoutMillis int    `json:"connectionTimeoutMillis,omitempty"`
	IdleTimeoutMillis       int    `json:"idleTimeoutMillis,omitempty"`
	SearchPath              string `json:"searchPath,omitempty"`
}

// ShardingStrategy names one of the supported sharding approaches.
type ShardingStrategy string

const (
	ShardingHash      ShardingStrategy = "hash"
	ShardingRange     ShardingStrategy = "range"
	ShardingDirectory ShardingStrategy = "directory"
)

// Sharding describes how a schema's rows are partitioned, when set.
type Sharding struct {
	Strategy  ShardingStrategy `json:"strategy"`
	Key       string           `json:"key"`
	Partitions int             `json:"partitions,omitempty"`
	Ranges    []string         `json:"ranges,omitempty"`
	Directory map[string]string `json:"directory,omitempty"`
}

// LoadBalancing configures the per-cluster replica selection strategy.
type LoadBalancing struct {
	Strategy string             `json:"strategy"`
	Weights  map[string]float64 `json:"weights,omitempty"`
}

// ConnectionPool configures pool sizing for a cluster's pools.
type ConnectionPool struct {
	MaxConnections     int32 `json:"maxConnections,omitempty"`
	MinConnections     int32 `json:"minConnections,omitempty"`
	WarmupConnections  int   `json:"warmupConnections,omitempty"`
}

// ClusterConfig is one entry of the configuration document.
type ClusterConfig struct {
	Schemas          []string               `json:"schemas,omitempty"`
	Priority         int                    `json:"priority,omitempty"`
	ReadPreference   types.ReadPreference   `json:"readPreference,omitempty"`
	ConsistencyLevel types.ConsistencyLevel `json:"consistencyLevel,omitempty"`
	Primary          Connection             `json:"primary"`
	Replicas         []Connection           `json:"replicas,omitempty"`
	Sharding         *Sharding              `json:"sharding,omitempty"`
	LoadBalancing    *LoadBalancing         `json:"loadBalancing,omitempty"`
	ConnectionPool   *ConnectionPool        `json:"connectionPool,omitempty"`
	ShardKey         string                 `json:"shardKey,omitempty"`
	CacheStrategy    types.CacheStrategy    `json:"cacheStrategy,omitempty"`
}

// Document is the full configuration: cluster ID to ClusterConfig.
type Document map[string]ClusterConfig

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validate checks doc against spec.md's configuration rules: hard
// errors make Valid false; warnings do not.
func Validate(doc Document) ValidationResult {
	var errs, warnings []string

	if len(doc) == 0 {
		errs = append(errs, "configuration must declare at least one cluster")
	}

	schemaOwner := make(map[string]string)

	for clusterID, cc := range doc {
		if problems := validateConnection("cluster "+clusterID+" primary", cc.Primary); len(problems) > 0 {
			errs = append(errs, problems...)
		}
		for i, r := range cc.Replicas {
			if problems := validateConnection("cluster "+clusterID+" replica "+itoa(i), r); len(problems) > 0 {
				errs = append(errs, problems...)
			}
		}

		if len(cc.Schemas) == 0 {
			warnings = append(warnings, "cluster "+clusterID+" declares no schemas")
		}
		for _, s := range cc.Schemas {
			if owner, ok := schemaOwner[s]; ok && owner != clusterID {
				errs = append(errs, "schema "+s+" is mapped to both "+owner+" and "+clusterID)
			} else {
				schemaOwner[s] = clusterID
			}
		}

		if cc.Sharding != nil {
			switch cc.Sharding.Strategy {
			case ShardingHash, ShardingRange, ShardingDirectory:
			default:
				errs = append(errs, "cluster "+clusterID+" sharding strategy is invalid")
			}
			if cc.Sharding.Key == "" {
				errs = append(errs, "cluster "+clusterID+" sharding requires a key")
			}
			switch cc.Sharding.Strategy {
			case ShardingHash:
				if cc.Sharding.Partitions <= 0 {
					errs = append(errs, "cluster "+clusterID+" hash sharding requires partitions")
				}
			case ShardingRange:
				if len(cc.Sharding.Ranges) == 0 {
					errs = append(errs, "cluster "+clusterID+" range sharding requires ranges")
				}
			case ShardingDirectory:
				if len(cc.Sharding.Directory) == 0 {
					errs = append(errs, "cluster "+clusterID+" directory sharding requires a directory map")
				}
			}
		}

		if cc.LoadBalancing != nil {
			if cc.LoadBalancing.Strategy == "" {
				errs = append(errs, "cluster "+clusterID+" load balancing requires a strategy")
			}
			if cc.LoadBalancing.Strategy == "weighted" && len(cc.LoadBalancing.Weights) == 0 {
				errs = append(errs, "cluster "+clusterID+" weighted load balancing requires weights")
			}
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs, Warnings: warnings}
}

func validateConnection(label string, c Connection) []string {
	var problems []string
	if c.Host == "" {
		problems = append(problems, label+" requires a host")
	}
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, label+" port must be in [1,65535]")
	}
	if c.Database == "" {
		problems = append(problems, label+" requires a database")
	}
	if c.User == "" {
		problems = append(problems, label+" requires a user")
	}
	if c.Password == "" {
		problems = append(problems, label+" requires a password")
	}
	if c.MaxConnections != 0 && c.MaxConnections < 1 {
		problems = append(problems, label+" maxConnections must be >= 1")
	}
	return problems
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Load reads and parses a configuration document from path, returning
// an error if it fails JSON validation (syntax and unknown keys — call
// Validate separately for the semantic rules).
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration file")
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "parsing configuration file")
	}
	return doc, nil
}

// Save serializes doc as indented JSON to path.
func Save(doc Document, path string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serializing configuration")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing configuration file")
	}
	return nil
}

// MapSchemaToCluster adds schema to clusterID's schema list in doc, if
// not already present. Callers should re-run Validate after mutating.
func MapSchemaToCluster(doc Document, clusterID, schema string) error {
	cc, ok := doc[clusterID]
	if !ok {
		return errors.Errorf("unknown cluster %q", clusterID)
	}
	for _, s := range cc.Schemas {
		if s == schema {
			return nil
		}
	}
	cc.Schemas = append(cc.Schemas, schema)
	doc[clusterID] = cc
	return nil
}

// UnmapSchemaFromCluster removes schema from clusterID's schema list
// in doc.
func UnmapSchemaFromCluster(doc Document, clusterID, schema string) error {
	cc, ok := doc[clusterID]
	if !ok {
		return errors.Errorf("unknown cluster %q", clusterID)
	}
	out := cc.Schemas[:0]
	for _, s := range cc.Schemas {
		if s != schema {
			out = append(out, s)
		}
	}
	cc.Schemas = out
	doc[clusterID] = cc
	return nil
}

// GetClusterForSchema returns the cluster ID that owns schema.
func GetClusterForSchema(doc Document, schema string) (string, bool) {
	for clusterID, cc := range doc {
		for _, s := range cc.Schemas {
			if s == schema {
				return clusterID, true
			}
		}
	}
	return "", false
}

// mu guards concurrent Load/Save callers sharing a path; kept at
// package scope since config files are a rare, small resource and a
// single mutex avoids a map of per-path locks.
var mu sync.Mutex

// LoadLocked is Load serialized against concurrent Save calls from
// this process.
func LoadLocked(path string) (Document, error) {
	mu.Lock()
	defer mu.Unlock()
	return Load(path)
}

// SaveLocked is Save serialized against concurrent Load calls from
// this process.
func SaveLocked(doc Document, path string) error {
	mu.Lock()
	defer mu.Unlock()
	return Save(doc, path)
}
