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

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/andeerc/pg-multiverse/internal/migrate"
)

var (
	createSchemas     []string
	createClusters    []string
	createDescription string
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Scaffold a new migration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(createSchemas) == 0 {
			return errors.New("create requires at least one -s schema")
		}
		if err := os.MkdirAll(migrationsPath, 0o755); err != nil {
			return errors.Wrapf(err, "creating migrations directory %q", migrationsPath)
		}

		m := migrate.New(migrate.Options{Directory: migrationsPath})
		version := time.Now().UTC().Format("20060102150405")
		path, err := m.CreateMigration(args[0], version, migrate.CreateOptions{
			Schemas:     createSchemas,
			Clusters:    createClusters,
			Description: createDescription,
		})
		if err != nil {
			return errors.Wrap(err, "creating migration")
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	// "clusters" has no shorthand: the root command already claims -c
	// for --config-path, and cobra cannot register a duplicate
	// shorthand across a command and its parent.
	createCmd.Flags().StringSliceVarP(&createSchemas, "schemas", "s", nil, "target schemas (required)")
	createCmd.Flags().StringSliceVar(&createClusters, "clusters", nil, "target clusters (default: all clusters serving the schemas)")
	createCmd.Flags().StringVarP(&createDescription, "desc", "d", "", "migration description")
}
