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

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/andeerc/pg-multiverse/internal/migrate"
)

var (
	migrateTargetVersion   string
	migrateSchemas         []string
	migrateClusters        []string
	migrateDryRun          bool
	migrateParallel        bool
	migrateContinueOnError bool
	migrateForce           bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		co, err := buildCoordinator(ctx)
		if err != nil {
			return err
		}
		defer co.Close()

		status, err := co.Migrate(ctx, migrate.MigrateOptions{
			Schemas:         migrateSchemas,
			Clusters:        migrateClusters,
			TargetVersion:   migrateTargetVersion,
			DryRun:          migrateDryRun,
			Parallel:        migrateParallel,
			ContinueOnError: migrateContinueOnError,
			Force:           migrateForce,
		})
		printMigrationStatus(cmd, status)
		if err != nil {
			return errors.Wrap(err, "migrate")
		}
		if len(status.Failed) > 0 {
			return errors.Errorf("%d migration(s) failed", len(status.Failed))
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVarP(&migrateTargetVersion, "target", "t", "", "stop after applying this version")
	migrateCmd.Flags().StringSliceVarP(&migrateSchemas, "schemas", "s", nil, "restrict to these schemas (default: all configured)")
	migrateCmd.Flags().StringSliceVar(&migrateClusters, "clusters", nil, "restrict to these clusters (default: all configured)")
	migrateCmd.Flags().BoolVarP(&migrateDryRun, "dry-run", "d", false, "plan without executing")
	migrateCmd.Flags().BoolVarP(&migrateParallel, "parallel", "p", false, "run independent (schema, cluster) lanes concurrently")
	migrateCmd.Flags().BoolVar(&migrateContinueOnError, "continue-on-error", false, "keep applying remaining migrations after a failure")
	migrateCmd.Flags().BoolVar(&migrateForce, "force", false, "skip dependency validation")
}

func printMigrationStatus(cmd *cobra.Command, status migrate.Status) {
	out := cmd.OutOrStdout()
	for _, a := range status.Applied {
		fmt.Fprintf(out, "applied %s (%s/%s) in %s\n", a.Version, a.Schema, a.Cluster, a.ExecutionTime)
	}
	for _, f := range status.Failed {
		fmt.Fprintf(out, "FAILED %s (%s/%s): %s\n", f.Version, f.Schema, f.Cluster, f.Error)
	}
	for _, s := range status.Skipped {
		fmt.Fprintf(out, "skipped %s\n", s)
	}
}
