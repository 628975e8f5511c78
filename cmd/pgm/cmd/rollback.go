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
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/andeerc/pg-multiverse/internal/migrate"
)

var (
	rollbackTargetVersion string
	rollbackSteps         int
	rollbackSchemas       []string
	rollbackClusters      []string
	rollbackDryRun        bool
	rollbackForce         bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Undo previously applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		co, err := buildCoordinator(ctx)
		if err != nil {
			return err
		}
		defer co.Close()

		status, err := co.RollbackMigrations(ctx, migrate.RollbackOptions{
			Schemas:       rollbackSchemas,
			Clusters:      rollbackClusters,
			TargetVersion: rollbackTargetVersion,
			Steps:         rollbackSteps,
			Force:         rollbackForce,
			DryRun:        rollbackDryRun,
		})
		printMigrationStatus(cmd, status)
		if err != nil {
			return errors.Wrap(err, "rollback")
		}
		if len(status.Failed) > 0 {
			return errors.Errorf("%d rollback(s) failed", len(status.Failed))
		}
		return nil
	},
}

func init() {
	rollbackCmd.Flags().StringVarP(&rollbackTargetVersion, "target", "t", "", "roll back to (but not including) this version")
	rollbackCmd.Flags().IntVarP(&rollbackSteps, "steps", "n", 1, "number of applied migrations to undo per lane")
	rollbackCmd.Flags().StringSliceVarP(&rollbackSchemas, "schemas", "s", nil, "restrict to these schemas (default: all configured)")
	rollbackCmd.Flags().StringSliceVar(&rollbackClusters, "clusters", nil, "restrict to these clusters (default: all configured)")
	rollbackCmd.Flags().BoolVarP(&rollbackDryRun, "dry-run", "d", false, "plan without executing")
	rollbackCmd.Flags().BoolVar(&rollbackForce, "force", false, "undo rows with no registered migration instead of failing")
}
