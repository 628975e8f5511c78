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
	statusSchemas  []string
	statusClusters []string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		co, err := buildCoordinator(ctx)
		if err != nil {
			return err
		}
		defer co.Close()

		status, err := co.MigrationStatus(ctx, migrate.StatusOptions{
			Schemas:  statusSchemas,
			Clusters: statusClusters,
		})
		if err != nil {
			return errors.Wrap(err, "status")
		}

		out := cmd.OutOrStdout()
		if len(status.Skipped) == 0 {
			fmt.Fprintln(out, "no pending migrations")
			return nil
		}
		for _, p := range status.Skipped {
			fmt.Fprintf(out, "pending %s\n", p)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringSliceVarP(&statusSchemas, "schemas", "s", nil, "restrict to these schemas (default: all configured)")
	statusCmd.Flags().StringSliceVar(&statusClusters, "clusters", nil, "restrict to these clusters (default: all configured)")
}
