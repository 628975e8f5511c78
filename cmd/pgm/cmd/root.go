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

// Package cmd implements the pgm command tree with spf13/cobra.
package cmd

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andeerc/pg-multiverse/internal/coordinator"
	"github.com/andeerc/pg-multiverse/internal/driver"
)

var (
	configPath     string
	migrationsPath string
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:           "pgm",
	Short:         "pg-multiverse migration and cluster operator CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config-path", "c", "pg-multiverse.json", "path to the cluster configuration document")
	rootCmd.PersistentFlags().StringVarP(&migrationsPath, "migrations-path", "m", "./migrations", "directory pgm writes and reads migration scaffolds from")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}

// Execute runs the command tree against os.Args, returning any handled
// error for main to translate into an exit code.
func Execute(ctx context.Context) error {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	rootCmd.SetContext(ctx)
	return rootCmd.Execute()
}

// buildCoordinator loads the configuration at configPath and stands up
// a Coordinator against it, the shared setup every subcommand but
// create needs.
func buildCoordinator(ctx context.Context) (*coordinator.Coordinator, error) {
	cfg := coordinator.Config{
		ConfigPath:   configPath,
		MigrationDir: migrationsPath,
	}
	co, err := coordinator.BuildFromPath(ctx, cfg, &driver.PgxConnector{WaitForStartup: false})
	if err != nil {
		return nil, errors.Wrap(err, "standing up coordinator")
	}
	return co, nil
}
