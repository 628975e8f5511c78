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
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List migration scaffold files on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(migrationsPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations directory yet")
				return nil
			}
			return errors.Wrapf(err, "reading migrations directory %q", migrationsPath)
		}

		var names []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)

		out := cmd.OutOrStdout()
		if len(names) == 0 {
			fmt.Fprintln(out, "no migration files found")
			return nil
		}
		for _, n := range names {
			fmt.Fprintln(out, strings.TrimSuffix(filepath.Base(n), ".go"))
		}
		return nil
	},
}
