// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command corerun drives a processing-tree run from the command line
// (spec §4.7, §6).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridflow/corerun/config"
	_ "github.com/gridflow/corerun/workflow/builtin"

	"github.com/gridflow/corerun/execapp"
	"github.com/gridflow/corerun/experiment"
	"github.com/gridflow/corerun/resultstore"
	"github.com/gridflow/corerun/runner"
	"github.com/gridflow/corerun/scan"
	"github.com/gridflow/corerun/workflow"
)

func main() {
	var (
		verbose        bool
		overwrite      bool
		workflowPath   string
		scanPath       string
		diffractionExp string
		outputDir      string
	)

	rootCmd := &cobra.Command{
		Use:   "corerun",
		Short: "Run a processing tree over a scan and write the results to disk",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				execapp.Errorf = nil
			}
			return run(cmd.Context(), runOptions{
				verbose:        verbose,
				overwrite:      overwrite,
				workflowPath:   workflowPath,
				scanPath:       scanPath,
				diffractionExp: diffractionExp,
				outputDir:      outputDir,
			})
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVar(&verbose, "verbose", false, "print a progress bar while the run executes")
	flags.BoolVar(&overwrite, "overwrite", false, "permit writing into a non-empty output directory")
	flags.StringVarP(&workflowPath, "workflow", "w", "", "path to a processing tree definition (required)")
	flags.StringVarP(&scanPath, "scan", "s", "", "path to a scan definition (required)")
	flags.StringVarP(&diffractionExp, "diffraction_exp", "d", "", "path to a diffraction experiment definition (required)")
	flags.StringVarP(&outputDir, "output_dir", "o", "", "directory to write results into (required)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "corerun: %v\n", err)
		var uce *workflow.UserConfigError
		if asUserConfigError(err, &uce) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func asUserConfigError(err error, target **workflow.UserConfigError) bool {
	for err != nil {
		if uce, ok := err.(*workflow.UserConfigError); ok {
			*target = uce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type runOptions struct {
	verbose        bool
	overwrite      bool
	workflowPath   string
	scanPath       string
	diffractionExp string
	outputDir      string
}

func run(ctx context.Context, opts runOptions) error {
	if opts.workflowPath == "" || opts.scanPath == "" || opts.diffractionExp == "" || opts.outputDir == "" {
		return workflow.NewUserConfigError("--workflow, --scan, --diffraction_exp and --output_dir are all required")
	}

	tree := workflow.NewTree()
	if _, err := tree.ImportFromFile(opts.workflowPath); err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}

	sc, err := scan.LoadGridFromFile(opts.scanPath)
	if err != nil {
		return fmt.Errorf("load scan: %w", err)
	}

	exp, err := experiment.LoadFromFile(opts.diffractionExp)
	if err != nil {
		return fmt.Errorf("load diffraction experiment: %w", err)
	}

	cfg := config.New()

	nodeMeta := map[int]resultstore.NodeMeta{}
	for _, id := range tree.NodeIDs() {
		n, err := tree.NodeByID(id)
		if err != nil {
			return err
		}
		nodeMeta[id] = resultstore.NodeMeta{
			Label:      fmt.Sprintf("%s_%02d", n.Plugin.PluginName(), id),
			PluginName: n.Plugin.PluginName(),
		}
	}

	r, err := runner.New(runner.Options{
		Tree:       tree,
		Scan:       sc,
		Experiment: exp,
		OutputDir:  opts.outputDir,
		Overwrite:  opts.overwrite,
		Verbose:    opts.verbose,
		Config:     cfg,
		NodeMeta:   nodeMeta,
	})
	if err != nil {
		return err
	}
	return r.Run(ctx)
}
