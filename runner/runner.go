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

// Package runner implements the thin event loop that drives an
// ExecutionApp and funnels its progress and messages to the user
// (spec §4.7).
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gridflow/corerun/config"
	"github.com/gridflow/corerun/execapp"
	"github.com/gridflow/corerun/experiment"
	"github.com/gridflow/corerun/resultstore"
	"github.com/gridflow/corerun/scan"
	"github.com/gridflow/corerun/workflow"
)

// Options collects what the CLI layer resolves before a run can start
// (spec §4.7 "collects CLI and keyword configuration").
type Options struct {
	Tree       *workflow.Tree
	Scan       scan.Scan
	Experiment experiment.Experiment
	OutputDir  string
	Overwrite  bool
	Verbose    bool
	Config     *config.Collection
	NodeMeta   map[int]resultstore.NodeMeta
}

// Runner owns one ExecutionApp for the duration of a run.
type Runner struct {
	opts Options
	out  io.Writer
	app  *execapp.App
}

// New validates opts and returns a Runner, or a *workflow.UserConfigError
// if required inputs are missing or the output directory is unusable
// (spec §4.7 "verifies that all four of (scan, experiment, tree,
// output_dir) are present").
func New(opts Options) (*Runner, error) {
	if opts.Tree == nil || opts.Scan == nil || opts.Experiment == nil || opts.OutputDir == "" {
		return nil, workflow.NewUserConfigError("runner requires a tree, a scan, an experiment, and an output directory")
	}
	if opts.Config == nil {
		opts.Config = config.New()
	}
	if err := checkOutputDir(opts.OutputDir, opts.Overwrite); err != nil {
		return nil, err
	}
	return &Runner{opts: opts, out: os.Stderr}, nil
}

func checkOutputDir(dir string, overwrite bool) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("runner: stat output directory: %w", err)
	}
	if len(entries) > 0 && !overwrite {
		return workflow.NewUserConfigError("output directory %q is not empty (pass --overwrite to proceed)", dir)
	}
	return nil
}

// Run executes spec §4.7's event loop: it builds the ExecutionApp,
// wires worker results/progress/signals to the orchestrator-side
// handlers, drives the run to completion, and writes the final
// composites to disk.
func (r *Runner) Run(ctx context.Context) error {
	cfg := execapp.ConfigFromCollection(r.opts.Config)
	r.app = execapp.New(cfg, r.opts.Tree, r.opts.Scan, r.opts.Experiment, r.opts.NodeMeta)

	if err := r.app.Prepare(); err != nil {
		return fmt.Errorf("runner: prepare: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.app.Run(ctx)
	}()

	// Drain Results/Progress/Signals until the orchestrator closes all
	// three (Run does this right before it returns), so every worker
	// outcome is stored before we look at done's verdict.
	results, progress, signals := r.app.Results, r.app.Progress, r.app.Signals
	for results != nil || progress != nil || signals != nil {
		select {
		case result, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if err := r.app.StoreResults(result.Index, result.Slot); err != nil {
				return fmt.Errorf("runner: store results for task %d: %w", result.Index, err)
			}
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if r.opts.Verbose {
				printProgressBar(r.out, p)
			}
		case msg, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			r.app.ReceiveSignal(msg)
		case <-ctx.Done():
			_ = r.app.PostRun()
			return ctx.Err()
		}
	}

	if r.opts.Verbose {
		fmt.Fprintln(r.out)
	}
	if err := <-done; err != nil {
		_ = r.app.PostRun()
		return fmt.Errorf("runner: run failed: %w", err)
	}
	return r.finish()
}

// finish implements spec §4.7's "runner finished -> write composites to
// disk, then quit".
func (r *Runner) finish() error {
	if err := r.app.PostRun(); err != nil {
		return fmt.Errorf("runner: post run: %w", err)
	}
	if err := r.app.SaveComposites(r.opts.OutputDir); err != nil {
		return fmt.Errorf("runner: save composites: %w", err)
	}
	return nil
}

const progressBarWidth = 60

// printProgressBar renders a 60-char progress bar per spec §4.7.
func printProgressBar(w io.Writer, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * progressBarWidth)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", progressBarWidth-filled)
	fmt.Fprintf(w, "\r[%s] %5.1f%%", bar, fraction*100)
}
