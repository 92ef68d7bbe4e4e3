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

package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gridflow/corerun/experiment"
	"github.com/gridflow/corerun/resultstore"
	"github.com/gridflow/corerun/scan"
	"github.com/gridflow/corerun/workflow"
	"github.com/gridflow/corerun/workflow/builtin"
)

func TestCheckOutputDirAllowsMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist-yet")
	if err := checkOutputDir(dir, false); err != nil {
		t.Fatal(err)
	}
}

func TestCheckOutputDirRejectsNonEmptyWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stale.cdc"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := checkOutputDir(dir, false); err == nil {
		t.Fatal("expected an error for a non-empty output directory without --overwrite")
	}
}

func TestCheckOutputDirAllowsNonEmptyWithOverwrite(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stale.cdc"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := checkOutputDir(dir, true); err != nil {
		t.Fatal(err)
	}
}

func TestPrintProgressBarClampsAndFormats(t *testing.T) {
	var buf bytes.Buffer
	printProgressBar(&buf, 1.5)
	if !strings.Contains(buf.String(), "100.0%") {
		t.Fatalf("got %q, want a clamped 100.0%%", buf.String())
	}

	buf.Reset()
	printProgressBar(&buf, -1)
	if !strings.Contains(buf.String(), "0.0%") {
		t.Fatalf("got %q, want a clamped 0.0%%", buf.String())
	}
}

func TestNewRejectsMissingRequiredFields(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected an error when tree/scan/output_dir are missing")
	}
}

func TestRunnerEndToEnd(t *testing.T) {
	tr := workflow.NewTree()
	if _, err := tr.CreateAndAddNode(builtin.NewSource([]int{2, 2}), nil, nil); err != nil {
		t.Fatal(err)
	}
	g, err := scan.NewGrid([]int{2, 2}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	r, err := New(Options{
		Tree:       tr,
		Scan:       g,
		Experiment: experiment.Experiment{"beamline": "id11"},
		OutputDir:  dir,
		NodeMeta:   map[int]resultstore.NodeMeta{0: {Label: "root_00", PluginName: "Source"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "node_00_root_00.cdc")); err != nil {
		t.Fatalf("expected a composite file to be written: %v", err)
	}
}
