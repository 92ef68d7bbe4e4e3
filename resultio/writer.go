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

// Package resultio writes per-run results to backing storage (spec §4.5
// "ResultWriter", §6). Writer implementations receive per-frame exports
// during a run (for autosave/live processing) and a final full export
// once every composite is complete.
package resultio

import (
	"fmt"

	"github.com/gridflow/corerun/dataset"
	"github.com/gridflow/corerun/experiment"
	"github.com/gridflow/corerun/resultstore"
	"github.com/gridflow/corerun/scan"
	"github.com/gridflow/corerun/workflow"
)

// Writer is implemented by every on-disk result format. A Writer is
// attached to a resultstore.Store with Store.AttachWriter.
type Writer interface {
	// PushMetadata receives per-node axis metadata once it becomes
	// known, along with the frozen scan, experiment, and tree the run
	// is driven by (spec §4.5 "prepare(dir, {...}, scan, exp, tree)").
	PushMetadata(meta map[int]resultstore.FrameMeta, sc scan.Scan, exp experiment.Experiment, tree *workflow.Tree) error
	// ExportFrame is called after each successfully stored frame, for
	// writers that support incremental/live output.
	ExportFrame(index int, results map[int]*dataset.Dataset) error
	// ExportFull writes the complete composite set, e.g. at run end.
	ExportFull(composites map[int]*dataset.Dataset, meta map[int]resultstore.NodeMeta) error
}

// Factory constructs a Writer rooted at dir, named to whatever the
// format requires (spec §4.5 "node_<id>_<label>.<ext>").
type Factory func(dir string) (Writer, error)

var registry = map[string]Factory{}

// RegisterWriter makes a named format available to NewWriter. Called
// from format implementations' init(), mirroring workflow.RegisterPlugin.
func RegisterWriter(format string, f Factory) {
	registry[format] = f
}

// NewWriter constructs the Writer registered under format, writing into dir.
func NewWriter(format, dir string) (Writer, error) {
	f, ok := registry[format]
	if !ok {
		return nil, fmt.Errorf("resultio: unknown output format %q", format)
	}
	return f(dir)
}
