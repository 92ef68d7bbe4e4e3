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

package builtin

import (
	"fmt"

	"github.com/gridflow/corerun/dataset"
	"github.com/gridflow/corerun/workflow"
)

// AddConst is a stand-in processing stage: it adds a configured
// constant to every element of its input and passes the shape through
// unchanged. It stands in for the out-of-scope XRD math plugins.
type AddConst struct {
	workflow.BasePlugin
	shape []int // cached from the input of the most recent Execute
}

// NewAddConst constructs an AddConst plugin. keepResults controls
// whether a non-leaf instance still has its output retained by the
// result store (spec §4.1 Plugin.keep_results).
func NewAddConst(value float64, keepResults bool) *AddConst {
	p := &AddConst{BasePlugin: workflow.NewBasePlugin()}
	p.Config().Set("value", value)
	p.SetKeepResults(keepResults)
	return p
}

func init() {
	workflow.RegisterPlugin("AddConst", func() workflow.Plugin {
		return NewAddConst(0, false)
	})
}

func (p *AddConst) PluginName() string { return "AddConst" }

func (p *AddConst) PreExecute() error { return nil }

func (p *AddConst) Execute(input any, kwargs map[string]any) (*dataset.Dataset, map[string]any, error) {
	in, ok := input.(*dataset.Dataset)
	if !ok {
		return nil, nil, fmt.Errorf("builtin.AddConst: expected *dataset.Dataset input, got %T", input)
	}
	p.shape = in.Shape()
	value := float32(p.Config().GetFloat64("value"))
	out := in.Clone()
	raw := out.Raw()
	for i := range raw {
		raw[i] += value
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return out, kwargs, nil
}

func (p *AddConst) CalculateResultShape() ([]int, error) {
	if p.shape == nil {
		// Shape is known only once Execute has seen a frame; shape
		// propagation does not set it, so until the first Execute
		// both dims are reported as unresolved.
		return []int{-1, -1}, nil
	}
	return append([]int(nil), p.shape...), nil
}

func (p *AddConst) OutputDataDim() (int, bool) {
	if p.shape == nil {
		return 0, false
	}
	return len(p.shape), true
}
