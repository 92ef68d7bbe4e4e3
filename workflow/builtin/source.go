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

// Package builtin provides two trivial, side-effect-free plugins that
// document the Plugin contract and exercise the execution core in
// tests. Real detector-frame loaders and XRD/pyFAI processing stages
// are out of scope (spec §1) and are not implemented here.
package builtin

import (
	"fmt"
	"sync"

	"github.com/gridflow/corerun/dataset"
	"github.com/gridflow/corerun/workflow"
)

// Source is a deterministic stand-in for the out-of-scope detector
// frame loader. It ignores the incoming task index's actual file
// association and instead returns a constant-shape frame whose values
// encode the task index, which is enough to exercise shape
// propagation, result collection, and composite assembly end-to-end.
type Source struct {
	workflow.BasePlugin
	mu        sync.Mutex
	frameSize []int // e.g. {10, 10}
}

// NewSource constructs a Source plugin producing frames of frameSize.
func NewSource(frameSize []int) *Source {
	s := &Source{BasePlugin: workflow.NewBasePlugin(), frameSize: append([]int(nil), frameSize...)}
	s.Config().Set("frame_size", frameSize)
	return s
}

func init() {
	workflow.RegisterPlugin("Source", func() workflow.Plugin {
		return NewSource([]int{10, 10})
	})
}

func (s *Source) PluginName() string { return "Source" }

func (s *Source) PreExecute() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw, ok := s.Config().Get("frame_size").([]int); ok && len(raw) > 0 {
		s.frameSize = raw
	}
	return nil
}

func (s *Source) Execute(input any, kwargs map[string]any) (*dataset.Dataset, map[string]any, error) {
	index, ok := input.(int)
	if !ok {
		return nil, nil, fmt.Errorf("builtin.Source: expected int task index, got %T", input)
	}
	out := dataset.New(s.frameSize, "intensity", "counts")
	for i := range out.Raw() {
		out.Raw()[i] = float32(index)
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return out, kwargs, nil
}

func (s *Source) CalculateResultShape() ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.frameSize...), nil
}

func (s *Source) OutputDataDim() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frameSize), true
}
