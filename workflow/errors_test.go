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

package workflow

import (
	"errors"
	"strings"
	"testing"

	"github.com/gridflow/corerun/dataset"
)

func TestInternalErrorWrapsCause(t *testing.T) {
	cause := errors.New("plugin panicked")
	ie := NewInternalError(3, cause)
	if !errors.Is(ie, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if !strings.Contains(ie.Error(), "node 3") {
		t.Fatalf("got %q, want it to mention node 3", ie.Error())
	}
}

func TestStorageErrorWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	se := NewStorageError("/tmp/out.cdc", cause)
	if !errors.Is(se, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if !strings.Contains(se.Error(), "/tmp/out.cdc") {
		t.Fatalf("got %q, want it to mention the path", se.Error())
	}
}

type explodingPlugin struct {
	BasePlugin
}

func (p *explodingPlugin) PluginName() string { return "exploding" }
func (p *explodingPlugin) PreExecute() error  { return nil }
func (p *explodingPlugin) Execute(input any, kwargs map[string]any) (*dataset.Dataset, map[string]any, error) {
	return nil, nil, errors.New("boom")
}
func (p *explodingPlugin) CalculateResultShape() ([]int, error) { return []int{1}, nil }
func (p *explodingPlugin) OutputDataDim() (int, bool)           { return 1, true }

func TestNodeExecuteWrapsGenericPluginErrorAsInternalError(t *testing.T) {
	n := NewNode(7, &explodingPlugin{BasePlugin: NewBasePlugin()})
	_, _, err := n.Execute(1, nil)
	var ie *InternalError
	if !errors.As(err, &ie) {
		t.Fatalf("got %T, want *InternalError", err)
	}
	if ie.NodeID != 7 {
		t.Fatalf("got node id %d, want 7", ie.NodeID)
	}
}
