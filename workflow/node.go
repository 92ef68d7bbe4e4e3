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
	"fmt"

	"github.com/gridflow/corerun/dataset"
)

// Node wraps a Plugin in the processing graph: it owns its children,
// executes the plugin on its input, and carries the plugin's last
// result (spec §3 "ProcessingNode").
type Node struct {
	NodeID          int
	parent          *Node
	children        []*Node
	Plugin          Plugin
	LastResult      *dataset.Dataset
	LastResultShape []int
}

// NewNode wraps plugin in a new, parentless, childless Node.
func NewNode(id int, plugin Plugin) *Node {
	plugin.SetNodeID(id)
	return &Node{NodeID: id, Plugin: plugin}
}

// Parent returns the owning node, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the node's children in registration order. The
// returned slice must not be mutated by the caller.
func (n *Node) Children() []*Node { return n.children }

// IsLeaf reports whether n has no children.
func (n *Node) IsLeaf() bool { return len(n.children) == 0 }

func (n *Node) addChild(c *Node) {
	c.parent = n
	n.children = append(n.children, c)
}

func (n *Node) removeChild(c *Node) {
	for i, ch := range n.children {
		if ch == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// Execute calls the plugin's Execute, storing LastResult only if n is a
// leaf or the plugin opts into KeepResults (spec §4.1). Recoverable
// "cannot read input" failures from the plugin are reported as a
// *FrameReadError; any other error is wrapped in an *InternalError
// tagged with n's id.
func (n *Node) Execute(input any, kwargs map[string]any) (*dataset.Dataset, map[string]any, error) {
	out, kw, err := n.Plugin.Execute(input, kwargs)
	if err != nil {
		var fre *FrameReadError
		if asFrameReadError(err, &fre) {
			fre.NodeID = n.NodeID
			return nil, nil, fre
		}
		return nil, nil, NewInternalError(n.NodeID, err)
	}
	if n.IsLeaf() || n.Plugin.KeepResults() {
		n.LastResult = out
	}
	return out, kw, nil
}

func asFrameReadError(err error, target **FrameReadError) bool {
	if fre, ok := err.(*FrameReadError); ok {
		*target = fre
		return true
	}
	return false
}

// ExecuteChain invokes Execute on n, then recurses into each child with
// the produced (output, kwargs). Each child receives an independent
// clone of the output so sibling branches never observe each other's
// in-place edits. results, if non-nil, accumulates the output of every
// leaf and every keep-results node, keyed by node id.
func (n *Node) ExecuteChain(input any, kwargs map[string]any, results map[int]*dataset.Dataset) error {
	out, kw, err := n.Execute(input, kwargs)
	if err != nil {
		return err
	}
	if results != nil && (n.IsLeaf() || n.Plugin.KeepResults()) {
		results[n.NodeID] = out
	}
	for _, c := range n.children {
		var childInput any
		if out != nil {
			childInput = out.Clone()
		}
		if err := c.ExecuteChain(childInput, cloneKwargs(kw), results); err != nil {
			return err
		}
	}
	return nil
}

func cloneKwargs(kw map[string]any) map[string]any {
	if kw == nil {
		return nil
	}
	cp := make(map[string]any, len(kw))
	for k, v := range kw {
		cp[k] = v
	}
	return cp
}

// Prepare calls Plugin.PreExecute depth-first over n and its subtree.
func (n *Node) Prepare() error {
	if err := n.Plugin.PreExecute(); err != nil {
		return fmt.Errorf("node %d (%s): pre_execute: %w", n.NodeID, n.Plugin.PluginName(), err)
	}
	for _, c := range n.children {
		if err := c.Prepare(); err != nil {
			return err
		}
	}
	return nil
}

// PropagateShapes calls Plugin.CalculateResultShape on n, records the
// result in LastResultShape, and recurses into each child. It returns
// a *ShapeInconsistency if the plugin's declared OutputDataDim
// conflicts with the actual shape's dimensionality, or if a -1 entry
// survives in a shape that is actually retained (leaf or keep-results).
func (n *Node) PropagateShapes() error {
	shape, err := n.Plugin.CalculateResultShape()
	if err != nil {
		return fmt.Errorf("node %d (%s): calculate_result_shape: %w", n.NodeID, n.Plugin.PluginName(), err)
	}
	if dim, ok := n.Plugin.OutputDataDim(); ok && len(shape) != dim {
		return &ShapeInconsistency{
			NodeID: n.NodeID,
			Msg:    fmt.Sprintf("declared output_data_dim=%d but calculate_result_shape returned %d dims (%v)", dim, len(shape), shape),
		}
	}
	n.LastResultShape = shape
	if n.IsLeaf() || n.Plugin.KeepResults() {
		for _, s := range shape {
			if s < 0 {
				return &ShapeInconsistency{
					NodeID: n.NodeID,
					Msg:    fmt.Sprintf("unresolved result shape %v", shape),
				}
			}
		}
	}
	for _, c := range n.children {
		if err := c.PropagateShapes(); err != nil {
			return err
		}
	}
	return nil
}

// NodeRecord is the serializable form of a Node, per spec §4.1 "dump".
type NodeRecord struct {
	NodeID       int             `json:"node_id"`
	ParentID     *int            `json:"parent_id"`
	ChildrenIDs  []int           `json:"children_ids"`
	PluginClass  string          `json:"plugin_class_name"`
	PluginParams []ParamKV       `json:"plugin_params"`
}

// ParamKV is one (key, value) entry of a plugin's configuration,
// preserved as an ordered pair so the textual tree form round-trips
// deterministically.
type ParamKV struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Dump returns n's serializable record.
func (n *Node) Dump() NodeRecord {
	rec := NodeRecord{
		NodeID:      n.NodeID,
		PluginClass: n.Plugin.PluginName(),
	}
	if n.parent != nil {
		pid := n.parent.NodeID
		rec.ParentID = &pid
	}
	for _, c := range n.children {
		rec.ChildrenIDs = append(rec.ChildrenIDs, c.NodeID)
	}
	settings := n.Plugin.Config().AllSettings()
	keys := sortedKeys(settings)
	for _, k := range keys {
		rec.PluginParams = append(rec.PluginParams, ParamKV{Key: k, Value: settings[k]})
	}
	return rec
}
