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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/slices"
	"sigs.k8s.io/yaml"

	"github.com/gridflow/corerun/dataset"
)

// Tree owns nodes by integer id and drives their topology, execution,
// and serialization (spec §3 "ProcessingTree", §4.2).
//
// State machine: Edited -> Prepared (propagated + pre_executed) ->
// Running -> Finished. Any topology/plugin edit sets Changed, which
// moves Prepared/Finished back to Edited.
type Tree struct {
	mu           sync.RWMutex
	root         *Node
	nodesByID    map[int]*Node
	nodeIDs      []int
	activeNodeID *int
	changed      bool
	hashSeed     uint64
}

// NewTree returns an empty tree with a fresh random hash seed.
func NewTree() *Tree {
	return &Tree{
		nodesByID: map[int]*Node{},
		hashSeed:  randomSeed(),
		changed:   true,
	}
}

func randomSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable, but a
		// tree hash seed is not safety-critical; fall back to a
		// deterministic constant rather than panicking.
		return 0x9e3779b97f4a7c15
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Changed reports whether the tree has been edited since the last
// PropagateShapes/Prepare cycle.
func (t *Tree) Changed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changed
}

func (t *Tree) markChanged() { t.changed = true }

// Root returns the root node, or nil if the tree is empty.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// NodeByID looks up a node, returning an error if id is unknown.
func (t *Tree) NodeByID(id int) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodesByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: node id %d", errKeyError, id)
	}
	return n, nil
}

var errKeyError = fmt.Errorf("key error")

// NodeIDs returns the registered node ids in registration order.
func (t *Tree) NodeIDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]int(nil), t.nodeIDs...)
}

func (t *Tree) nextID() int {
	if len(t.nodeIDs) == 0 {
		return 0
	}
	max := t.nodeIDs[0]
	for _, id := range t.nodeIDs {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// CreateAndAddNode registers plugin as a new node (spec §4.2). If the
// tree is empty, the node becomes root and is assigned id 0 unless
// explicitly given. Otherwise parent defaults to the active node; a
// fresh id is assigned as max(existing)+1 unless explicitly given.
// Duplicate ids, or ids smaller than the largest id currently in the
// tree, are rejected. Ids of deleted nodes are not remembered, so an
// explicit id below a deleted node's id is accepted.
func (t *Tree) CreateAndAddNode(plugin Plugin, parentID *int, nodeID *int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id int
	if nodeID != nil {
		id = *nodeID
		if _, exists := t.nodesByID[id]; exists {
			return 0, newUserConfigError("duplicate node id %d", id)
		}
		if len(t.nodeIDs) > 0 {
			maxID := t.nodeIDs[0]
			for _, existing := range t.nodeIDs {
				if existing > maxID {
					maxID = existing
				}
			}
			if id < maxID {
				return 0, newUserConfigError("node id %d is smaller than an existing id %d", id, maxID)
			}
		}
	} else if len(t.nodesByID) == 0 {
		id = 0
	} else {
		id = t.nextID()
	}

	node := NewNode(id, plugin)

	if t.root == nil {
		t.root = node
	} else {
		var parent *Node
		if parentID != nil {
			p, ok := t.nodesByID[*parentID]
			if !ok {
				return 0, fmt.Errorf("%w: parent id %d", errKeyError, *parentID)
			}
			parent = p
		} else if t.activeNodeID != nil {
			parent = t.nodesByID[*t.activeNodeID]
		} else {
			parent = t.root
		}
		parent.addChild(node)
	}

	t.nodesByID[id] = node
	t.nodeIDs = append(t.nodeIDs, id)
	t.activeNodeID = &id
	t.markChanged()
	return id, nil
}

func (t *Tree) subtreeIDs(n *Node) []int {
	ids := []int{n.NodeID}
	for _, c := range n.children {
		ids = append(ids, t.subtreeIDs(c)...)
	}
	return ids
}

// DeleteNode removes a node per spec §4.2. With recursive=true, the
// whole subtree is removed. Without it and with keepChildren=true, the
// node's children are reattached to its parent (fails if the node is
// root and has more than one child, since a tree needs a single root).
// Without either flag, deletion fails if the node has children.
func (t *Tree) DeleteNode(id int, recursive, keepChildren bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodesByID[id]
	if !ok {
		return fmt.Errorf("%w: node id %d", errKeyError, id)
	}

	if recursive {
		for _, rid := range t.subtreeIDs(n) {
			delete(t.nodesByID, rid)
			t.removeNodeID(rid)
		}
		t.detach(n)
		t.markChanged()
		return nil
	}

	if len(n.children) > 0 {
		if !keepChildren {
			return newUserConfigError("node %d has children; pass recursive or keep_children", id)
		}
		if n.parent == nil {
			if len(n.children) > 1 {
				return newUserConfigError("cannot delete root with more than one child while keeping children")
			}
			newRoot := n.children[0]
			newRoot.parent = nil
			t.root = newRoot
		} else {
			for _, c := range n.children {
				n.parent.addChild(c)
			}
			n.parent.removeChild(n)
		}
	} else {
		t.detach(n)
	}

	delete(t.nodesByID, id)
	t.removeNodeID(id)
	t.markChanged()
	return nil
}

func (t *Tree) detach(n *Node) {
	if n.parent != nil {
		n.parent.removeChild(n)
	} else if t.root == n {
		t.root = nil
	}
}

func (t *Tree) removeNodeID(id int) {
	for i, existing := range t.nodeIDs {
		if existing == id {
			t.nodeIDs = append(t.nodeIDs[:i], t.nodeIDs[i+1:]...)
			return
		}
	}
}

func (t *Tree) isInSubtree(ancestorID, candidateID int) bool {
	anc, ok := t.nodesByID[ancestorID]
	if !ok {
		return false
	}
	for _, id := range t.subtreeIDs(anc) {
		if id == candidateID {
			return true
		}
	}
	return false
}

// Reparent relinks nodeID under newParentID. It fails with
// UserConfigError if newParentID is in the subtree of nodeID
// (including nodeID itself), which would introduce a cycle.
func (t *Tree) Reparent(nodeID, newParentID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodesByID[nodeID]
	if !ok {
		return fmt.Errorf("%w: node id %d", errKeyError, nodeID)
	}
	newParent, ok := t.nodesByID[newParentID]
	if !ok {
		return fmt.Errorf("%w: node id %d", errKeyError, newParentID)
	}
	if t.isInSubtree(nodeID, newParentID) {
		return newUserConfigError("reparent(%d, %d) would introduce a cycle", nodeID, newParentID)
	}
	if n.parent != nil {
		n.parent.removeChild(n)
	} else if t.root == n {
		t.root = nil // will be replaced below; n was root, now it isn't
	}
	newParent.addChild(n)
	t.markChanged()
	return nil
}

// OrderIDs renumbers every node depth-first from 0 so that
// parent id < child id, updating plugin ids in lock-step.
func (t *Tree) OrderIDs() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return
	}
	next := 0
	newByID := map[int]*Node{}
	var walk func(n *Node)
	walk = func(n *Node) {
		id := next
		next++
		n.NodeID = id
		n.Plugin.SetNodeID(id)
		newByID[id] = n
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)
	t.nodesByID = newByID
	ids := make([]int, 0, len(newByID))
	for id := range newByID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	t.nodeIDs = ids
	t.markChanged()
}

// Execute runs the tree over task index, re-propagating shapes and
// pre-executing the root's subtree first if the tree has changed.
func (t *Tree) Execute(index int, kwargs map[string]any) error {
	_, err := t.execute(index, kwargs, nil)
	return err
}

// ExecuteAndCollect behaves like Execute but returns the Dataset
// produced by every leaf node and every keep-results node.
func (t *Tree) ExecuteAndCollect(index int, kwargs map[string]any) (map[int]*dataset.Dataset, error) {
	results := map[int]*dataset.Dataset{}
	_, err := t.execute(index, kwargs, results)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (t *Tree) execute(index int, kwargs map[string]any, results map[int]*dataset.Dataset) (*Node, error) {
	t.mu.Lock()
	root := t.root
	changed := t.changed
	t.mu.Unlock()

	if root == nil {
		return nil, newUserConfigError("cannot execute an empty tree")
	}
	if changed {
		if err := root.PropagateShapes(); err != nil {
			return nil, err
		}
		if err := root.Prepare(); err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.changed = false
		t.mu.Unlock()
	}
	if err := root.ExecuteChain(index, kwargs, results); err != nil {
		return nil, err
	}
	return root, nil
}

// ResultShapes returns, after propagation, one entry per node that
// actually produces a stored result (leaves plus keep-results nodes),
// excluding nodes whose OutputDataDim reports ok=false. It fails if
// any retained shape still contains an unresolved -1 dimension.
func (t *Tree) ResultShapes() (map[int][]int, error) {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root == nil {
		return nil, newUserConfigError("cannot compute result shapes for an empty tree")
	}
	if err := root.PropagateShapes(); err != nil {
		return nil, err
	}
	out := map[int][]int{}
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if _, ok := n.Plugin.OutputDataDim(); ok && (n.IsLeaf() || n.Plugin.KeepResults()) {
			for _, s := range n.LastResultShape {
				if s < 0 {
					return newUserConfigError("node %d has an unresolved result shape %v", n.NodeID, n.LastResultShape)
				}
			}
			out[n.NodeID] = append([]int(nil), n.LastResultShape...)
		}
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

// Prepare is a convenience wrapper calling PropagateShapes then
// Prepare on the root, matching spec §4.6's "tree.prepare()".
func (t *Tree) Prepare() error {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()
	if root == nil {
		return newUserConfigError("cannot prepare an empty tree")
	}
	if err := root.PropagateShapes(); err != nil {
		return err
	}
	if err := root.Prepare(); err != nil {
		return err
	}
	t.mu.Lock()
	t.changed = false
	t.mu.Unlock()
	return nil
}

// CloneForWorker returns a structurally independent tree (fresh Node
// values with independent LastResult/LastResultShape fields) that
// shares this tree's Plugin instances. This is the concurrency
// primitive execapp uses to give each worker goroutine its own node
// bookkeeping without racing on shared Node fields, which is sound
// because plugins are assumed side-effect-free beyond their
// configuration (spec §5).
func (t *Tree) CloneForWorker() *Tree {
	t.mu.RLock()
	defer t.mu.RUnlock()

	clone := &Tree{
		nodesByID: map[int]*Node{},
		hashSeed:  t.hashSeed,
		changed:   t.changed,
	}
	if t.root == nil {
		return clone
	}
	var walk func(n *Node, parent *Node) *Node
	walk = func(n *Node, parent *Node) *Node {
		cn := &Node{NodeID: n.NodeID, parent: parent, Plugin: n.Plugin}
		clone.nodesByID[cn.NodeID] = cn
		clone.nodeIDs = append(clone.nodeIDs, cn.NodeID)
		for _, c := range n.children {
			cn.children = append(cn.children, walk(c, cn))
		}
		return cn
	}
	clone.root = walk(t.root, nil)
	return clone
}

// Hash returns a deterministic digest of {(id, plugin_name,
// plugin_params, parent_id, child_ids)} for every node, combined with
// the tree's hash seed. It changes whenever any node, its plugin, its
// parameters, or the topology changes.
func (t *Tree) Hash() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, _ := blake2b.New256(nil)
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], t.hashSeed)
	h.Write(seedBuf[:])

	ids := append([]int(nil), t.nodeIDs...)
	slices.Sort(ids)
	for _, id := range ids {
		n := t.nodesByID[id]
		rec := n.Dump()
		fmt.Fprintf(h, "id=%d;plugin=%s;parent=%v;children=%v;", rec.NodeID, rec.PluginClass, rec.ParentID, rec.ChildrenIDs)
		for _, kv := range rec.PluginParams {
			fmt.Fprintf(h, "%s=%v;", kv.Key, kv.Value)
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// treeDoc is the YAML document shape used by ExportToString/
// ExportToFile, including an embedded producing-version tag (spec
// §4.2, §6).
type treeDoc struct {
	Version string       `json:"corerun_version"`
	Nodes   []NodeRecord `json:"nodes"`
}

// ProgramVersion identifies the producing program's version, recorded
// in exported trees and container files. Overridable for tests/builds.
var ProgramVersion = "0.1.0"

// ExportToString returns a losslessly round-trippable textual (YAML)
// form of the tree.
func (t *Tree) ExportToString() (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	doc := treeDoc{Version: ProgramVersion}
	ids := append([]int(nil), t.nodeIDs...)
	sort.Ints(ids)
	for _, id := range ids {
		doc.Nodes = append(doc.Nodes, t.nodesByID[id].Dump())
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("workflow: export tree: %w", err)
	}
	return string(out), nil
}

// RestoreFromString rebuilds the tree from the textual form produced
// by ExportToString, replacing the current contents. A version
// mismatch with ProgramVersion is reported but not fatal.
func (t *Tree) RestoreFromString(s string) (versionMismatch bool, err error) {
	var doc treeDoc
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil {
		return false, fmt.Errorf("workflow: restore tree: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = nil
	t.nodesByID = map[int]*Node{}
	t.nodeIDs = nil
	t.activeNodeID = nil

	byID := map[int]*Node{}
	for _, rec := range doc.Nodes {
		plugin, perr := NewPluginByName(rec.PluginClass)
		if perr != nil {
			return false, perr
		}
		for _, kv := range rec.PluginParams {
			plugin.Config().Set(kv.Key, kv.Value)
		}
		n := NewNode(rec.NodeID, plugin)
		byID[rec.NodeID] = n
		t.nodesByID[rec.NodeID] = n
		t.nodeIDs = append(t.nodeIDs, rec.NodeID)
	}
	for _, rec := range doc.Nodes {
		n := byID[rec.NodeID]
		if rec.ParentID == nil {
			t.root = n
			continue
		}
		parent, ok := byID[*rec.ParentID]
		if !ok {
			return false, fmt.Errorf("%w: parent id %d", errKeyError, *rec.ParentID)
		}
		parent.addChild(n)
	}
	t.markChanged()
	return doc.Version != ProgramVersion, nil
}

// ExportToFile writes the tree's textual form to path (YAML).
func (t *Tree) ExportToFile(path string) error {
	s, err := t.ExportToString()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
		return fmt.Errorf("workflow: export tree to %s: %w", path, err)
	}
	return nil
}

// ImportFromFile reads and restores a tree from path.
func (t *Tree) ImportFromFile(path string) (versionMismatch bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("workflow: import tree from %s: %w", path, err)
	}
	return t.RestoreFromString(string(data))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
