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

// Package resultstore assembles per-frame plugin outputs into per-node
// multidimensional composite arrays with preserved metadata (spec §3
// "ResultStore", §4.3).
package resultstore

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/gridflow/corerun/dataset"
	"github.com/gridflow/corerun/experiment"
	"github.com/gridflow/corerun/scan"
	"github.com/gridflow/corerun/workflow"
)

// NodeMeta is the per-node identity carried alongside its composite
// (spec §4.3 "records per-node metadata").
type NodeMeta struct {
	Label       string
	PluginName  string
	DataLabel   string
	DataUnit    string
	ResultTitle string
}

// FrameMeta is the per-node axis metadata pushed after the first
// frame's shape/metadata becomes known (spec §4.3 StoreFrameMetadata).
type FrameMeta struct {
	AxisLabels []string
	AxisUnits  []string
	AxisRanges []dataset.AxisRange
	DataLabel  string
	DataUnit   string
}

// Writer is the subset of resultio.Writer that ResultStore drives
// during a run. Declared locally (rather than imported) to keep
// resultstore free of a dependency on the resultio package; any type
// satisfying this interface can be attached with AttachWriter.
type Writer interface {
	PushMetadata(meta map[int]FrameMeta, sc scan.Scan, exp experiment.Experiment, tree *workflow.Tree) error
	ExportFrame(index int, results map[int]*dataset.Dataset) error
	ExportFull(composites map[int]*dataset.Dataset, meta map[int]NodeMeta) error
}

// WriterFactory constructs a Writer rooted at dir for a named output
// format. Writer implementations register one from their own init(),
// mirroring workflow.RegisterPlugin; declared here rather than reusing
// resultio.Factory because resultio already imports resultstore, and
// the reverse import would cycle.
type WriterFactory func(dir string) (Writer, error)

// ImportedNode is the format-agnostic record a DirectoryImporter
// returns for one composite previously written by SaveToDisk.
type ImportedNode struct {
	NodeID int
	Meta   NodeMeta
	Data   *dataset.Dataset
}

// DirectoryImporter reconstructs everything ImportFromDirectory needs
// from a directory a WriterFactory of the same format previously wrote.
type DirectoryImporter func(dir string) (nodes []ImportedNode, sc scan.Scan, exp experiment.Experiment, tree *workflow.Tree, err error)

var (
	formatRegistryMu sync.RWMutex
	writerFactories  = map[string]WriterFactory{}
	dirImporters     = map[string]DirectoryImporter{}
)

// RegisterWriterFormat makes format available to Store.SaveToDisk.
func RegisterWriterFormat(format string, f WriterFactory) {
	formatRegistryMu.Lock()
	defer formatRegistryMu.Unlock()
	writerFactories[format] = f
}

// RegisterDirectoryImporter makes format available to
// Store.ImportFromDirectory.
func RegisterDirectoryImporter(format string, f DirectoryImporter) {
	formatRegistryMu.Lock()
	defer formatRegistryMu.Unlock()
	dirImporters[format] = f
}

func newWriterByFormat(format, dir string) (Writer, error) {
	formatRegistryMu.RLock()
	f, ok := writerFactories[format]
	formatRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resultstore: unknown output format %q", format)
	}
	return f(dir)
}

func directoryImporterFor(format string) (DirectoryImporter, error) {
	formatRegistryMu.RLock()
	f, ok := dirImporters[format]
	formatRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resultstore: unknown import format %q", format)
	}
	return f, nil
}

// Store implements spec §4.3.
type Store struct {
	mu sync.RWMutex

	composites  map[int]*dataset.Dataset
	nodeMeta    map[int]NodeMeta
	frameShapes map[int][]int // trailing shape per node

	frozenScan scan.Scan
	frozenExp  experiment.Experiment
	frozenTree *workflow.Tree

	metadataComplete bool
	shapesSet        bool
	preparedNodeIDs  map[int]bool

	writers   []Writer
	listeners []func(index int)
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// PrepareNewResults clears state and freezes tree/scan/exp against
// concurrent edits by taking deep copies (spec §3 "frozen_scan,
// frozen_exp, frozen_tree"; §4.3 prepare_new_results). meta supplies
// the per-node identity recorded up front; it does not yet allocate
// composites, since shapes may depend on the first frame's actual
// output.
func (s *Store) PrepareNewResults(tree *workflow.Tree, sc scan.Scan, exp experiment.Experiment, meta map[int]NodeMeta) error {
	if tree == nil || sc == nil {
		return workflow.NewUserConfigError("prepare_new_results requires a non-nil tree and scan")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.composites = map[int]*dataset.Dataset{}
	s.frameShapes = nil
	s.metadataComplete = false
	s.shapesSet = false
	s.frozenScan = sc
	frozenExp := make(experiment.Experiment, len(exp))
	for k, v := range exp {
		frozenExp[k] = v
	}
	s.frozenExp = frozenExp
	s.frozenTree = tree.CloneForWorker()
	s.nodeMeta = make(map[int]NodeMeta, len(meta))
	for k, v := range meta {
		s.nodeMeta[k] = v
	}
	s.preparedNodeIDs = make(map[int]bool, len(meta))
	for k := range meta {
		s.preparedNodeIDs[k] = true
	}
	s.writers = nil
	s.listeners = nil
	return nil
}

// AttachWriter registers w to receive PushMetadata/ExportFrame calls
// as the run progresses (spec §4.6 autosave).
func (s *Store) AttachWriter(w Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writers = append(s.writers, w)
}

// OnNewResults registers a callback invoked after each successful
// StoreResults call (spec §4.3 "Emits a new_results notification").
func (s *Store) OnNewResults(fn func(index int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// StoreFrameShapes records composite_shape = scan.shape + trailing
// shape for each node. The key set must exactly match the set
// prepared by PrepareNewResults.
func (s *Store) StoreFrameShapes(shapes map[int][]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !keysMatch(shapes, s.preparedNodeIDs) {
		return workflow.NewUserConfigError("store_frame_shapes: key set %v does not match prepared set %v", maps.Keys(shapes), maps.Keys(s.preparedNodeIDs))
	}
	s.frameShapes = make(map[int][]int, len(shapes))
	for k, v := range shapes {
		s.frameShapes[k] = append([]int(nil), v...)
	}
	s.shapesSet = true
	return nil
}

func keysMatch(m map[int][]int, set map[int]bool) bool {
	if len(m) != len(set) {
		return false
	}
	for k := range m {
		if !set[k] {
			return false
		}
	}
	return true
}

// StoreFrameMetadata merges scan-axis metadata (leading dims) with
// plugin-axis metadata (trailing dims) for each node. First call wins
// and is pushed to any attached writer; subsequent calls with
// identical values are a no-op, matching "idempotent with respect to
// overwriting identical values."
func (s *Store) StoreFrameMetadata(meta map[int]FrameMeta) error {
	s.mu.Lock()
	if s.metadataComplete {
		s.mu.Unlock()
		return nil
	}
	if s.frozenScan == nil {
		s.mu.Unlock()
		return fmt.Errorf("resultstore: store_frame_metadata called before prepare_new_results")
	}
	var lead FrameMeta
	for i := 0; i < s.frozenScan.Ndim(); i++ {
		r := dataset.IndexRange()
		if vals, ok := s.frozenScan.AxisRangeValues(i); ok {
			r = dataset.NewAxisRange(vals)
		}
		lead.AxisLabels = append(lead.AxisLabels, s.frozenScan.AxisLabel(i))
		lead.AxisUnits = append(lead.AxisUnits, s.frozenScan.AxisUnit(i))
		lead.AxisRanges = append(lead.AxisRanges, r)
	}
	merged := make(map[int]FrameMeta, len(meta))
	for id, fm := range meta {
		fm.AxisLabels = append(append([]string(nil), lead.AxisLabels...), fm.AxisLabels...)
		fm.AxisUnits = append(append([]string(nil), lead.AxisUnits...), fm.AxisUnits...)
		fm.AxisRanges = append(append([]dataset.AxisRange(nil), lead.AxisRanges...), fm.AxisRanges...)
		merged[id] = fm
	}
	s.metadataComplete = true
	writers := append([]Writer(nil), s.writers...)
	sc, exp, tree := s.frozenScan, s.frozenExp, s.frozenTree
	s.mu.Unlock()

	for _, w := range writers {
		if err := w.PushMetadata(merged, sc, exp, tree); err != nil {
			return fmt.Errorf("resultstore: push metadata: %w", err)
		}
	}
	return nil
}

// StoreResults computes scan_pos from index, allocating every
// composite (NaN-filled) on the first call, then writes
// composite[scan_pos] = array for each entry (spec §4.3). If per-run
// metadata has not yet been pushed, it is derived from this frame's
// results and pushed
// first (spec §4.3 "store_results triggers store_frame_metadata").
func (s *Store) StoreResults(index int, results map[int]*dataset.Dataset) error {
	s.mu.Lock()
	if s.frozenScan == nil {
		s.mu.Unlock()
		return fmt.Errorf("resultstore: store_results called before prepare_new_results")
	}
	scanPos, err := s.frozenScan.IndexToScanPosition(index)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.frameShapes == nil {
		trailing := make(map[int][]int, len(results))
		for id, ds := range results {
			trailing[id] = ds.Shape()
		}
		s.mu.Unlock()
		if err := s.StoreFrameShapes(trailing); err != nil {
			return err
		}
		s.mu.Lock()
	}
	if len(s.composites) == 0 {
		scanShape := s.frozenScan.Shape()
		for id, trailing := range s.frameShapes {
			full := append(append([]int(nil), scanShape...), trailing...)
			dataLabel, dataUnit := s.nodeMeta[id].DataLabel, s.nodeMeta[id].DataUnit
			if ds, ok := results[id]; ok {
				dataLabel, dataUnit = ds.DataLabel(), ds.DataUnit()
			}
			s.composites[id] = dataset.NaNFilled(full, dataLabel, dataUnit)
		}
	}
	needMetadata := !s.metadataComplete
	writers := append([]Writer(nil), s.writers...)
	listeners := append([]func(int){}, s.listeners...)
	s.mu.Unlock()

	if needMetadata {
		fm := map[int]FrameMeta{}
		for id, ds := range results {
			fm[id] = FrameMeta{
				AxisLabels: axisLabelsOf(ds),
				AxisUnits:  axisUnitsOf(ds),
				AxisRanges: axisRangesOf(ds),
				DataLabel:  ds.DataLabel(),
				DataUnit:   ds.DataUnit(),
			}
		}
		if err := s.StoreFrameMetadata(fm); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for id, ds := range results {
		composite, ok := s.composites[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("resultstore: unexpected node id %d in store_results", id)
		}
		expected := s.frameShapes[id]
		if !slices.Equal(ds.Shape(), expected) {
			s.mu.Unlock()
			return workflow.NewInternalError(id, fmt.Errorf("%w: frame shape %v does not match established shape %v", errShapeChanged, ds.Shape(), expected))
		}
		if err := composite.SetSub(scanPos, ds); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("resultstore: node %d: %w", id, err)
		}
	}
	s.mu.Unlock()

	for _, w := range writers {
		if err := w.ExportFrame(index, results); err != nil {
			return fmt.Errorf("resultstore: export frame %d: %w", index, err)
		}
	}
	for _, fn := range listeners {
		fn(index)
	}
	return nil
}

// errShapeChanged is the sentinel wrapped inside the *workflow.InternalError
// raised by the condition from spec §9's open question: the shape
// observed on the first successful task is final, and a later mismatch
// is fatal, not recoverable.
var errShapeChanged = fmt.Errorf("plugin output shape changed across tasks")

func axisLabelsOf(d *dataset.Dataset) []string {
	out := make([]string, d.Ndim())
	for i := range out {
		out[i] = d.AxisLabel(i)
	}
	return out
}

func axisUnitsOf(d *dataset.Dataset) []string {
	out := make([]string, d.Ndim())
	for i := range out {
		out[i] = d.AxisUnit(i)
	}
	return out
}

func axisRangesOf(d *dataset.Dataset) []dataset.AxisRange {
	out := make([]dataset.AxisRange, d.Ndim())
	for i := range out {
		out[i] = d.AxisRangeAt(i)
	}
	return out
}

// GetResults returns the composite for id, by reference.
func (s *Store) GetResults(id int) (*dataset.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.composites[id]
	if !ok {
		return nil, fmt.Errorf("resultstore: no results for node id %d", id)
	}
	return d, nil
}

// GetResultsFlattened collapses the leading scan dims of id's composite
// into one "Chronological scan points" dimension.
func (s *Store) GetResultsFlattened(id int, squeeze bool) (*dataset.Dataset, error) {
	d, err := s.GetResults(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	scanNdim := s.frozenScan.Ndim()
	s.mu.RUnlock()
	trailing := d.Shape()[scanNdim:]
	nPoints := 1
	for _, sdim := range d.Shape()[:scanNdim] {
		nPoints *= sdim
	}
	flatShape := append([]int{nPoints}, trailing...)
	out := dataset.New(flatShape, d.DataLabel(), d.DataUnit())
	out.SetAxisMeta(0, "Chronological scan points", "", dataset.IndexRange())
	for i := 0; i < d.Ndim()-scanNdim; i++ {
		out.SetAxisMeta(i+1, d.AxisLabel(scanNdim+i), d.AxisUnit(scanNdim+i), d.AxisRangeAt(scanNdim+i))
	}
	raw := out.Raw()
	copy(raw, d.Raw())
	if squeeze {
		return out.Squeeze(), nil
	}
	return out, nil
}

// GetSubset slices id's composite. Any non-fixed spec retains its axis.
func (s *Store) GetSubset(id int, specs []dataset.SliceSpec, flattenedScanDim, squeeze bool) (*dataset.Dataset, error) {
	var d *dataset.Dataset
	var err error
	if flattenedScanDim {
		d, err = s.GetResultsFlattened(id, false)
	} else {
		d, err = s.GetResults(id)
	}
	if err != nil {
		return nil, err
	}
	out, err := d.Slice(specs...)
	if err != nil {
		return nil, err
	}
	if squeeze {
		return out.Squeeze(), nil
	}
	return out, nil
}

// NodeIDs returns the ids of every composite currently stored, in
// ascending order.
func (s *Store) NodeIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := maps.Keys(s.composites)
	slices.Sort(ids)
	return ids
}

// Meta returns the recorded identity for id.
func (s *Store) Meta(id int) (NodeMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.nodeMeta[id]
	return m, ok
}

// FrozenScan/FrozenExperiment/FrozenTree expose the deep copies frozen
// at prepare time.
func (s *Store) FrozenScan() scan.Scan                   { s.mu.RLock(); defer s.mu.RUnlock(); return s.frozenScan }
func (s *Store) FrozenExperiment() experiment.Experiment { s.mu.RLock(); defer s.mu.RUnlock(); return s.frozenExp }
func (s *Store) FrozenTree() *workflow.Tree              { s.mu.RLock(); defer s.mu.RUnlock(); return s.frozenTree }
func (s *Store) MetadataComplete() bool                  { s.mu.RLock(); defer s.mu.RUnlock(); return s.metadataComplete }

// SaveToDisk writes the current composites through each named writer
// format into dir (spec §4.3 "save_to_disk(dir, *formats,
// overwrite=False, node_id=None)"). A nil nodeID saves every node;
// otherwise only that one node's composite is written. formats
// defaults to the container format if empty.
func (s *Store) SaveToDisk(dir string, formats []string, overwrite bool, nodeID *int) error {
	s.mu.RLock()
	if s.frozenScan == nil {
		s.mu.RUnlock()
		return fmt.Errorf("resultstore: save_to_disk called before prepare_new_results")
	}
	composites := map[int]*dataset.Dataset{}
	nodeMeta := map[int]NodeMeta{}
	for id, d := range s.composites {
		if nodeID != nil && id != *nodeID {
			continue
		}
		composites[id] = d
		nodeMeta[id] = s.nodeMeta[id]
	}
	sc, exp, tree := s.frozenScan, s.frozenExp, s.frozenTree
	s.mu.RUnlock()

	if len(composites) == 0 {
		return workflow.NewUserConfigError("save_to_disk: no results to save")
	}
	if !overwrite {
		if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
			return workflow.NewUserConfigError("save_to_disk: %s is not empty (pass overwrite=true to proceed)", dir)
		}
	}
	if len(formats) == 0 {
		formats = []string{"container"}
	}

	for _, format := range formats {
		w, err := newWriterByFormat(format, dir)
		if err != nil {
			return err
		}
		meta := make(map[int]FrameMeta, len(composites))
		for id, d := range composites {
			meta[id] = FrameMeta{
				AxisLabels: axisLabelsOf(d),
				AxisUnits:  axisUnitsOf(d),
				AxisRanges: axisRangesOf(d),
				DataLabel:  d.DataLabel(),
				DataUnit:   d.DataUnit(),
			}
		}
		if err := w.PushMetadata(meta, sc, exp, tree); err != nil {
			return err
		}
		if err := w.ExportFull(composites, nodeMeta); err != nil {
			return err
		}
	}
	return nil
}

// ImportFromDirectory resets the Store and repopulates it (composites,
// per-node metadata, frozen scan/exp/tree) from a directory a matching
// WriterFactory previously wrote via SaveToDisk (spec §4.3
// import_from_directory; round-trip property P10).
func (s *Store) ImportFromDirectory(dir, format string) error {
	importFn, err := directoryImporterFor(format)
	if err != nil {
		return err
	}
	nodes, sc, exp, tree, err := importFn(dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.composites = make(map[int]*dataset.Dataset, len(nodes))
	s.nodeMeta = make(map[int]NodeMeta, len(nodes))
	s.frameShapes = make(map[int][]int, len(nodes))
	s.preparedNodeIDs = make(map[int]bool, len(nodes))
	scanNdim := 0
	if sc != nil {
		scanNdim = sc.Ndim()
	}
	for _, n := range nodes {
		s.composites[n.NodeID] = n.Data
		s.nodeMeta[n.NodeID] = n.Meta
		s.preparedNodeIDs[n.NodeID] = true
		if shape := n.Data.Shape(); scanNdim <= len(shape) {
			s.frameShapes[n.NodeID] = append([]int(nil), shape[scanNdim:]...)
		}
	}
	s.frozenScan = sc
	s.frozenExp = exp
	s.frozenTree = tree
	s.metadataComplete = true
	s.shapesSet = true
	s.writers = nil
	s.listeners = nil
	return nil
}
