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

package resultio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zstd"
	"sigs.k8s.io/yaml"

	"github.com/gridflow/corerun/dataset"
	"github.com/gridflow/corerun/experiment"
	"github.com/gridflow/corerun/resultstore"
	"github.com/gridflow/corerun/scan"
	"github.com/gridflow/corerun/workflow"
)

const (
	scanSidecarName = "scan.yaml"
	expSidecarName  = "experiment.yaml"
	treeSidecarName = "workflow.yaml"
)

func init() {
	RegisterWriter("container", func(dir string) (Writer, error) {
		return NewContainerWriter(dir)
	})
	resultstore.RegisterWriterFormat("container", func(dir string) (resultstore.Writer, error) {
		return NewContainerWriter(dir)
	})
	resultstore.RegisterDirectoryImporter("container", ImportDirectory)
}

const containerExt = ".cdc" // "composite data container"

// containerMagic tags the start of every .cdc file.
var containerMagic = [4]byte{'C', 'D', 'C', '1'}

// trailer describes a single offset-addressed section within a .cdc
// file, mirroring the teacher's Trailer/Blockdesc offset-table idiom
// (ion/blockfmt/trailer.go) but trimmed to the single data-section case
// this format needs.
type trailer struct {
	MetaOffset int64  `json:"meta_offset"`
	MetaLength int64  `json:"meta_length"`
	DataOffset int64  `json:"data_offset"`
	DataLength int64  `json:"data_length"`
	Compressed bool   `json:"compressed"`
	Shape      []int  `json:"shape"`
}

// containerMeta is the YAML document stored in a .cdc file's metadata
// section: enough to reconstruct a dataset.Dataset without the scan
// or workflow definitions.
type containerMeta struct {
	NodeID     int                  `json:"node_id"`
	Label      string               `json:"label"`
	PluginName string               `json:"plugin_name"`
	DataLabel  string               `json:"data_label"`
	DataUnit   string               `json:"data_unit"`
	Shape      []int                `json:"shape"`
	AxisLabels []string             `json:"axis_labels"`
	AxisUnits  []string             `json:"axis_units"`
	AxisRanges []containerAxisRange `json:"axis_ranges"`
}

type containerAxisRange struct {
	IsIndex bool      `json:"is_index"`
	Values  []float64 `json:"values,omitempty"`
}

// ContainerWriter writes one .cdc file per node into dir (spec §4.5:
// "node_<id:02d>_<sanitized_label>.<ext>"). Data sections are
// optionally zstd-compressed.
type ContainerWriter struct {
	dir      string
	compress bool

	meta map[int]resultstore.FrameMeta
	sc   scan.Scan
	exp  experiment.Experiment
	tree *workflow.Tree
}

// NewContainerWriter returns a writer rooted at dir, creating dir if
// it does not already exist.
func NewContainerWriter(dir string) (*ContainerWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, workflow.NewStorageError(dir, err)
	}
	return &ContainerWriter{dir: dir, compress: true}, nil
}

// SetCompression toggles zstd compression of the data section.
func (w *ContainerWriter) SetCompression(on bool) { w.compress = on }

// PushMetadata records the frozen run context and writes it to dir as
// three sidecar YAML files (spec §6's /entry/scan/, /entry/experiment/,
// and /entry/workflow/ groups), alongside the per-node .cdc files
// ExportFull writes.
func (w *ContainerWriter) PushMetadata(meta map[int]resultstore.FrameMeta, sc scan.Scan, exp experiment.Experiment, tree *workflow.Tree) error {
	w.meta = meta
	w.sc = sc
	w.exp = exp
	w.tree = tree

	if sc != nil {
		path := filepath.Join(w.dir, scanSidecarName)
		if err := scan.SaveScanToFile(sc, path); err != nil {
			return workflow.NewStorageError(path, err)
		}
	}
	if exp != nil {
		path := filepath.Join(w.dir, expSidecarName)
		if err := exp.SaveToFile(path); err != nil {
			return workflow.NewStorageError(path, err)
		}
	}
	if tree != nil {
		path := filepath.Join(w.dir, treeSidecarName)
		if err := tree.ExportToFile(path); err != nil {
			return workflow.NewStorageError(path, err)
		}
	}
	return nil
}

// ExportFrame is a no-op for ContainerWriter: composites are only
// known complete at ExportFull time, since any frame may still be
// pending. Files are written only when ExportFull is called.
func (w *ContainerWriter) ExportFrame(index int, results map[int]*dataset.Dataset) error {
	return nil
}

// ExportFull writes one .cdc file per composite.
func (w *ContainerWriter) ExportFull(composites map[int]*dataset.Dataset, nodeMeta map[int]resultstore.NodeMeta) error {
	for id, d := range composites {
		nm := nodeMeta[id]
		name := sanitizeFilename(fmt.Sprintf("node_%02d_%s%s", id, nm.Label, containerExt))
		path := filepath.Join(w.dir, name)
		if err := w.writeOne(path, id, d, nm); err != nil {
			return workflow.NewStorageError(path, err)
		}
	}
	return nil
}

func (w *ContainerWriter) writeOne(path string, id int, d *dataset.Dataset, nm resultstore.NodeMeta) error {
	meta := containerMeta{
		NodeID:     id,
		Label:      nm.Label,
		PluginName: nm.PluginName,
		DataLabel:  d.DataLabel(),
		DataUnit:   d.DataUnit(),
		Shape:      d.Shape(),
	}
	for i := 0; i < d.Ndim(); i++ {
		meta.AxisLabels = append(meta.AxisLabels, d.AxisLabel(i))
		meta.AxisUnits = append(meta.AxisUnits, d.AxisUnit(i))
		r := d.AxisRangeAt(i)
		if r.IsIndex() {
			meta.AxisRanges = append(meta.AxisRanges, containerAxisRange{IsIndex: true})
		} else {
			meta.AxisRanges = append(meta.AxisRanges, containerAxisRange{Values: r.Values()})
		}
	}

	metaBytes, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	raw := d.Raw()
	dataBytes := make([]byte, len(raw)*4)
	for i, v := range raw {
		binary.LittleEndian.PutUint32(dataBytes[i*4:], math.Float32bits(v))
	}
	if w.compress {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if _, err := enc.Write(dataBytes); err != nil {
			enc.Close()
			return fmt.Errorf("compress data section: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("flush zstd writer: %w", err)
		}
		dataBytes = buf.Bytes()
	}

	t := trailer{
		MetaOffset: 0, // filled below once header size is known
		MetaLength: int64(len(metaBytes)),
		DataLength: int64(len(dataBytes)),
		Compressed: w.compress,
		Shape:      d.Shape(),
	}

	const headerSize = 4 + 8 // magic + fixed-width 8-byte trailer length
	// The metadata starts right after the trailer, whose encoded length
	// depends on the offsets it holds: re-marshal until they agree.
	var trailerBytes []byte
	for {
		t.DataOffset = t.MetaOffset + t.MetaLength
		tb, err := yaml.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trailer: %w", err)
		}
		trailerBytes = tb
		next := int64(headerSize + len(tb))
		if next == t.MetaOffset {
			break
		}
		t.MetaOffset = next
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(containerMagic[:]); err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(trailerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(trailerBytes); err != nil {
		return err
	}
	if _, err := f.Write(metaBytes); err != nil {
		return err
	}
	if _, err := f.Write(dataBytes); err != nil {
		return err
	}
	return nil
}

// ImportFromFile reads a .cdc file back into a Dataset.
func ImportFromFile(path string) (*dataset.Dataset, containerMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, containerMeta{}, err
	}
	if len(raw) < 12 || !bytes.Equal(raw[:4], containerMagic[:]) {
		return nil, containerMeta{}, fmt.Errorf("resultio: %s is not a valid container file", path)
	}
	trailerLen := binary.LittleEndian.Uint64(raw[4:12])
	trailerBytes := raw[12 : 12+trailerLen]
	var t trailer
	if err := yaml.Unmarshal(trailerBytes, &t); err != nil {
		return nil, containerMeta{}, fmt.Errorf("resultio: parse trailer: %w", err)
	}
	metaBytes := raw[t.MetaOffset : t.MetaOffset+t.MetaLength]
	var meta containerMeta
	if err := yaml.Unmarshal(metaBytes, &meta); err != nil {
		return nil, containerMeta{}, fmt.Errorf("resultio: parse metadata: %w", err)
	}
	dataBytes := raw[t.DataOffset : t.DataOffset+t.DataLength]
	if t.Compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, containerMeta{}, fmt.Errorf("resultio: create zstd reader: %w", err)
		}
		defer dec.Close()
		dataBytes, err = dec.DecodeAll(dataBytes, nil)
		if err != nil {
			return nil, containerMeta{}, fmt.Errorf("resultio: decompress data section: %w", err)
		}
	}
	nElems := len(dataBytes) / 4
	floats := make([]float32, nElems)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(dataBytes[i*4:]))
	}
	d, err := dataset.FromSlice(meta.Shape, floats, meta.DataLabel, meta.DataUnit)
	if err != nil {
		return nil, containerMeta{}, err
	}
	for i := range meta.AxisLabels {
		var r dataset.AxisRange
		if meta.AxisRanges[i].IsIndex {
			r = dataset.IndexRange()
		} else {
			r = dataset.NewAxisRange(meta.AxisRanges[i].Values)
		}
		if err := d.SetAxisMeta(i, meta.AxisLabels[i], meta.AxisUnits[i], r); err != nil {
			return nil, containerMeta{}, err
		}
	}
	return d, meta, nil
}

// ImportDirectory reconstructs a resultstore.Store's state from a
// directory previously written by ContainerWriter: every *.cdc file
// plus the scan/experiment/workflow sidecars PushMetadata wrote
// alongside them (spec §4.3 import_from_directory).
func ImportDirectory(dir string) ([]resultstore.ImportedNode, scan.Scan, experiment.Experiment, *workflow.Tree, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("resultio: read %s: %w", dir, err)
	}

	var nodes []resultstore.ImportedNode
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != containerExt {
			continue
		}
		d, meta, err := ImportFromFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		nodes = append(nodes, resultstore.ImportedNode{
			NodeID: meta.NodeID,
			Meta: resultstore.NodeMeta{
				Label:      meta.Label,
				PluginName: meta.PluginName,
				DataLabel:  meta.DataLabel,
				DataUnit:   meta.DataUnit,
			},
			Data: d,
		})
	}

	sc, err := scan.LoadGridFromFile(filepath.Join(dir, scanSidecarName))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("resultio: load scan sidecar: %w", err)
	}
	exp, err := experiment.LoadFromFile(filepath.Join(dir, expSidecarName))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("resultio: load experiment sidecar: %w", err)
	}
	tree := workflow.NewTree()
	if _, err := tree.ImportFromFile(filepath.Join(dir, treeSidecarName)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("resultio: load workflow sidecar: %w", err)
	}

	return nodes, sc, exp, tree, nil
}

var nonFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeFilename replaces any run of characters unsafe for a
// filesystem path with a single underscore (spec §4.5).
func sanitizeFilename(s string) string {
	s = nonFilenameChars.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}
