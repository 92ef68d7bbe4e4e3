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
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/gridflow/corerun/dataset"
	"github.com/gridflow/corerun/experiment"
	"github.com/gridflow/corerun/resultstore"
	"github.com/gridflow/corerun/scan"
	"github.com/gridflow/corerun/workflow"
)

func sampleDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	d, err := dataset.FromSlice([]int{2, 2}, []float32{1, 2, 3, 4}, "intensity", "counts")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetAxisMeta(0, "x", "mm", dataset.NewAxisRange([]float64{0.5, 1.5})); err != nil {
		t.Fatal(err)
	}
	if err := d.SetAxisMeta(1, "y", "mm", dataset.IndexRange()); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestContainerRoundTripCompressed(t *testing.T) {
	dir := t.TempDir()
	w, err := NewContainerWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	d := sampleDataset(t)
	nodeMeta := map[int]resultstore.NodeMeta{0: {Label: "root_00", PluginName: "Source"}}
	if err := w.ExportFull(map[int]*dataset.Dataset{0: d}, nodeMeta); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "node_00_root_00.cdc")
	got, meta, err := ImportFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Raw(), d.Raw()) {
		t.Fatalf("got %v, want %v", got.Raw(), d.Raw())
	}
	if meta.PluginName != "Source" {
		t.Fatalf("got plugin name %q, want Source", meta.PluginName)
	}
	if got.AxisLabel(0) != "x" || got.AxisUnit(0) != "mm" {
		t.Fatalf("got axis0 (%q,%q), want (x,mm)", got.AxisLabel(0), got.AxisUnit(0))
	}
	if got.AxisRangeAt(0).IsIndex() {
		t.Fatal("expected axis 0's explicit range to survive the round trip")
	}
	if !got.AxisRangeAt(1).IsIndex() {
		t.Fatal("expected axis 1 to remain an implicit index range")
	}
}

func TestContainerRoundTripUncompressed(t *testing.T) {
	dir := t.TempDir()
	w, err := NewContainerWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	w.SetCompression(false)
	d := sampleDataset(t)
	if err := w.ExportFull(map[int]*dataset.Dataset{7: d}, map[int]resultstore.NodeMeta{7: {Label: "proc_07"}}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "node_07_proc_07.cdc")
	got, _, err := ImportFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Raw(), d.Raw()) {
		t.Fatalf("got %v, want %v", got.Raw(), d.Raw())
	}
}

func TestImportFromFileRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bogus.cdc")
	if err := os.WriteFile(path, []byte("not a container file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ImportFromFile(path); err == nil {
		t.Fatal("expected an error for a file with an invalid magic header")
	}
}

func TestNewContainerWriterRaisesStorageErrorOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewContainerWriter(filepath.Join(blocked, "subdir"))
	if err == nil {
		t.Fatal("expected an error when the output directory's parent is a regular file")
	}
	var se *workflow.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("got %T, want *workflow.StorageError", err)
	}
}

func TestPushMetadataWritesRunContextSidecars(t *testing.T) {
	dir := t.TempDir()
	w, err := NewContainerWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	g, err := scan.NewGrid([]int{2, 2}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	exp := experiment.Experiment{"beamline": "id11"}
	tr := workflow.NewTree()
	if err := w.PushMetadata(nil, g, exp, tr); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{scanSidecarName, expSidecarName, treeSidecarName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to be written: %v", name, err)
		}
	}
}

func TestImportDirectoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewContainerWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	g, err := scan.NewGrid([]int{2}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	exp := experiment.Experiment{"beamline": "id11"}
	tr := workflow.NewTree()
	if err := w.PushMetadata(nil, g, exp, tr); err != nil {
		t.Fatal(err)
	}
	d := sampleDataset(t)
	nodeMeta := map[int]resultstore.NodeMeta{0: {Label: "root_00", PluginName: "Source"}}
	if err := w.ExportFull(map[int]*dataset.Dataset{0: d}, nodeMeta); err != nil {
		t.Fatal(err)
	}

	nodes, sc, gotExp, gotTree, err := ImportDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].NodeID != 0 {
		t.Fatalf("got %v, want one node with id 0", nodes)
	}
	if !reflect.DeepEqual(nodes[0].Data.Raw(), d.Raw()) {
		t.Fatalf("got %v, want %v", nodes[0].Data.Raw(), d.Raw())
	}
	if sc.Shape()[0] != 2 {
		t.Fatalf("got scan shape %v, want [2]", sc.Shape())
	}
	if gotExp["beamline"] != "id11" {
		t.Fatalf("got experiment %v, want beamline id11", gotExp)
	}
	if gotTree == nil {
		t.Fatal("expected a non-nil restored tree")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"node_00_root/with spaces":  "node_00_root_with_spaces",
		"ok-Name.01":                "ok-Name.01",
		"///leading/trailing///":    "leading_trailing",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q): got %q, want %q", in, got, want)
		}
	}
}
