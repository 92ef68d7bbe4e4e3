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

package resultstore

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/gridflow/corerun/dataset"
	"github.com/gridflow/corerun/experiment"
	_ "github.com/gridflow/corerun/resultio" // registers the "container" format
	"github.com/gridflow/corerun/scan"
	"github.com/gridflow/corerun/workflow"
)

func newPreparedStore(t *testing.T) (*Store, *scan.Grid) {
	t.Helper()
	g, err := scan.NewGrid([]int{2, 2}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr := workflow.NewTree()
	s := New()
	meta := map[int]NodeMeta{0: {Label: "root_00", PluginName: "Source"}}
	if err := s.PrepareNewResults(tr, g, experiment.Experiment{"beamline": "id11"}, meta); err != nil {
		t.Fatal(err)
	}
	return s, g
}

func frame(t *testing.T, vals ...float32) *dataset.Dataset {
	t.Helper()
	d, err := dataset.FromSlice([]int{len(vals)}, vals, "intensity", "counts")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestPrepareNewResultsRejectsNilArgs(t *testing.T) {
	s := New()
	if err := s.PrepareNewResults(nil, nil, nil, nil); err == nil {
		t.Fatal("expected an error for nil tree/scan")
	}
}

func TestPrepareNewResultsFreezesExperiment(t *testing.T) {
	s, _ := newPreparedStore(t)
	exp := s.FrozenExperiment()
	if exp["beamline"] != "id11" {
		t.Fatalf("got %v, want the frozen experiment settings", exp)
	}
}

func TestStoreFrameShapesRejectsWrongKeySet(t *testing.T) {
	s, _ := newPreparedStore(t)
	if err := s.StoreFrameShapes(map[int][]int{1: {3}}); err == nil {
		t.Fatal("expected an error for a key set that doesn't match the prepared node ids")
	}
}

func TestStoreResultsAllocatesAndFillsNaN(t *testing.T) {
	s, _ := newPreparedStore(t)
	if err := s.StoreResults(0, map[int]*dataset.Dataset{0: frame(t, 1, 2, 3)}); err != nil {
		t.Fatal(err)
	}
	d, err := s.GetResults(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d.Shape(), []int{2, 2, 3}) {
		t.Fatalf("got shape %v, want [2 2 3]", d.Shape())
	}
	v, err := d.At(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("got %v, want 1", v)
	}
	// Untouched scan positions remain NaN.
	v2, err := d.At(1, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(float64(v2)) {
		t.Fatalf("got %v, want NaN for an un-stored scan position", v2)
	}
}

func TestStoreResultsPopulatesMetadataOnce(t *testing.T) {
	s, _ := newPreparedStore(t)
	if s.MetadataComplete() {
		t.Fatal("metadata should not be complete before the first StoreResults call")
	}
	if err := s.StoreResults(0, map[int]*dataset.Dataset{0: frame(t, 1, 2, 3)}); err != nil {
		t.Fatal(err)
	}
	if !s.MetadataComplete() {
		t.Fatal("expected metadata to be complete after the first StoreResults call")
	}
}

func TestStoreResultsRejectsShapeChangeAcrossTasks(t *testing.T) {
	s, _ := newPreparedStore(t)
	if err := s.StoreResults(0, map[int]*dataset.Dataset{0: frame(t, 1, 2, 3)}); err != nil {
		t.Fatal(err)
	}
	err := s.StoreResults(1, map[int]*dataset.Dataset{0: frame(t, 1, 2)})
	if err == nil {
		t.Fatal("expected an error when a later frame's shape differs from the established shape")
	}
	if !errors.Is(err, errShapeChanged) {
		t.Fatalf("got %v, want an error wrapping errShapeChanged", err)
	}
}

func TestGetResultsFlattenedShape(t *testing.T) {
	s, _ := newPreparedStore(t)
	for i := 0; i < 4; i++ {
		if err := s.StoreResults(i, map[int]*dataset.Dataset{0: frame(t, float32(i), float32(i), float32(i))}); err != nil {
			t.Fatal(err)
		}
	}
	flat, err := s.GetResultsFlattened(0, false)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(flat.Shape(), []int{4, 3}) {
		t.Fatalf("got shape %v, want [4 3]", flat.Shape())
	}
	if flat.AxisLabel(0) != "Chronological scan points" {
		t.Fatalf("got label %q", flat.AxisLabel(0))
	}
}

func TestSaveToDiskAndImportFromDirectoryRoundTrip(t *testing.T) {
	s, _ := newPreparedStore(t)
	if err := s.StoreResults(0, map[int]*dataset.Dataset{0: frame(t, 1, 2, 3)}); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreResults(1, map[int]*dataset.Dataset{0: frame(t, 4, 5, 6)}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := s.SaveToDisk(dir, nil, false, nil); err != nil {
		t.Fatal(err)
	}

	restored := New()
	if err := restored.ImportFromDirectory(dir, "container"); err != nil {
		t.Fatal(err)
	}

	got, err := restored.GetResults(0)
	if err != nil {
		t.Fatal(err)
	}
	want, err := s.GetResults(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Raw(), want.Raw()) {
		t.Fatalf("got %v, want %v", got.Raw(), want.Raw())
	}
	if restored.FrozenScan() == nil || restored.FrozenScan().Shape()[0] != 2 {
		t.Fatalf("expected the scan sidecar to round-trip, got %v", restored.FrozenScan())
	}
	if restored.FrozenExperiment()["beamline"] != "id11" {
		t.Fatalf("expected the experiment sidecar to round-trip, got %v", restored.FrozenExperiment())
	}
}

func TestSaveToDiskRejectsNonEmptyDirWithoutOverwrite(t *testing.T) {
	s, _ := newPreparedStore(t)
	if err := s.StoreResults(0, map[int]*dataset.Dataset{0: frame(t, 1, 2, 3)}); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stale.cdc"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveToDisk(dir, nil, false, nil); err == nil {
		t.Fatal("expected an error for a non-empty directory without overwrite")
	}
}

func TestNodeIDsSorted(t *testing.T) {
	g, err := scan.NewGrid([]int{2}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr := workflow.NewTree()
	s := New()
	meta := map[int]NodeMeta{2: {}, 0: {}, 1: {}}
	if err := s.PrepareNewResults(tr, g, nil, meta); err != nil {
		t.Fatal(err)
	}
	results := map[int]*dataset.Dataset{0: frame(t, 1), 1: frame(t, 1), 2: frame(t, 1)}
	if err := s.StoreResults(0, results); err != nil {
		t.Fatal(err)
	}
	got := s.NodeIDs()
	want := []int{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
