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

package scan

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// gridDoc is the on-disk YAML form of a Grid, resolved by a Runner
// from a `-scan/-s PATH` CLI flag (spec §4.7).
type gridDoc struct {
	Shape  []int       `json:"shape"`
	Labels []string    `json:"labels,omitempty"`
	Units  []string    `json:"units,omitempty"`
	Ranges [][]float64 `json:"ranges,omitempty"`
}

// LoadGridFromFile reads a Grid scan definition from a YAML file.
func LoadGridFromFile(path string) (*Grid, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scan: read %s: %w", path, err)
	}
	var doc gridDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("scan: parse %s: %w", path, err)
	}
	return NewGrid(doc.Shape, doc.Labels, doc.Units, doc.Ranges)
}

// SaveGridToFile writes g's definition to path as YAML.
func SaveGridToFile(g *Grid, path string) error {
	doc := gridDoc{Shape: g.Shape(), Labels: g.labels, Units: g.units, Ranges: g.ranges}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("scan: marshal: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// SaveScanToFile writes any Scan implementation's definition to path as
// YAML, read back through the public query interface rather than
// requiring a concrete *Grid. Used by result writers that need to
// persist the frozen scan alongside a run's output (spec §4.3
// save_to_disk/import_from_directory).
func SaveScanToFile(sc Scan, path string) error {
	shape := sc.Shape()
	doc := gridDoc{
		Shape:  shape,
		Labels: make([]string, len(shape)),
		Units:  make([]string, len(shape)),
		Ranges: make([][]float64, len(shape)),
	}
	for i := range shape {
		doc.Labels[i] = sc.AxisLabel(i)
		doc.Units[i] = sc.AxisUnit(i)
		if vals, ok := sc.AxisRangeValues(i); ok {
			doc.Ranges[i] = vals
		}
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("scan: marshal: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}
