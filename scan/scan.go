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

// Package scan implements the Scan type consumed by the rest of this
// module (spec §3): the enumeration of input positions, with a known
// multi-dimensional shape, and the flat-task-index to
// scan-position mapping.
package scan

import "fmt"

// Scan is the consumed interface for the scan/experiment context. Only
// the query surface named in spec §3 is required.
type Scan interface {
	Ndim() int
	Shape() []int
	NPoints() int
	IndexToScanPosition(linear int) ([]int, error)

	// AxisLabel, AxisUnit and AxisRangeValues expose the scan-side axis
	// metadata merged into composite datasets by ResultStore.
	AxisLabel(i int) string
	AxisUnit(i int) string
	AxisRangeValues(i int) ([]float64, bool) // ok=false means implicit index range
}

// Grid is the concrete Scan implementation: a dense row-major grid over
// an N-dimensional shape, optionally with explicit per-axis coordinate
// ranges and labels/units.
type Grid struct {
	shape      []int
	labels     []string
	units      []string
	ranges     [][]float64 // nil entry => implicit index range
	nPoints    int
	strides    []int
}

// NewGrid builds a Grid scan over shape. Labels/units/ranges may be
// left nil; they default to empty strings and implicit index ranges.
func NewGrid(shape []int, labels, units []string, ranges [][]float64) (*Grid, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("scan: shape must have at least one dimension")
	}
	n := 1
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("scan: non-positive shape entry %v", shape)
		}
		n *= s
	}
	g := &Grid{
		shape:   append([]int(nil), shape...),
		nPoints: n,
	}
	g.strides = make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		g.strides[i] = stride
		stride *= shape[i]
	}
	if labels == nil {
		labels = make([]string, len(shape))
	}
	if units == nil {
		units = make([]string, len(shape))
	}
	if len(labels) != len(shape) || len(units) != len(shape) {
		return nil, fmt.Errorf("scan: labels/units must have length %d", len(shape))
	}
	if ranges != nil {
		if len(ranges) != len(shape) {
			return nil, fmt.Errorf("scan: ranges must have length %d", len(shape))
		}
		for i, r := range ranges {
			if r != nil && len(r) != shape[i] {
				return nil, fmt.Errorf("scan: range for axis %d has length %d, expected %d", i, len(r), shape[i])
			}
		}
	} else {
		ranges = make([][]float64, len(shape))
	}
	g.labels = append([]string(nil), labels...)
	g.units = append([]string(nil), units...)
	g.ranges = make([][]float64, len(shape))
	for i, r := range ranges {
		if r != nil {
			g.ranges[i] = append([]float64(nil), r...)
		}
	}
	return g, nil
}

func (g *Grid) Ndim() int    { return len(g.shape) }
func (g *Grid) Shape() []int { return append([]int(nil), g.shape...) }
func (g *Grid) NPoints() int { return g.nPoints }

func (g *Grid) AxisLabel(i int) string { return g.labels[i] }
func (g *Grid) AxisUnit(i int) string  { return g.units[i] }

func (g *Grid) AxisRangeValues(i int) ([]float64, bool) {
	if g.ranges[i] == nil {
		return nil, false
	}
	return append([]float64(nil), g.ranges[i]...), true
}

// IndexToScanPosition maps a flat task index to its row-major
// multi-index position within Shape().
func (g *Grid) IndexToScanPosition(linear int) ([]int, error) {
	if linear < 0 || linear >= g.nPoints {
		return nil, fmt.Errorf("scan: index %d out of range [0, %d)", linear, g.nPoints)
	}
	pos := make([]int, len(g.shape))
	rem := linear
	for i, stride := range g.strides {
		pos[i] = rem / stride
		rem = rem % stride
	}
	return pos, nil
}
