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

package sharedbuf

import (
	"github.com/gridflow/corerun/workflow"
)

// BytesPerFrame sums the per-frame byte footprint across every node's
// trailing shape (float32 elements).
func BytesPerFrame(shapes map[int][]int) int64 {
	var total int64
	for _, shape := range shapes {
		n := int64(1)
		for _, s := range shape {
			n *= int64(s)
		}
		total += n * 4
	}
	return total
}

// ComputeCapacity implements spec §4.4: capacity = min(max allowed by
// the configured memory budget, the configured hard cap, the scan's
// point count), refused with a UserConfigError if the number of slots
// the memory budget allows is below the worker count.
func ComputeCapacity(bufferBytes float64, maxN, nWorkers, nPoints int, bytesPerFrame int64) (int, error) {
	if bytesPerFrame <= 0 {
		return 0, workflow.NewUserConfigError("bytes per frame must be positive, got %d", bytesPerFrame)
	}
	maxAllowedByMemory := int(bufferBytes * 1024 * 1024 / float64(bytesPerFrame))
	capacity := maxAllowedByMemory
	if maxN > 0 && maxN < capacity {
		capacity = maxN
	}
	if nPoints > 0 && nPoints < capacity {
		capacity = nPoints
	}
	if maxAllowedByMemory < nWorkers {
		requiredBytes := float64(bytesPerFrame) * float64(nWorkers)
		requiredMB := requiredBytes / (1024 * 1024)
		return 0, workflow.NewUserConfigError(
			"shared buffer too small for %d workers: configured %.2f MB allows only %d slot(s); required minimum %.2f MB",
			nWorkers, bufferBytes, maxAllowedByMemory, requiredMB)
	}
	return capacity, nil
}
