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

//go:build !linux && !darwin

package sharedbuf

import (
	"encoding/binary"
	"math"
)

// region on non-unix platforms falls back to a plain heap buffer,
// mirroring the teacher's per-OS split (vm/malloc_windows.go uses
// golang.org/x/sys/windows instead of the unix mmap path). Workers are
// goroutines here regardless of OS, so this still exercises the full
// slot protocol; only the "backed by a real OS mapping" property is
// unix-only.
type region struct {
	mem []byte
}

func newRegion(size int) (*region, error) {
	if size <= 0 {
		size = 1
	}
	return &region{mem: make([]byte, size)}, nil
}

func (r *region) writeFloats(byteOffset int, data []float32) error {
	for i, v := range data {
		binary.LittleEndian.PutUint32(r.mem[byteOffset+i*4:], math.Float32bits(v))
	}
	return nil
}

func (r *region) readFloats(byteOffset int, dst []float32) {
	for i := range dst {
		bits := binary.LittleEndian.Uint32(r.mem[byteOffset+i*4:])
		dst[i] = math.Float32frombits(bits)
	}
}

func (r *region) close() error { return nil }
