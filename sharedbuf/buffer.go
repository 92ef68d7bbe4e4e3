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

// Package sharedbuf implements the fixed-size ring of float32 buffers
// that orchestrator and workers use to hand off per-frame results
// (spec §3 "SharedBuffer", §4.4). The ring's storage is backed by a
// real named, file-backed mmap region (see region_unix.go) so the
// "named shared memory" language in spec §3 is implemented literally
// rather than simulated with plain Go slices — see DESIGN.md for why
// this still makes sense when workers are goroutines, not processes.
package sharedbuf

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

// backoff is the interval a worker sleeps after failing to claim a
// free slot, per spec §4.4.
const backoff = 5 * time.Millisecond

// Buffer is the orchestrator/worker rendezvous point. The zero value is
// not usable; construct with New.
type Buffer struct {
	capacity int

	// shape publication latch: the first worker to observe missing
	// shapes wins and publishes; everyone else stalls on shapesSet.
	shapeMu         sync.Mutex
	shapesAvailable bool
	published       map[int][]int

	shapesSetMu sync.Mutex
	shapesSet   bool
	shapesSetCh chan struct{}

	// slot state
	mu     sync.Mutex
	inUse  []int32
	region *region
	layout map[int]nodeLayout // nodeID -> byte layout within region
	nodeIDs []int

	stop atomic.Bool
}

type nodeLayout struct {
	shape        []int
	elemsPerSlot int
	byteOffset   int // offset of slot 0 for this node within region
}

// New returns a Buffer with capacity slots, not yet allocated (shapes
// and backing storage come later via PublishShapes/Allocate).
func New(capacity int) *Buffer {
	return &Buffer{
		capacity:    capacity,
		inUse:       make([]int32, capacity),
		shapesSetCh: make(chan struct{}),
	}
}

// Capacity returns the configured ring size.
func (b *Buffer) Capacity() int { return b.capacity }

// PublishShapes is called by the first worker to observe that shapes
// are not yet available. It wins exactly once; subsequent callers
// observe ShapesAvailable()==true and do nothing.
func (b *Buffer) PublishShapes(shapes map[int][]int) (won bool) {
	b.shapeMu.Lock()
	defer b.shapeMu.Unlock()
	if b.shapesAvailable {
		return false
	}
	cp := make(map[int][]int, len(shapes))
	for k, v := range shapes {
		cp[k] = append([]int(nil), v...)
	}
	b.published = cp
	b.shapesAvailable = true
	return true
}

// ShapesAvailable reports whether shapes have been published, and
// returns a copy of them if so.
func (b *Buffer) ShapesAvailable() (map[int][]int, bool) {
	b.shapeMu.Lock()
	defer b.shapeMu.Unlock()
	if !b.shapesAvailable {
		return nil, false
	}
	cp := make(map[int][]int, len(b.published))
	for k, v := range b.published {
		cp[k] = append([]int(nil), v...)
	}
	return cp, true
}

// Allocate is called exactly once by the orchestrator after reading
// the published shapes: it sizes and maps the backing region and
// unblocks every worker waiting on shapesSet.
func (b *Buffer) Allocate(shapes map[int][]int) error {
	ids := make([]int, 0, len(shapes))
	for id := range shapes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	layout := make(map[int]nodeLayout, len(ids))
	offset := 0
	for _, id := range ids {
		shape := shapes[id]
		elems := 1
		for _, s := range shape {
			elems *= s
		}
		layout[id] = nodeLayout{shape: append([]int(nil), shape...), elemsPerSlot: elems, byteOffset: offset}
		offset += elems * 4 * b.capacity
	}

	reg, err := newRegion(offset)
	if err != nil {
		return fmt.Errorf("sharedbuf: allocate backing region: %w", err)
	}

	b.mu.Lock()
	b.region = reg
	b.layout = layout
	b.nodeIDs = ids
	b.mu.Unlock()

	b.setShapesSet()
	return nil
}

func (b *Buffer) setShapesSet() {
	b.shapesSetMu.Lock()
	defer b.shapesSetMu.Unlock()
	if !b.shapesSet {
		b.shapesSet = true
		close(b.shapesSetCh)
	}
}

// WaitShapesSet blocks until Allocate has run, or ctx is done.
func (b *Buffer) WaitShapesSet(ctx context.Context) error {
	select {
	case <-b.shapesSetCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShapesSet reports whether Allocate has already run.
func (b *Buffer) ShapesSet() bool {
	b.shapesSetMu.Lock()
	defer b.shapesSetMu.Unlock()
	return b.shapesSet
}

// RequestStop asks any worker currently backing off on ClaimSlot to
// give up at the next opportunity (spec §5 "Cancellation").
func (b *Buffer) RequestStop() { b.stop.Store(true) }

// ClaimSlot scans in_use_flags for the first free slot, atomically
// marks it claimed, and returns its index. If none is free it releases
// the lock and backs off before retrying, per spec §4.4.
func (b *Buffer) ClaimSlot(ctx context.Context) (int, error) {
	for {
		if b.stop.Load() {
			return 0, fmt.Errorf("sharedbuf: stop requested")
		}
		b.mu.Lock()
		for i := range b.inUse {
			if atomic.CompareAndSwapInt32(&b.inUse[i], 0, 1) {
				b.mu.Unlock()
				return i, nil
			}
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// Write copies data into nodeID's slot-th frame. The caller must hold
// the claim on slot (i.e. have called ClaimSlot and not yet Release).
func (b *Buffer) Write(slot, nodeID int, data []float32) error {
	b.mu.Lock()
	l, ok := b.layout[nodeID]
	reg := b.region
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("sharedbuf: unknown node id %d", nodeID)
	}
	if len(data) != l.elemsPerSlot {
		return fmt.Errorf("sharedbuf: node %d expected %d elements, got %d", nodeID, l.elemsPerSlot, len(data))
	}
	return reg.writeFloats(l.byteOffset+slot*l.elemsPerSlot*4, data)
}

// Read returns a copy of nodeID's slot-th frame.
func (b *Buffer) Read(slot, nodeID int) ([]float32, error) {
	b.mu.Lock()
	l, ok := b.layout[nodeID]
	reg := b.region
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sharedbuf: unknown node id %d", nodeID)
	}
	out := make([]float32, l.elemsPerSlot)
	reg.readFloats(l.byteOffset+slot*l.elemsPerSlot*4, out)
	return out, nil
}

// Shape returns the trailing shape allocated for nodeID, as observed
// from the published shapes at Allocate time.
func (b *Buffer) Shape(nodeID int) ([]int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.layout[nodeID]
	if !ok {
		return nil, false
	}
	return append([]int(nil), l.shape...), true
}

// Release clears in_use_flags[slot] under the lock, making it
// available for the next ClaimSlot caller. Per spec §5, the orchestrator
// must copy out a slot's contents before calling Release.
func (b *Buffer) Release(slot int) {
	b.mu.Lock()
	atomic.StoreInt32(&b.inUse[slot], 0)
	b.mu.Unlock()
}

// InUseCount returns the number of currently claimed slots, used by
// tests checking invariant P7 (|free|+|claimed| == capacity always).
func (b *Buffer) InUseCount() int {
	n := 0
	for i := range b.inUse {
		if atomic.LoadInt32(&b.inUse[i]) == 1 {
			n++
		}
	}
	return n
}

// Close unlinks the backing shared memory. Only the orchestrator may
// call this (spec §3 invariant).
func (b *Buffer) Close() error {
	b.mu.Lock()
	reg := b.region
	b.region = nil
	b.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.close()
}
