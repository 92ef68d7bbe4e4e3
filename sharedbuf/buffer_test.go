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
	"context"
	"reflect"
	"testing"
	"time"
)

func allocatedBuffer(t *testing.T, capacity int, shapes map[int][]int) *Buffer {
	t.Helper()
	b := New(capacity)
	if err := b.Allocate(shapes); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishShapesWinsOnce(t *testing.T) {
	b := New(2)
	if !b.PublishShapes(map[int][]int{0: {2}}) {
		t.Fatal("expected the first publisher to win")
	}
	if b.PublishShapes(map[int][]int{0: {3}}) {
		t.Fatal("expected a second publisher to lose")
	}
	got, ok := b.ShapesAvailable()
	if !ok {
		t.Fatal("expected shapes to be available")
	}
	if !reflect.DeepEqual(got[0], []int{2}) {
		t.Fatalf("got %v, want the first publisher's shape [2]", got[0])
	}
}

func TestWaitShapesSetUnblocksAfterAllocate(t *testing.T) {
	b := New(1)
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- b.WaitShapesSet(ctx)
	}()
	if err := b.Allocate(map[int][]int{0: {2}}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestWaitShapesSetRespectsContextCancellation(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.WaitShapesSet(ctx); err == nil {
		t.Fatal("expected a context deadline error when Allocate never runs")
	}
}

func TestClaimWriteReadRelease(t *testing.T) {
	b := allocatedBuffer(t, 2, map[int][]int{0: {3}})
	ctx := context.Background()

	slot, err := b.ClaimSlot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write(slot, 0, []float32{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	got, err := b.Read(slot, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []float32{1, 2, 3}) {
		t.Fatalf("got %v, want [1 2 3]", got)
	}
	b.Release(slot)
	if b.InUseCount() != 0 {
		t.Fatalf("got %d in-use slots after Release, want 0", b.InUseCount())
	}
}

func TestWriteRejectsWrongElementCount(t *testing.T) {
	b := allocatedBuffer(t, 1, map[int][]int{0: {3}})
	slot, err := b.ClaimSlot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Write(slot, 0, []float32{1, 2}); err == nil {
		t.Fatal("expected an error for a mismatched element count")
	}
}

func TestShapeReturnsAllocatedLayout(t *testing.T) {
	b := allocatedBuffer(t, 1, map[int][]int{5: {2, 4}})
	shape, ok := b.Shape(5)
	if !ok {
		t.Fatal("expected a layout for node 5")
	}
	if !reflect.DeepEqual(shape, []int{2, 4}) {
		t.Fatalf("got %v, want [2 4]", shape)
	}
	if _, ok := b.Shape(99); ok {
		t.Fatal("expected no layout for an unknown node id")
	}
}

// TestInUseInvariant checks P7: |free| + |claimed| == capacity at every
// observation point across a sequence of claims and releases.
func TestInUseInvariant(t *testing.T) {
	const capacity = 4
	b := allocatedBuffer(t, capacity, map[int][]int{0: {1}})
	ctx := context.Background()

	var slots []int
	for i := 0; i < capacity; i++ {
		slot, err := b.ClaimSlot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		slots = append(slots, slot)
		if free, claimed := capacity-b.InUseCount(), b.InUseCount(); free+claimed != capacity {
			t.Fatalf("invariant broken: free=%d claimed=%d capacity=%d", free, claimed, capacity)
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := b.ClaimSlot(timeoutCtx); err == nil {
		t.Fatal("expected ClaimSlot to block once every slot is claimed")
	}

	for _, s := range slots {
		b.Release(s)
	}
	if b.InUseCount() != 0 {
		t.Fatalf("got %d in-use after releasing everything, want 0", b.InUseCount())
	}
}

func TestRequestStopUnblocksClaimSlot(t *testing.T) {
	b := allocatedBuffer(t, 1, map[int][]int{0: {1}})
	ctx := context.Background()
	if _, err := b.ClaimSlot(ctx); err != nil {
		t.Fatal(err)
	}
	b.RequestStop()
	if _, err := b.ClaimSlot(ctx); err == nil {
		t.Fatal("expected ClaimSlot to fail once a stop has been requested")
	}
}
