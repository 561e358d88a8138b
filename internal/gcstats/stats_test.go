package gcstats

import (
	"context"
	"testing"
	"unsafe"

	"github.com/orizon-lang/slidingrc/internal/chunk"
	"github.com/orizon-lang/slidingrc/internal/collab"
	"github.com/orizon-lang/slidingrc/internal/collector"
	"github.com/orizon-lang/slidingrc/internal/handle"
	"github.com/orizon-lang/slidingrc/internal/heap"
)

type fakeClasses struct{}

func (fakeClasses) RefSlotOffsets(handle.LayoutID, unsafe.Pointer) []uintptr { return nil }
func (fakeClasses) ElementCount(handle.LayoutID, unsafe.Pointer) int         { return 0 }
func (fakeClasses) BodySize(handle.LayoutID) uintptr                        { return 0 }

type fakeThreads struct{}

func (fakeThreads) Suspend(collab.ThreadID) error     { return nil }
func (fakeThreads) Resume(collab.ThreadID) error      { return nil }
func (fakeThreads) CanCooperate(collab.ThreadID) bool { return true }
func (fakeThreads) Registers(collab.ThreadID) collab.RegisterSnapshot {
	return collab.RegisterSnapshot{}
}
func (fakeThreads) StackRoots(collab.ThreadID) []uintptr { return nil }

type fakeRoots struct{}

func (fakeRoots) GlobalRoots(context.Context) []uintptr { return nil }

func TestCollectReflectsHeapAndChunkState(t *testing.T) {
	hm, err := heap.New(heap.DefaultConfig(1))
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	defer hm.Close()

	cm := chunk.NewManager(hm, 8)
	nHandles := uintptr(hm.NumBlocks()) * hm.BlockSize() / handle.Grain
	coll := collector.New(hm.HeapBase(), nHandles, fakeClasses{}, fakeThreads{}, fakeRoots{})

	before := Collect(hm, cm, coll)
	if before.TotalBytes == 0 {
		t.Fatal("TotalBytes should reflect the reserved heap size")
	}
	if before.FreeBlockBytes != before.TotalBytes {
		t.Fatalf("FreeBlockBytes = %d, want %d before any allocation", before.FreeBlockBytes, before.TotalBytes)
	}

	if _, err := cm.AllocSmall(chunk.MutatorID(1), 16); err != nil {
		t.Fatalf("AllocSmall: %v", err)
	}

	after := Collect(hm, cm, coll)
	if after.FreeBlockBytes >= before.FreeBlockBytes {
		t.Fatalf("FreeBlockBytes should drop after carving a block for a small allocation: before=%d after=%d",
			before.FreeBlockBytes, after.FreeBlockBytes)
	}
}

func TestCollectReflectsCollectorCounters(t *testing.T) {
	hm, err := heap.New(heap.DefaultConfig(1))
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	defer hm.Close()

	cm := chunk.NewManager(hm, 8)
	nHandles := uintptr(hm.NumBlocks()) * hm.BlockSize() / handle.Grain
	coll := collector.New(hm.HeapBase(), nHandles, fakeClasses{}, fakeThreads{}, fakeRoots{})

	if _, err := coll.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	snap := Collect(hm, cm, coll)
	if snap.CyclesRun != 1 {
		t.Fatalf("CyclesRun = %d, want 1", snap.CyclesRun)
	}
}
