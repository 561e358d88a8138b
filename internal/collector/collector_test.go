package collector

import (
	"context"
	"testing"
	"unsafe"

	"github.com/orizon-lang/slidingrc/internal/collab"
	"github.com/orizon-lang/slidingrc/internal/handle"
)

const nTestHandles = 64

const (
	layoutLeaf   handle.LayoutID = 1 // no reference slots
	layoutParent handle.LayoutID = 2 // one reference slot at offset 0
)

// fakeClasses answers layout questions from a fixed table; tests only ever
// use the two layouts above.
type fakeClasses struct{}

func (fakeClasses) RefSlotOffsets(layout handle.LayoutID, body unsafe.Pointer) []uintptr {
	if layout == layoutParent {
		return []uintptr{0}
	}
	return nil
}
func (fakeClasses) ElementCount(handle.LayoutID, unsafe.Pointer) int { return 0 }
func (fakeClasses) BodySize(handle.LayoutID) uintptr                 { return 0 }

// fakeThreads treats every thread as always cooperative and reports
// whatever stack roots the test preloaded for it.
type fakeThreads struct {
	roots map[collab.ThreadID][]uintptr
}

func (f *fakeThreads) Suspend(collab.ThreadID) error     { return nil }
func (f *fakeThreads) Resume(collab.ThreadID) error      { return nil }
func (f *fakeThreads) CanCooperate(collab.ThreadID) bool { return true }
func (f *fakeThreads) Registers(collab.ThreadID) collab.RegisterSnapshot {
	return collab.RegisterSnapshot{}
}
func (f *fakeThreads) StackRoots(id collab.ThreadID) []uintptr { return f.roots[id] }

type fakeRoots struct{}

func (fakeRoots) GlobalRoots(context.Context) []uintptr { return nil }

var (
	_ collab.ClassMetadata   = fakeClasses{}
	_ collab.ThreadSubsystem = (*fakeThreads)(nil)
	_ collab.RootEnumerator  = fakeRoots{}
)

// testHeap backs a block of real Handle structs with stable, grain-aligned
// addresses so the RC/ZCT bitmaps can index them the same way production
// code indexes a reserved heap region.
type testHeap struct {
	handles []handle.Handle
	base    uintptr
	nSlots  uintptr
}

// testHeapArenas keeps every arena reachable from a package-level variable,
// which forces it onto the Go heap: an arena the compiler placed on the
// goroutine stack would move when the stack grows, leaving the uintptr
// addresses recorded below pointing at stale memory.
var testHeapArenas [][]handle.Handle

func newTestHeap() *testHeap {
	handles := make([]handle.Handle, nTestHandles)
	testHeapArenas = append(testHeapArenas, handles)
	stride := unsafe.Sizeof(handle.Handle{})
	return &testHeap{
		handles: handles,
		base:    uintptr(unsafe.Pointer(&handles[0])),
		nSlots:  uintptr(nTestHandles) * (stride / handle.Grain),
	}
}

func (h *testHeap) addr(i int) uintptr { return h.handles[i].Addr() }

func newTestCollector(th *testHeap, roots map[collab.ThreadID][]uintptr) *Collector {
	return New(th.base, th.nSlots, fakeClasses{}, &fakeThreads{roots: roots}, fakeRoots{})
}

const testThread collab.ThreadID = 1

func TestCycleFreesUnreferencedCreatedHandle(t *testing.T) {
	th := newTestHeap()
	c := newTestCollector(th, nil)

	var freed []uintptr
	c.SetReclaimFunc(func(addr uintptr) { freed = append(freed, addr) })

	m := c.Attach(testThread, 4)
	orphan := th.addr(0)
	m.Create.AppendCreate(orphan)

	n, err := c.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if n != 1 {
		t.Fatalf("Cycle freed = %d, want 1", n)
	}
	if len(freed) != 1 || freed[0] != orphan {
		t.Fatalf("reclaimFn called with %v, want [%#x]", freed, orphan)
	}
	if c.Stats().HandlesFreed != 1 {
		t.Fatalf("Stats().HandlesFreed = %d, want 1", c.Stats().HandlesFreed)
	}
}

func TestCycleRootProtectsHandleAcrossCycle(t *testing.T) {
	th := newTestHeap()
	rootAddr := th.addr(0)
	orphanAddr := th.addr(1)
	c := newTestCollector(th, map[collab.ThreadID][]uintptr{testThread: {rootAddr}})

	var freed []uintptr
	c.SetReclaimFunc(func(addr uintptr) { freed = append(freed, addr) })

	m := c.Attach(testThread, 4)
	m.Create.AppendCreate(rootAddr)
	m.Create.AppendCreate(orphanAddr)

	n, err := c.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if n != 1 {
		t.Fatalf("Cycle freed = %d, want 1", n)
	}
	if len(freed) != 1 || freed[0] != orphanAddr {
		t.Fatalf("reclaimFn called with %v, want [%#x]", freed, orphanAddr)
	}
	// The root's own RC contribution is transient bookkeeping, removed by
	// postProcessLocals once the cycle's scan is done; the root was never
	// added to the ZCT so it was never a candidate for reclaim().
	if got := c.RC(rootAddr); got != 0 {
		t.Fatalf("RC(root) after cycle = %d, want 0", got)
	}
}

func TestCycleCascadesFreeThroughMarkStack(t *testing.T) {
	th := newTestHeap()
	parentAddr := th.addr(0)
	childAddr := th.addr(1)

	th.handles[0].Layout = layoutParent
	childBody := []uintptr{childAddr}
	th.handles[0].Body = unsafe.Pointer(&childBody[0])
	th.handles[1].Layout = layoutLeaf

	// The child is rooted (so it starts this cycle's H4 with RC 1) but the
	// parent, its only other referrer, is unreferenced garbage; freeing the
	// parent should decrement the child's RC to zero and cascade into
	// freeing it too, all within one reclaim() pass.
	c := newTestCollector(th, map[collab.ThreadID][]uintptr{testThread: {childAddr}})

	var freed []uintptr
	c.SetReclaimFunc(func(addr uintptr) { freed = append(freed, addr) })

	m := c.Attach(testThread, 4)
	m.Create.AppendCreate(parentAddr)

	n, err := c.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if n != 2 {
		t.Fatalf("Cycle freed = %d, want 2 (parent + cascaded child)", n)
	}
	if len(freed) != 2 || freed[0] != parentAddr || freed[1] != childAddr {
		t.Fatalf("reclaimFn order = %v, want [%#x %#x]", freed, parentAddr, childAddr)
	}
	if got := c.RC(childAddr); got != 0 {
		t.Fatalf("RC(child) after cascade = %d, want 0", got)
	}
}

// TestCycleReplaysUpdateIncrementsLiveDecrementsPreImage exercises a
// parent whose field was overwritten from oldChild to newChild before the
// cycle runs: the logged replica carries oldChild as the pre-image, and
// the handle's live body already points at newChild. The replay must
// increment newChild's RC (parent now references it) and decrement
// oldChild's RC (parent no longer does) — not the other way around.
func TestCycleReplaysUpdateIncrementsLiveDecrementsPreImage(t *testing.T) {
	th := newTestHeap()
	parentAddr := th.addr(0)
	oldChildAddr := th.addr(1)
	newChildAddr := th.addr(2)

	th.handles[0].Layout = layoutParent
	body := []uintptr{newChildAddr} // live: parent currently points at newChild
	th.handles[0].Body = unsafe.Pointer(&body[0])

	c := newTestCollector(th, nil)
	c.rc.Inc(oldChildAddr) // oldChild was referenced before this cycle

	m := c.Attach(testThread, 4)
	closer := m.Update.LogReplica(parentAddr, []uintptr{oldChildAddr})
	th.handles[0].TryPublish(closer)

	if _, err := c.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if got := c.RC(newChildAddr); got != 1 {
		t.Fatalf("RC(newChild) after replay = %d, want 1 (parent now references it)", got)
	}
	if got := c.RC(oldChildAddr); got != 0 {
		t.Fatalf("RC(oldChild) after replay = %d, want 0 (parent no longer references it)", got)
	}
}

func TestCycleRecordsDurationIntoSelector(t *testing.T) {
	th := newTestHeap()
	c := newTestCollector(th, nil)
	sel := NewSelector(ModeConfig{})
	c.SetSelector(sel)

	c.Attach(testThread, 4)
	if _, err := c.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if sel.count[ModeRC] != 1 {
		t.Fatalf("selector RC sample count = %d, want 1", sel.count[ModeRC])
	}
}
