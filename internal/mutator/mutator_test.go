package mutator

import (
	"context"
	"sync"
	"testing"
	"unsafe"

	"github.com/orizon-lang/slidingrc/internal/chunk"
	"github.com/orizon-lang/slidingrc/internal/collab"
	"github.com/orizon-lang/slidingrc/internal/collector"
	"github.com/orizon-lang/slidingrc/internal/handle"
	"github.com/orizon-lang/slidingrc/internal/heap"
)

const (
	layoutLeaf   handle.LayoutID = 1
	layoutParent handle.LayoutID = 2
)

type fakeClasses struct{}

func (fakeClasses) RefSlotOffsets(layout handle.LayoutID, _ unsafe.Pointer) []uintptr {
	if layout == layoutParent {
		return []uintptr{0}
	}
	return nil
}
func (fakeClasses) ElementCount(handle.LayoutID, unsafe.Pointer) int { return 0 }
func (fakeClasses) BodySize(handle.LayoutID) uintptr                 { return 0 }

// fakeThreads treats every thread as always cooperative and reports
// whatever stack roots a test has set for it, mutable so a test can root a
// handle after allocating it (its address isn't known beforehand).
type fakeThreads struct {
	mu    sync.Mutex
	roots map[collab.ThreadID][]uintptr
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{roots: make(map[collab.ThreadID][]uintptr)}
}

func (f *fakeThreads) Suspend(collab.ThreadID) error     { return nil }
func (f *fakeThreads) Resume(collab.ThreadID) error      { return nil }
func (f *fakeThreads) CanCooperate(collab.ThreadID) bool { return true }
func (f *fakeThreads) Registers(collab.ThreadID) collab.RegisterSnapshot {
	return collab.RegisterSnapshot{}
}
func (f *fakeThreads) StackRoots(id collab.ThreadID) []uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roots[id]
}
func (f *fakeThreads) setRoot(id collab.ThreadID, addr uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots[id] = []uintptr{addr}
}

type fakeRoots struct{}

func (fakeRoots) GlobalRoots(context.Context) []uintptr { return nil }

const testThread collab.ThreadID = 7

func newTestMutator(t *testing.T) *Mutator {
	t.Helper()
	m, _ := newTestMutatorAndThreads(t)
	return m
}

func newTestMutatorAndThreads(t *testing.T) (*Mutator, *fakeThreads) {
	t.Helper()
	hm, err := heap.New(heap.DefaultConfig(1))
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	t.Cleanup(func() { _ = hm.Close() })
	cm := chunk.NewManager(hm, 8)
	nHandles := uintptr(hm.NumBlocks()) * hm.BlockSize() / handle.Grain
	threads := newFakeThreads()
	coll := collector.New(hm.HeapBase(), nHandles, fakeClasses{}, threads, fakeRoots{})
	return Attach(coll, cm, hm, testThread), threads
}

func TestAllocSmallZerosBodyAndLogsCreate(t *testing.T) {
	m := newTestMutator(t)

	h, err := m.Alloc(context.Background(), layoutParent, int(unsafe.Sizeof(uintptr(0))))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if h.Size != uint32(unsafe.Sizeof(uintptr(0))) {
		t.Fatalf("Size = %d, want %d", h.Size, unsafe.Sizeof(uintptr(0)))
	}
	slot := (*uintptr)(h.Body)
	if *slot != 0 {
		t.Fatalf("fresh body not zeroed: %#x", *slot)
	}
	if !h.IsDirty() {
		t.Fatalf("freshly allocated handle should be dirty: its create-buffer position is its published log pointer")
	}
}

func TestAllocBigRegionClearsAllocInProgress(t *testing.T) {
	m := newTestMutator(t)

	h, err := m.Alloc(context.Background(), layoutLeaf, chunk.MaxSmallSize+1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if h.Addr() == 0 {
		t.Fatalf("big alloc returned nil handle")
	}
	bn := int((h.Addr() - m.hm.HeapBase()) / m.hm.BlockSize())
	if m.hm.HeaderAt(bn).AllocInProgress {
		t.Fatalf("AllocInProgress still set on the region's head block after Alloc returned")
	}
}

func TestUpdateFieldCapturesReplicaOnFirstWrite(t *testing.T) {
	ctx := context.Background()
	m := newTestMutator(t)

	parent, err := m.Alloc(ctx, layoutParent, int(unsafe.Sizeof(uintptr(0))))
	if err != nil {
		t.Fatalf("Alloc parent: %v", err)
	}
	child, err := m.Alloc(ctx, layoutLeaf, 0)
	if err != nil {
		t.Fatalf("Alloc child: %v", err)
	}

	// Run one cycle so the create-buffer entries are drained and parent's
	// dirty flag is clear, putting it in the state a write barrier sees
	// for any write after the allocating cycle.
	if _, err := m.coll.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if parent.IsDirty() {
		t.Fatalf("parent should not be dirty once its creating cycle has drained")
	}

	slot := (*uintptr)(parent.Body)
	m.UpdateField(parent, slot, child.Addr())

	if !parent.IsDirty() {
		t.Fatalf("parent should be dirty after its first logged write this cycle")
	}
	if *slot != child.Addr() {
		t.Fatalf("store did not take effect: got %#x, want %#x", *slot, child.Addr())
	}
}

// TestUpdateFieldThenCycleAdjustsRC runs a field write through a full
// mutator-attached cycle and checks the resulting RC values, covering the
// update-replay path end to end rather than only its buffer contents.
func TestUpdateFieldThenCycleAdjustsRC(t *testing.T) {
	ctx := context.Background()
	m, threads := newTestMutatorAndThreads(t)

	parent, err := m.Alloc(ctx, layoutParent, int(unsafe.Sizeof(uintptr(0))))
	if err != nil {
		t.Fatalf("Alloc parent: %v", err)
	}
	oldChild, err := m.Alloc(ctx, layoutLeaf, 0)
	if err != nil {
		t.Fatalf("Alloc oldChild: %v", err)
	}
	newChild, err := m.Alloc(ctx, layoutLeaf, 0)
	if err != nil {
		t.Fatalf("Alloc newChild: %v", err)
	}
	threads.setRoot(testThread, parent.Addr())

	slot := (*uintptr)(parent.Body)
	m.UpdateField(parent, slot, oldChild.Addr())

	// Drain the allocating/first-write cycle so every handle's create
	// bookkeeping is settled and parent now live-points at oldChild.
	if _, err := m.coll.Cycle(ctx); err != nil {
		t.Fatalf("Cycle 1: %v", err)
	}

	m.UpdateField(parent, slot, newChild.Addr())
	if _, err := m.coll.Cycle(ctx); err != nil {
		t.Fatalf("Cycle 2: %v", err)
	}

	if got := m.coll.RC(newChild.Addr()); got == 0 {
		t.Fatalf("RC(newChild) after replay = %d, want > 0 (parent now references it)", got)
	}
	if got := m.coll.RC(oldChild.Addr()); got != 0 {
		t.Fatalf("RC(oldChild) after replay = %d, want 0 (parent no longer references it)", got)
	}
}

func TestDetachReleasesOwnedBins(t *testing.T) {
	ctx := context.Background()
	m := newTestMutator(t)
	if _, err := m.Alloc(ctx, layoutLeaf, 8); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	m.Detach()

	// A second mutator should be able to take over the now-parked block
	// without error.
	other := Attach(m.coll, m.cm, m.hm, testThread+1)
	if _, err := other.Alloc(ctx, layoutLeaf, 8); err != nil {
		t.Fatalf("Alloc after detach/takeover: %v", err)
	}
}
