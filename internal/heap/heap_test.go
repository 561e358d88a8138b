package heap

import "testing"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Config{SizeMB: 1, BlockBits: 14, QuickListSlots: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAllocBlockFromWilderness(t *testing.T) {
	m := newTestManager(t)
	h, err := m.AllocBlock()
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	if h.Status != StatusChunking {
		t.Fatalf("status = %v, want StatusChunking", h.Status)
	}
	st := m.Stats()
	if st.AllocatedBlocks != 1 {
		t.Fatalf("AllocatedBlocks = %d, want 1", st.AllocatedBlocks)
	}
	if st.WildernessBlocks != st.TotalBlocks-1 {
		t.Fatalf("WildernessBlocks = %d, want %d", st.WildernessBlocks, st.TotalBlocks-1)
	}
}

func TestAllocBlockReusesFreedBlock(t *testing.T) {
	m := newTestManager(t)
	h1, _ := m.AllocBlock()
	firstNum := h1.BlockNum()
	m.FreeBlock(h1)

	h2, err := m.AllocBlock()
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	if h2.BlockNum() != firstNum {
		t.Fatalf("expected block reuse: got %d, want %d", h2.BlockNum(), firstNum)
	}
}

func TestAllocRegionMultiBlock(t *testing.T) {
	m := newTestManager(t)
	h, n, err := m.AllocRegion(3 * uintptr(m.BlockSize()))
	if err != nil {
		t.Fatalf("AllocRegion: %v", err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if h.Status != StatusAllocBig {
		t.Fatalf("head status = %v, want StatusAllocBig", h.Status)
	}
	if h.RegionSize != 3 {
		t.Fatalf("head RegionSize = %d, want 3", h.RegionSize)
	}
	tail := m.HeaderAt(h.BlockNum() + 2)
	if tail.Status != StatusAllocBig || tail.RegionSize != -3 {
		t.Fatalf("tail = {%v, %d}, want {StatusAllocBig, -3}", tail.Status, tail.RegionSize)
	}
	mid := m.HeaderAt(h.BlockNum() + 1)
	if mid.Status != StatusInternal {
		t.Fatalf("interior status = %v, want StatusInternal", mid.Status)
	}
}

func TestFreeRegionCoalescesLeftAndRight(t *testing.T) {
	m := newTestManager(t)

	h1, _ := m.AllocBlock()
	h2, _ := m.AllocBlock()
	h3, _ := m.AllocBlock()

	m.FreeBlock(h1)
	m.FreeBlock(h3)
	m.FreeBlock(h2) // should coalesce all three into one free region

	st := m.Stats()
	if st.AllocatedBlocks != 0 {
		t.Fatalf("AllocatedBlocks = %d, want 0", st.AllocatedBlocks)
	}
	// All three blocks were at the front of the wilderness, so coalescing
	// should fold them straight back into it.
	if st.WildernessBlocks != st.TotalBlocks {
		t.Fatalf("WildernessBlocks = %d, want %d", st.WildernessBlocks, st.TotalBlocks)
	}
}

func TestAllocRegionFreeThenReuse(t *testing.T) {
	m := newTestManager(t)
	h, n, err := m.AllocRegion(4 * uintptr(m.BlockSize()))
	if err != nil {
		t.Fatalf("AllocRegion: %v", err)
	}
	m.FreeRegion(h, n)

	h2, n2, err := m.AllocRegion(4 * uintptr(m.BlockSize()))
	if err != nil {
		t.Fatalf("AllocRegion (reuse): %v", err)
	}
	if h2.BlockNum() != h.BlockNum() || n2 != n {
		t.Fatalf("expected exact region reuse: got block %d/%d, want %d/%d", h2.BlockNum(), n2, h.BlockNum(), n)
	}
}

func TestAllocRegionQuickListReuse(t *testing.T) {
	m := newTestManager(t)
	// Carve the region out of the wilderness, then fence it in with a
	// second allocation so freeing it cannot simply collapse back into
	// the wilderness — forcing it through the quick-list path instead.
	h, n, err := m.AllocRegion(4 * uintptr(m.BlockSize()))
	if err != nil {
		t.Fatalf("AllocRegion: %v", err)
	}
	fence, err := m.AllocBlock()
	if err != nil {
		t.Fatalf("AllocBlock (fence): %v", err)
	}
	m.FreeRegion(h, n)

	h2, n2, err := m.AllocRegion(4 * uintptr(m.BlockSize()))
	if err != nil {
		t.Fatalf("AllocRegion (reuse): %v", err)
	}
	if h2.BlockNum() != h.BlockNum() || n2 != n {
		t.Fatalf("expected quick-list reuse: got block %d/%d, want %d/%d", h2.BlockNum(), n2, h.BlockNum(), n)
	}
	m.FreeBlock(fence)
}

func TestAllocExhaustsHeap(t *testing.T) {
	m := newTestManager(t)
	st := m.Stats()
	for i := 0; i < st.TotalBlocks; i++ {
		if _, err := m.AllocBlock(); err != nil {
			t.Fatalf("AllocBlock %d: %v", i, err)
		}
	}
	if _, err := m.AllocBlock(); err != ErrOutOfMemory {
		t.Fatalf("AllocBlock after exhaustion: err = %v, want ErrOutOfMemory", err)
	}
}

func TestBlockSpinlock(t *testing.T) {
	m := newTestManager(t)
	h, _ := m.AllocBlock()
	h.LockSpin()
	h.Unlock()
	h.LockSpin()
	h.Unlock()
}
