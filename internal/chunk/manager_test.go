package chunk

import (
	"testing"

	"github.com/orizon-lang/slidingrc/internal/heap"
)

func newTestManagers(t *testing.T) (*heap.Manager, *Manager) {
	t.Helper()
	hm, err := heap.New(heap.DefaultConfig(1))
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	t.Cleanup(func() { hm.Close() })
	return hm, NewManager(hm, 8)
}

func TestBinForBoundaries(t *testing.T) {
	cases := []struct {
		size int
		bin  int
	}{
		{1, 0}, {8, 0}, {9, 1}, {64, 7}, {65, 8}, {8192, NumBins - 1},
	}
	for _, c := range cases {
		if got := BinFor(c.size); got != c.bin {
			t.Errorf("BinFor(%d) = %d, want %d", c.size, got, c.bin)
		}
	}
	if BinFor(8193) != -1 {
		t.Errorf("BinFor(8193) should be oversized")
	}
}

func TestAllocSmallFreshBlock(t *testing.T) {
	_, cm := newTestManagers(t)
	p, err := cm.AllocSmall(1, 32)
	if err != nil {
		t.Fatalf("AllocSmall: %v", err)
	}
	if p == nil {
		t.Fatal("AllocSmall returned nil pointer")
	}
}

func TestAllocSmallReusesOwnedBlock(t *testing.T) {
	_, cm := newTestManagers(t)
	p1, err := cm.AllocSmall(1, 32)
	if err != nil {
		t.Fatalf("AllocSmall: %v", err)
	}
	p2, err := cm.AllocSmall(1, 32)
	if err != nil {
		t.Fatalf("AllocSmall: %v", err)
	}
	if p1 == p2 {
		t.Fatal("two live allocations must not alias")
	}
}

func TestOversizedRejected(t *testing.T) {
	_, cm := newTestManagers(t)
	if _, err := cm.AllocSmall(1, MaxSmallSize+1); err != ErrOversized {
		t.Fatalf("err = %v, want ErrOversized", err)
	}
}

func TestFreeSmallThenReallocViaRLC(t *testing.T) {
	hm, cm := newTestManagers(t)
	p, err := cm.AllocSmall(1, 32)
	if err != nil {
		t.Fatalf("AllocSmall: %v", err)
	}

	bin := BinFor(32)
	blockNum := findOwnerBlock(t, hm, cm, 1, bin).BlockNum()
	cm.FreeSmall(blockNum, bin, p)
	cm.FlushAll()

	h := hm.HeaderAt(blockNum)
	if h.FreeCount == 0 {
		t.Fatalf("expected free slot after flush, got FreeCount=%d", h.FreeCount)
	}
}

func findOwnerBlock(t *testing.T, hm *heap.Manager, cm *Manager, mutator MutatorID, bin int) *heap.BlockHeader {
	t.Helper()
	h := cm.owned[ownerKey{mutator, int16(bin)}]
	if h == nil {
		t.Fatal("expected an owned block for mutator/bin")
	}
	return h
}

func TestReleaseOwnershipDemotesToPartial(t *testing.T) {
	_, cm := newTestManagers(t)
	if _, err := cm.AllocSmall(1, 32); err != nil {
		t.Fatalf("AllocSmall: %v", err)
	}
	bin := BinFor(32)
	cm.ReleaseOwnership(1, bin)

	if _, stillOwned := cm.owned[ownerKey{1, int16(bin)}]; stillOwned {
		t.Fatal("ReleaseOwnership should clear ownership")
	}

	// A second mutator should be able to pick the block up from the
	// partial list rather than carving a fresh one.
	p, err := cm.AllocSmall(2, 32)
	if err != nil {
		t.Fatalf("AllocSmall (mutator 2): %v", err)
	}
	if p == nil {
		t.Fatal("expected a slot from the demoted block")
	}
	if h := cm.owned[ownerKey{2, int16(bin)}]; h == nil {
		t.Fatal("mutator 2 should now own the recycled block")
	}
}
