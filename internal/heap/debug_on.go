//go:build debug

package heap

import "fmt"

// In debug builds, walk the free structures after every mutation and
// confirm the block-count invariant holds.

func (m *Manager) debugCheckInvariant() {
	listBlocks := 0
	for sz, h := range m.quickLists {
		for b := h; b != nil; b = b.Next {
			listBlocks += sz
		}
	}
	for l := m.regionHead.Next; l != m.regionHead; l = l.Next {
		sz := int(l.RegionSize)
		listBlocks += sz
		for cur := l.FreeList; cur != nil; {
			listBlocks += sz
			next := (*BlockHeader)(cur)
			cur = next.FreeList
		}
	}

	wilderness := m.nBlocks - m.wilderness
	total := listBlocks + wilderness + m.stats.AllocatedBlocks
	if total != m.nBlocks {
		panic(fmt.Sprintf("heap: block accounting broken: lists=%d wilderness=%d allocated=%d total=%d want=%d",
			listBlocks, wilderness, m.stats.AllocatedBlocks, total, m.nBlocks))
	}
}

func (m *Manager) debugCheckHeader(h *BlockHeader, want Status) {
	if h.Status != want {
		panic(fmt.Sprintf("heap: block %d expected status %s, got %s", h.blockNum, want, h.Status))
	}
}
