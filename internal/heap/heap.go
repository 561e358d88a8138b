// Package heap implements the block/region manager: it reserves a single
// contiguous heap and partitions it into fixed-size blocks, serving block
// and multi-block region allocations to the chunk manager (internal/chunk)
// and to big-object allocations directly.
//
// All mutating operations are serialized by a single monitor (Manager.mu):
// block manager mutations are guarded by one monitor. The per-block
// spinlock and chunk-manager bookkeeping fields living on BlockHeader are
// owned by internal/chunk, not by this package — the block header is
// shared state between the two managers, its status word packing fields
// both care about, so BlockHeader exposes those fields directly rather
// than forcing an artificial split.
package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrOutOfMemory is returned when the block manager cannot satisfy a
// request even from the wilderness.
var ErrOutOfMemory = errors.New("heap: out of memory")

// Status is a block header's coarse state machine.
type Status uint8

const (
	StatusFree     Status = iota // BLK: owned by the block manager, on a quick-list
	StatusFreeList               // BLKLIST: a list-of-lists header block
	StatusChunking               // CHUNKING: in transit from block manager to chunk manager
	StatusAllocBig               // ALLOCBIG: head/tail block of a multi-block object
	StatusInternal               // INTERNALBIG: interior block of a multi-block object
	StatusOwned                  // OWNED: owned by exactly one mutator's allocation list
	StatusVoid                   // VOIDBLK: chunked, no owner, no free chunks known to any mutator
	StatusPartial                // PARTIAL: chunked, on the global partial list for its bin
	StatusDummy                  // DUMMYBLK: transient during batched free / sentinel
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "BLK"
	case StatusFreeList:
		return "BLKLIST"
	case StatusChunking:
		return "CHUNKING"
	case StatusAllocBig:
		return "ALLOCBIG"
	case StatusInternal:
		return "INTERNALBIG"
	case StatusOwned:
		return "OWNED"
	case StatusVoid:
		return "VOIDBLK"
	case StatusPartial:
		return "PARTIAL"
	case StatusDummy:
		return "DUMMYBLK"
	default:
		return "UNKNOWN"
	}
}

// BlockHeader is the out-of-heap, per-block metadata array entry. One
// BlockHeader exists per block number, regardless of the block's current
// owner.
type BlockHeader struct {
	// Status is read by the owning mutator or under the appropriate lock
	// only; the block manager's own mutations go through Manager.mu,
	// chunk-manager mutations through Lock below.
	Status Status

	// RegionSize is set on the head block of a free region to +n (blocks
	// in the region) and on the tail block to -n, enabling
	// left-coalescing by walking backward from a freed region's
	// predecessor: the last block of a free region carries a negative
	// region-size marker.
	RegionSize int32

	// Next/Prev link this header into whichever block-manager list
	// currently holds it: a quick-list bucket or the ordered
	// list-of-lists. Exactly one such structure (or the wilderness, or a
	// chunk-manager structure) may reference a given block at a time.
	Next, Prev *BlockHeader

	// BigSize/AllocInProgress are ALLOCBIG-only: blob size in bytes, and
	// whether the creating mutator has yet to commit the handle to its
	// create buffer. The head block carries AllocInProgress = true until
	// the creating mutator commits the new handle.
	BigSize         uint64
	AllocInProgress bool

	// Lock is a CAS spinlock guarding FreeList/FreeCount/Bin/Owner below,
	// the chunk manager's per-block free-list protocol: a per-block
	// spinlock kept in its own word, separate from Status. This package never takes Lock
	// itself; internal/chunk does.
	Lock uint32

	// Bin/FreeList/FreeCount/Owner are chunk-manager state for a chunked
	// block (OWNED/VOIDBLK/PARTIAL): which size class it serves, the
	// circular free list of chunk slots, how many are free, and which
	// mutator currently owns it.
	Bin       int16
	FreeList  unsafe.Pointer
	FreeCount int32
	Owner     uint64

	blockNum int
}

// BlockNum returns the block index this header describes.
func (b *BlockHeader) BlockNum() int { return b.blockNum }

// LockSpin acquires the per-block spinlock via CAS, splitting the lock into
// its own 32-bit word rather than packing it into the status word, since Go has no
// free bits to steal from an enum-typed field.
func (b *BlockHeader) LockSpin() {
	for !atomic.CompareAndSwapUint32(&b.Lock, 0, 1) {
		// Runtime.Gosched would pull in the runtime package for a single
		// call; a bare busy loop is fine here since hold times are O(a
		// few pointer writes).
	}
}

// Unlock releases the per-block spinlock.
func (b *BlockHeader) Unlock() {
	atomic.StoreUint32(&b.Lock, 0)
}

// Config configures a new heap.
type Config struct {
	// SizeMB is the total heap size to reserve, in megabytes.
	SizeMB uint
	// BlockBits is log2 of the block size (B typically 14).
	BlockBits uint
	// QuickListSlots is K: quick-lists cover region sizes 1..K-1 blocks;
	// sizes >= K live in the list-of-lists.
	QuickListSlots int
}

// DefaultConfig matches rcblkmgr.c's defaults: 16KiB blocks, quick-lists for
// regions up to 31 blocks.
func DefaultConfig(sizeMB uint) Config {
	return Config{SizeMB: sizeMB, BlockBits: 14, QuickListSlots: 32}
}

// Manager is the block/region manager. All exported mutating methods
// serialize through a single monitor.
type Manager struct {
	mu sync.Mutex

	res        *reservation
	heapStart  uintptr
	blockShift uint
	blockSize  uintptr
	nBlocks    int

	// headers is the out-of-heap per-block array, with one dummy sentinel
	// block before index 0 and one after index nBlocks-1, matching the
	// original blkInit's two DUMMYBLK guard headers (so coalescing code
	// never needs a bounds check: the neighbor of block 0 is always a
	// valid, never-free DUMMYBLK header).
	headers []BlockHeader

	wilderness int // index of the first never-touched block

	quickLists []*BlockHeader // index 1..K-1; index 0 unused
	regionHead *BlockHeader   // sentinel head of the ordered list-of-lists

	stats Stats
}

// Stats summarizes block-level occupancy. At quiescence, wilderness +
// lists + allocated == total.
type Stats struct {
	TotalBlocks     int
	WildernessBlocks int
	ListBlocks      int
	AllocatedBlocks int
}

// New reserves the heap and initializes block headers.
func New(cfg Config) (*Manager, error) {
	if cfg.SizeMB == 0 {
		return nil, fmt.Errorf("heap: SizeMB must be > 0")
	}
	if cfg.QuickListSlots < 2 {
		cfg.QuickListSlots = 32
	}

	blockSize := uintptr(1) << cfg.BlockBits
	sizeBytes := uintptr(cfg.SizeMB) << 20
	nBlocks := int(sizeBytes / blockSize)
	if nBlocks < 1 {
		return nil, fmt.Errorf("heap: %dMB too small for block size %d", cfg.SizeMB, blockSize)
	}

	res, err := reserveHeap(sizeBytes)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		res:        res,
		heapStart:  uintptr(unsafe.Pointer(&res.bytes()[0])),
		blockShift: cfg.BlockBits,
		blockSize:  blockSize,
		nBlocks:    nBlocks,
		headers:    make([]BlockHeader, nBlocks+2),
		quickLists: make([]*BlockHeader, cfg.QuickListSlots),
	}

	m.headers[0].Status = StatusDummy
	m.headers[0].blockNum = -1
	m.headers[nBlocks+1].Status = StatusDummy
	m.headers[nBlocks+1].blockNum = nBlocks
	for i := 0; i < nBlocks; i++ {
		m.headers[i+1].blockNum = i
	}

	m.regionHead = &BlockHeader{Status: StatusFreeList, blockNum: -2}
	m.regionHead.Next, m.regionHead.Prev = m.regionHead, m.regionHead

	m.wilderness = 0
	m.stats.TotalBlocks = nBlocks
	m.stats.WildernessBlocks = nBlocks

	return m, nil
}

// Close releases the heap reservation.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.res.release()
}

// BlockSize returns the configured block size in bytes.
func (m *Manager) BlockSize() uintptr { return m.blockSize }

// HeapBase returns the heap reservation's start address, the base
// internal/collector's bitmaps index every handle address against.
func (m *Manager) HeapBase() uintptr { return m.heapStart }

// NumBlocks returns the total number of blocks the heap was reserved
// with.
func (m *Manager) NumBlocks() int { return m.nBlocks }

// header returns the header for block index i (0 <= i < nBlocks); indices
// outside that range resolve to the sentinel dummy headers.
func (m *Manager) header(i int) *BlockHeader {
	return &m.headers[i+1]
}

// HeaderAt is the exported form of header, for callers (the chunk manager)
// that hold a block number and need its header.
func (m *Manager) HeaderAt(i int) *BlockHeader { return m.header(i) }

// BlockData returns the raw memory backing block i.
func (m *Manager) BlockData(i int) []byte {
	off := uintptr(i) * m.blockSize
	return m.res.bytes()[off : off+m.blockSize]
}

// Stats returns a snapshot of block occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// AllocBlock allocates one block: quick-lists[1], then list-of-lists, then
// wilderness. The returned header's status is StatusChunking.
func (m *Manager) AllocBlock() (*BlockHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, gotSize := m.takeRegionLocked(1)
	if h == nil {
		return nil, ErrOutOfMemory
	}
	if gotSize > 1 {
		m.spliceLeftoverLocked(h, gotSize, 1)
	}
	h.Status = StatusChunking
	h.RegionSize = 1
	m.stats.AllocatedBlocks++
	m.debugCheckInvariant()
	return h, nil
}

// AllocRegion allocates ceil(nBytes/blockSize) contiguous blocks for a
// big-object (ALLOCBIG) allocation. The head and tail blocks are stamped
// StatusAllocBig with BigSize and AllocInProgress=true.
func (m *Manager) AllocRegion(nBytes uintptr) (*BlockHeader, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int((nBytes + m.blockSize - 1) / m.blockSize)
	if n < 1 {
		n = 1
	}

	h, gotSize := m.takeRegionLocked(n)
	if h == nil {
		return nil, 0, ErrOutOfMemory
	}
	if gotSize > n {
		m.spliceLeftoverLocked(h, gotSize, n)
	}

	m.stampRegion(h, n, StatusAllocBig)
	h.BigSize = uint64(nBytes)
	h.AllocInProgress = true
	m.stats.AllocatedBlocks += n
	m.debugCheckInvariant()
	return h, n, nil
}

// stampRegion sets status/regionSize on the head block and, for multi-block
// regions, the interior blocks' status plus the tail's negative marker.
func (m *Manager) stampRegion(head *BlockHeader, n int, interiorTailStatus Status) {
	head.RegionSize = int32(n)
	head.Status = interiorTailStatus
	bn := head.blockNum
	for i := 1; i < n-1; i++ {
		ih := m.header(bn + i)
		ih.Status = StatusInternal
		ih.RegionSize = 0
	}
	if n > 1 {
		tail := m.header(bn + n - 1)
		tail.Status = interiorTailStatus
		tail.RegionSize = -int32(n)
	}
}

// takeRegionLocked finds at least n contiguous free blocks, trying
// quick-lists[n] first (perfect fit for small sizes), then the ordered
// list-of-lists (best-fit ascending scan), then the wilderness. It reports
// the actual region size obtained, which may exceed n.
func (m *Manager) takeRegionLocked(n int) (*BlockHeader, int) {
	if n < len(m.quickLists) {
		if h := m.quickLists[n]; h != nil {
			m.unlinkQuickLocked(h, n)
			return h, n
		}
	}

	if h, sz := m.takeFromRegionListsLocked(n); h != nil {
		return h, sz
	}

	if h := m.takeFromWildernessLocked(n); h != nil {
		return h, n
	}

	// Fall back to scanning quick-lists for any bucket big enough; this
	// only matters once QuickListSlots shrinks below typical request
	// sizes, which DefaultConfig avoids, but a custom Config can hit it.
	for sz := n + 1; sz < len(m.quickLists); sz++ {
		if h := m.quickLists[sz]; h != nil {
			m.unlinkQuickLocked(h, sz)
			return h, sz
		}
	}

	return nil, 0
}

func (m *Manager) takeFromWildernessLocked(n int) *BlockHeader {
	if m.wilderness+n > m.nBlocks {
		return nil
	}
	h := m.header(m.wilderness)
	m.wilderness += n
	m.stats.WildernessBlocks -= n
	return h
}

// takeFromRegionListsLocked does a best-fit ascending walk of the
// list-of-lists, removing and returning the first list whose region size is
// >= n: best-fit within the first list of sufficient size.
func (m *Manager) takeFromRegionListsLocked(n int) (*BlockHeader, int) {
	for l := m.regionHead.Next; l != m.regionHead; l = l.Next {
		sz := int(l.RegionSize)
		if sz < n {
			continue
		}
		// l is itself a BlkListHdr (a block header repurposed as a list
		// head); its chain of same-size regions is threaded through a
		// second pair of pointers we fold into Next/Prev by unlinking
		// the list header and, if more regions of this size remain,
		// reinserting the next one as the new header.
		head := l
		next := (*BlockHeader)(head.FreeList)
		if next != nil {
			next.RegionSize = head.RegionSize
			next.Status = StatusFreeList
			next.Next, next.Prev = head.Next, head.Prev
			next.Next.Prev, next.Prev.Next = next, next
		} else {
			head.Next.Prev = head.Prev
			head.Prev.Next = head.Next
		}
		head.Next, head.Prev, head.FreeList = nil, nil, nil
		m.stats.ListBlocks -= sz
		return head, sz
	}
	return nil, 0
}

// unlinkQuickLocked removes h from quickLists[sz].
func (m *Manager) unlinkQuickLocked(h *BlockHeader, sz int) {
	if m.quickLists[sz] == h {
		m.quickLists[sz] = h.Next
	}
	if h.Prev != nil {
		h.Prev.Next = h.Next
	}
	if h.Next != nil {
		h.Next.Prev = h.Prev
	}
	h.Next, h.Prev = nil, nil
	m.stats.ListBlocks -= sz
}

// spliceLeftoverLocked returns the tail (gotSize-need) blocks of a region
// back to the free structures after taking the first need blocks.
func (m *Manager) spliceLeftoverLocked(h *BlockHeader, gotSize, need int) {
	leftoverStart := h.blockNum + need
	leftoverSize := gotSize - need
	leftover := m.header(leftoverStart)
	m.insertFreeRegionLocked(leftover, leftoverSize)
}

// FreeBlock returns a single block to the block manager, attempting
// left/right coalescing before reinserting.
func (m *Manager) FreeBlock(h *BlockHeader) {
	m.FreeRegion(h, 1)
}

// FreeRegion returns an n-block region, coalescing with free neighbors then
// either extending the wilderness, or inserting into a quick-list / the
// list-of-lists.
func (m *Manager) FreeRegion(h *BlockHeader, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.AllocatedBlocks -= n
	h.AllocInProgress = false
	h.BigSize = 0

	start := h.blockNum
	size := n

	// Coalesce left: the block immediately before start, if free, carries
	// a negative regionSize tail marker we can read to find its head.
	if start > 0 {
		leftTail := m.header(start - 1)
		if leftTail.Status == StatusFree || leftTail.Status == StatusFreeList {
			leftSize := int(-leftTail.RegionSize)
			if leftSize <= 0 {
				leftSize = 1
			}
			leftHead := m.header(start - leftSize)
			if leftHead.Status == StatusFree || leftHead.Status == StatusFreeList {
				m.removeFreeRegionLocked(leftHead, leftSize)
				start -= leftSize
				size += leftSize
			}
		}
	}

	// Coalesce right. Only blocks below the wilderness cursor have ever
	// been touched; a virgin header's zero-value Status is StatusFree, so
	// treating the wilderness itself as a coalesce candidate here would
	// misread an untouched block as an already-freed region.
	if start+size < m.wilderness {
		rightHead := m.header(start + size)
		if rightHead.Status == StatusFree || rightHead.Status == StatusFreeList {
			rightSize := int(rightHead.RegionSize)
			if rightSize <= 0 {
				rightSize = 1
			}
			m.removeFreeRegionLocked(rightHead, rightSize)
			size += rightSize
		}
	}

	merged := m.header(start)

	// Extend the wilderness if the merged region now directly abuts it.
	if start+size == m.wilderness {
		m.wilderness = start
		m.stats.WildernessBlocks += size
		merged.Status = StatusFree
		merged.RegionSize = 0
		m.debugCheckInvariant()
		return
	}

	m.insertFreeRegionLocked(merged, size)
	m.debugCheckInvariant()
}

// removeFreeRegionLocked pulls a known free region of the given size out of
// whichever structure currently holds it, ahead of a coalesce.
func (m *Manager) removeFreeRegionLocked(h *BlockHeader, size int) {
	if size < len(m.quickLists) {
		m.unlinkQuickLocked(h, size)
		return
	}
	if h.Next != nil || h.Prev != nil || m.regionHead.FreeList == unsafe.Pointer(h) {
		m.unlinkRegionListEntryLocked(h, size)
	}
}

// insertFreeRegionLocked stamps and inserts a freshly-freed region into the
// quick-lists (size < K) or the list-of-lists (size >= K).
func (m *Manager) insertFreeRegionLocked(h *BlockHeader, size int) {
	h.Status = StatusFree
	h.RegionSize = int32(size)
	if size > 1 {
		tail := m.header(h.blockNum + size - 1)
		tail.Status = StatusFree
		tail.RegionSize = -int32(size)
	}

	if size < len(m.quickLists) {
		h.Next = m.quickLists[size]
		if h.Next != nil {
			h.Next.Prev = h
		}
		h.Prev = nil
		m.quickLists[size] = h
		m.stats.ListBlocks += size
		return
	}

	m.insertRegionListLocked(h, size)
}

// insertRegionListLocked inserts h (size blocks) into the ordered
// list-of-lists, either chaining onto an existing same-size list header or
// creating a new one in ascending order.
func (m *Manager) insertRegionListLocked(h *BlockHeader, size int) {
	h.Status = StatusFreeList
	for l := m.regionHead.Next; l != m.regionHead; l = l.Next {
		lsz := int(l.RegionSize)
		if lsz == size {
			h.FreeList = l.FreeList
			l.FreeList = unsafe.Pointer(h)
			h.Next, h.Prev = nil, nil
			m.stats.ListBlocks += size
			return
		}
		if lsz > size {
			h.Next, h.Prev = l, l.Prev
			l.Prev.Next = h
			l.Prev = h
			m.stats.ListBlocks += size
			return
		}
	}
	// Append at the end (largest so far).
	h.Next, h.Prev = m.regionHead, m.regionHead.Prev
	m.regionHead.Prev.Next = h
	m.regionHead.Prev = h
	m.stats.ListBlocks += size
}

// unlinkRegionListEntryLocked removes h from its list-of-lists bucket,
// whether it is the bucket's head or chained behind it via FreeList.
func (m *Manager) unlinkRegionListEntryLocked(h *BlockHeader, size int) {
	for l := m.regionHead.Next; l != m.regionHead; l = l.Next {
		if l == h {
			next := (*BlockHeader)(l.FreeList)
			if next != nil {
				next.Status = StatusFreeList
				next.RegionSize = l.RegionSize
				next.Next, next.Prev = l.Next, l.Prev
				next.Next.Prev, next.Prev.Next = next, next
			} else {
				l.Next.Prev = l.Prev
				l.Prev.Next = l.Next
			}
			l.Next, l.Prev, l.FreeList = nil, nil, nil
			m.stats.ListBlocks -= size
			return
		}
		for cur := (*BlockHeader)(l.FreeList); cur != nil; cur = (*BlockHeader)(cur.FreeList) {
			if cur == h {
				// Splice cur out of l's secondary chain; since FreeList
				// is a singly linked chain we must walk from l again.
				prev := l
				for n := (*BlockHeader)(prev.FreeList); n != nil; n = (*BlockHeader)(prev.FreeList) {
					if n == h {
						prev.FreeList = h.FreeList
						h.FreeList = nil
						m.stats.ListBlocks -= size
						return
					}
					prev = n
				}
			}
		}
	}
}

// ChunkSweepFunc is called by Sweep for every chunked block (OWNED, VOIDBLK,
// or PARTIAL) so the chunk manager can reclaim dead objects within it. It
// returns true if the block itself became free and was returned to the
// block manager by the callback.
type ChunkSweepFunc func(h *BlockHeader) (freedWholeBlock bool)

// BigSweepFunc decides whether an ALLOCBIG region's handle is dead (RC==0,
// not log-dirty); it is supplied by internal/collector / internal/trace.
type BigSweepFunc func(h *BlockHeader) (dead bool)

// Sweep walks headers from the heap start to the wilderness once, handing
// chunked blocks to chunkSweep and reclaiming dead big-object regions.
func (m *Manager) Sweep(bigSweep BigSweepFunc, chunkSweep ChunkSweepFunc) {
	m.mu.Lock()
	wilderness := m.wilderness
	m.mu.Unlock()

	i := 0
	for i < wilderness {
		h := m.header(i)
		switch h.Status {
		case StatusFree, StatusFreeList:
			sz := int(h.RegionSize)
			if sz <= 0 {
				sz = 1
			}
			i += sz
		case StatusAllocBig:
			sz := int(h.RegionSize)
			if sz <= 0 {
				sz = 1
			}
			if bigSweep != nil && bigSweep(h) {
				m.FreeRegion(h, sz)
			}
			i += sz
		case StatusOwned, StatusVoid, StatusPartial:
			if chunkSweep != nil {
				chunkSweep(h)
			}
			i++
		default:
			i++
		}
	}
}
