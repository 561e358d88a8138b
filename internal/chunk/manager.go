package chunk

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/orizon-lang/slidingrc/internal/heap"
)

// ErrOversized is returned when a request exceeds MaxSmallSize; callers
// should instead use internal/heap's AllocRegion directly.
var ErrOversized = errors.New("chunk: request exceeds MaxSmallSize")

// ErrNoSlots is returned by AllocSmall when all three strikes (the
// mutator's own allocation list, the bin's global partial list, and a
// fresh block from the block manager) fail to produce a free slot.
var ErrNoSlots = errors.New("chunk: no free slot available")

// slotHeader is the layout of a free chunk slot: the first machine word is
// the next pointer of whichever singly-linked free list currently holds
// it (a block's own free list, or a Recycled Lists Cache entry's pending
// chain).
type slotHeader struct {
	next unsafe.Pointer
}

// MutatorID identifies the mutator an owned block's allocation list
// belongs to.
type MutatorID uint64

type ownerKey struct {
	mutator MutatorID
	bin     int16
}

// Manager is the chunk manager layered on top of internal/heap. It owns no
// memory itself; every block it hands out or reclaims is borrowed from and
// returned to the underlying heap.Manager.
type Manager struct {
	hm *heap.Manager

	mu     sync.Mutex
	owned  map[ownerKey]*heap.BlockHeader
	partial [NumBins]*heap.BlockHeader // sentinel ring head per bin

	rlc []rlcEntry

	// occ tracks, per block number, which carved slots are currently
	// allocated (1) versus on a free list somewhere (0). Nothing else in
	// this package needs it — free lists are enough for alloc/free — but
	// internal/trace's block sweep needs to tell a live object from an
	// already-free slot without misreading slotHeader bytes as handle data.
	occ map[int][]byte
}

// rlcEntry is one direct-mapped slot of the Recycled Lists Cache: at most
// one in-flight batch of freed chunks per cache slot, keyed by block
// number modulo len(rlc). A colliding free for a different block flushes
// the resident entry first.
type rlcEntry struct {
	mu        sync.Mutex
	blockNum  int
	bin       int16
	head      unsafe.Pointer // slotHeader chain, or nil if empty
	count     int32
}

// NewManager creates a chunk manager over hm with an RLC of nCacheEntries
// slots (rcchunkmgr.c sizes this as heap-blocks / RLCACHE_RATIO; we take it
// as an explicit parameter since this package doesn't know the heap's
// total block count until the caller does).
func NewManager(hm *heap.Manager, nCacheEntries int) *Manager {
	if nCacheEntries < 1 {
		nCacheEntries = 1
	}
	m := &Manager{
		hm:    hm,
		owned: make(map[ownerKey]*heap.BlockHeader),
		rlc:   make([]rlcEntry, nCacheEntries),
		occ:   make(map[int][]byte),
	}
	for i := range m.rlc {
		m.rlc[i].blockNum = -1
	}
	for b := 0; b < NumBins; b++ {
		sentinel := &heap.BlockHeader{}
		sentinel.Next, sentinel.Prev = sentinel, sentinel
		m.partial[b] = sentinel
	}
	return m
}

// AllocSmall serves a small-object allocation for mutator, trying in order:
// (1) the mutator's own allocation list for this bin, (2) the bin's global
// partial list, (3) a fresh block carved from the block manager. This
// mirrors the chunk manager's allocSmall retry shape: each strike either
// produces a slot or escalates to the next, more expensive source.
func (m *Manager) AllocSmall(mutator MutatorID, size int) (unsafe.Pointer, error) {
	bin := BinFor(size)
	if bin < 0 {
		return nil, ErrOversized
	}

	if p := m.tryOwnedLocked(mutator, bin); p != nil {
		return p, nil
	}
	if p := m.tryPartialLocked(mutator, bin); p != nil {
		return p, nil
	}
	if p := m.tryFreshBlockLocked(mutator, bin); p != nil {
		return p, nil
	}
	return nil, ErrNoSlots
}

func (m *Manager) tryOwnedLocked(mutator MutatorID, bin int) unsafe.Pointer {
	m.mu.Lock()
	h := m.owned[ownerKey{mutator, int16(bin)}]
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return m.popSlot(h)
}

// tryPartialLocked takes a block off the bin's global partial list and
// assigns it to mutator (VOIDBLK/PARTIAL -> OWNED, spec's "no contention"
// transition since only the chunk manager's own m.mu guards the list).
func (m *Manager) tryPartialLocked(mutator MutatorID, bin int) unsafe.Pointer {
	m.mu.Lock()
	sentinel := m.partial[bin]
	h := sentinel.Next
	if h == sentinel || h == nil {
		m.mu.Unlock()
		return nil
	}
	unlinkRing(h)
	h.Status = heap.StatusOwned
	h.Owner = uint64(mutator)
	m.owned[ownerKey{mutator, int16(bin)}] = h
	m.mu.Unlock()

	return m.popSlot(h)
}

// tryFreshBlockLocked pulls a whole new block from the block manager and
// carves it into bin-sized slots, owned outright by mutator.
func (m *Manager) tryFreshBlockLocked(mutator MutatorID, bin int) unsafe.Pointer {
	h, err := m.hm.AllocBlock()
	if err != nil {
		return nil
	}
	m.carveBlock(h, bin)
	h.Status = heap.StatusOwned
	h.Owner = uint64(mutator)

	m.mu.Lock()
	m.owned[ownerKey{mutator, int16(bin)}] = h
	m.mu.Unlock()

	return m.popSlot(h)
}

// carveBlock partitions a fresh block's bytes into a singly-linked chain
// of bin-sized free slots and installs it as the block's free list.
func (m *Manager) carveBlock(h *heap.BlockHeader, bin int) {
	data := m.hm.BlockData(h.BlockNum())
	slotSize := BinSize(bin)
	n := len(data) / slotSize

	var head unsafe.Pointer
	for i := n - 1; i >= 0; i-- {
		slot := unsafe.Pointer(&data[i*slotSize])
		(*slotHeader)(slot).next = head
		head = slot
	}
	h.FreeList = head
	h.FreeCount = int32(n)
	h.Bin = int16(bin)

	m.mu.Lock()
	m.occ[h.BlockNum()] = make([]byte, (n+7)/8)
	m.mu.Unlock()
}

// slotIndex returns a slot address's position within h's carved block.
func (m *Manager) slotIndex(h *heap.BlockHeader, addr unsafe.Pointer) int {
	data := m.hm.BlockData(h.BlockNum())
	base := uintptr(unsafe.Pointer(&data[0]))
	return int((uintptr(addr) - base) / uintptr(BinSize(int(h.Bin))))
}

// setOcc marks a block's slot index as allocated (val=true) or free.
func (m *Manager) setOcc(blockNum, idx int, val bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.occ[blockNum]
	if b == nil {
		return
	}
	if val {
		b[idx/8] |= 1 << uint(idx%8)
	} else {
		b[idx/8] &^= 1 << uint(idx%8)
	}
}

// popSlot removes and returns the head of h's free list under its
// per-block spinlock.
func (m *Manager) popSlot(h *heap.BlockHeader) unsafe.Pointer {
	h.LockSpin()
	head := h.FreeList
	if head == nil {
		h.Unlock()
		return nil
	}
	h.FreeList = (*slotHeader)(head).next
	h.FreeCount--
	(*slotHeader)(head).next = nil
	h.Unlock()

	m.setOcc(h.BlockNum(), m.slotIndex(h, head), true)
	return head
}

// FreeSmall returns a previously allocated slot. Rather than touching the
// owning block's free list and lock on every call, it is queued in the
// Recycled Lists Cache, direct-mapped by block number; the entry already
// resident for a different block is flushed to make room (spec's deferred
// free discipline).
func (m *Manager) FreeSmall(blockNum int, bin int, addr unsafe.Pointer) {
	idx := blockNum % len(m.rlc)
	e := &m.rlc[idx]

	e.mu.Lock()
	if e.blockNum != blockNum && e.head != nil {
		m.flushEntryLocked(e)
	}
	e.blockNum = blockNum
	e.bin = int16(bin)
	(*slotHeader)(addr).next = e.head
	e.head = addr
	e.count++
	e.mu.Unlock()
}

// FlushAll drains every RLC entry, applying its batched frees to the
// owning block. Called by internal/trace's Tracer.Run.
func (m *Manager) FlushAll() {
	for i := range m.rlc {
		e := &m.rlc[i]
		e.mu.Lock()
		if e.head != nil {
			m.flushEntryLocked(e)
		}
		e.mu.Unlock()
	}
}

// flushEntryLocked splices e's pending chain onto its block's free list
// and applies the resulting state transition (e.mu must be held).
func (m *Manager) flushEntryLocked(e *rlcEntry) {
	blockNum := e.blockNum
	h := m.hm.HeaderAt(blockNum)
	chain, count := e.head, e.count
	e.head, e.count, e.blockNum = nil, 0, -1

	h.LockSpin()
	// Splice the recycled chain onto the current free list, clearing each
	// slot's occupancy bit along the way.
	tail := chain
	m.setOcc(blockNum, m.slotIndex(h, tail), false)
	for (*slotHeader)(tail).next != nil {
		tail = (*slotHeader)(tail).next
		m.setOcc(blockNum, m.slotIndex(h, tail), false)
	}
	(*slotHeader)(tail).next = h.FreeList
	h.FreeList = chain
	h.FreeCount += count
	status := h.Status
	bin := h.Bin
	slotSize := BinSize(int(bin))
	total := m.hm.BlockSize() / uintptr(slotSize)
	full := h.FreeCount == int32(total)
	h.Unlock()

	switch status {
	case heap.StatusOwned:
		// The owning mutator may still be using this block; leave
		// ownership alone, the freed slots simply become available again.
	case heap.StatusVoid:
		m.demoteOrReclaim(h, bin, full)
	case heap.StatusPartial:
		if full {
			m.removeFromPartial(h, bin)
			m.deleteOcc(h.BlockNum())
			m.hm.FreeBlock(h)
		}
	}
}

// deleteOcc drops a returned block's occupancy bitmap; carveBlock installs
// a fresh one the next time this block number is reused.
func (m *Manager) deleteOcc(blockNum int) {
	m.mu.Lock()
	delete(m.occ, blockNum)
	m.mu.Unlock()
}

// demoteOrReclaim moves a VOIDBLK block onto the bin's partial list, or
// returns it to the block manager outright if it turned out to be
// entirely free.
func (m *Manager) demoteOrReclaim(h *heap.BlockHeader, bin int16, full bool) {
	if full {
		m.deleteOcc(h.BlockNum())
		m.hm.FreeBlock(h)
		return
	}
	m.mu.Lock()
	h.Status = heap.StatusPartial
	sentinel := m.partial[bin]
	h.Next, h.Prev = sentinel.Next, sentinel
	sentinel.Next.Prev = h
	sentinel.Next = h
	m.mu.Unlock()
}

func (m *Manager) removeFromPartial(h *heap.BlockHeader, bin int16) {
	m.mu.Lock()
	unlinkRing(h)
	m.mu.Unlock()
}

// unlinkRing removes h from whatever doubly-linked ring currently holds
// it (the partial list). Callers must hold Manager.mu.
func unlinkRing(h *heap.BlockHeader) {
	if h.Prev != nil {
		h.Prev.Next = h.Next
	}
	if h.Next != nil {
		h.Next.Prev = h.Prev
	}
	h.Next, h.Prev = nil, nil
}

// ReleaseOwnership gives up mutator's exclusive claim on its allocation
// list for bin, demoting the block to VOIDBLK (no free chunks known to any
// mutator) or PARTIAL (onto the shared list) depending on whether it still
// has free capacity. Called when a mutator detaches or switches away from
// a bin.
func (m *Manager) ReleaseOwnership(mutator MutatorID, bin int) {
	key := ownerKey{mutator, int16(bin)}

	m.mu.Lock()
	h, ok := m.owned[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.owned, key)
	m.mu.Unlock()

	h.LockSpin()
	hasFree := h.FreeList != nil
	h.Unlock()

	if !hasFree {
		h.Status = heap.StatusVoid
		atomic.StoreUint64(&h.Owner, 0)
		return
	}

	m.mu.Lock()
	h.Status = heap.StatusPartial
	atomic.StoreUint64(&h.Owner, 0)
	sentinel := m.partial[bin]
	h.Next, h.Prev = sentinel.Next, sentinel
	sentinel.Next.Prev = h
	sentinel.Next = h
	m.mu.Unlock()
}

// ChunkSweep has the shape of internal/heap's ChunkSweepFunc: it
// flushes any RLC entry pending for this block so the block's FreeCount is
// current, then reports whether the block is now fully free.
func (m *Manager) ChunkSweep(h *heap.BlockHeader) bool {
	idx := h.BlockNum() % len(m.rlc)
	e := &m.rlc[idx]
	e.mu.Lock()
	if e.blockNum == h.BlockNum() && e.head != nil {
		m.flushEntryLocked(e)
	}
	e.mu.Unlock()

	slotSize := BinSize(int(h.Bin))
	if slotSize == 0 {
		return false
	}
	total := m.hm.BlockSize() / uintptr(slotSize)
	return h.FreeCount == int32(total)
}

// ReclaimIfFull returns h to the block manager when full is true and h's
// status is VOIDBLK or PARTIAL — an OWNED block stays with its mutator
// regardless of free count. Exposed for internal/trace's sweep, which
// calls this directly rather than through the RLC since it already holds
// the block exclusively during the sweep.
func (m *Manager) ReclaimIfFull(h *heap.BlockHeader, full bool) {
	if !full {
		return
	}
	switch h.Status {
	case heap.StatusVoid:
		m.deleteOcc(h.BlockNum())
		m.hm.FreeBlock(h)
	case heap.StatusPartial:
		m.removeFromPartial(h, h.Bin)
		m.deleteOcc(h.BlockNum())
		m.hm.FreeBlock(h)
	}
}

// PartialBlockCount returns the number of blocks currently sitting on
// bin's shared partial list, for internal/gcstats' per-bin breakdown.
func (m *Manager) PartialBlockCount(bin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sentinel := m.partial[bin]
	n := 0
	for h := sentinel.Next; h != sentinel; h = h.Next {
		n++
	}
	return n
}

// SweepBlock is the backup tracing collector's chunked-block sweep: it
// visits every slot this block has ever carved, skipping ones already on
// a free list, and reclaims any occupied slot for which isDead reports
// true by splicing it directly onto the block's free list. Unlike
// FreeSmall it bypasses the RLC — the tracing cycle already holds the
// block exclusively, so there is no contention to batch away. It reports
// whether the block became fully free.
func (m *Manager) SweepBlock(h *heap.BlockHeader, isDead func(addr unsafe.Pointer) bool) bool {
	slotSize := BinSize(int(h.Bin))
	if slotSize == 0 {
		return false
	}
	data := m.hm.BlockData(h.BlockNum())
	n := len(data) / slotSize

	m.mu.Lock()
	occ := m.occ[h.BlockNum()]
	m.mu.Unlock()
	if occ == nil {
		return false
	}

	h.LockSpin()
	for i := 0; i < n; i++ {
		if occ[i/8]&(1<<uint(i%8)) == 0 {
			continue // already free
		}
		addr := unsafe.Pointer(&data[i*slotSize])
		if !isDead(addr) {
			continue
		}
		occ[i/8] &^= 1 << uint(i%8)
		(*slotHeader)(addr).next = h.FreeList
		h.FreeList = addr
		h.FreeCount++
	}
	full := h.FreeCount == int32(n)
	h.Unlock()
	return full
}
