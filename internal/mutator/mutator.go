// Package mutator implements the write-barrier entry points, the
// allocator-cache API, and thread lifecycle (attach/detach/cooperate)
// the collector exposes to the embedding runtime. It is the glue between a
// running mutator thread and internal/collector's handshake state,
// internal/chunk's per-mutator allocation lists, and internal/heap's
// big-object regions.
package mutator

import (
	"context"
	"unsafe"

	"github.com/orizon-lang/slidingrc/internal/chunk"
	"github.com/orizon-lang/slidingrc/internal/collab"
	"github.com/orizon-lang/slidingrc/internal/collector"
	"github.com/orizon-lang/slidingrc/internal/handle"
	"github.com/orizon-lang/slidingrc/internal/heap"
)

// DefaultBufCap sizes a freshly attached mutator's write-buffer chunks,
// in entries. Tuned for demo/test use; a production embedder would size
// this from expected allocation rate.
const DefaultBufCap = 256

var handleSize = int(unsafe.Sizeof(handle.Handle{}))

// Mutator is one attached mutator thread's view of the allocator and
// collector: its write buffers (via the embedded *collector.Mutator) and
// the managers it allocates through.
type Mutator struct {
	id   collab.ThreadID
	coll *collector.Collector
	cm   *chunk.Manager
	hm   *heap.Manager
	raw  *collector.Mutator
}

// Attach installs fresh write buffers and registers id with coll through
// collector.Collector.Attach (gcThreadAttach). Unlike the original, this
// package does not maintain a saved-allocation-lists pool for reuse
// across detach/attach cycles — internal/chunk's per-(mutator,bin)
// ownership map already starts empty for an unseen MutatorID, which is
// an attach with nothing to restore, so there is nothing to distinguish.
func Attach(coll *collector.Collector, cm *chunk.Manager, hm *heap.Manager, id collab.ThreadID) *Mutator {
	return &Mutator{
		id:   id,
		coll: coll,
		cm:   cm,
		hm:   hm,
		raw:  coll.Attach(id, DefaultBufCap),
	}
}

// Detach unregisters m from the collector and parks its allocation lists
// back to the chunk manager across every bin (gcThreadDetach's "park
// alloc lists" step, generalized: internal/chunk tracks ownership
// per-bin directly, so there is no single saved-lists struct to hand
// off, just a release per bin it might hold).
func (m *Mutator) Detach() {
	m.coll.Detach(m.id)
	for bin := 0; bin < chunk.NumBins; bin++ {
		m.cm.ReleaseOwnership(chunk.MutatorID(m.id), bin)
	}
}

// Cooperate is the safepoint call a write barrier or allocation slow path
// makes between operations. This collector's handshake suspends mutators
// directly via internal/collab.ThreadSubsystem rather than requiring
// voluntary cooperation (gcThreadCooperate's stage-advance-if-behind
// logic), so there is nothing to do here yet; it is kept as the call
// site a real embedding runtime's safepoint check would hit.
func (m *Mutator) Cooperate(context.Context) {}

// maxAllocRetries bounds the synchronous-GC retry loop Alloc runs when the
// chunk or block manager first reports no space: one initial attempt, then
// up to this many rounds of "raise memory pressure, force a synchronous
// collection, retry" before giving up with the underlying error
// (chkAllocSmall's retries<3 loop, rcchunkmgr.c:821-857).
const maxAllocRetries = 3

// Alloc is cacheAlloc: allocates a handle plus bodySize bytes of zeroed
// body storage as one contiguous region (handle prefix immediately
// followed by Body, mirroring gcUnhand/gcRehand's header-adjacent-to-body
// layout), and logs the new handle into m's create buffer. Requests small
// enough for internal/chunk are served from there; larger ones become an
// ALLOCBIG region in internal/heap. If the underlying manager is out of
// space, Alloc forces a synchronous collection and retries before
// reporting failure.
func (m *Mutator) Alloc(ctx context.Context, layout handle.LayoutID, bodySize int) (*handle.Handle, error) {
	nbytes := handleSize + bodySize

	addr, bigHeader, err := m.tryAlloc(nbytes)
	for retries := 0; err != nil && retries < maxAllocRetries; retries++ {
		if sel := m.coll.Selector(); sel != nil {
			sel.RequestSync()
		}
		if _, cycleErr := m.coll.Cycle(ctx); cycleErr != nil {
			return nil, cycleErr
		}
		addr, bigHeader, err = m.tryAlloc(nbytes)
	}
	if err != nil {
		return nil, err
	}

	hd := (*handle.Handle)(addr)
	*hd = handle.Handle{}
	hd.Layout = layout
	if bodySize > 0 {
		hd.Body = unsafe.Pointer(uintptr(addr) + uintptr(handleSize))
		hd.Size = uint32(bodySize)
		clear(unsafe.Slice((*byte)(hd.Body), bodySize))
	}

	pos := m.raw.Create.AppendCreate(hd.Addr())
	hd.SetLogPos(pos)

	if bigHeader != nil {
		// The handle is now fully committed to the create buffer; a
		// concurrent tracing sweep may treat this region as a live
		// object from this point on.
		bigHeader.AllocInProgress = false
	}
	return hd, nil
}

// tryAlloc makes one attempt at carving out nbytes, from the chunk manager
// if it fits a small-object bin, otherwise as an ALLOCBIG region from the
// block manager directly.
func (m *Mutator) tryAlloc(nbytes int) (unsafe.Pointer, *heap.BlockHeader, error) {
	if nbytes <= chunk.MaxSmallSize {
		p, err := m.cm.AllocSmall(chunk.MutatorID(m.id), nbytes)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	}
	h, _, err := m.hm.AllocRegion(uintptr(nbytes))
	if err != nil {
		return nil, nil, err
	}
	h.AllocInProgress = true
	return unsafe.Pointer(&m.hm.BlockData(h.BlockNum())[0]), h, nil
}

// UpdateField is the write barrier for storing newVal into one of h's
// reference slots at slot, a pointer inside h.Body (gcDo_gcupdate): if h
// has no pending replica this cycle, capture one before the store, then
// record newVal in the snoop log if snooping is on.
func (m *Mutator) UpdateField(h *handle.Handle, slot *uintptr, newVal uintptr) {
	if h.LogPos() == nil {
		m.logReplica(h)
	}
	*slot = newVal
	m.snoopIfEnabled(newVal)
}

// UpdateArrayElement is UpdateField under another name: array elements
// are replicated exactly like object fields (gcDo_gcupdate_array aliases
// gcupdate directly rather than having its own logic).
func (m *Mutator) UpdateArrayElement(h *handle.Handle, slot *uintptr, newVal uintptr) {
	m.UpdateField(h, slot, newVal)
}

// UpdateGlobalRoot is the barrier for a slot with no containing handle —
// a JVM global (gcDo_gcupdate_jvmglobal): there is no object replica to
// capture, only the snoop log.
func (m *Mutator) UpdateGlobalRoot(slot *uintptr, newVal uintptr) {
	*slot = newVal
	m.snoopIfEnabled(newVal)
}

// UpdateStatic is UpdateGlobalRoot under another name: a reference-typed
// class static is barriered exactly like a JVM global once the caller's
// own class metadata has confirmed the field is reference-typed
// (gcDo_gcupdate_static's fieldsig check) — this package never inspects
// field signatures itself; a non-reference static should never reach
// this call.
func (m *Mutator) UpdateStatic(slot *uintptr, newVal uintptr) {
	m.UpdateGlobalRoot(slot, newVal)
}

// snoopIfEnabled appends newVal to the snoop buffer when snooping is on
// and newVal is non-null, then reserves one word so the next append is
// guaranteed commit space without a mid-append growth check.
func (m *Mutator) snoopIfEnabled(newVal uintptr) {
	if newVal == 0 || !m.raw.SnoopEnabled() {
		return
	}
	m.raw.Snoop.AppendChild(newVal)
	m.raw.Snoop.Reserve(1)
}

// logReplica captures h's current children into the update buffer and
// publishes the closer as h's log position (gcBuffSlowConditionalLogHandle).
// If a concurrent free beat this mutator to clearing/claiming logPos,
// TryPublish loses the race and the freshly captured replica is simply
// never read — handle.Handle.TryPublish's documented discard-on-loss.
func (m *Mutator) logReplica(h *handle.Handle) {
	children := m.coll.LiveChildren(h)
	closer := m.raw.Update.LogReplica(h.Addr(), children)
	h.TryPublish(closer)
}
