// Package handle defines the managed-object prefix the collector operates
// on: a fixed-size Handle carrying a pointer to the object body, a pointer
// to the class/layout record, and the log pointer the collector uses as a
// per-handle dirty flag.
package handle

import (
	"sync/atomic"
	"unsafe"
)

// Grain is the minimum alignment of a Handle; the low 3 bits of a Handle's
// address are always zero, the invariant the bitmaps in gcbitmap rely on.
const Grain = 8

// Handle is the per-object prefix. It deliberately mirrors the C
// implementation's GCHandle (obj/methods/logPos) rather than growing a
// richer Go-native object model — the whole point of this package is to
// stay a thin, fixed layout that the rest of the collector can reason about
// by address alone.
type Handle struct {
	// Body points at the object's reference slots and scalar data. Its
	// layout (which words are reference-typed) is described by Layout,
	// which is supplied by the trusted class-metadata collaborator
	// (internal/collab.ClassMetadata) — this package never inspects it.
	Body unsafe.Pointer

	// Layout identifies the class/array layout record for Body.
	Layout LayoutID

	// logPos is the dirty flag: non-nil means "logged in some mutator's
	// update buffer and not yet drained by the collector for the current
	// cycle". It stores the address of the containing-handle closer entry
	// inside that mutator's write buffer, as an atomic so the write
	// barrier's publish step and the collector's clear-dirty walk can race
	// safely: a re-check after writing children enforces at-most-once
	// commit.
	logPos unsafe.Pointer

	// Size is the allocated size of Body in bytes, set by internal/mutator's
	// Alloc. Reclaim finds the owning bin/block through the block header,
	// not through this field.
	Size uint32
}

// LayoutID identifies a class/array layout record owned by the embedding
// runtime (internal/collab.ClassMetadata); this package treats it opaquely.
type LayoutID uint32

// Addr returns h's own address, used as the key into the RC/ZCT/locals
// bitmaps and as the value mutators/collector pass around instead of *Handle
// to keep call sites honest about "this is a heap address", not a live Go
// pointer the GC is allowed to dereference outside the heap's lock
// discipline.
func (h *Handle) Addr() uintptr {
	return uintptr(unsafe.Pointer(h))
}

// LogPos atomically loads the dirty flag.
func (h *Handle) LogPos() unsafe.Pointer {
	return atomic.LoadPointer(&h.logPos)
}

// TryPublish attempts to set the dirty flag from nil to closer, the
// at-most-once-commit step of the write barrier. It reports whether this
// call won the race; a loser discards its freshly captured replica.
func (h *Handle) TryPublish(closer unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&h.logPos, nil, closer)
}

// ClearLogIf clears the dirty flag only if it still equals expect, mirroring
// the collector's "clear if it still points at this entry, else rewrite as
// duplicate marker" step between the sliding-view cut and the clear-dirty
// walk. It reports whether the clear took effect.
func (h *Handle) ClearLogIf(expect unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&h.logPos, expect, nil)
}

// SetLogPos force-sets the dirty flag, used by the reinforce-and-clear
// handshake stage to restore a log position a racing free cleared out from
// under a concurrent logger.
func (h *Handle) SetLogPos(pos unsafe.Pointer) {
	atomic.StorePointer(&h.logPos, pos)
}

// IsDirty reports whether the handle has a pending, undrained log entry.
func (h *Handle) IsDirty() bool {
	return h.LogPos() != nil
}

// FromAddr reinterprets a heap address as a *Handle. Callers must hold
// whatever lock discipline the owning subsystem requires before
// dereferencing; this function itself performs no validation.
func FromAddr(addr uintptr) *Handle {
	return (*Handle)(unsafe.Pointer(addr))
}
