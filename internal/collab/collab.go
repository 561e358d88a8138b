// Package collab declares the interfaces this collector trusts its embedding
// language runtime to implement: class/field metadata, the thread
// subsystem, and the global-root enumerator. The write-barrier entry points
// the mutator calls live in internal/mutator. This package is the seam —
// everything downstream (internal/collector, internal/mutator,
// internal/trace) talks to these interfaces, never to a concrete runtime.
package collab

import (
	"context"
	"unsafe"

	"github.com/orizon-lang/slidingrc/internal/handle"
)

// ClassMetadata answers layout questions about a handle's class or array
// type: which body words are reference slots, and (for arrays) how many
// elements it holds: reference-slot offsets per class, array element
// counts.
type ClassMetadata interface {
	// RefSlotOffsets returns the byte offsets, relative to Body, of every
	// reference-typed slot for the class/array identified by layout. For
	// an array, offsets covers exactly ElementCount(layout, body) slots.
	RefSlotOffsets(layout handle.LayoutID, body unsafe.Pointer) []uintptr

	// ElementCount returns the number of array elements for an array
	// layout, or 0 for a non-array (fixed-shape) layout.
	ElementCount(layout handle.LayoutID, body unsafe.Pointer) int

	// BodySize returns the byte size of the object body for layout,
	// needed by the allocator API to size a fresh allocation.
	BodySize(layout handle.LayoutID) uintptr
}

// ThreadID identifies one mutator thread to the thread subsystem.
type ThreadID uint64

// RegisterSnapshot is a suspended thread's captured registers, supplied by
// the thread subsystem so the collector can scan them for root references
// during the consolidate-roots handshake stage's local-root snooping of
// stacks and registers.
type RegisterSnapshot struct {
	Words []uintptr
}

// ThreadSubsystem is the suspend/resume and register/stack capture
// primitive this collector trusts the embedding runtime to provide: a
// safe suspend/resume primitive, and register/stack snapshots of suspended
// threads.
type ThreadSubsystem interface {
	// Suspend blocks thread id at a safepoint and returns once it is
	// stopped. It must not be called on a thread inside a "cannot
	// cooperate" section — CanCooperate must be checked first by the
	// caller.
	Suspend(id ThreadID) error

	// Resume releases a previously suspended thread.
	Resume(id ThreadID) error

	// CanCooperate reports whether thread id is currently outside a
	// "cannot cooperate" section and is therefore safe to suspend.
	CanCooperate(id ThreadID) bool

	// Registers returns the register snapshot of a suspended thread.
	Registers(id ThreadID) RegisterSnapshot

	// StackRoots returns the handle addresses reachable from thread id's
	// suspended call stack.
	StackRoots(id ThreadID) []uintptr
}

// RootEnumerator lists global roots outside any mutator's stack: the class
// table, primitive classes, the monitor cache, interned strings, and
// embedder (e.g. JNI-style) global frames, snooped in addition to
// per-thread stack roots.
type RootEnumerator interface {
	GlobalRoots(ctx context.Context) []uintptr
}
