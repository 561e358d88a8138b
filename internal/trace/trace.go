// Package trace implements the backup tracing collector: the occasional
// full retrace that recomputes every object's true reference count from
// scratch and sweeps whatever it left unreferenced, in place of the
// ordinary cycle's incremental log replay.
package trace

import (
	"context"
	"unsafe"

	"github.com/orizon-lang/slidingrc/internal/chunk"
	"github.com/orizon-lang/slidingrc/internal/collector"
	"github.com/orizon-lang/slidingrc/internal/handle"
	"github.com/orizon-lang/slidingrc/internal/heap"
)

// Tracer ties the RC collector's mark phase (internal/collector.Trace,
// which rebuilds the RC bitmap from scratch) to the block/chunk managers'
// sweep phase: blkSweep over ALLOCBIG regions, chkSweepChunkedBlock over
// chunked blocks, both reading the same RC bitmap the mark phase wrote.
type Tracer struct {
	coll *collector.Collector
	hm   *heap.Manager
	cm   *chunk.Manager
}

// NewTracer ties together a collector and the block/chunk managers whose
// regions a tracing cycle sweeps.
func NewTracer(coll *collector.Collector, hm *heap.Manager, cm *chunk.Manager) *Tracer {
	return &Tracer{coll: coll, hm: hm, cm: cm}
}

// Run executes one full tracing cycle: retrace (internal/collector.Trace)
// followed by a single linear header sweep reclaiming every ALLOCBIG
// region and chunked-block slot the retrace left at RC 0.
func (t *Tracer) Run(ctx context.Context) error {
	if err := t.coll.Trace(ctx); err != nil {
		return err
	}
	t.hm.Sweep(t.bigSweep, t.chunkSweep)
	t.cm.FlushAll()
	return nil
}

// bigSweep is blkSweep's ALLOCBIG half: a region still mid-construction
// (its creating mutator hasn't committed the handle yet) is never
// garbage; otherwise it is dead once retracing left its RC at zero with
// no pending log entry.
func (t *Tracer) bigSweep(h *heap.BlockHeader) bool {
	if h.AllocInProgress {
		return false
	}
	hdl := t.regionHandle(h)
	return t.coll.RC(hdl.Addr()) == 0 && !hdl.IsDirty()
}

// regionHandle returns the handle living at the start of an ALLOCBIG
// region's data — the only object a multi-block region ever holds.
func (t *Tracer) regionHandle(h *heap.BlockHeader) *handle.Handle {
	data := t.hm.BlockData(h.BlockNum())
	return (*handle.Handle)(unsafe.Pointer(&data[0]))
}

// chunkSweep is chkSweepChunkedBlock: delegate to the chunk manager's
// occupancy-bitmap sweep, treating any occupied, non-logged slot with RC
// 0 as dead, then return the block to the heap manager if that emptied
// it entirely.
func (t *Tracer) chunkSweep(h *heap.BlockHeader) bool {
	full := t.cm.SweepBlock(h, func(addr unsafe.Pointer) bool {
		hdl := (*handle.Handle)(addr)
		return t.coll.RC(hdl.Addr()) == 0 && !hdl.IsDirty()
	})
	t.cm.ReclaimIfFull(h, full)
	return full
}
