package collector

import (
	"unsafe"

	"github.com/orizon-lang/slidingrc/internal/handle"
	"github.com/orizon-lang/slidingrc/internal/wbuffer"
)

// ReclaimFunc actually releases a dead handle's memory back to the chunk
// or block manager; the collector itself only decides liveness.
type ReclaimFunc func(addr uintptr)

// SetReclaimFunc installs the callback Cycle uses to release handles
// whose RC reaches zero and stays there through reclamation.
func (c *Collector) SetReclaimFunc(fn ReclaimFunc) {
	c.mu.Lock()
	c.reclaimFn = fn
	c.mu.Unlock()
}

// updateRC replays every stolen update buffer's logged replicas: for each
// containing-handle run, increments RC of every child found by re-reading
// the live object (retrying the re-read if the handle was relogged
// mid-read), then decrements RC of every pre-image child.
func (c *Collector) updateRC(list []reinforceEntry) {
	var updated uint64
	for _, e := range list {
		var pending []uintptr
		e.buf.Walk(wbuffer.Mark{}, func(tag wbuffer.Tag, addr uintptr, pos unsafe.Pointer) {
			switch tag {
			case wbuffer.TagChildRef:
				pending = append(pending, addr)
			case wbuffer.TagCloser:
				c.replayObject(addr, pending)
				pending = nil
				updated++
			case wbuffer.TagDuplicate:
				pending = nil
			}
		})
	}

	c.mu.Lock()
	c.stats.HandlesUpdated += updated
	creates := make([]*wbuffer.Buffer, 0, len(c.mutators))
	for _, m := range c.mutators {
		creates = append(creates, m.Create)
	}
	c.mu.Unlock()

	// Folded into ZCT processing: a newly created handle whose RC never
	// got incremented by anyone this cycle is unreferenced and belongs on
	// the ZCT too.
	for _, buf := range creates {
		buf.Walk(wbuffer.Mark{}, func(tag wbuffer.Tag, addr uintptr, pos unsafe.Pointer) {
			if tag == wbuffer.TagChildRef && c.rc.Get(addr) == 0 {
				c.zct.Set(addr)
			}
		})
	}
}

// replayObject applies one logged object's pre-image/current-image delta:
// increment RC of every child the handle currently (live) points to, then
// decrement RC of every child it pointed to before the logged update.
func (c *Collector) replayObject(containing uintptr, preChildren []uintptr) {
	h := handle.FromAddr(containing)
	for {
		before := h.LogPos()
		current := c.liveChildren(h)
		if h.LogPos() == before {
			for _, child := range current {
				c.incRC(child)
			}
			break
		}
		// The handle was relogged mid-read; the in-flight replica will be
		// replayed in its own right when its logger's entry is walked, so
		// retrying the live read is sufficient here.
	}

	for _, child := range preChildren {
		c.decRC(child)
	}
}

// LiveChildren re-reads h's current reference-slot contents via the
// trusted class-metadata collaborator. Exported for internal/mutator's
// write-barrier slow-logging path, which needs to capture the same
// pre-image replica the collector's own update replay later consumes.
func (c *Collector) LiveChildren(h *handle.Handle) []uintptr {
	return c.liveChildren(h)
}

// liveChildren re-reads the current reference-slot contents of h via the
// trusted class-metadata collaborator.
func (c *Collector) liveChildren(h *handle.Handle) []uintptr {
	offsets := c.classes.RefSlotOffsets(h.Layout, h.Body)
	children := make([]uintptr, 0, len(offsets))
	for _, off := range offsets {
		slot := (*uintptr)(unsafe.Pointer(uintptr(h.Body) + off))
		if v := *slot; v != 0 {
			children = append(children, v)
		}
	}
	return children
}

// incRC increments addr's RC, clearing any stale ZCT membership if the
// handle had dropped to zero earlier this cycle and is now referenced
// again.
func (c *Collector) incRC(addr uintptr) {
	if addr == 0 {
		return
	}
	old := c.rc.Inc(addr)
	if old == 0 && c.zct.Get(addr) {
		c.zct.Clear(addr)
	}
}

// decRC decrements addr's RC, pushing it onto the ZCT if it reaches zero.
func (c *Collector) decRC(addr uintptr) {
	if addr == 0 || c.rc.Get(addr) == 0 {
		return
	}
	old := c.rc.Dec(addr)
	if old == 1 {
		c.zct.Set(addr)
	}
}

// reclaim scans the ZCT and frees every handle whose RC is still zero,
// recursively decrementing children via an explicit mark stack rather
// than native recursion.
func (c *Collector) reclaim() uint64 {
	var freed uint64
	c.zct.Each(func(addr uintptr) {
		if c.rc.Get(addr) != 0 {
			return
		}
		freed += c.freeRecursive(addr)
	})
	return freed
}

func (c *Collector) freeRecursive(root uintptr) uint64 {
	c.markStack = c.markStack[:0]
	c.markStack = append(c.markStack, root)

	var freed uint64
	for len(c.markStack) > 0 {
		addr := c.markStack[len(c.markStack)-1]
		c.markStack = c.markStack[:len(c.markStack)-1]

		if c.rc.Get(addr) != 0 {
			continue
		}

		h := handle.FromAddr(addr)
		if pos := h.LogPos(); pos != nil {
			wbuffer.RewriteDuplicate(pos)
			h.ClearLogIf(pos)
		}

		for _, child := range c.liveChildren(h) {
			if child == 0 {
				continue
			}
			if c.rc.Get(child) == 0 {
				continue
			}
			if c.rc.Dec(child) == 1 {
				c.markStack = append(c.markStack, child)
			}
		}

		if c.reclaimFn != nil {
			c.reclaimFn(addr)
		}
		freed++
	}
	return freed
}

// postProcessLocals walks the unique-locals buffer, removing the RC
// contribution root-snooping added this cycle; any handle whose RC drops
// to exactly 1 once that contribution is removed becomes a next-cycle ZCT
// candidate (it is referenced by exactly the root that is about to stop
// being counted).
func (c *Collector) postProcessLocals() {
	c.locals.Each(func(addr uintptr) {
		if c.rc.Get(addr) == 0 {
			return
		}
		if c.rc.Dec(addr) == 2 {
			c.nextZCT.Set(addr)
		}
	})
	c.locals.Reset()
}
