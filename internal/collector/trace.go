package collector

import (
	"context"

	"github.com/orizon-lang/slidingrc/internal/handle"
)

// Trace runs the backup tracing collector's mark phase: discard every
// mutator's logged buffers, zero the RC bitmap, then retrace the live
// object graph depth-first from the roots, incrementing each node's RC
// once per incoming edge the same way ordinary reference counting would.
// A node is pushed for further descent only the first time its RC leaves
// zero — each node is traced exactly once regardless of how many edges
// point to it.
//
// internal/trace calls this, then sweeps whatever it left at RC 0 using
// the same bitmap the ordinary RC cycle reads via Collector.RC.
func (c *Collector) Trace(ctx context.Context) error {
	c.mu.Lock()
	snapshot := make([]*Mutator, 0, len(c.mutators))
	for _, m := range c.mutators {
		snapshot = append(snapshot, m)
	}
	c.mu.Unlock()

	for _, m := range snapshot {
		if err := c.cooperateSuspend(ctx, m.ID, func() {
			m.Update.Steal()
			m.Create.Steal()
			m.Snoop.Steal()
		}); err != nil {
			return err
		}
	}

	c.rc.Reset()
	c.markStack = c.markStack[:0]

	for _, m := range snapshot {
		if err := c.cooperateSuspend(ctx, m.ID, func() {
			for _, root := range c.threads.StackRoots(m.ID) {
				c.traceMark(root)
			}
			regs := c.threads.Registers(m.ID)
			for _, w := range regs.Words {
				if looksLikeHandle(w, c.heapBase) {
					c.traceMark(w)
				}
			}
		}); err != nil {
			return err
		}
	}
	for _, root := range c.roots.GlobalRoots(ctx) {
		c.traceMark(root)
	}

	for len(c.markStack) > 0 {
		addr := c.markStack[len(c.markStack)-1]
		c.markStack = c.markStack[:len(c.markStack)-1]

		h := handle.FromAddr(addr)
		for _, child := range c.liveChildren(h) {
			c.traceMark(child)
		}
	}
	return nil
}

// traceMark increments addr's RC and, the first time it leaves zero,
// schedules it for descent.
func (c *Collector) traceMark(addr uintptr) {
	if addr == 0 {
		return
	}
	if c.rc.Inc(addr) == 0 {
		c.markStack = append(c.markStack, addr)
	}
}
