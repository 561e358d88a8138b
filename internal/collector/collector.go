// Package collector implements the concurrent RC collector: the
// four-stage handshake, RC update from replayed logs, the zero-count
// table, and recursive deletion. It also hosts the adaptive RC/TRACE mode
// selection (adaptive.go) shared with internal/trace's backup collector.
package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/orizon-lang/slidingrc/internal/collab"
	"github.com/orizon-lang/slidingrc/internal/gcbitmap"
	"github.com/orizon-lang/slidingrc/internal/handle"
	"github.com/orizon-lang/slidingrc/internal/wbuffer"
)

// Stage is one of the four handshake phases a mutator advances through
// once per cycle, independently, at its own cooperation points.
type Stage int32

const (
	StageH1 Stage = iota // Initiate: snoop raised, buffers swapped
	StageH2              // Sliding-view cut: reinforcement mark taken
	StageH3              // Reinforce & clear: log-pointers cleared
	StageH4              // Consolidate roots: local roots snooped
)

// Mutator is the collector's view of one attached mutator thread: its
// write buffers and handshake stage. internal/mutator owns the concrete
// lifecycle; this package only needs what the handshake touches.
type Mutator struct {
	ID     collab.ThreadID
	Update *wbuffer.Buffer
	Create *wbuffer.Buffer
	Snoop  *wbuffer.Buffer

	stage   int32 // atomic Stage
	snoopOn int32 // atomic bool
}

func (m *Mutator) Stage() Stage       { return Stage(atomic.LoadInt32(&m.stage)) }
func (m *Mutator) setStage(s Stage)   { atomic.StoreInt32(&m.stage, int32(s)) }
func (m *Mutator) SnoopEnabled() bool { return atomic.LoadInt32(&m.snoopOn) != 0 }
func (m *Mutator) setSnoop(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&m.snoopOn, v)
}

// Collector owns the global cycle state: the RC and ZCT/locals bitmaps,
// the registered mutators, and the collaborators it trusts for class
// metadata, thread suspension, and root enumeration.
type Collector struct {
	mu       sync.Mutex
	mutators map[collab.ThreadID]*Mutator

	heapBase uintptr
	nHandles uintptr
	rc       *gcbitmap.RCBitmap
	zct      *gcbitmap.Bitmap1
	nextZCT  *gcbitmap.Bitmap1
	locals   *gcbitmap.Bitmap1

	classes collab.ClassMetadata
	threads collab.ThreadSubsystem
	roots   collab.RootEnumerator

	markStack []uintptr
	reclaimFn ReclaimFunc

	selector *Selector
	trigger  *Trigger

	stats Stats
}

// Stats accumulates per-cycle counters, exposed via internal/gcstats.
type Stats struct {
	CyclesRun       uint64
	HandlesFreed    uint64
	HandlesUpdated  uint64
	LastCycleFreed  uint64
	LastDurationNS  int64
}

// New creates a collector over [heapBase, heapBase+nHandles*handle.Grain).
func New(heapBase uintptr, nHandles uintptr, classes collab.ClassMetadata, threads collab.ThreadSubsystem, roots collab.RootEnumerator) *Collector {
	return &Collector{
		mutators: make(map[collab.ThreadID]*Mutator),
		heapBase: heapBase,
		nHandles: nHandles,
		rc:       gcbitmap.NewRCBitmap(heapBase, nHandles),
		zct:      gcbitmap.NewBitmap1(heapBase, nHandles),
		nextZCT:  gcbitmap.NewBitmap1(heapBase, nHandles),
		locals:   gcbitmap.NewBitmap1(heapBase, nHandles),
		classes:  classes,
		threads:  threads,
		roots:    roots,
	}
}

// Attach registers a freshly attached mutator. The new registration starts
// at StageH1, the zero Stage value; Attach does not look up or copy the
// stage of a cycle that is already in progress.
func (c *Collector) Attach(id collab.ThreadID, bufCap int) *Mutator {
	m := &Mutator{
		ID:     id,
		Update: wbuffer.New(bufCap),
		Create: wbuffer.New(bufCap),
		Snoop:  wbuffer.New(bufCap),
	}
	c.mu.Lock()
	c.mutators[id] = m
	c.mu.Unlock()
	return m
}

// Detach removes a mutator, handing its buffers back for one final drain.
// The caller (internal/mutator) is responsible for splicing them into a
// dead-thread list the next cycle will process; this package only forgets
// the live registration.
func (c *Collector) Detach(id collab.ThreadID) {
	c.mu.Lock()
	delete(c.mutators, id)
	c.mu.Unlock()
}

// RC returns the current saturating reference count for addr.
func (c *Collector) RC(addr uintptr) uint8 { return c.rc.Get(addr) }

// SetSelector installs the RC/TRACE mode selector the caller (cmd/gcdemo's
// collector loop) consults before deciding to run an RC
// Cycle versus a backup trace. Cycle records its own duration into it so
// later Next() calls see an up-to-date RC-mode average.
func (c *Collector) SetSelector(s *Selector) { c.selector = s }

// Selector returns the installed mode selector, or nil if none was set.
func (c *Collector) Selector() *Selector { return c.selector }

// SetTrigger installs the gcTrigHigh tracker a caller adjusts after
// observing post-cycle free-block percentage.
func (c *Collector) SetTrigger(t *Trigger) { c.trigger = t }

// Trigger returns the installed trigger tracker, or nil if none was set.
func (c *Collector) Trigger() *Trigger { return c.trigger }

// Cycle runs one full RC collection cycle: stages H1 through H4, the RC
// update pass, and reclamation. It returns the number of handles freed.
func (c *Collector) Cycle(ctx context.Context) (uint64, error) {
	start := time.Now()
	defer func() {
		if c.selector != nil {
			c.selector.Record(ModeRC, time.Since(start).Nanoseconds())
		}
	}()

	if err := c.stageH1(ctx); err != nil {
		return 0, err
	}
	reinforceList, err := c.stageH2(ctx)
	if err != nil {
		return 0, err
	}
	c.stageH3Reinforce(reinforceList)
	c.clearDirty(reinforceList)
	if err := c.advanceAll(ctx, StageH2, StageH3); err != nil {
		return 0, err
	}
	if err := c.stageH4(ctx); err != nil {
		return 0, err
	}

	c.updateRC(reinforceList)
	freed := c.reclaim()
	c.postProcessLocals()

	c.zct, c.nextZCT = c.nextZCT, c.zct
	c.zct.Reset()

	c.mu.Lock()
	c.stats.CyclesRun++
	c.stats.LastCycleFreed = freed
	c.stats.HandlesFreed += freed
	c.stats.LastDurationNS = time.Since(start).Nanoseconds()
	c.mu.Unlock()

	return freed, nil
}

// stageH1 raises every mutator's snoop flag, then swaps each cooperative
// mutator's update/create buffers for fresh ones and marks it H1.
func (c *Collector) stageH1(ctx context.Context) error {
	c.mu.Lock()
	snapshot := make([]*Mutator, 0, len(c.mutators))
	for _, m := range c.mutators {
		m.setSnoop(true)
		snapshot = append(snapshot, m)
	}
	c.mu.Unlock()

	for _, m := range snapshot {
		if err := c.cooperateSuspend(ctx, m.ID, func() {
			m.Update = m.Update.Steal()
			m.Create = m.Create.Steal()
			m.setStage(StageH1)
		}); err != nil {
			return err
		}
	}
	return nil
}

// reinforceEntry pairs a stolen update buffer with its reinforcement
// mark, recorded while the mutator kept logging past the H2 cut.
type reinforceEntry struct {
	buf  *wbuffer.Buffer
	mark wbuffer.Mark
}

// stageH2 records each H1 mutator's reinforcement mark and links its
// buffer into the global reinforcement list.
func (c *Collector) stageH2(ctx context.Context) ([]reinforceEntry, error) {
	c.mu.Lock()
	snapshot := make([]*Mutator, 0, len(c.mutators))
	for _, m := range c.mutators {
		if m.Stage() == StageH1 {
			snapshot = append(snapshot, m)
		}
	}
	c.mu.Unlock()

	list := make([]reinforceEntry, 0, len(snapshot))
	for _, m := range snapshot {
		var mark wbuffer.Mark
		err := c.cooperateSuspend(ctx, m.ID, func() {
			mark = m.Update.Tail()
			m.setStage(StageH2)
		})
		if err != nil {
			return nil, err
		}
		list = append(list, reinforceEntry{buf: m.Update, mark: mark})
	}
	return list, nil
}

// stageH3Reinforce walks each reinforcement-listed buffer up to its mark,
// restoring the log pointer for any containing handle a racing free
// cleared out from under a concurrent logger.
func (c *Collector) stageH3Reinforce(list []reinforceEntry) {
	for _, e := range list {
		e.buf.Walk(e.mark, func(tag wbuffer.Tag, addr uintptr, pos unsafe.Pointer) {
			if tag != wbuffer.TagCloser {
				return
			}
			h := handle.FromAddr(addr)
			h.SetLogPos(pos)
		})
	}
}

// clearDirty walks the snapshotted buffers in reverse, clearing each
// containing handle's dirty flag if it still points at this entry (else
// rewriting it as a duplicate marker), and clears every create-buffer
// entry unconditionally (creates have no contention).
func (c *Collector) clearDirty(list []reinforceEntry) {
	for _, e := range list {
		e.buf.WalkReverse(func(tag wbuffer.Tag, addr uintptr, pos unsafe.Pointer) {
			if tag != wbuffer.TagCloser {
				return
			}
			h := handle.FromAddr(addr)
			if !h.ClearLogIf(pos) {
				wbuffer.RewriteDuplicate(pos)
			}
		})
	}

	c.mu.Lock()
	creates := make([]*wbuffer.Buffer, 0, len(c.mutators))
	for _, m := range c.mutators {
		creates = append(creates, m.Create)
	}
	c.mu.Unlock()
	for _, buf := range creates {
		buf.Walk(wbuffer.Mark{}, func(tag wbuffer.Tag, addr uintptr, pos unsafe.Pointer) {
			h := handle.FromAddr(addr)
			h.ClearLogIf(pos)
		})
	}
}

// advanceAll hands every mutator currently at from up to to, suspending
// any that have not cooperated voluntarily by their next safepoint.
func (c *Collector) advanceAll(ctx context.Context, from, to Stage) error {
	c.mu.Lock()
	snapshot := make([]*Mutator, 0, len(c.mutators))
	for _, m := range c.mutators {
		if m.Stage() == from {
			snapshot = append(snapshot, m)
		}
	}
	c.mu.Unlock()

	for _, m := range snapshot {
		if m.Stage() == to {
			continue
		}
		if err := c.cooperateSuspend(ctx, m.ID, func() { m.setStage(to) }); err != nil {
			return err
		}
	}
	return nil
}

// stageH4 suspends each H3 mutator, snoops its local roots (stack,
// registers, stolen snoop buffer), and marks it H4.
func (c *Collector) stageH4(ctx context.Context) error {
	c.mu.Lock()
	snapshot := make([]*Mutator, 0, len(c.mutators))
	for _, m := range c.mutators {
		if m.Stage() == StageH3 {
			snapshot = append(snapshot, m)
		}
	}
	c.mu.Unlock()

	for _, m := range snapshot {
		var snooped *wbuffer.Buffer
		err := c.cooperateSuspend(ctx, m.ID, func() {
			for _, root := range c.threads.StackRoots(m.ID) {
				c.markLocal(root)
			}
			regs := c.threads.Registers(m.ID)
			for _, w := range regs.Words {
				if looksLikeHandle(w, c.heapBase) {
					c.markLocal(w)
				}
			}
			snooped = m.Snoop.Steal()
			m.setStage(StageH4)
		})
		if err != nil {
			return err
		}
		snooped.Walk(wbuffer.Mark{}, func(tag wbuffer.Tag, addr uintptr, pos unsafe.Pointer) {
			c.markLocal(addr)
		})
	}

	for _, root := range c.roots.GlobalRoots(ctx) {
		c.markLocal(root)
	}
	return nil
}

// markLocal records addr as a local root exactly once per cycle and bumps
// its RC accordingly.
func (c *Collector) markLocal(addr uintptr) {
	if c.locals.Get(addr) {
		return
	}
	c.locals.Set(addr)
	c.rc.Inc(addr)
}

// looksLikeHandle is a coarse sanity filter for register-scanned words:
// a real handle address falls within the heap and is grain-aligned.
func looksLikeHandle(w, heapBase uintptr) bool {
	return w >= heapBase && (w-heapBase)%handle.Grain == 0
}

// cooperateSuspend runs fn against mutator id, suspending it first if the
// thread subsystem reports it can cooperate, retrying until it can.
func (c *Collector) cooperateSuspend(ctx context.Context, id collab.ThreadID, fn func()) error {
	for !c.threads.CanCooperate(id) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if err := c.threads.Suspend(id); err != nil {
		return err
	}
	fn()
	return c.threads.Resume(id)
}

// Stats returns a snapshot of cumulative collector statistics.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
