// Command gcdemo drives a toy managed-object workload against the
// collector: a handful of simulated mutator goroutines allocate and link
// objects while a separate goroutine runs collection cycles, picking
// between the RC and tracing collectors adaptively. It exists to exercise
// the package end to end, the way cmd/orizon's subcommands exercise the
// compiler pipeline end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/slidingrc/internal/chunk"
	"github.com/orizon-lang/slidingrc/internal/collab"
	"github.com/orizon-lang/slidingrc/internal/collector"
	"github.com/orizon-lang/slidingrc/internal/gcconfig"
	"github.com/orizon-lang/slidingrc/internal/gcstats"
	"github.com/orizon-lang/slidingrc/internal/handle"
	"github.com/orizon-lang/slidingrc/internal/heap"
	"github.com/orizon-lang/slidingrc/internal/mutator"
	"github.com/orizon-lang/slidingrc/internal/trace"
)

func main() {
	var (
		heapMB     int
		mutators   int
		allocs     int
		configPath string
		httpAddr   string
		cycleEvery time.Duration
	)
	flag.IntVar(&heapMB, "heap-mb", 4, "heap size in megabytes")
	flag.IntVar(&mutators, "mutators", 4, "number of simulated mutator threads")
	flag.IntVar(&allocs, "allocs", 2000, "allocations per mutator")
	flag.StringVar(&configPath, "config", "", "tuning file (option value pairs); empty uses built-in defaults")
	flag.StringVar(&httpAddr, "http", "", "if set, serve /gcstats on this address (e.g. :6062)")
	flag.DurationVar(&cycleEvery, "cycle-every", 20*time.Millisecond, "how often the collector goroutine considers running a cycle")
	flag.Parse()

	if err := run(heapMB, mutators, allocs, configPath, httpAddr, cycleEvery); err != nil {
		log.Fatal(err)
	}
}

func run(heapMB, nMutators, nAllocs int, configPath, httpAddr string, cycleEvery time.Duration) error {
	cfg := gcconfig.Default()
	if configPath != "" {
		loaded, err := gcconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	hm, err := heap.New(heap.DefaultConfig(heapMB))
	if err != nil {
		return fmt.Errorf("reserving heap: %w", err)
	}
	defer hm.Close()

	cm := chunk.NewManager(hm, 32)
	rt := newDemoRuntime()

	nHandles := uintptr(hm.NumBlocks()) * hm.BlockSize() / handle.Grain
	coll := collector.New(hm.HeapBase(), nHandles, rt, rt, rt)
	coll.SetReclaimFunc(reclaimFunc(hm, cm))
	coll.SetSelector(collector.NewSelector(collector.ModeConfig{
		RecommendOnlyRC:      cfg.RecommendOnlyRCGC,
		ForceRC:              cfg.UseOnlyRCGC,
		ForceTrace:           cfg.UseOnlyTracingGC,
		StickyTraceAfterSync: cfg.StickyTraceAfterSync,
	}))
	coll.SetTrigger(collector.NewTrigger(collector.TriggerConfig{
		InitialHighTrigMark: cfg.InitialHighTrigMark,
		LowTrigDelta:        cfg.LowTrigDelta,
		RaiseTrigInc:        cfg.RaiseTrigInc,
		LowerTrigDec:        cfg.LowerTrigDec,
	}))

	if httpAddr != "" {
		shutdown, err := gcstats.StartHTTP(httpAddr, hm, cm, coll)
		if err != nil {
			return fmt.Errorf("starting diagnostics server: %w", err)
		}
		defer shutdown(context.Background())
		log.Printf("gcstats: serving http://%s/gcstats", httpAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tr := trace.NewTracer(coll, hm, cm)
	done := make(chan struct{})
	collErrC := make(chan error, 1)
	go func() { collErrC <- runCollector(ctx, coll, tr, hm, cycleEvery, done) }()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < nMutators; i++ {
		id := collab.ThreadID(i + 1)
		g.Go(func() error {
			return simulateMutator(gctx, coll, cm, hm, rt, id, nAllocs)
		})
	}
	mutatorErr := g.Wait()
	close(done)
	collErr := <-collErrC

	if mutatorErr != nil {
		return mutatorErr
	}
	if collErr != nil {
		return collErr
	}

	snap := gcstats.Collect(hm, cm, coll)
	fmt.Printf("cycles=%d handlesFreed=%d handlesUpdated=%d totalBytes=%d freeBytes=%d partialBytes=%d\n",
		snap.CyclesRun, snap.HandlesFreed, snap.HandlesUpdated, snap.TotalBytes, snap.FreeBlockBytes, snap.PartialBytes)
	return nil
}

// runCollector runs collection cycles on a timer until either ctx is
// canceled or done is closed (all mutators have finished), at which
// point it runs one last cycle to sweep whatever they left behind.
func runCollector(ctx context.Context, coll *collector.Collector, tr *trace.Tracer, hm *heap.Manager, interval time.Duration, done <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			runOneCycle(ctx, coll, tr, hm)
			return nil
		case <-ticker.C:
			if belowTrigger(coll, hm) {
				continue
			}
			runOneCycle(ctx, coll, tr, hm)
		}
	}
}

// belowTrigger reports whether free space is still above the collector's
// current high-water mark, meaning there is no need to run a cycle yet.
func belowTrigger(coll *collector.Collector, hm *heap.Manager) bool {
	trig := coll.Trigger()
	if trig == nil {
		return false
	}
	hstats := hm.Stats()
	if hstats.TotalBlocks == 0 {
		return false
	}
	freePercent := (hstats.WildernessBlocks + hstats.ListBlocks) * 100 / hstats.TotalBlocks
	return freePercent > trig.Percent()
}

func runOneCycle(ctx context.Context, coll *collector.Collector, tr *trace.Tracer, hm *heap.Manager) {
	mode := collector.ModeRC
	if sel := coll.Selector(); sel != nil {
		mode = sel.Next()
	}

	start := time.Now()
	var err error
	if mode == collector.ModeTrace {
		err = tr.Run(ctx)
		if sel := coll.Selector(); sel != nil {
			sel.Record(collector.ModeTrace, time.Since(start).Nanoseconds())
		}
	} else {
		_, err = coll.Cycle(ctx)
	}
	if err != nil {
		log.Printf("gc cycle (%s) failed: %v", mode, err)
		return
	}

	if trig := coll.Trigger(); trig != nil {
		hstats := hm.Stats()
		freePercent := 0
		if hstats.TotalBlocks > 0 {
			freePercent = (hstats.WildernessBlocks + hstats.ListBlocks) * 100 / hstats.TotalBlocks
		}
		trig.Adjust(freePercent)
	}
}

// reclaimFunc frees a dead handle's backing storage once the collector
// has decided it has no remaining references: a chunked slot is returned
// to the chunk manager, an ALLOCBIG region to the block manager directly.
func reclaimFunc(hm *heap.Manager, cm *chunk.Manager) collector.ReclaimFunc {
	return func(addr uintptr) {
		blockNum := int((addr - hm.HeapBase()) / hm.BlockSize())
		h := hm.HeaderAt(blockNum)
		switch h.Status {
		case heap.StatusAllocBig:
			n := (int(h.BigSize) + int(hm.BlockSize()) - 1) / int(hm.BlockSize())
			if n < 1 {
				n = 1
			}
			hm.FreeRegion(h, n)
		case heap.StatusOwned, heap.StatusVoid, heap.StatusPartial:
			cm.FreeSmall(blockNum, int(h.Bin), unsafe.Pointer(addr))
		}
	}
}

// demoRuntime is a toy, single-process stand-in for the embedding managed
// runtime: one object layout with a single reference slot, and stack
// roots tracked explicitly by simulateMutator rather than read off a real
// call stack. Suspend/Resume/CanCooperate are trivial here because every
// "mutator" is just a goroutine cooperating voluntarily between
// allocations, unlike a real embedding runtime's native threads.
type demoRuntime struct {
	mu    sync.Mutex
	roots map[collab.ThreadID][]uintptr
}

const layoutNode handle.LayoutID = 1

func newDemoRuntime() *demoRuntime {
	return &demoRuntime{roots: make(map[collab.ThreadID][]uintptr)}
}

func (r *demoRuntime) RefSlotOffsets(layout handle.LayoutID, _ unsafe.Pointer) []uintptr {
	if layout == layoutNode {
		return []uintptr{0}
	}
	return nil
}

func (r *demoRuntime) ElementCount(handle.LayoutID, unsafe.Pointer) int { return 0 }

func (r *demoRuntime) BodySize(handle.LayoutID) uintptr { return unsafe.Sizeof(uintptr(0)) }

func (r *demoRuntime) Suspend(collab.ThreadID) error     { return nil }
func (r *demoRuntime) Resume(collab.ThreadID) error      { return nil }
func (r *demoRuntime) CanCooperate(collab.ThreadID) bool { return true }
func (r *demoRuntime) Registers(collab.ThreadID) collab.RegisterSnapshot {
	return collab.RegisterSnapshot{}
}

func (r *demoRuntime) StackRoots(id collab.ThreadID) []uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uintptr, len(r.roots[id]))
	copy(out, r.roots[id])
	return out
}

func (r *demoRuntime) setRoot(id collab.ThreadID, addr uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots[id] = []uintptr{addr}
}

func (r *demoRuntime) clearRoot(id collab.ThreadID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roots, id)
}

func (r *demoRuntime) GlobalRoots(context.Context) []uintptr { return nil }

// simulateMutator allocates nodes, linking about three in four of them to
// the previous head, and re-points the root at every freshly allocated
// node, so that each chain cut off by an unlinked node becomes garbage for
// the collector to find.
func simulateMutator(ctx context.Context, coll *collector.Collector, cm *chunk.Manager, hm *heap.Manager, rt *demoRuntime, id collab.ThreadID, nAllocs int) error {
	m := mutator.Attach(coll, cm, hm, id)
	defer m.Detach()
	defer rt.clearRoot(id)

	rng := rand.New(rand.NewSource(int64(id)))
	var head *handle.Handle

	for i := 0; i < nAllocs; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := m.Alloc(ctx, layoutNode, int(unsafe.Sizeof(uintptr(0))))
		if err != nil {
			return fmt.Errorf("mutator %d: alloc %d: %w", id, i, err)
		}

		if head != nil && rng.Intn(4) != 0 {
			slot := (*uintptr)(n.Body)
			m.UpdateField(n, slot, head.Addr())
		}
		head = n
		rt.setRoot(id, head.Addr())

		if i%50 == 0 {
			time.Sleep(time.Microsecond) // yield, let the collector observe progress
		}
	}
	return nil
}
