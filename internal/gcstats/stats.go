// Package gcstats exposes the collector's runtime statistics: total heap
// bytes, free bytes broken down by partial and free blocks, per-bin
// partial-block counts, and per-cycle allocation/free/update counts.
package gcstats

import (
	"github.com/orizon-lang/slidingrc/internal/chunk"
	"github.com/orizon-lang/slidingrc/internal/collector"
	"github.com/orizon-lang/slidingrc/internal/heap"
)

// Snapshot is a point-in-time read of every exposed statistic, gathered
// from the three subsystems that each own one piece of it.
type Snapshot struct {
	// Heap-wide byte accounting.
	TotalBytes     uint64
	FreeBlockBytes uint64 // bytes sitting wholly free in the block manager
	PartialBytes   uint64 // bytes in blocks on the chunk manager's partial lists

	// PartialBlocksPerBin is the number of blocks on the chunk manager's
	// shared partial list for each size class, indexed by bin.
	PartialBlocksPerBin [chunk.NumBins]int

	// Per-cycle collector counters (cumulative since the collector was
	// created; see internal/collector.Stats for the field meanings this
	// mirrors).
	CyclesRun      uint64
	HandlesFreed   uint64
	HandlesUpdated uint64
	LastCycleFreed uint64
	LastDurationNS int64
}

// Collect gathers one Snapshot from the given heap manager, chunk manager,
// and collector. It takes each subsystem's own lock briefly in turn rather
// than holding a combined lock across all three, so a snapshot can observe
// a torn view of an in-flight cycle — acceptable for a diagnostics
// endpoint, not for anything safety-critical.
func Collect(hm *heap.Manager, cm *chunk.Manager, coll *collector.Collector) Snapshot {
	hstats := hm.Stats()
	blockSize := uint64(hm.BlockSize())

	var partialBytes uint64
	var partialPerBin [chunk.NumBins]int
	for bin := 0; bin < chunk.NumBins; bin++ {
		n := cm.PartialBlockCount(bin)
		partialPerBin[bin] = n
		partialBytes += uint64(n) * blockSize
	}

	cstats := coll.Stats()

	return Snapshot{
		TotalBytes:          uint64(hstats.TotalBlocks) * blockSize,
		FreeBlockBytes:      uint64(hstats.WildernessBlocks+hstats.ListBlocks) * blockSize,
		PartialBytes:        partialBytes,
		PartialBlocksPerBin: partialPerBin,
		CyclesRun:           cstats.CyclesRun,
		HandlesFreed:        cstats.HandlesFreed,
		HandlesUpdated:      cstats.HandlesUpdated,
		LastCycleFreed:      cstats.LastCycleFreed,
		LastDurationNS:      cstats.LastDurationNS,
	}
}
