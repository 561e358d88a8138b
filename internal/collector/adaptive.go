package collector

import "math/rand"

// Mode selects which collector runs a given cycle.
type Mode int

const (
	ModeRC Mode = iota
	ModeTrace
)

func (m Mode) String() string {
	if m == ModeTrace {
		return "trace"
	}
	return "rc"
}

// nSamples bounds the moving-average history kept per mode.
const nSamples = 8

// ModeConfig pins or biases mode selection, set from internal/gcconfig.
type ModeConfig struct {
	RecommendOnlyRC bool
	ForceRC         bool
	ForceTrace      bool
	// StickyTraceAfterSync keeps preferring TRACE for every following
	// cycle once a synchronous GC forced a run, rather than just the one
	// cycle that followed it. See DESIGN.md for why this is the chosen
	// reading of the ambiguous original behavior.
	StickyTraceAfterSync bool
}

// Selector tracks recent cycle durations per mode and adaptively chooses
// the next one, mirroring a scheduler picking among weighted strategies
// rather than a fixed rotation.
type Selector struct {
	cfg       ModeConfig
	history   [2][nSamples]int64 // nanoseconds, ring buffer per Mode
	count     [2]int
	next      [2]int // ring cursor per Mode
	gotSynced bool    // a synchronous GC forced TRACE this cycle
}

// NewSelector creates a mode selector with the given configuration.
func NewSelector(cfg ModeConfig) *Selector {
	return &Selector{cfg: cfg}
}

// RequestSync records that the next cycle must be a synchronous,
// TRACE-forcing collection (user request or OOM pressure).
func (s *Selector) RequestSync() { s.gotSynced = true }

// Record appends a completed cycle's wall time to mode's history.
func (s *Selector) Record(mode Mode, durationNS int64) {
	i := int(mode)
	s.history[i][s.next[i]] = durationNS
	s.next[i] = (s.next[i] + 1) % nSamples
	if s.count[i] < nSamples {
		s.count[i]++
	}
}

func (s *Selector) average(mode Mode) float64 {
	i := int(mode)
	if s.count[i] == 0 {
		return 1 // no data yet: treat as cheap so it gets tried
	}
	var sum int64
	for j := 0; j < s.count[i]; j++ {
		sum += s.history[i][j]
	}
	return float64(sum) / float64(s.count[i])
}

// Next decides the mode for the upcoming cycle.
func (s *Selector) Next() Mode {
	if s.cfg.ForceRC {
		return ModeRC
	}
	if s.cfg.ForceTrace {
		return ModeTrace
	}
	if s.gotSynced {
		if !s.cfg.StickyTraceAfterSync {
			s.gotSynced = false
		}
		return ModeTrace
	}
	if s.cfg.RecommendOnlyRC {
		return ModeRC
	}

	rcAvg := s.average(ModeRC)
	traceAvg := s.average(ModeTrace)
	// Probability of picking TRACE is inversely proportional to its
	// relative cost: cheap mode, more likely.
	total := 1/rcAvg + 1/traceAvg
	pTrace := (1 / traceAvg) / total
	if rand.Float64() < pTrace {
		return ModeTrace
	}
	return ModeRC
}

// TriggerAdjustment computes the next gcTrigHigh (percent of total blocks
// free before a cycle starts) given how much slack the cycle that just
// ended left behind.
type TriggerConfig struct {
	InitialHighTrigMark int // percent, e.g. 20
	LowTrigDelta        int
	RaiseTrigInc        int
	LowerTrigDec        int
}

// Trigger tracks the live gcTrigHigh value and adjusts it after each
// cycle based on how much free space remained.
type Trigger struct {
	cfg     TriggerConfig
	current int
}

// NewTrigger starts at cfg's initial high-water mark.
func NewTrigger(cfg TriggerConfig) *Trigger {
	return &Trigger{cfg: cfg, current: cfg.InitialHighTrigMark}
}

// Percent returns the current trigger threshold as a percent of total
// blocks.
func (t *Trigger) Percent() int { return t.current }

// Adjust reacts to freeBlocksPercent observed right after a cycle: if it
// fell below the low-trigger delta, the next cycle should start sooner
// (lower the threshold's distance, i.e. raise urgency by increasing
// current); if there was plenty of slack, relax it.
func (t *Trigger) Adjust(freeBlocksPercent int) {
	if freeBlocksPercent < t.cfg.LowTrigDelta {
		t.current += t.cfg.RaiseTrigInc
	} else {
		t.current -= t.cfg.LowerTrigDec
	}
	if t.current < 1 {
		t.current = 1
	}
	if t.current > 100 {
		t.current = 100
	}
}
