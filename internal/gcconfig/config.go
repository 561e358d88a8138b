// Package gcconfig loads and hot-reloads the collector's tuning file: a
// text file of "option value" pairs covering mode selection,
// trigger thresholds, and scheduling priorities.
package gcconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the version this build of the collector stamps into a
// freshly written config file and checks an existing one against.
const SchemaVersion = "1.0.0"

// compatRange is the set of schema_version values this build accepts from
// an on-disk config file. A config newer than this build's compatRange
// (a future major bump) is rejected rather than silently misread.
var compatRange = mustConstraint(">=1.0.0, <2.0.0")

func mustConstraint(expr string) *semver.Constraints {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// ConfigError reports a malformed config file or an incompatible schema
// version: a struct-typed error carrying the offending path, an optional
// line number, and a message, rather than a bare string.
type ConfigError struct {
	Path string
	Line int // 0 when not line-specific
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("gcconfig: %s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("gcconfig: %s: %s", e.Path, e.Msg)
}

// Config is the full set of tunables the collector exposes for tuning.
// Zero values are never meaningful on their own; use Default to get a
// populated Config before overriding fields or parsing a file on top of it.
type Config struct {
	SchemaVersion string

	// Mode selection.
	RecommendOnlyRCGC    bool
	UseOnlyRCGC          bool
	UseOnlyTracingGC     bool
	StickyTraceAfterSync bool

	// Trigger thresholds.
	ListBlkWorth        int
	UserBuffTrig        int
	InitialHighTrigMark int
	LowTrigDelta        int
	RaiseTrigInc        int
	LowerTrigDec        int

	// Scheduling priorities.
	UniPrio   int
	MultiPrio int

	// Verbose gates the fmt.Printf-style debug output used throughout
	// this module, the same plain on/off debug flag allocator and
	// runtime code elsewhere favor over a structured logging library.
	Verbose bool
}

// Default returns the factory tuning, matching the original's compiled-in
// constants (original_source/code/rcgc.c's gotIntoSync default and the
// block-manager's worth-reclaiming threshold).
func Default() *Config {
	return &Config{
		SchemaVersion:        SchemaVersion,
		RecommendOnlyRCGC:    true,
		UseOnlyRCGC:          false,
		UseOnlyTracingGC:     false,
		StickyTraceAfterSync: true,
		ListBlkWorth:         4,
		UserBuffTrig:         64,
		InitialHighTrigMark:  1 << 20,
		LowTrigDelta:         1 << 16,
		RaiseTrigInc:         1 << 18,
		LowerTrigDec:         1 << 17,
		UniPrio:              0,
		MultiPrio:            0,
		Verbose:              false,
	}
}

// Load reads and parses the config file at path, starting from Default so
// a file that only overrides a few options leaves the rest at factory
// values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(path, f)
}

// Parse reads "option value" pairs from r, applying them on top of
// Default. path is used only for error messages.
func Parse(path string, r io.Reader) (*Config, error) {
	cfg := Default()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, &ConfigError{Path: path, Line: lineNo, Msg: "expected \"option value\""}
		}
		if err := cfg.apply(fields[0], fields[1]); err != nil {
			return nil, &ConfigError{Path: path, Line: lineNo, Msg: err.Error()}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := checkSchema(cfg.SchemaVersion); err != nil {
		return nil, &ConfigError{Path: path, Msg: err.Error()}
	}
	return cfg, nil
}

func checkSchema(v string) error {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", v, err)
	}
	if !compatRange.Check(sv) {
		return fmt.Errorf("schema_version %s is not compatible with this build (%s)", v, compatRange)
	}
	return nil
}

func (c *Config) apply(option, value string) error {
	switch option {
	case "schema_version":
		c.SchemaVersion = value
	case "recommend_only_rcgc":
		return setBool(&c.RecommendOnlyRCGC, value)
	case "use_only_rcgc":
		return setBool(&c.UseOnlyRCGC, value)
	case "use_only_tracing_gc":
		return setBool(&c.UseOnlyTracingGC, value)
	case "sticky_trace_after_sync":
		return setBool(&c.StickyTraceAfterSync, value)
	case "list_blk_worth":
		return setInt(&c.ListBlkWorth, value)
	case "user_buff_trig":
		return setInt(&c.UserBuffTrig, value)
	case "initial_high_trig_mark":
		return setInt(&c.InitialHighTrigMark, value)
	case "low_trig_delta":
		return setInt(&c.LowTrigDelta, value)
	case "raise_trig_inc":
		return setInt(&c.RaiseTrigInc, value)
	case "lower_trig_dec":
		return setInt(&c.LowerTrigDec, value)
	case "uni_prio":
		return setInt(&c.UniPrio, value)
	case "multi_prio":
		return setInt(&c.MultiPrio, value)
	case "verbose":
		return setBool(&c.Verbose, value)
	default:
		return fmt.Errorf("unknown option %q", option)
	}
	return nil
}

func setBool(dst *bool, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("not a bool: %q", value)
	}
	*dst = v
	return nil
}

func setInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an int: %q", value)
	}
	*dst = v
	return nil
}

// debugf prints a Verbose-gated debug line: a plain fmt.Printf rather
// than a structured logger, since Verbose is off by default anyway.
func (c *Config) debugf(format string, args ...any) {
	if !c.Verbose {
		return
	}
	fmt.Printf("gcconfig: "+format+"\n", args...)
}
