package gcconfig

import (
	"strings"
	"testing"
)

func TestParseOverridesDefaults(t *testing.T) {
	src := `
# comment lines and blanks are ignored

schema_version 1.0.0
use_only_rcgc true
list_blk_worth 9
uni_prio 3
`
	cfg, err := Parse("test.conf", strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.UseOnlyRCGC {
		t.Error("UseOnlyRCGC should be true")
	}
	if cfg.ListBlkWorth != 9 {
		t.Errorf("ListBlkWorth = %d, want 9", cfg.ListBlkWorth)
	}
	if cfg.UniPrio != 3 {
		t.Errorf("UniPrio = %d, want 3", cfg.UniPrio)
	}
	// Untouched fields keep their Default value.
	if cfg.UserBuffTrig != Default().UserBuffTrig {
		t.Errorf("UserBuffTrig = %d, want default %d", cfg.UserBuffTrig, Default().UserBuffTrig)
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse("test.conf", strings.NewReader("use_only_rcgc\n"))
	if err == nil {
		t.Fatal("expected an error for a one-field line")
	}
}

func TestParseRejectsUnknownOption(t *testing.T) {
	_, err := Parse("test.conf", strings.NewReader("not_a_real_option 1\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown option")
	}
}

func TestParseRejectsIncompatibleSchema(t *testing.T) {
	_, err := Parse("test.conf", strings.NewReader("schema_version 2.0.0\n"))
	if err == nil {
		t.Fatal("expected an error for a future-major schema_version")
	}
}

func TestParseRejectsNonBoolValue(t *testing.T) {
	_, err := Parse("test.conf", strings.NewReader("use_only_rcgc maybe\n"))
	if err == nil {
		t.Fatal("expected an error for a non-bool value")
	}
}
