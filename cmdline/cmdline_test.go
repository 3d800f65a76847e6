package cmdline

import "testing"

func TestParseBasicKeyValue(t *testing.T) {
	c := Parse("smp=4 console=com1")
	if got := c.GetStr("console", ""); got != "com1" {
		t.Fatalf("console = %q, want com1", got)
	}
	if got := c.GetUint("smp", 0); got != 4 {
		t.Fatalf("smp = %d, want 4", got)
	}
}

func TestParseQuotedValueMayContainSpaces(t *testing.T) {
	c := Parse(`modules="/boot/mods with spaces" quiet=1`)
	if got := c.GetStr("modules", ""); got != "/boot/mods with spaces" {
		t.Fatalf("modules = %q, want %q", got, "/boot/mods with spaces")
	}
	if !c.Has("quiet") {
		t.Fatalf("quiet not recorded as present")
	}
}

func TestParseHexUint(t *testing.T) {
	c := Parse("base=0xdead1000")
	if got := c.GetUint("base", 0); got != 0xdead1000 {
		t.Fatalf("base = %#x, want 0xdead1000", got)
	}
}

func TestParseIgnoresTokensWithoutEquals(t *testing.T) {
	c := Parse("freestanding key=value another_bare_word")
	if c.Has("freestanding") {
		t.Fatalf("bare token without '=' should not be recorded")
	}
	if got := c.GetStr("key", ""); got != "value" {
		t.Fatalf("key = %q, want value", got)
	}
}

func TestGetUintFallback(t *testing.T) {
	c := Parse("a=notanumber")
	if got := c.GetUint("a", 99); got != 99 {
		t.Fatalf("GetUint on unparsable value = %d, want fallback 99", got)
	}
	if got := c.GetUint("missing", 7); got != 7 {
		t.Fatalf("GetUint on missing key = %d, want fallback 7", got)
	}
}

func TestGetIntSignedValue(t *testing.T) {
	c := Parse("offset=-42")
	if got := c.GetInt("offset", 0); got != -42 {
		t.Fatalf("offset = %d, want -42", got)
	}
}

func TestModuleEnabledDefaultsToTrue(t *testing.T) {
	c := Parse("smp=4")
	if !c.ModuleEnabled("e1000") {
		t.Fatalf("module absent from cmdline should default to enabled")
	}
}

func TestModuleEnabledDisabledByZero(t *testing.T) {
	c := Parse("e1000=0 smp=2")
	if c.ModuleEnabled("e1000") {
		t.Fatalf("name=0 should disable the module")
	}
	if !c.ModuleEnabled("smp") {
		t.Fatalf("non-zero value should leave the module enabled")
	}
}

func TestLaterKeyWins(t *testing.T) {
	c := Parse("x=1 x=2")
	if got := c.GetUint("x", 0); got != 2 {
		t.Fatalf("x = %d, want 2 (last occurrence wins)", got)
	}
}
