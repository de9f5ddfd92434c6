package colorize

import (
	"strings"
	"testing"
)

func TestDisabled(t *testing.T) {
	t.Setenv("ANISETTE_NO_COLOR", "1")
	if got := Address(0x1234); got != "00001234" {
		t.Errorf("Address = %q", got)
	}
	if got := Instruction("ret"); got != "ret" {
		t.Errorf("Instruction = %q", got)
	}
	if got := Value("abc"); got != "abc" {
		t.Errorf("Value = %q", got)
	}
}

func TestEnabled(t *testing.T) {
	t.Setenv("ANISETTE_NO_COLOR", "")
	t.Setenv("NO_COLOR", "")
	got := FuncName("malloc")
	if !strings.HasPrefix(got, "\033[38;2;255;200;0m") || !strings.Contains(got, "malloc") {
		t.Errorf("FuncName = %q", got)
	}
	if insn := Instruction("mov x0, #0x1"); !strings.Contains(insn, "mov") {
		t.Errorf("Instruction lost text: %q", insn)
	}
	if DisasmDark.Name != "anisette-disasm" {
		t.Errorf("style name = %q", DisasmDark.Name)
	}
}
