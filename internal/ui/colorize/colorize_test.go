package colorize

import (
	"strings"
	"testing"
)

func TestDisabledPassthrough(t *testing.T) {
	t.Setenv("DISVIEW_NO_COLOR", "1")

	const line = "mov x0, x1"
	if got := Instruction(line); got != line {
		t.Errorf("Instruction = %q, want %q", got, line)
	}
	if got := Address("401000"); got != "401000" {
		t.Errorf("Address = %q, want plain", got)
	}
	if got := Annotation("; <main>"); got != "; <main>" {
		t.Errorf("Annotation = %q, want plain", got)
	}
	got, err := Assembly("nop\nret\n")
	if err != nil || got != "nop\nret\n" {
		t.Errorf("Assembly = %q, %v, want plain passthrough", got, err)
	}
}

func TestInstructionPreservesVisibleText(t *testing.T) {
	t.Setenv("DISVIEW_NO_COLOR", "")
	t.Setenv("NO_COLOR", "")

	for _, line := range []string{
		"ldr x0, [x1, #0x10]",
		"bl 0x401000",
		"mov rax, rdi",
	} {
		if got := StripANSI(Instruction(line)); got != line {
			t.Errorf("StripANSI(Instruction(%q)) = %q", line, got)
		}
	}
}

func TestAddressIsColored(t *testing.T) {
	t.Setenv("DISVIEW_NO_COLOR", "")
	t.Setenv("NO_COLOR", "")

	got := Address("401000")
	if !strings.HasPrefix(got, "\x1b[") {
		t.Errorf("Address = %q, want escape-prefixed", got)
	}
	if StripANSI(got) != "401000" {
		t.Errorf("StripANSI(Address) = %q, want 401000", StripANSI(got))
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"\x1b[38;2;1;2;3mfoo\x1b[0m", "foo"},
		{"a\x1b[31mb\x1b[0mc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripANSI(tt.in); got != tt.want {
			t.Errorf("StripANSI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDisasmStyleRegistered(t *testing.T) {
	if DisasmDark == nil {
		t.Fatal("DisasmDark not built")
	}
	if got := disasmStyle(); got.Name != "disasm-dark" {
		t.Errorf("disasmStyle picked %q, want disasm-dark", got.Name)
	}
}
