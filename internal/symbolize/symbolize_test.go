package symbolize

import (
	"debug/elf"
	"testing"

	"disview/internal/disasm"
	"disview/internal/elfx"
)

// rodataImage maps data at 0x2000 as read-only and defines main
// (0x1000..0x100c) and _Z3fooi (0x3000..0x3020).
func rodataImage(data []byte) *elfx.Image {
	return &elfx.Image{
		All:    data,
		Loads:  []elfx.Seg{{Vaddr: 0x2000, Off: 0, Filesz: uint64(len(data)), Flags: elf.PF_R}},
		Rodata: elfx.Section{Name: ".rodata", VA: 0x2000, Size: uint64(len(data))},
		Syms: []elfx.Sym{
			{Name: "main", Addr: 0x1000, Size: 0xc, Func: true},
			{Name: "_Z3fooi", Addr: 0x3000, Size: 0x20, Func: true},
		},
	}
}

func reg(name string) disasm.Operand { return disasm.Operand{Kind: disasm.OpReg, Text: name} }
func imm(text string) disasm.Operand { return disasm.Operand{Kind: disasm.OpImm, Text: text} }

func TestLabelForms(t *testing.T) {
	r := NewResolver(rodataImage(make([]byte, 0x40)))

	tests := []struct {
		name   string
		addr   uint64
		want   string
		wantOK bool
	}{
		{"exact", 0x1000, "main", true},
		{"offset", 0x1008, "main+0x8", true},
		{"demangled", 0x3000, "foo(int)", true},
		{"demangled offset", 0x3004, "foo(int)+0x4", true},
		{"before first", 0xf00, "", false},
		{"gap past sized symbol", 0x3040, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Label(tt.addr)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Label(%#x) = %q, %v, want %q, %v", tt.addr, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestLabelMemoized(t *testing.T) {
	r := NewResolver(rodataImage(nil))
	for i := 0; i < 3; i++ {
		if got, ok := r.Label(0x1008); !ok || got != "main+0x8" {
			t.Fatalf("Label = %q, %v", got, ok)
		}
	}
	if n := r.labels.Len(); n != 1 {
		t.Errorf("label cache holds %d entries, want 1", n)
	}
}

func TestNilResolver(t *testing.T) {
	var r *Resolver
	if _, ok := r.Label(0x1000); ok {
		t.Error("nil resolver resolved a label")
	}
	if got := r.Demangle("_Z3fooi"); got != "_Z3fooi" {
		t.Errorf("nil resolver demangled to %q", got)
	}
	r.Annotate(disasm.Stream{{Addr: 0x1000, Raw: make([]byte, 4)}})
}

func TestLookupName(t *testing.T) {
	r := NewResolver(rodataImage(nil))

	if addr, ok := r.LookupName("_Z3fooi"); !ok || addr != 0x3000 {
		t.Errorf("LookupName(mangled) = %#x, %v", addr, ok)
	}
	if addr, ok := r.LookupName("foo(int)"); !ok || addr != 0x3000 {
		t.Errorf("LookupName(demangled) = %#x, %v", addr, ok)
	}
	if _, ok := r.LookupName("absent"); ok {
		t.Error("LookupName(absent) succeeded")
	}
}

func TestAnnotateBranchTargets(t *testing.T) {
	r := NewResolver(rodataImage(nil))
	foo := uint64(0x3000)
	mid := uint64(0x1004)

	ins := disasm.Stream{
		{Addr: 0x1000, Raw: make([]byte, 4), Mnemonic: "bl", Target: &foo},
		{Addr: 0x1004, Raw: make([]byte, 4), Mnemonic: "b.ne", Target: &mid},
		{Addr: 0x1008, Raw: make([]byte, 4), Mnemonic: "b", Target: &foo},
	}
	r.Annotate(ins)

	if ins[0].Annotation != "<foo(int)>" {
		t.Errorf("call annotation = %q, want <foo(int)>", ins[0].Annotation)
	}
	// Conditional branch into the middle of a function stays quiet.
	if ins[1].Annotation != "" {
		t.Errorf("local branch annotation = %q, want empty", ins[1].Annotation)
	}
	// Tail jump to a function entry is labeled.
	if ins[2].Annotation != "<foo(int)>" {
		t.Errorf("tail jump annotation = %q, want <foo(int)>", ins[2].Annotation)
	}
}

func TestAnnotateFuncBoundaries(t *testing.T) {
	r := NewResolver(rodataImage(nil))
	ins := disasm.Stream{
		{Addr: 0x1000, Raw: make([]byte, 4), Mnemonic: "stp"},
		{Addr: 0x1004, Raw: make([]byte, 4), Mnemonic: "nop"},
		{Addr: 0x1008, Raw: make([]byte, 4), Mnemonic: "ret"},
	}
	r.Annotate(ins)

	if !ins[0].Flags.Has(disasm.FlagFuncStart) || !ins[0].Flags.Has(disasm.FlagFuncLabel) {
		t.Errorf("first row flags = %v, want start+label", ins[0].Flags)
	}
	if ins[1].Flags.Has(disasm.FlagFuncStart) || ins[1].Flags.Has(disasm.FlagFuncEnd) {
		t.Errorf("middle row flags = %v, want none", ins[1].Flags)
	}
	if !ins[2].Flags.Has(disasm.FlagFuncEnd) {
		t.Errorf("last row flags = %v, want end", ins[2].Flags)
	}
}

func TestAnnotateADRPStringPreview(t *testing.T) {
	data := make([]byte, 0x40)
	copy(data[0x00:], "hello\x00")
	copy(data[0x10:], "hi there\x00")
	r := NewResolver(rodataImage(data))

	ins := disasm.Stream{
		{Addr: 0x1000, Raw: make([]byte, 4), Mnemonic: "adrp",
			Operands: []disasm.Operand{reg("x1"), {Kind: disasm.OpAddr, Text: ".+0x1000"}}},
		{Addr: 0x1004, Raw: make([]byte, 4), Mnemonic: "add",
			Operands: []disasm.Operand{reg("x1"), reg("x1"), imm("#0x10")}},
	}
	r.Annotate(ins)

	if ins[0].Annotation != "" {
		t.Errorf("adrp annotation = %q, want empty", ins[0].Annotation)
	}
	if ins[1].Annotation != `"hi there"` {
		t.Errorf("add annotation = %q, want \"hi there\"", ins[1].Annotation)
	}
}

func TestAnnotateInvalidatesPageOnOverwrite(t *testing.T) {
	data := make([]byte, 0x40)
	copy(data, "hello\x00")
	r := NewResolver(rodataImage(data))

	ins := disasm.Stream{
		{Addr: 0x1000, Raw: make([]byte, 4), Mnemonic: "adrp",
			Operands: []disasm.Operand{reg("x1"), {Kind: disasm.OpAddr, Text: ".+0x1000"}}},
		{Addr: 0x1004, Raw: make([]byte, 4), Mnemonic: "mov",
			Operands: []disasm.Operand{reg("x1"), reg("x2")}},
		{Addr: 0x1008, Raw: make([]byte, 4), Mnemonic: "add",
			Operands: []disasm.Operand{reg("x1"), reg("x1"), imm("#0x0")}},
	}
	r.Annotate(ins)

	if ins[2].Annotation != "" {
		t.Errorf("add after overwrite annotated %q", ins[2].Annotation)
	}
}

func TestAnnotateRipRelative(t *testing.T) {
	data := make([]byte, 0x40)
	copy(data, "hello\x00")
	r := NewResolver(rodataImage(data))

	ins := disasm.Stream{
		{Addr: 0x1000, Raw: make([]byte, 7), Mnemonic: "lea",
			Operands: []disasm.Operand{reg("rsi"), {Kind: disasm.OpMem, Text: "[rip+0xff9]"}}},
	}
	r.Annotate(ins)

	if ins[0].Annotation != `"hello"` {
		t.Errorf("lea annotation = %q, want \"hello\"", ins[0].Annotation)
	}
}

func TestStringPreviewRequiresTerminator(t *testing.T) {
	data := make([]byte, 0x40)
	for i := range data {
		data[i] = 'A'
	}
	r := NewResolver(rodataImage(data))
	if s, ok := r.stringPreview(0x2000); ok {
		t.Errorf("unterminated run previewed as %q", s)
	}
}

func TestEscapeUnprintable(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain", []byte("hello"), "hello"},
		{"control", []byte("a\x07b"), `a\u0007b`},
		{"invalid utf8", []byte{0x68, 0xff}, `h\xFF`},
		{"unicode", []byte("héllo"), "héllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeUnprintable(tt.in); got != tt.want {
				t.Errorf("EscapeUnprintable(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
