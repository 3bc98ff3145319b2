package disasm

import (
	"testing"
)

func TestARM64Disassemble(t *testing.T) {
	// ret; nop; b 0x1010; bl 0x1010; cbz x0, 0x1018
	code := []byte{
		0xc0, 0x03, 0x5f, 0xd6, // 0x1000: ret
		0x1f, 0x20, 0x03, 0xd5, // 0x1004: nop
		0x02, 0x00, 0x00, 0x14, // 0x1008: b   .+8
		0x01, 0x00, 0x00, 0x94, // 0x100c: bl  .+4
		0x40, 0x00, 0x00, 0xb4, // 0x1010: cbz x0, .+8
	}
	ins, err := ARM64{}.Disassemble(code, 0x1000)
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if len(ins) != 5 {
		t.Fatalf("got %d instructions, want 5", len(ins))
	}

	for i, in := range ins {
		wantAddr := uint64(0x1000 + 4*i)
		if in.Addr != wantAddr {
			t.Errorf("ins[%d].Addr = %#x, want %#x", i, in.Addr, wantAddr)
		}
		if in.Size() != 4 {
			t.Errorf("ins[%d].Size = %d, want 4", i, in.Size())
		}
	}

	tests := []struct {
		idx      int
		mnemonic string
		target   uint64 // 0 = no target expected
	}{
		{0, "ret", 0},
		{1, "nop", 0},
		{2, "b", 0x1010},
		{3, "bl", 0x1010},
		{4, "cbz", 0x1018},
	}
	for _, tt := range tests {
		in := ins[tt.idx]
		if in.Mnemonic != tt.mnemonic {
			t.Errorf("ins[%d].Mnemonic = %q, want %q", tt.idx, in.Mnemonic, tt.mnemonic)
		}
		if tt.target == 0 {
			if in.Target != nil {
				t.Errorf("ins[%d] has unexpected target %#x", tt.idx, *in.Target)
			}
			continue
		}
		if in.Target == nil {
			t.Errorf("ins[%d] missing target, want %#x", tt.idx, tt.target)
		} else if *in.Target != tt.target {
			t.Errorf("ins[%d].Target = %#x, want %#x", tt.idx, *in.Target, tt.target)
		}
	}

	if ins[0].Next() != 0x1004 {
		t.Errorf("Next = %#x, want 0x1004", ins[0].Next())
	}
}

func TestARM64ShortBuffer(t *testing.T) {
	if _, err := (ARM64{}).Disassemble([]byte{0xc0, 0x03}, 0x1000); err == nil {
		t.Error("expected error for short buffer")
	}
}

func TestX86Disassemble(t *testing.T) {
	// ret; nop; jmp +5; je -2; call +0
	code := []byte{
		0xc3,                         // 0x400000: ret
		0x90,                         // 0x400001: nop
		0xeb, 0x05,                   // 0x400002: jmp 0x400009
		0x74, 0xfe,                   // 0x400004: je  0x400004
		0xe8, 0x00, 0x00, 0x00, 0x00, // 0x400006: call 0x40000b
	}
	ins, err := X86{}.Disassemble(code, 0x400000)
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if len(ins) != 5 {
		t.Fatalf("got %d instructions, want 5", len(ins))
	}

	tests := []struct {
		idx      int
		addr     uint64
		size     int
		mnemonic string
		target   uint64
	}{
		{0, 0x400000, 1, "ret", 0},
		{1, 0x400001, 1, "nop", 0},
		{2, 0x400002, 2, "jmp", 0x400009},
		{3, 0x400004, 2, "je", 0x400004},
		{4, 0x400006, 5, "call", 0x40000b},
	}
	for _, tt := range tests {
		in := ins[tt.idx]
		if in.Addr != tt.addr {
			t.Errorf("ins[%d].Addr = %#x, want %#x", tt.idx, in.Addr, tt.addr)
		}
		if in.Size() != tt.size {
			t.Errorf("ins[%d].Size = %d, want %d", tt.idx, in.Size(), tt.size)
		}
		if in.Mnemonic != tt.mnemonic {
			t.Errorf("ins[%d].Mnemonic = %q, want %q", tt.idx, in.Mnemonic, tt.mnemonic)
		}
		if tt.target != 0 {
			if in.Target == nil {
				t.Errorf("ins[%d] missing target, want %#x", tt.idx, tt.target)
			} else if *in.Target != tt.target {
				t.Errorf("ins[%d].Target = %#x, want %#x", tt.idx, *in.Target, tt.target)
			}
		}
	}
}

func TestX86BadByteResync(t *testing.T) {
	// A truncated two-byte opcode at the tail degrades to (bad)
	// instead of failing the chunk.
	ins, err := X86{}.Disassemble([]byte{0xc3, 0x0f}, 0x1000)
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if len(ins) != 2 {
		t.Fatalf("got %d instructions, want 2", len(ins))
	}
	if ins[1].Mnemonic != "(bad)" {
		t.Errorf("ins[1].Mnemonic = %q, want %q", ins[1].Mnemonic, "(bad)")
	}
	if ins[1].Size() != 1 {
		t.Errorf("ins[1].Size = %d, want 1", ins[1].Size())
	}
}

func TestBranchClassification(t *testing.T) {
	tests := []struct {
		mnemonic    string
		branch      bool
		conditional bool
		call        bool
		ret         bool
	}{
		{"b", true, false, false, false},
		{"b.ne", true, true, false, false},
		{"bl", true, false, true, false},
		{"blr", true, false, true, false},
		{"br", true, false, false, false},
		{"cbz", true, true, false, false},
		{"tbnz", true, true, false, false},
		{"ret", true, false, false, true},
		{"jmp", true, false, false, false},
		{"je", true, true, false, false},
		{"call", true, false, true, false},
		{"mov", false, false, false, false},
		{"ldr", false, false, false, false},
		{"add", false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.mnemonic, func(t *testing.T) {
			in := Inst{Mnemonic: tt.mnemonic}
			if got := in.IsBranch(); got != tt.branch {
				t.Errorf("IsBranch = %v, want %v", got, tt.branch)
			}
			if got := in.IsConditional(); got != tt.conditional {
				t.Errorf("IsConditional = %v, want %v", got, tt.conditional)
			}
			if got := in.IsCall(); got != tt.call {
				t.Errorf("IsCall = %v, want %v", got, tt.call)
			}
			if got := in.IsReturn(); got != tt.ret {
				t.Errorf("IsReturn = %v, want %v", got, tt.ret)
			}
		})
	}
}

func TestRegistersUint(t *testing.T) {
	regs := Registers{"x30": "0x4000", "pc": "1004", "sp": "", "x0": "zz"}
	tests := []struct {
		name string
		want uint64
		ok   bool
	}{
		{"x30", 0x4000, true},
		{"X30", 0x4000, true},
		{"pc", 0x1004, true},
		{"sp", 0, false},
		{"x0", 0, false},
		{"x9", 0, false},
	}
	for _, tt := range tests {
		got, ok := regs.Uint(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Uint(%q) = %#x, %v; want %#x, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
