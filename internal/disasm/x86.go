package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// X86 decodes x86-64 instructions.
type X86 struct{}

// Disassemble decodes buf in 64-bit mode. Undecodable bytes advance
// one byte at a time as "(bad)" placeholders, the way objdump resyncs.
func (X86) Disassemble(buf []byte, base uint64) (Stream, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("x86: empty buffer")
	}
	var out Stream
	off := 0
	for off < len(buf) {
		pc := base + uint64(off)
		inst, err := x86asm.Decode(buf[off:], 64)
		if err != nil || inst.Len == 0 {
			out = append(out, Inst{
				Addr:     pc,
				Raw:      []byte{buf[off]},
				Mnemonic: "(bad)",
			})
			off++
			continue
		}
		raw := append([]byte(nil), buf[off:off+inst.Len]...)
		out = append(out, x86Inst(inst, pc, raw))
		off += inst.Len
	}
	return out, nil
}

func x86Inst(inst x86asm.Inst, pc uint64, raw []byte) Inst {
	in := Inst{Addr: pc, Raw: raw, Mnemonic: strings.ToLower(inst.Op.String())}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		// Rel operands are relative to the next instruction; resolve
		// them so rows and the arrow router see absolute addresses.
		if rel, ok := arg.(x86asm.Rel); ok {
			target := uint64(int64(pc) + int64(inst.Len) + int64(rel))
			in.Target = &target
			in.Operands = append(in.Operands, Operand{Kind: OpAddr, Text: fmt.Sprintf("0x%x", target)})
			continue
		}
		in.Operands = append(in.Operands, classifyOperand(strings.ToLower(arg.String())))
	}
	return in
}
