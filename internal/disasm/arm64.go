package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// ARM64 decodes fixed-width A64 instructions.
type ARM64 struct{}

// Disassemble decodes buf four bytes at a time. Undecodable words
// degrade to ".inst 0x…" placeholders so one bad word never discards
// the chunk.
func (ARM64) Disassemble(buf []byte, base uint64) (Stream, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("arm64: buffer too short (%d bytes)", len(buf))
	}
	out := make(Stream, 0, len(buf)/4)
	for off := 0; off+4 <= len(buf); off += 4 {
		pc := base + uint64(off)
		raw := append([]byte(nil), buf[off:off+4]...)

		inst, err := arm64asm.Decode(raw)
		if err != nil {
			word := binary.LittleEndian.Uint32(raw)
			out = append(out, Inst{
				Addr:     pc,
				Raw:      raw,
				Mnemonic: ".inst",
				Operands: []Operand{{Kind: OpImm, Text: fmt.Sprintf("0x%08x", word)}},
			})
			continue
		}
		out = append(out, arm64Inst(inst, pc, raw))
	}
	return out, nil
}

func arm64Inst(inst arm64asm.Inst, pc uint64, raw []byte) Inst {
	instStr := strings.ToLower(inst.String())
	parts := strings.SplitN(instStr, " ", 2)

	in := Inst{Addr: pc, Raw: raw, Mnemonic: parts[0]}
	if len(parts) > 1 {
		in.Operands = splitOperands(parts[1])
	}

	// Branch targets come from the decoder, not from scraping text.
	// ADR/ADRP and literal loads also carry PCRel args, so only the
	// branch op families set Target.
	opStr := inst.Op.String()
	if strings.HasPrefix(opStr, "B") || strings.HasPrefix(opStr, "CB") || strings.HasPrefix(opStr, "TB") {
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if pcRel, ok := arg.(arm64asm.PCRel); ok {
				target := uint64(int64(pc) + int64(pcRel))
				in.Target = &target
				rewriteRelOperand(in.Operands, target)
				break
			}
		}
	}
	return in
}

// rewriteRelOperand replaces the ".+0x…" relative form with the
// absolute address so rows read the way a debugger listing does.
func rewriteRelOperand(ops []Operand, target uint64) {
	for i, op := range ops {
		if strings.HasPrefix(op.Text, ".+") || strings.HasPrefix(op.Text, ".-") || op.Text == "." {
			ops[i] = Operand{Kind: OpAddr, Text: fmt.Sprintf("0x%x", target)}
			return
		}
	}
}
