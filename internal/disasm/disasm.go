// Package disasm defines a common instruction representation used
// across architecture-specific disassemblers, plus decoders for arm64
// and x86-64 and a parser for service-provided listing lines.
package disasm

import (
	"strconv"
	"strings"
)

// OpKind classifies a single operand for renderers that color or
// inspect operands individually.
type OpKind int

const (
	OpOther OpKind = iota
	OpReg
	OpImm
	OpMem
	OpAddr
	OpCond
)

// Operand is one operand of a decoded instruction.
type Operand struct {
	Kind OpKind
	Text string
}

// Flag bits derived from external breakpoint and symbol state. Flags
// are recomputed into copies of instructions; buffered instructions
// stay pristine.
type Flag uint8

const (
	FlagBreakpoint Flag = 1 << iota
	FlagSWBreakpoint
	FlagFuncLabel
	FlagFuncStart
	FlagFuncEnd
)

// Has reports whether all bits in f are set.
func (fl Flag) Has(f Flag) bool { return fl&f == f }

// Inst is a simplified decoded instruction.
type Inst struct {
	Addr       uint64    // virtual address of instruction
	Raw        []byte    // raw encoding
	Mnemonic   string    // mnemonic in lowercase
	Operands   []Operand // ordered operand list
	Target     *uint64   // absolute branch/call target, when statically known
	Annotation string    // advisory comment (symbol, string literal)
	Flags      Flag
}

// Size returns the encoded length in bytes.
func (in Inst) Size() int { return len(in.Raw) }

// Next returns the address of the following instruction.
func (in Inst) Next() uint64 { return in.Addr + uint64(len(in.Raw)) }

// OpsText joins the operand texts the way a listing prints them.
func (in Inst) OpsText() string {
	if len(in.Operands) == 0 {
		return ""
	}
	parts := make([]string, len(in.Operands))
	for i, op := range in.Operands {
		parts[i] = op.Text
	}
	return strings.Join(parts, ", ")
}

// Text returns "mnemonic operands" as a single lowercase line.
func (in Inst) Text() string {
	ops := in.OpsText()
	if ops == "" {
		return in.Mnemonic
	}
	return in.Mnemonic + " " + ops
}

// IsReturn reports whether the instruction returns from a call.
func (in Inst) IsReturn() bool {
	switch in.Mnemonic {
	case "ret", "retaa", "retab", "eret":
		return true
	}
	return false
}

// IsCall reports whether the instruction is a direct or indirect call.
func (in Inst) IsCall() bool {
	switch in.Mnemonic {
	case "bl", "blr", "call", "lcall":
		return true
	}
	return false
}

// IsConditional reports whether the control transfer depends on flags
// or register state.
func (in Inst) IsConditional() bool {
	m := in.Mnemonic
	if strings.HasPrefix(m, "b.") {
		return true
	}
	switch m {
	case "cbz", "cbnz", "tbz", "tbnz":
		return true
	}
	// x86 conditional jumps: everything j* except jmp.
	if strings.HasPrefix(m, "j") && m != "jmp" {
		return true
	}
	switch m {
	case "loop", "loope", "loopne":
		return true
	}
	return false
}

// IsBranch reports whether the instruction transfers control at all:
// jumps, calls and returns included.
func (in Inst) IsBranch() bool {
	if in.IsReturn() || in.IsCall() {
		return true
	}
	m := in.Mnemonic
	if m == "b" || m == "br" || m == "jmp" {
		return true
	}
	return in.IsConditional()
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// End returns the address one past the last instruction, or 0 for an
// empty stream.
func (s Stream) End() uint64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].Next()
}

// Disassembler turns raw bytes at a base address into a Stream.
// Implementations must keep addresses strictly increasing and must
// degrade undecodable bytes into placeholder instructions instead of
// failing the whole buffer.
type Disassembler interface {
	Disassemble(buf []byte, base uint64) (Stream, error)
}

// Func adapts a plain function to the Disassembler interface.
type Func func(buf []byte, base uint64) (Stream, error)

// Disassemble calls f.
func (f Func) Disassemble(buf []byte, base uint64) (Stream, error) { return f(buf, base) }

// Registers is a register snapshot as reported by a stopped target:
// lowercase name to hex string, e.g. "x30" -> "0x4000" or "pc" -> "4000".
type Registers map[string]string

// Uint parses the named register as an address. Missing or
// unparseable values report false.
func (r Registers) Uint(name string) (uint64, bool) {
	s, ok := r[strings.ToLower(name)]
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
