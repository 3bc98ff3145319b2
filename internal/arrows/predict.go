package arrows

import (
	"strconv"
	"strings"

	"disview/internal/disasm"
)

// arm64 NZCV bits in cpsr/pstate and x86 EFLAGS bits.
const (
	pstateN = 1 << 31
	pstateZ = 1 << 30
	pstateC = 1 << 29
	pstateV = 1 << 28

	eflagCF = 1 << 0
	eflagPF = 1 << 2
	eflagZF = 1 << 6
	eflagSF = 1 << 7
	eflagOF = 1 << 11
)

// PredictNext returns the address execution reaches after the stopped
// instruction, evaluating condition codes, register-indirect targets,
// and return addresses from the live registers. ok is false when the
// needed registers are unavailable.
func PredictNext(in disasm.Inst, regs disasm.Registers) (uint64, bool) {
	m := in.Mnemonic
	switch {
	case m == "b" || m == "bl" || m == "jmp" || m == "call":
		if in.Target != nil {
			return *in.Target, true
		}
		return operandReg(in, regs)
	case m == "br" || m == "blr":
		return operandReg(in, regs)
	case in.IsReturn():
		return returnTarget(in, regs)
	case strings.HasPrefix(m, "b.") && in.Target != nil:
		taken, ok := arm64Cond(strings.TrimPrefix(m, "b."), regs)
		if !ok {
			return 0, false
		}
		if taken {
			return *in.Target, true
		}
		return in.Next(), true
	case (m == "cbz" || m == "cbnz") && in.Target != nil:
		v, ok := operandReg(in, regs)
		if !ok {
			return 0, false
		}
		if (v == 0) == (m == "cbz") {
			return *in.Target, true
		}
		return in.Next(), true
	case (m == "tbz" || m == "tbnz") && in.Target != nil:
		v, ok := operandReg(in, regs)
		if !ok {
			return 0, false
		}
		bit, ok := operandImm(in)
		if !ok {
			return 0, false
		}
		if (v>>bit&1 == 1) == (m == "tbnz") {
			return *in.Target, true
		}
		return in.Next(), true
	case strings.HasPrefix(m, "j") && in.Target != nil:
		taken, ok := x86Cond(strings.TrimPrefix(m, "j"), regs)
		if !ok {
			return 0, false
		}
		if taken {
			return *in.Target, true
		}
		return in.Next(), true
	}
	if in.IsBranch() {
		return 0, false
	}
	return in.Next(), true
}

// operandReg resolves the first register operand against the live
// registers.
func operandReg(in disasm.Inst, regs disasm.Registers) (uint64, bool) {
	for _, op := range in.Operands {
		if op.Kind == disasm.OpReg {
			return regValue(op.Text, regs)
		}
	}
	return 0, false
}

// operandImm parses the first immediate operand.
func operandImm(in disasm.Inst) (uint64, bool) {
	for _, op := range in.Operands {
		if op.Kind == disasm.OpImm {
			v, err := strconv.ParseUint(strings.TrimPrefix(op.Text, "#"), 0, 64)
			if err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

// regValue looks name up in the register file, aliasing 32-bit names
// onto their full-width registers.
func regValue(name string, regs disasm.Registers) (uint64, bool) {
	if name == "xzr" || name == "wzr" {
		return 0, true
	}
	if v, ok := regs.Uint(name); ok {
		return v, true
	}
	if len(name) > 1 && name[0] == 'w' {
		if v, ok := regs.Uint("x" + name[1:]); ok {
			return v & 0xffffffff, true
		}
	}
	if len(name) == 3 && name[0] == 'e' {
		if v, ok := regs.Uint("r" + name[1:]); ok {
			return v & 0xffffffff, true
		}
	}
	return 0, false
}

func arm64Cond(cond string, regs disasm.Registers) (taken, ok bool) {
	v, ok := regs.Uint("cpsr")
	if !ok {
		v, ok = regs.Uint("pstate")
	}
	if !ok {
		return false, false
	}
	n := v&pstateN != 0
	z := v&pstateZ != 0
	c := v&pstateC != 0
	o := v&pstateV != 0
	switch cond {
	case "eq":
		return z, true
	case "ne":
		return !z, true
	case "cs", "hs":
		return c, true
	case "cc", "lo":
		return !c, true
	case "mi":
		return n, true
	case "pl":
		return !n, true
	case "vs":
		return o, true
	case "vc":
		return !o, true
	case "hi":
		return c && !z, true
	case "ls":
		return !c || z, true
	case "ge":
		return n == o, true
	case "lt":
		return n != o, true
	case "gt":
		return !z && n == o, true
	case "le":
		return z || n != o, true
	case "al", "nv":
		return true, true
	}
	return false, false
}

func x86Cond(cond string, regs disasm.Registers) (taken, ok bool) {
	v, ok := regs.Uint("eflags")
	if !ok {
		v, ok = regs.Uint("rflags")
	}
	if !ok {
		return false, false
	}
	cf := v&eflagCF != 0
	pf := v&eflagPF != 0
	zf := v&eflagZF != 0
	sf := v&eflagSF != 0
	of := v&eflagOF != 0
	switch cond {
	case "e", "z":
		return zf, true
	case "ne", "nz":
		return !zf, true
	case "a", "nbe":
		return !cf && !zf, true
	case "ae", "nb", "nc":
		return !cf, true
	case "b", "c", "nae":
		return cf, true
	case "be", "na":
		return cf || zf, true
	case "g", "nle":
		return !zf && sf == of, true
	case "ge", "nl":
		return sf == of, true
	case "l", "nge":
		return sf != of, true
	case "le", "ng":
		return zf || sf != of, true
	case "s":
		return sf, true
	case "ns":
		return !sf, true
	case "o":
		return of, true
	case "no":
		return !of, true
	case "p", "pe":
		return pf, true
	case "np", "po":
		return !pf, true
	}
	return false, false
}
