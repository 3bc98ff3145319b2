package disasm

import "strings"

// splitOperands splits "x0, [sp, #0x10]" into operand texts without
// breaking memory operands apart on their inner commas.
func splitOperands(s string) []Operand {
	var ops []Operand
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '{', '(':
			depth++
		case ']', '}', ')':
			depth--
		case ',':
			if depth == 0 {
				if t := strings.TrimSpace(s[start:i]); t != "" {
					ops = append(ops, classifyOperand(t))
				}
				start = i + 1
			}
		}
	}
	if t := strings.TrimSpace(s[start:]); t != "" {
		ops = append(ops, classifyOperand(t))
	}
	return ops
}

var condNames = map[string]bool{
	"eq": true, "ne": true, "cs": true, "hs": true, "cc": true, "lo": true,
	"mi": true, "pl": true, "vs": true, "vc": true, "hi": true, "ls": true,
	"ge": true, "lt": true, "gt": true, "le": true, "nv": true,
}

// classifyOperand assigns a kind by shape. The decoders render text
// in two syntaxes (arm64, x86 intel); shape rules cover both, so the
// line parser can reuse the same classifier.
func classifyOperand(text string) Operand {
	switch {
	case text == "":
		return Operand{Kind: OpOther}
	case text[0] == '[':
		return Operand{Kind: OpMem, Text: text}
	case strings.Contains(text, "["):
		// x86 "qword ptr [rax+0x8]" keeps its size prefix.
		return Operand{Kind: OpMem, Text: text}
	case text[0] == '#':
		return Operand{Kind: OpImm, Text: text}
	case strings.HasPrefix(text, "0x"), strings.HasPrefix(text, ".+"), strings.HasPrefix(text, ".-"):
		return Operand{Kind: OpAddr, Text: text}
	case isRegisterName(text):
		return Operand{Kind: OpReg, Text: text}
	case condNames[text]:
		return Operand{Kind: OpCond, Text: text}
	case isDigits(text), text[0] == '-' && isDigits(text[1:]):
		return Operand{Kind: OpImm, Text: text}
	default:
		return Operand{Kind: OpOther, Text: text}
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isRegisterName(s string) bool {
	switch s {
	case "sp", "wsp", "xzr", "wzr", "lr", "fp", "pc":
		return true
	case "rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp", "rip",
		"eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp",
		"ax", "bx", "cx", "dx", "si", "di", "bp",
		"al", "bl", "cl", "dl", "ah", "bh", "ch", "dh",
		"sil", "dil", "bpl", "spl":
		return true
	}
	if len(s) < 2 {
		return false
	}
	// x0-x30, w0-w30, SIMD q/v/d/s/h/b, x86 r8-r15 and r8d/r8w/r8b.
	switch s[0] {
	case 'x', 'w', 'q', 'v', 'd', 's', 'h', 'b':
		if isDigits(s[1:]) {
			return true
		}
	case 'r':
		rest := s[1:]
		rest = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(rest, "d"), "w"), "b")
		if isDigits(rest) && rest != "" {
			return true
		}
	}
	// v3.16b style vector arrangements.
	if i := strings.IndexByte(s, '.'); i > 1 && s[0] == 'v' && isDigits(s[1:i]) {
		return true
	}
	if strings.HasPrefix(s, "xmm") || strings.HasPrefix(s, "ymm") || strings.HasPrefix(s, "zmm") {
		return true
	}
	return false
}
