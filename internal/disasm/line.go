package disasm

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ParseError describes a single malformed listing line. The
// surrounding chunk is preserved; only the affected instruction
// degrades.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Line, e.Reason)
}

// ParseLine parses one "address|bytes|mnemonic operands" line from a
// disassembly service. On a malformed line it returns a ParseError
// together with a best-effort placeholder: if the address field was
// usable the placeholder carries it, otherwise the zero Inst comes
// back and the caller must anchor or drop the line itself.
func ParseLine(line string) (Inst, error) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return Inst{}, &ParseError{Line: line, Reason: "want 3 pipe-separated fields"}
	}

	addrField := strings.TrimSpace(strings.ToLower(parts[0]))
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrField, "0x"), 16, 64)
	if err != nil {
		return Inst{}, &ParseError{Line: line, Reason: "bad address field"}
	}

	bad := Inst{Addr: addr, Mnemonic: "(bad)"}

	raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(parts[1]), " ", ""))
	if err != nil || len(raw) == 0 {
		return bad, &ParseError{Line: line, Reason: "bad byte field"}
	}
	bad.Raw = raw

	text := strings.TrimSpace(strings.ToLower(parts[2]))
	if text == "" {
		return bad, &ParseError{Line: line, Reason: "empty instruction text"}
	}

	in := Inst{Addr: addr, Raw: raw}
	textParts := strings.SplitN(text, " ", 2)
	in.Mnemonic = textParts[0]
	if len(textParts) > 1 {
		in.Operands = splitOperands(textParts[1])
	}

	// The service renders targets as plain hex literals; lift the
	// first one on a branch into the structured field so nothing
	// downstream scrapes operand text again.
	if in.IsBranch() && in.Target == nil {
		for _, op := range in.Operands {
			if op.Kind != OpAddr || !strings.HasPrefix(op.Text, "0x") {
				continue
			}
			if t, err := strconv.ParseUint(op.Text[2:], 16, 64); err == nil {
				in.Target = &t
				break
			}
		}
	}
	return in, nil
}

// ParseLines converts service output into a Stream, degrading
// malformed lines per instruction. Addresses must increase; a line
// that goes backwards is recorded as malformed and skipped so buffer
// invariants hold at the source. Returned errors are advisory.
func ParseLines(lines []string) (Stream, []error) {
	var errs []error
	out := make(Stream, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		in, err := ParseLine(line)
		if err != nil {
			errs = append(errs, err)
			switch {
			case in.Addr != 0:
				// Keep the anchored placeholder.
			case len(out) > 0:
				prev := out[len(out)-1]
				in = Inst{Addr: prev.Next(), Mnemonic: "(bad)"}
			default:
				// Nothing to anchor the first line to.
				continue
			}
		}
		if len(out) > 0 && in.Addr <= out[len(out)-1].Addr {
			errs = append(errs, &ParseError{Line: line, Reason: "address not increasing"})
			continue
		}
		out = append(out, in)
	}
	sizePlaceholders(out)
	return out, errs
}

// sizePlaceholders gives zero-width degraded entries a span so Next()
// stays consistent: the gap to the following instruction when known,
// else the width of the previous one.
func sizePlaceholders(s Stream) {
	for i := range s {
		if len(s[i].Raw) != 0 {
			continue
		}
		var n uint64
		switch {
		case i+1 < len(s):
			n = s[i+1].Addr - s[i].Addr
		case i > 0:
			n = uint64(len(s[i-1].Raw))
		}
		if n == 0 || n > 16 {
			n = 4
		}
		s[i].Raw = make([]byte, n)
	}
}
