// Package symbolize turns raw addresses into human-readable labels and
// decorates instruction streams with call targets, function boundaries,
// and rodata string previews.
package symbolize

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ianlancetaylor/demangle"

	"disview/internal/disasm"
	"disview/internal/elfx"
)

const (
	// MaxStringPreview caps rodata previews attached to rows.
	MaxStringPreview = 64

	cacheSize = 4096
)

// Resolver maps addresses to labels using an ELF image's symbol tables.
// Demangling and label formatting are memoized. A nil Resolver resolves
// nothing, which is what a symbol-less remote session gets.
type Resolver struct {
	im     *elfx.Image
	labels *lru.Cache[uint64, string]
	names  *lru.Cache[string, string]
}

func NewResolver(im *elfx.Image) *Resolver {
	labels, _ := lru.New[uint64, string](cacheSize)
	names, _ := lru.New[string, string](cacheSize)
	return &Resolver{im: im, labels: labels, names: names}
}

// Demangle returns the human form of a mangled symbol name. Names that
// do not demangle pass through unchanged.
func (r *Resolver) Demangle(name string) string {
	if r == nil {
		return name
	}
	if d, ok := r.names.Get(name); ok {
		return d
	}
	d := demangle.Filter(name, demangle.NoClones)
	r.names.Add(name, d)
	return d
}

// Label resolves addr to "name", "name@plt", or "name+0xoff".
func (r *Resolver) Label(addr uint64) (string, bool) {
	if r == nil || r.im == nil {
		return "", false
	}
	if l, ok := r.labels.Get(addr); ok {
		return l, l != ""
	}
	l := r.label(addr)
	r.labels.Add(addr, l)
	return l, l != ""
}

func (r *Resolver) label(addr uint64) string {
	if name, ok := r.im.PLTName(addr); ok {
		return r.Demangle(strings.TrimSuffix(name, "@plt")) + "@plt"
	}
	s, ok := r.im.SymbolAt(addr)
	if !ok {
		return ""
	}
	// Padding between sized symbols stays unlabeled rather than being
	// blamed on the previous one.
	if s.Size != 0 && addr >= s.End() {
		return ""
	}
	if addr == s.Addr {
		return r.Demangle(s.Name)
	}
	return fmt.Sprintf("%s+0x%x", r.Demangle(s.Name), addr-s.Addr)
}

// LookupName finds the address for a symbol given either its mangled or
// demangled spelling.
func (r *Resolver) LookupName(name string) (uint64, bool) {
	if r == nil || r.im == nil {
		return 0, false
	}
	if s, ok := r.im.SymbolByName(name); ok {
		return s.Addr, true
	}
	for _, s := range r.im.Syms {
		if r.Demangle(s.Name) == name {
			return s.Addr, true
		}
	}
	return 0, false
}

// Annotate attaches labels, function boundary flags, and rodata string
// previews to a freshly decoded stream. Elements are rewritten in
// place, so callers annotate chunks before buffering them.
func (r *Resolver) Annotate(ins disasm.Stream) {
	if r == nil || r.im == nil {
		return
	}
	pages := map[string]uint64{}
	for i := range ins {
		in := &ins[i]
		r.flagBoundaries(in)
		if in.Target != nil && in.IsBranch() {
			if a := r.branchAnnotation(in); a != "" {
				in.Annotation = a
			}
			continue
		}
		if a := r.literalAnnotation(in, pages); a != "" {
			in.Annotation = a
		}
	}
}

func (r *Resolver) flagBoundaries(in *disasm.Inst) {
	sym, ok := r.im.FuncAt(in.Addr)
	if !ok {
		return
	}
	if in.Addr == sym.Addr {
		in.Flags |= disasm.FlagFuncStart | disasm.FlagFuncLabel
	}
	if sym.Size != 0 && in.Next() == sym.End() {
		in.Flags |= disasm.FlagFuncEnd
	}
}

// branchAnnotation labels branch targets. Calls always get one; plain
// branches only when the target is a function entry or PLT stub, so
// loop edges inside a function stay quiet.
func (r *Resolver) branchAnnotation(in *disasm.Inst) string {
	target := *in.Target
	label, ok := r.Label(target)
	if !ok {
		return ""
	}
	if !in.IsCall() {
		if _, plt := r.im.PLTName(target); !plt {
			s, found := r.im.SymbolAt(target)
			if !found || s.Addr != target {
				return ""
			}
		}
	}
	return "<" + label + ">"
}

// literalAnnotation previews rodata strings reachable from the
// instruction: arm64 adrp/add pairs tracked through pages, and x86
// rip-relative memory operands. pages carries adrp state across the
// stream; any other write to a tracked register invalidates it.
func (r *Resolver) literalAnnotation(in *disasm.Inst, pages map[string]uint64) string {
	ops := in.Operands
	switch in.Mnemonic {
	case "adrp", "adr":
		if len(ops) == 2 && ops[0].Kind == disasm.OpReg {
			if va, ok := pcRelValue(in.Addr, ops[1].Text); ok {
				if in.Mnemonic == "adrp" {
					va &^= 0xfff
				}
				pages[ops[0].Text] = va
				return ""
			}
		}
	case "add":
		if len(ops) == 3 && ops[0].Kind == disasm.OpReg && ops[1].Kind == disasm.OpReg && ops[2].Kind == disasm.OpImm {
			if page, ok := pages[ops[1].Text]; ok {
				if off, ok := immValue(ops[2].Text); ok {
					va := page + off
					pages[ops[0].Text] = va
					if s, ok := r.stringPreview(va); ok {
						return `"` + s + `"`
					}
					return ""
				}
			}
		}
	default:
		for _, op := range ops {
			if op.Kind != disasm.OpMem {
				continue
			}
			if va, ok := ripRelValue(in.Next(), op.Text); ok {
				if s, ok := r.stringPreview(va); ok {
					return `"` + s + `"`
				}
			}
		}
	}
	if len(ops) > 0 && ops[0].Kind == disasm.OpReg {
		delete(pages, ops[0].Text)
	}
	return ""
}

// stringPreview reads a NUL-terminated string from rodata. Runs with no
// terminator inside the preview window are not strings.
func (r *Resolver) stringPreview(va uint64) (string, bool) {
	if !r.im.InRodata(va) {
		return "", false
	}
	n := uint64(MaxStringPreview)
	if left := r.im.Rodata.VA + r.im.Rodata.Size - va; left < n {
		n = left
	}
	raw, ok := r.im.ReadBytesVA(va, int(n))
	if !ok {
		return "", false
	}
	end := bytes.IndexByte(raw, 0)
	if end < 2 {
		return "", false
	}
	return EscapeUnprintable(raw[:end]), true
}

// EscapeUnprintable returns a string where printable Unicode runes are preserved.
// Control and unprintable runes are escaped as \uXXXX. Invalid UTF-8 is escaped as \xXX.
func EscapeUnprintable(b []byte) string {
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteString(fmt.Sprintf("\\x%02X", b[0]))
		} else if unicode.IsPrint(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteString(fmt.Sprintf("\\u%04X", r))
		}
		b = b[size:]
	}
	return sb.String()
}

// pcRelValue parses the ".+0x…"/".-0x…" relative forms the arm64
// decoder emits for adr/adrp, plus bare absolute addresses.
func pcRelValue(pc uint64, text string) (uint64, bool) {
	switch {
	case text == ".":
		return pc, true
	case strings.HasPrefix(text, ".+"), strings.HasPrefix(text, ".-"):
		v, err := strconv.ParseUint(strings.TrimPrefix(text[2:], "0x"), 16, 64)
		if err != nil {
			return 0, false
		}
		if text[1] == '-' {
			return pc - v, true
		}
		return pc + v, true
	case strings.HasPrefix(text, "0x"):
		v, err := strconv.ParseUint(text[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// immValue parses "#0x9a8", "#-16", and bare integer operand texts.
func immValue(text string) (uint64, bool) {
	text = strings.TrimPrefix(text, "#")
	neg := strings.HasPrefix(text, "-")
	text = strings.TrimPrefix(text, "-")
	v, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		return -v, true
	}
	return v, true
}

// ripRelValue extracts the target of a "[rip+0x…]" memory operand.
// next is the address of the following instruction, which is what
// rip-relative displacements are measured from.
func ripRelValue(next uint64, text string) (uint64, bool) {
	i := strings.Index(text, "[rip")
	if i < 0 {
		return 0, false
	}
	rest := text[i+len("[rip"):]
	if strings.HasPrefix(rest, "]") {
		return next, true
	}
	if len(rest) < 2 || (rest[0] != '+' && rest[0] != '-') {
		return 0, false
	}
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(rest[1:end], "0x"), 16, 64)
	if err != nil {
		return 0, false
	}
	if rest[0] == '-' {
		return next - v, true
	}
	return next + v, true
}
