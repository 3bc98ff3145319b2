package codeview

import (
	"errors"
	"fmt"

	"disview/internal/disasm"
)

// ErrNotContiguous reports a chunk that, after overlap trimming, does
// not line up exactly with the buffer edge it should extend.
var ErrNotContiguous = errors.New("chunk not contiguous with buffer")

// Chunk is the transient output of one fetch: a decoded instruction
// run starting at Start.
type Chunk struct {
	Start uint64
	Ins   []disasm.Inst
}

// End returns the address one past the last instruction.
func (c Chunk) End() uint64 {
	if len(c.Ins) == 0 {
		return c.Start
	}
	return c.Ins[len(c.Ins)-1].Next()
}

// Buffer holds the currently loaded instructions as one contiguous
// run with strictly increasing addresses. It is a two-stack deque
// with an address index, so head and tail extension and address
// lookup stay cheap while scrolling.
//
// front holds the rows before back[0] in reverse order: front[0] is
// the row immediately preceding back[0]. pos maps an address to its
// virtual position, back[i] = i and front[i] = -(i+1); the public
// index is the virtual position plus len(front).
type Buffer struct {
	front []disasm.Inst
	back  []disasm.Inst
	pos   map[uint64]int
}

func NewBuffer() *Buffer {
	return &Buffer{pos: make(map[uint64]int)}
}

func (b *Buffer) Len() int { return len(b.front) + len(b.back) }

// At returns the instruction at index i. The caller keeps i in range.
func (b *Buffer) At(i int) disasm.Inst {
	v := i - len(b.front)
	if v >= 0 {
		return b.back[v]
	}
	return b.front[-v-1]
}

// IndexOf returns the index of the instruction starting at addr.
func (b *Buffer) IndexOf(addr uint64) (int, bool) {
	v, ok := b.pos[addr]
	if !ok {
		return 0, false
	}
	return v + len(b.front), true
}

// First returns the lowest-addressed instruction.
func (b *Buffer) First() (disasm.Inst, bool) {
	if b.Len() == 0 {
		return disasm.Inst{}, false
	}
	return b.At(0), true
}

// Last returns the highest-addressed instruction.
func (b *Buffer) Last() (disasm.Inst, bool) {
	if b.Len() == 0 {
		return disasm.Inst{}, false
	}
	return b.At(b.Len() - 1), true
}

// End returns the address one past the last instruction, 0 when
// empty.
func (b *Buffer) End() uint64 {
	last, ok := b.Last()
	if !ok {
		return 0
	}
	return last.Next()
}

// Range returns the half-open byte range [lo, hi) the buffer covers.
func (b *Buffer) Range() (lo, hi uint64, ok bool) {
	first, ok := b.First()
	if !ok {
		return 0, 0, false
	}
	return first.Addr, b.End(), true
}

// Covers reports whether addr falls inside the buffered byte range.
func (b *Buffer) Covers(addr uint64) bool {
	lo, hi, ok := b.Range()
	return ok && lo <= addr && addr < hi
}

// CoversRange reports whether the byte range [lo2, hi2) is fully
// buffered.
func (b *Buffer) CoversRange(lo2, hi2 uint64) bool {
	lo, hi, ok := b.Range()
	return ok && lo <= lo2 && hi2 <= hi
}

func (b *Buffer) Clear() {
	b.front = nil
	b.back = nil
	b.pos = make(map[uint64]int)
}

// Reset replaces the buffer contents wholesale.
func (b *Buffer) Reset(ins []disasm.Inst) error {
	if err := checkChain(ins); err != nil {
		return err
	}
	b.front = nil
	b.back = append([]disasm.Inst(nil), ins...)
	b.pos = make(map[uint64]int, len(ins))
	for i, in := range b.back {
		b.pos[in.Addr] = i
	}
	return nil
}

// ExtendTail appends ins past the current end. Instructions that
// overlap already-buffered bytes are dropped first; what remains must
// start exactly at End. Returns the number of rows appended.
func (b *Buffer) ExtendTail(ins []disasm.Inst) (int, error) {
	if b.Len() == 0 {
		if err := b.Reset(ins); err != nil {
			return 0, err
		}
		return len(ins), nil
	}
	end := b.End()
	i := 0
	for i < len(ins) && ins[i].Addr < end {
		i++
	}
	rest := ins[i:]
	if len(rest) == 0 {
		return 0, nil
	}
	if rest[0].Addr != end {
		return 0, ErrNotContiguous
	}
	if err := checkChain(rest); err != nil {
		return 0, err
	}
	for _, in := range rest {
		b.pos[in.Addr] = len(b.back)
		b.back = append(b.back, in)
	}
	return len(rest), nil
}

// ExtendHead prepends ins before the current first row. Instructions
// at or past the first buffered address are dropped; what remains
// must end exactly where the buffer begins. Returns the number of
// rows prepended; existing indices shift up by that amount.
func (b *Buffer) ExtendHead(ins []disasm.Inst) (int, error) {
	if b.Len() == 0 {
		if err := b.Reset(ins); err != nil {
			return 0, err
		}
		return len(ins), nil
	}
	first, _ := b.First()
	j := len(ins)
	for j > 0 && ins[j-1].Addr >= first.Addr {
		j--
	}
	keep := ins[:j]
	if len(keep) == 0 {
		return 0, nil
	}
	if keep[len(keep)-1].Next() != first.Addr {
		return 0, ErrNotContiguous
	}
	if err := checkChain(keep); err != nil {
		return 0, err
	}
	for i := len(keep) - 1; i >= 0; i-- {
		b.front = append(b.front, keep[i])
		b.pos[keep[i].Addr] = -len(b.front)
	}
	return len(keep), nil
}

// Slice returns copies of up to n rows starting at index start,
// truncated at the buffer end.
func (b *Buffer) Slice(start, n int) []disasm.Inst {
	if start < 0 {
		start = 0
	}
	out := make([]disasm.Inst, 0, n)
	for i := start; i < start+n && i < b.Len(); i++ {
		out = append(out, b.At(i))
	}
	return out
}

// checkChain verifies that each instruction starts exactly where the
// previous one ends.
func checkChain(ins []disasm.Inst) error {
	for i := 1; i < len(ins); i++ {
		if ins[i].Addr != ins[i-1].Next() {
			return fmt.Errorf("instruction at %#x does not follow %#x", ins[i].Addr, ins[i-1].Addr)
		}
	}
	return nil
}
