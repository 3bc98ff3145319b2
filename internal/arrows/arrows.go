// Package arrows derives branch-arrow geometry from a viewport
// slice: directed edges between rows, or exiting the view, with lane
// assignments that keep overlapping arrows apart. Everything here is
// recomputed per render pass from the slice and the stop cursor;
// nothing is persisted.
package arrows

import (
	"sort"

	"disview/internal/disasm"
)

// MaxLanes caps the arrow gutter width. Edges that find no free lane
// share the deepest one.
const MaxLanes = 10

// Edge is one directed branch arrow. From and To index viewport
// rows; To is -1 when the target lies above the view and the row
// count when it lies below.
type Edge struct {
	From          int
	To            int
	Target        uint64
	Conditional   bool
	Downward      bool
	Depth         int
	PredictedNext bool
}

// SelfLoop reports a branch that targets its own row.
func (e Edge) SelfLoop() bool { return e.To == e.From }

// RowArrow is one lane entry on a single row. Start and End rows get
// partial, direction-aware segments; pass-through rows a full
// vertical.
type RowArrow struct {
	Lane     int
	Edge     int // index into Layout.Edges
	Start    bool
	End      bool
	Vertical bool
}

// Row holds the lane entries crossing one viewport row.
type Row []RowArrow

// Layout is the full arrow geometry for one viewport slice.
type Layout struct {
	Edges []Edge
	Rows  []Row
}

// Cursor is the stopped-execution context used to resolve return and
// register-indirect targets and the predicted-next edge.
type Cursor struct {
	Addr uint64
	Regs disasm.Registers
}

// Route derives edges and lane assignments for the given viewport
// slice. cur is nil while the target runs; register-resolved targets
// and the predicted-next edge only exist while stopped.
func Route(ins []disasm.Inst, cur *Cursor) Layout {
	n := len(ins)
	lay := Layout{Rows: make([]Row, n)}
	if n == 0 {
		return lay
	}
	for i, in := range ins {
		target, ok := branchTarget(in, cur)
		if !ok {
			continue
		}
		e := classify(ins, i, target)
		e.Conditional = in.IsConditional()
		lay.Edges = append(lay.Edges, e)
	}
	occ := assignLanes(lay.Edges, n)
	if cur != nil {
		if e, ok := predictedEdge(ins, cur); ok {
			// Appended after assignment: it picks a free lane but
			// marks nothing, so real edges keep their depths.
			lo, hi := clampSpan(e, n)
			e.Depth = MaxLanes - 1
			for l := 0; l < MaxLanes; l++ {
				if laneFree(occ[l], lo, hi) {
					e.Depth = l
					break
				}
			}
			lay.Edges = append(lay.Edges, e)
		}
	}
	lay.Rows = rowEntries(lay.Edges, n)
	return lay
}

// branchTarget resolves a row's outgoing target. Static targets come
// from the decoder; returns and register-indirect branches resolve
// from live registers, and only at the stop row where those registers
// actually describe the machine.
func branchTarget(in disasm.Inst, cur *Cursor) (uint64, bool) {
	if in.Target != nil && in.IsBranch() {
		return *in.Target, true
	}
	if cur == nil || in.Addr != cur.Addr {
		return 0, false
	}
	switch {
	case in.IsReturn():
		return returnTarget(in, cur.Regs)
	case in.IsBranch():
		return operandReg(in, cur.Regs)
	}
	return 0, false
}

func returnTarget(in disasm.Inst, regs disasm.Registers) (uint64, bool) {
	// ret with an explicit operand names its own link register.
	if v, ok := operandReg(in, regs); ok {
		return v, true
	}
	if v, ok := regValue("x30", regs); ok {
		return v, true
	}
	return regValue("lr", regs)
}

// classify turns a resolved target address into edge endpoints. An
// in-range address with no exact row, which happens when the target
// lands mid-instruction, snaps to the first row at or past it.
func classify(ins []disasm.Inst, from int, target uint64) Edge {
	n := len(ins)
	e := Edge{From: from, Target: target}
	switch {
	case target < ins[0].Addr:
		e.To = -1
	case target > ins[n-1].Addr:
		e.To = n
		e.Downward = true
	default:
		to := n - 1
		for i, in := range ins {
			if in.Addr >= target {
				to = i
				break
			}
		}
		e.To = to
		e.Downward = to > from
	}
	return e
}

// assignLanes gives every edge a depth: shortest spans first, each
// taking the innermost lane that is free across its clamped span.
// Past MaxLanes, edges pile onto the deepest lane. Returns the lane
// occupancy for the predicted-next pass.
func assignLanes(edges []Edge, n int) [][]bool {
	occ := make([][]bool, MaxLanes)
	for l := range occ {
		occ[l] = make([]bool, n)
	}
	order := make([]int, len(edges))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return spanLen(edges[order[a]]) < spanLen(edges[order[b]])
	})
	for _, i := range order {
		lo, hi := clampSpan(edges[i], n)
		lane := MaxLanes - 1
		for l := 0; l < MaxLanes; l++ {
			if laneFree(occ[l], lo, hi) {
				lane = l
				break
			}
		}
		edges[i].Depth = lane
		for r := lo; r <= hi; r++ {
			occ[lane][r] = true
		}
	}
	return occ
}

func spanLen(e Edge) int {
	d := e.To - e.From
	if d < 0 {
		d = -d
	}
	return d
}

// clampSpan returns the rows an edge occupies, clamped to the view.
func clampSpan(e Edge, n int) (int, int) {
	lo, hi := e.From, e.To
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}

func laneFree(col []bool, lo, hi int) bool {
	for r := lo; r <= hi; r++ {
		if col[r] {
			return false
		}
	}
	return true
}

// rowEntries projects the edges onto per-row lane entries. A
// self-loop row carries both Start and End; rows of an exiting edge
// never see End, the view border does.
func rowEntries(edges []Edge, n int) []Row {
	rows := make([]Row, n)
	for ei, e := range edges {
		lo, hi := clampSpan(e, n)
		for r := lo; r <= hi; r++ {
			ra := RowArrow{Lane: e.Depth, Edge: ei}
			ra.Start = r == e.From
			ra.End = r == e.To
			ra.Vertical = !ra.Start && !ra.End
			rows[r] = append(rows[r], ra)
		}
	}
	return rows
}

// predictedEdge builds the synthetic edge to the next instruction
// execution will reach, when the stop row is visible and prediction
// resolves.
func predictedEdge(ins []disasm.Inst, cur *Cursor) (Edge, bool) {
	s := -1
	for i, in := range ins {
		if in.Addr == cur.Addr {
			s = i
			break
		}
	}
	if s == -1 {
		return Edge{}, false
	}
	next, ok := PredictNext(ins[s], cur.Regs)
	if !ok {
		return Edge{}, false
	}
	e := classify(ins, s, next)
	e.Conditional = ins[s].IsConditional()
	e.PredictedNext = true
	return e, true
}
