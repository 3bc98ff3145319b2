// Package arrowgutter draws branch-arrow geometry as the fixed-width
// text gutter sitting left of the listing. Lane 0 is the innermost
// column, next to the code; deeper lanes stack further left.
package arrowgutter

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"

	"disview/internal/arrows"
	"disview/internal/ui/colorize"
)

// Corner glyphs follow the span, not the direction of travel: the top
// endpoint of a span opens downward, the bottom endpoint upward, both
// toward the code on the right.
const (
	glyphVert      = '│'
	glyphVertCond  = '┆'
	glyphHoriz     = '─'
	glyphHorizCond = '╌'
	glyphTop       = '╭'
	glyphBottom    = '╰'
	glyphCross     = '┼'
	glyphHead      = '▸'
	glyphLoop      = '↺'
	glyphExitUp    = '↑'
	glyphExitDown  = '↓'
)

var (
	flowStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Malibu.Hex()))
	condStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Zest.Hex()))
	predictedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Guac.Hex()))
)

// Width returns the narrowest gutter that fits every lane the layout
// uses, arrowhead column included. A layout without edges needs none.
func Width(lay arrows.Layout) int {
	deepest := -1
	for _, e := range lay.Edges {
		if e.Depth > deepest {
			deepest = e.Depth
		}
	}
	if deepest < 0 {
		return 0
	}
	return deepest + 2
}

// Render draws one gutter cell per viewport row, each exactly width
// cells wide.
func Render(lay arrows.Layout, width int) []string {
	out := make([]string, len(lay.Rows))
	if width <= 0 {
		return out
	}
	for r, row := range lay.Rows {
		out[r] = renderRow(lay, r, row, width)
	}
	return out
}

func renderRow(lay arrows.Layout, r int, row arrows.Row, width int) string {
	cells := make([]rune, width)
	owner := make([]int, width)
	for i := range cells {
		cells[i] = ' '
		owner[i] = -1
	}

	// Verticals first so corner rows can cross them. Edges that leave
	// the view show their exit on the border row instead of a bar.
	for _, ra := range row {
		if !ra.Vertical {
			continue
		}
		e := lay.Edges[ra.Edge]
		c := laneCol(ra.Lane, width)
		switch {
		case e.To == -1 && r == 0:
			cells[c] = glyphExitUp
		case e.To == len(lay.Rows) && r == len(lay.Rows)-1:
			cells[c] = glyphExitDown
		case e.Conditional:
			cells[c] = glyphVertCond
		default:
			cells[c] = glyphVert
		}
		owner[c] = ra.Edge
	}

	// Corner rows, deepest lane first, so inner corners win their cell
	// over an outer edge's horizontal run.
	for _, ra := range cornersByLaneDesc(row) {
		e := lay.Edges[ra.Edge]
		c := laneCol(ra.Lane, width)
		h := glyphHoriz
		if e.Conditional {
			h = glyphHorizCond
		}
		for x := c + 1; x < width-1; x++ {
			switch cells[x] {
			case glyphVert, glyphVertCond:
				cells[x] = glyphCross
				owner[x] = ra.Edge
			case ' ':
				cells[x] = h
				owner[x] = ra.Edge
			}
		}
		switch {
		case ra.Start && ra.End:
			cells[c] = glyphLoop
		case ra.Start == e.Downward:
			cells[c] = glyphTop
		default:
			cells[c] = glyphBottom
		}
		owner[c] = ra.Edge

		last := width - 1
		if ra.End {
			cells[last] = glyphHead
			owner[last] = ra.Edge
		} else if cells[last] != glyphHead {
			cells[last] = h
			owner[last] = ra.Edge
		}
	}
	return paint(cells, owner, lay.Edges)
}

func cornersByLaneDesc(row arrows.Row) []arrows.RowArrow {
	corners := make([]arrows.RowArrow, 0, len(row))
	for _, ra := range row {
		if !ra.Vertical {
			corners = append(corners, ra)
		}
	}
	sort.SliceStable(corners, func(a, b int) bool {
		return corners[a].Lane > corners[b].Lane
	})
	return corners
}

func laneCol(lane, width int) int {
	c := width - 2 - lane
	if c < 0 {
		c = 0
	}
	return c
}

// paint emits the cells, styling runs of cells by the class of the
// edge that drew them.
func paint(cells []rune, owner []int, edges []arrows.Edge) string {
	if colorize.Disabled() {
		return string(cells)
	}
	var b strings.Builder
	for i := 0; i < len(cells); {
		cls := classOf(owner[i], edges)
		j := i
		for j < len(cells) && classOf(owner[j], edges) == cls {
			j++
		}
		seg := string(cells[i:j])
		if cls == classNone {
			b.WriteString(seg)
		} else {
			b.WriteString(classStyle(cls).Render(seg))
		}
		i = j
	}
	return b.String()
}

type edgeClass int

const (
	classNone edgeClass = iota
	classFlow
	classCond
	classPredicted
)

func classOf(owner int, edges []arrows.Edge) edgeClass {
	if owner < 0 {
		return classNone
	}
	e := edges[owner]
	switch {
	case e.PredictedNext:
		return classPredicted
	case e.Conditional:
		return classCond
	default:
		return classFlow
	}
}

func classStyle(cls edgeClass) lipgloss.Style {
	switch cls {
	case classCond:
		return condStyle
	case classPredicted:
		return predictedStyle
	default:
		return flowStyle
	}
}
