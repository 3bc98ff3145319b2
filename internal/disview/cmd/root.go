package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"disview/internal/arrows"
	"disview/internal/codeview"
	"disview/internal/disasm"
	"disview/internal/disview/log"
	"disview/internal/disview/styles"
	"disview/internal/elfx"
	"disview/internal/symbolize"
	"disview/internal/target"
	"disview/internal/ui/arrowgutter"
	"disview/internal/ui/colorize"
)

const resumeTimeout = 5 * time.Second

type viewMode int

const (
	viewDisasm viewMode = iota
	viewSymbols
	viewHelp
)

var (
	stopStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	swBreakStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	hwBreakStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	addrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Padding(0, 1)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Padding(0, 1)
	menuStyle    = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)
)

// Session holds everything the TUI needs about an opened target. It is
// assembled by newSession before the program starts so that connection
// errors surface on the command line instead of inside the alt screen.
type Session struct {
	Target   target.Target
	Dis      disasm.Disassembler
	Image    *elfx.Image
	OwnImage bool
	Desc     string
	Start    uint64
	Stop     *target.StopEvent
	// FollowStop seeds the view from the initial stop address so the
	// first load and the stop jump are the same fetch.
	FollowStop bool
}

func (s Session) close() {
	if s.Target != nil {
		s.Target.Close()
	}
	if s.OwnImage && s.Image != nil {
		s.Image.Close()
	}
}

type symbolItem struct {
	addr       uint64
	name       string
	demangled  string
	filterTerm string
}

func (s symbolItem) Title() string {
	return fmt.Sprintf("%x  %s", s.addr, s.demangled)
}

func (s symbolItem) Description() string { return "" }
func (s symbolItem) FilterValue() string { return s.filterTerm }

type itemDelegate struct{}

func (d itemDelegate) Height() int                             { return 1 }
func (d itemDelegate) Spacing() int                            { return 0 }
func (d itemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	item, ok := listItem.(symbolItem)
	if !ok {
		return
	}
	indicator := " "
	addr := addrStyle
	name := lipgloss.NewStyle()
	if index == m.Index() {
		indicator = ">"
	} else {
		addr = dimStyle
		name = dimStyle
	}
	fmt.Fprint(w, fmt.Sprintf(" %s  %s  %s",
		indicator,
		addr.Render(fmt.Sprintf("%12x", item.addr)),
		name.Render(item.demangled)))
}

type fetchMsg struct {
	res codeview.Result
}

type stopMsg struct {
	ev target.StopEvent
	ok bool
}

type resumeMsg struct {
	step bool
	err  error
}

type breakMsg struct {
	addr uint64
	set  bool
	sw   bool
	err  error
}

type model struct {
	tgt      target.Target
	img      *elfx.Image
	ownImg   bool
	resolver *symbolize.Resolver
	fetcher  *codeview.Fetcher
	ctrl     *codeview.Controller

	targetDesc string
	rawCols    int

	mode     viewMode
	symCount int

	symbolsList list.Model
	helpView    viewport.Model
	spinner     spinner.Model

	width  int
	height int

	stopped  bool
	running  bool
	stopAddr uint64
	stopRegs disasm.Registers
	stopWhy  string

	// breaks maps armed addresses to whether the target accepted a
	// software breakpoint there. Static images keep view-only marks.
	breaks map[uint64]bool

	gotoActive bool
	gotoInput  string

	notice string

	initial []codeview.Request
}

// NewModel wires a session into the initial TUI state and queues the
// first load.
func NewModel(s Session) model {
	hv := viewport.New()
	hv.SetWidth(80)
	hv.SetHeight(24)

	sl := list.New([]list.Item{}, itemDelegate{}, 80, 24)
	sl.SetShowStatusBar(false)
	sl.SetFilteringEnabled(true)
	sl.Title = "Symbols"
	sl.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)
	sl.SetShowHelp(true)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))

	m := model{
		tgt:         s.Target,
		img:         s.Image,
		ownImg:      s.OwnImage,
		resolver:    symbolize.NewResolver(s.Image),
		fetcher:     &codeview.Fetcher{Mem: s.Target, Dis: s.Dis},
		ctrl:        codeview.NewController(24),
		targetDesc:  s.Desc,
		rawCols:     8,
		symbolsList: sl,
		helpView:    hv,
		spinner:     sp,
		width:       80,
		height:      24,
		breaks:      map[uint64]bool{},
	}
	if s.Target.Arch() == "x86_64" {
		m.rawCols = 16
	}

	if s.Stop != nil {
		m.stopped = true
		m.stopAddr = s.Stop.Addr
		m.stopRegs = s.Stop.Regs
		m.stopWhy = s.Stop.Reason
	}
	if s.FollowStop && s.Stop != nil {
		m.initial = m.ctrl.OnStop(s.Stop.Addr)
	} else {
		m.initial = m.ctrl.LoadAt(s.Start)
	}

	m.loadSymbols()
	m.updateHelp()
	return m
}

func (m *model) loadSymbols() {
	if m.img == nil {
		return
	}
	items := make([]list.Item, 0, len(m.img.Syms))
	for _, sym := range m.img.Syms {
		if sym.Name == "" || sym.Addr == 0 || !sym.Func {
			continue
		}
		dem := m.resolver.Demangle(sym.Name)
		items = append(items, symbolItem{
			addr:       sym.Addr,
			name:       sym.Name,
			demangled:  dem,
			filterTerm: fmt.Sprintf("%x %s %s", sym.Addr, sym.Name, dem),
		})
	}
	m.symCount = len(items)
	m.symbolsList.SetItems(items)
	m.symbolsList.Title = fmt.Sprintf("Symbols (%d)", len(items))
}

func (m *model) updateHelp() {
	width := m.width
	if width == 0 {
		width = 80
	}
	renderer := styles.GetMarkdownRenderer(width - 2)
	rendered, err := renderer.Render(helpText)
	if err != nil {
		rendered = helpText
	}
	m.helpView.SetContent(strings.TrimSuffix(rendered, "\n"))
	m.helpView.GotoTop()
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.runFetches(m.initial),
		waitStopCmd(m.tgt.Stops()),
		m.spinner.Tick,
	)
}

func (m *model) fetchCmd(req codeview.Request) tea.Cmd {
	f, r := m.fetcher, m.resolver
	return func() tea.Msg {
		ch, err := f.Fetch(context.Background(), req.Addr, req.Length)
		if err == nil {
			r.Annotate(ch.Ins)
		}
		return fetchMsg{res: codeview.Result{Req: req, Chunk: ch, Err: err}}
	}
}

func (m *model) runFetches(reqs []codeview.Request) tea.Cmd {
	if len(reqs) == 0 {
		return nil
	}
	cmds := make([]tea.Cmd, len(reqs))
	for i, req := range reqs {
		cmds[i] = m.fetchCmd(req)
	}
	return tea.Batch(cmds...)
}

func waitStopCmd(ch <-chan target.StopEvent) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		return stopMsg{ev: ev, ok: ok}
	}
}

func (m *model) resumeCmd(step bool) tea.Cmd {
	tgt := m.tgt
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		defer cancel()
		var err error
		if step {
			err = tgt.Step(ctx)
		} else {
			err = tgt.Resume(ctx)
		}
		return resumeMsg{step: step, err: err}
	}
}

func (m *model) toggleBreakCmd(addr uint64) tea.Cmd {
	tgt := m.tgt
	_, have := m.breaks[addr]
	set := !have
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		defer cancel()
		var err error
		if set {
			err = tgt.SetBreakpoint(ctx, addr)
		} else {
			err = tgt.ClearBreakpoint(ctx, addr)
		}
		return breakMsg{addr: addr, set: set, sw: err == nil, err: err}
	}
}

func (m *model) quit() tea.Cmd {
	if err := m.tgt.Close(); err != nil {
		slog.Debug("closing target", "error", err)
	}
	if m.ownImg && m.img != nil {
		m.img.Close()
	}
	return tea.Quit
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case fetchMsg:
		follow := m.ctrl.Apply(msg.res)
		return m, m.runFetches(follow)

	case stopMsg:
		if !msg.ok {
			m.running = false
			m.notice = "target disconnected"
			return m, nil
		}
		m.running = false
		m.stopped = true
		m.stopAddr = msg.ev.Addr
		m.stopRegs = msg.ev.Regs
		m.stopWhy = msg.ev.Reason
		m.notice = ""
		reqs := m.ctrl.OnStop(msg.ev.Addr)
		return m, tea.Batch(
			m.runFetches(reqs),
			waitStopCmd(m.tgt.Stops()),
			m.spinner.Tick,
		)

	case resumeMsg:
		if msg.err != nil {
			switch {
			case errors.Is(msg.err, target.ErrNotSupported):
				m.notice = "static image: nothing to run"
			case errors.Is(msg.err, target.ErrRunning):
				m.notice = "target is already running"
			default:
				m.notice = msg.err.Error()
			}
			return m, nil
		}
		m.running = true
		m.stopped = false
		m.stopRegs = nil
		m.notice = ""
		m.ctrl.OnResume()
		return m, m.spinner.Tick

	case breakMsg:
		if msg.err != nil && !errors.Is(msg.err, target.ErrNotSupported) {
			if errors.Is(msg.err, target.ErrRunning) {
				m.notice = "stop the target before changing breakpoints"
			} else {
				m.notice = fmt.Sprintf("breakpoint at %#x: %v", msg.addr, msg.err)
			}
			return m, nil
		}
		if msg.set {
			m.breaks[msg.addr] = msg.sw && msg.err == nil
		} else {
			delete(m.breaks, msg.addr)
		}
		m.ctrl.SetBreakpoints(m.breaks)
		return m, nil

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		if m.ctrl.Loading() || m.running {
			return m, cmd
		}
		return m, nil

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width = msg.Width
			m.height = msg.Height
			m.symbolsList.SetWidth(msg.Width)
			m.symbolsList.SetHeight(msg.Height - 2)
			m.helpView.SetWidth(msg.Width)
			m.helpView.SetHeight(msg.Height - 2)
			m.ctrl.SetViewSize(max(1, msg.Height-2))
			m.updateHelp()
		}

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	switch m.mode {
	case viewSymbols:
		m.symbolsList, cmd = m.symbolsList.Update(msg)
	case viewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	}
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	// The list's filter owns the keyboard while typing.
	if m.mode == viewSymbols && m.symbolsList.FilterState() == list.Filtering {
		if msg.String() == "ctrl+c" {
			return m, m.quit()
		}
		m.symbolsList, cmd = m.symbolsList.Update(msg)
		return m, cmd
	}

	if m.gotoActive {
		return m.handleGotoKey(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, m.quit()
	case "tab":
		m.mode = m.cycleMode(false)
		return m, nil
	case "shift+tab":
		m.mode = m.cycleMode(true)
		return m, nil
	}

	switch m.mode {
	case viewSymbols:
		if msg.String() == "enter" {
			if item, ok := m.symbolsList.SelectedItem().(symbolItem); ok {
				m.mode = viewDisasm
				m.notice = ""
				return m, tea.Batch(
					m.runFetches(m.ctrl.JumpTo(item.addr)),
					m.spinner.Tick,
				)
			}
			return m, nil
		}
		m.symbolsList, cmd = m.symbolsList.Update(msg)
		return m, cmd

	case viewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "up", "k":
		return m, m.runFetches(m.ctrl.ScrollUp())
	case "down", "j":
		return m, m.runFetches(m.ctrl.ScrollDown())
	case "pgup":
		return m, m.runFetches(m.page(m.ctrl.ScrollUp))
	case "pgdown":
		return m, m.runFetches(m.page(m.ctrl.ScrollDown))
	case "g":
		m.gotoActive = true
		m.gotoInput = ""
		m.notice = ""
		return m, nil
	case "b":
		addr, ok := m.breakTarget()
		if !ok {
			return m, nil
		}
		return m, m.toggleBreakCmd(addr)
	case "s":
		return m, m.resumeCmd(true)
	case "c":
		return m, m.resumeCmd(false)
	case "r":
		reqs := m.ctrl.Retry()
		if len(reqs) == 0 {
			return m, nil
		}
		m.notice = ""
		return m, tea.Batch(m.runFetches(reqs), m.spinner.Tick)
	}
	return m, nil
}

func (m model) handleGotoKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "ctrl+c":
		m.gotoActive = false
		m.gotoInput = ""
		return m, nil
	case "enter":
		m.gotoActive = false
		spec := strings.TrimSpace(m.gotoInput)
		m.gotoInput = ""
		if spec == "" {
			return m, nil
		}
		addr, err := parseLocation(spec, m.resolver)
		if err != nil {
			m.notice = err.Error()
			return m, nil
		}
		m.mode = viewDisasm
		m.notice = ""
		return m, tea.Batch(
			m.runFetches(m.ctrl.JumpTo(addr)),
			m.spinner.Tick,
		)
	case "backspace":
		if len(m.gotoInput) > 0 {
			m.gotoInput = m.gotoInput[:len(m.gotoInput)-1]
		}
		return m, nil
	}
	if s := msg.String(); len(s) == 1 && s[0] >= 0x20 && s[0] < 0x7f {
		m.gotoInput += s
	}
	return m, nil
}

// page scrolls a whole viewport by repeating the three-row step, so
// edge extension and clamping behave exactly like single steps.
func (m *model) page(step func() []codeview.Request) []codeview.Request {
	var reqs []codeview.Request
	for moved := 0; moved < m.ctrl.ViewSize(); moved += codeview.ScrollStep {
		reqs = append(reqs, step()...)
	}
	return reqs
}

// breakTarget picks the row b toggles: the stop row when it is on
// screen, otherwise the top visible instruction.
func (m *model) breakTarget() (uint64, bool) {
	ins := m.ctrl.Slice()
	if len(ins) == 0 {
		return 0, false
	}
	if m.stopped {
		for _, in := range ins {
			if in.Addr == m.stopAddr {
				return in.Addr, true
			}
		}
	}
	return ins[0].Addr, true
}

func (m *model) cycleMode(back bool) viewMode {
	hasSyms := m.symCount > 0
	switch m.mode {
	case viewDisasm:
		if back {
			return viewHelp
		}
		if hasSyms {
			return viewSymbols
		}
		return viewHelp
	case viewSymbols:
		if back {
			return viewDisasm
		}
		return viewHelp
	default:
		if back && hasSyms {
			return viewSymbols
		}
		return viewDisasm
	}
}

func (m model) View() string {
	var content string
	switch m.mode {
	case viewSymbols:
		content = m.symbolsList.View()
	case viewHelp:
		content = m.helpView.View()
	default:
		content = m.renderDisasm()
	}

	var menu string
	switch m.mode {
	case viewSymbols:
		menu = " Enter: view • /: filter • Tab: next view • Q: quit "
	case viewHelp:
		menu = " Tab: next view • Q: quit "
	default:
		menu = " G: goto • B: break • S: step • C: continue • R: retry • Tab: next view • Q: quit "
	}

	return content + "\n" +
		m.statusLine() + "\n" +
		menuStyle.Width(m.width).Render(menu)
}

func (m model) renderDisasm() string {
	rows := m.ctrl.ViewSize()
	ins := m.ctrl.Slice()
	lines := make([]string, 0, rows)

	if len(ins) == 0 {
		switch {
		case m.ctrl.Loading():
			lines = append(lines, "", fmt.Sprintf("  %s loading %s", m.spinner.View(), m.targetDesc))
		case m.ctrl.Err() != nil:
			lines = append(lines,
				"",
				fmt.Sprintf("  load failed: %v", m.ctrl.Err()),
				"",
				"  press r to retry or g to pick another address")
		default:
			lines = append(lines, "", "  no instructions")
		}
	} else {
		var cur *arrows.Cursor
		if m.stopped {
			cur = &arrows.Cursor{Addr: m.stopAddr, Regs: m.stopRegs}
		}
		lay := arrows.Route(ins, cur)
		gut := arrowgutter.Render(lay, arrowgutter.Width(lay))
		for i, in := range ins {
			lines = append(lines, m.renderRow(in, gut[i]))
		}
	}

	for len(lines) < rows {
		lines = append(lines, "")
	}
	if len(lines) > rows {
		lines = lines[:rows]
	}
	return strings.Join(lines, "\n")
}

func (m model) renderRow(in disasm.Inst, gutter string) string {
	bp := "  "
	if in.Flags.Has(disasm.FlagBreakpoint) {
		st := hwBreakStyle
		if in.Flags.Has(disasm.FlagSWBreakpoint) {
			st = swBreakStyle
		}
		bp = st.Render("●") + " "
	}
	cursor := "   "
	stopRow := m.stopped && in.Addr == m.stopAddr
	if stopRow {
		cursor = stopStyle.Render("=>") + " "
	}

	addrCol := fmt.Sprintf("%8x", in.Addr)
	rawCol := fmt.Sprintf("%-*s", m.rawCols, rawHex(in.Raw, m.rawCols))
	text := in.Text()

	var b strings.Builder
	b.WriteString(bp)
	b.WriteString(cursor)
	if stopRow {
		b.WriteString(stopStyle.Render(addrCol))
	} else {
		b.WriteString(colorize.Address(addrCol))
	}
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(rawCol))
	b.WriteString("  ")
	b.WriteString(gutter)
	if stopRow {
		b.WriteString(stopStyle.Render(text))
	} else {
		b.WriteString(colorize.Instruction(text))
	}
	if in.Annotation != "" {
		b.WriteString("  ")
		b.WriteString(colorize.Annotation("; " + in.Annotation))
	} else if in.Flags.Has(disasm.FlagFuncStart) {
		if label, ok := m.resolver.Label(in.Addr); ok {
			b.WriteString("  ")
			b.WriteString(colorize.Label("<" + label + ">:"))
		}
	}
	return b.String()
}

func (m model) statusLine() string {
	if m.gotoActive {
		return statusStyle.Width(m.width).Render("goto: " + m.gotoInput + "▌")
	}

	var parts []string
	style := statusStyle
	switch {
	case m.ctrl.Err() != nil:
		style = errorStyle
		parts = append(parts, fmt.Sprintf("load failed: %v (r to retry)", m.ctrl.Err()))
	case m.ctrl.Loading():
		parts = append(parts, m.spinner.View()+" loading")
	case m.running:
		parts = append(parts, m.spinner.View()+" running")
	case m.stopped:
		parts = append(parts, fmt.Sprintf("stopped: %s at %#x", m.stopWhy, m.stopAddr))
	}
	if head, tail := m.ctrl.Extending(); head || tail {
		parts = append(parts, "extending")
	}
	if lo, hi, ok := m.ctrl.Range(); ok {
		parts = append(parts, fmt.Sprintf("%#x-%#x", lo, hi))
	}
	if n := m.ctrl.Discarded(); n > 0 {
		parts = append(parts, fmt.Sprintf("stale %d", n))
	}
	if m.notice != "" {
		parts = append(parts, m.notice)
	}

	line := m.targetDesc
	if len(parts) > 0 {
		line += "  " + strings.Join(parts, " • ")
	}
	return style.Width(m.width).Render(line)
}

func rawHex(raw []byte, cols int) string {
	s := hex.EncodeToString(raw)
	if len(s) > cols {
		return s[:cols-1] + "+"
	}
	return s
}

// parseLocation resolves a navigation target: a 0x-prefixed or bare
// hex address, or a symbol name in mangled or demangled form. Symbols
// win over bare hex so a function named "add" is never read as 0xadd.
func parseLocation(spec string, r *symbolize.Resolver) (uint64, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, &codeview.InvalidAddressError{Input: spec}
	}
	if len(spec) > 2 && (spec[:2] == "0x" || spec[:2] == "0X") {
		addr, err := strconv.ParseUint(spec[2:], 16, 64)
		if err != nil {
			return 0, &codeview.InvalidAddressError{Input: spec}
		}
		return addr, nil
	}
	if addr, ok := r.LookupName(spec); ok {
		return addr, nil
	}
	if isHex(spec) {
		addr, err := strconv.ParseUint(spec, 16, 64)
		if err == nil {
			return addr, nil
		}
	}
	return 0, &codeview.InvalidAddressError{Input: spec}
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return len(s) > 0
}

const helpText = `
# disview

A disassembly window over a binary or a live gdbserver session. The
window holds a slice of decoded instructions; scrolling past either
edge extends it in the background while the view clamps at the last
loaded row. When the target stops, the view jumps to the break address
unless that row is already loaded.

## Keys

| Key | Action |
|-----|--------|
| up / down | scroll three instructions |
| pgup / pgdn | scroll one screen |
| g | go to an address or symbol |
| enter | jump to the selected symbol |
| b | toggle a breakpoint |
| s | step one instruction |
| c | continue |
| r | retry a failed load |
| tab / shift+tab | cycle views |
| q | quit |

## Row format

` + "```" + `
●  =>   4005d0  91000421  add x1, x1, #0x1  ; <main>:
` + "```" + `

The dot marks a breakpoint, the arrow the stopped instruction. Branch
arrows run in the gutter between the raw bytes and the mnemonic; a
dashed arrow predicts the branch the next step will take.
`

// newSession opens the target described by the command line: a local
// ELF binary, a gdbserver endpoint, or both (the binary then provides
// symbols for the live session).
func newSession(cmd *cobra.Command, args []string) (Session, error) {
	gdbAddr, _ := cmd.Flags().GetString("gdb")
	archFlag, _ := cmd.Flags().GetString("arch")
	startSpec, _ := cmd.Flags().GetString("start")

	var path string
	if len(args) > 0 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return Session{}, fmt.Errorf("failed to resolve path: %v", err)
		}
		if _, err := os.Stat(abs); err != nil {
			if os.IsNotExist(err) {
				return Session{}, fmt.Errorf("file not found: %s", args[0])
			}
			return Session{}, fmt.Errorf("cannot access file: %v", err)
		}
		path = abs
	}
	if path == "" && gdbAddr == "" {
		return Session{}, fmt.Errorf("nothing to view: pass a binary or --gdb host:port")
	}

	var s Session
	if gdbAddr == "" {
		t, err := target.OpenELF(path)
		if err != nil {
			return Session{}, err
		}
		s.Target = t
		s.Image = t.Image()
		s.Desc = fmt.Sprintf("%s (%s)", filepath.Base(path), t.Arch())
	} else {
		var img *elfx.Image
		if path != "" {
			var err error
			img, err = elfx.Open(path)
			if err != nil {
				return Session{}, err
			}
		}
		arch := archFlag
		if arch == "" && img != nil {
			arch = img.Arch()
		}
		if arch == "" {
			return Session{}, errors.New("--arch is required with --gdb when no binary is given")
		}
		if img != nil && archFlag != "" && archFlag != img.Arch() {
			slog.Warn("arch flag disagrees with the binary", "flag", archFlag, "binary", img.Arch())
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), codeview.DefaultTimeout)
		t, err := target.DialGDB(ctx, gdbAddr, arch)
		cancel()
		if err != nil {
			if img != nil {
				img.Close()
			}
			return Session{}, fmt.Errorf("connect to %s: %w", gdbAddr, err)
		}
		s.Target = t
		s.Image = img
		s.OwnImage = img != nil
		s.Desc = fmt.Sprintf("gdb %s (%s)", gdbAddr, arch)
		if ev, ok := t.InitialStop(); ok {
			stop := ev
			s.Stop = &stop
		}
	}

	switch s.Target.Arch() {
	case "arm64":
		s.Dis = disasm.ARM64{}
	case "x86_64":
		s.Dis = disasm.X86{}
	default:
		s.close()
		return Session{}, fmt.Errorf("unsupported architecture %q", s.Target.Arch())
	}

	switch {
	case startSpec != "":
		addr, err := parseLocation(startSpec, symbolize.NewResolver(s.Image))
		if err != nil {
			s.close()
			return Session{}, err
		}
		s.Start = addr
	case s.Stop != nil:
		s.FollowStop = true
		s.Start = s.Stop.Addr
	case s.Image != nil:
		s.Start = s.Image.Entry()
		if s.Start == 0 {
			s.Start = s.Image.Text.VA
		}
	}
	return s, nil
}

var rootCmd = &cobra.Command{
	Use:   "disview [binary]",
	Short: "Terminal disassembly viewer for binaries and live targets",
	Long: `Disview is a terminal disassembly viewer. It browses local ELF
binaries and attaches to gdbserver sessions, keeping a scrollable
instruction window in sync with execution as the target stops.`,
	Example: `
# Browse a binary
disview /path/to/libgame.so

# Follow a live target, with the binary supplying symbols
disview --gdb localhost:1234 /path/to/binary

# Live target without a binary
disview --gdb localhost:1234 --arch arm64
  `,
	Args: cobra.MaximumNArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.Setup(debug)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %v", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %v", err)
			}
			defer pprof.StopCPUProfile()
		}

		memprofile, _ := cmd.Flags().GetString("memprofile")
		if memprofile != "" {
			defer func() {
				f, err := os.Create(memprofile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
					return
				}
				defer f.Close()
				if err := pprof.WriteHeapProfile(f); err != nil {
					fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
				}
			}()
		}

		if !term.IsTerminal(os.Stdout.Fd()) {
			return errors.New("stdout is not a terminal; use the dump subcommand for plain output")
		}

		sess, err := newSession(cmd, args)
		if err != nil {
			return err
		}

		program := tea.NewProgram(
			NewModel(sess),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)
		if _, err := program.Run(); err != nil {
			slog.Error("TUI run error", "error", err)
			return fmt.Errorf("TUI error: %v", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().String("gdb", "", "Connect to a gdbserver at host:port instead of just reading the binary")
	rootCmd.Flags().String("arch", "", "Instruction set for --gdb without a binary (arm64, x86_64)")
	rootCmd.Flags().String("start", "", "Initial address or symbol to show")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.Flags().String("memprofile", "", "Write memory profile to file")
}

// Execute starts the command line. Piped output skips fang so nothing
// styled lands in the stream.
func Execute() {
	if !term.IsTerminal(os.Stdout.Fd()) {
		os.Setenv("DISVIEW_NO_COLOR", "1")
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
