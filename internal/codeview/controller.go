// Package codeview implements the navigation engine behind the
// disassembly view: a contiguous instruction buffer fed by chunked
// remote reads, a distance-pruned prefetch cache, and a viewport
// controller that keeps scrolling, jumps, and stop events consistent
// while fetches resolve asynchronously.
//
// The controller is a plain state machine. Operations mutate it and
// return the fetch requests the caller must run; finished fetches
// come back through Apply, which drops anything the viewport has
// moved past. Nothing here blocks, locks, or spawns goroutines.
package codeview

import (
	"log/slog"

	"disview/internal/disasm"
)

const (
	// ScrollStep is how many rows one scroll tick moves the viewport.
	ScrollStep = 3
	// EdgeSlack is how close to the buffer edge, in bytes, a stop
	// address may land without forcing a reload.
	EdgeSlack = 64

	prefetchStep = 512
)

// RequestKind names the fetch classes the controller issues.
type RequestKind int

const (
	ReqMain RequestKind = iota
	ReqHead
	ReqTail
	ReqPrefetch
)

func (k RequestKind) String() string {
	switch k {
	case ReqMain:
		return "main"
	case ReqHead:
		return "head"
	case ReqTail:
		return "tail"
	case ReqPrefetch:
		return "prefetch"
	}
	return "unknown"
}

// Request describes one fetch the caller should run. Token carries
// the navigation token for main loads and the buffer generation for
// extensions and prefetches; Apply compares it against the current
// counter to drop results that arrive after the viewport has moved
// on.
type Request struct {
	Kind   RequestKind
	Token  uint64
	Addr   uint64
	Length int
}

// Result delivers one finished fetch back to the controller.
type Result struct {
	Req   Request
	Chunk Chunk
	Err   error
}

// Controller owns the instruction buffer, the prefetch cache, and the
// viewport cursor into the buffer.
type Controller struct {
	buf   *Buffer
	cache *PrefetchCache

	size  int // viewport rows
	start int // viewport start index

	token uint64 // navigation token, bumps on every load intent
	gen   uint64 // buffer generation, bumps on every clear

	mainPending bool
	mainAddr    uint64
	headPending bool
	tailPending bool
	inflight    map[uint64]bool // prefetch starts issued this generation

	loadErr   error
	retryAddr uint64

	stopAddr    uint64
	stopped     bool
	handledStop uint64
	hasHandled  bool

	breaks   map[uint64]bool // addr → is software breakpoint
	discards int
}

// NewController returns a controller for a viewport of size rows.
func NewController(size int) *Controller {
	if size < 1 {
		size = 1
	}
	return &Controller{
		buf:      NewBuffer(),
		cache:    NewPrefetchCache(),
		size:     size,
		inflight: make(map[uint64]bool),
	}
}

// LoadAt discards buffer and cache and loads a fresh chunk at addr.
func (c *Controller) LoadAt(addr uint64) []Request {
	c.clear()
	c.mainPending = true
	c.mainAddr = addr
	c.retryAddr = addr
	return []Request{{Kind: ReqMain, Token: c.token, Addr: addr, Length: ChunkLen}}
}

func (c *Controller) clear() {
	c.token++
	c.gen++
	c.buf.Clear()
	c.cache.Clear()
	c.inflight = make(map[uint64]bool)
	c.start = 0
	c.mainPending = false
	c.headPending = false
	c.tailPending = false
	c.loadErr = nil
}

// JumpTo moves the viewport so addr sits on the top row. Inside the
// buffer this is a pure re-slice with no I/O; outside it discards
// buffer and cache and loads fresh, superseding any in-flight load.
func (c *Controller) JumpTo(addr uint64) []Request {
	if i, ok := c.buf.IndexOf(addr); ok {
		c.start = i
		return nil
	}
	return c.LoadAt(addr)
}

// Retry reissues the last failed main load.
func (c *Controller) Retry() []Request {
	if c.loadErr == nil {
		return nil
	}
	return c.LoadAt(c.retryAddr)
}

// ScrollUp moves the viewport up one step. Past the first row it
// merges a cached chunk when one lines up with the buffer head,
// otherwise it issues a head fetch and clamps until that resolves.
func (c *Controller) ScrollUp() []Request {
	if c.buf.Len() == 0 {
		return nil
	}
	newStart := c.start - ScrollStep
	if newStart >= 0 {
		c.start = newStart
		return nil
	}
	first, _ := c.buf.First()
	if first.Addr == 0 {
		c.start = 0
		return nil
	}
	if ch, ok := c.cache.TakeCovering(first.Addr - 1); ok {
		added, err := c.buf.ExtendHead(ch.Ins)
		if err != nil {
			slog.Debug("cached head chunk does not line up", "chunk", ch.Start, "buffer", first.Addr, "err", err)
		}
		if added > 0 {
			c.start = max(newStart+added, 0)
			return c.prefetch()
		}
	}
	c.start = 0
	if c.headPending {
		return nil
	}
	c.headPending = true
	addr, length := uint64(0), int(first.Addr)
	if first.Addr >= ChunkLen {
		addr, length = first.Addr-ChunkLen, ChunkLen
	}
	return []Request{{Kind: ReqHead, Token: c.gen, Addr: addr, Length: length}}
}

// ScrollDown moves the viewport down one step. Past the last loaded
// row it merges a cached chunk when one lines up with the buffer
// tail, otherwise it issues a tail fetch and clamps until that
// resolves.
func (c *Controller) ScrollDown() []Request {
	n := c.buf.Len()
	if n == 0 {
		return nil
	}
	newStart := c.start + ScrollStep
	maxStart := max(0, n-c.size)
	if newStart <= maxStart {
		c.start = newStart
		return nil
	}
	end := c.buf.End()
	if ch, ok := c.cache.TakeCovering(end); ok {
		added, err := c.buf.ExtendTail(ch.Ins)
		if err != nil {
			slog.Debug("cached tail chunk does not line up", "chunk", ch.Start, "buffer", end, "err", err)
		}
		if added > 0 {
			c.start = min(newStart, max(0, c.buf.Len()-c.size))
			return c.prefetch()
		}
	}
	c.start = min(newStart, maxStart)
	if c.tailPending {
		return nil
	}
	c.tailPending = true
	return []Request{{Kind: ReqTail, Token: c.gen, Addr: end, Length: ChunkLen}}
}

// Apply folds one finished fetch into the controller and returns any
// follow-up requests. Results carrying a stale token or generation
// are counted and dropped.
func (c *Controller) Apply(res Result) []Request {
	switch res.Req.Kind {
	case ReqMain:
		return c.applyMain(res)
	case ReqHead:
		return c.applyHead(res)
	case ReqTail:
		return c.applyTail(res)
	case ReqPrefetch:
		return c.applyPrefetch(res)
	}
	return nil
}

func (c *Controller) applyMain(res Result) []Request {
	if !c.mainPending || res.Req.Token != c.token {
		c.discard(res, "superseded")
		return nil
	}
	c.mainPending = false
	if res.Err != nil {
		c.loadErr = res.Err
		return nil
	}
	if err := c.buf.Reset(res.Chunk.Ins); err != nil {
		c.loadErr = &DisassemblyError{Addr: res.Req.Addr, Err: err}
		return nil
	}
	// Mid-instruction landing decodes from the chunk start instead of
	// the requested address; fall back to the buffer start then.
	if i, ok := c.buf.IndexOf(c.mainAddr); ok {
		c.start = i
	} else {
		c.start = 0
	}
	c.loadErr = nil
	return c.prefetch()
}

func (c *Controller) applyHead(res Result) []Request {
	if res.Req.Token != c.gen {
		c.discard(res, "stale generation")
		return nil
	}
	c.headPending = false
	if res.Err != nil {
		slog.Debug("head extension failed", "addr", res.Req.Addr, "err", res.Err)
		return nil
	}
	added, err := c.buf.ExtendHead(res.Chunk.Ins)
	if err != nil {
		slog.Debug("head chunk does not line up", "addr", res.Req.Addr, "err", err)
		return nil
	}
	if added == 0 {
		return nil
	}
	// Keep the same rows on screen; the merge shifted every index up.
	c.start += added
	return c.prefetch()
}

func (c *Controller) applyTail(res Result) []Request {
	if res.Req.Token != c.gen {
		c.discard(res, "stale generation")
		return nil
	}
	c.tailPending = false
	if res.Err != nil {
		slog.Debug("tail extension failed", "addr", res.Req.Addr, "err", res.Err)
		return nil
	}
	added, err := c.buf.ExtendTail(res.Chunk.Ins)
	if err != nil {
		slog.Debug("tail chunk does not line up", "addr", res.Req.Addr, "err", err)
		return nil
	}
	if added == 0 {
		return nil
	}
	return c.prefetch()
}

func (c *Controller) applyPrefetch(res Result) []Request {
	if res.Req.Token != c.gen {
		c.discard(res, "stale generation")
		return nil
	}
	delete(c.inflight, res.Req.Addr)
	if res.Err != nil {
		slog.Debug("prefetch failed", "addr", res.Req.Addr, "err", res.Err)
		return nil
	}
	c.cache.Put(res.Chunk, c.center())
	return nil
}

func (c *Controller) discard(res Result, why string) {
	c.discards++
	slog.Debug("discarding stale fetch result", "kind", res.Req.Kind.String(), "addr", res.Req.Addr, "reason", why)
}

// prefetch returns requests for the chunks flanking the viewport
// center, skipping ranges the buffer, the cache, or an in-flight
// request already covers.
func (c *Controller) prefetch() []Request {
	if c.buf.Len() == 0 {
		return nil
	}
	center := c.center()
	var reqs []Request
	for _, d := range []int64{-2 * prefetchStep, -prefetchStep, prefetchStep, 2 * prefetchStep} {
		var addr uint64
		if d < 0 {
			if center < uint64(-d) {
				continue
			}
			addr = center - uint64(-d)
		} else {
			addr = center + uint64(d)
		}
		if c.buf.CoversRange(addr, addr+ChunkLen) || c.cache.Has(addr) || c.inflight[addr] {
			continue
		}
		c.inflight[addr] = true
		reqs = append(reqs, Request{Kind: ReqPrefetch, Token: c.gen, Addr: addr, Length: ChunkLen})
	}
	return reqs
}

// center returns the address of the middle visible row.
func (c *Controller) center() uint64 {
	n := c.buf.Len()
	if n == 0 {
		return 0
	}
	return c.buf.At(min(c.start+c.size/2, n-1)).Addr
}

// SetBreakpoints replaces the breakpoint address set used to derive
// per-row flags. The value marks software breakpoints.
func (c *Controller) SetBreakpoints(addrs map[uint64]bool) {
	c.breaks = make(map[uint64]bool, len(addrs))
	for a, sw := range addrs {
		c.breaks[a] = sw
	}
}

// Slice returns the visible rows. Breakpoint flags are derived onto
// the returned copies; the buffered instructions stay untouched.
func (c *Controller) Slice() []disasm.Inst {
	out := c.buf.Slice(c.start, c.size)
	if len(c.breaks) == 0 {
		return out
	}
	for i := range out {
		if sw, ok := c.breaks[out[i].Addr]; ok {
			out[i].Flags |= disasm.FlagBreakpoint
			if sw {
				out[i].Flags |= disasm.FlagSWBreakpoint
			}
		}
	}
	return out
}

func (c *Controller) Len() int      { return c.buf.Len() }
func (c *Controller) Start() int    { return c.start }
func (c *Controller) ViewSize() int { return c.size }

// SetViewSize adjusts the viewport height, e.g. on terminal resize.
func (c *Controller) SetViewSize(n int) {
	if n < 1 {
		n = 1
	}
	c.size = n
}

// Loading reports whether a main load is in flight.
func (c *Controller) Loading() bool { return c.mainPending }

// Extending reports whether a head or tail extension is in flight.
func (c *Controller) Extending() (head, tail bool) { return c.headPending, c.tailPending }

// Err returns the current retryable main-load error, if any.
func (c *Controller) Err() error { return c.loadErr }

// Discarded returns how many stale results Apply has dropped.
func (c *Controller) Discarded() int { return c.discards }

// Range returns the buffered byte range.
func (c *Controller) Range() (lo, hi uint64, ok bool) { return c.buf.Range() }

// Covers reports whether addr is inside the buffered range.
func (c *Controller) Covers(addr uint64) bool { return c.buf.Covers(addr) }

// IndexOf returns the buffer index of the instruction at addr.
func (c *Controller) IndexOf(addr uint64) (int, bool) { return c.buf.IndexOf(addr) }
