package target

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"disview/internal/disasm"
)

// stopRegsTimeout bounds the register fetch that fleshes out a stop
// event after the stub reports a halt.
const stopRegsTimeout = 5 * time.Second

type gdbReg struct {
	name string
	size int
}

// gdbLayout describes a stub's 'g' packet: register order and sizes,
// plus which register is the program counter and the breakpoint kind
// the Z0 packet wants.
type gdbLayout struct {
	regs    []gdbReg
	pcName  string
	pcRegno uint64
	bpKind  int
}

var gdbLayouts = map[string]gdbLayout{
	"arm64":  {regs: arm64GRegs(), pcName: "pc", pcRegno: 32, bpKind: 4},
	"x86_64": {regs: amd64GRegs(), pcName: "rip", pcRegno: 16, bpKind: 1},
}

func arm64GRegs() []gdbReg {
	regs := make([]gdbReg, 0, 34)
	for i := 0; i <= 30; i++ {
		regs = append(regs, gdbReg{fmt.Sprintf("x%d", i), 8})
	}
	return append(regs, gdbReg{"sp", 8}, gdbReg{"pc", 8}, gdbReg{"cpsr", 4})
}

func amd64GRegs() []gdbReg {
	regs := make([]gdbReg, 0, 24)
	for _, n := range []string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip"} {
		regs = append(regs, gdbReg{n, 8})
	}
	regs = append(regs, gdbReg{"eflags", 4})
	for _, n := range []string{"cs", "ss", "ds", "es", "fs", "gs"} {
		regs = append(regs, gdbReg{n, 4})
	}
	return regs
}

// GDBTarget drives a remote gdb stub over TCP.
//
// The protocol is request/response while the inferior is stopped.
// After a resume the stub owns the wire until it sends a stop reply,
// so a waiter goroutine takes over reading and other operations fail
// with ErrRunning until the stop lands on Stops().
type GDBTarget struct {
	conn   net.Conn
	br     *bufio.Reader
	arch   string
	layout gdbLayout

	mu       sync.Mutex
	running  bool
	closed   bool
	noAck    bool
	hasVCont bool

	stops   chan StopEvent
	initial *StopEvent
}

// DialGDB connects to a gdb stub and runs the opening handshake:
// qSupported, no-ack negotiation, vCont probe, and a '?' query for the
// current stop state.
func DialGDB(ctx context.Context, addr, arch string) (*GDBTarget, error) {
	layout, ok := gdbLayouts[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported arch %q", arch)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial gdb stub: %w", err)
	}
	t := newGDBTarget(conn, arch, layout)
	if err := t.handshake(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gdb handshake: %w", err)
	}
	return t, nil
}

func newGDBTarget(conn net.Conn, arch string, layout gdbLayout) *GDBTarget {
	return &GDBTarget{
		conn:   conn,
		br:     bufio.NewReader(conn),
		arch:   arch,
		layout: layout,
		stops:  make(chan StopEvent, 4),
	}
}

func (t *GDBTarget) handshake(ctx context.Context) error {
	reply, err := t.exchange(ctx, "qSupported:swbreak+;hwbreak+")
	if err != nil {
		return err
	}
	if strings.Contains(reply, "QStartNoAckMode+") {
		if r, err := t.exchange(ctx, "QStartNoAckMode"); err == nil && r == "OK" {
			t.noAck = true
		}
	}
	if reply, err := t.exchange(ctx, "vCont?"); err == nil && strings.HasPrefix(reply, "vCont") {
		t.hasVCont = true
	}

	reply, err = t.exchange(ctx, "?")
	if err != nil {
		return err
	}
	ev := t.parseStopReply(reply)
	if regs, err := t.Registers(ctx); err == nil {
		ev.Regs = regs
		if ev.Addr == 0 {
			if pc, ok := regs.Uint(t.layout.pcName); ok {
				ev.Addr = pc
			}
		}
	}
	t.initial = &ev
	return nil
}

func (t *GDBTarget) Arch() string { return t.arch }

func (t *GDBTarget) Stops() <-chan StopEvent { return t.stops }

// InitialStop reports the inferior state learned at connect time.
func (t *GDBTarget) InitialStop() (StopEvent, bool) {
	if t.initial == nil {
		return StopEvent{}, false
	}
	return *t.initial, true
}

func (t *GDBTarget) ReadMemory(ctx context.Context, addr uint64, n int) ([]byte, error) {
	reply, err := t.exchange(ctx, fmt.Sprintf("m%x,%x", addr, n))
	if err != nil {
		return nil, err
	}
	if isRemoteErr(reply) {
		return nil, fmt.Errorf("gdb: memory read at %#x failed: %s", addr, reply)
	}
	b, err := hex.DecodeString(reply)
	if err != nil {
		return nil, fmt.Errorf("gdb: bad memory reply: %w", err)
	}
	return b, nil
}

func (t *GDBTarget) Registers(ctx context.Context) (disasm.Registers, error) {
	reply, err := t.exchange(ctx, "g")
	if err != nil {
		return nil, err
	}
	if isRemoteErr(reply) {
		return nil, fmt.Errorf("gdb: register read failed: %s", reply)
	}
	return t.parseGRegs(reply), nil
}

// parseGRegs walks the 'g' reply against the layout. Registers the
// stub marks unavailable ("xxxx…") fail hex decoding and are skipped.
func (t *GDBTarget) parseGRegs(reply string) disasm.Registers {
	regs := disasm.Registers{}
	off := 0
	for _, r := range t.layout.regs {
		n := r.size * 2
		if off+n > len(reply) {
			break
		}
		if v, ok := leUint(reply[off : off+n]); ok {
			regs[r.name] = fmt.Sprintf("0x%x", v)
		}
		off += n
	}
	return regs
}

func (t *GDBTarget) Resume(ctx context.Context) error { return t.cont(ctx, "c") }

func (t *GDBTarget) Step(ctx context.Context) error { return t.cont(ctx, "s") }

func (t *GDBTarget) cont(ctx context.Context, action string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	if t.running {
		return ErrRunning
	}
	payload := action
	if t.hasVCont {
		payload = "vCont;" + action
	}
	if err := t.setDeadline(ctx); err != nil {
		return err
	}
	if err := t.send(payload); err != nil {
		return fmt.Errorf("gdb: %s: %w", payload, err)
	}
	t.running = true
	go t.waitStop()
	return nil
}

// waitStop owns the read side of the connection while the inferior
// runs. It publishes the stop on the Stops channel once registers have
// been refreshed.
func (t *GDBTarget) waitStop() {
	t.conn.SetReadDeadline(time.Time{})
	reply, err := t.recv()

	t.mu.Lock()
	t.running = false
	closed := t.closed
	t.mu.Unlock()

	if err != nil {
		if !closed {
			slog.Debug("gdb stop wait failed", "err", err)
		}
		return
	}

	ev := t.parseStopReply(reply)
	if len(reply) > 0 && (reply[0] == 'T' || reply[0] == 'S') {
		ctx, cancel := context.WithTimeout(context.Background(), stopRegsTimeout)
		if regs, err := t.Registers(ctx); err == nil {
			ev.Regs = regs
			if ev.Addr == 0 {
				if pc, ok := regs.Uint(t.layout.pcName); ok {
					ev.Addr = pc
				}
			}
		}
		cancel()
	}
	t.stops <- ev
}

func (t *GDBTarget) SetBreakpoint(ctx context.Context, addr uint64) error {
	return t.breakpoint(ctx, "Z0", addr)
}

func (t *GDBTarget) ClearBreakpoint(ctx context.Context, addr uint64) error {
	return t.breakpoint(ctx, "z0", addr)
}

func (t *GDBTarget) breakpoint(ctx context.Context, cmd string, addr uint64) error {
	reply, err := t.exchange(ctx, fmt.Sprintf("%s,%x,%d", cmd, addr, t.layout.bpKind))
	if err != nil {
		return err
	}
	switch {
	case reply == "OK":
		return nil
	case reply == "":
		return ErrNotSupported
	default:
		return fmt.Errorf("gdb: %s at %#x failed: %s", cmd, addr, reply)
	}
}

func (t *GDBTarget) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

// parseStopReply reads T/S/W/X stop packets. T packets carry n:v pairs
// whose numeric keys are register numbers; the PC is pulled out when
// present so a stop can be placed without a register round trip.
func (t *GDBTarget) parseStopReply(reply string) StopEvent {
	ev := StopEvent{Reason: "stopped"}
	if reply == "" {
		return ev
	}
	switch reply[0] {
	case 'T', 'S':
		if len(reply) >= 3 {
			if sig, err := strconv.ParseUint(reply[1:3], 16, 8); err == nil {
				if sig == 5 {
					ev.Reason = "breakpoint"
				} else {
					ev.Reason = fmt.Sprintf("signal %d", sig)
				}
			}
		}
		if reply[0] != 'T' || len(reply) < 4 {
			return ev
		}
		for _, field := range strings.Split(reply[3:], ";") {
			k, v, ok := strings.Cut(field, ":")
			if !ok || k == "" {
				continue
			}
			switch k {
			case "swbreak", "hwbreak":
				ev.Reason = "breakpoint"
			case "watch", "rwatch", "awatch":
				ev.Reason = "watchpoint"
			default:
				if regno, err := strconv.ParseUint(k, 16, 16); err == nil && regno == t.layout.pcRegno {
					if pc, ok := leUint(v); ok {
						ev.Addr = pc
					}
				}
			}
		}
	case 'W':
		ev.Reason = "exited"
	case 'X':
		ev.Reason = "terminated"
	}
	return ev
}

// exchange performs one stopped-mode request/response round trip.
func (t *GDBTarget) exchange(ctx context.Context, payload string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", net.ErrClosed
	}
	if t.running {
		return "", ErrRunning
	}
	if err := t.setDeadline(ctx); err != nil {
		return "", err
	}
	if err := t.send(payload); err != nil {
		return "", fmt.Errorf("gdb: send %q: %w", payload, err)
	}
	reply, err := t.recv()
	if err != nil {
		return "", fmt.Errorf("gdb: reply to %q: %w", payload, err)
	}
	return reply, nil
}

func (t *GDBTarget) setDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Time{}
	}
	return t.conn.SetDeadline(dl)
}

// send frames and transmits one packet, retransmitting on '-' while
// ack mode is active.
func (t *GDBTarget) send(payload string) error {
	pkt := fmt.Sprintf("$%s#%02x", payload, checksum(payload))
	for attempt := 0; attempt < 5; attempt++ {
		if _, err := t.conn.Write([]byte(pkt)); err != nil {
			return err
		}
		if t.noAck {
			return nil
		}
		b, err := t.br.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case '+':
			return nil
		case '-':
			slog.Debug("gdb nak, retransmitting", "payload", payload)
		default:
			// The stub is already talking; treat it as an implicit ack.
			if err := t.br.UnreadByte(); err != nil {
				return err
			}
			return nil
		}
	}
	return errors.New("too many retransmits")
}

// recv reads one '$data#cs' packet, verifies the checksum, acks it,
// and expands the payload.
func (t *GDBTarget) recv() (string, error) {
	for {
		b, err := t.br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
		// Stray acks and noise between packets are skipped.
	}
	var data []byte
	for {
		b, err := t.br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			break
		}
		data = append(data, b)
	}
	var sum [2]byte
	if _, err := io.ReadFull(t.br, sum[:]); err != nil {
		return "", err
	}
	want, err := strconv.ParseUint(string(sum[:]), 16, 8)
	if err != nil {
		return "", fmt.Errorf("bad checksum field %q", sum)
	}
	if got := checksum(string(data)); byte(want) != got {
		if !t.noAck {
			t.conn.Write([]byte{'-'})
		}
		return "", fmt.Errorf("checksum mismatch: got %02x, want %02x", got, want)
	}
	if !t.noAck {
		if _, err := t.conn.Write([]byte{'+'}); err != nil {
			return "", err
		}
	}
	return expandRSP(data), nil
}

func checksum(s string) byte {
	var sum byte
	for i := 0; i < len(s); i++ {
		sum += s[i]
	}
	return sum
}

// expandRSP undoes the protocol's run-length encoding ('*' followed by
// a count character offset by 29) and 0x7d escape pairs.
func expandRSP(data []byte) string {
	var out []byte
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case 0x7d:
			if i+1 < len(data) {
				i++
				out = append(out, data[i]^0x20)
			}
		case '*':
			if i+1 < len(data) {
				i++
				if len(out) > 0 {
					n := int(data[i]) - 29
					for j := 0; j < n; j++ {
						out = append(out, out[len(out)-1])
					}
				}
			}
		default:
			out = append(out, data[i])
		}
	}
	return string(out)
}

// leUint decodes a little-endian hex register value.
func leUint(s string) (uint64, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 || len(b) > 8 {
		return 0, false
	}
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * uint(i))
	}
	return v, true
}

// isRemoteErr matches the stub's "Enn" error replies. Memory replies
// are even-length hex strings, so a three-byte reply starting with E
// is unambiguous.
func isRemoteErr(reply string) bool {
	return len(reply) == 3 && reply[0] == 'E'
}
