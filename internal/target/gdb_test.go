package target

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

var (
	_ Target = (*GDBTarget)(nil)
	_ Target = (*ELFTarget)(nil)
)

func le64hex(v uint64) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return hex.EncodeToString(b[:])
}

// readRSPPacket reads one framed packet off the wire and returns the
// raw payload, discarding anything before the '$'.
func readRSPPacket(br *bufio.Reader) (string, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
	}
	data, err := br.ReadString('#')
	if err != nil {
		return "", err
	}
	var sum [2]byte
	if _, err := io.ReadFull(br, sum[:]); err != nil {
		return "", err
	}
	return strings.TrimSuffix(data, "#"), nil
}

// expectRSP plays one scripted server step: read a request, optionally
// ack it, send the reply, and in ack mode consume the client's ack.
func expectRSP(t *testing.T, br *bufio.Reader, conn net.Conn, ack bool, want, reply string) {
	t.Helper()
	got, err := readRSPPacket(br)
	if err != nil {
		t.Errorf("server read while expecting %q: %v", want, err)
		return
	}
	if ack {
		conn.Write([]byte{'+'})
	}
	if got != want {
		t.Errorf("server got packet %q, want %q", got, want)
	}
	fmt.Fprintf(conn, "$%s#%02x", reply, checksum(reply))
	if ack {
		if b, err := br.ReadByte(); err != nil || b != '+' {
			t.Errorf("client did not ack %q: %v %q", reply, err, b)
		}
	}
}

func serveNoAck(t *testing.T, conn net.Conn, script [][2]string) {
	br := bufio.NewReader(conn)
	for _, step := range script {
		expectRSP(t, br, conn, false, step[0], step[1])
	}
}

func arm64GReply(pc uint64) string {
	var sb strings.Builder
	for i := 0; i < 31; i++ {
		sb.WriteString(le64hex(uint64(i)))
	}
	sb.WriteString(le64hex(0x7ffffff0))
	sb.WriteString(le64hex(pc))
	sb.WriteString("00000060")
	return sb.String()
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		payload string
		want    byte
	}{
		{"", 0x00},
		{"OK", 0x9a},
		{"g", 0x67},
		{"m1000,4", 0x8e},
	}
	for _, tt := range tests {
		if got := checksum(tt.payload); got != tt.want {
			t.Errorf("checksum(%q) = %02x, want %02x", tt.payload, got, tt.want)
		}
	}
}

func TestExpandRSP(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain", []byte("deadbeef"), "deadbeef"},
		{"runlength", []byte("0* "), "0000"},
		{"runlength mid", []byte("ax*!b"), "axxxxxb"},
		{"escape", []byte{0x7d, 0x03}, "#"},
		{"escape then data", []byte{0x7d, 0x5d, 'z'}, "}z"},
		{"leading star ignored", []byte("*!ab"), "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandRSP(tt.in); got != tt.want {
				t.Errorf("expandRSP(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLEUint(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"78563412", 0x12345678, true},
		{"0010400000000000", 0x401000, true},
		{"ff", 0xff, true},
		{"xxxxxxxx", 0, false},
		{"", 0, false},
		{"001040000000000000", 0, false},
	}
	for _, tt := range tests {
		got, ok := leUint(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("leUint(%q) = %#x, %v, want %#x, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseStopReply(t *testing.T) {
	pc := le64hex(0x401000)
	tests := []struct {
		name     string
		arch     string
		reply    string
		wantAddr uint64
		wantWhy  string
	}{
		{"arm64 T with pc", "arm64", "T0520:" + pc + ";thread:p1.1;", 0x401000, "breakpoint"},
		{"swbreak flag", "arm64", "T05swbreak:;20:" + pc + ";", 0x401000, "breakpoint"},
		{"x86_64 T with pc", "x86_64", "T0510:" + pc + ";", 0x401000, "breakpoint"},
		{"other register only", "arm64", "T0a1d:" + le64hex(4) + ";", 0, "signal 10"},
		{"bare signal", "arm64", "S0b", 0, "signal 11"},
		{"exit", "arm64", "W00", 0, "exited"},
		{"killed", "arm64", "X09", 0, "terminated"},
		{"empty", "arm64", "", 0, "stopped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt := &GDBTarget{layout: gdbLayouts[tt.arch]}
			ev := tgt.parseStopReply(tt.reply)
			if ev.Addr != tt.wantAddr {
				t.Errorf("Addr = %#x, want %#x", ev.Addr, tt.wantAddr)
			}
			if ev.Reason != tt.wantWhy {
				t.Errorf("Reason = %q, want %q", ev.Reason, tt.wantWhy)
			}
		})
	}
}

func TestParseGRegs(t *testing.T) {
	tgt := &GDBTarget{layout: gdbLayouts["arm64"]}
	regs := tgt.parseGRegs(arm64GReply(0x401000))
	for reg, want := range map[string]string{
		"x0":   "0x0",
		"x30":  "0x1e",
		"sp":   "0x7ffffff0",
		"pc":   "0x401000",
		"cpsr": "0x60000000",
	} {
		if got := regs[reg]; got != want {
			t.Errorf("regs[%q] = %q, want %q", reg, got, want)
		}
	}

	// Truncated reply stops cleanly at the last full register.
	short := tgt.parseGRegs(le64hex(1) + le64hex(2))
	if len(short) != 2 || short["x1"] != "0x2" {
		t.Errorf("truncated parse = %v, want x0 and x1 only", short)
	}

	// Unavailable registers are skipped without shifting later ones.
	holey := tgt.parseGRegs("x" + strings.Repeat("x", 15) + le64hex(7))
	if _, ok := holey["x0"]; ok {
		t.Error("unavailable x0 should be absent")
	}
	if holey["x1"] != "0x7" {
		t.Errorf("regs[x1] = %q, want 0x7", holey["x1"])
	}
}

func TestParseGRegsX86(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 17; i++ {
		sb.WriteString(le64hex(uint64(i + 1)))
	}
	sb.WriteString("46020000")
	for i := 0; i < 6; i++ {
		sb.WriteString("33000000")
	}
	tgt := &GDBTarget{layout: gdbLayouts["x86_64"]}
	regs := tgt.parseGRegs(sb.String())
	for reg, want := range map[string]string{
		"rax":    "0x1",
		"rsp":    "0x8",
		"rip":    "0x11",
		"eflags": "0x246",
		"cs":     "0x33",
	} {
		if got := regs[reg]; got != want {
			t.Errorf("regs[%q] = %q, want %q", reg, got, want)
		}
	}
}

func TestHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(server)
		expectRSP(t, br, server, true, "qSupported:swbreak+;hwbreak+",
			"PacketSize=47ff;QStartNoAckMode+;vContSupported+;swbreak+")
		expectRSP(t, br, server, true, "QStartNoAckMode", "OK")
		expectRSP(t, br, server, false, "vCont?", "vCont;c;C;s;S")
		expectRSP(t, br, server, false, "?", "S05")
		expectRSP(t, br, server, false, "g", arm64GReply(0x400000))
	}()

	tgt := newGDBTarget(client, "arm64", gdbLayouts["arm64"])
	if err := tgt.handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	<-done

	if !tgt.noAck {
		t.Error("no-ack mode not negotiated")
	}
	if !tgt.hasVCont {
		t.Error("vCont support not detected")
	}
	ev, ok := tgt.InitialStop()
	if !ok {
		t.Fatal("no initial stop recorded")
	}
	if ev.Addr != 0x400000 {
		t.Errorf("initial stop at %#x, want 0x400000", ev.Addr)
	}
	if ev.Reason != "breakpoint" {
		t.Errorf("initial stop reason %q, want breakpoint", ev.Reason)
	}
	if ev.Regs["x3"] != "0x3" {
		t.Errorf("initial regs x3 = %q, want 0x3", ev.Regs["x3"])
	}
}

func TestReadMemoryAckMode(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(server)

		// Refuse the first transmission to force a retransmit.
		if _, err := readRSPPacket(br); err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		server.Write([]byte{'-'})
		expectRSP(t, br, server, true, "m1000,4", "deadbeef")
	}()

	tgt := newGDBTarget(client, "arm64", gdbLayouts["arm64"])
	b, err := tgt.ReadMemory(context.Background(), 0x1000, 4)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(b, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("ReadMemory = %x, want deadbeef", b)
	}
	<-done
}

func TestReadMemoryError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go serveNoAck(t, server, [][2]string{{"mfff0000,400", "E14"}})

	tgt := newGDBTarget(client, "arm64", gdbLayouts["arm64"])
	tgt.noAck = true
	if _, err := tgt.ReadMemory(context.Background(), 0xfff0000, 0x400); err == nil {
		t.Fatal("expected error for E14 reply")
	}
}

func TestBreakpoints(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go serveNoAck(t, server, [][2]string{
		{"Z0,401000,4", "OK"},
		{"z0,401000,4", "OK"},
		{"Z0,5000,4", ""},
	})

	tgt := newGDBTarget(client, "arm64", gdbLayouts["arm64"])
	tgt.noAck = true

	ctx := context.Background()
	if err := tgt.SetBreakpoint(ctx, 0x401000); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if err := tgt.ClearBreakpoint(ctx, 0x401000); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}
	if err := tgt.SetBreakpoint(ctx, 0x5000); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("SetBreakpoint with empty reply = %v, want ErrNotSupported", err)
	}
}

func TestResumeDeliversStop(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	gate := make(chan struct{})
	go func() {
		br := bufio.NewReader(server)
		got, err := readRSPPacket(br)
		if err != nil || got != "vCont;c" {
			t.Errorf("server got %q (%v), want vCont;c", got, err)
			return
		}
		<-gate
		reply := "T0520:" + le64hex(0x401000) + ";thread:p1.1;"
		fmt.Fprintf(server, "$%s#%02x", reply, checksum(reply))
		expectRSP(t, br, server, false, "g", arm64GReply(0x401000))
	}()

	tgt := newGDBTarget(client, "arm64", gdbLayouts["arm64"])
	tgt.noAck = true
	tgt.hasVCont = true

	ctx := context.Background()
	if err := tgt.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// While the inferior runs the wire belongs to the stop waiter.
	if _, err := tgt.ReadMemory(ctx, 0x1000, 4); !errors.Is(err, ErrRunning) {
		t.Fatalf("ReadMemory while running = %v, want ErrRunning", err)
	}
	if err := tgt.Resume(ctx); !errors.Is(err, ErrRunning) {
		t.Fatalf("Resume while running = %v, want ErrRunning", err)
	}

	close(gate)
	select {
	case ev := <-tgt.Stops():
		if ev.Addr != 0x401000 {
			t.Errorf("stop at %#x, want 0x401000", ev.Addr)
		}
		if ev.Reason != "breakpoint" {
			t.Errorf("stop reason %q, want breakpoint", ev.Reason)
		}
		if ev.Regs["pc"] != "0x401000" {
			t.Errorf("stop regs pc = %q, want 0x401000", ev.Regs["pc"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no stop event delivered")
	}
}

func TestStepWithoutVCont(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		br := bufio.NewReader(server)
		got, err := readRSPPacket(br)
		if err != nil || got != "s" {
			t.Errorf("server got %q (%v), want s", got, err)
			return
		}
		reply := "S05"
		fmt.Fprintf(server, "$%s#%02x", reply, checksum(reply))
		expectRSP(t, br, server, false, "g", arm64GReply(0x401004))
	}()

	tgt := newGDBTarget(client, "arm64", gdbLayouts["arm64"])
	tgt.noAck = true

	if err := tgt.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	select {
	case ev := <-tgt.Stops():
		if ev.Addr != 0x401004 {
			t.Errorf("stop at %#x, want 0x401004", ev.Addr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no stop event delivered")
	}
}

func TestExchangeHonorsContext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tgt := newGDBTarget(client, "arm64", gdbLayouts["arm64"])
	tgt.noAck = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tgt.ReadMemory(ctx, 0, 4); !errors.Is(err, context.Canceled) {
		t.Fatalf("ReadMemory with canceled context = %v, want context.Canceled", err)
	}
}

func TestClosedTarget(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	tgt := newGDBTarget(client, "arm64", gdbLayouts["arm64"])
	if err := tgt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tgt.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := tgt.ReadMemory(context.Background(), 0, 4); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("ReadMemory after Close = %v, want net.ErrClosed", err)
	}
}

func TestDialGDBRejectsUnknownArch(t *testing.T) {
	if _, err := DialGDB(context.Background(), "127.0.0.1:0", "mips"); err == nil {
		t.Fatal("expected error for unknown arch")
	}
}
