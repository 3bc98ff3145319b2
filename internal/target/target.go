// Package target abstracts where instruction bytes and execution state
// come from: a local ELF image for static browsing, or a live process
// behind a GDB remote-serial-protocol server.
package target

import (
	"context"
	"errors"

	"disview/internal/disasm"
)

var (
	// ErrNotSupported marks operations a target cannot perform, such
	// as resuming a static image.
	ErrNotSupported = errors.New("target: operation not supported")

	// ErrRunning is returned for state queries while the inferior is
	// executing and no stop has been reported yet.
	ErrRunning = errors.New("target: inferior is running")
)

// StopEvent reports that the inferior halted.
type StopEvent struct {
	Addr   uint64
	Regs   disasm.Registers
	Reason string
}

// Target is a source of memory, registers, and execution control.
// Memory reads may return fewer bytes than requested near mapping
// boundaries.
type Target interface {
	// Arch names the instruction set ("arm64", "x86_64").
	Arch() string

	ReadMemory(ctx context.Context, addr uint64, n int) ([]byte, error)
	Registers(ctx context.Context) (disasm.Registers, error)

	Resume(ctx context.Context) error
	Step(ctx context.Context) error
	SetBreakpoint(ctx context.Context, addr uint64) error
	ClearBreakpoint(ctx context.Context, addr uint64) error

	// Stops delivers halt notifications after Resume or Step. Static
	// targets return nil; callers must tolerate a channel that never
	// fires.
	Stops() <-chan StopEvent

	Close() error
}
