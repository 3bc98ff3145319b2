package target

import (
	"context"
	"fmt"

	"disview/internal/disasm"
	"disview/internal/elfx"
)

// ELFTarget serves reads from a local mmap'd image. Nothing ever runs,
// so execution control is unsupported and Stops never fires.
type ELFTarget struct {
	im *elfx.Image
}

// OpenELF maps the binary at path.
func OpenELF(path string) (*ELFTarget, error) {
	im, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	if im.Arch() == "" {
		machine := im.File.Machine
		im.Close()
		return nil, fmt.Errorf("unsupported machine %v", machine)
	}
	return &ELFTarget{im: im}, nil
}

// Image exposes the underlying ELF for symbol resolution.
func (t *ELFTarget) Image() *elfx.Image { return t.im }

func (t *ELFTarget) Arch() string { return t.im.Arch() }

// Entry returns the ELF entry point, the natural starting view.
func (t *ELFTarget) Entry() uint64 { return t.im.Entry() }

// ReadMemory copies bytes out of the mapped file. Reads that start in
// a segment but overrun its end are truncated at the segment boundary
// rather than spilling into unrelated file bytes.
func (t *ELFTarget) ReadMemory(ctx context.Context, addr uint64, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, l := range t.im.Loads {
		if addr < l.Vaddr || addr >= l.Vaddr+l.Filesz {
			continue
		}
		if rem := l.Vaddr + l.Filesz - addr; uint64(n) > rem {
			n = int(rem)
		}
		if b, ok := t.im.ReadBytesVA(addr, n); ok {
			return b, nil
		}
		break
	}
	return nil, fmt.Errorf("address %#x is not mapped", addr)
}

func (t *ELFTarget) Registers(ctx context.Context) (disasm.Registers, error) {
	return disasm.Registers{}, nil
}

func (t *ELFTarget) Resume(ctx context.Context) error { return ErrNotSupported }
func (t *ELFTarget) Step(ctx context.Context) error   { return ErrNotSupported }

func (t *ELFTarget) SetBreakpoint(ctx context.Context, addr uint64) error {
	return ErrNotSupported
}

func (t *ELFTarget) ClearBreakpoint(ctx context.Context, addr uint64) error {
	return ErrNotSupported
}

func (t *ELFTarget) Stops() <-chan StopEvent { return nil }

func (t *ELFTarget) Close() error { return t.im.Close() }
