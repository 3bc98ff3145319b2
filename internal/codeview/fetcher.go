package codeview

import (
	"context"
	"errors"
	"time"

	"disview/internal/disasm"
)

const (
	// ChunkLen is the byte length of one fetch.
	ChunkLen = 1024
	// DefaultTimeout bounds a single fetch end to end.
	DefaultTimeout = 10 * time.Second
)

// MemoryReader is the remote read channel a fetcher pulls bytes from.
// Implementations must honor ctx cancellation.
type MemoryReader interface {
	ReadMemory(ctx context.Context, addr uint64, n int) ([]byte, error)
}

// Fetcher reads a byte range from the target and decodes it into a
// chunk. It carries no mutable state, so any number of fetches may
// resolve concurrently.
type Fetcher struct {
	Mem     MemoryReader
	Dis     disasm.Disassembler
	Timeout time.Duration
}

// Fetch retrieves length bytes at addr and decodes them. Read
// failures, including deadline expiry, come back as *TransportError;
// failed or empty decodes as *DisassemblyError.
func (f *Fetcher) Fetch(ctx context.Context, addr uint64, length int) (Chunk, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf, err := f.Mem.ReadMemory(ctx, addr, length)
	if err != nil {
		return Chunk{}, &TransportError{Addr: addr, Len: length, Err: err}
	}
	if len(buf) == 0 {
		return Chunk{}, &TransportError{Addr: addr, Len: length, Err: errors.New("empty read")}
	}
	ins, err := f.Dis.Disassemble(buf, addr)
	if err != nil {
		return Chunk{}, &DisassemblyError{Addr: addr, Err: err}
	}
	if len(ins) == 0 {
		return Chunk{}, &DisassemblyError{Addr: addr, Err: errors.New("no instructions decoded")}
	}
	return Chunk{Start: addr, Ins: ins}, nil
}
