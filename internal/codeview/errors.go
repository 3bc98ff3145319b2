package codeview

import "fmt"

// TransportError reports a failed memory read against the target,
// including reads cut off by the fetch deadline.
type TransportError struct {
	Addr uint64
	Len  int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("read %d bytes at %#x: %v", e.Len, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DisassemblyError reports that fetched bytes could not be decoded
// into any instructions.
type DisassemblyError struct {
	Addr uint64
	Err  error
}

func (e *DisassemblyError) Error() string {
	return fmt.Sprintf("disassemble at %#x: %v", e.Addr, e.Err)
}

func (e *DisassemblyError) Unwrap() error { return e.Err }

// InvalidAddressError reports a navigation target that parses as
// neither an address nor a known symbol.
type InvalidAddressError struct {
	Input string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q", e.Input)
}
