// Package elfx provides helpers for opening ELF binaries, locating sections,
// mapping virtual addresses to file offsets, and looking up symbols.
package elfx

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"syscall"
)

type Image struct {
	Path      string
	File      *elf.File
	All       []byte
	Loads     []Seg
	Text      Section
	Rodata    Section
	Data      Section
	DataRelRo Section
	PLT       Section
	PLTSec    Section
	// Syms is the merged static+dynamic symbol table, sorted by address.
	Syms []Sym
	plt  map[uint64]string
	f    *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

// Sym is a defined symbol. Size may be zero when the producing toolchain
// did not record one.
type Sym struct {
	Name string
	Addr uint64
	Size uint64
	Func bool
}

// End returns the address one past the symbol, or Addr when sizeless.
func (s Sym) End() uint64 { return s.Addr + s.Size }

func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, plt: map[uint64]string{}, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  uint64(p.Vaddr),
			Off:    uint64(p.Off),
			Filesz: uint64(p.Filesz),
			Flags:  p.Flags,
		})
	}

	// Use true sections if present.
	for _, s := range f.Sections {
		switch s.Name {
		case ".text":
			im.Text = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".rodata", ".rodata.rel.ro":
			if im.Rodata.Size == 0 {
				im.Rodata = Section{s.Name, s.Addr, s.Offset, s.Size}
			}
		case ".data":
			im.Data = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".data.rel.ro":
			im.DataRelRo = Section{s.Name, s.Addr, s.Offset, s.Size}
			if im.Rodata.Size == 0 {
				im.Rodata = Section{s.Name, s.Addr, s.Offset, s.Size}
			}
		case ".plt":
			im.PLT = Section{s.Name, s.Addr, s.Offset, s.Size}
		case ".plt.sec":
			im.PLTSec = Section{s.Name, s.Addr, s.Offset, s.Size}
		}
	}

	im.loadSymbols()
	im.resolvePLTStubs()

	// Fallbacks if stripped.
	if im.Text.Size == 0 {
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}
	if im.Rodata.Size == 0 {
		for _, l := range im.Loads {
			if (l.Flags&elf.PF_R != 0) && (l.Flags&elf.PF_W == 0) && l.Filesz > 0 {
				im.Rodata = Section{"LOAD(ro)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// Entry returns the ELF entry point address.
func (im *Image) Entry() uint64 { return im.File.Entry }

// Arch names the instruction set of the image in the form the
// disassembler registry uses, or "" for unsupported machines.
func (im *Image) Arch() string {
	switch im.File.Machine {
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_X86_64:
		return "x86_64"
	}
	return ""
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the virtual address range [va, va+size).
// It returns (nil, false) if the VA is unmapped or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// ReadBytesVA reads exactly size bytes from a virtual address.
// Returns false if VA is unmapped or size extends beyond file bounds.
func (im *Image) ReadBytesVA(va uint64, size int) ([]byte, bool) {
	if size <= 0 {
		return []byte{}, true
	}
	return im.SliceVA(va, uint64(size))
}

// InText reports whether VA lies in the executable region.
func (im *Image) InText(va uint64) bool {
	return im.Text.Size != 0 && va >= im.Text.VA && va < im.Text.VA+im.Text.Size
}

// InRodata reports whether the VA lies within the chosen
// read-only data region.
func (im *Image) InRodata(va uint64) bool {
	return im.Rodata.Size != 0 && va >= im.Rodata.VA && va < im.Rodata.VA+im.Rodata.Size
}

// InData reports whether VA lies in .data
func (im *Image) InData(va uint64) bool {
	return im.Data.Size != 0 && va >= im.Data.VA && va < im.Data.VA+im.Data.Size
}

// InDataRelRo reports whether VA lies in .data.rel.ro
func (im *Image) InDataRelRo(va uint64) bool {
	return im.DataRelRo.Size != 0 && va >= im.DataRelRo.VA && va < im.DataRelRo.VA+im.DataRelRo.Size
}

// InDataOrRodata returns true if the VA is inside .rodata or .data/.data.rel.ro
func (im *Image) InDataOrRodata(va uint64) bool {
	return im.InRodata(va) || im.InData(va) || im.InDataRelRo(va)
}

// SymbolAt returns the nearest symbol at or before va.
func (im *Image) SymbolAt(va uint64) (Sym, bool) {
	i := sort.Search(len(im.Syms), func(i int) bool { return im.Syms[i].Addr > va }) - 1
	if i < 0 {
		return Sym{}, false
	}
	return im.Syms[i], true
}

// FuncAt returns the function symbol containing va. Sizeless function
// symbols match any address at or past their start.
func (im *Image) FuncAt(va uint64) (Sym, bool) {
	s, ok := im.SymbolAt(va)
	if !ok || !s.Func {
		return Sym{}, false
	}
	if s.Size != 0 && va >= s.End() {
		return Sym{}, false
	}
	return s, true
}

// SymbolByName finds a defined symbol by its exact (mangled) name.
func (im *Image) SymbolByName(name string) (Sym, bool) {
	for _, s := range im.Syms {
		if s.Name == name {
			return s, true
		}
	}
	return Sym{}, false
}

// PLTName returns the "name@plt" label for a PLT stub address.
func (im *Image) PLTName(va uint64) (string, bool) {
	name, ok := im.plt[va]
	return name, ok
}

// IsPLTEntry returns true if the given virtual address lies within
// the PLT section, indicating it's a dynamically linked function stub.
func (im *Image) IsPLTEntry(va uint64) bool {
	if im.PLT.Size != 0 && va >= im.PLT.VA && va < im.PLT.VA+im.PLT.Size {
		return true
	}
	return im.PLTSec.Size != 0 && va >= im.PLTSec.VA && va < im.PLTSec.VA+im.PLTSec.Size
}

// loadSymbols merges .symtab and .dynsym into one address-sorted table.
// Section and file markers are skipped, as are undefined symbols.
func (im *Image) loadSymbols() {
	seen := map[uint64]bool{}
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Value == 0 || sym.Name == "" {
				continue
			}
			switch elf.ST_TYPE(sym.Info) {
			case elf.STT_SECTION, elf.STT_FILE, elf.STT_TLS:
				continue
			}
			if seen[sym.Value] {
				continue
			}
			seen[sym.Value] = true
			im.Syms = append(im.Syms, Sym{
				Name: sym.Name,
				Addr: sym.Value,
				Size: sym.Size,
				Func: elf.ST_TYPE(sym.Info) == elf.STT_FUNC,
			})
		}
	}

	if syms, err := im.File.Symbols(); err == nil {
		add(syms)
	}
	if dyns, err := im.File.DynamicSymbols(); err == nil {
		add(dyns)
	}
	sort.Slice(im.Syms, func(i, j int) bool { return im.Syms[i].Addr < im.Syms[j].Addr })
}

// resolvePLTStubs labels lazy-binding stubs. Each stub loads a GOT slot
// and jumps through it, and the .rela.plt entry whose r_offset names that
// slot carries the symbol. Decoding the stub recovers the slot address,
// which works even when no name@plt symbols were emitted.
func (im *Image) resolvePLTStubs() {
	if im.File.Class != elf.ELFCLASS64 {
		return
	}
	gotName := im.pltRelocations()
	if len(gotName) == 0 {
		return
	}
	for _, sec := range []Section{im.PLT, im.PLTSec} {
		if sec.Size == 0 {
			continue
		}
		const stubSize = 16
		for addr := sec.VA; addr+stubSize <= sec.VA+sec.Size; addr += stubSize {
			got, ok := im.decodePLTStub(addr)
			if !ok {
				continue
			}
			if name := gotName[got]; name != "" {
				im.plt[addr] = name + "@plt"
			}
		}
	}
}

// pltRelocations maps GOT slot addresses to dynamic symbol names using
// .rela.plt (or .rel.plt). Relocation symbol indexes are 1-based and
// Go's DynamicSymbols omits the null entry, hence the -1.
func (im *Image) pltRelocations() map[uint64]string {
	dynsyms, err := im.File.DynamicSymbols()
	if err != nil {
		return nil
	}

	sec := im.File.Section(".rela.plt")
	entrySize := 24
	if sec == nil {
		sec = im.File.Section(".rel.plt")
		entrySize = 16
	}
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}

	out := map[uint64]string{}
	for off := 0; off+entrySize <= len(data); off += entrySize {
		rOffset := binary.LittleEndian.Uint64(data[off:])
		rInfo := binary.LittleEndian.Uint64(data[off+8:])
		symIndex := uint32(rInfo >> 32)
		if symIndex == 0 || int(symIndex) > len(dynsyms) {
			continue
		}
		if name := dynsyms[symIndex-1].Name; name != "" {
			out[rOffset] = name
		}
	}
	return out
}

// decodePLTStub extracts the GOT slot address a stub jumps through.
//
// ARM64 stubs are
//
//	adrp x16, <page>
//	ldr  x17, [x16, #offset]
//	add  x16, x16, #offset
//	br   x17
//
// x86-64 stubs start with jmpq *disp32(%rip), optionally after endbr64.
func (im *Image) decodePLTStub(addr uint64) (uint64, bool) {
	stub, ok := im.SliceVA(addr, 16)
	if !ok || len(stub) < 16 {
		return 0, false
	}

	switch im.File.Machine {
	case elf.EM_AARCH64:
		adrp := binary.LittleEndian.Uint32(stub[0:])
		if adrp&0x9f00001f != 0x90000010 { // adrp x16
			return 0, false
		}
		immLo := (adrp >> 29) & 3
		immHi := (adrp >> 5) & 0x7ffff
		page := int64(immHi<<2 | immLo)
		if page&(1<<20) != 0 {
			page |= ^((1 << 21) - 1)
		}
		page <<= 12
		base := int64(addr&^0xfff) + page

		ldr := binary.LittleEndian.Uint32(stub[4:])
		if ldr&0xffc003ff != 0xf9400211 { // ldr x17, [x16, #imm]
			return 0, false
		}
		off := (ldr >> 10) & 0xfff
		return uint64(base) + uint64(off<<3), true

	case elf.EM_X86_64:
		// jmpq *disp32(%rip) is ff 25 <disp32>; the slot address is
		// relative to the next instruction.
		for _, start := range []int{0, 4} { // 4 skips endbr64
			if stub[start] == 0xff && stub[start+1] == 0x25 {
				disp := int32(binary.LittleEndian.Uint32(stub[start+2:]))
				return addr + uint64(start) + 6 + uint64(int64(disp)), true
			}
		}
	}
	return 0, false
}
