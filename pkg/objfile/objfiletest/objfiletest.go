// Package objfiletest provides in-memory objfile.Object and
// objfile.DebugContext implementations for tests.
package objfiletest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/grafana/jitdebuginfo/pkg/objfile"
)

// Object is a synthetic object file.
type Object struct {
	Machine     objfile.Arch
	SectionList []objfile.Section
	SymbolList  []objfile.Symbol
	Data        map[string][]byte
	ID          *[16]byte
	Base        uint64
	Context     *Context
	Raw         []byte
}

func (o *Object) Arch() objfile.Arch          { return o.Machine }
func (o *Object) Sections() []objfile.Section { return o.SectionList }
func (o *Object) Symbols() []objfile.Symbol   { return o.SymbolList }
func (o *Object) ImageBase() uint64           { return o.Base }
func (o *Object) Bytes() []byte               { return o.Raw }

func (o *Object) SectionData(name string) ([]byte, bool) {
	d, ok := o.Data[name]
	return d, ok
}

func (o *Object) UUID() ([16]byte, bool) {
	if o.ID == nil {
		return [16]byte{}, false
	}
	return *o.ID, true
}

func (o *Object) DebugContext() objfile.DebugContext {
	if o.Context == nil {
		return nil
	}
	return o.Context
}

// Range reports Frames, innermost first, for addresses in [Lo, Hi).
type Range struct {
	Lo, Hi uint64
	Frames []objfile.LineInfo
}

// Context is a synthetic debug-info context. Addresses are in the object's
// static address space.
type Context struct {
	Ranges []Range

	queries atomic.Int64
}

func (c *Context) find(addr uint64) []objfile.LineInfo {
	c.queries.Add(1)
	for _, r := range c.Ranges {
		if r.Lo <= addr && addr < r.Hi {
			return r.Frames
		}
	}
	return nil
}

func (c *Context) InliningInfo(addr objfile.SectionedAddress) []objfile.LineInfo {
	frames := c.find(addr.Address)
	return append([]objfile.LineInfo(nil), frames...)
}

func (c *Context) LineInfo(addr objfile.SectionedAddress) (objfile.LineInfo, bool) {
	frames := c.find(addr.Address)
	if len(frames) == 0 {
		return objfile.LineInfo{}, false
	}
	return frames[0], true
}

// Queries returns the number of lookups made against the context.
func (c *Context) Queries() int64 { return c.queries.Load() }

// Parser resolves raw images to synthetic objects by content.
type Parser map[string]*Object

// Add registers obj under its Raw bytes.
func (p Parser) Add(obj *Object) *Object {
	p[string(obj.Raw)] = obj
	return obj
}

func (p Parser) Open(data []byte) (objfile.Object, error) {
	obj, ok := p[string(data)]
	if !ok {
		return nil, fmt.Errorf("unknown image of %d bytes", len(data))
	}
	return obj, nil
}

// Function is a function of an object built by RelocatableELF.
type Function struct {
	Name string
	Size uint64
}

// RelocatableELF returns a little-endian x86-64 ET_REL image with one text
// section per function, named .text.<name>. Each function gets its own
// compile unit whose addresses are relocated against the function's section,
// the way a compiler emitting one section per function lays them out.
func RelocatableELF(funcs ...Function) []byte {
	le := binary.LittleEndian
	n := len(funcs)

	var strtab, shstrtab bytes.Buffer
	strtab.WriteByte(0)
	shstrtab.WriteByte(0)
	addStr := func(b *bytes.Buffer, s string) uint32 {
		off := uint32(b.Len())
		b.WriteString(s)
		b.WriteByte(0)
		return off
	}

	// Section indexes: 1..n text, then the debug and symbol sections.
	var (
		abbrevIdx   = n + 1
		infoIdx     = n + 2
		relaIdx     = n + 3
		symtabIdx   = n + 4
		strtabIdx   = n + 5
		shstrtabIdx = n + 6
		shnum       = n + 7
	)

	abbrev := []byte{
		1, 0x11, 1, // compile_unit, has children
		0x03, 0x08, // name, string
		0x11, 0x01, // low_pc, addr
		0x12, 0x07, // high_pc, data8
		0, 0,
		2, 0x2e, 0, // subprogram, no children
		0x03, 0x08,
		0x11, 0x01,
		0x12, 0x07,
		0, 0,
		0,
	}

	var info, rela, symtab bytes.Buffer
	symtab.Write(make([]byte, 24))
	writeSym := func(name uint32, st byte, shndx int, size uint64) {
		_ = binary.Write(&symtab, le, elf.Sym64{Name: name, Info: st, Shndx: uint16(shndx), Size: size})
	}
	for i := range funcs {
		writeSym(0, elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), i+1, 0)
	}
	for i, f := range funcs {
		writeSym(addStr(&strtab, f.Name), elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), i+1, f.Size)
	}

	for i, f := range funcs {
		var unit bytes.Buffer
		_ = binary.Write(&unit, le, uint16(4)) // version
		_ = binary.Write(&unit, le, uint32(0)) // abbrev offset
		unit.WriteByte(8)
		lowPC := func() {
			off := uint64(info.Len() + 4 + unit.Len())
			_ = binary.Write(&rela, le, elf.Rela64{Off: off, Info: elf.R_INFO(uint32(i+1), uint32(elf.R_X86_64_64))})
			_ = binary.Write(&unit, le, uint64(0))
		}
		unit.WriteByte(1)
		unit.WriteString("cu_" + f.Name + "\x00")
		lowPC()
		_ = binary.Write(&unit, le, f.Size)
		unit.WriteByte(2)
		unit.WriteString(f.Name + "\x00")
		lowPC()
		_ = binary.Write(&unit, le, f.Size)
		unit.WriteByte(0)

		_ = binary.Write(&info, le, uint32(unit.Len()))
		info.Write(unit.Bytes())
	}

	type section struct {
		hdr  elf.Section64
		data []byte
	}
	sections := make([]section, shnum)
	for i, f := range funcs {
		sections[i+1] = section{
			hdr: elf.Section64{
				Name:      addStr(&shstrtab, ".text."+f.Name),
				Type:      uint32(elf.SHT_PROGBITS),
				Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
				Addralign: 16,
			},
			data: bytes.Repeat([]byte{0x90}, int(f.Size)),
		}
	}
	sections[abbrevIdx] = section{hdr: elf.Section64{Name: addStr(&shstrtab, ".debug_abbrev"), Type: uint32(elf.SHT_PROGBITS), Addralign: 1}, data: abbrev}
	sections[infoIdx] = section{hdr: elf.Section64{Name: addStr(&shstrtab, ".debug_info"), Type: uint32(elf.SHT_PROGBITS), Addralign: 1}, data: info.Bytes()}
	sections[relaIdx] = section{hdr: elf.Section64{
		Name: addStr(&shstrtab, ".rela.debug_info"), Type: uint32(elf.SHT_RELA),
		Link: uint32(symtabIdx), Info: uint32(infoIdx), Addralign: 8, Entsize: 24,
	}, data: rela.Bytes()}
	sections[symtabIdx] = section{hdr: elf.Section64{
		Name: addStr(&shstrtab, ".symtab"), Type: uint32(elf.SHT_SYMTAB),
		Link: uint32(strtabIdx), Info: uint32(n + 1), Addralign: 8, Entsize: 24,
	}, data: symtab.Bytes()}
	sections[strtabIdx] = section{hdr: elf.Section64{Name: addStr(&shstrtab, ".strtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}, data: strtab.Bytes()}
	shstrtabName := addStr(&shstrtab, ".shstrtab")
	sections[shstrtabIdx] = section{hdr: elf.Section64{Name: shstrtabName, Type: uint32(elf.SHT_STRTAB), Addralign: 1}, data: shstrtab.Bytes()}

	const ehsize = 64
	var body bytes.Buffer
	for i := 1; i < shnum; i++ {
		for (ehsize+body.Len())%8 != 0 {
			body.WriteByte(0)
		}
		sections[i].hdr.Off = uint64(ehsize + body.Len())
		sections[i].hdr.Size = uint64(len(sections[i].data))
		body.Write(sections[i].data)
	}
	for (ehsize+body.Len())%8 != 0 {
		body.WriteByte(0)
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(ehsize + body.Len()),
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     uint16(shnum),
		Shstrndx:  uint16(shstrtabIdx),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	_ = binary.Write(&out, le, hdr)
	out.Write(body.Bytes())
	for _, s := range sections {
		_ = binary.Write(&out, le, s.hdr)
	}
	return out.Bytes()
}
