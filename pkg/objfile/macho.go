package objfile

import (
	"debug/macho"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const (
	machoLoadCmdUUID macho.LoadCmd = 0x1b

	machoSectionPureInstructions = 0x80000000
	machoSectionSomeInstructions = 0x00000400

	machoTypeSect = 0x0e
	machoTypeStab = 0xe0
)

func isMachO(magic [4]byte) bool {
	for _, m := range []uint32{binary.LittleEndian.Uint32(magic[:]), binary.BigEndian.Uint32(magic[:])} {
		if m == macho.Magic32 || m == macho.Magic64 {
			return true
		}
	}
	return false
}

type machoObject struct {
	f   *macho.File
	raw []byte

	sections []Section
	symbols  []Symbol

	dwarfOnce sync.Once
	dwarf     DebugContext
}

func newMachO(r io.ReaderAt) (*machoObject, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse mach-o")
	}
	o := &machoObject{f: f}
	text := map[int]bool{}
	for i, s := range f.Sections {
		// Symbols refer to sections by 1-based ordinal.
		sec := Section{
			Index: i + 1,
			Name:  s.Name,
			Addr:  s.Addr,
			Size:  s.Size,
			Text:  s.Flags&(machoSectionPureInstructions|machoSectionSomeInstructions) != 0,
		}
		text[sec.Index] = sec.Text
		o.sections = append(o.sections, sec)
	}
	if f.Symtab == nil {
		return o, nil
	}
	for _, s := range f.Symtab.Syms {
		if s.Name == "" || s.Type&machoTypeStab != 0 {
			continue
		}
		sym := Symbol{Name: s.Name, Addr: s.Value, Section: -1}
		if s.Type&machoTypeSect == machoTypeSect && s.Sect != 0 {
			sym.Section = int(s.Sect)
			if text[sym.Section] {
				sym.Kind = SymbolFunc
			} else {
				sym.Kind = SymbolData
			}
		}
		o.symbols = append(o.symbols, sym)
	}
	return o, nil
}

func (o *machoObject) Arch() Arch {
	switch o.f.Cpu {
	case macho.CpuAmd64:
		return ArchAMD64
	case macho.CpuArm64:
		return ArchARM64
	case macho.Cpu386:
		return Arch386
	case macho.CpuArm:
		return ArchARM
	}
	return ArchUnknown
}

func (o *machoObject) Sections() []Section { return o.sections }
func (o *machoObject) Symbols() []Symbol   { return o.symbols }
func (o *machoObject) Bytes() []byte       { return o.raw }

func (o *machoObject) SectionData(name string) ([]byte, bool) {
	s := o.f.Section(name)
	if s == nil {
		return nil, false
	}
	data, err := s.Data()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (o *machoObject) UUID() ([16]byte, bool) {
	var id [16]byte
	for _, l := range o.f.Loads {
		raw := l.Raw()
		if len(raw) < 24 || macho.LoadCmd(o.f.ByteOrder.Uint32(raw)) != machoLoadCmdUUID {
			continue
		}
		copy(id[:], raw[8:24])
		return id, true
	}
	return id, false
}

func (o *machoObject) ImageBase() uint64 {
	if seg := o.f.Segment("__TEXT"); seg != nil {
		return seg.Addr
	}
	return 0
}

func (o *machoObject) DebugContext() DebugContext {
	o.dwarfOnce.Do(func() {
		d, err := o.f.DWARF()
		if err != nil {
			return
		}
		o.dwarf = newDWARFContext(d)
	})
	return o.dwarf
}
