package objfile

import (
	"debug/dwarf"
	"debug/elf"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

type elfObject struct {
	f   *elf.File
	raw []byte

	sections []Section
	symbols  []Symbol
	// bias is the static address given to each allocated section of a
	// relocatable object, keyed by section index.
	bias map[int]uint64

	dwarfOnce sync.Once
	dwarf     DebugContext
}

// relocatableLayout places the allocated sections of a relocatable object
// one after another, so that every section gets distinct static addresses.
func relocatableLayout(sections []*elf.Section) map[int]uint64 {
	bias := make(map[int]uint64)
	var next uint64
	for i, s := range sections {
		if s.Type == elf.SHT_NULL || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		align := max(s.Addralign, 1)
		next = (next + align - 1) / align * align
		bias[i] = next
		next += s.Size
	}
	return bias
}

func newELF(r io.ReaderAt) (*elfObject, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse elf")
	}
	o := &elfObject{f: f}
	if f.Type == elf.ET_REL {
		o.bias = relocatableLayout(f.Sections)
	}
	o.sections = make([]Section, 0, len(f.Sections))
	for i, s := range f.Sections {
		if s.Type == elf.SHT_NULL || s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		o.sections = append(o.sections, Section{
			Index: i,
			Name:  s.Name,
			Addr:  s.Addr + o.bias[i],
			Size:  s.Size,
			Text:  s.Type == elf.SHT_PROGBITS && s.Flags&elf.SHF_EXECINSTR != 0,
		})
	}

	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		syms, err = f.DynamicSymbols()
	}
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, errors.Wrap(err, "read elf symbols")
	}
	o.symbols = lo.FilterMap(syms, func(s elf.Symbol, _ int) (Symbol, bool) {
		if s.Name == "" {
			return Symbol{}, false
		}
		sym := elfSymbol(s)
		if sym.Section >= 0 {
			sym.Addr += o.bias[sym.Section]
		}
		return sym, true
	})
	return o, nil
}

func elfSymbol(s elf.Symbol) Symbol {
	sym := Symbol{Name: s.Name, Addr: s.Value, Size: s.Size, Section: -1}
	if s.Section != elf.SHN_UNDEF && s.Section < elf.SHN_LORESERVE {
		sym.Section = int(s.Section)
	}
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC, elf.SymType(10): // STT_GNU_IFUNC (not defined in debug/elf before Go 1.24)
		sym.Kind = SymbolFunc
	case elf.STT_OBJECT, elf.STT_TLS, elf.STT_COMMON:
		sym.Kind = SymbolData
	}
	return sym
}

func (o *elfObject) Arch() Arch {
	switch o.f.Machine {
	case elf.EM_X86_64:
		return ArchAMD64
	case elf.EM_AARCH64:
		return ArchARM64
	case elf.EM_386:
		return Arch386
	case elf.EM_ARM:
		return ArchARM
	}
	return ArchUnknown
}

func (o *elfObject) Sections() []Section { return o.sections }
func (o *elfObject) Symbols() []Symbol   { return o.symbols }
func (o *elfObject) Bytes() []byte       { return o.raw }

func (o *elfObject) SectionData(name string) ([]byte, bool) {
	s := o.f.Section(name)
	if s == nil || s.Type == elf.SHT_NOBITS {
		return nil, false
	}
	data, err := s.Data()
	if err != nil {
		return nil, false
	}
	return data, true
}

// UUID is not defined for ELF; build ids have variable length.
func (o *elfObject) UUID() ([16]byte, bool) { return [16]byte{}, false }

// ImageBase is zero: ELF symbol addresses are relative to the load bias the
// loader reports.
func (o *elfObject) ImageBase() uint64 { return 0 }

func (o *elfObject) DebugContext() DebugContext {
	o.dwarfOnce.Do(func() {
		var (
			d   *dwarf.Data
			err error
		)
		if o.f.Type == elf.ET_REL {
			d, err = o.relocatedDWARF()
		} else {
			d, err = o.f.DWARF()
		}
		if err != nil || d == nil {
			return
		}
		o.dwarf = newDWARFContext(d)
	})
	return o.dwarf
}

// relocatedDWARF loads the DWARF of a relocatable object with relocations
// resolved against the section layout of the object, not against address
// zero as debug/elf does.
func (o *elfObject) relocatedDWARF() (*dwarf.Data, error) {
	if o.f.Section(".debug_info") == nil {
		return nil, nil
	}
	syms, err := o.f.Symbols()
	if err != nil {
		return nil, errors.Wrap(err, "read elf symbols")
	}
	rels := make(map[int]*elf.Section)
	for _, s := range o.f.Sections {
		if s.Type == elf.SHT_RELA || s.Type == elf.SHT_REL {
			rels[int(s.Info)] = s
		}
	}
	load := func(name string) ([]byte, error) {
		for i, s := range o.f.Sections {
			if s.Name != name || s.Type == elf.SHT_NOBITS {
				continue
			}
			data, err := s.Data()
			if err != nil {
				return nil, errors.Wrapf(err, "read %s", name)
			}
			if rel, ok := rels[i]; ok {
				if err = o.relocate(data, rel, syms); err != nil {
					return nil, errors.Wrapf(err, "relocate %s", name)
				}
			}
			return data, nil
		}
		return nil, nil
	}

	sections := make(map[string][]byte)
	for _, name := range []string{"abbrev", "info", "line", "ranges", "str"} {
		if sections[name], err = load(".debug_" + name); err != nil {
			return nil, err
		}
	}
	d, err := dwarf.New(sections["abbrev"], nil, nil, sections["info"], sections["line"], nil, sections["ranges"], sections["str"])
	if err != nil {
		return nil, errors.Wrap(err, "parse dwarf")
	}
	for _, name := range []string{".debug_addr", ".debug_line_str", ".debug_str_offsets", ".debug_rnglists"} {
		data, err := load(name)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		if err = d.AddSection(name, data); err != nil {
			return nil, errors.Wrapf(err, "add %s", name)
		}
	}
	return d, nil
}

// relocate applies the absolute relocations in rel to data. Other
// relocation types do not occur in debug sections and are left alone.
func (o *elfObject) relocate(data []byte, rel *elf.Section, syms []elf.Symbol) error {
	raw, err := rel.Data()
	if err != nil {
		return err
	}
	order := o.f.ByteOrder
	is64 := o.f.Class == elf.ELFCLASS64
	rela := rel.Type == elf.SHT_RELA
	size := 8
	switch {
	case is64 && rela:
		size = 24
	case is64:
		size = 16
	case rela:
		size = 12
	}
	for p := 0; p+size <= len(raw); p += size {
		var (
			off         uint64
			symIdx, typ uint32
			addend      int64
		)
		if is64 {
			off = order.Uint64(raw[p:])
			info := order.Uint64(raw[p+8:])
			symIdx, typ = elf.R_SYM64(info), elf.R_TYPE64(info)
			if rela {
				addend = int64(order.Uint64(raw[p+16:]))
			}
		} else {
			off = uint64(order.Uint32(raw[p:]))
			info := order.Uint32(raw[p+4:])
			symIdx, typ = elf.R_SYM32(info), elf.R_TYPE32(info)
			if rela {
				addend = int64(int32(order.Uint32(raw[p+8:])))
			}
		}
		width := relocWidth(o.f.Machine, typ)
		if width == 0 || symIdx == 0 || int(symIdx) > len(syms) || off+uint64(width) > uint64(len(data)) {
			continue
		}
		// Symbols() drops the null symbol at index 0.
		sym := syms[symIdx-1]
		if sym.Section == elf.SHN_UNDEF || sym.Section >= elf.SHN_LORESERVE {
			continue
		}
		val := sym.Value + o.bias[int(sym.Section)]
		switch width {
		case 8:
			if !rela {
				addend = int64(order.Uint64(data[off:]))
			}
			order.PutUint64(data[off:], val+uint64(addend))
		case 4:
			if !rela {
				addend = int64(order.Uint32(data[off:]))
			}
			order.PutUint32(data[off:], uint32(val+uint64(addend)))
		}
	}
	return nil
}

func relocWidth(m elf.Machine, typ uint32) int {
	switch m {
	case elf.EM_X86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_64:
			return 8
		case elf.R_X86_64_32, elf.R_X86_64_32S:
			return 4
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_ABS64:
			return 8
		case elf.R_AARCH64_ABS32:
			return 4
		}
	case elf.EM_386:
		if elf.R_386(typ) == elf.R_386_32 {
			return 4
		}
	case elf.EM_ARM:
		if elf.R_ARM(typ) == elf.R_ARM_ABS32 {
			return 4
		}
	}
	return 0
}

// ELFHeader exposes the file header and program headers, used to compute the
// load bias of a mapped image.
func ELFHeader(obj Object) (elf.FileHeader, []elf.ProgHeader, bool) {
	o, ok := obj.(*elfObject)
	if !ok {
		return elf.FileHeader{}, nil, false
	}
	return o.f.FileHeader, lo.Map(o.f.Progs, func(p *elf.Prog, _ int) elf.ProgHeader { return p.ProgHeader }), true
}
