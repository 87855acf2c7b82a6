// Package objfile exposes the parts of an object file the debug-info layer
// needs: sections, symbols, identification records and a queryable DWARF
// context. ELF and Mach-O images are supported.
package objfile

import (
	"bytes"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// InvalidName is reported by a DebugContext for a function or file it could
// not name.
const InvalidName = "<invalid>"

// ErrUnknownFormat is returned for images that are neither ELF nor Mach-O.
var ErrUnknownFormat = errors.New("unknown object file format")

type Arch int

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchARM64
	Arch386
	ArchARM
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	case Arch386:
		return "386"
	case ArchARM:
		return "arm"
	}
	return "unknown"
}

type SymbolKind int

const (
	SymbolOther SymbolKind = iota
	SymbolFunc
	SymbolData
)

type Section struct {
	Index int
	Name  string
	Addr  uint64
	Size  uint64
	// Text is set for sections holding executable code.
	Text bool
}

// End returns the first address past the section.
func (s Section) End() uint64 { return s.Addr + s.Size }

type Symbol struct {
	Name string
	Addr uint64
	// Size is zero when the object does not record it, see ComputeSymbolSizes.
	Size uint64
	// Section is the index of the defining section, or -1 for undefined and
	// absolute symbols.
	Section int
	Kind    SymbolKind
}

// SectionedAddress is an address in the object's static address space,
// qualified by the section it belongs to when known (-1 otherwise).
type SectionedAddress struct {
	Address      uint64
	SectionIndex int
}

// LineInfo is a source location. FunctionName and FileName may be
// InvalidName.
type LineInfo struct {
	FunctionName string
	FileName     string
	Line         int
}

// DebugContext answers source location queries for one object. It may
// mutate internal caches on every query and is not safe for concurrent use.
type DebugContext interface {
	// InliningInfo returns the inlining chain at addr, innermost frame
	// first. An empty result means there is no information for addr.
	InliningInfo(addr SectionedAddress) []LineInfo
	// LineInfo returns the innermost source location at addr.
	LineInfo(addr SectionedAddress) (LineInfo, bool)
}

// Object is a parsed object file.
type Object interface {
	Arch() Arch
	Sections() []Section
	Symbols() []Symbol
	// SectionData returns the contents of the named section.
	SectionData(name string) ([]byte, bool)
	// UUID returns the 16-byte image identifier, when the format has one.
	UUID() ([16]byte, bool)
	// ImageBase is the static address the image is linked at; the runtime
	// slide is ImageBase minus the address the image was loaded at.
	ImageBase() uint64
	// DebugContext returns the DWARF context of the object, built on first
	// use. It is nil when the object carries no debug info.
	DebugContext() DebugContext
	// Bytes returns the raw image for objects parsed from memory.
	Bytes() []byte
}

// Open parses an in-memory image.
func Open(data []byte) (Object, error) {
	obj, err := NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	switch o := obj.(type) {
	case *elfObject:
		o.raw = data
	case *machoObject:
		o.raw = data
	}
	return obj, nil
}

// NewFile parses an image read through r. The reader must stay valid for the
// lifetime of the returned object.
func NewFile(r io.ReaderAt) (Object, error) {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return nil, errors.Wrap(err, "read magic")
	}
	switch {
	case bytes.Equal(magic[:], []byte("\x7fELF")):
		return newELF(r)
	case isMachO(magic):
		return newMachO(r)
	}
	return nil, ErrUnknownFormat
}

// ComputeSymbolSizes returns the symbols of obj that are defined in a
// section, with Size filled in. A symbol without a recorded size extends to the next
// symbol of the same section, or to the end of its section.
func ComputeSymbolSizes(obj Object) []Symbol {
	sections := obj.Sections()
	byIndex := make(map[int]Section, len(sections))
	for _, s := range sections {
		byIndex[s.Index] = s
	}

	syms := make([]Symbol, 0, len(obj.Symbols()))
	for _, s := range obj.Symbols() {
		if _, ok := byIndex[s.Section]; ok {
			syms = append(syms, s)
		}
	}
	order := make([]int, len(syms))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := syms[order[i]], syms[order[j]]
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		return a.Addr < b.Addr
	})

	res := make([]Symbol, len(syms))
	for k, i := range order {
		s := syms[i]
		res[i] = s
		if s.Size != 0 {
			continue
		}
		end := byIndex[s.Section].End()
		for _, j := range order[k+1:] {
			next := syms[j]
			if next.Section != s.Section {
				break
			}
			if next.Addr > s.Addr {
				end = next.Addr
				break
			}
		}
		if end > s.Addr {
			res[i].Size = end - s.Addr
		}
	}
	return res
}
