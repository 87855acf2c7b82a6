// Package unwind registers the frame information of JIT code with the
// native unwinder and builds the lookup tables of the custom unwinder.
package unwind

import (
	"fmt"
	"sort"

	"github.com/grafana/jitdebuginfo/pkg/cfi"
)

// Format identifies how an Info describes its code range.
type Format int

const (
	// FormatIPOffset is a table of FDEs keyed by start address offset.
	FormatIPOffset Format = iota + 1
	// FormatARMExidx points at a 32-bit ARM exception index table.
	FormatARMExidx
)

func (f Format) String() string {
	switch f {
	case FormatIPOffset:
		return "ip_offset"
	case FormatARMExidx:
		return "arm_exidx"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Entry locates the FDE covering code from StartIPOffset on.
type Entry struct {
	// StartIPOffset is relative to Info.StartIP.
	StartIPOffset int32
	// FDEOffset is relative to Info.SegBase.
	FDEOffset int32
}

// Info is one dynamic unwind registration. It is never freed once handed to
// a custom unwinder.
type Info struct {
	Format  Format
	StartIP uint64
	EndIP   uint64
	// SegBase is the load address of the frame data the table refers to.
	SegBase uint64
	Table   []Entry

	// ARM exception index table, for FormatARMExidx.
	TableData uint64
	TableLen  uint64
}

// Contains reports whether ip is in the code range of the registration.
func (i *Info) Contains(ip uint64) bool {
	return i.StartIP <= ip && ip < i.EndIP
}

// Find returns the entry of the FDE covering ip.
func (i *Info) Find(ip uint64) (Entry, bool) {
	if !i.Contains(ip) || len(i.Table) == 0 {
		return Entry{}, false
	}
	off := int64(ip - i.StartIP)
	k := sort.Search(len(i.Table), func(k int) bool { return int64(i.Table[k].StartIPOffset) > off })
	if k == 0 {
		return Entry{}, false
	}
	return i.Table[k-1], true
}

func safeTrunc(v int64) int32 {
	if v != int64(int32(v)) {
		panic(fmt.Sprintf("unwind: offset %#x does not fit in 32 bits", v))
	}
	return int32(v)
}

// BuildTable decodes the FDEs of the frame data loaded at base and returns a
// table sorted by start address, or nil when there is no FDE. Malformed
// frame data panics.
func BuildTable(data []byte, base uint64) *Info {
	var (
		fdes []cfi.FDE
		r    cfi.Range
	)
	cfi.NewDecoder(data, base).Visit(func(f cfi.FDE) {
		fdes = append(fdes, f)
		r.Extend(f)
	})
	if r.Empty() {
		return nil
	}
	if r.End == 0 {
		panic("unwind: frame data covers no code")
	}
	info := &Info{
		Format:  FormatIPOffset,
		StartIP: r.Start,
		EndIP:   r.End,
		SegBase: base,
		Table:   make([]Entry, len(fdes)),
	}
	for i, f := range fdes {
		info.Table[i] = Entry{
			StartIPOffset: safeTrunc(int64(f.Start - r.Start)),
			FDEOffset:     safeTrunc(int64(f.Offset)),
		}
	}
	sort.SliceStable(info.Table, func(a, b int) bool {
		return info.Table[a].StartIPOffset < info.Table[b].StartIPOffset
	})
	return info
}
