package registry

import (
	"sort"

	"github.com/samber/lo"

	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/profiling"
)

// ObjectFile is the debug-info source of a native library, cached per load
// base for the lifetime of the process. A library whose object could not be
// opened is cached too, with a nil Object.
type ObjectFile struct {
	Object  objfile.Object
	Context objfile.DebugContext
	// Slide converts a load address into Object's static address space.
	Slide int64

	// Built on first use, guarded by the owning registry's symbolLock.
	symbols []objfile.Symbol
	built   bool
	lock    *profiling.Lock
}

// NewObjectFile wraps obj, loaded at base, for caching.
func NewObjectFile(obj objfile.Object, base uint64) *ObjectFile {
	f := &ObjectFile{}
	if obj == nil {
		return f
	}
	f.Object = obj
	f.Context = obj.DebugContext()
	f.Slide = int64(obj.ImageBase()) - int64(base)
	return f
}

// StaticAddr converts a load address into the object's address space.
func (f *ObjectFile) StaticAddr(addr uint64) uint64 {
	return uint64(int64(addr) + f.Slide)
}

// TextSection returns the executable section of the object containing the
// static address addr.
func (f *ObjectFile) TextSection(addr uint64) (objfile.Section, bool) {
	if f.Object == nil {
		return objfile.Section{}, false
	}
	return lo.Find(f.Object.Sections(), func(s objfile.Section) bool {
		return s.Text && s.Addr <= addr && addr-s.Addr < s.Size
	})
}

// NearestSymbol returns the symbol with the greatest address not above the
// static address addr, among symbols defined in text sections. The symbol
// map is built on first use; in SignalSafe mode a map that is not built yet,
// or is being built, yields nothing.
func (f *ObjectFile) NearestSymbol(addr uint64, mode profiling.Mode) (objfile.Symbol, bool) {
	if f.Object == nil {
		return objfile.Symbol{}, false
	}
	if !f.lock.RLock(mode) {
		return objfile.Symbol{}, false
	}
	if !f.built {
		f.lock.RUnlock()
		if mode == profiling.SignalSafe {
			return objfile.Symbol{}, false
		}
		f.lock.Lock(mode)
		if !f.built {
			f.symbols = textSymbols(f.Object)
			f.built = true
		}
		f.lock.Unlock()
		f.lock.RLock(mode)
	}
	defer f.lock.RUnlock()

	i := sort.Search(len(f.symbols), func(i int) bool { return f.symbols[i].Addr > addr })
	if i == 0 {
		return objfile.Symbol{}, false
	}
	return f.symbols[i-1], true
}

func textSymbols(obj objfile.Object) []objfile.Symbol {
	text := lo.SliceToMap(lo.Filter(obj.Sections(), func(s objfile.Section, _ int) bool { return s.Text }),
		func(s objfile.Section) (int, bool) { return s.Index, true })
	syms := lo.Filter(obj.Symbols(), func(s objfile.Symbol, _ int) bool { return text[s.Section] })
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	// Keep the first name seen for an address.
	return lo.UniqBy(syms, func(s objfile.Symbol) uint64 { return s.Addr })
}

// ObjectFile returns the cached object file of the library loaded at base,
// calling open to create it on first use. In SignalSafe mode nothing is
// opened and only an existing entry is returned.
func (r *Registry) ObjectFile(base uint64, mode profiling.Mode, open func() *ObjectFile) (*ObjectFile, bool) {
	if mode == profiling.SignalSafe {
		return r.objects.Load(base)
	}
	f, _ := r.objects.LoadOrCompute(base, func() *ObjectFile {
		f := open()
		if f == nil {
			f = &ObjectFile{}
		}
		f.lock = &r.symbolLock
		r.metrics.objectFiles.WithLabelValues(lo.Ternary(f.Context != nil, "yes", "no")).Inc()
		return f
	})
	return f, true
}

// WithDebugContext calls fn with the write side of the profiling lock held.
// Queries against the debug-info context of a library go through it, since
// contexts mutate their caches on every query. It reports false when the
// lock is busy in SignalSafe mode. fn must not call back into the registry.
func (r *Registry) WithDebugContext(mode profiling.Mode, fn func()) bool {
	if !r.lock.Lock(mode) {
		return false
	}
	defer r.lock.Unlock()
	fn()
	return true
}
