// Package registry maps machine code addresses to the objects and code
// metadata they were compiled from.
//
// JIT code is registered per emitted object: each text section becomes a
// SectionRecord keyed by its load address, and every function symbol the
// compiler announced beforehand (by name, see RecordPendingMetadata) gets an
// address range pointing at its metadata. Ahead-of-time images and native
// object files are tracked separately.
//
// Mutation and debug-info queries share a single profiling.Lock; lookups
// made from a signal handler pass profiling.SignalSafe and fail instead of
// blocking.
package registry

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"

	"github.com/grafana/jitdebuginfo/pkg/codeimage"
	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/profiling"
)

// Metadata is the runtime's handle for a unit of compiled code.
type Metadata interface{}

// LoadAddressResolver returns the address a section of a just emitted
// object was loaded at.
type LoadAddressResolver func(objfile.Section) uint64

// SectionRecord is a text section of a JIT object at its load address.
type SectionRecord struct {
	LoadAddr uint64
	Size     uint64
	// Slide converts a load address to the object's static address space.
	Slide int64
	// Index of the section within the object.
	Index int
	Image *codeimage.Image
}

// Contains reports whether addr is inside the loaded section.
func (s SectionRecord) Contains(addr uint64) bool {
	return s.LoadAddr <= addr && addr-s.LoadAddr < s.Size
}

// StaticAddr converts a load address to the object's address space.
func (s SectionRecord) StaticAddr(addr uint64) uint64 {
	return uint64(int64(addr) + s.Slide)
}

type metadataRange struct {
	start uint64
	size  uint64
	md    Metadata
}

// ExidxRegistrar receives the exception index tables of 32-bit ARM objects.
type ExidxRegistrar interface {
	RegisterARMExidx(textStart, textEnd, exidx, exidxLen uint64)
}

type Registry struct {
	logger  log.Logger
	lock    *profiling.Lock
	arena   *codeimage.Arena
	layout  Layout
	exidx   ExidxRegistrar
	metrics *metrics

	// Everything below is guarded by lock.
	pending  map[string]Metadata
	ranges   *btree.BTreeG[metadataRange]
	sections *btree.BTreeG[SectionRecord]
	images   map[uint64]ImageInfo

	objects *xsync.MapOf[uint64, *ObjectFile]
	// symbolLock guards the lazily built symbol maps of every ObjectFile.
	symbolLock profiling.Lock
}

type Option func(*Registry)

// WithExidxRegistrar forwards ARM exception index tables found in registered
// objects to u.
func WithExidxRegistrar(u ExidxRegistrar) Option {
	return func(r *Registry) { r.exidx = u }
}

func New(lock *profiling.Lock, arena *codeimage.Arena, layout Layout, logger log.Logger, reg prometheus.Registerer, opts ...Option) *Registry {
	r := &Registry{
		logger:  log.With(logger, "component", "registry"),
		lock:    lock,
		arena:   arena,
		layout:  layout,
		metrics: newMetrics(reg),
		pending: make(map[string]Metadata),
		ranges: btree.NewG(16, func(a, b metadataRange) bool {
			return a.start < b.start
		}),
		sections: btree.NewG(16, func(a, b SectionRecord) bool {
			return a.LoadAddr < b.LoadAddr
		}),
		images:  make(map[uint64]ImageInfo),
		objects: xsync.NewMapOf[uint64, *ObjectFile](),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Layout returns the symbol naming convention the registry mangles with.
func (r *Registry) Layout() Layout { return r.layout }

// RecordPendingMetadata associates md with the function the compiler named
// symbolName, until an object defining that symbol is registered. A later
// call for the same name replaces md.
func (r *Registry) RecordPendingMetadata(symbolName string, md Metadata) {
	name := r.layout.Mangle(symbolName)
	r.lock.Lock(profiling.Normal)
	defer r.lock.Unlock()
	r.pending[name] = md
	r.metrics.pendingSymbols.Set(float64(len(r.pending)))
}

type placedSymbol struct {
	name string
	addr uint64
	size uint64
}

// RegisterObject records a just emitted object. Objects without function
// symbols are ignored. Function symbols in text sections consume their
// pending metadata, and every text section they live in is recorded at its
// load address. The object bytes are kept for later symbolication.
func (r *Registry) RegisterObject(obj objfile.Object, resolve LoadAddressResolver) {
	if !lo.ContainsBy(obj.Symbols(), func(s objfile.Symbol) bool { return s.Kind == objfile.SymbolFunc }) {
		r.metrics.objectsRegistered.WithLabelValues("no_functions").Inc()
		return
	}
	sections := lo.SliceToMap(obj.Sections(), func(s objfile.Section) (int, objfile.Section) {
		return s.Index, s
	})

	var (
		placed  []placedSymbol
		records []SectionRecord
		seen    = map[uint64]bool{}
	)
	for _, sym := range objfile.ComputeSymbolSizes(obj) {
		if sym.Kind != objfile.SymbolFunc {
			continue
		}
		sec, ok := sections[sym.Section]
		if !ok || !sec.Text {
			continue
		}
		load := resolve(sec)
		placed = append(placed, placedSymbol{name: sym.Name, addr: sym.Addr + load - sec.Addr, size: sym.Size})
		if !seen[load] {
			seen[load] = true
			records = append(records, SectionRecord{
				LoadAddr: load,
				Size:     sec.Size,
				Slide:    int64(sec.Addr) - int64(load),
				Index:    sec.Index,
			})
		}
	}
	if len(records) == 0 {
		// Nothing could ever reference the image.
		r.metrics.objectsRegistered.WithLabelValues("no_text").Inc()
		return
	}
	img := r.arena.Add(obj.Bytes())

	r.lock.Lock(profiling.Normal)
	for _, s := range placed {
		md, ok := r.pending[s.name]
		if !ok {
			continue
		}
		delete(r.pending, s.name)
		r.insertRange(metadataRange{start: s.addr, size: s.size, md: md})
	}
	for _, rec := range records {
		rec.Image = img
		r.insertSection(rec)
	}
	r.metrics.pendingSymbols.Set(float64(len(r.pending)))
	r.metrics.metadataRanges.Set(float64(r.ranges.Len()))
	r.metrics.sections.Set(float64(r.sections.Len()))
	r.lock.Unlock()

	r.metrics.objectsRegistered.WithLabelValues("registered").Inc()
	if r.exidx != nil && obj.Arch() == objfile.ArchARM {
		r.registerExidx(obj, resolve)
	}
}

func (r *Registry) insertRange(m metadataRange) {
	if prev, ok := r.floorRange(m.start); ok && prev.start != m.start && m.start-prev.start < prev.size {
		r.overlap("metadata", prev.start, prev.size, m.start, m.size)
	} else if next, ok := r.ceilRange(m.start); ok && next.start != m.start && next.start-m.start < m.size {
		r.overlap("metadata", next.start, next.size, m.start, m.size)
	}
	// The latest registration for an address wins.
	r.ranges.ReplaceOrInsert(m)
}

func (r *Registry) insertSection(s SectionRecord) {
	if _, ok := r.sections.Get(s); ok {
		// A section already known at this address keeps its first image.
		return
	}
	if prev, ok := r.floorSection(s.LoadAddr); ok && prev.Contains(s.LoadAddr) {
		r.overlap("section", prev.LoadAddr, prev.Size, s.LoadAddr, s.Size)
	}
	r.sections.ReplaceOrInsert(s)
}

func (r *Registry) overlap(m string, start, size, newStart, newSize uint64) {
	r.metrics.overlaps.WithLabelValues(m).Inc()
	level.Warn(r.logger).Log("msg", "registered range overlaps an existing one", "map", m,
		"existing_start", start, "existing_size", size, "start", newStart, "size", newSize)
}

func (r *Registry) floorRange(addr uint64) (metadataRange, bool) {
	var (
		res   metadataRange
		found bool
	)
	r.ranges.DescendLessOrEqual(metadataRange{start: addr}, func(m metadataRange) bool {
		res, found = m, true
		return false
	})
	return res, found
}

func (r *Registry) ceilRange(addr uint64) (metadataRange, bool) {
	var (
		res   metadataRange
		found bool
	)
	r.ranges.AscendGreaterOrEqual(metadataRange{start: addr}, func(m metadataRange) bool {
		res, found = m, true
		return false
	})
	return res, found
}

func (r *Registry) floorSection(addr uint64) (SectionRecord, bool) {
	var (
		res   SectionRecord
		found bool
	)
	r.sections.DescendLessOrEqual(SectionRecord{LoadAddr: addr}, func(s SectionRecord) bool {
		res, found = s, true
		return false
	})
	return res, found
}

// LookupMetadataByAddress returns the metadata of the registered function
// containing addr.
func (r *Registry) LookupMetadataByAddress(addr uint64, mode profiling.Mode) (Metadata, bool) {
	if !r.lock.RLock(mode) {
		return nil, false
	}
	defer r.lock.RUnlock()
	m, ok := r.floorRange(addr)
	if !ok || addr-m.start >= m.size {
		return nil, false
	}
	return m.md, true
}

// LookupSectionByAddress returns the JIT section containing addr.
func (r *Registry) LookupSectionByAddress(addr uint64, mode profiling.Mode) (SectionRecord, bool) {
	if !r.lock.RLock(mode) {
		return SectionRecord{}, false
	}
	defer r.lock.RUnlock()
	return r.sectionAt(addr)
}

func (r *Registry) sectionAt(addr uint64) (SectionRecord, bool) {
	s, ok := r.floorSection(addr)
	if !ok || !s.Contains(addr) {
		return SectionRecord{}, false
	}
	return s, true
}

// SectionStart returns the load address of the JIT section containing
// addr, or 0.
func (r *Registry) SectionStart(addr uint64, mode profiling.Mode) uint64 {
	s, ok := r.LookupSectionByAddress(addr, mode)
	if !ok {
		return 0
	}
	return s.LoadAddr
}

// DebugInfo is what a JIT section offers for symbolication.
type DebugInfo struct {
	Section SectionRecord
	// Object and Context are nil when the image is unusable. Context is also
	// nil for objects without DWARF.
	Object  objfile.Object
	Context objfile.DebugContext
	// ObjectSection is the section of Object at Section.Index.
	ObjectSection objfile.Section
}

// WithDebugInfo finds the JIT section containing addr, loads its image and
// calls fn with the write side of the profiling lock held, since debug-info
// contexts mutate their caches on every query. It reports false when addr is
// not JIT code, or when the lock is busy in SignalSafe mode. fn must not call
// back into the registry.
func (r *Registry) WithDebugInfo(addr uint64, mode profiling.Mode, fn func(DebugInfo)) bool {
	if !r.lock.Lock(mode) {
		return false
	}
	defer r.lock.Unlock()
	s, ok := r.sectionAt(addr)
	if !ok {
		return false
	}
	di := DebugInfo{Section: s}
	if obj, dctx, ok := s.Image.Load(mode); ok {
		di.Object, di.Context = obj, dctx
		if sec, ok := lo.Find(obj.Sections(), func(sec objfile.Section) bool { return sec.Index == s.Index }); ok {
			di.ObjectSection = sec
		}
	}
	fn(di)
	return true
}

// RegisterImage records an ahead-of-time image, replacing any image
// previously registered at the same base.
func (r *Registry) RegisterImage(info ImageInfo) {
	r.lock.Lock(profiling.Normal)
	defer r.lock.Unlock()
	r.images[info.Base] = info
	r.metrics.images.Set(float64(len(r.images)))
}

// LookupImage returns the ahead-of-time image loaded at base.
func (r *Registry) LookupImage(base uint64, mode profiling.Mode) (ImageInfo, bool) {
	if !r.lock.RLock(mode) {
		return ImageInfo{}, false
	}
	defer r.lock.RUnlock()
	info, ok := r.images[base]
	return info, ok
}

func (r *Registry) registerExidx(obj objfile.Object, resolve LoadAddressResolver) {
	// Only the first text section and the first index table are paired.
	var text, exidx *objfile.Section
	for _, s := range obj.Sections() {
		switch {
		case s.Text && text == nil:
			text = &s
		case s.Name == ".ARM.exidx" && exidx == nil:
			exidx = &s
		}
		if text != nil && exidx != nil {
			break
		}
	}
	if text == nil || exidx == nil || text.Size == 0 {
		return
	}
	exidxLoad := resolve(*exidx)
	if exidxLoad == 0 {
		return
	}
	textLoad := resolve(*text)
	r.exidx.RegisterARMExidx(textLoad, textLoad+text.Size, exidxLoad, exidx.Size)
}
