// Package symbolizer resolves machine code addresses to source frames.
//
// JIT code is resolved through the debug info of the object it was emitted
// in. Everything else goes through the loaded image containing the address,
// its debug info if any, and the metadata tables of ahead-of-time images.
// Without usable debug info a single frame carrying the best known symbol
// name is returned.
package symbolizer

import (
	"slices"
	"strings"

	"github.com/go-kit/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/platform"
	"github.com/grafana/jitdebuginfo/pkg/profiling"
	"github.com/grafana/jitdebuginfo/pkg/registry"
)

// Frame is one source level frame. Frames of one address are ordered
// innermost first; only the last one is not inlined.
type Frame struct {
	// FunctionName and FileName are empty when unknown.
	FunctionName string
	FileName     string
	// Line is -1 when the address could not be resolved at all.
	Line int
	// Inlined is set on every frame but the outermost.
	Inlined bool
	// FromC marks frames that are not managed code.
	FromC bool
	// Metadata is the code metadata of the outermost frame, when known.
	Metadata registry.Metadata
}

type Options struct {
	// NoInline returns only the outermost frame.
	NoInline bool
	// SkipC gives up on addresses outside ahead-of-time images.
	SkipC bool
	Mode  profiling.Mode
}

// LibraryOpener opens the debug info of the library at path loaded at
// base, or returns nil.
type LibraryOpener func(path string, base uint64) *registry.ObjectFile

type Config struct {
	DemangleNative bool
	// FrameCacheSize bounds the cache of native frames, 0 disables it.
	FrameCacheSize int
}

type cacheKey struct {
	addr     uint64
	noInline bool
	skipC    bool
}

type Symbolizer struct {
	logger   log.Logger
	cfg      Config
	registry *registry.Registry
	platform platform.Platform
	open     LibraryOpener
	cache    *lru.Cache[cacheKey, []Frame]
	metrics  *metrics
}

func New(r *registry.Registry, p platform.Platform, open LibraryOpener, cfg Config, logger log.Logger, reg prometheus.Registerer) (*Symbolizer, error) {
	s := &Symbolizer{
		logger:   log.With(logger, "component", "symbolizer"),
		cfg:      cfg,
		registry: r,
		platform: p,
		open:     open,
		metrics:  newMetrics(reg),
	}
	if s.open == nil {
		s.open = func(string, uint64) *registry.ObjectFile { return nil }
	}
	if cfg.FrameCacheSize > 0 {
		c, err := lru.New[cacheKey, []Frame](cfg.FrameCacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	return s, nil
}

// Resolve returns the frames at addr, innermost first. It never returns an
// empty slice.
func (s *Symbolizer) Resolve(addr uint64, opts Options) []Frame {
	if frames, ok := s.resolveJIT(addr, opts); ok {
		s.metrics.jit.Inc()
		return frames
	}
	key := cacheKey{addr: addr, noInline: opts.NoInline, skipC: opts.SkipC}
	if s.cache != nil && opts.Mode == profiling.Normal {
		if frames, ok := s.cache.Get(key); ok {
			s.metrics.cacheHits.Inc()
			return slices.Clone(frames)
		}
	}
	frames, ok := s.resolveNative(addr, opts)
	if ok {
		s.metrics.native.Inc()
	} else {
		s.metrics.unresolved.Inc()
	}
	if s.cache != nil && opts.Mode == profiling.Normal {
		s.cache.Add(key, slices.Clone(frames))
	}
	return frames
}

// Purge drops cached native frames. Registering an ahead-of-time image
// changes how its addresses resolve.
func (s *Symbolizer) Purge() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

func (s *Symbolizer) resolveJIT(addr uint64, opts Options) ([]Frame, bool) {
	var frames []Frame
	found := s.registry.WithDebugInfo(addr, opts.Mode, func(di registry.DebugInfo) {
		at := objfile.SectionedAddress{Address: di.Section.StaticAddr(addr), SectionIndex: di.Section.Index}
		frames = s.expand(Frame{Line: -1}, di.Context, at, true, opts)
	})
	if !found {
		return nil, false
	}
	if md, ok := s.registry.LookupMetadataByAddress(addr, opts.Mode); ok {
		frames[len(frames)-1].Metadata = md
	}
	return frames, true
}

func (s *Symbolizer) resolveNative(addr uint64, opts Options) ([]Frame, bool) {
	frame := Frame{Line: -1}
	img, ok := s.platform.Loader().ImageAt(addr, opts.Mode)
	if !ok {
		frame.FromC = true
		return []Frame{frame}, false
	}
	info, isImage := s.registry.LookupImage(img.Base, opts.Mode)
	if opts.SkipC && !isImage {
		frame.FromC = true
		return []Frame{frame}, false
	}
	untrusted := s.platform.UntrustedLoaderSymbols()
	var saddr uint64
	if !(isImage && untrusted) {
		saddr = img.SymbolAddr
		frame.FunctionName = img.Symbol
	}
	frame.FileName = img.Path

	of, _ := s.registry.ObjectFile(img.Base, opts.Mode, func() *registry.ObjectFile {
		return s.open(img.Path, img.Base)
	})
	var (
		dctx objfile.DebugContext
		at   objfile.SectionedAddress
	)
	if of != nil {
		at.Address = of.StaticAddr(addr)
		if sec, ok := of.TextSection(at.Address); ok {
			at.SectionIndex = sec.Index
			dctx = of.Context
			// Start addresses only matter for images with function tables.
			needAddr := isImage && info.HasFunctions() && (saddr == 0 || untrusted)
			needName := frame.FunctionName == "" || untrusted
			if needAddr || needName {
				if sym, ok := of.NearestSymbol(at.Address, opts.Mode); ok {
					if needAddr && sym.Addr != 0 {
						saddr = uint64(int64(sym.Addr) - of.Slide)
					}
					if needName && sym.Name != "" {
						frame.FunctionName = s.platform.Layout().Unmangle(sym.Name)
					}
				}
			}
		}
	}

	frame.FromC = !isImage
	if isImage && saddr != 0 {
		if md, ok := info.MetadataFor(saddr); ok {
			frame.Metadata = md
		}
	}
	if dctx != nil {
		var frames []Frame
		if s.registry.WithDebugContext(opts.Mode, func() { frames = s.expand(frame, dctx, at, isImage, opts) }) {
			return frames, true
		}
	}
	return []Frame{s.withoutDebugInfo(frame, isImage)}, true
}

// expand turns the best guess frame for an address into the frames the
// debug info reports there. Without debug info, or when it knows nothing
// about the address, frame is returned alone.
func (s *Symbolizer) expand(frame Frame, dctx objfile.DebugContext, at objfile.SectionedAddress, managed bool, opts Options) []Frame {
	if dctx == nil {
		return []Frame{s.withoutDebugInfo(frame, managed)}
	}
	chain := dctx.InliningInfo(at)
	if len(chain) == 0 {
		return []Frame{s.withoutDebugInfo(frame, managed)}
	}
	if opts.NoInline {
		li, ok := dctx.LineInfo(at)
		if !ok {
			li = objfile.LineInfo{FunctionName: objfile.InvalidName, FileName: objfile.InvalidName}
		}
		chain = []objfile.LineInfo{li}
	}

	fromC := frame.FromC
	frames := make([]Frame, len(chain))
	frames[len(frames)-1] = frame
	for i, info := range chain {
		f := &frames[i]
		name := info.FunctionName
		if i != len(chain)-1 {
			f.Inlined = true
			f.FromC = fromC
			// Managed names carry a linkage suffix after ';'.
			if !fromC {
				if k := strings.IndexByte(name, ';'); k >= 0 {
					name = name[:k]
				}
			}
		}
		if name == objfile.InvalidName {
			name = ""
		}
		f.FunctionName = name
		if name == "" {
			f.FromC = true
		}
		f.Line = info.Line
		f.FileName = info.FileName
		if f.FileName == objfile.InvalidName {
			f.FileName = ""
		}
	}
	return frames
}

func (s *Symbolizer) withoutDebugInfo(frame Frame, managed bool) Frame {
	if !managed {
		if s.cfg.DemangleNative && frame.FunctionName != "" {
			frame.FunctionName = demangleNative(frame.FunctionName)
		}
		return frame
	}
	if frame.FunctionName == "" {
		// Hides wrappers without a name from managed backtraces.
		frame.FromC = true
		return frame
	}
	name, ok := Demangle(frame.FunctionName)
	frame.FromC = !ok
	if !ok && s.cfg.DemangleNative {
		name = demangleNative(name)
	}
	frame.FunctionName = name
	return frame
}
