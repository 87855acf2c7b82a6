// Package jitdebug is the introspection layer of the runtime: it learns
// about emitted and ahead-of-time compiled code, answers which source
// frames an address belongs to, and keeps the unwinders informed about
// emitted frame data.
package jitdebug

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/grafana/jitdebuginfo/pkg/codeimage"
	"github.com/grafana/jitdebuginfo/pkg/debuglink"
	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/platform"
	"github.com/grafana/jitdebuginfo/pkg/profiling"
	"github.com/grafana/jitdebuginfo/pkg/registry"
	"github.com/grafana/jitdebuginfo/pkg/symbolizer"
	"github.com/grafana/jitdebuginfo/pkg/unwind"
)

type options struct {
	platform platform.Platform
	fs       afero.Fs
	parse    func([]byte) (objfile.Object, error)
	native   unwind.NativeUnwinder
}

type Option func(*options)

// WithPlatform replaces the capabilities of the running system.
func WithPlatform(p platform.Platform) Option {
	return func(o *options) { o.platform = p }
}

// WithFs sets the file system libraries and their debug files are read
// from.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithObjectParser replaces objfile.Open as the parser of emitted code.
func WithObjectParser(parse func([]byte) (objfile.Object, error)) Option {
	return func(o *options) { o.parse = parse }
}

// WithNativeUnwinder sets the unwinder frame data is registered with.
func WithNativeUnwinder(u unwind.NativeUnwinder) Option {
	return func(o *options) { o.native = u }
}

type Service struct {
	logger   log.Logger
	cfg      Config
	platform platform.Platform

	lock       *profiling.Lock
	arena      *codeimage.Arena
	registry   *registry.Registry
	registrar  *unwind.Registrar
	tables     *unwind.DynamicTable
	symbolizer *symbolizer.Symbolizer
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		fs:    afero.NewOsFs(),
		parse: objfile.Open,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.platform == nil {
		o.platform = platform.Host(logger)
	}
	if o.native == nil {
		o.native = unwind.NewFrameRegistry()
	}

	formats, err := cfg.CompressionFormats()
	if err != nil {
		return nil, err
	}
	codec := codeimage.Select(formats)
	if codec == nil && len(formats) > 0 && formats[0] != codeimage.FormatNone {
		level.Warn(logger).Log("msg", "no compression codec available, storing code uncompressed", "compression", cfg.Compression)
	}

	s := &Service{
		logger:   log.With(logger, "component", "jitdebug"),
		cfg:      cfg,
		platform: o.platform,
		lock:     new(profiling.Lock),
		tables:   unwind.NewDynamicTable(),
	}
	s.arena = codeimage.NewArena(codec, logger, reg, codeimage.WithParser(o.parse))
	s.registrar = unwind.NewRegistrar(s.lock, o.platform.UnwindStrategy(), o.native, s.tables, logger, reg)
	s.registry = registry.New(s.lock, s.arena, o.platform.Layout(), logger, reg, registry.WithExidxRegistrar(s.registrar))

	style := debuglink.StyleDebugLink
	if o.platform.Name() == "darwin" {
		style = debuglink.StyleDSYM
	}
	resolver := debuglink.NewResolver(o.fs, debuglink.Config{
		Style:       style,
		DebugRoot:   cfg.DebugRoot,
		FollowLinks: cfg.SplitDebugInfo,
	}, logger, reg)

	s.symbolizer, err = symbolizer.New(s.registry, o.platform, resolver.Open, symbolizer.Config{
		DemangleNative: cfg.DemangleNative,
		FrameCacheSize: cfg.FrameCacheSize,
	}, logger, reg)
	if err != nil {
		return nil, err
	}
	level.Info(s.logger).Log("msg", "initialized", "platform", o.platform.Name(),
		"unwind_strategy", o.platform.UnwindStrategy(), "codec", codecFormat(codec))
	return s, nil
}

func codecFormat(c codeimage.Codec) codeimage.Format {
	if c == nil {
		return codeimage.FormatNone
	}
	return c.Format()
}

// RegisterEmittedCode records an object the compiler just emitted and
// loaded; resolve returns the load address of each of its sections.
func (s *Service) RegisterEmittedCode(obj objfile.Object, resolve registry.LoadAddressResolver) {
	s.registry.RegisterObject(obj, resolve)
}

// RecordPendingSymbol announces the metadata of a function the compiler is
// about to emit under symbolName.
func (s *Service) RecordPendingSymbol(symbolName string, md registry.Metadata) {
	s.registry.RecordPendingMetadata(symbolName, md)
}

// ResolveAddressToFrames returns the source frames at addr, innermost
// first. It always returns at least one frame.
func (s *Service) ResolveAddressToFrames(addr uint64, opts symbolizer.Options) []symbolizer.Frame {
	opts.SkipC = opts.SkipC || s.cfg.SkipCFrames
	return s.symbolizer.Resolve(addr, opts)
}

// LookupMetadataForAddress returns the metadata of the emitted function
// containing addr.
func (s *Service) LookupMetadataForAddress(addr uint64, mode profiling.Mode) (registry.Metadata, bool) {
	return s.registry.LookupMetadataByAddress(addr, mode)
}

// RegisterAheadOfTimeImage records an image the runtime loaded from disk.
func (s *Service) RegisterAheadOfTimeImage(info registry.ImageInfo) {
	s.registry.RegisterImage(info)
	s.symbolizer.Purge()
}

// RegisterEHFrames makes the .eh_frame data loaded at base known to the
// unwinders.
func (s *Service) RegisterEHFrames(base uint64, data []byte) {
	s.registrar.Register(base, data)
}

// DeregisterEHFrames removes the native registration made for the same
// region by RegisterEHFrames.
func (s *Service) DeregisterEHFrames(base uint64, data []byte) {
	s.registrar.Deregister(base, data)
}

// UnwindInfo returns the start of the emitted text section containing
// addr, or 0 when addr is not emitted code.
func (s *Service) UnwindInfo(addr uint64) uint64 {
	return s.registry.SectionStart(addr, profiling.Normal)
}

// CustomUnwindInfo returns the unwind table registered for ip.
func (s *Service) CustomUnwindInfo(ip uint64, mode profiling.Mode) (*unwind.Info, bool) {
	return s.tables.Lookup(ip, mode)
}
