package jitdebug

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/objfile/objfiletest"
	"github.com/grafana/jitdebuginfo/pkg/platform"
	"github.com/grafana/jitdebuginfo/pkg/profiling"
	"github.com/grafana/jitdebuginfo/pkg/registry"
	"github.com/grafana/jitdebuginfo/pkg/symbolizer"
	"github.com/grafana/jitdebuginfo/pkg/unwind"
)

const (
	jitBase = 0x6000_0000
	libBase = 0x7f00_0000
)

type libLoader struct{}

func (libLoader) ImageAt(addr uint64, _ profiling.Mode) (platform.LoadedImage, bool) {
	if addr < libBase || addr >= libBase+0x10_0000 {
		return platform.LoadedImage{}, false
	}
	return platform.LoadedImage{Path: "/opt/app/sys.so", Base: libBase, Symbol: "julia_g_2", SymbolAddr: libBase + 0x100}, true
}

type fixture struct {
	svc    *Service
	parser objfiletest.Parser
	native *unwind.FrameRegistry
}

func newFixture(t *testing.T, cfg Config, p platform.Static) *fixture {
	t.Helper()
	f := &fixture{parser: objfiletest.Parser{}, native: unwind.NewFrameRegistry()}
	if p.Images == nil {
		p.Images = libLoader{}
	}
	svc, err := New(cfg, log.NewNopLogger(), prometheus.NewRegistry(),
		WithPlatform(p),
		WithFs(afero.NewMemMapFs()),
		WithObjectParser(f.parser.Open),
		WithNativeUnwinder(f.native),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) emit(raw string, arch objfile.Arch, extra ...objfile.Section) *objfiletest.Object {
	return f.parser.Add(&objfiletest.Object{
		Raw:     []byte(raw),
		Machine: arch,
		SectionList: append([]objfile.Section{
			{Index: 1, Name: ".text", Addr: 0, Size: 0x1000, Text: true},
		}, extra...),
		SymbolList: []objfile.Symbol{
			{Name: "julia_work_7", Addr: 0x40, Size: 0x80, Section: 1, Kind: objfile.SymbolFunc},
		},
		Context: &objfiletest.Context{Ranges: []objfiletest.Range{{
			Lo: 0x40, Hi: 0xc0,
			Frames: []objfile.LineInfo{
				{FunctionName: "helper;3", FileName: "helper.jl", Line: 12},
				{FunctionName: "work", FileName: "work.jl", Line: 4},
			},
		}}},
	})
}

func loadedAt(base uint64) registry.LoadAddressResolver {
	return func(s objfile.Section) uint64 { return base + s.Addr }
}

// ehFrame builds an .eh_frame region loaded at base with one FDE per
// [start, end) range.
func ehFrame(base uint64, ranges ...[2]uint64) []byte {
	le := binary.NativeEndian
	data := le.AppendUint32(nil, 16)
	data = le.AppendUint32(data, 0)
	data = append(data, 1, 'z', 'R', 0, 1, 0x78, 16, 1, 0x1b, 0x0c, 0x07, 0x08)
	for _, r := range ranges {
		off := len(data)
		field := base + uint64(off) + 8
		data = le.AppendUint32(data, 16)
		data = le.AppendUint32(data, uint32(off+4))
		data = le.AppendUint32(data, uint32(int32(int64(r[0]-field))))
		data = le.AppendUint32(data, uint32(r[1]-r[0]))
		data = append(data, 0, 0, 0, 0)
	}
	return le.AppendUint32(data, 0)
}

func TestEmittedCodeRoundTrip(t *testing.T) {
	for _, compression := range []string{"zstd,zlib", "zlib", "none"} {
		t.Run(compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Compression = compression
			f := newFixture(t, cfg, platform.Static{OS: "linux", Strategy: unwind.StrategyWholeRange})

			f.svc.RecordPendingSymbol("julia_work_7", "work-md")
			f.svc.RegisterEmittedCode(f.emit("object "+compression, objfile.ArchAMD64), loadedAt(jitBase))

			md, ok := f.svc.LookupMetadataForAddress(jitBase+0x50, profiling.Normal)
			require.True(t, ok)
			require.Equal(t, "work-md", md)
			_, ok = f.svc.LookupMetadataForAddress(jitBase+0xc0, profiling.Normal)
			require.False(t, ok)

			require.Equal(t, []symbolizer.Frame{
				{FunctionName: "helper", FileName: "helper.jl", Line: 12, Inlined: true},
				{FunctionName: "work", FileName: "work.jl", Line: 4, Metadata: "work-md"},
			}, f.svc.ResolveAddressToFrames(jitBase+0x50, symbolizer.Options{}))

			require.Equal(t, uint64(jitBase), f.svc.UnwindInfo(jitBase+0x800))
			require.Equal(t, uint64(0), f.svc.UnwindInfo(jitBase+0x1000))
		})
	}
}

func TestEmittedCodeWithSectionPerFunction(t *testing.T) {
	obj, err := objfile.Open(objfiletest.RelocatableELF(
		objfiletest.Function{Name: "alpha", Size: 0x10},
		objfiletest.Function{Name: "beta", Size: 0x20},
	))
	require.NoError(t, err)
	svc, err := New(DefaultConfig(), log.NewNopLogger(), prometheus.NewRegistry(),
		WithPlatform(platform.Static{OS: "linux"}),
		WithFs(afero.NewMemMapFs()),
	)
	require.NoError(t, err)

	svc.RecordPendingSymbol("alpha", "alpha-md")
	svc.RecordPendingSymbol("beta", "beta-md")
	svc.RegisterEmittedCode(obj, func(s objfile.Section) uint64 {
		switch s.Name {
		case ".text.alpha":
			return 0x10000
		case ".text.beta":
			return 0x20000
		}
		return 0
	})

	for _, tc := range []struct {
		addr uint64
		name string
		md   string
	}{
		{0x10002, "alpha", "alpha-md"},
		{0x1000f, "alpha", "alpha-md"},
		{0x20002, "beta", "beta-md"},
		{0x2001f, "beta", "beta-md"},
	} {
		frames := svc.ResolveAddressToFrames(tc.addr, symbolizer.Options{})
		require.Len(t, frames, 1, "%#x", tc.addr)
		require.Equal(t, tc.name, frames[0].FunctionName, "%#x", tc.addr)
		require.Equal(t, tc.md, frames[0].Metadata, "%#x", tc.addr)
		require.False(t, frames[0].FromC, "%#x", tc.addr)
	}
}

func TestResolveWithoutInformation(t *testing.T) {
	f := newFixture(t, DefaultConfig(), platform.Static{OS: "linux"})
	require.Equal(t, []symbolizer.Frame{{Line: -1, FromC: true}},
		f.svc.ResolveAddressToFrames(0x10, symbolizer.Options{}))
}

func TestRegisterAheadOfTimeImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipCFrames = true
	cfg.FrameCacheSize = 16
	f := newFixture(t, cfg, platform.Static{OS: "linux"})

	const addr = libBase + 0x180
	require.Equal(t, []symbolizer.Frame{{Line: -1, FromC: true}},
		f.svc.ResolveAddressToFrames(addr, symbolizer.Options{}))

	f.svc.RegisterAheadOfTimeImage(registry.ImageInfo{
		Base:     libBase,
		FuncPtrs: []uint64{libBase + 0x100},
		Metadata: []registry.Metadata{"g-md"},
	})
	require.Equal(t, []symbolizer.Frame{
		{FunctionName: "g", FileName: "/opt/app/sys.so", Line: -1, Metadata: "g-md"},
	}, f.svc.ResolveAddressToFrames(addr, symbolizer.Options{}))
}

func TestRegisterEHFramesWholeRange(t *testing.T) {
	f := newFixture(t, DefaultConfig(), platform.Static{OS: "linux", Strategy: unwind.StrategyWholeRange})
	const base = 0x7e00_0000
	data := ehFrame(base, [2]uint64{base + 0x1000, base + 0x1100}, [2]uint64{base + 0x1100, base + 0x1180})

	f.svc.RegisterEHFrames(base, data)
	n, ok := f.native.Registered(base)
	require.True(t, ok)
	require.Equal(t, len(data), n)

	info, ok := f.svc.CustomUnwindInfo(base+0x1150, profiling.SignalSafe)
	require.True(t, ok)
	require.Equal(t, unwind.FormatIPOffset, info.Format)
	e, ok := info.Find(base + 0x1150)
	require.True(t, ok)
	require.Equal(t, int32(0x100), e.StartIPOffset)

	f.svc.DeregisterEHFrames(base, data)
	require.Equal(t, 0, f.native.Len())
	_, ok = f.svc.CustomUnwindInfo(base+0x1150, profiling.Normal)
	require.True(t, ok, "custom registrations are permanent")
}

func TestRegisterEHFramesPerFDE(t *testing.T) {
	f := newFixture(t, DefaultConfig(), platform.Static{OS: "darwin", GlobalPrefix: '_', Strategy: unwind.StrategyPerFDE})
	const base = 0x7e00_0000
	data := ehFrame(base, [2]uint64{base + 0x1000, base + 0x1100}, [2]uint64{base + 0x1100, base + 0x1180})

	f.svc.RegisterEHFrames(base, data)
	require.Equal(t, 2, f.native.Len())
	n, ok := f.native.Registered(base + 20)
	require.True(t, ok)
	require.Equal(t, 20, n)
	_, ok = f.svc.CustomUnwindInfo(base+0x1150, profiling.Normal)
	require.False(t, ok)

	f.svc.DeregisterEHFrames(base, data)
	require.Equal(t, 0, f.native.Len())
}

func TestRegisterARMObject(t *testing.T) {
	f := newFixture(t, DefaultConfig(), platform.Static{OS: "linux", Strategy: unwind.StrategyNone})
	obj := f.emit("arm object", objfile.ArchARM, objfile.Section{Index: 2, Name: ".ARM.exidx", Addr: 0x1000, Size: 0x40})
	f.svc.RegisterEmittedCode(obj, loadedAt(jitBase))

	info, ok := f.svc.CustomUnwindInfo(jitBase+0x10, profiling.Normal)
	require.True(t, ok)
	require.Equal(t, unwind.FormatARMExidx, info.Format)
	require.Equal(t, uint64(jitBase), info.StartIP)
	require.Equal(t, uint64(jitBase+0x1000), info.EndIP)
	require.Equal(t, uint64(jitBase+0x1000), info.TableData)
	require.Equal(t, uint64(0x40), info.TableLen)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression = "lz4"
	_, err := New(cfg, log.NewNopLogger(), nil, WithPlatform(platform.Static{}))
	require.Error(t, err)
}

func TestConcurrentRegistrationAndResolution(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := DefaultConfig()
	cfg.Compression = "zlib"
	f := newFixture(t, cfg, platform.Static{OS: "linux", Strategy: unwind.StrategyWholeRange})

	const objects = 16
	for i := 0; i < objects; i++ {
		f.emit(fmt.Sprintf("object %d", i), objfile.ArchAMD64)
	}
	var g errgroup.Group
	for i := 0; i < objects; i++ {
		base := uint64(jitBase + i*0x1000)
		raw := fmt.Sprintf("object %d", i)
		g.Go(func() error {
			obj, err := f.parser.Open([]byte(raw))
			if err != nil {
				return err
			}
			f.svc.RegisterEmittedCode(obj, loadedAt(base))
			return nil
		})
		g.Go(func() error {
			for j := 0; j < 64; j++ {
				frames := f.svc.ResolveAddressToFrames(base+0x50, symbolizer.Options{Mode: profiling.Mode(j % 2)})
				if len(frames) == 0 {
					return fmt.Errorf("no frames at %#x", base+0x50)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < objects; i++ {
		base := uint64(jitBase + i*0x1000)
		frames := f.svc.ResolveAddressToFrames(base+0x50, symbolizer.Options{})
		require.Len(t, frames, 2)
		require.Equal(t, "work", frames[1].FunctionName)
		require.Equal(t, base, f.svc.UnwindInfo(base+0x50))
	}
}
