package registry

import (
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/jitdebuginfo/pkg/codeimage"
	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/objfile/objfiletest"
	"github.com/grafana/jitdebuginfo/pkg/profiling"
)

type testEnv struct {
	lock   *profiling.Lock
	arena  *codeimage.Arena
	reg    *Registry
	prom   *prometheus.Registry
	parser objfiletest.Parser
}

func newTestEnv(t *testing.T, layout Layout, opts ...Option) *testEnv {
	t.Helper()
	e := &testEnv{
		lock:   new(profiling.Lock),
		prom:   prometheus.NewRegistry(),
		parser: objfiletest.Parser{},
	}
	e.arena = codeimage.NewArena(nil, log.NewNopLogger(), e.prom, codeimage.WithParser(e.parser.Open))
	e.reg = New(e.lock, e.arena, layout, log.NewNopLogger(), e.prom, opts...)
	return e
}

func jitObject(raw string, syms ...objfile.Symbol) *objfiletest.Object {
	return &objfiletest.Object{
		Raw: []byte(raw),
		SectionList: []objfile.Section{
			{Index: 1, Name: ".text", Addr: 0, Size: 0x1000, Text: true},
			{Index: 2, Name: ".rodata", Addr: 0x1000, Size: 0x100},
		},
		SymbolList: syms,
	}
}

func fn(name string, addr, size uint64) objfile.Symbol {
	return objfile.Symbol{Name: name, Addr: addr, Size: size, Section: 1, Kind: objfile.SymbolFunc}
}

func at(base uint64) LoadAddressResolver {
	return func(s objfile.Section) uint64 { return base + s.Addr }
}

func TestPendingMetadataBecomesAddressRange(t *testing.T) {
	e := newTestEnv(t, Layout{})
	e.reg.RecordPendingMetadata("X", "handle-x")
	e.reg.RegisterObject(jitObject("obj", fn("X", 0x100, 0x40), fn("Y", 0x140, 0x10)), at(0x7000_0000))

	const a = 0x7000_0100
	md, ok := e.reg.LookupMetadataByAddress(a, profiling.Normal)
	require.True(t, ok)
	require.Equal(t, "handle-x", md)
	md, ok = e.reg.LookupMetadataByAddress(a+0x3f, profiling.Normal)
	require.True(t, ok)
	require.Equal(t, "handle-x", md)

	_, ok = e.reg.LookupMetadataByAddress(a+0x40, profiling.Normal)
	require.False(t, ok, "Y had no pending metadata")
	_, ok = e.reg.LookupMetadataByAddress(a-1, profiling.Normal)
	require.False(t, ok)

	require.Empty(t, e.reg.pending)
	require.Equal(t, 1.0, testutil.ToFloat64(e.reg.metrics.objectsRegistered.WithLabelValues("registered")))
}

func TestPendingMetadataIsConsumedOnce(t *testing.T) {
	e := newTestEnv(t, Layout{})
	e.reg.RecordPendingMetadata("f", "old")
	e.reg.RecordPendingMetadata("f", "new")
	e.reg.RegisterObject(jitObject("a", fn("f", 0x0, 0x10)), at(0x1_0000))
	e.reg.RegisterObject(jitObject("b", fn("f", 0x0, 0x10)), at(0x2_0000))

	md, ok := e.reg.LookupMetadataByAddress(0x1_0008, profiling.Normal)
	require.True(t, ok)
	require.Equal(t, "new", md)
	_, ok = e.reg.LookupMetadataByAddress(0x2_0008, profiling.Normal)
	require.False(t, ok)
}

func TestPendingMetadataIsMangled(t *testing.T) {
	e := newTestEnv(t, Layout{GlobalPrefix: '_'})
	e.reg.RecordPendingMetadata("julia_f_1", 1)
	e.reg.RecordPendingMetadata("\x01private", 2)
	e.reg.RegisterObject(jitObject("obj",
		fn("_julia_f_1", 0x0, 0x10),
		fn("private", 0x10, 0x10),
	), at(0x4000))

	md, ok := e.reg.LookupMetadataByAddress(0x4000, profiling.Normal)
	require.True(t, ok)
	require.Equal(t, 1, md)
	md, ok = e.reg.LookupMetadataByAddress(0x4010, profiling.Normal)
	require.True(t, ok)
	require.Equal(t, 2, md)
}

func TestLayout(t *testing.T) {
	require.Equal(t, "f", Layout{}.Mangle("f"))
	require.Equal(t, "_f", Layout{GlobalPrefix: '_'}.Mangle("f"))
	require.Equal(t, "f", Layout{GlobalPrefix: '_'}.Mangle("\x01f"))
	require.Equal(t, "f", Layout{GlobalPrefix: '_'}.Unmangle("_f"))
	require.Equal(t, "f", Layout{GlobalPrefix: '_'}.Unmangle("f"))
	require.Equal(t, "_f", Layout{}.Unmangle("_f"))
}

func TestRegisterObjectWithoutFunctions(t *testing.T) {
	e := newTestEnv(t, Layout{})
	obj := jitObject("data only", objfile.Symbol{Name: "d", Addr: 0x1000, Size: 8, Section: 2, Kind: objfile.SymbolData})
	e.reg.RegisterObject(obj, at(0x1000))
	require.Equal(t, 0, e.arena.Len())
	require.Equal(t, 0, e.reg.sections.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(e.reg.metrics.objectsRegistered.WithLabelValues("no_functions")))
}

func TestRegisterObjectWithoutTextSectionDropsImage(t *testing.T) {
	e := newTestEnv(t, Layout{})
	e.reg.RecordPendingMetadata("f", "h")
	obj := jitObject("odd", objfile.Symbol{Name: "f", Addr: 0x1000, Size: 8, Section: 2, Kind: objfile.SymbolFunc})
	e.reg.RegisterObject(obj, at(0x1000))
	require.Equal(t, 0, e.arena.Len())
	require.Equal(t, int64(0), e.arena.Bytes())
	require.Equal(t, 0, e.reg.sections.Len())
	require.Len(t, e.reg.pending, 1)
}

func TestDisjointImages(t *testing.T) {
	e := newTestEnv(t, Layout{})
	type placed struct {
		start, size uint64
		md          string
	}
	var all []placed
	for i := 0; i < 32; i++ {
		base := uint64(0x10_0000 + i*0x2000)
		var syms []objfile.Symbol
		for j := 0; j < 4; j++ {
			name := fmt.Sprintf("f%d_%d", i, j)
			md := fmt.Sprintf("md-%d-%d", i, j)
			e.reg.RecordPendingMetadata(name, md)
			syms = append(syms, fn(name, uint64(j*0x100), 0x80))
			all = append(all, placed{start: base + uint64(j*0x100), size: 0x80, md: md})
		}
		e.reg.RegisterObject(jitObject(fmt.Sprintf("obj%d", i), syms...), at(base))
	}
	for _, p := range all {
		for _, addr := range []uint64{p.start, p.start + p.size/2, p.start + p.size - 1} {
			md, ok := e.reg.LookupMetadataByAddress(addr, profiling.Normal)
			require.True(t, ok, "%#x", addr)
			require.Equal(t, p.md, md)
		}
		_, ok := e.reg.LookupMetadataByAddress(p.start+p.size, profiling.Normal)
		require.False(t, ok)
	}
	_, ok := e.reg.LookupMetadataByAddress(0x10, profiling.Normal)
	require.False(t, ok)
	require.Equal(t, 32, e.arena.Len())
	require.Equal(t, 32.0, testutil.ToFloat64(e.reg.metrics.sections))
}

func TestSectionLookup(t *testing.T) {
	e := newTestEnv(t, Layout{})
	obj := jitObject("obj", fn("f", 0x10, 0x10))
	e.reg.RegisterObject(obj, at(0x5000))

	s, ok := e.reg.LookupSectionByAddress(0x5010, profiling.Normal)
	require.True(t, ok)
	require.Equal(t, uint64(0x5000), s.LoadAddr)
	require.Equal(t, uint64(0x1000), s.Size)
	require.Equal(t, int64(-0x5000), s.Slide)
	require.Equal(t, uint64(0x10), s.StaticAddr(0x5010))
	require.Equal(t, 1, s.Index)

	require.Equal(t, uint64(0x5000), e.reg.SectionStart(0x5fff, profiling.Normal))
	require.Equal(t, uint64(0), e.reg.SectionStart(0x6000, profiling.Normal))
	require.Equal(t, uint64(0), e.reg.SectionStart(0x4fff, profiling.Normal))

	// The same load address registered again keeps the first image.
	first := s.Image
	e.reg.RegisterObject(jitObject("again", fn("g", 0x0, 0x10)), at(0x5000))
	s, ok = e.reg.LookupSectionByAddress(0x5000, profiling.Normal)
	require.True(t, ok)
	require.Same(t, first, s.Image)
}

func TestOverlappingRangesAreCounted(t *testing.T) {
	e := newTestEnv(t, Layout{})
	e.reg.RecordPendingMetadata("a", 1)
	e.reg.RegisterObject(jitObject("a", fn("a", 0x0, 0x100)), at(0x1_0000))
	e.reg.RecordPendingMetadata("b", 2)
	e.reg.RegisterObject(jitObject("b", fn("b", 0x0, 0x100)), at(0x1_0080))

	require.Equal(t, 1.0, testutil.ToFloat64(e.reg.metrics.overlaps.WithLabelValues("metadata")))
	require.Equal(t, 1.0, testutil.ToFloat64(e.reg.metrics.overlaps.WithLabelValues("section")))
}

func TestSignalSafeLookupsDoNotBlock(t *testing.T) {
	e := newTestEnv(t, Layout{})
	e.reg.RecordPendingMetadata("f", "h")
	e.reg.RegisterObject(jitObject("obj", fn("f", 0x0, 0x10)), at(0x9000))

	md, ok := e.reg.LookupMetadataByAddress(0x9000, profiling.SignalSafe)
	require.True(t, ok)
	require.Equal(t, "h", md)

	require.True(t, e.lock.Lock(profiling.Normal))
	_, ok = e.reg.LookupMetadataByAddress(0x9000, profiling.SignalSafe)
	require.False(t, ok)
	_, ok = e.reg.LookupSectionByAddress(0x9000, profiling.SignalSafe)
	require.False(t, ok)
	require.False(t, e.reg.WithDebugInfo(0x9000, profiling.SignalSafe, func(DebugInfo) {
		t.Fatal("called without the lock")
	}))
	_, ok = e.reg.LookupImage(0, profiling.SignalSafe)
	require.False(t, ok)
	e.lock.Unlock()
}

func TestWithDebugInfo(t *testing.T) {
	e := newTestEnv(t, Layout{})
	obj := e.parser.Add(jitObject("obj", fn("f", 0x20, 0x10)))
	obj.Context = &objfiletest.Context{}
	e.reg.RegisterObject(obj, at(0x3000))

	var got DebugInfo
	require.True(t, e.reg.WithDebugInfo(0x3025, profiling.Normal, func(di DebugInfo) { got = di }))
	require.Same(t, obj, got.Object)
	require.Same(t, obj.Context, got.Context)
	require.Equal(t, ".text", got.ObjectSection.Name)
	require.Equal(t, uint64(0x25), got.Section.StaticAddr(0x3025))

	require.False(t, e.reg.WithDebugInfo(0x10, profiling.Normal, func(DebugInfo) {}))
}

func TestWithDebugInfoUnusableImage(t *testing.T) {
	e := newTestEnv(t, Layout{})
	// Not known to the parser, so the image cannot be parsed.
	e.reg.RegisterObject(jitObject("garbage", fn("f", 0x0, 0x10)), at(0x3000))

	called := false
	require.True(t, e.reg.WithDebugInfo(0x3000, profiling.Normal, func(di DebugInfo) {
		called = true
		require.Nil(t, di.Object)
		require.Nil(t, di.Context)
	}))
	require.True(t, called)
}

type exidxCall struct {
	textStart, textEnd, exidx, exidxLen uint64
}

type recordingExidx struct {
	calls []exidxCall
}

func (r *recordingExidx) RegisterARMExidx(textStart, textEnd, exidx, exidxLen uint64) {
	r.calls = append(r.calls, exidxCall{textStart, textEnd, exidx, exidxLen})
}

func TestARMExidxRegistration(t *testing.T) {
	rec := &recordingExidx{}
	e := newTestEnv(t, Layout{}, WithExidxRegistrar(rec))

	obj := jitObject("arm", fn("f", 0x0, 0x10))
	obj.Machine = objfile.ArchARM
	obj.SectionList = append(obj.SectionList, objfile.Section{Index: 3, Name: ".ARM.exidx", Addr: 0x2000, Size: 0x18})
	e.reg.RegisterObject(obj, at(0x10000))

	other := jitObject("x86", fn("f", 0x0, 0x10))
	other.Machine = objfile.ArchAMD64
	e.reg.RegisterObject(other, at(0x20000))

	require.Equal(t, []exidxCall{{0x10000, 0x11000, 0x12000, 0x18}}, rec.calls)
}

func TestARMExidxRegistrationUsesFirstPair(t *testing.T) {
	rec := &recordingExidx{}
	e := newTestEnv(t, Layout{}, WithExidxRegistrar(rec))

	obj := jitObject("arm", fn("f", 0x0, 0x10))
	obj.Machine = objfile.ArchARM
	obj.SectionList = append(obj.SectionList,
		objfile.Section{Index: 3, Name: ".ARM.exidx", Addr: 0x2000, Size: 0x18},
		objfile.Section{Index: 4, Name: ".text.cold", Addr: 0x3000, Size: 0x800, Text: true},
		objfile.Section{Index: 5, Name: ".ARM.exidx", Addr: 0x4000, Size: 0x20},
	)
	e.reg.RegisterObject(obj, at(0x10000))

	require.Equal(t, []exidxCall{{0x10000, 0x11000, 0x12000, 0x18}}, rec.calls)
}

func TestConcurrentRegistrationAndLookup(t *testing.T) {
	e := newTestEnv(t, Layout{})
	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				name := fmt.Sprintf("w%d_f%d", w, i)
				base := uint64(0x100_0000 + (w*50+i)*0x1000)
				e.reg.RecordPendingMetadata(name, name)
				e.reg.RegisterObject(jitObject(name, fn(name, 0x0, 0x20)), at(base))
				md, ok := e.reg.LookupMetadataByAddress(base+0x10, profiling.Normal)
				if !ok || md != name {
					return fmt.Errorf("lookup of %s at %#x: %v %v", name, base, md, ok)
				}
			}
			return nil
		})
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				e.reg.LookupMetadataByAddress(uint64(0x100_0000+i*0x1000), profiling.SignalSafe)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 200, e.arena.Len())
}
