//go:build linux

package platform

import (
	"bytes"
	"debug/elf"
	"errors"
	"os"
	"reflect"
	"runtime"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/procfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jitdebuginfo/pkg/profiling"
	"github.com/grafana/jitdebuginfo/pkg/unwind"
)

func TestLoadBias(t *testing.T) {
	progs := []elf.ProgHeader{
		{Type: elf.PT_LOAD, Flags: elf.PF_R, Off: 0, Vaddr: 0},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Off: 0x1000, Vaddr: 0x1000},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Off: 0x5000, Vaddr: 0x6000},
	}
	m := mapping{start: 0x7f00_0000_1000, end: 0x7f00_0000_5000, offset: 0x1000, exec: true}

	base, ok := loadBias(elf.FileHeader{Type: elf.ET_DYN}, progs, m)
	require.True(t, ok)
	require.Equal(t, uint64(0x7f00_0000_0000), base)

	base, ok = loadBias(elf.FileHeader{Type: elf.ET_EXEC}, progs, m)
	require.True(t, ok)
	require.Equal(t, uint64(0), base)

	m.offset = 0x2000
	_, ok = loadBias(elf.FileHeader{Type: elf.ET_DYN}, progs, m)
	require.False(t, ok)
}

func fakeMaps(t *testing.T, path string, start, end, offset uint64) func() ([]*procfs.ProcMap, error) {
	t.Helper()
	calls := 0
	return func() ([]*procfs.ProcMap, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("mappings read more than once")
		}
		return []*procfs.ProcMap{
			{StartAddr: 0x1000, EndAddr: 0x2000, Perms: &procfs.ProcMapPermissions{Read: true}, Pathname: "[vdso]"},
			{StartAddr: uintptr(start), EndAddr: uintptr(end), Perms: &procfs.ProcMapPermissions{Read: true, Execute: true}, Offset: int64(offset), Pathname: path},
		}, nil
	}
}

func TestProcMapsLoader(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	data, err := os.ReadFile(exe)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	const path = "/opt/app/bin/app"
	require.NoError(t, afero.WriteFile(fs, path, data, 0o755))
	f, err := elf.NewFile(bytes.NewReader(data))
	require.NoError(t, err)
	var text elf.ProgHeader
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Flags&elf.PF_X != 0 {
			text = p.ProgHeader
			break
		}
	}

	const bias = 0x5500_0000_0000
	start := bias + text.Vaddr
	l, err := NewProcMapsLoader(fs, log.NewNopLogger(), WithMapsReader(fakeMaps(t, path, start, start+text.Memsz, text.Off)))
	require.NoError(t, err)

	// Nothing is read from a signal handler.
	_, ok := l.ImageAt(start, profiling.SignalSafe)
	require.False(t, ok)

	img, ok := l.ImageAt(start+0x10, profiling.Normal)
	require.True(t, ok)
	require.Equal(t, path, img.Path)
	if f.Type == elf.ET_EXEC {
		require.Equal(t, uint64(0), img.Base)
	} else {
		require.Equal(t, uint64(bias), img.Base)
	}

	// Cached now, both for later lookups and for signal handlers.
	again, ok := l.ImageAt(start+0x20, profiling.SignalSafe)
	require.True(t, ok)
	require.Equal(t, img, again)

	_, ok = l.ImageAt(0x1800, profiling.SignalSafe)
	require.False(t, ok, "pseudo mappings are not images")
}

func TestHostLinux(t *testing.T) {
	p := Host(log.NewNopLogger())
	require.Equal(t, "linux", p.Name())
	require.Equal(t, byte(0), p.Layout().GlobalPrefix)
	require.False(t, p.UntrustedLoaderSymbols())
	if runtime.GOARCH != "arm" {
		require.Equal(t, unwind.StrategyWholeRange, p.UnwindStrategy())
	}

	// The test binary itself is a loaded image.
	pc := uint64(reflect.ValueOf(TestHostLinux).Pointer())
	img, ok := p.Loader().ImageAt(pc, profiling.Normal)
	require.True(t, ok)
	exe, err := os.Executable()
	require.NoError(t, err)
	require.Equal(t, exe, img.Path)
}
