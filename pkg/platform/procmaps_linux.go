//go:build linux

package platform

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/afero"
	"go.uber.org/atomic"

	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/profiling"
)

type mapping struct {
	start  uint64
	end    uint64
	offset uint64
	exec   bool
	path   string
}

type baseKey struct {
	path  string
	start uint64
}

// ProcMapsLoader finds loaded images through /proc/self/maps. The mappings
// are re-read when an address is not covered by the last snapshot; signal
// handlers only ever see the snapshot and the bases computed before.
type ProcMapsLoader struct {
	logger   log.Logger
	fs       afero.Fs
	readMaps func() ([]*procfs.ProcMap, error)

	snapshot atomic.Pointer[[]mapping]
	bases    *xsync.MapOf[baseKey, uint64]
}

type ProcMapsOption func(*ProcMapsLoader)

// WithMapsReader replaces /proc/self/maps as the source of mappings.
func WithMapsReader(read func() ([]*procfs.ProcMap, error)) ProcMapsOption {
	return func(l *ProcMapsLoader) { l.readMaps = read }
}

// NewProcMapsLoader returns a loader reading image headers from fs.
func NewProcMapsLoader(fs afero.Fs, logger log.Logger, opts ...ProcMapsOption) (*ProcMapsLoader, error) {
	l := &ProcMapsLoader{
		logger: log.With(logger, "component", "procmaps"),
		fs:     fs,
		bases:  xsync.NewMapOf[baseKey, uint64](),
	}
	for _, o := range opts {
		o(l)
	}
	if l.readMaps == nil {
		self, err := procfs.Self()
		if err != nil {
			return nil, fmt.Errorf("open /proc/self: %w", err)
		}
		l.readMaps = self.ProcMaps
	}
	return l, nil
}

func (l *ProcMapsLoader) refresh() []mapping {
	maps, err := l.readMaps()
	if err != nil {
		level.Debug(l.logger).Log("msg", "failed to read mappings", "err", err)
		return nil
	}
	res := make([]mapping, 0, len(maps))
	for _, m := range maps {
		if m.Pathname == "" || strings.HasPrefix(m.Pathname, "[") {
			continue
		}
		res = append(res, mapping{
			start:  uint64(m.StartAddr),
			end:    uint64(m.EndAddr),
			offset: uint64(m.Offset),
			exec:   m.Perms != nil && m.Perms.Execute,
			path:   m.Pathname,
		})
	}
	l.snapshot.Store(&res)
	return res
}

func find(maps []mapping, addr uint64) (mapping, bool) {
	for _, m := range maps {
		if m.start <= addr && addr < m.end {
			return m, true
		}
	}
	return mapping{}, false
}

func (l *ProcMapsLoader) ImageAt(addr uint64, mode profiling.Mode) (LoadedImage, bool) {
	var maps []mapping
	if p := l.snapshot.Load(); p != nil {
		maps = *p
	}
	m, ok := find(maps, addr)
	if !ok {
		if mode == profiling.SignalSafe {
			return LoadedImage{}, false
		}
		maps = l.refresh()
		if m, ok = find(maps, addr); !ok {
			return LoadedImage{}, false
		}
	}
	// The bias is defined by the executable mapping of the file.
	text := m
	if !text.exec {
		for _, o := range maps {
			if o.path == m.path && o.exec {
				text = o
				break
			}
		}
	}
	key := baseKey{path: text.path, start: text.start}
	if base, ok := l.bases.Load(key); ok {
		return LoadedImage{Path: m.path, Base: base}, true
	}
	if mode == profiling.SignalSafe {
		return LoadedImage{}, false
	}
	base, err := l.loadBias(text)
	if err != nil {
		level.Debug(l.logger).Log("msg", "failed to compute load bias", "path", text.path, "err", err)
		return LoadedImage{}, false
	}
	l.bases.Store(key, base)
	return LoadedImage{Path: m.path, Base: base}, true
}

func (l *ProcMapsLoader) loadBias(m mapping) (uint64, error) {
	f, err := l.fs.Open(m.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	obj, err := objfile.NewFile(f)
	if err != nil {
		return 0, err
	}
	hdr, progs, ok := objfile.ELFHeader(obj)
	if !ok {
		return 0, fmt.Errorf("%s is not an elf file", m.path)
	}
	base, ok := loadBias(hdr, progs, m)
	if !ok {
		return 0, fmt.Errorf("no executable segment at offset %#x", m.offset)
	}
	return base, nil
}

func loadBias(hdr elf.FileHeader, progs []elf.ProgHeader, m mapping) (uint64, bool) {
	if hdr.Type == elf.ET_EXEC {
		return 0, true
	}
	for _, prog := range progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 && prog.Off == m.offset {
			return m.start - prog.Vaddr, true
		}
	}
	return 0, false
}
