// Package debuglink locates the file carrying the debug info of a loaded
// library: the library itself, a split debug file named by its
// .gnu_debuglink section, or a dSYM bundle next to it.
//
// https://sourceware.org/gdb/onlinedocs/gdb/Separate-Debug-Files.html
package debuglink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/registry"
)

const sectionName = ".gnu_debuglink"

// Link is the content of a .gnu_debuglink section.
type Link struct {
	Name string
	CRC  uint32
}

// ParseLink decodes a .gnu_debuglink section: a NUL terminated file name,
// padding to a multiple of four, and the CRC32 of the debug file.
func ParseLink(data []byte, order binary.ByteOrder) (Link, bool) {
	n := bytes.IndexByte(data, 0)
	if n <= 0 {
		return Link{}, false
	}
	off := (n + 1 + 3) &^ 3
	if off+4 > len(data) {
		return Link{}, false
	}
	return Link{Name: string(data[:n]), CRC: order.Uint32(data[off:])}, true
}

// Checksum is the CRC32 debug links are validated with.
func Checksum(data []byte) uint32 { return crc32.ChecksumIEEE(data) }

// Style is how a platform ships debug info for libraries.
type Style int

const (
	// StyleDebugLink uses the library, or the split file its debug link
	// names when one validates.
	StyleDebugLink Style = iota
	// StyleDSYM uses <lib>.dSYM/Contents/Resources/DWARF/<name>, which must
	// carry the UUID of the library.
	StyleDSYM
)

type Config struct {
	Style Style
	// DebugRoot is the system-wide directory of split debug files.
	DebugRoot string
	// FollowLinks enables split debug files. When false the library is
	// used as is.
	FollowLinks bool
}

// Resolver opens the debug info of loaded libraries.
type Resolver struct {
	logger  log.Logger
	fs      afero.Fs
	cfg     Config
	metrics *metrics
}

func NewResolver(fs afero.Fs, cfg Config, logger log.Logger, reg prometheus.Registerer) *Resolver {
	return &Resolver{
		logger:  log.With(logger, "component", "debuglink"),
		fs:      fs,
		cfg:     cfg,
		metrics: newMetrics(reg),
	}
}

func (r *Resolver) open(p string) (objfile.Object, error) {
	data, err := afero.ReadFile(r.fs, p)
	if err != nil {
		return nil, err
	}
	obj, err := objfile.Open(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return obj, nil
}

// Open resolves the library at libPath loaded at base. It returns nil when
// no usable object is found; callers cache that as "no debug info".
func (r *Resolver) Open(libPath string, base uint64) *registry.ObjectFile {
	_, obj, err := r.locate(libPath)
	if err != nil {
		level.Debug(r.logger).Log("msg", "no debug info for library", "path", libPath, "err", err)
		return nil
	}
	return registry.NewObjectFile(obj, base)
}

// Locate returns the path of the file Open reads the debug info of libPath
// from.
func (r *Resolver) Locate(libPath string) (string, error) {
	p, _, err := r.locate(libPath)
	return p, err
}

func (r *Resolver) locate(libPath string) (string, objfile.Object, error) {
	if r.cfg.Style == StyleDSYM {
		return r.openDSYM(libPath)
	}
	return r.openDebugLink(libPath)
}

func (r *Resolver) openDebugLink(libPath string) (string, objfile.Object, error) {
	obj, err := r.open(libPath)
	if err != nil {
		return "", nil, err
	}
	if !r.cfg.FollowLinks {
		return libPath, obj, nil
	}
	hdr, _, ok := objfile.ELFHeader(obj)
	if !ok {
		return libPath, obj, nil
	}
	section, ok := obj.SectionData(sectionName)
	if !ok {
		return libPath, obj, nil
	}
	link, ok := ParseLink(section, hdr.ByteOrder)
	if !ok {
		return libPath, obj, nil
	}
	p, debug, err := r.findSplit(libPath, link)
	if err != nil {
		level.Debug(r.logger).Log("msg", "split debug info not found", "path", libPath, "link", link.Name, "err", err)
		return libPath, obj, nil
	}
	return p, debug, nil
}

// Candidates returns where the split debug file of libPath is looked for,
// in order.
func (r *Resolver) Candidates(libPath string, link Link) []string {
	dir, file := path.Split(libPath)
	var res []string
	if file != link.Name {
		res = append(res, path.Join(dir, link.Name))
	}
	res = append(res, path.Join(dir, ".debug", link.Name))
	if r.cfg.DebugRoot != "" {
		res = append(res, path.Join(r.cfg.DebugRoot, dir, link.Name))
	}
	return res
}

func (r *Resolver) findSplit(libPath string, link Link) (string, objfile.Object, error) {
	var errs error
	for _, candidate := range r.Candidates(libPath, link) {
		data, err := afero.ReadFile(r.fs, candidate)
		if err != nil {
			r.metrics.candidates.WithLabelValues("missing").Inc()
			errs = multierror.Append(errs, err)
			continue
		}
		if sum := Checksum(data); sum != link.CRC {
			r.metrics.candidates.WithLabelValues("checksum_mismatch").Inc()
			errs = multierror.Append(errs, fmt.Errorf("%s: crc32 %#08x, want %#08x", candidate, sum, link.CRC))
			continue
		}
		obj, err := objfile.Open(data)
		if err != nil {
			r.metrics.candidates.WithLabelValues("invalid").Inc()
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", candidate, err))
			continue
		}
		r.metrics.candidates.WithLabelValues("accepted").Inc()
		return candidate, obj, nil
	}
	return "", nil, errs
}

// DSYMPath returns the dSYM companion of libPath.
func DSYMPath(libPath string) string {
	return libPath + ".dSYM/Contents/Resources/DWARF/" + path.Base(libPath)
}

func (r *Resolver) openDSYM(libPath string) (string, objfile.Object, error) {
	lib, err := r.open(libPath)
	if err != nil {
		return "", nil, err
	}
	want, ok := lib.UUID()
	if !ok {
		return "", nil, fmt.Errorf("%s has no uuid", libPath)
	}
	p := DSYMPath(libPath)
	obj, err := r.open(p)
	if err != nil {
		r.metrics.candidates.WithLabelValues("missing").Inc()
		return "", nil, err
	}
	if got, ok := obj.UUID(); !ok || got != want {
		r.metrics.candidates.WithLabelValues("uuid_mismatch").Inc()
		return "", nil, fmt.Errorf("%s does not match the uuid of %s", p, libPath)
	}
	r.metrics.candidates.WithLabelValues("accepted").Inc()
	return p, obj, nil
}
