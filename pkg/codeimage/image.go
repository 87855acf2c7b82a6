// Package codeimage stores the object images emitted by the JIT compiler.
//
// Images live for the rest of the process: the runtime never unloads JIT
// code, so an Arena only ever grows. An image is compressed when it is
// added and decompressed in place the first time debug info is needed.
package codeimage

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/jitdebuginfo/pkg/objfile"
	"github.com/grafana/jitdebuginfo/pkg/profiling"
)

// Image is one emitted object. Its mutable state is guarded by the
// profiling lock: Load must be called with the write side held.
type Image struct {
	arena *Arena

	data   []byte
	format Format
	// size is the uncompressed length of data.
	size int

	obj  objfile.Object
	dctx objfile.DebugContext
}

// Format returns how the image bytes are currently stored.
func (img *Image) Format() Format { return img.format }

// StoredBytes returns the number of bytes currently retained.
func (img *Image) StoredBytes() int { return len(img.data) }

// Usable reports whether the image still has bytes or a parsed object.
func (img *Image) Usable() bool { return img.obj != nil || img.data != nil }

// Load returns the parsed object and its debug-info context, decompressing
// and parsing on first use. A failure to decompress or parse drops the
// stored bytes, so the image stays without debug info from then on.
//
// In SignalSafe mode nothing is decompressed or parsed: Load only returns a
// result memoized by an earlier call.
func (img *Image) Load(mode profiling.Mode) (objfile.Object, objfile.DebugContext, bool) {
	if img.obj != nil {
		return img.obj, img.dctx, true
	}
	if img.data == nil || mode == profiling.SignalSafe {
		return nil, nil, false
	}
	if img.format != FormatNone {
		plain, err := img.arena.decompress(img)
		if err != nil {
			img.arena.discard(img, failureDecompress, err)
			return nil, nil, false
		}
		img.arena.account(int64(len(plain) - len(img.data)))
		img.data, img.format = plain, FormatNone
	}
	obj, err := img.arena.open(img.data)
	if err != nil {
		img.arena.discard(img, failureParse, err)
		return nil, nil, false
	}
	img.obj = obj
	img.dctx = obj.DebugContext()
	return img.obj, img.dctx, true
}

// Arena owns every image for the lifetime of the process.
type Arena struct {
	logger  log.Logger
	codec   Codec
	open    func([]byte) (objfile.Object, error)
	metrics *metrics

	mu     sync.Mutex
	images []*Image
	bytes  atomic.Int64
}

type ArenaOption func(*Arena)

// WithParser replaces objfile.Open as the parser of decompressed images.
func WithParser(open func([]byte) (objfile.Object, error)) ArenaOption {
	return func(a *Arena) { a.open = open }
}

// NewArena returns an arena compressing new images with codec. A nil codec
// stores images as they are.
func NewArena(codec Codec, logger log.Logger, reg prometheus.Registerer, opts ...ArenaOption) *Arena {
	a := &Arena{
		logger:  log.With(logger, "component", "codeimage"),
		codec:   codec,
		open:    objfile.Open,
		metrics: newMetrics(reg),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Add stores a copy of data, compressed if the arena has a codec, and
// retains it forever.
func (a *Arena) Add(data []byte) *Image {
	img := &Image{arena: a, size: len(data), format: FormatNone}
	if a.codec != nil {
		packed, err := a.codec.Compress(data)
		if err != nil {
			level.Warn(a.logger).Log("msg", "storing code image uncompressed", "codec", a.codec.Format(), "err", err)
		} else {
			img.data, img.format = packed, a.codec.Format()
		}
	}
	if img.format == FormatNone {
		img.data = append(make([]byte, 0, len(data)), data...)
	}

	a.mu.Lock()
	a.images = append(a.images, img)
	a.mu.Unlock()
	a.metrics.retainedImages.Inc()
	a.account(int64(len(img.data)))
	return img
}

// Bytes returns the number of bytes retained by all images.
func (a *Arena) Bytes() int64 { return a.bytes.Load() }

// Len returns the number of images ever added.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.images)
}

func (a *Arena) account(delta int64) {
	a.bytes.Add(delta)
	a.metrics.retainedBytes.Add(float64(delta))
}

func (a *Arena) decompress(img *Image) ([]byte, error) {
	codec, ok := Lookup(img.format)
	if !ok {
		return nil, errCodecUnavailable{img.format}
	}
	return codec.Decompress(img.data, img.size)
}

func (a *Arena) discard(img *Image, reason string, err error) {
	level.Warn(a.logger).Log("msg", "dropping unusable code image", "reason", reason, "stored_bytes", len(img.data), "err", err)
	a.account(-int64(len(img.data)))
	a.metrics.loadFailures.WithLabelValues(reason).Inc()
	img.data = nil
	img.format = FormatNone
}

type errCodecUnavailable struct {
	format Format
}

func (e errCodecUnavailable) Error() string {
	return "codec " + e.format.String() + " is not available"
}
