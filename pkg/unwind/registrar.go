package unwind

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/jitdebuginfo/pkg/cfi"
	"github.com/grafana/jitdebuginfo/pkg/profiling"
)

// Strategy is how the native unwinder takes frame data.
type Strategy int

const (
	// StrategyNone registers nothing.
	StrategyNone Strategy = iota
	// StrategyWholeRange hands the whole .eh_frame region to the native
	// unwinder and builds a table for the custom one.
	StrategyWholeRange
	// StrategyPerFDE hands every FDE to the native unwinder on its own.
	StrategyPerFDE
)

func (s Strategy) String() string {
	switch s {
	case StrategyWholeRange:
		return "whole_range"
	case StrategyPerFDE:
		return "per_fde"
	}
	return "none"
}

// Registrar makes the frame data of emitted code known to both unwinders.
// Every unwinder call happens under the profiling lock with signals blocked
// on the calling thread, so a profiler never sees half a registration.
type Registrar struct {
	logger   log.Logger
	lock     *profiling.Lock
	strategy Strategy
	native   NativeUnwinder
	custom   CustomUnwinder
	metrics  *metrics

	tables atomic.Int64
}

// NewRegistrar returns a registrar. custom may be nil.
func NewRegistrar(lock *profiling.Lock, strategy Strategy, native NativeUnwinder, custom CustomUnwinder, logger log.Logger, reg prometheus.Registerer) *Registrar {
	return &Registrar{
		logger:   log.With(logger, "component", "unwind"),
		lock:     lock,
		strategy: strategy,
		native:   native,
		custom:   custom,
		metrics:  newMetrics(reg),
	}
}

func (r *Registrar) atomically(fn func()) {
	restore := blockSignals()
	defer restore()
	r.lock.Lock(profiling.Normal)
	defer r.lock.Unlock()
	fn()
}

// Register registers the .eh_frame region data loaded at base.
func (r *Registrar) Register(base uint64, data []byte) {
	switch r.strategy {
	case StrategyPerFDE:
		n := 0
		r.atomically(func() {
			cfi.Walk(data, func(off int) {
				r.native.RegisterFrame(base+uint64(off), cfi.Record(data, off))
				n++
			})
		})
		r.metrics.frames.WithLabelValues("register").Add(float64(n))
		return
	case StrategyWholeRange:
	default:
		return
	}

	r.atomically(func() { r.native.RegisterFrame(base, data) })
	r.metrics.frames.WithLabelValues("register").Inc()
	if r.custom == nil {
		return
	}
	info := BuildTable(data, base)
	if info == nil {
		return
	}
	r.atomically(func() { r.custom.Register(info) })
	r.registered(info)
}

// Deregister undoes the native registration of Register. The custom
// unwinder keeps its table.
func (r *Registrar) Deregister(base uint64, data []byte) {
	switch r.strategy {
	case StrategyPerFDE:
		n := 0
		r.atomically(func() {
			cfi.Walk(data, func(off int) {
				r.native.DeregisterFrame(base+uint64(off), cfi.Record(data, off))
				n++
			})
		})
		r.metrics.frames.WithLabelValues("deregister").Add(float64(n))
	case StrategyWholeRange:
		r.atomically(func() { r.native.DeregisterFrame(base, data) })
		r.metrics.frames.WithLabelValues("deregister").Inc()
	}
}

// RegisterARMExidx registers the exception index table of a 32-bit ARM
// object with the custom unwinder.
func (r *Registrar) RegisterARMExidx(textStart, textEnd, exidx, exidxLen uint64) {
	if r.custom == nil {
		return
	}
	info := &Info{
		Format:    FormatARMExidx,
		StartIP:   textStart,
		EndIP:     textEnd,
		TableData: exidx,
		TableLen:  exidxLen,
	}
	r.atomically(func() { r.custom.Register(info) })
	r.registered(info)
}

func (r *Registrar) registered(info *Info) {
	r.tables.Inc()
	r.metrics.tables.WithLabelValues(info.Format.String()).Inc()
	level.Debug(r.logger).Log("msg", "registered unwind info", "format", info.Format,
		"start_ip", info.StartIP, "end_ip", info.EndIP, "entries", len(info.Table))
}

// Tables returns the number of registrations made with the custom unwinder.
func (r *Registrar) Tables() int64 { return r.tables.Load() }
