package unwind

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitdebuginfo/pkg/util"
)

type metrics struct {
	tables *prometheus.CounterVec
	frames *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		tables: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitdebug_unwind_tables_registered_total",
			Help: "Dynamic unwind registrations made with the custom unwinder, by format.",
		}, []string{"format"})),
		frames: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitdebug_unwind_native_frames_total",
			Help: "Frame data handed to the native unwinder, by operation.",
		}, []string{"op"})),
	}
}
