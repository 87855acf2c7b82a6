package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitdebuginfo/pkg/util"
)

type metrics struct {
	objectsRegistered *prometheus.CounterVec
	sections          prometheus.Gauge
	metadataRanges    prometheus.Gauge
	pendingSymbols    prometheus.Gauge
	overlaps          *prometheus.CounterVec
	images            prometheus.Gauge
	objectFiles       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		objectsRegistered: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitdebug_registry_objects_total",
			Help: "Emitted objects handed to the registry, by outcome.",
		}, []string{"outcome"})),
		sections: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jitdebug_registry_sections",
			Help: "Number of JIT section records.",
		})),
		metadataRanges: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jitdebug_registry_metadata_ranges",
			Help: "Number of address ranges mapped to code metadata.",
		})),
		pendingSymbols: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jitdebug_registry_pending_symbols",
			Help: "Symbols named by the compiler whose address is not yet known.",
		})),
		overlaps: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitdebug_registry_overlapping_ranges_total",
			Help: "Inserted ranges overlapping an existing one, by map.",
		}, []string{"map"})),
		images: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jitdebug_registry_aot_images",
			Help: "Number of ahead-of-time images registered.",
		})),
		objectFiles: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitdebug_registry_object_files_total",
			Help: "Native object files resolved for symbolization, by whether debug info was found.",
		}, []string{"debug_info"})),
	}
}
