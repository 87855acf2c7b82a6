package symbolizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitdebuginfo/pkg/util"
)

type metrics struct {
	jit        prometheus.Counter
	native     prometheus.Counter
	unresolved prometheus.Counter
	cacheHits  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	lookups := util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jitdebug_symbolizer_lookups_total",
		Help: "Addresses symbolized, by the path that resolved them.",
	}, []string{"path"}))
	return &metrics{
		jit:        lookups.WithLabelValues("jit"),
		native:     lookups.WithLabelValues("native"),
		unresolved: lookups.WithLabelValues("unresolved"),
		cacheHits: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitdebug_symbolizer_frame_cache_hits_total",
			Help: "Native addresses answered from the frame cache.",
		})),
	}
}
