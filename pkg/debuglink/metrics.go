package debuglink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitdebuginfo/pkg/util"
)

type metrics struct {
	candidates *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		candidates: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitdebug_debuglink_candidates_total",
			Help: "Split debug info candidates examined, by result.",
		}, []string{"result"})),
	}
}
