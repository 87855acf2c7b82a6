package codeimage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitdebuginfo/pkg/util"
)

const (
	failureDecompress = "decompress"
	failureParse      = "parse"
)

type metrics struct {
	retainedBytes  prometheus.Gauge
	retainedImages prometheus.Gauge
	loadFailures   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		retainedBytes: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jitdebug_code_image_bytes",
			Help: "Bytes retained by JIT code images, compressed or not.",
		})),
		retainedImages: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jitdebug_code_images",
			Help: "Number of JIT code images retained.",
		})),
		loadFailures: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitdebug_code_image_load_failures_total",
			Help: "Code images made unusable because they could not be decompressed or parsed.",
		}, []string{"reason"})),
	}
}
