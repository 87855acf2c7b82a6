//go:build linux

package platform

import (
	"runtime"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"

	"github.com/grafana/jitdebuginfo/pkg/unwind"
)

// Host returns the capabilities of the running system.
func Host(logger log.Logger) Platform {
	p := Static{OS: "linux", Strategy: unwind.StrategyWholeRange}
	// 32-bit ARM unwinds through exception index tables, not .eh_frame.
	if runtime.GOARCH == "arm" {
		p.Strategy = unwind.StrategyNone
	}
	l, err := NewProcMapsLoader(afero.NewOsFs(), logger)
	if err != nil {
		level.Warn(logger).Log("msg", "loaded images will not be symbolized", "err", err)
		return p
	}
	p.Images = l
	return p
}
