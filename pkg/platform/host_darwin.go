//go:build darwin

package platform

import (
	"github.com/go-kit/log"

	"github.com/grafana/jitdebuginfo/pkg/unwind"
)

// Host returns the capabilities of the running system. The native unwinder
// takes one FDE per registration.
func Host(log.Logger) Platform {
	return Static{OS: "darwin", GlobalPrefix: '_', Strategy: unwind.StrategyPerFDE}
}
