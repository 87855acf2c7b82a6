//go:build !linux && !darwin

package platform

import (
	"runtime"

	"github.com/go-kit/log"
)

// Host returns the capabilities of the running system.
func Host(log.Logger) Platform {
	p := Static{OS: runtime.GOOS}
	switch runtime.GOOS {
	case "windows":
		p.Untrusted = true
		if runtime.GOARCH == "386" {
			p.GlobalPrefix = '_'
		}
	case "freebsd":
		p.Untrusted = true
	}
	return p
}
