package util

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterOrGet registers c with reg and returns it. If an equal collector is
// already registered, the existing one is returned instead, so components
// built more than once against the same registry share their series. A nil
// reg leaves c unregistered.
func RegisterOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	switch err := reg.Register(c); {
	case err == nil:
		return c
	case errors.As(err, &already):
		return already.ExistingCollector.(T)
	default:
		panic(err)
	}
}
