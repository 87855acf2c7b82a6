// Package platform describes what the host offers for symbolization and
// unwinding: the symbol naming convention, how frame data is registered
// with the native unwinder, and how loaded images are found.
package platform

import (
	"github.com/grafana/jitdebuginfo/pkg/profiling"
	"github.com/grafana/jitdebuginfo/pkg/registry"
	"github.com/grafana/jitdebuginfo/pkg/unwind"
)

type Platform interface {
	Name() string
	Layout() registry.Layout
	UnwindStrategy() unwind.Strategy
	// UntrustedLoaderSymbols reports whether the loader's symbol lookup
	// returns the nearest exported symbol without checking its size. Such
	// results are never used for ahead-of-time images.
	UntrustedLoaderSymbols() bool
	Loader() Loader
}

// LoadedImage is a file mapped by the dynamic loader.
type LoadedImage struct {
	Path string
	// Base is the load bias: the difference between run-time and link-time
	// addresses.
	Base uint64
	// Symbol and SymbolAddr are the loader's guess at the enclosing
	// function, empty when unknown.
	Symbol     string
	SymbolAddr uint64
}

// Loader finds the loaded image containing an address.
type Loader interface {
	ImageAt(addr uint64, mode profiling.Mode) (LoadedImage, bool)
}

// NoLoader knows no images.
type NoLoader struct{}

func (NoLoader) ImageAt(uint64, profiling.Mode) (LoadedImage, bool) { return LoadedImage{}, false }

// Static is a Platform with fixed capabilities.
type Static struct {
	OS           string
	GlobalPrefix byte
	Strategy     unwind.Strategy
	Untrusted    bool
	Images       Loader
}

func (s Static) Name() string                    { return s.OS }
func (s Static) Layout() registry.Layout         { return registry.Layout{GlobalPrefix: s.GlobalPrefix} }
func (s Static) UnwindStrategy() unwind.Strategy { return s.Strategy }
func (s Static) UntrustedLoaderSymbols() bool    { return s.Untrusted }

func (s Static) Loader() Loader {
	if s.Images == nil {
		return NoLoader{}
	}
	return s.Images
}
