//go:build !linux

package unwind

func blockSignals() func() { return func() {} }
