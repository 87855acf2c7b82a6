package registry

import "strings"

// privatePrefix marks a name that must be emitted verbatim, without the
// platform global prefix.
const privatePrefix = "\x01"

// Layout is the symbol naming convention of the target platform.
type Layout struct {
	// GlobalPrefix is prepended to every external symbol name, 0 for none.
	GlobalPrefix byte
}

// Mangle returns the object-file name of a symbol called name.
func (l Layout) Mangle(name string) string {
	if strings.HasPrefix(name, privatePrefix) {
		return name[len(privatePrefix):]
	}
	if l.GlobalPrefix == 0 {
		return name
	}
	return string(l.GlobalPrefix) + name
}

// Unmangle strips the global prefix from an object-file symbol name.
func (l Layout) Unmangle(name string) string {
	if l.GlobalPrefix != 0 && len(name) > 0 && name[0] == l.GlobalPrefix {
		return name[1:]
	}
	return name
}
