package symbolizer

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/samber/lo"
)

// Calling convention prefixes of managed function symbols. All have the
// same length.
var managedPrefixes = []string{"japi1_", "japi3_", "julia_", "jsys1_", "jlsys_"}

const managedPrefixLen = 6

// Demangle recovers the user level name of a managed function symbol,
// <prefix><name>_<digits>, and reports whether name had that shape. Other
// names are returned unchanged.
func Demangle(name string) (string, bool) {
	if len(name) <= managedPrefixLen {
		return name, false
	}
	if !lo.ContainsBy(managedPrefixes, func(p string) bool { return strings.HasPrefix(name, p) }) {
		return name, false
	}
	i := strings.LastIndexByte(name, '_')
	if i <= managedPrefixLen {
		return name, false
	}
	if strings.TrimLeft(name[i+1:], "0123456789") != "" {
		return name, false
	}
	return name[managedPrefixLen:i], true
}

// demangleNative turns a C++ or Rust symbol into its source form.
func demangleNative(name string) string {
	return demangle.Filter(name, demangle.NoClones)
}
