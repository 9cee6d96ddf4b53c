package kernel

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

// Defines renders a parameter set as the preprocessor header prepended to
// kernel source before compilation, one "#define NAME value" per line in
// name order.
func Defines(ps tuning.ParameterSet) string {
	var sb strings.Builder
	for _, name := range ps.Names() {
		fmt.Fprintf(&sb, "#define %s %d\n", name, ps[name])
	}
	return sb.String()
}

// CompilerOptions renders the set as -D flags for build-option strings.
func CompilerOptions(ps tuning.ParameterSet) []string {
	opts := make([]string, 0, len(ps))
	for _, name := range ps.Names() {
		opts = append(opts, fmt.Sprintf("-D%s=%d", name, ps[name]))
	}
	return opts
}
