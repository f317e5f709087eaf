package input

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bo-li/abiflow/internal/flow"
)

// Script renders the job.sh content: environment exports followed by an exec
// of the executable reading the files list on stdin, with stdout and stderr
// redirected to the task's log and stderr files. exec makes the script's
// exit code the program's exit code.
func Script(s flow.ScriptSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!%s\n", s.Shell)
	b.WriteString("# generated job script; do not edit\n")

	if len(s.Env) > 0 {
		keys := make([]string, 0, len(s.Env))
		for k := range s.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "export %s=%q\n", k, s.Env[k])
		}
	}

	fmt.Fprintf(&b, "exec %q < %q > %q 2> %q\n", s.Executable, s.FilesPath, s.LogPath, s.StderrPath)
	return b.String()
}

// Probes bundles the default completeness and message-extraction probes.
func Probes() flow.Probes {
	return flow.Probes{
		IsComplete: IsComplete,
		ParseEWC:   ParseEWC,
	}
}
