package tagger

import (
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// redacted replaces secret values. It needs no shell quoting.
const redacted = "REDACTED"

// secretFlags are never shown in logs or written to the lock file.
var secretFlags = map[string]bool{
	"--wandb_api_key": true,
	"--wandb-api-key": true,
}

// Redact returns a copy of argv with the values of secret flags masked.
// Both "--flag value" and "--flag=value" forms are handled.
func Redact(argv []string) []string {
	out := make([]string, len(argv))
	copy(out, argv)
	for i := 0; i < len(out); i++ {
		arg := out[i]
		if name, _, ok := strings.Cut(arg, "="); ok && secretFlags[name] {
			out[i] = name + "=" + redacted
			continue
		}
		if secretFlags[arg] && i+1 < len(out) {
			out[i+1] = redacted
			i++
		}
	}
	return out
}

// ShellJoin quotes argv for a POSIX shell. Empty arguments render as "".
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" {
			parts[i] = `""`
			continue
		}
		parts[i] = shellescape.Quote(a)
	}
	return strings.Join(parts, " ")
}
