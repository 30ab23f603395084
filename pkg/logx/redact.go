package logx

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Secret logs a credential as a short fingerprint: the first and last four
// characters plus the length. Values of 12 characters or less are fully masked.
func Secret(k, v string) Field {
	return func(e *zerolog.Event) { e.Str(k, Redact(v)) }
}

// Redact renders v in the same form Secret logs it.
func Redact(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	n := len(v)
	if n <= 12 {
		return "***(n=" + strconv.Itoa(n) + ")"
	}
	return v[:4] + "…" + v[n-4:] + " (n=" + strconv.Itoa(n) + ")"
}
