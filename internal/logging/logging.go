// Package logging builds the process logger and masks mailbox addresses
// before they reach log output.
package logging

import (
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog logger at level. Unknown levels fall back to info.
// pretty switches to the human-readable console writer.
func New(level string, pretty bool) *zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	log := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &log
}

// Nop returns a logger that discards everything
func Nop() *zerolog.Logger {
	log := zerolog.Nop()
	return &log
}

// MaskEmail keeps the first and last character of each address part
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 1 {
			return "*"
		}
		return part[:1] + strings.Repeat("*", max(0, len(part)-2)) + part[len(part)-1:]
	}
	dParts := strings.Split(s[at+1:], ".")
	for i, p := range dParts {
		dParts[i] = mask(p)
	}
	return mask(s[:at]) + "@" + strings.Join(dParts, ".")
}

var emailRE = regexp.MustCompile(`(?i)[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// RedactEmailsIn masks every address found in free text such as a From header
func RedactEmailsIn(s string) string {
	return emailRE.ReplaceAllStringFunc(s, MaskEmail)
}
