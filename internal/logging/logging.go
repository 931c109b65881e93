package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Setup configures the global zerolog logger. format "console" gives
// human-readable output, anything else JSON lines.
func Setup(level, format string) {
	setup(os.Stdout, level, format)
}

func setup(out io.Writer, level, format string) {
	zerolog.ErrorFieldName = "err"

	var w io.Writer = out
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}

	log.Logger = zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("service", "clipdigest-worker").
		Logger()
}

// ParseLevel maps a LOG_LEVEL value onto zerolog. Empty or unknown values fall back to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
