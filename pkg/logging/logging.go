// Package logging sets up the process-wide slog logger for hosorelay and
// hosoctl.
//
// Relay code logs through the slog package functions. Records about one
// connection carry "session" (the registry id) and "conn" (the trace id),
// so a single session can be followed with grep or jq. Every record also
// carries "component" naming the binary that wrote it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options controls how logging is configured.
type Options struct {
	Component string    // binary name added to every record, e.g. "hosorelay"
	Level     string    // see LevelNames; empty means info
	Format    string    // "text" or "json"
	Output    io.Writer // defaults to os.Stdout
	Debug     bool      // forces debug level, e.g. the relay's -debug flag
}

var levels = []struct {
	names []string
	level slog.Level
}{
	{[]string{"debug"}, slog.LevelDebug},
	{[]string{"info", ""}, slog.LevelInfo},
	{[]string{"warn", "warning"}, slog.LevelWarn},
	{[]string{"error"}, slog.LevelError},
}

func lookup(name string) (slog.Level, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, l := range levels {
		for _, n := range l.names {
			if n == name {
				return l.level, true
			}
		}
	}
	return slog.LevelInfo, false
}

// ParseLevel maps a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	l, _ := lookup(level)
	return l
}

// Validate reports an unknown level name.
func Validate(level string) error {
	if _, ok := lookup(level); !ok {
		return fmt.Errorf("unknown log level %q (valid: %s)", level, LevelNames())
	}
	return nil
}

// LevelNames lists the primary level names for flag help.
func LevelNames() string {
	names := make([]string, 0, len(levels))
	for _, l := range levels {
		names = append(names, l.names[0])
	}
	return strings.Join(names, ", ")
}

// Setup installs the default logger. Call it once from main before the
// relay or client starts.
func Setup(opts Options) error {
	level, ok := lookup(opts.Level)
	if !ok {
		return Validate(opts.Level)
	}
	if opts.Debug {
		level = slog.LevelDebug
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	// Debug runs trace every frame, so the source line is worth the noise.
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Component != "" {
		logger = logger.With("component", opts.Component)
	}
	slog.SetDefault(logger)
	return nil
}
