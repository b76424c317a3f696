package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tune the handler built by Setup. The zero value yields JSON on
// stdout at info level.
type Options struct {
	// Format is "json" (default) or "console" for coloured human output.
	Format string
	// Level is one of debug, info, warn, error.
	Level string
	// File routes output through a rotating file instead of stdout.
	File string
	// MaxSizeMB bounds each rotated file. Zero selects 100.
	MaxSizeMB int
	// Output overrides the destination; File takes precedence.
	Output io.Writer
}

// ParseLevel maps a textual level onto slog's levels.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", raw)
	}
}

func (o Options) writer() io.Writer {
	if path := strings.TrimSpace(o.File); path != "" {
		size := o.MaxSizeMB
		if size <= 0 {
			size = 100
		}
		return &lumberjack.Logger{Filename: path, MaxSize: size, MaxBackups: 5, Compress: true}
	}
	if o.Output != nil {
		return o.Output
	}
	return os.Stdout
}

// Setup configures the standard library logger to emit structured logs and
// returns the underlying slog.Logger for richer logging within the service.
// All log lines include the service name and environment when provided.
func Setup(service, env string, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.writer()

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == slog.TimeKey {
					return slog.Attr{Key: "timestamp", Value: attr.Value}
				}
				if attr.Key == slog.LevelKey {
					return slog.String("severity", strings.ToUpper(attr.Value.String()))
				}
				if attr.Key == slog.MessageKey {
					return slog.Attr{Key: "message", Value: attr.Value}
				}
				return redactAttr(attr)
			},
		})
	case "console", "text":
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    strings.TrimSpace(opts.File) != "",
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				return redactAttr(attr)
			},
		})
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so flag and net/http output stay structured.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, nil
}
