package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Replaced in tests.
var (
	osStdout io.Writer = os.Stdout
	osPipe             = os.Pipe
)

const otelScope = "worldmap"

// Option adds an optional sink or decoration to Setup.
type Option func(*setup)

type setup struct {
	provider *sdklog.LoggerProvider
	gelf     MessageWriter
	gelfHost string
	context  ContextProvider
}

// WithOTel forwards records to the OTel log provider.
func WithOTel(provider *sdklog.LoggerProvider) Option {
	return func(s *setup) { s.provider = provider }
}

// WithGELF forwards records to a Graylog GELF writer.
func WithGELF(w MessageWriter, host string) Option {
	return func(s *setup) {
		s.gelf = w
		s.gelfHost = host
	}
}

// WithContext adds dynamic attributes to every record.
func WithContext(p ContextProvider) Option {
	return func(s *setup) { s.context = p }
}

// SlogManager manages slog-based logging with optional OTel integration.
type SlogManager struct {
	logger *slog.Logger

	// OTel provider for flushing
	logProvider *sdklog.LoggerProvider
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the logging system. Records go to file when one is
// given and to stdout otherwise, plus every sink added through opts.
func (m *SlogManager) Setup(file io.Writer, level string, opts ...Option) {
	var s setup
	for _, opt := range opts {
		opt(&s)
	}

	lvl := parseLevel(level)
	m.logProvider = s.provider

	// Common handler options with RFC3339 time formatting
	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler

	if file != nil {
		handlers = append(handlers, slog.NewTextHandler(file, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(osStdout, handlerOpts))
	}

	if s.provider != nil {
		handlers = append(handlers, otelslog.NewHandler(otelScope, otelslog.WithLoggerProvider(s.provider)))
	}

	if s.gelf != nil {
		handlers = append(handlers, NewGELFHandler(s.gelf, s.gelfHost, lvl))
	}

	var handler slog.Handler = NewMultiHandler(handlers...)
	if s.context != nil {
		handler = NewContextHandler(handler, s.context)
	}

	m.logger = slog.New(handler)
	m.logger.Info("Logging initialized", "level", level)
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		// Return a default logger if Setup hasn't been called
		return slog.Default()
	}
	return m.logger
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}
