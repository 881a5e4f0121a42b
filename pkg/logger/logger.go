// Package logger is the structured logger shared by every qrguard component.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Logger wraps zerolog.Logger with the fields qrguard tags entries with
type Logger struct {
	zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string
	Format     string // "console" or "json"
	TimeFormat string
}

// New creates a logger writing to stdout
func New(cfg Config) *Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = timeFormat

	output := w
	if strings.EqualFold(cfg.Format, "console") {
		output = zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	}

	return &Logger{
		Logger: zerolog.New(output).Level(parseLevel(cfg.Level)).With().Timestamp().Logger(),
	}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.With().Str(key, value).Logger()}
}

// WithComponent names the subsystem writing the entry
func (l *Logger) WithComponent(component string) *Logger {
	return l.with("component", component)
}

// WithRequestID tags entries with the HTTP request they belong to
func (l *Logger) WithRequestID(requestID string) *Logger {
	if requestID == "" {
		return l
	}
	return l.with("request_id", requestID)
}

// WithDecisionID tags entries with the decision record they belong to
func (l *Logger) WithDecisionID(decisionID string) *Logger {
	return l.with("decision_id", decisionID)
}

// parseLevel falls back to info on anything unrecognised
func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

var global = New(Config{Level: "info", Format: "console"})

// SetGlobal replaces the logger used by components built without one
func SetGlobal(l *Logger) {
	global = l
}

// Global returns the process-wide logger
func Global() *Logger {
	return global
}
