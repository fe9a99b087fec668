// Package logger provides component-scoped structured logging for the bot.
// Every subsystem logs under its own component tag so that a single-host
// deployment can be grepped by concern (pipeline, extractor, media, ...).
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root zerolog.Logger
)

func init() {
	level := zerolog.InfoLevel
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(env)); err == nil {
			level = parsed
		}
	}

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	root = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// SetLevel overrides the global log level at runtime.
func SetLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return
	}
	mu.Lock()
	root = root.Level(parsed)
	mu.Unlock()
}

func emit(event *zerolog.Event, component, msg string, fields map[string]any) {
	event = event.Str("component", component)
	for key, value := range fields {
		event = event.Interface(key, value)
	}
	event.Msg(msg)
}

func logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// DebugCF logs a debug message for a component with structured fields.
func DebugCF(component, msg string, fields map[string]any) {
	l := logger()
	emit(l.Debug(), component, msg, fields)
}

// InfoCF logs an info message for a component with structured fields.
func InfoCF(component, msg string, fields map[string]any) {
	l := logger()
	emit(l.Info(), component, msg, fields)
}

// WarnCF logs a warning for a component with structured fields.
func WarnCF(component, msg string, fields map[string]any) {
	l := logger()
	emit(l.Warn(), component, msg, fields)
}

// ErrorCF logs an error for a component with structured fields.
func ErrorCF(component, msg string, fields map[string]any) {
	l := logger()
	emit(l.Error(), component, msg, fields)
}
