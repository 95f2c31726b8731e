// Package etllog provides a thin zap wrapper so every component logs through
// the same sink with the same fields, named per component.
package etllog

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.Mutex
	base *zap.Logger
)

// Configure sets the process-wide base logger. env selects the encoder:
// "production" gets JSON, anything else (notably "test") gets a human
// readable console encoder. level is one of zap's level names; an unknown
// value falls back to "info".
func Configure(env string, level string) error {
	mu.Lock()
	defer mu.Unlock()

	var lvl zap.AtomicLevel
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	if env != "production" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	base = l
	return nil
}

// Get returns a named, structured logger. If Configure was never called, a
// no-op logger is installed, so tests need not configure logging and their
// log output is discarded.
func Get(name string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = zap.NewNop()
	}
	return base.Named(name).Sugar()
}

// Sync flushes any buffered log entries. Call once at process shutdown.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
}
