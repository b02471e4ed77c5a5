// Package log carries a zap logger inside a context.Context.
package log

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	mu   sync.RWMutex
	root = newDevelopment()
)

func level() zapcore.Level {
	lvl := zapcore.DebugLevel
	if env := os.Getenv("LOGLEVEL"); env != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(env))); err != nil {
			lvl = zapcore.DebugLevel
		}
	}
	return lvl
}

func newDevelopment() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level())
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Structured switches the default logger to JSON output. The level is read from
// the LOGLEVEL environment variable.
func Structured() {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level())
	l, err := cfg.Build()
	if err != nil {
		return
	}
	SetDefault(l)
}

// SetDefault replaces the logger returned for contexts that do not carry one.
func SetDefault(l *zap.Logger) {
	mu.Lock()
	root = l
	mu.Unlock()
}

// With returns a copy of ctx carrying l.
func With(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Logger returns the logger attached to ctx, or the default one.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	mu.RLock()
	defer mu.RUnlock()
	return root
}
