// Package logx is a thin leveled logger over the standard library's
// log/slog, giving every Meridian package one consistent structured-logging
// entry point.
package logx

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.Mutex
	handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
)

// SetVerbose switches the process-wide log level between info and debug.
func SetVerbose(verbose bool) {
	mu.Lock()
	defer mu.Unlock()
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
}

func logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return slog.New(handler)
}

// Debug logs at debug level with key/value pairs.
func Debug(msg string, kv ...any) { logger().Debug(msg, kv...) }

// Info logs at info level with key/value pairs.
func Info(msg string, kv ...any) { logger().Info(msg, kv...) }

// Warn logs at warn level with key/value pairs.
func Warn(msg string, kv ...any) { logger().Warn(msg, kv...) }

// Error logs at error level with key/value pairs.
func Error(msg string, kv ...any) { logger().Error(msg, kv...) }
