// Package xlog provides the small log/slog conventions shared by the TCP
// core: a trace level below slog.LevelDebug and a nil-safe helper that lets
// hot paths call into a possibly-unset logger without branching everywhere.
package xlog

import (
	"context"
	"log/slog"
)

// LevelTrace sits below slog.LevelDebug so it can be enabled separately
// from ordinary debug logging, which tends to be noisy enough on its own
// in a segment-by-segment TCP implementation.
const LevelTrace slog.Level = slog.LevelDebug - 2

// Logger wraps a possibly-nil *slog.Logger so embedding types can call
// Debug/Trace/Error without a nil check at every call site.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Enabled(lvl slog.Level) bool {
	return l.Log != nil && l.Log.Handler().Enabled(context.Background(), lvl)
}

func (l Logger) Trace(msg string, attrs ...slog.Attr) { l.attrs(LevelTrace, msg, attrs...) }
func (l Logger) Debug(msg string, attrs ...slog.Attr) { l.attrs(slog.LevelDebug, msg, attrs...) }
func (l Logger) Info(msg string, attrs ...slog.Attr)  { l.attrs(slog.LevelInfo, msg, attrs...) }
func (l Logger) Error(msg string, attrs ...slog.Attr) { l.attrs(slog.LevelError, msg, attrs...) }

func (l Logger) attrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l.Log == nil || !l.Log.Enabled(context.Background(), lvl) {
		return
	}
	l.Log.LogAttrs(context.Background(), lvl, msg, attrs...)
}
