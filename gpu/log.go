// Package gpu holds state shared by the GPU emulation packages, currently
// only the logger.
package gpu

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler discards all records.  Enabled returns false so callers skip
// message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger configures the logger used by all gpu sub-packages.  By default
// no output is produced.  Pass nil to restore the silent default.
//
// Levels used: Error for guest-data problems that void a surface lookup,
// Warn for missing format reinterpreters, Debug for skipped validations.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger.  Safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
