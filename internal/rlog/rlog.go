// Package rlog configures the process-wide structured logger.
//
// The listener and the client share one binary but have very different
// constraints on where log output can go: the client puts its own stdin
// into raw mode and relays the remote shell's bytes over stdout, so any
// log line written to stdout or stderr while a session is live would
// corrupt the terminal. Logging therefore always goes to a file; verbosity
// is the only thing -v/-q controls.
package rlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Verbosity maps repeated -v/-q flags to a slog level. 0 is the default
// (Info); each -v lowers the threshold one step, each -q raises it.
func Verbosity(delta int) slog.Level {
	switch {
	case delta <= -2:
		return slog.LevelError
	case delta == -1:
		return slog.LevelWarn
	case delta == 0:
		return slog.LevelInfo
	case delta == 1:
		return slog.LevelDebug
	default:
		return slog.LevelDebug - 4
	}
}

// Init opens (creating if needed) the log file at path and installs a
// slog.Logger at the given level as both the returned logger and the
// package default. If path is empty, a per-pid file under os.TempDir is
// used so stray output never lands on a terminal.
func Init(path string, level slog.Level) (*slog.Logger, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("rnsh-%d.log", os.Getpid()))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	handler := slog.NewTextHandler(f, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("2006-01-02T15:04:05.000"))
			}
			return a
		},
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
