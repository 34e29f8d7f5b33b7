package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// dynamicWriter forwards writes to os.Stderr and optionally to a secondary
// writer (e.g. a test buffer). It is safe for concurrent use.
type dynamicWriter struct {
	mu     sync.RWMutex
	second io.Writer
}

func (dw *dynamicWriter) Write(p []byte) (int, error) {
	n, err := os.Stderr.Write(p)
	dw.mu.RLock()
	second := dw.second
	dw.mu.RUnlock()
	if second != nil {
		second.Write(p) //nolint:errcheck
	}
	return n, err
}

var gw = &dynamicWriter{}

// Init initializes the global slog logger writing to stderr. The level is
// read from PRSPEC_LOG_LEVEL, falling back to LOG_LEVEL
// (debug/info/warn/error; default warn so runner output stays readable).
// On a colour-capable terminal the PrettyHandler is used, otherwise the
// standard text handler. Call this once early in main before any logging.
func Init() {
	level := parseLevel(levelFromEnv())
	opts := slog.HandlerOptions{Level: level}
	var h slog.Handler
	if colorEnabled() {
		h = NewPrettyHandler(gw, opts, true)
	} else {
		h = slog.NewTextHandler(gw, &opts)
	}
	slog.SetDefault(slog.New(h))
}

// SetSecondary adds a secondary write target so that log output is also sent
// to w. Pass nil to clear the secondary target.
func SetSecondary(w io.Writer) {
	gw.mu.Lock()
	gw.second = w
	gw.mu.Unlock()
}

func levelFromEnv() string {
	if v := os.Getenv("PRSPEC_LOG_LEVEL"); v != "" {
		return v
	}
	return os.Getenv("LOG_LEVEL")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "all":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// colorEnabled returns true if stderr is a real terminal.
// Checks NO_COLOR env and TERM=dumb per clig.dev guidelines.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
