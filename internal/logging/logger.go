package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/argonode/internal/config"
)

// NewLogger creates a structured zerolog.Logger writing JSON lines to w.
// When console is non-nil a human-readable copy is written there as well.
func NewLogger(cfg *config.Config, w io.Writer, console io.Writer) zerolog.Logger {
	out := w
	if console != nil {
		out = zerolog.MultiLevelWriter(w, zerolog.ConsoleWriter{
			Out:        console,
			TimeFormat: time.TimeOnly,
		})
	}

	logger := zerolog.New(out).With().
		Timestamp().
		Str("home", cfg.HomeDir).
		Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}

// OpenDebugLog opens the diagnostic log for appending, creating the install
// directory on the way. The caller closes the returned file.
func OpenDebugLog(cfg *config.Config) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DebugLogFile), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.DebugLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open debug log %s: %w", cfg.DebugLogFile, err)
	}
	return f, nil
}
