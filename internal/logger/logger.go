// Package logger configures the process-wide slog logger: a compact
// single-line format, per-output level filtering, and rotating file output.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLevel = slog.LevelInfo
	levelMu     sync.RWMutex
)

// SetLevel sets the global log level.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMu.Lock()
	defer levelMu.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string.
func GetLevel() string {
	levelMu.RLock()
	defer levelMu.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MultiLevelHandler writes the compact line format to multiple outputs, each
// with its own minimum level.
type MultiLevelHandler struct {
	outputs map[io.Writer]slog.Level
	mu      sync.Mutex
}

// NewMultiLevelHandler creates a handler with different levels per output.
func NewMultiLevelHandler(outputs map[io.Writer]slog.Level) *MultiLevelHandler {
	return &MultiLevelHandler{outputs: outputs}
}

// Handle implements slog.Handler with per-output level filtering.
func (h *MultiLevelHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelMu.RLock()
	if record.Level < globalLevel {
		levelMu.RUnlock()
		return nil
	}
	levelMu.RUnlock()

	timestamp := record.Time.Format("2006-01-02 15:04:05")
	message := record.Message

	var attrs []string
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	line := "[" + timestamp + "] [" + strings.ToUpper(record.Level.String()) + "] " + message + "\n"
	for out, outLevel := range h.outputs {
		if record.Level >= outLevel && out != nil {
			_, _ = out.Write([]byte(line))
		}
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *MultiLevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// WithGroup implements slog.Handler.
func (h *MultiLevelHandler) WithGroup(name string) slog.Handler {
	return h
}

// Enabled implements slog.Handler.
func (h *MultiLevelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelMu.RLock()
	defer levelMu.RUnlock()

	for _, outLevel := range h.outputs {
		if level >= outLevel && level >= globalLevel {
			return true
		}
	}
	return false
}

// FileOutput returns a size-rotated log writer at path.
func FileOutput(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
}

// Init installs the default logger: stdout at the given level, plus an
// optional rotated file that also captures debug lines for postmortems.
func Init(levelStr, filePath string) error {
	level := ParseLevel(levelStr)
	outputs := map[io.Writer]slog.Level{
		os.Stdout: level,
	}

	// The global gate must admit the lowest output level or the file would
	// never see debug lines.
	global := level
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return err
		}
		outputs[FileOutput(filePath)] = slog.LevelDebug
		global = slog.LevelDebug
	}

	levelMu.Lock()
	globalLevel = global
	levelMu.Unlock()

	slog.SetDefault(slog.New(NewMultiLevelHandler(outputs)))
	return nil
}
