// Package logger configures the process-wide slog logger. The MCP server
// owns stdout, so logs go to a file by default.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sweater-ventures/devslog"
	"golang.org/x/term"
)

// Environment variable to configure log file path.
const envLogPath = "TIERCACHE_LOG"

// Stderr as a log path logs to standard error instead of a file.
const Stderr = "-"

var (
	mu            sync.Mutex
	level         = new(slog.LevelVar)
	logFile       *os.File
	isInitialized bool
)

// InitFromEnv initializes the logger using TIERCACHE_LOG or a file next to
// the executable.
func InitFromEnv(name string) error {
	path := os.Getenv(envLogPath)
	if path == "" {
		if exePath, err := os.Executable(); err == nil {
			path = filepath.Join(filepath.Dir(exePath), name+".log")
		} else {
			path = "./" + name + ".log"
		}
	}
	return Init(path)
}

// Init installs the default logger. A file path gets JSON lines appended;
// Stderr gets devslog on a terminal and JSON otherwise.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if isInitialized {
		return nil
	}
	if path == Stderr {
		slog.SetDefault(slog.New(NewHandler(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))))
		isInitialized = true
		return nil
	}
	if err := ensureParentDir(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	logFile = f
	slog.SetDefault(slog.New(NewHandler(f, false)))
	isInitialized = true
	return nil
}

// NewHandler returns a handler writing to w at the shared level: devslog
// when pretty is set, JSON otherwise.
func NewHandler(w io.Writer, pretty bool) slog.Handler {
	if pretty {
		return devslog.NewHandler(w, &devslog.Options{
			HandlerOptions:       &slog.HandlerOptions{Level: level},
			TimeFormat:           "[ 03:04:05 PM ]",
			StringIndentation:    true,
			DisableAttributeType: true,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// Close closes the underlying log file, if open.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

func SetLevel(l slog.Level) { level.Set(l) }

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// L returns the default logger.
func L() *slog.Logger { return slog.Default() }

// Infof logs informational messages.
func Infof(format string, args ...any) { slog.Info(fmt.Sprintf(format, args...)) }

// Warnf logs warnings.
func Warnf(format string, args ...any) { slog.Warn(fmt.Sprintf(format, args...)) }

// Errorf logs errors.
func Errorf(format string, args ...any) { slog.Error(fmt.Sprintf(format, args...)) }

func Debugf(format string, args ...any) { slog.Debug(fmt.Sprintf(format, args...)) }

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
