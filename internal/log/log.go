package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu       sync.RWMutex
	logger   *slog.Logger
	levelVar = new(slog.LevelVar)
	initOnce sync.Once
)

// initLogger installs the default text handler writing to stderr.
func initLogger() {
	initOnce.Do(func() {
		levelVar.Set(slog.LevelInfo)
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	})
}

// Setup replaces the global logger. format is "text" (default) or "json".
func Setup(w io.Writer, level Level, format string) {
	initLogger()
	if w == nil {
		w = os.Stderr
	}
	SetLevel(level)

	opts := &slog.HandlerOptions{Level: levelVar}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()
}

func SetLevel(l Level) {
	initLogger()
	levelVar.Set(ParseLevel(string(l)).slog())
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the underlying structured logger, e.g. for HTTP middleware.
func Logger() *slog.Logger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, kv ...any) {
	Logger().Debug(msg, kv...)
}

func Info(msg string, kv ...any) {
	Logger().Info(msg, kv...)
}

func Warn(msg string, kv ...any) {
	Logger().Warn(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	Logger().Error(msg, extended...)
}

// RedactURL hides paths and query strings, which may carry tokens.
//
//	https://api.example.com/calendar/v2/event_instances?x=y -> https://api.example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j != -1 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + redactedSuffix
}
