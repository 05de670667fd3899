package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal printf-style logging contract. Components
// depend on this interface so tests can inject a no-op.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	rootInstance *root
	rootOnce     sync.Once
)

type root struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

func getRoot() *root {
	rootOnce.Do(func() {
		rootInstance = &root{out: os.Stdout, level: INFO}
		if lvl := os.Getenv("CONDUCTOR_LOG_LEVEL"); lvl != "" {
			rootInstance.level = parseLevel(lvl)
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		path := filepath.Join(home, "conductor-debug.log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("failed to open log file %s: %v", path, err)
			return
		}
		rootInstance.file = file
	})
	return rootInstance
}

// SetLevel sets the minimum level emitted by all component loggers.
func SetLevel(level Level) {
	r := getRoot()
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

// NewComponentLogger returns the process-wide logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{root: getRoot(), component: component}
}

type componentLogger struct {
	root      *root
	component string
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	r := l.root
	r.mu.Lock()
	defer r.mu.Unlock()
	if level < r.level {
		return
	}

	// 2026-08-28 12:34:56 [INFO] [Hub] message
	line := fmt.Sprintf("%s [%s] [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		levelString(level),
		l.component,
		fmt.Sprintf(format, args...))
	line = redactTokens(line)

	fmt.Fprint(r.out, line)
	if r.file != nil {
		fmt.Fprint(r.file, line)
	}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func levelString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func parseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return DEBUG
	case "warn", "WARN":
		return WARN
	case "error", "ERROR":
		return ERROR
	default:
		return INFO
	}
}

const redactedPlaceholder = "[REDACTED]"

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	tokenFieldPattern  = regexp.MustCompile(
		`(?i)((?:"|')?(?:token|access[_-]?token|secret)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([A-Za-z0-9\-\._]{8,})((?:"|')?)`,
	)
)

// redactTokens strips session tokens from log lines. Tokens are bearer
// credentials; a token in a shared log is an account takeover.
func redactTokens(line string) string {
	line = bearerTokenPattern.ReplaceAllString(line, "${1}"+redactedPlaceholder)
	line = tokenFieldPattern.ReplaceAllString(line, "${1}"+redactedPlaceholder+"${3}")
	return line
}
