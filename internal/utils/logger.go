package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

var (
	defaultLevel   = Warning
	defaultLevelMu sync.RWMutex
	logOutput      io.Writer = os.Stdout
)

func init() {
	localEnv := os.Getenv("LOCAL")
	if strings.EqualFold(localEnv, "true") || localEnv == "1" {
		SetDefaultLogLevel(Debug)
		return
	}
	if lvl, ok := ParseLogLevel(os.Getenv("LOG_LEVEL")); ok {
		SetDefaultLogLevel(lvl)
	}
}

// ParseLogLevel maps debug|info|warn|error onto a LogLevel.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warn", "warning":
		return Warning, true
	case "error":
		return Error, true
	case "critical", "fatal":
		return Critical, true
	default:
		return NotSet, false
	}
}

// SetDefaultLogLevel sets the level of loggers created without an explicit one.
func SetDefaultLogLevel(level LogLevel) {
	defaultLevelMu.Lock()
	defer defaultLevelMu.Unlock()
	defaultLevel = level
}

func currentDefaultLevel() LogLevel {
	defaultLevelMu.RLock()
	defer defaultLevelMu.RUnlock()
	return defaultLevel
}

// Logger provides structured logging with context
type Logger struct {
	prefix        string
	logger        *log.Logger
	logLevel      LogLevel
	logLevelMutex sync.Mutex
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	logLevelValue := currentDefaultLevel()
	if len(logLevel) > 0 {
		logLevelValue = logLevel[0]
	}
	return &Logger{
		prefix:   prefix,
		logger:   log.New(logOutput, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
		logLevel: logLevelValue,
	}
}

// NewLoggerTo creates a logger writing to w, used by tests to capture output.
func NewLoggerTo(w io.Writer, prefix string, logLevel LogLevel) *Logger {
	return &Logger{
		prefix:   prefix,
		logger:   log.New(w, fmt.Sprintf("[%s] ", prefix), 0),
		logLevel: logLevel,
	}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	l.logLevel = logLevel
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(Info, "INFO", msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(Error, "ERROR", msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(Warning, "WARN", msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(Debug, "DEBUG", msg, keyvals...)
}

func (l *Logger) log(level LogLevel, label, msg string, keyvals ...interface{}) {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	if l.logLevel > level {
		return
	}
	l.logger.Println(l.formatMessage(label, msg, keyvals...))
}

// formatMessage formats a message with key-value pairs
func (l *Logger) formatMessage(level, msg string, keyvals ...interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, msg)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			fmt.Fprintf(&b, " %v=%v", keyvals[i], keyvals[i+1])
		} else {
			fmt.Fprintf(&b, " %v=<missing>", keyvals[i])
		}
	}
	return b.String()
}
