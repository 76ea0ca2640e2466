package logger

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

func init() {
	l, err := New(DefaultConfig())
	if err != nil {
		log.Printf("failed to initialize default logger: %v, using standard log", err)
		return
	}
	defaultLogger = l
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// InitFromConfig replaces the default logger
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	defaultMu.Lock()
	old := defaultLogger
	defaultLogger = l
	defaultMu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// ParseLogLevel parses a log level name
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", level)
	}
}

func logf(level LogLevel, format string, args ...interface{}) {
	if l := current(); l != nil {
		l.log(3, level, format, args...)
		return
	}
	log.Printf("["+level.String()+"] "+format, args...)
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// SetLevel changes the level of the default logger
func SetLevel(level string) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	if l := current(); l != nil {
		l.SetLevel(logLevel)
	}
	return nil
}

// DebugEnabled reports whether debug messages are written
func DebugEnabled() bool {
	l := current()
	return l != nil && l.Enabled(DEBUG)
}

// Close closes the default logger
func Close() error {
	if l := current(); l != nil {
		return l.Close()
	}
	return nil
}

// lineWriter logs every complete line written to it
type lineWriter struct {
	level  LogLevel
	prefix string
	mu     sync.Mutex
	buf    bytes.Buffer
}

// Writer returns an io.Writer that logs each line written to it at level, prefixed with prefix.
// It is used as the stderr sink of child processes.
func Writer(level LogLevel, prefix string) io.Writer {
	return &lineWriter{level: level, prefix: prefix}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line stays buffered until the rest arrives
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if l := current(); l != nil {
			l.log(2, w.level, "%s%s", w.prefix, line)
		} else {
			log.Printf("[%s] %s%s", w.level, w.prefix, line)
		}
	}
	return len(p), nil
}
