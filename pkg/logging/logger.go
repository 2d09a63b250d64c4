package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// levelFatal sits above slog.LevelError so handlers still print it
const levelFatal = slog.Level(12)

func (l Level) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	case FATAL:
		return levelFatal
	default:
		return slog.LevelInfo
	}
}

// Fields is the structured context attached to one log line
type Fields = map[string]interface{}

// swapWriter lets the file logger rotate without rebuilding every derived logger
type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *swapWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// Logger provides structured logging with file output support.
// It wraps a log/slog handler; fields become slog attributes.
type Logger struct {
	level      Level
	jsonFormat bool
	out        *swapWriter
	slog       *slog.Logger
	logFile    *os.File
	component  string
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return newLogger(level, jsonFormat, os.Stdout)
}

// NewWriterLogger creates a logger writing to w; tests use it to capture output
func NewWriterLogger(w io.Writer, level Level, jsonFormat bool) *Logger {
	return newLogger(level, jsonFormat, w)
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return newLogger(FATAL+1, false, io.Discard)
}

func newLogger(level Level, jsonFormat bool, w io.Writer) *Logger {
	out := &swapWriter{w: w}
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		out:        out,
		slog:       slog.New(newHandler(out, level, jsonFormat)),
	}
}

func newHandler(w io.Writer, level Level, jsonFormat bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level.slogLevel(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == levelFatal {
					a.Value = slog.StringValue("FATAL")
				}
			}
			return a
		},
	}
	if jsonFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// NewFileLogger creates a logger that writes to /var/log/media-pipeline/<component>/<subcomponent>.log
// Falls back to ./logs/<component>/ if /var/log is not writable
func NewFileLogger(component, subComponent string, level Level, jsonFormat bool) (*Logger, error) {
	logPath := GetLogPath(component, subComponent)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(logPath), err)
	}

	// Open log file (create or append)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	logger := newLogger(level, jsonFormat, io.MultiWriter(logFile, os.Stdout))
	logger.logFile = logFile
	logger.component = component + "/" + subComponent
	logger.slog = logger.slog.With("component", logger.component)

	logger.Info("Logger initialized", Fields{"path": logPath})

	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.out.set(w)
}

// Slog exposes the underlying slog logger for libraries that take one
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

func toAttrs(fields map[string]interface{}) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys))
	for _, k := range keys {
		v := fields[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		args = append(args, slog.Any(k, v))
	}
	return args
}

// log writes a log entry
func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	l.slog.Log(context.Background(), level.slogLevel(), message, toAttrs(fields)...)

	if level == FATAL {
		os.Exit(1)
	}
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, first(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(FATAL, message, first(fields))
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithFields adds several fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		out:        l.out,
		slog:       l.slog.With(toAttrs(fields)...),
		component:  l.component,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "ERROR", "error":
		return ERROR
	case "FATAL", "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.logFile != nil {
		l.Info("Logger closing")
		return l.logFile.Close()
	}
	return nil
}

// RotateIfNeeded rotates log file if it exceeds maxSize (in bytes)
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	if l.logFile == nil {
		return nil
	}

	info, err := l.logFile.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	// Close current file
	l.logFile.Close()

	// Rename to timestamped backup
	oldPath := l.logFile.Name()
	backupPath := oldPath + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(oldPath, backupPath); err != nil {
		return err
	}

	// Reopen
	newFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	l.logFile = newFile
	l.out.set(io.MultiWriter(l.logFile, os.Stdout))

	l.Info("Log rotated", Fields{"from": oldPath, "to": backupPath})
	return nil
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	// Try to create directory if it doesn't exist
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}

	// Test write permissions
	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// GetLogPath returns the expected log path for a component
func GetLogPath(component, subComponent string) string {
	baseDir := "/var/log/media-pipeline"
	if !isWritable(baseDir) {
		baseDir = "./logs"
	}

	logFileName := component + ".log"
	if subComponent != "" {
		logFileName = subComponent + ".log"
	}

	return filepath.Join(baseDir, component, logFileName)
}
