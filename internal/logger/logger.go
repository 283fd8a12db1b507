package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]string{
		DEBUG:  "\033[36m", // Cyan
		INFO:   "\033[32m", // Green
		WARN:   "\033[33m", // Yellow
		ERROR:  "\033[31m", // Red
		SILENT: "",
	}

	resetColor = "\033[0m"
)

const logFlags = log.Ldate | log.Ltime | log.Lmicroseconds

// FileConfig describes the rotating log file sink.
type FileConfig struct {
	Path       string
	Level      LogLevel // Minimum level written to the file
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// Logger provides leveled logging with component prefixes.
// Console output may be colored; the optional file sink never is.
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	useColor bool
	console  *log.Logger

	file      *log.Logger
	fileLevel LogLevel
	closer    io.Closer
}

var defaultLogger *Logger
var once sync.Once

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// Default returns the global logger, or nil before Init.
func Default() *Logger {
	return defaultLogger
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}

	return &Logger{
		level:     level,
		useColor:  useColor,
		console:   log.New(output, "", logFlags),
		fileLevel: SILENT,
	}
}

// AttachFile starts mirroring messages at or above cfg.Level into a rotating file.
func (l *Logger) AttachFile(cfg FileConfig) {
	if cfg.Path == "" {
		return
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}

	sink := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer != nil {
		_ = l.closer.Close()
	}
	l.file = log.New(sink, "", logFlags)
	l.fileLevel = cfg.Level
	l.closer = sink
}

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.file = nil
	l.fileLevel = SILENT
	return err
}

// SetLevel changes the console log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current console log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level LogLevel, component string, format string, args ...interface{}) {
	if level >= SILENT {
		return
	}

	l.mu.Lock()
	consoleOn := level >= l.level
	file := l.file
	fileOn := file != nil && level >= l.fileLevel
	useColor := l.useColor
	l.mu.Unlock()

	if !consoleOn && !fileOn {
		return
	}

	message := fmt.Sprintf(format, args...)
	tag := fmt.Sprintf("[%s]", levelNames[level])
	suffix := ""
	if component != "" {
		suffix = fmt.Sprintf(" [%s]", component)
	}

	if consoleOn {
		prefix := tag
		if useColor {
			prefix = levelColors[level] + tag + resetColor
		}
		l.console.Printf("%s%s %s", prefix, suffix, message)
	}
	if fileOn {
		file.Printf("%s%s %s", tag, suffix, message)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(component string, format string, args ...interface{}) {
	l.log(DEBUG, component, format, args...)
}

// Info logs an info message
func (l *Logger) Info(component string, format string, args ...interface{}) {
	l.log(INFO, component, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(component string, format string, args ...interface{}) {
	l.log(WARN, component, format, args...)
}

// Error logs an error message
func (l *Logger) Error(component string, format string, args ...interface{}) {
	l.log(ERROR, component, format, args...)
}

// Global logger functions (use default logger)

// AttachFile attaches a file sink to the global logger.
func AttachFile(cfg FileConfig) {
	if defaultLogger != nil {
		defaultLogger.AttachFile(cfg)
	}
}

// Close closes the global logger's file sink.
func Close() error {
	if defaultLogger != nil {
		return defaultLogger.Close()
	}
	return nil
}

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(component string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(component, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(component string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(component, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(component string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(component, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(component string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(component, format, args...)
	}
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch s {
	case "debug", "DEBUG":
		return DEBUG, nil
	case "info", "INFO":
		return INFO, nil
	case "warn", "WARN", "warning", "WARNING":
		return WARN, nil
	case "error", "ERROR":
		return ERROR, nil
	case "silent", "SILENT", "none", "NONE":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
