package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log level
type Level = zapcore.Level

const (
	DEBUG = zapcore.DebugLevel
	INFO  = zapcore.InfoLevel
	WARN  = zapcore.WarnLevel
	ERROR = zapcore.ErrorLevel
	FATAL = zapcore.FatalLevel
)

// Config controls how a logger is built
type Config struct {
	Level     string `mapstructure:"level"`
	JSON      bool   `mapstructure:"json"`
	File      string `mapstructure:"file"` // optional component name for NewFileLogger layout
	Component string `mapstructure:"-"`
}

// Logger provides structured logging on top of zap.
// Fields attached with WithField are carried by derived loggers.
type Logger struct {
	zl      *zap.Logger
	sugar   *zap.SugaredLogger
	level   zap.AtomicLevel
	logFile *rotatingFile
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the process-wide logger, creating an INFO console logger on first use
func Default() *Logger {
	defaultOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = NewLogger(INFO, false)
		}
	})
	return defaultLogger
}

// SetDefault replaces the process-wide logger and zap's globals
func SetDefault(l *Logger) {
	defaultOnce.Do(func() {})
	defaultLogger = l
	zap.ReplaceGlobals(l.zl)
}

// NewLogger creates a console or JSON logger writing INFO/WARN to stdout and ERROR+ to stderr
func NewLogger(level Level, jsonFormat bool) *Logger {
	atomic := zap.NewAtomicLevelAt(level)
	return build(atomic, jsonFormat, zapcore.AddSync(os.Stdout), zapcore.AddSync(os.Stderr), nil)
}

// NewWithWriter creates a logger that writes every enabled entry to w
func NewWithWriter(level Level, jsonFormat bool, w zapcore.WriteSyncer) *Logger {
	atomic := zap.NewAtomicLevelAt(level)
	encoder := newEncoder(jsonFormat)
	core := zapcore.NewCore(encoder, w, atomic)
	zl := zap.New(core)
	return &Logger{zl: zl, sugar: zl.Sugar(), level: atomic}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	zl := zap.NewNop()
	return &Logger{zl: zl, sugar: zl.Sugar(), level: zap.NewAtomicLevelAt(FATAL)}
}

// New builds a logger from Config, adding a log file when File is set
func New(cfg Config) (*Logger, error) {
	level := ParseLevel(cfg.Level)
	if cfg.File == "" {
		return NewLogger(level, cfg.JSON), nil
	}
	return NewFileLogger(cfg.File, cfg.Component, level, cfg.JSON)
}

// NewFileLogger creates a logger that writes to /var/log/meshsched/<component>/<subcomponent>.log
// Falls back to ./logs/<component>/ if /var/log is not writable
func NewFileLogger(component, subComponent string, level Level, jsonFormat bool) (*Logger, error) {
	logPath := GetLogPath(component, subComponent)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(logPath), err)
	}

	logFile, err := openRotatingFile(logPath)
	if err != nil {
		return nil, err
	}

	atomic := zap.NewAtomicLevelAt(level)
	l := build(atomic, jsonFormat, zapcore.AddSync(os.Stdout), zapcore.AddSync(os.Stderr), logFile)
	l.logFile = logFile
	l.Infof("Logger initialized: %s/%s -> %s", component, subComponent, logPath)
	return l, nil
}

func newEncoder(jsonFormat bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	if jsonFormat {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func build(atomic zap.AtomicLevel, jsonFormat bool, out, errOut, file zapcore.WriteSyncer) *Logger {
	encoder := newEncoder(jsonFormat)

	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomic.Enabled(lvl) && lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomic.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, out, lowPriority),
		zapcore.NewCore(encoder, errOut, highPriority),
	}
	if file != nil {
		cores = append(cores, zapcore.NewCore(encoder, file, atomic))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{zl: zl, sugar: zl.Sugar(), level: atomic}
}

func toZapFields(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields[0]))
	for k, v := range fields[0] {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.zl.Debug(message, toZapFields(fields)...)
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.zl.Info(message, toZapFields(fields)...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.zl.Warn(message, toZapFields(fields)...)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.zl.Error(message, toZapFields(fields)...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.zl.Fatal(message, toZapFields(fields)...)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.sugar.Fatalf(format, args...) }

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	zl := l.zl.With(zap.Any(key, value))
	return &Logger{zl: zl, sugar: zl.Sugar(), level: l.level, logFile: l.logFile}
}

// Named returns a child logger with the given name segment
func (l *Logger) Named(name string) *Logger {
	zl := l.zl.Named(name)
	return &Logger{zl: zl, sugar: zl.Sugar(), level: l.level, logFile: l.logFile}
}

// Zap exposes the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// Level returns the current level
func (l *Logger) Level() Level {
	return l.level.Level()
}

// SetLevel changes the level of this logger and every logger derived from it
func (l *Logger) SetLevel(level string) {
	parsed, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		l.zl.Error("Couldn't parse level", zap.Error(err))
		return
	}
	l.level.SetLevel(parsed)
	l.zl.Info("Log level updated", zap.String("value", level))
}

// WatchLevel re-reads key from v whenever the config file changes
func (l *Logger) WatchLevel(v *viper.Viper, key string) {
	v.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&fsnotify.Create == 0 {
			l.SetLevel(v.GetString(key))
		}
	})
	v.WatchConfig()
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		if strings.EqualFold(level, "warning") {
			return WARN
		}
		return INFO
	}
	return parsed
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Close flushes and closes the log file if opened
func (l *Logger) Close() error {
	if l.logFile != nil {
		l.Info("Logger closing")
		_ = l.zl.Sync()
		return l.logFile.Close()
	}
	_ = l.zl.Sync()
	return nil
}

// RotateIfNeeded rotates the log file if it exceeds maxSize (in bytes)
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	if l.logFile == nil {
		return nil
	}
	backup, err := l.logFile.rotate(maxSize)
	if err != nil {
		return err
	}
	if backup != "" {
		l.Infof("Log rotated: %s -> %s", l.logFile.path, backup)
	}
	return nil
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}

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
	baseDir := "/var/log/meshsched"
	if !isWritable(baseDir) {
		baseDir = "./logs"
	}

	logFileName := component + ".log"
	if subComponent != "" {
		logFileName = subComponent + ".log"
	}

	return filepath.Join(baseDir, component, logFileName)
}
