package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultLogDir is tried first by NewFileLogger
const DefaultLogDir = "/var/log/meshgen"

// ParseLevel maps a level name (debug, info, warn, error) onto a zap level.
// Unknown names fall back to info.
func ParseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func encoder(jsonFormat bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if jsonFormat {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// New creates a logger writing to stderr
func New(level string, jsonFormat bool) *zap.Logger {
	core := zapcore.NewCore(encoder(jsonFormat), zapcore.Lock(os.Stderr), ParseLevel(level))
	return zap.New(core, zap.AddCaller())
}

// NewFileLogger creates a logger that writes to <dir>/<component>.log and stderr.
// It tries /var/log/meshgen first and falls back to ./logs if that is not writable.
// The returned close func syncs the logger and closes the file.
func NewFileLogger(component, level string, jsonFormat bool) (*zap.Logger, func() error, error) {
	baseDir := DefaultLogDir
	if !isWritable(baseDir) {
		baseDir = "./logs"
	}
	return newFileLogger(baseDir, component, level, jsonFormat)
}

func newFileLogger(baseDir, component, level string, jsonFormat bool) (*zap.Logger, func() error, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory %s: %w", baseDir, err)
	}

	logPath := filepath.Join(baseDir, component+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	lvl := ParseLevel(level)
	core := zapcore.NewTee(
		// the file always gets JSON so it can be shipped as is
		zapcore.NewCore(encoder(true), zapcore.AddSync(logFile), lvl),
		zapcore.NewCore(encoder(jsonFormat), zapcore.Lock(os.Stderr), lvl),
	)
	logger := zap.New(core, zap.AddCaller()).Named(component)
	logger.Info("Logger initialized", zap.String("path", logPath))

	closeFn := func() error {
		_ = logger.Sync()
		return logFile.Close()
	}
	return logger, closeFn, nil
}

// isWritable checks if a directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
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
