package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger = zap.NewNop().Sugar()
	logFile      *os.File
	verbose      bool
	mu           sync.Mutex
)

// Init initializes the global logger with the specified log file path.
func Init(logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	// Close previous log file if exists
	if logFile != nil {
		_ = globalLogger.Sync()
		logFile.Close()
		logFile = nil
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //#nosec G304 -- caller-provided log path
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	logFile = f
	rebuild()
	return nil
}

// SetVerbose echoes log records to stderr in addition to the log file.
func SetVerbose(enabled bool) {
	mu.Lock()
	defer mu.Unlock()

	verbose = enabled
	rebuild()
}

// rebuild must be called with mu held.
func rebuild() {
	var cores []zapcore.Core
	if logFile != nil {
		cores = append(cores, zapcore.NewCore(newEncoder(), zapcore.AddSync(logFile), zapcore.DebugLevel))
	}
	if verbose {
		cores = append(cores, zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), zapcore.DebugLevel))
	}
	if len(cores) == 0 {
		globalLogger = zap.NewNop().Sugar()
		return
	}
	globalLogger = zap.New(zapcore.NewTee(cores...)).Sugar()
}

func newEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.CallerKey = ""
	return zapcore.NewConsoleEncoder(cfg)
}

// Close closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = globalLogger.Sync()
		logFile.Close()
		logFile = nil
	}
	rebuild()
}

func current() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return globalLogger
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// GetWriter returns the underlying writer, used as the runner log sink.
func GetWriter() io.Writer {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		return logFile
	}
	return io.Discard
}
