package retry

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventType names a retry telemetry event.
type EventType string

const (
	EventAttemptFailed EventType = "attempt_failed"
	EventSucceeded     EventType = "succeeded"
	EventExhausted     EventType = "exhausted"
)

// Event is one retry telemetry record.
type Event struct {
	Type        EventType
	Phase       string
	Attempt     int
	MaxAttempts int
	Elapsed     time.Duration
	Remaining   time.Duration
	Reason      string
	Err         error
}

var (
	stderrMu     sync.Mutex
	stderrLogger *zap.Logger
)

// EnableStderrTelemetry turns on JSON-line retry telemetry on stderr.
func EnableStderrTelemetry(enabled bool) {
	stderrMu.Lock()
	defer stderrMu.Unlock()

	if !enabled {
		stderrLogger = nil
		return
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.MessageKey = "event"
	cfg.CallerKey = ""
	cfg.StacktraceKey = ""
	stderrLogger = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stderr), zapcore.DebugLevel))
}

func emitStderr(e Event) {
	stderrMu.Lock()
	l := stderrLogger
	stderrMu.Unlock()
	if l == nil {
		return
	}
	l.Info("retry."+string(e.Type), eventFields(e)...)
}

func eventFields(e Event) []zap.Field {
	fields := []zap.Field{
		zap.String("phase", e.Phase),
		zap.Int("attempt", e.Attempt),
		zap.Int("maxAttempts", e.MaxAttempts),
	}
	if e.Elapsed > 0 || e.Remaining > 0 {
		fields = append(fields,
			zap.Int64("elapsedMs", e.Elapsed.Milliseconds()),
			zap.Int64("remainingMs", e.Remaining.Milliseconds()))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Err != nil {
		fields = append(fields, zap.String("error", e.Err.Error()))
	}
	return fields
}
