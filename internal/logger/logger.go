package logger

import (
	"os"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes structured JSON log lines tagged with the service name and
// hostname. Every entry carries an action and a request id.
type Logger struct {
	service  string
	hostname string
	zl       *zap.Logger
}

// New creates a logger for the given service at debug level.
func New(service string) *Logger {
	return NewWithLevel(service, "debug")
}

// NewWithLevel creates a logger for the given service. Unknown levels fall
// back to info.
func NewWithLevel(service, level string) *Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.MessageKey = "message"
	encCfg.StacktraceKey = ""

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		zap.NewAtomicLevelAt(lvl),
	)

	return fromZap(service, zap.New(core))
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return fromZap("nop", zap.NewNop())
}

func fromZap(service string, zl *zap.Logger) *Logger {
	hostname, _ := os.Hostname()
	return &Logger{
		service:  service,
		hostname: hostname,
		zl:       zl.With(zap.String("service", service), zap.String("hostname", hostname)),
	}
}

// Service returns the service name every line is tagged with.
func (l *Logger) Service() string {
	return l.service
}

// GenerateRequestID returns a fresh id used to correlate log lines of one
// request or batch run.
func GenerateRequestID() string {
	return uuid.NewString()
}

// Info logs an informational event.
func (l *Logger) Info(action, message, requestID string, fields map[string]interface{}) {
	l.zl.Info(message, l.baseFields(action, requestID, fields)...)
}

// Debug logs a debug event.
func (l *Logger) Debug(action, message, requestID string, fields map[string]interface{}) {
	l.zl.Debug(message, l.baseFields(action, requestID, fields)...)
}

// Error logs a failure. err may be nil when there is no underlying error.
func (l *Logger) Error(action, message, requestID string, err error, fields map[string]interface{}) {
	zf := l.baseFields(action, requestID, fields)
	if err != nil {
		zf = append(zf, zap.Dict("error", zap.String("msg", err.Error()), zap.Stack("stack")))
	}
	l.zl.Error(message, zf...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.zl.Sync()
}

func (l *Logger) baseFields(action, requestID string, fields map[string]interface{}) []zap.Field {
	zf := make([]zap.Field, 0, len(fields)+2)
	zf = append(zf, zap.String("action", action), zap.String("request_id", requestID))

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	return zf
}
