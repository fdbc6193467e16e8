package observability

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/stepper/internal/config"
	"github.com/pitabwire/stepper/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout, or
// console output when cfg.LogFormat is "console".
//
// Log level usage conventions:
//   - error: Storage failures, fatal step faults, scheduling failures, 5xx responses
//   - warn:  Invariant violations (terminal journey invoked), reattempt escalation
//   - info:  Journey transitions, operator actions, stale invocations dropped
//   - debug: Invocation scheduling, de-duplication, sweeper passes
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	encoding := "json"
	if cfg.LogFormat == "console" {
		encoding = "console"
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger carrying the caller's subject,
// correlation, and trace identifiers. Without a RequestContext it is the
// context logger unchanged.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if spanID := SpanIDFromContext(ctx); spanID != "" {
		fields = append(fields, zap.String("span_id", spanID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// credentialParams are journey param names never written to logs.
var credentialParams = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"signing_key":   {},
	"access_token":  {},
	"refresh_token": {},
	"api_key":       {},
	"authorization": {},
}

// RedactParams copies journey params for debug logging, masking
// credential-like keys at any depth. Keys listed in extra are masked too.
func RedactParams(params map[string]any, extra ...string) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isCredential(k, extra) {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = RedactParams(nested, extra...)
		}
		out[k] = v
	}
	return out
}

func isCredential(key string, extra []string) bool {
	if _, ok := credentialParams[strings.ToLower(key)]; ok {
		return true
	}
	return slices.ContainsFunc(extra, func(e string) bool { return strings.EqualFold(e, key) })
}
