package telemetry

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL trace correlation
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a logger scoped to one component
func NewLogger(service string) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// SetLevel applies the configured global log level ("debug", "info", "error")
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Convenience methods for evaluation and store operations

func (l *Logger) LogEvaluatorFailure(ctx context.Context, arn, policyID string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("arn", arn).
		Str("policy_id", policyID).
		Str("operation", "evaluate").
		Msg("evaluator failed")
}

func (l *Logger) LogStoreError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("store operation failed")
}

func (l *Logger) LogFindingTransition(ctx context.Context, arn, policyID string, state string, reason string) {
	event := l.WithContext(ctx).Info().
		Str("arn", arn).
		Str("policy_id", policyID).
		Str("state", state)
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("finding transition")
}

func (l *Logger) LogSweepComplete(ctx context.Context, sweepID string, processed, skipped, failed int, durationMs float64) {
	l.WithContext(ctx).Info().
		Str("sweep_id", sweepID).
		Int("processed", processed).
		Int("skipped", skipped).
		Int("failed", failed).
		Float64("duration_ms", durationMs).
		Str("operation", "sweep").
		Msg("sweep completed")
}
