package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	lockCollection = "fifo_locks"
	maxErrorLength = 2048
)

var tracer = otel.Tracer("go-exchange/store")

// NewID returns a time-ordered identifier, so sorting by id follows insertion order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func addDBStatsToSpan(span trace.Span, system, statement string, count int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("records.count", count),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// truncateError caps msg at maxErrorLength bytes without splitting a rune, and
// replaces invalid UTF-8 since text columns reject it.
func truncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= maxErrorLength {
		return msg
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

type dbSpan struct {
	span      trace.Span
	system    string
	statement string
	start     time.Time
}

func startDBSpan(ctx context.Context, system, statement string) (context.Context, *dbSpan) {
	ctx, span := tracer.Start(ctx, statement, trace.WithSpanKind(trace.SpanKindClient))
	return ctx, &dbSpan{span: span, system: system, statement: statement, start: time.Now()}
}

// end records the stats and the error (if any) and closes the span.
func (s *dbSpan) end(count int, err error) {
	addDBStatsToSpan(s.span, s.system, s.statement, count, time.Since(s.start))
	switch {
	case err == nil:
	case isControlFlow(err):
		s.span.SetAttributes(attribute.String("outcome", err.Error()))
	default:
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

// isControlFlow reports whether err is an expected outcome of optimistic
// coordination rather than a store failure.
func isControlFlow(err error) bool {
	return errors.Is(err, ErrClaimConflict) ||
		errors.Is(err, ErrLockDenied) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateMessage)
}
