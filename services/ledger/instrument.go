package ledger

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fundflow/observability"
)

// Instrument wraps collaborator calls with a span, metrics, a log line and
// failure classification.
type Instrument struct {
	Tracer  trace.Tracer
	Metrics *observability.WorkflowMetrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewInstrument fills unset fields with defaults.
func NewInstrument(scope string, logger *slog.Logger, metrics *observability.WorkflowMetrics, now func() time.Time) Instrument {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return Instrument{
		Tracer:  otel.Tracer(scope),
		Metrics: metrics,
		Logger:  logger,
		Now:     now,
	}
}

// Call runs fn and returns a classified *Error on failure, nil otherwise.
// fn may return an *Error itself for response level failures.
func (in Instrument) Call(ctx context.Context, op Op, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	tracer := in.Tracer
	if tracer == nil {
		tracer = otel.Tracer("fundflow/services/ledger")
	}
	now := in.Now
	if now == nil {
		now = time.Now
	}
	ctx, span := tracer.Start(ctx, string(op), trace.WithAttributes(attrs...))
	defer span.End()

	start := now()
	err := fn(ctx)
	elapsed := now().Sub(start)
	if err == nil {
		in.Metrics.ObserveCall(string(op), "success", elapsed)
		span.SetStatus(codes.Ok, "")
		return nil
	}
	classified := Classify(op, err)
	in.Metrics.ObserveCall(string(op), string(classified.Kind), elapsed)
	span.RecordError(classified)
	span.SetStatus(codes.Error, string(classified.Kind))
	if in.Logger != nil {
		in.Logger.Warn("collaborator call failed",
			slog.String("op", string(op)),
			slog.String("kind", string(classified.Kind)),
			slog.String("error", classified.Error()),
			slog.Duration("elapsed", elapsed))
	}
	return classified
}
