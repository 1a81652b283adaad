package otel

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"

	"messenger-courier/internal/telemetry"
	"messenger-courier/internal/telemetry/domain"
)

const scopeName = "messenger-courier/telemetry"

// NewEmitter returns an Emitter that publishes events as OTel log records and
// counts them on the courier.session.events metric. If p is nil, a no-op
// emitter is returned.
func NewEmitter(p *Providers) telemetry.Emitter {
	if p == nil || p.LoggerProvider == nil {
		return noopEmitter{}
	}
	e := &emitter{logger: p.LoggerProvider.Logger(scopeName)}
	if p.MeterProvider != nil {
		counter, err := p.MeterProvider.Meter(scopeName).Int64Counter(
			"courier.session.events",
			metric.WithDescription("Session lifecycle events emitted by the courier."),
		)
		if err != nil {
			log.Printf("telemetry: session event counter: %v", err)
		} else {
			e.counter = counter
		}
	}
	return e
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Event) error { return nil }

type emitter struct {
	logger  otellog.Logger
	counter metric.Int64Counter
}

// Emit converts the event to an OTel log record and bumps the event counter.
func (e *emitter) Emit(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	if event.Detail != "" {
		rec.SetBody(otellog.StringValue(event.Detail))
	}
	if event.ID != "" {
		rec.AddAttributes(otellog.String("event_id", event.ID))
	}
	if event.Type != "" {
		rec.AddAttributes(otellog.String("event_type", event.Type))
	}
	if event.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", event.SessionID))
	}
	if event.AccountID != "" {
		rec.AddAttributes(otellog.String("account_id", event.AccountID))
	}
	e.logger.Emit(ctx, rec)

	if e.counter != nil {
		e.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", event.Type)))
	}
	return nil
}
