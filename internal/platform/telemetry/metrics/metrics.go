package metrics

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Int64Counter returns a counter on the meter named scope.
func Int64Counter(scope, name, description string) metric.Int64Counter {
	counter, err := otel.Meter(scope).Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		log.Printf("metrics: create counter %s: %v", name, err)
		return noop.Int64Counter{}
	}
	return counter
}

// Int64UpDownCounter returns an up/down counter on the meter named scope.
func Int64UpDownCounter(scope, name, description string) metric.Int64UpDownCounter {
	counter, err := otel.Meter(scope).Int64UpDownCounter(name, metric.WithDescription(description))
	if err != nil {
		log.Printf("metrics: create up/down counter %s: %v", name, err)
		return noop.Int64UpDownCounter{}
	}
	return counter
}

// SessionAttrs tags a measurement with the session id.
func SessionAttrs(sessionID string, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{attribute.String("session.id", sessionID)}, extra...)
	return metric.WithAttributes(attrs...)
}

// Add increments counter by one with the session tag.
func Add(ctx context.Context, counter metric.Int64Counter, sessionID string, extra ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, SessionAttrs(sessionID, extra...))
}
