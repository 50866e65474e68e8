// Package telemetry records OpenTelemetry metrics for store operations.
//
// Instruments are created against the global meter provider, which is a
// no-op unless the embedding process installs one. Each CLI invocation is
// short-lived, so there is no background exporter here; an embedder that
// wants metrics installs a provider before opening a session.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/prontolabs/prontokv"

type instruments struct {
	opsTotal    metric.Int64Counter
	opDuration  metric.Float64Histogram
	valueBytes  metric.Int64Counter
	evictionsUp metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     *instruments
)

func get() *instruments {
	instOnce.Do(func() {
		meter := otel.Meter(meterName)
		opsTotal, _ := meter.Int64Counter("prontokv.store.ops",
			metric.WithDescription("Store operations by bucket, op and outcome"))
		opDuration, _ := meter.Float64Histogram("prontokv.store.op.duration",
			metric.WithDescription("Store operation duration in seconds"),
			metric.WithUnit("s"))
		valueBytes, _ := meter.Int64Counter("prontokv.store.value.bytes",
			metric.WithDescription("Bytes written to or read from the store"))
		evictions, _ := meter.Int64Counter("prontokv.store.evictions",
			metric.WithDescription("Entries lazily evicted after TTL expiry"))
		inst = &instruments{
			opsTotal:    opsTotal,
			opDuration:  opDuration,
			valueBytes:  valueBytes,
			evictionsUp: evictions,
		}
	})
	return inst
}

// RecordStoreOp records a single backing-store operation.
func RecordStoreOp(ctx context.Context, bucket, op, outcome string, duration time.Duration, bytes int64) {
	in := get()
	attrs := metric.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	in.opsTotal.Add(ctx, 1, attrs)
	in.opDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		in.valueBytes.Add(ctx, bytes, attrs)
	}
}

// RecordEviction records a lazy TTL eviction.
func RecordEviction(ctx context.Context, project, namespace string) {
	get().evictionsUp.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project", project),
		attribute.String("namespace", namespace),
	))
}
