package replication

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// replicatorMetrics holds the OTel instruments reporting pipeline
// throughput: instruments registered against the global delegating
// provider at init time, forwarding to whatever MeterProvider the host
// configures and absorbing into a no-op provider otherwise.
var replicatorMetrics struct {
	docsTransferred metric.Int64Counter
	attachmentBytes metric.Int64Counter
	batchLatencyMs  metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/steveyegge/docreplica/replication")
	replicatorMetrics.docsTransferred, _ = m.Int64Counter(
		"docreplica.replication.docs_transferred",
		metric.WithDescription("Documents transferred by a pull or push pipeline"),
		metric.WithUnit("{document}"),
	)
	replicatorMetrics.attachmentBytes, _ = m.Int64Counter(
		"docreplica.replication.attachment_bytes",
		metric.WithDescription("Attachment bytes transferred"),
		metric.WithUnit("By"),
	)
	replicatorMetrics.batchLatencyMs, _ = m.Float64Histogram(
		"docreplica.replication.batch_latency_ms",
		metric.WithDescription("Wall-clock time to process one pipeline batch"),
		metric.WithUnit("ms"),
	)
}

func recordBatch(ctx context.Context, direction Direction, docs, attachmentBytes int64, elapsedMs float64) {
	attrs := metric.WithAttributes(attribute.String("docreplica.direction", string(direction)))
	replicatorMetrics.docsTransferred.Add(ctx, docs, attrs)
	replicatorMetrics.attachmentBytes.Add(ctx, attachmentBytes, attrs)
	replicatorMetrics.batchLatencyMs.Record(ctx, elapsedMs, attrs)
}
