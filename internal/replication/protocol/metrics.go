package protocol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// protocolMetrics holds the OTel metric instruments for the replication
// protocol client. Instruments register against the global delegating
// provider at init time, so they forward to whatever MeterProvider the host configures (or absorb into the
// no-op provider if it configures none).
var protocolMetrics struct {
	retries metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/steveyegge/docreplica/replication/protocol")
	protocolMetrics.retries, _ = m.Int64Counter(
		"docreplica.protocol.retries",
		metric.WithDescription("HTTP calls retried due to transient failures"),
		metric.WithUnit("{retry}"),
	)
}

func recordRetries(ctx context.Context, attempts int) {
	if attempts <= 1 {
		return
	}
	protocolMetrics.retries.Add(ctx, int64(attempts-1))
}
