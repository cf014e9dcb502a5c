package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

// TestRecordBatchReportsThroughRegisteredProvider exercises the "host
// configures a real MeterProvider" path: recordBatch's instruments are
// created once against the global delegating provider at package init, so
// registering a real SDK provider later must still receive their
// recordings.
func TestRecordBatchReportsThroughRegisteredProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "docreplica-test"))),
	)
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	recordBatch(context.Background(), DirectionPull, 3, 1024, 12.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var sawDocs, sawBytes bool
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch m.Name {
			case "docreplica.replication.docs_transferred":
				sawDocs = true
			case "docreplica.replication.attachment_bytes":
				sawBytes = true
			}
		}
	}
	require.True(t, sawDocs, "docs_transferred instrument should have reported through the registered provider")
	require.True(t, sawBytes, "attachment_bytes instrument should have reported through the registered provider")
}
