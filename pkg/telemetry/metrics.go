package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/deechat/dmcp/pkg/events"
)

// meterName is the instrumentation scope for every runtime metric.
const meterName = "github.com/deechat/dmcp"

// durationBuckets are histogram boundaries in milliseconds, sized for
// tool-call latencies from in-process (sub-ms) to slow network servers.
var durationBuckets = []float64{
	1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000,
}

// Metrics holds the runtime's metric instruments. The underlying OTel
// types handle their own synchronization.
type Metrics struct {
	// ToolCalls counts tool invocations by server, tool, and status.
	ToolCalls metric.Int64Counter

	// ToolCallDuration tracks tool invocation latency in milliseconds.
	ToolCallDuration metric.Float64Histogram

	// ToolsDiscovered counts tools found during catalog discovery.
	ToolsDiscovered metric.Int64Counter

	// ServerErrors counts server-level failures by server.
	ServerErrors metric.Int64Counter

	// ConnectedServers tracks the number of live server sessions.
	ConnectedServers metric.Int64UpDownCounter
}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ToolCalls, err = m.Int64Counter("dmcp.tool.calls",
		metric.WithDescription("Total tool invocations by server, tool, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("dmcp.tool.duration",
		metric.WithDescription("Latency of tool invocations."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolsDiscovered, err = m.Int64Counter("dmcp.tools.discovered",
		metric.WithDescription("Total tools found during catalog discovery."),
	); err != nil {
		return nil, err
	}
	if met.ServerErrors, err = m.Int64Counter("dmcp.server.errors",
		metric.WithDescription("Total server-level failures by server."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedServers, err = m.Int64UpDownCounter("dmcp.servers.connected",
		metric.WithDescription("Number of live server sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Bind subscribes the instruments to a lifecycle event bus and returns the
// unsubscribe function. Events carry everything the instruments need, so
// the runtime components stay metric-free.
func (m *Metrics) Bind(bus *events.Bus) func() {
	return bus.Subscribe(func(evt events.Event) {
		ctx := context.Background()
		server := attribute.String("server", evt.ServerID)

		switch evt.Type {
		case events.ServerConnected:
			m.ConnectedServers.Add(ctx, 1, metric.WithAttributes(server))

		case events.ServerDisconnected:
			m.ConnectedServers.Add(ctx, -1, metric.WithAttributes(server))

		case events.ServerError:
			m.ServerErrors.Add(ctx, 1, metric.WithAttributes(server))

		case events.ToolDiscovered:
			if count, ok := evt.Data["count"].(int); ok {
				m.ToolsDiscovered.Add(ctx, int64(count), metric.WithAttributes(server))
			}

		case events.ToolCalled:
			m.recordCall(ctx, evt, "success")

		case events.ToolError:
			m.recordCall(ctx, evt, "error")
		}
	})
}

func (m *Metrics) recordCall(ctx context.Context, evt events.Event, status string) {
	tool, _ := evt.Data["toolName"].(string)
	attrs := metric.WithAttributes(
		attribute.String("server", evt.ServerID),
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	if duration, ok := evt.Data["durationMs"].(int64); ok {
		m.ToolCallDuration.Record(ctx, float64(duration), attrs)
	}
}
