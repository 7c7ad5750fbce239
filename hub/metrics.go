package hub

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type hubMetrics struct {
	dropped metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metricsInst *hubMetrics
)

func sharedHubMetrics() *hubMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("aetherlock/hub")
		dropped, err := meter.Int64Counter(
			"hub_frames_dropped_total",
			metric.WithDescription("Wire frames dropped because a session queue was full"),
		)
		if err != nil {
			dropped = nil
		}
		metricsInst = &hubMetrics{dropped: dropped}
	})
	return metricsInst
}

func (m *hubMetrics) recordDropped(frameType string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("frame_type", frameType)))
}
