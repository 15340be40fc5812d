package monitor

import (
	"context"
	"log"
	"time"

	"github.com/hexagonlabs/tunneld/internal/notifier"
	"github.com/hexagonlabs/tunneld/internal/registry"
)

const metricsInterval = 60 * time.Second

// MetricsCollector aggregates registry counters and reports them to the
// backend once a minute. Collection failures are logged and swallowed.
type MetricsCollector struct {
	reg    *registry.Registry
	events Events

	interval time.Duration
	now      func() time.Time
}

// NewMetricsCollector creates a MetricsCollector.
func NewMetricsCollector(reg *registry.Registry, events Events) *MetricsCollector {
	return &MetricsCollector{
		reg:      reg,
		events:   events,
		interval: metricsInterval,
		now:      time.Now,
	}
}

// Run loops until ctx is canceled, collecting once per tick.
func (c *MetricsCollector) Run(ctx context.Context) {
	log.Printf("[metrics] collector started (interval %s)", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[metrics] collector stopped")
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect snapshots the registry and emits one metrics report.
func (c *MetricsCollector) Collect() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[metrics] panic collecting metrics: %v", r)
		}
	}()

	now := c.now()
	tunnels := c.reg.List()

	report := notifier.MetricsReport{
		TotalTunnels: len(tunnels),
		Timestamp:    now.Format(time.RFC3339),
		Tunnels:      make([]notifier.TunnelMetrics, 0, len(tunnels)),
	}
	for _, t := range tunnels {
		report.TotalViewers += t.ViewersCount
		report.TotalBandwidth += t.BytesTransferred
		report.Tunnels = append(report.Tunnels, notifier.TunnelMetrics{
			TunnelID:      t.TunnelID,
			ViewersCount:  t.ViewersCount,
			Bandwidth:     t.BytesTransferred,
			Requests:      t.RequestsCount,
			UptimeSeconds: now.Sub(t.CreatedAt).Seconds(),
		})
	}

	log.Printf("[metrics] %d tunnels, %d viewers, %.2f MB transferred",
		report.TotalTunnels, report.TotalViewers, float64(report.TotalBandwidth)/(1024*1024))
	c.events.Metrics(report)
}
