// Package monitor runs the background loops that watch the tunnel registry:
// a health monitor that probes every tunnel and closes the failed or expired
// ones, and a metrics collector that periodically reports aggregate counters
// to the backend. Both loops are cancelable and survive per-tunnel errors.
package monitor

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/hexagonlabs/tunneld/internal/audit"
	"github.com/hexagonlabs/tunneld/internal/logutil"
	"github.com/hexagonlabs/tunneld/internal/notifier"
	"github.com/hexagonlabs/tunneld/internal/registry"
)

// Events is the slice of the notifier the monitors report through.
type Events interface {
	TunnelUnhealthy(t registry.Info, reason string, failures int)
	TunnelExpired(t registry.Info, reason string)
	Metrics(report notifier.MetricsReport)
}

const (
	healthInterval = 30 * time.Second
	probeTimeout   = 5 * time.Second
	maxFailures    = 3
	maxTunnelAge   = 8 * time.Hour
)

// HealthMonitor periodically probes every live tunnel and closes those that
// stay unhealthy or outlive the age limit.
type HealthMonitor struct {
	reg    *registry.Registry
	events Events

	interval time.Duration

	// Overridable in tests.
	now   func() time.Time
	probe func(port int) error
}

// NewHealthMonitor creates a HealthMonitor with production probes.
func NewHealthMonitor(reg *registry.Registry, events Events) *HealthMonitor {
	return &HealthMonitor{
		reg:      reg,
		events:   events,
		interval: healthInterval,
		now:      time.Now,
		probe:    probePort,
	}
}

// probePort checks that the tunnel's remote port still accepts connections.
func probePort(port int) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), probeTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Run loops until ctx is canceled, checking all tunnels each tick.
func (m *HealthMonitor) Run(ctx context.Context) {
	log.Printf("[health] monitor started (interval %s)", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[health] monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll()
		}
	}
}

// CheckAll runs one monitoring tick over a snapshot of the registry.
func (m *HealthMonitor) CheckAll() {
	for _, t := range m.reg.Tunnels() {
		m.checkTunnel(t)
	}
}

func (m *HealthMonitor) checkTunnel(t *registry.TunnelConnection) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[health] panic checking tunnel %s: %v", logutil.SanitizeForLog(t.TunnelID), r)
		}
	}()

	id := logutil.SanitizeForLog(t.TunnelID)
	failed := false

	if !t.Alive() {
		n := t.RecordHealthFailure()
		log.Printf("[health] tunnel %s: SSH connection check failed (%d/%d)", id, n, maxFailures)
		failed = true
	}

	if err := m.probe(t.RemotePort); err != nil {
		n := t.RecordHealthFailure()
		log.Printf("[health] tunnel %s: port %d check failed (%d/%d): %v", id, t.RemotePort, n, maxFailures, err)
		failed = true
	}

	if m.now().Sub(t.CreatedAt) > maxTunnelAge {
		log.Printf("[health] tunnel %s expired (%s limit)", id, maxTunnelAge)
		info := t.Info()
		reason := fmt.Sprintf("%d hour time limit reached", int(maxTunnelAge.Hours()))
		audit.Record(audit.EventExpired, t.TunnelID, t.UserID, reason)
		m.events.TunnelExpired(info, reason)
		m.closeTunnel(t.TunnelID)
		return
	}

	if !failed {
		if t.ResetHealthFailures() {
			log.Printf("[health] tunnel %s health restored", id)
		}
		return
	}

	if n := t.HealthFailures(); n >= maxFailures {
		log.Printf("[health] tunnel %s unhealthy after %d failures, closing", id, n)
		info := t.Info()
		audit.Record(audit.EventUnhealthy, t.TunnelID, t.UserID, fmt.Sprintf("%d failures", n))
		m.events.TunnelUnhealthy(info, "Health check failed", n)
		m.closeTunnel(t.TunnelID)
	}
}

func (m *HealthMonitor) closeTunnel(tunnelID string) {
	if err := m.reg.Close(tunnelID); err != nil {
		log.Printf("[health] close tunnel %s: %v", logutil.SanitizeForLog(tunnelID), err)
	}
}
