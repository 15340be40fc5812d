package monitor

import (
	"testing"
	"time"

	"github.com/hexagonlabs/tunneld/internal/ports"
	"github.com/hexagonlabs/tunneld/internal/registry"
)

func TestCollectAggregates(t *testing.T) {
	reg := registry.New(ports.NewAllocator(10000, 10010), nil, 5)
	t.Cleanup(reg.CloseAll)

	for _, tc := range []struct{ id, user, proj string }{
		{"t1", "u1", "p1"},
		{"t2", "u2", "p2"},
	} {
		if _, err := reg.Create(registry.CreateParams{
			TunnelID:    tc.id,
			UserID:      tc.user,
			Username:    tc.user,
			ProjectName: tc.proj,
			LocalPort:   3000,
		}, &fakeSession{alive: true}); err != nil {
			t.Fatalf("create %s: %v", tc.id, err)
		}
	}

	reg.UpdateStats("t1", 1000)
	reg.UpdateStats("t1", 500)
	reg.UpdateStats("t2", 200)
	reg.AddViewer("t1", "v1")
	reg.AddViewer("t1", "v2")
	reg.AddViewer("t2", "v3")

	rec := &eventRecorder{}
	c := NewMetricsCollector(reg, rec)
	c.now = func() time.Time { return time.Now().Add(time.Minute) }

	c.Collect()

	if len(rec.metrics) != 1 {
		t.Fatalf("metrics reports = %d, want 1", len(rec.metrics))
	}
	report := rec.metrics[0]
	if report.TotalTunnels != 2 {
		t.Errorf("TotalTunnels = %d, want 2", report.TotalTunnels)
	}
	if report.TotalViewers != 3 {
		t.Errorf("TotalViewers = %d, want 3", report.TotalViewers)
	}
	if report.TotalBandwidth != 1700 {
		t.Errorf("TotalBandwidth = %d, want 1700", report.TotalBandwidth)
	}
	if len(report.Tunnels) != 2 {
		t.Fatalf("per-tunnel entries = %d, want 2", len(report.Tunnels))
	}
	for _, tm := range report.Tunnels {
		if tm.UptimeSeconds < 60 {
			t.Errorf("tunnel %s uptime = %f, want >= 60", tm.TunnelID, tm.UptimeSeconds)
		}
	}
	if report.Timestamp == "" {
		t.Error("timestamp not set")
	}
}

func TestCollectEmptyRegistry(t *testing.T) {
	reg := registry.New(ports.NewAllocator(10000, 10001), nil, 5)
	rec := &eventRecorder{}

	NewMetricsCollector(reg, rec).Collect()

	if len(rec.metrics) != 1 {
		t.Fatalf("metrics reports = %d, want 1", len(rec.metrics))
	}
	if rec.metrics[0].TotalTunnels != 0 {
		t.Errorf("TotalTunnels = %d, want 0", rec.metrics[0].TotalTunnels)
	}
}
