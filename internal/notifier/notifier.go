// Package notifier delivers tunnel lifecycle webhooks to the account
// backend. Delivery is best-effort and at-most-once: non-2xx responses and
// transport errors are logged at warning level and swallowed.
package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hexagonlabs/tunneld/internal/registry"
)

const webhookTimeout = 5 * time.Second

// Client posts webhook notifications to the backend service.
type Client struct {
	backendURL   string
	publicDomain string
	http         *http.Client
}

// New creates a Client targeting the given backend base URL. publicDomain is
// used to compose the public_url field of the created payload.
func New(backendURL, publicDomain string) *Client {
	return &Client{
		backendURL:   backendURL,
		publicDomain: publicDomain,
		http:         &http.Client{Timeout: webhookTimeout},
	}
}

// PublicURL composes the viewer-facing URL for a tunnel.
func (c *Client) PublicURL(username, project string) string {
	return fmt.Sprintf("http://%s/live/%s/%s", c.publicDomain, username, project)
}

// TunnelCreated announces a newly established tunnel.
func (c *Client) TunnelCreated(t registry.Info) {
	c.post("/api/tunnels/webhook/created", map[string]any{
		"tunnel_id":    t.TunnelID,
		"user_id":      t.UserID,
		"username":     t.Username,
		"project_name": t.ProjectName,
		"remote_port":  t.RemotePort,
		"public_url":   c.PublicURL(t.Username, t.ProjectName),
		"created_at":   t.CreatedAt.Unix(),
	})
}

// TunnelClosed announces a closed tunnel along with its final counters.
func (c *Client) TunnelClosed(t registry.Info, duration time.Duration) {
	c.post("/api/tunnels/webhook/closed", map[string]any{
		"tunnel_id": t.TunnelID,
		"user_id":   t.UserID,
		"stats": map[string]any{
			"bytes_transferred": t.BytesTransferred,
			"requests_count":    t.RequestsCount,
			"viewers_count":     t.ViewersCount,
			"duration_seconds":  duration.Seconds(),
		},
	})
}

// TunnelUnhealthy announces that a tunnel failed its health checks and was
// closed.
func (c *Client) TunnelUnhealthy(t registry.Info, reason string, failures int) {
	c.post("/api/tunnels/webhook/unhealthy", map[string]any{
		"tunnel_id": t.TunnelID,
		"user_id":   t.UserID,
		"reason":    reason,
		"failures":  failures,
	})
}

// TunnelExpired announces that a tunnel hit its age limit and was closed.
func (c *Client) TunnelExpired(t registry.Info, reason string) {
	c.post("/api/tunnels/webhook/expired", map[string]any{
		"tunnel_id": t.TunnelID,
		"user_id":   t.UserID,
		"reason":    reason,
	})
}

// TunnelMetrics is the per-tunnel slice of a metrics report.
type TunnelMetrics struct {
	TunnelID      string  `json:"tunnel_id"`
	ViewersCount  int     `json:"viewers_count"`
	Bandwidth     int64   `json:"bandwidth"`
	Requests      int64   `json:"requests"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// MetricsReport aggregates registry-wide counters for one collection tick.
type MetricsReport struct {
	TotalTunnels   int             `json:"total_tunnels"`
	TotalViewers   int             `json:"total_viewers"`
	TotalBandwidth int64           `json:"total_bandwidth"`
	Timestamp      string          `json:"timestamp"`
	Tunnels        []TunnelMetrics `json:"tunnels"`
}

// Metrics posts a periodic metrics report.
func (c *Client) Metrics(report MetricsReport) {
	c.post("/api/tunnels/webhook/metrics", report)
}

func (c *Client) post(path string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[notifier] WARNING: marshal %s payload: %v", path, err)
		return
	}
	resp, err := c.http.Post(c.backendURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[notifier] WARNING: post %s: %v", path, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("[notifier] WARNING: post %s: backend returned %d", path, resp.StatusCode)
	}
}
