package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hexagonlabs/tunneld/internal/config"
	"github.com/hexagonlabs/tunneld/internal/registry"
)

const (
	serviceName    = "tunneld"
	serviceVersion = "1.0.0"
)

type tunnelSummary struct {
	TunnelID     string          `json:"tunnel_id"`
	Username     string          `json:"username"`
	ProjectName  string          `json:"project_name"`
	RemotePort   int             `json:"remote_port"`
	PublicURL    string          `json:"public_url"`
	ViewersCount int             `json:"viewers_count"`
	Status       registry.Status `json:"status"`
	CreatedAt    int64           `json:"created_at"`
}

type tunnelDetail struct {
	TunnelID     string          `json:"tunnel_id"`
	Username     string          `json:"username"`
	ProjectName  string          `json:"project_name"`
	RemotePort   int             `json:"remote_port"`
	PublicURL    string          `json:"public_url"`
	SSHCommand   string          `json:"ssh_command"`
	Status       registry.Status `json:"status"`
	ViewersCount int             `json:"viewers_count"`
	CreatedAt    int64           `json:"created_at"`
}

type tunnelStats struct {
	TunnelID         string          `json:"tunnel_id"`
	ViewersCount     int             `json:"viewers_count"`
	BytesTransferred int64           `json:"bytes_transferred"`
	RequestsCount    int64           `json:"requests_count"`
	UptimeSeconds    float64         `json:"uptime_seconds"`
	Status           registry.Status `json:"status"`
}

func publicURL(t registry.Info) string {
	return fmt.Sprintf("http://%s/live/%s/%s", config.Cfg.PublicDomain, t.Username, t.ProjectName)
}

func sshCommand(t registry.Info) string {
	return fmt.Sprintf("ssh -R %d:localhost:%d %s:%s:%s@%s -p %d",
		t.RemotePort, t.LocalPort, t.UserID, t.TunnelID, t.ProjectName,
		config.Cfg.SSHHost, config.Cfg.SSHPort)
}

func summarize(t registry.Info) tunnelSummary {
	return tunnelSummary{
		TunnelID:     t.TunnelID,
		Username:     t.Username,
		ProjectName:  t.ProjectName,
		RemotePort:   t.RemotePort,
		PublicURL:    publicURL(t),
		ViewersCount: t.ViewersCount,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt.Unix(),
	}
}

// HealthCheck reports service status and the SSH endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        serviceName,
		"version":        serviceVersion,
		"active_tunnels": Registry.Count(),
		"ssh_server":     fmt.Sprintf("%s:%d", config.Cfg.SSHHost, config.Cfg.SSHPort),
	})
}

// ListTunnels returns all live tunnels.
func ListTunnels(w http.ResponseWriter, r *http.Request) {
	infos := Registry.List()
	tunnels := make([]tunnelSummary, 0, len(infos))
	for _, t := range infos {
		tunnels = append(tunnels, summarize(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnels": tunnels,
		"count":   len(tunnels),
	})
}

// ListUserTunnels returns the live tunnels owned by one user.
func ListUserTunnels(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	infos := Registry.ListByUser(userID)
	tunnels := make([]tunnelSummary, 0, len(infos))
	for _, t := range infos {
		tunnels = append(tunnels, summarize(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"tunnels": tunnels,
		"count":   len(tunnels),
	})
}

// GetTunnel returns one tunnel's details, including its ssh command.
func GetTunnel(w http.ResponseWriter, r *http.Request) {
	t, ok := Registry.Get(chi.URLParam(r, "tunnelID"))
	if !ok {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	info := t.Info()
	writeJSON(w, http.StatusOK, tunnelDetail{
		TunnelID:     info.TunnelID,
		Username:     info.Username,
		ProjectName:  info.ProjectName,
		RemotePort:   info.RemotePort,
		PublicURL:    publicURL(info),
		SSHCommand:   sshCommand(info),
		Status:       info.Status,
		ViewersCount: info.ViewersCount,
		CreatedAt:    info.CreatedAt.Unix(),
	})
}

// GetTunnelStats returns one tunnel's counters and uptime.
func GetTunnelStats(w http.ResponseWriter, r *http.Request) {
	t, ok := Registry.Get(chi.URLParam(r, "tunnelID"))
	if !ok {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	info := t.Info()
	writeJSON(w, http.StatusOK, tunnelStats{
		TunnelID:         info.TunnelID,
		ViewersCount:     info.ViewersCount,
		BytesTransferred: info.BytesTransferred,
		RequestsCount:    info.RequestsCount,
		UptimeSeconds:    time.Since(info.CreatedAt).Seconds(),
		Status:           info.Status,
	})
}

// CloseTunnel is the admin close endpoint.
func CloseTunnel(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	if err := Registry.Close(tunnelID); err != nil {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Tunnel closed successfully",
		"tunnel_id": tunnelID,
	})
}

// AddViewer records a viewer joining a tunnel.
func AddViewer(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	viewerID := chi.URLParam(r, "viewerID")
	if !Registry.AddViewer(tunnelID, viewerID) {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Viewer added",
		"tunnel_id": tunnelID,
		"viewer_id": viewerID,
	})
}

// RemoveViewer records a viewer leaving a tunnel. Removing a viewer from an
// absent tunnel is a no-op.
func RemoveViewer(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelID")
	viewerID := chi.URLParam(r, "viewerID")
	Registry.RemoveViewer(tunnelID, viewerID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Viewer removed",
		"tunnel_id": tunnelID,
		"viewer_id": viewerID,
	})
}
