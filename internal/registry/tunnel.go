package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Status describes a tunnel's lifecycle state. Transitions out of active are
// terminal and remove the tunnel from the registry.
type Status string

const (
	StatusActive    Status = "active"
	StatusUnhealthy Status = "unhealthy"
	StatusClosed    Status = "closed"
)

// Session is the registry's view of the creator's SSH connection.
type Session interface {
	// ForwardPort binds a loopback listener on the given port and starts
	// pumping accepted connections through the SSH connection. Closing the
	// returned listener terminates forwarding.
	ForwardPort(port int) (net.Listener, error)
	// Alive reports whether the underlying SSH connection is still up.
	Alive() bool
}

// TunnelConnection is one live tunnel: the association between a creator's
// SSH session and the public remote port forwarding into their local port.
type TunnelConnection struct {
	TunnelID    string
	UserID      string
	Username    string
	ProjectName string
	LocalPort   int
	RemotePort  int
	CreatedAt   time.Time

	session  Session
	listener net.Listener

	bytesTransferred atomic.Int64
	requestsCount    atomic.Int64

	mu             sync.Mutex
	viewers        map[string]struct{}
	status         Status
	healthFailures int
}

// Info is a point-in-time snapshot of a tunnel, safe to hold without locks.
type Info struct {
	TunnelID         string
	UserID           string
	Username         string
	ProjectName      string
	LocalPort        int
	RemotePort       int
	CreatedAt        time.Time
	ViewersCount     int
	BytesTransferred int64
	RequestsCount    int64
	Status           Status
	HealthFailures   int
}

// Info returns a snapshot of the tunnel's current state.
func (t *TunnelConnection) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		TunnelID:         t.TunnelID,
		UserID:           t.UserID,
		Username:         t.Username,
		ProjectName:      t.ProjectName,
		LocalPort:        t.LocalPort,
		RemotePort:       t.RemotePort,
		CreatedAt:        t.CreatedAt,
		ViewersCount:     len(t.viewers),
		BytesTransferred: t.bytesTransferred.Load(),
		RequestsCount:    t.requestsCount.Load(),
		Status:           t.status,
		HealthFailures:   t.healthFailures,
	}
}

// Alive reports whether the tunnel's SSH session is still up.
func (t *TunnelConnection) Alive() bool {
	return t.session != nil && t.session.Alive()
}

// Age returns how long the tunnel has been live.
func (t *TunnelConnection) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// RecordHealthFailure increments the failure counter and returns the new value.
func (t *TunnelConnection) RecordHealthFailure() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.healthFailures++
	return t.healthFailures
}

// HealthFailures returns the current failure counter.
func (t *TunnelConnection) HealthFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthFailures
}

// ResetHealthFailures zeroes the failure counter. It reports whether the
// counter was nonzero, so callers can log recovery exactly once.
func (t *TunnelConnection) ResetHealthFailures() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	recovered := t.healthFailures > 0
	t.healthFailures = 0
	return recovered
}

func (t *TunnelConnection) addViewer(viewerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewers[viewerID] = struct{}{}
}

func (t *TunnelConnection) removeViewer(viewerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.viewers, viewerID)
}

func (t *TunnelConnection) addStats(bytes int64) {
	t.bytesTransferred.Add(bytes)
	t.requestsCount.Add(1)
}

func (t *TunnelConnection) markClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusClosed
}
