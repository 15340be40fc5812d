// Package registry is the authoritative in-memory store of live tunnels.
//
// A Registry owns tunnel lifecycle end to end: admission checks, remote port
// allocation, installing the forwarding listener on the creator's SSH
// session, and the exactly-once teardown that releases the port and notifies
// the backend. HTTP proxy workers, the SSH server and the background
// monitors all mutate it concurrently; a single RWMutex covers the maps and
// per-record counters use atomics.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hexagonlabs/tunneld/internal/audit"
	"github.com/hexagonlabs/tunneld/internal/logutil"
	"github.com/hexagonlabs/tunneld/internal/ports"
)

var (
	// ErrPortExhausted means the allocator's free set is empty.
	ErrPortExhausted = errors.New("no available ports")
	// ErrDuplicateProject means the (username, project) pair is already live.
	ErrDuplicateProject = errors.New("project already has a live tunnel")
	// ErrLimitExceeded means the user hit MAX_TUNNELS_PER_USER.
	ErrLimitExceeded = errors.New("per-user tunnel limit exceeded")
	// ErrForwardingRejected means the SSH session refused the port forward.
	ErrForwardingRejected = errors.New("remote port forwarding rejected")
	// ErrTunnelNotFound means the tunnel id is not live.
	ErrTunnelNotFound = errors.New("tunnel not found")
)

// Events receives tunnel lifecycle notifications. Implementations must not
// panic; delivery failures are their own problem.
type Events interface {
	TunnelCreated(t Info)
	TunnelClosed(t Info, duration time.Duration)
}

// CreateParams carries the tunnel intent extracted from SSH credentials.
type CreateParams struct {
	TunnelID    string
	UserID      string
	Username    string
	ProjectName string
	LocalPort   int
}

// Registry maps tunnel ids to live TunnelConnection records, with a
// secondary index by (username, project).
type Registry struct {
	alloc      *ports.Allocator
	events     Events
	maxPerUser int

	mu        sync.RWMutex
	tunnels   map[string]*TunnelConnection
	byProject map[string]*TunnelConnection
	// reserved holds (username, project) keys for creations in flight, so
	// concurrent creates for the same project fail admission without a
	// half-built record ever being visible to readers. Value is the user id
	// for the per-user limit check.
	reserved map[string]string
}

// New creates an empty Registry. maxPerUser <= 0 disables the per-user limit.
func New(alloc *ports.Allocator, events Events, maxPerUser int) *Registry {
	return &Registry{
		alloc:      alloc,
		events:     events,
		maxPerUser: maxPerUser,
		tunnels:    make(map[string]*TunnelConnection),
		byProject:  make(map[string]*TunnelConnection),
		reserved:   make(map[string]string),
	}
}

func projectKey(username, project string) string {
	return username + "/" + project
}

// Create admits and registers a new tunnel: checks uniqueness and the
// per-user limit, allocates a remote port, asks the SSH session to start
// forwarding on it, and inserts the record. On any failure the port is
// released and nothing is stored.
func (r *Registry) Create(params CreateParams, session Session) (*TunnelConnection, error) {
	key := projectKey(params.Username, params.ProjectName)

	if err := r.reserve(key, params); err != nil {
		return nil, err
	}

	port, ok := r.alloc.Allocate()
	if !ok {
		r.unreserve(key)
		return nil, ErrPortExhausted
	}

	// Network round-trip; no registry lock held here.
	listener, err := session.ForwardPort(port)
	if err != nil {
		r.alloc.Release(port)
		r.unreserve(key)
		return nil, fmt.Errorf("%w: %v", ErrForwardingRejected, err)
	}

	t := &TunnelConnection{
		TunnelID:    params.TunnelID,
		UserID:      params.UserID,
		Username:    params.Username,
		ProjectName: params.ProjectName,
		LocalPort:   params.LocalPort,
		RemotePort:  port,
		CreatedAt:   time.Now(),
		session:     session,
		listener:    listener,
		viewers:     make(map[string]struct{}),
		status:      StatusActive,
	}

	r.mu.Lock()
	delete(r.reserved, key)
	if _, dup := r.tunnels[params.TunnelID]; dup {
		r.mu.Unlock()
		listener.Close()
		r.alloc.Release(port)
		return nil, fmt.Errorf("%w: tunnel id %s", ErrDuplicateProject, params.TunnelID)
	}
	r.tunnels[params.TunnelID] = t
	r.byProject[key] = t
	r.mu.Unlock()

	log.Printf("[registry] tunnel %s created for %s/%s: remote port %d -> localhost:%d",
		logutil.SanitizeForLog(params.TunnelID), logutil.SanitizeForLog(params.Username),
		logutil.SanitizeForLog(params.ProjectName), port, params.LocalPort)
	audit.Record(audit.EventCreated, params.TunnelID, params.UserID,
		fmt.Sprintf("%s/%s on remote port %d", params.Username, params.ProjectName, port))

	if r.events != nil {
		r.events.TunnelCreated(t.Info())
	}
	return t, nil
}

// reserve performs the admission checks under the write lock and claims the
// project key for the duration of the create.
func (r *Registry) reserve(key string, params CreateParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.byProject[key]; live {
		return ErrDuplicateProject
	}
	if _, pending := r.reserved[key]; pending {
		return ErrDuplicateProject
	}
	if r.maxPerUser > 0 {
		count := 0
		for _, t := range r.tunnels {
			if t.UserID == params.UserID {
				count++
			}
		}
		for _, uid := range r.reserved {
			if uid == params.UserID {
				count++
			}
		}
		if count >= r.maxPerUser {
			return ErrLimitExceeded
		}
	}
	r.reserved[key] = params.UserID
	return nil
}

func (r *Registry) unreserve(key string) {
	r.mu.Lock()
	delete(r.reserved, key)
	r.mu.Unlock()
}

// Close tears down a tunnel: removes it from the registry, closes the
// forwarding listener, releases the port and emits the closed webhook with
// final counters. Idempotent; concurrent callers race for the removal and
// only the winner performs side effects.
func (r *Registry) Close(tunnelID string) error {
	r.mu.Lock()
	t, ok := r.tunnels[tunnelID]
	if !ok {
		r.mu.Unlock()
		return ErrTunnelNotFound
	}
	delete(r.tunnels, tunnelID)
	delete(r.byProject, projectKey(t.Username, t.ProjectName))
	r.mu.Unlock()

	t.markClosed()

	// The listener must be fully closed before the port can be handed out
	// again, or a new tunnel could race the old accept loop.
	if t.listener != nil {
		t.listener.Close()
	}
	r.alloc.Release(t.RemotePort)

	info := t.Info()
	duration := time.Since(t.CreatedAt)
	log.Printf("[registry] tunnel %s closed after %s (%d requests, %d bytes)",
		logutil.SanitizeForLog(tunnelID), duration.Round(time.Second),
		info.RequestsCount, info.BytesTransferred)
	audit.Record(audit.EventClosed, tunnelID, t.UserID,
		fmt.Sprintf("%d requests, %d bytes, %d viewers", info.RequestsCount, info.BytesTransferred, info.ViewersCount))

	if r.events != nil {
		r.events.TunnelClosed(info, duration)
	}
	return nil
}

// CloseAll closes every live tunnel. Used during shutdown.
func (r *Registry) CloseAll() {
	for _, t := range r.Tunnels() {
		if err := r.Close(t.TunnelID); err != nil && !errors.Is(err, ErrTunnelNotFound) {
			log.Printf("[registry] close %s: %v", logutil.SanitizeForLog(t.TunnelID), err)
		}
	}
}

// Get returns the live tunnel with the given id.
func (r *Registry) Get(tunnelID string) (*TunnelConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[tunnelID]
	return t, ok
}

// GetByUserProject returns the live tunnel for (username, project).
func (r *Registry) GetByUserProject(username, project string) (*TunnelConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byProject[projectKey(username, project)]
	return t, ok
}

// Tunnels returns the live tunnel records at this instant.
func (r *Registry) Tunnels() []*TunnelConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TunnelConnection, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// List returns snapshots of all live tunnels.
func (r *Registry) List() []Info {
	tunnels := r.Tunnels()
	out := make([]Info, 0, len(tunnels))
	for _, t := range tunnels {
		out = append(out, t.Info())
	}
	return out
}

// ListByUser returns snapshots of the user's live tunnels.
func (r *Registry) ListByUser(userID string) []Info {
	out := []Info{}
	for _, t := range r.Tunnels() {
		if t.UserID == userID {
			out = append(out, t.Info())
		}
	}
	return out
}

// Count returns the number of live tunnels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// AddViewer records a viewer on the tunnel. Returns false if the tunnel is
// not live.
func (r *Registry) AddViewer(tunnelID, viewerID string) bool {
	t, ok := r.Get(tunnelID)
	if !ok {
		return false
	}
	t.addViewer(viewerID)
	return true
}

// RemoveViewer removes a viewer from the tunnel. Removing an absent viewer
// or a viewer of a closed tunnel is a no-op.
func (r *Registry) RemoveViewer(tunnelID, viewerID string) {
	if t, ok := r.Get(tunnelID); ok {
		t.removeViewer(viewerID)
	}
}

// UpdateStats adds bytes to the tunnel's transfer counter and bumps its
// request count by one.
func (r *Registry) UpdateStats(tunnelID string, bytes int64) {
	if t, ok := r.Get(tunnelID); ok {
		t.addStats(bytes)
	}
}
