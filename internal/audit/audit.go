// Package audit records tunnel lifecycle events in a SQLite table.
//
// Every tunnel event (creation, closure, expiry, unhealthy giveup, SSH
// connections and rejected authentications) becomes an Entry row. A
// retention policy (default 90 days) purges old rows on a daily schedule.
// The Auditor is safe for concurrent use; recording failures are logged and
// never propagate to callers.
package audit

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
)

// EventType classifies the kind of tunnel audit event.
type EventType string

const (
	EventCreated    EventType = "tunnel_created"
	EventClosed     EventType = "tunnel_closed"
	EventExpired    EventType = "tunnel_expired"
	EventUnhealthy  EventType = "tunnel_unhealthy"
	EventConnection EventType = "ssh_connection"
	EventAuthFailed EventType = "ssh_auth_failed"
)

// Entry is the GORM model for the tunnel_audit_logs table.
type Entry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	TunnelID  string    `gorm:"index" json:"tunnel_id"`
	UserID    string    `gorm:"index" json:"user_id"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName overrides the GORM table name.
func (Entry) TableName() string {
	return "tunnel_audit_logs"
}

// Auditor manages tunnel audit logging.
type Auditor struct {
	db *gorm.DB

	mu            sync.RWMutex
	retentionDays int
}

// NewAuditor creates an Auditor and auto-migrates the audit table.
// retentionDays controls how long entries are kept (0 = keep forever).
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &Auditor{db: db, retentionDays: retentionDays}, nil
}

// RetentionDays returns the current retention policy in days.
func (a *Auditor) RetentionDays() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.retentionDays
}

// Log records an audit event.
func (a *Auditor) Log(event EventType, tunnelID, userID, details string) {
	entry := Entry{
		EventType: string(event),
		TunnelID:  tunnelID,
		UserID:    userID,
		Details:   details,
	}
	if err := a.db.Create(&entry).Error; err != nil {
		log.Printf("[audit] failed to log event: %v", err)
	}
}

// Recent returns up to limit entries, newest first.
func (a *Auditor) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := a.db.Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// Purge deletes entries older than the retention policy and returns the
// number of rows removed. A zero retention keeps everything.
func (a *Auditor) Purge() (int64, error) {
	days := a.RetentionDays()
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	result := a.db.Where("created_at < ?", cutoff).Delete(&Entry{})
	return result.RowsAffected, result.Error
}
