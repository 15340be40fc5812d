package audit

import (
	"sync"

	"gorm.io/gorm"
)

var (
	globalAuditor *Auditor
	registryMu    sync.RWMutex
)

// InitGlobal creates and stores the global Auditor instance.
// Call this once during application startup after the database is initialized.
func InitGlobal(db *gorm.DB, retentionDays int) error {
	a, err := NewAuditor(db, retentionDays)
	if err != nil {
		return err
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = a
	return nil
}

// Get returns the global Auditor instance, or nil if auditing is disabled.
func Get() *Auditor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalAuditor
}

// SetGlobalForTest sets the global Auditor for tests.
func SetGlobalForTest(a *Auditor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = a
}

// ResetGlobalForTest clears the global Auditor.
func ResetGlobalForTest() {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = nil
}

// Record logs an event through the global Auditor when one is configured.
func Record(event EventType, tunnelID, userID, details string) {
	if a := Get(); a != nil {
		a.Log(event, tunnelID, userID, details)
	}
}
