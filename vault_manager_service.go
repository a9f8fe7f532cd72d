package tamga

import (
	"time"

	"github.com/osmn-byhn/tamga/audit"
)

// AuditSummary aggregates the audit trail of one profile.
//
//	TotalEvents:      every recorded event in the window
//	FailedEvents:     events recorded with success=false
//	AuthEvents:       unlock, lock and master password events
//	FailedUnlocks:    rejected passwords
//	DataWrites:       collection updates
//	BackupOperations: exports, imports and deletions
//	LastActivity:     timestamp of the newest event
type AuditSummary struct {
	Profile          string    `json:"profile"`
	TotalEvents      int       `json:"total_events"`
	SuccessfulEvents int       `json:"successful_events"`
	FailedEvents     int       `json:"failed_events"`
	AuthEvents       int       `json:"auth_events"`
	FailedUnlocks    int       `json:"failed_unlocks"`
	DataWrites       int       `json:"data_writes"`
	BackupOperations int       `json:"backup_operations"`
	LastActivity     time.Time `json:"last_activity"`
}

// ManagerService hands out one Vault per profile. Profiles are isolated:
// each has its own salt, password and collections in its own tenant of the
// store.
type ManagerService interface {
	// GetVault opens the vault of profile, creating the profile on first use.
	// The same *Vault is returned until the profile is closed.
	GetVault(profile string) (*Vault, error)

	// ListProfiles returns every profile known to the store plus the open ones.
	ListProfiles() ([]string, error)

	// DeleteProfile closes the profile's vault and removes all of its data,
	// backups included.
	DeleteProfile(profile string) error

	CloseVault(profile string) error
	CloseAll() error

	QueryAuditLogs(options audit.QueryOptions) (audit.QueryResult, error)
	GetAuditSummary(profile string, since *time.Time) (AuditSummary, error)
}
