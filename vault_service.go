package tamga

import (
	"encoding/json"

	"github.com/osmn-byhn/tamga/audit"
	"github.com/osmn-byhn/tamga/persist"
)

// State is the position of a vault in its authentication lifecycle.
type State int

const (
	// StateFresh: no salt or validator persisted.
	StateFresh State = iota
	// StateLocked: configured, no key in memory.
	StateLocked
	// StateUnlocked: configured, derived key held in an enclave.
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Credential is one record of the passwords collection.
type Credential struct {
	ID        float64 `json:"id"`
	Platform  string  `json:"platform,omitempty"`
	Username  string  `json:"username,omitempty"`
	Value     string  `json:"value"`
	CreatedAt string  `json:"createdAt,omitempty"`
}

// PasskeyEntry is a passkey or backup code.
type PasskeyEntry struct {
	ID        float64 `json:"id"`
	Label     string  `json:"label"`
	Secret    string  `json:"secret"`
	CreatedAt string  `json:"createdAt,omitempty"`
}

// EnvFile holds the content of one project's .env file.
type EnvFile struct {
	ID          float64 `json:"id"`
	ProjectName string  `json:"projectName"`
	Content     string  `json:"content"`
	CreatedAt   string  `json:"createdAt,omitempty"`
}

// ImportOptions carries the optional credentials for ImportData.
//
// Password is required to restore onto a fresh vault and, on a configured
// vault, selects cross-device mode: the bundle key is derived from Password
// and the bundle's salt (or ManualSalt) instead of using the active key.
//
// ManualSalt is only consulted when the bundle carries no salt of its own,
// which is the case for legacy backups.
type ImportOptions struct {
	Password   string
	ManualSalt []byte
}

// CollectionStats reports what an import did to one slot.
type CollectionStats struct {
	Added       int  `json:"added"`
	Skipped     int  `json:"skipped"`
	Overwritten bool `json:"overwritten,omitempty"`
}

// ImportResult summarises an import. Restored is set when the bundle was
// restored onto a fresh vault rather than merged.
type ImportResult struct {
	Restored      bool                       `json:"restored"`
	Added         int                        `json:"added"`
	Skipped       int                        `json:"skipped"`
	PerCollection map[string]CollectionStats `json:"per_collection"`
}

// VaultService is the surface a UI or CLI drives.
type VaultService interface {
	// Authentication lifecycle

	// SetMasterPassword configures a Fresh vault or re-seals an Unlocked one
	// under the new password. A Locked vault returns ErrLocked; use
	// ChangeMasterPassword there, or RemoveMasterPassword to start over.
	SetMasterPassword(password string) error
	Unlock(password string) (bool, error)
	Lock()
	RemoveMasterPassword() error
	ChangeMasterPassword(current, next string) error
	IsLocked() bool
	HasPassword() bool
	State() State
	Salt() ([]byte, error)

	// Storage facade

	GetData(name string) (json.RawMessage, error)
	UpdateData(name string, value any) error
	SlotName(c Collection) string

	AddCredential(c Credential) (*Credential, error)
	AddOTPURI(uri string) (bool, error)
	AddOTPURIs(uris []string) (added, skipped int, err error)
	AddPasskey(p PasskeyEntry) (*PasskeyEntry, error)
	AddEnvFile(e EnvFile) (*EnvFile, error)

	// Backup

	ExportData() ([]byte, error)
	ImportData(bundle []byte, opts ImportOptions) (*ImportResult, error)
	ExportToStore() (*persist.BackupInfo, error)
	ImportFromStore(backupID string, opts ImportOptions) (*ImportResult, error)
	ListBackups() ([]persist.BackupInfo, error)
	DeleteBackup(backupID string) error

	// Housekeeping

	GetAudit() audit.Logger
	SecureMemoryProtection() string
	Close() error
}
