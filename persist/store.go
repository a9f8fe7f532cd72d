package persist

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by Get and LoadBackup when the named slot or backup
// does not exist.
var ErrNotFound = errors.New("persist: not found")

// VersionedData is the content of a slot together with its opaque version.
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// Store is the key-value collaborator a vault persists into. Slot values are
// opaque bytes; the vault only ever writes salt arrays and sealed envelopes.
// Each Store is scoped to one tenant (vault profile).
type Store interface {
	// Tenant management

	ListTenants() ([]string, error)

	DeleteTenant(tenantID string) error

	// Slots

	// Get returns ErrNotFound when name has never been set.
	Get(name string) (*VersionedData, error)

	// Set replaces the slot wholesale. A non-empty expectedVersion must match
	// the current version or a ConcurrencyError is returned.
	Set(name string, data []byte, expectedVersion string) (newVersion string, err error)

	// Delete is a no-op for an absent slot.
	Delete(name string) error

	Exists(name string) (bool, error)

	Keys() ([]string, error)

	// Clear removes every slot of the tenant. Backups are kept.
	Clear() error

	// Backup artifacts

	SaveBackup(backupID string, bundle []byte) (*BackupInfo, error)

	LoadBackup(backupID string) ([]byte, error)

	ListBackups() ([]BackupInfo, error)

	DeleteBackup(backupID string) error

	// Lifecycle

	Ping() error // Test connectivity for remote backends

	Close() error

	GetType() string
}

// BackupInfo describes one exported bundle kept in a store.
type BackupInfo struct {
	BackupID string `json:"backup_id"`

	BackupTimestamp time.Time `json:"backup_timestamp"`

	FileSize int64 `json:"file_size"`

	Checksum string `json:"checksum"`

	TenantID string `json:"tenant_id"`

	StorePath string `json:"store_path"` // Store-agnostic path/identifier
}

type StoreConfig struct {
	Type StoreType `json:"type"`

	Config map[string]interface{} `json:"config"`
}

type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"

	StoreTypeBolt StoreType = "bolt"

	StoreTypeS3 StoreType = "s3"

	StoreTypeMemory StoreType = "memory"
)

type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

func validateSlotName(name string) error {
	if name == "" {
		return fmt.Errorf("slot name cannot be empty")
	}
	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/\\ ") ||
		strings.HasPrefix(name, ".") {
		return fmt.Errorf("slot name %q contains invalid characters", name)
	}
	if len(name) > 200 {
		return fmt.Errorf("slot name too long (max 200 characters)")
	}
	return nil
}

func validateBackupID(backupID string) error {
	if err := validateSlotName(backupID); err != nil {
		return fmt.Errorf("invalid backup ID: %w", err)
	}
	return nil
}

func checkVersion(operation, expectedVersion, currentVersion string) error {
	if expectedVersion != "" && currentVersion != expectedVersion {
		return ConcurrencyError{
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
			Operation:       operation,
		}
	}
	return nil
}
