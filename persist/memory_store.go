package persist

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/osmn-byhn/tamga/internal/crypto"
)

var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	data      []byte
	timestamp time.Time
}

type memoryTenant struct {
	slots   map[string]memoryEntry
	backups map[string]memoryEntry
}

type memoryBackend struct {
	mu      sync.RWMutex
	tenants map[string]*memoryTenant
}

// MemoryStore keeps everything in process memory. It is the equivalent of an
// unpersisted browser storage area: useful for tests and throwaway vaults.
// Stores derived with WithTenant share one backend.
type MemoryStore struct {
	backend  *memoryBackend
	tenantID string
}

func NewMemoryStore(tenantID string) (*MemoryStore, error) {
	backend := &memoryBackend{tenants: make(map[string]*memoryTenant)}
	return newMemoryStore(backend, tenantID)
}

// WithTenant returns a store for tenantID sharing this store's backend.
func (ms *MemoryStore) WithTenant(tenantID string) (*MemoryStore, error) {
	return newMemoryStore(ms.backend, tenantID)
}

func newMemoryStore(backend *memoryBackend, tenantID string) (*MemoryStore, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	backend.mu.Lock()
	if _, ok := backend.tenants[tenantID]; !ok {
		backend.tenants[tenantID] = &memoryTenant{
			slots:   make(map[string]memoryEntry),
			backups: make(map[string]memoryEntry),
		}
	}
	backend.mu.Unlock()

	return &MemoryStore{backend: backend, tenantID: tenantID}, nil
}

// tenant must be called with the backend lock held.
func (ms *MemoryStore) tenant() *memoryTenant {
	t, ok := ms.backend.tenants[ms.tenantID]
	if !ok {
		t = &memoryTenant{
			slots:   make(map[string]memoryEntry),
			backups: make(map[string]memoryEntry),
		}
		ms.backend.tenants[ms.tenantID] = t
	}
	return t
}

func (ms *MemoryStore) ListTenants() ([]string, error) {
	ms.backend.mu.RLock()
	defer ms.backend.mu.RUnlock()

	tenants := make([]string, 0, len(ms.backend.tenants))
	for id := range ms.backend.tenants {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (ms *MemoryStore) DeleteTenant(tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	ms.backend.mu.Lock()
	defer ms.backend.mu.Unlock()

	if _, ok := ms.backend.tenants[tenantID]; !ok {
		return fmt.Errorf("tenant %s not found", tenantID)
	}
	delete(ms.backend.tenants, tenantID)
	return nil
}

func (ms *MemoryStore) Get(name string) (*VersionedData, error) {
	if err := validateSlotName(name); err != nil {
		return nil, err
	}

	ms.backend.mu.RLock()
	defer ms.backend.mu.RUnlock()

	t, ok := ms.backend.tenants[ms.tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	entry, ok := t.slots[name]
	if !ok {
		return nil, ErrNotFound
	}

	return &VersionedData{
		Data:      append([]byte(nil), entry.data...),
		Version:   calculateVersion(entry.data),
		Timestamp: entry.timestamp,
	}, nil
}

func (ms *MemoryStore) Set(name string, data []byte, expectedVersion string) (string, error) {
	if err := validateSlotName(name); err != nil {
		return "", err
	}

	ms.backend.mu.Lock()
	defer ms.backend.mu.Unlock()

	t := ms.tenant()
	var currentVersion string
	if entry, ok := t.slots[name]; ok {
		currentVersion = calculateVersion(entry.data)
	}
	if err := checkVersion("Set", expectedVersion, currentVersion); err != nil {
		return "", err
	}

	t.slots[name] = memoryEntry{
		data:      append([]byte(nil), data...),
		timestamp: time.Now().UTC(),
	}
	return calculateVersion(data), nil
}

func (ms *MemoryStore) Delete(name string) error {
	if err := validateSlotName(name); err != nil {
		return err
	}

	ms.backend.mu.Lock()
	defer ms.backend.mu.Unlock()

	delete(ms.tenant().slots, name)
	return nil
}

func (ms *MemoryStore) Exists(name string) (bool, error) {
	_, err := ms.Get(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (ms *MemoryStore) Keys() ([]string, error) {
	ms.backend.mu.RLock()
	defer ms.backend.mu.RUnlock()

	var keys []string
	if t, ok := ms.backend.tenants[ms.tenantID]; ok {
		for name := range t.slots {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (ms *MemoryStore) Clear() error {
	ms.backend.mu.Lock()
	defer ms.backend.mu.Unlock()

	ms.tenant().slots = make(map[string]memoryEntry)
	return nil
}

func (ms *MemoryStore) SaveBackup(backupID string, bundle []byte) (*BackupInfo, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	ms.backend.mu.Lock()
	defer ms.backend.mu.Unlock()

	entry := memoryEntry{data: append([]byte(nil), bundle...), timestamp: time.Now().UTC()}
	ms.tenant().backups[backupID] = entry
	info := ms.backupInfo(backupID, entry)
	return &info, nil
}

func (ms *MemoryStore) LoadBackup(backupID string) ([]byte, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	ms.backend.mu.RLock()
	defer ms.backend.mu.RUnlock()

	t, ok := ms.backend.tenants[ms.tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	entry, ok := t.backups[backupID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.data...), nil
}

func (ms *MemoryStore) ListBackups() ([]BackupInfo, error) {
	ms.backend.mu.RLock()
	defer ms.backend.mu.RUnlock()

	var backups []BackupInfo
	if t, ok := ms.backend.tenants[ms.tenantID]; ok {
		for id, entry := range t.backups {
			backups = append(backups, ms.backupInfo(id, entry))
		}
	}
	sortBackups(backups)
	return backups, nil
}

func (ms *MemoryStore) DeleteBackup(backupID string) error {
	if err := validateBackupID(backupID); err != nil {
		return err
	}

	ms.backend.mu.Lock()
	defer ms.backend.mu.Unlock()

	backups := ms.tenant().backups
	if _, ok := backups[backupID]; !ok {
		return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
	}
	delete(backups, backupID)
	return nil
}

func (ms *MemoryStore) backupInfo(backupID string, entry memoryEntry) BackupInfo {
	return BackupInfo{
		BackupID:        backupID,
		BackupTimestamp: entry.timestamp,
		FileSize:        int64(len(entry.data)),
		Checksum:        crypto.CalculateChecksum(entry.data),
		TenantID:        ms.tenantID,
		StorePath:       "memory://" + ms.tenantID + "/backups/" + backupID,
	}
}

func (ms *MemoryStore) Ping() error {
	return nil
}

func (ms *MemoryStore) Close() error {
	return nil
}

func (ms *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}

// sortBackups orders newest first.
func sortBackups(backups []BackupInfo) {
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].BackupTimestamp.Equal(backups[j].BackupTimestamp) {
			return backups[i].BackupID > backups[j].BackupID
		}
		return backups[i].BackupTimestamp.After(backups[j].BackupTimestamp)
	})
}
