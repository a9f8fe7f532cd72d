package tamga

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/osmn-byhn/tamga/audit"
	"github.com/osmn-byhn/tamga/persist"
)

const DefaultProfile = "default"

var _ ManagerService = (*Manager)(nil)

// Manager keeps the open vaults of several profiles.
//
// Every profile gets its own store from storeFactory, scoped to a tenant named
// after the profile, and all vaults share the manager's audit logger. Vaults
// are created lazily by GetVault and cached until CloseVault, DeleteProfile
// or CloseAll.
type Manager struct {
	options      Options
	storeFactory func(profile string) (persist.Store, error)
	mu           sync.RWMutex
	vaults       map[string]*Vault
	audit        audit.Logger
	log          zerolog.Logger
}

// NewManagerWithStoreFactory creates a manager that obtains each profile's
// store from storeFactory.
func NewManagerWithStoreFactory(options Options, storeFactory func(profile string) (persist.Store, error), auditLogger audit.Logger) *Manager {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	return &Manager{
		options:      options,
		storeFactory: storeFactory,
		vaults:       make(map[string]*Vault),
		audit:        auditLogger,
		log:          logger.With().Str("component", "manager").Logger(),
	}
}

// NewManagerWithStoreConfig creates a manager whose profiles live in the
// backend described by storeConfig.
func NewManagerWithStoreConfig(options Options, storeConfig persist.StoreConfig, auditLogger audit.Logger) *Manager {
	return NewManagerWithStoreFactory(options, persist.NewStoreFactory(storeConfig), auditLogger)
}

// NewManagerFileStore creates a manager keeping every profile in a directory
// under basePath.
func NewManagerFileStore(options Options, basePath string, auditLogger audit.Logger) *Manager {
	return NewManagerWithStoreFactory(options, func(profile string) (persist.Store, error) {
		return persist.NewFileSystemStore(basePath, profile)
	}, auditLogger)
}

// NewManagerS3Store creates a manager keeping every profile under its own
// prefix of an S3 bucket.
func NewManagerS3Store(options Options, config persist.S3Config, auditLogger audit.Logger) (*Manager, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	return NewManagerWithStoreFactory(options, func(profile string) (persist.Store, error) {
		return persist.NewS3Store(config, profile)
	}, auditLogger), nil
}

func (m *Manager) GetVault(profile string) (*Vault, error) {
	if profile == "" {
		profile = DefaultProfile
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if vault, exists := m.vaults[profile]; exists {
		return vault, nil
	}

	store, err := m.storeFactory(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to create store for profile %s: %w", profile, err)
	}

	vault, err := NewWithStore(m.options, store, m.audit, profile)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open vault for profile %s: %w", profile, err)
	}
	vault.sharedAudit = true

	m.vaults[profile] = vault
	m.logAudit(m.newRequestID(), audit.ActionProfileCreate, profile, nil, map[string]interface{}{
		"store_type": store.GetType(),
		"state":      vault.State().String(),
	})
	return vault, nil
}

func (m *Manager) ListProfiles() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for profile := range m.vaults {
		seen[profile] = true
	}

	err := m.withStore(DefaultProfile, func(store persist.Store) error {
		tenants, err := store.ListTenants()
		if err != nil {
			return err
		}
		for _, t := range tenants {
			seen[t] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	profiles := make([]string, 0, len(seen))
	for p := range seen {
		profiles = append(profiles, p)
	}
	sort.Strings(profiles)
	return profiles, nil
}

func (m *Manager) DeleteProfile(profile string) error {
	if profile == "" {
		return fmt.Errorf("profile cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	requestID := m.newRequestID()

	var errs []error
	if vault, exists := m.vaults[profile]; exists {
		delete(m.vaults, profile)
		if err := vault.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close vault: %w", err))
		}
	}

	err := m.withStore(profile, func(store persist.Store) error {
		return store.DeleteTenant(profile)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to delete profile data: %w", err))
	}

	err = errors.Join(errs...)
	m.logAudit(requestID, audit.ActionProfileDelete, profile, err, nil)
	if err != nil {
		return fmt.Errorf("profile %s: %w", profile, err)
	}
	return nil
}

// withStore runs fn on the store of profile's open vault, or on a store
// created for profile and closed afterwards. Must be called with m.mu held.
func (m *Manager) withStore(profile string, fn func(persist.Store) error) error {
	if vault, ok := m.vaults[profile]; ok {
		return fn(vault.store)
	}

	store, err := m.storeFactory(profile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			m.log.Warn().Err(cerr).Msg("failed to close store")
		}
	}()
	return fn(store)
}

func (m *Manager) CloseVault(profile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vault, exists := m.vaults[profile]
	if !exists {
		return fmt.Errorf("profile %s is not open", profile)
	}
	delete(m.vaults, profile)
	return vault.Close()
}

// CloseAll closes every open vault and then the audit logger.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for profile, vault := range m.vaults {
		if err := vault.Close(); err != nil {
			errs = append(errs, fmt.Errorf("profile %s: %w", profile, err))
		}
		delete(m.vaults, profile)
	}

	if err := m.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager) QueryAuditLogs(options audit.QueryOptions) (audit.QueryResult, error) {
	return m.audit.Query(options)
}

// GetAuditSummary counts the audit events of profile since the given time
// (all of them when since is nil).
func (m *Manager) GetAuditSummary(profile string, since *time.Time) (AuditSummary, error) {
	summary := AuditSummary{Profile: profile}

	result, err := m.audit.Query(audit.QueryOptions{
		Profile: profile,
		Since:   since,
		Limit:   10000,
	})
	if err != nil {
		return summary, err
	}

	summary.TotalEvents = len(result.Events)
	for _, event := range result.Events {
		if event.Success {
			summary.SuccessfulEvents++
		} else {
			summary.FailedEvents++
		}

		switch {
		case event.Action == audit.ActionAuthFailure:
			summary.AuthEvents++
			summary.FailedUnlocks++
		case audit.IsAuthAction(event.Action):
			summary.AuthEvents++
		case event.Action == audit.ActionDataWrite:
			summary.DataWrites++
		case event.Action == audit.ActionBackupExport,
			event.Action == audit.ActionBackupImport,
			event.Action == audit.ActionBackupDelete:
			summary.BackupOperations++
		}

		if event.Timestamp.After(summary.LastActivity) {
			summary.LastActivity = event.Timestamp
		}
	}

	return summary, nil
}

func (m *Manager) logAudit(requestID, action, profile string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["profile"] = profile
	metadata["user_id"] = m.options.UserID
	metadata["request_id"] = requestID

	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := m.audit.Log(action, err == nil, metadata); auditErr != nil {
		m.log.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
}

func (m *Manager) newRequestID() string {
	return uuid.NewString()
}
