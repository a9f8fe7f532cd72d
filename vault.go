package tamga

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/osmn-byhn/tamga/audit"
	"github.com/osmn-byhn/tamga/internal/mem"
	"github.com/osmn-byhn/tamga/persist"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second
)

var _ VaultService = (*Vault)(nil)

// Vault is one master-password protected vault living in a persist.Store.
//
// The derived key is the only shared mutable resource. It lives in a memguard
// enclave and is replaced or dropped only under the write lock, so once Lock,
// RemoveMasterPassword or Close return no other call can still use it.
// Writes to a single slot are not serialized beyond the store's optimistic
// versions; callers that update the same collection concurrently must
// serialize themselves.
type Vault struct {
	store persist.Store
	audit audit.Logger
	log   zerolog.Logger
	mu    sync.RWMutex

	namespace  string
	iterations int

	key   *memguard.Enclave
	state State

	memoryProtectionLevel mem.ProtectionLevel

	userID  string
	profile string

	// sharedAudit is set when the audit logger belongs to a Manager.
	sharedAudit bool
	closed      bool
}

// RetryConfig configures retry behavior for concurrent operations
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// NewWithStore opens the vault kept in store for profile.
//
// Before looking at the vault it runs the one-time migration of predecessor
// slot names (see MigrateLegacyNamespace). The vault then starts Locked when
// salt and validator are both present and Fresh when both are absent, in
// which case the predecessor's stray "sphinx-app-lock" slot is removed. A
// vault with only one of the two starts Locked and every Unlock reports
// ErrCorruptedState; RemoveMasterPassword is the way out.
//
// A nil auditLogger disables auditing. An empty profile means "default".
//
// Example:
//
//	store, _ := persist.NewFileSystemStore("/home/me/.tamga", "default")
//	v, err := tamga.NewWithStore(tamga.Options{}, store, nil, "default")
//	if err != nil {
//	    return err
//	}
//	defer v.Close()
//	ok, err := v.Unlock(password)
func NewWithStore(options Options, store persist.Store, auditLogger audit.Logger, profile string) (*Vault, error) {
	if err := validateOptions(options); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if profile == "" {
		profile = "default"
	}

	userID := options.UserID
	if userID == "" {
		userID = "system"
	}

	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	v := &Vault{
		store:      store,
		audit:      auditLogger,
		log:        logger.With().Str("component", "vault").Str("profile", profile).Logger(),
		namespace:  options.namespace(),
		iterations: options.iterations(),
		state:      StateFresh,
		userID:     userID,
		profile:    profile,

		memoryProtectionLevel: mem.ProtectionPartial,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			v.log.Warn().Err(err).Msg("cannot fully protect memory, key material stays in memguard enclaves")
		}
		v.memoryProtectionLevel = level
	}

	requestID := v.newRequestID()

	migrated, err := MigrateLegacyNamespace(store, v.namespace)
	if err != nil {
		v.logAudit(requestID, audit.ActionMigrate, err, nil)
		return nil, fmt.Errorf("failed to migrate legacy slots: %w", err)
	}
	if migrated > 0 {
		v.log.Info().Int("slots", migrated).Msg("migrated predecessor slots")
		v.logAudit(requestID, audit.ActionMigrate, nil, map[string]interface{}{
			"slots": migrated,
		})
	}

	if err = v.detectState(); err != nil {
		return nil, err
	}

	v.log.Debug().
		Str("state", v.state.String()).
		Str("store_type", store.GetType()).
		Str("memory_protection", v.memoryProtectionLevel.String()).
		Msg("vault opened")

	return v, nil
}

func (v *Vault) detectState() error {
	hasSalt, err := v.store.Exists(v.saltSlot())
	if err != nil {
		return fmt.Errorf("failed to check salt: %w", err)
	}
	hasValidator, err := v.store.Exists(v.validatorSlot())
	if err != nil {
		return fmt.Errorf("failed to check validator: %w", err)
	}

	switch {
	case hasSalt && hasValidator:
		v.state = StateLocked
	case !hasSalt && !hasValidator:
		v.state = StateFresh
		if err = v.store.Delete(legacyAppLockSlot); err != nil {
			v.log.Warn().Err(err).Msg("failed to remove stale app lock slot")
		}
	default:
		v.state = StateLocked
		v.log.Warn().Bool("salt", hasSalt).Bool("validator", hasValidator).Msg("vault is half configured")
	}
	return nil
}

// GetAudit returns the audit logger the vault records into.
func (v *Vault) GetAudit() audit.Logger {
	return v.audit
}

// SecureMemoryProtection describes how well key material is kept out of swap.
func (v *Vault) SecureMemoryProtection() string {
	switch v.memoryProtectionLevel {
	case mem.ProtectionNone:
		return "None - sensitive data may be swapped to disk"
	case mem.ProtectionPartial:
		return "Partial - key held in memguard enclaves, pages may swap"
	case mem.ProtectionFull:
		return "Full - memory locked and protected from swapping"
	default:
		return "Unknown"
	}
}

// Close drops the key and releases the store and audit logger. The vault
// cannot be used afterwards.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	v.key = nil
	if v.state == StateUnlocked {
		v.state = StateLocked
	}

	var errs []error
	if err := v.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if v.sharedAudit {
		return errors.Join(errs...)
	}
	if err := v.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	return errors.Join(errs...)
}

func (v *Vault) saltSlot() string {
	return v.namespace + "-salt"
}

func (v *Vault) validatorSlot() string {
	return v.namespace + "-validator"
}

func (v *Vault) isReservedSlot(name string) bool {
	return name == v.saltSlot() || name == v.validatorSlot()
}

// readSlot returns nil, nil for an absent slot.
func (v *Vault) readSlot(name string) ([]byte, error) {
	data, err := v.store.Get(name)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read slot %s: %w", name, err)
	}
	return data.Data, nil
}

func (v *Vault) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if v.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["profile"] = v.profile
	metadata["user_id"] = v.userID
	metadata["request_id"] = requestID
	metadata["namespace"] = v.namespace

	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := v.audit.Log(action, err == nil, metadata); auditErr != nil {
		v.log.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
}

func (v *Vault) newRequestID() string {
	return uuid.NewString()
}

// withRetry executes an operation with exponential backoff retry on concurrency conflicts
func (v *Vault) withRetry(operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var concErr interface{ IsConcurrencyError() bool }
		if !errors.As(err, &concErr) || !concErr.IsConcurrencyError() {
			return err
		}

		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		delay := config.BaseDelay * (1 << attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}

		// 25% jitter
		delay += time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))

		v.log.Debug().Str("operation", operation).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying after version conflict")
		time.Sleep(delay)
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

// saveSlotWithRetry replaces a slot with optimistic concurrency control.
func (v *Vault) saveSlotWithRetry(name string, data []byte) error {
	return v.withRetry("save "+name, func() error {
		var currentVersion string
		current, err := v.store.Get(name)
		switch {
		case err == nil:
			currentVersion = current.Version
		case !errors.Is(err, persist.ErrNotFound):
			return err
		}

		_, err = v.store.Set(name, data, currentVersion)
		return err
	})
}
