package tamga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"github.com/osmn-byhn/tamga/audit"
	"github.com/osmn-byhn/tamga/internal/crypto"
	"github.com/osmn-byhn/tamga/internal/misc"
)

var errAuthFailed = errors.New("authentication failed")

// CurrentValidatorToken is sealed into the validator slot whenever a key is
// (re)established.
const CurrentValidatorToken = "tamga-valid-token"

// ValidatorTokens lists every plaintext accepted from the validator slot,
// current first. "sphinx-valid-token" was written by the predecessor app.
var ValidatorTokens = []string{CurrentValidatorToken, "sphinx-valid-token"}

func isValidatorToken(s string) bool {
	for _, t := range ValidatorTokens {
		if s == t {
			return true
		}
	}
	return false
}

// SetMasterPassword protects the vault with password.
//
// On a fresh vault it creates a random salt, derives the key, seals the
// validator token and persists salt and validator. The vault ends Unlocked.
//
// On an unlocked vault it changes the password: every slot readable with the
// current key is re-sealed under a key derived from password and a new salt,
// and previous contents are put back if any write fails.
//
// A locked vault returns ErrLocked since nothing can be re-sealed without the
// current key. Use ChangeMasterPassword instead.
func (v *Vault) SetMasterPassword(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}

	requestID := v.newRequestID()

	switch v.state {
	case StateLocked:
		return ErrLocked
	case StateUnlocked:
		err := v.rotate(v.key, password)
		v.logAudit(requestID, audit.ActionPasswordChange, err, nil)
		return err
	}

	err := v.initialize(password)
	v.logAudit(requestID, audit.ActionInitialize, err, nil)
	return err
}

func (v *Vault) initialize(password string) error {
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}

	start := time.Now()
	key, err := crypto.DeriveKey([]byte(password), salt, v.iterations)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}
	v.log.Debug().Dur("took", time.Since(start)).Msg("derived key")

	if err = v.writeCredentials(key, salt); err != nil {
		// a half written pair would leave the vault corrupted
		_ = v.store.Delete(v.saltSlot())
		_ = v.store.Delete(v.validatorSlot())
		return err
	}

	v.key = key
	v.state = StateUnlocked
	return nil
}

// writeCredentials persists the salt first and the validator sealed under
// key second.
func (v *Vault) writeCredentials(key *memguard.Enclave, salt []byte) error {
	validator, err := crypto.SealWithEnclave(key, CurrentValidatorToken)
	if err != nil {
		return fmt.Errorf("failed to seal validator: %w", err)
	}

	saltJSON, err := json.Marshal(crypto.ByteArray(salt))
	if err != nil {
		return fmt.Errorf("failed to encode salt: %w", err)
	}

	if err = v.saveSlotWithRetry(v.saltSlot(), saltJSON); err != nil {
		return fmt.Errorf("failed to save salt: %w", err)
	}
	if err = v.saveSlotWithRetry(v.validatorSlot(), []byte(validator)); err != nil {
		return fmt.Errorf("failed to save validator: %w", err)
	}
	return nil
}

// Unlock derives a key from password and the stored salt and keeps it if the
// stored validator opens to an accepted token.
//
// A wrong password returns (false, nil) and changes nothing; the reason is
// never exposed. Unlocking a vault that has no password returns (true, nil).
// Storage failures and a vault holding only one of salt and validator
// return an error.
func (v *Vault) Unlock(password string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return false, ErrVaultClosed
	}

	requestID := v.newRequestID()

	salt, validator, err := v.loadCredentials()
	if err != nil {
		v.logAudit(requestID, audit.ActionUnlock, err, nil)
		return false, err
	}

	if salt == nil && validator == nil {
		if v.state == StateFresh {
			return true, nil
		}
		v.logAudit(requestID, audit.ActionUnlock, ErrCorruptedState, nil)
		return false, ErrCorruptedState
	}

	if password == "" {
		v.logAudit(requestID, audit.ActionAuthFailure, errAuthFailed, map[string]interface{}{"operation": "unlock"})
		return false, nil
	}

	key, ok := v.verifyPassword(password, salt, validator)
	if !ok {
		v.logAudit(requestID, audit.ActionAuthFailure, errAuthFailed, map[string]interface{}{"operation": "unlock"})
		return false, nil
	}

	v.key = key
	v.state = StateUnlocked
	v.logAudit(requestID, audit.ActionUnlock, nil, nil)
	return true, nil
}

// loadCredentials returns the decoded salt and raw validator. Both nil means
// neither slot exists; exactly one nil is ErrCorruptedState.
func (v *Vault) loadCredentials() ([]byte, []byte, error) {
	rawSalt, err := v.readSlot(v.saltSlot())
	if err != nil {
		return nil, nil, err
	}
	validator, err := v.readSlot(v.validatorSlot())
	if err != nil {
		return nil, nil, err
	}

	if rawSalt == nil && validator == nil {
		return nil, nil, nil
	}
	if rawSalt == nil || validator == nil {
		return nil, nil, ErrCorruptedState
	}

	var salt crypto.ByteArray
	if err = json.Unmarshal(rawSalt, &salt); err != nil {
		return nil, nil, fmt.Errorf("%w: unreadable salt: %v", ErrCorruptedState, err)
	}
	if len(salt) != misc.SaltSize {
		return nil, nil, fmt.Errorf("%w: salt is %d bytes", ErrCorruptedState, len(salt))
	}
	return salt, validator, nil
}

func (v *Vault) verifyPassword(password string, salt, validator []byte) (*memguard.Enclave, bool) {
	start := time.Now()
	key, err := crypto.DeriveKey([]byte(password), salt, v.iterations)
	if err != nil {
		v.log.Warn().Err(err).Msg("key derivation failed")
		return nil, false
	}
	v.log.Debug().Dur("took", time.Since(start)).Msg("derived key")

	return key, v.checkValidator(key, validator)
}

func (v *Vault) checkValidator(key *memguard.Enclave, validator []byte) bool {
	plain, err := crypto.OpenWithEnclave(key, string(validator))
	if err != nil {
		return false
	}
	var token string
	if err = json.Unmarshal(plain, &token); err != nil {
		return false
	}
	return isValidatorToken(token)
}

// Lock drops the derived key. It only acts on an unlocked vault and may be
// called any number of times.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateUnlocked {
		return
	}
	v.key = nil
	v.state = StateLocked
	v.logAudit(v.newRequestID(), audit.ActionLock, nil, nil)
}

// RemoveMasterPassword wipes every slot of the vault, salt and validator
// included, and returns it to the fresh state. Backups in the store's backup
// area are kept. A storage failure leaves the state untouched and is returned.
func (v *Vault) RemoveMasterPassword() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}

	requestID := v.newRequestID()

	if err := v.store.Clear(); err != nil {
		err = fmt.Errorf("failed to wipe vault: %w", err)
		v.logAudit(requestID, audit.ActionPasswordRemove, err, nil)
		return err
	}

	v.key = nil
	v.state = StateFresh
	v.logAudit(requestID, audit.ActionPasswordRemove, nil, nil)
	return nil
}

// ChangeMasterPassword verifies current and re-seals the vault under next
// with a new salt. It works on a locked or unlocked vault and leaves it
// unlocked with the new key. On failure the previous contents are restored
// and the state is unchanged.
func (v *Vault) ChangeMasterPassword(current, next string) error {
	if next == "" {
		return ErrEmptyPassword
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}

	requestID := v.newRequestID()

	if v.state == StateFresh {
		return ErrNotConfigured
	}

	salt, validator, err := v.loadCredentials()
	if err != nil {
		v.logAudit(requestID, audit.ActionPasswordChange, err, nil)
		return err
	}
	if salt == nil {
		v.logAudit(requestID, audit.ActionPasswordChange, ErrCorruptedState, nil)
		return ErrCorruptedState
	}

	oldKey, ok := v.verifyPassword(current, salt, validator)
	if !ok {
		v.logAudit(requestID, audit.ActionAuthFailure, errAuthFailed, map[string]interface{}{"operation": "change_password"})
		return ErrWrongPassword
	}

	err = v.rotate(oldKey, next)
	v.logAudit(requestID, audit.ActionPasswordChange, err, nil)
	return err
}

type slotSnapshot struct {
	name     string
	previous []byte
	plain    json.RawMessage
}

// rotate re-seals every slot readable with oldKey under a key derived from
// password and a new salt. Must be called with v.mu held.
func (v *Vault) rotate(oldKey *memguard.Enclave, password string) error {
	names, err := v.store.Keys()
	if err != nil {
		return fmt.Errorf("failed to list slots: %w", err)
	}

	var snapshots []slotSnapshot
	for _, name := range names {
		if v.isReservedSlot(name) {
			continue
		}
		raw, err := v.readSlot(name)
		if err != nil {
			return err
		}
		if raw == nil {
			continue
		}
		plain, err := crypto.OpenWithEnclave(oldKey, string(raw))
		if err != nil {
			v.log.Warn().Str("slot", name).Err(err).Msg("slot does not open with the current key, leaving it as is")
			continue
		}
		snapshots = append(snapshots, slotSnapshot{name: name, previous: raw, plain: plain})
	}

	prevSalt, err := v.readSlot(v.saltSlot())
	if err != nil {
		return err
	}
	prevValidator, err := v.readSlot(v.validatorSlot())
	if err != nil {
		return err
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	newKey, err := crypto.DeriveKey([]byte(password), salt, v.iterations)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}

	written := 0
	rollback := func(cause error) error {
		for _, s := range snapshots[:written] {
			if rbErr := v.saveSlotWithRetry(s.name, s.previous); rbErr != nil {
				v.log.Error().Err(rbErr).Str("slot", s.name).Msg("rollback failed")
			}
		}
		v.restoreSlot(v.saltSlot(), prevSalt)
		v.restoreSlot(v.validatorSlot(), prevValidator)
		return cause
	}

	for _, s := range snapshots {
		sealed, err := crypto.SealWithEnclave(newKey, s.plain)
		if err != nil {
			return rollback(fmt.Errorf("failed to re-seal %s: %w", s.name, err))
		}
		if err = v.saveSlotWithRetry(s.name, []byte(sealed)); err != nil {
			return rollback(fmt.Errorf("failed to save %s: %w", s.name, err))
		}
		written++
	}

	if err = v.writeCredentials(newKey, salt); err != nil {
		return rollback(err)
	}

	v.log.Debug().Int("slots", len(snapshots)).Msg("re-sealed vault under new key")

	v.key = newKey
	v.state = StateUnlocked
	return nil
}

// restoreSlot puts back a previous value, deleting the slot when there was none.
func (v *Vault) restoreSlot(name string, previous []byte) {
	var err error
	if previous == nil {
		err = v.store.Delete(name)
	} else {
		err = v.saveSlotWithRetry(name, previous)
	}
	if err != nil {
		v.log.Error().Err(err).Str("slot", name).Msg("rollback failed")
	}
}

// IsLocked reports whether a password is set and the key is not held.
func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state == StateLocked
}

// HasPassword reports whether the vault is protected by a master password.
func (v *Vault) HasPassword() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state != StateFresh
}

func (v *Vault) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Salt returns the vault's salt. Another device needs it to import this
// vault's legacy backups, which do not embed it.
func (v *Vault) Salt() ([]byte, error) {
	raw, err := v.readSlot(v.saltSlot())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotConfigured
	}
	var salt crypto.ByteArray
	if err = json.Unmarshal(raw, &salt); err != nil {
		return nil, fmt.Errorf("%w: unreadable salt: %v", ErrCorruptedState, err)
	}
	return salt, nil
}

// activeKey returns the held key or ErrLocked. Callers hold v.mu.
func (v *Vault) activeKey() (*memguard.Enclave, error) {
	if v.closed {
		return nil, ErrVaultClosed
	}
	if v.key == nil {
		return nil, ErrLocked
	}
	return v.key, nil
}
