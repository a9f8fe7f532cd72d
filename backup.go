package tamga

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/awnumar/memguard"

	"github.com/osmn-byhn/tamga/audit"
	"github.com/osmn-byhn/tamga/internal/backup"
	"github.com/osmn-byhn/tamga/internal/crypto"
	"github.com/osmn-byhn/tamga/internal/misc"
	"github.com/osmn-byhn/tamga/persist"
)

// exportPayload is sealed into the "encrypted" field of a bundle. Data keys
// are full slot names.
type exportPayload struct {
	Version   int                        `json:"version"`
	Timestamp int64                      `json:"timestamp"`
	Data      map[string]json.RawMessage `json:"data"`
}

// portableBundle is the exported file format. Salt travels in the clear so a
// second device can derive the key from the password alone.
type portableBundle struct {
	Encrypted string           `json:"encrypted"`
	Salt      crypto.ByteArray `json:"salt"`
}

// ExportData seals every registered collection into a portable bundle:
//
//	{"encrypted": "<envelope>", "salt": [16 ints]}
//
// where the envelope holds {"version": 2, "timestamp": <ms>, "data": {...}}.
// Collections that are absent, unreadable or null are left out. The vault
// must be unlocked.
func (v *Vault) ExportData() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	requestID := v.newRequestID()

	bundle, count, err := v.exportData()
	v.logAudit(requestID, audit.ActionBackupExport, err, map[string]interface{}{
		"collections": count,
	})
	return bundle, err
}

func (v *Vault) exportData() ([]byte, int, error) {
	key, err := v.activeKey()
	if err != nil {
		return nil, 0, err
	}

	payload := exportPayload{
		Version:   misc.ExportVersion,
		Timestamp: time.Now().UnixMilli(),
		Data:      make(map[string]json.RawMessage),
	}

	for _, c := range Collections() {
		slot := v.SlotName(c)
		raw, err := v.getData(slot)
		if err != nil {
			return nil, 0, err
		}
		if raw == nil || string(bytes.TrimSpace(raw)) == "null" {
			continue
		}
		payload.Data[slot] = raw
	}

	salt, _, err := v.loadCredentials()
	if err != nil {
		return nil, 0, err
	}
	if salt == nil {
		return nil, 0, ErrCorruptedState
	}

	sealed, err := crypto.SealWithEnclave(key, payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to seal backup: %w", err)
	}

	bundle, err := json.Marshal(portableBundle{Encrypted: sealed, Salt: salt})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode backup: %w", err)
	}

	v.log.Debug().Int("collections", len(payload.Data)).Msg("exported vault")
	return bundle, len(payload.Data), nil
}

// parseBundle accepts a portable bundle, a bare envelope object or a JSON
// string holding envelope text. Salt is nil when the bundle has none.
func parseBundle(bundle []byte) (string, []byte, error) {
	trimmed := bytes.TrimSpace(bundle)
	if len(trimmed) == 0 {
		return "", nil, ErrMalformedBundle
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
		}
		return text, nil, nil

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
		}

		encrypted, ok := obj["encrypted"]
		if !ok {
			if _, hasIV := obj["iv"]; hasIV {
				if _, hasData := obj["data"]; hasData {
					return string(trimmed), nil, nil
				}
			}
			return "", nil, fmt.Errorf("%w: no encrypted content", ErrMalformedBundle)
		}

		text, err := encryptedText(encrypted)
		if err != nil {
			return "", nil, err
		}

		salt, err := bundleSalt(obj["salt"])
		if err != nil {
			return "", nil, err
		}
		return text, salt, nil
	}

	return "", nil, ErrMalformedBundle
}

func encryptedText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrMalformedBundle
	}
	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedBundle, err)
		}
		return text, nil
	case '{':
		return string(raw), nil
	}
	return "", fmt.Errorf("%w: encrypted must be a string or an object", ErrMalformedBundle)
}

func bundleSalt(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var salt crypto.ByteArray
	if err := json.Unmarshal(raw, &salt); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrMalformedBundle, err)
	}
	if len(salt) != misc.SaltSize {
		return nil, ErrInvalidSalt
	}
	return salt, nil
}

// ImportData restores or merges a backup bundle.
//
// On a fresh vault the bundle is restored: opts.Password is required, the
// key is derived from it and the bundle's salt (or opts.ManualSalt), every
// collection is written and the vault ends unlocked under that key.
//
// On a configured vault the bundle is merged and the vault must be unlocked.
// The bundle is opened with a key derived from opts.Password when one is
// given, otherwise with the active key. Non-list values overwrite the local
// slot. List items the local list already holds are skipped, the rest are
// appended with fresh ids.
//
// A bundle without a salt needs opts.ManualSalt in both modes
// (ErrLegacyBundle). A wrong password and a corrupted bundle both give
// ErrRestoreFailed.
func (v *Vault) ImportData(bundle []byte, opts ImportOptions) (*ImportResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}

	requestID := v.newRequestID()

	result, err := v.importData(bundle, opts)

	metadata := map[string]interface{}{
		"mode": "merge",
	}
	if result != nil {
		if result.Restored {
			metadata["mode"] = "restore"
		}
		metadata["added"] = result.Added
		metadata["skipped"] = result.Skipped
	}
	v.logAudit(requestID, audit.ActionBackupImport, err, metadata)

	return result, err
}

func (v *Vault) importData(bundle []byte, opts ImportOptions) (*ImportResult, error) {
	encrypted, salt, err := parseBundle(bundle)
	if err != nil {
		return nil, err
	}

	if len(opts.ManualSalt) > 0 && len(opts.ManualSalt) != misc.SaltSize {
		return nil, ErrInvalidSalt
	}
	if salt == nil && len(opts.ManualSalt) > 0 {
		v.log.Debug().Msg("using manual salt")
		salt = opts.ManualSalt
	}
	if salt == nil {
		return nil, ErrLegacyBundle
	}

	if v.state == StateFresh {
		v.log.Debug().Msg("restoring backup onto fresh vault")
		return v.restore(encrypted, salt, opts.Password)
	}

	v.log.Debug().Bool("password", opts.Password != "").Msg("merging backup into vault")
	return v.merge(encrypted, salt, opts.Password)
}

func (v *Vault) openPayload(key *memguard.Enclave, encrypted string) (map[string]json.RawMessage, error) {
	plain, err := crypto.OpenWithEnclave(key, encrypted)
	if err != nil {
		v.log.Debug().Err(err).Msg("backup does not open")
		return nil, ErrRestoreFailed
	}

	var payload struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err = json.Unmarshal(plain, &payload); err != nil || payload.Data == nil {
		return nil, ErrRestoreFailed
	}
	return payload.Data, nil
}

func (v *Vault) restore(encrypted string, salt []byte, password string) (*ImportResult, error) {
	if password == "" {
		return nil, ErrPasswordRequired
	}

	key, err := crypto.DeriveKey([]byte(password), salt, v.iterations)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	data, err := v.openPayload(key, encrypted)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Restored: true, PerCollection: make(map[string]CollectionStats)}

	var written []string
	undo := func() {
		for _, name := range written {
			if err := v.store.Delete(name); err != nil {
				v.log.Error().Err(err).Str("slot", name).Msg("failed to remove partially restored slot")
			}
		}
	}

	for _, name := range sortedKeys(data) {
		target, ok := v.importTarget(name)
		if !ok {
			continue
		}
		sealed, err := crypto.SealWithEnclave(key, data[name])
		if err != nil {
			undo()
			return nil, fmt.Errorf("failed to seal %s: %w", target, err)
		}
		if err = v.saveSlotWithRetry(target, []byte(sealed)); err != nil {
			undo()
			return nil, fmt.Errorf("failed to restore %s: %w", target, err)
		}
		written = append(written, target)

		stats := CollectionStats{Overwritten: true, Added: len(decodeList(data[name]))}
		result.PerCollection[target] = stats
		result.Added += stats.Added
		v.log.Debug().Str("slot", target).Msg("restored slot")
	}

	if err = v.writeCredentials(key, salt); err != nil {
		written = append(written, v.saltSlot(), v.validatorSlot())
		undo()
		return nil, err
	}

	v.key = key
	v.state = StateUnlocked
	return result, nil
}

func (v *Vault) merge(encrypted string, salt []byte, password string) (*ImportResult, error) {
	key, err := v.activeKey()
	if err != nil {
		return nil, err
	}

	if password != "" {
		if key, err = crypto.DeriveKey([]byte(password), salt, v.iterations); err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
	}

	data, err := v.openPayload(key, encrypted)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{PerCollection: make(map[string]CollectionStats)}

	for _, name := range sortedKeys(data) {
		target, ok := v.importTarget(name)
		if !ok {
			continue
		}

		incoming := decodeValue(data[name])
		items, isList := incoming.([]any)
		if !isList {
			if err = v.updateData(target, data[name]); err != nil {
				return result, err
			}
			result.PerCollection[target] = CollectionStats{Overwritten: true}
			continue
		}

		local, err := v.getData(target)
		if err != nil {
			return result, err
		}
		existing := decodeList(local)

		c, known := collectionForSlot(name)
		if !known {
			c = Collection{Name: target, AssignID: assignLocalID}
		}

		merged := make([]any, len(existing), len(existing)+len(items))
		copy(merged, existing)

		var stats CollectionStats
		for _, item := range items {
			if c.isDuplicate(item, existing) {
				stats.Skipped++
				continue
			}
			merged = append(merged, c.assign(item))
			stats.Added++
		}

		if err = v.updateData(target, merged); err != nil {
			return result, err
		}

		result.PerCollection[target] = stats
		result.Added += stats.Added
		result.Skipped += stats.Skipped
	}

	return result, nil
}

// importTarget maps a bundle data key to a local slot. Salt and validator
// keys, from any namespace, are never imported.
func (v *Vault) importTarget(name string) (string, bool) {
	if isCredentialSlot(name) {
		v.log.Warn().Str("slot", name).Msg("ignoring reserved slot in backup")
		return "", false
	}

	target := name
	if c, ok := collectionForSlot(name); ok {
		target = v.SlotName(c)
	}

	if !isValidSlotName(target) || v.isReservedSlot(target) {
		v.log.Warn().Str("slot", name).Msg("ignoring invalid slot name in backup")
		return "", false
	}
	return target, true
}

func decodeValue(raw json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil
	}
	return value
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExportToStore exports the vault into the store's backup area.
func (v *Vault) ExportToStore() (*persist.BackupInfo, error) {
	bundle, err := v.ExportData()
	if err != nil {
		return nil, err
	}

	backupID := backup.GenerateBackupID(DefaultNamespace, time.Now())

	info, err := v.store.SaveBackup(backupID, bundle)
	v.logAudit(v.newRequestID(), audit.ActionBackupExport, err, map[string]interface{}{
		"backup_id": backupID,
		"store":     v.store.GetType(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save backup: %w", err)
	}
	return info, nil
}

// ImportFromStore imports a backup previously saved with ExportToStore.
func (v *Vault) ImportFromStore(backupID string, opts ImportOptions) (*ImportResult, error) {
	bundle, err := v.store.LoadBackup(backupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup %s: %w", backupID, err)
	}
	return v.ImportData(bundle, opts)
}

func (v *Vault) ListBackups() ([]persist.BackupInfo, error) {
	return v.store.ListBackups()
}

func (v *Vault) DeleteBackup(backupID string) error {
	err := v.store.DeleteBackup(backupID)
	v.logAudit(v.newRequestID(), audit.ActionBackupDelete, err, map[string]interface{}{
		"backup_id": backupID,
	})
	if err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	return nil
}
