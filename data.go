package tamga

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/osmn-byhn/tamga/audit"
	"github.com/osmn-byhn/tamga/internal/crypto"
)

// SlotName returns the slot a collection is stored in for this vault.
func (v *Vault) SlotName(c Collection) string {
	return v.namespace + "-" + c.Name
}

// GetData opens a slot with the active key.
//
// It returns nil without an error when the vault is locked, the slot is
// absent or the slot cannot be opened (wrong key or corruption). Only
// storage failures are errors.
func (v *Vault) GetData(name string) (json.RawMessage, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil || v.closed {
		return nil, nil
	}

	data, err := v.getData(name)
	if data != nil || err != nil {
		v.logAudit(v.newRequestID(), audit.ActionDataRead, err, map[string]interface{}{
			"slot": name,
		})
	}
	return data, err
}

func (v *Vault) getData(name string) (json.RawMessage, error) {
	raw, err := v.readSlot(name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	plain, err := crypto.OpenWithEnclave(v.key, string(raw))
	if err != nil {
		v.log.Debug().Str("slot", name).Err(err).Msg("slot does not open")
		return nil, nil
	}
	return plain, nil
}

// UpdateData seals value under the active key and replaces the slot. The
// store is left untouched when the vault is locked.
func (v *Vault) UpdateData(name string, value any) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if _, err := v.activeKey(); err != nil {
		return err
	}

	err := v.updateData(name, value)
	v.logAudit(v.newRequestID(), audit.ActionDataWrite, err, map[string]interface{}{
		"slot": name,
	})
	return err
}

func (v *Vault) updateData(name string, value any) error {
	if v.isReservedSlot(name) {
		return ErrReservedSlot
	}
	sealed, err := crypto.SealWithEnclave(v.key, value)
	if err != nil {
		return fmt.Errorf("failed to seal %s: %w", name, err)
	}
	if err = v.saveSlotWithRetry(name, []byte(sealed)); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}

// LoadCollection decodes a collection into typed records. An absent or
// unreadable collection yields nil.
func LoadCollection[T any](v *Vault, c Collection) ([]T, error) {
	raw, err := v.GetData(v.SlotName(c))
	if err != nil || raw == nil {
		return nil, err
	}
	var items []T
	if err = json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", c.Name, err)
	}
	return items, nil
}

// SaveCollection replaces a collection with items. Fields of stored records
// that T does not know about are lost; the Add helpers keep them.
func SaveCollection[T any](v *Vault, c Collection, items []T) error {
	if items == nil {
		items = []T{}
	}
	return v.UpdateData(v.SlotName(c), items)
}

// decodeList decodes a JSON array keeping numbers exact. Anything that is not
// an array yields an empty list.
func decodeList(raw json.RawMessage) []any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil
	}
	list, _ := value.([]any)
	return list
}

func toObject(record any) (map[string]any, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err = dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// prepend adds item to the front of a collection without touching the other
// records.
func (v *Vault) prepend(c Collection, item any) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if _, err := v.activeKey(); err != nil {
		return err
	}

	name := v.SlotName(c)
	raw, err := v.getData(name)
	if err != nil {
		return err
	}
	list := append([]any{item}, decodeList(raw)...)

	err = v.updateData(name, list)
	v.logAudit(v.newRequestID(), audit.ActionDataWrite, err, map[string]interface{}{
		"collection": c.Name,
		"slot":       name,
	})
	return err
}

func addRecord[T any](v *Vault, c Collection, record *T) (*T, error) {
	obj, err := toObject(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	if err = v.prepend(c, obj); err != nil {
		return nil, err
	}
	return record, nil
}

// AddCredential stores a new credential. Zero ID and CreatedAt are filled in.
func (v *Vault) AddCredential(c Credential) (*Credential, error) {
	if c.Value == "" {
		return nil, fmt.Errorf("credential value cannot be empty")
	}
	if c.ID == 0 {
		c.ID = newRecordID()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = timestamp()
	}
	return addRecord(v, CollectionCredentials, &c)
}

// AddOTPURI stores an otpauth:// URI. It returns false when the URI is
// already stored.
func (v *Vault) AddOTPURI(uri string) (bool, error) {
	added, _, err := v.AddOTPURIs([]string{uri})
	return added == 1, err
}

func (v *Vault) AddPasskey(p PasskeyEntry) (*PasskeyEntry, error) {
	if p.Label == "" || p.Secret == "" {
		return nil, fmt.Errorf("passkey label and secret are required")
	}
	if p.ID == 0 {
		p.ID = newRecordID()
	}
	if p.CreatedAt == "" {
		p.CreatedAt = timestamp()
	}
	return addRecord(v, CollectionPasskeys, &p)
}

func (v *Vault) AddEnvFile(e EnvFile) (*EnvFile, error) {
	if e.ProjectName == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if e.ID == 0 {
		e.ID = newRecordID()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = timestamp()
	}
	return addRecord(v, CollectionEnvFiles, &e)
}

// AddOTPURIs stores several otpauth:// URIs at once, skipping the ones
// already stored or repeated in uris.
func (v *Vault) AddOTPURIs(uris []string) (added, skipped int, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if _, err = v.activeKey(); err != nil {
		return 0, 0, err
	}

	name := v.SlotName(CollectionOTP)
	raw, err := v.getData(name)
	if err != nil {
		return 0, 0, err
	}
	existing := decodeList(raw)

	var fresh []any
	for _, uri := range uris {
		uri = strings.TrimSpace(uri)
		if !strings.HasPrefix(uri, "otpauth://") {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidOTPURI, uri)
		}
		if CollectionOTP.isDuplicate(uri, existing) || CollectionOTP.isDuplicate(uri, fresh) {
			skipped++
			continue
		}
		fresh = append(fresh, uri)
	}
	if len(fresh) == 0 {
		return 0, skipped, nil
	}

	err = v.updateData(name, append(fresh, existing...))
	v.logAudit(v.newRequestID(), audit.ActionDataWrite, err, map[string]interface{}{
		"collection": CollectionOTP.Name,
		"slot":       name,
		"added":      len(fresh),
	})
	if err != nil {
		return 0, 0, err
	}
	return len(fresh), skipped, nil
}
