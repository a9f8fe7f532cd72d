package tamga

import (
	"errors"
	"fmt"

	"github.com/osmn-byhn/tamga/persist"
)

// legacyAppLockSlot was left behind by the predecessor app's lock screen.
const legacyAppLockSlot = "sphinx-app-lock"

type slotRename struct {
	from   string
	suffix string
}

var legacySlots = []slotRename{
	{from: "sphinx-salt", suffix: "salt"},
	{from: "sphinx-validator", suffix: "validator"},
	{from: "otp-auth-uris", suffix: "otp-uris"},
	{from: "sphinx-passwords", suffix: "passwords"},
	{from: "sphinx-passkeys", suffix: "passkeys"},
	{from: "sphinx-envs", suffix: "envs"},
}

// MigrateLegacyNamespace moves slots written by the predecessor app to their
// names under namespace ns. An old slot is moved only when the new name has
// no value; otherwise it is left where it is. It returns the number of slots
// moved and is safe to run on every start.
func MigrateLegacyNamespace(store persist.Store, ns string) (int, error) {
	if ns == "" {
		ns = DefaultNamespace
	}

	migrated := 0
	for _, r := range legacySlots {
		to := ns + "-" + r.suffix
		if to == r.from {
			continue
		}

		old, err := store.Get(r.from)
		if err != nil {
			if errors.Is(err, persist.ErrNotFound) {
				continue
			}
			return migrated, fmt.Errorf("failed to read %s: %w", r.from, err)
		}

		exists, err := store.Exists(to)
		if err != nil {
			return migrated, fmt.Errorf("failed to check %s: %w", to, err)
		}
		// An existing slot wins; the predecessor is kept untouched.
		if exists {
			continue
		}

		if _, err = store.Set(to, old.Data, ""); err != nil {
			return migrated, fmt.Errorf("failed to copy %s to %s: %w", r.from, to, err)
		}
		if err = store.Delete(r.from); err != nil && !errors.Is(err, persist.ErrNotFound) {
			return migrated, fmt.Errorf("failed to remove %s: %w", r.from, err)
		}
		migrated++
	}
	return migrated, nil
}
