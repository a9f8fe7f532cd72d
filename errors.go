package tamga

import "errors"

var (
	// ErrLocked is returned by operations that need the derived key while the
	// vault is locked (or was never configured).
	ErrLocked = errors.New("vault is locked")

	ErrEmptyPassword = errors.New("master password cannot be empty")

	// ErrCorruptedState means exactly one of the salt and validator slots is
	// present, or both vanished while the vault was configured.
	ErrCorruptedState = errors.New("vault state is corrupted: salt and validator must exist together")

	ErrNotConfigured = errors.New("no master password is set")

	ErrWrongPassword = errors.New("master password is incorrect")

	ErrReservedSlot = errors.New("slot is reserved for the vault's salt and validator")

	// ErrLegacyBundle is returned for a backup without an embedded salt when no
	// manual salt was supplied. Supplying the salt of the device that created
	// the backup resolves it.
	ErrLegacyBundle = errors.New("legacy backup without salt: a manual salt is required")

	ErrPasswordRequired = errors.New("master password is required to restore a backup")

	// ErrRestoreFailed deliberately does not distinguish a wrong password from
	// a corrupted bundle.
	ErrRestoreFailed = errors.New("restore failed: incorrect password, invalid salt or corrupted backup")

	ErrMalformedBundle = errors.New("malformed backup bundle")

	ErrInvalidSalt = errors.New("salt must be 16 bytes")

	ErrVaultClosed = errors.New("vault is closed")

	ErrInvalidOTPURI = errors.New("not an otpauth:// URI")
)
