package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"

	"github.com/osmn-byhn/tamga/internal/misc"
)

var (
	ErrInvalidSaltLength = fmt.Errorf("crypto: salt must be %d bytes", misc.SaltSize)
	ErrWeakIterations    = fmt.Errorf("crypto: iteration count below %d", misc.KDFIterations)
)

// DeriveKeyBytes runs PBKDF2-HMAC-SHA256 over password and salt and returns a
// 32-byte AES-256 key. Zero iterations selects the default work factor. The
// result is a pure function of its inputs, which is what lets a backup taken
// on one device be opened on another.
func DeriveKeyBytes(password, salt []byte, iterations int) ([]byte, error) {
	if len(salt) != misc.SaltSize {
		return nil, ErrInvalidSaltLength
	}
	if iterations == 0 {
		iterations = misc.KDFIterations
	}
	if iterations < misc.KDFIterations {
		return nil, ErrWeakIterations
	}

	return pbkdf2.Key(password, salt, iterations, misc.KeyLen, sha256.New), nil
}

// DeriveKey is DeriveKeyBytes with the result moved into an encrypted
// memguard enclave. The intermediate buffer is wiped.
func DeriveKey(password, salt []byte, iterations int) (*memguard.Enclave, error) {
	derivedKey, err := DeriveKeyBytes(password, salt, iterations)
	if err != nil {
		return nil, err
	}

	// NewEnclave wipes derivedKey once it has been sealed.
	return memguard.NewEnclave(derivedKey), nil
}
