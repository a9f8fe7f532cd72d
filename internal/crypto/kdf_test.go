package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	k1, err := DeriveKeyBytes([]byte("correct-horse"), salt, 0)
	require.NoError(t, err)
	k2, err := DeriveKeyBytes([]byte("correct-horse"), salt, 0)
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)
}

func TestDeriveKeyInputsMatter(t *testing.T) {
	salt := []byte("0123456789abcdef")
	otherSalt := []byte("fedcba9876543210")

	base, err := DeriveKeyBytes([]byte("correct-horse"), salt, 0)
	require.NoError(t, err)

	otherPassword, err := DeriveKeyBytes([]byte("correct-horsf"), salt, 0)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherPassword)

	otherSaltKey, err := DeriveKeyBytes([]byte("correct-horse"), otherSalt, 0)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSaltKey)

	moreRounds, err := DeriveKeyBytes([]byte("correct-horse"), salt, 100001)
	require.NoError(t, err)
	assert.NotEqual(t, base, moreRounds)
}

func TestDeriveKeyRejectsBadParameters(t *testing.T) {
	for _, n := range []int{0, 8, 15, 17, 32} {
		_, err := DeriveKeyBytes([]byte("pw"), make([]byte, n), 0)
		assert.ErrorIs(t, err, ErrInvalidSaltLength, "salt length %d", n)
	}

	_, err := DeriveKeyBytes([]byte("pw"), make([]byte, 16), 1000)
	assert.ErrorIs(t, err, ErrWeakIterations)
}

func TestDeriveKeyEnclaveMatchesBytes(t *testing.T) {
	salt := []byte("0123456789abcdef")

	raw, err := DeriveKeyBytes([]byte("pw"), salt, 0)
	require.NoError(t, err)

	enclave, err := DeriveKey([]byte("pw"), salt, 0)
	require.NoError(t, err)

	buf, err := enclave.Open()
	require.NoError(t, err)
	defer buf.Destroy()

	assert.Equal(t, raw, buf.Bytes())
}
