package crypto

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandomBytes(32)
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := randKey(t)

	values := []any{
		"tamga-valid-token",
		42.5,
		true,
		nil,
		[]any{"otpauth://totp/Example:alice?secret=JBSWY3DPEHPK3PXP&issuer=Example"},
		map[string]any{"platform": "Example", "username": "a", "value": "x", "id": 1700000000000.0},
		strings.Repeat("unicode: こんにちは ", 500),
	}

	for _, value := range values {
		sealed, err := Seal(key, value)
		require.NoError(t, err)

		opened, err := Open(key, sealed)
		require.NoError(t, err)

		var got any
		require.NoError(t, json.Unmarshal(opened, &got))
		assert.Equal(t, value, got)
	}
}

func TestOpenWrongKey(t *testing.T) {
	key1 := randKey(t)
	key2 := randKey(t)

	sealed, err := Seal(key1, map[string]any{"label": "github", "secret": "1234-5678"})
	require.NoError(t, err)

	opened, err := Open(key2, sealed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Nil(t, opened)
}

func TestSealNonceUniqueness(t *testing.T) {
	key := randKey(t)
	seen := make(map[string]struct{}, 1000)

	for i := 0; i < 1000; i++ {
		sealed, err := Seal(key, "same value")
		require.NoError(t, err)

		var envelope Envelope
		require.NoError(t, json.Unmarshal([]byte(sealed), &envelope))
		require.Len(t, envelope.IV, 12)

		iv := string(envelope.IV)
		_, dup := seen[iv]
		require.False(t, dup, "nonce reused at iteration %d", i)
		seen[iv] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestEnvelopeWireFormat(t *testing.T) {
	key := randKey(t)
	sealed, err := Seal(key, "x")
	require.NoError(t, err)

	var raw map[string][]int
	require.NoError(t, json.Unmarshal([]byte(sealed), &raw), "envelope must be integer arrays, got %s", sealed)
	assert.Len(t, raw["iv"], 12)
	// "x" encodes to 3 JSON bytes plus the 16-byte tag
	assert.Len(t, raw["data"], 3+16)
	for _, v := range append(raw["iv"], raw["data"]...) {
		assert.True(t, v >= 0 && v <= 255)
	}
}

func TestOpenMalformed(t *testing.T) {
	key := randKey(t)
	iv := `[1,2,3,4,5,6,7,8,9,10,11,12]`

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"NotJSON", "not json", ErrMalformedEnvelope},
		{"MissingIV", `{"data":[1,2,3]}`, ErrMalformedEnvelope},
		{"MissingData", `{"iv":` + iv + `}`, ErrMalformedEnvelope},
		{"NullData", `{"iv":` + iv + `,"data":null}`, ErrMalformedEnvelope},
		{"ShortIV", `{"iv":[1,2,3],"data":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17]}`, ErrMalformedEnvelope},
		{"ByteOutOfRange", `{"iv":` + iv + `,"data":[256]}`, ErrMalformedEnvelope},
		{"ShorterThanTag", `{"iv":` + iv + `,"data":[1,2,3,4,5]}`, ErrCiphertextTooShort},
		{"EmptyData", `{"iv":` + iv + `,"data":[]}`, ErrCiphertextTooShort},
		{"Garbage", `{"iv":` + iv + `,"data":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18]}`, ErrAuthenticationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opened, err := Open(key, tt.input)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, opened)
		})
	}
}

func TestOpenTamperedCiphertext(t *testing.T) {
	key := randKey(t)
	sealed, err := Seal(key, "hello")
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(sealed), &envelope))
	envelope.Data[len(envelope.Data)-1] ^= 0xFF

	tampered, err := json.Marshal(envelope)
	require.NoError(t, err)

	_, err = Open(key, string(tampered))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestInvalidKeyLength(t *testing.T) {
	_, err := Seal([]byte("short"), "x")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEnclaveHelpers(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	enclave, err := DeriveKey([]byte("correct-horse"), salt, 0)
	require.NoError(t, err)

	sealed, err := SealWithEnclave(enclave, []string{"a", "b"})
	require.NoError(t, err)

	opened, err := OpenWithEnclave(enclave, sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(opened))

	var items []string
	rawKey, err := DeriveKeyBytes([]byte("correct-horse"), salt, 0)
	require.NoError(t, err)
	require.NoError(t, OpenInto(rawKey, sealed, &items))
	assert.Equal(t, []string{"a", "b"}, items)

	_, err = SealWithEnclave(nil, "x")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestByteArrayJSON(t *testing.T) {
	data, err := json.Marshal(ByteArray{0, 7, 255})
	require.NoError(t, err)
	assert.Equal(t, "[0,7,255]", string(data))

	var b ByteArray
	require.NoError(t, json.Unmarshal([]byte("[0,7,255]"), &b))
	assert.Equal(t, ByteArray{0, 7, 255}, b)

	assert.Error(t, json.Unmarshal([]byte("[-1]"), &b))
	assert.Error(t, json.Unmarshal([]byte(`"AAEC"`), &b))
}
