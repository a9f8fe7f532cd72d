package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/awnumar/memguard"

	"github.com/osmn-byhn/tamga/internal/misc"
)

var (
	ErrMalformedEnvelope    = errors.New("crypto: malformed envelope")
	ErrCiphertextTooShort   = errors.New("crypto: ciphertext too short")
	ErrAuthenticationFailed = errors.New("crypto: message authentication failed")
	ErrInvalidKey           = errors.New("crypto: key must be 32 bytes")
)

// ByteArray is a byte slice that travels through JSON as an array of
// integers (0-255) rather than base64, which is how every vault slot and
// backup file has always been written.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("byte array: %w", err)
	}
	if ints == nil {
		*b = nil
		return nil
	}

	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array: value %d at index %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Envelope is the wire form of one sealed value: the GCM nonce and the
// ciphertext with its authentication tag appended.
type Envelope struct {
	IV   ByteArray `json:"iv"`
	Data ByteArray `json:"data"`
}

// Seal JSON-encodes value and encrypts it under key with AES-256-GCM using a
// fresh random nonce. The envelope is returned as JSON text.
func Seal(key []byte, value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, misc.NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	envelope := Envelope{
		IV:   nonce,
		Data: aead.Seal(nil, nonce, plaintext, nil),
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(out), nil
}

// Open parses envelopeText and decrypts it under key. The returned JSON has
// been authenticated; on any failure nothing of the plaintext is returned.
func Open(key []byte, envelopeText string) (json.RawMessage, error) {
	var parsed struct {
		IV   *ByteArray `json:"iv"`
		Data *ByteArray `json:"data"`
	}
	if err := json.Unmarshal([]byte(envelopeText), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if parsed.IV == nil || parsed.Data == nil {
		return nil, fmt.Errorf("%w: missing iv or data", ErrMalformedEnvelope)
	}
	if len(*parsed.IV) != misc.NonceSize {
		return nil, fmt.Errorf("%w: iv is %d bytes", ErrMalformedEnvelope, len(*parsed.IV))
	}
	if len(*parsed.Data) < misc.TagSize {
		return nil, ErrCiphertextTooShort
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, *parsed.IV, *parsed.Data, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	if !json.Valid(plaintext) {
		memguard.WipeBytes(plaintext)
		return nil, fmt.Errorf("%w: payload is not JSON", ErrMalformedEnvelope)
	}
	return plaintext, nil
}

// OpenInto is Open followed by json.Unmarshal into v.
func OpenInto(key []byte, envelopeText string, v any) error {
	plaintext, err := Open(key, envelopeText)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

// SealWithEnclave seals value under the key held in enclave. The key is only
// decrypted for the duration of the call.
func SealWithEnclave(enclave *memguard.Enclave, value any) (string, error) {
	keyBuffer, err := openKey(enclave)
	if err != nil {
		return "", err
	}
	defer keyBuffer.Destroy()

	return Seal(keyBuffer.Bytes(), value)
}

// OpenWithEnclave opens envelopeText with the key held in enclave.
func OpenWithEnclave(enclave *memguard.Enclave, envelopeText string) (json.RawMessage, error) {
	keyBuffer, err := openKey(enclave)
	if err != nil {
		return nil, err
	}
	defer keyBuffer.Destroy()

	return Open(keyBuffer.Bytes(), envelopeText)
}

func openKey(enclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	if enclave == nil {
		return nil, ErrInvalidKey
	}
	keyBuffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	return keyBuffer, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != misc.KeyLen {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
