package otpmigration

import (
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type account struct {
	secret    []byte
	name      string
	issuer    string
	algorithm uint64
	digits    uint64
	otpType   uint64
	counter   uint64
}

func encodeAccount(a account) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, a.secret)
	if a.name != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, a.name)
	}
	if a.issuer != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, a.issuer)
	}
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, a.algorithm)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, a.digits)
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, a.otpType)
	if a.counter > 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, a.counter)
	}
	return b
}

func migrationURI(accounts ...account) string {
	var payload []byte
	for _, a := range accounts {
		payload = protowire.AppendTag(payload, 1, protowire.BytesType)
		payload = protowire.AppendBytes(payload, encodeAccount(a))
	}
	// version, batch size, batch index, batch id
	for num := protowire.Number(2); num <= 5; num++ {
		payload = protowire.AppendTag(payload, num, protowire.VarintType)
		payload = protowire.AppendVarint(payload, 1)
	}
	data := base64.StdEncoding.EncodeToString(payload)
	return "otpauth-migration://offline?data=" + url.QueryEscape(data)
}

var helloSecret = []byte("Hello!\xde\xad\xbe\xef") // JBSWY3DPEHPK3PXP

func TestDecode(t *testing.T) {
	uri := migrationURI(
		account{secret: helloSecret, name: "alice@example.com", issuer: "GitHub", algorithm: 1, digits: 1, otpType: typeTOTP},
		account{secret: helloSecret, name: "Acme:bob", algorithm: 2, digits: 2, otpType: typeTOTP},
		account{secret: helloSecret, algorithm: 0, digits: 0, otpType: typeTOTP},
	)

	uris, err := Decode(uri)
	require.NoError(t, err)
	require.Len(t, uris, 3)

	assert.Equal(t, "otpauth://totp/GitHub:alice%40example.com?issuer=GitHub&secret=JBSWY3DPEHPK3PXP&algorithm=SHA1&digits=6&period=30", uris[0])
	assert.Equal(t, "otpauth://totp/Acme:Acme%3Abob?issuer=Acme&secret=JBSWY3DPEHPK3PXP&algorithm=SHA256&digits=8&period=30", uris[1])
	assert.Equal(t, "otpauth://totp/Unknown:Account?issuer=Unknown&secret=JBSWY3DPEHPK3PXP&algorithm=SHA1&digits=6&period=30", uris[2])
}

func TestDecodeHOTP(t *testing.T) {
	params, err := DecodeParameters(migrationURI(
		account{secret: helloSecret, name: "ci", issuer: "Build", algorithm: 3, digits: 1, otpType: typeHOTP, counter: 42},
	))
	require.NoError(t, err)
	require.Len(t, params, 1)

	p := params[0]
	assert.Equal(t, "hotp", p.Type)
	assert.Equal(t, "SHA512", p.Algorithm)
	assert.Equal(t, uint64(42), p.Counter)
	assert.Equal(t, helloSecret, p.Secret)
	assert.Equal(t, "otpauth://hotp/Build:ci?issuer=Build&secret=JBSWY3DPEHPK3PXP&algorithm=SHA512&digits=6&counter=42", p.URI())
}

func TestDecodeUnescapedPlus(t *testing.T) {
	// this payload encodes to "ChEKAw+++BIB..."
	a := account{secret: []byte{0x0f, 0xbe, 0xf8}, name: "x", issuer: "y", algorithm: 1, digits: 1, otpType: typeTOTP}
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.BytesType)
	payload = protowire.AppendBytes(payload, encodeAccount(a))
	data := base64.StdEncoding.EncodeToString(payload)

	params, err := DecodeParameters("otpauth-migration://offline?data=" + data)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, a.secret, params[0].Secret)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		err  error
	}{
		{"wrong scheme", "otpauth://totp/x?secret=AAAA", ErrInvalidURI},
		{"no query", "otpauth-migration://offline", ErrNoData},
		{"no data", "otpauth-migration://offline?foo=bar", ErrNoData},
		{"not base64", "otpauth-migration://offline?data=%%%", ErrMalformed},
		{"truncated", "otpauth-migration://offline?data=" + base64.StdEncoding.EncodeToString([]byte{0x0a, 0x10, 0x01}), ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.uri)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDecodeSkipsAccountsWithoutSecret(t *testing.T) {
	uris, err := Decode(migrationURI(account{name: "empty", otpType: typeTOTP}))
	require.NoError(t, err)
	assert.Empty(t, uris)
}
