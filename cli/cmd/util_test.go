package cmd

import (
	"fmt"
	"testing"

	"github.com/osmn-byhn/tamga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSalt(t *testing.T) {
	want := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 255}

	t.Run("Hex", func(t *testing.T) {
		salt, err := parseSalt("000102030405060708090a0b0c0d0eff")
		require.NoError(t, err)
		assert.Equal(t, want, salt)
	})

	t.Run("JSONArray", func(t *testing.T) {
		salt, err := parseSalt(" [0,1,2,3,4,5,6,7,8,9,10,11,12,13,14,255] ")
		require.NoError(t, err)
		assert.Equal(t, want, salt)
	})

	t.Run("OutOfRange", func(t *testing.T) {
		_, err := parseSalt("[256]")
		assert.ErrorIs(t, err, tamga.ErrInvalidSalt)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := parseSalt("not-a-salt")
		assert.ErrorIs(t, err, tamga.ErrInvalidSalt)
	})
}

func TestMaskOTPSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"otpauth://totp/A?secret=ABC&issuer=A", "otpauth://totp/A?secret=********&issuer=A"},
		{"otpauth://totp/A?issuer=A&secret=ABC", "otpauth://totp/A?issuer=A&secret=********"},
		{"otpauth://totp/A?issuer=A", "otpauth://totp/A?issuer=A"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskOTPSecret(tt.in))
	}
}

func TestConvertValue(t *testing.T) {
	assert.Equal(t, true, convertValue("yes"))
	assert.Equal(t, false, convertValue("off"))
	assert.Equal(t, 100000, convertValue("100000"))
	assert.Equal(t, 1.5, convertValue("1.5"))
	assert.Equal(t, "bolt", convertValue("bolt"))
}

func TestValidateConfigValue(t *testing.T) {
	assert.NoError(t, validateConfigValue("vault.store_type", "bolt"))
	assert.Error(t, validateConfigValue("vault.store_type", "redis"))
	assert.Error(t, validateConfigValue("audit.type", "stdout"))
	assert.Error(t, validateConfigValue("vault.kdf_iterations", 1000))
	assert.NoError(t, validateConfigValue("vault.kdf_iterations", 200000))
	assert.NoError(t, validateConfigValue("log.level", "debug"))
}

func TestErrorHint(t *testing.T) {
	wrapped := fmt.Errorf("import: %w", tamga.ErrLegacyBundle)
	assert.Contains(t, errorHint(wrapped), "tamga salt")
	assert.Contains(t, errorHint(tamga.ErrNotConfigured), "tamga init")
	assert.Empty(t, errorHint(fmt.Errorf("boom")))
}

func TestCountEnvVars(t *testing.T) {
	content := "# comment\nA=1\n\nB=2\nnot a var\n  C = 3 \n"
	assert.Equal(t, 3, countEnvVars(content))
}

func TestSensitiveConfigKeys(t *testing.T) {
	assert.True(t, isSensitiveConfigKey("vault.s3.secret_access_key"))
	assert.True(t, isSensitiveConfigKey("vault.s3.access_key_id"))
	assert.True(t, isSensitiveConfigKey("vault.password"))
	assert.False(t, isSensitiveConfigKey("vault.profile"))

	config := map[string]interface{}{
		"vault": map[string]interface{}{
			"password": "hunter2",
			"path":     "/tmp/x",
		},
	}
	maskSensitiveValues(config)
	section := config["vault"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", section["password"])
	assert.Equal(t, "/tmp/x", section["path"])
}
