package tamga

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionsOrder(t *testing.T) {
	var names []string
	for _, c := range Collections() {
		names = append(names, c.Name)
	}
	require.GreaterOrEqual(t, len(names), 4)
	assert.Equal(t, []string{"otp-uris", "passwords", "passkeys", "envs"}, names[:4])
}

func TestRegisterCollection(t *testing.T) {
	assert.ErrorIs(t, RegisterCollection(Collection{Name: "salt"}), ErrReservedSlot)
	assert.Error(t, RegisterCollection(Collection{}))
	assert.Error(t, RegisterCollection(Collection{Name: "a b"}))

	r := newCollectionRegistry(CollectionOTP)
	require.NoError(t, r.register(Collection{Name: "notes"}))
	require.NoError(t, r.register(Collection{Name: "otp-uris", Duplicate: sameScalar}))
	assert.Equal(t, []string{"otp-uris", "notes"}, r.order)
	assert.Nil(t, r.byName["otp-uris"].AssignID)
}

func TestCollectionForSlot(t *testing.T) {
	tests := []struct {
		slot string
		want string
		ok   bool
	}{
		{"tamga-otp-uris", "otp-uris", true},
		{"otp-auth-uris", "otp-uris", true},
		{"sphinx-passwords", "passwords", true},
		{"work-passkeys", "passkeys", true},
		{"envs", "envs", true},
		{"tamga-settings", "", false},
		{"tamga-salt", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.slot, func(t *testing.T) {
			c, ok := collectionForSlot(tt.slot)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, c.Name)
		})
	}
}

func decodeItem(t *testing.T, s string) any {
	t.Helper()
	return decodeValue(json.RawMessage(s))
}

func TestDuplicatePredicates(t *testing.T) {
	tests := []struct {
		name       string
		collection Collection
		incoming   string
		existing   string
		duplicate  bool
	}{
		{"OTPSame", CollectionOTP, `"otpauth://totp/a"`, `"otpauth://totp/a"`, true},
		{"OTPDifferent", CollectionOTP, `"otpauth://totp/a"`, `"otpauth://totp/b"`, false},
		{"OTPObjectsNeverMatch", CollectionOTP, `{"a":1}`, `{"a":1}`, false},
		{"CredentialSame", CollectionCredentials, `{"id":1,"platform":"p","username":"u","value":"v"}`, `{"id":2,"platform":"p","username":"u","value":"v","notes":"x"}`, true},
		{"CredentialValueDiffers", CollectionCredentials, `{"platform":"p","username":"u","value":"v"}`, `{"platform":"p","username":"u","value":"w"}`, false},
		{"CredentialMissingOnBoth", CollectionCredentials, `{"platform":"p","value":"v"}`, `{"platform":"p","value":"v"}`, true},
		{"CredentialMissingOnOne", CollectionCredentials, `{"platform":"p","value":"v"}`, `{"platform":"p","username":"","value":"v"}`, false},
		{"CredentialNotObject", CollectionCredentials, `"p"`, `"p"`, false},
		{"EnvSame", CollectionEnvFiles, `{"projectName":"api","content":"A=1"}`, `{"projectName":"api","content":"A=1","id":3}`, true},
		{"EnvContentDiffers", CollectionEnvFiles, `{"projectName":"api","content":"A=1"}`, `{"projectName":"api","content":"A=2"}`, false},
		{"PasskeySame", CollectionPasskeys, `{"label":"gh","secret":"1"}`, `{"label":"gh","secret":"1"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			incoming := decodeItem(t, tt.incoming)
			existing := decodeItem(t, tt.existing)
			assert.Equal(t, tt.duplicate, tt.collection.isDuplicate(incoming, []any{existing}))
		})
	}

	unknown := Collection{Name: "notes"}
	assert.False(t, unknown.isDuplicate("x", []any{"x"}))
}

func TestAssignLocalID(t *testing.T) {
	item := map[string]any{"id": json.Number("7"), "label": "x"}
	assigned := assignLocalID(item).(map[string]any)

	assert.Equal(t, json.Number("7"), item["id"])
	assert.Equal(t, "x", assigned["label"])
	id, ok := assigned["id"].(float64)
	require.True(t, ok)
	assert.Greater(t, id, float64(1_600_000_000_000))

	assert.Equal(t, "plain", assignLocalID("plain"))
	assert.Equal(t, "plain", Collection{}.assign("plain"))
}
