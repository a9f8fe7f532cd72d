package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "vault.db"), testTenant)
	require.NoError(t, err)

	testStoreImplementation(t, store)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	store, err := NewBoltStore(path, "tamga")
	require.NoError(t, err)
	_, err = store.Set("tamga-otp-uris", []byte(`{"iv":[1],"data":[2]}`), "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path, "tamga")
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Get("tamga-otp-uris")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"iv":[1],"data":[2]}`), loaded.Data)
	assert.False(t, loaded.Timestamp.IsZero())
}

func TestBoltStoreSharedTenants(t *testing.T) {
	work, err := NewBoltStore(filepath.Join(t.TempDir(), "vault.db"), "work")
	require.NoError(t, err)
	personal, err := work.WithTenant("personal")
	require.NoError(t, err)

	_, err = work.Set("tamga-salt", []byte("[1]"), "")
	require.NoError(t, err)
	_, err = personal.Get("tamga-salt")
	assert.ErrorIs(t, err, ErrNotFound)

	tenants, err := personal.ListTenants()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"work", "personal"}, tenants)

	// The file stays open until the last store closes.
	require.NoError(t, work.Close())
	assert.NoError(t, personal.Ping())
	require.NoError(t, personal.Close())
	assert.Error(t, personal.Ping())
}
