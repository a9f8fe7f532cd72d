package persist

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osmn-byhn/tamga/internal/crypto"
)

const testTenant = "test-tenant"

// testStoreImplementation exercises the Store contract every backend must
// honour. The store must be freshly created for testTenant.
func testStoreImplementation(t *testing.T, store Store) {
	salt := []byte("[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16]")
	validator := []byte(`{"iv":[1,2,3],"data":[4,5,6]}`)
	bundle := []byte(`{"encrypted":"{}","salt":[1,2,3]}`)

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(), "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType(), "Store type should not be empty")
	})

	t.Run("ListTenants", func(t *testing.T) {
		tenants, err := store.ListTenants()
		require.NoError(t, err)
		assert.Contains(t, tenants, testTenant)
	})

	t.Run("GetMissingSlot", func(t *testing.T) {
		_, err := store.Get("tamga-salt")
		assert.ErrorIs(t, err, ErrNotFound)

		exists, err := store.Exists("tamga-salt")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	var saltVersion string
	t.Run("SetAndGet", func(t *testing.T) {
		version, err := store.Set("tamga-salt", salt, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		saltVersion = version

		loaded, err := store.Get("tamga-salt")
		require.NoError(t, err)
		assert.Equal(t, salt, loaded.Data)
		assert.Equal(t, saltVersion, loaded.Version)
		assert.False(t, loaded.Timestamp.IsZero(), "Timestamp should be set")

		exists, err := store.Exists("tamga-salt")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("SetWithStaleVersion", func(t *testing.T) {
		_, err := store.Set("tamga-salt", []byte("[9]"), "not-the-current-version")
		require.Error(t, err)

		var concurrencyErr ConcurrencyError
		assert.True(t, errors.As(err, &concurrencyErr), "expected ConcurrencyError, got %v", err)

		loaded, err := store.Get("tamga-salt")
		require.NoError(t, err)
		assert.Equal(t, salt, loaded.Data, "stale write must not change the slot")
	})

	t.Run("SetWithCurrentVersion", func(t *testing.T) {
		version, err := store.Set("tamga-validator", validator, "")
		require.NoError(t, err)

		updated := []byte(`{"iv":[7],"data":[8]}`)
		newVersion, err := store.Set("tamga-validator", updated, version)
		require.NoError(t, err)
		assert.NotEqual(t, version, newVersion)

		loaded, err := store.Get("tamga-validator")
		require.NoError(t, err)
		assert.Equal(t, updated, loaded.Data)
	})

	t.Run("Keys", func(t *testing.T) {
		_, err := store.Set("tamga-passwords", []byte(`{"iv":[],"data":[]}`), "")
		require.NoError(t, err)

		keys, err := store.Keys()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"tamga-salt", "tamga-validator", "tamga-passwords"}, keys)
	})

	t.Run("DeleteSlot", func(t *testing.T) {
		require.NoError(t, store.Delete("tamga-passwords"))
		_, err := store.Get("tamga-passwords")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, store.Delete("tamga-passwords"), "deleting an absent slot is a no-op")
	})

	t.Run("InvalidSlotNames", func(t *testing.T) {
		for _, name := range []string{"", "../escape", "a/b", `a\b`, "with space", ".hidden"} {
			_, err := store.Set(name, []byte("x"), "")
			assert.Error(t, err, "slot name %q should be rejected", name)
		}
	})

	t.Run("ConcurrentWrites", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := store.Set(fmt.Sprintf("concurrent-%d", i), []byte(fmt.Sprint(i)), ""); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		for i := 0; i < 10; i++ {
			loaded, err := store.Get(fmt.Sprintf("concurrent-%d", i))
			require.NoError(t, err)
			assert.Equal(t, []byte(fmt.Sprint(i)), loaded.Data)
		}
	})

	t.Run("Backups", func(t *testing.T) {
		info, err := store.SaveBackup("backup_20240101_120000", bundle)
		require.NoError(t, err)
		assert.Equal(t, "backup_20240101_120000", info.BackupID)
		assert.Equal(t, int64(len(bundle)), info.FileSize)
		assert.Equal(t, crypto.CalculateChecksum(bundle), info.Checksum)

		loaded, err := store.LoadBackup("backup_20240101_120000")
		require.NoError(t, err)
		assert.Equal(t, bundle, loaded)

		backups, err := store.ListBackups()
		require.NoError(t, err)
		require.Len(t, backups, 1)
		assert.Equal(t, "backup_20240101_120000", backups[0].BackupID)

		_, err = store.LoadBackup("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ClearKeepsBackups", func(t *testing.T) {
		require.NoError(t, store.Clear())

		keys, err := store.Keys()
		require.NoError(t, err)
		assert.Empty(t, keys)

		backups, err := store.ListBackups()
		require.NoError(t, err)
		assert.Len(t, backups, 1, "Clear must not remove backups")
	})

	t.Run("DeleteBackup", func(t *testing.T) {
		require.NoError(t, store.DeleteBackup("backup_20240101_120000"))

		backups, err := store.ListBackups()
		require.NoError(t, err)
		assert.Empty(t, backups)

		err = store.DeleteBackup("backup_20240101_120000")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, store.Close(), "Store should close without error")
	})
}

func TestMemoryStore(t *testing.T) {
	store, err := NewMemoryStore(testTenant)
	require.NoError(t, err)

	testStoreImplementation(t, store)
}

func TestMemoryStoreTenantsShareBackend(t *testing.T) {
	first, err := NewMemoryStore("work")
	require.NoError(t, err)
	second, err := first.WithTenant("personal")
	require.NoError(t, err)

	_, err = first.Set("tamga-salt", []byte("[1]"), "")
	require.NoError(t, err)

	_, err = second.Get("tamga-salt")
	assert.ErrorIs(t, err, ErrNotFound, "tenants must not see each other's slots")

	tenants, err := second.ListTenants()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"work", "personal"}, tenants)

	require.NoError(t, second.DeleteTenant("work"))
	tenants, err = second.ListTenants()
	require.NoError(t, err)
	assert.Equal(t, []string{"personal"}, tenants)
}

func TestNewStore(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		store, err := NewStore(StoreConfig{Type: StoreTypeMemory}, "")
		require.NoError(t, err)
		assert.Equal(t, "memory", store.GetType())
	})

	t.Run("FileSystem", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": t.TempDir()},
		}, "tamga")
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, "filesystem", store.GetType())
	})

	t.Run("FileSystemMissingPath", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{}}, "tamga")
		assert.Error(t, err)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: "floppy"}, "tamga")
		assert.Error(t, err)
	})

	t.Run("InvalidTenant", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: StoreTypeMemory}, "../other")
		assert.Error(t, err)
	})
}
