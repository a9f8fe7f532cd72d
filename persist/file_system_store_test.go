package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	baseDir := os.Getenv("FS_BASE_DIR")
	if baseDir == "" {
		baseDir = t.TempDir()
	}
	testDir := filepath.Join(baseDir, "test-run")
	if err := os.RemoveAll(testDir); err != nil {
		t.Logf("Warning: Failed to clean test directory: %v", err)
	}

	t.Logf("Configuring FileSystemStore with baseDir: %s", testDir)

	store, err := NewFileSystemStore(testDir, testTenant)
	require.NoError(t, err)
	defer os.RemoveAll(testDir)

	testStoreImplementation(t, store)
}

func TestFileSystemStoreLayout(t *testing.T) {
	baseDir := t.TempDir()
	store, err := NewFileSystemStore(baseDir, "tamga")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Set("tamga-salt", []byte("[1,2,3]"), "")
	require.NoError(t, err)
	_, err = store.SaveBackup("nightly", []byte("{}"))
	require.NoError(t, err)

	slotPath := filepath.Join(baseDir, "tamga", "data", "tamga-salt")
	info, err := os.Stat(slotPath)
	require.NoError(t, err)
	assert.Equal(t, FilePermissions, info.Mode().Perm())

	_, err = os.Stat(filepath.Join(baseDir, "tamga", "backups", "nightly.enc"))
	assert.NoError(t, err)

	_, err = os.Stat(filepath.Join(baseDir, "tamga", "vault.json"))
	assert.NoError(t, err)
}

func TestFileSystemStoreIgnoresTempFiles(t *testing.T) {
	baseDir := t.TempDir()
	store, err := NewFileSystemStore(baseDir, "tamga")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "tamga", "data", ".tmp-123"), []byte("x"), 0600))
	_, err = store.Set("tamga-envs", []byte("{}"), "")
	require.NoError(t, err)

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"tamga-envs"}, keys)
}

func TestFileSystemStoreDeleteTenant(t *testing.T) {
	baseDir := t.TempDir()
	work, err := NewFileSystemStore(baseDir, "work")
	require.NoError(t, err)
	_, err = NewFileSystemStore(baseDir, "personal")
	require.NoError(t, err)

	tenants, err := work.ListTenants()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"work", "personal"}, tenants)

	require.NoError(t, work.DeleteTenant("personal"))
	assert.Error(t, work.DeleteTenant("personal"))

	tenants, err = work.ListTenants()
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, tenants)
}
