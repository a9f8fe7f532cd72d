package tamga

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osmn-byhn/tamga/audit"
	"github.com/osmn-byhn/tamga/persist"
)

func newTestManager(t *testing.T, storeType persist.StoreType) *Manager {
	t.Helper()
	dir := t.TempDir()

	config := persist.StoreConfig{Type: storeType, Config: map[string]interface{}{}}
	switch storeType {
	case persist.StoreTypeFileSystem:
		config.Config["base_path"] = dir
	case persist.StoreTypeBolt:
		config.Config["path"] = filepath.Join(dir, "vault.db")
	}

	logger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(dir, "audit.log")},
	})
	require.NoError(t, err)

	m := NewManagerWithStoreConfig(Options{UserID: "tester"}, config, logger)
	t.Cleanup(func() { _ = m.CloseAll() })
	return m
}

func TestManagerProfiles(t *testing.T) {
	for _, storeType := range []persist.StoreType{persist.StoreTypeFileSystem, persist.StoreTypeBolt, persist.StoreTypeMemory} {
		t.Run(string(storeType), func(t *testing.T) {
			m := newTestManager(t, storeType)

			personal, err := m.GetVault("")
			require.NoError(t, err)
			work, err := m.GetVault("work")
			require.NoError(t, err)

			again, err := m.GetVault(DefaultProfile)
			require.NoError(t, err)
			assert.Same(t, personal, again)

			require.NoError(t, personal.SetMasterPassword("personal password"))
			require.NoError(t, work.SetMasterPassword("work password"))
			_, err = work.AddOTPURI("otpauth://totp/work?secret=AAAA")
			require.NoError(t, err)

			data, err := personal.GetData("tamga-otp-uris")
			require.NoError(t, err)
			assert.Nil(t, data)

			profiles, err := m.ListProfiles()
			require.NoError(t, err)
			assert.Equal(t, []string{"default", "work"}, profiles)

			require.NoError(t, m.CloseVault("work"))
			assert.Error(t, m.CloseVault("work"))

			reopened, err := m.GetVault("work")
			require.NoError(t, err)
			assert.NotSame(t, work, reopened)
			assert.Equal(t, StateLocked, reopened.State())

			ok, err := reopened.Unlock("personal password")
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = reopened.Unlock("work password")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, m.DeleteProfile("work"))
			profiles, err = m.ListProfiles()
			require.NoError(t, err)
			assert.Equal(t, []string{"default"}, profiles)

			fresh, err := m.GetVault("work")
			require.NoError(t, err)
			assert.Equal(t, StateFresh, fresh.State())
		})
	}
}

func TestManagerConcurrentGetVault(t *testing.T) {
	m := newTestManager(t, persist.StoreTypeMemory)

	var wg sync.WaitGroup
	vaults := make([]*Vault, 20)
	for i := range vaults {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			profile := "alpha"
			if i%2 == 1 {
				profile = "beta"
			}
			v, err := m.GetVault(profile)
			assert.NoError(t, err)
			vaults[i] = v
		}(i)
	}
	wg.Wait()

	for i := 2; i < len(vaults); i++ {
		assert.Same(t, vaults[i%2], vaults[i])
	}
	assert.NotSame(t, vaults[0], vaults[1])
}

func TestManagerAuditSummary(t *testing.T) {
	m := newTestManager(t, persist.StoreTypeMemory)

	v, err := m.GetVault("default")
	require.NoError(t, err)
	require.NoError(t, v.SetMasterPassword(testPassword))
	_, err = v.AddCredential(Credential{Platform: "p", Value: "v"})
	require.NoError(t, err)
	_, err = v.ExportData()
	require.NoError(t, err)
	v.Lock()
	ok, err := v.Unlock("wrong")
	require.NoError(t, err)
	require.False(t, ok)

	other, err := m.GetVault("other")
	require.NoError(t, err)
	require.NoError(t, other.SetMasterPassword(testPassword))

	summary, err := m.GetAuditSummary("default", nil)
	require.NoError(t, err)

	assert.Equal(t, "default", summary.Profile)
	// profile create, initialize, data write, export, lock, auth failure
	assert.Equal(t, 6, summary.TotalEvents)
	assert.Equal(t, 1, summary.FailedEvents)
	assert.Equal(t, 3, summary.AuthEvents)
	assert.Equal(t, 1, summary.FailedUnlocks)
	assert.Equal(t, 1, summary.DataWrites)
	assert.Equal(t, 1, summary.BackupOperations)
	assert.False(t, summary.LastActivity.IsZero())

	result, err := m.QueryAuditLogs(audit.QueryOptions{Profile: "other"})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}

func TestManagerDeleteProfileValidation(t *testing.T) {
	m := newTestManager(t, persist.StoreTypeMemory)
	assert.Error(t, m.DeleteProfile(""))
	assert.Error(t, m.DeleteProfile("bad/name"))
}
