package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osmn-byhn/tamga/internal/crypto"
	"github.com/osmn-byhn/tamga/internal/misc"
)

const (
	FilePermissions os.FileMode = misc.FilePermissions
	DirPermissions  os.FileMode = misc.DirPermissions

	backupExtension = ".enc"
)

var _ Store = (*FileSystemStore)(nil)

// FileSystemStore keeps one file per slot under
//
//	basePath/tenantID/vault.json
//	basePath/tenantID/data/<slot>
//	basePath/tenantID/backups/<backup-id>.enc
type FileSystemStore struct {
	basePath    string
	tenantID    string
	tenantPath  string // basePath/tenantID/
	dataDir     string // basePath/tenantID/data/
	backupsDir  string // basePath/tenantID/backups/
	vaultConfig string // basePath/tenantID/vault.json
}

type VaultConfig struct {
	Version     string    `json:"version"`
	TenantID    string    `json:"tenant_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	Structure   string    `json:"structure_version"`
	Description string    `json:"description,omitempty"`
}

func NewFileSystemStore(basePath string, tenantID string) (*FileSystemStore, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	tenantPath := filepath.Join(basePath, tenantID)

	fs := &FileSystemStore{
		basePath:    basePath,
		tenantID:    tenantID,
		tenantPath:  tenantPath,
		dataDir:     filepath.Join(tenantPath, "data"),
		backupsDir:  filepath.Join(tenantPath, "backups"),
		vaultConfig: filepath.Join(tenantPath, "vault.json"),
	}

	for _, dir := range []string{fs.tenantPath, fs.dataDir, fs.backupsDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeVaultConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize vault config: %w", err)
	}

	return fs, nil
}

func (fs *FileSystemStore) initializeVaultConfig() error {
	if _, err := os.Stat(fs.vaultConfig); os.IsNotExist(err) {
		config := VaultConfig{
			Version:    "1.0.0",
			TenantID:   fs.tenantID,
			CreatedAt:  time.Now().UTC(),
			LastAccess: time.Now().UTC(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.vaultConfig, data, FilePermissions)
	}
	return nil
}

func (fs *FileSystemStore) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var tenants []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(fs.basePath, entry.Name(), "vault.json")); err == nil {
			tenants = append(tenants, entry.Name())
		}
	}
	return tenants, nil
}

func (fs *FileSystemStore) DeleteTenant(tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	tenantPath := filepath.Join(fs.basePath, tenantID)
	if _, err := os.Stat(tenantPath); os.IsNotExist(err) {
		return fmt.Errorf("tenant %s not found", tenantID)
	}

	if err := os.RemoveAll(tenantPath); err != nil {
		return fmt.Errorf("failed to delete tenant %s: %w", tenantID, err)
	}
	return nil
}

func (fs *FileSystemStore) Get(name string) (*VersionedData, error) {
	if err := validateSlotName(name); err != nil {
		return nil, err
	}

	path := fs.slotPath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read slot %s: %w", name, err)
	}

	var timestamp time.Time
	if info, err := os.Stat(path); err == nil {
		timestamp = info.ModTime().UTC()
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: timestamp,
	}, nil
}

func (fs *FileSystemStore) Set(name string, data []byte, expectedVersion string) (string, error) {
	if err := validateSlotName(name); err != nil {
		return "", err
	}

	path := fs.slotPath(name)
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if err = checkVersion("Set", expectedVersion, currentVersion); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(fs.dataDir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to save slot %s: %w", name, err)
	}

	return calculateVersion(data), nil
}

func (fs *FileSystemStore) Delete(name string) error {
	if err := validateSlotName(name); err != nil {
		return err
	}

	if err := os.Remove(fs.slotPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete slot %s: %w", name, err)
	}
	return nil
}

func (fs *FileSystemStore) Exists(name string) (bool, error) {
	if err := validateSlotName(name); err != nil {
		return false, err
	}
	return fileExists(fs.slotPath(name))
}

func (fs *FileSystemStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
			continue
		}
		keys = append(keys, entry.Name())
	}
	return keys, nil
}

func (fs *FileSystemStore) Clear() error {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(fs.dataDir, entry.Name())); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", entry.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (fs *FileSystemStore) SaveBackup(backupID string, bundle []byte) (*BackupInfo, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(fs.backupsDir, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create backups directory: %w", err)
	}

	path := fs.backupPath(backupID)
	if err := writeSecureFile(path, bundle, FilePermissions); err != nil {
		return nil, fmt.Errorf("failed to write backup file: %w", err)
	}

	return fs.backupInfo(backupID, path)
}

func (fs *FileSystemStore) LoadBackup(backupID string) ([]byte, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.backupPath(backupID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExtension) {
			continue
		}
		backupID := strings.TrimSuffix(entry.Name(), backupExtension)
		info, err := fs.backupInfo(backupID, filepath.Join(fs.backupsDir, entry.Name()))
		if err != nil {
			continue
		}
		backups = append(backups, *info)
	}

	sortBackups(backups)
	return backups, nil
}

func (fs *FileSystemStore) DeleteBackup(backupID string) error {
	if err := validateBackupID(backupID); err != nil {
		return err
	}

	if err := os.Remove(fs.backupPath(backupID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	return nil
}

func (fs *FileSystemStore) backupInfo(backupID, path string) (*BackupInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return &BackupInfo{
		BackupID:        backupID,
		BackupTimestamp: stat.ModTime().UTC(),
		FileSize:        stat.Size(),
		Checksum:        crypto.CalculateChecksum(data),
		TenantID:        fs.tenantID,
		StorePath:       path,
	}, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.tenantPath)
	return err
}

// Close stamps the last access time into vault.json.
func (fs *FileSystemStore) Close() error {
	data, err := os.ReadFile(fs.vaultConfig)
	if err != nil {
		return nil
	}

	var config VaultConfig
	if err = json.Unmarshal(data, &config); err != nil {
		return nil
	}
	config.LastAccess = time.Now().UTC()

	if data, err = json.MarshalIndent(config, "", "  "); err != nil {
		return nil
	}
	return writeSecureFile(fs.vaultConfig, data, FilePermissions)
}

func (fs *FileSystemStore) slotPath(name string) string {
	return filepath.Join(fs.dataDir, name)
}

func (fs *FileSystemStore) backupPath(backupID string) string {
	return filepath.Join(fs.backupsDir, backupID+backupExtension)
}

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateVersion(data), nil
}

// writeSecureFile writes through a temp file in the same directory and
// renames it into place, so a crash never leaves a half-written slot.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
