package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/osmn-byhn/tamga/internal/crypto"
)

var (
	slotsBucket   = []byte("slots")
	backupsBucket = []byte("backups")
)

const boltOpenTimeout = 10 * time.Second

var _ Store = (*BoltStore)(nil)

// sharedBolt is a refcounted handle so that every tenant store derived with
// WithTenant writes into the same database file.
type sharedBolt struct {
	mu   sync.Mutex
	db   *bbolt.DB
	refs int
}

// BoltStore keeps a whole profile set in a single bbolt file. Each tenant is
// a top-level bucket holding a "slots" and a "backups" bucket. Values are
// prefixed with an 8 byte big-endian unix-nano write time.
type BoltStore struct {
	shared   *sharedBolt
	path     string
	tenantID string
}

func NewBoltStore(path string, tenantID string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt storage requires a database path")
	}

	if err := os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	db, err := bbolt.Open(path, FilePermissions, &bbolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open vault database: %w", err)
	}

	store, err := newBoltStore(&sharedBolt{db: db}, path, tenantID)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// WithTenant returns a store for tenantID backed by the same database file.
// Each returned store must be closed; the file closes with the last one.
func (bs *BoltStore) WithTenant(tenantID string) (*BoltStore, error) {
	return newBoltStore(bs.shared, bs.path, tenantID)
}

func newBoltStore(shared *sharedBolt, path, tenantID string) (*BoltStore, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.db == nil {
		return nil, fmt.Errorf("bolt database %s is closed", path)
	}

	err := shared.db.Update(func(tx *bbolt.Tx) error {
		tenant, err := tx.CreateBucketIfNotExists([]byte(tenantID))
		if err != nil {
			return fmt.Errorf("failed to create tenant bucket: %w", err)
		}
		if _, err = tenant.CreateBucketIfNotExists(slotsBucket); err != nil {
			return fmt.Errorf("failed to create slots bucket: %w", err)
		}
		if _, err = tenant.CreateBucketIfNotExists(backupsBucket); err != nil {
			return fmt.Errorf("failed to create backups bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	shared.refs++
	return &BoltStore{shared: shared, path: path, tenantID: tenantID}, nil
}

func (bs *BoltStore) db() *bbolt.DB {
	bs.shared.mu.Lock()
	defer bs.shared.mu.Unlock()
	return bs.shared.db
}

func (bs *BoltStore) view(child []byte, fn func(b *bbolt.Bucket) error) error {
	db := bs.db()
	if db == nil {
		return fmt.Errorf("bolt database %s is closed", bs.path)
	}
	return db.View(func(tx *bbolt.Tx) error {
		b := bs.bucket(tx, child)
		if b == nil {
			return fmt.Errorf("tenant %s not initialized", bs.tenantID)
		}
		return fn(b)
	})
}

func (bs *BoltStore) update(child []byte, fn func(b *bbolt.Bucket) error) error {
	db := bs.db()
	if db == nil {
		return fmt.Errorf("bolt database %s is closed", bs.path)
	}
	return db.Update(func(tx *bbolt.Tx) error {
		b := bs.bucket(tx, child)
		if b == nil {
			return fmt.Errorf("tenant %s not initialized", bs.tenantID)
		}
		return fn(b)
	})
}

func (bs *BoltStore) bucket(tx *bbolt.Tx, child []byte) *bbolt.Bucket {
	tenant := tx.Bucket([]byte(bs.tenantID))
	if tenant == nil {
		return nil
	}
	return tenant.Bucket(child)
}

func (bs *BoltStore) ListTenants() ([]string, error) {
	db := bs.db()
	if db == nil {
		return nil, fmt.Errorf("bolt database %s is closed", bs.path)
	}

	var tenants []string
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			tenants = append(tenants, string(name))
			return nil
		})
	})
	return tenants, err
}

func (bs *BoltStore) DeleteTenant(tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	db := bs.db()
	if db == nil {
		return fmt.Errorf("bolt database %s is closed", bs.path)
	}

	return db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(tenantID)); err != nil {
			if errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("tenant %s not found", tenantID)
			}
			return fmt.Errorf("failed to delete tenant %s: %w", tenantID, err)
		}
		return nil
	})
}

func (bs *BoltStore) Get(name string) (*VersionedData, error) {
	if err := validateSlotName(name); err != nil {
		return nil, err
	}

	var result *VersionedData
	err := bs.view(slotsBucket, func(b *bbolt.Bucket) error {
		raw := b.Get([]byte(name))
		if raw == nil {
			return ErrNotFound
		}
		data, timestamp := decodeBoltValue(raw)
		result = &VersionedData{
			Data:      data,
			Version:   calculateVersion(data),
			Timestamp: timestamp,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (bs *BoltStore) Set(name string, data []byte, expectedVersion string) (string, error) {
	if err := validateSlotName(name); err != nil {
		return "", err
	}

	err := bs.update(slotsBucket, func(b *bbolt.Bucket) error {
		if expectedVersion != "" {
			currentVersion := ""
			if raw := b.Get([]byte(name)); raw != nil {
				current, _ := decodeBoltValue(raw)
				currentVersion = calculateVersion(current)
			}
			if err := checkVersion("Set", expectedVersion, currentVersion); err != nil {
				return err
			}
		}
		return b.Put([]byte(name), encodeBoltValue(data, time.Now().UTC()))
	})
	if err != nil {
		return "", err
	}
	return calculateVersion(data), nil
}

func (bs *BoltStore) Delete(name string) error {
	if err := validateSlotName(name); err != nil {
		return err
	}
	return bs.update(slotsBucket, func(b *bbolt.Bucket) error {
		return b.Delete([]byte(name))
	})
}

func (bs *BoltStore) Exists(name string) (bool, error) {
	if err := validateSlotName(name); err != nil {
		return false, err
	}

	exists := false
	err := bs.view(slotsBucket, func(b *bbolt.Bucket) error {
		exists = b.Get([]byte(name)) != nil
		return nil
	})
	return exists, err
}

func (bs *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := bs.view(slotsBucket, func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (bs *BoltStore) Clear() error {
	db := bs.db()
	if db == nil {
		return fmt.Errorf("bolt database %s is closed", bs.path)
	}

	return db.Update(func(tx *bbolt.Tx) error {
		tenant := tx.Bucket([]byte(bs.tenantID))
		if tenant == nil {
			return fmt.Errorf("tenant %s not initialized", bs.tenantID)
		}
		if err := tenant.DeleteBucket(slotsBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to clear slots: %w", err)
		}
		_, err := tenant.CreateBucket(slotsBucket)
		return err
	})
}

func (bs *BoltStore) SaveBackup(backupID string, bundle []byte) (*BackupInfo, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err := bs.update(backupsBucket, func(b *bbolt.Bucket) error {
		return b.Put([]byte(backupID), encodeBoltValue(bundle, now))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save backup: %w", err)
	}

	info := bs.backupInfo(backupID, bundle, now)
	return &info, nil
}

func (bs *BoltStore) LoadBackup(backupID string) ([]byte, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	var bundle []byte
	err := bs.view(backupsBucket, func(b *bbolt.Bucket) error {
		raw := b.Get([]byte(backupID))
		if raw == nil {
			return ErrNotFound
		}
		bundle, _ = decodeBoltValue(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func (bs *BoltStore) ListBackups() ([]BackupInfo, error) {
	var backups []BackupInfo
	err := bs.view(backupsBucket, func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			data, timestamp := decodeBoltValue(v)
			backups = append(backups, bs.backupInfo(string(k), data, timestamp))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortBackups(backups)
	return backups, nil
}

func (bs *BoltStore) DeleteBackup(backupID string) error {
	if err := validateBackupID(backupID); err != nil {
		return err
	}

	return bs.update(backupsBucket, func(b *bbolt.Bucket) error {
		if b.Get([]byte(backupID)) == nil {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return b.Delete([]byte(backupID))
	})
}

func (bs *BoltStore) backupInfo(backupID string, data []byte, timestamp time.Time) BackupInfo {
	return BackupInfo{
		BackupID:        backupID,
		BackupTimestamp: timestamp,
		FileSize:        int64(len(data)),
		Checksum:        crypto.CalculateChecksum(data),
		TenantID:        bs.tenantID,
		StorePath:       bs.path + "#" + bs.tenantID + "/" + backupID,
	}
}

func (bs *BoltStore) Ping() error {
	if bs.db() == nil {
		return fmt.Errorf("bolt database %s is closed", bs.path)
	}
	return nil
}

// Close releases this store's reference. The database file is closed when
// the last store sharing it is closed.
func (bs *BoltStore) Close() error {
	bs.shared.mu.Lock()
	defer bs.shared.mu.Unlock()

	if bs.shared.db == nil || bs.shared.refs == 0 {
		return nil
	}
	bs.shared.refs--
	if bs.shared.refs > 0 {
		return nil
	}

	err := bs.shared.db.Close()
	bs.shared.db = nil
	return err
}

func (bs *BoltStore) GetType() string {
	return string(StoreTypeBolt)
}

func encodeBoltValue(data []byte, timestamp time.Time) []byte {
	value := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(value[:8], uint64(timestamp.UnixNano()))
	copy(value[8:], data)
	return value
}

// decodeBoltValue copies out of the bbolt page; the slice is only valid for
// the life of the transaction.
func decodeBoltValue(raw []byte) ([]byte, time.Time) {
	if len(raw) < 8 {
		return append([]byte(nil), raw...), time.Time{}
	}
	timestamp := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8]))).UTC()
	return append([]byte{}, raw[8:]...), timestamp
}

