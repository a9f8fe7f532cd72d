package persist

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

func NewStore(config StoreConfig, tenantID string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, tenantID)

	case StoreTypeBolt:
		path, ok := config.Config["path"].(string)
		if !ok {
			return nil, fmt.Errorf("bolt storage requires 'path' in config")
		}
		return NewBoltStore(path, tenantID)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, tenantID)

	case StoreTypeMemory:
		return NewMemoryStore(tenantID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// NewStoreFactory returns a constructor of per-tenant stores for config.
// Bolt and memory stores made by one factory share a single backend, so a
// bolt file is opened once however many profiles use it.
func NewStoreFactory(config StoreConfig) func(tenantID string) (Store, error) {
	var (
		mu     sync.Mutex
		bolt   *BoltStore
		memory *MemoryStore
	)

	return func(tenantID string) (Store, error) {
		switch config.Type {
		case StoreTypeBolt:
			mu.Lock()
			defer mu.Unlock()
			if bolt != nil {
				if store, err := bolt.WithTenant(tenantID); err == nil {
					return store, nil
				}
			}
			store, err := NewStore(config, tenantID)
			if err != nil {
				return nil, err
			}
			bolt = store.(*BoltStore)
			return store, nil

		case StoreTypeMemory:
			mu.Lock()
			defer mu.Unlock()
			if memory == nil {
				root, err := NewMemoryStore(tenantID)
				if err != nil {
					return nil, err
				}
				memory = root
				return root, nil
			}
			store, err := memory.WithTenant(tenantID)
			if err != nil {
				return nil, err
			}
			return store, nil

		default:
			return NewStore(config, tenantID)
		}
	}
}

func validateTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}

	if strings.Contains(tenantID, "..") ||
		strings.Contains(tenantID, "/") ||
		strings.Contains(tenantID, "\\") ||
		strings.Contains(tenantID, " ") {
		return fmt.Errorf("tenant ID contains invalid characters")
	}

	if len(tenantID) > 100 {
		return fmt.Errorf("tenant ID too long (max 100 characters)")
	}

	return nil
}

func calculateVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}
