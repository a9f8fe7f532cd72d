package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/osmn-byhn/tamga/internal/crypto"
)

const (
	ctxTimeout = 10 * time.Second
)

var _ Store = (*S3Store)(nil)

// S3Store implements Store on top of an S3 compatible object store (MinIO).
// Every tenant gets its own prefix inside the bucket:
//
//	bucketName/
//	└── [keyPrefix/]tenant/
//	    ├── vault.config
//	    ├── data/
//	    │   ├── tamga-salt
//	    │   ├── tamga-validator
//	    │   └── tamga-passwords
//	    └── backups/
//	        └── backup_20240101_120000.enc
//
// Slot versions are the object ETags, so a conditional Set is enforced both
// client side and with an If-Match precondition.
type S3Store struct {
	client *minio.Client

	bucketName string

	// keyPrefix namespaces the bucket when several applications share it.
	keyPrefix string

	tenantID string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucketName to use.
	KeyPrefix       string // The prefix for keys stored in the S3 bucketName.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the S3 bucketName.
}

// NewS3Store connects to the endpoint in config, makes sure the bucket exists
// and writes the tenant's vault.config on first use. An empty tenantID means
// "default".
func NewS3Store(config S3Config, tenantID string) (*S3Store, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		tenantID:   tenantID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucketName exists: %w", err)
	}

	if err = store.initializeVaultConfig(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize vault config: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig decodes the generic config map into an S3Config.
func NewS3StoreFromConfig(config StoreConfig, tenantID string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, tenantID)
}

func (s3s *S3Store) initializeVaultConfig(ctx context.Context) error {
	objectName := s3s.buildTenantPath("vault.config")

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to check vault config: %w", err)
	}

	config := VaultConfig{
		Version:    "1.0.0",
		TenantID:   s3s.tenantID,
		CreatedAt:  time.Now().UTC(),
		LastAccess: time.Now().UTC(),
		Structure:  "v1",
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vault config: %w", err)
	}

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":         "vault-config",
				"tenant-id":         s3s.tenantID,
				"structure-version": config.Structure,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create vault config: %w", err)
	}

	log.Debug().Str("bucket", s3s.bucketName).Str("object", objectName).Msg("created vault config")
	return nil
}

// ListTenants returns all tenant IDs that have objects in the bucket.
func (s3s *S3Store) ListTenants() ([]string, error) {
	basePrefix := strings.Trim(s3s.keyPrefix, "/")
	if basePrefix != "" {
		basePrefix += "/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    basePrefix,
		Recursive: true,
	})

	tenantSet := make(map[string]bool)
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}

		parts := strings.Split(strings.TrimPrefix(object.Key, basePrefix), "/")
		if len(parts) > 1 && parts[0] != "" {
			tenantSet[parts[0]] = true
		}
	}

	tenants := make([]string, 0, len(tenantSet))
	for tenant := range tenantSet {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// DeleteTenant removes every object under the tenant's prefix.
func (s3s *S3Store) DeleteTenant(tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	removed, err := s3s.removePrefix(ctx, s3s.buildTenantPathForTenant(tenantID)+"/")
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("tenant %s not found or has no data", tenantID)
	}
	return nil
}

func (s3s *S3Store) Get(name string) (*VersionedData, error) {
	if err := validateSlotName(name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, info, err := s3s.getObject(ctx, s3s.slotObjectName(name))
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load slot %s: %w", name, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(info.ETag),
		Timestamp: info.LastModified,
	}, nil
}

func (s3s *S3Store) Set(name string, data []byte, expectedVersion string) (string, error) {
	if err := validateSlotName(name); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.slotObjectName(name)
	putOptions := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"data-type": "slot",
			"tenant-id": s3s.tenantID,
		},
	}

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if err = checkVersion("Set", expectedVersion, currentVersion); err != nil {
			return "", err
		}
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   "unknown",
				Operation:       "Set",
			}
		}
		return "", fmt.Errorf("failed to save slot %s: %w", name, err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) Delete(name string) error {
	if err := validateSlotName(name); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.slotObjectName(name), minio.RemoveObjectOptions{})
	if err != nil && !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to delete slot %s: %w", name, err)
	}
	return nil
}

func (s3s *S3Store) Exists(name string) (bool, error) {
	if err := validateSlotName(name); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.slotObjectName(name), minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check slot %s: %w", name, err)
	}
	return true, nil
}

func (s3s *S3Store) Keys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildTenantPath("data") + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var keys []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list slots: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s3s *S3Store) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.removePrefix(ctx, s3s.buildTenantPath("data")+"/")
	return err
}

func (s3s *S3Store) SaveBackup(backupID string, bundle []byte) (*BackupInfo, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	now := time.Now().UTC()
	checksum := crypto.CalculateChecksum(bundle)
	objectName := s3s.backupObjectName(backupID)

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(bundle), int64(len(bundle)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"backup-id":        backupID,
				"backup-timestamp": now.Format(time.RFC3339),
				"tenant-id":        s3s.tenantID,
				"checksum":         checksum,
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upload backup: %w", err)
	}

	return &BackupInfo{
		BackupID:        backupID,
		BackupTimestamp: now,
		FileSize:        int64(len(bundle)),
		Checksum:        checksum,
		TenantID:        s3s.tenantID,
		StorePath:       objectName,
	}, nil
}

func (s3s *S3Store) LoadBackup(backupID string) ([]byte, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, _, err := s3s.getObject(ctx, s3s.backupObjectName(backupID))
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download backup: %w", err)
	}
	return data, nil
}

func (s3s *S3Store) ListBackups() ([]BackupInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildTenantPath("backups") + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	})

	var backups []BackupInfo
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, backupExtension) {
			continue
		}
		backups = append(backups, s3s.getBackupInfoFromObject(object))
	}

	sortBackups(backups)
	return backups, nil
}

func (s3s *S3Store) DeleteBackup(backupID string) error {
	if err := validateBackupID(backupID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.backupObjectName(backupID)
	if _, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if s3s.isNotFoundError(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return fmt.Errorf("failed to check backup %s: %w", backupID, err)
	}

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	return nil
}

// Health and utilities
func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucketName %s does not exist", s3s.bucketName)
	}
	return nil
}

// Close stamps the last access time into vault.config. Failures are ignored.
func (s3s *S3Store) Close() error {
	objectName := s3s.buildTenantPath("vault.config")

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	configData, _, err := s3s.getObject(ctx, objectName)
	if err != nil {
		return nil
	}

	var config VaultConfig
	if err = json.Unmarshal(configData, &config); err != nil {
		return nil
	}
	config.LastAccess = time.Now().UTC()

	updated, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil
	}
	_, _ = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(updated), int64(len(updated)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) slotObjectName(name string) string {
	return s3s.buildTenantPath("data", name)
}

func (s3s *S3Store) backupObjectName(backupID string) string {
	return s3s.buildTenantPath("backups", backupID+backupExtension)
}

func (s3s *S3Store) buildTenantPath(components ...string) string {
	return s3s.buildTenantPathForTenant(s3s.tenantID, components...)
}

func (s3s *S3Store) buildTenantPathForTenant(tenantID string, components ...string) string {
	var parts []string

	if cleanPrefix := strings.Trim(s3s.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	if tenantID != "" {
		parts = append(parts, tenantID)
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucketName exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucketName: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getObject(ctx context.Context, objectName string) ([]byte, minio.ObjectInfo, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, err
	}
	defer object.Close()

	// GetObject is lazy; Stat surfaces NoSuchKey.
	info, err := object.Stat()
	if err != nil {
		return nil, minio.ObjectInfo{}, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, minio.ObjectInfo{}, err
	}
	return data, info, nil
}

func (s3s *S3Store) removePrefix(ctx context.Context, prefix string) (int, error) {
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var objectNames []string
	for object := range objectCh {
		if object.Err != nil {
			return 0, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		objectNames = append(objectNames, object.Key)
	}

	for _, objectName := range objectNames {
		err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{})
		if err != nil && !s3s.isNotFoundError(err) {
			return 0, fmt.Errorf("failed to delete object %s: %w", objectName, err)
		}
	}
	return len(objectNames), nil
}

func (s3s *S3Store) getBackupInfoFromObject(object minio.ObjectInfo) BackupInfo {
	getMetadata := func(key string) string {
		searchKey := strings.ToLower(key)
		for k, v := range object.UserMetadata {
			normalizedKey := strings.ToLower(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"))
			if normalizedKey == searchKey {
				return v
			}
		}
		return ""
	}

	backupID := getMetadata("backup-id")
	if backupID == "" {
		parts := strings.Split(object.Key, "/")
		backupID = strings.TrimSuffix(parts[len(parts)-1], backupExtension)
	}

	backupTimestamp := object.LastModified
	if parsed, err := time.Parse(time.RFC3339, getMetadata("backup-timestamp")); err == nil {
		backupTimestamp = parsed
	}

	tenantID := getMetadata("tenant-id")
	if tenantID == "" {
		tenantID = s3s.tenantID
	}

	return BackupInfo{
		BackupID:        backupID,
		BackupTimestamp: backupTimestamp,
		FileSize:        object.Size,
		Checksum:        getMetadata("checksum"),
		TenantID:        tenantID,
		StorePath:       object.Key,
	}
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
