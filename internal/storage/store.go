package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lumen-gallery/lumen/pkg/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var log = logger.Get("Storage")

// Per-object metadata headers attached to converted variants. The
// client strips/adds the X-Amz-Meta- prefix itself, so these are the
// bare key names.
const (
	MetaOriginalName = "Original-Name"
	MetaUploadDate   = "Upload-Date"
	MetaConvertedBy  = "Converted-By"
)

type (
	Config struct {
		Endpoint  string `yaml:"endpoint" env:"STORAGE_ENDPOINT" env-default:"localhost:9000"`
		AccessKey string `yaml:"access_key" env:"STORAGE_ACCESS_KEY" env-required:"true"`
		SecretKey string `yaml:"secret_key" env:"STORAGE_SECRET_KEY" env-required:"true"`
		UseSSL    bool   `yaml:"use_ssl" env:"STORAGE_USE_SSL" env-default:"false"`
		Region    string `yaml:"region" env:"STORAGE_REGION"`
	}

	// Object describes a single stored blob. ETag and LastModified are
	// populated by the store on writes and stats.
	Object struct {
		Key          string
		Size         int64
		ContentType  string
		ETag         string
		LastModified time.Time
		Metadata     map[string]string
	}

	// Store wraps the blob store SDK, exposing the small surface the
	// ingestion pipeline needs: put/get/stat/list/remove with hierarchical
	// "folder" emulation via key prefixes.
	Store struct {
		client *minio.Client
	}
)

func New(config Config) (*Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct object store client: %w", err)
	}

	return &Store{client: client}, nil
}

// Put writes the provided bytes to the bucket under the given key. The
// metadata map is stored as per-object string metadata headers.
func (store *Store) Put(ctx context.Context, bucket string, key string, data []byte, contentType string, metadata map[string]string) (*Object, error) {
	info, err := store.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write object %s/%s: %w", bucket, key, err)
	}

	log.Emit(logger.DEBUG, "Wrote object %s/%s (%d bytes)\n", bucket, key, len(data))
	return &Object{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		ETag:         info.ETag,
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}, nil
}

// Get reads the full contents of the object stored under the given key.
func (store *Store) Get(ctx context.Context, bucket string, key string) ([]byte, error) {
	object, err := store.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s/%s: %w", bucket, key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s/%s: %w", bucket, key, err)
	}

	return data, nil
}

// Stat returns the metadata of the object stored under the given key
// without fetching its contents.
func (store *Store) Stat(ctx context.Context, bucket string, key string) (*Object, error) {
	info, err := store.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to stat object %s/%s: %w", bucket, key, err)
	}

	return &Object{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		Metadata:     info.UserMetadata,
	}, nil
}

// List returns all objects in the bucket whose keys begin with the
// provided prefix. An empty prefix lists the entire bucket.
func (store *Store) List(ctx context.Context, bucket string, prefix string) ([]Object, error) {
	objects := make([]Object, 0)
	for info := range store.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("failed to list objects %s/%s*: %w", bucket, prefix, info.Err)
		}

		objects = append(objects, Object{
			Key:          info.Key,
			Size:         info.Size,
			ContentType:  info.ContentType,
			ETag:         info.ETag,
			LastModified: info.LastModified,
		})
	}

	return objects, nil
}

// Remove deletes the object stored under the given key.
func (store *Store) Remove(ctx context.Context, bucket string, key string) error {
	if err := store.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object %s/%s: %w", bucket, key, err)
	}

	return nil
}

// JoinKey composes an object key from an optional folder path and a
// file name, normalising away any leading/trailing separators.
func JoinKey(folderPath string, name string) string {
	folderPath = strings.Trim(folderPath, "/")
	name = strings.TrimLeft(name, "/")
	if folderPath == "" {
		return name
	}

	return folderPath + "/" + name
}

// FolderOf returns the first path segment of the provided object key,
// which is treated as the enclosing "folder" (album). Keys with no
// separator are root-level and yield an empty string.
func FolderOf(key string) string {
	key = strings.TrimLeft(key, "/")
	if idx := strings.Index(key, "/"); idx > 0 {
		return key[:idx]
	}

	return ""
}

// AlbumDocumentKey returns the canonical key of the per-album metadata
// document for the given folder.
func AlbumDocumentKey(folder string) string {
	return fmt.Sprintf("%s/%s.json", folder, folder)
}
