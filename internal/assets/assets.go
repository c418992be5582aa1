// Package assets stores site uploads and published snapshot archives in S3-compatible
// object storage through minio-go.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	MaxUploadBytes = 20 << 20
	defaultURLTTL  = 24 * time.Hour
)

var (
	ErrInvalidAsset = errors.New("invalid asset")
	ErrNotFound     = errors.New("asset not found")
)

var allowedTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"image/svg+xml":   true,
	"image/x-icon":    true,
	"font/woff":       true,
	"font/woff2":      true,
	"text/css":        true,
	"application/pdf": true,
	"video/mp4":       true,
}

type Asset struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	LastModified time.Time `json:"lastModified,omitempty"`
}

// objectAPI is the slice of *minio.Client the store uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Store struct {
	client objectAPI
	bucket string
}

// New connects to the object store. A fixed region keeps presigning local.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "sitecraft-assets"
	}
	return &Store{client: client, bucket: bucket}, nil
}

func newWithClient(client objectAPI, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		log.Printf("assets: bucket %s ready", s.bucket)
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	log.Printf("assets: created bucket %s", s.bucket)
	return nil
}

func siteAssetPrefix(siteID string) string {
	return "sites/" + siteID + "/assets/"
}

// OwnsKey reports whether key is an asset of siteID.
func OwnsKey(siteID, key string) bool {
	return siteID != "" && strings.HasPrefix(key, siteAssetPrefix(siteID)) && !strings.Contains(key, "..")
}

// sanitizeName keeps a readable, URL-safe version of the uploaded file name.
func sanitizeName(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), ".-")
	if name == "" {
		name = "file"
	}
	return name
}

func normalizeContentType(value string) string {
	contentType := strings.ToLower(strings.TrimSpace(value))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return contentType
}

func (s *Store) Upload(ctx context.Context, siteID, filename, contentType string, reader io.Reader, size int64) (Asset, error) {
	if strings.TrimSpace(siteID) == "" {
		return Asset{}, fmt.Errorf("%w: site id is required", ErrInvalidAsset)
	}
	contentType = normalizeContentType(contentType)
	if !allowedTypes[contentType] {
		return Asset{}, fmt.Errorf("%w: content type %q is not allowed", ErrInvalidAsset, contentType)
	}
	if size <= 0 || size > MaxUploadBytes {
		return Asset{}, fmt.Errorf("%w: size must be between 1 and %d bytes", ErrInvalidAsset, MaxUploadBytes)
	}

	name := sanitizeName(filename)
	key := siteAssetPrefix(siteID) + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "-" + name
	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"original-name": filename},
	})
	if err != nil {
		return Asset{}, fmt.Errorf("upload asset: %w", err)
	}

	assetURL, err := s.PresignedURL(ctx, key, defaultURLTTL)
	if err != nil {
		return Asset{}, err
	}
	return Asset{
		Key:          key,
		Name:         name,
		URL:          assetURL,
		Size:         info.Size,
		ContentType:  contentType,
		LastModified: info.LastModified,
	}, nil
}

// List returns the site's assets ordered by key.
func (s *Store) List(ctx context.Context, siteID string) ([]Asset, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make([]Asset, 0)
	prefix := siteAssetPrefix(siteID)
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list assets: %w", object.Err)
		}
		assetURL, err := s.PresignedURL(ctx, object.Key, defaultURLTTL)
		if err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if i := strings.Index(name, "-"); i >= 0 {
			name = name[i+1:]
		}
		items = append(items, Asset{
			Key:          object.Key,
			Name:         name,
			URL:          assetURL,
			Size:         object.Size,
			ContentType:  object.ContentType,
			LastModified: object.LastModified,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (s *Store) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultURLTTL
	}
	signed, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return signed.String(), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		return fmt.Errorf("stat asset: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

// PutSnapshot archives the JSON snapshot of a published site version.
func (s *Store) PutSnapshot(ctx context.Context, siteID, hash string, snapshot []byte) (string, error) {
	key := fmt.Sprintf("sites/%s/snapshots/%s.json", siteID, hash)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(snapshot), int64(len(snapshot)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("archive snapshot: %w", err)
	}
	return key, nil
}
