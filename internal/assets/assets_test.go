package assets

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	buckets map[string]bool
	objects map[string]minio.ObjectInfo
	bodies  map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{buckets: map[string]bool{}, objects: map[string]minio.ObjectInfo{}, bodies: map[string]string{}}
}

func (f *fakeObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, _ string, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.bodies[key] = string(body)
	f.objects[key] = minio.ObjectInfo{Key: key, Size: size, ContentType: opts.ContentType}
	return minio.UploadInfo{Key: key, Size: size}, nil
}

func (f *fakeObjects) ListObjects(_ context.Context, _ string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo, len(f.objects))
	for key, info := range f.objects {
		if strings.HasPrefix(key, opts.Prefix) {
			ch <- info
		}
	}
	close(ch)
	return ch
}

func (f *fakeObjects) StatObject(_ context.Context, _ string, key string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	info, ok := f.objects[key]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey"}
	}
	return info, nil
}

func (f *fakeObjects) RemoveObject(_ context.Context, _ string, key string, _ minio.RemoveObjectOptions) error {
	delete(f.objects, key)
	delete(f.bodies, key)
	return nil
}

func (f *fakeObjects) PresignedGetObject(_ context.Context, bucket, key string, _ time.Duration, _ url.Values) (*url.URL, error) {
	return url.Parse("https://objects.test/" + bucket + "/" + key + "?sig=1")
}

func TestEnsureBucketCreatesOnce(t *testing.T) {
	objects := newFakeObjects()
	store := newWithClient(objects, "sitecraft-assets")

	require.NoError(t, store.EnsureBucket(context.Background()))
	require.NoError(t, store.EnsureBucket(context.Background()))
	assert.True(t, objects.buckets["sitecraft-assets"])
}

func TestUploadValidatesAndStoresUnderSitePrefix(t *testing.T) {
	objects := newFakeObjects()
	store := newWithClient(objects, "bucket")
	ctx := context.Background()

	asset, err := store.Upload(ctx, "sit_1", "My Hero Image.PNG", "image/png; charset=binary", strings.NewReader("png"), 3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(asset.Key, "sites/sit_1/assets/"))
	assert.True(t, strings.HasSuffix(asset.Key, "-my-hero-image.png"))
	assert.Equal(t, "image/png", asset.ContentType)
	assert.Equal(t, int64(3), asset.Size)
	assert.Contains(t, asset.URL, asset.Key)
	assert.Equal(t, "png", objects.bodies[asset.Key])
	assert.True(t, OwnsKey("sit_1", asset.Key))
	assert.False(t, OwnsKey("sit_2", asset.Key))

	_, err = store.Upload(ctx, "sit_1", "run.sh", "application/x-sh", strings.NewReader("x"), 1)
	assert.True(t, errors.Is(err, ErrInvalidAsset))
	_, err = store.Upload(ctx, "sit_1", "big.png", "image/png", strings.NewReader(""), MaxUploadBytes+1)
	assert.True(t, errors.Is(err, ErrInvalidAsset))
}

func TestListAndDelete(t *testing.T) {
	objects := newFakeObjects()
	store := newWithClient(objects, "bucket")
	ctx := context.Background()

	first, err := store.Upload(ctx, "sit_1", "a.css", "text/css", strings.NewReader("a{}"), 3)
	require.NoError(t, err)
	_, err = store.Upload(ctx, "sit_2", "b.css", "text/css", strings.NewReader("b{}"), 3)
	require.NoError(t, err)

	items, err := store.List(ctx, "sit_1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, first.Key, items[0].Key)
	assert.Equal(t, "a.css", items[0].Name)

	require.NoError(t, store.Delete(ctx, first.Key))
	assert.ErrorIs(t, store.Delete(ctx, first.Key), ErrNotFound)
}

func TestPutSnapshot(t *testing.T) {
	objects := newFakeObjects()
	store := newWithClient(objects, "bucket")

	key, err := store.PutSnapshot(context.Background(), "sit_1", "abc123", []byte(`{"site":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "sites/sit_1/snapshots/abc123.json", key)
	assert.Equal(t, "application/json", objects.objects[key].ContentType)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "logo.svg", sanitizeName(`C:\uploads\Logo.svg`))
	assert.Equal(t, "file", sanitizeName("../.."))
	assert.Equal(t, "hello-world.txt", sanitizeName("hello world!.txt"))
}
