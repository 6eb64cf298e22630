package artifact

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	for _, ok := range []string{"t1/ev1/recording.mp3", "a"} {
		assert.NoError(t, ValidateKey(ok), ok)
	}
	for _, bad := range []string{"", " ", "/abs", "a/../b", "a//b", "./a", `a\b`, ".."} {
		assert.Error(t, ValidateKey(bad), bad)
	}
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".mp3", ExtensionFor("audio/mpeg"))
	assert.Equal(t, ".wav", ExtensionFor("audio/x-wav; charset=binary"))
	assert.Equal(t, ".bin", ExtensionFor(""))
}

func TestFSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := filepath.Join(t.TempDir(), "artifacts")
	s, err := NewFSStore(base)
	require.NoError(t, err)

	obj, err := s.Put(ctx, "t1/ev1/recording.mp3", strings.NewReader("audio"), 5, "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, "fs://t1/ev1/recording.mp3", obj.Locator)
	assert.Equal(t, int64(5), obj.Size)

	rc, err := s.Open(ctx, obj.Locator)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "audio", string(data))

	spool, err := os.ReadDir(filepath.Join(base, spoolDir))
	require.NoError(t, err)
	assert.Empty(t, spool)

	require.NoError(t, s.Delete(ctx, obj.Locator))
	assert.ErrorIs(t, s.Delete(ctx, obj.Locator), ErrNotFound)
	_, err = s.Open(ctx, obj.Locator)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreRejects(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(ctx, "../escape", strings.NewReader("x"), 1, "")
	assert.Error(t, err)
	_, err = s.Put(ctx, "t1/short", strings.NewReader("abc"), 10, "")
	assert.Error(t, err)
	_, err = s.Open(ctx, "s3://bucket/key")
	assert.ErrorIs(t, err, ErrForeignLocator)

	_, err = NewFSStore("  ")
	assert.Error(t, err)
}

func TestFSStoreCleanupRemovesStaleSpool(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := NewFSStore(base)
	require.NoError(t, err)

	n, err := s.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	dir := filepath.Join(base, spoolDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stale := filepath.Join(dir, "put-stale")
	fresh := filepath.Join(dir, "put-fresh")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	n, err = s.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = data
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	s, err := NewS3Store(api, "recordings", "/switchboard/")
	require.NoError(t, err)

	obj, err := s.Put(ctx, "t1/ev1/recording.wav", strings.NewReader("wave"), 4, "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "s3://recordings/switchboard/t1/ev1/recording.wav", obj.Locator)
	assert.Equal(t, "audio/wav", api.types["recordings/switchboard/t1/ev1/recording.wav"])

	rc, err := s.Open(ctx, obj.Locator)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "wave", string(data))

	require.NoError(t, s.Delete(ctx, obj.Locator))
	_, err = s.Open(ctx, obj.Locator)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Open(ctx, "s3://other-bucket/x")
	assert.ErrorIs(t, err, ErrForeignLocator)
	_, err = s.Open(ctx, "fs://t1/x")
	assert.ErrorIs(t, err, ErrForeignLocator)

	_, err = NewS3Store(api, "", "")
	assert.Error(t, err)
}
