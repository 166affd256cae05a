package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	objects map[string]string
	// body overrides the object reader, e.g. to fail mid-stream.
	body io.Reader
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	var body io.Reader = strings.NewReader(data)
	if f.body != nil {
		body = f.body
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(body)}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, stderrors.New("connection reset") }

func TestSize(t *testing.T) {
	c := NewWithAPI(&fakeAPI{objects: map[string]string{"base.raw": "disk image"}}, nil)

	size, err := c.Size(context.Background(), "images", "base.raw")
	require.NoError(t, err)
	assert.EqualValues(t, 10, size)

	_, err = c.Size(context.Background(), "images", "missing.raw")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownload(t *testing.T) {
	const data = "disk image contents"
	c := NewWithAPI(&fakeAPI{objects: map[string]string{"base.raw": data}}, nil)
	dst := filepath.Join(t.TempDir(), "base.raw")

	res, err := c.Download(context.Background(), "images", "base.raw", dst)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(data))
	assert.Equal(t, hex.EncodeToString(sum[:]), res.SHA256)
	assert.EqualValues(t, len(data), res.Size)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, string(got))
}

func TestDownloadMissing(t *testing.T) {
	c := NewWithAPI(&fakeAPI{}, nil)

	_, err := c.Download(context.Background(), "images", "missing.raw", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadRemovesPartialFile(t *testing.T) {
	api := &fakeAPI{objects: map[string]string{"base.raw": "x"}, body: failingReader{}}
	c := NewWithAPI(api, nil)
	dst := filepath.Join(t.TempDir(), "base.raw")

	_, err := c.Download(context.Background(), "images", "base.raw", dst)
	require.Error(t, err)
	assert.NoFileExists(t, dst)
}
