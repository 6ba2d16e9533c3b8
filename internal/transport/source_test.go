package transport

import (
	"context"
	"errors"
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

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ec2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ec2", "first.msgpack"), []byte("hello"), 0o600))

	src := FileSource{Dir: dir}

	rc, err := src.Open(context.Background(), "ec2/first.msgpack")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(got))

	_, err = src.Open(context.Background(), "ec2/missing.msgpack")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "ec2/missing.msgpack")

	_, err = src.Open(context.Background(), "../outside.msgpack")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource(nil)
	_, err := src.Open(context.Background(), "a.msgpack")
	assert.ErrorIs(t, err, ErrNotFound)

	src.Put("a.msgpack", []byte("abc"))
	rc, err := src.Open(context.Background(), "a.msgpack")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFetchError(t *testing.T) {
	tests := []struct {
		name         string
		err          *FetchError
		wantNotFound bool
		wantMsg      string
	}{
		{
			name:         "http 404",
			err:          &FetchError{Path: "p.xz", StatusCode: 404},
			wantNotFound: true,
			wantMsg:      "fetch p.xz: HTTP 404",
		},
		{
			name:    "http 500",
			err:     &FetchError{Path: "p.xz", StatusCode: 500},
			wantMsg: "fetch p.xz: HTTP 500",
		},
		{
			name:         "missing file",
			err:          &FetchError{Path: "p.xz", Err: os.ErrNotExist},
			wantNotFound: true,
			wantMsg:      "fetch p.xz: file does not exist",
		},
		{
			name:    "network",
			err:     &FetchError{Path: "p.xz", Err: errors.New("connection refused")},
			wantMsg: "fetch p.xz: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantNotFound, errors.Is(tt.err, ErrNotFound))
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestS3Config(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{name: "bucket only", cfg: S3Config{Bucket: "pricing"}},
		{name: "static credentials", cfg: S3Config{Bucket: "pricing", AccessKeyID: "a", SecretAccessKey: "b"}},
		{name: "missing bucket", cfg: S3Config{}, wantErr: true},
		{name: "half credentials", cfg: S3Config{Bucket: "pricing", AccessKeyID: "a"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	cfg := S3Config{Bucket: "pricing", Prefix: "/v1/"}
	cfg.ApplyDefaults()
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "v1/ec2.msgpack.xz", cfg.Key("/ec2.msgpack.xz"))
	assert.Equal(t, "ec2.msgpack.xz", S3Config{}.Key("ec2.msgpack.xz"))
}

// fakeS3 is an in-memory S3API.
type fakeS3 struct {
	objects map[string]string
	puts    map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Source(t *testing.T) {
	client := &fakeS3{objects: map[string]string{"pricing/v1/ec2.msgpack": "payload"}}
	src := NewS3Source(client, S3Config{Bucket: "pricing", Prefix: "v1"})

	s, err := Open(context.Background(), src, "ec2.msgpack")
	require.NoError(t, err)
	defer s.Close()
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	_, err = Open(context.Background(), src, "missing.msgpack")
	assert.ErrorIs(t, err, ErrNotFound)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "missing.msgpack", fe.Path)
}
