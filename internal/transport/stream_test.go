package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/rainbow-pricing/internal/compress"
)

func testPayload() []byte {
	var buf bytes.Buffer
	for i := 0; i < 2000; i++ {
		fmt.Fprintf(&buf, "record-%05d:0.%03d;", i, i%997)
	}
	return buf.Bytes()
}

func compressed(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := compress.NewWriter(name, &buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// drain collects every chunk of s and checks the chunk invariants.
func drain(t *testing.T, s *Stream, maxChunk int) []byte {
	t.Helper()
	var chunks [][]byte
	for {
		chunk, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.NotEmpty(t, chunk, "zero-length chunks must not be emitted")
		require.LessOrEqual(t, len(chunk), maxChunk)
		chunks = append(chunks, chunk)
	}
	return bytes.Join(chunks, nil)
}

func TestStream_Formats(t *testing.T) {
	payload := testPayload()

	for _, ext := range []string{"", ".xz", ".zst", ".gz", ".s2", ".lz4"} {
		name := "ec2-instances-p1.msgpack" + ext
		t.Run(name, func(t *testing.T) {
			src := NewMemorySource(map[string][]byte{name: compressed(t, name, payload)})

			s, err := Open(context.Background(), src, name,
				WithRawChunkSize(97), WithChunkSize(1000), WithDepth(1))
			require.NoError(t, err)
			defer s.Close()

			assert.Equal(t, payload, drain(t, s, 1000))
			assert.NoError(t, s.Err())

			// end of stream is sticky
			_, err = s.Next(context.Background())
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestStream_Read(t *testing.T) {
	payload := testPayload()
	name := "ec2.msgpack.zst"
	src := NewMemorySource(map[string][]byte{name: compressed(t, name, payload)})

	s, err := Open(context.Background(), src, name, WithChunkSize(7))
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Positive(t, s.RawBytes())
}

func TestStream_ChunksAreNotReused(t *testing.T) {
	payload := testPayload()
	src := NewMemorySource(map[string][]byte{"plain.msgpack": payload})

	s, err := Open(context.Background(), src, "plain.msgpack", WithRawChunkSize(64), WithChunkSize(64))
	require.NoError(t, err)
	defer s.Close()

	var chunks [][]byte
	for {
		chunk, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.Greater(t, len(chunks), 2)

	// scribbling over an early chunk must not change later ones
	for i := range chunks[0] {
		chunks[0][i] = 0
	}
	assert.Equal(t, payload[64:], bytes.Join(chunks[1:], nil))
}

func TestOpen_HTTPNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Open(context.Background(), NewHTTPSource(srv.URL, srv.Client()), "missing.msgpack.xz")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "missing.msgpack.xz", fe.Path)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Contains(t, err.Error(), "missing.msgpack.xz")
}

func TestOpen_HTTP(t *testing.T) {
	payload := testPayload()
	body := compressed(t, "x.gz", payload)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/ec2.msgpack.gz", r.URL.Path)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	s, err := Open(context.Background(), NewHTTPSource(srv.URL+"/data/", nil), "ec2.msgpack.gz")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, payload, drain(t, s, defaultChunkSize))
}

func TestStream_CorruptInput(t *testing.T) {
	payload := testPayload()
	full := compressed(t, "x.gz", payload)
	src := NewMemorySource(map[string][]byte{"truncated.gz": full[:len(full)/2]})

	s, err := Open(context.Background(), src, "truncated.gz")
	require.NoError(t, err)
	defer s.Close()

	var lastErr error
	for {
		_, err := s.Next(context.Background())
		if err != nil {
			lastErr = err
			break
		}
	}
	assert.NotErrorIs(t, lastErr, io.EOF)
	assert.Contains(t, lastErr.Error(), "truncated.gz")
	assert.Error(t, s.Err())
}

// blockingSource serves a body that never ends until closed.
type blockingSource struct {
	closed chan struct{}
}

func (b *blockingSource) Open(context.Context, string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("partial"))
		<-b.closed
	}()
	return &notifyCloser{ReadCloser: pr, pw: pw, closed: b.closed}, nil
}

type notifyCloser struct {
	io.ReadCloser
	pw     *io.PipeWriter
	closed chan struct{}
}

func (n *notifyCloser) Close() error {
	select {
	case <-n.closed:
	default:
		close(n.closed)
	}
	_ = n.pw.Close()
	return n.ReadCloser.Close()
}

func TestStream_CloseCancels(t *testing.T) {
	src := &blockingSource{closed: make(chan struct{})}
	s, err := Open(context.Background(), src, "slow.msgpack", WithChunkSize(4))
	require.NoError(t, err)

	chunk, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("part"), chunk)

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the stages")
	}

	select {
	case <-src.closed:
	default:
		t.Fatal("body was not closed")
	}
	assert.NoError(t, s.Err(), "cancellation is not a stream failure")
}

func TestStream_NextHonorsContext(t *testing.T) {
	src := &blockingSource{closed: make(chan struct{})}
	s, err := Open(context.Background(), src, "slow.msgpack", WithChunkSize(1024))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_ParentCancel(t *testing.T) {
	src := &blockingSource{closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Open(ctx, src, "slow.msgpack", WithChunkSize(1024))
	require.NoError(t, err)

	cancel()
	// a chunk already in flight may still be delivered
	for err == nil {
		_, err = s.Next(context.Background())
	}
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, s.Close())
}
