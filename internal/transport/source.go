// Package transport moves the raw bytes of pricing resources from where they
// are stored to the decoder, decompressing them on the way.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound matches every fetch failure caused by a missing resource.
var ErrNotFound = errors.New("resource not found")

// FetchError reports a resource that could not be opened.
type FetchError struct {
	Path string
	// StatusCode is the HTTP status for HTTP-like sources, 0 otherwise.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is reports missing resources as ErrNotFound.
func (e *FetchError) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	return e.StatusCode == http.StatusNotFound || errors.Is(e.Err, fs.ErrNotExist)
}

// Source opens pricing resources by path.
type Source interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// HTTPSource fetches resources relative to a base URL.
type HTTPSource struct {
	BaseURL string
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// NewHTTPSource returns a source rooted at baseURL.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	return &HTTPSource{BaseURL: baseURL, Client: client}
}

// URL returns the absolute URL of path.
func (s *HTTPSource) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimSuffix(s.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// Open issues a GET for path. Any status other than 200 is a *FetchError.
func (s *HTTPSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(path), nil)
	if err != nil {
		return nil, &FetchError{Path: path, Err: err}
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{Path: path, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &FetchError{
			Path:       path,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}
	return resp.Body, nil
}

// FileSource reads resources from a local directory.
type FileSource struct {
	Dir string
}

// Open opens path below s.Dir.
func (s FileSource) Open(_ context.Context, path string) (io.ReadCloser, error) {
	clean := filepath.FromSlash(strings.TrimPrefix(path, "/"))
	if !filepath.IsLocal(clean) {
		return nil, &FetchError{Path: path, Err: fs.ErrInvalid}
	}
	f, err := os.Open(filepath.Join(s.Dir, clean))
	if err != nil {
		return nil, &FetchError{Path: path, Err: err}
	}
	return f, nil
}

// MemorySource serves buffers supplied by the caller. It is safe for
// concurrent use.
type MemorySource struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemorySource returns a source over files. The map is copied; the
// buffers are not.
func NewMemorySource(files map[string][]byte) *MemorySource {
	s := &MemorySource{files: make(map[string][]byte, len(files))}
	for k, v := range files {
		s.files[k] = v
	}
	return s
}

// Put adds or replaces a resource.
func (s *MemorySource) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
}

// Open returns a reader over the buffer stored at path.
func (s *MemorySource) Open(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.files[path]
	s.mu.RUnlock()
	if !ok {
		return nil, &FetchError{Path: path, Err: fs.ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
