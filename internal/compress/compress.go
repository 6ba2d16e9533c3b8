// Package compress wraps the third-party compression libraries used for
// pricing resources behind io.Reader and io.Writer, picking the format from
// the resource name.
package compress

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Format identifies a compression format.
type Format int

const (
	// None leaves the bytes as they are.
	None Format = iota
	// XZ is the LZMA2 container format (.xz).
	XZ
	// Zstd is Zstandard (.zst).
	Zstd
	// Gzip is RFC 1952 gzip (.gz).
	Gzip
	// S2 is the snappy-compatible S2 stream format (.s2).
	S2
	// LZ4 is the LZ4 frame format (.lz4).
	LZ4
)

var formats = []struct {
	format Format
	name   string
	ext    string
}{
	{None, "none", ""},
	{XZ, "xz", ".xz"},
	{Zstd, "zstd", ".zst"},
	{Gzip, "gzip", ".gz"},
	{S2, "s2", ".s2"},
	{LZ4, "lz4", ".lz4"},
}

// String returns the format name.
func (f Format) String() string {
	for _, e := range formats {
		if e.format == f {
			return e.name
		}
	}
	return fmt.Sprintf("unknown(%d)", int(f))
}

// Ext returns the file extension of f, including the dot. None has no
// extension.
func (f Format) Ext() string {
	for _, e := range formats {
		if e.format == f {
			return e.ext
		}
	}
	return ""
}

// ParseFormat parses a format name as returned by String.
func ParseFormat(name string) (Format, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, e := range formats {
		if e.name == n {
			return e.format, nil
		}
	}
	switch n {
	case "", "identity":
		return None, nil
	case "zst":
		return Zstd, nil
	case "gz":
		return Gzip, nil
	}
	return None, fmt.Errorf("unknown compression format: %q", name)
}

// FormatOf returns the format implied by the extension of name. Names
// without a known compression extension are uncompressed.
func FormatOf(name string) Format {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return None
	}
	for _, e := range formats {
		if e.ext == ext {
			return e.format
		}
	}
	return None
}

// NewReader returns a reader that decompresses r according to the extension
// of name.
func NewReader(name string, r io.Reader) (io.ReadCloser, error) {
	return FormatOf(name).NewReader(r)
}

// NewWriter returns a writer that compresses into w according to the
// extension of name. Close flushes the compressor but does not close w.
func NewWriter(name string, w io.Writer) (io.WriteCloser, error) {
	return FormatOf(name).NewWriter(w)
}

// NewReader returns a reader that decompresses r.
func (f Format) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch f {
	case None:
		return io.NopCloser(r), nil
	case XZ:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("xz reader: %w", err)
		}
		return io.NopCloser(zr), nil
	case Zstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return zr, nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unsupported compression format: %s", f)
}

// NewWriter returns a writer that compresses into w.
func (f Format) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch f {
	case None:
		return nopWriteCloser{w}, nil
	case XZ:
		zw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("xz writer: %w", err)
		}
		return zw, nil
	case Zstd:
		zw, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return zw, nil
	case Gzip:
		zw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		return zw, nil
	case S2:
		return s2.NewWriter(w, s2.WriterBetterCompression()), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unsupported compression format: %s", f)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
