package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rshade/rainbow-pricing/internal/compress"
)

const (
	defaultRawChunkSize = 32 << 10
	defaultChunkSize    = 64 << 10
	defaultDepth        = 4
)

// Options tunes a Stream.
type Options struct {
	// RawChunkSize is the size of each read from the source.
	RawChunkSize int
	// ChunkSize is the maximum size of a decompressed chunk.
	ChunkSize int
	// Depth is the capacity of the channels between stages.
	Depth  int
	Logger zerolog.Logger
}

// Option sets a field of Options.
type Option func(*Options)

// WithRawChunkSize sets the source read size.
func WithRawChunkSize(n int) Option { return func(o *Options) { o.RawChunkSize = n } }

// WithChunkSize sets the maximum decompressed chunk size.
func WithChunkSize(n int) Option { return func(o *Options) { o.ChunkSize = n } }

// WithDepth sets the channel capacity between stages.
func WithDepth(n int) Option { return func(o *Options) { o.Depth = n } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = l } }

func newOptions(opts []Option) Options {
	o := Options{
		RawChunkSize: defaultRawChunkSize,
		ChunkSize:    defaultChunkSize,
		Depth:        defaultDepth,
		Logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.RawChunkSize <= 0 {
		o.RawChunkSize = defaultRawChunkSize
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.Depth < 0 {
		o.Depth = 0
	}
	return o
}

// Stream delivers the decompressed bytes of one resource as a sequence of
// non-empty chunks. Every chunk is a fresh buffer owned by the receiver.
//
// A relay stage copies raw bytes from the source and a decompression stage
// turns them into chunks; the stages run concurrently with the consumer and
// are connected by bounded channels.
type Stream struct {
	path   string
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	done   chan struct{}
	err    error

	rawBytes atomic.Int64
	chunks   atomic.Int64

	// pending is the unread rest of the last chunk handed to Read.
	pending []byte
}

// Open opens path on src and starts streaming it. The source is opened
// before Open returns, so a missing resource fails the call. The
// decompression format follows the extension of path.
func Open(ctx context.Context, src Source, path string, opts ...Option) (*Stream, error) {
	o := newOptions(opts)

	body, err := src.Open(ctx, path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	// closing the body unblocks a relay stuck in Read
	stop := context.AfterFunc(gctx, func() { body.Close() })

	s := &Stream{
		path:   path,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, o.Depth),
		done:   make(chan struct{}),
	}
	raw := make(chan []byte, o.Depth)

	g.Go(func() error {
		return s.relay(gctx, body, raw, o.RawChunkSize)
	})
	g.Go(func() error {
		err := s.decompress(gctx, raw, o.ChunkSize)
		close(s.out)
		if err != nil {
			return err
		}
		// the relay may still hold bytes past the end of the compressed stream
		for {
			select {
			case _, ok := <-raw:
				if !ok {
					return nil
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	go func() {
		err := g.Wait()
		if stop() {
			body.Close()
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			err = ctx.Err()
		}
		s.err = err
		o.Logger.Debug().
			Str("path", path).
			Int64("raw_bytes", s.rawBytes.Load()).
			Int64("chunks", s.chunks.Load()).
			Err(err).
			Msg("stream finished")
		close(s.done)
	}()

	return s, nil
}

// relay reads the source into fresh buffers. raw is closed only on a clean
// end of input so that the decompressor never mistakes a failed read for
// the end of the resource.
func (s *Stream) relay(ctx context.Context, body io.Reader, raw chan<- []byte, size int) error {
	for {
		buf := make([]byte, size)
		n, err := body.Read(buf)
		if n > 0 {
			s.rawBytes.Add(int64(n))
			select {
			case raw <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			close(raw)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read %s: %w", s.path, err)
		}
	}
}

func (s *Stream) decompress(ctx context.Context, raw <-chan []byte, size int) error {
	zr, err := compress.NewReader(s.path, &chanReader{ctx: ctx, ch: raw})
	if err != nil {
		return fmt.Errorf("decompress %s: %w", s.path, err)
	}
	defer zr.Close()

	for {
		buf := make([]byte, size)
		n, err := fill(zr, buf)
		if n > 0 {
			s.chunks.Add(1)
			select {
			case s.out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("decompress %s: %w", s.path, err)
		}
	}
}

// fill reads into buf until it is full or r fails. Unlike io.ReadFull it
// keeps io.ErrUnexpectedEOF from a truncated input distinct from a short
// last chunk.
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Path returns the resource path.
func (s *Stream) Path() string { return s.path }

// RawBytes returns the number of raw bytes read from the source so far.
func (s *Stream) RawBytes() int64 { return s.rawBytes.Load() }

// Next returns the next chunk. It returns io.EOF after the last chunk, the
// stage error if a stage failed, or ctx.Err() if ctx ends first.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-s.out:
		if ok {
			return chunk, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-s.done
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// Read implements io.Reader over the chunks.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.pending) == 0 {
		chunk, err := s.Next(s.ctx)
		if err != nil {
			return 0, err
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close stops both stages and releases the source. It waits for the stages
// to exit and is safe to call more than once.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Err returns the terminal error once the stream has finished.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		if errors.Is(s.err, context.Canceled) {
			return nil
		}
		return s.err
	default:
		return nil
	}
}

// chanReader adapts the relay channel to io.Reader.
type chanReader struct {
	ctx context.Context
	ch  <-chan []byte
	cur []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		select {
		case b, ok := <-r.ch:
			if !ok {
				return 0, io.EOF
			}
			r.cur = b
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}
