package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rshade/rainbow-pricing/internal/pricing"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

// Batch is one step of a processed resource: either records or the error
// that ended the stream.
type Batch struct {
	Records []pricing.Instance
	// RawBytes is the number of raw bytes read from the source so far.
	RawBytes int64
	Err      error
}

// Process streams path from src and decodes it in the background. Opening
// the resource happens before Process returns, so a missing resource is
// reported directly. Afterwards records arrive on the channel in order; a
// failure is delivered as a final Batch with Err set. The channel is closed
// when the resource is exhausted, after a failure, or when ctx is done.
func Process(ctx context.Context, src transport.Source, path string, codec pricing.Codec, opts ...Option) (<-chan Batch, error) {
	o := newOptions(opts)
	topts := append([]transport.Option{transport.WithLogger(o.logger)}, o.transport...)

	s, err := transport.Open(ctx, src, path, topts...)
	if err != nil {
		return nil, err
	}

	out := make(chan Batch, 1)
	go func() {
		defer close(out)
		defer s.Close()

		send := func(b Batch) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}

		dec := NewDecoder(s, codec, opts...)
		records := 0
		for {
			recs, err := dec.Next()
			if errors.Is(err, io.EOF) {
				o.logger.Debug().
					Str("path", path).
					Int("records", records).
					Int64("raw_bytes", s.RawBytes()).
					Msg("resource decoded")
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.logger.Error().
					Err(err).
					Str("path", path).
					Int("records", records).
					Msg("resource decoding failed")
				send(Batch{RawBytes: s.RawBytes(), Err: fmt.Errorf("%s: %w", path, err)})
				return
			}
			records += len(recs)
			if !send(Batch{Records: recs, RawBytes: s.RawBytes()}) {
				return
			}
		}
	}()
	return out, nil
}
