// Package stream decodes serialized pricing batches incrementally, so that
// records become available while the rest of the resource is still being
// downloaded and decompressed.
package stream

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rshade/rainbow-pricing/internal/pricing"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

// DefaultBatchSize is the number of records handed out per batch.
const DefaultBatchSize = 50

type options struct {
	batchSize int
	logger    zerolog.Logger
	transport []transport.Option
}

// Option configures a Decoder or Process.
type Option func(*options)

// WithBatchSize sets the maximum number of records per batch.
func WithBatchSize(n int) Option { return func(o *options) { o.batchSize = n } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

// WithTransport passes options to the underlying transport stream.
func WithTransport(opts ...transport.Option) Option {
	return func(o *options) { o.transport = append(o.transport, opts...) }
}

func newOptions(opts []Option) options {
	o := options{batchSize: DefaultBatchSize, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	return o
}

// Decoder reads one serialized batch from a byte stream, one msgpack value
// at a time. The outer array is never materialized, so how the input is
// split into chunks has no effect on the records produced.
type Decoder struct {
	dec   *msgpack.Decoder
	codec pricing.Codec
	opts  options

	started bool
	done    bool
	err     error

	kind  pricing.BatchKind
	dict  pricing.Dictionary
	total int // elements in the outer array
	read  int // elements consumed so far

	// first holds the leading record of a plain batch, which had to be
	// parsed to tell it apart from a dictionary.
	first *pricing.Instance
}

// NewDecoder returns a decoder reading from r. The codec scheme decides how
// records are parsed.
func NewDecoder(r io.Reader, codec pricing.Codec, opts ...Option) *Decoder {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	return &Decoder{dec: dec, codec: codec, opts: newOptions(opts)}
}

// Kind reports whether the batch carries a dictionary. It is only
// meaningful after the first call to Next or NextLazy.
func (d *Decoder) Kind() pricing.BatchKind { return d.kind }

// Dictionary returns the dictionary of the batch, nil for plain batches.
func (d *Decoder) Dictionary() pricing.Dictionary { return d.dict }

// Next returns up to the configured batch size of decoded records, in
// order. It returns io.EOF once every record has been returned; the
// dictionary itself is never returned as a record.
func (d *Decoder) Next() ([]pricing.Instance, error) {
	var out []pricing.Instance
	err := d.next(func(inst pricing.Instance) {
		out = append(out, inst)
	}, func(rec pricing.EncodedInstance) error {
		inst, err := d.codec.Decode(d.dict, rec)
		if err != nil {
			return err
		}
		out = append(out, inst)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NextLazy is Next without decoding pricing.
func (d *Decoder) NextLazy() ([]*pricing.LazyInstance, error) {
	var out []*pricing.LazyInstance
	err := d.next(func(inst pricing.Instance) {
		out = append(out, pricing.NewDecodedInstance(inst))
	}, func(rec pricing.EncodedInstance) error {
		out = append(out, pricing.NewLazyInstance(d.codec, d.dict, rec))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Decoder) next(plain func(pricing.Instance), encoded func(pricing.EncodedInstance) error) error {
	if d.err != nil {
		return d.err
	}
	if !d.started {
		if err := d.start(); err != nil {
			d.err = err
			return err
		}
	}

	n := 0
	if d.first != nil {
		plain(*d.first)
		d.first = nil
		n++
	}
	for n < d.opts.batchSize && d.read < d.total {
		v, err := d.dec.DecodeInterfaceLoose()
		if err != nil {
			d.err = d.readError(err)
			return d.err
		}
		index := d.read
		d.read++

		if d.kind == pricing.BatchPlain {
			inst, err := pricing.InstanceFromValue(v, d.codec.Scheme)
			if err != nil {
				d.err = fmt.Errorf("batch element %d: %w", index, err)
				return d.err
			}
			plain(inst)
		} else {
			rec, err := pricing.EncodedInstanceFromValue(v, d.codec.Scheme)
			if err == nil {
				err = encoded(rec)
			}
			if err != nil {
				d.err = fmt.Errorf("batch element %d: %w", index, err)
				return d.err
			}
		}
		n++
	}

	if n > 0 {
		return nil
	}
	if !d.done {
		d.done = true
		if err := d.checkTrailing(); err != nil {
			d.err = err
			return err
		}
	}
	d.err = io.EOF
	return io.EOF
}

// start reads the array header and classifies the first element.
func (d *Decoder) start() error {
	d.started = true
	d.kind = pricing.BatchPlain

	n, err := d.dec.DecodeArrayLen()
	if errors.Is(err, io.EOF) {
		// an empty resource holds no records
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: batch header: %v", pricing.ErrMalformed, err)
	}
	if n <= 0 {
		return nil
	}
	d.total = n

	v, err := d.dec.DecodeInterfaceLoose()
	if err != nil {
		return d.readError(err)
	}
	d.read = 1
	if dict, ok := pricing.DictionaryFromValue(v); ok {
		d.kind = pricing.BatchDictionary
		d.dict = dict
		d.opts.logger.Debug().
			Int("dictionary_size", len(dict)).
			Int("records", n-1).
			Msg("dictionary batch")
		return nil
	}
	inst, err := pricing.InstanceFromValue(v, d.codec.Scheme)
	if err != nil {
		return fmt.Errorf("batch element 0: %w", err)
	}
	d.first = &inst
	return nil
}

func (d *Decoder) checkTrailing() error {
	if d.total == 0 {
		return nil
	}
	if _, err := d.dec.PeekCode(); !errors.Is(err, io.EOF) {
		if err != nil {
			return fmt.Errorf("after batch: %w", err)
		}
		return fmt.Errorf("%w: trailing data after batch", pricing.ErrMalformed)
	}
	return nil
}

func (d *Decoder) readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("batch element %d of %d: %w", d.read, d.total, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("batch element %d: %w", d.read, err)
}

// ReadLazy reads a whole batch from r and wraps every record without
// decoding its pricing.
func ReadLazy(r io.Reader, codec pricing.Codec) ([]*pricing.LazyInstance, error) {
	dec := NewDecoder(r, codec, WithBatchSize(1<<16))
	var out []*pricing.LazyInstance
	for {
		recs, err := dec.NextLazy()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
}
