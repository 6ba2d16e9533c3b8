package pricing

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// BatchKind tells the two wire shapes of a batch apart.
type BatchKind int

const (
	// BatchDictionary is [Dictionary, EncodedInstance...].
	BatchDictionary BatchKind = iota
	// BatchPlain is [Instance...] with canonical pricing and no dictionary,
	// used for the small inline first batch.
	BatchPlain
)

func (k BatchKind) String() string {
	if k == BatchPlain {
		return "plain"
	}
	return "dictionary"
}

// Batch is a CompressedBatch before serialization (or after a whole-buffer
// parse). Exactly one of Encoded and Plain is used, depending on Kind.
type Batch struct {
	Kind       BatchKind
	Scheme     Scheme
	Dictionary Dictionary
	Encoded    []EncodedInstance
	Plain      []Instance
}

// NewBatch builds the dictionary over instances and encodes every record
// against it. Batches no larger than c.PlainThreshold are left plain.
func NewBatch(c Codec, instances []Instance) (*Batch, error) {
	if len(instances) <= c.PlainThreshold {
		return NewPlainBatch(c.Scheme, instances), nil
	}
	dict := BuildDictionary(instances)
	encoded, err := c.EncodeAll(dict, instances)
	if err != nil {
		return nil, err
	}
	return &Batch{
		Kind:       BatchDictionary,
		Scheme:     c.Scheme,
		Dictionary: dict,
		Encoded:    encoded,
	}, nil
}

// NewPlainBatch wraps instances without encoding them.
func NewPlainBatch(scheme Scheme, instances []Instance) *Batch {
	return &Batch{Kind: BatchPlain, Scheme: scheme, Plain: instances}
}

// Len returns the number of records, not counting the dictionary.
func (b *Batch) Len() int {
	if b.Kind == BatchPlain {
		return len(b.Plain)
	}
	return len(b.Encoded)
}

// Decode returns every record of b in canonical form.
func (b *Batch) Decode(d Decoder) ([]Instance, error) {
	if b.Kind == BatchPlain {
		return b.Plain, nil
	}
	out := make([]Instance, 0, len(b.Encoded))
	for i, rec := range b.Encoded {
		inst, err := d.Decode(b.Dictionary, rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, inst)
	}
	return out, nil
}

// Lazy wraps every record of b without decoding any pricing.
func (b *Batch) Lazy(d Decoder) []*LazyInstance {
	if b.Kind == BatchPlain {
		out := make([]*LazyInstance, 0, len(b.Plain))
		for _, inst := range b.Plain {
			out = append(out, NewDecodedInstance(inst))
		}
		return out
	}
	out := make([]*LazyInstance, 0, len(b.Encoded))
	for _, rec := range b.Encoded {
		out = append(out, NewLazyInstance(d, b.Dictionary, rec))
	}
	return out
}

var _ msgpack.CustomEncoder = (*Batch)(nil)

// EncodeMsgpack writes b as one msgpack array.
func (b *Batch) EncodeMsgpack(enc *msgpack.Encoder) error {
	if b.Kind == BatchPlain {
		if err := enc.EncodeArrayLen(len(b.Plain)); err != nil {
			return err
		}
		for i, inst := range b.Plain {
			if err := writeInstance(enc, inst); err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
		}
		return nil
	}

	if err := enc.EncodeArrayLen(len(b.Encoded) + 1); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(b.Dictionary)); err != nil {
		return err
	}
	for _, s := range b.Dictionary {
		if err := enc.EncodeString(s); err != nil {
			return err
		}
	}
	for i, rec := range b.Encoded {
		if err := writeEncodedInstance(enc, b.Scheme, rec); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// WriteBatch serializes b to w.
func WriteBatch(w io.Writer, b *Batch) error {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(w)
	enc.SetSortMapKeys(true)
	return b.EncodeMsgpack(enc)
}

// MarshalBatch serializes b.
func MarshalBatch(b *Batch) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteBatch(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBatch parses a whole serialized batch. The streaming counterpart
// lives in the stream package.
func UnmarshalBatch(data []byte, scheme Scheme) (*Batch, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("batch header: %w", err)
	}
	b := &Batch{Kind: BatchPlain, Scheme: scheme}
	if n <= 0 {
		return b, nil
	}

	first, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("batch element 0: %w", err)
	}
	if dict, ok := DictionaryFromValue(first); ok {
		b.Kind = BatchDictionary
		b.Dictionary = dict
		b.Encoded = make([]EncodedInstance, 0, n-1)
	} else {
		inst, err := InstanceFromValue(first, scheme)
		if err != nil {
			return nil, fmt.Errorf("batch element 0: %w", err)
		}
		b.Plain = append(make([]Instance, 0, n), inst)
	}

	for i := 1; i < n; i++ {
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return nil, fmt.Errorf("batch element %d: %w", i, err)
		}
		if b.Kind == BatchPlain {
			inst, err := InstanceFromValue(v, scheme)
			if err != nil {
				return nil, fmt.Errorf("batch element %d: %w", i, err)
			}
			b.Plain = append(b.Plain, inst)
			continue
		}
		rec, err := EncodedInstanceFromValue(v, scheme)
		if err != nil {
			return nil, fmt.Errorf("batch element %d: %w", i, err)
		}
		b.Encoded = append(b.Encoded, rec)
	}
	if _, err := dec.PeekCode(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after batch", ErrMalformed)
	}
	return b, nil
}
