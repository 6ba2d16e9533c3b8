package pricing

import "sync"

// LazyState is the decode state of a LazyInstance.
type LazyState int

const (
	StateEncoded LazyState = iota
	StateDecoding
	StateDecoded
)

// LazyInstance defers decoding of a record's pricing until it is first read.
//
// Attributes are available immediately. The first call to Pricing decodes
// the record and caches the result, including a decode error; later calls
// never decode again. It is safe for concurrent use.
type LazyInstance struct {
	attrs   map[string]any
	decoder Decoder
	dict    Dictionary
	rec     EncodedInstance

	once    sync.Once
	mu      sync.Mutex
	state   LazyState
	pricing Pricing
	err     error
}

// NewLazyInstance wraps an encoded record and the dictionary of its batch.
func NewLazyInstance(d Decoder, dict Dictionary, rec EncodedInstance) *LazyInstance {
	return &LazyInstance{
		attrs:   rec.Attributes,
		decoder: d,
		dict:    dict,
		rec:     rec,
	}
}

// NewDecodedInstance wraps a record that is already in canonical form.
func NewDecodedInstance(inst Instance) *LazyInstance {
	l := &LazyInstance{
		attrs:   inst.Attributes,
		state:   StateDecoded,
		pricing: inst.Pricing,
	}
	l.once.Do(func() {})
	return l
}

// Attributes returns the non-pricing fields of the record.
func (l *LazyInstance) Attributes() map[string]any {
	return l.attrs
}

// Attribute returns a single attribute.
func (l *LazyInstance) Attribute(name string) (any, bool) {
	v, ok := l.attrs[name]
	return v, ok
}

// Pricing returns the decoded pricing tree, decoding it on first use.
func (l *LazyInstance) Pricing() (Pricing, error) {
	l.once.Do(func() {
		l.setState(StateDecoding)
		inst, err := l.decoder.Decode(l.dict, l.rec)
		if err != nil {
			l.err = err
		} else {
			l.pricing = inst.Pricing
		}
		// the encoded form is no longer needed
		l.rec = EncodedInstance{}
		l.dict = nil
		l.setState(StateDecoded)
	})
	return l.pricing, l.err
}

// Instance returns the full canonical record.
func (l *LazyInstance) Instance() (Instance, error) {
	p, err := l.Pricing()
	if err != nil {
		return Instance{}, err
	}
	return Instance{Attributes: l.attrs, Pricing: p}, nil
}

// State reports how far decoding has progressed.
func (l *LazyInstance) State() LazyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *LazyInstance) setState(s LazyState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
