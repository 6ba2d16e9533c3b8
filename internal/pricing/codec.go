package pricing

// Codec encodes and decodes pricing trees against a Dictionary.
//
// A single Codec covers both record shapes (Scheme) and both encoder
// flavours: with Dedup set, a platform payload identical to one already
// emitted in the same record is replaced by a BackRef.
type Codec struct {
	Scheme Scheme

	// Dedup enables back-references between identical platform payloads.
	// It only applies to SchemeFull.
	Dedup bool

	// DedupMinBytes skips deduplication of payloads whose canonical msgpack
	// form is shorter than this, where a BackRef would not save anything.
	DedupMinBytes int

	// PlainThreshold makes NewBatch emit a plain batch, without dictionary,
	// when the batch holds at most this many records.
	PlainThreshold int
}

// DefaultCodec is the codec used for the EC2-style families.
func DefaultCodec() Codec {
	return Codec{Scheme: SchemeFull, Dedup: true}
}

// Decoder restores canonical records. Codec implements it; LazyInstance
// accepts any implementation.
type Decoder interface {
	Decode(dict Dictionary, rec EncodedInstance) (Instance, error)
}

var _ Decoder = Codec{}
