package pricing

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode rewrites the pricing of inst against dict. inst is not modified.
//
// Every region, platform, key and reserved term of inst must be present in
// dict, which is only guaranteed when dict was built over a batch containing
// inst.
func (c Codec) Encode(dict Dictionary, inst Instance) (EncodedInstance, error) {
	return c.encode(dict.Index(), inst)
}

// EncodeAll encodes every record of instances against dict.
func (c Codec) EncodeAll(dict Dictionary, instances []Instance) ([]EncodedInstance, error) {
	index := dict.Index()
	out := make([]EncodedInstance, 0, len(instances))
	for i, inst := range instances {
		enc, err := c.encode(index, inst)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, enc)
	}
	return out, nil
}

func (c Codec) encode(index map[string]int, inst Instance) (EncodedInstance, error) {
	out := EncodedInstance{
		Attributes: copyAttributes(inst.Attributes),
		Pricing:    EncodedPricing{},
	}

	switch tree := inst.Pricing.(type) {
	case nil:
		return out, nil
	case PricingTree:
		if c.Scheme != SchemeFull {
			return EncodedInstance{}, &EncodeError{Path: "pricing", Err: fmt.Errorf("%w: full pricing tree for %s codec", ErrMalformed, c.Scheme)}
		}
		regions, err := c.encodeFull(index, tree)
		if err != nil {
			return EncodedInstance{}, err
		}
		out.Pricing = regions
	case HalfPricingTree:
		if c.Scheme != SchemeHalf {
			return EncodedInstance{}, &EncodeError{Path: "pricing", Err: fmt.Errorf("%w: half pricing tree for %s codec", ErrMalformed, c.Scheme)}
		}
		regions, err := encodeHalf(index, tree)
		if err != nil {
			return EncodedInstance{}, err
		}
		out.Pricing = regions
	default:
		return EncodedInstance{}, &EncodeError{Path: "pricing", Err: fmt.Errorf("%w: unsupported pricing type %T", ErrMalformed, tree)}
	}
	return out, nil
}

func (c Codec) encodeFull(index map[string]int, tree PricingTree) (EncodedPricing, error) {
	// canonical payload JSON -> first platform that produced it
	seen := make(map[string]BackRef)

	regions := make(EncodedPricing, 0, len(tree))
	for _, region := range sortedKeys(tree) {
		ri, ok := index[region]
		if !ok {
			return nil, &EncodeError{Path: "pricing", Name: region, Err: ErrMissingEntry}
		}
		platforms := tree[region]
		er := EncodedRegion{Region: ri, Platforms: make([]EncodedPlatform, 0, len(platforms))}

		for _, platform := range sortedKeys(platforms) {
			path := region
			pi, ok := index[platform]
			if !ok {
				return nil, &EncodeError{Path: path, Name: platform, Err: ErrMissingEntry}
			}
			payload := platforms[platform]

			var key string
			if c.Dedup {
				key = c.dedupKey(payload)
				if ref, ok := seen[key]; ok && key != "" {
					er.Platforms = append(er.Platforms, EncodedPlatform{Platform: pi, Ref: &ref})
					continue
				}
			}

			fields, err := encodeFields(index, region+"/"+platform, payload)
			if err != nil {
				return nil, err
			}
			er.Platforms = append(er.Platforms, EncodedPlatform{Platform: pi, Fields: fields})
			if key != "" {
				seen[key] = BackRef{Region: ri, Platform: pi}
			}
		}
		regions = append(regions, er)
	}
	return regions, nil
}

func encodeHalf(index map[string]int, tree HalfPricingTree) (EncodedPricing, error) {
	regions := make(EncodedPricing, 0, len(tree))
	for _, region := range sortedKeys(tree) {
		ri, ok := index[region]
		if !ok {
			return nil, &EncodeError{Path: "pricing", Name: region, Err: ErrMissingEntry}
		}
		fields, err := encodeFields(index, region, tree[region])
		if err != nil {
			return nil, err
		}
		regions = append(regions, EncodedRegion{Region: ri, Fields: fields})
	}
	return regions, nil
}

func encodeFields(index map[string]int, path string, p PlatformPricing) ([]EncodedField, error) {
	keys := p.keys()
	fields := make([]EncodedField, 0, len(keys))
	for _, key := range keys {
		ki, ok := index[key]
		if !ok {
			return nil, &EncodeError{Path: path, Name: key, Err: ErrMissingEntry}
		}
		switch key {
		case KeyOnDemand:
			fields = append(fields, EncodedField{Key: ki, Value: p.OnDemand})
		case KeyReserved:
			terms := make([]EncodedTerm, 0, len(p.Reserved))
			for _, term := range sortedKeys(p.Reserved) {
				ti, ok := index[term]
				if !ok {
					return nil, &EncodeError{Path: path + "/" + KeyReserved, Name: term, Err: ErrMissingTerm}
				}
				terms = append(terms, EncodedTerm{Term: ti, Value: p.Reserved[term]})
			}
			fields = append(fields, EncodedField{Key: ki, Terms: terms})
		default:
			fields = append(fields, EncodedField{Key: ki, Value: p.Extra[key]})
		}
	}
	return fields, nil
}

// dedupKey returns a canonical encoding of p, or "" when p should not take
// part in deduplication. Scalars carry their Go type, so payloads that only
// differ in number type (int64(1) and float64(1)) get distinct keys.
func (c Codec) dedupKey(p PlatformPricing) string {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(typedValue(p.Map())); err != nil || buf.Len() < c.DedupMinBytes {
		return ""
	}
	return buf.String()
}

// typedValue pairs every scalar of v with its type name.
func typedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = typedValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = typedValue(val)
		}
		return out
	default:
		return []any{fmt.Sprintf("%T", v), v}
	}
}

func copyAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if k == KeyPricing {
			continue
		}
		out[k] = v
	}
	return out
}
