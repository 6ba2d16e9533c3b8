package pricing

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Records are msgpack maps of their attributes plus a "pricing" key. Encoded
// pricing is nested arrays of dictionary indices:
//
//	full:     [[region, [[platform, payload], ...]], ...]
//	half:     [[region, fields], ...]
//	payload:  fields | [refRegion, refPlatform]
//	fields:   [[key, value], ...]   ("reserved" value: [[term, value], ...])
//
// A payload of exactly two integers is a back-reference; a fields list only
// ever holds arrays.

func writeAttributes(enc *msgpack.Encoder, attrs map[string]any, extra int) error {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if k == KeyPricing {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeMapLen(len(keys) + extra); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(attrs[k]); err != nil {
			return fmt.Errorf("attribute %s: %w", k, err)
		}
	}
	return nil
}

func writeEncodedInstance(enc *msgpack.Encoder, scheme Scheme, rec EncodedInstance) error {
	if err := writeAttributes(enc, rec.Attributes, 1); err != nil {
		return err
	}
	if err := enc.EncodeString(KeyPricing); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(rec.Pricing)); err != nil {
		return err
	}
	for _, er := range rec.Pricing {
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeInt(int64(er.Region)); err != nil {
			return err
		}
		if scheme == SchemeHalf {
			if err := writeFields(enc, er.Fields); err != nil {
				return err
			}
			continue
		}
		if err := enc.EncodeArrayLen(len(er.Platforms)); err != nil {
			return err
		}
		for _, ep := range er.Platforms {
			if err := writePlatform(enc, ep); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePlatform(enc *msgpack.Encoder, ep EncodedPlatform) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(ep.Platform)); err != nil {
		return err
	}
	if ep.Ref == nil {
		return writeFields(enc, ep.Fields)
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(ep.Ref.Region)); err != nil {
		return err
	}
	return enc.EncodeInt(int64(ep.Ref.Platform))
}

func writeFields(enc *msgpack.Encoder, fields []EncodedField) error {
	if err := enc.EncodeArrayLen(len(fields)); err != nil {
		return err
	}
	for _, f := range fields {
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeInt(int64(f.Key)); err != nil {
			return err
		}
		if f.Terms == nil {
			if err := enc.Encode(f.Value); err != nil {
				return err
			}
			continue
		}
		if err := enc.EncodeArrayLen(len(f.Terms)); err != nil {
			return err
		}
		for _, t := range f.Terms {
			if err := enc.EncodeArrayLen(2); err != nil {
				return err
			}
			if err := enc.EncodeInt(int64(t.Term)); err != nil {
				return err
			}
			if err := enc.Encode(t.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeInstance(enc *msgpack.Encoder, inst Instance) error {
	if inst.Pricing == nil {
		return writeAttributes(enc, inst.Attributes, 0)
	}
	if err := writeAttributes(enc, inst.Attributes, 1); err != nil {
		return err
	}
	if err := enc.EncodeString(KeyPricing); err != nil {
		return err
	}
	switch tree := inst.Pricing.(type) {
	case PricingTree:
		if err := enc.EncodeMapLen(len(tree)); err != nil {
			return err
		}
		for _, region := range sortedKeys(tree) {
			if err := enc.EncodeString(region); err != nil {
				return err
			}
			platforms := tree[region]
			if err := enc.EncodeMapLen(len(platforms)); err != nil {
				return err
			}
			for _, platform := range sortedKeys(platforms) {
				if err := enc.EncodeString(platform); err != nil {
					return err
				}
				if err := writePayload(enc, platforms[platform]); err != nil {
					return err
				}
			}
		}
	case HalfPricingTree:
		if err := enc.EncodeMapLen(len(tree)); err != nil {
			return err
		}
		for _, region := range sortedKeys(tree) {
			if err := enc.EncodeString(region); err != nil {
				return err
			}
			if err := writePayload(enc, tree[region]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unsupported pricing type %T", ErrMalformed, tree)
	}
	return nil
}

func writePayload(enc *msgpack.Encoder, p PlatformPricing) error {
	keys := p.keys()
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, key := range keys {
		if err := enc.EncodeString(key); err != nil {
			return err
		}
		var err error
		switch key {
		case KeyOnDemand:
			err = enc.Encode(p.OnDemand)
		case KeyReserved:
			err = enc.Encode(p.Reserved)
		default:
			err = enc.Encode(p.Extra[key])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// DictionaryFromValue resolves the first element of a batch: an array made
// only of strings (the empty array included) is a dictionary. Anything else
// means the batch is plain and the element is its first record.
func DictionaryFromValue(v any) (Dictionary, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	dict := make(Dictionary, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		dict[i] = s
	}
	return dict, true
}

// InstanceFromValue converts a loosely decoded msgpack (or JSON) record with
// canonical pricing into an Instance.
func InstanceFromValue(v any, scheme Scheme) (Instance, error) {
	m, ok := asMap(v)
	if !ok {
		return Instance{}, fmt.Errorf("%w: record is %T, want map", ErrMalformed, v)
	}
	inst := Instance{Attributes: make(map[string]any, len(m))}
	for k, val := range m {
		if k != KeyPricing {
			inst.Attributes[k] = val
		}
	}
	raw, ok := m[KeyPricing]
	if !ok || raw == nil {
		return inst, nil
	}
	regions, ok := asMap(raw)
	if !ok {
		return Instance{}, fmt.Errorf("%w: pricing is %T, want map", ErrMalformed, raw)
	}

	switch scheme {
	case SchemeFull:
		tree := make(PricingTree, len(regions))
		for region, rv := range regions {
			platforms, ok := asMap(rv)
			if !ok {
				return Instance{}, fmt.Errorf("%w: pricing %s is %T, want map", ErrMalformed, region, rv)
			}
			tree[region] = make(map[string]PlatformPricing, len(platforms))
			for platform, pv := range platforms {
				p, err := payloadFromValue(pv)
				if err != nil {
					return Instance{}, fmt.Errorf("pricing %s/%s: %w", region, platform, err)
				}
				tree[region][platform] = p
			}
		}
		inst.Pricing = tree
	case SchemeHalf:
		tree := make(HalfPricingTree, len(regions))
		for region, rv := range regions {
			p, err := payloadFromValue(rv)
			if err != nil {
				return Instance{}, fmt.Errorf("pricing %s: %w", region, err)
			}
			tree[region] = p
		}
		inst.Pricing = tree
	default:
		return Instance{}, fmt.Errorf("%w: unknown scheme %d", ErrMalformed, scheme)
	}
	return inst, nil
}

func payloadFromValue(v any) (PlatformPricing, error) {
	m, ok := asMap(v)
	if !ok {
		return PlatformPricing{}, fmt.Errorf("%w: payload is %T, want map", ErrMalformed, v)
	}
	var p PlatformPricing
	for k, val := range m {
		switch k {
		case KeyOnDemand:
			p.OnDemand = val
		case KeyReserved:
			if val == nil {
				continue
			}
			terms, ok := asMap(val)
			if !ok {
				return PlatformPricing{}, fmt.Errorf("%w: reserved is %T, want map", ErrMalformed, val)
			}
			p.Reserved = terms
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[k] = val
		}
	}
	return p, nil
}

// EncodedInstanceFromValue converts a loosely decoded msgpack record whose
// pricing is in encoded form.
func EncodedInstanceFromValue(v any, scheme Scheme) (EncodedInstance, error) {
	m, ok := asMap(v)
	if !ok {
		return EncodedInstance{}, fmt.Errorf("%w: record is %T, want map", ErrMalformed, v)
	}
	rec := EncodedInstance{Attributes: make(map[string]any, len(m)), Pricing: EncodedPricing{}}
	for k, val := range m {
		if k != KeyPricing {
			rec.Attributes[k] = val
		}
	}
	raw, ok := m[KeyPricing]
	if !ok || raw == nil {
		return rec, nil
	}
	regions, ok := raw.([]any)
	if !ok {
		return EncodedInstance{}, fmt.Errorf("%w: encoded pricing is %T, want array", ErrMalformed, raw)
	}

	rec.Pricing = make(EncodedPricing, 0, len(regions))
	for i, rv := range regions {
		ri, body, err := indexPair(rv)
		if err != nil {
			return EncodedInstance{}, fmt.Errorf("pricing[%d]: %w", i, err)
		}
		list, ok := body.([]any)
		if !ok {
			return EncodedInstance{}, fmt.Errorf("%w: pricing[%d] body is %T, want array", ErrMalformed, i, body)
		}
		er := EncodedRegion{Region: ri}
		if scheme == SchemeHalf {
			if er.Fields, err = fieldsFromValue(list); err != nil {
				return EncodedInstance{}, fmt.Errorf("pricing[%d]: %w", i, err)
			}
			rec.Pricing = append(rec.Pricing, er)
			continue
		}
		er.Platforms = make([]EncodedPlatform, 0, len(list))
		for j, pv := range list {
			pi, payload, err := indexPair(pv)
			if err != nil {
				return EncodedInstance{}, fmt.Errorf("pricing[%d][%d]: %w", i, j, err)
			}
			ep, err := platformFromValue(pi, payload)
			if err != nil {
				return EncodedInstance{}, fmt.Errorf("pricing[%d][%d]: %w", i, j, err)
			}
			er.Platforms = append(er.Platforms, ep)
		}
		rec.Pricing = append(rec.Pricing, er)
	}
	return rec, nil
}

func platformFromValue(index int, payload any) (EncodedPlatform, error) {
	list, ok := payload.([]any)
	if !ok {
		return EncodedPlatform{}, fmt.Errorf("%w: payload is %T, want array", ErrMalformed, payload)
	}
	if len(list) == 2 {
		r, rok := toInt(list[0])
		p, pok := toInt(list[1])
		if rok && pok {
			return EncodedPlatform{Platform: index, Ref: &BackRef{Region: r, Platform: p}}, nil
		}
	}
	fields, err := fieldsFromValue(list)
	if err != nil {
		return EncodedPlatform{}, err
	}
	return EncodedPlatform{Platform: index, Fields: fields}, nil
}

func fieldsFromValue(list []any) ([]EncodedField, error) {
	fields := make([]EncodedField, 0, len(list))
	for _, fv := range list {
		ki, val, err := indexPair(fv)
		if err != nil {
			return nil, err
		}
		terms, isList := val.([]any)
		if !isList {
			fields = append(fields, EncodedField{Key: ki, Value: val})
			continue
		}
		f := EncodedField{Key: ki, Terms: make([]EncodedTerm, 0, len(terms))}
		for _, tv := range terms {
			ti, tval, err := indexPair(tv)
			if err != nil {
				return nil, err
			}
			f.Terms = append(f.Terms, EncodedTerm{Term: ti, Value: tval})
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// indexPair splits a two-element [index, value] array.
func indexPair(v any) (int, any, error) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return 0, nil, fmt.Errorf("%w: want [index, value] pair, got %T", ErrMalformed, v)
	}
	i, ok := toInt(pair[0])
	if !ok {
		return 0, nil, fmt.Errorf("%w: index is %T", ErrMalformed, pair[0])
	}
	return i, pair[1], nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = val
		}
		return out, true
	default:
		return nil, false
	}
}
