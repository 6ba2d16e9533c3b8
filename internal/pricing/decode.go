package pricing

import (
	"fmt"
)

// Decode restores the canonical pricing tree of rec using dict.
//
// Regions and platforms are decoded in encoded order and each platform is
// stored as soon as it is decoded, because a later BackRef, possibly from
// another region, reads it back. A BackRef to anything not decoded yet is
// ErrDanglingReference; an index outside dict is ErrMissingEntry.
func (c Codec) Decode(dict Dictionary, rec EncodedInstance) (Instance, error) {
	out := Instance{Attributes: copyAttributes(rec.Attributes)}

	switch c.Scheme {
	case SchemeFull:
		tree, err := decodeFull(dict, rec.Pricing)
		if err != nil {
			return Instance{}, err
		}
		out.Pricing = tree
	case SchemeHalf:
		tree, err := decodeHalf(dict, rec.Pricing)
		if err != nil {
			return Instance{}, err
		}
		out.Pricing = tree
	default:
		return Instance{}, &DecodeError{Path: "pricing", Err: ErrMalformed, Detail: fmt.Sprintf("unknown scheme %d", c.Scheme)}
	}
	return out, nil
}

func decodeFull(dict Dictionary, enc EncodedPricing) (PricingTree, error) {
	tree := make(PricingTree, len(enc))
	for i, er := range enc {
		region, ok := dict.lookup(er.Region)
		if !ok {
			return nil, decodeErrorf(fmt.Sprintf("pricing[%d]", i), ErrMissingEntry, "region index %d of %d", er.Region, len(dict))
		}
		if er.Fields != nil {
			return nil, decodeErrorf(region, ErrMalformed, "region holds fields, want platforms")
		}
		platforms, exists := tree[region]
		if !exists {
			platforms = make(map[string]PlatformPricing, len(er.Platforms))
			tree[region] = platforms
		}

		for j, ep := range er.Platforms {
			platform, ok := dict.lookup(ep.Platform)
			if !ok {
				return nil, decodeErrorf(fmt.Sprintf("%s[%d]", region, j), ErrMissingEntry, "platform index %d of %d", ep.Platform, len(dict))
			}
			path := region + "/" + platform

			if ep.Ref != nil {
				target, err := resolveRef(dict, tree, path, *ep.Ref)
				if err != nil {
					return nil, err
				}
				platforms[platform] = target.clone()
				continue
			}

			p, err := decodeFields(dict, path, ep.Fields)
			if err != nil {
				return nil, err
			}
			platforms[platform] = p
		}
	}
	return tree, nil
}

func resolveRef(dict Dictionary, tree PricingTree, path string, ref BackRef) (PlatformPricing, error) {
	region, ok := dict.lookup(ref.Region)
	if !ok {
		return PlatformPricing{}, decodeErrorf(path, ErrMissingEntry, "reference region index %d of %d", ref.Region, len(dict))
	}
	platform, ok := dict.lookup(ref.Platform)
	if !ok {
		return PlatformPricing{}, decodeErrorf(path, ErrMissingEntry, "reference platform index %d of %d", ref.Platform, len(dict))
	}
	target, ok := tree[region][platform]
	if !ok {
		return PlatformPricing{}, decodeErrorf(path, ErrDanglingReference, "%s/%s not decoded yet", region, platform)
	}
	return target, nil
}

func decodeHalf(dict Dictionary, enc EncodedPricing) (HalfPricingTree, error) {
	tree := make(HalfPricingTree, len(enc))
	for i, er := range enc {
		region, ok := dict.lookup(er.Region)
		if !ok {
			return nil, decodeErrorf(fmt.Sprintf("pricing[%d]", i), ErrMissingEntry, "region index %d of %d", er.Region, len(dict))
		}
		if er.Platforms != nil {
			return nil, decodeErrorf(region, ErrMalformed, "region holds platforms, want fields")
		}
		p, err := decodeFields(dict, region, er.Fields)
		if err != nil {
			return nil, err
		}
		if p.Reserved == nil {
			p.Reserved = map[string]any{}
		}
		tree[region] = p
	}
	return tree, nil
}

func decodeFields(dict Dictionary, path string, fields []EncodedField) (PlatformPricing, error) {
	var p PlatformPricing
	for _, f := range fields {
		key, ok := dict.lookup(f.Key)
		if !ok {
			return PlatformPricing{}, decodeErrorf(path, ErrMissingEntry, "key index %d of %d", f.Key, len(dict))
		}
		switch key {
		case KeyReserved:
			if f.Terms == nil {
				return PlatformPricing{}, decodeErrorf(path, ErrMalformed, "reserved is not a term list")
			}
			p.Reserved = make(map[string]any, len(f.Terms))
			for _, t := range f.Terms {
				term, ok := dict.lookup(t.Term)
				if !ok {
					return PlatformPricing{}, decodeErrorf(path+"/"+KeyReserved, ErrMissingEntry, "term index %d of %d", t.Term, len(dict))
				}
				p.Reserved[term] = t.Value
			}
		case KeyOnDemand:
			if f.Terms != nil {
				return PlatformPricing{}, decodeErrorf(path, ErrMalformed, "ondemand holds a term list")
			}
			p.OnDemand = f.Value
		default:
			if f.Terms != nil {
				return PlatformPricing{}, decodeErrorf(path, ErrMalformed, "%s holds a term list", key)
			}
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[key] = f.Value
		}
	}
	return p, nil
}
