package pricing

// Well-known keys of a platform pricing payload and of an instance record.
const (
	KeyOnDemand = "ondemand"
	KeyReserved = "reserved"
	KeyPricing  = "pricing"
)

// Scheme selects the shape of an instance's pricing tree.
type Scheme int

const (
	// SchemeFull is region -> platform -> PlatformPricing (EC2, RDS, ElastiCache, Azure, GCP).
	SchemeFull Scheme = iota
	// SchemeHalf is region -> PlatformPricing, used by single-platform
	// families such as OpenSearch and Redshift.
	SchemeHalf
)

// String returns the scheme name used in manifests and configuration.
func (s Scheme) String() string {
	switch s {
	case SchemeFull:
		return "full"
	case SchemeHalf:
		return "half"
	default:
		return "unknown"
	}
}

// ParseScheme is the inverse of Scheme.String. An empty name means SchemeFull.
func ParseScheme(name string) (Scheme, bool) {
	switch name {
	case "", "full":
		return SchemeFull, true
	case "half":
		return SchemeHalf, true
	default:
		return SchemeFull, false
	}
}

// PlatformPricing is the price record of one platform in one region.
//
// OnDemand and the values of Reserved and Extra are strings or numbers exactly
// as they appear in the source data. A nil OnDemand means the "ondemand" key
// is absent: an explicit null is read as absent and is not written back.
// A nil Reserved means the "reserved" key is absent or null. Null values
// inside Reserved and Extra are kept.
type PlatformPricing struct {
	OnDemand any
	Reserved map[string]any
	Extra    map[string]any
}

// Pricing is the canonical pricing field of an instance record. It is either a
// PricingTree or a HalfPricingTree.
type Pricing interface {
	Scheme() Scheme
	isPricing()
}

// PricingTree maps region code -> platform name -> pricing.
type PricingTree map[string]map[string]PlatformPricing

// HalfPricingTree maps region code -> pricing.
type HalfPricingTree map[string]PlatformPricing

func (PricingTree) Scheme() Scheme     { return SchemeFull }
func (HalfPricingTree) Scheme() Scheme { return SchemeHalf }
func (PricingTree) isPricing()         {}
func (HalfPricingTree) isPricing()     {}

// Instance is one instance record with its pricing in canonical form.
// Attributes holds every other field of the record (instance_type, memory,
// vCPU and so on) and never contains the "pricing" key.
type Instance struct {
	Attributes map[string]any
	Pricing    Pricing
}

// Dictionary is the rainbow table: every distinct region code, platform name,
// pricing key and reserved term name of a batch, in first-seen order.
type Dictionary []string

// Index returns a lookup table from string to its position. The first
// occurrence wins if the dictionary somehow holds duplicates.
func (d Dictionary) Index() map[string]int {
	idx := make(map[string]int, len(d))
	for i, s := range d {
		if _, ok := idx[s]; !ok {
			idx[s] = i
		}
	}
	return idx
}

// lookup resolves an index, reporting false when it is out of range.
func (d Dictionary) lookup(i int) (string, bool) {
	if i < 0 || i >= len(d) {
		return "", false
	}
	return d[i], true
}

// BackRef points at an earlier, structurally identical platform payload of
// the same record, by the dictionary indices of its region and platform.
type BackRef struct {
	Region   int
	Platform int
}

// EncodedTerm is one reserved term / price pair.
type EncodedTerm struct {
	Term  int
	Value any
}

// EncodedField is one key / value pair of a platform payload. For the
// "reserved" key Terms is non-nil and Value is unused.
type EncodedField struct {
	Key   int
	Value any
	Terms []EncodedTerm
}

// EncodedPlatform is either a list of fields or a back-reference.
type EncodedPlatform struct {
	Platform int
	Fields   []EncodedField
	Ref      *BackRef
}

// EncodedRegion holds Platforms under SchemeFull and Fields under SchemeHalf.
type EncodedRegion struct {
	Region    int
	Platforms []EncodedPlatform
	Fields    []EncodedField
}

// EncodedPricing is the index-based form of a pricing tree.
type EncodedPricing []EncodedRegion

// EncodedInstance is an instance record whose pricing has been rewritten
// against a Dictionary.
type EncodedInstance struct {
	Attributes map[string]any
	Pricing    EncodedPricing
}

// clone returns a deep copy of the maps of p so that two decoded platforms
// never share storage.
func (p PlatformPricing) clone() PlatformPricing {
	out := PlatformPricing{OnDemand: p.OnDemand}
	if p.Reserved != nil {
		out.Reserved = make(map[string]any, len(p.Reserved))
		for k, v := range p.Reserved {
			out.Reserved[k] = v
		}
	}
	if p.Extra != nil {
		out.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Map returns p in its canonical record form. Extra keys named like the
// well-known keys are shadowed by them.
func (p PlatformPricing) Map() map[string]any {
	m := make(map[string]any, 2+len(p.Extra))
	for k, v := range p.Extra {
		m[k] = v
	}
	if p.OnDemand != nil {
		m[KeyOnDemand] = p.OnDemand
	}
	if p.Reserved != nil {
		m[KeyReserved] = p.Reserved
	}
	return m
}

// Map returns inst as one canonical record: its attributes plus a
// "pricing" entry when it has pricing.
func (inst Instance) Map() map[string]any {
	m := make(map[string]any, len(inst.Attributes)+1)
	for k, v := range inst.Attributes {
		m[k] = v
	}
	switch tree := inst.Pricing.(type) {
	case PricingTree:
		regions := make(map[string]any, len(tree))
		for region, platforms := range tree {
			pm := make(map[string]any, len(platforms))
			for platform, p := range platforms {
				pm[platform] = p.Map()
			}
			regions[region] = pm
		}
		m[KeyPricing] = regions
	case HalfPricingTree:
		regions := make(map[string]any, len(tree))
		for region, p := range tree {
			regions[region] = p.Map()
		}
		m[KeyPricing] = regions
	}
	return m
}
