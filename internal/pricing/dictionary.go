package pricing

import "sort"

// dictionaryBuilder is an insertion-ordered string set.
type dictionaryBuilder struct {
	seen  map[string]struct{}
	order Dictionary
}

func (b *dictionaryBuilder) add(s string) {
	if _, ok := b.seen[s]; ok {
		return
	}
	b.seen[s] = struct{}{}
	b.order = append(b.order, s)
}

// BuildDictionary scans instances once and returns every region code,
// platform name, pricing key and reserved term name in first-seen order.
//
// Regions, platforms and terms are visited in sorted order, so building
// twice over the same batch yields the same dictionary index for index.
// Records without pricing contribute nothing.
func BuildDictionary(instances []Instance) Dictionary {
	b := &dictionaryBuilder{seen: make(map[string]struct{})}
	for _, inst := range instances {
		switch tree := inst.Pricing.(type) {
		case PricingTree:
			for _, region := range sortedKeys(tree) {
				b.add(region)
				platforms := tree[region]
				for _, platform := range sortedKeys(platforms) {
					b.add(platform)
					b.addPayload(platforms[platform])
				}
			}
		case HalfPricingTree:
			for _, region := range sortedKeys(tree) {
				b.add(region)
				b.addPayload(tree[region])
			}
		}
	}
	if b.order == nil {
		return Dictionary{}
	}
	return b.order
}

func (b *dictionaryBuilder) addPayload(p PlatformPricing) {
	for _, key := range p.keys() {
		b.add(key)
	}
	for _, term := range sortedKeys(p.Reserved) {
		b.add(term)
	}
}

// keys returns the keys present in p in canonical order: ondemand, reserved,
// then extra keys sorted.
func (p PlatformPricing) keys() []string {
	keys := make([]string, 0, 2+len(p.Extra))
	if p.OnDemand != nil {
		keys = append(keys, KeyOnDemand)
	}
	if p.Reserved != nil {
		keys = append(keys, KeyReserved)
	}
	for _, k := range sortedKeys(p.Extra) {
		if k == KeyOnDemand || k == KeyReserved {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
