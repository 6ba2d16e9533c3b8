package pricing

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// InstanceTypeAttribute is the attribute that identifies a record.
const InstanceTypeAttribute = "instance_type"

// slowLookup is the duration above which a lookup is logged.
const slowLookup = 50 * time.Millisecond

// PricingClient provides price lookups over one instance family
type PricingClient interface {
	// Currency returns the currency code (always "USD" for v1)
	Currency() string

	// Len returns the number of indexed instance types
	Len() int

	// OnDemandPricePerHour returns the hourly on-demand rate.
	// platform is ignored for half-scheme families.
	// Returns (price, true) if found, (0, false) if not found
	OnDemandPricePerHour(instanceType, region, platform string) (float64, bool)

	// ReservedPricePerHour returns the effective hourly rate for a reserved
	// term such as "yrTerm1Standard.noUpfront".
	// Returns (price, true) if found, (0, false) if not found
	ReservedPricePerHour(instanceType, region, platform, term string) (float64, bool)

	// ReservedTerms lists the reserved terms of one platform
	ReservedTerms(instanceType, region, platform string) []string

	// Regions lists the regions an instance type is priced in
	Regions(instanceType string) []string
}

// Client implements PricingClient over lazily decoded records. Only the
// records that are actually looked up get their pricing decoded.
type Client struct {
	currency string
	logger   zerolog.Logger

	records []*LazyInstance

	// Thread-safe initialization
	once  sync.Once
	index map[string]*LazyInstance
}

var _ PricingClient = (*Client)(nil)

// NewClient creates a Client over records. The index is built on first use.
// Records without an instance_type attribute are ignored; when two records
// share an instance type the first one wins.
func NewClient(logger zerolog.Logger, records []*LazyInstance) *Client {
	return &Client{
		currency: "USD",
		logger:   logger,
		records:  records,
	}
}

// init indexes records by instance type exactly once
func (c *Client) init() {
	c.once.Do(func() {
		c.index = make(map[string]*LazyInstance, len(c.records))
		skipped := 0
		for _, rec := range c.records {
			v, _ := rec.Attribute(InstanceTypeAttribute)
			name, ok := v.(string)
			if !ok || name == "" {
				skipped++
				continue
			}
			if _, dup := c.index[name]; dup {
				skipped++
				continue
			}
			c.index[name] = rec
		}
		if skipped > 0 {
			c.logger.Warn().
				Int("skipped", skipped).
				Int("indexed", len(c.index)).
				Msg("records without a unique instance_type were not indexed")
		}
	})
}

// Currency returns the currency code
func (c *Client) Currency() string {
	return c.currency
}

// Len returns the number of indexed instance types
func (c *Client) Len() int {
	c.init()
	return len(c.index)
}

// OnDemandPricePerHour returns the hourly on-demand rate
func (c *Client) OnDemandPricePerHour(instanceType, region, platform string) (float64, bool) {
	start := time.Now()
	defer c.warnIfSlow(start, "ondemand", instanceType, region, platform)

	p, ok := c.platform(instanceType, region, platform)
	if !ok {
		return 0, false
	}
	return priceValue(p.OnDemand)
}

// ReservedPricePerHour returns the hourly rate of a reserved term
func (c *Client) ReservedPricePerHour(instanceType, region, platform, term string) (float64, bool) {
	start := time.Now()
	defer c.warnIfSlow(start, term, instanceType, region, platform)

	p, ok := c.platform(instanceType, region, platform)
	if !ok || p.Reserved == nil {
		return 0, false
	}
	v, ok := p.Reserved[term]
	if !ok {
		return 0, false
	}
	return priceValue(v)
}

// Regions lists the regions an instance type is priced in, sorted
func (c *Client) Regions(instanceType string) []string {
	c.init()
	rec, ok := c.index[instanceType]
	if !ok {
		return nil
	}
	p, err := rec.Pricing()
	if err != nil {
		c.logFailure(instanceType, err)
		return nil
	}
	var regions []string
	switch tree := p.(type) {
	case PricingTree:
		regions = sortedKeys(tree)
	case HalfPricingTree:
		regions = sortedKeys(tree)
	}
	return regions
}

func (c *Client) platform(instanceType, region, platform string) (PlatformPricing, bool) {
	c.init()
	rec, ok := c.index[instanceType]
	if !ok {
		return PlatformPricing{}, false
	}
	p, err := rec.Pricing()
	if err != nil {
		c.logFailure(instanceType, err)
		return PlatformPricing{}, false
	}
	switch tree := p.(type) {
	case PricingTree:
		pp, ok := tree[region][platform]
		return pp, ok
	case HalfPricingTree:
		pp, ok := tree[region]
		return pp, ok
	}
	return PlatformPricing{}, false
}

func (c *Client) warnIfSlow(start time.Time, metric, instanceType, region, platform string) {
	elapsed := time.Since(start)
	if elapsed > slowLookup {
		c.logger.Warn().
			Str("metric", metric).
			Str("instance_type", instanceType).
			Str("region", region).
			Str("platform", platform).
			Dur("elapsed", elapsed).
			Msg("pricing lookup took too long")
	}
}

func (c *Client) logFailure(instanceType string, err error) {
	c.logger.Error().
		Err(err).
		Str("instance_type", instanceType).
		Msg("failed to decode pricing")
}

// priceValue converts a price as found in the data (string or number).
// Empty strings and values such as "N/A" are not prices.
func priceValue(v any) (float64, bool) {
	switch n := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

// ReservedTerms lists the reserved terms priced for one platform, sorted
func (c *Client) ReservedTerms(instanceType, region, platform string) []string {
	p, ok := c.platform(instanceType, region, platform)
	if !ok || len(p.Reserved) == 0 {
		return nil
	}
	terms := make([]string, 0, len(p.Reserved))
	for t := range p.Reserved {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}
