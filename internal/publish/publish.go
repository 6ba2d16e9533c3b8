// Package publish turns a family of instance records into the resources
// served to clients: a small plain first batch, compressed dictionary
// pages and a JSON manifest listing them.
package publish

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rshade/rainbow-pricing/internal/compress"
	"github.com/rshade/rainbow-pricing/internal/pricing"
)

const (
	// DefaultInlineSize is the number of records in the plain first batch.
	DefaultInlineSize = 50
	// DefaultPageSize is the number of records per compressed page.
	DefaultPageSize = 1000
)

// Options controls how a family is split into resources.
type Options struct {
	Family string
	Codec  pricing.Codec

	// InlineSize is the record count of the first batch; 0 means the
	// default and a negative value disables the first batch.
	InlineSize int
	// PageSize is the record count of each page.
	PageSize int
	// Format compresses the pages.
	Format compress.Format

	// Now stamps the manifest; time.Now when nil.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.InlineSize == 0 {
		o.InlineSize = DefaultInlineSize
	}
	if o.InlineSize < 0 {
		o.InlineSize = 0
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Artifact is one resource ready to be written or uploaded.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
	Records     int
}

// Page describes one resource in the manifest.
type Page struct {
	Name    string `json:"name"`
	Records int    `json:"records"`
	Bytes   int    `json:"bytes"`
}

// Manifest lists the resources of a family in load order.
type Manifest struct {
	Family      string    `json:"family"`
	Scheme      string    `json:"scheme"`
	Records     int       `json:"records"`
	Inline      *Page     `json:"inline,omitempty"`
	Pages       []Page    `json:"pages"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Codec returns the codec matching the manifest scheme.
func (m Manifest) Codec() (pricing.Codec, error) {
	scheme, ok := pricing.ParseScheme(m.Scheme)
	if !ok {
		return pricing.Codec{}, fmt.Errorf("manifest %s: unknown scheme %q", m.Family, m.Scheme)
	}
	c := pricing.DefaultCodec()
	c.Scheme = scheme
	return c, nil
}

var familyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ErrInvalidFamily is returned for family names that are not a lowercase
// token of letters, digits and dashes. Family names become resource names,
// so nothing else is accepted.
var ErrInvalidFamily = errors.New("invalid family name")

// ValidateFamily checks that family can be used in resource names.
func ValidateFamily(family string) error {
	if !familyPattern.MatchString(family) {
		return fmt.Errorf("%w: %q", ErrInvalidFamily, family)
	}
	return nil
}

// ManifestName is the resource name of the manifest of family.
func ManifestName(family string) string {
	return family + "-manifest.json"
}

// InlineName is the resource name of the plain first batch.
func InlineName(family string, size int) string {
	return fmt.Sprintf("first-%d-%s-instances.msgpack", size, family)
}

// PageName is the resource name of page n, counted from 1.
func PageName(family string, n int, format compress.Format) string {
	return fmt.Sprintf("%s-instances-p%d.msgpack%s", family, n, format.Ext())
}

// Build splits instances into resources. The first InlineSize records form
// a plain, uncompressed batch; the rest are cut into pages, each encoded
// against its own dictionary. The manifest is the last artifact.
func Build(instances []pricing.Instance, opts Options) (Manifest, []Artifact, error) {
	opts.applyDefaults()
	if opts.Family == "" {
		return Manifest{}, nil, errors.New("family is required")
	}
	if err := ValidateFamily(opts.Family); err != nil {
		return Manifest{}, nil, err
	}

	m := Manifest{
		Family:      opts.Family,
		Scheme:      opts.Codec.Scheme.String(),
		Records:     len(instances),
		Pages:       []Page{},
		GeneratedAt: opts.Now().UTC(),
	}
	var artifacts []Artifact

	rest := instances
	if opts.InlineSize > 0 && len(rest) > 0 {
		n := min(opts.InlineSize, len(rest))
		data, err := pricing.MarshalBatch(pricing.NewPlainBatch(opts.Codec.Scheme, rest[:n]))
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("inline batch: %w", err)
		}
		name := InlineName(opts.Family, opts.InlineSize)
		m.Inline = &Page{Name: name, Records: n, Bytes: len(data)}
		artifacts = append(artifacts, Artifact{
			Name:        name,
			ContentType: "application/msgpack",
			Data:        data,
			Records:     n,
		})
		rest = rest[n:]
	}

	for page := 1; len(rest) > 0; page++ {
		n := min(opts.PageSize, len(rest))
		data, err := buildPage(opts.Codec, opts.Format, rest[:n])
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("page %d: %w", page, err)
		}
		name := PageName(opts.Family, page, opts.Format)
		m.Pages = append(m.Pages, Page{Name: name, Records: n, Bytes: len(data)})
		artifacts = append(artifacts, Artifact{
			Name:        name,
			ContentType: "application/octet-stream",
			Data:        data,
			Records:     n,
		})
		rest = rest[n:]
	}

	manifest, err := m.Marshal()
	if err != nil {
		return Manifest{}, nil, err
	}
	artifacts = append(artifacts, Artifact{
		Name:        ManifestName(opts.Family),
		ContentType: "application/json",
		Data:        manifest,
	})
	return m, artifacts, nil
}

func buildPage(codec pricing.Codec, format compress.Format, instances []pricing.Instance) ([]byte, error) {
	// pages always carry a dictionary
	codec.PlainThreshold = 0
	batch, err := pricing.NewBatch(codec, instances)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := format.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if err := pricing.WriteBatch(w, batch); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush %s writer: %w", format, err)
	}
	return buf.Bytes(), nil
}

// Marshal serializes the manifest as indented JSON.
func (m Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseManifest reads a manifest produced by Marshal.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Family == "" {
		return Manifest{}, errors.New("manifest has no family")
	}
	if err := ValidateFamily(m.Family); err != nil {
		return Manifest{}, err
	}
	pages := m.Pages
	if m.Inline != nil {
		pages = append([]Page{*m.Inline}, pages...)
	}
	for _, p := range pages {
		if !resourceName(p.Name) {
			return Manifest{}, fmt.Errorf("manifest %s: invalid resource name %q", m.Family, p.Name)
		}
	}
	return m, nil
}

// resourceName reports whether name is a plain name next to the manifest.
func resourceName(name string) bool {
	return name != "" && name != "." && name != ".." && path.Base(name) == name && !strings.Contains(name, `\`)
}
