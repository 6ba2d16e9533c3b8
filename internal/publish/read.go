package publish

import (
	"context"
	"fmt"
	"io"

	"github.com/rshade/rainbow-pricing/internal/pricing"
	"github.com/rshade/rainbow-pricing/internal/stream"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

// ReadManifest fetches and parses the manifest of family.
func ReadManifest(ctx context.Context, src transport.Source, family string) (Manifest, error) {
	if err := ValidateFamily(family); err != nil {
		return Manifest{}, err
	}
	rc, err := src.Open(ctx, ManifestName(family))
	if err != nil {
		return Manifest{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest of %s: %w", family, err)
	}
	return ParseManifest(data)
}

// ReadInline reads the first batch listed in m without decoding pricing.
// A manifest without a first batch yields no records.
func ReadInline(ctx context.Context, src transport.Source, m Manifest) ([]*pricing.LazyInstance, error) {
	if m.Inline == nil {
		return nil, nil
	}
	codec, err := m.Codec()
	if err != nil {
		return nil, err
	}
	rc, err := src.Open(ctx, m.Inline.Name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	recs, err := stream.ReadLazy(rc, codec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Inline.Name, err)
	}
	return recs, nil
}
