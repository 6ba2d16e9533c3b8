package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rshade/rainbow-pricing/internal/compress"
	"github.com/rshade/rainbow-pricing/internal/pricing"
	"github.com/rshade/rainbow-pricing/internal/publish"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

// main packs instance families into the resources served to clients.
//
// Fail-fast behavior: if any family cannot be read, encoded or written the
// program exits with status 1, before the manifest of that family is
// written, so readers never see a manifest pointing at missing pages.
func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	config, err := parseConfig(os.Args[1:], logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config, logger); err != nil {
		logger.Error().Err(err).Msg("packing failed")
		cancel()
		os.Exit(1)
	}
	logger.Info().Int("families", len(config.Families)).Msg("pricing resources generated successfully")
}

func run(ctx context.Context, config *Config, logger zerolog.Logger) error {
	format, err := compress.ParseFormat(config.formatName())
	if err != nil {
		return err
	}

	var publisher *publish.S3Publisher
	if config.S3.Bucket != "" {
		client, err := transport.NewS3Client(ctx, config.S3)
		if err != nil {
			return err
		}
		publisher = publish.NewS3Publisher(client, config.S3, logger)
	}

	for _, f := range config.Families {
		codec := config.codec(f)
		instances, err := readInstances(f.Input, codec.Scheme)
		if err != nil {
			return fmt.Errorf("family %s: %w", f.Name, err)
		}

		manifest, artifacts, err := publish.Build(instances, publish.Options{
			Family:     f.Name,
			Codec:      codec,
			InlineSize: config.InlineSize,
			PageSize:   config.PageSize,
			Format:     format,
		})
		if err != nil {
			return fmt.Errorf("family %s: %w", f.Name, err)
		}

		if config.OutDir != "" {
			if err := publish.WriteDir(config.OutDir, artifacts); err != nil {
				return fmt.Errorf("family %s: %w", f.Name, err)
			}
		}
		if publisher != nil {
			if err := publisher.Publish(ctx, artifacts); err != nil {
				return fmt.Errorf("family %s: %w", f.Name, err)
			}
		}

		logger.Info().
			Str("family", f.Name).
			Str("scheme", manifest.Scheme).
			Int("records", manifest.Records).
			Int("pages", len(manifest.Pages)).
			Int("bytes", totalBytes(artifacts)).
			Msg("packed family")
	}
	return nil
}

// readInstances reads a JSON array of canonical instance records.
func readInstances(path string, scheme pricing.Scheme) ([]pricing.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	instances := make([]pricing.Instance, 0, len(raw))
	for i, v := range raw {
		inst, err := pricing.InstanceFromValue(v, scheme)
		if err != nil {
			return nil, fmt.Errorf("%s: record %d: %w", path, i, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func totalBytes(artifacts []publish.Artifact) int {
	n := 0
	for _, a := range artifacts {
		n += len(a.Data)
	}
	return n
}
