package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rshade/rainbow-pricing/internal/loader"
	"github.com/rshade/rainbow-pricing/internal/publish"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

// Config holds settings for the pricing server. Exactly one source must be
// set: SourceDir, BaseURL or S3.Bucket.
type Config struct {
	ListenAddr string             `yaml:"listen"`
	Timeout    time.Duration      `yaml:"timeout"`
	SourceDir  string             `yaml:"source_dir"`
	BaseURL    string             `yaml:"base_url"`
	S3         transport.S3Config `yaml:"s3"`
	CacheSize  int                `yaml:"cache_size"`

	// Families restricts the served families. Empty serves any family the
	// source has a manifest for.
	Families []string `yaml:"families"`
}

func loadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func parseConfig(args []string, logger zerolog.Logger) (*Config, error) {
	fs := flag.NewFlagSet("pricing-serve", flag.ContinueOnError)
	configFile := fs.String("config", "", "Optional YAML config file")
	listen := fs.String("listen", ":8080", "Address to listen on")
	timeout := fs.Duration("timeout", 30*time.Second, "Time limit for requests that wait on a load")
	sourceDir := fs.String("source-dir", "", "Serve resources from this directory")
	baseURL := fs.String("base-url", "", "Serve resources fetched from this URL")
	bucket := fs.String("s3-bucket", "", "Serve resources from this S3 bucket")
	prefix := fs.String("s3-prefix", "", "Key prefix inside the S3 bucket")
	cacheSize := fs.Int("cache-size", loader.DefaultCacheSize, "Decoded resources kept in memory per scheme")
	families := fs.String("families", "", "Comma-separated list of served families")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	config := &Config{ListenAddr: *listen, Timeout: *timeout, CacheSize: *cacheSize}
	if *configFile != "" {
		loaded, err := loadConfig(*configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", *configFile, err)
		}
		if loaded.ListenAddr == "" {
			loaded.ListenAddr = config.ListenAddr
		}
		if loaded.Timeout == 0 {
			loaded.Timeout = config.Timeout
		}
		if loaded.CacheSize == 0 {
			loaded.CacheSize = config.CacheSize
		}
		config = loaded
	}

	applyEnv(config, logger)

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			config.ListenAddr = *listen
		case "timeout":
			config.Timeout = *timeout
		case "source-dir":
			config.SourceDir = *sourceDir
		case "base-url":
			config.BaseURL = *baseURL
		case "s3-bucket":
			config.S3.Bucket = *bucket
		case "s3-prefix":
			config.S3.Prefix = *prefix
		case "cache-size":
			config.CacheSize = *cacheSize
		case "families":
			config.Families = splitList(*families)
		}
	})

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config, logger zerolog.Logger) {
	if v := os.Getenv("PRICING_LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("PRICING_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			config.Timeout = parsed
		} else {
			logger.Warn().Str("value", v).Msg("invalid PRICING_TIMEOUT, using default")
		}
	}
	if v := os.Getenv("PRICING_CACHE_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			config.CacheSize = parsed
		} else {
			logger.Warn().Str("value", v).Msg("invalid PRICING_CACHE_SIZE, using default")
		}
	}
	if v := os.Getenv("PRICING_SOURCE_DIR"); v != "" {
		config.SourceDir = v
	}
	if v := os.Getenv("PRICING_BASE_URL"); v != "" {
		config.BaseURL = v
	}
	if v := os.Getenv("PRICING_S3_ENDPOINT"); v != "" {
		config.S3.Endpoint = v
	}
	if v := os.Getenv("PRICING_S3_BUCKET"); v != "" {
		config.S3.Bucket = v
	}
	if v := os.Getenv("PRICING_S3_REGION"); v != "" {
		config.S3.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" && config.S3.AccessKeyID == "" {
		config.S3.AccessKeyID = v
		config.S3.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if v := os.Getenv("PRICING_FAMILIES"); v != "" {
		config.Families = splitList(v)
	}
}

func (c *Config) validate() error {
	sources := 0
	for _, s := range []string{c.SourceDir, c.BaseURL, c.S3.Bucket} {
		if s != "" {
			sources++
		}
	}
	switch sources {
	case 0:
		return errors.New("no source: set -source-dir, -base-url or -s3-bucket")
	case 1:
	default:
		return errors.New("only one of -source-dir, -base-url and -s3-bucket may be set")
	}
	if c.S3.Bucket != "" {
		if err := c.S3.Validate(); err != nil {
			return fmt.Errorf("invalid S3 config: %w", err)
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	for _, f := range c.Families {
		if err := publish.ValidateFamily(f); err != nil {
			return err
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
