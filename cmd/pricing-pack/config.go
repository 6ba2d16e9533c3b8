package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rshade/rainbow-pricing/internal/compress"
	"github.com/rshade/rainbow-pricing/internal/pricing"
	"github.com/rshade/rainbow-pricing/internal/publish"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

// Family is one instance family to pack.
type Family struct {
	Name   string `yaml:"name"`
	Input  string `yaml:"input"`
	Scheme string `yaml:"scheme"`
}

// Config holds the settings of one pack run. Values come from an optional
// YAML file, then PRICING_* environment variables, then flags.
type Config struct {
	OutDir        string             `yaml:"out_dir"`
	Format        string             `yaml:"format"`
	InlineSize    int                `yaml:"inline_size"`
	PageSize      int                `yaml:"page_size"`
	NoDedup       bool               `yaml:"no_dedup"`
	DedupMinBytes int                `yaml:"dedup_min_bytes"`
	S3            transport.S3Config `yaml:"s3"`
	Families      []Family           `yaml:"families"`
}

// loadConfig reads a YAML config file.
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

// parseConfig builds the run configuration from args and the environment.
func parseConfig(args []string, logger zerolog.Logger) (*Config, error) {
	fs := flag.NewFlagSet("pricing-pack", flag.ContinueOnError)
	configFile := fs.String("config", "", "YAML file listing families and output settings")
	family := fs.String("family", "", "Family name for a single input (e.g. ec2)")
	input := fs.String("input", "", "JSON array of instance records for -family")
	scheme := fs.String("scheme", "full", "Pricing scheme of -input: full or half")
	outDir := fs.String("out-dir", "", "Directory to write resources to")
	format := fs.String("format", "", "Page compression: xz, zstd, gzip, s2, lz4 or none")
	inlineSize := fs.Int("inline-size", 0, "Records in the plain first batch (-1 disables it)")
	pageSize := fs.Int("page-size", 0, "Records per compressed page")
	noDedup := fs.Bool("no-dedup", false, "Disable back-references between identical platform payloads")
	bucket := fs.String("s3-bucket", "", "Upload resources to this S3 bucket")
	prefix := fs.String("s3-prefix", "", "Key prefix inside the S3 bucket")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	config := &Config{}
	if *configFile != "" {
		loaded, err := loadConfig(*configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", *configFile, err)
		}
		config = loaded
	}

	applyEnv(config, logger)

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["out-dir"] {
		config.OutDir = *outDir
	}
	if set["format"] {
		config.Format = *format
	}
	if set["inline-size"] {
		config.InlineSize = *inlineSize
	}
	if set["page-size"] {
		config.PageSize = *pageSize
	}
	if set["no-dedup"] {
		config.NoDedup = *noDedup
	}
	if set["s3-bucket"] {
		config.S3.Bucket = *bucket
	}
	if set["s3-prefix"] {
		config.S3.Prefix = *prefix
	}
	if *family != "" || *input != "" {
		config.Families = append(config.Families, Family{Name: *family, Input: *input, Scheme: *scheme})
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config, logger zerolog.Logger) {
	if v := os.Getenv("PRICING_OUT_DIR"); v != "" {
		config.OutDir = v
	}
	if v := os.Getenv("PRICING_FORMAT"); v != "" {
		config.Format = v
	}
	if v := os.Getenv("PRICING_PAGE_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			config.PageSize = parsed
		} else {
			logger.Warn().Str("value", v).Msg("invalid PRICING_PAGE_SIZE, using default")
		}
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
	if strings.ToLower(os.Getenv("PRICING_NO_DEDUP")) == "true" {
		config.NoDedup = true
	}
}

func (c *Config) validate() error {
	if len(c.Families) == 0 {
		return errors.New("no families to pack: use -config or -family and -input")
	}
	for _, f := range c.Families {
		if f.Name == "" || f.Input == "" {
			return fmt.Errorf("family %q: name and input are required", f.Name)
		}
		if err := publish.ValidateFamily(f.Name); err != nil {
			return err
		}
		if _, ok := pricing.ParseScheme(f.Scheme); !ok {
			return fmt.Errorf("family %s: unknown scheme %q", f.Name, f.Scheme)
		}
	}
	if _, err := compress.ParseFormat(c.formatName()); err != nil {
		return err
	}
	if c.OutDir == "" && c.S3.Bucket == "" {
		return errors.New("nothing to do: set -out-dir and/or -s3-bucket")
	}
	if c.S3.Bucket != "" {
		if err := c.S3.Validate(); err != nil {
			return fmt.Errorf("invalid S3 config: %w", err)
		}
	}
	return nil
}

func (c *Config) formatName() string {
	if c.Format == "" {
		return compress.XZ.String()
	}
	return c.Format
}

// codec returns the codec for a family.
func (c *Config) codec(f Family) pricing.Codec {
	scheme, _ := pricing.ParseScheme(f.Scheme)
	return pricing.Codec{
		Scheme:        scheme,
		Dedup:         !c.NoDedup,
		DedupMinBytes: c.DedupMinBytes,
	}
}
