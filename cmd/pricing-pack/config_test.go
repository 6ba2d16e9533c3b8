package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/rainbow-pricing/internal/pricing"
)

const packYAML = `
out_dir: ./dist
format: gzip
page_size: 200
s3:
  bucket: pricing-data
  prefix: v2
families:
  - name: ec2
    input: data/ec2.json
  - name: redshift
    input: data/redshift.json
    scheme: half
`

func TestParseConfig(t *testing.T) {
	logger := zerolog.New(zerolog.NewConsoleWriter())

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "pack.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(packYAML), 0o600))

	tests := []struct {
		name          string
		args          []string
		env           map[string]string
		expectedError string
		validate      func(t *testing.T, config *Config)
	}{
		{
			name:          "No families",
			args:          []string{"-out-dir", "out"},
			expectedError: "no families",
		},
		{
			name:          "No destination",
			args:          []string{"-family", "ec2", "-input", "ec2.json"},
			expectedError: "nothing to do",
		},
		{
			name: "Single family from flags",
			args: []string{"-family", "ec2", "-input", "ec2.json", "-out-dir", "out"},
			validate: func(t *testing.T, config *Config) {
				require.Len(t, config.Families, 1)
				assert.Equal(t, Family{Name: "ec2", Input: "ec2.json", Scheme: "full"}, config.Families[0])
				assert.Equal(t, "xz", config.formatName())
				assert.Equal(t, pricing.Codec{Scheme: pricing.SchemeFull, Dedup: true}, config.codec(config.Families[0]))
			},
		},
		{
			name:          "Family name with a path",
			args:          []string{"-family", "../ec2", "-input", "ec2.json", "-out-dir", "out"},
			expectedError: "invalid family name",
		},
		{
			name:          "Unknown scheme",
			args:          []string{"-family", "ec2", "-input", "ec2.json", "-scheme", "quarter", "-out-dir", "out"},
			expectedError: "unknown scheme",
		},
		{
			name:          "Unknown format",
			args:          []string{"-family", "ec2", "-input", "ec2.json", "-format", "rar", "-out-dir", "out"},
			expectedError: "unknown compression format",
		},
		{
			name: "YAML file",
			args: []string{"-config", yamlPath},
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, "./dist", config.OutDir)
				assert.Equal(t, "gzip", config.Format)
				assert.Equal(t, 200, config.PageSize)
				assert.Equal(t, "pricing-data", config.S3.Bucket)
				require.Len(t, config.Families, 2)
				assert.Equal(t, pricing.SchemeHalf, config.codec(config.Families[1]).Scheme)
			},
		},
		{
			name: "Flags override YAML and env",
			args: []string{"-config", yamlPath, "-page-size", "10", "-no-dedup"},
			env:  map[string]string{"PRICING_PAGE_SIZE": "500", "PRICING_FORMAT": "lz4"},
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, 10, config.PageSize)
				assert.Equal(t, "lz4", config.Format)
				assert.False(t, config.codec(config.Families[0]).Dedup)
			},
		},
		{
			name: "Invalid env value is ignored",
			args: []string{"-config", yamlPath},
			env:  map[string]string{"PRICING_PAGE_SIZE": "lots"},
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, 200, config.PageSize)
			},
		},
		{
			name:          "Missing config file",
			args:          []string{"-config", filepath.Join(dir, "missing.yaml")},
			expectedError: "failed to load",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"PRICING_OUT_DIR", "PRICING_FORMAT", "PRICING_PAGE_SIZE", "PRICING_S3_BUCKET", "PRICING_NO_DEDUP", "AWS_ACCESS_KEY_ID"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			config, err := parseConfig(tt.args, logger)
			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				return
			}
			require.NoError(t, err)
			tt.validate(t, config)
		})
	}
}
