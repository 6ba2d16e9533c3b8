package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/rainbow-pricing/internal/loader"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

func TestParseConfig(t *testing.T) {
	logger := zerolog.New(zerolog.NewConsoleWriter())

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "serve.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
listen: ":9000"
s3:
  endpoint: http://localhost:9000
  bucket: pricing
  access_key_id: minio
  secret_access_key: minio123
families: [ec2, redshift]
`), 0o600))

	tests := []struct {
		name          string
		args          []string
		env           map[string]string
		expectedError string
		validate      func(t *testing.T, config *Config)
	}{
		{
			name: "Defaults",
			args: []string{"-source-dir", "dist"},
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, ":8080", config.ListenAddr)
				assert.Equal(t, 30*time.Second, config.Timeout)
				assert.Equal(t, loader.DefaultCacheSize, config.CacheSize)
				assert.Equal(t, "dist", config.SourceDir)
				assert.Empty(t, config.Families)
			},
		},
		{
			name:          "No source",
			expectedError: "no source",
		},
		{
			name:          "Two sources",
			args:          []string{"-source-dir", "dist", "-base-url", "https://pricing.example.com"},
			expectedError: "only one of",
		},
		{
			name: "YAML file",
			args: []string{"-config", yamlPath},
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, ":9000", config.ListenAddr)
				assert.Equal(t, 30*time.Second, config.Timeout)
				assert.Equal(t, transport.S3Config{
					Endpoint:        "http://localhost:9000",
					Bucket:          "pricing",
					AccessKeyID:     "minio",
					SecretAccessKey: "minio123",
				}, config.S3)
				assert.Equal(t, []string{"ec2", "redshift"}, config.Families)
			},
		},
		{
			name: "Env overrides",
			args: []string{"-base-url", "https://pricing.example.com"},
			env: map[string]string{
				"PRICING_LISTEN_ADDR": ":7000",
				"PRICING_TIMEOUT":     "2s",
				"PRICING_CACHE_SIZE":  "8",
				"PRICING_FAMILIES":    "ec2, rds ,",
			},
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, ":7000", config.ListenAddr)
				assert.Equal(t, 2*time.Second, config.Timeout)
				assert.Equal(t, 8, config.CacheSize)
				assert.Equal(t, []string{"ec2", "rds"}, config.Families)
			},
		},
		{
			name: "Invalid env values keep defaults",
			args: []string{"-source-dir", "dist"},
			env:  map[string]string{"PRICING_TIMEOUT": "soon", "PRICING_CACHE_SIZE": "-1"},
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, 30*time.Second, config.Timeout)
				assert.Equal(t, loader.DefaultCacheSize, config.CacheSize)
			},
		},
		{
			name: "Flags win over env",
			args: []string{"-source-dir", "dist", "-listen", ":6000", "-families", "ec2"},
			env:  map[string]string{"PRICING_LISTEN_ADDR": ":7000", "PRICING_FAMILIES": "rds"},
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, ":6000", config.ListenAddr)
				assert.Equal(t, []string{"ec2"}, config.Families)
			},
		},
		{
			name:          "Invalid family name",
			args:          []string{"-source-dir", "dist", "-families", "ec2,../rds"},
			expectedError: "invalid family name",
		},
		{
			name:          "Half S3 credentials",
			args:          []string{"-s3-bucket", "pricing"},
			env:           map[string]string{"AWS_ACCESS_KEY_ID": "AKIA"},
			expectedError: "invalid S3 config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{
				"PRICING_LISTEN_ADDR", "PRICING_TIMEOUT", "PRICING_CACHE_SIZE", "PRICING_SOURCE_DIR",
				"PRICING_BASE_URL", "PRICING_S3_BUCKET", "PRICING_S3_ENDPOINT", "PRICING_S3_REGION",
				"PRICING_FAMILIES", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
			} {
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
