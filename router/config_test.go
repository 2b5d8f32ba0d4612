package router

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig_WithCatalogIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models = DefaultCatalog()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.TierFor(Standard))
	assert.Equal(t, AccuracyHigh, cfg.AccuracyFor(Expert))

	descs := cfg.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, int64(5*humanize.GiByte), descs[1].Modes[0].FootprintBytes)
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
memory:
  max_bytes: 12 GiB
  cooldown: 30s
routing:
  security_floor_tier: 3
models:
  - id: tiny
    tier: 1
    modes:
      - {mode: q4, footprint: 800MiB, accuracy: low}
  - id: big
    tier: 3
    cost_per_1k_tokens: 0.02
    base_latency: 900ms
    modes:
      - {mode: q4, footprint: 6GiB, accuracy: high, sha256: abc}
      - {mode: fp16, footprint: 11GiB, accuracy: full}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ByteSize(12*humanize.GiByte), cfg.Memory.MaxBytes)
	assert.Equal(t, 30*time.Second, cfg.Memory.CooldownDuration)
	assert.Equal(t, 30*time.Second, cfg.Memory.AcquireTimeout, "untouched fields keep defaults")
	assert.Equal(t, 3, cfg.Routing.SecurityFloorTier)
	require.Len(t, cfg.Models, 2)
	assert.Equal(t, AccuracyFull, cfg.Models[1].Modes[1].Accuracy)
	assert.Equal(t, "abc", cfg.Descriptors()[1].Modes[0].Checksum)
}

func TestLoadConfig_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "memory:\n  max_byte: 1GiB\n")
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "max_byte")
}

func TestLoadConfig_EmptyCatalogUsesDefault(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "preload:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.Len(t, cfg.Models, len(DefaultCatalog()))
	assert.False(t, cfg.Preload.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"non-increasing tiers", func(c *Config) { c.Models[2].Tier = 2 }, "must be greater than"},
		{"duplicate id", func(c *Config) { c.Models[1].ID = c.Models[0].ID }, "duplicate id"},
		{"no modes", func(c *Config) { c.Models[0].Modes = nil }, "at least one mode"},
		{"zero footprint", func(c *Config) { c.Models[0].Modes[0].Footprint = 0 }, "footprint must be positive"},
		{"floor not a tier", func(c *Config) { c.Routing.SecurityFloorTier = 7 }, "security_floor_tier"},
		{"decreasing tier map", func(c *Config) { c.Routing.TierMap["expert"] = 1 }, "non-decreasing"},
		{"unknown level", func(c *Config) { c.Routing.TierMap["genius"] = 3 }, "unknown complexity level"},
		{"thresholds", func(c *Config) { c.Classifier.WordThresholds = []int{10, 10, 50, 100} }, "strictly increasing"},
		{"budget", func(c *Config) { c.Memory.MaxBytes = 0 }, "max_bytes"},
		{"pressure", func(c *Config) { c.Memory.PressureThreshold = 1.5 }, "pressure_threshold"},
		{"preload", func(c *Config) { c.Preload.TopK = 0 }, "top_k"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Models = DefaultCatalog()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestParseByteSize(t *testing.T) {
	n, err := ParseByteSize("2 GiB")
	require.NoError(t, err)
	assert.Equal(t, ByteSize(2<<30), n)
	n, err = ParseByteSize("1500")
	require.NoError(t, err)
	assert.Equal(t, ByteSize(1500), n)
	assert.Equal(t, "2.0 GiB", ByteSize(2<<30).String())
	_, err = ParseByteSize("lots")
	assert.Error(t, err)
}
