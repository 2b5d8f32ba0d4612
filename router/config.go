package router

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count that decodes from plain integers or humanized
// strings such as "12 GiB" or "800MB".
type ByteSize int64

// ParseByteSize parses a humanized byte count.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("byte size %q overflows int64", s)
	}
	return ByteSize(n), nil
}

// UnmarshalYAML decodes a ByteSize from a scalar node.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}
	parsed, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = parsed
	return nil
}

func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("-%s", humanize.IBytes(uint64(-b)))
	}
	return humanize.IBytes(uint64(b))
}

// Config is the complete startup configuration. It is built once, validated,
// and passed by pointer into every component.
type Config struct {
	Memory     MemoryConfig     `yaml:"memory"`
	Routing    RoutingConfig    `yaml:"routing"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Profiler   ProfilerConfig   `yaml:"profiler"`
	Preload    PreloadConfig    `yaml:"preload"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Models     []ModelConfig    `yaml:"models"`
}

// MemoryConfig configures the loader's budget and timing.
type MemoryConfig struct {
	MaxBytes          ByteSize      `yaml:"max_bytes"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`    // applied when the caller's context has no deadline
	CooldownDuration  time.Duration `yaml:"cooldown"`           // registry cooldown after a LoadError
	LoadBandwidth     ByteSize      `yaml:"load_bandwidth"`     // bytes/second, used for latency estimates
	WeightsRoot       string        `yaml:"weights_root"`       // FileBackend root; empty selects the simulated backend
	PressureThreshold float64       `yaml:"pressure_threshold"` // utilization that counts as memory pressure
	PressureSustain   int           `yaml:"pressure_sustain"`   // consecutive pressured checks before a swap
	PressureInterval  time.Duration `yaml:"pressure_interval"`
}

// RoutingConfig configures the decision engine.
type RoutingConfig struct {
	SecurityFloorTier   int                      `yaml:"security_floor_tier"`
	TierMap             map[string]int           `yaml:"tier_map"`     // complexity level name -> tier rank
	AccuracyMap         map[string]AccuracyClass `yaml:"accuracy_map"` // complexity level name -> min accuracy
	MaxInflightPerModel int                      `yaml:"max_inflight_per_model"`
	Headroom            HeadroomConfig           `yaml:"headroom"`
}

// HeadroomConfig holds the thresholds below which a device counts as
// constrained.
type HeadroomConfig struct {
	MinBatteryPct   float64      `yaml:"min_battery_pct"`
	MinCPUFree      float64      `yaml:"min_cpu_free"`
	ThrottleAt      ThermalState `yaml:"throttle_at"`
	DegradedNetwork bool         `yaml:"degraded_network"`
}

// ClassifierConfig configures the complexity classifier.
type ClassifierConfig struct {
	WordThresholds       []int         `yaml:"word_thresholds"` // upper bounds for trivial, simple, standard, advanced
	Budget               time.Duration `yaml:"budget"`
	MinConfidence        float64       `yaml:"min_confidence"`
	LearnedMinConfidence float64       `yaml:"learned_min_confidence"`
	DomainHints          []string      `yaml:"domain_hints"`
	AttachmentStep       int           `yaml:"attachment_step"`
}

// ProfilerConfig configures the device profiler.
type ProfilerConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	GPUProbe        bool          `yaml:"gpu_probe"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	Network         NetworkClass  `yaml:"network"`
	PowerSupplyPath string        `yaml:"power_supply_path"`
}

// PreloadConfig configures predictive preloading.
type PreloadConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Window        int     `yaml:"window"`
	TopK          int     `yaml:"top_k"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	Concurrency   int64   `yaml:"concurrency"`
}

// TelemetryConfig configures the outbound event emitter.
type TelemetryConfig struct {
	Buffer    int  `yaml:"buffer"`
	LogEvents bool `yaml:"log_events"`
	Metrics   bool `yaml:"metrics"`
}

// ModelConfig is one catalog entry as written in YAML.
type ModelConfig struct {
	ID              string        `yaml:"id"`
	Tier            int           `yaml:"tier"`
	CostPer1KTokens float64       `yaml:"cost_per_1k_tokens"`
	BaseLatency     time.Duration `yaml:"base_latency"`
	Modes           []ModeConfig  `yaml:"modes"`
}

// ModeConfig is one quantization mode as written in YAML.
type ModeConfig struct {
	Mode      string        `yaml:"mode"`
	Footprint ByteSize      `yaml:"footprint"`
	Accuracy  AccuracyClass `yaml:"accuracy"`
	Checksum  string        `yaml:"sha256"`
	Path      string        `yaml:"path"`
}

// DefaultConfig returns every setting except the model catalog.
func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			MaxBytes:          24 * humanize.GiByte,
			AcquireTimeout:    30 * time.Second,
			CooldownDuration:  5 * time.Minute,
			LoadBandwidth:     2 * humanize.GiByte,
			PressureThreshold: 0.95,
			PressureSustain:   3,
			PressureInterval:  5 * time.Second,
		},
		Routing: RoutingConfig{
			SecurityFloorTier: 2,
			TierMap: map[string]int{
				"trivial":  1,
				"simple":   1,
				"standard": 2,
				"advanced": 3,
				"expert":   3,
			},
			AccuracyMap: map[string]AccuracyClass{
				"trivial":  AccuracyLow,
				"simple":   AccuracyLow,
				"standard": AccuracyMedium,
				"advanced": AccuracyHigh,
				"expert":   AccuracyHigh,
			},
			Headroom: HeadroomConfig{
				MinBatteryPct:   20,
				MinCPUFree:      0.05,
				ThrottleAt:      ThermalSerious,
				DegradedNetwork: true,
			},
		},
		Classifier: ClassifierConfig{
			WordThresholds:       []int{10, 25, 50, 100},
			Budget:               50 * time.Millisecond,
			MinConfidence:        0.3,
			LearnedMinConfidence: 0.7,
			DomainHints:          []string{"legal", "medical", "security", "finance"},
			AttachmentStep:       2,
		},
		Profiler: ProfilerConfig{
			TTL:             2 * time.Second,
			GPUProbe:        true,
			ProbeTimeout:    time.Second,
			PowerSupplyPath: "/sys/class/power_supply",
		},
		Preload: PreloadConfig{
			Enabled:       true,
			Window:        64,
			TopK:          2,
			RatePerSecond: 1,
			Burst:         2,
			Concurrency:   1,
		},
		Telemetry: TelemetryConfig{
			Buffer:    1024,
			LogEvents: true,
		},
	}
}

// DefaultCatalog is the built-in three-tier catalog used when no config
// file is given.
func DefaultCatalog() []ModelConfig {
	return []ModelConfig{
		{
			ID: "phi-3-mini", Tier: 1, CostPer1KTokens: 0, BaseLatency: 150 * time.Millisecond,
			Modes: []ModeConfig{
				{Mode: "q4", Footprint: 2300 * humanize.MiByte, Accuracy: AccuracyLow},
				{Mode: "q8", Footprint: 4 * humanize.GiByte, Accuracy: AccuracyMedium},
			},
		},
		{
			ID: "llama-3.1-8b", Tier: 2, CostPer1KTokens: 0.01, BaseLatency: 400 * time.Millisecond,
			Modes: []ModeConfig{
				{Mode: "q4", Footprint: 5 * humanize.GiByte, Accuracy: AccuracyMedium},
				{Mode: "q8", Footprint: 9 * humanize.GiByte, Accuracy: AccuracyHigh},
				{Mode: "fp16", Footprint: 16 * humanize.GiByte, Accuracy: AccuracyFull},
			},
		},
		{
			ID: "qwen-2.5-32b", Tier: 3, CostPer1KTokens: 0.05, BaseLatency: 1200 * time.Millisecond,
			Modes: []ModeConfig{
				{Mode: "q4", Footprint: 19 * humanize.GiByte, Accuracy: AccuracyHigh},
				{Mode: "q8", Footprint: 34 * humanize.GiByte, Accuracy: AccuracyFull},
			},
		},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
// Unknown fields are rejected so typos surface as errors.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultCatalog()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section. Tier ranks must be strictly increasing in
// catalog order.
func (c *Config) Validate() error {
	if c.Memory.MaxBytes <= 0 {
		return fmt.Errorf("memory.max_bytes must be positive, got %d", c.Memory.MaxBytes)
	}
	if c.Memory.AcquireTimeout <= 0 {
		return fmt.Errorf("memory.acquire_timeout must be positive, got %v", c.Memory.AcquireTimeout)
	}
	if c.Memory.CooldownDuration <= 0 {
		return fmt.Errorf("memory.cooldown must be positive, got %v", c.Memory.CooldownDuration)
	}
	if c.Memory.LoadBandwidth <= 0 {
		return fmt.Errorf("memory.load_bandwidth must be positive, got %d", c.Memory.LoadBandwidth)
	}
	if c.Memory.PressureThreshold <= 0 || c.Memory.PressureThreshold > 1 {
		return fmt.Errorf("memory.pressure_threshold must be in (0,1], got %f", c.Memory.PressureThreshold)
	}
	if c.Memory.PressureSustain < 1 {
		return fmt.Errorf("memory.pressure_sustain must be >= 1, got %d", c.Memory.PressureSustain)
	}
	if c.Memory.PressureInterval <= 0 {
		return fmt.Errorf("memory.pressure_interval must be positive, got %v", c.Memory.PressureInterval)
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("no models configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("models[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		if i > 0 && m.Tier <= c.Models[i-1].Tier {
			return fmt.Errorf("models[%d] %q: tier %d must be greater than tier %d of %q",
				i, m.ID, m.Tier, c.Models[i-1].Tier, c.Models[i-1].ID)
		}
		if m.CostPer1KTokens < 0 {
			return fmt.Errorf("models[%d] %q: cost_per_1k_tokens must be non-negative", i, m.ID)
		}
		if len(m.Modes) == 0 {
			return fmt.Errorf("models[%d] %q: at least one mode is required", i, m.ID)
		}
		modes := make(map[string]bool, len(m.Modes))
		for _, q := range m.Modes {
			if q.Mode == "" {
				return fmt.Errorf("models[%d] %q: mode name is required", i, m.ID)
			}
			if modes[q.Mode] {
				return fmt.Errorf("models[%d] %q: duplicate mode %q", i, m.ID, q.Mode)
			}
			modes[q.Mode] = true
			if q.Footprint <= 0 {
				return fmt.Errorf("models[%d] %q mode %q: footprint must be positive", i, m.ID, q.Mode)
			}
		}
	}

	if _, ok := c.rankIndex()[c.Routing.SecurityFloorTier]; !ok {
		return fmt.Errorf("routing.security_floor_tier %d does not match any model tier", c.Routing.SecurityFloorTier)
	}
	prevTier := math.MinInt
	for _, level := range AllComplexityLevels() {
		tier, ok := c.Routing.TierMap[level.String()]
		if !ok {
			return fmt.Errorf("routing.tier_map is missing level %q", level)
		}
		if tier < prevTier {
			return fmt.Errorf("routing.tier_map must be non-decreasing; %q maps to %d after %d", level, tier, prevTier)
		}
		prevTier = tier
		if _, ok := c.Routing.AccuracyMap[level.String()]; !ok {
			return fmt.Errorf("routing.accuracy_map is missing level %q", level)
		}
	}
	for name := range c.Routing.TierMap {
		if _, err := ParseComplexityLevel(name); err != nil {
			return fmt.Errorf("routing.tier_map: %w", err)
		}
	}
	for name := range c.Routing.AccuracyMap {
		if _, err := ParseComplexityLevel(name); err != nil {
			return fmt.Errorf("routing.accuracy_map: %w", err)
		}
	}
	if c.Routing.MaxInflightPerModel < 0 {
		return fmt.Errorf("routing.max_inflight_per_model must be non-negative, got %d", c.Routing.MaxInflightPerModel)
	}

	th := c.Classifier.WordThresholds
	if len(th) != NumComplexityLevels-1 {
		return fmt.Errorf("classifier.word_thresholds needs %d values, got %d", NumComplexityLevels-1, len(th))
	}
	for i := 1; i < len(th); i++ {
		if th[i] <= th[i-1] {
			return fmt.Errorf("classifier.word_thresholds must be strictly increasing, got %v", th)
		}
	}
	if c.Classifier.Budget <= 0 {
		return fmt.Errorf("classifier.budget must be positive, got %v", c.Classifier.Budget)
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
		return fmt.Errorf("classifier.min_confidence must be in [0,1], got %f", c.Classifier.MinConfidence)
	}
	if c.Classifier.LearnedMinConfidence < 0 || c.Classifier.LearnedMinConfidence > 1 {
		return fmt.Errorf("classifier.learned_min_confidence must be in [0,1], got %f", c.Classifier.LearnedMinConfidence)
	}
	if c.Classifier.AttachmentStep < 0 {
		return fmt.Errorf("classifier.attachment_step must be non-negative, got %d", c.Classifier.AttachmentStep)
	}

	if c.Profiler.TTL < 0 {
		return fmt.Errorf("profiler.ttl must be non-negative, got %v", c.Profiler.TTL)
	}
	if c.Preload.Enabled {
		if c.Preload.Window < 1 || c.Preload.TopK < 1 {
			return fmt.Errorf("preload.window and preload.top_k must be >= 1")
		}
		if c.Preload.RatePerSecond <= 0 || c.Preload.Burst < 1 || c.Preload.Concurrency < 1 {
			return fmt.Errorf("preload.rate_per_second, burst and concurrency must be positive")
		}
	}
	if c.Telemetry.Buffer < 0 {
		return fmt.Errorf("telemetry.buffer must be non-negative, got %d", c.Telemetry.Buffer)
	}
	return nil
}

func (c *Config) rankIndex() map[int]string {
	idx := make(map[int]string, len(c.Models))
	for _, m := range c.Models {
		idx[m.Tier] = m.ID
	}
	return idx
}

// TierFor returns the baseline tier rank configured for level.
func (c *Config) TierFor(level ComplexityLevel) int {
	return c.Routing.TierMap[level.String()]
}

// AccuracyFor returns the minimum accuracy class configured for level.
func (c *Config) AccuracyFor(level ComplexityLevel) AccuracyClass {
	return c.Routing.AccuracyMap[level.String()]
}

// Descriptors converts the catalog into ModelDescriptors in catalog order.
func (c *Config) Descriptors() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(c.Models))
	for _, m := range c.Models {
		d := ModelDescriptor{
			ID:              m.ID,
			TierRank:        m.Tier,
			CostPer1KTokens: m.CostPer1KTokens,
			BaseLatency:     m.BaseLatency,
			Modes:           make([]QuantSpec, 0, len(m.Modes)),
		}
		for _, q := range m.Modes {
			d.Modes = append(d.Modes, QuantSpec{
				Mode:           QuantMode(q.Mode),
				FootprintBytes: int64(q.Footprint),
				Accuracy:       q.Accuracy,
				Checksum:       q.Checksum,
				Path:           q.Path,
			})
		}
		out = append(out, d)
	}
	return out
}
