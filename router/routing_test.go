package router_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/tier-router/router"
	"github.com/inference-sim/tier-router/router/registry"
)

// testCatalog is a three-tier catalog with byte-scale footprints:
// small (tier 1, free), mid (tier 2), large (tier 3, most expensive).
func testCatalog() []router.ModelConfig {
	return []router.ModelConfig{
		{ID: "small", Tier: 1, BaseLatency: 100 * time.Millisecond, Modes: []router.ModeConfig{
			{Mode: "q4", Footprint: 2, Accuracy: router.AccuracyLow},
			{Mode: "q8", Footprint: 4, Accuracy: router.AccuracyMedium},
		}},
		{ID: "mid", Tier: 2, CostPer1KTokens: 0.01, BaseLatency: 200 * time.Millisecond, Modes: []router.ModeConfig{
			{Mode: "q4", Footprint: 5, Accuracy: router.AccuracyMedium},
			{Mode: "q5", Footprint: 6, Accuracy: router.AccuracyMedium},
			{Mode: "q8", Footprint: 9, Accuracy: router.AccuracyHigh},
		}},
		{ID: "large", Tier: 3, CostPer1KTokens: 0.05, BaseLatency: time.Second, Modes: []router.ModeConfig{
			{Mode: "q4", Footprint: 12, Accuracy: router.AccuracyHigh},
			{Mode: "q8", Footprint: 18, Accuracy: router.AccuracyFull},
		}},
	}
}

func testRouterConfig(t *testing.T) *router.Config {
	t.Helper()
	cfg := router.DefaultConfig()
	cfg.Memory.MaxBytes = 20
	cfg.Memory.LoadBandwidth = 10
	cfg.Models = testCatalog()
	require.NoError(t, cfg.Validate())
	return cfg
}

type residentSet map[router.InstanceKey]bool

func (r residentSet) IsResident(k router.InstanceKey) bool { return r[k] }

type engineFixture struct {
	cfg    *router.Config
	reg    *registry.Registry
	load   *router.LoadTracker
	engine *router.Engine
}

func newEngineFixture(t *testing.T, resident residentSet, mutate func(*router.Config)) engineFixture {
	t.Helper()
	cfg := testRouterConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	reg, err := registry.FromConfig(cfg)
	require.NoError(t, err)
	load := router.NewLoadTracker()
	return engineFixture{cfg: cfg, reg: reg, load: load, engine: router.NewEngine(cfg, reg, resident, load)}
}

func classified(level router.ComplexityLevel) router.Classification {
	return router.Classification{Level: level, Confidence: 0.9, Source: "rules"}
}

func ceiling(c float64) *float64 { return &c }

func longText(words int) string {
	return strings.TrimSpace(strings.Repeat("word ", words))
}

func TestDecide_BaselineTierPerLevel(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	tests := []struct {
		level router.ComplexityLevel
		want  router.InstanceKey
	}{
		{router.Trivial, router.InstanceKey{ModelID: "small", Mode: "q4"}},
		{router.Simple, router.InstanceKey{ModelID: "small", Mode: "q4"}},
		{router.Standard, router.InstanceKey{ModelID: "mid", Mode: "q4"}},
		{router.Advanced, router.InstanceKey{ModelID: "large", Mode: "q4"}},
		{router.Expert, router.InstanceKey{ModelID: "large", Mode: "q4"}},
	}
	for _, tc := range tests {
		t.Run(tc.level.String(), func(t *testing.T) {
			d, err := f.engine.Decide(router.Query{ID: "q", Text: "hi"}, classified(tc.level), router.DeviceProfile{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Key())
			assert.Equal(t, tc.level, d.Complexity)
			assert.False(t, d.SecurityEscalated)
		})
	}
}

func TestDecide_SecurityFloorAppliesToTrivialQueries(t *testing.T) {
	// GIVEN a trivial query marked escalated, floor tier 2
	f := newEngineFixture(t, nil, nil)
	q := router.Query{ID: "q", Text: "hi", Security: router.SecurityEscalated}

	// WHEN routed
	d, err := f.engine.Decide(q, classified(router.Trivial), router.DeviceProfile{})

	// THEN the tier is raised to the floor
	require.NoError(t, err)
	assert.Equal(t, "mid", d.ModelID)
	assert.GreaterOrEqual(t, d.TierRank, f.cfg.Routing.SecurityFloorTier)
	assert.True(t, d.SecurityEscalated)
	assert.Contains(t, d.Reason, "escalated(floor=2)")
	assert.Contains(t, d.Reason, "target=2")
}

func TestDecide_SecurityFloorSurvivesCooldownAndCost(t *testing.T) {
	// GIVEN an escalated query whose floor tier is cooling down
	f := newEngineFixture(t, nil, nil)
	f.reg.Cooldown("mid", time.Minute)
	q := router.Query{ID: "q", Text: "hi", Security: router.SecurityEscalated}

	// WHEN routed
	d, err := f.engine.Decide(q, classified(router.Trivial), router.DeviceProfile{})

	// THEN the walk goes up, never below the floor
	require.NoError(t, err)
	assert.Equal(t, "large", d.ModelID)
	assert.Contains(t, d.Reason, "mid(cooldown)")

	// AND when every tier at or above the floor is excluded, routing fails
	q.CostCeiling = ceiling(0)
	q.Text = longText(40)
	_, err = f.engine.Decide(q, classified(router.Trivial), router.DeviceProfile{})
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrRoutingUnavailable)
	assert.Contains(t, err.Error(), "small(below floor)")
}

func TestDecide_CostCeilingDowngrades(t *testing.T) {
	// GIVEN an expert query whose large-tier cost exceeds the ceiling
	f := newEngineFixture(t, nil, nil)
	text := longText(120)
	tokens := router.EstimateTokens(text)
	large := router.EstimateCost(tokens, 0.05)
	mid := router.EstimateCost(tokens, 0.01)
	require.Greater(t, large, mid)
	q := router.Query{ID: "q", Text: text, CostCeiling: ceiling((large + mid) / 2)}

	// WHEN routed
	d, err := f.engine.Decide(q, classified(router.Expert), router.DeviceProfile{})

	// THEN the next lower tier within budget is chosen with an accurate mode
	require.NoError(t, err)
	assert.Equal(t, router.InstanceKey{ModelID: "mid", Mode: "q8"}, d.Key())
	assert.InDelta(t, mid, d.EstimatedCost, 1e-12)
	assert.LessOrEqual(t, d.EstimatedCost, *q.CostCeiling)
	assert.Contains(t, d.Reason, "large(cost)")
}

func TestDecide_CooldownWalksDownBeforeUp(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	f.reg.Cooldown("mid", time.Minute)

	d, err := f.engine.Decide(router.Query{ID: "q", Text: "hi"}, classified(router.Standard), router.DeviceProfile{})
	require.NoError(t, err)
	assert.Equal(t, router.InstanceKey{ModelID: "small", Mode: "q8"}, d.Key(), "medium accuracy on the smaller tier")
}

func TestDecide_LowHeadroomPrefersSmallerMode(t *testing.T) {
	f := newEngineFixture(t, nil, func(c *router.Config) {
		c.Routing.AccuracyMap["advanced"] = router.AccuracyFull
	})
	q := router.Query{ID: "q", Text: "hi"}

	d, err := f.engine.Decide(q, classified(router.Advanced), router.DeviceProfile{})
	require.NoError(t, err)
	assert.Equal(t, router.InstanceKey{ModelID: "large", Mode: "q8"}, d.Key())

	// GIVEN a device at 10% battery
	dev := router.DeviceProfile{BatteryPct: 10, BatteryKnown: true}

	// WHEN routed again
	d, err = f.engine.Decide(q, classified(router.Advanced), dev)

	// THEN the same tier is kept with a smaller quantization
	require.NoError(t, err)
	assert.Equal(t, router.InstanceKey{ModelID: "large", Mode: "q4"}, d.Key())
	assert.Equal(t, router.AccuracyHigh, d.MinAccuracy)
	assert.Contains(t, d.Reason, "low-headroom(battery=10%)")
}

func TestDecide_ResidentModeWinsTie(t *testing.T) {
	// GIVEN mid q4 and q5 at the same footprint with q5 resident
	resident := residentSet{{ModelID: "mid", Mode: "q5"}: true}
	f := newEngineFixture(t, resident, func(c *router.Config) { c.Models[1].Modes[1].Footprint = 5 })

	d, err := f.engine.Decide(router.Query{ID: "q", Text: "hi"}, classified(router.Standard), router.DeviceProfile{})
	require.NoError(t, err)
	assert.Equal(t, router.QuantMode("q5"), d.Mode)
	assert.True(t, d.Resident)
	assert.Equal(t, 200*time.Millisecond, d.EstimatedLatency, "no load time for resident weights")
	assert.Contains(t, d.Reason, "(resident)")
}

func TestDecide_SmallestModeMeetingClassWins(t *testing.T) {
	// GIVEN mid whose High mode (4 bytes) is smaller than its Medium modes
	f := newEngineFixture(t, nil, func(c *router.Config) { c.Models[1].Modes[2].Footprint = 4 })

	// WHEN a Standard query needs at least Medium accuracy
	d, err := f.engine.Decide(router.Query{ID: "q", Text: "hi"}, classified(router.Standard), router.DeviceProfile{})

	// THEN the smallest qualifying mode wins, as the loader would pick it
	require.NoError(t, err)
	assert.Equal(t, router.InstanceKey{ModelID: "mid", Mode: "q8"}, d.Key())
	desc, err := f.reg.Lookup("mid")
	require.NoError(t, err)
	smallest, ok := desc.SmallestModeMeeting(router.AccuracyMedium)
	require.True(t, ok)
	assert.Equal(t, smallest.Mode, d.Mode)

	// AND a resident larger mode does not outrank it
	f = newEngineFixture(t, residentSet{{ModelID: "mid", Mode: "q4"}: true}, func(c *router.Config) { c.Models[1].Modes[2].Footprint = 4 })
	d, err = f.engine.Decide(router.Query{ID: "q", Text: "hi"}, classified(router.Standard), router.DeviceProfile{})
	require.NoError(t, err)
	assert.Equal(t, router.QuantMode("q8"), d.Mode)
}

func TestDecide_LatencyIncludesLoadTime(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	d, err := f.engine.Decide(router.Query{ID: "q", Text: "hi"}, classified(router.Trivial), router.DeviceProfile{})
	require.NoError(t, err)
	// 100ms base + 2 bytes at 10 B/s
	assert.Equal(t, 300*time.Millisecond, d.EstimatedLatency)
	assert.False(t, d.Resident)
}

func TestDecide_SkipsTiersExceedingBudget(t *testing.T) {
	f := newEngineFixture(t, nil, func(c *router.Config) { c.Memory.MaxBytes = 4 })

	d, err := f.engine.Decide(router.Query{ID: "q", Text: "hi"}, classified(router.Standard), router.DeviceProfile{})
	require.NoError(t, err)
	assert.Equal(t, router.InstanceKey{ModelID: "small", Mode: "q8"}, d.Key())
	assert.Contains(t, d.Reason, "mid(exceeds budget)")
}

func TestDecide_SaturatedTierIsLastResort(t *testing.T) {
	f := newEngineFixture(t, nil, func(c *router.Config) { c.Routing.MaxInflightPerModel = 1 })
	f.load.Begin("mid")

	d, err := f.engine.Decide(router.Query{ID: "q", Text: "hi"}, classified(router.Standard), router.DeviceProfile{})
	require.NoError(t, err)
	assert.Equal(t, "small", d.ModelID)
	assert.Contains(t, d.Reason, "mid(saturated)")

	f.reg.Cooldown("small", time.Minute)
	f.reg.Cooldown("large", time.Minute)
	d, err = f.engine.Decide(router.Query{ID: "q", Text: "hi"}, classified(router.Standard), router.DeviceProfile{})
	require.NoError(t, err)
	assert.Equal(t, "mid", d.ModelID)

	f.load.End("mid")
	assert.Zero(t, f.load.Inflight("mid"))
}

func TestDecide_ClassificationFallbackIsRecorded(t *testing.T) {
	f := newEngineFixture(t, nil, nil)
	c := router.Classification{Level: router.Standard, Fallback: true, Source: "fallback"}

	d, err := f.engine.Decide(router.Query{ID: "q", Text: "hi"}, c, router.DeviceProfile{})
	require.NoError(t, err)
	assert.True(t, d.ClassificationFallback)
	assert.Equal(t, "mid", d.ModelID)
}

func TestEstimateTokensAndCost(t *testing.T) {
	assert.Zero(t, router.EstimateTokens(""))
	// 2 words, 11 chars: (2 + 2) / 2
	assert.Equal(t, 2, router.EstimateTokens("hello world"))
	assert.InDelta(t, 0.02, router.EstimateCost(100, 0.05), 1e-12)
	assert.Zero(t, router.EstimateCost(100, 0))
}
