package router

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Engine selects a model tier and quantization mode for a classified query.
// It holds no per-call state; the only shared state it reads is the
// LoadTracker (under its read lock) and optimistic residency.
type Engine struct {
	cfg       *Config
	catalog   Catalog
	residency ResidencyView
	load      *LoadTracker
	now       func() time.Time
}

// NewEngine wires an Engine. residency and load may be nil.
func NewEngine(cfg *Config, catalog Catalog, residency ResidencyView, load *LoadTracker) *Engine {
	return &Engine{
		cfg:       cfg,
		catalog:   catalog,
		residency: residency,
		load:      load,
		now:       time.Now,
	}
}

// Decide runs the routing algorithm:
//  1. baseline tier from the complexity -> tier table;
//  2. escalated queries are raised to at least the security floor, and no
//     later step may go below it;
//  3. low device headroom lowers the required accuracy one class, which
//     selects a smaller mode of the same tier;
//  4. candidates are walked from the target down to the floor, then up;
//     tiers in cooldown, over the cost ceiling, or with no mode that fits
//     the memory budget are skipped, and saturated tiers are used only
//     when nothing else qualifies;
//  5. inside the chosen tier, equally scored modes prefer a resident one.
//
// Returns a RoutingUnavailable *Error when no tier qualifies.
func (e *Engine) Decide(q Query, c Classification, dev DeviceProfile) (RoutingDecision, error) {
	baseline := e.cfg.TierFor(c.Level)
	target := baseline
	floor := math.MinInt
	escalated := q.Security == SecurityEscalated
	if escalated {
		floor = e.cfg.Routing.SecurityFloorTier
		if target < floor {
			target = floor
		}
	}

	minAcc := e.cfg.AccuracyFor(c.Level)
	lowHeadroom, headroomReason := dev.LowHeadroom(e.cfg.Routing.Headroom)
	if lowHeadroom {
		minAcc = minAcc.Lower()
	}

	tokens := EstimateTokens(q.Text)
	var skipped []string
	var fallback *ModelDescriptor

	for _, desc := range e.catalog.CandidatesFrom(target) {
		if desc.TierRank < floor {
			skipped = append(skipped, desc.ID+"(below floor)")
			continue
		}
		if e.catalog.InCooldown(desc.ID) {
			skipped = append(skipped, desc.ID+"(cooldown)")
			continue
		}
		if q.CostCeiling != nil && EstimateCost(tokens, desc.CostPer1KTokens) > *q.CostCeiling {
			skipped = append(skipped, desc.ID+"(cost)")
			continue
		}
		if _, ok := e.chooseMode(desc, minAcc); !ok {
			skipped = append(skipped, desc.ID+"(exceeds budget)")
			continue
		}
		if e.saturated(desc.ID) {
			skipped = append(skipped, desc.ID+"(saturated)")
			if fallback == nil {
				d := desc
				fallback = &d
			}
			continue
		}
		return e.build(q, c, desc, minAcc, tokens, baseline, target, escalated, headroomReason, skipped), nil
	}
	if fallback != nil {
		return e.build(q, c, *fallback, minAcc, tokens, baseline, target, escalated, headroomReason, skipped), nil
	}

	ceiling := "none"
	if q.CostCeiling != nil {
		ceiling = fmt.Sprintf("%.4f", *q.CostCeiling)
	}
	floorDesc := "none"
	if escalated {
		floorDesc = fmt.Sprintf("%d", floor)
	}
	return RoutingDecision{}, RoutingUnavailable("no tier satisfies floor=%s ceiling=%s (target=%d; skipped %s)",
		floorDesc, ceiling, target, strings.Join(skipped, ", "))
}

func (e *Engine) build(q Query, c Classification, desc ModelDescriptor, minAcc AccuracyClass, tokens int,
	baseline, target int, escalated bool, headroomReason string, skipped []string) RoutingDecision {
	spec, _ := e.chooseMode(desc, minAcc)
	key := InstanceKey{ModelID: desc.ID, Mode: spec.Mode}
	resident := e.residency != nil && e.residency.IsResident(key)

	latency := desc.BaseLatency
	if !resident {
		latency += time.Duration(float64(spec.FootprintBytes) / float64(e.cfg.Memory.LoadBandwidth) * float64(time.Second))
	}

	var reason strings.Builder
	fmt.Fprintf(&reason, "complexity=%s baseline=%d", c.Level, baseline)
	if escalated {
		fmt.Fprintf(&reason, " escalated(floor=%d)", e.cfg.Routing.SecurityFloorTier)
	}
	if target != baseline {
		fmt.Fprintf(&reason, " target=%d", target)
	}
	if headroomReason != "" {
		fmt.Fprintf(&reason, " low-headroom(%s)", headroomReason)
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&reason, " skipped=[%s]", strings.Join(skipped, ", "))
	}
	fmt.Fprintf(&reason, " -> %s tier=%d accuracy>=%s", key, desc.TierRank, minAcc)
	if resident {
		reason.WriteString(" (resident)")
	}

	return RoutingDecision{
		QueryID:                q.ID,
		ModelID:                desc.ID,
		Mode:                   spec.Mode,
		TierRank:               desc.TierRank,
		Complexity:             c.Level,
		Confidence:             c.Confidence,
		ClassificationFallback: c.Fallback,
		SecurityEscalated:      escalated,
		MinAccuracy:            minAcc,
		EstimatedLatency:       latency,
		EstimatedCost:          EstimateCost(tokens, desc.CostPer1KTokens),
		Resident:               resident,
		Reason:                 reason.String(),
		DecidedAt:              e.now(),
	}
}

// chooseMode picks the mode within desc. Modes larger than the whole memory
// budget are never candidates. Among modes meeting minAcc, the smallest
// footprint wins; equal footprints prefer a resident mode, then the higher
// accuracy class. If no mode meets minAcc, the most accurate mode that fits
// is used.
func (e *Engine) chooseMode(desc ModelDescriptor, minAcc AccuracyClass) (QuantSpec, bool) {
	maxBytes := int64(e.cfg.Memory.MaxBytes)
	var fits []QuantSpec
	for _, q := range desc.Modes {
		if q.FootprintBytes <= maxBytes {
			fits = append(fits, q)
		}
	}
	if len(fits) == 0 {
		return QuantSpec{}, false
	}

	var eligible []QuantSpec
	for _, q := range fits {
		if q.Accuracy >= minAcc {
			eligible = append(eligible, q)
		}
	}
	if len(eligible) == 0 {
		return ModelDescriptor{Modes: fits}.MostAccurateMode(), true
	}

	resident := make(map[QuantMode]bool, len(eligible))
	if e.residency != nil {
		for _, q := range eligible {
			resident[q.Mode] = e.residency.IsResident(InstanceKey{ModelID: desc.ID, Mode: q.Mode})
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.FootprintBytes != b.FootprintBytes {
			return a.FootprintBytes < b.FootprintBytes
		}
		if resident[a.Mode] != resident[b.Mode] {
			return resident[a.Mode]
		}
		return a.Accuracy > b.Accuracy
	})
	return eligible[0], true
}

func (e *Engine) saturated(modelID string) bool {
	limit := e.cfg.Routing.MaxInflightPerModel
	if limit <= 0 || e.load == nil {
		return false
	}
	return e.load.Inflight(modelID) >= limit
}

// EstimateTokens approximates the token count of text as a blend of word
// and character estimates (~4 characters per token).
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	chars := len(text)
	return (words + chars/4) / 2
}

// EstimateCost returns the estimated cost in cents of answering a prompt of
// inputTokens, assuming a 3:1 output:input ratio at the same per-1K rate.
func EstimateCost(inputTokens int, costPer1K float64) float64 {
	outputTokens := inputTokens * 3
	return float64(inputTokens+outputTokens) * costPer1K / 1000
}
