package router

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ComplexityLevel is the ordinal difficulty estimate of a query.
type ComplexityLevel int

const (
	Trivial ComplexityLevel = iota
	Simple
	Standard
	Advanced
	Expert
)

// NumComplexityLevels is the number of defined complexity levels.
const NumComplexityLevels = 5

var complexityNames = [NumComplexityLevels]string{"trivial", "simple", "standard", "advanced", "expert"}

func (l ComplexityLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("ComplexityLevel(%d)", int(l))
	}
	return complexityNames[l]
}

// Valid reports whether l is one of the five defined levels.
func (l ComplexityLevel) Valid() bool {
	return l >= Trivial && l <= Expert
}

// Raise returns the level n steps above l, capped at Expert.
func (l ComplexityLevel) Raise(n int) ComplexityLevel {
	r := l + ComplexityLevel(n)
	if r > Expert {
		return Expert
	}
	if r < Trivial {
		return Trivial
	}
	return r
}

// ParseComplexityLevel parses a level name (case-insensitive).
func ParseComplexityLevel(s string) (ComplexityLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range complexityNames {
		if name == s {
			return ComplexityLevel(i), nil
		}
	}
	return Standard, fmt.Errorf("unknown complexity level %q", s)
}

// AllComplexityLevels returns the levels in ascending order.
func AllComplexityLevels() []ComplexityLevel {
	return []ComplexityLevel{Trivial, Simple, Standard, Advanced, Expert}
}

// SecurityClassification marks whether a query must be served at or above
// the security floor tier.
type SecurityClassification int

const (
	SecurityNone SecurityClassification = iota
	SecurityEscalated
)

func (s SecurityClassification) String() string {
	switch s {
	case SecurityNone:
		return "none"
	case SecurityEscalated:
		return "escalated"
	default:
		return fmt.Sprintf("SecurityClassification(%d)", int(s))
	}
}

// ParseSecurityClassification accepts "none", "" and "escalated".
func ParseSecurityClassification(s string) (SecurityClassification, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SecurityNone, nil
	case "escalated":
		return SecurityEscalated, nil
	default:
		return SecurityNone, fmt.Errorf("unknown security classification %q", s)
	}
}

// AccuracyClass is the ordinal accuracy of a quantization mode.
type AccuracyClass int

const (
	AccuracyLow AccuracyClass = iota
	AccuracyMedium
	AccuracyHigh
	AccuracyFull
)

var accuracyNames = map[AccuracyClass]string{
	AccuracyLow:    "low",
	AccuracyMedium: "medium",
	AccuracyHigh:   "high",
	AccuracyFull:   "full",
}

func (a AccuracyClass) String() string {
	if name, ok := accuracyNames[a]; ok {
		return name
	}
	return fmt.Sprintf("AccuracyClass(%d)", int(a))
}

// Lower returns the class one step below a, floored at AccuracyLow.
func (a AccuracyClass) Lower() AccuracyClass {
	if a <= AccuracyLow {
		return AccuracyLow
	}
	return a - 1
}

// ParseAccuracyClass parses an accuracy class name (case-insensitive).
func ParseAccuracyClass(s string) (AccuracyClass, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for class, name := range accuracyNames {
		if name == s {
			return class, nil
		}
	}
	return AccuracyLow, fmt.Errorf("unknown accuracy class %q", s)
}

// UnmarshalYAML decodes an accuracy class from its name.
func (a *AccuracyClass) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseAccuracyClass(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalYAML encodes an accuracy class as its name.
func (a AccuracyClass) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

// QueryContext carries optional request metadata used by the classifier.
type QueryContext struct {
	Attachments int
	DomainHints []string
	Metadata    map[string]string
}

// Query is one inbound request. Immutable once constructed.
type Query struct {
	ID          string
	Text        string
	Context     QueryContext
	Security    SecurityClassification
	CostCeiling *float64 // cents per query; nil means no ceiling
	ArrivalTime time.Time
}

// Classification is the Classifier output.
type Classification struct {
	Level      ComplexityLevel
	Confidence float64 // in [0,1]
	Fallback   bool    // true when STANDARD was substituted after a failure
	Source     string  // "rules", "learned" or "fallback"
}

// QuantMode names a reduced-precision weight representation, e.g. "q4".
type QuantMode string

// QuantSpec is one quantization mode of a model and its memory footprint.
type QuantSpec struct {
	Mode           QuantMode
	FootprintBytes int64
	Accuracy       AccuracyClass
	Checksum       string // hex SHA-256 of the weights file; empty skips verification
	Path           string // weights file, relative to the backend root; empty uses <model>/<mode>.bin
}

// ModelDescriptor is a catalog entry. Descriptors are immutable after startup.
type ModelDescriptor struct {
	ID              string
	TierRank        int
	CostPer1KTokens float64       // cents
	BaseLatency     time.Duration // expected inference latency once resident
	Modes           []QuantSpec
}

// Mode returns the spec for mode m.
func (d ModelDescriptor) Mode(m QuantMode) (QuantSpec, bool) {
	for _, q := range d.Modes {
		if q.Mode == m {
			return q, true
		}
	}
	return QuantSpec{}, false
}

// SmallestModeMeeting returns the smallest-footprint mode whose accuracy is
// at least min. ok is false if no mode qualifies.
func (d ModelDescriptor) SmallestModeMeeting(min AccuracyClass) (spec QuantSpec, ok bool) {
	for _, q := range d.Modes {
		if q.Accuracy < min {
			continue
		}
		if !ok || q.FootprintBytes < spec.FootprintBytes {
			spec, ok = q, true
		}
	}
	return spec, ok
}

// MostAccurateMode returns the mode with the highest accuracy class, ties
// broken by smaller footprint.
func (d ModelDescriptor) MostAccurateMode() QuantSpec {
	best := d.Modes[0]
	for _, q := range d.Modes[1:] {
		if q.Accuracy > best.Accuracy || (q.Accuracy == best.Accuracy && q.FootprintBytes < best.FootprintBytes) {
			best = q
		}
	}
	return best
}

// SmallerModes returns the modes with a footprint strictly below mode m,
// largest first. Nil if m is unknown.
func (d ModelDescriptor) SmallerModes(m QuantMode) []QuantSpec {
	cur, ok := d.Mode(m)
	if !ok {
		return nil
	}
	var out []QuantSpec
	for _, q := range d.Modes {
		if q.FootprintBytes < cur.FootprintBytes {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FootprintBytes > out[j].FootprintBytes })
	return out
}

// InstanceKey identifies one resident representation of a model.
type InstanceKey struct {
	ModelID string
	Mode    QuantMode
}

func (k InstanceKey) String() string {
	return k.ModelID + "/" + string(k.Mode)
}

// RoutingDecision is the immutable outcome of routing one query.
type RoutingDecision struct {
	QueryID                string
	ModelID                string
	Mode                   QuantMode
	TierRank               int
	Complexity             ComplexityLevel
	Confidence             float64
	ClassificationFallback bool
	SecurityEscalated      bool
	MinAccuracy            AccuracyClass
	EstimatedLatency       time.Duration
	EstimatedCost          float64 // cents
	Resident               bool    // the chosen (model, mode) was resident at decision time
	Reason                 string
	DecidedAt              time.Time
}

// Key returns the instance key the decision asks the loader for.
func (d RoutingDecision) Key() InstanceKey {
	return InstanceKey{ModelID: d.ModelID, Mode: d.Mode}
}

// MemoryBudget is a point-in-time view of the loader's budget.
type MemoryBudget struct {
	MaxBytes  int64
	UsedBytes int64
}

// Free returns the bytes not used by resident instances.
func (b MemoryBudget) Free() int64 {
	return b.MaxBytes - b.UsedBytes
}
