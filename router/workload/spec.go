// Package workload generates deterministic synthetic query streams for
// exercising the router from the command line.
package workload

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Spec describes a synthetic query stream.
type Spec struct {
	Seed  int64   `yaml:"seed"`
	Count int     `yaml:"count"` // number of queries
	Rate  float64 `yaml:"rate"`  // queries per second

	Arrival ArrivalSpec `yaml:"arrival"`
	Words   DistSpec    `yaml:"words"`

	EscalatedFraction  float64  `yaml:"escalated_fraction"`
	TechnicalFraction  float64  `yaml:"technical_fraction"` // share of queries that carry a technical keyword
	DomainHintFraction float64  `yaml:"domain_hint_fraction"`
	DomainHints        []string `yaml:"domain_hints,omitempty"`
	MaxAttachments     int      `yaml:"max_attachments"`
	CostCeiling        *float64 `yaml:"cost_ceiling,omitempty"` // cents; applied to every query
}

// ArrivalSpec configures the inter-arrival time process.
type ArrivalSpec struct {
	Process string   `yaml:"process"` // poisson, gamma or constant
	CV      *float64 `yaml:"cv,omitempty"`
}

// DistSpec parameterizes a word count distribution.
type DistSpec struct {
	Type   string             `yaml:"type"`
	Params map[string]float64 `yaml:"params,omitempty"`
}

var validProcesses = map[string]bool{"poisson": true, "gamma": true, "constant": true}

// DefaultSpec is a mixed stream spanning every complexity level.
func DefaultSpec() *Spec {
	return &Spec{
		Seed:    42,
		Count:   200,
		Rate:    20,
		Arrival: ArrivalSpec{Process: "poisson"},
		Words: DistSpec{Type: "gaussian", Params: map[string]float64{
			"mean": 35, "std_dev": 30, "min": 1, "max": 160,
		}},
		EscalatedFraction:  0.1,
		TechnicalFraction:  0.3,
		DomainHintFraction: 0.05,
		DomainHints:        []string{"legal", "medical", "security", "finance"},
		MaxAttachments:     3,
	}
}

// LoadSpec reads a workload spec from YAML on top of DefaultSpec.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workload spec: %w", err)
	}
	spec := DefaultSpec()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(spec); err != nil {
		return nil, fmt.Errorf("parsing workload spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks that all fields in the spec are valid.
func (s *Spec) Validate() error {
	if s.Count < 1 {
		return fmt.Errorf("count must be positive, got %d", s.Count)
	}
	if s.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %f", s.Rate)
	}
	if !validProcesses[s.Arrival.Process] {
		return fmt.Errorf("unknown arrival process %q; valid: poisson, gamma, constant", s.Arrival.Process)
	}
	if s.Arrival.CV != nil && *s.Arrival.CV <= 0 {
		return fmt.Errorf("arrival cv must be positive, got %f", *s.Arrival.CV)
	}
	if _, err := NewLengthSampler(s.Words); err != nil {
		return fmt.Errorf("words: %w", err)
	}
	for name, f := range map[string]float64{
		"escalated_fraction":   s.EscalatedFraction,
		"technical_fraction":   s.TechnicalFraction,
		"domain_hint_fraction": s.DomainHintFraction,
	} {
		if f < 0 || f > 1 {
			return fmt.Errorf("%s must be in [0,1], got %f", name, f)
		}
	}
	if s.DomainHintFraction > 0 && len(s.DomainHints) == 0 {
		return fmt.Errorf("domain_hint_fraction set without domain_hints")
	}
	if s.MaxAttachments < 0 {
		return fmt.Errorf("max_attachments must be non-negative, got %d", s.MaxAttachments)
	}
	if s.CostCeiling != nil && *s.CostCeiling < 0 {
		return fmt.Errorf("cost_ceiling must be non-negative, got %f", *s.CostCeiling)
	}
	return nil
}
