package workload

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/inference-sim/tier-router/router"
)

var filler = []string{
	"the", "service", "returns", "a", "list", "of", "orders", "for", "each",
	"customer", "and", "then", "we", "need", "to", "check", "whether", "cache",
	"entries", "expire", "after", "deploy", "with", "new", "config", "values",
}

var technical = []string{
	"explain", "debug", "implement", "refactor", "analyze", "compare",
	"architect", "trade-off", "design pattern",
}

// Generator produces a deterministic sequence of queries. Not safe for
// concurrent use.
type Generator struct {
	spec    *Spec
	rng     *PartitionedRNG
	arrival ArrivalSampler
	length  LengthSampler
	clock   time.Time
	n       int
}

// NewGenerator validates spec and returns a generator whose first arrival
// follows start.
func NewGenerator(spec *Spec, start time.Time) (*Generator, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	length, err := NewLengthSampler(spec.Words)
	if err != nil {
		return nil, err
	}
	return &Generator{
		spec:    spec,
		rng:     NewPartitionedRNG(spec.Seed),
		arrival: NewArrivalSampler(spec.Arrival, spec.Rate),
		length:  length,
		clock:   start,
	}, nil
}

// Next returns the next query, or false once Count queries were produced.
func (g *Generator) Next() (router.Query, bool) {
	if g.n >= g.spec.Count {
		return router.Query{}, false
	}
	g.n++
	g.clock = g.clock.Add(g.arrival.SampleIAT(g.rng.ForSubsystem(SubsystemArrival)))

	content := g.rng.ForSubsystem(SubsystemContent)
	words := g.length.Sample(g.rng.ForSubsystem(SubsystemLength))
	q := router.Query{
		ID:          fmt.Sprintf("q-%06d", g.n),
		Text:        g.text(content, words),
		ArrivalTime: g.clock,
		CostCeiling: g.spec.CostCeiling,
	}
	if g.spec.MaxAttachments > 0 {
		q.Context.Attachments = content.Intn(g.spec.MaxAttachments + 1)
	}
	if len(g.spec.DomainHints) > 0 && content.Float64() < g.spec.DomainHintFraction {
		q.Context.DomainHints = []string{g.spec.DomainHints[content.Intn(len(g.spec.DomainHints))]}
	}
	if g.rng.ForSubsystem(SubsystemSecurity).Float64() < g.spec.EscalatedFraction {
		q.Security = router.SecurityEscalated
	}
	return q, true
}

// Generate returns the remaining queries.
func (g *Generator) Generate() []router.Query {
	out := make([]router.Query, 0, g.spec.Count-g.n)
	for {
		q, ok := g.Next()
		if !ok {
			return out
		}
		out = append(out, q)
	}
}

func (g *Generator) text(rng *rand.Rand, words int) string {
	parts := make([]string, 0, words)
	if rng.Float64() < g.spec.TechnicalFraction {
		parts = append(parts, technical[rng.Intn(len(technical))])
	}
	for len(parts) < words {
		parts = append(parts, filler[rng.Intn(len(filler))])
	}
	return strings.Join(parts, " ")
}
