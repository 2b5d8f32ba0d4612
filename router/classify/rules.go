package classify

import (
	"strings"

	"github.com/inference-sim/tier-router/router"
)

// technicalTerms imply at least the paired level regardless of length.
// They only adjust confidence: a short query full of design vocabulary is
// less certainly trivial.
var technicalTerms = []struct {
	term  string
	level router.ComplexityLevel
}{
	{"architect", router.Expert},
	{"trade-off", router.Expert},
	{"pros and cons", router.Expert},
	{"design pattern", router.Expert},
	{"implement", router.Advanced},
	{"refactor", router.Advanced},
	{"analyze", router.Advanced},
	{"compare", router.Advanced},
	{"prove", router.Advanced},
	{"debug", router.Standard},
	{"explain", router.Standard},
	{"why", router.Standard},
}

// levelForWords maps a word count onto a level using ascending upper
// bounds. The last threshold is inclusive: with [10 25 50 100], 100 words is
// Advanced and 101 is Expert.
func levelForWords(words int, thresholds []int) router.ComplexityLevel {
	last := len(thresholds) - 1
	for i, bound := range thresholds {
		if words < bound || (i == last && words == bound) {
			return router.ComplexityLevel(i)
		}
	}
	return router.Expert
}

// wordConfidence grows with the distance from the nearest threshold,
// from 0.55 at a boundary to 0.95 five or more words away.
func wordConfidence(words int, thresholds []int) float64 {
	nearest := -1
	for _, bound := range thresholds {
		d := words - bound
		if d < 0 {
			d = -d
		}
		if nearest < 0 || d < nearest {
			nearest = d
		}
	}
	if nearest > 5 {
		nearest = 5
	}
	return 0.55 + 0.08*float64(nearest)
}

// keywordLevel returns the highest level implied by a technical term in
// text, and whether any matched.
func keywordLevel(lower string) (router.ComplexityLevel, bool) {
	best, found := router.Trivial, false
	for _, t := range technicalTerms {
		if strings.Contains(lower, t.term) && (!found || t.level > best) {
			best, found = t.level, true
		}
	}
	return best, found
}

// contextRaise counts the levels added by attachments and domain hints.
func (c *Classifier) contextRaise(qc router.QueryContext) int {
	raise := 0
	if c.attachmentStep > 0 {
		raise += qc.Attachments / c.attachmentStep
	}
	for _, h := range qc.DomainHints {
		if c.hints[strings.ToLower(strings.TrimSpace(h))] {
			raise++
			break
		}
	}
	return raise
}

func (c *Classifier) rules(text string, qc router.QueryContext) router.Classification {
	words := len(strings.Fields(text))
	level := levelForWords(words, c.thresholds)
	conf := wordConfidence(words, c.thresholds)

	if kw, ok := keywordLevel(strings.ToLower(text)); ok && kw-level >= 2 {
		conf -= 0.2
	}
	level = level.Raise(c.contextRaise(qc))
	return router.Classification{Level: level, Confidence: conf, Source: SourceRules}
}
