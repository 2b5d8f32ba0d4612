package classify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inference-sim/tier-router/router"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func newTestClassifier(opts ...Option) *Classifier {
	return New(router.DefaultConfig().Classifier, opts...)
}

type stubLearned struct {
	level router.ComplexityLevel
	conf  float64
	err   error
	delay time.Duration
	panic bool
}

func (s stubLearned) Predict(ctx context.Context, _ string, _ router.QueryContext) (router.ComplexityLevel, float64, error) {
	if s.panic {
		panic("boom")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	return s.level, s.conf, s.err
}

func TestClassify_WordCountBoundaries(t *testing.T) {
	c := newTestClassifier()
	tests := []struct {
		words int
		want  router.ComplexityLevel
	}{
		{0, router.Trivial},
		{5, router.Trivial},
		{9, router.Trivial},
		{10, router.Simple},
		{24, router.Simple},
		{25, router.Standard},
		{49, router.Standard},
		{50, router.Advanced},
		{100, router.Advanced},
		{101, router.Expert},
		{120, router.Expert},
	}
	for _, tt := range tests {
		got := c.Classify(context.Background(), words(tt.words), router.QueryContext{})
		assert.Equal(t, tt.want, got.Level, "%d words", tt.words)
		assert.False(t, got.Fallback, "%d words", tt.words)
		assert.Equal(t, SourceRules, got.Source)
	}
}

func TestClassify_ConfidenceGrowsAwayFromBoundary(t *testing.T) {
	c := newTestClassifier()
	near := c.Classify(context.Background(), words(10), router.QueryContext{})
	far := c.Classify(context.Background(), words(5), router.QueryContext{})
	assert.InDelta(t, 0.55, near.Confidence, 1e-9)
	assert.InDelta(t, 0.95, far.Confidence, 1e-9)
}

func TestClassify_ContextRaisesLevel(t *testing.T) {
	c := newTestClassifier()

	// GIVEN a 5-word query (TRIVIAL on its own)
	text := words(5)

	// WHEN it carries two attachments and a configured domain hint
	got := c.Classify(context.Background(), text, router.QueryContext{
		Attachments: 2,
		DomainHints: []string{"Medical"},
	})

	// THEN it is raised two levels
	assert.Equal(t, router.Standard, got.Level)

	// AND unknown hints do nothing
	got = c.Classify(context.Background(), text, router.QueryContext{DomainHints: []string{"cooking"}})
	assert.Equal(t, router.Trivial, got.Level)

	// AND the raise is capped at Expert
	got = c.Classify(context.Background(), words(120), router.QueryContext{Attachments: 10})
	assert.Equal(t, router.Expert, got.Level)
}

func TestClassify_KeywordDisagreementLowersConfidence(t *testing.T) {
	c := newTestClassifier()
	plain := c.Classify(context.Background(), "tell me the time please", router.QueryContext{})
	technical := c.Classify(context.Background(), "architect a distributed cache", router.QueryContext{})
	assert.Equal(t, router.Trivial, technical.Level)
	assert.Less(t, technical.Confidence, plain.Confidence)
}

func TestClassify_LearnedOverride(t *testing.T) {
	confident := newTestClassifier(WithLearnedModel(stubLearned{level: router.Expert, conf: 0.9}))
	got := confident.Classify(context.Background(), words(5), router.QueryContext{})
	assert.Equal(t, router.Expert, got.Level)
	assert.Equal(t, SourceLearned, got.Source)

	// Below LearnedMinConfidence the rules win.
	unsure := newTestClassifier(WithLearnedModel(stubLearned{level: router.Expert, conf: 0.5}))
	got = unsure.Classify(context.Background(), words(5), router.QueryContext{})
	assert.Equal(t, router.Trivial, got.Level)
	assert.Equal(t, SourceRules, got.Source)
}

func TestClassify_FailuresFallBackToStandard(t *testing.T) {
	tests := []struct {
		name    string
		learned stubLearned
	}{
		{"error", stubLearned{err: errors.New("model unavailable")}},
		{"panic", stubLearned{panic: true}},
		{"budget", stubLearned{level: router.Expert, conf: 1, delay: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(WithLearnedModel(tt.learned))
			start := time.Now()
			got := c.Classify(context.Background(), words(5), router.QueryContext{})
			assert.Equal(t, router.Standard, got.Level)
			assert.Zero(t, got.Confidence)
			assert.True(t, got.Fallback)
			assert.Equal(t, SourceFallback, got.Source)
			assert.Less(t, time.Since(start), 500*time.Millisecond)
		})
	}
}

func TestClassify_LowConfidenceFallsBack(t *testing.T) {
	cfg := router.DefaultConfig().Classifier
	cfg.MinConfidence = 0.9
	c := New(cfg)

	// 10 words sits on a boundary (confidence 0.55)
	got := c.Classify(context.Background(), words(10), router.QueryContext{})
	assert.True(t, got.Fallback)
	assert.Equal(t, router.Standard, got.Level)
}
