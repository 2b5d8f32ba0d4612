// Package classify implements the complexity classifier: word-count rules
// with context boosts, an optional learned override, and a bounded time
// budget that degrades to a STANDARD fallback.
package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/tier-router/router"
)

// Classification sources.
const (
	SourceRules    = "rules"
	SourceLearned  = "learned"
	SourceFallback = "fallback"
)

// LearnedModel is an optional trained classifier. Its prediction replaces
// the rule result when its confidence reaches the configured minimum.
type LearnedModel interface {
	Predict(ctx context.Context, text string, qc router.QueryContext) (router.ComplexityLevel, float64, error)
}

// Classifier implements router.Classifier.
type Classifier struct {
	thresholds     []int
	budget         time.Duration
	minConfidence  float64
	learnedMin     float64
	attachmentStep int
	hints          map[string]bool
	learned        LearnedModel
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLearnedModel installs a learned override.
func WithLearnedModel(m LearnedModel) Option {
	return func(c *Classifier) { c.learned = m }
}

// New builds a Classifier from cfg.
func New(cfg router.ClassifierConfig, opts ...Option) *Classifier {
	c := &Classifier{
		thresholds:     append([]int(nil), cfg.WordThresholds...),
		budget:         cfg.Budget,
		minConfidence:  cfg.MinConfidence,
		learnedMin:     cfg.LearnedMinConfidence,
		attachmentStep: cfg.AttachmentStep,
		hints:          make(map[string]bool, len(cfg.DomainHints)),
	}
	for _, h := range cfg.DomainHints {
		c.hints[strings.ToLower(h)] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type outcome struct {
	c   router.Classification
	err error
}

// Classify never fails. A learned-model error, a panic, an exhausted
// budget, or a confidence below the minimum all yield Standard with
// confidence 0 and Fallback set.
func (c *Classifier) Classify(ctx context.Context, text string, qc router.QueryContext) router.Classification {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("classifier panic: %v", r)}
			}
		}()
		res, err := c.evaluate(ctx, text, qc)
		done <- outcome{c: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return fallback(out.err)
		}
		if out.c.Confidence < c.minConfidence {
			return fallback(fmt.Errorf("confidence %.2f below %.2f", out.c.Confidence, c.minConfidence))
		}
		return out.c
	case <-ctx.Done():
		return fallback(fmt.Errorf("budget %v exceeded: %w", c.budget, ctx.Err()))
	}
}

func (c *Classifier) evaluate(ctx context.Context, text string, qc router.QueryContext) (router.Classification, error) {
	res := c.rules(text, qc)
	if c.learned == nil {
		return res, nil
	}
	level, conf, err := c.learned.Predict(ctx, text, qc)
	if err != nil {
		return router.Classification{}, fmt.Errorf("learned model: %w", err)
	}
	if conf >= c.learnedMin && level.Valid() {
		return router.Classification{Level: level, Confidence: conf, Source: SourceLearned}, nil
	}
	return res, nil
}

func fallback(err error) router.Classification {
	logrus.Debugf("classification fallback: %v", err)
	return router.Classification{Level: router.Standard, Confidence: 0, Fallback: true, Source: SourceFallback}
}
