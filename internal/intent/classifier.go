// Package intent resolves recognised utterances into milestone intents.
package intent

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/observability"
)

// Config holds classifier thresholds.
type Config struct {
	MinConfidence float64 // below this an utterance is "not understood"
	AmbiguityBand float64 // two intents this close are ambiguous
	MinMatch      float64 // minimum phrase coverage for a candidate
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.6, AmbiguityBand: 0.1, MinMatch: 0.75}
}

// StageContext is the case position an utterance is classified against.
type StageContext struct {
	Ordering []domain.MilestoneKind
	Stage    int
}

// Candidate is one scored milestone.
type Candidate struct {
	Kind  domain.MilestoneKind
	Score float64
}

type corpusHolder struct{ corpus Corpus }

// Classifier scores an utterance against every milestone in the case
// ordering. It is safe for concurrent use; SetCorpus swaps the phrase table
// without blocking classification.
type Classifier struct {
	cfg    Config
	corpus atomic.Pointer[corpusHolder]
	logger zerolog.Logger
}

// NewClassifier creates a classifier. A nil corpus uses DefaultPhrases.
func NewClassifier(cfg Config, corpus Corpus) *Classifier {
	if corpus == nil {
		corpus = DefaultPhrases()
	}
	c := &Classifier{
		cfg:    cfg,
		logger: observability.Component("intent"),
	}
	c.corpus.Store(&corpusHolder{corpus: corpus})
	return c
}

// SetCorpus replaces the phrase table.
func (c *Classifier) SetCorpus(corpus Corpus) {
	if corpus == nil {
		return
	}
	c.corpus.Store(&corpusHolder{corpus: corpus})
}

// Config returns the thresholds in use.
func (c *Classifier) Config() Config { return c.cfg }

// Classify resolves u to a single intent or returns a *domain.ClassificationError.
// It never picks a default between close candidates.
func (c *Classifier) Classify(u domain.RecognizedUtterance, sc StageContext) (domain.DomainIntent, error) {
	start := time.Now()
	defer func() { observability.ObserveClassification(time.Since(start)) }()

	candidates := c.Score(u, sc)
	if len(candidates) == 0 {
		return domain.DomainIntent{}, &domain.ClassificationError{
			Code:        domain.ClassificationNoMatch,
			UtteranceID: u.ID,
			Confidence:  u.Confidence,
		}
	}

	top := candidates[0]
	if top.Score < c.cfg.MinConfidence {
		return domain.DomainIntent{}, &domain.ClassificationError{
			Code:        domain.ClassificationLowConfidence,
			UtteranceID: u.ID,
			Confidence:  top.Score,
			Candidates:  []domain.MilestoneKind{top.Kind},
		}
	}

	tied := []domain.MilestoneKind{top.Kind}
	for _, cand := range candidates[1:] {
		if top.Score-cand.Score <= c.cfg.AmbiguityBand {
			tied = append(tied, cand.Kind)
		}
	}
	if len(tied) > 1 {
		return domain.DomainIntent{}, &domain.ClassificationError{
			Code:        domain.ClassificationAmbiguous,
			UtteranceID: u.ID,
			Confidence:  top.Score,
			Candidates:  tied,
		}
	}

	c.logger.Debug().
		Str("utterance_id", u.ID).
		Str("kind", string(top.Kind)).
		Float64("score", top.Score).
		Msg("Utterance classified")

	return domain.DomainIntent{
		Kind:        top.Kind,
		Confidence:  top.Score,
		UtteranceID: u.ID,
		SessionID:   u.SessionID,
		At:          u.At,
	}, nil
}

// Score returns every milestone whose best phrase coverage reaches MinMatch,
// highest score first. Score is coverage times recogniser confidence.
func (c *Classifier) Score(u domain.RecognizedUtterance, sc StageContext) []Candidate {
	tokens := Normalize(u.Text)
	if len(tokens) == 0 {
		return nil
	}

	ordering := sc.Ordering
	if len(ordering) == 0 {
		ordering = domain.DefaultOrdering()
	}
	corpus := c.corpus.Load().corpus

	var out []Candidate
	for _, kind := range ordering {
		best := 0.0
		for _, phrase := range corpus.Phrases(kind) {
			if cov := coverage(Normalize(phrase), tokens); cov > best {
				best = cov
			}
		}
		if best < c.cfg.MinMatch {
			continue
		}
		out = append(out, Candidate{Kind: kind, Score: best * clamp01(u.Confidence)})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
