package rag

import (
	"context"
	"fmt"
	"strings"

	"tutor/internal/contextfit"
	"tutor/internal/logging"
)

// RetrieverConfig bounds a search.
type RetrieverConfig struct {
	TopK          int     `mapstructure:"top_k" json:"top_k" yaml:"top_k"`
	MinSimilarity float64 `mapstructure:"min_similarity" json:"min_similarity" yaml:"min_similarity"`
	// Dimensions sizes the zero vector used when no embedder is available.
	Dimensions int `mapstructure:"dimensions" json:"dimensions" yaml:"dimensions"`
}

// DefaultRetrieverConfig returns enough candidates for the fitter to rank.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{TopK: 8, MinSimilarity: 0.2, Dimensions: 768}
}

// Retrieval is the outcome of one search.
type Retrieval struct {
	Candidates []contextfit.Candidate
	// SubjectMatched is false when a subject filter was requested but no
	// passage of that subject exists, so the search fell back to all
	// subjects.
	SubjectMatched bool
	// Degraded is set when the query could not be embedded.
	Degraded bool
}

// Retriever embeds queries and searches the store.
type Retriever struct {
	config   RetrieverConfig
	embedder Embedder
	store    *Store
	logger   logging.Logger
}

// NewRetriever builds a retriever. embedder may be nil; queries then use a
// zero vector and find nothing.
func NewRetriever(cfg RetrieverConfig, embedder Embedder, store *Store, logger logging.Logger) *Retriever {
	def := DefaultRetrieverConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = def.Dimensions
	}
	return &Retriever{config: cfg, embedder: embedder, store: store, logger: logging.OrNop(logger)}
}

// Embed returns the query vector. Without an embedder, or when embedding
// fails, it returns a zero vector and degraded=true instead of an error.
func (r *Retriever) Embed(ctx context.Context, text string) (vec []float32, degraded bool) {
	if r.embedder != nil {
		v, err := r.embedder.Embed(ctx, text)
		if err == nil && len(v) > 0 {
			return v, false
		}
		if err != nil {
			r.logger.Warn("Retriever: embedding failed, continuing without similarity: %v", err)
		}
	}
	return make([]float32, r.config.Dimensions), true
}

// Search returns candidates for q. An explicit subject and grade narrow the
// search; an empty grade match retries with the subject alone, and an empty
// subject match repeats the search across all subjects.
func (r *Retriever) Search(ctx context.Context, vec []float32, q contextfit.Query) (Retrieval, error) {
	if strings.TrimSpace(q.Text) == "" {
		return Retrieval{}, fmt.Errorf("empty query")
	}
	out := Retrieval{SubjectMatched: true, Degraded: isZero(vec)}

	filters := []Filter{{Subject: q.Subject, Grade: q.Grade}}
	if q.Grade > 0 {
		filters = append(filters, Filter{Subject: q.Subject})
	}
	if q.Subject != "" && !out.Degraded {
		filters = append(filters, Filter{})
	}

	var candidates []contextfit.Candidate
	for i, filter := range filters {
		found, err := r.store.Query(ctx, vec, r.config.TopK, filter)
		if err != nil {
			return out, fmt.Errorf("search store: %w", err)
		}
		candidates = found
		if len(found) > 0 || i == len(filters)-1 {
			break
		}
		if q.Subject != "" && filters[i+1].Subject == "" {
			out.SubjectMatched = false
		}
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if c.Similarity >= r.config.MinSimilarity {
			kept = append(kept, c)
		}
	}
	out.Candidates = kept
	r.logger.Debug("Retriever: %d candidates (subject=%q grade=%d matched=%t)", len(kept), q.Subject, q.Grade, out.SubjectMatched)
	return out, nil
}
