// Package rag indexes the knowledge base and retrieves candidate passages
// for the context fitter.
package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"tutor/internal/contextfit"
	"tutor/internal/logging"
)

// Metadata keys stored with every passage.
const (
	metaSourceFile = "source_file"
	metaSubject    = "subject"
	metaGrade      = "grade"
	metaPosition   = "position"
)

// ErrNoEmbedder is returned when the store needs to embed text itself but
// was built without an embedder.
var ErrNoEmbedder = errors.New("no embedder configured")

// StoreConfig locates the vector store.
type StoreConfig struct {
	PersistPath string `mapstructure:"persist_path" json:"persist_path" yaml:"persist_path"`
	Collection  string `mapstructure:"collection" json:"collection" yaml:"collection"`
	Compress    bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
}

// Document is a passage with its vector.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  contextfit.Metadata
}

// Filter narrows a search by metadata. Zero values match everything.
type Filter struct {
	Subject string
	Grade   int
}

func (f Filter) where() map[string]string {
	where := map[string]string{}
	if f.Subject != "" {
		where[metaSubject] = f.Subject
	}
	if f.Grade > 0 {
		where[metaGrade] = strconv.Itoa(f.Grade)
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

// Store wraps a chromem collection of lesson passages.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     logging.Logger
}

// NewStore opens (or creates) the collection. An empty PersistPath keeps
// everything in memory. embedder may be nil when every document arrives with
// its vector.
func NewStore(cfg StoreConfig, embedder Embedder, logger logging.Logger) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = "knowledge_base"
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "chromem"), cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open persistent store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		if embedder == nil {
			return nil, ErrNoEmbedder
		}
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %q: %w", cfg.Collection, err)
	}
	return &Store{db: db, collection: collection, logger: logging.OrNop(logger)}, nil
}

// Add stores docs, replacing any with the same id.
func (s *Store) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	converted := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		converted[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Embedding: doc.Embedding,
			Metadata:  encodeMetadata(doc.Metadata),
		}
	}
	if err := s.collection.AddDocuments(ctx, converted, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add %d documents: %w", len(docs), err)
	}
	return nil
}

// DeleteSource removes every passage cut from sourceFile.
func (s *Store) DeleteSource(ctx context.Context, sourceFile string) error {
	if sourceFile == "" {
		return nil
	}
	if err := s.collection.Delete(ctx, map[string]string{metaSourceFile: sourceFile}, nil); err != nil {
		return fmt.Errorf("delete passages of %s: %w", sourceFile, err)
	}
	return nil
}

// Count returns the number of stored passages.
func (s *Store) Count() int {
	return s.collection.Count()
}

// Query returns up to topK passages most similar to embedding that match
// filter, most similar first. A zero vector carries no similarity signal and
// yields no candidates.
func (s *Store) Query(ctx context.Context, embedding []float32, topK int, filter Filter) ([]contextfit.Candidate, error) {
	if topK <= 0 || isZero(embedding) {
		return nil, nil
	}
	total := s.collection.Count()
	if total == 0 {
		return nil, nil
	}
	results, err := s.collection.QueryEmbedding(ctx, embedding, min(topK, total), filter.where(), nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	candidates := make([]contextfit.Candidate, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, contextfit.Candidate{
			ID:         r.ID,
			Text:       r.Content,
			Metadata:   decodeMetadata(r.Metadata),
			Similarity: float64(r.Similarity),
		})
	}
	return candidates, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func encodeMetadata(m contextfit.Metadata) map[string]string {
	out := map[string]string{
		metaSourceFile: m.SourceFile,
		metaSubject:    m.Subject,
		metaPosition:   strconv.Itoa(m.Position),
	}
	if m.Grade > 0 {
		out[metaGrade] = strconv.Itoa(m.Grade)
	}
	return out
}

func decodeMetadata(raw map[string]string) contextfit.Metadata {
	m := contextfit.Metadata{
		SourceFile: raw[metaSourceFile],
		Subject:    raw[metaSubject],
	}
	m.Grade, _ = strconv.Atoi(raw[metaGrade])
	m.Position, _ = strconv.Atoi(raw[metaPosition])
	return m
}
