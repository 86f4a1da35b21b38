package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tutor/internal/contextfit"
	"tutor/internal/logging"
)

// IndexerConfig selects which files under Root are indexed.
type IndexerConfig struct {
	Root        string   `mapstructure:"root" json:"root" yaml:"root"`
	Extensions  []string `mapstructure:"extensions" json:"extensions" yaml:"extensions"`
	ExcludeDirs []string `mapstructure:"exclude_dirs" json:"exclude_dirs" yaml:"exclude_dirs"`
	Concurrency int      `mapstructure:"concurrency" json:"concurrency" yaml:"concurrency"`
	BatchSize   int      `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size"`
}

// DefaultIndexerConfig indexes plain-text and markdown lessons.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		Root:        "knowledge",
		Extensions:  []string{".txt", ".md"},
		ExcludeDirs: []string{".git", "node_modules", "__pycache__"},
		Concurrency: 2,
		BatchSize:   32,
	}
}

// IndexStats summarizes one indexing run.
type IndexStats struct {
	TotalFiles   int           `json:"total_files"`
	IndexedFiles int           `json:"indexed_files"`
	SkippedFiles int           `json:"skipped_files"`
	ErrorFiles   int           `json:"error_files"`
	Chunks       int           `json:"chunks"`
	StoreSize    int           `json:"store_size"`
	Duration     time.Duration `json:"duration"`
}

// Indexer chunks, embeds and stores knowledge-base files. Unchanged files
// are skipped on later runs.
type Indexer struct {
	config   IndexerConfig
	chunker  *Chunker
	embedder Embedder
	store    *Store
	subjects map[string][]string
	logger   logging.Logger

	mu     sync.Mutex
	hashes map[string]string
}

// NewIndexer builds an indexer. subjects feeds subject inference for files
// whose path carries no subject directory.
func NewIndexer(cfg IndexerConfig, chunker *Chunker, embedder Embedder, store *Store, subjects map[string][]string, logger logging.Logger) (*Indexer, error) {
	if chunker == nil || embedder == nil || store == nil {
		return nil, fmt.Errorf("indexer requires a chunker, an embedder and a store")
	}
	def := DefaultIndexerConfig()
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = def.Extensions
	}
	if len(cfg.ExcludeDirs) == 0 {
		cfg.ExcludeDirs = def.ExcludeDirs
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if subjects == nil {
		subjects = contextfit.DefaultSubjectKeywords()
	}
	return &Indexer{
		config:   cfg,
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		subjects: subjects,
		logger:   logging.OrNop(logger),
		hashes:   make(map[string]string),
	}, nil
}

// Root returns the indexed directory.
func (idx *Indexer) Root() string {
	return idx.config.Root
}

// Index walks Root and (re)indexes every new or changed file. A failing file
// is counted and logged; it does not stop the run.
func (idx *Indexer) Index(ctx context.Context) (IndexStats, error) {
	started := time.Now()
	files, err := idx.collectFiles()
	if err != nil {
		return IndexStats{}, fmt.Errorf("collect files under %s: %w", idx.config.Root, err)
	}

	var indexed, skipped, failed, chunks atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.config.Concurrency)
	for _, path := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, changed, err := idx.indexFile(gctx, path)
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				failed.Add(1)
				idx.logger.Warn("Indexer: %s: %v", path, err)
			case !changed:
				skipped.Add(1)
			default:
				indexed.Add(1)
				chunks.Add(int64(n))
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	stats := IndexStats{
		TotalFiles:   len(files),
		IndexedFiles: int(indexed.Load()),
		SkippedFiles: int(skipped.Load()),
		ErrorFiles:   int(failed.Load()),
		Chunks:       int(chunks.Load()),
		StoreSize:    idx.store.Count(),
		Duration:     time.Since(started),
	}
	idx.logger.Info("Indexer: %d/%d files indexed, %d unchanged, %d failed, %d chunks in %s",
		stats.IndexedFiles, stats.TotalFiles, stats.SkippedFiles, stats.ErrorFiles, stats.Chunks, stats.Duration.Round(time.Millisecond))
	return stats, err
}

// indexFile replaces the stored passages of one file when its content
// changed since the last run.
func (idx *Indexer) indexFile(ctx context.Context, path string) (int, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("read: %w", err)
	}
	rel := idx.relative(path)
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	idx.mu.Lock()
	unchanged := idx.hashes[rel] == hash
	idx.mu.Unlock()
	if unchanged {
		return 0, false, nil
	}

	meta := idx.inferMetadata(rel, string(content))
	chunks := idx.chunker.Split(string(content))

	if err := idx.store.DeleteSource(ctx, rel); err != nil {
		return 0, false, err
	}
	for start := 0; start < len(chunks); start += idx.config.BatchSize {
		batch := chunks[start:min(start+idx.config.BatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := idx.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, false, err
		}
		docs := make([]Document, len(batch))
		for i, c := range batch {
			m := meta
			m.Position = c.Position
			docs[i] = Document{
				ID:        documentID(rel, c.Position),
				Content:   c.Text,
				Embedding: vectors[i],
				Metadata:  m,
			}
		}
		if err := idx.store.Add(ctx, docs); err != nil {
			return 0, false, err
		}
	}

	idx.mu.Lock()
	idx.hashes[rel] = hash
	idx.mu.Unlock()
	return len(chunks), true, nil
}

// inferMetadata reads subject and grade from a path shaped like
// <subject>/grade-<n>/<file>, falling back to the file content.
func (idx *Indexer) inferMetadata(rel, content string) contextfit.Metadata {
	meta := contextfit.Metadata{SourceFile: rel}
	segments := strings.Split(filepath.ToSlash(rel), "/")
	if len(segments) > 1 {
		candidate := strings.ToLower(segments[0])
		if _, known := idx.subjects[candidate]; known {
			meta.Subject = candidate
		}
	}
	if meta.Subject == "" {
		meta.Subject = contextfit.InferSubject(content, idx.subjects)
	}
	for _, seg := range segments {
		if g := contextfit.InferGrade(strings.NewReplacer("_", " ", ".", " ").Replace(seg)); g > 0 {
			meta.Grade = g
			break
		}
	}
	return meta
}

func (idx *Indexer) relative(path string) string {
	rel, err := filepath.Rel(idx.config.Root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (idx *Indexer) collectFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(idx.config.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != idx.config.Root && slices.Contains(idx.config.ExcludeDirs, d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if slices.Contains(idx.config.Extensions, strings.ToLower(filepath.Ext(path))) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func documentID(source string, position int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", source, position)))
	return hex.EncodeToString(sum[:8])
}
