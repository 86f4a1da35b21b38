package rag

import (
	"fmt"
	"regexp"
	"strings"

	tokenutil "tutor/internal/shared/token"
)

// ChunkerConfig sizes chunks in tokens.
type ChunkerConfig struct {
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap" yaml:"chunk_overlap"`
}

// DefaultChunkerConfig keeps chunks small enough that several fit the
// degraded context windows.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{ChunkSize: 256, ChunkOverlap: 32}
}

// Chunk is one passage cut from a document.
type Chunk struct {
	Text     string
	Position int
	Tokens   int
}

// Chunker splits lesson text into passages along paragraph and sentence
// boundaries.
type Chunker struct {
	config  ChunkerConfig
	counter tokenutil.Counter
}

// NewChunker validates cfg. counter defaults to the tiktoken counter.
func NewChunker(cfg ChunkerConfig, counter tokenutil.Counter) (*Chunker, error) {
	def := DefaultChunkerConfig()
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.ChunkSize < 16 {
		return nil, fmt.Errorf("chunk_size must be at least 16 tokens, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("chunk_overlap must be within [0, %d), got %d", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	if counter == nil {
		counter = tokenutil.Default
	}
	return &Chunker{config: cfg, counter: counter}, nil
}

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd    = regexp.MustCompile(`[.!?]["')\]]?\s+`)
)

type unit struct {
	text   string
	tokens int
}

// Split returns the chunks of text in order. Consecutive chunks share up to
// ChunkOverlap tokens of trailing sentences.
func (c *Chunker) Split(text string) []Chunk {
	units := c.units(text)
	if len(units) == 0 {
		return nil
	}

	var (
		chunks  []Chunk
		current []unit
		tokens  int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		parts := make([]string, len(current))
		for i, u := range current {
			parts[i] = u.text
		}
		body := strings.Join(parts, " ")
		chunks = append(chunks, Chunk{Text: body, Position: len(chunks), Tokens: c.counter.Count(body)})
	}

	for _, u := range units {
		if tokens+u.tokens > c.config.ChunkSize && len(current) > 0 {
			flush()
			current, tokens = c.overlap(current)
		}
		current = append(current, u)
		tokens += u.tokens
	}
	flush()
	return chunks
}

// overlap keeps the trailing units of a finished chunk that fit the overlap.
func (c *Chunker) overlap(prev []unit) ([]unit, int) {
	if c.config.ChunkOverlap == 0 {
		return nil, 0
	}
	tokens, start := 0, len(prev)
	for i := len(prev) - 1; i > 0; i-- {
		if tokens+prev[i].tokens > c.config.ChunkOverlap {
			break
		}
		tokens += prev[i].tokens
		start = i
	}
	return append([]unit(nil), prev[start:]...), tokens
}

// units breaks text into paragraphs, oversized paragraphs into sentences and
// oversized sentences into word runs, so no unit exceeds ChunkSize.
func (c *Chunker) units(text string) []unit {
	var out []unit
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		if n := c.counter.Count(para); n <= c.config.ChunkSize {
			out = append(out, unit{text: para, tokens: n})
			continue
		}
		for _, sentence := range splitSentences(para) {
			if n := c.counter.Count(sentence); n <= c.config.ChunkSize {
				out = append(out, unit{text: sentence, tokens: n})
				continue
			}
			out = append(out, c.wordRuns(sentence)...)
		}
	}
	return out
}

func (c *Chunker) wordRuns(sentence string) []unit {
	var (
		out   []unit
		words []string
	)
	for _, w := range strings.Fields(sentence) {
		candidate := strings.Join(append(words, w), " ")
		if len(words) > 0 && c.counter.Count(candidate) > c.config.ChunkSize {
			run := strings.Join(words, " ")
			out = append(out, unit{text: run, tokens: c.counter.Count(run)})
			words = words[:0]
		}
		words = append(words, w)
	}
	if len(words) > 0 {
		run := strings.Join(words, " ")
		out = append(out, unit{text: run, tokens: c.counter.Count(run)})
	}
	return out
}

func splitSentences(para string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(para, -1) {
		if s := strings.TrimSpace(para[last:loc[1]]); s != "" {
			out = append(out, s)
		}
		last = loc[1]
	}
	if s := strings.TrimSpace(para[last:]); s != "" {
		out = append(out, s)
	}
	return out
}
