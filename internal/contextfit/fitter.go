// Package contextfit ranks retrieved passages and packs them into the token
// budget the degradation controller currently allows.
package contextfit

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"tutor/internal/logging"
	tokenutil "tutor/internal/shared/token"
)

const separator = "\n\n"

// Metadata locates a passage in the knowledge base.
type Metadata struct {
	SourceFile string `json:"source_file"`
	Subject    string `json:"subject,omitempty"`
	Grade      int    `json:"grade,omitempty"`
	Position   int    `json:"position"`
}

// Candidate is a retrieved passage with its raw similarity.
type Candidate struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Metadata   Metadata `json:"metadata"`
	Similarity float64  `json:"similarity"`
}

// Passage is a ranked candidate, possibly truncated for the budget.
type Passage struct {
	Candidate
	DomainRelevance float64 `json:"domain_relevance"`
	Relevance       float64 `json:"relevance"`
	Tokens          int     `json:"tokens"`
	Truncated       bool    `json:"truncated"`
}

// Query is the question being answered plus optional caller filters.
type Query struct {
	Text    string
	Subject string
	Grade   int
}

// Stats describes a fit for logs and status output.
type Stats struct {
	Tokens        int      `json:"tokens"`
	Budget        int      `json:"budget"`
	Utilization   float64  `json:"utilization"`
	Subjects      []string `json:"subjects"`
	Grades        []int    `json:"grades"`
	MeanRelevance float64  `json:"mean_relevance"`
	Considered    int      `json:"considered"`
	Used          int      `json:"used"`
	Truncated     bool     `json:"truncated"`
}

// Result is a prompt-ready context block.
type Result struct {
	Context  string    `json:"context"`
	Passages []Passage `json:"passages"`
	Stats    Stats     `json:"stats"`
}

// Empty reports whether no passage was selected.
func (r Result) Empty() bool {
	return len(r.Passages) == 0 || strings.TrimSpace(r.Context) == ""
}

// BudgetSource reports the active model context window in tokens.
type BudgetSource interface {
	ContextTokens() int
}

// Config tunes ranking and packing.
type Config struct {
	SimilarityWeight        float64             `mapstructure:"similarity_weight" json:"similarity_weight" yaml:"similarity_weight"`
	DomainWeight            float64             `mapstructure:"domain_weight" json:"domain_weight" yaml:"domain_weight"`
	ResponseReserveFraction float64             `mapstructure:"response_reserve_fraction" json:"response_reserve_fraction" yaml:"response_reserve_fraction"`
	PromptOverheadTokens    int                 `mapstructure:"prompt_overhead_tokens" json:"prompt_overhead_tokens" yaml:"prompt_overhead_tokens"`
	MinTruncateTokens       int                 `mapstructure:"min_truncate_tokens" json:"min_truncate_tokens" yaml:"min_truncate_tokens"`
	SentenceWindowRatio     float64             `mapstructure:"sentence_window_ratio" json:"sentence_window_ratio" yaml:"sentence_window_ratio"`
	SubjectKeywords         map[string][]string `mapstructure:"subject_keywords" json:"subject_keywords,omitempty" yaml:"subject_keywords"`
}

// DefaultConfig returns the ranking and packing defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityWeight:        0.7,
		DomainWeight:            0.3,
		ResponseReserveFraction: 0.25,
		PromptOverheadTokens:    48,
		MinTruncateTokens:       100,
		SentenceWindowRatio:     0.7,
		SubjectKeywords:         DefaultSubjectKeywords(),
	}
}

// Fitter ranks and packs passages.
type Fitter struct {
	cfg     Config
	budget  BudgetSource
	counter tokenutil.Counter
	logger  logging.Logger
}

// New builds a fitter. A nil counter uses tokenutil.Default.
func New(cfg Config, budget BudgetSource, counter tokenutil.Counter, logger logging.Logger) *Fitter {
	def := DefaultConfig()
	if cfg.SimilarityWeight == 0 && cfg.DomainWeight == 0 {
		cfg.SimilarityWeight, cfg.DomainWeight = def.SimilarityWeight, def.DomainWeight
	}
	if cfg.MinTruncateTokens <= 0 {
		cfg.MinTruncateTokens = def.MinTruncateTokens
	}
	if cfg.SentenceWindowRatio <= 0 || cfg.SentenceWindowRatio >= 1 {
		cfg.SentenceWindowRatio = def.SentenceWindowRatio
	}
	if cfg.ResponseReserveFraction < 0 || cfg.ResponseReserveFraction >= 1 {
		cfg.ResponseReserveFraction = def.ResponseReserveFraction
	}
	if cfg.PromptOverheadTokens < 0 {
		cfg.PromptOverheadTokens = def.PromptOverheadTokens
	}
	if len(cfg.SubjectKeywords) == 0 {
		cfg.SubjectKeywords = def.SubjectKeywords
	}
	if counter == nil {
		counter = tokenutil.Default
	}
	return &Fitter{cfg: cfg, budget: budget, counter: counter, logger: logging.OrNop(logger)}
}

// Counter returns the token counter the fitter measures with.
func (f *Fitter) Counter() tokenutil.Counter {
	return f.counter
}

// Budget returns the tokens available for context given the active context
// window, after reserving room for the question, the prompt scaffolding and
// the answer. It is read fresh on every call and never negative.
func (f *Fitter) Budget(queryText string) int {
	return f.BudgetFor(queryText)
}

// BudgetFor is Budget for a prompt whose fixed parts are texts, typically the
// system prompt and the scaffolding around the question.
func (f *Fitter) BudgetFor(texts ...string) int {
	window := f.window()
	reserve := int(math.Ceil(float64(window) * f.cfg.ResponseReserveFraction))
	budget := f.Headroom(texts...) - reserve
	if budget < 0 {
		return 0
	}
	return budget
}

// Headroom returns the window tokens left once texts and the template
// overhead are in the prompt. It may be negative.
func (f *Fitter) Headroom(texts ...string) int {
	room := f.window() - f.cfg.PromptOverheadTokens
	for _, t := range texts {
		room -= f.counter.Count(t)
	}
	return room
}

func (f *Fitter) window() int {
	if f.budget == nil {
		return 0
	}
	return f.budget.ContextTokens()
}

// Fit ranks candidates and packs them into the active budget.
func (f *Fitter) Fit(q Query, candidates []Candidate) Result {
	return f.FitWithBudget(q, candidates, f.Budget(q.Text))
}

// Rank scores candidates by 0.7*similarity + 0.3*domain relevance (with the
// configured weights). Equal scores keep their input order.
func (f *Fitter) Rank(q Query, candidates []Candidate) []Passage {
	subject := q.Subject
	if subject == "" {
		subject = InferSubject(q.Text, f.cfg.SubjectKeywords)
	}
	grade := q.Grade
	if grade == 0 {
		grade = InferGrade(q.Text)
	}
	terms := queryTerms(q.Text)

	ranked := make([]Passage, 0, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		domain := f.domainRelevance(terms, subject, grade, c)
		ranked = append(ranked, Passage{
			Candidate:       c,
			DomainRelevance: domain,
			Relevance:       f.cfg.SimilarityWeight*clamp01(c.Similarity) + f.cfg.DomainWeight*domain,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Relevance > ranked[j].Relevance
	})
	return ranked
}

func (f *Fitter) domainRelevance(terms []string, subject string, grade int, c Candidate) float64 {
	words := wordSet(c.Text)

	var overlap float64
	if len(terms) > 0 {
		overlap = float64(countHits(words, terms)) / float64(len(terms))
	}

	var keywords []string
	if subject != "" {
		keywords = f.cfg.SubjectKeywords[subject]
	} else {
		for _, kw := range f.cfg.SubjectKeywords {
			keywords = append(keywords, kw...)
		}
	}
	keywordScore := math.Min(0.3, 0.05*float64(countHits(words, keywords)))

	score := 0.4*overlap + keywordScore
	if subject != "" && strings.EqualFold(c.Metadata.Subject, subject) {
		score += 0.2
	}
	if grade != 0 && c.Metadata.Grade == grade {
		score += 0.1
	}
	return clamp01(score)
}

// FitWithBudget is Fit with an explicit budget.
func (f *Fitter) FitWithBudget(q Query, candidates []Candidate, budget int) Result {
	if budget < 0 {
		budget = 0
	}
	ranked := f.Rank(q, candidates)
	res := Result{Stats: Stats{Budget: budget, Considered: len(ranked)}}
	if budget == 0 || len(ranked) == 0 {
		return res
	}

	sepCost := f.counter.Count(separator)
	remaining := budget
	var selected []Passage
	for _, p := range ranked {
		cost := f.counter.Count(formatBlock(p))
		if len(selected) > 0 {
			cost += sepCost
		}
		if cost <= remaining {
			p.Tokens = cost
			selected = append(selected, p)
			remaining -= cost
			continue
		}
		if remaining >= f.cfg.MinTruncateTokens {
			if cut, ok := f.truncatePassage(p, remaining, len(selected) > 0, sepCost); ok {
				selected = append(selected, cut)
			}
		}
		break
	}

	context := joinBlocks(selected)
	for len(selected) > 0 && f.counter.Count(context) > budget {
		selected = selected[:len(selected)-1]
		context = joinBlocks(selected)
	}

	res.Passages = selected
	res.Context = context
	res.Stats = f.stats(context, selected, budget, len(ranked))
	f.logger.Debug("Fitted %d/%d passages into %d/%d tokens (truncated=%t)",
		len(selected), len(ranked), res.Stats.Tokens, budget, res.Stats.Truncated)
	return res
}

func (f *Fitter) truncatePassage(p Passage, remaining int, withSep bool, sepCost int) (Passage, bool) {
	header := blockHeader(p.Metadata) + "\n"
	overhead := f.counter.Count(header)
	if withSep {
		overhead += sepCost
	}
	text := f.truncateText(p.Text, remaining-overhead)
	if text == "" {
		return Passage{}, false
	}
	p.Text = text
	p.Truncated = true
	p.Tokens = f.counter.Count(formatBlock(p))
	if withSep {
		p.Tokens += sepCost
	}
	if p.Tokens > remaining {
		return Passage{}, false
	}
	return p, true
}

// truncateText returns the longest prefix of text within maxTokens, cut at
// the last sentence end in the right-most (1-ratio) part of that prefix, or
// at the last word boundary when no sentence end falls there.
func (f *Fitter) truncateText(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if f.counter.Count(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return ""
	}
	if lo == len(runes) {
		return text
	}

	window := runes[:lo]
	minCut := int(math.Ceil(float64(len(window)) * f.cfg.SentenceWindowRatio))
	cut := -1
	for i := len(window) - 1; i >= minCut && i > 0; i-- {
		if isSentenceEnd(window[i]) && (i+1 == len(window) || isSpace(window[i+1])) {
			cut = i + 1
			break
		}
	}
	if cut < 0 {
		for i := len(window) - 1; i > 0; i-- {
			if isSpace(window[i]) {
				cut = i
				break
			}
		}
	}
	if cut <= 0 {
		return ""
	}
	out := strings.TrimSpace(string(window[:cut]))
	for out != "" && f.counter.Count(out) > maxTokens {
		idx := strings.LastIndexAny(out, " \n\t")
		if idx <= 0 {
			return ""
		}
		out = strings.TrimSpace(out[:idx])
	}
	return out
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

func blockHeader(m Metadata) string {
	var b strings.Builder
	b.WriteString("[Source: ")
	if m.SourceFile != "" {
		b.WriteString(m.SourceFile)
	} else {
		b.WriteString("unknown")
	}
	if m.Subject != "" {
		fmt.Fprintf(&b, " | subject: %s", m.Subject)
	}
	if m.Grade > 0 {
		fmt.Fprintf(&b, " | grade: %d", m.Grade)
	}
	b.WriteString("]")
	return b.String()
}

func formatBlock(p Passage) string {
	return blockHeader(p.Metadata) + "\n" + strings.TrimSpace(p.Text)
}

func joinBlocks(passages []Passage) string {
	blocks := make([]string, len(passages))
	for i, p := range passages {
		blocks[i] = formatBlock(p)
	}
	return strings.Join(blocks, separator)
}

func (f *Fitter) stats(context string, selected []Passage, budget, considered int) Stats {
	st := Stats{Budget: budget, Considered: considered, Used: len(selected)}
	if len(selected) == 0 {
		return st
	}
	st.Tokens = f.counter.Count(context)
	if budget > 0 {
		st.Utilization = float64(st.Tokens) / float64(budget)
	}
	subjects := map[string]struct{}{}
	grades := map[int]struct{}{}
	var relevance float64
	for _, p := range selected {
		if p.Metadata.Subject != "" {
			subjects[p.Metadata.Subject] = struct{}{}
		}
		if p.Metadata.Grade > 0 {
			grades[p.Metadata.Grade] = struct{}{}
		}
		if p.Truncated {
			st.Truncated = true
		}
		relevance += p.Relevance
	}
	for s := range subjects {
		st.Subjects = append(st.Subjects, s)
	}
	sort.Strings(st.Subjects)
	for g := range grades {
		st.Grades = append(st.Grades, g)
	}
	sort.Ints(st.Grades)
	st.MeanRelevance = relevance / float64(len(selected))
	return st
}
