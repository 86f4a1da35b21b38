package contextfit

import (
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tokenutil "tutor/internal/shared/token"
)

var words = tokenutil.CounterFunc(func(s string) int { return len(strings.Fields(s)) })

type fixedBudget struct{ tokens atomic.Int64 }

func (b *fixedBudget) ContextTokens() int { return int(b.tokens.Load()) }

func newBudget(n int) *fixedBudget {
	b := &fixedBudget{}
	b.tokens.Store(int64(n))
	return b
}

// passage builds n words grouped into ten-word sentences.
func passage(n int, word string) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		b.WriteString(word)
		if i%10 == 0 {
			b.WriteString(".")
		}
		if i < n {
			b.WriteString(" ")
		}
	}
	return b.String()
}

func TestFitPacksPrefixAndTruncatesOnePassage(t *testing.T) {
	f := New(DefaultConfig(), nil, words, nil)

	var candidates []Candidate
	for i := 0; i < 10; i++ {
		candidates = append(candidates, Candidate{
			ID:         fmt.Sprintf("c%d", i),
			Text:       passage(500, "lorem"),
			Metadata:   Metadata{SourceFile: fmt.Sprintf("doc-%d.txt", i), Position: i},
			Similarity: 0.9 - float64(i)*0.01,
		})
	}

	res := f.FitWithBudget(Query{Text: "lorem"}, candidates, 3000)

	require.LessOrEqual(t, words.Count(res.Context), 3000)
	require.Len(t, res.Passages, 6)
	for i, p := range res.Passages {
		assert.Equal(t, fmt.Sprintf("c%d", i), p.ID)
		assert.Equal(t, i == 5, p.Truncated, "passage %d", i)
	}
	last := res.Passages[5].Text
	assert.True(t, strings.HasSuffix(last, "."), "truncated passage should end on a sentence boundary")
	assert.Equal(t, 480, words.Count(last))
	assert.True(t, res.Stats.Truncated)
	assert.Equal(t, 2992, res.Stats.Tokens)
	assert.InDelta(t, 2992.0/3000, res.Stats.Utilization, 1e-9)
	assert.Equal(t, 10, res.Stats.Considered)
}

func TestFitStopsWhenTooLittleBudgetRemains(t *testing.T) {
	f := New(DefaultConfig(), nil, words, nil)
	candidates := []Candidate{
		{ID: "a", Text: passage(100, "alpha"), Metadata: Metadata{SourceFile: "a.txt"}, Similarity: 0.9},
		{ID: "b", Text: passage(100, "beta"), Metadata: Metadata{SourceFile: "b.txt"}, Similarity: 0.8},
	}

	res := f.FitWithBudget(Query{Text: "alpha"}, candidates, 150)

	require.Len(t, res.Passages, 1)
	assert.Equal(t, "a", res.Passages[0].ID)
	assert.False(t, res.Stats.Truncated)
}

func TestFitNeverExceedsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	vocab := []string{"cell", "energy", "the", "plant.", "force", "angle!", "river", "kingdom?", "x"}
	counters := map[string]tokenutil.Counter{
		"words":     words,
		"heuristic": tokenutil.Heuristic,
		"default":   tokenutil.Default,
	}

	for name, counter := range counters {
		f := New(DefaultConfig(), nil, counter, nil)
		for trial := 0; trial < 60; trial++ {
			n := rng.Intn(8)
			candidates := make([]Candidate, n)
			for i := range candidates {
				var b strings.Builder
				for w := rng.Intn(400); w >= 0; w-- {
					b.WriteString(vocab[rng.Intn(len(vocab))])
					b.WriteString(" ")
				}
				candidates[i] = Candidate{
					ID:         fmt.Sprint(i),
					Text:       b.String(),
					Metadata:   Metadata{SourceFile: "f.txt", Subject: "biology", Grade: rng.Intn(4)},
					Similarity: rng.Float64(),
				}
			}
			budget := rng.Intn(900)
			res := f.FitWithBudget(Query{Text: "what is a plant cell"}, candidates, budget)
			require.LessOrEqual(t, counter.Count(res.Context), budget, "%s trial %d", name, trial)
			if res.Empty() {
				assert.Zero(t, res.Stats.Tokens)
			}
		}
	}
}

func TestRankKeepsInputOrderForTies(t *testing.T) {
	f := New(DefaultConfig(), nil, words, nil)
	var candidates []Candidate
	for i := 0; i < 6; i++ {
		candidates = append(candidates, Candidate{ID: fmt.Sprint(i), Text: "same text", Similarity: 0.5})
	}
	candidates = append(candidates, Candidate{ID: "top", Text: "same text", Similarity: 0.9})

	ranked := f.Rank(Query{Text: "question"}, candidates)

	ids := make([]string, len(ranked))
	for i, p := range ranked {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"top", "0", "1", "2", "3", "4", "5"}, ids)
}

func TestRankBlendsDomainRelevance(t *testing.T) {
	f := New(DefaultConfig(), nil, words, nil)
	candidates := []Candidate{
		{ID: "history", Text: "The French revolution began in 1789.", Similarity: 0.60},
		{
			ID:         "biology",
			Text:       "Photosynthesis lets a plant cell turn light into sugar.",
			Metadata:   Metadata{Subject: "biology", Grade: 7},
			Similarity: 0.55,
		},
	}

	ranked := f.Rank(Query{Text: "How does photosynthesis work in a plant, grade 7?"}, candidates)

	require.Len(t, ranked, 2)
	assert.Equal(t, "biology", ranked[0].ID)
	assert.Greater(t, ranked[0].DomainRelevance, 0.5)
	assert.Zero(t, ranked[1].DomainRelevance)
	assert.InDelta(t, 0.42, ranked[1].Relevance, 1e-9)
}

func TestRankSkipsBlankCandidates(t *testing.T) {
	f := New(DefaultConfig(), nil, words, nil)
	ranked := f.Rank(Query{Text: "q"}, []Candidate{{ID: "blank", Text: "  \n"}})
	assert.Empty(t, ranked)
}

func TestBudgetTracksLiveContextWindow(t *testing.T) {
	src := newBudget(1000)
	f := New(DefaultConfig(), src, words, nil)

	assert.Equal(t, 1000-250-48-3, f.Budget("one two three"))

	src.tokens.Store(200)
	assert.Equal(t, 200-50-48-3, f.Budget("one two three"))

	src.tokens.Store(40)
	assert.Zero(t, f.Budget("one two three"))
	assert.True(t, f.Fit(Query{Text: "one two three"}, []Candidate{{Text: "x", Similarity: 1}}).Empty())
}

func TestBudgetForReservesFixedPromptText(t *testing.T) {
	f := New(DefaultConfig(), newBudget(400), words, nil)
	system := "You are a patient tutor for school students."

	assert.Equal(t, 400-100-48-8-3, f.BudgetFor(system, "one two three"))
	assert.Equal(t, 400-48-8-3, f.Headroom(system, "one two three"))
	assert.Zero(t, f.BudgetFor(strings.Repeat("word ", 400)))
	assert.Negative(t, f.Headroom(strings.Repeat("word ", 400)))
}

func TestTruncateFallsBackToWordBoundary(t *testing.T) {
	f := New(DefaultConfig(), nil, words, nil)
	text := "First sentence ends here. " + strings.Repeat("word ", 300)

	got := f.truncateText(text, 120)

	assert.Equal(t, 120, words.Count(got))
	assert.False(t, strings.HasSuffix(got, "."))
	assert.True(t, strings.HasPrefix(text, got))
}

func TestStatsSummarizeSelection(t *testing.T) {
	f := New(DefaultConfig(), nil, words, nil)
	candidates := []Candidate{
		{ID: "a", Text: "cells divide", Metadata: Metadata{SourceFile: "a.txt", Subject: "biology", Grade: 8}, Similarity: 0.8},
		{ID: "b", Text: "forces move", Metadata: Metadata{SourceFile: "b.txt", Subject: "physics", Grade: 7}, Similarity: 0.6},
		{ID: "c", Text: "cells grow", Metadata: Metadata{SourceFile: "c.txt", Subject: "biology", Grade: 8}, Similarity: 0.4},
	}

	res := f.FitWithBudget(Query{Text: "tell me"}, candidates, 500)

	require.Len(t, res.Passages, 3)
	assert.Equal(t, []string{"biology", "physics"}, res.Stats.Subjects)
	assert.Equal(t, []int{7, 8}, res.Stats.Grades)
	assert.Contains(t, res.Context, "[Source: a.txt | subject: biology | grade: 8]\ncells divide")
	mean := (res.Passages[0].Relevance + res.Passages[1].Relevance + res.Passages[2].Relevance) / 3
	assert.InDelta(t, mean, res.Stats.MeanRelevance, 1e-9)
}

func TestInferGradeAndSubject(t *testing.T) {
	assert.Equal(t, 8, InferGrade("Soal kelas 8 tentang pecahan"))
	assert.Equal(t, 7, InferGrade("Grade-7 science"))
	assert.Zero(t, InferGrade("grade 13"))
	assert.Zero(t, InferGrade("no level here"))

	kw := DefaultSubjectKeywords()
	assert.Equal(t, "math", InferSubject("How do I add a fraction to a whole number?", kw))
	assert.Equal(t, "biology", InferSubject("Apa itu fotosintesis pada tumbuhan?", kw))
	assert.Empty(t, InferSubject("hello there", kw))
}
