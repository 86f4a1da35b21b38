package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	tutorerrors "tutor/internal/errors"
)

// ErrGarbledAnswer marks model output that cannot be shown to a learner.
var ErrGarbledAnswer = errors.New("garbled model output")

var languageInstructions = map[string]string{
	"id": "Jawab dalam Bahasa Indonesia.",
	"en": "Answer in English.",
}

func (o *Orchestrator) systemPrompt(lang string) string {
	if instruction, ok := languageInstructions[lang]; ok {
		return o.cfg.SystemPrompt + "\n" + instruction
	}
	return o.cfg.SystemPrompt
}

func buildPrompt(context, question string) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	b.WriteString(context)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nAnswer:")
	return b.String()
}

// checkAnswer rejects empty or unreadable output.
func checkAnswer(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return tutorerrors.ErrEmptyGeneration
	}
	if !utf8.ValidString(trimmed) {
		return garbled("invalid utf-8")
	}

	var total, odd int
	for _, r := range trimmed {
		total++
		if r == unicode.ReplacementChar || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			odd++
		}
	}
	if odd*5 > total {
		return garbled(fmt.Sprintf("%d of %d characters unprintable", odd, total))
	}
	if repetitive(trimmed) {
		return garbled("repeated output")
	}
	return nil
}

func garbled(detail string) error {
	return &tutorerrors.GenerationError{Err: fmt.Errorf("%w: %s", ErrGarbledAnswer, detail)}
}

// repetitive reports output stuck on a single word, such as a model looping
// on one token.
func repetitive(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 12 {
		return false
	}
	counts := make(map[string]int, len(words))
	top := 0
	for _, w := range words {
		counts[w]++
		top = max(top, counts[w])
	}
	return top*10 >= len(words)*6
}
