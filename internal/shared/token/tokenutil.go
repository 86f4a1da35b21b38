// Package tokenutil measures text in model tokens for context budgeting and
// chunking. Counts use the cl100k_base BPE when it can be loaded and a
// rune/word heuristic otherwise, so an offline device without a cached
// encoding still gets stable budgets.
package tokenutil

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

var loadEncoding = sync.OnceValue(func() *tiktoken.Tiktoken {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil
	}
	return enc
})

// Counter measures text in tokens. A budget and the passages fitted into it
// must be measured by the same Counter.
type Counter interface {
	Count(text string) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(text string) int

func (f CounterFunc) Count(text string) int { return f(text) }

var (
	// Default counts with the BPE encoding when available.
	Default Counter = CounterFunc(CountTokens)
	// Heuristic never touches the encoding; tests use it for exact numbers.
	Heuristic Counter = CounterFunc(EstimateFast)
)

// CountTokens counts text with cl100k_base, or EstimateFast when the
// encoding is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := loadEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast approximates a token count as the larger of runes/4 and the
// word count. Non-blank text counts as at least one token.
func EstimateFast(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return max(utf8.RuneCountInString(text)/4, len(strings.Fields(text)), 1)
}
