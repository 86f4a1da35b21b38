// Package llm streams answers from the locally hosted language model.
package llm

import (
	"context"
	"iter"
)

// Request is one generation call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Generator produces an answer as a finite, non-restartable sequence of text
// fragments. Iteration stops at exhaustion, at the first error, or when the
// consumer stops pulling. Implementations must honor ctx between fragments.
type Generator interface {
	Generate(ctx context.Context, req Request) iter.Seq2[string, error]
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) iter.Seq2[string, error]

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) iter.Seq2[string, error] {
	return f(ctx, req)
}

// RuntimeOptions are the live model parameters applied to each request.
type RuntimeOptions struct {
	ContextTokens int
	Threads       int
}

// OptionsSource returns the options to apply at call time.
type OptionsSource func() RuntimeOptions

// Fragments returns a Generator that yields the given fragments.
func Fragments(fragments ...string) Generator {
	return GeneratorFunc(func(ctx context.Context, _ Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for _, f := range fragments {
				if err := ctx.Err(); err != nil {
					yield("", context.Cause(ctx))
					return
				}
				if !yield(f, nil) {
					return
				}
			}
		}
	})
}
