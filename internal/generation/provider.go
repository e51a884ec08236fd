// Package generation calls hosted AI providers. It has no persistent side effects.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyOutput is returned when a provider answers successfully but with no
// usable text. It is eligible for fallback like any other provider failure.
var ErrEmptyOutput = errors.New("provider returned empty output")

var ErrNoProviders = errors.New("no provider configured for category")

// Request is a single text generation.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

type Result struct {
	Content    string
	Provider   string
	Model      string
	TokensUsed int
	// Attempts is the 1-based attempt that produced the result.
	Attempts int
}

// ModelRef is the "provider/model" string stored on the artifact.
func (r Result) ModelRef() string {
	if r.Model == "" {
		return r.Provider
	}
	return r.Provider + "/" + r.Model
}

type TextProvider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// StatusError is a non-2xx answer from a provider API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func finish(provider, model, content string, tokens int) (Result, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Result{}, fmt.Errorf("%s: %w", provider, ErrEmptyOutput)
	}
	return Result{Content: content, Provider: provider, Model: model, TokensUsed: tokens}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
