package generation

import (
	"context"
	"fmt"
	"time"
)

type Category string

const (
	CategoryContent   Category = "content"
	CategoryTechnical Category = "technical"
	CategorySEO       Category = "seo"
)

func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case "":
		return CategoryContent, nil
	case CategoryContent, CategoryTechnical, CategorySEO:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// DefaultRoutes is the ordered provider preference per task category.
var DefaultRoutes = map[Category][]string{
	CategoryContent:   {"openai", "anthropic"},
	CategoryTechnical: {"anthropic", "openai"},
	CategorySEO:       {"gemini", "openai"},
}

// Router picks the provider chain for a category and runs it through a
// FallbackPolicy.
type Router struct {
	providers      map[string]TextProvider
	routes         map[Category][]string
	maxAttempts    int
	attemptTimeout time.Duration
	onAttempt      AttemptFunc
}

type RouterOptions struct {
	Routes         map[Category][]string
	MaxAttempts    int
	AttemptTimeout time.Duration
	OnAttempt      AttemptFunc
}

// NewRouter indexes providers by name. Nil providers are skipped so that
// unconfigured integrations drop out of every chain.
func NewRouter(opts RouterOptions, providers ...TextProvider) *Router {
	r := &Router{
		providers:      make(map[string]TextProvider, len(providers)),
		routes:         opts.Routes,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
		onAttempt:      opts.OnAttempt,
	}
	if r.routes == nil {
		r.routes = DefaultRoutes
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.providers[p.Name()] = p
	}
	return r
}

// Policy returns the fallback policy for a category.
func (r *Router) Policy(c Category) FallbackPolicy {
	var chain []TextProvider
	for _, name := range r.routes[c] {
		if p, ok := r.providers[name]; ok {
			chain = append(chain, p)
		}
	}
	return FallbackPolicy{
		Providers:      chain,
		MaxAttempts:    r.maxAttempts,
		AttemptTimeout: r.attemptTimeout,
		OnAttempt:      r.onAttempt,
	}
}

func (r *Router) Generate(ctx context.Context, c Category, req Request) (Result, error) {
	return r.Policy(c).Execute(ctx, req)
}

// Available reports whether at least one provider serves the category.
func (r *Router) Available(c Category) bool {
	return len(r.Policy(c).Providers) > 0
}
