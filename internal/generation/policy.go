package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const (
	DefaultMaxAttempts    = 2
	DefaultAttemptTimeout = 90 * time.Second
)

// AttemptFunc observes every provider attempt. err is nil on success.
type AttemptFunc func(provider string, attempt int, elapsed time.Duration, err error)

// FallbackPolicy runs a request against an ordered provider list. Attempt i
// uses Providers[i]; there is no backoff between attempts.
type FallbackPolicy struct {
	Providers      []TextProvider
	MaxAttempts    int
	AttemptTimeout time.Duration
	OnAttempt      AttemptFunc
}

func (p FallbackPolicy) attempts() int {
	n := p.MaxAttempts
	if n <= 0 {
		n = DefaultMaxAttempts
	}
	if n > len(p.Providers) {
		n = len(p.Providers)
	}
	return n
}

// Execute returns the first successful result. When every attempt fails the
// error of the last attempt is returned.
func (p FallbackPolicy) Execute(ctx context.Context, req Request) (Result, error) {
	attempts := p.attempts()
	if attempts == 0 {
		return Result{}, ErrNoProviders
	}
	timeout := p.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}

	policy := retrypolicy.NewBuilder[Result]().
		WithMaxRetries(attempts - 1).
		HandleIf(func(_ Result, err error) bool {
			return err != nil && ctx.Err() == nil
		}).
		Build()

	var (
		index   int
		lastErr error
	)
	res, err := failsafe.With[Result](policy).WithContext(ctx).Get(func() (Result, error) {
		if index >= attempts {
			return Result{}, lastErr
		}
		provider := p.Providers[index]
		index++

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		started := time.Now()
		out, err := provider.Generate(attemptCtx, req)
		if err == nil && strings.TrimSpace(out.Content) == "" {
			err = fmt.Errorf("%s: %w", provider.Name(), ErrEmptyOutput)
		}
		if p.OnAttempt != nil {
			p.OnAttempt(provider.Name(), index, time.Since(started), err)
		}
		if err != nil {
			lastErr = err
			return Result{}, err
		}
		out.Attempts = index
		if out.Provider == "" {
			out.Provider = provider.Name()
		}
		return out, nil
	})
	if err != nil {
		if lastErr != nil {
			return Result{}, lastErr
		}
		return Result{}, err
	}
	return res, nil
}

// IsEmptyOutput reports whether err came from a provider that returned nothing usable.
func IsEmptyOutput(err error) bool {
	return errors.Is(err, ErrEmptyOutput)
}
