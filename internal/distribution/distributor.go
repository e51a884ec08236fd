// Package distribution fans a generated social post out to platform accounts
// through Late.dev, honouring per-platform rate limits and daily quotas.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const maxParallel = 4

var (
	ErrNoTargets       = errors.New("distribution: no target platforms")
	ErrUnknownPlatform = errors.New("distribution: unknown platform")
)

// Target is one connected platform account.
type Target struct {
	Platform  string `json:"platform"`
	AccountID string `json:"accountId"`
}

type Post struct {
	Content  string
	MediaURL string
}

// Result is the outcome for a single target.
type Result struct {
	Platform string `json:"platform"`
	URL      string `json:"url,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Error == "" && !r.Skipped }

type Publisher interface {
	Publish(ctx context.Context, t Target, p Post) (string, error)
}

type Distributor struct {
	publisher Publisher
	quota     Quota
	getenv    func(string) string
	logger    *logrus.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  map[string]RateLimitConfig
}

// NewDistributor builds a distributor. quota may be nil to disable daily
// accounting; getenv supplies per-platform overrides.
func NewDistributor(publisher Publisher, quota Quota, getenv func(string) string, logger *logrus.Logger) *Distributor {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Distributor{
		publisher: publisher,
		quota:     quota,
		getenv:    getenv,
		logger:    logger,
		limiters:  map[string]*rate.Limiter{},
		configs:   map[string]RateLimitConfig{},
	}
}

// limiterFor returns the shared limiter for a platform, creating it on first use.
func (d *Distributor) limiterFor(platform string) (*rate.Limiter, RateLimitConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lim, ok := d.limiters[platform]; ok {
		return lim, d.configs[platform]
	}
	cfg := rateLimitFromEnv(d.getenv, platform, DefaultRateLimits()[platform])
	lim := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	d.limiters[platform] = lim
	d.configs[platform] = cfg
	return lim, cfg
}

// Distribute publishes p to every target concurrently. It returns one result
// per target in input order, and an error only when no target succeeded.
func (d *Distributor) Distribute(ctx context.Context, p Post, targets []Target) ([]Result, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	normalized := make([]Target, len(targets))
	for i, t := range targets {
		t.Platform = NormalizePlatform(t.Platform)
		if !KnownPlatform(t.Platform) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, t.Platform)
		}
		normalized[i] = t
	}
	results := make([]Result, len(normalized))
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, t := range normalized {
		i, t := i, t
		g.Go(func() error {
			results[i] = d.publishOne(ctx, t, p)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.OK() {
			return results, nil
		}
	}
	return results, errors.New("distribution: every platform failed")
}

func (d *Distributor) publishOne(ctx context.Context, t Target, p Post) Result {
	res := Result{Platform: t.Platform}
	log := d.logger.WithField("platform", t.Platform)
	lim, cfg := d.limiterFor(t.Platform)

	if d.quota != nil && cfg.DailyRequestsMax > 0 {
		ok, used, err := d.quota.Consume(ctx, t.Platform, 1, cfg.DailyRequestsMax)
		if err != nil {
			log.WithError(err).Warn("quota check failed")
			res.Error = err.Error()
			return res
		}
		if !ok {
			log.WithFields(logrus.Fields{"used": used, "max": cfg.DailyRequestsMax}).Warn("daily quota exceeded")
			res.Skipped = true
			res.Reason = "daily_quota_exceeded"
			return res
		}
	}
	if err := lim.Wait(ctx); err != nil {
		res.Error = err.Error()
		return res
	}

	start := time.Now()
	url, err := d.publisher.Publish(ctx, t, p)
	if err != nil {
		log.WithError(err).WithField("dur", time.Since(start)).Warn("publish failed")
		res.Error = err.Error()
		return res
	}
	log.WithField("dur", time.Since(start)).Info("published")
	res.URL = url
	return res
}
