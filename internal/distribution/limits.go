package distribution

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	DailyRequestsMax  int64 // 0 means unlimited
}

// DefaultRateLimits are conservative per-platform defaults; override them with
// DISTRIBUTION_<PLATFORM>_RPS, _BURST and _DAILY_MAX.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"twitter":   {RequestsPerSecond: 1, Burst: 1, DailyRequestsMax: 300},
		"linkedin":  {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 150},
		"facebook":  {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"instagram": {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 50},
		"threads":   {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"tiktok":    {RequestsPerSecond: 0.5, Burst: 1, DailyRequestsMax: 0},
		"pinterest": {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"bluesky":   {RequestsPerSecond: 2, Burst: 3, DailyRequestsMax: 0},
	}
}

// NormalizePlatform lower-cases and trims a client-supplied platform name.
func NormalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

// KnownPlatform reports whether platform has a rate limit entry.
func KnownPlatform(platform string) bool {
	_, ok := DefaultRateLimits()[NormalizePlatform(platform)]
	return ok
}

func rateLimitFromEnv(getenv func(string) string, platform string, def RateLimitConfig) RateLimitConfig {
	prefix := "DISTRIBUTION_" + strings.ToUpper(strings.ReplaceAll(platform, "-", "_")) + "_"
	if v := getenv(prefix + "RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			def.RequestsPerSecond = f
		}
	}
	if v := getenv(prefix + "BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			def.Burst = n
		}
	}
	if v := getenv(prefix + "DAILY_MAX"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			def.DailyRequestsMax = n
		}
	}
	if def.RequestsPerSecond <= 0 {
		def.RequestsPerSecond = 1
	}
	if def.Burst <= 0 {
		def.Burst = 1
	}
	return def
}

// Quota tracks daily request budgets per platform.
type Quota interface {
	Consume(ctx context.Context, platform string, add, dailyMax int64) (ok bool, used int64, err error)
}

// SQLQuota keeps the daily counters in provider_usage.
type SQLQuota struct {
	DB  *sql.DB
	Now func() time.Time
}

// Consume adds to today's counter and reports ok=false once the daily max is exceeded.
func (q SQLQuota) Consume(ctx context.Context, platform string, add, dailyMax int64) (bool, int64, error) {
	if add <= 0 {
		return true, 0, nil
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	day := now().UTC().Format("2006-01-02")
	id := fmt.Sprintf("%s:%s", platform, day)
	var used int64
	err := q.DB.QueryRowContext(ctx, `
		INSERT INTO provider_usage (id, provider, day, requests_used, last_updated_at)
		VALUES ($1, $2, $3::date, $4, NOW())
		ON CONFLICT (provider, day) DO UPDATE SET
		  requests_used = provider_usage.requests_used + EXCLUDED.requests_used,
		  last_updated_at = NOW()
		RETURNING requests_used
	`, id, platform, day, add).Scan(&used)
	if err != nil {
		return false, 0, fmt.Errorf("distribution: consume quota: %w", err)
	}
	if dailyMax > 0 && used > dailyMax {
		return false, used, nil
	}
	return true, used, nil
}
