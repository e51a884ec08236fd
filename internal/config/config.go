package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// TopUpPackage is a purchasable bundle of top-up credits backed by a Stripe price.
type TopUpPackage struct {
	PriceID string
	Credits int64
}

// Config holds every setting the API process reads from the environment.
type Config struct {
	Port           string
	DatabaseURL    string
	MigrationsPath string
	PublicOrigin   string
	CORSOrigins    []string
	MediaDir       string

	JWTSecret      []byte
	SessionTTL     time.Duration
	WelcomeCredits int64

	OpenAIKey      string
	OpenAIModel    string
	OpenAIURL      string
	AnthropicKey   string
	AnthropicModel string
	AnthropicURL   string
	GeminiKey      string
	GeminiModel    string
	ReplicateToken string
	ReplicateURL   string
	ImageModels    map[string]string // tier -> replicate model
	VideoModel     string

	GenerationMaxAttempts    int
	GenerationAttemptTimeout time.Duration
	ProviderRPS              float64
	ProviderBurst            int

	LateAPIKey string
	LateURL    string

	VideoPollInterval       time.Duration
	VideoMaxWait            time.Duration
	PlannedArticlesEnabled  bool
	PlannedArticlesInterval time.Duration
	StaleGenerationAfter    time.Duration
	StaleReaperInterval     time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	TopUpPackages       map[string]TopUpPackage
	PlanCredits         map[string]int64 // stripe price id -> monthly subscription credits
}

// LoadEnv loads .env files into the process environment when they exist.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
		return
	}
	logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
}

// Load builds a Config from getenv. DATABASE_URL and JWT_SECRET are required.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	e := env(getenv)

	cfg := Config{
		Port:           e.getStr("PORT", "18911"),
		DatabaseURL:    e.getStr("DATABASE_URL", ""),
		MigrationsPath: e.getStr("MIGRATIONS_PATH", "file://db/migrations"),
		PublicOrigin:   strings.TrimRight(e.getStr("PUBLIC_ORIGIN", "http://localhost:3000"), "/"),
		CORSOrigins:    e.getList("CORS_ORIGINS", []string{"*"}),
		MediaDir:       e.getStr("MEDIA_DIR", "media"),

		JWTSecret:      []byte(e.getStr("JWT_SECRET", "")),
		SessionTTL:     e.getDuration("SESSION_TTL", 7*24*time.Hour),
		WelcomeCredits: e.getInt64("WELCOME_CREDITS", 25),

		OpenAIKey:      e.getStr("OPENAI_API_KEY", ""),
		OpenAIModel:    e.getStr("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIURL:      e.getStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicKey:   e.getStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel: e.getStr("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		AnthropicURL:   e.getStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		GeminiKey:      e.getStr("GEMINI_API_KEY", ""),
		GeminiModel:    e.getStr("GEMINI_MODEL", "gemini-2.0-flash"),
		ReplicateToken: e.getStr("REPLICATE_API_TOKEN", ""),
		ReplicateURL:   e.getStr("REPLICATE_BASE_URL", "https://api.replicate.com/v1"),
		ImageModels: map[string]string{
			"basic":    e.getStr("IMAGE_MODEL_BASIC", "black-forest-labs/flux-schnell"),
			"standard": e.getStr("IMAGE_MODEL_STANDARD", "black-forest-labs/flux-dev"),
			"premium":  e.getStr("IMAGE_MODEL_PREMIUM", "black-forest-labs/flux-1.1-pro"),
		},
		VideoModel: e.getStr("VIDEO_MODEL", "minimax/video-01"),

		GenerationMaxAttempts:    e.getInt("GENERATION_MAX_ATTEMPTS", 2),
		GenerationAttemptTimeout: e.getDuration("GENERATION_ATTEMPT_TIMEOUT", 90*time.Second),
		ProviderRPS:              e.getFloat("PROVIDER_RPS", 5),
		ProviderBurst:            e.getInt("PROVIDER_BURST", 10),

		LateAPIKey: e.getStr("LATE_API_KEY", ""),
		LateURL:    e.getStr("LATE_BASE_URL", "https://getlate.dev/api/v1"),

		VideoPollInterval:       e.getDuration("VIDEO_POLL_INTERVAL", 5*time.Second),
		VideoMaxWait:            e.getDuration("VIDEO_MAX_WAIT", 5*time.Minute),
		PlannedArticlesEnabled:  e.getBool("PLANNED_ARTICLES_ENABLED", true),
		PlannedArticlesInterval: e.getDuration("PLANNED_ARTICLES_INTERVAL", time.Minute),
		StaleGenerationAfter:    e.getDuration("STALE_GENERATION_AFTER", 30*time.Minute),
		StaleReaperInterval:     e.getDuration("STALE_REAPER_INTERVAL", 5*time.Minute),

		StripeSecretKey:     e.getStr("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: e.getStr("STRIPE_WEBHOOK_SECRET", ""),
	}

	var err error
	if cfg.TopUpPackages, err = parseTopUpPackages(getenv("TOPUP_PACKAGES")); err != nil {
		return Config{}, err
	}
	if cfg.PlanCredits, err = parsePlanCredits(getenv("PLAN_CREDITS")); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if len(cfg.JWTSecret) == 0 {
		return Config{}, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.GenerationMaxAttempts < 1 {
		cfg.GenerationMaxAttempts = 1
	}
	return cfg, nil
}

// parseTopUpPackages reads "name:price_id:credits" entries separated by commas.
func parseTopUpPackages(raw string) (map[string]TopUpPackage, error) {
	out := make(map[string]TopUpPackage)
	for _, item := range splitList(raw) {
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("TOPUP_PACKAGES: invalid entry %q (want name:price_id:credits)", item)
		}
		n, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("TOPUP_PACKAGES: invalid credits in %q", item)
		}
		out[parts[0]] = TopUpPackage{PriceID: parts[1], Credits: n}
	}
	return out, nil
}

// parsePlanCredits reads "price_id=credits" entries separated by commas.
func parsePlanCredits(raw string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, item := range splitList(raw) {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("PLAN_CREDITS: invalid entry %q (want price_id=credits)", item)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("PLAN_CREDITS: invalid credits in %q", item)
		}
		out[strings.TrimSpace(k)] = n
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type env func(string) string

func (e env) getStr(key, def string) string {
	if v := strings.TrimSpace(e(key)); v != "" {
		return v
	}
	return def
}

func (e env) getList(key string, def []string) []string {
	if v := splitList(e(key)); len(v) > 0 {
		return v
	}
	return def
}

func (e env) getInt(key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(e(key))); err == nil {
		return n
	}
	return def
}

func (e env) getInt64(key string, def int64) int64 {
	if n, err := strconv.ParseInt(strings.TrimSpace(e(key)), 10, 64); err == nil && n >= 0 {
		return n
	}
	return def
}

func (e env) getFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(e(key)), 64); err == nil && f > 0 {
		return f
	}
	return def
}

func (e env) getBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(e(key))); err == nil {
		return b
	}
	return def
}

// getDuration accepts Go duration strings ("90s") or a bare integer number of seconds.
func (e env) getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e(key))
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return def
}
