// Package handlers exposes the HTTP API: generation, artifacts, publishing,
// accounts and credits, content plans, WordPress sites and billing.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/writgo/internal/auth"
	"github.com/PortNumber53/writgo/internal/config"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/distribution"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/pipeline"
	"github.com/PortNumber53/writgo/internal/wordpress"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
)

type AccountStore interface {
	CreateAccount(ctx context.Context, a *models.Account, welcome int64) error
	GetAccount(ctx context.Context, id string) (models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (models.Account, error)
	GetAccountByStripeCustomer(ctx context.Context, customerID string) (models.Account, error)
	SetStripeCustomer(ctx context.Context, accountID, customerID string) error
	DeleteAccount(ctx context.Context, id string) error
}

type ArtifactStore interface {
	GetArtifact(ctx context.Context, id string) (models.Artifact, error)
	ListArtifacts(ctx context.Context, accountID string, kind models.ArtifactKind, limit int) ([]models.Artifact, error)
	CancelArtifact(ctx context.Context, id string) (bool, error)
	SetArtifactMedia(ctx context.Context, id, mediaURL string) error
}

type Ledger interface {
	Balance(ctx context.Context, accountID string) (models.Balance, error)
	Grant(ctx context.Context, g credits.Grant) (models.Balance, bool, error)
	ResetSubscription(ctx context.Context, accountID string, allotment int64, reference string) (models.Balance, bool, error)
	SetUnlimited(ctx context.Context, accountID string, unlimited bool) error
	Transactions(ctx context.Context, accountID string, limit int) ([]models.CreditTransaction, error)
}

type PlanStore interface {
	CreatePlannedArticles(ctx context.Context, articles []models.PlannedArticle) error
	ListPlannedArticles(ctx context.Context, accountID string, limit int) ([]models.PlannedArticle, error)
}

type SiteStore interface {
	CreateWordPressSite(ctx context.Context, site *models.WordPressSite) error
	GetWordPressSite(ctx context.Context, id string) (models.WordPressSite, error)
	ListWordPressSites(ctx context.Context, accountID string) ([]models.WordPressSite, error)
	DeleteWordPressSite(ctx context.Context, accountID, id string) error
}

// Publisher is implemented by *publishing.Publisher.
type Publisher interface {
	ToWordPress(ctx context.Context, a models.Artifact, siteID, postStatus string) (models.Artifact, error)
	ToSocial(ctx context.Context, a models.Artifact, targets []distribution.Target) (models.Artifact, []distribution.Result, error)
}

type SiteChecker interface {
	TestConnection(ctx context.Context, site wordpress.Site) error
}

type CardRenderer interface {
	Render(title, subtitle string) ([]byte, error)
	Save(accountID, name string, data []byte) (string, error)
}

// CheckoutSessions is the slice of the Stripe client used for top-ups.
type CheckoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Accounts  AccountStore
	Artifacts ArtifactStore
	Ledger    Ledger
	Plans     PlanStore
	Sites     SiteStore
	Pipeline  *pipeline.Pipeline
	Sessions  *auth.Sessions
	Publisher Publisher
	Checker   SiteChecker
	Cards     CardRenderer
	Checkout  CheckoutSessions
	DB        Pinger
	Config    config.Config
	Logger    *logrus.Logger
}

type Handler struct {
	accounts  AccountStore
	artifacts ArtifactStore
	ledger    Ledger
	plans     PlanStore
	sites     SiteStore
	pipeline  *pipeline.Pipeline
	sessions  *auth.Sessions
	publisher Publisher
	checker   SiteChecker
	cards     CardRenderer
	checkout  CheckoutSessions
	db        Pinger
	cfg       config.Config
	logger    *logrus.Logger
	now       func() time.Time
}

func New(opts Options) *Handler {
	h := &Handler{
		accounts:  opts.Accounts,
		artifacts: opts.Artifacts,
		ledger:    opts.Ledger,
		plans:     opts.Plans,
		sites:     opts.Sites,
		pipeline:  opts.Pipeline,
		sessions:  opts.Sessions,
		publisher: opts.Publisher,
		checker:   opts.Checker,
		cards:     opts.Cards,
		checkout:  opts.Checkout,
		db:        opts.DB,
		cfg:       opts.Config,
		logger:    opts.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	return h
}

// Health reports liveness and, when a database is wired, its reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.WithError(err).Warn("health: database unreachable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) secureCookies() bool {
	return strings.HasPrefix(h.cfg.PublicOrigin, "https://")
}
