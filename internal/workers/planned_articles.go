package workers

import (
	"context"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/generation"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/pipeline"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type PlannedStore interface {
	DuePlannedArticles(ctx context.Context, limit int) ([]models.PlannedArticle, error)
	ClaimPlannedArticle(ctx context.Context, id, jobID string) (bool, error)
	UpdatePlannedArticle(ctx context.Context, id, jobID string, status models.PlannedArticleStatus, artifactID, lastError string) error
}

type AccountLookup interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
}

type TextRunner interface {
	RunText(ctx context.Context, job pipeline.Job) (pipeline.Outcome, error)
}

type SitePublisher interface {
	ToWordPress(ctx context.Context, a models.Artifact, siteID, postStatus string) (models.Artifact, error)
}

// PlannedArticleWorker writes due planned articles through the credit-gated
// blog post pipeline and publishes them to the account's WordPress site.
type PlannedArticleWorker struct {
	Store     PlannedStore
	Accounts  AccountLookup
	Pipeline  TextRunner
	Publisher SitePublisher
	Interval  time.Duration // default: 1m
	BatchSize int           // default: 10
	Recorder  Recorder
	Logger    *logrus.Logger
}

func (w *PlannedArticleWorker) Start(ctx context.Context) {
	w.defaults()
	loop(ctx, "planned_articles", w.Interval, w.Logger, func(ctx context.Context) {
		_, _ = w.RunOnce(ctx)
	})
}

func (w *PlannedArticleWorker) defaults() {
	if w.Interval <= 0 {
		w.Interval = time.Minute
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 10
	}
	w.Logger = loggerOr(w.Logger)
}

// RunOnce claims and processes one batch of due articles. It returns how
// many articles this call claimed.
func (w *PlannedArticleWorker) RunOnce(ctx context.Context) (int, error) {
	w.defaults()
	due, err := w.Store.DuePlannedArticles(ctx, w.BatchSize)
	if err != nil {
		w.Logger.WithError(err).Error("list due planned articles failed")
		return 0, err
	}
	claimed := 0
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		jobID := "plan_" + uuid.NewString()
		log := w.Logger.WithFields(logrus.Fields{"planned_id": p.ID, "account_id": p.AccountID, "job_id": jobID})

		ok, err := w.Store.ClaimPlannedArticle(ctx, p.ID, jobID)
		if err != nil {
			log.WithError(err).Warn("claim failed")
			continue
		}
		if !ok {
			log.Debug("claim skipped: already claimed")
			continue
		}
		claimed++
		outcome := w.process(ctx, p, jobID, log)
		record(w.Recorder, "planned_articles", outcome)
	}
	return claimed, nil
}

func (w *PlannedArticleWorker) process(ctx context.Context, p models.PlannedArticle, jobID string, log *logrus.Entry) string {
	update := func(status models.PlannedArticleStatus, artifactID, lastError string) {
		if err := w.Store.UpdatePlannedArticle(context.WithoutCancel(ctx), p.ID, jobID, status, artifactID, lastError); err != nil {
			log.WithError(err).Error("update planned article failed")
		}
	}
	update(models.PlannedStatusGenerating, "", "")

	acct, err := w.Accounts.GetAccount(ctx, p.AccountID)
	if err != nil {
		update(models.PlannedStatusFailed, "", failureReason(err))
		return "failed"
	}

	out, err := w.Pipeline.RunText(ctx, pipeline.Job{
		Identity:  acct.Identity(),
		Kind:      models.KindBlogPost,
		Operation: credits.OpBlogPost,
		Category:  generation.CategorySEO,
		Title:     p.Title,
		Params: map[string]any{
			"topic":            p.Title,
			"keywords":         p.Keywords,
			"plannedArticleId": p.ID,
		},
		Request: generation.BlogPostPrompt(p.Title, p.Keywords, "", 0, ""),
	})
	if err != nil {
		log.WithError(err).Warn("planned article generation failed")
		update(models.PlannedStatusFailed, "", failureReason(err))
		if apperr.IsKind(err, apperr.KindInsufficientBalance) {
			return "denied"
		}
		return "failed"
	}

	if p.SiteID == nil || w.Publisher == nil {
		log.WithField("artifact_id", out.Artifact.ID).Info("planned article written; no site to publish to")
		update(models.PlannedStatusPublished, out.Artifact.ID, "")
		return "written"
	}
	if _, err := w.Publisher.ToWordPress(ctx, out.Artifact, *p.SiteID, "publish"); err != nil {
		log.WithError(err).Warn("planned article publish failed")
		update(models.PlannedStatusFailed, out.Artifact.ID, failureReason(err))
		return "failed"
	}
	log.WithField("artifact_id", out.Artifact.ID).Info("planned article published")
	update(models.PlannedStatusPublished, out.Artifact.ID, "")
	return "published"
}

func failureReason(err error) string {
	e := apperr.As(err)
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}
