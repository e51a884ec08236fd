package workers

import (
	"context"
	"time"

	"github.com/PortNumber53/writgo/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	staleReason        = "generation timed out"
	stalePlannedReason = "worker stopped before finishing"
)

type StaleStore interface {
	FailStaleGenerations(ctx context.Context, cutoff time.Time, reason string) ([]models.Artifact, error)
	FailStalePlannedArticles(ctx context.Context, cutoff time.Time, reason string) ([]models.PlannedArticle, error)
}

type Notifier interface {
	ArtifactUpdated(a models.Artifact)
}

// StaleReaper fails synchronous generations stuck in pending or generating,
// typically left behind by a crashed process. Nothing is charged for them.
// Planned articles whose claim was abandoned the same way are failed too.
type StaleReaper struct {
	Store    StaleStore
	After    time.Duration // age after which an artifact is stale (default: 30m)
	Interval time.Duration // how often to sweep (default: 5m)
	Notifier Notifier
	Recorder Recorder
	Logger   *logrus.Logger

	now func() time.Time
}

func (w *StaleReaper) Start(ctx context.Context) {
	w.defaults()
	loop(ctx, "stale_reaper", w.Interval, w.Logger, func(ctx context.Context) {
		_, _ = w.RunOnce(ctx)
	})
}

func (w *StaleReaper) defaults() {
	if w.After <= 0 {
		w.After = 30 * time.Minute
	}
	if w.Interval <= 0 {
		w.Interval = 5 * time.Minute
	}
	if w.now == nil {
		w.now = time.Now
	}
	w.Logger = loggerOr(w.Logger)
}

// RunOnce performs one sweep and returns how many artifacts and planned
// articles were failed.
func (w *StaleReaper) RunOnce(ctx context.Context) (int, error) {
	w.defaults()
	cutoff := w.now().Add(-w.After)
	failed, err := w.Store.FailStaleGenerations(ctx, cutoff, staleReason)
	if err != nil {
		w.Logger.WithError(err).Error("stale reaper sweep failed")
		return 0, err
	}
	for _, a := range failed {
		w.Logger.WithFields(logrus.Fields{"artifact_id": a.ID, "kind": a.Kind}).Warn("stale generation failed")
		record(w.Recorder, "stale_reaper", "failed")
		if w.Notifier != nil {
			w.Notifier.ArtifactUpdated(a)
		}
	}

	planned, err := w.Store.FailStalePlannedArticles(ctx, cutoff, stalePlannedReason)
	if err != nil {
		w.Logger.WithError(err).Error("stale planned article sweep failed")
		return len(failed), err
	}
	for _, p := range planned {
		w.Logger.WithFields(logrus.Fields{"planned_id": p.ID, "account_id": p.AccountID}).Warn("abandoned planned article failed")
		record(w.Recorder, "stale_reaper", "planned_failed")
	}
	return len(failed) + len(planned), nil
}
