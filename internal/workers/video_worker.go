package workers

import (
	"context"
	"time"

	"github.com/PortNumber53/writgo/internal/generation"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/pipeline"
	"github.com/sirupsen/logrus"
)

type VideoStore interface {
	ListInFlightVideos(ctx context.Context, limit int) ([]models.Artifact, error)
}

type VideoPoller interface {
	Poll(ctx context.Context, id string) (generation.JobStatus, error)
}

// VideoSettler is implemented by *pipeline.Pipeline.
type VideoSettler interface {
	CompleteAsync(ctx context.Context, a models.Artifact, st generation.JobStatus, model string) (pipeline.Outcome, error)
	Fail(ctx context.Context, a models.Artifact, reason string)
}

// VideoWorker polls provider jobs of in-flight video artifacts and settles
// them: success completes and debits, failure or timeout fails for free.
type VideoWorker struct {
	Store     VideoStore
	Poller    VideoPoller
	Pipeline  VideoSettler
	Model     string
	Interval  time.Duration // default: 5s
	MaxWait   time.Duration // default: 5m
	BatchSize int           // default: 25
	Recorder  Recorder
	Logger    *logrus.Logger

	now func() time.Time
}

func (w *VideoWorker) Start(ctx context.Context) {
	w.defaults()
	loop(ctx, "video", w.Interval, w.Logger, func(ctx context.Context) {
		_, _ = w.RunOnce(ctx)
	})
}

func (w *VideoWorker) defaults() {
	if w.Interval <= 0 {
		w.Interval = 5 * time.Second
	}
	if w.MaxWait <= 0 {
		w.MaxWait = 5 * time.Minute
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 25
	}
	if w.now == nil {
		w.now = time.Now
	}
	w.Logger = loggerOr(w.Logger)
}

// RunOnce checks one batch of in-flight videos and returns how many settled.
func (w *VideoWorker) RunOnce(ctx context.Context) (int, error) {
	w.defaults()
	videos, err := w.Store.ListInFlightVideos(ctx, w.BatchSize)
	if err != nil {
		w.Logger.WithError(err).Error("list in-flight videos failed")
		return 0, err
	}
	settled := 0
	for _, a := range videos {
		if ctx.Err() != nil {
			break
		}
		if w.settle(ctx, a) {
			settled++
		}
	}
	return settled, nil
}

func (w *VideoWorker) settle(ctx context.Context, a models.Artifact) bool {
	log := w.Logger.WithFields(logrus.Fields{"artifact_id": a.ID, "job_id": a.ProviderJobID})

	// A job that finished is settled even when seen after MaxWait.
	st, err := w.Poller.Poll(ctx, a.ProviderJobID)
	if err != nil {
		log.WithError(err).Warn("video poll failed")
		record(w.Recorder, "video", "poll_error")
		return w.expire(ctx, a, log)
	}
	if !st.Done() {
		return w.expire(ctx, a, log)
	}

	if _, err := w.Pipeline.CompleteAsync(ctx, a, st, "replicate/"+w.Model); err != nil {
		log.WithError(err).WithField("status", st.Status).Info("video job not completed")
		record(w.Recorder, "video", "failed")
		return true
	}
	log.Info("video completed")
	record(w.Recorder, "video", "completed")
	return true
}

// expire fails an unfinished job once it has waited longer than MaxWait.
func (w *VideoWorker) expire(ctx context.Context, a models.Artifact, log *logrus.Entry) bool {
	if w.now().Sub(a.CreatedAt) <= w.MaxWait {
		return false
	}
	log.Warn("video job exceeded max wait")
	w.Pipeline.Fail(ctx, a, "video generation timed out")
	record(w.Recorder, "video", "timed_out")
	return true
}
