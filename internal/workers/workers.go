// Package workers holds the background loops started by the API process.
// Each worker claims its rows with a conditional UPDATE, so running several
// API instances never double-processes an item.
package workers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Recorder counts processed items per worker and outcome.
type Recorder interface {
	WorkerItem(worker, outcome string)
}

// loop runs fn every interval until ctx is cancelled.
func loop(ctx context.Context, name string, interval time.Duration, logger *logrus.Logger, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.WithField("worker", name)
	log.WithField("interval", interval.String()).Info("worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func record(r Recorder, worker, outcome string) {
	if r != nil {
		r.WorkerItem(worker, outcome)
	}
}

func loggerOr(l *logrus.Logger) *logrus.Logger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}
