package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const artifactColumns = `id, account_id, kind, COALESCE(category, ''), COALESCE(title, ''), params,
	COALESCE(model, ''), COALESCE(content, ''), COALESCE(media_url, ''), COALESCE(provider_job_id, ''),
	COALESCE(published_url, ''), status, COALESCE(error, ''), cost, created_at, updated_at, completed_at`

// CreateArtifact inserts a, assigning an id and defaulting the status to pending.
func (s *Store) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.StatusPending
	}
	params := []byte(a.Params)
	if len(params) == 0 {
		params = []byte("{}")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO artifacts (id, account_id, kind, category, title, params, status, cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`, a.ID, a.AccountID, string(a.Kind), nullIfEmpty(a.Category), nullIfEmpty(a.Title), string(params),
		string(a.Status), a.Cost).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert artifact: %w", err)
	}
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, apperr.NotFound("artifact")
	}
	return a, err
}

// ListArtifacts returns the newest artifacts of an account, optionally filtered by kind.
func (s *Store) ListArtifacts(ctx context.Context, accountID string, kind models.ArtifactKind, limit int) ([]models.Artifact, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		  FROM artifacts
		 WHERE account_id = $1
		   AND ($2 = '' OR kind = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3
	`, accountID, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// TransitionArtifact moves an artifact to `to` only when its current status is
// one of from. It reports whether a row changed.
func (s *Store) TransitionArtifact(ctx context.Context, id string, from []models.ArtifactStatus, to models.ArtifactStatus, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts
		   SET status = $2,
		       error = $3,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status = ANY($4)
	`, id, string(to), nullIfEmpty(errMsg), pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("store: transition artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: transition artifact: %w", err)
	}
	return n > 0, nil
}

// CancelArtifact fails an artifact that has not finished generating.
func (s *Store) CancelArtifact(ctx context.Context, id string) (bool, error) {
	return s.TransitionArtifact(ctx, id,
		[]models.ArtifactStatus{models.StatusPending, models.StatusGenerating}, models.StatusFailed, "cancelled")
}

// MarkArtifactFailed records reason on an artifact that is still in flight.
func (s *Store) MarkArtifactFailed(ctx context.Context, id, reason string) error {
	_, err := s.TransitionArtifact(ctx, id,
		[]models.ArtifactStatus{models.StatusPending, models.StatusGenerating, models.StatusPublishing}, models.StatusFailed, reason)
	return err
}

// AttachProviderJob stores the async provider job id and moves a pending artifact to generating.
func (s *Store) AttachProviderJob(ctx context.Context, id, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts
		   SET provider_job_id = $2,
		       status = 'generating',
		       updated_at = NOW()
		 WHERE id = $1
		   AND status = 'pending'
	`, id, jobID)
	if err != nil {
		return false, fmt.Errorf("store: attach provider job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteAndDebit stores the generated output and charges the account in one
// transaction. A cancelled artifact or an insufficient balance rolls back both.
func (s *Store) CompleteAndDebit(ctx context.Context, c models.Completion) (models.Balance, error) {
	var bal models.Balance
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE artifacts
			   SET status = 'completed',
			       content = $2,
			       media_url = $3,
			       model = $4,
			       cost = $5,
			       error = NULL,
			       completed_at = NOW(),
			       updated_at = NOW()
			 WHERE id = $1
			   AND status IN ('pending', 'generating')
		`, c.ArtifactID, nullIfEmpty(c.Content), nullIfEmpty(c.MediaURL), nullIfEmpty(c.Model), c.Cost)
		if err != nil {
			return fmt.Errorf("store: complete artifact: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotInProgress
		}
		bal, err = credits.Debit(ctx, tx, credits.DebitParams{
			AccountID:   c.AccountID,
			Cost:        c.Cost,
			ArtifactID:  c.ArtifactID,
			Description: c.Description,
		})
		return err
	})
	if err != nil {
		return models.Balance{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"artifact_id": c.ArtifactID,
		"account_id":  c.AccountID,
		"cost":        c.Cost,
		"unlimited":   bal.IsUnlimited,
		"available":   bal.Available(),
	}).Info("artifact completed and debited")
	return bal, nil
}

// SetArtifactMedia attaches a media URL (e.g. a rendered title card) to a finished artifact.
func (s *Store) SetArtifactMedia(ctx context.Context, id, mediaURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET media_url = $2, updated_at = NOW() WHERE id = $1
	`, id, mediaURL)
	if err != nil {
		return fmt.Errorf("store: set artifact media: %w", err)
	}
	return nil
}

// MarkPublished finishes a publishing artifact.
func (s *Store) MarkPublished(ctx context.Context, id, publishedURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts
		   SET status = 'published',
		       published_url = $2,
		       error = NULL,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status = 'publishing'
	`, id, nullIfEmpty(publishedURL))
	if err != nil {
		return false, fmt.Errorf("store: mark published: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListInFlightVideos returns video artifacts waiting on a provider job, oldest first.
func (s *Store) ListInFlightVideos(ctx context.Context, limit int) ([]models.Artifact, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		  FROM artifacts
		 WHERE kind = 'video'
		   AND status = 'generating'
		   AND provider_job_id IS NOT NULL
		 ORDER BY created_at ASC
		 LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list in-flight videos: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// FailStaleGenerations fails synchronous generations untouched since before
// cutoff and returns the affected artifacts. Async videos are left to the video worker.
func (s *Store) FailStaleGenerations(ctx context.Context, cutoff time.Time, reason string) ([]models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE artifacts
		   SET status = 'failed',
		       error = $2,
		       updated_at = NOW()
		 WHERE status IN ('pending', 'generating')
		   AND updated_at < $1
		   AND provider_job_id IS NULL
		RETURNING `+artifactColumns+`
	`, cutoff, reason)
	if err != nil {
		return nil, fmt.Errorf("store: fail stale generations: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (models.Artifact, error) {
	var (
		a         models.Artifact
		kind      string
		status    string
		params    []byte
		completed sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.AccountID, &kind, &a.Category, &a.Title, &params,
		&a.Model, &a.Content, &a.MediaURL, &a.ProviderJobID, &a.PublishedURL,
		&status, &a.Error, &a.Cost, &a.CreatedAt, &a.UpdatedAt, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Artifact{}, err
		}
		return models.Artifact{}, fmt.Errorf("store: scan artifact: %w", err)
	}
	a.Kind = models.ArtifactKind(kind)
	a.Status = models.ArtifactStatus(status)
	if len(params) > 0 {
		a.Params = append([]byte(nil), params...)
	}
	if completed.Valid {
		t := completed.Time
		a.CompletedAt = &t
	}
	return a, nil
}

func collectArtifacts(rows *sql.Rows) ([]models.Artifact, error) {
	out := make([]models.Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate artifacts: %w", err)
	}
	return out, nil
}

func statusStrings(in []models.ArtifactStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
