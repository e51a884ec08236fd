package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const plannedColumns = `id, account_id, content_plan_id, site_id, title, COALESCE(keywords, ARRAY[]::text[]),
	scheduled_for, status, artifact_id, last_error, claimed_by, created_at, updated_at`

// CreatePlannedArticles inserts a content plan's articles atomically.
func (s *Store) CreatePlannedArticles(ctx context.Context, articles []models.PlannedArticle) error {
	if len(articles) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range articles {
			p := &articles[i]
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			if p.Status == "" {
				p.Status = models.PlannedStatusPlanned
			}
			if p.Keywords == nil {
				p.Keywords = []string{}
			}
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO planned_articles (id, account_id, content_plan_id, site_id, title, keywords, scheduled_for, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
				RETURNING created_at, updated_at
			`, p.ID, p.AccountID, p.ContentPlanID, p.SiteID, p.Title, pq.Array(p.Keywords), p.ScheduledFor, string(p.Status)).
				Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
				return fmt.Errorf("store: insert planned article: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListPlannedArticles(ctx context.Context, accountID string, limit int) ([]models.PlannedArticle, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+plannedColumns+`
		  FROM planned_articles
		 WHERE account_id = $1
		 ORDER BY scheduled_for ASC
		 LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list planned articles: %w", err)
	}
	defer rows.Close()
	return collectPlanned(rows)
}

// DuePlannedArticles lists unclaimed planned articles whose time has come.
func (s *Store) DuePlannedArticles(ctx context.Context, limit int) ([]models.PlannedArticle, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+plannedColumns+`
		  FROM planned_articles
		 WHERE status = 'planned'
		   AND claimed_by IS NULL
		   AND scheduled_for <= NOW()
		 ORDER BY scheduled_for ASC
		 LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: due planned articles: %w", err)
	}
	defer rows.Close()
	return collectPlanned(rows)
}

// ClaimPlannedArticle marks a due article as queued by jobID. Only one caller wins.
func (s *Store) ClaimPlannedArticle(ctx context.Context, id, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE planned_articles
		   SET claimed_by = $2,
		       status = 'queued',
		       last_error = NULL,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status = 'planned'
		   AND claimed_by IS NULL
		   AND scheduled_for <= NOW()
	`, id, jobID)
	if err != nil {
		return false, fmt.Errorf("store: claim planned article: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdatePlannedArticle records progress for the job that claimed the article.
func (s *Store) UpdatePlannedArticle(ctx context.Context, id, jobID string, status models.PlannedArticleStatus, artifactID, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE planned_articles
		   SET status = $3,
		       artifact_id = COALESCE($4, artifact_id),
		       last_error = $5,
		       updated_at = NOW()
		 WHERE id = $1
		   AND claimed_by = $2
	`, id, jobID, string(status), nullIfEmpty(artifactID), nullIfEmpty(lastError))
	if err != nil {
		return fmt.Errorf("store: update planned article: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("planned article")
	}
	return nil
}

// FailStalePlannedArticles fails articles left queued or generating by a
// worker that stopped before finishing. They are not retried, since the
// blog post may already have been charged.
func (s *Store) FailStalePlannedArticles(ctx context.Context, cutoff time.Time, reason string) ([]models.PlannedArticle, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE planned_articles
		   SET status = 'failed',
		       last_error = $2,
		       updated_at = NOW()
		 WHERE status IN ('queued', 'generating')
		   AND updated_at < $1
		RETURNING `+plannedColumns+`
	`, cutoff, reason)
	if err != nil {
		return nil, fmt.Errorf("store: fail stale planned articles: %w", err)
	}
	defer rows.Close()
	return collectPlanned(rows)
}

func collectPlanned(rows *sql.Rows) ([]models.PlannedArticle, error) {
	out := make([]models.PlannedArticle, 0)
	for rows.Next() {
		var (
			p          models.PlannedArticle
			status     string
			siteID     sql.NullString
			artifactID sql.NullString
			lastError  sql.NullString
			claimedBy  sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ContentPlanID, &siteID, &p.Title, pq.Array(&p.Keywords),
			&p.ScheduledFor, &status, &artifactID, &lastError, &claimedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan planned article: %w", err)
		}
		p.Status = models.PlannedArticleStatus(status)
		p.SiteID = nullString(siteID)
		p.ArtifactID = nullString(artifactID)
		p.LastError = nullString(lastError)
		p.ClaimedBy = nullString(claimedBy)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate planned articles: %w", err)
	}
	return out, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
