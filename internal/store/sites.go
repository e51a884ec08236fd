package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/google/uuid"
)

func (s *Store) CreateWordPressSite(ctx context.Context, site *models.WordPressSite) error {
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	site.BaseURL = strings.TrimRight(strings.TrimSpace(site.BaseURL), "/")
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO wordpress_sites (id, account_id, name, base_url, username, app_password, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, site.ID, site.AccountID, site.Name, site.BaseURL, site.Username, site.AppPassword).Scan(&site.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert wordpress site: %w", err)
	}
	return nil
}

func (s *Store) GetWordPressSite(ctx context.Context, id string) (models.WordPressSite, error) {
	var site models.WordPressSite
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, base_url, username, app_password, created_at
		  FROM wordpress_sites
		 WHERE id = $1
	`, id).Scan(&site.ID, &site.AccountID, &site.Name, &site.BaseURL, &site.Username, &site.AppPassword, &site.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WordPressSite{}, apperr.NotFound("wordpress site")
	}
	if err != nil {
		return models.WordPressSite{}, fmt.Errorf("store: get wordpress site: %w", err)
	}
	return site, nil
}

func (s *Store) ListWordPressSites(ctx context.Context, accountID string) ([]models.WordPressSite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, name, base_url, username, app_password, created_at
		  FROM wordpress_sites
		 WHERE account_id = $1
		 ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("store: list wordpress sites: %w", err)
	}
	defer rows.Close()

	out := make([]models.WordPressSite, 0)
	for rows.Next() {
		var site models.WordPressSite
		if err := rows.Scan(&site.ID, &site.AccountID, &site.Name, &site.BaseURL, &site.Username, &site.AppPassword, &site.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan wordpress site: %w", err)
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWordPressSite(ctx context.Context, accountID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wordpress_sites WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return fmt.Errorf("store: delete wordpress site: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("wordpress site")
	}
	return nil
}
