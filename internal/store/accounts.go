package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const accountColumns = `id, email, name, password_hash, role, subscription_credits, top_up_credits, is_unlimited, stripe_customer_id, created_at`

// CreateAccount inserts a and grants the welcome bonus in the same transaction.
func (s *Store) CreateAccount(ctx context.Context, a *models.Account, welcome int64) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Role == "" {
		a.Role = models.RoleClient
	}
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO accounts (id, email, name, password_hash, role, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			RETURNING created_at
		`, a.ID, a.Email, a.Name, a.PasswordHash, a.Role).Scan(&a.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return apperr.Validation("email already registered")
			}
			return fmt.Errorf("store: insert account: %w", err)
		}
		if welcome <= 0 {
			return nil
		}
		b, _, err := credits.AddCredits(ctx, tx, credits.Grant{
			AccountID:   a.ID,
			Amount:      welcome,
			Bucket:      credits.BucketSubscription,
			Type:        models.TxBonus,
			Description: "Welcome bonus",
		})
		if err != nil {
			return err
		}
		a.SubscriptionCredits, a.TopUpCredits = b.SubscriptionCredits, b.TopUpCredits
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"account_id": a.ID, "welcome_credits": welcome}).Info("account created")
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (models.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) GetAccountByStripeCustomer(ctx context.Context, customerID string) (models.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE stripe_customer_id = $1`, customerID))
}

func (s *Store) SetStripeCustomer(ctx context.Context, accountID, customerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1
	`, accountID, customerID)
	if err != nil {
		return fmt.Errorf("store: set stripe customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("account")
	}
	return nil
}

// DeleteAccount removes an account; artifacts, transactions, planned articles
// and sites follow through ON DELETE CASCADE.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("account")
	}
	s.logger.WithField("account_id", id).Info("account deleted")
	return nil
}

func (s *Store) GetBalance(ctx context.Context, accountID string) (models.Balance, error) {
	return credits.GetBalance(ctx, s.db, accountID)
}

func (s *Store) scanAccount(row *sql.Row) (models.Account, error) {
	var (
		a        models.Account
		customer sql.NullString
		created  time.Time
	)
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.Role,
		&a.SubscriptionCredits, &a.TopUpCredits, &a.IsUnlimited, &customer, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, apperr.NotFound("account")
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("store: scan account: %w", err)
	}
	if customer.Valid {
		a.StripeCustomerID = &customer.String
	}
	a.CreatedAt = created
	return a, nil
}
