package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Bucket selects which credit counter a grant lands in.
type Bucket string

const (
	BucketSubscription Bucket = "subscription"
	BucketTopUp        Bucket = "top_up"
)

// Grant describes credits added to an account.
type Grant struct {
	AccountID   string
	Amount      int64
	Bucket      Bucket
	Type        models.TransactionType
	Description string
	// Reference makes the grant idempotent per account (e.g. a Stripe object id).
	Reference string
}

// DebitParams describes a charge recorded against an artifact.
type DebitParams struct {
	AccountID   string
	Cost        int64
	ArtifactID  string
	Description string
}

// GetBalance reads the credit counters of an account.
func GetBalance(ctx context.Context, q Querier, accountID string) (models.Balance, error) {
	var b models.Balance
	err := q.QueryRowContext(ctx, `
		SELECT subscription_credits, top_up_credits, is_unlimited
		  FROM accounts
		 WHERE id = $1
	`, accountID).Scan(&b.SubscriptionCredits, &b.TopUpCredits, &b.IsUnlimited)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Balance{}, apperr.NotFound("account")
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("credits: read balance: %w", err)
	}
	return b, nil
}

// Debit charges p.Cost with a single conditional UPDATE so concurrent debits can
// never take the counters below zero, then appends the debit transaction.
// Callers run it inside the transaction that completes the artifact.
func Debit(ctx context.Context, q Querier, p DebitParams) (models.Balance, error) {
	if p.Cost < 0 {
		return models.Balance{}, apperr.Validationf("negative cost %d", p.Cost)
	}
	var b models.Balance
	err := q.QueryRowContext(ctx, `
		UPDATE accounts
		   SET subscription_credits = CASE WHEN is_unlimited THEN subscription_credits
		                                   ELSE GREATEST(subscription_credits - $2, 0) END,
		       top_up_credits = CASE WHEN is_unlimited THEN top_up_credits
		                             ELSE top_up_credits - GREATEST($2 - subscription_credits, 0) END,
		       updated_at = NOW()
		 WHERE id = $1
		   AND (is_unlimited OR subscription_credits + top_up_credits >= $2)
		RETURNING subscription_credits, top_up_credits, is_unlimited
	`, p.AccountID, p.Cost).Scan(&b.SubscriptionCredits, &b.TopUpCredits, &b.IsUnlimited)
	if errors.Is(err, sql.ErrNoRows) {
		cur, berr := GetBalance(ctx, q, p.AccountID)
		if berr != nil {
			return models.Balance{}, berr
		}
		return models.Balance{}, apperr.InsufficientBalance(p.Cost, cur.Available())
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("credits: debit: %w", err)
	}

	var artifactID any
	if p.ArtifactID != "" {
		artifactID = p.ArtifactID
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, account_id, amount, type, description, artifact_id, balance_after, created_at)
		VALUES ($1, $2, $3, 'debit', $4, $5, $6, NOW())
	`, uuid.NewString(), p.AccountID, DebitAmount(b, p.Cost), p.Description, artifactID, b.Available()); err != nil {
		return models.Balance{}, fmt.Errorf("credits: record debit: %w", err)
	}
	return b, nil
}

// AddCredits applies g inside q and records the transaction. When g.Reference
// was already applied for the account it returns applied=false and changes nothing.
func AddCredits(ctx context.Context, q Querier, g Grant) (b models.Balance, applied bool, err error) {
	if g.Amount <= 0 {
		return models.Balance{}, false, apperr.Validation("amount must be positive")
	}
	var ref any
	if g.Reference != "" {
		ref = g.Reference
		var exists bool
		if err := q.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE account_id = $1 AND reference = $2)
		`, g.AccountID, g.Reference).Scan(&exists); err != nil {
			return models.Balance{}, false, fmt.Errorf("credits: reference lookup: %w", err)
		}
		if exists {
			b, err := GetBalance(ctx, q, g.AccountID)
			return b, false, err
		}
	}

	column := "top_up_credits"
	if g.Bucket == BucketSubscription {
		column = "subscription_credits"
	}
	err = q.QueryRowContext(ctx, `
		UPDATE accounts
		   SET `+column+` = `+column+` + $2,
		       updated_at = NOW()
		 WHERE id = $1
		RETURNING subscription_credits, top_up_credits, is_unlimited
	`, g.AccountID, g.Amount).Scan(&b.SubscriptionCredits, &b.TopUpCredits, &b.IsUnlimited)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Balance{}, false, apperr.NotFound("account")
	}
	if err != nil {
		return models.Balance{}, false, fmt.Errorf("credits: grant: %w", err)
	}

	if err := insertTransaction(ctx, q, g.AccountID, g.Amount, g.Type, g.Description, ref, b.Available()); err != nil {
		return models.Balance{}, false, err
	}
	return b, true, nil
}

func insertTransaction(ctx context.Context, q Querier, accountID string, amount int64, typ models.TransactionType, desc string, ref any, balanceAfter int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, account_id, amount, type, description, reference, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, uuid.NewString(), accountID, amount, string(typ), desc, ref, balanceAfter)
	if err != nil {
		return fmt.Errorf("credits: record %s: %w", typ, err)
	}
	return nil
}

// Ledger runs credit mutations that are not tied to an artifact in their own transactions.
type Ledger struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewLedger(db *sql.DB, logger *logrus.Logger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{db: db, logger: logger}
}

func (l *Ledger) Balance(ctx context.Context, accountID string) (models.Balance, error) {
	return GetBalance(ctx, l.db, accountID)
}

// Grant credits an account once per reference.
func (l *Ledger) Grant(ctx context.Context, g Grant) (models.Balance, bool, error) {
	var (
		b       models.Balance
		applied bool
	)
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		b, applied, err = AddCredits(ctx, tx, g)
		return err
	})
	if isUniqueViolation(err) {
		// A concurrent delivery of the same reference won the insert.
		bal, berr := l.Balance(ctx, g.AccountID)
		return bal, false, berr
	}
	if err != nil {
		return models.Balance{}, false, err
	}
	l.logger.WithFields(logrus.Fields{
		"account_id": g.AccountID,
		"amount":     g.Amount,
		"type":       g.Type,
		"reference":  g.Reference,
		"applied":    applied,
	}).Info("credits granted")
	return b, applied, nil
}

// ResetSubscription sets the subscription bucket to allotment for a renewal,
// recording the difference as a subscription transaction. Idempotent on reference.
func (l *Ledger) ResetSubscription(ctx context.Context, accountID string, allotment int64, reference string) (models.Balance, bool, error) {
	if allotment < 0 {
		return models.Balance{}, false, apperr.Validation("allotment must not be negative")
	}
	var (
		b       models.Balance
		applied bool
	)
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		if reference != "" {
			var exists bool
			if err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (SELECT 1 FROM credit_transactions WHERE account_id = $1 AND reference = $2)
			`, accountID, reference).Scan(&exists); err != nil {
				return fmt.Errorf("credits: reference lookup: %w", err)
			}
			if exists {
				var err error
				b, err = GetBalance(ctx, tx, accountID)
				return err
			}
		}

		var prev int64
		err := tx.QueryRowContext(ctx, `
			SELECT subscription_credits FROM accounts WHERE id = $1 FOR UPDATE
		`, accountID).Scan(&prev)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("account")
		}
		if err != nil {
			return fmt.Errorf("credits: lock account: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			UPDATE accounts
			   SET subscription_credits = $2,
			       updated_at = NOW()
			 WHERE id = $1
			RETURNING subscription_credits, top_up_credits, is_unlimited
		`, accountID, allotment).Scan(&b.SubscriptionCredits, &b.TopUpCredits, &b.IsUnlimited); err != nil {
			return fmt.Errorf("credits: reset subscription: %w", err)
		}

		var ref any
		if reference != "" {
			ref = reference
		}
		if err := insertTransaction(ctx, tx, accountID, allotment-prev, models.TxSubscription,
			fmt.Sprintf("Subscription renewal (%d credits)", allotment), ref, b.Available()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if isUniqueViolation(err) {
		bal, berr := l.Balance(ctx, accountID)
		return bal, false, berr
	}
	if err != nil {
		return models.Balance{}, false, err
	}
	return b, applied, nil
}

func (l *Ledger) SetUnlimited(ctx context.Context, accountID string, unlimited bool) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE accounts SET is_unlimited = $2, updated_at = NOW() WHERE id = $1
	`, accountID, unlimited)
	if err != nil {
		return fmt.Errorf("credits: set unlimited: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("account")
	}
	l.logger.WithFields(logrus.Fields{"account_id": accountID, "unlimited": unlimited}).Info("unlimited flag changed")
	return nil
}

// Transactions lists the newest transactions first.
func (l *Ledger) Transactions(ctx context.Context, accountID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, account_id, amount, type, COALESCE(description, ''), artifact_id, reference, balance_after, created_at
		  FROM credit_transactions
		 WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("credits: list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]models.CreditTransaction, 0)
	for rows.Next() {
		var (
			t          models.CreditTransaction
			typ        string
			artifactID sql.NullString
			reference  sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &typ, &t.Description, &artifactID, &reference, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("credits: scan transaction: %w", err)
		}
		t.Type = models.TransactionType(typ)
		if artifactID.Valid {
			t.ArtifactID = &artifactID.String
		}
		if reference.Valid {
			t.Reference = &reference.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *Ledger) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("credits: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("credits: commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}
