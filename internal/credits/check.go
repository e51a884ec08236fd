package credits

import (
	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/models"
)

// Check admits a request when the account is unlimited or holds at least cost
// credits across both buckets. It never mutates anything.
func Check(b models.Balance, cost int64) error {
	if b.IsUnlimited {
		return nil
	}
	if avail := b.Available(); avail < cost {
		return apperr.InsufficientBalance(cost, avail)
	}
	return nil
}

// ApplyDebit returns b after charging cost, draining subscription credits
// before top-up credits. Unlimited balances are returned unchanged.
func ApplyDebit(b models.Balance, cost int64) (models.Balance, error) {
	if cost < 0 {
		return b, apperr.Validationf("negative cost %d", cost)
	}
	if err := Check(b, cost); err != nil {
		return b, err
	}
	if b.IsUnlimited {
		return b, nil
	}
	fromSub := cost
	if fromSub > b.SubscriptionCredits {
		fromSub = b.SubscriptionCredits
	}
	b.SubscriptionCredits -= fromSub
	b.TopUpCredits -= cost - fromSub
	return b, nil
}

// DebitAmount is the signed ledger amount recorded for a debit of cost.
func DebitAmount(b models.Balance, cost int64) int64 {
	if b.IsUnlimited {
		return 0
	}
	return -cost
}
