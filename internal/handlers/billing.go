package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const maxWebhookBytes = int64(65536)

// CreateCheckout starts a Stripe Checkout session for a top-up package.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.checkout == nil {
		h.writeError(w, r, apperr.Unavailable("stripe"))
		return
	}
	var req struct {
		Package string `json:"package"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Package)
	pkg, ok := h.cfg.TopUpPackages[name]
	if !ok {
		h.writeError(w, r, apperr.Validationf("unknown package %q", req.Package))
		return
	}
	acct, err := h.accounts.GetAccount(r.Context(), id.AccountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(pkg.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(h.cfg.PublicOrigin + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(h.cfg.PublicOrigin + "/billing/cancelled"),
		ClientReferenceID: stripe.String(acct.ID),
	}
	if acct.StripeCustomerID != nil && *acct.StripeCustomerID != "" {
		params.Customer = stripe.String(*acct.StripeCustomerID)
	} else {
		params.CustomerEmail = stripe.String(acct.Email)
	}
	params.AddMetadata("account_id", acct.ID)
	params.AddMetadata("package", name)
	params.AddMetadata("credits", strconv.FormatInt(pkg.Credits, 10))

	sess, err := h.checkout.New(params)
	if err != nil {
		h.writeError(w, r, &apperr.Error{Kind: apperr.KindInternal, Message: "could not start checkout", Err: err})
		return
	}
	h.logger.WithFields(logrus.Fields{"account_id": acct.ID, "package": name, "session_id": sess.ID}).Info("checkout session created")
	writeSuccess(w, http.StatusOK, map[string]any{"sessionId": sess.ID, "url": sess.URL})
}

// StripeWebhook verifies and applies Stripe events. Crediting is idempotent
// on the Stripe object id, so redelivered events are harmless.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	secret := h.cfg.StripeWebhookSecret
	if secret == "" {
		h.writeError(w, r, apperr.Unavailable("stripe webhook"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WithError(err).Warn("stripe webhook: read failed")
		h.writeError(w, r, apperr.Validation("failed to read request body"))
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		h.writeError(w, r, apperr.Validation("missing signature"))
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, sig, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.WithError(err).Warn("stripe webhook: signature verification failed")
		h.writeError(w, r, apperr.Validation("invalid signature"))
		return
	}

	if err := h.processStripeEvent(r.Context(), event); err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// processStripeEvent returns an error only for failures Stripe should retry.
func (h *Handler) processStripeEvent(ctx context.Context, event stripe.Event) error {
	log := h.logger.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})
	switch event.Type {
	case "checkout.session.completed":
		return h.handleCheckoutCompleted(ctx, event, log)
	case "invoice.paid":
		return h.handleInvoicePaid(ctx, event, log)
	default:
		log.Debug("stripe webhook: event ignored")
		return nil
	}
}

func (h *Handler) handleCheckoutCompleted(ctx context.Context, event stripe.Event, log *logrus.Entry) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		log.WithError(err).Warn("stripe webhook: bad checkout session payload")
		return nil
	}
	log = log.WithField("session_id", sess.ID)
	if sess.Mode != stripe.CheckoutSessionModePayment {
		log.Debug("stripe webhook: non-payment checkout ignored")
		return nil
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		log.WithField("payment_status", sess.PaymentStatus).Info("stripe webhook: checkout not paid yet")
		return nil
	}

	accountID := sess.Metadata["account_id"]
	if accountID == "" {
		accountID = sess.ClientReferenceID
	}
	name := sess.Metadata["package"]
	amount := h.cfg.TopUpPackages[name].Credits
	if amount == 0 {
		amount, _ = strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	}
	if accountID == "" || amount <= 0 {
		log.WithFields(logrus.Fields{"account_id": accountID, "package": name}).Warn("stripe webhook: checkout without account or package")
		return nil
	}

	if sess.Customer != nil && sess.Customer.ID != "" {
		if err := h.accounts.SetStripeCustomer(ctx, accountID, sess.Customer.ID); err != nil {
			log.WithError(err).Warn("stripe webhook: could not link customer")
		}
	}
	bal, applied, err := h.ledger.Grant(ctx, credits.Grant{
		AccountID:   accountID,
		Amount:      amount,
		Bucket:      credits.BucketTopUp,
		Type:        models.TxPurchase,
		Description: fmt.Sprintf("Top-up %s (%d credits)", name, amount),
		Reference:   sess.ID,
	})
	if apperr.IsKind(err, apperr.KindNotFound) {
		log.WithField("account_id", accountID).Warn("stripe webhook: account not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("grant top-up: %w", err)
	}
	log.WithFields(logrus.Fields{
		"account_id": accountID,
		"amount":     amount,
		"applied":    applied,
		"available":  bal.Available(),
	}).Info("stripe webhook: top-up credited")
	return nil
}

func (h *Handler) handleInvoicePaid(ctx context.Context, event stripe.Event, log *logrus.Entry) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		log.WithError(err).Warn("stripe webhook: bad invoice payload")
		return nil
	}
	log = log.WithField("invoice_id", inv.ID)
	if inv.Customer == nil || inv.Customer.ID == "" {
		log.Warn("stripe webhook: invoice without customer")
		return nil
	}
	allotment, ok := h.planAllotment(inv)
	if !ok {
		log.Debug("stripe webhook: invoice has no subscription plan price")
		return nil
	}
	acct, err := h.accounts.GetAccountByStripeCustomer(ctx, inv.Customer.ID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		log.WithField("customer_id", inv.Customer.ID).Warn("stripe webhook: no account for customer")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup customer: %w", err)
	}
	bal, applied, err := h.ledger.ResetSubscription(ctx, acct.ID, allotment, inv.ID)
	if err != nil {
		return fmt.Errorf("reset subscription: %w", err)
	}
	log.WithFields(logrus.Fields{
		"account_id": acct.ID,
		"allotment":  allotment,
		"applied":    applied,
		"available":  bal.Available(),
	}).Info("stripe webhook: subscription credits renewed")
	return nil
}

func (h *Handler) planAllotment(inv stripe.Invoice) (int64, bool) {
	if inv.Lines == nil {
		return 0, false
	}
	for _, line := range inv.Lines.Data {
		if line == nil || line.Price == nil {
			continue
		}
		if n, ok := h.cfg.PlanCredits[line.Price.ID]; ok {
			return n, true
		}
	}
	return 0, false
}
