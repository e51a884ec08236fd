package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PortNumber53/writgo/internal/config"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/stripe/stripe-go/v79"
)

const testWebhookSecret = "whsec_test"

type fakeCheckout struct {
	params *stripe.CheckoutSessionParams
}

func (f *fakeCheckout) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}, nil
}

func withBilling(checkout CheckoutSessions) func(*Options) {
	return func(o *Options) {
		o.Checkout = checkout
		o.Config.StripeWebhookSecret = testWebhookSecret
		o.Config.TopUpPackages = map[string]config.TopUpPackage{"small": {PriceID: "price_small", Credits: 100}}
		o.Config.PlanCredits = map[string]int64{"price_pro": 500}
	}
}

func signStripe(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func (hs *harness) webhook(t *testing.T, payload, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewBufferString(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rr := httptest.NewRecorder()
	hs.router.ServeHTTP(rr, req)
	return rr
}

func TestCreateCheckout(t *testing.T) {
	checkout := &fakeCheckout{}
	hs := newHarness(t, withBilling(checkout))
	acct, token := hs.account(t, models.Account{Email: "buyer@example.com"})

	if rr := hs.do(t, http.MethodPost, "/api/billing/checkout", token, `{"package":"huge"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown package: expected 400 got %d", rr.Code)
	}
	rr := hs.do(t, http.MethodPost, "/api/billing/checkout", token, `{"package":"small"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("checkout: %d %s", rr.Code, rr.Body.String())
	}
	if out := decode(t, rr); out["url"] != "https://checkout.stripe.com/c/cs_test_1" {
		t.Fatalf("unexpected body %#v", out)
	}
	p := checkout.params
	if p == nil || *p.LineItems[0].Price != "price_small" || p.Metadata["account_id"] != acct.ID || *p.CustomerEmail != "buyer@example.com" {
		t.Fatalf("unexpected params %+v", p)
	}
}

func TestCreateCheckout_Unconfigured(t *testing.T) {
	hs := newHarness(t)
	_, token := hs.account(t, models.Account{Email: "nobill@example.com"})
	if rr := hs.do(t, http.MethodPost, "/api/billing/checkout", token, `{"package":"small"}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
}

func TestStripeWebhook_CheckoutCreditsOnce(t *testing.T) {
	hs := newHarness(t, withBilling(&fakeCheckout{}))
	acct, _ := hs.account(t, models.Account{Email: "paid@example.com"})
	payload := fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_live_1",
			"object": "checkout.session",
			"mode": "payment",
			"payment_status": "paid",
			"customer": "cus_1",
			"client_reference_id": %q,
			"metadata": {"account_id": %q, "package": "small", "credits": "100"}
		}}
	}`, acct.ID, acct.ID)

	for i := 0; i < 2; i++ {
		rr := hs.webhook(t, payload, signStripe([]byte(payload), testWebhookSecret))
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: %d %s", i+1, rr.Code, rr.Body.String())
		}
	}
	bal, _ := hs.mem.GetBalance(context.Background(), acct.ID)
	if bal.TopUpCredits != 100 {
		t.Fatalf("expected one top-up of 100, got %d", bal.TopUpCredits)
	}
	stored, _ := hs.mem.GetAccount(context.Background(), acct.ID)
	if stored.StripeCustomerID == nil || *stored.StripeCustomerID != "cus_1" {
		t.Fatalf("customer not linked")
	}
	txs, _ := hs.mem.Transactions(context.Background(), acct.ID, 10)
	if len(txs) != 1 || txs[0].Type != models.TxPurchase {
		t.Fatalf("unexpected transactions %+v", txs)
	}
}

func TestStripeWebhook_InvoicePaidResetsSubscription(t *testing.T) {
	hs := newHarness(t, withBilling(&fakeCheckout{}))
	acct, _ := hs.account(t, models.Account{Email: "sub@example.com", SubscriptionCredits: 3, TopUpCredits: 7})
	if err := hs.mem.SetStripeCustomer(context.Background(), acct.ID, "cus_sub"); err != nil {
		t.Fatalf("link customer: %v", err)
	}
	payload := `{
		"id": "evt_2",
		"object": "event",
		"type": "invoice.paid",
		"data": {"object": {
			"id": "in_1",
			"object": "invoice",
			"customer": "cus_sub",
			"lines": {"object": "list", "data": [
				{"id": "il_1", "object": "line_item", "price": {"id": "price_pro", "object": "price"}}
			]}
		}}
	}`
	rr := hs.webhook(t, payload, signStripe([]byte(payload), testWebhookSecret))
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", rr.Code, rr.Body.String())
	}
	bal, _ := hs.mem.GetBalance(context.Background(), acct.ID)
	if bal.SubscriptionCredits != 500 || bal.TopUpCredits != 7 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	hs := newHarness(t, withBilling(&fakeCheckout{}))
	payload := `{"id":"evt_3","object":"event","type":"invoice.paid","data":{"object":{}}}`

	if rr := hs.webhook(t, payload, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing signature: expected 400 got %d", rr.Code)
	}
	if rr := hs.webhook(t, payload, signStripe([]byte(payload), "whsec_other")); rr.Code != http.StatusBadRequest {
		t.Fatalf("wrong secret: expected 400 got %d", rr.Code)
	}
}

func TestStripeWebhook_IgnoresUnknownEvents(t *testing.T) {
	hs := newHarness(t, withBilling(&fakeCheckout{}))
	payload := `{"id":"evt_4","object":"event","type":"customer.created","data":{"object":{"id":"cus_9","object":"customer"}}}`
	if rr := hs.webhook(t, payload, signStripe([]byte(payload), testWebhookSecret)); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestStripeWebhook_Unconfigured(t *testing.T) {
	hs := newHarness(t)
	if rr := hs.webhook(t, `{}`, "t=1,v1=00"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
}
