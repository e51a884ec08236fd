package handlers

import (
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/auth"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/sirupsen/logrus"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Signup creates a client account with the welcome grant and starts a session.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		h.writeError(w, r, apperr.Validation("a valid email is required"))
		return
	}
	if len(req.Password) < auth.MinPasswordLength {
		h.writeError(w, r, apperr.Validationf("password must be at least %d characters", auth.MinPasswordLength))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}
	acct := models.Account{
		Email:        email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
		Role:         models.RoleClient,
	}
	if err := h.accounts.CreateAccount(r.Context(), &acct, h.cfg.WelcomeCredits); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.startSession(w, r, http.StatusCreated, acct)
}

// Login verifies a password and issues a session token (cookie and body).
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	acct, err := h.accounts.GetAccountByEmail(r.Context(), req.Email)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		h.writeError(w, r, err)
		return
	}
	if err != nil || acct.PasswordHash == "" || !auth.CheckPassword(req.Password, acct.PasswordHash) {
		h.writeError(w, r, apperr.Authentication("invalid email or password"))
		return
	}
	h.startSession(w, r, http.StatusOK, acct)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, auth.SessionCookieFor("", time.Unix(0, 0), h.secureCookies()))
	writeSuccess(w, http.StatusOK, nil)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, status int, acct models.Account) {
	token, exp, err := h.sessions.Issue(acct.Identity())
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}
	http.SetCookie(w, auth.SessionCookieFor(token, exp, h.secureCookies()))
	writeSuccess(w, status, map[string]any{
		"account":   acct,
		"token":     token,
		"expiresAt": exp.UTC().Format(time.RFC3339),
	})
}

// Me returns the caller's account.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	acct, err := h.accounts.GetAccount(r.Context(), id.AccountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"account": acct})
}

// DeleteAccount removes the caller's account and everything it owns.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.accounts.DeleteAccount(r.Context(), id.AccountID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.WithField("account_id", id.AccountID).Info("account deleted")
	http.SetCookie(w, auth.SessionCookieFor("", time.Unix(0, 0), h.secureCookies()))
	writeSuccess(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bal, err := h.ledger.Balance(r.Context(), id.AccountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"balance":   bal,
		"available": bal.Available(),
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	txs, err := h.ledger.Transactions(r.Context(), id.AccountID, queryLimit(r, 50, 500))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"transactions": txs})
}

type grantRequest struct {
	Amount      int64  `json:"amount"`
	Bucket      string `json:"bucket"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

// AdminGrantCredits adds credits to any account. Admin only.
func (h *Handler) AdminGrantCredits(w http.ResponseWriter, r *http.Request) {
	admin, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Amount <= 0 {
		h.writeError(w, r, apperr.Validation("amount must be positive"))
		return
	}
	bucket := credits.BucketTopUp
	switch req.Bucket {
	case "", string(credits.BucketTopUp):
	case string(credits.BucketSubscription):
		bucket = credits.BucketSubscription
	default:
		h.writeError(w, r, apperr.Validationf("unknown bucket %q", req.Bucket))
		return
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = "Granted by administrator"
	}
	accountID := pathVar(r, "id")
	bal, applied, err := h.ledger.Grant(r.Context(), credits.Grant{
		AccountID:   accountID,
		Amount:      req.Amount,
		Bucket:      bucket,
		Type:        models.TxGrant,
		Description: desc,
		Reference:   strings.TrimSpace(req.Reference),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.WithFields(logrus.Fields{
		"admin_id":   admin.AccountID,
		"account_id": accountID,
		"amount":     req.Amount,
		"applied":    applied,
	}).Info("admin credit grant")
	writeSuccess(w, http.StatusOK, map[string]any{"balance": bal, "applied": applied})
}

// AdminSetUnlimited toggles the unlimited flag on an account. Admin only.
func (h *Handler) AdminSetUnlimited(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Unlimited *bool `json:"unlimited"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Unlimited == nil {
		h.writeError(w, r, apperr.Validation("unlimited is required"))
		return
	}
	accountID := pathVar(r, "id")
	if err := h.ledger.SetUnlimited(r.Context(), accountID, *req.Unlimited); err != nil {
		h.writeError(w, r, err)
		return
	}
	bal, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"balance": bal})
}
