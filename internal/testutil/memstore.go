// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/store"
	"github.com/google/uuid"
)

// MemStore mirrors the SQL store's semantics under a single mutex. The debit
// in CompleteAndDebit is conditional, exactly like the SQL version.
type MemStore struct {
	mu           sync.Mutex
	now          func() time.Time
	accounts     map[string]*models.Account
	artifacts    map[string]*models.Artifact
	transactions []models.CreditTransaction
	planned      map[string]*models.PlannedArticle
	sites        map[string]*models.WordPressSite
}

func NewMemStore() *MemStore {
	return &MemStore{
		now:       func() time.Time { return time.Now().UTC() },
		accounts:  map[string]*models.Account{},
		artifacts: map[string]*models.Artifact{},
		planned:   map[string]*models.PlannedArticle{},
		sites:     map[string]*models.WordPressSite{},
	}
}

// AddAccount seeds an account directly, bypassing the welcome grant.
func (m *MemStore) AddAccount(a models.Account) models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Role == "" {
		a.Role = models.RoleClient
	}
	a.CreatedAt = m.now()
	m.accounts[a.ID] = &a
	return a
}

func (m *MemStore) CreateAccount(_ context.Context, a *models.Account, welcome int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	for _, existing := range m.accounts {
		if existing.Email == a.Email {
			return apperr.Validation("email already registered")
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Role == "" {
		a.Role = models.RoleClient
	}
	a.CreatedAt = m.now()
	a.SubscriptionCredits = welcome
	cp := *a
	m.accounts[a.ID] = &cp
	if welcome > 0 {
		m.appendTx(a.ID, welcome, models.TxBonus, "Welcome bonus", "", "", cp.SubscriptionCredits+cp.TopUpCredits)
	}
	return nil
}

func (m *MemStore) GetAccount(_ context.Context, id string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return models.Account{}, apperr.NotFound("account")
	}
	return *a, nil
}

func (m *MemStore) GetAccountByEmail(_ context.Context, email string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range m.accounts {
		if a.Email == email {
			return *a, nil
		}
	}
	return models.Account{}, apperr.NotFound("account")
}

func (m *MemStore) GetAccountByStripeCustomer(_ context.Context, customerID string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.StripeCustomerID != nil && *a.StripeCustomerID == customerID {
			return *a, nil
		}
	}
	return models.Account{}, apperr.NotFound("account")
}

func (m *MemStore) SetStripeCustomer(_ context.Context, accountID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return apperr.NotFound("account")
	}
	a.StripeCustomerID = &customerID
	return nil
}

// DeleteAccount cascades like the foreign keys in the schema.
func (m *MemStore) DeleteAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return apperr.NotFound("account")
	}
	delete(m.accounts, id)
	for k, a := range m.artifacts {
		if a.AccountID == id {
			delete(m.artifacts, k)
		}
	}
	for k, p := range m.planned {
		if p.AccountID == id {
			delete(m.planned, k)
		}
	}
	for k, s := range m.sites {
		if s.AccountID == id {
			delete(m.sites, k)
		}
	}
	kept := m.transactions[:0]
	for _, t := range m.transactions {
		if t.AccountID != id {
			kept = append(kept, t)
		}
	}
	m.transactions = kept
	return nil
}

func (m *MemStore) GetBalance(_ context.Context, accountID string) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return models.Balance{}, apperr.NotFound("account")
	}
	return balanceOf(a), nil
}

// Balance lets MemStore stand in for the credits ledger.
func (m *MemStore) Balance(ctx context.Context, accountID string) (models.Balance, error) {
	return m.GetBalance(ctx, accountID)
}

func (m *MemStore) Grant(_ context.Context, g credits.Grant) (models.Balance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[g.AccountID]
	if !ok {
		return models.Balance{}, false, apperr.NotFound("account")
	}
	if g.Amount <= 0 {
		return models.Balance{}, false, apperr.Validation("amount must be positive")
	}
	if m.hasReference(g.AccountID, g.Reference) {
		return balanceOf(a), false, nil
	}
	if g.Bucket == credits.BucketTopUp {
		a.TopUpCredits += g.Amount
	} else {
		a.SubscriptionCredits += g.Amount
	}
	b := balanceOf(a)
	m.appendTx(a.ID, g.Amount, g.Type, g.Description, "", g.Reference, b.Available())
	return b, true, nil
}

func (m *MemStore) ResetSubscription(_ context.Context, accountID string, allotment int64, reference string) (models.Balance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return models.Balance{}, false, apperr.NotFound("account")
	}
	if m.hasReference(accountID, reference) {
		return balanceOf(a), false, nil
	}
	prev := a.SubscriptionCredits
	a.SubscriptionCredits = allotment
	b := balanceOf(a)
	m.appendTx(accountID, allotment-prev, models.TxSubscription, "Subscription renewal", "", reference, b.Available())
	return b, true, nil
}

func (m *MemStore) SetUnlimited(_ context.Context, accountID string, unlimited bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return apperr.NotFound("account")
	}
	a.IsUnlimited = unlimited
	return nil
}

func (m *MemStore) Transactions(_ context.Context, accountID string, limit int) ([]models.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]models.CreditTransaction, 0)
	for i := len(m.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if m.transactions[i].AccountID == accountID {
			out = append(out, m.transactions[i])
		}
	}
	return out, nil
}

func (m *MemStore) CreateArtifact(_ context.Context, a *models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.StatusPending
	}
	if len(a.Params) == 0 {
		a.Params = []byte("{}")
	}
	a.CreatedAt = m.now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *MemStore) GetArtifact(_ context.Context, id string) (models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return models.Artifact{}, apperr.NotFound("artifact")
	}
	return *a, nil
}

func (m *MemStore) ListArtifacts(_ context.Context, accountID string, kind models.ArtifactKind, limit int) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]models.Artifact, 0)
	for _, a := range m.artifacts {
		if a.AccountID != accountID || (kind != "" && a.Kind != kind) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) TransitionArtifact(_ context.Context, id string, from []models.ArtifactStatus, to models.ArtifactStatus, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if a.Status == s {
			a.Status = to
			a.Error = errMsg
			a.UpdatedAt = m.now()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) CancelArtifact(ctx context.Context, id string) (bool, error) {
	return m.TransitionArtifact(ctx, id, []models.ArtifactStatus{models.StatusPending, models.StatusGenerating}, models.StatusFailed, "cancelled")
}

func (m *MemStore) MarkArtifactFailed(ctx context.Context, id, reason string) error {
	_, err := m.TransitionArtifact(ctx, id, []models.ArtifactStatus{models.StatusPending, models.StatusGenerating, models.StatusPublishing}, models.StatusFailed, reason)
	return err
}

func (m *MemStore) AttachProviderJob(_ context.Context, id, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok || a.Status != models.StatusPending {
		return false, nil
	}
	a.ProviderJobID = jobID
	a.Status = models.StatusGenerating
	a.UpdatedAt = m.now()
	return true, nil
}

// CompleteAndDebit applies the artifact update and the conditional debit
// atomically, returning store.ErrNotInProgress for cancelled artifacts.
func (m *MemStore) CompleteAndDebit(_ context.Context, c models.Completion) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.artifacts[c.ArtifactID]
	if !ok || (art.Status != models.StatusPending && art.Status != models.StatusGenerating) {
		return models.Balance{}, store.ErrNotInProgress
	}
	acct, ok := m.accounts[c.AccountID]
	if !ok {
		return models.Balance{}, apperr.NotFound("account")
	}
	before := balanceOf(acct)
	after, err := credits.ApplyDebit(before, c.Cost)
	if err != nil {
		return models.Balance{}, err
	}
	acct.SubscriptionCredits = after.SubscriptionCredits
	acct.TopUpCredits = after.TopUpCredits

	now := m.now()
	art.Status = models.StatusCompleted
	art.Content = c.Content
	art.MediaURL = c.MediaURL
	art.Model = c.Model
	art.Cost = c.Cost
	art.Error = ""
	art.CompletedAt = &now
	art.UpdatedAt = now

	m.appendTx(acct.ID, credits.DebitAmount(before, c.Cost), models.TxDebit, c.Description, art.ID, "", after.Available())
	return after, nil
}

func (m *MemStore) MarkPublished(_ context.Context, id, publishedURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok || a.Status != models.StatusPublishing {
		return false, nil
	}
	a.Status = models.StatusPublished
	a.PublishedURL = publishedURL
	a.Error = ""
	a.UpdatedAt = m.now()
	return true, nil
}

func (m *MemStore) SetArtifactMedia(_ context.Context, id, mediaURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.artifacts[id]; ok {
		a.MediaURL = mediaURL
	}
	return nil
}

func (m *MemStore) ListInFlightVideos(_ context.Context, limit int) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Artifact, 0)
	for _, a := range m.artifacts {
		if a.Kind == models.KindVideo && a.Status == models.StatusGenerating && a.ProviderJobID != "" {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) FailStaleGenerations(_ context.Context, cutoff time.Time, reason string) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Artifact, 0)
	for _, a := range m.artifacts {
		if (a.Status == models.StatusPending || a.Status == models.StatusGenerating) &&
			a.UpdatedAt.Before(cutoff) && a.ProviderJobID == "" {
			a.Status = models.StatusFailed
			a.Error = reason
			a.UpdatedAt = m.now()
			out = append(out, *a)
		}
	}
	return out, nil
}

// Age moves an artifact's timestamps into the past.
func (m *MemStore) Age(id string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.artifacts[id]; ok {
		a.CreatedAt = a.CreatedAt.Add(-d)
		a.UpdatedAt = a.UpdatedAt.Add(-d)
	}
}

func (m *MemStore) CreatePlannedArticles(_ context.Context, articles []models.PlannedArticle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range articles {
		p := articles[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Status == "" {
			p.Status = models.PlannedStatusPlanned
		}
		p.CreatedAt = m.now()
		p.UpdatedAt = p.CreatedAt
		articles[i] = p
		m.planned[p.ID] = &p
	}
	return nil
}

func (m *MemStore) ListPlannedArticles(_ context.Context, accountID string, limit int) ([]models.PlannedArticle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PlannedArticle, 0)
	for _, p := range m.planned {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) DuePlannedArticles(_ context.Context, limit int) ([]models.PlannedArticle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]models.PlannedArticle, 0)
	for _, p := range m.planned {
		if p.Status == models.PlannedStatusPlanned && p.ClaimedBy == nil && !p.ScheduledFor.After(now) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ClaimPlannedArticle(_ context.Context, id, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.planned[id]
	if !ok || p.ClaimedBy != nil || p.Status != models.PlannedStatusPlanned {
		return false, nil
	}
	p.ClaimedBy = &jobID
	p.Status = models.PlannedStatusQueued
	p.UpdatedAt = m.now()
	return true, nil
}

func (m *MemStore) UpdatePlannedArticle(_ context.Context, id, jobID string, status models.PlannedArticleStatus, artifactID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.planned[id]
	if !ok || p.ClaimedBy == nil || *p.ClaimedBy != jobID {
		return nil
	}
	p.Status = status
	if artifactID != "" {
		p.ArtifactID = &artifactID
	}
	if lastError != "" {
		p.LastError = &lastError
	} else {
		p.LastError = nil
	}
	p.UpdatedAt = m.now()
	return nil
}

func (m *MemStore) FailStalePlannedArticles(_ context.Context, cutoff time.Time, reason string) ([]models.PlannedArticle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PlannedArticle, 0)
	for _, p := range m.planned {
		if (p.Status == models.PlannedStatusQueued || p.Status == models.PlannedStatusGenerating) && p.UpdatedAt.Before(cutoff) {
			p.Status = models.PlannedStatusFailed
			r := reason
			p.LastError = &r
			p.UpdatedAt = m.now()
			out = append(out, *p)
		}
	}
	return out, nil
}

// AgePlanned moves a planned article's updated_at into the past.
func (m *MemStore) AgePlanned(id string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.planned[id]; ok {
		p.UpdatedAt = p.UpdatedAt.Add(-d)
	}
}

func (m *MemStore) CreateWordPressSite(_ context.Context, site *models.WordPressSite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	site.CreatedAt = m.now()
	cp := *site
	m.sites[site.ID] = &cp
	return nil
}

func (m *MemStore) GetWordPressSite(_ context.Context, id string) (models.WordPressSite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[id]
	if !ok {
		return models.WordPressSite{}, apperr.NotFound("wordpress site")
	}
	return *s, nil
}

func (m *MemStore) ListWordPressSites(_ context.Context, accountID string) ([]models.WordPressSite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WordPressSite, 0)
	for _, s := range m.sites {
		if s.AccountID == accountID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) DeleteWordPressSite(_ context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[id]
	if !ok || s.AccountID != accountID {
		return apperr.NotFound("wordpress site")
	}
	delete(m.sites, id)
	return nil
}

func (m *MemStore) hasReference(accountID, reference string) bool {
	if reference == "" {
		return false
	}
	for _, t := range m.transactions {
		if t.AccountID == accountID && t.Reference != nil && *t.Reference == reference {
			return true
		}
	}
	return false
}

func (m *MemStore) appendTx(accountID string, amount int64, typ models.TransactionType, desc, artifactID, reference string, balanceAfter int64) {
	t := models.CreditTransaction{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Amount:       amount,
		Type:         typ,
		Description:  desc,
		BalanceAfter: balanceAfter,
		CreatedAt:    m.now(),
	}
	if artifactID != "" {
		t.ArtifactID = &artifactID
	}
	if reference != "" {
		t.Reference = &reference
	}
	m.transactions = append(m.transactions, t)
}

func balanceOf(a *models.Account) models.Balance {
	return models.Balance{
		SubscriptionCredits: a.SubscriptionCredits,
		TopUpCredits:        a.TopUpCredits,
		IsUnlimited:         a.IsUnlimited,
	}
}
