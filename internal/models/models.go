package models

import (
	"encoding/json"
	"time"
)

const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// Identity is the authenticated caller resolved from a session.
type Identity struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

type Account struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email"`
	Name                string    `json:"name"`
	PasswordHash        string    `json:"-"`
	Role                string    `json:"role"`
	SubscriptionCredits int64     `json:"subscriptionCredits"`
	TopUpCredits        int64     `json:"topUpCredits"`
	IsUnlimited         bool      `json:"isUnlimited"`
	StripeCustomerID    *string   `json:"stripeCustomerId,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

func (a Account) Identity() Identity {
	return Identity{AccountID: a.ID, Email: a.Email, Role: a.Role}
}

// Balance is the credit snapshot used for entitlement checks.
type Balance struct {
	SubscriptionCredits int64 `json:"subscriptionCredits"`
	TopUpCredits        int64 `json:"topUpCredits"`
	IsUnlimited         bool  `json:"isUnlimited"`
}

func (b Balance) Available() int64 { return b.SubscriptionCredits + b.TopUpCredits }

type TransactionType string

const (
	TxBonus        TransactionType = "bonus"
	TxDebit        TransactionType = "debit"
	TxPurchase     TransactionType = "purchase"
	TxSubscription TransactionType = "subscription"
	TxGrant        TransactionType = "grant"
)

type CreditTransaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"accountId"`
	Amount       int64           `json:"amount"`
	Type         TransactionType `json:"type"`
	Description  string          `json:"description"`
	ArtifactID   *string         `json:"artifactId,omitempty"`
	Reference    *string         `json:"reference,omitempty"`
	BalanceAfter int64           `json:"balanceAfter"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type ArtifactKind string

const (
	KindOutline        ArtifactKind = "outline"
	KindBlogPost       ArtifactKind = "blog_post"
	KindSocialPost     ArtifactKind = "social_post"
	KindImage          ArtifactKind = "image"
	KindVideo          ArtifactKind = "video"
	KindProductRewrite ArtifactKind = "product_rewrite"
	KindContentPlan    ArtifactKind = "content_plan"
)

// Publishable reports whether artifacts of this kind move past completed.
func (k ArtifactKind) Publishable() bool {
	return k == KindBlogPost || k == KindSocialPost
}

type ArtifactStatus string

const (
	StatusPending    ArtifactStatus = "pending"
	StatusGenerating ArtifactStatus = "generating"
	StatusCompleted  ArtifactStatus = "completed"
	StatusPublishing ArtifactStatus = "publishing"
	StatusPublished  ArtifactStatus = "published"
	StatusFailed     ArtifactStatus = "failed"
)

var transitions = map[ArtifactStatus][]ArtifactStatus{
	StatusPending:    {StatusGenerating, StatusCompleted, StatusFailed},
	StatusGenerating: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusPublishing},
	StatusPublishing: {StatusPublished, StatusFailed},
}

// CanTransition reports whether the status machine allows from -> to.
func CanTransition(from, to ArtifactStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable statuses are those where generation has not finished.
func (s ArtifactStatus) Cancellable() bool {
	return s == StatusPending || s == StatusGenerating
}

// Terminal reports whether nothing can follow s for an artifact of kind k.
func (s ArtifactStatus) Terminal(k ArtifactKind) bool {
	switch s {
	case StatusPublished, StatusFailed:
		return true
	case StatusCompleted:
		return !k.Publishable()
	default:
		return false
	}
}

type Artifact struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"accountId"`
	Kind          ArtifactKind    `json:"kind"`
	Category      string          `json:"category,omitempty"`
	Title         string          `json:"title,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Model         string          `json:"model,omitempty"`
	Content       string          `json:"content,omitempty"`
	MediaURL      string          `json:"mediaUrl,omitempty"`
	ProviderJobID string          `json:"providerJobId,omitempty"`
	PublishedURL  string          `json:"publishedUrl,omitempty"`
	Status        ArtifactStatus  `json:"status"`
	Error         string          `json:"error,omitempty"`
	Cost          int64           `json:"cost"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// Completion carries the generated output persisted together with the debit.
type Completion struct {
	ArtifactID  string
	AccountID   string
	Content     string
	MediaURL    string
	Model       string
	Cost        int64
	Description string
}

type PlannedArticleStatus string

const (
	PlannedStatusPlanned    PlannedArticleStatus = "planned"
	PlannedStatusQueued     PlannedArticleStatus = "queued"
	PlannedStatusGenerating PlannedArticleStatus = "generating"
	PlannedStatusPublished  PlannedArticleStatus = "published"
	PlannedStatusFailed     PlannedArticleStatus = "failed"
)

type PlannedArticle struct {
	ID            string               `json:"id"`
	AccountID     string               `json:"accountId"`
	ContentPlanID string               `json:"contentPlanId"`
	SiteID        *string              `json:"siteId,omitempty"`
	Title         string               `json:"title"`
	Keywords      []string             `json:"keywords"`
	ScheduledFor  time.Time            `json:"scheduledFor"`
	Status        PlannedArticleStatus `json:"status"`
	ArtifactID    *string              `json:"artifactId,omitempty"`
	LastError     *string              `json:"lastError,omitempty"`
	ClaimedBy     *string              `json:"-"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

type WordPressSite struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Name        string    `json:"name"`
	BaseURL     string    `json:"baseUrl"`
	Username    string    `json:"username"`
	AppPassword string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}
