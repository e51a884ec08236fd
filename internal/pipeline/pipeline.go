// Package pipeline runs credit-gated generation requests:
// check entitlement, invoke a provider, then persist the artifact and debit
// the account in one transaction. It keeps no state between requests.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/generation"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/store"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the pipeline needs. *store.Store satisfies it.
type Store interface {
	GetBalance(ctx context.Context, accountID string) (models.Balance, error)
	CreateArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, id string) (models.Artifact, error)
	MarkArtifactFailed(ctx context.Context, id, reason string) error
	AttachProviderJob(ctx context.Context, id, jobID string) (bool, error)
	CompleteAndDebit(ctx context.Context, c models.Completion) (models.Balance, error)
}

type TextGenerator interface {
	Generate(ctx context.Context, c generation.Category, req generation.Request) (generation.Result, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, in generation.MediaInput) (generation.JobStatus, error)
}

type VideoSubmitter interface {
	Submit(ctx context.Context, in generation.MediaInput) (string, error)
}

// Notifier is told about every artifact state change.
type Notifier interface {
	ArtifactUpdated(a models.Artifact)
}

type Recorder interface {
	PipelineOutcome(kind, outcome string)
	CreditsDebited(kind string, amount int64)
}

type Options struct {
	Store    Store
	Text     TextGenerator
	Images   ImageGenerator
	Videos   VideoSubmitter
	Costs    credits.CostTable
	Notifier Notifier
	Recorder Recorder
	Logger   *logrus.Logger
}

type Pipeline struct {
	store    Store
	text     TextGenerator
	images   ImageGenerator
	videos   VideoSubmitter
	costs    credits.CostTable
	notifier Notifier
	recorder Recorder
	logger   *logrus.Logger
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		store:    opts.Store,
		text:     opts.Text,
		images:   opts.Images,
		videos:   opts.Videos,
		costs:    opts.Costs,
		notifier: opts.Notifier,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
	if p.costs == nil {
		p.costs = credits.DefaultCosts()
	}
	if p.logger == nil {
		p.logger = logrus.StandardLogger()
	}
	return p
}

// Job is one generation request from an authenticated account.
type Job struct {
	Identity    models.Identity
	Kind        models.ArtifactKind
	Operation   credits.Operation
	Category    generation.Category
	Title       string
	Params      any
	Request     generation.Request
	Media       generation.MediaInput
	Description string
}

// Outcome is what a caller gets back from a pipeline run.
type Outcome struct {
	Artifact models.Artifact
	Balance  models.Balance
	Charged  int64
}

func (p *Pipeline) Cost(op credits.Operation) (int64, error) {
	return p.costs.Cost(op)
}

// RunText generates text synchronously and debits only after the artifact is
// stored as completed.
func (p *Pipeline) RunText(ctx context.Context, job Job) (Outcome, error) {
	if p.text == nil {
		return Outcome{}, apperr.Unavailable("text generation")
	}
	a, _, err := p.admit(ctx, job, models.StatusGenerating)
	if err != nil {
		return Outcome{}, err
	}
	res, err := p.text.Generate(ctx, job.Category, job.Request)
	if err != nil {
		return Outcome{}, p.providerFailed(ctx, a, err)
	}
	p.logger.WithFields(logrus.Fields{
		"artifact_id": a.ID,
		"provider":    res.Provider,
		"attempts":    res.Attempts,
		"tokens":      res.TokensUsed,
	}).Debug("generation succeeded")
	return p.complete(ctx, a, models.Completion{Content: res.Content, Model: res.ModelRef()}, job.Description)
}

// RunImage generates an image synchronously.
func (p *Pipeline) RunImage(ctx context.Context, job Job) (Outcome, error) {
	if p.images == nil {
		return Outcome{}, apperr.Unavailable("image generation")
	}
	a, _, err := p.admit(ctx, job, models.StatusGenerating)
	if err != nil {
		return Outcome{}, err
	}
	res, err := p.images.GenerateImage(ctx, job.Media)
	if err != nil {
		return Outcome{}, p.providerFailed(ctx, a, err)
	}
	return p.complete(ctx, a, models.Completion{
		Content:  job.Media.Prompt,
		MediaURL: res.MediaURL,
		Model:    "replicate/" + job.Media.Model,
	}, job.Description)
}

// StartVideo submits an async video job and returns immediately. The artifact
// stays uncharged until CompleteAsync sees the provider finish.
func (p *Pipeline) StartVideo(ctx context.Context, job Job) (Outcome, error) {
	if p.videos == nil {
		return Outcome{}, apperr.Unavailable("video generation")
	}
	a, admitted, err := p.admit(ctx, job, models.StatusPending)
	if err != nil {
		return Outcome{}, err
	}
	jobID, err := p.videos.Submit(ctx, job.Media)
	if err != nil {
		return Outcome{}, p.providerFailed(ctx, a, err)
	}
	ok, err := p.store.AttachProviderJob(ctx, a.ID, jobID)
	if err != nil {
		p.fail(ctx, a, "could not record provider job")
		return Outcome{}, apperr.Internal(err)
	}
	if !ok {
		p.logger.WithField("artifact_id", a.ID).Info("video cancelled before provider job was attached")
	}
	a = p.reload(ctx, a)
	p.notify(a)
	p.outcome(a.Kind, "submitted")
	bal, err := p.store.GetBalance(ctx, a.AccountID)
	if err != nil {
		p.logger.WithError(err).WithField("artifact_id", a.ID).Warn("reload balance failed; reporting balance at admission")
		bal = admitted
	}
	return Outcome{Artifact: a, Balance: bal}, nil
}

// CompleteAsync settles an async artifact from the provider's job status.
// Unfinished jobs are ignored.
func (p *Pipeline) CompleteAsync(ctx context.Context, a models.Artifact, st generation.JobStatus, model string) (Outcome, error) {
	if !st.Done() {
		return Outcome{Artifact: a}, nil
	}
	if st.Status != generation.JobSucceeded || st.MediaURL == "" {
		reason := st.Error
		if reason == "" {
			reason = "provider job " + st.Status
		}
		p.fail(ctx, a, reason)
		p.outcome(a.Kind, "failed")
		return Outcome{}, apperr.Provider(errors.New(reason))
	}
	return p.complete(ctx, a, models.Completion{MediaURL: st.MediaURL, Model: model}, describe(a.Kind))
}

// Fail marks an in-flight artifact failed without charging for it.
func (p *Pipeline) Fail(ctx context.Context, a models.Artifact, reason string) {
	p.fail(ctx, a, reason)
	p.outcome(a.Kind, "failed")
}

// admit checks the balance and stores the in-progress artifact. It returns the
// balance the check was made against.
func (p *Pipeline) admit(ctx context.Context, job Job, status models.ArtifactStatus) (models.Artifact, models.Balance, error) {
	if job.Identity.AccountID == "" {
		return models.Artifact{}, models.Balance{}, apperr.Authentication("authentication required")
	}
	cost, err := p.costs.Cost(job.Operation)
	if err != nil {
		return models.Artifact{}, models.Balance{}, apperr.Validation(err.Error())
	}
	bal, err := p.store.GetBalance(ctx, job.Identity.AccountID)
	if err != nil {
		return models.Artifact{}, models.Balance{}, err
	}
	if err := credits.Check(bal, cost); err != nil {
		p.outcome(job.Kind, "denied")
		return models.Artifact{}, models.Balance{}, err
	}

	params, err := json.Marshal(job.Params)
	if err != nil {
		return models.Artifact{}, models.Balance{}, apperr.Validationf("invalid parameters: %v", err)
	}
	a := models.Artifact{
		AccountID: job.Identity.AccountID,
		Kind:      job.Kind,
		Category:  string(job.Category),
		Title:     job.Title,
		Params:    params,
		Status:    status,
		Cost:      cost,
	}
	if err := p.store.CreateArtifact(ctx, &a); err != nil {
		return models.Artifact{}, models.Balance{}, apperr.Internal(err)
	}
	p.notify(a)
	return a, bal, nil
}

func (p *Pipeline) complete(ctx context.Context, a models.Artifact, c models.Completion, description string) (Outcome, error) {
	c.ArtifactID = a.ID
	c.AccountID = a.AccountID
	c.Cost = a.Cost
	c.Description = description
	if c.Description == "" {
		c.Description = describe(a.Kind)
	}

	bal, err := p.store.CompleteAndDebit(ctx, c)
	switch {
	case errors.Is(err, store.ErrNotInProgress):
		p.outcome(a.Kind, "discarded")
		return Outcome{}, apperr.Validation("artifact is no longer in progress")
	case err != nil:
		if ae := apperr.As(err); ae != nil && ae.Kind == apperr.KindInsufficientBalance {
			p.fail(ctx, a, "insufficient credits")
			p.outcome(a.Kind, "denied")
			return Outcome{}, err
		}
		p.fail(ctx, a, "could not store result")
		p.outcome(a.Kind, "failed")
		return Outcome{}, apperr.Internal(err)
	}

	charged := a.Cost
	if bal.IsUnlimited {
		charged = 0
	}
	if p.recorder != nil {
		p.recorder.CreditsDebited(string(a.Kind), charged)
	}
	p.outcome(a.Kind, "completed")

	now := time.Now().UTC()
	a.Status = models.StatusCompleted
	a.Content = c.Content
	a.MediaURL = c.MediaURL
	a.Model = c.Model
	a.CompletedAt = &now
	a = p.reload(ctx, a)
	p.notify(a)
	return Outcome{Artifact: a, Balance: bal, Charged: charged}, nil
}

func (p *Pipeline) providerFailed(ctx context.Context, a models.Artifact, err error) error {
	p.logger.WithError(err).WithFields(logrus.Fields{
		"artifact_id": a.ID,
		"kind":        a.Kind,
	}).Warn("generation failed")
	p.fail(ctx, a, providerReason(err))
	p.outcome(a.Kind, "failed")
	if errors.Is(err, generation.ErrNoProviders) {
		return apperr.Unavailable("generation provider")
	}
	return apperr.Provider(err)
}

// fail records the failure even when the request context is already gone.
func (p *Pipeline) fail(ctx context.Context, a models.Artifact, reason string) {
	if err := p.store.MarkArtifactFailed(context.WithoutCancel(ctx), a.ID, reason); err != nil {
		p.logger.WithError(err).WithField("artifact_id", a.ID).Error("mark artifact failed")
		return
	}
	a.Status = models.StatusFailed
	a.Error = reason
	p.notify(a)
}

func (p *Pipeline) reload(ctx context.Context, a models.Artifact) models.Artifact {
	fresh, err := p.store.GetArtifact(ctx, a.ID)
	if err != nil {
		return a
	}
	return fresh
}

func (p *Pipeline) notify(a models.Artifact) {
	if p.notifier != nil {
		p.notifier.ArtifactUpdated(a)
	}
}

func (p *Pipeline) outcome(kind models.ArtifactKind, outcome string) {
	if p.recorder != nil {
		p.recorder.PipelineOutcome(string(kind), outcome)
	}
}

func providerReason(err error) string {
	switch {
	case generation.IsEmptyOutput(err):
		return "empty output"
	case errors.Is(err, context.DeadlineExceeded):
		return "provider timed out"
	}
	var se *generation.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("%s returned status %d", se.Provider, se.StatusCode)
	}
	return "provider error"
}

func describe(kind models.ArtifactKind) string {
	switch kind {
	case models.KindOutline:
		return "Outline"
	case models.KindBlogPost:
		return "Blog post"
	case models.KindSocialPost:
		return "Social post"
	case models.KindImage:
		return "Image"
	case models.KindVideo:
		return "Video"
	case models.KindProductRewrite:
		return "Product rewrite"
	case models.KindContentPlan:
		return "Content plan"
	}
	return string(kind)
}
