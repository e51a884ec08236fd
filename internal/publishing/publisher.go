// Package publishing moves completed artifacts out to WordPress sites and
// social platforms, driving the completed -> publishing -> published/failed
// part of the artifact status machine.
package publishing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/distribution"
	"github.com/PortNumber53/writgo/internal/generation"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/wordpress"
	"github.com/sirupsen/logrus"
)

type ArtifactStore interface {
	GetArtifact(ctx context.Context, id string) (models.Artifact, error)
	TransitionArtifact(ctx context.Context, id string, from []models.ArtifactStatus, to models.ArtifactStatus, errMsg string) (bool, error)
	MarkArtifactFailed(ctx context.Context, id, reason string) error
	MarkPublished(ctx context.Context, id, publishedURL string) (bool, error)
}

type SiteStore interface {
	GetWordPressSite(ctx context.Context, id string) (models.WordPressSite, error)
}

type WordPress interface {
	Publish(ctx context.Context, site wordpress.Site, post wordpress.Post) (wordpress.Published, error)
}

type Distributor interface {
	Distribute(ctx context.Context, p distribution.Post, targets []distribution.Target) ([]distribution.Result, error)
}

type Notifier interface {
	ArtifactUpdated(a models.Artifact)
}

type Options struct {
	Artifacts    ArtifactStore
	Sites        SiteStore
	WordPress    WordPress
	Distributor  Distributor
	Notifier     Notifier
	PublicOrigin string
	Logger       *logrus.Logger
}

type Publisher struct {
	artifacts    ArtifactStore
	sites        SiteStore
	wp           WordPress
	distributor  Distributor
	notifier     Notifier
	publicOrigin string
	logger       *logrus.Logger
}

func New(opts Options) *Publisher {
	p := &Publisher{
		artifacts:    opts.Artifacts,
		sites:        opts.Sites,
		wp:           opts.WordPress,
		distributor:  opts.Distributor,
		notifier:     opts.Notifier,
		publicOrigin: strings.TrimRight(opts.PublicOrigin, "/"),
		logger:       opts.Logger,
	}
	if p.logger == nil {
		p.logger = logrus.StandardLogger()
	}
	return p
}

// ToWordPress publishes a completed blog post to one of the owner's sites.
// postStatus is "publish" or "draft".
func (p *Publisher) ToWordPress(ctx context.Context, a models.Artifact, siteID, postStatus string) (models.Artifact, error) {
	if p.wp == nil || p.sites == nil {
		return models.Artifact{}, apperr.Unavailable("wordpress publishing")
	}
	if a.Kind != models.KindBlogPost {
		return models.Artifact{}, apperr.Validation("only blog posts can be published to wordpress")
	}
	site, err := p.sites.GetWordPressSite(ctx, siteID)
	if err != nil {
		return models.Artifact{}, err
	}
	if site.AccountID != a.AccountID {
		return models.Artifact{}, apperr.NotFound("wordpress site")
	}
	if err := p.begin(ctx, a); err != nil {
		return models.Artifact{}, err
	}

	title := strings.TrimSpace(a.Title)
	if title == "" {
		title = generation.TitleFromMarkdown(a.Content)
	}
	log := p.logger.WithFields(logrus.Fields{"artifact_id": a.ID, "site_id": site.ID})
	pub, err := p.wp.Publish(ctx, wordpress.Site{
		BaseURL:     site.BaseURL,
		Username:    site.Username,
		AppPassword: site.AppPassword,
	}, wordpress.Post{Title: title, Content: a.Content, Status: postStatus})
	if err != nil {
		log.WithError(err).Warn("wordpress publish failed")
		p.fail(ctx, a, "wordpress publish failed")
		return models.Artifact{}, &apperr.Error{Kind: apperr.KindProvider, Message: "publishing failed", Details: "wordpress rejected the post", Err: err}
	}
	log.WithField("link", pub.Link).Info("published to wordpress")
	return p.finish(ctx, a, pub.Link)
}

// ToSocial distributes a completed social post. The artifact is published
// when at least one platform accepted it.
func (p *Publisher) ToSocial(ctx context.Context, a models.Artifact, targets []distribution.Target) (models.Artifact, []distribution.Result, error) {
	if p.distributor == nil {
		return models.Artifact{}, nil, apperr.Unavailable("social publishing")
	}
	if a.Kind != models.KindSocialPost {
		return models.Artifact{}, nil, apperr.Validation("only social posts can be distributed")
	}
	if len(targets) == 0 {
		return models.Artifact{}, nil, apperr.Validation("at least one platform is required")
	}
	for _, t := range targets {
		if !distribution.KnownPlatform(t.Platform) {
			return models.Artifact{}, nil, apperr.Validation("unsupported platform: " + t.Platform)
		}
	}
	if err := p.begin(ctx, a); err != nil {
		return models.Artifact{}, nil, err
	}

	results, err := p.distributor.Distribute(ctx, distribution.Post{
		Content:  a.Content,
		MediaURL: p.absolute(a.MediaURL),
	}, targets)
	if err != nil {
		p.logger.WithError(err).WithField("artifact_id", a.ID).Warn("social distribution failed")
		p.fail(ctx, a, "every platform failed")
		return models.Artifact{}, results, &apperr.Error{Kind: apperr.KindProvider, Message: "publishing failed", Details: "no platform accepted the post", Err: err}
	}
	var url string
	for _, r := range results {
		if r.OK() && r.URL != "" {
			url = r.URL
			break
		}
	}
	out, err := p.finish(ctx, a, url)
	return out, results, err
}

func (p *Publisher) begin(ctx context.Context, a models.Artifact) error {
	ok, err := p.artifacts.TransitionArtifact(ctx, a.ID,
		[]models.ArtifactStatus{models.StatusCompleted}, models.StatusPublishing, "")
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return apperr.Validation("artifact must be completed before publishing")
	}
	a.Status = models.StatusPublishing
	p.notify(a)
	return nil
}

func (p *Publisher) finish(ctx context.Context, a models.Artifact, url string) (models.Artifact, error) {
	ok, err := p.artifacts.MarkPublished(context.WithoutCancel(ctx), a.ID, url)
	if err != nil {
		return models.Artifact{}, apperr.Internal(fmt.Errorf("mark published: %w", err))
	}
	if !ok {
		return models.Artifact{}, apperr.Internal(errors.New("artifact left publishing state"))
	}
	out, err := p.artifacts.GetArtifact(ctx, a.ID)
	if err != nil {
		return models.Artifact{}, err
	}
	p.notify(out)
	return out, nil
}

func (p *Publisher) fail(ctx context.Context, a models.Artifact, reason string) {
	if err := p.artifacts.MarkArtifactFailed(context.WithoutCancel(ctx), a.ID, reason); err != nil {
		p.logger.WithError(err).WithField("artifact_id", a.ID).Error("mark artifact failed")
		return
	}
	a.Status = models.StatusFailed
	a.Error = reason
	p.notify(a)
}

func (p *Publisher) absolute(mediaURL string) string {
	if strings.HasPrefix(mediaURL, "/") && p.publicOrigin != "" {
		return p.publicOrigin + mediaURL
	}
	return mediaURL
}

func (p *Publisher) notify(a models.Artifact) {
	if p.notifier != nil {
		p.notifier.ArtifactUpdated(a)
	}
}
