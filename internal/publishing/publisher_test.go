package publishing

import (
	"context"
	"errors"
	"testing"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/distribution"
	"github.com/PortNumber53/writgo/internal/logging"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/testutil"
	"github.com/PortNumber53/writgo/internal/wordpress"
)

type fakeWordPress struct {
	got  wordpress.Post
	site wordpress.Site
	err  error
}

func (f *fakeWordPress) Publish(_ context.Context, site wordpress.Site, post wordpress.Post) (wordpress.Published, error) {
	f.site, f.got = site, post
	if f.err != nil {
		return wordpress.Published{}, f.err
	}
	return wordpress.Published{ID: 7, Link: "https://blog.example.com/hello", Slug: "hello"}, nil
}

type fakeDistributor struct {
	called  bool
	post    distribution.Post
	results []distribution.Result
	err     error
}

func (f *fakeDistributor) Distribute(_ context.Context, p distribution.Post, targets []distribution.Target) ([]distribution.Result, error) {
	f.called, f.post = true, p
	return f.results, f.err
}

func seed(t *testing.T, mem *testutil.MemStore, kind models.ArtifactKind, status models.ArtifactStatus) (models.Account, models.Artifact) {
	t.Helper()
	acct := mem.AddAccount(models.Account{Email: "owner@example.com"})
	a := models.Artifact{AccountID: acct.ID, Kind: kind, Status: status, Title: "Hello", Content: "# Hello\nbody", MediaURL: "/media/x/cards/c.png"}
	if err := mem.CreateArtifact(context.Background(), &a); err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	return acct, a
}

func TestToWordPress_PublishesCompletedPost(t *testing.T) {
	mem := testutil.NewMemStore()
	acct, a := seed(t, mem, models.KindBlogPost, models.StatusCompleted)
	site := models.WordPressSite{AccountID: acct.ID, BaseURL: "https://blog.example.com", Username: "u", AppPassword: "p"}
	_ = mem.CreateWordPressSite(context.Background(), &site)

	wp := &fakeWordPress{}
	p := New(Options{Artifacts: mem, Sites: mem, WordPress: wp, Logger: logging.NewTestLogger()})
	out, err := p.ToWordPress(context.Background(), a, site.ID, "publish")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if out.Status != models.StatusPublished || out.PublishedURL != "https://blog.example.com/hello" {
		t.Fatalf("unexpected artifact %+v", out)
	}
	if wp.got.Title != "Hello" || wp.site.AppPassword != "p" {
		t.Fatalf("unexpected wordpress call %+v %+v", wp.got, wp.site)
	}
}

func TestToWordPress_FailureMarksArtifactFailed(t *testing.T) {
	mem := testutil.NewMemStore()
	acct, a := seed(t, mem, models.KindBlogPost, models.StatusCompleted)
	site := models.WordPressSite{AccountID: acct.ID, BaseURL: "https://blog.example.com"}
	_ = mem.CreateWordPressSite(context.Background(), &site)

	p := New(Options{Artifacts: mem, Sites: mem, WordPress: &fakeWordPress{err: errors.New("401")}, Logger: logging.NewTestLogger()})
	_, err := p.ToWordPress(context.Background(), a, site.ID, "")
	if !apperr.IsKind(err, apperr.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	got, _ := mem.GetArtifact(context.Background(), a.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status=%s", got.Status)
	}
}

func TestToWordPress_RejectsForeignSiteAndUnfinishedArtifacts(t *testing.T) {
	mem := testutil.NewMemStore()
	_, a := seed(t, mem, models.KindBlogPost, models.StatusGenerating)
	other := mem.AddAccount(models.Account{Email: "other@example.com"})
	foreign := models.WordPressSite{AccountID: other.ID, BaseURL: "https://x.example.com"}
	_ = mem.CreateWordPressSite(context.Background(), &foreign)

	p := New(Options{Artifacts: mem, Sites: mem, WordPress: &fakeWordPress{}, Logger: logging.NewTestLogger()})
	if _, err := p.ToWordPress(context.Background(), a, foreign.ID, ""); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for foreign site, got %v", err)
	}

	own := models.WordPressSite{AccountID: a.AccountID, BaseURL: "https://own.example.com"}
	_ = mem.CreateWordPressSite(context.Background(), &own)
	if _, err := p.ToWordPress(context.Background(), a, own.ID, ""); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for generating artifact, got %v", err)
	}
}

func TestToSocial_PublishedWhenAnyPlatformSucceeds(t *testing.T) {
	mem := testutil.NewMemStore()
	_, a := seed(t, mem, models.KindSocialPost, models.StatusCompleted)
	d := &fakeDistributor{results: []distribution.Result{
		{Platform: "twitter", Error: "boom"},
		{Platform: "linkedin", URL: "https://linkedin.example/p/1"},
	}}
	p := New(Options{Artifacts: mem, Distributor: d, PublicOrigin: "https://app.example.com/", Logger: logging.NewTestLogger()})

	out, results, err := p.ToSocial(context.Background(), a, []distribution.Target{{Platform: "twitter"}, {Platform: "linkedin"}})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(results) != 2 || out.Status != models.StatusPublished || out.PublishedURL != "https://linkedin.example/p/1" {
		t.Fatalf("unexpected outcome %+v %+v", out, results)
	}
	if d.post.MediaURL != "https://app.example.com/media/x/cards/c.png" {
		t.Fatalf("media url not made absolute: %q", d.post.MediaURL)
	}
}

func TestToSocial_AllFailed(t *testing.T) {
	mem := testutil.NewMemStore()
	_, a := seed(t, mem, models.KindSocialPost, models.StatusCompleted)
	d := &fakeDistributor{err: errors.New("distribution: every platform failed")}
	p := New(Options{Artifacts: mem, Distributor: d, Logger: logging.NewTestLogger()})

	if _, _, err := p.ToSocial(context.Background(), a, []distribution.Target{{Platform: "twitter"}}); err == nil {
		t.Fatalf("expected error")
	}
	got, _ := mem.GetArtifact(context.Background(), a.ID)
	if got.Status != models.StatusFailed || got.Error != "every platform failed" {
		t.Fatalf("unexpected artifact %+v", got)
	}
}

func TestToSocial_WrongKind(t *testing.T) {
	mem := testutil.NewMemStore()
	_, a := seed(t, mem, models.KindOutline, models.StatusCompleted)
	p := New(Options{Artifacts: mem, Distributor: &fakeDistributor{}})
	if _, _, err := p.ToSocial(context.Background(), a, []distribution.Target{{Platform: "x"}}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestToSocial_UnknownPlatformRejected(t *testing.T) {
	mem := testutil.NewMemStore()
	_, a := seed(t, mem, models.KindSocialPost, models.StatusCompleted)
	d := &fakeDistributor{}
	p := New(Options{Artifacts: mem, Distributor: d, Logger: logging.NewTestLogger()})

	_, _, err := p.ToSocial(context.Background(), a, []distribution.Target{{Platform: "twitter"}, {Platform: "bogus-1"}})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if d.called {
		t.Fatalf("distributor must not be called")
	}
	if got, _ := mem.GetArtifact(context.Background(), a.ID); got.Status != models.StatusCompleted {
		t.Fatalf("artifact should stay completed, got %s", got.Status)
	}
}
