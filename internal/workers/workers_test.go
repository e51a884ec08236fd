package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PortNumber53/writgo/internal/generation"
	"github.com/PortNumber53/writgo/internal/logging"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/pipeline"
	"github.com/PortNumber53/writgo/internal/testutil"
)

type fakePoller struct {
	statuses map[string]generation.JobStatus
	err      error
}

func (f *fakePoller) Poll(_ context.Context, id string) (generation.JobStatus, error) {
	if f.err != nil {
		return generation.JobStatus{}, f.err
	}
	return f.statuses[id], nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) WorkerItem(worker, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[worker+"/"+outcome]++
}

type fakeText struct {
	err error
}

func (f fakeText) Generate(context.Context, generation.Category, generation.Request) (generation.Result, error) {
	if f.err != nil {
		return generation.Result{}, f.err
	}
	return generation.Result{Content: "# Article\n\nbody", Provider: "openai", Model: "gpt-test"}, nil
}

type fakePublisher struct {
	calls int
	err   error
}

func (f *fakePublisher) ToWordPress(_ context.Context, a models.Artifact, siteID, _ string) (models.Artifact, error) {
	f.calls++
	if f.err != nil {
		return models.Artifact{}, f.err
	}
	a.Status = models.StatusPublished
	return a, nil
}

func seedVideo(t *testing.T, mem *testutil.MemStore, acct models.Account, jobID string) models.Artifact {
	t.Helper()
	a := models.Artifact{AccountID: acct.ID, Kind: models.KindVideo, Status: models.StatusGenerating, ProviderJobID: jobID, Cost: 8}
	if err := mem.CreateArtifact(context.Background(), &a); err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

func TestVideoWorker_SettlesJobs(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "v@example.com", SubscriptionCredits: 20})
	done := seedVideo(t, mem, acct, "p_done")
	failed := seedVideo(t, mem, acct, "p_failed")
	running := seedVideo(t, mem, acct, "p_running")

	poller := &fakePoller{statuses: map[string]generation.JobStatus{
		"p_done":    {ID: "p_done", Status: generation.JobSucceeded, MediaURL: "https://cdn.example/v.mp4"},
		"p_failed":  {ID: "p_failed", Status: generation.JobFailed, Error: "nsfw"},
		"p_running": {ID: "p_running", Status: generation.JobProcessing},
	}}
	rec := &countingRecorder{}
	w := &VideoWorker{
		Store:    mem,
		Poller:   poller,
		Pipeline: pipeline.New(pipeline.Options{Store: mem, Logger: logging.NewTestLogger()}),
		Model:    "minimax/video-01",
		Recorder: rec,
		Logger:   logging.NewTestLogger(),
	}

	n, err := w.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RunOnce settled=%d err=%v", n, err)
	}

	got, _ := mem.GetArtifact(context.Background(), done.ID)
	if got.Status != models.StatusCompleted || got.MediaURL != "https://cdn.example/v.mp4" || got.Model != "replicate/minimax/video-01" {
		t.Fatalf("unexpected completed video %+v", got)
	}
	got, _ = mem.GetArtifact(context.Background(), failed.ID)
	if got.Status != models.StatusFailed || got.Error != "nsfw" {
		t.Fatalf("unexpected failed video %+v", got)
	}
	got, _ = mem.GetArtifact(context.Background(), running.ID)
	if got.Status != models.StatusGenerating {
		t.Fatalf("running video touched: %+v", got)
	}
	bal, _ := mem.GetBalance(context.Background(), acct.ID)
	if bal.Available() != 12 {
		t.Fatalf("only the successful video should be charged, balance=%d", bal.Available())
	}
	if rec.counts["video/completed"] != 1 || rec.counts["video/failed"] != 1 {
		t.Fatalf("unexpected counts %+v", rec.counts)
	}
}

func TestVideoWorker_TimesOutWithoutCharge(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "slow@example.com", SubscriptionCredits: 20})
	a := seedVideo(t, mem, acct, "p_slow")
	mem.Age(a.ID, 10*time.Minute)

	w := &VideoWorker{
		Store:    mem,
		Poller: &fakePoller{statuses: map[string]generation.JobStatus{
			"p_slow": {ID: "p_slow", Status: generation.JobProcessing},
		}},
		Pipeline: pipeline.New(pipeline.Options{Store: mem, Logger: logging.NewTestLogger()}),
		MaxWait:  5 * time.Minute,
		Logger:   logging.NewTestLogger(),
	}
	if n, _ := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("settled=%d", n)
	}
	got, _ := mem.GetArtifact(context.Background(), a.ID)
	if got.Status != models.StatusFailed || got.Error != "video generation timed out" {
		t.Fatalf("unexpected artifact %+v", got)
	}
	bal, _ := mem.GetBalance(context.Background(), acct.ID)
	if bal.Available() != 20 {
		t.Fatalf("timed out video charged: %d", bal.Available())
	}
}

func TestVideoWorker_FinishedAfterMaxWaitIsStillSettled(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "late@example.com", SubscriptionCredits: 20})
	a := seedVideo(t, mem, acct, "p_late")
	mem.Age(a.ID, 5*time.Minute+time.Second)

	w := &VideoWorker{
		Store: mem,
		Poller: &fakePoller{statuses: map[string]generation.JobStatus{
			"p_late": {ID: "p_late", Status: generation.JobSucceeded, MediaURL: "https://cdn.example/late.mp4"},
		}},
		Pipeline: pipeline.New(pipeline.Options{Store: mem, Logger: logging.NewTestLogger()}),
		Model:    "minimax/video-01",
		MaxWait:  5 * time.Minute,
		Logger:   logging.NewTestLogger(),
	}
	if n, _ := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("settled=%d", n)
	}
	got, _ := mem.GetArtifact(context.Background(), a.ID)
	if got.Status != models.StatusCompleted || got.MediaURL != "https://cdn.example/late.mp4" {
		t.Fatalf("finished video discarded: %+v", got)
	}
	bal, _ := mem.GetBalance(context.Background(), acct.ID)
	if bal.Available() != 12 {
		t.Fatalf("expected the video to be charged, balance=%d", bal.Available())
	}
}

func TestVideoWorker_PollErrorsPastMaxWaitTimeOut(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "gone@example.com", SubscriptionCredits: 20})
	a := seedVideo(t, mem, acct, "p_gone")
	mem.Age(a.ID, 10*time.Minute)

	w := &VideoWorker{
		Store:    mem,
		Poller:   &fakePoller{err: errors.New("502")},
		Pipeline: pipeline.New(pipeline.Options{Store: mem, Logger: logging.NewTestLogger()}),
		MaxWait:  5 * time.Minute,
		Logger:   logging.NewTestLogger(),
	}
	if n, _ := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("settled=%d", n)
	}
	if got, _ := mem.GetArtifact(context.Background(), a.ID); got.Status != models.StatusFailed {
		t.Fatalf("unexpected artifact %+v", got)
	}
}

func TestVideoWorker_PollErrorsAreRetried(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "flaky@example.com", SubscriptionCredits: 20})
	a := seedVideo(t, mem, acct, "p_flaky")
	w := &VideoWorker{
		Store:    mem,
		Poller:   &fakePoller{err: errors.New("502")},
		Pipeline: pipeline.New(pipeline.Options{Store: mem, Logger: logging.NewTestLogger()}),
		Logger:   logging.NewTestLogger(),
	}
	if n, _ := w.RunOnce(context.Background()); n != 0 {
		t.Fatalf("settled=%d", n)
	}
	got, _ := mem.GetArtifact(context.Background(), a.ID)
	if got.Status != models.StatusGenerating {
		t.Fatalf("transient poll error must not settle: %+v", got)
	}
}

func seedPlanned(t *testing.T, mem *testutil.MemStore, acct models.Account, siteID *string) models.PlannedArticle {
	t.Helper()
	plan := models.Artifact{AccountID: acct.ID, Kind: models.KindContentPlan, Status: models.StatusCompleted}
	_ = mem.CreateArtifact(context.Background(), &plan)
	items := []models.PlannedArticle{{
		AccountID:     acct.ID,
		ContentPlanID: plan.ID,
		SiteID:        siteID,
		Title:         "Why caching matters",
		Keywords:      []string{"cache"},
		ScheduledFor:  time.Now().Add(-time.Minute),
	}}
	if err := mem.CreatePlannedArticles(context.Background(), items); err != nil {
		t.Fatalf("create planned: %v", err)
	}
	return items[0]
}

func TestPlannedArticleWorker_GeneratesAndPublishes(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "plan@example.com", SubscriptionCredits: 15})
	site := "site-1"
	p := seedPlanned(t, mem, acct, &site)
	pub := &fakePublisher{}

	w := &PlannedArticleWorker{
		Store:     mem,
		Accounts:  mem,
		Pipeline:  pipeline.New(pipeline.Options{Store: mem, Text: fakeText{}, Logger: logging.NewTestLogger()}),
		Publisher: pub,
		Logger:    logging.NewTestLogger(),
	}
	n, err := w.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("claimed=%d err=%v", n, err)
	}
	if pub.calls != 1 {
		t.Fatalf("publisher calls=%d", pub.calls)
	}
	list, _ := mem.ListPlannedArticles(context.Background(), acct.ID, 10)
	if len(list) != 1 || list[0].ID != p.ID || list[0].Status != models.PlannedStatusPublished || list[0].ArtifactID == nil {
		t.Fatalf("unexpected planned article %+v", list)
	}
	bal, _ := mem.GetBalance(context.Background(), acct.ID)
	if bal.Available() != 5 {
		t.Fatalf("blog post should cost 10, balance=%d", bal.Available())
	}

	if n, _ := w.RunOnce(context.Background()); n != 0 {
		t.Fatalf("article processed twice")
	}
}

func TestPlannedArticleWorker_InsufficientCredits(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "broke@example.com", SubscriptionCredits: 2})
	seedPlanned(t, mem, acct, nil)
	rec := &countingRecorder{}

	w := &PlannedArticleWorker{
		Store:    mem,
		Accounts: mem,
		Pipeline: pipeline.New(pipeline.Options{Store: mem, Text: fakeText{}, Logger: logging.NewTestLogger()}),
		Recorder: rec,
		Logger:   logging.NewTestLogger(),
	}
	if n, _ := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("claimed=%d", n)
	}
	list, _ := mem.ListPlannedArticles(context.Background(), acct.ID, 10)
	if list[0].Status != models.PlannedStatusFailed || list[0].LastError == nil || *list[0].LastError != "insufficient credits" {
		t.Fatalf("unexpected planned article %+v", list[0])
	}
	if rec.counts["planned_articles/denied"] != 1 {
		t.Fatalf("unexpected counts %+v", rec.counts)
	}
}

func TestPlannedArticleWorker_PublishFailureKeepsArtifact(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "pf@example.com", SubscriptionCredits: 10})
	site := "site-1"
	seedPlanned(t, mem, acct, &site)

	w := &PlannedArticleWorker{
		Store:     mem,
		Accounts:  mem,
		Pipeline:  pipeline.New(pipeline.Options{Store: mem, Text: fakeText{}, Logger: logging.NewTestLogger()}),
		Publisher: &fakePublisher{err: errors.New("wordpress down")},
		Logger:    logging.NewTestLogger(),
	}
	_, _ = w.RunOnce(context.Background())
	list, _ := mem.ListPlannedArticles(context.Background(), acct.ID, 10)
	if list[0].Status != models.PlannedStatusFailed || list[0].ArtifactID == nil {
		t.Fatalf("unexpected planned article %+v", list[0])
	}
}

func TestStaleReaper(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "stale@example.com", SubscriptionCredits: 10})
	stuck := models.Artifact{AccountID: acct.ID, Kind: models.KindBlogPost, Status: models.StatusGenerating}
	fresh := models.Artifact{AccountID: acct.ID, Kind: models.KindBlogPost, Status: models.StatusGenerating}
	_ = mem.CreateArtifact(context.Background(), &stuck)
	_ = mem.CreateArtifact(context.Background(), &fresh)
	video := seedVideo(t, mem, acct, "p_long")
	mem.Age(stuck.ID, time.Hour)
	mem.Age(video.ID, time.Hour)

	var notified []string
	w := &StaleReaper{
		Store:    mem,
		After:    30 * time.Minute,
		Notifier: notifierFunc(func(a models.Artifact) { notified = append(notified, a.ID) }),
		Logger:   logging.NewTestLogger(),
	}
	n, err := w.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("reaped=%d err=%v", n, err)
	}
	got, _ := mem.GetArtifact(context.Background(), stuck.ID)
	if got.Status != models.StatusFailed || got.Error != "generation timed out" {
		t.Fatalf("unexpected stuck artifact %+v", got)
	}
	if got, _ := mem.GetArtifact(context.Background(), video.ID); got.Status != models.StatusGenerating {
		t.Fatalf("async video must be left to the video worker")
	}
	if len(notified) != 1 || notified[0] != stuck.ID {
		t.Fatalf("notified=%v", notified)
	}
	bal, _ := mem.GetBalance(context.Background(), acct.ID)
	if bal.Available() != 10 {
		t.Fatalf("reaper must not charge")
	}
}

func TestStaleReaper_FailsAbandonedPlannedArticles(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "crash@example.com", SubscriptionCredits: 10})
	abandoned := seedPlanned(t, mem, acct, nil)
	waiting := seedPlanned(t, mem, acct, nil)
	if ok, _ := mem.ClaimPlannedArticle(context.Background(), abandoned.ID, "plan_dead"); !ok {
		t.Fatalf("claim failed")
	}
	mem.AgePlanned(abandoned.ID, time.Hour)
	mem.AgePlanned(waiting.ID, time.Hour)
	rec := &countingRecorder{}

	w := &StaleReaper{Store: mem, After: 30 * time.Minute, Recorder: rec, Logger: logging.NewTestLogger()}
	n, err := w.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("reaped=%d err=%v", n, err)
	}
	byID := map[string]models.PlannedArticle{}
	list, _ := mem.ListPlannedArticles(context.Background(), acct.ID, 10)
	for _, p := range list {
		byID[p.ID] = p
	}
	got := byID[abandoned.ID]
	if got.Status != models.PlannedStatusFailed || got.LastError == nil || *got.LastError != "worker stopped before finishing" {
		t.Fatalf("unexpected abandoned article %+v", got)
	}
	if byID[waiting.ID].Status != models.PlannedStatusPlanned {
		t.Fatalf("unclaimed article must stay planned: %+v", byID[waiting.ID])
	}
	if rec.counts["stale_reaper/planned_failed"] != 1 {
		t.Fatalf("unexpected counts %+v", rec.counts)
	}
}

type notifierFunc func(models.Artifact)

func (f notifierFunc) ArtifactUpdated(a models.Artifact) { f(a) }

func TestWorkersStopOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := &StaleReaper{Store: testutil.NewMemStore(), Interval: time.Millisecond, Logger: logging.NewTestLogger()}
	go func() {
		w.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
