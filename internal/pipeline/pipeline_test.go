package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/generation"
	"github.com/PortNumber53/writgo/internal/logging"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/testutil"
)

type stubProvider struct {
	name    string
	content string
	err     error
	calls   int32
	before  func()
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(_ context.Context, _ generation.Request) (generation.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.before != nil {
		s.before()
	}
	if s.err != nil {
		return generation.Result{}, s.err
	}
	return generation.Result{Content: s.content, Provider: s.name, Model: "test"}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.ArtifactStatus
}

func (n *recordingNotifier) ArtifactUpdated(a models.Artifact) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, a.Status)
}

func newPipeline(st Store, providers ...generation.TextProvider) *Pipeline {
	return New(Options{
		Store:  st,
		Text:   generation.NewRouter(generation.RouterOptions{}, providers...),
		Costs:  credits.DefaultCosts(),
		Logger: logging.NewTestLogger(),
	})
}

func outlineJob(accountID string) Job {
	return Job{
		Identity:  models.Identity{AccountID: accountID, Role: models.RoleClient},
		Kind:      models.KindOutline,
		Operation: credits.OpOutline,
		Category:  generation.CategoryContent,
		Title:     "Go testing",
		Params:    map[string]any{"topic": "Go testing"},
		Request:   generation.OutlinePrompt("Go testing", nil, ""),
	}
}

func TestRunText_DebitsAfterSuccess(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "a@x.test", SubscriptionCredits: 3, TopUpCredits: 10})
	notifier := &recordingNotifier{}
	p := newPipeline(mem, &stubProvider{name: "openai", content: "# Outline"})
	p.notifier = notifier

	out, err := p.RunText(context.Background(), outlineJob(acct.ID))
	if err != nil {
		t.Fatalf("RunText: %v", err)
	}
	if out.Charged != 5 || out.Balance.SubscriptionCredits != 0 || out.Balance.TopUpCredits != 8 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Artifact.Status != models.StatusCompleted || out.Artifact.Content != "# Outline" || out.Artifact.Model != "openai/test" {
		t.Fatalf("unexpected artifact %+v", out.Artifact)
	}
	txs, _ := mem.Transactions(context.Background(), acct.ID, 10)
	if len(txs) != 1 || txs[0].Amount != -5 || txs[0].Type != models.TxDebit || txs[0].Description != "Outline" {
		t.Fatalf("unexpected transactions %+v", txs)
	}
	if len(notifier.events) != 2 || notifier.events[0] != models.StatusGenerating || notifier.events[1] != models.StatusCompleted {
		t.Fatalf("unexpected notifications %v", notifier.events)
	}
}

func TestRunText_ProviderFailureDoesNotDebit(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "a@x.test", SubscriptionCredits: 10})
	failing := errors.New("connection reset")
	p := newPipeline(mem,
		&stubProvider{name: "openai", err: failing},
		&stubProvider{name: "anthropic", err: failing},
	)

	_, err := p.RunText(context.Background(), outlineJob(acct.ID))
	if !apperr.IsKind(err, apperr.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	bal, _ := mem.GetBalance(context.Background(), acct.ID)
	if bal.Available() != 10 {
		t.Fatalf("balance changed after failure: %d", bal.Available())
	}
	txs, _ := mem.Transactions(context.Background(), acct.ID, 10)
	if len(txs) != 0 {
		t.Fatalf("no transaction expected, got %+v", txs)
	}
	arts, _ := mem.ListArtifacts(context.Background(), acct.ID, "", 10)
	if len(arts) != 1 || arts[0].Status != models.StatusFailed || arts[0].Error != "provider error" {
		t.Fatalf("artifact should be failed, got %+v", arts)
	}
}

func TestRunText_FallbackUsedOnceAndChargedOnce(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "a@x.test", SubscriptionCredits: 10})
	primary := &stubProvider{name: "openai", err: &generation.StatusError{Provider: "openai", StatusCode: 500}}
	fallback := &stubProvider{name: "anthropic", content: "from fallback"}
	p := newPipeline(mem, primary, fallback)

	out, err := p.RunText(context.Background(), outlineJob(acct.ID))
	if err != nil {
		t.Fatalf("RunText: %v", err)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("calls primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	if out.Artifact.Content != "from fallback" || out.Artifact.Model != "anthropic/test" {
		t.Fatalf("unexpected artifact %+v", out.Artifact)
	}
	txs, _ := mem.Transactions(context.Background(), acct.ID, 10)
	if len(txs) != 1 || txs[0].Amount != -5 {
		t.Fatalf("expected exactly one debit, got %+v", txs)
	}
}

func TestRunText_InsufficientBeforeInvoke(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "a@x.test", SubscriptionCredits: 4})
	provider := &stubProvider{name: "openai", content: "x"}
	p := newPipeline(mem, provider)

	_, err := p.RunText(context.Background(), outlineJob(acct.ID))
	ae := apperr.As(err)
	if ae == nil || ae.Kind != apperr.KindInsufficientBalance || ae.Required != 5 || ae.Available != 4 {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if provider.calls != 0 {
		t.Fatalf("provider must not be called when denied")
	}
	arts, _ := mem.ListArtifacts(context.Background(), acct.ID, "", 10)
	if len(arts) != 0 {
		t.Fatalf("denied request must not create artifacts")
	}
}

func TestRunText_UnlimitedLogsZeroDebit(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "u@x.test", IsUnlimited: true})
	p := newPipeline(mem, &stubProvider{name: "openai", content: "text"})

	out, err := p.RunText(context.Background(), outlineJob(acct.ID))
	if err != nil {
		t.Fatalf("RunText: %v", err)
	}
	if out.Charged != 0 || out.Balance.Available() != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	txs, _ := mem.Transactions(context.Background(), acct.ID, 10)
	if len(txs) != 1 || txs[0].Amount != 0 || txs[0].Type != models.TxDebit {
		t.Fatalf("expected zero-amount debit, got %+v", txs)
	}
}

func TestRunText_CancelledDuringGenerationIsNotCharged(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "a@x.test", SubscriptionCredits: 10})
	provider := &stubProvider{name: "openai", content: "late result"}
	provider.before = func() {
		arts, _ := mem.ListArtifacts(context.Background(), acct.ID, "", 1)
		_, _ = mem.CancelArtifact(context.Background(), arts[0].ID)
	}
	p := newPipeline(mem, provider)

	_, err := p.RunText(context.Background(), outlineJob(acct.ID))
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	bal, _ := mem.GetBalance(context.Background(), acct.ID)
	if bal.Available() != 10 {
		t.Fatalf("cancelled artifact was charged, balance=%d", bal.Available())
	}
	arts, _ := mem.ListArtifacts(context.Background(), acct.ID, "", 1)
	if arts[0].Status != models.StatusFailed || arts[0].Error != "cancelled" {
		t.Fatalf("cancel should stick, got %+v", arts[0])
	}
}

// naiveStore debits with a read-then-write, the race the conditional
// decrement exists to close.
type naiveStore struct {
	*testutil.MemStore
	mu      sync.Mutex
	balance int64
	reads   sync.WaitGroup
	debits  int
}

func (n *naiveStore) CompleteAndDebit(_ context.Context, c models.Completion) (models.Balance, error) {
	n.mu.Lock()
	seen := n.balance
	n.mu.Unlock()

	n.reads.Done()
	n.reads.Wait()

	if seen < c.Cost {
		return models.Balance{}, apperr.InsufficientBalance(c.Cost, seen)
	}
	n.mu.Lock()
	n.balance = seen - c.Cost
	n.debits++
	n.mu.Unlock()
	return models.Balance{SubscriptionCredits: seen - c.Cost}, nil
}

func runConcurrently(t *testing.T, p *Pipeline, accountID string) (ok, denied int) {
	t.Helper()
	var (
		wg      sync.WaitGroup
		success int32
		refused int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.RunText(context.Background(), outlineJob(accountID))
			switch {
			case err == nil:
				atomic.AddInt32(&success, 1)
			case apperr.IsKind(err, apperr.KindInsufficientBalance):
				atomic.AddInt32(&refused, 1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	return int(success), int(refused)
}

func TestConcurrentRequests_NaiveCheckThenActDoubleSpends(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "a@x.test", SubscriptionCredits: 5})
	naive := &naiveStore{MemStore: mem, balance: 5}
	naive.reads.Add(2)

	p := newPipeline(naive, &stubProvider{name: "openai", content: "x"})
	ok, denied := runConcurrently(t, p, acct.ID)
	if ok != 2 || denied != 0 || naive.debits != 2 {
		t.Fatalf("naive store should admit both, ok=%d denied=%d debits=%d", ok, denied, naive.debits)
	}
}

func TestConcurrentRequests_ConditionalDecrementAdmitsOne(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "a@x.test", SubscriptionCredits: 5})

	var bothChecked sync.WaitGroup
	bothChecked.Add(2)
	provider := &stubProvider{name: "openai", content: "x", before: func() {
		bothChecked.Done()
		bothChecked.Wait()
	}}
	p := newPipeline(mem, provider)

	ok, denied := runConcurrently(t, p, acct.ID)
	if ok != 1 || denied != 1 {
		t.Fatalf("expected one success and one denial, ok=%d denied=%d", ok, denied)
	}
	bal, _ := mem.GetBalance(context.Background(), acct.ID)
	if bal.Available() != 0 {
		t.Fatalf("balance=%d", bal.Available())
	}
}

type fakeVideos struct {
	jobID string
	err   error
}

func (f *fakeVideos) Submit(context.Context, generation.MediaInput) (string, error) {
	return f.jobID, f.err
}

func TestVideoLifecycle(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "v@x.test", SubscriptionCredits: 20})
	p := New(Options{Store: mem, Videos: &fakeVideos{jobID: "pred_1"}, Logger: logging.NewTestLogger()})

	job := Job{
		Identity:  models.Identity{AccountID: acct.ID},
		Kind:      models.KindVideo,
		Operation: credits.OpVideoShort,
		Media:     generation.MediaInput{Model: "acme/video", Prompt: "waves"},
	}
	started, err := p.StartVideo(context.Background(), job)
	if err != nil {
		t.Fatalf("StartVideo: %v", err)
	}
	a := started.Artifact
	if a.Status != models.StatusGenerating || a.ProviderJobID != "pred_1" || started.Charged != 0 {
		t.Fatalf("unexpected started artifact %+v", started)
	}
	if bal, _ := mem.GetBalance(context.Background(), acct.ID); bal.Available() != 20 {
		t.Fatalf("video charged before completion: %d", bal.Available())
	}

	pending, err := p.CompleteAsync(context.Background(), a, generation.JobStatus{ID: "pred_1", Status: generation.JobProcessing}, "replicate/acme/video")
	if err != nil || pending.Artifact.Status != models.StatusGenerating {
		t.Fatalf("in-progress job should be ignored: %+v %v", pending, err)
	}

	done, err := p.CompleteAsync(context.Background(), a, generation.JobStatus{
		ID: "pred_1", Status: generation.JobSucceeded, MediaURL: "https://cdn.test/v.mp4",
	}, "replicate/acme/video")
	if err != nil {
		t.Fatalf("CompleteAsync: %v", err)
	}
	if done.Charged != 8 || done.Artifact.MediaURL != "https://cdn.test/v.mp4" || done.Balance.Available() != 12 {
		t.Fatalf("unexpected completion %+v", done)
	}
}

// flakyBalanceStore fails every GetBalance after the first okCalls.
type flakyBalanceStore struct {
	*testutil.MemStore
	okCalls int32
	calls   atomic.Int32
}

func (f *flakyBalanceStore) GetBalance(ctx context.Context, accountID string) (models.Balance, error) {
	if f.calls.Add(1) > f.okCalls {
		return models.Balance{}, errors.New("connection reset")
	}
	return f.MemStore.GetBalance(ctx, accountID)
}

func TestStartVideo_BalanceReloadFailureReportsAdmittedBalance(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "v@x.test", SubscriptionCredits: 20, TopUpCredits: 5})
	st := &flakyBalanceStore{MemStore: mem, okCalls: 1}
	p := New(Options{Store: st, Videos: &fakeVideos{jobID: "pred_3"}, Logger: logging.NewTestLogger()})

	out, err := p.StartVideo(context.Background(), Job{
		Identity:  models.Identity{AccountID: acct.ID},
		Kind:      models.KindVideo,
		Operation: credits.OpVideoShort,
		Media:     generation.MediaInput{Model: "acme/video", Prompt: "waves"},
	})
	if err != nil {
		t.Fatalf("StartVideo: %v", err)
	}
	if st.calls.Load() != 2 {
		t.Fatalf("expected the balance to be read twice, got %d", st.calls.Load())
	}
	if out.Balance.SubscriptionCredits != 20 || out.Balance.Available() != 25 {
		t.Fatalf("expected admitted balance, got %+v", out.Balance)
	}
}

func TestVideoProviderFailureIsFree(t *testing.T) {
	mem := testutil.NewMemStore()
	acct := mem.AddAccount(models.Account{Email: "v@x.test", SubscriptionCredits: 20})
	p := New(Options{Store: mem, Videos: &fakeVideos{jobID: "pred_2"}, Logger: logging.NewTestLogger()})

	started, err := p.StartVideo(context.Background(), Job{
		Identity: models.Identity{AccountID: acct.ID}, Kind: models.KindVideo, Operation: credits.OpVideoLong,
	})
	if err != nil {
		t.Fatalf("StartVideo: %v", err)
	}
	_, err = p.CompleteAsync(context.Background(), started.Artifact, generation.JobStatus{Status: generation.JobFailed, Error: "nsfw"}, "")
	if !apperr.IsKind(err, apperr.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	a, _ := mem.GetArtifact(context.Background(), started.Artifact.ID)
	if a.Status != models.StatusFailed || a.Error != "nsfw" {
		t.Fatalf("unexpected artifact %+v", a)
	}
	if bal, _ := mem.GetBalance(context.Background(), acct.ID); bal.Available() != 20 {
		t.Fatalf("failed video was charged: %d", bal.Available())
	}
}

func TestUnavailableGenerators(t *testing.T) {
	p := New(Options{Store: testutil.NewMemStore(), Logger: logging.NewTestLogger()})
	if _, err := p.RunImage(context.Background(), Job{}); !apperr.IsKind(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := p.RunText(context.Background(), Job{}); !apperr.IsKind(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
