package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
)

type fakeProvider struct {
	name    string
	content string
	err     error
	delay   time.Duration
	calls   int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, _ Request) (Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Content: f.content, Provider: f.name, Model: "m"}, nil
}

func TestFallbackPolicy_PrimarySucceeds(t *testing.T) {
	primary := &fakeProvider{name: "openai", content: "hello"}
	fallback := &fakeProvider{name: "anthropic", content: "other"}

	res, err := FallbackPolicy{Providers: []TextProvider{primary, fallback}}.Execute(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "hello" || res.Attempts != 1 || res.Provider != "openai" {
		t.Fatalf("unexpected result %+v", res)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback should not run, calls=%d", fallback.calls)
	}
}

func TestFallbackPolicy_FallbackInvokedExactlyOnce(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: &StatusError{Provider: "openai", StatusCode: 503}}
	fallback := &fakeProvider{name: "anthropic", content: "from fallback"}

	var seen []string
	p := FallbackPolicy{
		Providers: []TextProvider{primary, fallback},
		OnAttempt: func(provider string, attempt int, _ time.Duration, err error) {
			seen = append(seen, provider)
		},
	}
	res, err := p.Execute(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "from fallback" || res.Attempts != 2 || res.Provider != "anthropic" {
		t.Fatalf("unexpected result %+v", res)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("calls primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	if strings.Join(seen, ",") != "openai,anthropic" {
		t.Fatalf("attempt order %v", seen)
	}
}

func TestFallbackPolicy_EmptyOutputTriggersFallback(t *testing.T) {
	primary := &fakeProvider{name: "openai", content: ""}
	fallback := &fakeProvider{name: "anthropic", content: "ok"}

	res, err := FallbackPolicy{Providers: []TextProvider{primary, fallback}}.Execute(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFallbackPolicy_AllFailReturnsLastError(t *testing.T) {
	first := &fakeProvider{name: "openai", err: errors.New("boom")}
	second := &fakeProvider{name: "anthropic", content: "   "}
	third := &fakeProvider{name: "gemini", content: "never"}

	_, err := FallbackPolicy{Providers: []TextProvider{first, second, third}, MaxAttempts: 2}.Execute(context.Background(), Request{})
	if !IsEmptyOutput(err) {
		t.Fatalf("expected empty output from last attempt, got %v", err)
	}
	if third.calls != 0 {
		t.Fatalf("max attempts exceeded, third provider called %d times", third.calls)
	}
}

func TestFallbackPolicy_AttemptTimeout(t *testing.T) {
	slow := &fakeProvider{name: "openai", content: "late", delay: time.Second}
	fast := &fakeProvider{name: "anthropic", content: "fast"}

	res, err := FallbackPolicy{
		Providers:      []TextProvider{slow, fast},
		AttemptTimeout: 20 * time.Millisecond,
	}.Execute(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "fast" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFallbackPolicy_NoProviders(t *testing.T) {
	_, err := FallbackPolicy{}.Execute(context.Background(), Request{})
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestRouter_SkipsUnconfiguredProviders(t *testing.T) {
	openai := &fakeProvider{name: "openai", content: "seo text"}
	r := NewRouter(RouterOptions{}, openai)

	if got := r.Policy(CategorySEO).Providers; len(got) != 1 || got[0].Name() != "openai" {
		t.Fatalf("seo chain %v", got)
	}
	res, err := r.Generate(context.Background(), CategorySEO, Request{})
	if err != nil || res.Content != "seo text" {
		t.Fatalf("Generate res=%+v err=%v", res, err)
	}
	if !r.Available(CategoryTechnical) {
		t.Fatalf("technical should fall back to openai")
	}
	if NewRouter(RouterOptions{}).Available(CategoryContent) {
		t.Fatalf("empty router should not be available")
	}
}

func TestParseCategory(t *testing.T) {
	if c, err := ParseCategory(""); err != nil || c != CategoryContent {
		t.Fatalf("default category %q %v", c, err)
	}
	if _, err := ParseCategory("poetry"); err == nil {
		t.Fatalf("expected error for unknown category")
	}
}

func TestOpenAIProvider_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization %q", got)
		}
		var body openAIChatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("messages %+v", body.Messages)
		}
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":" # Outline "}}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", srv.URL, "gpt-4o-mini")
	res, err := p.Generate(context.Background(), Request{System: "s", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Content != "# Outline" || res.TokensUsed != 42 || res.ModelRef() != "openai/gpt-4o-mini" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestOpenAIProvider_StatusAndEmpty(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"slow down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", srv.URL, "gpt")
	_, err := p.Generate(context.Background(), Request{Prompt: "p"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status error, got %v", err)
	}

	status = http.StatusOK
	_, err = p.Generate(context.Background(), Request{Prompt: "p"})
	if !IsEmptyOutput(err) {
		t.Fatalf("expected empty output, got %v", err)
	}
}

func TestAnthropicProvider_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Header.Get("x-api-key") != "ak" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("unexpected request %s %v", r.URL.Path, r.Header)
		}
		var body anthropicRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.MaxTokens != defaultAnthropicMaxTokens || body.System != "sys" {
			t.Errorf("body %+v", body)
		}
		_, _ = w.Write([]byte(`{"model":"claude-x","content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}],"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer srv.Close()

	res, err := NewAnthropicProvider("ak", srv.URL, "claude-x").Generate(context.Background(), Request{System: "sys", Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Content != "Hello world" || res.TokensUsed != 7 || res.Provider != "anthropic" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGeminiText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []genai.Part{genai.Text("first "), genai.Text("part")}}},
			{Content: &genai.Content{Parts: []genai.Part{genai.Text("ignored")}}},
		},
		UsageMetadata: &genai.UsageMetadata{TotalTokenCount: 9},
	}
	text, tokens := geminiText(resp)
	if text != "first part" || tokens != 9 {
		t.Fatalf("text=%q tokens=%d", text, tokens)
	}
	if text, _ := geminiText(nil); text != "" {
		t.Fatalf("nil response should be empty")
	}
}

func TestReplicateClient_ImageAndVideo(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/acme/flux/predictions":
			var body map[string]map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["input"]["prompt"] != "a cat" {
				t.Errorf("input %+v", body)
			}
			if r.Header.Get("Prefer") == "wait" {
				_, _ = w.Write([]byte(`{"id":"img1","status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"vid1","status":"starting"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/img1":
			atomic.AddInt32(&polls, 1)
			_, _ = w.Write([]byte(`{"id":"img1","status":"succeeded","output":["https://cdn.test/cat.png"]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/vid1":
			_, _ = w.Write([]byte(`{"id":"vid1","status":"failed","error":"nsfw"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewReplicateClient("tok", srv.URL)
	c.pollInterval = time.Millisecond

	job, err := c.GenerateImage(context.Background(), MediaInput{Model: "acme/flux", Prompt: "a cat"})
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if job.MediaURL != "https://cdn.test/cat.png" || polls != 1 {
		t.Fatalf("unexpected job %+v polls=%d", job, polls)
	}

	id, err := c.Submit(context.Background(), MediaInput{Model: "acme/flux", Prompt: "a cat"})
	if err != nil || id != "vid1" {
		t.Fatalf("Submit id=%q err=%v", id, err)
	}
	st, err := c.Poll(context.Background(), id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !st.Done() || st.Status != JobFailed || st.Error != "nsfw" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRateLimited_HonoursContext(t *testing.T) {
	p := WithRateLimit(&fakeProvider{name: "openai", content: "x"}, 0.001, 1)
	if _, err := p.Generate(context.Background(), Request{}); err != nil {
		t.Fatalf("first call should pass burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Generate(ctx, Request{}); err == nil {
		t.Fatalf("second call should be rate limited")
	}
	if p.Name() != "openai" {
		t.Fatalf("name %q", p.Name())
	}
}

func TestParseContentPlan(t *testing.T) {
	out := "Here you go:\n```json\n[{\"title\":\" Go generics \",\"keywords\":[\"go\"]},{\"title\":\"\"},{\"title\":\"Channels\"}]\n```"
	items, err := ParseContentPlan(out)
	if err != nil {
		t.Fatalf("ParseContentPlan: %v", err)
	}
	if len(items) != 2 || items[0].Title != "Go generics" || items[1].Title != "Channels" {
		t.Fatalf("items %+v", items)
	}
	if _, err := ParseContentPlan("no json here"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPrompts(t *testing.T) {
	req := OutlinePrompt("Go testing", []string{" go ", "", "tdd"}, "")
	if !strings.Contains(req.Prompt, "English") || !strings.Contains(req.Prompt, "go, tdd") {
		t.Fatalf("outline prompt %q", req.Prompt)
	}
	social := SocialPostPrompt("launch", []string{"twitter", "linkedin"}, "")
	if !strings.Contains(social.Prompt, "280") {
		t.Fatalf("multi-platform prompt should cap length: %q", social.Prompt)
	}
	if got := TitleFromMarkdown("\n# Hello World\nbody"); got != "Hello World" {
		t.Fatalf("title %q", got)
	}
}
