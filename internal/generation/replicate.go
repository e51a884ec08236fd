package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Replicate prediction states.
const (
	JobStarting   = "starting"
	JobProcessing = "processing"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobCanceled   = "canceled"
)

// JobStatus is a snapshot of an async prediction.
type JobStatus struct {
	ID       string
	Status   string
	MediaURL string
	Error    string
}

func (j JobStatus) Done() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed || j.Status == JobCanceled
}

// MediaInput describes an image or video generation.
type MediaInput struct {
	Model  string
	Prompt string
	Extra  map[string]any
}

// ReplicateClient talks to the Replicate predictions API.
type ReplicateClient struct {
	client       *http.Client
	token        string
	apiURL       string
	pollInterval time.Duration
}

func NewReplicateClient(token, apiURL string) *ReplicateClient {
	apiURL = strings.TrimRight(apiURL, "/")
	if apiURL == "" {
		apiURL = "https://api.replicate.com/v1"
	}
	return &ReplicateClient{
		client:       &http.Client{Timeout: 90 * time.Second},
		token:        token,
		apiURL:       apiURL,
		pollInterval: 2 * time.Second,
	}
}

func (c *ReplicateClient) Name() string { return "replicate" }

// GenerateImage runs a prediction synchronously, polling until it settles or
// ctx is done.
func (c *ReplicateClient) GenerateImage(ctx context.Context, in MediaInput) (JobStatus, error) {
	job, err := c.create(ctx, in, true)
	if err != nil {
		return JobStatus{}, err
	}
	for !job.Done() {
		select {
		case <-ctx.Done():
			return job, fmt.Errorf("replicate: waiting for %s: %w", job.ID, ctx.Err())
		case <-time.After(c.pollInterval):
		}
		job, err = c.Poll(ctx, job.ID)
		if err != nil {
			return JobStatus{}, err
		}
	}
	if job.Status != JobSucceeded {
		return job, fmt.Errorf("replicate: prediction %s %s: %s", job.ID, job.Status, job.Error)
	}
	if job.MediaURL == "" {
		return job, fmt.Errorf("replicate: %w", ErrEmptyOutput)
	}
	return job, nil
}

// Submit starts an async prediction and returns its id.
func (c *ReplicateClient) Submit(ctx context.Context, in MediaInput) (string, error) {
	job, err := c.create(ctx, in, false)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (c *ReplicateClient) Poll(ctx context.Context, id string) (JobStatus, error) {
	if id == "" {
		return JobStatus{}, errors.New("replicate: job id is required")
	}
	var pred replicatePrediction
	if err := c.do(ctx, http.MethodGet, "/predictions/"+id, nil, false, &pred); err != nil {
		return JobStatus{}, err
	}
	return pred.status(), nil
}

func (c *ReplicateClient) create(ctx context.Context, in MediaInput, wait bool) (JobStatus, error) {
	if in.Model == "" {
		return JobStatus{}, errors.New("replicate: model is required")
	}
	input := map[string]any{"prompt": in.Prompt}
	for k, v := range in.Extra {
		input[k] = v
	}
	var pred replicatePrediction
	if err := c.do(ctx, http.MethodPost, "/models/"+in.Model+"/predictions", map[string]any{"input": input}, wait, &pred); err != nil {
		return JobStatus{}, err
	}
	if pred.ID == "" {
		return JobStatus{}, errors.New("replicate: response missing prediction id")
	}
	return pred.status(), nil
}

func (c *ReplicateClient) do(ctx context.Context, method, path string, body any, wait bool, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("replicate: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("replicate: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if wait {
		req.Header.Set("Prefer", "wait")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("replicate: request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Provider: "replicate", StatusCode: resp.StatusCode, Body: truncate(string(raw), 300)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("replicate: decode response: %w", err)
	}
	return nil
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

func (p replicatePrediction) status() JobStatus {
	js := JobStatus{ID: p.ID, Status: p.Status, MediaURL: firstOutputURL(p.Output)}
	if p.Error != nil {
		js.Error = fmt.Sprint(p.Error)
	}
	return js
}

// firstOutputURL accepts either a single URL or a list of URLs.
func firstOutputURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}
