package distribution

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

// LateClient publishes posts through the Late.dev scheduling API.
type LateClient struct {
	http   *http.Client
	apiKey string
	apiURL string
}

func NewLateClient(apiKey, apiURL string) *LateClient {
	apiURL = strings.TrimRight(apiURL, "/")
	if apiURL == "" {
		apiURL = "https://getlate.dev/api/v1"
	}
	return &LateClient{http: &http.Client{Timeout: 20 * time.Second}, apiKey: apiKey, apiURL: apiURL}
}

type latePlatform struct {
	Platform  string `json:"platform"`
	AccountID string `json:"accountId"`
}

type lateMedia struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type latePostRequest struct {
	Content    string         `json:"content"`
	Platforms  []latePlatform `json:"platforms"`
	MediaItems []lateMedia    `json:"mediaItems,omitempty"`
	PublishNow bool           `json:"publishNow"`
}

type latePostResponse struct {
	Post struct {
		ID        string `json:"_id"`
		Platforms []struct {
			Platform        string `json:"platform"`
			PlatformPostURL string `json:"platformPostUrl"`
			Status          string `json:"status"`
		} `json:"platforms"`
	} `json:"post"`
}

// Publish posts content to a single platform account and returns the post URL
// when Late reports one, or the Late post id otherwise.
func (c *LateClient) Publish(ctx context.Context, t Target, p Post) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("late: api key is required")
	}
	body := latePostRequest{
		Content:    p.Content,
		Platforms:  []latePlatform{{Platform: t.Platform, AccountID: t.AccountID}},
		PublishNow: true,
	}
	if p.MediaURL != "" {
		body.MediaItems = []lateMedia{{Type: "image", URL: p.MediaURL}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("late: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/posts", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("late: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("late: request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("late: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out latePostResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("late: decode: %w", err)
	}
	for _, pl := range out.Post.Platforms {
		if pl.Platform == t.Platform && pl.PlatformPostURL != "" {
			return pl.PlatformPostURL, nil
		}
	}
	if out.Post.ID == "" {
		return "", errors.New("late: response missing post id")
	}
	return out.Post.ID, nil
}
