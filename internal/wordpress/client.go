// Package wordpress publishes posts through the WordPress REST API using
// application passwords.
package wordpress

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

	"github.com/gosimple/slug"
)

type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Site is the connection data for one WordPress installation.
type Site struct {
	BaseURL     string
	Username    string
	AppPassword string
}

type Post struct {
	Title   string
	Content string
	// Status is "publish" or "draft"; empty means publish.
	Status string
}

// Published is the created post as reported by WordPress.
type Published struct {
	ID   int64  `json:"id"`
	Link string `json:"link"`
	Slug string `json:"slug"`
}

// Slug builds the URL slug used for a post title.
func Slug(title string) string {
	return slug.Make(title)
}

func (c *Client) Publish(ctx context.Context, site Site, post Post) (Published, error) {
	if strings.TrimSpace(post.Title) == "" {
		return Published{}, errors.New("wordpress: title is required")
	}
	status := post.Status
	if status == "" {
		status = "publish"
	}
	body := map[string]any{
		"title":   post.Title,
		"content": post.Content,
		"status":  status,
		"slug":    Slug(post.Title),
	}
	var out Published
	if err := c.do(ctx, site, http.MethodPost, "/wp-json/wp/v2/posts", body, &out); err != nil {
		return Published{}, err
	}
	if out.ID == 0 {
		return Published{}, errors.New("wordpress: response missing post id")
	}
	return out, nil
}

// TestConnection checks the credentials against the current-user endpoint.
func (c *Client) TestConnection(ctx context.Context, site Site) error {
	var me struct {
		ID int64 `json:"id"`
	}
	return c.do(ctx, site, http.MethodGet, "/wp-json/wp/v2/users/me", nil, &me)
}

func (c *Client) do(ctx context.Context, site Site, method, path string, body any, out any) error {
	base := strings.TrimRight(strings.TrimSpace(site.BaseURL), "/")
	if base == "" {
		return errors.New("wordpress: site url is required")
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("wordpress: marshal: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return fmt.Errorf("wordpress: create request: %w", err)
	}
	req.SetBasicAuth(site.Username, strings.ReplaceAll(site.AppPassword, " ", ""))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("wordpress: request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := strings.TrimSpace(string(raw))
		var wpErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &wpErr) == nil && wpErr.Message != "" {
			msg = wpErr.Message
		}
		return fmt.Errorf("wordpress: status %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("wordpress: decode: %w", err)
	}
	return nil
}
