package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const systemWriter = "You are an SEO content writer. Write in the requested language, " +
	"use clear headings and never invent statistics."

func joinKeywords(keywords []string) string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return strings.Join(out, ", ")
}

func withLanguage(language string) string {
	if language == "" {
		return "English"
	}
	return language
}

func OutlinePrompt(topic string, keywords []string, language string) Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Create a detailed article outline in %s for the topic %q.\n", withLanguage(language), topic)
	if kw := joinKeywords(keywords); kw != "" {
		fmt.Fprintf(&sb, "Target keywords: %s.\n", kw)
	}
	sb.WriteString("Return Markdown with H2 and H3 headings and one line per section describing its content.")
	return Request{System: systemWriter, Prompt: sb.String(), MaxTokens: 1200, Temperature: 0.7}
}

func BlogPostPrompt(topic string, keywords []string, language string, words int, outline string) Request {
	if words <= 0 {
		words = 1200
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a blog post in %s of about %d words on %q.\n", withLanguage(language), words, topic)
	if kw := joinKeywords(keywords); kw != "" {
		fmt.Fprintf(&sb, "Use these keywords naturally: %s.\n", kw)
	}
	if outline = strings.TrimSpace(outline); outline != "" {
		fmt.Fprintf(&sb, "Follow this outline:\n%s\n", outline)
	}
	sb.WriteString("Return Markdown. Start with a single H1 title line.")
	return Request{System: systemWriter, Prompt: sb.String(), MaxTokens: words * 2, Temperature: 0.7}
}

func SocialPostPrompt(topic string, platforms []string, tone string) Request {
	if tone == "" {
		tone = "friendly"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a %s social media post about %q.\n", tone, topic)
	if len(platforms) > 1 {
		fmt.Fprintf(&sb, "It will be published on %s, so keep it under 280 characters.\n", strings.Join(platforms, ", "))
	} else if len(platforms) == 1 {
		fmt.Fprintf(&sb, "It will be published on %s.\n", platforms[0])
	}
	sb.WriteString("Include up to three relevant hashtags. Return only the post text.")
	return Request{System: "You write concise social media copy.", Prompt: sb.String(), MaxTokens: 400, Temperature: 0.8}
}

func ProductRewritePrompt(title, description string, keywords []string, language string) Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rewrite this product listing in %s so it is unique and persuasive.\n", withLanguage(language))
	fmt.Fprintf(&sb, "Title: %s\nDescription:\n%s\n", title, description)
	if kw := joinKeywords(keywords); kw != "" {
		fmt.Fprintf(&sb, "Keywords: %s.\n", kw)
	}
	sb.WriteString("Return a new title on the first line followed by the description.")
	return Request{System: "You are an e-commerce copywriter.", Prompt: sb.String(), MaxTokens: 1500, Temperature: 0.6}
}

func ContentPlanPrompt(niche string, keywords []string, count int, language string) Request {
	if count <= 0 {
		count = 10
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Build a topical map of %d blog articles in %s for the niche %q.\n", count, withLanguage(language), niche)
	if kw := joinKeywords(keywords); kw != "" {
		fmt.Fprintf(&sb, "Seed keywords: %s.\n", kw)
	}
	sb.WriteString(`Respond with JSON only: an array of objects {"title": string, "keywords": [string]}.`)
	return Request{System: "You are an SEO strategist.", Prompt: sb.String(), MaxTokens: 2000, Temperature: 0.5}
}

// PlanItem is one article in a generated content plan.
type PlanItem struct {
	Title    string   `json:"title"`
	Keywords []string `json:"keywords"`
}

// ParseContentPlan extracts the JSON array from model output, tolerating
// Markdown code fences and surrounding prose.
func ParseContentPlan(content string) ([]PlanItem, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, errors.New("content plan: no JSON array in output")
	}
	var items []PlanItem
	if err := json.Unmarshal([]byte(content[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("content plan: decode: %w", err)
	}
	out := items[:0]
	for _, it := range items {
		it.Title = strings.TrimSpace(it.Title)
		if it.Title == "" {
			continue
		}
		out = append(out, it)
	}
	if len(out) == 0 {
		return nil, errors.New("content plan: no titles in output")
	}
	return out, nil
}

// TitleFromMarkdown returns the first heading or line of a generated document.
func TitleFromMarkdown(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line != "" {
			return line
		}
	}
	return ""
}
