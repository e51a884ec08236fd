package handlers

import (
	"net/http"
	"strings"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/generation"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/pipeline"
)

const maxTopicLength = 500

type outlineRequest struct {
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords,omitempty"`
	Language string   `json:"language,omitempty"`
	Category string   `json:"category,omitempty"`
}

type blogPostRequest struct {
	Topic     string   `json:"topic"`
	Keywords  []string `json:"keywords,omitempty"`
	Language  string   `json:"language,omitempty"`
	WordCount int      `json:"wordCount,omitempty"`
	Outline   string   `json:"outline,omitempty"`
	Category  string   `json:"category,omitempty"`
}

type socialPostRequest struct {
	Topic     string   `json:"topic"`
	Platforms []string `json:"platforms,omitempty"`
	Tone      string   `json:"tone,omitempty"`
	TitleCard bool     `json:"titleCard,omitempty"`
	Category  string   `json:"category,omitempty"`
}

type imageRequest struct {
	Prompt      string `json:"prompt"`
	Tier        string `json:"tier,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type videoRequest struct {
	Prompt string `json:"prompt"`
	Length string `json:"length,omitempty"`
}

type productRewriteRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords,omitempty"`
	Language    string   `json:"language,omitempty"`
	Category    string   `json:"category,omitempty"`
}

func (h *Handler) GenerateOutline(w http.ResponseWriter, r *http.Request) {
	var req outlineRequest
	job, ok := h.textJob(w, r, &req, func() (pipeline.Job, error) {
		topic, err := requiredText("topic", req.Topic)
		if err != nil {
			return pipeline.Job{}, err
		}
		return pipeline.Job{
			Kind:      models.KindOutline,
			Category:  generation.Category(req.Category),
			Operation: credits.OpOutline,
			Title:     topic,
			Params:    req,
			Request:   generation.OutlinePrompt(topic, req.Keywords, req.Language),
		}, nil
	})
	if !ok {
		return
	}
	h.runText(w, r, job)
}

func (h *Handler) GenerateBlogPost(w http.ResponseWriter, r *http.Request) {
	var req blogPostRequest
	job, ok := h.textJob(w, r, &req, func() (pipeline.Job, error) {
		topic, err := requiredText("topic", req.Topic)
		if err != nil {
			return pipeline.Job{}, err
		}
		if req.WordCount < 0 || req.WordCount > 5000 {
			return pipeline.Job{}, apperr.Validation("wordCount must be between 0 and 5000")
		}
		return pipeline.Job{
			Kind:      models.KindBlogPost,
			Category:  generation.Category(req.Category),
			Operation: credits.OpBlogPost,
			Title:     topic,
			Params:    req,
			Request:   generation.BlogPostPrompt(topic, req.Keywords, req.Language, req.WordCount, req.Outline),
		}, nil
	})
	if !ok {
		return
	}
	h.runText(w, r, job)
}

// GenerateSocialPost writes one post per requested platform in a single
// generation. Multi-platform requests cost social_multi.
func (h *Handler) GenerateSocialPost(w http.ResponseWriter, r *http.Request) {
	var req socialPostRequest
	job, ok := h.textJob(w, r, &req, func() (pipeline.Job, error) {
		topic, err := requiredText("topic", req.Topic)
		if err != nil {
			return pipeline.Job{}, err
		}
		op := credits.OpSocialSingle
		if len(req.Platforms) > 1 {
			op = credits.OpSocialMulti
		}
		return pipeline.Job{
			Kind:      models.KindSocialPost,
			Category:  generation.Category(req.Category),
			Operation: op,
			Title:     topic,
			Params:    req,
			Request:   generation.SocialPostPrompt(topic, req.Platforms, req.Tone),
		}, nil
	})
	if !ok {
		return
	}
	out, err := h.pipeline.RunText(r.Context(), job)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.TitleCard {
		out.Artifact = h.attachTitleCard(r, out.Artifact)
	}
	writeOutcome(w, out)
}

func (h *Handler) GenerateProductRewrite(w http.ResponseWriter, r *http.Request) {
	var req productRewriteRequest
	job, ok := h.textJob(w, r, &req, func() (pipeline.Job, error) {
		title, err := requiredText("title", req.Title)
		if err != nil {
			return pipeline.Job{}, err
		}
		if strings.TrimSpace(req.Description) == "" {
			return pipeline.Job{}, apperr.Validation("description is required")
		}
		return pipeline.Job{
			Kind:      models.KindProductRewrite,
			Category:  generation.Category(req.Category),
			Operation: credits.OpProductRewrite,
			Title:     title,
			Params:    req,
			Request:   generation.ProductRewritePrompt(title, req.Description, req.Keywords, req.Language),
		}, nil
	})
	if !ok {
		return
	}
	h.runText(w, r, job)
}

func (h *Handler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req imageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	prompt, err := requiredText("prompt", req.Prompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	op, ok := credits.ImageOperation(req.Tier)
	if !ok {
		h.writeError(w, r, apperr.Validationf("unknown tier %q", req.Tier))
		return
	}
	tier := strings.TrimPrefix(string(op), "image_")
	extra := map[string]any{}
	if req.AspectRatio != "" {
		extra["aspect_ratio"] = req.AspectRatio
	}
	out, err := h.pipeline.RunImage(r.Context(), pipeline.Job{
		Identity:  id,
		Kind:      models.KindImage,
		Operation: op,
		Title:     prompt,
		Params:    req,
		Media:     generation.MediaInput{Model: h.cfg.ImageModels[tier], Prompt: prompt, Extra: extra},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

// GenerateVideo submits an async job and returns the pending artifact. The
// charge happens when the video worker sees the job succeed.
func (h *Handler) GenerateVideo(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req videoRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	prompt, err := requiredText("prompt", req.Prompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	op, ok := credits.VideoOperation(req.Length)
	if !ok {
		h.writeError(w, r, apperr.Validationf("unknown length %q", req.Length))
		return
	}
	out, err := h.pipeline.StartVideo(r.Context(), pipeline.Job{
		Identity:  id,
		Kind:      models.KindVideo,
		Operation: op,
		Title:     prompt,
		Params:    req,
		Media:     generation.MediaInput{Model: h.cfg.VideoModel, Prompt: prompt},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"artifact":    out.Artifact,
		"artifactId":  out.Artifact.ID,
		"status":      out.Artifact.Status,
		"creditsUsed": 0,
		"balance":     out.Balance,
	})
}

// textJob decodes the body into req, resolves the caller, builds the job and
// validates its category. It writes the error response itself when ok is false.
func (h *Handler) textJob(w http.ResponseWriter, r *http.Request, req any, build func() (pipeline.Job, error)) (pipeline.Job, bool) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return pipeline.Job{}, false
	}
	if err := decodeJSON(r, req); err != nil {
		h.writeError(w, r, err)
		return pipeline.Job{}, false
	}
	job, err := build()
	if err != nil {
		h.writeError(w, r, err)
		return pipeline.Job{}, false
	}
	c, err := generation.ParseCategory(strings.TrimSpace(string(job.Category)))
	if err != nil {
		h.writeError(w, r, apperr.Validation(err.Error()))
		return pipeline.Job{}, false
	}
	job.Identity = id
	job.Category = c
	return job, true
}

func (h *Handler) runText(w http.ResponseWriter, r *http.Request, job pipeline.Job) {
	out, err := h.pipeline.RunText(r.Context(), job)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeOutcome(w, out)
}

// attachTitleCard renders a PNG card for a social post. Failures are logged;
// the post itself is already paid for and stored.
func (h *Handler) attachTitleCard(r *http.Request, a models.Artifact) models.Artifact {
	if h.cards == nil {
		return a
	}
	log := h.logger.WithField("artifact_id", a.ID)
	png, err := h.cards.Render(a.Title, "")
	if err != nil {
		log.WithError(err).Warn("title card render failed")
		return a
	}
	url, err := h.cards.Save(a.AccountID, a.ID, png)
	if err != nil {
		log.WithError(err).Warn("title card save failed")
		return a
	}
	if err := h.artifacts.SetArtifactMedia(r.Context(), a.ID, url); err != nil {
		log.WithError(err).Warn("title card attach failed")
		return a
	}
	a.MediaURL = url
	return a
}

func writeOutcome(w http.ResponseWriter, out pipeline.Outcome) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"artifact":    out.Artifact,
		"content":     out.Artifact.Content,
		"mediaUrl":    out.Artifact.MediaURL,
		"creditsUsed": out.Charged,
		"balance":     out.Balance,
	})
}

func requiredText(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", apperr.Validationf("%s is required", field)
	}
	if len(v) > maxTopicLength {
		return "", apperr.Validationf("%s must be at most %d characters", field, maxTopicLength)
	}
	return v, nil
}
