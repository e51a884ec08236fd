package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/generation"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/pipeline"
)

const (
	defaultPlanSize     = 10
	maxPlanSize         = 50
	defaultIntervalDays = 7
	maxIntervalDays     = 90
)

type contentPlanRequest struct {
	Niche        string   `json:"niche"`
	Keywords     []string `json:"keywords,omitempty"`
	Count        int      `json:"count,omitempty"`
	Language     string   `json:"language,omitempty"`
	SiteID       string   `json:"siteId,omitempty"`
	IntervalDays int      `json:"intervalDays,omitempty"`
	StartDate    string   `json:"startDate,omitempty"`
	Category     string   `json:"category,omitempty"`
}

// CreateContentPlan generates a topical map and schedules one planned
// article per interval. The planned-article worker writes and publishes
// them as they come due.
func (h *Handler) CreateContentPlan(w http.ResponseWriter, r *http.Request) {
	var (
		req   contentPlanRequest
		start time.Time
	)
	job, ok := h.textJob(w, r, &req, func() (pipeline.Job, error) {
		niche, err := requiredText("niche", req.Niche)
		if err != nil {
			return pipeline.Job{}, err
		}
		if req.Count == 0 {
			req.Count = defaultPlanSize
		}
		if req.Count < 1 || req.Count > maxPlanSize {
			return pipeline.Job{}, apperr.Validationf("count must be between 1 and %d", maxPlanSize)
		}
		if req.IntervalDays == 0 {
			req.IntervalDays = defaultIntervalDays
		}
		if req.IntervalDays < 1 || req.IntervalDays > maxIntervalDays {
			return pipeline.Job{}, apperr.Validationf("intervalDays must be between 1 and %d", maxIntervalDays)
		}
		if start, err = parseStart(req.StartDate, h.now()); err != nil {
			return pipeline.Job{}, err
		}
		category := req.Category
		if category == "" {
			category = string(generation.CategorySEO)
		}
		return pipeline.Job{
			Kind:      models.KindContentPlan,
			Category:  generation.Category(category),
			Operation: credits.OpContentPlan,
			Title:     niche,
			Params:    req,
			Request:   generation.ContentPlanPrompt(niche, req.Keywords, req.Count, req.Language),
		}, nil
	})
	if !ok {
		return
	}

	var siteID *string
	if s := strings.TrimSpace(req.SiteID); s != "" {
		site, err := h.sites.GetWordPressSite(r.Context(), s)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if site.AccountID != job.Identity.AccountID {
			h.writeError(w, r, apperr.NotFound("wordpress site"))
			return
		}
		siteID = &site.ID
	}

	out, err := h.pipeline.RunText(r.Context(), job)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	log := h.logger.WithField("artifact_id", out.Artifact.ID)

	items, err := generation.ParseContentPlan(out.Artifact.Content)
	if err != nil {
		log.WithError(err).Warn("content plan output not parseable")
		writeSuccess(w, http.StatusOK, map[string]any{
			"artifact":    out.Artifact,
			"articles":    []models.PlannedArticle{},
			"warning":     "the generated plan could not be scheduled",
			"creditsUsed": out.Charged,
			"balance":     out.Balance,
		})
		return
	}
	if len(items) > req.Count {
		items = items[:req.Count]
	}

	articles := make([]models.PlannedArticle, len(items))
	interval := time.Duration(req.IntervalDays) * 24 * time.Hour
	for i, it := range items {
		articles[i] = models.PlannedArticle{
			AccountID:     job.Identity.AccountID,
			ContentPlanID: out.Artifact.ID,
			SiteID:        siteID,
			Title:         it.Title,
			Keywords:      it.Keywords,
			ScheduledFor:  start.Add(time.Duration(i) * interval),
			Status:        models.PlannedStatusPlanned,
		}
	}
	if err := h.plans.CreatePlannedArticles(r.Context(), articles); err != nil {
		// The plan is already stored and charged.
		log.WithError(err).Error("planned articles not saved")
		writeSuccess(w, http.StatusOK, map[string]any{
			"artifact":    out.Artifact,
			"articles":    []models.PlannedArticle{},
			"warning":     "the generated plan could not be scheduled",
			"creditsUsed": out.Charged,
			"balance":     out.Balance,
		})
		return
	}
	log.WithField("articles", len(articles)).Info("content plan scheduled")
	writeSuccess(w, http.StatusOK, map[string]any{
		"artifact":    out.Artifact,
		"articles":    articles,
		"creditsUsed": out.Charged,
		"balance":     out.Balance,
	})
}

func (h *Handler) ListPlannedArticles(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, err := h.plans.ListPlannedArticles(r.Context(), id.AccountID, queryLimit(r, 100, 500))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"articles": items})
}

// parseStart accepts RFC 3339 or YYYY-MM-DD. Empty means now.
func parseStart(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, apperr.Validation("startDate must be RFC 3339 or YYYY-MM-DD")
}
