package handlers

import (
	"net/http"
	"strings"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/distribution"
	"github.com/PortNumber53/writgo/internal/models"
)

func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	kind := models.ArtifactKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	items, err := h.artifacts.ListArtifacts(r.Context(), id.AccountID, kind, queryLimit(r, 50, 200))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"artifacts": items})
}

// GetArtifact is a pure read: repeated calls return identical bodies.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedArtifact(w, r)
	if !ok {
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"artifact": a})
}

// CancelArtifact fails an artifact that is still pending or generating. An
// in-flight provider call is not interrupted; its late result is discarded
// without a charge.
func (h *Handler) CancelArtifact(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedArtifact(w, r)
	if !ok {
		return
	}
	if !a.Status.Cancellable() {
		h.writeError(w, r, apperr.Validationf("artifact is already %s", a.Status))
		return
	}
	cancelled, err := h.artifacts.CancelArtifact(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !cancelled {
		h.writeError(w, r, apperr.Validation("artifact is no longer in progress"))
		return
	}
	h.logger.WithField("artifact_id", a.ID).Info("artifact cancelled")
	fresh, err := h.artifacts.GetArtifact(r.Context(), a.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"artifact": fresh})
}

func (h *Handler) PublishWordPress(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedArtifact(w, r)
	if !ok {
		return
	}
	var req struct {
		SiteID string `json:"siteId"`
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.SiteID) == "" {
		h.writeError(w, r, apperr.Validation("siteId is required"))
		return
	}
	if req.Status != "" && req.Status != "publish" && req.Status != "draft" {
		h.writeError(w, r, apperr.Validationf("unknown post status %q", req.Status))
		return
	}
	if h.publisher == nil {
		h.writeError(w, r, apperr.Unavailable("publishing"))
		return
	}
	out, err := h.publisher.ToWordPress(r.Context(), a, strings.TrimSpace(req.SiteID), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"artifact": out, "url": out.PublishedURL})
}

func (h *Handler) PublishSocial(w http.ResponseWriter, r *http.Request) {
	a, ok := h.ownedArtifact(w, r)
	if !ok {
		return
	}
	var req struct {
		Targets []distribution.Target `json:"targets"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.publisher == nil {
		h.writeError(w, r, apperr.Unavailable("publishing"))
		return
	}
	out, results, err := h.publisher.ToSocial(r.Context(), a, req.Targets)
	if err != nil {
		if len(results) > 0 {
			status, body := apperr.Envelope(err)
			writeJSON(w, status, map[string]any{"error": body.Error, "details": body.Details, "results": results})
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"artifact": out, "results": results})
}

// ownedArtifact loads {id} and enforces owner-or-admin access.
func (h *Handler) ownedArtifact(w http.ResponseWriter, r *http.Request) (models.Artifact, bool) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return models.Artifact{}, false
	}
	a, err := h.artifacts.GetArtifact(r.Context(), pathVar(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return models.Artifact{}, false
	}
	if a.AccountID != id.AccountID && !id.IsAdmin() {
		h.writeError(w, r, apperr.Authorization("artifact belongs to another account"))
		return models.Artifact{}, false
	}
	return a, true
}
