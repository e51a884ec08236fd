package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/PortNumber53/writgo/internal/wordpress"
)

type siteRequest struct {
	Name        string `json:"name"`
	BaseURL     string `json:"baseUrl"`
	Username    string `json:"username"`
	AppPassword string `json:"appPassword"`
}

// CreateSite stores a WordPress connection after checking the credentials
// against the site's REST API.
func (h *Handler) CreateSite(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req siteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	base := strings.TrimRight(strings.TrimSpace(req.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		h.writeError(w, r, apperr.Validation("baseUrl must be an http(s) URL"))
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.AppPassword) == "" {
		h.writeError(w, r, apperr.Validation("username and appPassword are required"))
		return
	}
	site := models.WordPressSite{
		AccountID:   id.AccountID,
		Name:        strings.TrimSpace(req.Name),
		BaseURL:     base,
		Username:    strings.TrimSpace(req.Username),
		AppPassword: strings.TrimSpace(req.AppPassword),
	}
	if site.Name == "" {
		site.Name = u.Host
	}

	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		err := h.checker.TestConnection(ctx, wordpress.Site{BaseURL: site.BaseURL, Username: site.Username, AppPassword: site.AppPassword})
		if err != nil {
			h.logger.WithError(err).WithField("base_url", site.BaseURL).Info("wordpress connection test failed")
			h.writeError(w, r, &apperr.Error{Kind: apperr.KindValidation, Message: "could not connect to wordpress", Details: "check the site URL and application password", Err: err})
			return
		}
	}

	if err := h.sites.CreateWordPressSite(r.Context(), &site); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]any{"site": site})
}

func (h *Handler) ListSites(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sites, err := h.sites.ListWordPressSites(r.Context(), id.AccountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"sites": sites})
}

func (h *Handler) DeleteSite(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.sites.DeleteWordPressSite(r.Context(), id.AccountID, pathVar(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"deleted": true})
}
