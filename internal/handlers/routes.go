package handlers

import (
	"github.com/PortNumber53/writgo/internal/middleware"
	"github.com/PortNumber53/writgo/internal/models"
	"github.com/gorilla/mux"
)

// PublicPaths are served without a session.
var PublicPaths = []string{
	"/health",
	"/metrics",
	"/api/auth/signup",
	"/api/auth/login",
	"/webhook/stripe",
	"/media/",
}

// Register mounts the API routes. Session authentication is applied by the
// caller; admin routes additionally require the admin role.
func Register(r *mux.Router, h *Handler) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/api/auth/signup", h.Signup).Methods("POST")
	r.HandleFunc("/api/auth/login", h.Login).Methods("POST")
	r.HandleFunc("/api/auth/logout", h.Logout).Methods("POST")
	r.HandleFunc("/api/account", h.Me).Methods("GET")
	r.HandleFunc("/api/account", h.DeleteAccount).Methods("DELETE")

	r.HandleFunc("/api/generate/outline", h.GenerateOutline).Methods("POST")
	r.HandleFunc("/api/generate/blog-post", h.GenerateBlogPost).Methods("POST")
	r.HandleFunc("/api/generate/social-post", h.GenerateSocialPost).Methods("POST")
	r.HandleFunc("/api/generate/image", h.GenerateImage).Methods("POST")
	r.HandleFunc("/api/generate/video", h.GenerateVideo).Methods("POST")
	r.HandleFunc("/api/generate/product-rewrite", h.GenerateProductRewrite).Methods("POST")

	r.HandleFunc("/api/artifacts", h.ListArtifacts).Methods("GET")
	r.HandleFunc("/api/artifacts/{id}", h.GetArtifact).Methods("GET")
	r.HandleFunc("/api/artifacts/{id}/cancel", h.CancelArtifact).Methods("POST")
	r.HandleFunc("/api/artifacts/{id}/publish/wordpress", h.PublishWordPress).Methods("POST")
	r.HandleFunc("/api/artifacts/{id}/publish/social", h.PublishSocial).Methods("POST")

	r.HandleFunc("/api/content-plans", h.CreateContentPlan).Methods("POST")
	r.HandleFunc("/api/planned-articles", h.ListPlannedArticles).Methods("GET")

	r.HandleFunc("/api/wordpress/sites", h.CreateSite).Methods("POST")
	r.HandleFunc("/api/wordpress/sites", h.ListSites).Methods("GET")
	r.HandleFunc("/api/wordpress/sites/{id}", h.DeleteSite).Methods("DELETE")

	r.HandleFunc("/api/credits/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/api/credits/transactions", h.ListTransactions).Methods("GET")

	r.HandleFunc("/api/billing/checkout", h.CreateCheckout).Methods("POST")
	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods("POST")

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(middleware.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/accounts/{id}/credits", h.AdminGrantCredits).Methods("POST")
	admin.HandleFunc("/accounts/{id}/unlimited", h.AdminSetUnlimited).Methods("PUT")
}
