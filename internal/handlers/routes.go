package handlers

import (
	"github.com/gorilla/mux"
)

// RegisterPublicRoutes registers routes that do not require a caller identity:
// health, the marketing blog read path, SEO surfaces, the Stripe webhook and
// the internal realtime socket (guarded by its own secret).
func RegisterPublicRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/sitemap.xml", h.Sitemap).Methods("GET")
	r.HandleFunc("/rss.xml", h.RSSFeed).Methods("GET")
	r.HandleFunc("/blog", h.ListBlogPosts).Methods("GET")
	r.HandleFunc("/blog/{slug}", h.GetBlogPostBySlug).Methods("GET")

	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods("POST")

	r.HandleFunc("/api/events/ws", h.EventsWebSocket)
}

// RegisterAPIRoutes registers the authenticated dashboard surface. The router
// passed in must already run the identity middleware.
func RegisterAPIRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/products", h.CreateProduct).Methods("POST")
	r.HandleFunc("/products", h.ListProducts).Methods("GET")
	r.HandleFunc("/products/{id}", h.GetProduct).Methods("GET")
	r.HandleFunc("/products/{id}", h.UpdateProduct).Methods("PUT")
	r.HandleFunc("/products/{id}", h.DeleteProduct).Methods("DELETE")
	r.HandleFunc("/products/{id}/keywords", h.UpdateProductKeywords).Methods("PUT")

	r.HandleFunc("/products/{id}/find-leads", h.FindLeads).Methods("POST")
	r.HandleFunc("/products/{id}/leads", h.ListLeads).Methods("GET")
	r.HandleFunc("/leads/{id}/reply", h.GenerateReply).Methods("POST")

	r.HandleFunc("/me", h.GetMe).Methods("GET")
	r.HandleFunc("/quotas", h.GetQuotas).Methods("GET")
	r.HandleFunc("/subreddits/search", h.SearchSubreddits).Methods("GET")
	r.HandleFunc("/domains/check", h.CheckDomains).Methods("POST")

	// Blog authoring (the marketing read path stays public).
	r.HandleFunc("/blog", h.CreateBlogPost).Methods("POST")
	r.HandleFunc("/blog/{id}", h.UpdateBlogPost).Methods("PUT")
	r.HandleFunc("/blog/{id}", h.DeleteBlogPost).Methods("DELETE")
}

// RegisterBillingRoutes registers the authenticated billing surface.
func RegisterBillingRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/billing/checkout", h.CreateCheckoutSession).Methods("POST")
	r.HandleFunc("/billing/portal", h.CreateBillingPortalSession).Methods("POST")
	r.HandleFunc("/billing/invoices", h.GetUserInvoices).Methods("GET")
	r.HandleFunc("/billing/subscription", h.GetSubscription).Methods("GET")
}
