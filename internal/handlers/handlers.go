package handlers

import (
	"database/sql"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/leadsprout/leadsprout/backend/internal/domaincheck"
	"github.com/leadsprout/leadsprout/backend/internal/leads"
	"github.com/leadsprout/leadsprout/backend/internal/middleware"
	"github.com/leadsprout/leadsprout/backend/internal/models"
	"github.com/leadsprout/leadsprout/backend/internal/redditsearch"
	"github.com/leadsprout/leadsprout/backend/internal/replies"
)

type Handler struct {
	db      *sql.DB
	rt      *realtimeHub
	leads   *leads.Service
	replies *replies.Service
	domains *domaincheck.Checker
	search  *redditsearch.Client
}

func New(db *sql.DB, leadSvc *leads.Service, replySvc *replies.Service, domains *domaincheck.Checker, search *redditsearch.Client) *Handler {
	return &Handler{
		db:      db,
		rt:      newRealtimeHub(),
		leads:   leadSvc,
		replies: replySvc,
		domains: domains,
		search:  search,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type createProductRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Keywords    string  `json:"keywords"`
	URL         *string `json:"url,omitempty"`
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req createProductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	var p models.Product
	err := h.db.QueryRowContext(r.Context(), `
		INSERT INTO public.products (id, user_id, name, description, keywords, url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, user_id, name, description, keywords, url, created_at
	`, "prod_"+randHex(12), userID, strings.TrimSpace(req.Name), req.Description, req.Keywords, req.URL).
		Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.Keywords, &p.URL, &p.CreatedAt)
	if err != nil {
		log.Printf("[Products][Create] insert error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, user_id, name, description, keywords, url, created_at
		FROM public.products
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		log.Printf("[Products][List] query error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rows.Close()

	out := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.Keywords, &p.URL, &p.CreatedAt); err != nil {
			log.Printf("[Products][List] scan error userId=%s err=%v", userID, err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	id := pathVar(r, "id")

	var p models.Product
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, user_id, name, description, keywords, url, created_at
		FROM public.products
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.Keywords, &p.URL, &p.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("[Products][Get] query error id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	id := pathVar(r, "id")

	var req createProductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var p models.Product
	err := h.db.QueryRowContext(r.Context(), `
		UPDATE public.products
		SET name = $3, description = $4, keywords = $5, url = $6
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, name, description, keywords, url, created_at
	`, id, userID, req.Name, req.Description, req.Keywords, req.URL).
		Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.Keywords, &p.URL, &p.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("[Products][Update] error id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type updateKeywordsRequest struct {
	Keywords string `json:"keywords"`
}

// UpdateProductKeywords is the dedicated keyword mutation used by the
// dashboard's keyword editor.
func (h *Handler) UpdateProductKeywords(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	id := pathVar(r, "id")

	var req updateKeywordsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	res, err := h.db.ExecContext(r.Context(), `
		UPDATE public.products SET keywords = $3 WHERE id = $1 AND user_id = $2
	`, id, userID, req.Keywords)
	if err != nil {
		log.Printf("[Products][Keywords] error id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "keywords": leads.SplitKeywords(req.Keywords)})
}

func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	id := pathVar(r, "id")

	res, err := h.db.ExecContext(r.Context(), `
		DELETE FROM public.products WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		log.Printf("[Products][Delete] error id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// FindLeads triggers one discovery run for a product. ?kind=comments switches
// from post search to comment search.
func (h *Handler) FindLeads(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	productID := pathVar(r, "id")
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))

	start := time.Now()
	res, err := h.leads.FindLeads(r.Context(), productID, userID, kind)
	if err != nil {
		writeServiceError(w, "[Leads][Find]", err)
		return
	}
	log.Printf("[Leads][Find] http ok productId=%s leads=%d failures=%d dur=%dms",
		productID, len(res.Leads), len(res.Failures), time.Since(start).Milliseconds())

	h.emitEvent(userID, realtimeEvent{
		Type:      "leads.discovered",
		UserID:    userID,
		ProductID: productID,
		Count:     len(res.Leads),
		At:        time.Now().UTC().Format(time.RFC3339),
	})
	h.emitQuotaEvent(userID)

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	productID := pathVar(r, "id")
	limit := parseLimit(r, 200, 1, 500)
	if limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	out, err := h.leads.ListLeads(r.Context(), productID, userID, limit)
	if err != nil {
		writeServiceError(w, "[Leads][List]", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GenerateReply regenerates the suggested reply for a lead, replacing any
// previous one.
func (h *Handler) GenerateReply(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	leadID := pathVar(r, "id")

	res, err := h.replies.GenerateReply(r.Context(), leadID, userID)
	if err != nil {
		writeServiceError(w, "[Replies][Generate]", err)
		return
	}

	h.emitEvent(userID, realtimeEvent{
		Type:   "lead.reply_generated",
		UserID: userID,
		LeadID: leadID,
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	h.emitQuotaEvent(userID)

	writeJSON(w, http.StatusOK, res)
}

// GetMe returns the caller's full user record for the account page.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var u models.User
	var plan, customerID sql.NullString
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, identity_sub, email, remaining_lead_finds, remaining_reply_generations, plan, stripe_customer_id, created_at
		FROM public.users
		WHERE id = $1
	`, userID).Scan(&u.ID, &u.IdentitySub, &u.Email, &u.RemainingLeadFinds,
		&u.RemainingReplyGenerations, &plan, &customerID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("[Users][Me] query error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	u.Plan = nullStringPtr(plan)
	u.StripeCustomerID = nullStringPtr(customerID)

	writeJSON(w, http.StatusOK, u)
}

// GetQuotas feeds the dashboard header's remaining-usage badge.
func (h *Handler) GetQuotas(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var leadFinds, replyGens int
	var plan sql.NullString
	err := h.db.QueryRowContext(r.Context(), `
		SELECT remaining_lead_finds, remaining_reply_generations, plan
		FROM public.users
		WHERE id = $1
	`, userID).Scan(&leadFinds, &replyGens, &plan)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("[Quotas][Get] query error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"remainingLeadFinds":        leadFinds,
		"remainingReplyGenerations": replyGens,
		"plan":                      nullStringPtr(plan),
	})
}

type subredditResult struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Subscribers int    `json:"subscribers"`
	NSFW        bool   `json:"nsfw"`
}

// SearchSubreddits powers the "where does my audience hang out" explorer.
// It hits the search provider directly and persists nothing.
func (h *Handler) SearchSubreddits(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	includeNSFW := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("nsfw")), "true")
	limit := parseLimit(r, 20, 1, 50)
	if limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	results, err := h.search.SearchSubreddits(r.Context(), q, limit, includeNSFW)
	if err != nil {
		writeServiceError(w, "[Subreddits][Search]", err)
		return
	}

	out := make([]subredditResult, 0, len(results))
	for _, res := range results {
		out = append(out, subredditResult{
			Name:        res.SubredditName,
			URL:         res.SubredditURL,
			Title:       res.SubredditTitle,
			Description: res.Content,
			Subscribers: res.Subscribers,
			NSFW:        res.NSFW,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type checkDomainsRequest struct {
	Candidates []string `json:"candidates"`
}

// CheckDomains screens candidate names and returns the available .com list.
// Zero matches is a 200 with a message, not an error.
func (h *Handler) CheckDomains(w http.ResponseWriter, r *http.Request) {
	var req checkDomainsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Candidates == nil {
		writeError(w, http.StatusBadRequest, "candidates must be an array")
		return
	}

	available, err := h.domains.CheckDomains(r.Context(), req.Candidates)
	if err != nil {
		writeServiceError(w, "[Domains][Check]", err)
		return
	}
	if len(available) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"available": []string{},
			"message":   "no available domains found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available": available})
}

// emitQuotaEvent pushes the user's fresh quota counts to connected dashboards.
func (h *Handler) emitQuotaEvent(userID string) {
	var leadFinds, replyGens int
	err := h.db.QueryRow(`
		SELECT remaining_lead_finds, remaining_reply_generations FROM public.users WHERE id = $1
	`, userID).Scan(&leadFinds, &replyGens)
	if err != nil {
		return
	}
	h.emitEvent(userID, realtimeEvent{
		Type:      "quota.updated",
		UserID:    userID,
		LeadFinds: &leadFinds,
		ReplyGens: &replyGens,
		At:        time.Now().UTC().Format(time.RFC3339),
	})
}
