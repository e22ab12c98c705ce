package handlers

import (
	"database/sql"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/leadsprout/leadsprout/backend/internal/models"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL slug from a post title.
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

type blogPostRequest struct {
	Title    string  `json:"title"`
	Slug     string  `json:"slug,omitempty"`
	Excerpt  *string `json:"excerpt,omitempty"`
	Content  string  `json:"content"`
	Author   string  `json:"author"`
	ImageURL *string `json:"imageUrl,omitempty"`
}

func (h *Handler) CreateBlogPost(w http.ResponseWriter, r *http.Request) {
	var req blogPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "title and content are required")
		return
	}
	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		slug = Slugify(req.Title)
	}

	var p models.BlogPost
	err := h.db.QueryRowContext(r.Context(), `
		INSERT INTO public.blog_posts (id, title, slug, excerpt, content, author, image_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id, title, slug, excerpt, content, author, image_url, created_at, updated_at
	`, "post_"+randHex(12), req.Title, slug, req.Excerpt, req.Content, req.Author, req.ImageURL).
		Scan(&p.ID, &p.Title, &p.Slug, &p.Excerpt, &p.Content, &p.Author, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		writeError(w, http.StatusBadRequest, "duplicate slug")
		return
	}
	if err != nil {
		log.Printf("[Blog][Create] insert error slug=%s err=%v", slug, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListBlogPosts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 1, 200)

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, title, slug, excerpt, content, author, image_url, created_at, updated_at
		FROM public.blog_posts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		log.Printf("[Blog][List] query error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rows.Close()

	out := []models.BlogPost{}
	for rows.Next() {
		var p models.BlogPost
		if err := rows.Scan(&p.ID, &p.Title, &p.Slug, &p.Excerpt, &p.Content, &p.Author, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
			log.Printf("[Blog][List] scan error: %v", err)
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

// GetBlogPostBySlug is the public read path used by the marketing site.
func (h *Handler) GetBlogPostBySlug(w http.ResponseWriter, r *http.Request) {
	slug := pathVar(r, "slug")

	var p models.BlogPost
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, title, slug, excerpt, content, author, image_url, created_at, updated_at
		FROM public.blog_posts
		WHERE slug = $1
	`, slug).Scan(&p.ID, &p.Title, &p.Slug, &p.Excerpt, &p.Content, &p.Author, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("[Blog][Get] query error slug=%s err=%v", slug, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdateBlogPost(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	var req blogPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		slug = Slugify(req.Title)
	}

	var p models.BlogPost
	err := h.db.QueryRowContext(r.Context(), `
		UPDATE public.blog_posts
		SET title = $2, slug = $3, excerpt = $4, content = $5, author = $6, image_url = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING id, title, slug, excerpt, content, author, image_url, created_at, updated_at
	`, id, req.Title, slug, req.Excerpt, req.Content, req.Author, req.ImageURL).
		Scan(&p.ID, &p.Title, &p.Slug, &p.Excerpt, &p.Content, &p.Author, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		writeError(w, http.StatusBadRequest, "duplicate slug")
		return
	}
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Printf("[Blog][Update] error id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) DeleteBlogPost(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	res, err := h.db.ExecContext(r.Context(), `DELETE FROM public.blog_posts WHERE id = $1`, id)
	if err != nil {
		log.Printf("[Blog][Delete] error id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
