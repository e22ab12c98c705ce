package handlers

import (
	"encoding/xml"
	"log"
	"net/http"
	"time"
)

// Sitemap and RSS are generated from blog_posts so search engines pick up new
// content without a manual publish step.

type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	XMLNS   string       `xml:"xmlns,attr"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Link        string    `xml:"link"`
	Description string    `xml:"description"`
	Items       []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description,omitempty"`
	PubDate     string `xml:"pubDate"`
}

type blogEntry struct {
	Title     string
	Slug      string
	Excerpt   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (h *Handler) blogEntries(r *http.Request) ([]blogEntry, error) {
	rows, err := h.db.QueryContext(r.Context(), `
		SELECT title, slug, COALESCE(excerpt, ''), created_at, updated_at
		FROM public.blog_posts
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []blogEntry
	for rows.Next() {
		var e blogEntry
		if err := rows.Scan(&e.Title, &e.Slug, &e.Excerpt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (h *Handler) Sitemap(w http.ResponseWriter, r *http.Request) {
	entries, err := h.blogEntries(r)
	if err != nil {
		log.Printf("[SEO][Sitemap] query error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	base := frontendURL()
	set := sitemapURLSet{
		XMLNS: "http://www.sitemaps.org/schemas/sitemap/0.9",
		URLs: []sitemapURL{
			{Loc: base + "/", LastMod: time.Now().UTC().Format("2006-01-02")},
			{Loc: base + "/blog", LastMod: time.Now().UTC().Format("2006-01-02")},
		},
	}
	for _, e := range entries {
		set.URLs = append(set.URLs, sitemapURL{
			Loc:     base + "/blog/" + e.Slug,
			LastMod: e.UpdatedAt.UTC().Format("2006-01-02"),
		})
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(set); err != nil {
		log.Printf("[SEO][Sitemap] encode error: %v", err)
	}
}

func (h *Handler) RSSFeed(w http.ResponseWriter, r *http.Request) {
	entries, err := h.blogEntries(r)
	if err != nil {
		log.Printf("[SEO][RSS] query error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	base := frontendURL()
	feed := rssFeed{
		Version: "2.0",
		Channel: rssChannel{
			Title:       "LeadSprout Blog",
			Link:        base + "/blog",
			Description: "Guides on finding customers in online communities",
		},
	}
	for _, e := range entries {
		feed.Channel.Items = append(feed.Channel.Items, rssItem{
			Title:       e.Title,
			Link:        base + "/blog/" + e.Slug,
			Description: e.Excerpt,
			PubDate:     e.CreatedAt.UTC().Format(time.RFC1123Z),
		})
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(feed); err != nil {
		log.Printf("[SEO][RSS] encode error: %v", err)
	}
}
