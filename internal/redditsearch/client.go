// Package redditsearch wraps the hosted Reddit search API behind the local
// rate limiter. All three search kinds share one cursor-pagination loop and
// normalize provider items into SearchResult records.
package redditsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://reddit-scraper.p.rapidapi.com"
	redditHost     = "https://www.reddit.com"
	commentPrefix  = "t1_"
)

// ErrRateLimited is returned before any network call when the local throttle
// denies the request. Callers decide whether to retry; the client never does.
var ErrRateLimited = errors.New("redditsearch: local rate limit exceeded")

// UpstreamError carries the provider's status and body for server-side logging.
// The body is never returned to API callers.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("redditsearch: upstream status=%d body=%s", e.Status, truncate(e.Body, 300))
}

// Limiter is the throttle contract; satisfied by ratelimit.SlidingWindow.
type Limiter interface {
	Allow() bool
}

type Client struct {
	BaseURL string
	APIKey  string
	Host    string // x-rapidapi-host header value
	Client  *http.Client
	Limiter Limiter
	Logger  *log.Logger
}

// NewFromEnv builds a client from REDDIT_SEARCH_API_KEY / REDDIT_SEARCH_API_HOST.
func NewFromEnv(limiter Limiter) *Client {
	return &Client{
		APIKey:  os.Getenv("REDDIT_SEARCH_API_KEY"),
		Host:    os.Getenv("REDDIT_SEARCH_API_HOST"),
		Limiter: limiter,
	}
}

// SearchResult is the uniform record all three search kinds normalize into.
type SearchResult struct {
	Content        string
	URL            string
	AuthorName     string
	AuthorID       string
	AuthorURL      string
	PostedAt       *time.Time
	SubredditName  string
	SubredditURL   string
	SubredditTitle string
	Score          int
	NSFW           bool
	Language       string
	UpvoteRatio    float64
	CommentCount   int
	ContentType    string
	PostTitle      string
	PostURL        string
	IsComment      bool
	Subscribers    int
}

// Provider envelope shared by all search endpoints.
type pageEnvelope struct {
	Data     []json.RawMessage `json:"data"`
	PageInfo struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
}

type rawAuthor struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	URL  string `json:"url"`
}

type rawSubreddit struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type rawPost struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	URL          string       `json:"url"`
	Score        int          `json:"score"`
	Comments     int          `json:"comments"`
	UpvoteRatio  float64      `json:"upvoteRatio"`
	NSFW         bool         `json:"nsfw"`
	Language     string       `json:"language"`
	CreationDate string       `json:"creationDate"`
	Author       rawAuthor    `json:"author"`
	Subreddit    rawSubreddit `json:"subreddit"`
	Content      struct {
		Text  string `json:"text"`
		Image string `json:"image"`
		Video string `json:"video"`
		Link  string `json:"link"`
	} `json:"content"`
}

type rawComment struct {
	ID           string       `json:"id"`
	Text         string       `json:"text"`
	Score        int          `json:"score"`
	NSFW         bool         `json:"nsfw"`
	Language     string       `json:"language"`
	UpvoteRatio  float64      `json:"upvoteRatio"`
	CreationDate string       `json:"creationDate"`
	Author       rawAuthor    `json:"author"`
	Subreddit    rawSubreddit `json:"subreddit"`
	Post         struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"post"`
}

type rawSub struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Subscribers  int    `json:"subscribers"`
	NSFW         bool   `json:"nsfw"`
	CreationDate string `json:"creationDate"`
}

// SearchPosts fetches up to desired posts matching query, relevance-sorted,
// NSFW excluded.
func (c *Client) SearchPosts(ctx context.Context, query string, desired int) ([]SearchResult, error) {
	return c.paginate(ctx, "/search_posts", query, desired, false, func(raw json.RawMessage) (SearchResult, bool) {
		var p rawPost
		if err := json.Unmarshal(raw, &p); err != nil {
			return SearchResult{}, false
		}
		return normalizePost(p), true
	})
}

// SearchComments fetches up to desired comments matching query. Comments whose
// reconstructed permalink does not sit on the expected host are discarded and
// do not count toward desired.
func (c *Client) SearchComments(ctx context.Context, query string, desired int) ([]SearchResult, error) {
	return c.paginate(ctx, "/search_comments", query, desired, false, func(raw json.RawMessage) (SearchResult, bool) {
		var cm rawComment
		if err := json.Unmarshal(raw, &cm); err != nil {
			return SearchResult{}, false
		}
		return normalizeComment(cm)
	})
}

// SearchSubreddits fetches up to desired subreddits matching query.
func (c *Client) SearchSubreddits(ctx context.Context, query string, desired int, includeNSFW bool) ([]SearchResult, error) {
	return c.paginate(ctx, "/search_subreddits", query, desired, includeNSFW, func(raw json.RawMessage) (SearchResult, bool) {
		var s rawSub
		if err := json.Unmarshal(raw, &s); err != nil {
			return SearchResult{}, false
		}
		return normalizeSubreddit(s), true
	})
}

// paginate runs the shared cursor loop: throttle check, one page fetch, append
// normalized items, follow endCursor until desired is met or pages run out.
func (c *Client) paginate(ctx context.Context, path, query string, desired int, includeNSFW bool, norm func(json.RawMessage) (SearchResult, bool)) ([]SearchResult, error) {
	if desired <= 0 {
		return []SearchResult{}, nil
	}
	l := c.Logger
	if l == nil {
		l = log.Default()
	}

	out := make([]SearchResult, 0, desired)
	cursor := ""
	for {
		if c.Limiter != nil && !c.Limiter.Allow() {
			l.Printf("[RedditSearch] throttled path=%s query=%q collected=%d", path, query, len(out))
			return nil, ErrRateLimited
		}

		env, err := c.fetchPage(ctx, path, query, cursor, includeNSFW)
		if err != nil {
			return nil, err
		}
		for _, raw := range env.Data {
			res, ok := norm(raw)
			if !ok {
				continue
			}
			out = append(out, res)
		}

		if !env.PageInfo.HasNextPage || env.PageInfo.EndCursor == "" {
			break
		}
		if len(out) >= desired {
			break
		}
		cursor = env.PageInfo.EndCursor
	}

	if len(out) > desired {
		out = out[:desired]
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, path, query, cursor string, includeNSFW bool) (*pageEnvelope, error) {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}

	q := url.Values{}
	q.Set("query", query)
	q.Set("sort", "RELEVANCE")
	if includeNSFW {
		q.Set("nsfw", "1")
	} else {
		q.Set("nsfw", "0")
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-rapidapi-key", c.APIKey)
	}
	if c.Host != "" {
		req.Header.Set("x-rapidapi-host", c.Host)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &UpstreamError{Status: res.StatusCode, Body: string(body)}
	}

	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &UpstreamError{Status: res.StatusCode, Body: "malformed payload: " + truncate(string(body), 300)}
	}
	return &env, nil
}

func normalizePost(p rawPost) SearchResult {
	// Posts surface no separate body here; the title is the content.
	return SearchResult{
		Content:        p.Title,
		URL:            p.URL,
		AuthorName:     p.Author.Name,
		AuthorID:       p.Author.ID,
		AuthorURL:      p.Author.URL,
		PostedAt:       parseCreationDate(p.CreationDate),
		SubredditName:  p.Subreddit.Name,
		SubredditURL:   p.Subreddit.URL,
		SubredditTitle: p.Subreddit.Title,
		Score:          p.Score,
		NSFW:           p.NSFW,
		Language:       p.Language,
		UpvoteRatio:    p.UpvoteRatio,
		CommentCount:   p.Comments,
		ContentType:    classifyContent(p.Content.Text, p.Content.Image, p.Content.Video, p.Content.Link),
		PostTitle:      p.Title,
		PostURL:        p.URL,
	}
}

// normalizeComment rebuilds the comment permalink from the parent post URL and
// the comment id. Anything that does not land on reddit is dropped as junk.
func normalizeComment(cm rawComment) (SearchResult, bool) {
	permalink := buildCommentPermalink(cm.Post.URL, cm.ID)
	if !strings.HasPrefix(permalink, redditHost) {
		return SearchResult{}, false
	}
	return SearchResult{
		Content:        cm.Text,
		URL:            permalink,
		AuthorName:     cm.Author.Name,
		AuthorID:       cm.Author.ID,
		AuthorURL:      cm.Author.URL,
		PostedAt:       parseCreationDate(cm.CreationDate),
		SubredditName:  cm.Subreddit.Name,
		SubredditURL:   cm.Subreddit.URL,
		SubredditTitle: cm.Subreddit.Title,
		Score:          cm.Score,
		NSFW:           cm.NSFW,
		Language:       cm.Language,
		UpvoteRatio:    cm.UpvoteRatio,
		PostTitle:      cm.Post.Title,
		PostURL:        cm.Post.URL,
		IsComment:      true,
	}, true
}

func normalizeSubreddit(s rawSub) SearchResult {
	return SearchResult{
		Content:        s.Description,
		URL:            s.URL,
		SubredditName:  s.Name,
		SubredditURL:   s.URL,
		SubredditTitle: s.Title,
		NSFW:           s.NSFW,
		PostedAt:       parseCreationDate(s.CreationDate),
		Subscribers:    s.Subscribers,
	}
}

func buildCommentPermalink(postURL, commentID string) string {
	id := strings.TrimPrefix(commentID, commentPrefix)
	if postURL == "" || id == "" {
		return ""
	}
	if !strings.HasSuffix(postURL, "/") {
		postURL += "/"
	}
	return postURL + id + "/"
}

// classifyContent picks the content type by which sub-field is populated,
// checked in text, image, video, link order.
func classifyContent(text, image, video, link string) string {
	switch {
	case text != "":
		return "text"
	case image != "":
		return "image"
	case video != "":
		return "video"
	case link != "":
		return "link"
	default:
		return "text"
	}
}

func parseCreationDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		tt := t.UTC()
		return &tt
	}
	return nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
