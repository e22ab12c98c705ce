// Package leads turns product keywords into persisted Lead rows via the
// search client, gated by the per-user lead-find quota.
package leads

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/leadsprout/leadsprout/backend/internal/models"
	"github.com/leadsprout/leadsprout/backend/internal/redditsearch"
)

// ErrNotFound covers both a missing product and a product owned by someone
// else, so callers can't probe for existence.
var ErrNotFound = errors.New("leads: product not found")

// ErrQuotaExhausted means remaining_lead_finds was 0 at the pre-check.
// No network call is made in that case.
var ErrQuotaExhausted = errors.New("leads: lead find quota exhausted")

const defaultResultsPerKeyword = 10

// Searcher is the slice of the search client this service needs.
type Searcher interface {
	SearchPosts(ctx context.Context, query string, desired int) ([]redditsearch.SearchResult, error)
	SearchComments(ctx context.Context, query string, desired int) ([]redditsearch.SearchResult, error)
}

type Service struct {
	DB                *sql.DB
	Search            Searcher
	ResultsPerKeyword int
	Logger            *log.Logger
}

// KeywordFailure reports one keyword that contributed no leads to a discovery
// run, whether its search failed or simply came back empty.
type KeywordFailure struct {
	Keyword string `json:"keyword"`
	Reason  string `json:"reason"`
}

// DiscoveryResult is the outcome of a single find-leads invocation.
type DiscoveryResult struct {
	Leads              []models.Lead    `json:"leads"`
	Failures           []KeywordFailure `json:"failures,omitempty"`
	RemainingLeadFinds int              `json:"remainingLeadFinds"`
}

// FindLeads runs one discovery pass for a product owned by userID. Keywords
// are searched sequentially (one outstanding request at a time, so the shared
// limiter sees an ordered stream); a failing keyword is skipped and reported
// while the rest of the run continues. The lead-find quota is decremented by
// exactly 1 per invocation, never per keyword, and only after leads have been
// persisted. kind selects post search or comment search.
func (s *Service) FindLeads(ctx context.Context, productID, userID, kind string) (*DiscoveryResult, error) {
	l := s.logger()

	product, err := s.loadOwnedProduct(ctx, productID, userID)
	if err != nil {
		return nil, err
	}

	var remaining int
	err = s.DB.QueryRowContext(ctx, `SELECT remaining_lead_finds FROM public.users WHERE id = $1`, userID).Scan(&remaining)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, ErrQuotaExhausted
	}

	desired := s.ResultsPerKeyword
	if desired <= 0 {
		desired = defaultResultsPerKeyword
	}

	keywords := SplitKeywords(product.Keywords)
	result := &DiscoveryResult{Leads: []models.Lead{}}

	for _, kw := range keywords {
		var found []redditsearch.SearchResult
		var serr error
		if kind == "comments" {
			found, serr = s.Search.SearchComments(ctx, kw, desired)
		} else {
			found, serr = s.Search.SearchPosts(ctx, kw, desired)
		}
		if serr != nil {
			l.Printf("[Leads][Find] keyword failed productId=%s keyword=%q err=%v", productID, kw, serr)
			result.Failures = append(result.Failures, KeywordFailure{Keyword: kw, Reason: failureReason(serr)})
			continue
		}
		// An empty result set is still reported per keyword so the caller can
		// tell a dry keyword from one that simply merged into the batch.
		if len(found) == 0 {
			l.Printf("[Leads][Find] keyword empty productId=%s keyword=%q", productID, kw)
			result.Failures = append(result.Failures, KeywordFailure{Keyword: kw, Reason: "no_results"})
			continue
		}
		for _, res := range found {
			lead, inserted, ierr := s.insertLead(ctx, productID, res)
			if ierr != nil {
				l.Printf("[Leads][Find] insert failed productId=%s url=%s err=%v", productID, res.URL, ierr)
				continue
			}
			if inserted {
				result.Leads = append(result.Leads, lead)
			}
		}
	}

	// Newest first. The sequential queue yields results in keyword order, so
	// the merge has to re-sort explicitly.
	sort.SliceStable(result.Leads, func(i, j int) bool {
		ti, tj := result.Leads[i].PostedAt, result.Leads[j].PostedAt
		if ti == nil {
			return false
		}
		if tj == nil {
			return true
		}
		return ti.After(*tj)
	})

	// Atomic conditional decrement. A concurrent run can drain the quota
	// between our pre-check and here; the leads above are already persisted,
	// so a zero-row update is logged instead of rolled back.
	err = s.DB.QueryRowContext(ctx, `
		UPDATE public.users
		SET remaining_lead_finds = remaining_lead_finds - 1
		WHERE id = $1 AND remaining_lead_finds > 0
		RETURNING remaining_lead_finds
	`, userID).Scan(&result.RemainingLeadFinds)
	if err == sql.ErrNoRows {
		l.Printf("[Leads][Find] quota decrement raced to zero userId=%s productId=%s", userID, productID)
		result.RemainingLeadFinds = 0
	} else if err != nil {
		l.Printf("[Leads][Find] quota decrement failed userId=%s err=%v", userID, err)
		result.RemainingLeadFinds = remaining - 1
	}

	l.Printf("[Leads][Find] done productId=%s keywords=%d inserted=%d failed=%d remaining=%d",
		productID, len(keywords), len(result.Leads), len(result.Failures), result.RemainingLeadFinds)
	return result, nil
}

// ListLeads returns the stored leads for a product owned by userID,
// newest first.
func (s *Service) ListLeads(ctx context.Context, productID, userID string, limit int) ([]models.Lead, error) {
	if _, err := s.loadOwnedProduct(ctx, productID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, product_id, content, url, reply, author_name, author_id, author_url,
		       posted_at, subreddit_name, subreddit_url, subreddit_title, score, nsfw,
		       language, upvote_ratio, comment_count, content_type, post_title, post_url,
		       is_comment, created_at, updated_at
		FROM public.leads
		WHERE product_id = $1
		ORDER BY posted_at DESC NULLS LAST, created_at DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Lead{}
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

func (s *Service) loadOwnedProduct(ctx context.Context, productID, userID string) (*models.Product, error) {
	var p models.Product
	var desc, url sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, keywords, url, created_at
		FROM public.products
		WHERE id = $1 AND user_id = $2
	`, productID, userID).Scan(&p.ID, &p.UserID, &p.Name, &desc, &p.Keywords, &url, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if desc.Valid {
		p.Description = &desc.String
	}
	if url.Valid {
		p.URL = &url.String
	}
	return &p, nil
}

// insertLead persists one normalized search result. Duplicate source URLs for
// the same product are skipped (inserted=false), so reruns don't accumulate
// copies of the same thread.
func (s *Service) insertLead(ctx context.Context, productID string, res redditsearch.SearchResult) (models.Lead, bool, error) {
	lead := models.Lead{
		ID:        "lead_" + randHex(12),
		ProductID: productID,
		Content:   res.Content,
		URL:       res.URL,
		NSFW:      res.NSFW,
		IsComment: res.IsComment,
		PostedAt:  res.PostedAt,
	}
	lead.AuthorName = strPtr(res.AuthorName)
	lead.AuthorID = strPtr(res.AuthorID)
	lead.AuthorURL = strPtr(res.AuthorURL)
	lead.SubredditName = strPtr(res.SubredditName)
	lead.SubredditURL = strPtr(res.SubredditURL)
	lead.SubredditTitle = strPtr(res.SubredditTitle)
	lead.Language = strPtr(res.Language)
	lead.ContentType = strPtr(res.ContentType)
	lead.PostTitle = strPtr(res.PostTitle)
	lead.PostURL = strPtr(res.PostURL)
	score := res.Score
	lead.Score = &score
	ratio := res.UpvoteRatio
	lead.UpvoteRatio = &ratio
	count := res.CommentCount
	lead.CommentCount = &count

	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO public.leads
		  (id, product_id, content, url, author_name, author_id, author_url, posted_at,
		   subreddit_name, subreddit_url, subreddit_title, score, nsfw, language,
		   upvote_ratio, comment_count, content_type, post_title, post_url, is_comment,
		   created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW(), NOW())
		ON CONFLICT (product_id, url) DO NOTHING
		RETURNING created_at, updated_at
	`, lead.ID, productID, lead.Content, lead.URL, lead.AuthorName, lead.AuthorID, lead.AuthorURL,
		lead.PostedAt, lead.SubredditName, lead.SubredditURL, lead.SubredditTitle, lead.Score,
		lead.NSFW, lead.Language, lead.UpvoteRatio, lead.CommentCount, lead.ContentType,
		lead.PostTitle, lead.PostURL, lead.IsComment).
		Scan(&lead.CreatedAt, &lead.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Lead{}, false, nil
	}
	if err != nil {
		return models.Lead{}, false, err
	}
	return lead, true, nil
}

// SplitKeywords splits the stored comma-joined keyword string, trimming each
// entry and dropping empties.
func SplitKeywords(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func failureReason(err error) string {
	if errors.Is(err, redditsearch.ErrRateLimited) {
		return "rate_limited"
	}
	var ue *redditsearch.UpstreamError
	if errors.As(err, &ue) {
		return fmt.Sprintf("upstream_status_%d", ue.Status)
	}
	return "search_failed"
}

func (s *Service) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

type leadScanner interface {
	Scan(dest ...any) error
}

func scanLead(row leadScanner) (models.Lead, error) {
	var lead models.Lead
	var reply, authorName, authorID, authorURL, subName, subURL, subTitle, lang, ctype, ptitle, purl sql.NullString
	var postedAt sql.NullTime
	var score, commentCount sql.NullInt64
	var ratio sql.NullFloat64
	err := row.Scan(
		&lead.ID, &lead.ProductID, &lead.Content, &lead.URL, &reply,
		&authorName, &authorID, &authorURL, &postedAt,
		&subName, &subURL, &subTitle, &score, &lead.NSFW,
		&lang, &ratio, &commentCount, &ctype, &ptitle, &purl,
		&lead.IsComment, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if err != nil {
		return models.Lead{}, err
	}
	if reply.Valid {
		lead.Reply = &reply.String
	}
	lead.AuthorName = nullStr(authorName)
	lead.AuthorID = nullStr(authorID)
	lead.AuthorURL = nullStr(authorURL)
	lead.SubredditName = nullStr(subName)
	lead.SubredditURL = nullStr(subURL)
	lead.SubredditTitle = nullStr(subTitle)
	lead.Language = nullStr(lang)
	lead.ContentType = nullStr(ctype)
	lead.PostTitle = nullStr(ptitle)
	lead.PostURL = nullStr(purl)
	if postedAt.Valid {
		t := postedAt.Time
		lead.PostedAt = &t
	}
	if score.Valid {
		v := int(score.Int64)
		lead.Score = &v
	}
	if commentCount.Valid {
		v := int(commentCount.Int64)
		lead.CommentCount = &v
	}
	if ratio.Valid {
		v := ratio.Float64
		lead.UpvoteRatio = &v
	}
	return lead, nil
}

func nullStr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable for id generation; fall back
		// to a timestamp so inserts still get distinct ids.
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
