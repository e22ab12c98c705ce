package leads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leadsprout/leadsprout/backend/internal/redditsearch"
)

type fakeSearcher struct {
	posts    map[string][]redditsearch.SearchResult
	errs     map[string]error
	calls    []string
	comments map[string][]redditsearch.SearchResult
}

func (f *fakeSearcher) SearchPosts(ctx context.Context, query string, desired int) ([]redditsearch.SearchResult, error) {
	f.calls = append(f.calls, query)
	if err := f.errs[query]; err != nil {
		return nil, err
	}
	return f.posts[query], nil
}

func (f *fakeSearcher) SearchComments(ctx context.Context, query string, desired int) ([]redditsearch.SearchResult, error) {
	f.calls = append(f.calls, query)
	if err := f.errs[query]; err != nil {
		return nil, err
	}
	return f.comments[query], nil
}

func ts(s string) *time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return &t
}

func expectOwnedProduct(mock sqlmock.Sqlmock, productID, userID, keywords string) {
	mock.ExpectQuery(`SELECT id, user_id, name, description, keywords, url, created_at\s+FROM public\.products`).
		WithArgs(productID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "description", "keywords", "url", "created_at"}).
			AddRow(productID, userID, "Acme CRM", nil, keywords, nil, time.Now()))
}

func expectQuotaRead(mock sqlmock.Sqlmock, userID string, remaining int) {
	mock.ExpectQuery(`SELECT remaining_lead_finds FROM public\.users`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"remaining_lead_finds"}).AddRow(remaining))
}

func expectLeadInsert(mock sqlmock.Sqlmock) {
	now := time.Now()
	mock.ExpectQuery(`INSERT INTO public\.leads`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
}

func expectQuotaDecrement(mock sqlmock.Sqlmock, userID string, remainingAfter int) {
	mock.ExpectQuery(`UPDATE public\.users\s+SET remaining_lead_finds = remaining_lead_finds - 1`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"remaining_lead_finds"}).AddRow(remainingAfter))
}

func TestFindLeads_InsertsAllAndDecrementsOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	search := &fakeSearcher{posts: map[string][]redditsearch.SearchResult{
		"CRM alternative": {
			{Content: "old post", URL: "https://www.reddit.com/r/x/comments/a/", PostedAt: ts("2025-01-01T00:00:00Z")},
			{Content: "new post", URL: "https://www.reddit.com/r/x/comments/b/", PostedAt: ts("2025-03-01T00:00:00Z")},
		},
		"sales automation": {
			{Content: "mid post", URL: "https://www.reddit.com/r/y/comments/c/", PostedAt: ts("2025-02-01T00:00:00Z")},
		},
	}}

	expectOwnedProduct(mock, "prod1", "u1", "CRM alternative, sales automation")
	expectQuotaRead(mock, "u1", 3)
	for i := 0; i < 3; i++ {
		expectLeadInsert(mock)
	}
	expectQuotaDecrement(mock, "u1", 2)

	svc := &Service{DB: db, Search: search}
	res, err := svc.FindLeads(context.Background(), "prod1", "u1", "posts")
	if err != nil {
		t.Fatalf("FindLeads: %v", err)
	}
	if len(res.Leads) != 3 {
		t.Fatalf("expected 3 leads, got %d", len(res.Leads))
	}
	if len(res.Failures) != 0 {
		t.Fatalf("expected no failures, got %+v", res.Failures)
	}
	if res.RemainingLeadFinds != 2 {
		t.Fatalf("expected remaining=2, got %d", res.RemainingLeadFinds)
	}
	// Newest posted first regardless of keyword order.
	if res.Leads[0].Content != "new post" || res.Leads[1].Content != "mid post" || res.Leads[2].Content != "old post" {
		t.Fatalf("expected newest-first order, got %q, %q, %q", res.Leads[0].Content, res.Leads[1].Content, res.Leads[2].Content)
	}
	// Sequential, keyword order.
	if len(search.calls) != 2 || search.calls[0] != "CRM alternative" || search.calls[1] != "sales automation" {
		t.Fatalf("unexpected search calls %v", search.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestFindLeads_QuotaExhausted_NoSearchNoInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	search := &fakeSearcher{}
	expectOwnedProduct(mock, "prod1", "u1", "CRM alternative")
	expectQuotaRead(mock, "u1", 0)

	svc := &Service{DB: db, Search: search}
	_, err = svc.FindLeads(context.Background(), "prod1", "u1", "posts")
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted, got %v", err)
	}
	if len(search.calls) != 0 {
		t.Fatalf("expected zero search calls, got %v", search.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestFindLeads_OwnershipMismatchIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT id, user_id, name, description, keywords, url, created_at\s+FROM public\.products`).
		WithArgs("prod1", "intruder").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "description", "keywords", "url", "created_at"}))

	svc := &Service{DB: db, Search: &fakeSearcher{}}
	_, err = svc.FindLeads(context.Background(), "prod1", "intruder", "posts")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindLeads_PartialFailureSkipsKeyword(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	results := make([]redditsearch.SearchResult, 0, 8)
	for i := 0; i < 8; i++ {
		results = append(results, redditsearch.SearchResult{
			Content: "post", URL: "https://www.reddit.com/r/x/comments/p/" + string(rune('a'+i)) + "/",
			PostedAt: ts("2025-01-01T00:00:00Z"),
		})
	}
	search := &fakeSearcher{
		posts: map[string][]redditsearch.SearchResult{"CRM alternative": results},
		errs:  map[string]error{"sales automation": &redditsearch.UpstreamError{Status: 502, Body: "empty"}},
	}

	expectOwnedProduct(mock, "prod1", "u1", "CRM alternative, sales automation")
	expectQuotaRead(mock, "u1", 5)
	for i := 0; i < 8; i++ {
		expectLeadInsert(mock)
	}
	expectQuotaDecrement(mock, "u1", 4)

	svc := &Service{DB: db, Search: search}
	res, err := svc.FindLeads(context.Background(), "prod1", "u1", "posts")
	if err != nil {
		t.Fatalf("FindLeads: %v", err)
	}
	if len(res.Leads) != 8 {
		t.Fatalf("expected 8 leads, got %d", len(res.Leads))
	}
	if len(res.Failures) != 1 || res.Failures[0].Keyword != "sales automation" {
		t.Fatalf("expected sales automation failure, got %+v", res.Failures)
	}
	if res.Failures[0].Reason != "upstream_status_502" {
		t.Fatalf("unexpected reason %q", res.Failures[0].Reason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestFindLeads_EmptyKeywordReported(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	results := make([]redditsearch.SearchResult, 0, 8)
	for i := 0; i < 8; i++ {
		results = append(results, redditsearch.SearchResult{
			Content: "post", URL: "https://www.reddit.com/r/x/comments/q/" + string(rune('a'+i)) + "/",
			PostedAt: ts("2025-01-01T00:00:00Z"),
		})
	}
	search := &fakeSearcher{posts: map[string][]redditsearch.SearchResult{
		"CRM alternative":  results,
		"sales automation": {},
	}}

	expectOwnedProduct(mock, "prod1", "u1", "CRM alternative, sales automation")
	expectQuotaRead(mock, "u1", 5)
	for i := 0; i < 8; i++ {
		expectLeadInsert(mock)
	}
	expectQuotaDecrement(mock, "u1", 4)

	svc := &Service{DB: db, Search: search}
	res, err := svc.FindLeads(context.Background(), "prod1", "u1", "posts")
	if err != nil {
		t.Fatalf("FindLeads: %v", err)
	}
	if len(res.Leads) != 8 {
		t.Fatalf("expected 8 leads, got %d", len(res.Leads))
	}
	if len(res.Failures) != 1 || res.Failures[0].Keyword != "sales automation" {
		t.Fatalf("expected the dry keyword reported, got %+v", res.Failures)
	}
	if res.Failures[0].Reason != "no_results" {
		t.Fatalf("unexpected reason %q", res.Failures[0].Reason)
	}
	if res.RemainingLeadFinds != 4 {
		t.Fatalf("expected remaining=4, got %d", res.RemainingLeadFinds)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestFindLeads_RateLimitedKeywordReported(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	search := &fakeSearcher{errs: map[string]error{"CRM alternative": redditsearch.ErrRateLimited}}
	expectOwnedProduct(mock, "prod1", "u1", "CRM alternative")
	expectQuotaRead(mock, "u1", 1)
	expectQuotaDecrement(mock, "u1", 0)

	svc := &Service{DB: db, Search: search}
	res, err := svc.FindLeads(context.Background(), "prod1", "u1", "posts")
	if err != nil {
		t.Fatalf("FindLeads: %v", err)
	}
	if len(res.Failures) != 1 || res.Failures[0].Reason != "rate_limited" {
		t.Fatalf("expected rate_limited failure, got %+v", res.Failures)
	}
}

func TestFindLeads_DuplicateURLSkipped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	search := &fakeSearcher{posts: map[string][]redditsearch.SearchResult{
		"CRM alternative": {
			{Content: "seen before", URL: "https://www.reddit.com/r/x/comments/dup/"},
			{Content: "fresh", URL: "https://www.reddit.com/r/x/comments/new/"},
		},
	}}

	expectOwnedProduct(mock, "prod1", "u1", "CRM alternative")
	expectQuotaRead(mock, "u1", 2)
	// Conflict: RETURNING yields no rows.
	mock.ExpectQuery(`INSERT INTO public\.leads`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))
	expectLeadInsert(mock)
	expectQuotaDecrement(mock, "u1", 1)

	svc := &Service{DB: db, Search: search}
	res, err := svc.FindLeads(context.Background(), "prod1", "u1", "posts")
	if err != nil {
		t.Fatalf("FindLeads: %v", err)
	}
	if len(res.Leads) != 1 || res.Leads[0].Content != "fresh" {
		t.Fatalf("expected only the fresh lead, got %+v", res.Leads)
	}
}

func TestSplitKeywords(t *testing.T) {
	got := SplitKeywords(" CRM alternative, sales automation ,,  ")
	if len(got) != 2 || got[0] != "CRM alternative" || got[1] != "sales automation" {
		t.Fatalf("unexpected keywords %v", got)
	}
	if len(SplitKeywords("")) != 0 {
		t.Fatalf("empty string should yield no keywords")
	}
}
