package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newIdentity(t *testing.T) (*Identity, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Identity{DB: db}, mock
}

func TestMiddlewareRejectsMissingSubject(t *testing.T) {
	m, _ := newIdentity(t)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	w := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(w, httptest.NewRequest("GET", "/api/products", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if called {
		t.Fatalf("next handler must not run without identity")
	}
}

func TestMiddlewareRejectsBadInternalSecret(t *testing.T) {
	m, _ := newIdentity(t)
	t.Setenv("INTERNAL_API_SECRET", "s3cret")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/products", nil)
	r.Header.Set("X-Identity-Sub", "auth0|abc")
	r.Header.Set("X-Internal-Secret", "wrong")
	m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareResolvesUserAndInjectsID(t *testing.T) {
	m, mock := newIdentity(t)

	mock.ExpectQuery(`INSERT INTO public\.users`).
		WithArgs("auth0|abc", "jo@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("usr_1"))

	var gotID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = UserID(r.Context())
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/products", nil)
	r.Header.Set("X-Identity-Sub", "auth0|abc")
	r.Header.Set("X-Identity-Email", "jo@example.com")
	m.Middleware(next).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotID != "usr_1" {
		t.Fatalf("expected resolved user id usr_1, got %q", gotID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMiddlewareFailsClosedOnDatabaseError(t *testing.T) {
	m, mock := newIdentity(t)

	mock.ExpectQuery(`INSERT INTO public\.users`).
		WillReturnError(errors.New("connection refused"))

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/products", nil)
	r.Header.Set("X-Identity-Sub", "auth0|abc")
	m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
