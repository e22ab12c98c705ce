package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/leadsprout/leadsprout/backend/internal/domaincheck"
	"github.com/leadsprout/leadsprout/backend/internal/leads"
	"github.com/leadsprout/leadsprout/backend/internal/redditsearch"
	"github.com/leadsprout/leadsprout/backend/internal/replies"
	"github.com/lib/pq"
)

// writeServiceError maps the service-layer error taxonomy onto HTTP statuses.
// Not-found and ownership mismatch are one variant on purpose, so callers
// can't probe for another user's records. Upstream bodies stay in the log.
func writeServiceError(w http.ResponseWriter, tag string, err error) {
	switch {
	case errors.Is(err, leads.ErrNotFound), errors.Is(err, replies.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, leads.ErrQuotaExhausted):
		writeError(w, http.StatusForbidden, "lead find quota exhausted")
	case errors.Is(err, replies.ErrQuotaExhausted):
		writeError(w, http.StatusForbidden, "reply generation quota exhausted")
	case errors.Is(err, redditsearch.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many searches, slow down")
	case errors.Is(err, replies.ErrGenerationFailed):
		writeError(w, http.StatusInternalServerError, "failed to generate reply")
	default:
		var se *redditsearch.UpstreamError
		var de *domaincheck.UpstreamError
		if errors.As(err, &se) || errors.As(err, &de) {
			log.Printf("%s upstream error: %v", tag, err)
			writeError(w, http.StatusInternalServerError, "upstream provider error")
			return
		}
		log.Printf("%s unexpected error: %v", tag, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (used to surface duplicate blog slugs distinctly).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
