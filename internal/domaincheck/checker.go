// Package domaincheck screens candidate product names against a hosted
// domain-availability API, five names per request.
package domaincheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://domainr.p.rapidapi.com"
	batchSize      = 5
)

// UpstreamError aborts the whole batch run; there is no partial-results mode
// here, unlike lead discovery.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("domaincheck: upstream status=%d body=%s", e.Status, truncate(e.Body, 300))
}

type Checker struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Logger  *log.Logger
}

func NewFromEnv() *Checker {
	return &Checker{APIKey: os.Getenv("DOMAIN_API_KEY")}
}

type availabilityRequest struct {
	Domains []domainQuery `json:"domains"`
}

type domainQuery struct {
	Name string `json:"name"`
	TLD  string `json:"tld"`
}

type availabilityResponse struct {
	Results []domainResult `json:"results"`
}

type domainResult struct {
	Name      string `json:"name"`
	TLD       string `json:"tld"`
	Available bool   `json:"available"`
}

// CheckDomains cleans rawCandidates, keeps only .com entries, queries the
// provider in batches of five and returns the names reported available, with
// .com re-appended. An empty result is a normal outcome, not an error.
func (c *Checker) CheckDomains(ctx context.Context, rawCandidates []string) ([]string, error) {
	l := c.Logger
	if l == nil {
		l = log.Default()
	}

	names := CleanCandidates(rawCandidates)
	available := []string{}
	for start := 0; start < len(names); start += batchSize {
		end := start + batchSize
		if end > len(names) {
			end = len(names)
		}
		results, err := c.queryBatch(ctx, names[start:end])
		if err != nil {
			l.Printf("[DomainCheck] batch failed offset=%d size=%d err=%v", start, end-start, err)
			return nil, err
		}
		for _, res := range results {
			if res.Available && res.TLD == "com" {
				available = append(available, res.Name+".com")
			}
		}
	}

	l.Printf("[DomainCheck] done candidates=%d queried=%d available=%d", len(rawCandidates), len(names), len(available))
	return available, nil
}

func (c *Checker) queryBatch(ctx context.Context, names []string) ([]domainResult, error) {
	queries := make([]domainQuery, 0, len(names))
	for _, n := range names {
		queries = append(queries, domainQuery{Name: n, TLD: "com"})
	}
	body, err := json.Marshal(availabilityRequest{Domains: queries})
	if err != nil {
		return nil, err
	}

	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v2/availability", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-rapidapi-key", c.APIKey)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &UpstreamError{Status: res.StatusCode, Body: string(payload)}
	}

	var out availabilityResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, &UpstreamError{Status: res.StatusCode, Body: "malformed payload"}
	}
	return out.Results, nil
}

// CleanCandidates strips bracket/quote punctuation, splits comma-joined
// entries, and keeps only .com names with the suffix removed (the provider
// wants bare names plus a separate tld field).
func CleanCandidates(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		entry = strings.NewReplacer("[", "", "]", "", `"`, "", "'", "").Replace(entry)
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part == "" || !strings.HasSuffix(part, ".com") {
				continue
			}
			name := strings.TrimSuffix(part, ".com")
			if name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
