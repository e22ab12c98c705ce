// Package replies generates suggested replies for stored leads, gated by the
// per-user reply-generation quota.
package replies

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
)

var (
	// ErrNotFound covers a missing lead and a lead whose product belongs to
	// someone else.
	ErrNotFound = errors.New("replies: lead not found")
	// ErrQuotaExhausted means remaining_reply_generations was 0 at the pre-check.
	ErrQuotaExhausted = errors.New("replies: reply generation quota exhausted")
	// ErrGenerationFailed hides provider details from callers; the underlying
	// error is logged server-side only.
	ErrGenerationFailed = errors.New("replies: failed to generate reply")
)

// Generator is the text-generation boundary; OpenAIGenerator implements it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Service struct {
	DB     *sql.DB
	Gen    Generator
	Logger *log.Logger
}

// Result carries the regenerated lead reply plus the caller's new quota.
type Result struct {
	LeadID                    string `json:"leadId"`
	Reply                     string `json:"reply"`
	RemainingReplyGenerations int    `json:"remainingReplyGenerations"`
}

// GenerateReply produces a reply for a lead owned (through its product) by
// userID and stores it on the lead, replacing any previous reply. The quota is
// decremented only after the reply has been persisted; a failed generation
// leaves it untouched.
func (s *Service) GenerateReply(ctx context.Context, leadID, userID string) (*Result, error) {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}

	var content, productName string
	err := s.DB.QueryRowContext(ctx, `
		SELECT l.content, p.name
		FROM public.leads l
		JOIN public.products p ON p.id = l.product_id
		WHERE l.id = $1 AND p.user_id = $2
	`, leadID, userID).Scan(&content, &productName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var remaining int
	err = s.DB.QueryRowContext(ctx, `SELECT remaining_reply_generations FROM public.users WHERE id = $1`, userID).Scan(&remaining)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, ErrQuotaExhausted
	}

	prompt := fmt.Sprintf(
		"Product: %s\n\nSomeone posted this on Reddit:\n%q\n\nWrite a reply that genuinely helps them and mentions %s once where it fits.",
		productName, content, productName,
	)
	reply, err := s.Gen.Generate(ctx, prompt)
	if err != nil {
		l.Printf("[Replies][Generate] generation failed leadId=%s err=%v", leadID, err)
		return nil, ErrGenerationFailed
	}

	if _, err := s.DB.ExecContext(ctx, `
		UPDATE public.leads SET reply = $2, updated_at = NOW() WHERE id = $1
	`, leadID, reply); err != nil {
		l.Printf("[Replies][Generate] persist failed leadId=%s err=%v", leadID, err)
		return nil, ErrGenerationFailed
	}

	res := &Result{LeadID: leadID, Reply: reply}
	err = s.DB.QueryRowContext(ctx, `
		UPDATE public.users
		SET remaining_reply_generations = remaining_reply_generations - 1
		WHERE id = $1 AND remaining_reply_generations > 0
		RETURNING remaining_reply_generations
	`, userID).Scan(&res.RemainingReplyGenerations)
	if err == sql.ErrNoRows {
		// Raced to zero after the pre-check; the reply is already stored.
		l.Printf("[Replies][Generate] quota decrement raced to zero userId=%s leadId=%s", userID, leadID)
		res.RemainingReplyGenerations = 0
	} else if err != nil {
		l.Printf("[Replies][Generate] quota decrement failed userId=%s err=%v", userID, err)
		res.RemainingReplyGenerations = remaining - 1
	}

	l.Printf("[Replies][Generate] ok leadId=%s remaining=%d", leadID, res.RemainingReplyGenerations)
	return res, nil
}
