package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// QuotaRefiller periodically resets quotas for users on active yearly plans
// back to the plan allotment. Webhook delivery is best-effort, so yearly
// customers get this refill independent of billing events.
type QuotaRefiller struct {
	DB       *sql.DB
	Interval time.Duration

	// YearlyAllotment resolves a plan name to its yearly quota allotment.
	YearlyAllotment func(planName string) (leadFinds, replyGens int, ok bool)
}

func (w *QuotaRefiller) Start(ctx context.Context) {
	if w == nil || w.DB == nil || w.YearlyAllotment == nil {
		return
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	log.Printf("[QuotaRefill] worker started interval=%s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[QuotaRefill] worker stopped err=%v", ctx.Err())
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *QuotaRefiller) runOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := w.RefillYearly(sweepCtx)
	if err != nil {
		log.Printf("[QuotaRefill] sweep error err=%v", err)
		return
	}
	if n > 0 {
		log.Printf("[QuotaRefill] refilled users=%d", n)
	}
}

// RefillYearly resets quotas for every user holding an active yearly
// subscription and returns how many user rows were touched.
func (w *QuotaRefiller) RefillYearly(ctx context.Context) (int, error) {
	rows, err := w.DB.QueryContext(ctx, `
		SELECT DISTINCT plan_name
		FROM public.subscriptions
		WHERE status = 'active' AND interval = 'year'
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var plans []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return 0, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, plan := range plans {
		leadFinds, replyGens, ok := w.YearlyAllotment(plan)
		if !ok {
			log.Printf("[QuotaRefill] unknown plan skipped plan=%s", plan)
			continue
		}
		res, err := w.DB.ExecContext(ctx, `
			UPDATE public.users
			SET remaining_lead_finds = $2, remaining_reply_generations = $3
			WHERE email IN (
				SELECT customer_email
				FROM public.subscriptions
				WHERE status = 'active' AND interval = 'year' AND plan_name = $1
			)
		`, plan, leadFinds, replyGens)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}
