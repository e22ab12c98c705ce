package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/leadsprout/leadsprout/backend/internal/middleware"
	"github.com/leadsprout/leadsprout/backend/internal/models"
)

// QuotaPlan maps a Stripe price to the allotments it buys. The table is
// static: price ids come from the environment, allotments are fixed per tier.
type QuotaPlan struct {
	Name             string `json:"name"`
	Interval         string `json:"interval"`
	LeadFinds        int    `json:"leadFinds"`
	ReplyGenerations int    `json:"replyGenerations"`
}

var quotaPlans map[string]QuotaPlan

func loadQuotaPlans() map[string]QuotaPlan {
	if quotaPlans != nil {
		return quotaPlans
	}
	plans := map[string]QuotaPlan{}
	add := func(envKey string, p QuotaPlan) {
		if id := strings.TrimSpace(os.Getenv(envKey)); id != "" {
			plans[id] = p
		}
	}
	add("STRIPE_PRICE_STARTER_MONTHLY", QuotaPlan{Name: "starter", Interval: "month", LeadFinds: 10, ReplyGenerations: 50})
	add("STRIPE_PRICE_STARTER_YEARLY", QuotaPlan{Name: "starter", Interval: "year", LeadFinds: 120, ReplyGenerations: 600})
	add("STRIPE_PRICE_PRO_MONTHLY", QuotaPlan{Name: "pro", Interval: "month", LeadFinds: 40, ReplyGenerations: 200})
	add("STRIPE_PRICE_PRO_YEARLY", QuotaPlan{Name: "pro", Interval: "year", LeadFinds: 480, ReplyGenerations: 2400})
	quotaPlans = plans
	return quotaPlans
}

// planForPriceID resolves a price id against the static plan table.
func planForPriceID(priceID string) (QuotaPlan, bool) {
	p, ok := loadQuotaPlans()[priceID]
	return p, ok
}

// YearlyPlanAllotment is used by the quota refill worker to re-apply yearly
// allotments independent of webhook delivery.
func YearlyPlanAllotment(planName string) (QuotaPlan, bool) {
	for _, p := range loadQuotaPlans() {
		if p.Name == planName && p.Interval == "year" {
			return p, true
		}
	}
	return QuotaPlan{}, false
}

// Stripe client instance
var stripeClient *client.API

func initStripe() {
	if stripeClient != nil {
		return
	}

	secretKey := os.Getenv("STRIPE_SECRET_KEY")
	if secretKey == "" {
		log.Printf("[Billing] STRIPE_SECRET_KEY not set, Stripe features disabled")
		return
	}

	stripeClient = &client.API{}
	stripeClient.Init(secretKey, nil)
}

func frontendURL() string {
	u := strings.TrimRight(strings.TrimSpace(os.Getenv("FRONTEND_URL")), "/")
	if u == "" {
		u = "http://localhost:3000"
	}
	return u
}

// ensureStripeCustomer finds or creates a Stripe Customer for the user and
// stores the id on the user row.
func (h *Handler) ensureStripeCustomer(userID string) (string, error) {
	var email string
	var customerID sql.NullString
	err := h.db.QueryRow(`
		SELECT email, stripe_customer_id FROM public.users WHERE id = $1
	`, userID).Scan(&email, &customerID)
	if err != nil {
		return "", err
	}
	if customerID.Valid && customerID.String != "" {
		return customerID.String, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"user_id": userID,
		},
	}
	cust, err := stripeClient.Customers.New(params)
	if err != nil {
		return "", err
	}

	_, err = h.db.Exec(`
		UPDATE public.users SET stripe_customer_id = $2 WHERE id = $1
	`, userID, cust.ID)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CreateCheckoutSession starts a Stripe Checkout Session for the current user.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	initStripe()
	if stripeClient == nil {
		writeError(w, http.StatusServiceUnavailable, "billing not configured")
		return
	}

	userID := middleware.UserID(r.Context())

	var req struct {
		PriceID string `json:"priceId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if _, ok := planForPriceID(req.PriceID); !ok {
		writeError(w, http.StatusBadRequest, "unknown price id")
		return
	}

	customerID, err := h.ensureStripeCustomer(userID)
	if err != nil {
		log.Printf("[Billing][Checkout] customer error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to prepare billing")
		return
	}

	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(frontendURL() + "/billing/success"),
		CancelURL:  stripe.String(frontendURL() + "/billing/cancel"),
		Metadata: map[string]string{
			"user_id":  userID,
			"checkout": "subscription",
		},
	}

	sess, err := stripeClient.CheckoutSessions.New(params)
	if err != nil {
		log.Printf("[Billing][Checkout] session error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": sess.URL})
}

// CreateBillingPortalSession returns a Stripe billing portal URL so the user
// can manage their subscription.
func (h *Handler) CreateBillingPortalSession(w http.ResponseWriter, r *http.Request) {
	initStripe()
	if stripeClient == nil {
		writeError(w, http.StatusServiceUnavailable, "billing not configured")
		return
	}

	userID := middleware.UserID(r.Context())

	var customerID sql.NullString
	err := h.db.QueryRow(`
		SELECT stripe_customer_id FROM public.users WHERE id = $1
	`, userID).Scan(&customerID)
	if err == sql.ErrNoRows || (err == nil && !customerID.Valid) {
		writeError(w, http.StatusNotFound, "no billing account")
		return
	}
	if err != nil {
		log.Printf("[Billing][Portal] query error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID.String),
		ReturnURL: stripe.String(frontendURL() + "/settings/billing"),
	}
	sess, err := stripeClient.BillingPortalSessions.New(params)
	if err != nil {
		log.Printf("[Billing][Portal] session error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": sess.URL})
}

// GetUserInvoices returns billing history for the current user.
func (h *Handler) GetUserInvoices(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	limit := parseLimit(r, 20, 1, 100)

	rows, err := h.db.Query(`
		SELECT id, stripe_invoice_id, amount_due, amount_paid, currency, status, hosted_invoice_url, created_at
		FROM public.invoices
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[Billing][Invoices] query error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rows.Close()

	out := []models.Invoice{}
	for rows.Next() {
		var inv models.Invoice
		var hostedURL sql.NullString
		if err := rows.Scan(&inv.ID, &inv.StripeInvoiceID, &inv.AmountDue, &inv.AmountPaid,
			&inv.Currency, &inv.Status, &hostedURL, &inv.CreatedAt); err != nil {
			log.Printf("[Billing][Invoices] scan error userId=%s err=%v", userID, err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		inv.HostedInvoiceURL = nullStringPtr(hostedURL)
		out = append(out, inv)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSubscription returns the caller's most recent subscription row, matched
// the same way the webhook writes it: by the user's email.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var email string
	if err := h.db.QueryRowContext(r.Context(), `SELECT email FROM public.users WHERE id = $1`, userID).Scan(&email); err != nil {
		log.Printf("[Billing][Subscription] user lookup error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var sub models.Subscription
	var periodStart, periodEnd, canceledAt sql.NullTime
	err := h.db.QueryRowContext(r.Context(), `
		SELECT id, stripe_subscription_id, status, plan_name, price_id, interval,
		       current_period_start, current_period_end, canceled_at, created_at, updated_at
		FROM public.subscriptions
		WHERE customer_email = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, email).Scan(&sub.ID, &sub.StripeSubscriptionID, &sub.Status, &sub.PlanName, &sub.PriceID,
		&sub.Interval, &periodStart, &periodEnd, &canceledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no subscription")
		return
	}
	if err != nil {
		log.Printf("[Billing][Subscription] query error userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.CanceledAt = nullTimePtr(canceledAt)

	writeJSON(w, http.StatusOK, sub)
}

// StripeWebhook handles Stripe webhook events. Signature verification is
// mandatory: a bad or missing signature rejects the whole request before any
// event processing.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if webhookSecret == "" {
		log.Printf("[Billing][Webhook] STRIPE_WEBHOOK_SECRET not set")
		writeError(w, http.StatusInternalServerError, "webhook not configured")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sig, webhookSecret)
	if err != nil {
		log.Printf("[Billing][Webhook] signature verification error: %v", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	if err := h.processStripeEvent(event); err != nil {
		log.Printf("[Billing][Webhook] event processing error type=%s id=%s err=%v", event.Type, event.ID, err)
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) processStripeEvent(event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created":
		return h.handleSubscriptionCreated(event)
	case "customer.subscription.updated":
		return h.handleSubscriptionUpdated(event)
	case "customer.subscription.deleted":
		return h.handleSubscriptionDeleted(event)
	case "invoice.payment_succeeded":
		return h.handleInvoicePayment(event, true)
	case "invoice.payment_failed":
		return h.handleInvoicePayment(event, false)
	case "checkout.session.completed":
		return h.handleCheckoutCompleted(event)
	default:
		log.Printf("[Billing][Webhook] unhandled event type: %s", event.Type)
		return nil
	}
}

// resolveCustomerEmail looks up the paying customer's email via the Stripe
// API. Failure here is fatal for the event. Overridable in tests.
var resolveCustomerEmail = func(customerID string) (string, error) {
	initStripe()
	if stripeClient == nil {
		return "", fmt.Errorf("stripe not configured")
	}
	cust, err := stripeClient.Customers.Get(customerID, nil)
	if err != nil {
		return "", fmt.Errorf("customer lookup failed for %s: %w", customerID, err)
	}
	if strings.TrimSpace(cust.Email) == "" {
		return "", fmt.Errorf("customer %s has no email", customerID)
	}
	return cust.Email, nil
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func (h *Handler) handleSubscriptionCreated(event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}

	priceID := subscriptionPriceID(&sub)
	plan, ok := planForPriceID(priceID)
	if !ok {
		return fmt.Errorf("unknown price id %q on subscription %s", priceID, sub.ID)
	}

	if sub.Customer == nil {
		return fmt.Errorf("subscription %s has no customer", sub.ID)
	}
	email, err := resolveCustomerEmail(sub.Customer.ID)
	if err != nil {
		return err
	}

	_, err = h.db.Exec(`
		INSERT INTO public.subscriptions (
			id, stripe_subscription_id, stripe_customer_id, customer_email, status,
			plan_name, price_id, interval, current_period_start, current_period_end,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			status = EXCLUDED.status,
			plan_name = EXCLUDED.plan_name,
			price_id = EXCLUDED.price_id,
			interval = EXCLUDED.interval,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = NOW()
	`, "sub_"+randHex(12), sub.ID, sub.Customer.ID, email, string(sub.Status),
		plan.Name, priceID, plan.Interval,
		time.Unix(sub.CurrentPeriodStart, 0), time.Unix(sub.CurrentPeriodEnd, 0))
	if err != nil {
		return fmt.Errorf("subscription insert: %w", err)
	}

	res, err := h.db.Exec(`
		UPDATE public.users
		SET plan = $2, remaining_lead_finds = $3, remaining_reply_generations = $4,
		    stripe_customer_id = $5
		WHERE email = $1
	`, email, plan.Name, plan.LeadFinds, plan.ReplyGenerations, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("user quota apply: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no user found for email %s", email)
	}

	log.Printf("[Billing][SubscriptionCreated] email=%s plan=%s leadFinds=%d replyGens=%d",
		email, plan.Name, plan.LeadFinds, plan.ReplyGenerations)
	return nil
}

// handleSubscriptionUpdated refreshes the subscription row. Quotas are
// re-applied only when the price actually changed; a benign provider-side
// update must not wipe in-period consumption.
func (h *Handler) handleSubscriptionUpdated(event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}

	priceID := subscriptionPriceID(&sub)
	plan, ok := planForPriceID(priceID)
	if !ok {
		return fmt.Errorf("unknown price id %q on subscription %s", priceID, sub.ID)
	}

	var prevPriceID, email string
	err := h.db.QueryRow(`
		SELECT price_id, customer_email FROM public.subscriptions WHERE stripe_subscription_id = $1
	`, sub.ID).Scan(&prevPriceID, &email)
	if err == sql.ErrNoRows {
		// Out-of-order delivery: treat as created.
		return h.handleSubscriptionCreated(event)
	}
	if err != nil {
		return fmt.Errorf("subscription lookup: %w", err)
	}

	_, err = h.db.Exec(`
		UPDATE public.subscriptions
		SET status = $2, plan_name = $3, price_id = $4, interval = $5,
		    current_period_start = $6, current_period_end = $7, updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, sub.ID, string(sub.Status), plan.Name, priceID, plan.Interval,
		time.Unix(sub.CurrentPeriodStart, 0), time.Unix(sub.CurrentPeriodEnd, 0))
	if err != nil {
		return fmt.Errorf("subscription update: %w", err)
	}

	if prevPriceID == priceID {
		log.Printf("[Billing][SubscriptionUpdated] subId=%s price unchanged, quotas untouched", sub.ID)
		return nil
	}

	res, err := h.db.Exec(`
		UPDATE public.users
		SET plan = $2, remaining_lead_finds = $3, remaining_reply_generations = $4
		WHERE email = $1
	`, email, plan.Name, plan.LeadFinds, plan.ReplyGenerations)
	if err != nil {
		return fmt.Errorf("user quota apply: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no user found for email %s", email)
	}

	log.Printf("[Billing][SubscriptionUpdated] email=%s plan %s -> %s quotas reset", email, prevPriceID, priceID)
	return nil
}

// handleSubscriptionDeleted cancels the subscription row and zeroes both
// quotas on the user, matched by the customer's email.
func (h *Handler) handleSubscriptionDeleted(event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}

	if sub.Customer == nil {
		return fmt.Errorf("subscription %s has no customer", sub.ID)
	}
	email, err := resolveCustomerEmail(sub.Customer.ID)
	if err != nil {
		return err
	}

	// Zero quotas first: the user must lose access even if the row update
	// fails afterwards.
	res, err := h.db.Exec(`
		UPDATE public.users
		SET plan = NULL, remaining_lead_finds = 0, remaining_reply_generations = 0
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("user quota zero: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no user found for email %s", email)
	}

	_, err = h.db.Exec(`
		UPDATE public.subscriptions
		SET status = 'canceled', canceled_at = NOW(), updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`, sub.ID)
	if err != nil {
		log.Printf("[Billing][SubscriptionDeleted] row update error subId=%s err=%v (quotas already zeroed)", sub.ID, err)
	}

	log.Printf("[Billing][SubscriptionDeleted] email=%s quotas zeroed", email)
	return nil
}

// handleInvoicePayment appends to the invoice log. Amount fields are mutually
// exclusive: paid amount on success, due amount on failure.
func (h *Handler) handleInvoicePayment(event stripe.Event, succeeded bool) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("unmarshal invoice: %w", err)
	}

	if invoice.Customer == nil {
		return fmt.Errorf("invoice %s has no customer", invoice.ID)
	}
	email, err := resolveCustomerEmail(invoice.Customer.ID)
	if err != nil {
		return err
	}

	var userID string
	err = h.db.QueryRow(`SELECT id FROM public.users WHERE email = $1`, email).Scan(&userID)
	if err != nil {
		return fmt.Errorf("user lookup for email %s: %w", email, err)
	}

	amountPaid, amountDue := int64(0), int64(0)
	status := "failed"
	if succeeded {
		amountPaid = invoice.AmountPaid
		status = "paid"
	} else {
		amountDue = invoice.AmountDue
	}

	var hostedURL any
	if invoice.HostedInvoiceURL != "" {
		hostedURL = invoice.HostedInvoiceURL
	}

	_, err = h.db.Exec(`
		INSERT INTO public.invoices (
			id, user_id, stripe_invoice_id, amount_due, amount_paid, currency, status,
			hosted_invoice_url, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (stripe_invoice_id) DO NOTHING
	`, "inv_"+randHex(12), userID, invoice.ID, amountDue, amountPaid,
		string(invoice.Currency), status, hostedURL)
	if err != nil {
		return fmt.Errorf("invoice insert: %w", err)
	}

	log.Printf("[Billing][InvoicePayment] email=%s invoiceId=%s status=%s", email, invoice.ID, status)
	return nil
}

// handleCheckoutCompleted branches on the checkout mode: subscription
// checkouts update the user's customer linkage, one-time payments are logged.
func (h *Handler) handleCheckoutCompleted(event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}

	if sess.Metadata["checkout"] == "subscription" || sess.Mode == stripe.CheckoutSessionModeSubscription {
		userID := sess.Metadata["user_id"]
		if userID == "" || sess.Customer == nil {
			return fmt.Errorf("subscription checkout %s missing user metadata or customer", sess.ID)
		}
		_, err := h.db.Exec(`
			UPDATE public.users SET stripe_customer_id = $2 WHERE id = $1
		`, userID, sess.Customer.ID)
		if err != nil {
			return fmt.Errorf("user customer link: %w", err)
		}
		log.Printf("[Billing][CheckoutCompleted] subscription userId=%s customerId=%s", userID, sess.Customer.ID)
		return nil
	}

	if sess.Customer == nil {
		return fmt.Errorf("one-time checkout %s has no customer", sess.ID)
	}
	email, err := resolveCustomerEmail(sess.Customer.ID)
	if err != nil {
		return err
	}

	_, err = h.db.Exec(`
		INSERT INTO public.payments (id, customer_email, stripe_session_id, amount_total, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (stripe_session_id) DO NOTHING
	`, "pay_"+randHex(12), email, sess.ID, sess.AmountTotal, string(sess.Currency))
	if err != nil {
		return fmt.Errorf("payment insert: %w", err)
	}

	log.Printf("[Billing][CheckoutCompleted] one-time email=%s sessionId=%s amount=%d", email, sess.ID, sess.AmountTotal)
	return nil
}
