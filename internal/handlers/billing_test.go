package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stripe/stripe-go/v79"

	"github.com/leadsprout/leadsprout/backend/internal/models"
)

func setTestPlans(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_PRICE_STARTER_MONTHLY", "price_starter_m")
	t.Setenv("STRIPE_PRICE_STARTER_YEARLY", "price_starter_y")
	t.Setenv("STRIPE_PRICE_PRO_MONTHLY", "price_pro_m")
	t.Setenv("STRIPE_PRICE_PRO_YEARLY", "price_pro_y")
	quotaPlans = nil
	t.Cleanup(func() { quotaPlans = nil })
}

func stubCustomerEmail(t *testing.T, email string, err error) {
	t.Helper()
	orig := resolveCustomerEmail
	resolveCustomerEmail = func(customerID string) (string, error) { return email, err }
	t.Cleanup(func() { resolveCustomerEmail = orig })
}

func subscriptionEvent(t *testing.T, eventType, subID, customerID, priceID string) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":                   subID,
		"customer":             map[string]any{"id": customerID},
		"status":               "active",
		"current_period_start": 1735689600,
		"current_period_end":   1767225600,
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": priceID}},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal event payload: %v", err)
	}
	return stripe.Event{
		ID:   "evt_test",
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestWebhookRejectsMissingSecret(t *testing.T) {
	h, _ := newTestHandler(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/webhook/stripe", strings.NewReader(`{}`))
	h.StripeWebhook(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when webhook secret is unset, got %d", w.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, _ := newTestHandler(t)
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/webhook/stripe", strings.NewReader(`{"type":"customer.subscription.created"}`))
	r.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	h.StripeWebhook(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", w.Code)
	}
}

func TestSubscriptionCreatedAppliesPlanQuotas(t *testing.T) {
	h, mock := newTestHandler(t)
	setTestPlans(t)
	stubCustomerEmail(t, "jo@example.com", nil)

	mock.ExpectExec(`INSERT INTO public\.subscriptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.users`).
		WithArgs("jo@example.com", "pro", 40, 200, "cus_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := subscriptionEvent(t, "customer.subscription.created", "sub_1", "cus_1", "price_pro_m")
	if err := h.processStripeEvent(ev); err != nil {
		t.Fatalf("processStripeEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubscriptionCreatedUnknownPriceIsFatal(t *testing.T) {
	h, mock := newTestHandler(t)
	setTestPlans(t)
	stubCustomerEmail(t, "jo@example.com", nil)

	ev := subscriptionEvent(t, "customer.subscription.created", "sub_1", "cus_1", "price_unknown")
	if err := h.processStripeEvent(ev); err == nil {
		t.Fatalf("expected error for unknown price id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no database writes expected: %v", err)
	}
}

func TestSubscriptionCreatedEmailLookupFailureIsFatal(t *testing.T) {
	h, mock := newTestHandler(t)
	setTestPlans(t)
	stubCustomerEmail(t, "", fmt.Errorf("customer lookup failed"))

	ev := subscriptionEvent(t, "customer.subscription.created", "sub_1", "cus_1", "price_pro_m")
	if err := h.processStripeEvent(ev); err == nil {
		t.Fatalf("expected error when customer email cannot be resolved")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no database writes expected: %v", err)
	}
}

func TestSubscriptionUpdatedSamePriceLeavesQuotasAlone(t *testing.T) {
	h, mock := newTestHandler(t)
	setTestPlans(t)

	mock.ExpectQuery(`SELECT price_id, customer_email FROM public\.subscriptions`).
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"price_id", "customer_email"}).
			AddRow("price_pro_m", "jo@example.com"))
	mock.ExpectExec(`UPDATE public\.subscriptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// No users update: in-period consumption survives a benign provider update.

	ev := subscriptionEvent(t, "customer.subscription.updated", "sub_1", "cus_1", "price_pro_m")
	if err := h.processStripeEvent(ev); err != nil {
		t.Fatalf("processStripeEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubscriptionUpdatedPriceChangeResetsQuotas(t *testing.T) {
	h, mock := newTestHandler(t)
	setTestPlans(t)

	mock.ExpectQuery(`SELECT price_id, customer_email FROM public\.subscriptions`).
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows([]string{"price_id", "customer_email"}).
			AddRow("price_starter_m", "jo@example.com"))
	mock.ExpectExec(`UPDATE public\.subscriptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.users`).
		WithArgs("jo@example.com", "pro", 40, 200).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ev := subscriptionEvent(t, "customer.subscription.updated", "sub_1", "cus_1", "price_pro_m")
	if err := h.processStripeEvent(ev); err != nil {
		t.Fatalf("processStripeEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubscriptionDeletedZeroesQuotasEvenIfRowUpdateFails(t *testing.T) {
	h, mock := newTestHandler(t)
	setTestPlans(t)
	stubCustomerEmail(t, "jo@example.com", nil)

	mock.ExpectExec(`UPDATE public\.users`).
		WithArgs("jo@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE public\.subscriptions`).
		WillReturnError(fmt.Errorf("connection reset"))

	ev := subscriptionEvent(t, "customer.subscription.deleted", "sub_1", "cus_1", "price_pro_m")
	if err := h.processStripeEvent(ev); err != nil {
		t.Fatalf("quota zeroing succeeded, row update failure must not fail the event: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInvoicePaymentAmountsAreMutuallyExclusive(t *testing.T) {
	h, mock := newTestHandler(t)
	stubCustomerEmail(t, "jo@example.com", nil)

	raw, _ := json.Marshal(map[string]any{
		"id":          "in_1",
		"customer":    map[string]any{"id": "cus_1"},
		"amount_paid": 1900,
		"amount_due":  1900,
		"currency":    "usd",
	})
	ev := stripe.Event{
		ID:   "evt_inv",
		Type: "invoice.payment_succeeded",
		Data: &stripe.EventData{Raw: raw},
	}

	mock.ExpectQuery(`SELECT id FROM public\.users`).
		WithArgs("jo@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user_1"))
	// On success only the paid amount is recorded; due stays zero.
	mock.ExpectExec(`INSERT INTO public\.invoices`).
		WithArgs(sqlmock.AnyArg(), "user_1", "in_1", int64(0), int64(1900), "usd", "paid", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := h.processStripeEvent(ev); err != nil {
		t.Fatalf("processStripeEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheckoutCompletedOneTimePaymentLogged(t *testing.T) {
	h, mock := newTestHandler(t)
	stubCustomerEmail(t, "jo@example.com", nil)

	raw, _ := json.Marshal(map[string]any{
		"id":           "cs_1",
		"mode":         "payment",
		"customer":     map[string]any{"id": "cus_1"},
		"amount_total": 4900,
		"currency":     "usd",
	})
	ev := stripe.Event{
		ID:   "evt_cs",
		Type: "checkout.session.completed",
		Data: &stripe.EventData{Raw: raw},
	}

	mock.ExpectExec(`INSERT INTO public\.payments`).
		WithArgs(sqlmock.AnyArg(), "jo@example.com", "cs_1", int64(4900), "usd").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := h.processStripeEvent(ev); err != nil {
		t.Fatalf("processStripeEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetUserInvoicesReturnsStoredRows(t *testing.T) {
	h, mock := newTestHandler(t)

	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, stripe_invoice_id, amount_due, amount_paid, currency, status, hosted_invoice_url, created_at`).
		WithArgs("user_1", 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "stripe_invoice_id", "amount_due", "amount_paid", "currency", "status", "hosted_invoice_url", "created_at"}).
			AddRow("inv_1", "in_abc", int64(0), int64(1900), "usd", "paid", "https://stripe.example/in_abc", created).
			AddRow("inv_2", "in_def", int64(1900), int64(0), "usd", "failed", nil, created))

	w := httptest.NewRecorder()
	h.GetUserInvoices(w, authedRequest("GET", "/api/billing/invoices", nil, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var got []models.Invoice
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 invoices, got %d", len(got))
	}
	if got[0].AmountPaid != 1900 || got[0].AmountDue != 0 || got[0].Status != "paid" {
		t.Fatalf("unexpected paid invoice: %+v", got[0])
	}
	if got[0].HostedInvoiceURL == nil || *got[0].HostedInvoiceURL != "https://stripe.example/in_abc" {
		t.Fatalf("expected hosted url on paid invoice: %+v", got[0])
	}
	if got[1].AmountDue != 1900 || got[1].AmountPaid != 0 || got[1].HostedInvoiceURL != nil {
		t.Fatalf("unexpected failed invoice: %+v", got[1])
	}
}

func TestGetSubscriptionReturnsLatestRow(t *testing.T) {
	h, mock := newTestHandler(t)

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT email FROM public\.users`).
		WithArgs("user_1").
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("jo@example.com"))
	mock.ExpectQuery(`SELECT id, stripe_subscription_id, status, plan_name, price_id, interval`).
		WithArgs("jo@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "stripe_subscription_id", "status", "plan_name", "price_id", "interval",
			"current_period_start", "current_period_end", "canceled_at", "created_at", "updated_at"}).
			AddRow("sub_1", "sub_stripe_1", "active", "pro", "price_pro_y", "yearly", created, periodEnd, nil, created, created))

	w := httptest.NewRecorder()
	h.GetSubscription(w, authedRequest("GET", "/api/billing/subscription", nil, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var got models.Subscription
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.StripeSubscriptionID != "sub_stripe_1" || got.PlanName != "pro" || got.Interval != "yearly" {
		t.Fatalf("unexpected subscription: %+v", got)
	}
	if got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(periodEnd) {
		t.Fatalf("expected period end %v, got %+v", periodEnd, got.CurrentPeriodEnd)
	}
	if got.CanceledAt != nil {
		t.Fatalf("expected no cancellation, got %+v", got.CanceledAt)
	}
}

func TestGetSubscriptionNone(t *testing.T) {
	h, mock := newTestHandler(t)

	mock.ExpectQuery(`SELECT email FROM public\.users`).
		WithArgs("user_1").
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("jo@example.com"))
	mock.ExpectQuery(`SELECT id, stripe_subscription_id, status, plan_name, price_id, interval`).
		WithArgs("jo@example.com").
		WillReturnError(sql.ErrNoRows)

	w := httptest.NewRecorder()
	h.GetSubscription(w, authedRequest("GET", "/api/billing/subscription", nil, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "no subscription") {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestEventsWithoutCustomerAreFatal(t *testing.T) {
	h, mock := newTestHandler(t)
	setTestPlans(t)

	subRaw, _ := json.Marshal(map[string]any{
		"id":     "sub_nocust",
		"status": "active",
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": "price_pro_m"}},
			},
		},
	})
	invRaw, _ := json.Marshal(map[string]any{
		"id":          "in_nocust",
		"amount_paid": 1900,
		"currency":    "usd",
	})

	events := []stripe.Event{
		{ID: "evt_1", Type: "customer.subscription.created", Data: &stripe.EventData{Raw: subRaw}},
		{ID: "evt_2", Type: "customer.subscription.deleted", Data: &stripe.EventData{Raw: subRaw}},
		{ID: "evt_3", Type: "invoice.payment_succeeded", Data: &stripe.EventData{Raw: invRaw}},
	}
	for _, ev := range events {
		if err := h.processStripeEvent(ev); err == nil {
			t.Fatalf("expected error for %s without customer", ev.Type)
		} else if !strings.Contains(err.Error(), "no customer") {
			t.Fatalf("unexpected error for %s: %v", ev.Type, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected db activity: %v", err)
	}
}
