package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStripeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/subscriptions/sub_123", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("authorization header = %q", got)
		}
		writeStripeJSON(w, http.StatusOK, `{
			"id": "sub_123",
			"object": "subscription",
			"customer": "cus_1",
			"status": "active",
			"cancel_at_period_end": true,
			"items": {"object": "list", "data": [
				{"id": "si_1", "object": "subscription_item", "current_period_end": 1767225600}
			]}
		}`)
	})
	mux.HandleFunc("GET /v1/subscriptions/sub_missing", func(w http.ResponseWriter, r *http.Request) {
		writeStripeJSON(w, http.StatusNotFound, `{"error": {"type": "invalid_request_error", "message": "No such subscription"}}`)
	})
	mux.HandleFunc("GET /v1/subscriptions/sub_slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	mux.HandleFunc("POST /v1/billing_portal/sessions", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("customer") != "cus_1" || r.PostForm.Get("return_url") != "https://example.com/panel" {
			t.Errorf("unexpected portal form: %v", r.PostForm)
		}
		writeStripeJSON(w, http.StatusOK, `{"id": "bps_1", "object": "billing_portal.session", "url": "https://billing.stripe.com/p/session/test"}`)
	})
	mux.HandleFunc("GET /v1/checkout/sessions/cs_1", func(w http.ResponseWriter, r *http.Request) {
		writeStripeJSON(w, http.StatusOK, `{"id": "cs_1", "object": "checkout.session", "status": "complete", "subscription": "sub_123", "customer": "cus_1"}`)
	})
	mux.HandleFunc("GET /v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("subscription") != "sub_123" {
			t.Errorf("invoice filter = %q", r.URL.Query().Get("subscription"))
		}
		writeStripeJSON(w, http.StatusOK, `{
			"object": "list",
			"url": "/v1/invoices",
			"has_more": false,
			"data": [
				{"id": "in_2", "object": "invoice", "number": "A-0002", "status": "paid", "currency": "eur", "amount_due": 900, "amount_paid": 900, "created": 1764547200},
				{"id": "in_1", "object": "invoice", "number": "A-0001", "status": "paid", "currency": "eur", "amount_due": 900, "amount_paid": 900, "created": 1761955200}
			]
		}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeStripeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newTestStripeProvider(t *testing.T, timeout time.Duration) *StripeProvider {
	t.Helper()
	srv := newStripeBackend(t)
	p, err := NewStripeProvider(StripeConfig{SecretKey: "sk_test_123", Timeout: timeout, BaseURL: srv.URL})
	require.NoError(t, err)
	return p
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	_, err := NewStripeProvider(StripeConfig{SecretKey: "  "})
	assert.Error(t, err)
}

func TestStripeGetSubscription(t *testing.T) {
	p := newTestStripeProvider(t, 5*time.Second)

	sub, err := p.GetSubscription(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, "sub_123", sub.ID)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "active", sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1767225600), sub.CurrentPeriodEnd.Unix())

	_, err = p.GetSubscription(context.Background(), "sub_missing")
	assert.Error(t, err)
}

func TestStripeGetSubscriptionTimeout(t *testing.T) {
	p := newTestStripeProvider(t, 100*time.Millisecond)

	start := time.Now()
	_, err := p.GetSubscription(context.Background(), "sub_slow")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStripeCreatePortalSession(t *testing.T) {
	p := newTestStripeProvider(t, 5*time.Second)

	url, err := p.CreatePortalSession(context.Background(), "cus_1", "https://example.com/panel")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.com/p/session/test", url)
}

func TestStripeGetCheckoutSession(t *testing.T) {
	p := newTestStripeProvider(t, 5*time.Second)

	sess, err := p.GetCheckoutSession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sess.ID)
	assert.Equal(t, "sub_123", sess.SubscriptionID)
	assert.Equal(t, "cus_1", sess.CustomerID)
	assert.Equal(t, "complete", sess.Status)
}

func TestStripeListInvoices(t *testing.T) {
	p := newTestStripeProvider(t, 5*time.Second)

	invoices, err := p.ListInvoices(context.Background(), "sub_123", 10)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, "A-0002", invoices[0].Number)
	assert.Equal(t, int64(900), invoices[0].AmountPaid)
	assert.Equal(t, "eur", invoices[0].Currency)

	invoices, err = p.ListInvoices(context.Background(), "sub_123", 1)
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestSubscriptionStatusRules(t *testing.T) {
	assert.True(t, SubscriptionStatus{Status: "canceled"}.AllowsDataDeletion())
	assert.True(t, SubscriptionStatus{Status: "active", CancelAtPeriodEnd: true}.AllowsDataDeletion())
	assert.False(t, SubscriptionStatus{Status: " Active "}.AllowsDataDeletion())

	for _, s := range []string{"canceled", "incomplete_expired", " CANCELED "} {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range []string{"active", "trialing", "past_due", "unpaid", "paused", "incomplete", strings.Repeat("x", 3)} {
		assert.False(t, IsTerminal(s), s)
	}
}
