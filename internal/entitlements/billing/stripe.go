package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/screenstranslate/license-server/internal/entitlements/entmetrics"
)

// StripeConfig configures the Stripe-backed Provider.
type StripeConfig struct {
	SecretKey string
	Timeout   time.Duration
	// BaseURL overrides the Stripe API endpoint. Empty uses api.stripe.com.
	BaseURL string
}

// StripeProvider implements Provider on the Stripe API. The secret key is
// held server-side only.
type StripeProvider struct {
	api     *client.API
	timeout time.Duration
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider builds a Stripe client with a bounded HTTP timeout and no
// SDK-level network retries.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, errors.New("stripe secret key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	backendCfg := &stripelib.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripelib.Int64(0),
		LeveledLogger:     &stripelib.LeveledLogger{Level: stripelib.LevelNull},
	}
	if u := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); u != "" {
		backendCfg.URL = stripelib.String(u)
	}

	api := &client.API{}
	api.Init(key, &stripelib.Backends{
		API:     stripelib.GetBackendWithConfig(stripelib.APIBackend, backendCfg),
		Connect: stripelib.GetBackendWithConfig(stripelib.ConnectBackend, backendCfg),
		Uploads: stripelib.GetBackendWithConfig(stripelib.UploadsBackend, backendCfg),
	})
	return &StripeProvider{api: api, timeout: timeout}, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var sub *stripelib.Subscription
	err := observe("get_subscription", func() error {
		var err error
		sub, err = p.api.Subscriptions.Get(subscriptionID, &stripelib.SubscriptionParams{
			Params: stripelib.Params{Context: ctx},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stripe get subscription %s: %w", subscriptionID, err)
	}

	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > 0 {
				end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				out.CurrentPeriodEnd = &end
				break
			}
		}
	}
	return out, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var sess *stripelib.BillingPortalSession
	err := observe("create_portal_session", func() error {
		var err error
		sess, err = p.api.BillingPortalSessions.New(&stripelib.BillingPortalSessionParams{
			Params:    stripelib.Params{Context: ctx},
			Customer:  stripelib.String(customerID),
			ReturnURL: stripelib.String(returnURL),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("stripe create portal session: %w", err)
	}
	if strings.TrimSpace(sess.URL) == "" {
		return "", errors.New("stripe portal session has no url")
	}
	return sess.URL, nil
}

func (p *StripeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var sess *stripelib.CheckoutSession
	err := observe("get_checkout_session", func() error {
		var err error
		sess, err = p.api.CheckoutSessions.Get(sessionID, &stripelib.CheckoutSessionParams{
			Params: stripelib.Params{Context: ctx},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stripe get checkout session %s: %w", sessionID, err)
	}

	out := &CheckoutSession{ID: sess.ID, Status: string(sess.Status)}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	return out, nil
}

func (p *StripeProvider) ListInvoices(ctx context.Context, subscriptionID string, limit int) ([]Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	invoices := []Invoice{}
	err := observe("list_invoices", func() error {
		params := &stripelib.InvoiceListParams{
			ListParams:   stripelib.ListParams{Context: ctx, Limit: stripelib.Int64(int64(limit))},
			Subscription: stripelib.String(subscriptionID),
		}
		iter := p.api.Invoices.List(params)
		for iter.Next() && len(invoices) < limit {
			inv := iter.Invoice()
			invoices = append(invoices, Invoice{
				ID:         inv.ID,
				Number:     inv.Number,
				Status:     string(inv.Status),
				Currency:   string(inv.Currency),
				AmountDue:  inv.AmountDue,
				AmountPaid: inv.AmountPaid,
				Created:    time.Unix(inv.Created, 0).UTC(),
				HostedURL:  inv.HostedInvoiceURL,
				PDFURL:     inv.InvoicePDF,
			})
		}
		return iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("stripe list invoices for %s: %w", subscriptionID, err)
	}
	return invoices, nil
}

func observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	entmetrics.BillingCallsTotal.WithLabelValues(op, outcome).Inc()
	entmetrics.BillingCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}
