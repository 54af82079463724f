package billing

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnavailable reports that a license's subscription state could not be
// determined: either it has no billing link or the provider failed.
var ErrUnavailable = errors.New("subscription status unavailable")

// Subscription is the provider-neutral view of a billing subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
}

// CheckoutSession is the provider-neutral view of a checkout session.
type CheckoutSession struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	Status         string
}

// Invoice is one billing document for a subscription.
type Invoice struct {
	ID         string    `json:"id"`
	Number     string    `json:"number"`
	Status     string    `json:"status"`
	Currency   string    `json:"currency"`
	AmountDue  int64     `json:"amount_due"`
	AmountPaid int64     `json:"amount_paid"`
	Created    time.Time `json:"created"`
	HostedURL  string    `json:"hosted_invoice_url,omitempty"`
	PDFURL     string    `json:"invoice_pdf,omitempty"`
}

// Provider is the external subscription billing system.
type Provider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	ListInvoices(ctx context.Context, subscriptionID string, limit int) ([]Invoice, error)
}

// SubscriptionStatus is what the reconciler reports about a license's
// subscription.
type SubscriptionStatus struct {
	Status            string     `json:"status"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end"`
}

// Stripe subscription statuses that matter to entitlement decisions.
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusUnpaid            = "unpaid"
	StatusCanceled          = "canceled"
	StatusPaused            = "paused"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
)

// AllowsDataDeletion reports whether the subscription no longer bills the
// customer: it is canceled, or set to cancel at period end.
func (s SubscriptionStatus) AllowsDataDeletion() bool {
	return normalizeStatus(s.Status) == StatusCanceled || s.CancelAtPeriodEnd
}

// IsTerminal reports whether a subscription status ends the entitlement.
func IsTerminal(status string) bool {
	switch normalizeStatus(status) {
	case StatusCanceled, StatusIncompleteExpired:
		return true
	default:
		return false
	}
}

func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
