package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/screenstranslate/license-server/internal/entitlements/entmetrics"
	"github.com/screenstranslate/license-server/internal/entitlements/store"
	apperrors "github.com/screenstranslate/license-server/internal/errors"
	"github.com/screenstranslate/license-server/internal/logging"
)

// DefaultTimeout bounds every provider call when none is configured.
const DefaultTimeout = 10 * time.Second

const checkoutSessionPrefix = "cs_"

// errNoRecurring marks a checkout-session reference whose session never
// created a subscription (a one-time purchase).
var errNoRecurring = errors.New("checkout session has no subscription")

// Reconciler keeps license state consistent with the billing provider.
type Reconciler struct {
	store    store.Store
	provider Provider
	timeout  time.Duration
}

// NewReconciler builds a reconciler. A non-positive timeout uses DefaultTimeout.
func NewReconciler(st store.Store, provider Provider, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reconciler{store: st, provider: provider, timeout: timeout}
}

func (r *Reconciler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// GetSubscriptionStatus returns the live subscription state of a license.
// Licenses without a billing link, and provider failures, yield an error
// wrapping ErrUnavailable.
func (r *Reconciler) GetSubscriptionStatus(ctx context.Context, lic *store.License) (*SubscriptionStatus, error) {
	if !lic.HasBillingLink() {
		return nil, fmt.Errorf("license has no billing link: %w", ErrUnavailable)
	}
	sub, err := r.getSubscription(ctx, *lic.PaymentReference)
	if errors.Is(err, errNoRecurring) {
		return nil, fmt.Errorf("license has no subscription: %w", errors.Join(ErrUnavailable, err))
	}
	if err != nil {
		return nil, errors.Join(ErrUnavailable, apperrors.E(apperrors.KindUpstream, "get_subscription_status", err))
	}
	return &SubscriptionStatus{
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
	}, nil
}

func (r *Reconciler) getSubscription(ctx context.Context, reference string) (*Subscription, error) {
	id, err := r.subscriptionID(ctx, reference)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.callCtx(ctx)
	defer cancel()
	return r.provider.GetSubscription(ctx, id)
}

// subscriptionID maps a payment reference to a subscription id. Checkout
// session references are resolved through the provider.
func (r *Reconciler) subscriptionID(ctx context.Context, reference string) (string, error) {
	reference = strings.TrimSpace(reference)
	if !strings.HasPrefix(reference, checkoutSessionPrefix) {
		return reference, nil
	}
	ctx, cancel := r.callCtx(ctx)
	defer cancel()
	sess, err := r.provider.GetCheckoutSession(ctx, reference)
	if err != nil {
		return "", fmt.Errorf("resolve checkout session %s: %w", reference, err)
	}
	id := strings.TrimSpace(sess.SubscriptionID)
	if id == "" {
		return "", errNoRecurring
	}
	return id, nil
}

// GetPortalURL creates a billing self-service session for the license's
// customer and returns its URL.
func (r *Reconciler) GetPortalURL(ctx context.Context, lic *store.License, returnURL string) (string, error) {
	const op = "get_portal_url"
	if !lic.HasBillingLink() {
		return "", apperrors.E(apperrors.KindNoSubscription, op, nil)
	}
	logger := logging.FromContext(ctx).With().Str("license_id", lic.ID).Logger()

	sub, err := r.getSubscription(ctx, *lic.PaymentReference)
	if errors.Is(err, errNoRecurring) {
		return "", apperrors.E(apperrors.KindNoSubscription, op, nil)
	}
	if err != nil {
		logger.Error().Err(err).Str("subscription_id", *lic.PaymentReference).Msg("Subscription lookup for portal failed")
		return "", apperrors.E(apperrors.KindUpstream, op, err)
	}
	if strings.TrimSpace(sub.CustomerID) == "" {
		logger.Error().Str("subscription_id", sub.ID).Msg("Subscription has no customer")
		return "", apperrors.E(apperrors.KindUpstream, op, errors.New("subscription has no customer"))
	}

	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	url, err := r.provider.CreatePortalSession(callCtx, sub.CustomerID, returnURL)
	if err != nil {
		logger.Error().Err(err).Str("customer_id", sub.CustomerID).Msg("Portal session creation failed")
		return "", apperrors.E(apperrors.KindUpstream, op, err)
	}
	return url, nil
}

// CanDeleteData reports whether the license's data may be deleted: it has no
// billing link or no recurring subscription, or its subscription is canceled
// or cancels at period end.
// A provider failure is returned as an error and never as permission.
func (r *Reconciler) CanDeleteData(ctx context.Context, lic *store.License) (bool, error) {
	if !lic.HasBillingLink() {
		return true, nil
	}
	status, err := r.GetSubscriptionStatus(ctx, lic)
	if errors.Is(err, errNoRecurring) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return status.AllowsDataDeletion(), nil
}

// DeleteLicenseData removes the license identified by licenseKey together
// with its activations, provided no live subscription still bills for it.
func (r *Reconciler) DeleteLicenseData(ctx context.Context, licenseKey string) (err error) {
	const op = "delete_license_data"
	defer func() {
		outcome := "deleted"
		if err != nil {
			outcome = strings.ToLower(string(apperrors.KindOf(err)))
		}
		entmetrics.DataDeletionsTotal.WithLabelValues(outcome).Inc()
	}()

	key := store.CanonicalLicenseKey(licenseKey)
	if key == "" {
		return apperrors.Msg(apperrors.KindInvalidRequest, op, "license_key is required")
	}
	logger := logging.FromContext(ctx)

	lic, err := r.store.FindLicenseByKey(ctx, key)
	if err != nil {
		return store.Classify(op, err)
	}

	allowed, err := r.CanDeleteData(ctx, lic)
	if err != nil {
		logger.Error().Err(err).Str("license_id", lic.ID).Msg("Subscription check before deletion failed")
		return apperrors.E(apperrors.KindUpstream, op, err)
	}
	if !allowed {
		logger.Info().Str("license_id", lic.ID).Msg("Deletion blocked by live subscription")
		return apperrors.E(apperrors.KindSubscriptionActive, op, nil)
	}

	if err := r.store.DeleteLicenseCascade(ctx, lic.ID); err != nil {
		err = store.Classify(op, err)
		logger.Error().Err(err).Str("license_id", lic.ID).Msg("License deletion failed")
		return err
	}
	logger.Info().Str("license_id", lic.ID).Msg("License data deleted")
	return nil
}

// ResolveLicenseForCheckoutSession finds the license provisioned for a
// completed checkout. It returns (nil, nil) when the session id is empty,
// the provider fails or no license matches yet.
func (r *Reconciler) ResolveLicenseForCheckoutSession(ctx context.Context, sessionID string) (*store.License, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil
	}
	logger := logging.FromContext(ctx).With().Str("session_id", sessionID).Logger()

	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	sess, err := r.provider.GetCheckoutSession(callCtx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("Checkout session lookup failed")
		return nil, nil
	}

	reference := strings.TrimSpace(sess.SubscriptionID)
	if reference == "" {
		reference = sess.ID
	}
	lic, err := r.store.FindLicenseByPaymentReference(ctx, store.PaymentProviderStripe, reference)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info().Str("payment_reference", reference).Msg("No license for checkout session yet")
		return nil, nil
	}
	if err != nil {
		logger.Error().Err(err).Str("payment_reference", reference).Msg("License lookup for checkout session failed")
		return nil, nil
	}
	return lic, nil
}

// ListInvoices returns up to limit invoices for the license's subscription.
func (r *Reconciler) ListInvoices(ctx context.Context, lic *store.License, limit int) ([]Invoice, error) {
	const op = "list_invoices"
	if !lic.HasBillingLink() {
		return nil, apperrors.E(apperrors.KindNoSubscription, op, nil)
	}
	subID, err := r.subscriptionID(ctx, *lic.PaymentReference)
	if errors.Is(err, errNoRecurring) {
		return nil, apperrors.E(apperrors.KindNoSubscription, op, nil)
	}
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("license_id", lic.ID).Msg("Checkout session lookup for invoices failed")
		return nil, apperrors.E(apperrors.KindUpstream, op, err)
	}
	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	invoices, err := r.provider.ListInvoices(callCtx, subID, limit)
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("license_id", lic.ID).Msg("Invoice listing failed")
		return nil, apperrors.E(apperrors.KindUpstream, op, err)
	}
	return invoices, nil
}

// RevokeForSubscription marks the license billed under subscriptionID as
// revoked. It reports whether a license was changed.
func (r *Reconciler) RevokeForSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	const op = "revoke_for_subscription"
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return false, nil
	}
	lic, err := r.store.FindLicenseByPaymentReference(ctx, store.PaymentProviderStripe, subscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, store.Classify(op, err)
	}
	if lic.Status == store.LicenseStatusRevoked {
		return false, nil
	}
	if err := r.store.SetLicenseStatus(ctx, lic.ID, store.LicenseStatusRevoked); err != nil {
		return false, store.Classify(op, err)
	}
	logging.FromContext(ctx).Info().
		Str("license_id", lic.ID).
		Str("subscription_id", subscriptionID).
		Msg("License revoked after subscription ended")
	return true, nil
}
