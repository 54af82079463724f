package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/screenstranslate/license-server/internal/entitlements/entmetrics"
	"github.com/screenstranslate/license-server/internal/entitlements/httpio"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// SubscriptionRevoker ends the entitlement tied to a subscription.
type SubscriptionRevoker interface {
	RevokeForSubscription(ctx context.Context, subscriptionID string) (bool, error)
}

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret  string
	revoker SubscriptionRevoker
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, revoker SubscriptionRevoker) *WebhookHandler {
	return &WebhookHandler{secret: secret, revoker: revoker}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		entmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		entmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		httpio.WriteJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		httpio.WriteJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		httpio.WriteJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		httpio.WriteJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		httpio.WriteJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r.Context(), &event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		httpio.WriteJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	httpio.WriteJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "customer.subscription.deleted":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		return h.revoke(ctx, event, sub)

	case "customer.subscription.updated":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		if !IsTerminal(sub.Status) {
			log.Debug().
				Str("event_id", event.ID).
				Str("subscription_id", sub.ID).
				Str("status", sub.Status).
				Msg("Subscription update keeps entitlement")
			return nil
		}
		return h.revoke(ctx, event, sub)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (h *WebhookHandler) revoke(ctx context.Context, event *stripelib.Event, sub webhookSubscription) error {
	changed, err := h.revoker.RevokeForSubscription(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("revoke license for subscription %s: %w", sub.ID, err)
	}
	log.Info().
		Str("event_id", event.ID).
		Str("subscription_id", sub.ID).
		Str("status", sub.Status).
		Bool("revoked", changed).
		Msg("Subscription ended")
	return nil
}

// webhookSubscription is the part of a subscription event payload we read.
type webhookSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

func decodeSubscription(event *stripelib.Event) (webhookSubscription, error) {
	var sub webhookSubscription
	if event.Data == nil {
		return sub, fmt.Errorf("event %s has no data", event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return sub, fmt.Errorf("decode subscription: %w", err)
	}
	return sub, nil
}
