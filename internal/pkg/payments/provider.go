package payments

import (
	"context"

	"github.com/mindloop/mindloop/app/models"
)

// CheckoutResult is returned by a provider after creating a checkout session.
type CheckoutResult struct {
	RedirectURL string
	ProviderRef string
}

// VerifiedWebhook is the normalized, typed event a provider produces from a
// raw webhook delivery. EventType is always a canonical type or a
// provider-namespaced unmapped sentinel. Raw holds the untouched decoded
// payload for forensic capture only; routing never reads it.
type VerifiedWebhook struct {
	Provider               string
	EventID                string
	EventType              string
	ProviderRef            string
	ProviderSubscriptionID string
	RawStatusCode          string
	RawStatus              string
	RawTransactionType     string
	Raw                    map[string]any
}

// Provider is the complete surface a payment backend exposes to the service.
// The orchestrator calls nothing else on a provider.
type Provider interface {
	Name() string
	CreateOneTimeCheckout(ctx context.Context, intent *models.PaymentIntent) (*CheckoutResult, error)
	CreateSubscriptionCheckout(ctx context.Context, intent *models.PaymentIntent) (*CheckoutResult, error)
	// VerifyWebhook authenticates raw request bytes + headers and maps the
	// payload to a normalized event. Failures are typed *WebhookError values.
	VerifyWebhook(rawBody []byte, headers map[string]string) (*VerifiedWebhook, error)
}
