package payments

import (
	"context"
	"encoding/json"

	"github.com/mindloop/mindloop/app/models"
)

const ProviderStub = "stub"

// StubProvider is a deterministic provider for tests and local development.
// Checkout results are synthesized from the intent id, so the whole pipeline
// runs without a network dependency.
type StubProvider struct{}

func NewStubProvider() *StubProvider { return &StubProvider{} }

func (s *StubProvider) Name() string { return ProviderStub }

func (s *StubProvider) CreateOneTimeCheckout(_ context.Context, intent *models.PaymentIntent) (*CheckoutResult, error) {
	return &CheckoutResult{
		RedirectURL: "/stub-checkout/redirect/" + intent.ID,
		ProviderRef: "stub:" + intent.ID,
	}, nil
}

func (s *StubProvider) CreateSubscriptionCheckout(ctx context.Context, intent *models.PaymentIntent) (*CheckoutResult, error) {
	return s.CreateOneTimeCheckout(ctx, intent)
}

// VerifyWebhook parses the JSON body directly, no signature check. The body
// must carry event_id and event_type; provider_ref is read from the top
// level first, then from the nested payload.
func (s *StubProvider) VerifyWebhook(rawBody []byte, _ map[string]string) (*VerifiedWebhook, error) {
	var data map[string]any
	if err := json.Unmarshal(rawBody, &data); err != nil {
		return nil, payloadError("invalid stub webhook JSON", err)
	}

	eventID, _ := data["event_id"].(string)
	eventType, _ := data["event_type"].(string)
	if eventID == "" || eventType == "" {
		return nil, payloadError("stub webhook body must include event_id and event_type", nil)
	}

	payload, _ := data["payload"].(map[string]any)
	providerRef, _ := data["provider_ref"].(string)
	if providerRef == "" && payload != nil {
		providerRef, _ = payload["provider_ref"].(string)
	}
	providerSubID, _ := data["provider_subscription_id"].(string)
	if providerSubID == "" && payload != nil {
		providerSubID, _ = payload["provider_subscription_id"].(string)
	}

	return &VerifiedWebhook{
		Provider:               ProviderStub,
		EventID:                eventID,
		EventType:              eventType,
		ProviderRef:            providerRef,
		ProviderSubscriptionID: providerSubID,
		Raw:                    data,
	}, nil
}
