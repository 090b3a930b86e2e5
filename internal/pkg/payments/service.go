package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mindloop/mindloop/app/models"
	"github.com/mindloop/mindloop/internal/pkg/entitlements"
	"github.com/mindloop/mindloop/internal/pkg/env"
)

// CheckoutInput describes one checkout request from the platform.
type CheckoutInput struct {
	UID      string
	Kind     string
	Scope    string
	CourseID string
	Tier     string
}

// CheckoutOutput carries the provider redirect URL back to the caller.
type CheckoutOutput struct {
	URL      string `json:"url"`
	IntentID string `json:"intent_id"`
}

// WebhookResult is the structured outcome of one webhook delivery. The
// flags are mutually distinguishable; the admin replay tool depends on that.
type WebhookResult struct {
	OK            bool   `json:"ok"`
	Duplicate     bool   `json:"duplicate"`
	Ignored       bool   `json:"ignored,omitempty"`
	Unmapped      bool   `json:"unmapped,omitempty"`
	UnknownIntent bool   `json:"unknown_intent,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	EventType     string `json:"event_type,omitempty"`
}

// Service orchestrates checkout creation and webhook processing. All
// collaborators are injected; the service holds no hidden global state.
type Service struct {
	repo     Repository
	ents     entitlements.Store
	registry *Registry

	capturePayloads  bool
	redactKeys       map[string]struct{}
	pastDueGraceDays int
}

// Option tweaks service policy knobs.
type Option func(*Service)

func WithPayloadCapture(keys []string) Option {
	return func(s *Service) {
		s.capturePayloads = true
		s.redactKeys = RedactKeySet(keys)
	}
}

func WithPastDueGraceDays(days int) Option {
	return func(s *Service) { s.pastDueGraceDays = days }
}

// NewService creates a payments service from injected collaborators.
func NewService(repo Repository, ents entitlements.Store, registry *Registry, opts ...Option) *Service {
	s := &Service{
		repo:             repo,
		ents:             ents,
		registry:         registry,
		redactKeys:       RedactKeySet(DefaultRedactKeys),
		pastDueGraceDays: 14,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromEnv applies the policy knobs from the environment.
func NewServiceFromEnv(repo Repository, ents entitlements.Store, registry *Registry) *Service {
	var opts []Option
	if env.GetEnvBool("PAYPLUS_CAPTURE_WEBHOOK_PAYLOADS", false) {
		keys := DefaultRedactKeys
		if raw := env.GetEnv("PAYPLUS_PAYLOAD_REDACT_KEYS", ""); raw != "" {
			keys = strings.Split(raw, ",")
		}
		opts = append(opts, WithPayloadCapture(keys))
	}
	opts = append(opts, WithPastDueGraceDays(env.GetEnvInt("PAYMENTS_PASTDUE_GRACE_DAYS", 14)))
	return NewService(repo, ents, registry, opts...)
}

// Registry exposes the provider registry for the replay surface.
func (s *Service) Registry() *Registry { return s.registry }

// Repo exposes the repository for read-only admin surfaces.
func (s *Service) Repo() Repository { return s.repo }

// ============================================================================
// CHECKOUT
// ============================================================================

func generateIntentID() string {
	return "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateCheckout persists a pending intent, asks the active provider for a
// redirect URL and stores the provider reference. A provider failure leaves
// a pending intent behind, observable rather than silently completed.
func (s *Service) CreateCheckout(ctx context.Context, in CheckoutInput) (*CheckoutOutput, error) {
	if err := validateCheckoutInput(in); err != nil {
		return nil, err
	}
	provider, err := s.registry.Active()
	if err != nil {
		return nil, err
	}

	intent := &models.PaymentIntent{
		ID:       generateIntentID(),
		UID:      in.UID,
		Kind:     in.Kind,
		Scope:    in.Scope,
		CourseID: in.CourseID,
		Tier:     in.Tier,
		Status:   models.IntentStatusPending,
		Provider: provider.Name(),
	}
	if err := s.repo.CreateIntent(intent); err != nil {
		return nil, fmt.Errorf("persist intent: %w", err)
	}

	var result *CheckoutResult
	if in.Kind == models.IntentKindOneTime {
		result, err = provider.CreateOneTimeCheckout(ctx, intent)
	} else {
		result, err = provider.CreateSubscriptionCheckout(ctx, intent)
	}
	if err != nil {
		return nil, fmt.Errorf("provider checkout: %w", err)
	}

	// providerRef is set exactly once per intent.
	if err := s.repo.UpdateIntent(intent.ID, map[string]any{"provider_ref": result.ProviderRef}); err != nil {
		return nil, fmt.Errorf("store provider ref: %w", err)
	}

	log.Printf("checkout created: intent=%s uid=%s kind=%s scope=%s provider=%s ref=%s",
		intent.ID, in.UID, in.Kind, in.Scope, provider.Name(), result.ProviderRef)

	return &CheckoutOutput{URL: result.RedirectURL, IntentID: intent.ID}, nil
}

// ErrInvalidInput marks checkout requests rejected before any persistence.
var ErrInvalidInput = errors.New("payments: invalid input")

func validateCheckoutInput(in CheckoutInput) error {
	if in.UID == "" {
		return fmt.Errorf("%w: uid is required", ErrInvalidInput)
	}
	if in.Kind != models.IntentKindOneTime && in.Kind != models.IntentKindSubscription {
		return fmt.Errorf("%w: invalid checkout kind %q", ErrInvalidInput, in.Kind)
	}
	if in.Scope != models.IntentScopeCourse && in.Scope != models.IntentScopeMembership {
		return fmt.Errorf("%w: invalid checkout scope %q", ErrInvalidInput, in.Scope)
	}
	if in.Scope == models.IntentScopeCourse && in.CourseID == "" {
		return fmt.Errorf("%w: courseId is required for course checkouts", ErrInvalidInput)
	}
	return nil
}

// ============================================================================
// WEBHOOK PIPELINE
// ============================================================================

// HandleWebhook runs the full pipeline for one raw delivery:
// verify → capture → idempotency gate → unmapped short-circuit →
// intent resolution → routing. Typed *WebhookError values propagate to the
// transport layer unmodified.
func (s *Service) HandleWebhook(rawBody []byte, headers map[string]string) (*WebhookResult, error) {
	provider, err := s.registry.Active()
	if err != nil {
		return nil, processingError("no active provider", err)
	}
	return s.handleWebhookWith(provider, rawBody, headers)
}

// HandleWebhookFor runs the pipeline against a named provider. Used by the
// admin replay surface.
func (s *Service) HandleWebhookFor(providerName string, rawBody []byte, headers map[string]string) (*WebhookResult, error) {
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return nil, payloadError("unknown provider", err)
	}
	return s.handleWebhookWith(provider, rawBody, headers)
}

// HandleWebhookWithProvider runs the pipeline against an explicit provider
// instance, e.g. one with an overridden verification mode.
func (s *Service) HandleWebhookWithProvider(provider Provider, rawBody []byte, headers map[string]string) (*WebhookResult, error) {
	return s.handleWebhookWith(provider, rawBody, headers)
}

func (s *Service) handleWebhookWith(provider Provider, rawBody []byte, headers map[string]string) (*WebhookResult, error) {
	// 1. Verify. Never mutates state.
	verified, err := provider.VerifyWebhook(rawBody, headers)
	if err != nil {
		return nil, err
	}

	event := s.buildEventRecord(verified, rawBody)

	// 2. Idempotency gate, the single linearization point.
	created, err := s.repo.CreateEventIfAbsent(event)
	if err != nil {
		return nil, processingError("event persistence failed", err)
	}
	if !created {
		log.Printf("duplicate webhook event, skipping: %s", event.ID)
		return &WebhookResult{OK: true, Duplicate: true, EventID: verified.EventID, EventType: verified.EventType}, nil
	}

	result := &WebhookResult{OK: true, EventID: verified.EventID, EventType: verified.EventType}

	// 3. Unmapped events are stored for observability but never routed.
	if event.Unmapped {
		log.Printf("unmapped webhook event stored: %s hint=%s", event.ID, event.UnmappedHint)
		result.Ignored = true
		result.Unmapped = true
		return result, nil
	}

	// 4. Resolve the intent via the provider ref join key.
	var intent *models.PaymentIntent
	if verified.ProviderRef != "" {
		intent, err = s.repo.FindIntentByProviderRef(verified.Provider, verified.ProviderRef)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, s.rollbackEvent(event, "intent lookup failed", err)
		}
	}
	if intent == nil {
		log.Printf("webhook with no matching intent: provider=%s ref=%q event=%s",
			verified.Provider, verified.ProviderRef, event.ID)
		result.UnknownIntent = true
		return result, nil
	}

	// 5. Route on canonical type to exactly one handler.
	switch verified.EventType {
	case EventPaymentSucceeded:
		err = s.handlePaymentSucceeded(intent, verified)
	case EventPaymentFailed:
		err = s.markIntentStatus(intent, models.IntentStatusFailed)
	case EventSubRenewed:
		err = s.applySubscriptionState(intent, verified, models.SubscriptionStatusActive)
	case EventSubPastDue:
		err = s.handleSubPastDue(intent, verified)
	case EventSubCanceled:
		err = s.handleSubCanceled(intent, verified)
	default:
		log.Printf("unhandled event type %q, ignoring: %s", verified.EventType, event.ID)
		result.Ignored = true
		return result, nil
	}
	if err != nil {
		return nil, s.rollbackEvent(event, "event routing failed", err)
	}

	log.Printf("webhook applied: event=%s type=%s intent=%s uid=%s",
		event.ID, verified.EventType, intent.ID, intent.UID)
	return result, nil
}

// rollbackEvent removes the event record after a mutation failure so the
// provider's retry of the same delivery can re-enter routing.
func (s *Service) rollbackEvent(event *models.PaymentEvent, msg string, err error) error {
	if delErr := s.repo.DeleteEvent(event.ID); delErr != nil {
		log.Printf("event rollback failed for %s: %v", event.ID, delErr)
	}
	return processingError(msg, err)
}

func (s *Service) buildEventRecord(verified *VerifiedWebhook, rawBody []byte) *models.PaymentEvent {
	event := &models.PaymentEvent{
		ID:              verified.Provider + ":" + verified.EventID,
		Provider:        verified.Provider,
		ProviderEventID: verified.EventID,
		EventType:       verified.EventType,
	}

	if !IsCanonical(verified.EventType) {
		event.Unmapped = true
		event.UnmappedHint = fmt.Sprintf("status_code=%s status=%s type=%s",
			verified.RawStatusCode, verified.RawStatus, verified.RawTransactionType)
	}

	normalized := map[string]any{"provider_ref": verified.ProviderRef}
	if verified.ProviderSubscriptionID != "" {
		normalized["provider_subscription_id"] = verified.ProviderSubscriptionID
	}
	if payload, err := json.Marshal(normalized); err == nil {
		event.PayloadJSON = string(payload)
	}

	if s.capturePayloads {
		s.captureRedacted(event, rawBody)
	}
	return event
}

// captureRedacted attaches the redacted raw body plus key-name manifests so
// payloads can be debugged without retaining PII.
func (s *Service) captureRedacted(event *models.PaymentEvent, rawBody []byte) {
	var raw map[string]any
	if err := json.Unmarshal(rawBody, &raw); err != nil {
		log.Printf("payload capture: cannot parse raw webhook body: %v", err)
		event.PayloadRedactedJSON = `{"_error":"invalid_json_or_redact_failure"}`
		return
	}

	if redacted, err := json.Marshal(Redact(raw, s.redactKeys)); err == nil {
		event.PayloadRedactedJSON = string(redacted)
	}

	manifest := map[string][]string{"payload_keys": keyManifest(raw)}
	if tx, ok := raw["transaction"].(map[string]any); ok {
		manifest["transaction_keys"] = keyManifest(tx)
	}
	if keys, err := json.Marshal(manifest); err == nil {
		event.PayloadKeysJSON = string(keys)
	}
}

// keyManifest lists up to 100 key names in sorted order, so captures of the
// same payload are byte-identical across deliveries.
func keyManifest(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 100 {
		keys = keys[:100]
	}
	return keys
}

// ============================================================================
// ROUTING HANDLERS
// ============================================================================

// BuildSubscriptionID derives the deterministic subscription id. With a
// provider subscription id the record is keyed by it; before the provider
// has assigned one, the originating intent's provider ref keys a bootstrap
// record that later renewals can reconcile against.
func BuildSubscriptionID(uid, provider, providerSubscriptionID, intentProviderRef string) string {
	if providerSubscriptionID != "" {
		return fmt.Sprintf("sub_%s_%s_%s", uid, provider, providerSubscriptionID)
	}
	ref := intentProviderRef
	if ref == "" {
		ref = "unknown"
	}
	return fmt.Sprintf("sub_%s_%s_bootstrap_%s", uid, provider, ref)
}

// markIntentStatus writes a terminal status. Transitions out of a terminal
// state are invalid and skipped.
func (s *Service) markIntentStatus(intent *models.PaymentIntent, status string) error {
	if intent.Terminal() {
		if intent.Status != status {
			log.Printf("ignoring %s→%s transition for intent %s", intent.Status, status, intent.ID)
		}
		return nil
	}
	return s.repo.UpdateIntent(intent.ID, map[string]any{"status": status})
}

func (s *Service) handlePaymentSucceeded(intent *models.PaymentIntent, verified *VerifiedWebhook) error {
	if err := s.markIntentStatus(intent, models.IntentStatusSucceeded); err != nil {
		return err
	}

	switch {
	case intent.Scope == models.IntentScopeCourse && intent.CourseID != "":
		return s.ents.UpsertCourseEntitlement(intent.UID, intent.CourseID, models.IntentKindOneTime)
	case intent.Scope == models.IntentScopeMembership:
		return s.activateMembership(intent, verified, nil)
	}
	return nil
}

func (s *Service) handleSubPastDue(intent *models.PaymentIntent, verified *VerifiedWebhook) error {
	if err := s.upsertSubscription(intent, verified, models.SubscriptionStatusPastDue); err != nil {
		return err
	}
	// Grace policy: keep the membership active but stamp an explicit expiry
	// so access lapses without a sweep if the subscription never recovers.
	grace := time.Now().UTC().AddDate(0, 0, s.pastDueGraceDays)
	return s.upsertMembership(intent, verified, models.EntitlementStatusActive, &grace)
}

func (s *Service) handleSubCanceled(intent *models.PaymentIntent, verified *VerifiedWebhook) error {
	if err := s.upsertSubscription(intent, verified, models.SubscriptionStatusCanceled); err != nil {
		return err
	}
	return s.upsertMembership(intent, verified, models.EntitlementStatusInactive, nil)
}

// applySubscriptionState marks the subscription and keeps the membership
// entitlement active with no expiry. Used for renewals.
func (s *Service) applySubscriptionState(intent *models.PaymentIntent, verified *VerifiedWebhook, subStatus string) error {
	if err := s.upsertSubscription(intent, verified, subStatus); err != nil {
		return err
	}
	return s.upsertMembership(intent, verified, models.EntitlementStatusActive, nil)
}

func (s *Service) activateMembership(intent *models.PaymentIntent, verified *VerifiedWebhook, expiresAt *time.Time) error {
	if err := s.upsertSubscription(intent, verified, models.SubscriptionStatusActive); err != nil {
		return err
	}
	return s.upsertMembership(intent, verified, models.EntitlementStatusActive, expiresAt)
}

func (s *Service) upsertSubscription(intent *models.PaymentIntent, verified *VerifiedWebhook, status string) error {
	providerSubID := verified.ProviderSubscriptionID
	if providerSubID == "" {
		providerSubID = intent.Ref()
	}
	return s.repo.UpsertSubscription(&models.Subscription{
		ID:                     BuildSubscriptionID(intent.UID, intent.Provider, verified.ProviderSubscriptionID, intent.Ref()),
		UID:                    intent.UID,
		Provider:               intent.Provider,
		ProviderSubscriptionID: providerSubID,
		Status:                 status,
	})
}

func (s *Service) upsertMembership(intent *models.PaymentIntent, verified *VerifiedWebhook, status string, expiresAt *time.Time) error {
	providerSubID := verified.ProviderSubscriptionID
	if providerSubID == "" {
		providerSubID = intent.Ref()
	}
	return s.ents.UpsertMembershipEntitlement(entitlements.MembershipUpdate{
		UID:                    intent.UID,
		Status:                 status,
		ExpiresAt:              expiresAt,
		Source:                 models.IntentKindSubscription,
		Provider:               intent.Provider,
		ProviderSubscriptionID: providerSubID,
	})
}
