package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/mindloop/mindloop/app/models"
	"github.com/mindloop/mindloop/internal/pkg/entitlements"
)

// countingStore wraps the in-memory entitlement store and counts writes, so
// tests can assert that duplicate deliveries cause zero mutations.
type countingStore struct {
	*entitlements.MemoryStore
	writes int
	fail   bool
}

func (c *countingStore) UpsertCourseEntitlement(uid, courseID, source string) error {
	if c.fail {
		return errors.New("store unavailable")
	}
	c.writes++
	return c.MemoryStore.UpsertCourseEntitlement(uid, courseID, source)
}

func (c *countingStore) UpsertMembershipEntitlement(in entitlements.MembershipUpdate) error {
	if c.fail {
		return errors.New("store unavailable")
	}
	c.writes++
	return c.MemoryStore.UpsertMembershipEntitlement(in)
}

func newTestService(opts ...Option) (*Service, *MemoryRepository, *countingStore) {
	repo := NewMemoryRepository()
	ents := &countingStore{MemoryStore: entitlements.NewMemoryStore()}
	svc := NewService(repo, ents, NewRegistry(NewStubProvider()), opts...)
	return svc, repo, ents
}

func stubWebhook(eventID, eventType, providerRef string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event_id":     eventID,
		"event_type":   eventType,
		"provider_ref": providerRef,
	})
	return body
}

func createCourseCheckout(t *testing.T, svc *Service) (intentID, providerRef string) {
	t.Helper()
	out, err := svc.CreateCheckout(context.Background(), CheckoutInput{
		UID:      "user-1",
		Kind:     models.IntentKindOneTime,
		Scope:    models.IntentScopeCourse,
		CourseID: "course-go",
	})
	if err != nil {
		t.Fatalf("CreateCheckout failed: %v", err)
	}
	return out.IntentID, "stub:" + out.IntentID
}

func createMembershipCheckout(t *testing.T, svc *Service) (intentID, providerRef string) {
	t.Helper()
	out, err := svc.CreateCheckout(context.Background(), CheckoutInput{
		UID:   "user-1",
		Kind:  models.IntentKindSubscription,
		Scope: models.IntentScopeMembership,
		Tier:  "pro",
	})
	if err != nil {
		t.Fatalf("CreateCheckout failed: %v", err)
	}
	return out.IntentID, "stub:" + out.IntentID
}

func TestCreateCheckoutPersistsIntentWithProviderRef(t *testing.T) {
	svc, repo, _ := newTestService()

	intentID, providerRef := createCourseCheckout(t, svc)

	intent, err := repo.GetIntent(intentID)
	if err != nil {
		t.Fatalf("intent not persisted: %v", err)
	}
	if intent.Status != models.IntentStatusPending {
		t.Errorf("status = %q, want pending", intent.Status)
	}
	if intent.Ref() != providerRef {
		t.Errorf("provider ref = %q, want %q", intent.Ref(), providerRef)
	}
	if intent.Provider != ProviderStub {
		t.Errorf("provider = %q", intent.Provider)
	}
	if !strings.HasPrefix(intentID, "pi_") {
		t.Errorf("intent id = %q, want pi_ prefix", intentID)
	}
}

func TestCreateCheckoutValidation(t *testing.T) {
	svc, _, _ := newTestService()

	tests := []struct {
		name string
		in   CheckoutInput
	}{
		{"missing uid", CheckoutInput{Kind: models.IntentKindOneTime, Scope: models.IntentScopeCourse, CourseID: "c"}},
		{"bad kind", CheckoutInput{UID: "u", Kind: "donation", Scope: models.IntentScopeCourse, CourseID: "c"}},
		{"bad scope", CheckoutInput{UID: "u", Kind: models.IntentKindOneTime, Scope: "seat", CourseID: "c"}},
		{"course without courseId", CheckoutInput{UID: "u", Kind: models.IntentKindOneTime, Scope: models.IntentScopeCourse}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateCheckout(context.Background(), tt.in)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("want ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestPaymentSucceededGrantsCourseEntitlement(t *testing.T) {
	svc, repo, ents := newTestService()
	intentID, providerRef := createCourseCheckout(t, svc)

	result, err := svc.HandleWebhook(stubWebhook("evt-1", EventPaymentSucceeded, providerRef), nil)
	if err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if !result.OK || result.Duplicate || result.Ignored {
		t.Errorf("unexpected result: %+v", result)
	}

	intent, _ := repo.GetIntent(intentID)
	if intent.Status != models.IntentStatusSucceeded {
		t.Errorf("intent status = %q, want succeeded", intent.Status)
	}

	ok, err := ents.CanAccess("user-1", "course-go")
	if err != nil || !ok {
		t.Errorf("CanAccess = %v, %v; want access granted", ok, err)
	}
	ent, _ := ents.GetCourseEntitlement("user-1", "course-go")
	if ent == nil || ent.Source != models.IntentKindOneTime {
		t.Errorf("course entitlement = %+v", ent)
	}
}

func TestDuplicateDeliveryShortCircuits(t *testing.T) {
	svc, repo, ents := newTestService()
	_, providerRef := createCourseCheckout(t, svc)

	body := stubWebhook("evt-1", EventPaymentSucceeded, providerRef)
	if _, err := svc.HandleWebhook(body, nil); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	writesAfterFirst := ents.writes

	result, err := svc.HandleWebhook(body, nil)
	if err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}
	if !result.OK || !result.Duplicate {
		t.Errorf("second delivery result = %+v, want duplicate", result)
	}
	if ents.writes != writesAfterFirst {
		t.Errorf("duplicate delivery mutated entitlements: %d -> %d", writesAfterFirst, ents.writes)
	}
	if repo.EventCount() != 1 {
		t.Errorf("event count = %d, want 1", repo.EventCount())
	}
}

func TestUnmappedEventStoredAndIgnored(t *testing.T) {
	svc, repo, ents := newTestService()
	_, providerRef := createCourseCheckout(t, svc)

	result, err := svc.HandleWebhook(stubWebhook("evt-odd", "stub.mystery", providerRef), nil)
	if err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if !result.OK || !result.Ignored || !result.Unmapped {
		t.Errorf("result = %+v, want ignored+unmapped", result)
	}

	event, ok := repo.GetEvent(ProviderStub + ":evt-odd")
	if !ok {
		t.Fatal("unmapped event was not persisted")
	}
	if !event.Unmapped || event.UnmappedHint == "" {
		t.Errorf("event = %+v, want unmapped flag and hint", event)
	}
	if ents.writes != 0 {
		t.Errorf("unmapped event mutated entitlements %d times", ents.writes)
	}
}

func TestUnknownIntentStoredWithoutMutation(t *testing.T) {
	svc, repo, ents := newTestService()

	result, err := svc.HandleWebhook(stubWebhook("evt-orphan", EventPaymentSucceeded, "stub:pi_never_created"), nil)
	if err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if !result.OK || !result.UnknownIntent {
		t.Errorf("result = %+v, want unknown intent", result)
	}
	if repo.EventCount() != 1 {
		t.Errorf("event count = %d, want event persisted", repo.EventCount())
	}
	if ents.writes != 0 {
		t.Errorf("orphan event mutated entitlements %d times", ents.writes)
	}
}

func TestPaymentFailedMarksIntent(t *testing.T) {
	svc, repo, _ := newTestService()
	intentID, providerRef := createCourseCheckout(t, svc)

	if _, err := svc.HandleWebhook(stubWebhook("evt-f", EventPaymentFailed, providerRef), nil); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	intent, _ := repo.GetIntent(intentID)
	if intent.Status != models.IntentStatusFailed {
		t.Errorf("intent status = %q, want failed", intent.Status)
	}
}

func TestTerminalIntentNotRetransitioned(t *testing.T) {
	svc, repo, _ := newTestService()
	intentID, providerRef := createCourseCheckout(t, svc)

	if _, err := svc.HandleWebhook(stubWebhook("evt-1", EventPaymentSucceeded, providerRef), nil); err != nil {
		t.Fatalf("succeeded delivery failed: %v", err)
	}
	// A later decline for the same intent must not undo the terminal state.
	if _, err := svc.HandleWebhook(stubWebhook("evt-2", EventPaymentFailed, providerRef), nil); err != nil {
		t.Fatalf("failed delivery errored: %v", err)
	}

	intent, _ := repo.GetIntent(intentID)
	if intent.Status != models.IntentStatusSucceeded {
		t.Errorf("intent status = %q, want succeeded preserved", intent.Status)
	}
}

// brokenCheckoutProvider simulates a provider whose checkout API is down.
type brokenCheckoutProvider struct {
	StubProvider
}

func (p *brokenCheckoutProvider) CreateOneTimeCheckout(context.Context, *models.PaymentIntent) (*CheckoutResult, error) {
	return nil, errors.New("gateway timeout")
}

func (p *brokenCheckoutProvider) CreateSubscriptionCheckout(context.Context, *models.PaymentIntent) (*CheckoutResult, error) {
	return nil, errors.New("gateway timeout")
}

func TestFailedCheckoutsLeavePendingIntentsWithoutRef(t *testing.T) {
	repo := NewMemoryRepository()
	ents := &countingStore{MemoryStore: entitlements.NewMemoryStore()}
	svc := NewService(repo, ents, NewRegistry(&brokenCheckoutProvider{}))

	// Two checkouts whose provider call never completes. Both intents stay
	// pending with a nil provider ref, so the unique (provider, provider_ref)
	// index sees two NULLs rather than two colliding empty strings.
	for i := 0; i < 2; i++ {
		_, err := svc.CreateCheckout(context.Background(), CheckoutInput{
			UID:      fmt.Sprintf("user-%d", i),
			Kind:     models.IntentKindOneTime,
			Scope:    models.IntentScopeCourse,
			CourseID: "course-go",
		})
		if err == nil {
			t.Fatal("checkout succeeded against a broken provider")
		}
	}

	intents, err := repo.ListIntents("", "", 10)
	if err != nil {
		t.Fatalf("ListIntents failed: %v", err)
	}
	if len(intents) != 2 {
		t.Fatalf("got %d intents, want both pending intents persisted", len(intents))
	}
	for _, intent := range intents {
		if intent.Status != models.IntentStatusPending {
			t.Errorf("intent %s status = %q, want pending", intent.ID, intent.Status)
		}
		if intent.ProviderRef != nil {
			t.Errorf("intent %s has provider ref %q before assignment", intent.ID, *intent.ProviderRef)
		}
	}

	// Unassigned refs must never satisfy a webhook's join lookup.
	if _, err := repo.FindIntentByProviderRef(ProviderStub, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty provider ref matched an intent, err = %v", err)
	}
}

func TestMembershipLifecycle(t *testing.T) {
	svc, repo, ents := newTestService()
	_, providerRef := createMembershipCheckout(t, svc)

	// Initial purchase activates the membership and a subscription record.
	if _, err := svc.HandleWebhook(stubWebhook("evt-1", EventPaymentSucceeded, providerRef), nil); err != nil {
		t.Fatalf("purchase delivery failed: %v", err)
	}
	ent, _ := ents.GetMembershipEntitlement("user-1")
	if ent == nil || ent.Status != models.EntitlementStatusActive || ent.ExpiresAt != nil {
		t.Fatalf("membership after purchase = %+v", ent)
	}
	subID := BuildSubscriptionID("user-1", ProviderStub, "", providerRef)
	if _, ok := repo.GetSubscription(subID); !ok {
		t.Fatalf("bootstrap subscription %s not created", subID)
	}

	// Renewal keeps it active with no expiry.
	if _, err := svc.HandleWebhook(stubWebhook("evt-2", EventSubRenewed, providerRef), nil); err != nil {
		t.Fatalf("renewal delivery failed: %v", err)
	}
	ent, _ = ents.GetMembershipEntitlement("user-1")
	if ent.Status != models.EntitlementStatusActive || ent.ExpiresAt != nil {
		t.Errorf("membership after renewal = %+v", ent)
	}

	// Past due keeps access but stamps a grace expiry.
	if _, err := svc.HandleWebhook(stubWebhook("evt-3", EventSubPastDue, providerRef), nil); err != nil {
		t.Fatalf("past_due delivery failed: %v", err)
	}
	ent, _ = ents.GetMembershipEntitlement("user-1")
	if ent.Status != models.EntitlementStatusActive {
		t.Errorf("membership after past_due = %q, want active", ent.Status)
	}
	if ent.ExpiresAt == nil {
		t.Fatal("past_due membership has no grace expiry")
	}
	grace := time.Until(*ent.ExpiresAt)
	if grace < 13*24*time.Hour || grace > 15*24*time.Hour {
		t.Errorf("grace window = %v, want about 14 days", grace)
	}
	sub, _ := repo.GetSubscription(subID)
	if sub.Status != models.SubscriptionStatusPastDue {
		t.Errorf("subscription status = %q, want past_due", sub.Status)
	}

	// Cancellation deactivates access.
	if _, err := svc.HandleWebhook(stubWebhook("evt-4", EventSubCanceled, providerRef), nil); err != nil {
		t.Fatalf("canceled delivery failed: %v", err)
	}
	ent, _ = ents.GetMembershipEntitlement("user-1")
	if ent.Status != models.EntitlementStatusInactive {
		t.Errorf("membership after cancel = %q, want inactive", ent.Status)
	}
	ok, _ := ents.CanAccess("user-1", "anything")
	if ok {
		t.Error("canceled membership still grants access")
	}
}

func TestRollbackOnMutationFailureAllowsRetry(t *testing.T) {
	svc, repo, ents := newTestService()
	_, providerRef := createCourseCheckout(t, svc)

	body := stubWebhook("evt-1", EventPaymentSucceeded, providerRef)

	ents.fail = true
	_, err := svc.HandleWebhook(body, nil)
	var whErr *WebhookError
	if !errors.As(err, &whErr) || whErr.Kind != ErrorKindProcessing {
		t.Fatalf("want processing error, got %v", err)
	}
	if repo.EventCount() != 0 {
		t.Fatalf("event record survived the failed mutation, count=%d", repo.EventCount())
	}

	// The provider retry of the same delivery must go through now.
	ents.fail = false
	result, err := svc.HandleWebhook(body, nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !result.OK || result.Duplicate {
		t.Errorf("retry result = %+v, want fresh processing", result)
	}
	ok, _ := ents.CanAccess("user-1", "course-go")
	if !ok {
		t.Error("retry did not grant the entitlement")
	}
}

func TestBuildSubscriptionID(t *testing.T) {
	tests := []struct {
		name                       string
		providerSubID, providerRef string
		want                       string
	}{
		{"with provider subscription id", "rec-7", "req-1", "sub_u1_payplus_rec-7"},
		{"bootstrap from provider ref", "", "req-1", "sub_u1_payplus_bootstrap_req-1"},
		{"bootstrap without ref", "", "", "sub_u1_payplus_bootstrap_unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildSubscriptionID("u1", "payplus", tt.providerSubID, tt.providerRef)
			if got != tt.want {
				t.Errorf("BuildSubscriptionID = %q, want %q", got, tt.want)
			}
			if again := BuildSubscriptionID("u1", "payplus", tt.providerSubID, tt.providerRef); again != got {
				t.Errorf("id not deterministic: %q vs %q", got, again)
			}
		})
	}
}

func TestPayloadCaptureRedacts(t *testing.T) {
	svc, repo, _ := newTestService(WithPayloadCapture(DefaultRedactKeys))
	_, providerRef := createCourseCheckout(t, svc)

	body, _ := json.Marshal(map[string]any{
		"event_id":       "evt-1",
		"event_type":     EventPaymentSucceeded,
		"provider_ref":   providerRef,
		"customer_email": "user@example.com",
	})
	if _, err := svc.HandleWebhook(body, nil); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}

	event, ok := repo.GetEvent(ProviderStub + ":evt-1")
	if !ok {
		t.Fatal("event not persisted")
	}
	if event.PayloadRedactedJSON == "" {
		t.Fatal("redacted payload not captured")
	}
	if strings.Contains(event.PayloadRedactedJSON, "user@example.com") {
		t.Error("captured payload leaks the email address")
	}
	if !strings.Contains(event.PayloadKeysJSON, "customer_email") {
		t.Error("key manifest missing customer_email")
	}
}

func TestKeyManifestIsSortedAndCapped(t *testing.T) {
	m := make(map[string]any, 120)
	for i := 0; i < 120; i++ {
		m[fmt.Sprintf("k%03d", i)] = i
	}

	keys := keyManifest(m)
	if len(keys) != 100 {
		t.Fatalf("manifest length = %d, want capped at 100", len(keys))
	}
	if !sort.StringsAreSorted(keys) {
		t.Error("manifest keys are not sorted")
	}
	// Sorted-then-capped keeps a stable prefix, not an arbitrary subset.
	if keys[0] != "k000" || keys[99] != "k099" {
		t.Errorf("manifest range = %s..%s, want k000..k099", keys[0], keys[99])
	}
}

func TestHandleWebhookForUnknownProvider(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.HandleWebhookFor("paypal", []byte(`{}`), nil)
	var whErr *WebhookError
	if !errors.As(err, &whErr) || whErr.Kind != ErrorKindPayload {
		t.Errorf("want payload error for unknown provider, got %v", err)
	}
}

func TestListIntentsFilters(t *testing.T) {
	svc, _, _ := newTestService()
	for i := 0; i < 3; i++ {
		if _, err := svc.CreateCheckout(context.Background(), CheckoutInput{
			UID:      fmt.Sprintf("user-%d", i%2),
			Kind:     models.IntentKindOneTime,
			Scope:    models.IntentScopeCourse,
			CourseID: "course-go",
		}); err != nil {
			t.Fatalf("CreateCheckout failed: %v", err)
		}
	}

	intents, err := svc.Repo().ListIntents("user-0", "", 10)
	if err != nil {
		t.Fatalf("ListIntents failed: %v", err)
	}
	if len(intents) != 2 {
		t.Errorf("got %d intents for user-0, want 2", len(intents))
	}
	intents, _ = svc.Repo().ListIntents("", models.IntentStatusPending, 1)
	if len(intents) != 1 {
		t.Errorf("limit not applied, got %d", len(intents))
	}
}
