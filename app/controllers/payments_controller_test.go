package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindloop/mindloop/internal/pkg/entitlements"
	"github.com/mindloop/mindloop/internal/pkg/middleware"
	"github.com/mindloop/mindloop/internal/pkg/payments"
)

func newTestApp(t *testing.T) (*fiber.App, *payments.MemoryRepository, *entitlements.MemoryStore) {
	t.Helper()

	repo := payments.NewMemoryRepository()
	ents := entitlements.NewMemoryStore()
	svc := payments.NewService(repo, ents, payments.NewRegistry(payments.NewStubProvider()))
	pc := NewPaymentsController(svc, ents)

	app := fiber.New()
	app.Use(middleware.UserContextMiddleware())
	app.Post("/webhooks/payments", pc.HandleWebhook)
	app.Post("/api/v1/checkout/session", middleware.RequireUserMiddleware(), pc.HandleCreateCheckout)
	app.Get("/api/v1/me/access/:courseId", middleware.RequireUserMiddleware(), pc.HandleAccessCheck)
	app.Post("/api/v1/admin/webhooks/replay", pc.HandleWebhookReplay)
	app.Get("/api/v1/admin/payments/intents", pc.HandleAdminListIntents)

	return app, repo, ents
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCheckoutRequiresAuthentication(t *testing.T) {
	app, _, _ := newTestApp(t)

	req := jsonRequest(fiber.MethodPost, "/api/v1/checkout/session", map[string]any{
		"type": "one_time", "courseId": "c1",
	})
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestCheckoutValidation(t *testing.T) {
	app, _, _ := newTestApp(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing type", map[string]any{"courseId": "c1"}, fiber.StatusUnprocessableEntity},
		{"bad type", map[string]any{"type": "donation"}, fiber.StatusUnprocessableEntity},
		{"one_time without course", map[string]any{"type": "one_time"}, fiber.StatusUnprocessableEntity},
		{"valid one_time", map[string]any{"type": "one_time", "courseId": "c1"}, fiber.StatusOK},
		{"valid subscription", map[string]any{"type": "subscription", "tier": "pro"}, fiber.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := jsonRequest(fiber.MethodPost, "/api/v1/checkout/session", tc.body)
			req.Header.Set("X-User-ID", "user-1")
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestCheckoutWebhookEntitlementFlow(t *testing.T) {
	app, repo, _ := newTestApp(t)

	// 1. Checkout as an authenticated user.
	req := jsonRequest(fiber.MethodPost, "/api/v1/checkout/session", map[string]any{
		"type": "one_time", "courseId": "course-go",
	})
	req.Header.Set("X-User-ID", "user-1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	checkout := decodeBody(t, resp)
	assert.Contains(t, checkout["url"], "/stub-checkout/redirect/")

	intents, err := repo.ListIntents("user-1", "", 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	providerRef := intents[0].Ref()

	// 2. Provider delivers the success webhook.
	webhook := map[string]any{
		"event_id":     "evt-1",
		"event_type":   "payment.succeeded",
		"provider_ref": providerRef,
	}
	resp, err = app.Test(jsonRequest(fiber.MethodPost, "/webhooks/payments", webhook))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	result := decodeBody(t, resp)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, false, result["duplicate"])

	// 3. Access is now granted.
	req = httptest.NewRequest(fiber.MethodGet, "/api/v1/me/access/course-go", nil)
	req.Header.Set("X-User-ID", "user-1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	access := decodeBody(t, resp)
	assert.Equal(t, true, access["can_access"])

	// 4. A redelivery is acknowledged as a duplicate.
	resp, err = app.Test(jsonRequest(fiber.MethodPost, "/webhooks/payments", webhook))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	result = decodeBody(t, resp)
	assert.Equal(t, true, result["duplicate"])
}

func TestWebhookErrorStatusMapping(t *testing.T) {
	app, _, _ := newTestApp(t)

	// Payload errors map to 400.
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/payments", bytes.NewBufferString("not json"))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Missing required stub fields also map to 400.
	resp, err = app.Test(jsonRequest(fiber.MethodPost, "/webhooks/payments", map[string]any{"event_id": "e"}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAccessCheckDeniedWithoutGrant(t *testing.T) {
	app, _, _ := newTestApp(t)

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/me/access/course-go", nil)
	req.Header.Set("X-User-ID", "user-2")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	access := decodeBody(t, resp)
	assert.Equal(t, false, access["can_access"])
}

func TestWebhookReplay(t *testing.T) {
	app, repo, _ := newTestApp(t)

	// Seed an intent through the normal checkout path.
	req := jsonRequest(fiber.MethodPost, "/api/v1/checkout/session", map[string]any{
		"type": "one_time", "courseId": "course-go",
	})
	req.Header.Set("X-User-ID", "user-1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	intents, err := repo.ListIntents("user-1", "", 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	providerRef := intents[0].Ref()

	// Replaying a mapped event against a live intent may mutate.
	resp, err = app.Test(jsonRequest(fiber.MethodPost, "/api/v1/admin/webhooks/replay", map[string]any{
		"provider": "stub",
		"payload": map[string]any{
			"event_id":     "evt-replay-1",
			"event_type":   "payment.succeeded",
			"provider_ref": providerRef,
		},
	}))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	replay := decodeBody(t, resp)
	assert.Equal(t, true, replay["ok"])
	assert.Equal(t, "may_mutate", replay["mutation_risk"])
	assert.Equal(t, true, replay["intent_found"])
	assert.Equal(t, intents[0].ID, replay["intent_id"])

	// Replaying it again is a duplicate, classified safe.
	resp, err = app.Test(jsonRequest(fiber.MethodPost, "/api/v1/admin/webhooks/replay", map[string]any{
		"provider": "stub",
		"payload": map[string]any{
			"event_id":     "evt-replay-1",
			"event_type":   "payment.succeeded",
			"provider_ref": providerRef,
		},
	}))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	replay = decodeBody(t, resp)
	assert.Equal(t, "safe", replay["mutation_risk"])

	// An orphan ref is safe too.
	resp, err = app.Test(jsonRequest(fiber.MethodPost, "/api/v1/admin/webhooks/replay", map[string]any{
		"provider": "stub",
		"payload": map[string]any{
			"event_id":     "evt-replay-2",
			"event_type":   "payment.succeeded",
			"provider_ref": "stub:pi_never_created",
		},
	}))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	replay = decodeBody(t, resp)
	assert.Equal(t, "safe", replay["mutation_risk"])
	assert.Equal(t, false, replay["intent_found"])
}

func TestWebhookReplayValidation(t *testing.T) {
	app, _, _ := newTestApp(t)

	// Unknown provider is rejected before the pipeline runs.
	resp, err := app.Test(jsonRequest(fiber.MethodPost, "/api/v1/admin/webhooks/replay", map[string]any{
		"provider": "paypal",
		"payload":  map[string]any{"event_id": "e", "event_type": "payment.succeeded"},
	}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	// Missing payload is rejected.
	resp, err = app.Test(jsonRequest(fiber.MethodPost, "/api/v1/admin/webhooks/replay", map[string]any{
		"provider": "stub",
	}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAdminListIntents(t *testing.T) {
	app, _, _ := newTestApp(t)

	for i := 0; i < 3; i++ {
		req := jsonRequest(fiber.MethodPost, "/api/v1/checkout/session", map[string]any{
			"type": "one_time", "courseId": "course-go",
		})
		req.Header.Set("X-User-ID", fmt.Sprintf("user-%d", i%2))
		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/admin/payments/intents?uid=user-0", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	listing := decodeBody(t, resp)
	assert.Equal(t, float64(2), listing["count"])
}
