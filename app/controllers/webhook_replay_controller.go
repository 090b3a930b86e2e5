package controllers

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mindloop/mindloop/internal/pkg/payments"
)

// Replay payloads are pasted by operators; keep them bounded.
const maxReplayPayloadSize = 50 * 1024

// WebhookReplayRequest replays a raw provider payload through the live
// webhook pipeline without tunnels or provider retries.
type WebhookReplayRequest struct {
	Provider     string            `json:"provider" validate:"required,oneof=payplus stub"`
	Payload      map[string]any    `json:"payload" validate:"required"`
	Headers      map[string]string `json:"headers"`
	ForceLogOnly bool              `json:"force_log_only"`
}

// WebhookReplayResponse reports the pipeline outcome plus operator context:
// whether an intent matched and a conservative mutation-risk classification.
type WebhookReplayResponse struct {
	OK           bool                    `json:"ok"`
	Result       *payments.WebhookResult `json:"result"`
	Provider     string                  `json:"provider"`
	EventID      string                  `json:"event_id,omitempty"`
	EventType    string                  `json:"event_type,omitempty"`
	Notes        []string                `json:"notes"`
	ProviderRef  string                  `json:"provider_ref,omitempty"`
	IntentFound  bool                    `json:"intent_found"`
	IntentID     string                  `json:"intent_id,omitempty"`
	IntentStatus string                  `json:"intent_status,omitempty"`
	MutationRisk string                  `json:"mutation_risk"`
}

// HandleWebhookReplay synthesizes the raw-bytes+headers shape the live
// endpoint receives and runs the payload through the same pipeline.
func (pc *PaymentsController) HandleWebhookReplay(c *fiber.Ctx) error {
	var req WebhookReplayRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_body", "message": "Request body must be valid JSON",
		})
	}
	if err := pc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "validation_failed", "message": err.Error(),
		})
	}

	rawBody, err := json.Marshal(req.Payload)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_payload", "message": "Payload is not serializable",
		})
	}
	if len(rawBody) > maxReplayPayloadSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error":   "payload_too_large",
			"message": fmt.Sprintf("Payload too large. Max %d bytes.", maxReplayPayloadSize),
		})
	}

	headers := map[string]string{"content-type": "application/json"}
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = v
	}

	notes := []string{fmt.Sprintf("payload_size_bytes=%d", len(rawBody))}

	provider, err := pc.svc.Registry().Get(req.Provider)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "validation_failed", "message": err.Error(),
		})
	}
	if req.Provider == payments.ProviderPayPlus {
		// A replayed payload has no live signature; give the adapter a
		// placeholder so header probing succeeds.
		if !hasSignatureHeader(headers) {
			headers["hash"] = "replay"
		}
		if req.ForceLogOnly {
			if pp, ok := provider.(*payments.PayPlusProvider); ok {
				provider = pp.WithVerifyMode(payments.VerifyModeLogOnly)
				notes = append(notes, "verify_mode_forced_log_only")
			}
		}
	}

	providerRef := extractProviderRef(req.Payload)
	if providerRef != "" {
		notes = append(notes, "provider_ref_extracted")
	}

	result, err := pc.svc.HandleWebhookWithProvider(provider, rawBody, headers)
	if err != nil {
		return webhookErrorResponse(c, err)
	}

	resp := WebhookReplayResponse{
		OK:          result.OK,
		Result:      result,
		Provider:    req.Provider,
		EventID:     result.EventID,
		EventType:   result.EventType,
		ProviderRef: providerRef,
	}

	// Intent lookup is operator context only; never fail the replay on it.
	if providerRef != "" {
		intent, lookupErr := pc.svc.Repo().FindIntentByProviderRef(req.Provider, providerRef)
		switch {
		case lookupErr == nil && intent != nil:
			resp.IntentFound = true
			resp.IntentID = intent.ID
			resp.IntentStatus = intent.Status
			notes = append(notes, "intent_found")
		case lookupErr == nil || lookupErr == payments.ErrNotFound:
			notes = append(notes, "intent_not_found")
		default:
			log.Printf("intent lookup failed during replay: %v", lookupErr)
			notes = append(notes, "intent_lookup_failed")
		}
	}

	resp.Notes = notes
	resp.MutationRisk = classifyMutationRisk(result, resp.IntentFound)
	return c.JSON(resp)
}

func hasSignatureHeader(headers map[string]string) bool {
	for _, name := range []string{"hash", "x-payplus-hash", "x-payplus-signature"} {
		if headers[name] != "" {
			return true
		}
	}
	return false
}

// classifyMutationRisk is conservative: anything short of a mapped event
// with a matching intent is reported as safe to re-run.
func classifyMutationRisk(result *payments.WebhookResult, intentFound bool) string {
	if result == nil {
		return "safe"
	}
	if result.Duplicate || result.Ignored || result.Unmapped || result.UnknownIntent {
		return "safe"
	}
	if !intentFound {
		return "safe"
	}
	return "may_mutate"
}

// extractProviderRef mirrors the adapter's provider_ref extraction for
// operator display: the request uid can live at the top level, inside
// transaction, or under data.
func extractProviderRef(payload map[string]any) string {
	pick := func(m map[string]any) string {
		for _, key := range []string{"payment_request_uid", "page_request_uid", "provider_ref"} {
			if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}

	if ref := pick(payload); ref != "" {
		return ref
	}
	if tx, ok := payload["transaction"].(map[string]any); ok {
		if ref := pick(tx); ref != "" {
			return ref
		}
	}
	if data, ok := payload["data"].(map[string]any); ok {
		if ref := pick(data); ref != "" {
			return ref
		}
	}
	if nested, ok := payload["payload"].(map[string]any); ok {
		return pick(nested)
	}
	return ""
}
