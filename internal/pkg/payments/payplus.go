package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/mindloop/mindloop/app/models"
	"github.com/mindloop/mindloop/internal/pkg/env"
)

const ProviderPayPlus = "payplus"

// Signature verification modes. "log_only" exists for staged rollout of
// signature checking against a live provider: mismatches are logged and the
// webhook is still processed. "enforce" rejects mismatches with a
// verification error.
const (
	VerifyModeEnforce = "enforce"
	VerifyModeLogOnly = "log_only"
)

// Header names PayPlus has been observed to deliver signatures under.
// Lookup is case-insensitive, first match wins.
var payplusSignatureHeaders = []string{"hash", "x-payplus-hash", "x-payplus-signature"}

// PayPlusProvider implements Provider for PayPlus hosted checkout pages and
// IPN/callback webhooks.
type PayPlusProvider struct {
	client     *PayPlusClient
	secretKey  string
	verifyMode string

	pageUIDOneTime      string
	pageUIDSubscription string
	callbackURL         string
	frontendOrigin      string
}

func NewPayPlusProviderFromEnv() *PayPlusProvider {
	return &PayPlusProvider{
		client:              NewPayPlusClientFromEnv(),
		secretKey:           strings.TrimSpace(env.GetEnv("PAYPLUS_SECRET_KEY", "")),
		verifyMode:          env.GetEnv("PAYPLUS_WEBHOOK_VERIFY_MODE", VerifyModeLogOnly),
		pageUIDOneTime:      env.GetEnv("PAYPLUS_PAYMENT_PAGE_UID_ONE_TIME", ""),
		pageUIDSubscription: env.GetEnv("PAYPLUS_PAYMENT_PAGE_UID_SUBSCRIPTION", ""),
		callbackURL:         strings.TrimRight(env.GetEnv("PUBLIC_WEBHOOK_BASE_URL", ""), "/") + "/webhooks/payments",
		frontendOrigin:      strings.TrimRight(env.GetEnv("FRONTEND_ORIGIN", ""), "/"),
	}
}

func (p *PayPlusProvider) Name() string { return ProviderPayPlus }

// WithVerifyMode returns a copy of the provider running under the given
// signature verification mode. The replay tool uses this to force log_only
// for dry runs without touching the live configuration.
func (p *PayPlusProvider) WithVerifyMode(mode string) *PayPlusProvider {
	clone := *p
	clone.verifyMode = mode
	return &clone
}

// ============================================================================
// CHECKOUT
// ============================================================================

func (p *PayPlusProvider) CreateOneTimeCheckout(ctx context.Context, intent *models.PaymentIntent) (*CheckoutResult, error) {
	return p.generateLink(ctx, p.buildGenerateLinkBody(p.pageUIDOneTime, intent))
}

func (p *PayPlusProvider) CreateSubscriptionCheckout(ctx context.Context, intent *models.PaymentIntent) (*CheckoutResult, error) {
	body := p.buildGenerateLinkBody(p.pageUIDSubscription, intent)
	body["create_token"] = true
	return p.generateLink(ctx, body)
}

func (p *PayPlusProvider) buildGenerateLinkBody(pageUID string, intent *models.PaymentIntent) map[string]any {
	body := map[string]any{
		"payment_page_uid": pageUID,
		"refURL_callback":  p.callbackURL,
		"more_info":        intent.ID, // tracing only; lookup uses provider_ref
	}
	if p.frontendOrigin != "" {
		body["refURL_success"] = p.frontendOrigin + "/success"
		body["refURL_failure"] = p.frontendOrigin + "/cancel"
	}
	return body
}

func (p *PayPlusProvider) generateLink(ctx context.Context, body map[string]any) (*CheckoutResult, error) {
	resp, err := p.client.PostJSON(ctx, "/api/v1.0/PaymentPages/generateLink", body)
	if err != nil {
		return nil, err
	}

	data := resp
	if nested, ok := resp["data"].(map[string]any); ok {
		data = nested
	}
	link, _ := data["payment_page_link"].(string)
	requestUID, _ := data["payment_request_uid"].(string)
	if link == "" || requestUID == "" {
		return nil, fmt.Errorf("payplus generateLink response missing required fields (got %d keys)", len(data))
	}

	return &CheckoutResult{RedirectURL: link, ProviderRef: requestUID}, nil
}

// ============================================================================
// WEBHOOK VERIFICATION
// ============================================================================

func (p *PayPlusProvider) VerifyWebhook(rawBody []byte, headers map[string]string) (*VerifiedWebhook, error) {
	if !utf8.Valid(rawBody) {
		return nil, payloadError("payplus webhook body is not valid UTF-8", nil)
	}
	var data map[string]any
	if err := json.Unmarshal(rawBody, &data); err != nil {
		return nil, payloadError("invalid payplus webhook JSON", err)
	}

	if !p.verifySignature(rawBody, headers) && p.verifyMode == VerifyModeEnforce {
		return nil, verificationError("payplus webhook signature verification failed")
	}

	transaction := data
	if nested, ok := data["transaction"].(map[string]any); ok {
		transaction = nested
	}

	requestUID := firstString(
		data["payment_request_uid"],
		transaction["payment_request_uid"],
	)
	if requestUID == "" {
		return nil, payloadError("payplus webhook missing payment_request_uid", nil)
	}
	transactionUID := firstString(
		transaction["uid"],
		transaction["transaction_uid"],
		data["transaction_uid"],
	)

	// Stable event id, unique per transaction attempt.
	eventID := requestUID
	if transactionUID != "" {
		eventID = requestUID + ":" + transactionUID
	}

	statusSource := transaction
	if _, ok := data["status_code"]; ok {
		statusSource = data
	}
	eventType, statusCode, status, txType := mapPayPlusEventType(statusSource)

	v := &VerifiedWebhook{
		Provider:           ProviderPayPlus,
		EventID:            eventID,
		EventType:          eventType,
		ProviderRef:        requestUID,
		RawStatusCode:      statusCode,
		RawStatus:          status,
		RawTransactionType: txType,
		Raw:                data,
	}

	// Recurring id appears under different keys depending on the page setup.
	if recurringID := firstString(
		data["recurring_id"],
		transaction["recurring_id"],
		data["token_uid"],
		transaction["token_uid"],
	); recurringID != "" {
		v.ProviderSubscriptionID = recurringID
	}

	return v, nil
}

// verifySignature checks the HMAC-SHA256 over the raw body against the
// signature header, accepting hex or base64 encodings.
func (p *PayPlusProvider) verifySignature(rawBody []byte, headers map[string]string) bool {
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}

	var signature string
	for _, name := range payplusSignatureHeaders {
		if s := strings.TrimSpace(lower[name]); s != "" {
			signature = s
			break
		}
	}
	if signature == "" {
		log.Print("payplus webhook: no signature header found")
		return false
	}

	mac := hmac.New(sha256.New, []byte(p.secretKey))
	mac.Write(rawBody)
	sum := mac.Sum(nil)

	if hmac.Equal([]byte(hex.EncodeToString(sum)), []byte(strings.ToLower(signature))) {
		return true
	}
	if hmac.Equal([]byte(base64.StdEncoding.EncodeToString(sum)), []byte(signature)) {
		return true
	}

	if p.verifyMode == VerifyModeLogOnly {
		log.Printf("payplus signature mismatch (log_only): sig_len=%d looks_base64=%t",
			len(signature), strings.HasSuffix(signature, "="))
	}
	return false
}

// mapPayPlusEventType maps the status_code/status/type triple to a canonical
// event type. Priority: recurring lifecycle signals, then plain
// approval/decline, then an unmapped sentinel carrying the raw values.
func mapPayPlusEventType(data map[string]any) (eventType, statusCode, status, txType string) {
	statusCode = firstString(data["status_code"])
	status = strings.ToLower(firstString(data["status"]))
	txType = strings.ToLower(firstString(data["type"]))

	switch {
	case txType == "recurring_renewal" && (status == "approved" || status == "success"):
		eventType = EventSubRenewed
	case txType == "recurring_canceled" || txType == "recurring_expired":
		eventType = EventSubCanceled
	case txType == "recurring_renewal" && (status == "declined" || status == "failed"):
		eventType = EventSubPastDue
	case statusCode == "000" || status == "approved" || status == "success":
		eventType = EventPaymentSucceeded
	case status == "declined" || status == "failed" || status == "error" || (statusCode != "" && statusCode != "000"):
		eventType = EventPaymentFailed
	default:
		hint := statusCode
		if hint == "" {
			hint = status
		}
		if hint == "" {
			hint = "none"
		}
		eventType = ProviderPayPlus + ".unknown." + hint
	}
	return eventType, statusCode, status, txType
}

// firstString returns the first non-empty string representation among vals.
// PayPlus mixes strings and numbers for the same fields across payloads.
func firstString(vals ...any) string {
	for _, v := range vals {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
		case json.Number:
			return t.String()
		}
	}
	return ""
}
