package payments

// Canonical event types shared by all payment providers. Every adapter maps
// its native event vocabulary to this set; the service never inspects
// provider-native fields when routing.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventSubRenewed       = "subscription.renewed"
	EventSubCanceled      = "subscription.canceled"
	EventSubPastDue       = "subscription.past_due"
)

var canonicalTypes = map[string]struct{}{
	EventPaymentSucceeded: {},
	EventPaymentFailed:    {},
	EventSubRenewed:       {},
	EventSubCanceled:      {},
	EventSubPastDue:       {},
}

// IsCanonical reports whether t belongs to the closed canonical set.
// Provider-namespaced unmapped sentinels (e.g. "payplus.unknown.123") are
// not canonical: they are persisted for observability but never routed.
func IsCanonical(t string) bool {
	_, ok := canonicalTypes[t]
	return ok
}
