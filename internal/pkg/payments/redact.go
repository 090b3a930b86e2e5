package payments

import "strings"

const (
	redactedMarker    = "***redacted***"
	maxDepthMarker    = "***max_depth_exceeded***"
	truncationMarker  = "...(truncated)"
	redactMaxDepth    = 6
	truncateThreshold = 500
	truncateKeep      = 200
)

// DefaultRedactKeys is the stock set of sensitive key substrings applied to
// captured webhook payloads.
var DefaultRedactKeys = []string{
	"email", "phone", "name", "card", "pan", "cvv", "cvc",
	"exp", "address", "city", "zip", "token", "secret",
}

// RedactKeySet builds the lowercase substring set Redact matches keys against.
func RedactKeySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// Redact walks an arbitrary decoded-JSON structure and replaces sensitive
// values so the result is safe to persist and log. It is a pure function of
// its inputs: object values are redacted when the lowercased key contains a
// configured substring, string values are redacted when they look like a PAN
// or a CVV regardless of key, long strings are truncated, and subtrees below
// the depth bound are replaced with a sentinel.
func Redact(v any, redactKeys map[string]struct{}) any {
	return redact(v, redactKeys, 0)
}

func redact(v any, redactKeys map[string]struct{}, depth int) any {
	if depth > redactMaxDepth {
		return maxDepthMarker
	}

	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			switch {
			case isSensitiveKey(k, redactKeys):
				out[k] = redactedMarker
			case isSensitiveValue(k, val):
				out[k] = redactedMarker
			default:
				out[k] = redact(val, redactKeys, depth+1)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redact(item, redactKeys, depth+1)
		}
		return out
	case string:
		if len(t) > truncateThreshold {
			return t[:truncateKeep] + truncationMarker
		}
		return t
	default:
		// numbers, bools, nil pass through
		return v
	}
}

func isSensitiveKey(key string, redactKeys map[string]struct{}) bool {
	lk := strings.ToLower(key)
	for rk := range redactKeys {
		if strings.Contains(lk, rk) {
			return true
		}
	}
	return false
}

// isSensitiveValue catches values that look like card data even when the key
// name dodged the substring match.
func isSensitiveValue(key string, v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	clean := strings.NewReplacer(" ", "", "-", "").Replace(s)
	if clean == "" || !isDigits(clean) {
		return false
	}
	// PAN shape: 13-19 digits.
	if len(clean) >= 13 && len(clean) <= 19 {
		return true
	}
	// CVV shape: 3-4 digits under a lightly suspicious key.
	if len(clean) == 3 || len(clean) == 4 {
		lk := strings.ToLower(key)
		if strings.Contains(lk, "cv") || strings.Contains(lk, "sec") || strings.Contains(lk, "code") {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
