package payments

import "fmt"

// ErrorKind classifies webhook failures so the transport layer can map each
// kind to a fixed HTTP status. The three kinds are disjoint:
//
//	ErrorKindVerification → 401 (signature/authenticity failed under enforce)
//	ErrorKindPayload      → 400 (malformed JSON / missing required fields)
//	ErrorKindProcessing   → 500 (internal failure after verification)
type ErrorKind int

const (
	ErrorKindVerification ErrorKind = iota
	ErrorKindPayload
	ErrorKindProcessing
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindVerification:
		return "verification"
	case ErrorKindPayload:
		return "payload"
	default:
		return "processing"
	}
}

// WebhookError is the tagged error returned from webhook verification and
// processing. Callers branch on Kind via errors.As.
type WebhookError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *WebhookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook %s error: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("webhook %s error: %s", e.Kind, e.Msg)
}

func (e *WebhookError) Unwrap() error { return e.Err }

func verificationError(msg string) *WebhookError {
	return &WebhookError{Kind: ErrorKindVerification, Msg: msg}
}

func payloadError(msg string, err error) *WebhookError {
	return &WebhookError{Kind: ErrorKindPayload, Msg: msg, Err: err}
}

func processingError(msg string, err error) *WebhookError {
	return &WebhookError{Kind: ErrorKindProcessing, Msg: msg, Err: err}
}
