package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mindloop/mindloop/internal/pkg/env"
)

// Base URLs per PayPlus docs.
const (
	payplusSandboxBaseURL = "https://restapidev.payplus.co.il"
	payplusProdBaseURL    = "https://restapi.payplus.co.il"
)

// PayPlusClientError is raised on transport failures and non-2xx responses
// from the PayPlus REST API. StatusCode is 0 for transport errors.
type PayPlusClientError struct {
	StatusCode int
	Message    string
}

func (e *PayPlusClientError) Error() string {
	return fmt.Sprintf("payplus api error %d: %s", e.StatusCode, e.Message)
}

// PayPlusClient is a thin HTTP wrapper for the PayPlus REST API. It handles
// base URL selection and auth headers, no business logic.
type PayPlusClient struct {
	APIKey    string
	SecretKey string
	BaseURL   string

	HTTPClient *http.Client
}

func NewPayPlusClientFromEnv() *PayPlusClient {
	baseURL := payplusSandboxBaseURL
	if env.GetEnv("PAYPLUS_ENV", "sandbox") == "prod" {
		baseURL = payplusProdBaseURL
	}
	timeout := env.GetEnvInt("PAYPLUS_TIMEOUT_SECONDS", 15)

	return &PayPlusClient{
		APIKey:    strings.TrimSpace(env.GetEnv("PAYPLUS_API_KEY", "")),
		SecretKey: strings.TrimSpace(env.GetEnv("PAYPLUS_SECRET_KEY", "")),
		BaseURL:   baseURL,
		HTTPClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}
}

// PostJSON POSTs a JSON payload and returns the decoded response object.
func (c *PayPlusClient) PostJSON(ctx context.Context, path string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	// PayPlus expects credentials as a JSON-encoded Authorization header.
	auth, err := json.Marshal(map[string]string{
		"api_key":    c.APIKey,
		"secret_key": c.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", string(auth))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &PayPlusClientError{StatusCode: 0, Message: fmt.Sprintf("transport error: %v", err)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := string(raw)
		if len(preview) > 500 {
			preview = preview[:500]
		}
		return nil, &PayPlusClientError{StatusCode: resp.StatusCode, Message: preview}
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		preview := string(raw)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return nil, &PayPlusClientError{StatusCode: resp.StatusCode, Message: "invalid JSON response: " + preview}
	}
	return out, nil
}
