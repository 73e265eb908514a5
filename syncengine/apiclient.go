package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/models"
)

// APIClient talks to the authoritative backend. Every mutating call carries a
// client idempotency key so a retried create cannot duplicate a server record
// when only the confirmation was lost.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient() (*APIClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("SERVER_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("SERVER_API_BASE_URL is empty")
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// BaseURL returns the configured server root.
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

// apiError is a non-2xx server response. Status decides the error class:
// 5xx is transient, 4xx is a validation failure that can never succeed.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server api error %d: %s", e.Status, e.Body)
}

// IsRetryable classifies a send failure. Network errors and 5xx responses are
// transient; 4xx means the payload itself is rejected.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status >= 500
	}
	// No HTTP status at all: the request never completed (network, timeout).
	return true
}

func httpVerbFor(method models.MutationMethod) string {
	switch method {
	case models.MutationMethodCreate:
		return http.MethodPost
	case models.MutationMethodUpdate:
		return http.MethodPut
	case models.MutationMethodDelete:
		return http.MethodDelete
	default:
		return http.MethodPost
	}
}

// Send performs one mutation against the server and returns the response body.
func (c *APIClient) Send(ctx context.Context, method models.MutationMethod, endpoint string, payload []byte, token string, idempotencyKey string) (json.RawMessage, error) {
	var body io.Reader
	if len(payload) > 0 && method != models.MutationMethodDelete {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, httpVerbFor(method), c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return json.RawMessage(respBody), nil
}

// GetJSON fetches a read endpoint.
func (c *APIClient) GetJSON(ctx context.Context, path string, params url.Values, token string) (json.RawMessage, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.RawMessage(body), nil
}
