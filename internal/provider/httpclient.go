package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/paygate/internal/apperrors"
)

// HTTPClient is the outbound client used for provider and platform calls.
// Its single job beyond transport is classifying network failures as
// ConnectivityError so the orchestrator can apply the PENDING tie-break
// instead of marking money-in-flight as FAILED.
type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: &http.Client{}}
}

// PostJSON sends a JSON payload with a per-call timeout and returns the
// raw response body.
func (c *HTTPClient) PostJSON(ctx context.Context, op, rawURL string, payload any, timeout time.Duration) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, op, rawURL, "application/json", bytes.NewReader(raw), timeout)
}

// PostForm sends a form-encoded payload with a per-call timeout.
func (c *HTTPClient) PostForm(ctx context.Context, op, rawURL string, form url.Values, timeout time.Duration) ([]byte, error) {
	return c.post(ctx, op, rawURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), timeout)
}

func (c *HTTPClient) post(ctx context.Context, op, rawURL, contentType string, body io.Reader, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		if isConnectivity(err) {
			return nil, &apperrors.ConnectivityError{Op: op, Err: err}
		}
		return nil, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperrors.ConnectivityError{Op: op, Err: err}
	}
	return content, nil
}

func isConnectivity(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
