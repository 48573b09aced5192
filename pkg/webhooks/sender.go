package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxResponseBodyBytes caps how much of a response body is recorded
const MaxResponseBodyBytes = 64 << 10

// buildHeaders materializes the request headers of a delivery. Custom
// headers are applied first so reserved headers always win.
func buildHeaders(ep *Endpoint, deliveryID string, event *Event, body []byte) (map[string]string, error) {
	signature, err := Sign(body, ep.Secret, ep.Algorithm)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(ep.Headers)+7)
	for name, value := range ep.Headers {
		if isReserved(name, ep.SignatureHeader) {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = value
	}

	headers[HeaderContentType] = "application/json"
	headers[HeaderUserAgent] = UserAgent
	headers[HeaderDeliveryID] = deliveryID
	headers[HeaderEventID] = event.ID
	headers[HeaderEventType] = event.Type
	headers[HeaderTimestamp] = event.Timestamp.UTC().Format(time.RFC3339)
	headers[http.CanonicalHeaderKey(ep.SignatureHeader)] = signature

	return headers, nil
}

// sender performs a single HTTP attempt
type sender struct {
	client      *http.Client
	credentials *CredentialCache
}

// send POSTs body to the endpoint within the endpoint timeout. Transport
// errors and non-2xx responses are reported in the result, never returned.
func (s *sender) send(ctx context.Context, ep *Endpoint, url string, headers map[string]string, body []byte) AttemptResult {
	start := time.Now()

	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return AttemptResult{Err: fmt.Errorf("failed to create request: %w", err), Duration: time.Since(start)}
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	if ep.Auth != nil && s.credentials != nil {
		token, err := s.credentials.Token(ep)
		if err != nil {
			return AttemptResult{Err: err, Duration: time.Since(start)}
		}
		req.Header.Set(HeaderAuthorization, "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return AttemptResult{Err: fmt.Errorf("failed to send webhook: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodyBytes))
	// Drain the remainder so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	result := AttemptResult{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       string(respBody),
		Duration:   time.Since(start),
	}
	if err != nil && !result.Succeeded() {
		result.Err = fmt.Errorf("failed to read response: %w", err)
	}
	return result
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}
