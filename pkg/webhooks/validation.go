package webhooks

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxEndpointTimeout bounds the per-request timeout of an endpoint
const MaxEndpointTimeout = 5 * time.Minute

// ValidationOptions controls endpoint validation
type ValidationOptions struct {
	MinSecretLength      int
	DefaultTimeout       time.Duration
	BlockPrivateNetworks bool
}

// DefaultValidationOptions returns the default validation options
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MinSecretLength: 8,
		DefaultTimeout:  30 * time.Second,
	}
}

// validateEndpoint checks a fully populated endpoint before it is stored
func validateEndpoint(e *Endpoint, opts ValidationOptions) error {
	if err := validateURL(e.URL, opts.BlockPrivateNetworks); err != nil {
		return err
	}
	if len(e.Secret) < opts.MinSecretLength {
		return invalid("secret", "must be at least %d characters", opts.MinSecretLength)
	}
	if len(e.Events) == 0 {
		return invalid("events", "at least one event type is required")
	}
	for _, t := range e.Events {
		if strings.TrimSpace(t) == "" || strings.ContainsAny(t, " \t\r\n") {
			return invalid("events", "invalid event type %q", t)
		}
	}
	if !e.Algorithm.Valid() {
		return invalid("algorithm", "%s %q", ErrUnsupportedAlgorithm.Error(), e.Algorithm)
	}
	if err := e.RetryPolicy.Validate(); err != nil {
		return err
	}
	if e.Timeout <= 0 || e.Timeout > MaxEndpointTimeout {
		return invalid("timeout_ms", "must be between 1 and %d", MaxEndpointTimeout.Milliseconds())
	}
	if e.RateLimitPerMinute < 0 {
		return invalid("rate_limit_per_minute", "must not be negative")
	}
	if !validHeaderName(e.SignatureHeader) {
		return invalid("signature_header", "invalid header name %q", e.SignatureHeader)
	}
	if isReserved(e.SignatureHeader, "") {
		return invalid("signature_header", "%q is a reserved header", e.SignatureHeader)
	}
	for name := range e.Headers {
		if !validHeaderName(name) {
			return invalid("headers", "invalid header name %q", name)
		}
	}
	if e.Auth != nil {
		if e.Auth.ClientID == "" {
			return invalid("oauth2.client_id", "is required")
		}
		u, err := url.Parse(e.Auth.TokenURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("oauth2.token_url", "must be an absolute http or https URL")
		}
	}
	return nil
}

// validateURL requires an absolute http(s) URL and optionally rejects
// literal private addresses and localhost.
func validateURL(raw string, blockPrivate bool) error {
	if raw == "" {
		return invalid("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("url", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url", "must use http or https scheme")
	}
	hostname := u.Hostname()
	if hostname == "" {
		return invalid("url", "missing hostname")
	}
	if !blockPrivate {
		return nil
	}
	if isLocalhost(hostname) {
		return invalid("url", "cannot target localhost")
	}
	if ip := net.ParseIP(hostname); ip != nil && isPrivateOrInternalIP(ip) {
		return invalid("url", "cannot target private or internal IP addresses")
	}
	return nil
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}

func isPrivateOrInternalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 0.0.0.0/8 and 100.64.0.0/10 (shared address space)
		if ip4[0] == 0 || (ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127) {
			return true
		}
		if ip4[0] >= 240 {
			return true
		}
	}
	return false
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r >= 0x7f || strings.ContainsRune("()<>@,;:\\\"/[]?={}", r) {
			return false
		}
	}
	return true
}

// isReserved reports whether a header is set by the delivery path itself.
// signatureHeader is the endpoint's own signature header, if any.
func isReserved(name, signatureHeader string) bool {
	switch http.CanonicalHeaderKey(name) {
	case HeaderContentType, HeaderUserAgent, HeaderDeliveryID, HeaderEventID, HeaderEventType, HeaderTimestamp:
		return true
	}
	return signatureHeader != "" && http.CanonicalHeaderKey(name) == http.CanonicalHeaderKey(signatureHeader)
}
