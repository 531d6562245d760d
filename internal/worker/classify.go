package worker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// classify maps the result of one POST onto the failure taxonomy. A nil
// return means the receiver accepted the delivery.
func classify(doErr error, status int, h http.Header, now time.Time) *delivery.Error {
	if doErr != nil {
		return delivery.NewTransient(classifyReason(doErr, 0), doErr)
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return delivery.NewThrottled(status, parseRetryAfter(h.Get("Retry-After"), now))
	case status >= 400 && status < 500:
		return delivery.NewClientRejected(status)
	default:
		e := delivery.NewTransient(classifyReason(nil, status), fmt.Errorf("receiver returned %d", status))
		e.StatusCode = status
		return e
	}
}

// classifyReason is the coarse reason code used for metrics labels.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		var netErr net.Error
		var dnsErr *net.DNSError
		var certErr *tls.CertificateVerificationError
		var unknownAuth x509.UnknownAuthorityError
		var hostErr x509.HostnameError

		switch {
		case errors.Is(doErr, context.DeadlineExceeded), errors.As(doErr, &netErr) && netErr.Timeout():
			return "timeout"
		case errors.As(doErr, &dnsErr):
			return "dns_error"
		case errors.As(doErr, &certErr), errors.As(doErr, &unknownAuth), errors.As(doErr, &hostErr):
			return "tls_error"
		}

		errLower := strings.ToLower(doErr.Error())
		switch {
		case strings.Contains(errLower, "timeout"):
			return "timeout"
		case strings.Contains(errLower, "connection refused"):
			return "connection_refused"
		case strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns"):
			return "dns_error"
		case strings.Contains(errLower, "tls") || strings.Contains(errLower, "x509"):
			return "tls_error"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status == http.StatusRequestTimeout:
		return "http_408"
	case status >= 400:
		return "http_4xx"
	case status >= 300:
		return "http_3xx"
	}
	return "other"
}
