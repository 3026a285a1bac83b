package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/vietddude/logharvest/internal/core/domain"
)

// Error is a failed remote call classified at the transport boundary.
type Error struct {
	Kind       domain.ErrorKind
	Method     string
	StatusCode int // HTTP status, 0 if the request never completed
	Code       int // JSON-RPC error code, 0 if none
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Method)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err. Typed errors carry their kind;
// anything else is classified from its message.
func KindOf(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindNone
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorKindTimeout
	}
	return ClassifyMessage(err.Error())
}

var (
	payloadPatterns = []string{
		"payload too large",
		"response size exceeded",
		"response size should not",
		"query returned more than",
		"block range too large",
		"block range is too large",
		"too many results",
		"exceed maximum block range",
		"limit the query",
		"status 413",
		"http 413",
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}
	rateLimitPatterns = []string{
		"rate limit",
		"too many requests",
		"daily request count exceeded",
		"monthly quota exceeded",
		"exceeded its compute units",
		"status 429",
		"http 429",
	}
	connectionPatterns = []string{
		"connection",
		"no such host",
		"broken pipe",
		"eof",
		"network is unreachable",
	}
)

// ClassifyMessage maps a provider error message to an ErrorKind.
func ClassifyMessage(msg string) domain.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, payloadPatterns):
		return domain.ErrorKindPayloadTooLarge
	case containsAny(lower, rateLimitPatterns):
		return domain.ErrorKindRateLimited
	case containsAny(lower, timeoutPatterns):
		return domain.ErrorKindTimeout
	case containsAny(lower, connectionPatterns):
		return domain.ErrorKindConnection
	}
	return domain.ErrorKindUnknown
}

// classifyStatus maps a non-200 HTTP status to an ErrorKind.
func classifyStatus(status int, body string) domain.ErrorKind {
	switch status {
	case 413:
		return domain.ErrorKindPayloadTooLarge
	case 429:
		return domain.ErrorKindRateLimited
	case 408, 504:
		return domain.ErrorKindTimeout
	case 502, 503:
		return domain.ErrorKindConnection
	}
	return ClassifyMessage(body)
}

// classifyRPCCode maps a JSON-RPC error object to an ErrorKind.
func classifyRPCCode(code int, msg string) domain.ErrorKind {
	if kind := ClassifyMessage(msg); kind != domain.ErrorKindUnknown {
		return kind
	}
	if code == -32005 {
		return domain.ErrorKindRateLimited
	}
	return domain.ErrorKindUnknown
}

// classifyTransport maps an error from http.Client.Do to an ErrorKind.
func classifyTransport(err error) domain.ErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorKindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return domain.ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return domain.ErrorKindUnknown
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return domain.ErrorKindConnection
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return domain.ErrorKindConnection
	}
	return ClassifyMessage(err.Error())
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
