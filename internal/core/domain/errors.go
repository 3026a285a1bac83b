package domain

// ErrorKind classifies a failed remote call.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindPayloadTooLarge ErrorKind = "payload_too_large"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindRateLimited     ErrorKind = "rate_limited"
	ErrorKindConnection      ErrorKind = "connection_error"
	ErrorKindDecode          ErrorKind = "decode_error" // batcher only
	ErrorKindUnknown         ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on retry
// with the same or a smaller request.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindPayloadTooLarge, ErrorKindTimeout, ErrorKindRateLimited:
		return true
	}
	return false
}
