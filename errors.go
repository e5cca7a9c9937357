package residue

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the named failure modes of the ingestion pipeline.
// The errors raised when a frame or record is rejected (frame reading and
// decoding, decryption, parsing, policy evaluation, dispatch) carry one of
// these kinds so callers can branch on behavior (retry the session, close
// it, or drop a single record) without string matching. Errors from the
// encrypting and signing helpers in crypto.go carry no kind.
type ErrorKind int

const (
	// KindBadFrame indicates a malformed length-prefixed frame. Not retried;
	// the session is closed.
	KindBadFrame ErrorKind = iota
	// KindUnknownClient indicates a symmetric frame referenced a client id
	// the registry has never seen (or has since evicted).
	KindUnknownClient
	// KindDecryptFailed indicates AES-CBC or RSA decryption failed. The
	// session stays open; the client may be using a stale key and should
	// reconnect.
	KindDecryptFailed
	// KindBadPadding indicates PKCS#7 unpadding failed after a successful
	// decrypt, which is itself evidence of a bad key or corrupted frame.
	KindBadPadding
	// KindBadSignature indicates an RSA signature failed verification.
	KindBadSignature
	// KindInvalidJSON indicates the decrypted plaintext did not parse as a
	// log request or bulk array of log requests.
	KindInvalidJSON
	// KindClientDead indicates a resolved client has expired as of the
	// request's dateReceived.
	KindClientDead
	// KindNotAllowed indicates the policy evaluator rejected the request
	// (blacklist, unknown logger, invalid or expired token).
	KindNotAllowed
	// KindInternalLoggerAttempt indicates a client attempted to write to
	// the server's own internal logger.
	KindInternalLoggerAttempt
	// KindBulkOverflow indicates a bulk payload exceeded maxItemsInBulk;
	// processing stopped at the cap.
	KindBulkOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadFrame:
		return "bad_frame"
	case KindUnknownClient:
		return "unknown_client"
	case KindDecryptFailed:
		return "decrypt_failed"
	case KindBadPadding:
		return "bad_padding"
	case KindBadSignature:
		return "bad_signature"
	case KindInvalidJSON:
		return "invalid_json"
	case KindClientDead:
		return "client_dead"
	case KindNotAllowed:
		return "not_allowed"
	case KindInternalLoggerAttempt:
		return "internal_logger_attempt"
	case KindBulkOverflow:
		return "bulk_overflow"
	default:
		return "unknown"
	}
}

// Error is the concrete error type raised across the ingestion pipeline.
// It wraps an underlying cause (when one exists) and a reason string that
// is always safe to log server-side (spec: per-record errors are never
// returned to the client).
type Error struct {
	kind   ErrorKind
	Reason string
	Err    error
}

// Kind reports the error's ErrorKind, letting callers branch on failure
// mode without string matching (spec.md §7).
func (e *Error) Kind() ErrorKind { return e.kind }

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr constructs an *Error, optionally wrapping a cause.
func newErr(kind ErrorKind, reason string, cause error) *Error {
	return &Error{kind: kind, Reason: reason, Err: cause}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}
