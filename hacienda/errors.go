package hacienda

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Kind classifies pipeline failures. A Kind is itself an error so callers can match with
// errors.Is(err, hacienda.AuthRejected).
type Kind string

const (
	AllocationConflict      Kind = "allocation_conflict"
	InvalidKeyInput         Kind = "invalid_key_input"
	MalformedKey            Kind = "malformed_key"
	DecryptionFailed        Kind = "decryption_failed"
	CertificateExpired      Kind = "certificate_expired"
	AuthRejected            Kind = "auth_rejected"
	AuthUnavailable         Kind = "auth_unavailable"
	SigningFailed           Kind = "signing_failed"
	SubmissionIndeterminate Kind = "submission_indeterminate"
	SubmissionRejected      Kind = "submission_rejected"
	Internal                Kind = "internal"
)

func (k Kind) Error() string { return string(k) }

// Retryable reports whether the caller may repeat the operation unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case AllocationConflict, AuthUnavailable:
		return true
	}
	return false
}

// NeedsOperator reports failures that only a credential or certificate fix resolves.
func (k Kind) NeedsOperator() bool {
	switch k {
	case DecryptionFailed, CertificateExpired, AuthRejected:
		return true
	}
	return false
}

// Error is the structured error returned by every pipeline component.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "sequence.Next"

	Message          string
	AuthorityMessage string // verdict detail or X-Error-Cause, never credentials
	HTTPStatus       int

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.AuthorityMessage != "" {
		fmt.Fprintf(&b, " (authority: %s)", e.AuthorityMessage)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func NewError(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind Kind, op string, err error, msg string) error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, Internal otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// AuthorityMessageOf returns the authority's message carried by err, if any.
func AuthorityMessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.AuthorityMessage
	}
	return ""
}

func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
