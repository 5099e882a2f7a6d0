package hacienda

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

type issuerKey struct{}
type forceAuthKey struct{}
type attemptKey struct{}

// Context binds the issuer identification to ctx; downstream clients use it for log fields and token
// cache lookups.
func Context(ctx context.Context, issuerID string) context.Context {
	return context.WithValue(ctx, issuerKey{}, issuerID)
}

func ContextWithForceAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, forceAuthKey{}, true)
}

func ContextWithAttempt(ctx context.Context, attemptID string) context.Context {
	return context.WithValue(ctx, attemptKey{}, attemptID)
}

func IssuerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(issuerKey{}).(string)
	return v, ok
}

func IsForceAuth(ctx context.Context) bool {
	v, ok := ctx.Value(forceAuthKey{}).(bool)
	return ok && v
}

func AttemptFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(attemptKey{}).(string)
	return v, ok
}

// Logger returns an entry carrying the issuer and attempt bound to ctx.
func Logger(ctx context.Context, component string) *logrus.Entry {
	l := logrus.WithField("component", component)
	if v, ok := IssuerFromContext(ctx); ok {
		l = l.WithField("issuer", v)
	}
	if v, ok := AttemptFromContext(ctx); ok {
		l = l.WithField("attempt", v)
	}
	return l
}

// APIError is an unexpected HTTP answer from the authority.
type APIError struct {
	Status int    // HTTP status
	Cause  string // X-Error-Cause header, the authority's human readable reason
	Body   []byte // body fragment, for diagnostics
}

func (e *APIError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("hacienda returns http status %d: %s", e.Status, e.Cause)
	}
	return fmt.Sprintf("hacienda returns http status %d", e.Status)
}

// Truncate keeps at most n bytes of a response body for APIError.Body.
func Truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out
}
