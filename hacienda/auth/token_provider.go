package auth

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/go-faster/errors"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshSkew  = 60 * time.Second
	DefaultFetchTimeout = 30 * time.Second
)

// TokenProvider caches access tokens per issuer and refreshes them on demand. One provider is created
// at start-up and shared by all pipelines of the process.
type TokenProvider struct {
	auth Authenticator

	// tokens per issuer
	mu    sync.Mutex
	cache map[string]*Token

	group singleflight.Group

	// how long before expiry a token is refreshed
	refreshSkew  time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	observe      func(grant, outcome string)
}

type ProviderOption func(*TokenProvider)

func WithRefreshSkew(d time.Duration) ProviderOption {
	return func(p *TokenProvider) { p.refreshSkew = d }
}

// WithFetchTimeout bounds a shared grant. The grant outlives the caller that started it, so it cannot
// take that caller's deadline.
func WithFetchTimeout(d time.Duration) ProviderOption {
	return func(p *TokenProvider) { p.fetchTimeout = d }
}

func WithClock(now func() time.Time) ProviderOption {
	return func(p *TokenProvider) { p.now = now }
}

// WithFetchObserver is called after every grant with grant "password" or "refresh" and outcome "ok",
// "rejected" or "unavailable".
func WithFetchObserver(fn func(grant, outcome string)) ProviderOption {
	return func(p *TokenProvider) { p.observe = fn }
}

func NewTokenProvider(auth Authenticator, opts ...ProviderOption) *TokenProvider {
	p := &TokenProvider{
		auth:         auth,
		cache:        make(map[string]*Token),
		refreshSkew:  DefaultRefreshSkew,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Token returns a token for the issuer of creds valid for more than the refresh skew. A cached token is
// served unless ctx carries hacienda.ContextWithForceAuth. Concurrent misses for one issuer share a
// single grant.
func (p *TokenProvider) Token(ctx context.Context, creds Credentials) (*Token, error) {
	if creds.IssuerID == "" {
		return nil, errors.New("credentials without issuer id")
	}
	force := hacienda.IsForceAuth(ctx)

	// fast path
	if !force {
		if t, ok := p.current(creds.IssuerID); ok {
			return t, nil
		}
	}

	// the grant may run after this caller returned and wiped its credentials
	owned := creds
	owned.Password = bytes.Clone(creds.Password)
	var ran atomic.Bool

	ch := p.group.DoChan(creds.IssuerID, func() (any, error) {
		ran.Store(true)
		defer owned.Zero()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout)
		defer cancel()
		return p.fetch(fctx, owned, force)
	})

	select {
	case <-ctx.Done():
		go func() {
			<-ch
			if !ran.Load() {
				owned.Zero()
			}
		}()
		return nil, errors.Wrap(ctx.Err(), "await token")
	case r := <-ch:
		if !ran.Load() {
			owned.Zero()
		}
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			logger.WithField("issuer", creds.IssuerID).Debug("token request coalesced")
		}
		return r.Val.(*Token), nil
	}
}

// Bearer returns only the access token.
func (p *TokenProvider) Bearer(ctx context.Context, creds Credentials) (string, error) {
	t, err := p.Token(ctx, creds)
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// Invalidate drops the cached token, e.g. after the issuer rotated the ATV password.
func (p *TokenProvider) Invalidate(issuerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, issuerID)
}

// Source binds creds so that a client needing tokens for one issuer does not see the credentials.
func (p *TokenProvider) Source(creds Credentials) *Source {
	return &Source{p: p, creds: creds}
}

type Source struct {
	p     *TokenProvider
	creds Credentials
}

func (s *Source) Bearer(ctx context.Context) (string, error) {
	return s.p.Bearer(ctx, s.creds)
}

func (p *TokenProvider) current(issuerID string) (*Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.cache[issuerID]
	if !ok || !t.ValidFor(p.now(), p.refreshSkew) {
		return nil, false
	}
	return t, true
}

func (p *TokenProvider) fetch(ctx context.Context, creds Credentials, force bool) (*Token, error) {
	l := logger.WithField("issuer", creds.IssuerID)

	p.mu.Lock()
	cached := p.cache[creds.IssuerID]
	p.mu.Unlock()

	// double check: another caller may have refreshed meanwhile
	if !force && cached.ValidFor(p.now(), p.refreshSkew) {
		return cached, nil
	}

	if cached.refreshableAt(p.now(), p.refreshSkew) {
		t, err := p.auth.RefreshGrant(ctx, creds, cached.RefreshToken)
		p.report("refresh", err)
		if err == nil {
			l.Debugf("token refreshed, %s", t)
			return p.store(creds.IssuerID, t), nil
		}
		l.Debugf("refresh failed: %v, performing full authentication", err)
	}

	t, err := p.auth.PasswordGrant(ctx, creds)
	p.report("password", err)
	if err != nil {
		return nil, err
	}
	l.Debugf("full authentication completed, %s", t)
	return p.store(creds.IssuerID, t), nil
}

// store keeps t unless the cache already holds a token expiring later, and returns the cached token.
func (p *TokenProvider) store(issuerID string, t *Token) *Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.cache[issuerID]; ok && cur.ExpiresAt.After(t.ExpiresAt) {
		return cur
	}
	p.cache[issuerID] = t
	return t
}

func (p *TokenProvider) report(grant string, err error) {
	if p.observe == nil {
		return
	}
	switch {
	case err == nil:
		p.observe(grant, "ok")
	case errors.Is(err, hacienda.AuthRejected):
		p.observe(grant, "rejected")
	default:
		p.observe(grant, "unavailable")
	}
}
