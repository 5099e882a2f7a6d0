package auth

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T, f *fakeIDP) (*TokenProvider, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	c := newTestClient(t, f, clk)
	return NewTokenProvider(c, WithClock(clk.Now)), clk
}

func TestTokenProvider_ServesCacheThenRefreshes(t *testing.T) {
	f := &fakeIDP{expiresIn: 300}
	p, clk := newProvider(t, f)
	ctx := context.Background()

	first, err := p.Token(ctx, testCreds)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.passwordGrants.Load())

	clk.Advance(10 * time.Second)
	second, err := p.Token(ctx, testCreds)
	require.NoError(t, err)
	assert.Same(t, first, second, "token must come from the cache")
	assert.Equal(t, int32(1), f.passwordGrants.Load())
	assert.Zero(t, f.refreshGrants.Load())

	// 30s before expiry is inside the 60s skew
	clk.Advance(first.ExpiresAt.Sub(clk.Now()) - 30*time.Second)
	third, err := p.Token(ctx, testCreds)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, third.AccessToken)
	assert.Equal(t, int32(1), f.refreshGrants.Load())
	assert.Equal(t, int32(1), f.passwordGrants.Load())
	assert.True(t, third.ExpiresAt.After(first.ExpiresAt))
}

func TestTokenProvider_NeverServesExpiredToken(t *testing.T) {
	f := &fakeIDP{expiresIn: 300}
	p, clk := newProvider(t, f)

	tok, err := p.Token(context.Background(), testCreds)
	require.NoError(t, err)

	clk.Advance(301 * time.Second)
	next, err := p.Token(context.Background(), testCreds)
	require.NoError(t, err)
	assert.NotEqual(t, tok.AccessToken, next.AccessToken)
	assert.True(t, next.ExpiresAt.After(clk.Now()))
}

func TestTokenProvider_FallsBackToPasswordWhenRefreshRejected(t *testing.T) {
	f := &fakeIDP{expiresIn: 300, refreshStatus: http.StatusBadRequest}
	p, clk := newProvider(t, f)

	_, err := p.Token(context.Background(), testCreds)
	require.NoError(t, err)

	clk.Advance(280 * time.Second)
	_, err = p.Token(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.refreshGrants.Load())
	assert.Equal(t, int32(2), f.passwordGrants.Load())
}

func TestTokenProvider_ConcurrentMissesShareOneGrant(t *testing.T) {
	f := &fakeIDP{expiresIn: 300, delay: 20 * time.Millisecond}
	p, _ := newProvider(t, f)

	var wg sync.WaitGroup
	tokens := make([]string, 16)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.Bearer(context.Background(), testCreds)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.passwordGrants.Load())
	for _, tok := range tokens {
		assert.Equal(t, "access-1", tok)
	}
}

func TestTokenProvider_StoreKeepsLaterExpiry(t *testing.T) {
	p := NewTokenProvider(nil)
	base := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	late := &Token{AccessToken: "late", ExpiresAt: base.Add(10 * time.Minute)}
	early := &Token{AccessToken: "early", ExpiresAt: base.Add(5 * time.Minute)}

	assert.Same(t, late, p.store("x", late))
	assert.Same(t, late, p.store("x", early))

	later := &Token{AccessToken: "later", ExpiresAt: base.Add(10 * time.Minute)}
	assert.Same(t, later, p.store("x", later), "equal expiry replaces")
}

func TestTokenProvider_ForceAuthBypassesCache(t *testing.T) {
	f := &fakeIDP{expiresIn: 300}
	p, _ := newProvider(t, f)
	ctx := context.Background()

	first, err := p.Token(ctx, testCreds)
	require.NoError(t, err)

	second, err := p.Token(hacienda.ContextWithForceAuth(ctx), testCreds)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
}

func TestTokenProvider_Invalidate(t *testing.T) {
	f := &fakeIDP{expiresIn: 300}
	p, _ := newProvider(t, f)

	_, err := p.Token(context.Background(), testCreds)
	require.NoError(t, err)
	p.Invalidate(testCreds.IssuerID)

	_, err = p.Token(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.passwordGrants.Load())
}

func TestTokenProvider_IssuersAreIndependent(t *testing.T) {
	f := &fakeIDP{expiresIn: 300}
	p, _ := newProvider(t, f)

	other := testCreds
	other.IssuerID = "109870654"

	a, err := p.Bearer(context.Background(), testCreds)
	require.NoError(t, err)
	b, err := p.Source(other).Bearer(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenProvider_RejectedIsNotCached(t *testing.T) {
	f := &fakeIDP{expiresIn: 300}
	var outcomes []string
	clk := &clock{t: time.Now()}
	p := NewTokenProvider(newTestClient(t, f, clk), WithClock(clk.Now),
		WithFetchObserver(func(grant, outcome string) { outcomes = append(outcomes, grant+":"+outcome) }))

	bad := testCreds
	bad.Password = []byte("nope")
	_, err := p.Token(context.Background(), bad)
	assert.ErrorIs(t, err, hacienda.AuthRejected)

	_, err = p.Token(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, []string{"password:rejected", "password:ok"}, outcomes)
}

type gatedAuthenticator struct {
	release  chan struct{}
	started  chan struct{}
	password atomic.Value
	calls    atomic.Int32
}

func (g *gatedAuthenticator) PasswordGrant(ctx context.Context, creds Credentials) (*Token, error) {
	g.calls.Add(1)
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.password.Store(string(creds.Password))
	return &Token{AccessToken: "access-gated", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (g *gatedAuthenticator) RefreshGrant(ctx context.Context, creds Credentials, refreshToken string) (*Token, error) {
	return nil, hacienda.NewError(hacienda.AuthRejected, "auth.RefreshGrant", "not expected")
}

func TestTokenProvider_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	g := &gatedAuthenticator{release: make(chan struct{}), started: make(chan struct{})}
	p := NewTokenProvider(g)

	creds := Credentials{IssuerID: "3101123456", Username: "cpj", Password: []byte("atv-secret")}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Token(first, creds)
		firstErr <- err
	}()
	<-g.started

	second := make(chan string, 1)
	other := Credentials{IssuerID: "3101123456", Username: "cpj", Password: []byte("atv-secret")}
	go func() {
		tok, err := p.Bearer(context.Background(), other)
		assert.NoError(t, err)
		second <- tok
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	// the caller that gave up wipes its credentials, the shared grant holds its own copy
	creds.Zero()

	close(g.release)
	select {
	case tok := <-second:
		assert.Equal(t, "access-gated", tok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting caller never got the shared token")
	}
	assert.Equal(t, int32(1), g.calls.Load())
	assert.Equal(t, "atv-secret", g.password.Load())
}
