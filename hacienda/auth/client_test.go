package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeIDP mimics the token endpoint of the identity provider.
type fakeIDP struct {
	passwordGrants atomic.Int32
	refreshGrants  atomic.Int32
	logouts        atomic.Int32
	issued         atomic.Int32

	expiresIn     int
	refreshStatus int // non-zero forces an error on refresh grants
	status        int // non-zero forces an error on every grant
	body          string
	delay         time.Duration
}

func (f *fakeIDP) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "api-stag", r.PostForm.Get("client_id"))
		time.Sleep(f.delay)

		switch r.PostForm.Get("grant_type") {
		case "password":
			f.passwordGrants.Add(1)
			assert.Equal(t, "openid", r.PostForm.Get("scope"))
			if r.PostForm.Get("password") != "atv-secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid user credentials"}`))
				return
			}
		case "refresh_token":
			f.refreshGrants.Add(1)
			if f.refreshStatus != 0 {
				w.WriteHeader(f.refreshStatus)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token is not active"}`))
				return
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(f.body))
			return
		}
		if f.body != "" {
			_, _ = w.Write([]byte(f.body))
			return
		}
		n := f.issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"access-%d","expires_in":%d,"refresh_expires_in":36000,"refresh_token":"refresh-%d","token_type":"bearer","not-before-policy":0,"session_state":"x","scope":"openid"}`,
			n, f.expiresIn, n)
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.logouts.Add(1)
		assert.NotEmpty(t, r.PostForm.Get("refresh_token"))
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeIDP, clk *clock) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(hacienda.Endpoints{
		Token:    srv.URL + "/token",
		Logout:   srv.URL + "/logout",
		ClientID: "api-stag",
	}, srv.Client(), WithClientClock(clk.Now))
}

var testCreds = Credentials{IssuerID: "3101123456", Username: "cpj-3-101-123456@stag", Password: []byte("atv-secret")}

func TestPasswordGrant(t *testing.T) {
	clk := &clock{t: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	c := newTestClient(t, &fakeIDP{expiresIn: 300}, clk)

	tok, err := c.PasswordGrant(context.Background(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.Equal(t, clk.Now().Add(300*time.Second), tok.ExpiresAt)
	assert.Equal(t, clk.Now().Add(10*time.Hour), tok.RefreshExpiresAt)
	assert.NotContains(t, tok.String(), "access-1")
}

func TestPasswordGrant_WrongPassword(t *testing.T) {
	clk := &clock{t: time.Now()}
	c := newTestClient(t, &fakeIDP{expiresIn: 300}, clk)

	creds := testCreds
	creds.Password = []byte("wrong")
	_, err := c.PasswordGrant(context.Background(), creds)
	require.Error(t, err)
	assert.ErrorIs(t, err, hacienda.AuthRejected)
	assert.False(t, hacienda.IsRetryable(err))
	assert.Contains(t, hacienda.AuthorityMessageOf(err), "invalid_grant")
	assert.NotContains(t, err.Error(), "wrong")
}

func TestPasswordGrant_ServerError(t *testing.T) {
	clk := &clock{t: time.Now()}
	c := newTestClient(t, &fakeIDP{status: http.StatusServiceUnavailable, body: "down"}, clk)

	_, err := c.PasswordGrant(context.Background(), testCreds)
	assert.ErrorIs(t, err, hacienda.AuthUnavailable)
	assert.True(t, hacienda.IsRetryable(err))
}

func TestPasswordGrant_MalformedBody(t *testing.T) {
	clk := &clock{t: time.Now()}
	c := newTestClient(t, &fakeIDP{body: `{"access_token": 12`}, clk)

	_, err := c.PasswordGrant(context.Background(), testCreds)
	assert.ErrorIs(t, err, hacienda.AuthUnavailable)
}

func TestPasswordGrant_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(hacienda.Endpoints{Token: url + "/token", ClientID: "api-stag"}, nil)
	_, err := c.PasswordGrant(context.Background(), testCreds)
	assert.ErrorIs(t, err, hacienda.AuthUnavailable)
}

func TestLogout(t *testing.T) {
	f := &fakeIDP{expiresIn: 300}
	c := newTestClient(t, f, &clock{t: time.Now()})

	require.NoError(t, c.Logout(context.Background(), "refresh-1"))
	assert.Equal(t, int32(1), f.logouts.Load())
}

func TestCredentials_String(t *testing.T) {
	assert.NotContains(t, testCreds.String(), "atv-secret")
	assert.NotContains(t, fmt.Sprintf("%v", testCreds), "atv-secret")
}
