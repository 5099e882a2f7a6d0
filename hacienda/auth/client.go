package auth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/util"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "hacienda.auth")

// Client talks OpenID Connect to the authority's identity provider.
type Client struct {
	tokenURL   string
	logoutURL  string
	clientID   string
	httpClient *http.Client
	now        func() time.Time
}

type ClientOption func(*Client)

func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func NewClient(endpoints hacienda.Endpoints, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		tokenURL:   endpoints.Token,
		logoutURL:  endpoints.Logout,
		clientID:   endpoints.ClientID,
		httpClient: httpClient,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PasswordGrant logs in with the issuer's ATV user and password.
func (c *Client) PasswordGrant(ctx context.Context, creds Credentials) (*Token, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {c.clientID},
		"username":   {creds.Username},
		"password":   {string(creds.Password)},
		"scope":      {"openid"},
	}
	return c.token(ctx, "auth.PasswordGrant", form)
}

func (c *Client) RefreshGrant(ctx context.Context, _ Credentials, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"refresh_token": {refreshToken},
	}
	return c.token(ctx, "auth.RefreshGrant", form)
}

// Logout ends the identity provider session bound to refreshToken.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	const op = "auth.Logout"
	form := url.Values{
		"client_id":     {c.clientID},
		"refresh_token": {refreshToken},
	}
	res, body, err := c.post(ctx, c.logoutURL, form)
	if err != nil {
		return hacienda.WrapError(hacienda.AuthUnavailable, op, err, "logout request failed")
	}
	if res.StatusCode/100 != 2 {
		return hacienda.WrapError(classify(res.StatusCode), op,
			&hacienda.APIError{Status: res.StatusCode, Body: hacienda.Truncate(body, 512)}, "logout refused")
	}
	return nil
}

func (c *Client) token(ctx context.Context, op string, form url.Values) (*Token, error) {
	requested := c.now()

	res, body, err := c.post(ctx, c.tokenURL, form)
	if err != nil {
		return nil, hacienda.WrapError(hacienda.AuthUnavailable, op, err, "token request failed")
	}

	if res.StatusCode != http.StatusOK {
		e := decodeError(body)
		kind := classify(res.StatusCode)
		logger.Warnf("%s: identity provider returns %d %s", op, res.StatusCode, e.Code)
		return nil, &hacienda.Error{
			Kind:             kind,
			Op:               op,
			Message:          "identity provider refused the grant",
			AuthorityMessage: strings.TrimSpace(e.Code + " " + e.Description),
			HTTPStatus:       res.StatusCode,
			Err:              &hacienda.APIError{Status: res.StatusCode, Cause: e.Description, Body: hacienda.Truncate(body, 512)},
		}
	}

	tok, err := decodeToken(body, requested)
	if err != nil {
		return nil, hacienda.WrapError(hacienda.AuthUnavailable, op, err, "malformed token response")
	}
	logger.Debugf("%s: token %s obtained", op, tok)
	return tok, nil
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if util.HttpTraceEnabled() {
		logger.Debugf("POST %s grant_type=%s", endpoint, form.Get("grant_type"))
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, nil, errors.Wrap(err, "read response")
	}
	if util.HttpTraceEnabled() {
		logger.Debugf("POST %s -> %d", endpoint, res.StatusCode)
	}
	return res, body, nil
}

// classify maps an identity provider status to an error kind: the credentials are at fault for 4xx,
// the provider for anything else.
func classify(status int) hacienda.Kind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return hacienda.AuthUnavailable
	case status >= 400 && status < 500:
		return hacienda.AuthRejected
	}
	return hacienda.AuthUnavailable
}

type oauthError struct {
	Code        string
	Description string
}

func decodeError(body []byte) oauthError {
	var e oauthError
	if len(body) == 0 {
		return e
	}
	_ = jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "error":
			v, err := d.Str()
			e.Code = v
			return err
		case "error_description":
			v, err := d.Str()
			e.Description = v
			return err
		}
		return d.Skip()
	})
	return e
}

func decodeToken(body []byte, requested time.Time) (*Token, error) {
	var (
		tok            Token
		expiresIn      int64
		refreshExpires int64
	)
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "access_token":
			tok.AccessToken, err = d.Str()
		case "refresh_token":
			tok.RefreshToken, err = d.Str()
		case "expires_in":
			expiresIn, err = d.Int64()
		case "refresh_expires_in":
			refreshExpires, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode token response")
	}
	if tok.AccessToken == "" || expiresIn <= 0 {
		return nil, errors.New("token response without access_token or expires_in")
	}

	tok.ExpiresAt = requested.Add(time.Duration(expiresIn) * time.Second)
	if tok.RefreshToken != "" && refreshExpires > 0 {
		tok.RefreshExpiresAt = requested.Add(time.Duration(refreshExpires) * time.Second)
	}
	return &tok, nil
}
