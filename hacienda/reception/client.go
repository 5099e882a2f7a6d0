// Package reception submits signed documents to the authority and queries their verdict.
package reception

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/util"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var logger = logrus.WithField("component", "hacienda.reception")

// TokenSource yields the bearer token of one issuer. A ctx carrying hacienda.ContextWithForceAuth must
// bypass any cache.
type TokenSource interface {
	Bearer(ctx context.Context) (string, error)
}

// Submission is what the reception endpoint receives. SignedXML is sent as is on every retry.
type Submission struct {
	Key          string
	Date         time.Time
	IssuerType   string
	IssuerID     string
	ReceiverType string
	ReceiverID   string
	CallbackURL  string
	SignedXML    []byte
}

// Receipt acknowledges a submission. The verdict itself is obtained with CheckStatus.
type Receipt struct {
	Key        string
	HTTPStatus int
	Location   string
	Duplicate  bool // the authority already had this key
	Attempts   int
}

type Status struct {
	Key        string
	State      string // raw ind-estado
	Verdict    hacienda.Verdict
	Message    string
	HTTPStatus int
	Response   *Message
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	onAttempt   func(outcome string)
}

type Option func(*Client)

// WithMaxAttempts bounds how often one submission is sent.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initial = initial
		c.max = max
	}
}

// WithStatusLimiter shares a rate limiter between all status queries of the process.
func WithStatusLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithAttemptObserver is called after every POST with "accepted", "duplicate", "rejected", "retry" or
// "unauthorized".
func WithAttemptObserver(fn func(outcome string)) Option {
	return func(c *Client) { c.onAttempt = fn }
}

func NewClient(endpoints hacienda.Endpoints, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		baseURL:     strings.TrimRight(endpoints.Reception, "/"),
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(5), 5),
		maxAttempts: 5,
		initial:     500 * time.Millisecond,
		max:         15 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var errUnauthorized = errors.New("reception: token refused")

// Submit posts the signed document. Answers that leave the outcome unknown (transport errors, timeouts,
// 5xx) are retried with the same payload; when the budget is spent the error has kind
// SubmissionIndeterminate and the caller must treat the document as pending. An authority refusal of a
// well-formed request is SubmissionRejected.
func (c *Client) Submit(ctx context.Context, tokens TokenSource, s Submission) (*Receipt, error) {
	const op = "reception.Submit"
	l := hacienda.Logger(ctx, "hacienda.reception").WithField("key", s.Key)

	payload := encodeSubmission(s)
	receipt := &Receipt{Key: s.Key}

	var (
		ambiguous bool
		refreshed bool
		last      error
	)

	operation := func() error {
		tctx := ctx
		if refreshed {
			tctx = hacienda.ContextWithForceAuth(ctx)
		}
		token, err := tokens.Bearer(tctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		receipt.Attempts++
		res, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/recepcion", token, payload)
		if err != nil {
			ambiguous = true
			last = err
			c.observe("retry")
			l.Warnf("submission attempt %d failed: %v", receipt.Attempts, err)
			return err
		}

		cause := res.Header.Get("X-Error-Cause")
		switch {
		case res.StatusCode == http.StatusAccepted || res.StatusCode == http.StatusCreated || res.StatusCode == http.StatusOK:
			receipt.HTTPStatus = res.StatusCode
			receipt.Location = res.Header.Get("Location")
			c.observe("accepted")
			return nil

		case res.StatusCode == http.StatusBadRequest && alreadyReceived(cause):
			receipt.HTTPStatus = res.StatusCode
			receipt.Duplicate = true
			c.observe("duplicate")
			l.Infof("authority already holds the document: %s", cause)
			return nil

		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			c.observe("unauthorized")
			if refreshed {
				return backoff.Permanent(&hacienda.Error{
					Kind: hacienda.AuthRejected, Op: op, Message: "token refused after refresh",
					AuthorityMessage: cause, HTTPStatus: res.StatusCode,
					Err: &hacienda.APIError{Status: res.StatusCode, Cause: cause, Body: hacienda.Truncate(body, 512)},
				})
			}
			refreshed = true
			last = errUnauthorized
			return errUnauthorized

		case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusRequestTimeout:
			ambiguous = true
			last = &hacienda.APIError{Status: res.StatusCode, Cause: cause, Body: hacienda.Truncate(body, 512)}
			c.observe("retry")
			l.Warnf("submission attempt %d: authority returns %d", receipt.Attempts, res.StatusCode)
			return last
		}

		c.observe("rejected")
		return backoff.Permanent(&hacienda.Error{
			Kind: hacienda.SubmissionRejected, Op: op, Message: "authority refused the document",
			AuthorityMessage: cause, HTTPStatus: res.StatusCode,
			Err: &hacienda.APIError{Status: res.StatusCode, Cause: cause, Body: hacienda.Truncate(body, 512)},
		})
	}

	err := backoff.Retry(operation, c.policy(ctx))
	if err == nil {
		l.WithField("attempts", receipt.Attempts).Debug("document submitted")
		return receipt, nil
	}

	var he *hacienda.Error
	if errors.As(err, &he) && !ambiguous {
		return nil, err
	}
	if !ambiguous {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "submit")
		}
		if errors.Is(err, errUnauthorized) {
			return nil, hacienda.WrapError(hacienda.AuthRejected, op, err, "token refused")
		}
		return nil, err
	}

	if last == nil {
		last = err
	}
	l.Warnf("submission outcome unknown after %d attempts", receipt.Attempts)
	return nil, &hacienda.Error{
		Kind:       hacienda.SubmissionIndeterminate,
		Op:         op,
		Message:    "authority may have received the document; reconcile by status query",
		HTTPStatus: statusOf(last),
		Err:        last,
	}
}

// CheckStatus queries the verdict for key.
func (c *Client) CheckStatus(ctx context.Context, tokens TokenSource, key string) (*Status, error) {
	const op = "reception.CheckStatus"

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "status rate limit")
	}

	token, err := tokens.Bearer(ctx)
	if err != nil {
		return nil, err
	}
	res, body, err := c.do(ctx, http.MethodGet, c.baseURL+"/recepcion/"+key, token, nil)
	if err != nil {
		return nil, errors.Wrap(err, "status query")
	}

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		token, err = tokens.Bearer(hacienda.ContextWithForceAuth(ctx))
		if err != nil {
			return nil, err
		}
		if res, body, err = c.do(ctx, http.MethodGet, c.baseURL+"/recepcion/"+key, token, nil); err != nil {
			return nil, errors.Wrap(err, "status query")
		}
	}

	cause := res.Header.Get("X-Error-Cause")
	switch {
	case res.StatusCode == http.StatusNotFound:
		// not yet visible to the query side
		return &Status{Key: key, Verdict: hacienda.Pending, HTTPStatus: res.StatusCode, Message: cause}, nil
	case res.StatusCode != http.StatusOK:
		return nil, &hacienda.Error{
			Kind: kindForStatus(res.StatusCode), Op: op, Message: "status query failed",
			AuthorityMessage: cause, HTTPStatus: res.StatusCode,
			Err: &hacienda.APIError{Status: res.StatusCode, Cause: cause, Body: hacienda.Truncate(body, 512)},
		}
	}

	sb, err := decodeStatus(body)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	st := &Status{
		Key:        key,
		State:      sb.State,
		Verdict:    VerdictOf(sb.State),
		HTTPStatus: res.StatusCode,
	}
	if sb.ResponseXML != "" {
		msg, err := ParseMessage(sb.ResponseXML)
		if err != nil {
			logger.WithField("key", key).Warnf("unreadable respuesta-xml: %v", err)
		} else {
			st.Response = msg
			st.Message = msg.Detail
		}
	}
	return st, nil
}

// VerdictOf maps the authority's ind-estado.
func VerdictOf(state string) hacienda.Verdict {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "aceptado":
		return hacienda.Accepted
	case "rechazado", "error":
		return hacienda.Rejected
	}
	// recibido, procesando and anything new
	return hacienda.Pending
}

func (c *Client) do(ctx context.Context, method, url, token string, payload []byte) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, nil, errors.Wrap(err, "read response")
	}
	if util.HttpTraceEnabled() {
		logger.Debugf("%s %s -> %d %s", method, url, res.StatusCode, res.Header.Get("X-Error-Cause"))
	}
	return res, b, nil
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.max
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)
}

func (c *Client) observe(outcome string) {
	if c.onAttempt != nil {
		c.onAttempt(outcome)
	}
}

func alreadyReceived(cause string) bool {
	c := strings.ToLower(cause)
	return strings.Contains(c, "ya fue recibido") || strings.Contains(c, "already received")
}

func kindForStatus(status int) hacienda.Kind {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return hacienda.AuthRejected
	}
	return hacienda.Internal
}

func statusOf(err error) int {
	var ae *hacienda.APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}
