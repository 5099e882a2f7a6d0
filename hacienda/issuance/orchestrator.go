package issuance

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/auth"
	"github.com/alapierre/go-hacienda-client/hacienda/dockey"
	"github.com/alapierre/go-hacienda-client/hacienda/mutex"
	"github.com/alapierre/go-hacienda-client/hacienda/outcome"
	"github.com/alapierre/go-hacienda-client/hacienda/reception"
	"github.com/alapierre/go-hacienda-client/hacienda/sequence"
	"github.com/alapierre/go-hacienda-client/hacienda/signer"
	"github.com/alapierre/go-hacienda-client/hacienda/vault"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const component = "hacienda.issuance"

var logger = logrus.WithField("component", component)

// Dependencies are the collaborators of an Orchestrator. All but Signer are required.
type Dependencies struct {
	Allocator   Allocator
	Credentials Credentials
	Tokens      Tokens
	Reception   Reception
	Assembler   Assembler
	Outcomes    outcome.Store
	Signer      SignFunc
}

type Option func(*Orchestrator)

func WithPendingPolicy(p PendingPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithKeyBuilder replaces the key builder, e.g. to make security codes reproducible.
func WithKeyBuilder(b dockey.Builder) Option {
	return func(o *Orchestrator) { o.keys = b }
}

// WithRetries sets how often an allocation conflict or an unavailable identity provider is retried
// inside one issuance, and the first pause between tries.
func WithRetries(attempts int, initial time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.retries = attempts
		}
		if initial > 0 {
			o.retryInitial = initial
		}
	}
}

// WithTracer replaces the tracer obtained from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// Orchestrator runs an issuance end to end: consecutive, key, document, signature, token, submission,
// verdict and the persisted record.
type Orchestrator struct {
	d            Dependencies
	keys         dockey.Builder
	policy       PendingPolicy
	metrics      *Metrics
	tracer       trace.Tracer
	now          func() time.Time
	retries      int
	retryInitial time.Duration
	locks        mutex.KeyedRWMutex[string]
}

func New(d Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case d.Allocator == nil:
		return nil, errors.New("issuance: allocator is required")
	case d.Credentials == nil:
		return nil, errors.New("issuance: credentials are required")
	case d.Tokens == nil:
		return nil, errors.New("issuance: token provider is required")
	case d.Reception == nil:
		return nil, errors.New("issuance: reception client is required")
	case d.Assembler == nil:
		return nil, errors.New("issuance: assembler is required")
	case d.Outcomes == nil:
		return nil, errors.New("issuance: outcome store is required")
	}
	if d.Signer == nil {
		d.Signer = signer.Sign
	}
	o := &Orchestrator{
		d:            d,
		policy:       DefaultPendingPolicy(),
		tracer:       otel.Tracer(component),
		now:          time.Now,
		retries:      3,
		retryInitial: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Issue issues one document. Once a consecutive is allocated every outcome is persisted: a failure
// leaves a "failed" record and is returned together with the Result, so the caller learns the consumed
// key. An unknown submission outcome is not an error; the Result is pending and Indeterminate.
func (o *Orchestrator) Issue(ctx context.Context, req Request) (*Result, error) {
	const op = "issuance.Issue"

	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = o.now()
	}
	// documents carry second precision
	issuedAt = issuedAt.In(hacienda.Location()).Truncate(time.Second)
	if req.Situation == "" {
		req.Situation = hacienda.Normal
	}
	if err := o.validate(op, req, issuedAt); err != nil {
		o.metrics.failed(string(hacienda.KindOf(err)))
		return nil, err
	}

	attemptID := uuid.NewString()
	ctx = hacienda.ContextWithAttempt(hacienda.Context(ctx, req.Issuer.ID()), attemptID)
	ctx, span := o.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("hacienda.issuer", req.Issuer.ID()),
		attribute.String("hacienda.document_type", string(req.DocumentType)),
	))
	defer span.End()
	log := hacienda.Logger(ctx, component)

	scope := sequence.Scope{
		IssuerID:     req.Issuer.ID(),
		DocumentType: req.DocumentType,
		Branch:       req.Branch,
		Terminal:     req.Terminal,
	}
	consecutive, err := o.allocate(ctx, scope)
	if err != nil {
		endSpan(span, err)
		o.metrics.failed(string(hacienda.KindOf(err)))
		return nil, err
	}
	log = log.WithField("consecutive", consecutive)

	rec := hacienda.SubmissionRecord{
		AttemptID:    attemptID,
		DocumentKey:  fallbackKey(scope, consecutive),
		CompanyID:    req.CompanyID,
		IssuerID:     scope.IssuerID,
		DocumentType: req.DocumentType,
		Consecutive:  consecutive,
		Verdict:      hacienda.Failed,
		CreatedAt:    o.now(),
	}

	start := time.Now()
	key, err := o.keys.Build(dockey.Input{
		Issuer:       req.Issuer,
		DocumentType: req.DocumentType,
		Branch:       req.Branch,
		Terminal:     req.Terminal,
		Consecutive:  consecutive,
		Date:         issuedAt,
		Situation:    req.Situation,
	})
	o.metrics.ObserveStage("key", start)
	if err != nil {
		return o.fail(ctx, span, rec, err)
	}
	rec.DocumentKey = key.String()
	span.SetAttributes(attribute.String("hacienda.key", rec.DocumentKey))
	log = log.WithField("key", rec.DocumentKey)

	parts, err := key.Parts()
	if err != nil {
		return o.fail(ctx, span, rec, err)
	}

	attempt := reception.NewAttempt(rec.DocumentKey)

	start = time.Now()
	unsigned, err := o.d.Assembler.Assemble(ctx, Document{
		Request:       req,
		Key:           key,
		Parts:         parts,
		Consecutive20: parts.Consecutive20(),
		IssuedAt:      issuedAt,
	})
	o.metrics.ObserveStage("assemble", start)
	if err != nil {
		return o.fail(ctx, span, rec, classify(op, err, "assemble document"))
	}

	start = time.Now()
	signed, err := o.sign(ctx, req.CompanyID, unsigned)
	o.metrics.ObserveStage("sign", start)
	if err != nil {
		return o.fail(ctx, span, rec, err)
	}
	if err := attempt.Advance(reception.Signed); err != nil {
		return o.fail(ctx, span, rec, err)
	}
	rec.SignedPayload = signed
	rec.SignedPayloadHash = signer.Digest(signed)
	log.Debugf("document signed, digest %s", rec.SignedPayloadHash)

	creds, err := o.d.Credentials.AuthorityCredentials(ctx, req.CompanyID)
	if err != nil {
		return o.fail(ctx, span, rec, err)
	}
	defer creds.Zero()
	tokens := o.tokenSource(creds)

	start = time.Now()
	_, err = tokens.Bearer(ctx)
	o.metrics.ObserveStage("auth", start)
	if err != nil {
		return o.fail(ctx, span, rec, err)
	}
	if err := attempt.Advance(reception.Authenticated); err != nil {
		return o.fail(ctx, span, rec, err)
	}

	sub := reception.Submission{
		Key:         rec.DocumentKey,
		Date:        issuedAt,
		IssuerType:  string(req.Issuer.IdentificationType),
		IssuerID:    scope.IssuerID,
		CallbackURL: req.CallbackURL,
		SignedXML:   signed,
	}
	if req.Receiver != nil && req.Receiver.Identification != "" {
		sub.ReceiverType = string(req.Receiver.IdentificationType)
		sub.ReceiverID = partyID(*req.Receiver)
	}
	return o.submit(ctx, span, attempt, rec, tokens, sub)
}

// submit sends sub and settles rec from the answer. attempt must be Authenticated.
func (o *Orchestrator) submit(ctx context.Context, span trace.Span, attempt *reception.Attempt,
	rec hacienda.SubmissionRecord, tokens reception.TokenSource, sub reception.Submission) (*Result, error) {

	log := hacienda.Logger(ctx, component).WithField("key", rec.DocumentKey)

	start := time.Now()
	receipt, err := o.d.Reception.Submit(ctx, tokens, sub)
	o.metrics.ObserveStage("submit", start)
	rec.SubmittedAt = o.now()

	switch {
	case err == nil:
	case errors.Is(err, hacienda.SubmissionIndeterminate):
		_ = attempt.Advance(reception.Submitted)
		_ = attempt.Advance(reception.Pending)
		rec.Verdict = hacienda.Pending
		rec.ErrorKind = hacienda.SubmissionIndeterminate
		rec.HTTPStatus = httpStatusOf(err)
		rec.AuthorityMessage = hacienda.AuthorityMessageOf(err)
		log.Warnf("submission outcome unknown, left pending for reconciliation: %v", err)
		span.AddEvent("submission indeterminate")
		res := resultOf(rec)
		res.Indeterminate = true
		if rerr := o.record(ctx, rec); rerr != nil {
			// the authority may hold the document; the caller must still learn its key
			endSpan(span, rerr)
			return res, rerr
		}
		o.metrics.issued(string(hacienda.Pending))
		return res, nil
	case errors.Is(err, hacienda.SubmissionRejected):
		_ = attempt.Advance(reception.Submitted)
		_ = attempt.Advance(reception.Rejected)
		rec.Verdict = hacienda.Rejected
		rec.SignedPayload = nil
		rec.ErrorKind = hacienda.SubmissionRejected
		rec.HTTPStatus = httpStatusOf(err)
		rec.AuthorityMessage = hacienda.AuthorityMessageOf(err)
		log.Warnf("submission refused: %v", err)
		endSpan(span, err)
		if rerr := o.record(ctx, rec); rerr != nil {
			return resultOf(rec), stderrors.Join(err, rerr)
		}
		o.metrics.issued(string(hacienda.Rejected))
		return resultOf(rec), err
	case rec.Verdict == hacienda.Pending:
		// a failed resubmission leaves the stored record and its payload alone
		log.Warnf("resubmission failed, record stays pending: %v", err)
		endSpan(span, err)
		return resultOf(rec), err
	default:
		return o.fail(ctx, span, rec, err)
	}

	if err := attempt.Advance(reception.Submitted); err != nil {
		return o.fail(ctx, span, rec, err)
	}
	rec.Verdict = hacienda.Pending
	rec.ErrorKind = ""
	rec.HTTPStatus = receipt.HTTPStatus
	rec.AuthorityMessage = ""
	if receipt.Duplicate {
		log.Info("authority already had this key")
	}
	// From here on the authority has the document. A persistence failure is reported alongside the
	// result and never hides the key.
	var persistErr error
	if err := o.record(ctx, rec); err != nil {
		log.Errorf("submitted document not persisted: %v", err)
		persistErr = err
	}

	if o.policy.PollWindow > 0 {
		start = time.Now()
		st := o.await(ctx, tokens, rec.DocumentKey)
		o.metrics.ObserveStage("poll", start)
		if st != nil && st.Verdict.Final() {
			_ = attempt.Advance(reception.State(st.Verdict))
			rec = settled(rec, st)
			if err := o.record(ctx, rec); err != nil {
				log.Errorf("verdict %s not persisted: %v", rec.Verdict, err)
				persistErr = stderrors.Join(persistErr, err)
			}
		}
	}
	if !rec.Verdict.Final() {
		_ = attempt.Advance(reception.Pending)
	}

	log.WithField("verdict", rec.Verdict).Infof("document issued after %d transitions", len(attempt.History()))
	o.metrics.issued(string(rec.Verdict))
	span.SetAttributes(attribute.String("hacienda.verdict", string(rec.Verdict)))
	if persistErr != nil {
		endSpan(span, persistErr)
		return resultOf(rec), persistErr
	}
	span.SetStatus(codes.Ok, "")
	return resultOf(rec), nil
}

// await polls the status until a final verdict, the poll window or ctx ends. It returns the last
// status seen, nil when none could be read.
func (o *Orchestrator) await(ctx context.Context, tokens reception.TokenSource, key string) *reception.Status {
	log := hacienda.Logger(ctx, component).WithField("key", key)

	ctx, cancel := context.WithTimeout(ctx, o.policy.PollWindow)
	defer cancel()

	interval := o.policy.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var last *reception.Status
	for {
		select {
		case <-ctx.Done():
			return last
		case <-timer.C:
		}

		st, err := o.d.Reception.CheckStatus(ctx, tokens, key)
		switch {
		case err != nil && ctx.Err() != nil:
			return last
		case err != nil:
			log.Warnf("status query failed: %v", err)
		default:
			last = st
			if st.Verdict.Final() {
				return st
			}
		}
		timer.Reset(interval)
	}
}

// Refresh queries the authority once for the verdict of a stored record and persists a final verdict.
func (o *Orchestrator) Refresh(ctx context.Context, key string) (*Result, error) {
	o.locks.Lock(key)
	defer o.locks.Unlock(key)

	rec, err := o.d.Outcomes.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Verdict.Final() || rec.Verdict == hacienda.Failed {
		return resultOf(*rec), nil
	}
	updated, _, err := o.refresh(ctx, *rec)
	if err != nil {
		return nil, err
	}
	return resultOf(updated), nil
}

// refresh runs one status query for rec. It returns the record as stored afterwards and the status.
func (o *Orchestrator) refresh(ctx context.Context, rec hacienda.SubmissionRecord) (hacienda.SubmissionRecord, *reception.Status, error) {
	ctx = hacienda.ContextWithAttempt(hacienda.Context(ctx, rec.IssuerID), rec.AttemptID)

	creds, err := o.d.Credentials.AuthorityCredentials(ctx, rec.CompanyID)
	if err != nil {
		return rec, nil, err
	}
	defer creds.Zero()

	st, err := o.d.Reception.CheckStatus(ctx, o.tokenSource(creds), rec.DocumentKey)
	if err != nil {
		return rec, nil, err
	}
	if st.Verdict.Final() {
		rec = settled(rec, st)
		if err := o.record(ctx, rec); err != nil {
			return rec, st, err
		}
		o.metrics.issued(string(rec.Verdict))
	}
	return rec, st, nil
}

// Resubmit sends the stored signed payload of a pending record again, under the same key. It never
// allocates a consecutive and never signs again.
func (o *Orchestrator) Resubmit(ctx context.Context, key string) (*Result, error) {
	o.locks.Lock(key)
	defer o.locks.Unlock(key)
	return o.resubmit(ctx, key)
}

func (o *Orchestrator) resubmit(ctx context.Context, key string) (*Result, error) {
	const op = "issuance.Resubmit"

	rec, err := o.d.Outcomes.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Verdict != hacienda.Pending {
		return nil, hacienda.Errorf(hacienda.Internal, op, "record %s is %s, only pending records are resubmitted", key, rec.Verdict)
	}
	if len(rec.SignedPayload) == 0 {
		return nil, hacienda.Errorf(hacienda.Internal, op, "record %s has no stored payload", key)
	}

	ctx = hacienda.ContextWithAttempt(hacienda.Context(ctx, rec.IssuerID), rec.AttemptID)
	ctx, span := o.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("hacienda.key", key)))
	defer span.End()

	sub, err := submissionFromPayload(*rec)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	creds, err := o.d.Credentials.AuthorityCredentials(ctx, rec.CompanyID)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	defer creds.Zero()
	tokens := o.tokenSource(creds)
	if _, err := tokens.Bearer(ctx); err != nil {
		endSpan(span, err)
		return nil, err
	}

	hacienda.Logger(ctx, component).WithField("key", key).Info("resubmitting stored payload")
	return o.submit(ctx, span, reception.ResumeAttempt(key, reception.Authenticated), *rec, tokens, sub)
}

// Record returns the stored record of key.
func (o *Orchestrator) Record(ctx context.Context, key string) (*hacienda.SubmissionRecord, error) {
	return o.d.Outcomes.Get(ctx, key)
}

func (o *Orchestrator) validate(op string, req Request, issuedAt time.Time) error {
	if req.CompanyID == "" {
		return hacienda.NewError(hacienda.InvalidKeyInput, op, "company id is required")
	}
	if req.Receiver != nil && req.Receiver.Identification != "" {
		if _, err := hacienda.NormalizeIdentification(req.Receiver.IdentificationType, req.Receiver.Identification); err != nil {
			return hacienda.WrapError(hacienda.InvalidKeyInput, op, err, "receiver")
		}
	}
	// A dry build catches bad key input before a consecutive is consumed.
	_, err := o.keys.Build(dockey.Input{
		Issuer:       req.Issuer,
		DocumentType: req.DocumentType,
		Branch:       req.Branch,
		Terminal:     req.Terminal,
		Consecutive:  1,
		Date:         issuedAt,
		Situation:    req.Situation,
	})
	return err
}

func (o *Orchestrator) allocate(ctx context.Context, scope sequence.Scope) (int64, error) {
	start := time.Now()
	defer o.metrics.ObserveStage("allocate", start)

	var n int64
	err := backoff.RetryNotify(func() error {
		v, err := o.d.Allocator.Next(ctx, scope)
		if err != nil {
			if errors.Is(err, hacienda.AllocationConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		n = v
		return nil
	}, o.retryPolicy(ctx), func(err error, d time.Duration) {
		o.metrics.AllocationConflict()
		hacienda.Logger(ctx, component).WithField("scope", scope.String()).Debugf("allocation conflict, retry in %s", d)
	})
	return n, err
}

func (o *Orchestrator) sign(ctx context.Context, companyID string, doc []byte) ([]byte, error) {
	var signed []byte
	err := o.d.Credentials.WithSigningCredential(ctx, companyID, func(cred *vault.SigningCredential) error {
		var err error
		signed, err = o.d.Signer(doc, cred)
		return err
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

func (o *Orchestrator) tokenSource(creds auth.Credentials) reception.TokenSource {
	return &retryingSource{o: o, creds: creds}
}

func (o *Orchestrator) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInitial
	b.MaxInterval = 20 * o.retryInitial
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.retries-1)), ctx)
}

// fail persists rec as failed with the kind of err and returns err.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, rec hacienda.SubmissionRecord, err error) (*Result, error) {
	kind := hacienda.KindOf(err)
	rec.Verdict = hacienda.Failed
	rec.ErrorKind = kind
	rec.SignedPayload = nil
	rec.AuthorityMessage = hacienda.AuthorityMessageOf(err)
	rec.HTTPStatus = httpStatusOf(err)

	hacienda.Logger(ctx, component).WithFields(logrus.Fields{
		"key":  rec.DocumentKey,
		"kind": kind,
	}).Errorf("issuance failed after allocation: %v", err)

	o.metrics.failed(string(kind))
	o.metrics.issued(string(hacienda.Failed))
	endSpan(span, err)

	if rerr := o.record(ctx, rec); rerr != nil {
		return resultOf(rec), stderrors.Join(err, rerr)
	}
	return resultOf(rec), err
}

func (o *Orchestrator) record(ctx context.Context, rec hacienda.SubmissionRecord) error {
	rec.UpdatedAt = o.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	// the record must land even when the caller gave up
	ctx = context.WithoutCancel(ctx)
	if err := o.d.Outcomes.Record(ctx, rec); err != nil {
		return hacienda.WrapError(hacienda.Internal, "issuance.record", err, "persist submission record")
	}
	return nil
}

// retryingSource retries AuthUnavailable; an AuthRejected goes straight back.
type retryingSource struct {
	o     *Orchestrator
	creds auth.Credentials
}

func (s *retryingSource) Bearer(ctx context.Context) (string, error) {
	var bearer string
	err := backoff.Retry(func() error {
		t, err := s.o.d.Tokens.Token(ctx, s.creds)
		if err != nil {
			if errors.Is(err, hacienda.AuthUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		bearer = t.AccessToken
		return nil
	}, s.o.retryPolicy(ctx))
	return bearer, err
}

func settled(rec hacienda.SubmissionRecord, st *reception.Status) hacienda.SubmissionRecord {
	rec.Verdict = st.Verdict
	rec.AuthorityMessage = st.Message
	rec.ErrorKind = ""
	rec.SignedPayload = nil
	if st.HTTPStatus != 0 {
		rec.HTTPStatus = st.HTTPStatus
	}
	return rec
}

func resultOf(rec hacienda.SubmissionRecord) *Result {
	return &Result{
		Verdict:          rec.Verdict,
		Key:              rec.DocumentKey,
		AuthorityMessage: rec.AuthorityMessage,
		Consecutive:      rec.Consecutive,
		AttemptID:        rec.AttemptID,
		Indeterminate:    rec.Verdict == hacienda.Pending && rec.ErrorKind == hacienda.SubmissionIndeterminate,
	}
}

// classify keeps the kind of a pipeline error and marks anything else internal.
func classify(op string, err error, msg string) error {
	var he *hacienda.Error
	if errors.As(err, &he) {
		return err
	}
	return hacienda.WrapError(hacienda.Internal, op, err, msg)
}

func httpStatusOf(err error) int {
	var he *hacienda.Error
	if errors.As(err, &he) && he.HTTPStatus != 0 {
		return he.HTTPStatus
	}
	var ae *hacienda.APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// fallbackKey names a record whose key could not be built, so the consumed consecutive stays visible.
func fallbackKey(scope sequence.Scope, consecutive int64) string {
	return fmt.Sprintf("%s-%010d", scope.String(), consecutive)
}

func partyID(p hacienda.Party) string {
	if n, err := hacienda.NormalizeIdentification(p.IdentificationType, p.Identification); err == nil {
		return n
	}
	return p.Identification
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(hacienda.KindOf(err)))
}
