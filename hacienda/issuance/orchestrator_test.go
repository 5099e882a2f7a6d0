package issuance

import (
	"context"
	"testing"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/dockey"
	"github.com/alapierre/go-hacienda-client/hacienda/reception"
	"github.com/alapierre/go-hacienda-client/hacienda/sequence"
	"github.com/alapierre/go-hacienda-client/hacienda/signer"
	"github.com/alapierre/go-hacienda-client/hacienda/testutil/certs"
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue_Accepted(t *testing.T) {
	f := newFixture(t)
	f.reception.status = func(n int, key string) (*reception.Status, error) {
		if n == 1 {
			return &reception.Status{Key: key, State: "procesando", Verdict: hacienda.Pending, HTTPStatus: 200}, nil
		}
		return &reception.Status{Key: key, State: "aceptado", Verdict: hacienda.Accepted, HTTPStatus: 200,
			Message: "Este comprobante fue aceptado"}, nil
	}

	res, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, hacienda.Accepted, res.Verdict)
	assert.Equal(t, "Este comprobante fue aceptado", res.AuthorityMessage)
	assert.EqualValues(t, 1, res.Consecutive)
	assert.False(t, res.Indeterminate)
	assert.NotEmpty(t, res.AttemptID)
	require.Len(t, res.Key, dockey.Length)

	parts, err := dockey.Parse(res.Key)
	require.NoError(t, err)
	assert.Equal(t, "3101123456", parts.Identification)
	assert.EqualValues(t, 1, parts.Consecutive)
	assert.Equal(t, hacienda.Invoice, parts.DocumentType)
	assert.Equal(t, hacienda.Normal, parts.Situation)

	sent := f.reception.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, res.Key, sent[0].Key)
	assert.Equal(t, "02", sent[0].IssuerType)
	assert.Equal(t, "3101123456", sent[0].IssuerID)
	assert.Equal(t, "01", sent[0].ReceiverType)
	assert.Equal(t, "102340567", sent[0].ReceiverID)
	require.NoError(t, signer.Verify(sent[0].SignedXML, f.material.Cert))
	assert.Contains(t, string(sent[0].SignedXML), "<NumeroConsecutivo>00100001010000000001</NumeroConsecutivo>")
	assert.Contains(t, string(sent[0].SignedXML), "Soluciones &amp; Servicios S.A.")
	assert.Contains(t, string(sent[0].SignedXML), "<TotalComprobante>11300.00000</TotalComprobante>")

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Accepted, rec.Verdict)
	assert.Equal(t, res.AttemptID, rec.AttemptID)
	assert.Equal(t, hacienda.SHA256Hex(sent[0].SignedXML), rec.SignedPayloadHash)
	assert.Nil(t, rec.SignedPayload, "payload is dropped once the verdict is final")
	assert.Equal(t, "acme", rec.CompanyID)
	assert.False(t, rec.SubmittedAt.IsZero())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Issued.WithLabelValues("accepted")))
}

func TestIssue_ConsecutivesAdvance(t *testing.T) {
	f := newFixture(t)

	first, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)
	second, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)

	assert.EqualValues(t, 1, first.Consecutive)
	assert.EqualValues(t, 2, second.Consecutive)
	assert.NotEqual(t, first.Key, second.Key)
	assert.NotEqual(t, first.AttemptID, second.AttemptID)
}

func TestIssue_NoVerdictWithinWindow(t *testing.T) {
	f := newFixture(t, withOptions(WithPendingPolicy(PendingPolicy{PollInterval: time.Millisecond, PollWindow: 20 * time.Millisecond})))
	f.reception.status = func(_ int, key string) (*reception.Status, error) {
		return &reception.Status{Key: key, State: "procesando", Verdict: hacienda.Pending, HTTPStatus: 200}, nil
	}

	res, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, hacienda.Pending, res.Verdict)
	assert.False(t, res.Indeterminate)

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Pending, rec.Verdict)
	assert.NotEmpty(t, rec.SignedPayload)
}

func TestIssue_ZeroPollWindowReturnsPending(t *testing.T) {
	f := newFixture(t, withOptions(WithPendingPolicy(PendingPolicy{})))

	res, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, hacienda.Pending, res.Verdict)
	assert.Zero(t, f.reception.statusCalls)
}

func TestIssue_IndeterminateThenResubmitReusesKey(t *testing.T) {
	f := newFixture(t)
	f.reception.submit = func(n int, s reception.Submission) (*reception.Receipt, error) {
		if n == 1 {
			return nil, &hacienda.Error{Kind: hacienda.SubmissionIndeterminate, Op: "reception.Submit", HTTPStatus: 503}
		}
		return &reception.Receipt{Key: s.Key, HTTPStatus: 202, Attempts: 1}, nil
	}

	res, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err, "an unknown outcome is not an error")
	assert.Equal(t, hacienda.Pending, res.Verdict)
	assert.True(t, res.Indeterminate)

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Pending, rec.Verdict)
	assert.Equal(t, hacienda.SubmissionIndeterminate, rec.ErrorKind)
	assert.Equal(t, 503, rec.HTTPStatus)
	require.NotEmpty(t, rec.SignedPayload)

	again, err := f.o.Resubmit(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Accepted, again.Verdict)
	assert.Equal(t, res.Key, again.Key)
	assert.Equal(t, res.AttemptID, again.AttemptID)

	assert.EqualValues(t, 1, f.allocated(t), "resubmission must not allocate")

	sent := f.reception.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].SignedXML, sent[1].SignedXML)
	assert.Equal(t, sent[0].Key, sent[1].Key)
	assert.Equal(t, sent[0].IssuerType, sent[1].IssuerType)
	assert.Equal(t, sent[0].IssuerID, sent[1].IssuerID)
	assert.Equal(t, sent[0].ReceiverID, sent[1].ReceiverID)
	assert.True(t, sent[0].Date.Equal(sent[1].Date))
}

func TestResubmit_OnlyPendingRecords(t *testing.T) {
	f := newFixture(t)
	res, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, hacienda.Accepted, res.Verdict)

	_, err = f.o.Resubmit(context.Background(), res.Key)
	require.Error(t, err)
	assert.Len(t, f.reception.sent(), 1)
}

func TestResubmit_FailureKeepsRecordPending(t *testing.T) {
	f := newFixture(t)
	f.reception.submit = func(n int, s reception.Submission) (*reception.Receipt, error) {
		if n == 1 {
			return nil, &hacienda.Error{Kind: hacienda.SubmissionIndeterminate, Op: "reception.Submit"}
		}
		return nil, hacienda.NewError(hacienda.AuthRejected, "reception.Submit", "token refused after refresh")
	}
	res, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)

	_, err = f.o.Resubmit(context.Background(), res.Key)
	require.ErrorIs(t, err, hacienda.AuthRejected)

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Pending, rec.Verdict)
	assert.NotEmpty(t, rec.SignedPayload)
}

func TestIssue_SubmissionRejected(t *testing.T) {
	f := newFixture(t)
	f.reception.submit = func(int, reception.Submission) (*reception.Receipt, error) {
		return nil, &hacienda.Error{Kind: hacienda.SubmissionRejected, Op: "reception.Submit",
			AuthorityMessage: "El comprobante no cumple el esquema", HTTPStatus: 400}
	}

	res, err := f.o.Issue(context.Background(), request())
	require.ErrorIs(t, err, hacienda.SubmissionRejected)
	require.NotNil(t, res)
	assert.Equal(t, hacienda.Rejected, res.Verdict)

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Rejected, rec.Verdict)
	assert.Equal(t, "El comprobante no cumple el esquema", rec.AuthorityMessage)
	assert.Equal(t, 400, rec.HTTPStatus)
}

func TestIssue_FailureAfterAllocationIsRecorded(t *testing.T) {
	f := newFixture(t, withAssembler(AssemblerFunc(func(context.Context, Document) ([]byte, error) {
		return nil, errors.New("item catalogue unavailable")
	})))

	res, err := f.o.Issue(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, hacienda.Internal, hacienda.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, hacienda.Failed, res.Verdict)
	assert.EqualValues(t, 1, res.Consecutive)

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Failed, rec.Verdict)
	assert.Equal(t, hacienda.Internal, rec.ErrorKind)
	assert.EqualValues(t, 1, rec.Consecutive)
	assert.Empty(t, f.reception.sent())

	// the consumed consecutive is never handed out again
	f.o.d.Assembler = TemplateAssembler{Template: invoiceTemplate}
	next, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.Consecutive)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Failures.WithLabelValues("internal")))
}

func TestIssue_ExpiredCertificateFailsBeforeSubmission(t *testing.T) {
	expired := certs.RSA(t, time.Now().AddDate(-2, 0, 0), time.Now().AddDate(0, 0, -1))
	f := newFixture(t, withMaterial(expired))

	res, err := f.o.Issue(context.Background(), request())
	require.ErrorIs(t, err, hacienda.CertificateExpired)
	assert.Equal(t, hacienda.Failed, res.Verdict)
	assert.Zero(t, f.tokens.count())
	assert.Empty(t, f.reception.sent())

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.CertificateExpired, rec.ErrorKind)
	assert.Empty(t, rec.SignedPayloadHash)
}

func TestIssue_NonRSAKeyFailsSigning(t *testing.T) {
	ec := certs.ECDSA(t, time.Now().AddDate(-1, 0, 0), time.Now().AddDate(1, 0, 0))
	f := newFixture(t, withMaterial(ec))

	_, err := f.o.Issue(context.Background(), request())
	require.ErrorIs(t, err, hacienda.SigningFailed)
}

func TestIssue_InvalidInputDoesNotAllocate(t *testing.T) {
	f := newFixture(t)

	req := request()
	req.Branch = dockey.MaxBranch + 1
	res, err := f.o.Issue(context.Background(), req)
	require.ErrorIs(t, err, hacienda.InvalidKeyInput)
	assert.Nil(t, res)

	req = request()
	req.Receiver = &hacienda.Party{IdentificationType: hacienda.Physical, Identification: "12"}
	_, err = f.o.Issue(context.Background(), req)
	require.ErrorIs(t, err, hacienda.InvalidKeyInput)

	req = request()
	req.CompanyID = ""
	_, err = f.o.Issue(context.Background(), req)
	require.ErrorIs(t, err, hacienda.InvalidKeyInput)

	assert.Zero(t, f.allocated(t))
	assert.Empty(t, f.records.All())
}

func TestIssue_AuthUnavailableIsRetried(t *testing.T) {
	f := newFixture(t)
	f.tokens.fail = func(call int) error {
		if call <= 2 {
			return hacienda.NewError(hacienda.AuthUnavailable, "auth.PasswordGrant", "identity provider returns 503")
		}
		return nil
	}

	res, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, hacienda.Accepted, res.Verdict)
}

func TestIssue_AuthRejectedIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.tokens.fail = func(int) error {
		return &hacienda.Error{Kind: hacienda.AuthRejected, Op: "auth.PasswordGrant", AuthorityMessage: "invalid_grant", HTTPStatus: 401}
	}

	res, err := f.o.Issue(context.Background(), request())
	require.ErrorIs(t, err, hacienda.AuthRejected)
	assert.Equal(t, 1, f.tokens.count(), "rejected credentials are not retried")
	assert.Empty(t, f.reception.sent())

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Failed, rec.Verdict)
	assert.Equal(t, hacienda.AuthRejected, rec.ErrorKind)
	assert.Equal(t, "invalid_grant", rec.AuthorityMessage)
}

func TestIssue_AllocationConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	conflicts := 0
	f.o.d.Allocator = allocatorFunc(func(ctx context.Context, s sequence.Scope) (int64, error) {
		if conflicts < 2 {
			conflicts++
			return 0, hacienda.NewError(hacienda.AllocationConflict, "sequence.Next", "retry budget exhausted")
		}
		return f.allocator.Next(ctx, s)
	})

	res, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Consecutive)
	assert.Equal(t, 2, conflicts)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.AllocationConflicts))
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, withOptions(WithPendingPolicy(PendingPolicy{})))
	res, err := f.o.Issue(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, hacienda.Pending, res.Verdict)

	f.reception.status = func(_ int, key string) (*reception.Status, error) {
		return &reception.Status{Key: key, State: "rechazado", Verdict: hacienda.Rejected, HTTPStatus: 200, Message: "Clave duplicada"}, nil
	}
	got, err := f.o.Refresh(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Rejected, got.Verdict)
	assert.Equal(t, "Clave duplicada", got.AuthorityMessage)

	rec, err := f.o.Record(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Rejected, rec.Verdict)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	assert.Error(t, err)
}
