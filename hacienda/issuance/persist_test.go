package issuance

import (
	"context"
	"testing"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/dockey"
	"github.com/alapierre/go-hacienda-client/hacienda/outcome"
	"github.com/alapierre/go-hacienda-client/hacienda/reception"
	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenPublisher struct{}

func (brokenPublisher) Record(context.Context, hacienda.SubmissionRecord) error {
	return errors.New("broker down")
}

func TestIssue_PublishFailureAfterSubmitKeepsKey(t *testing.T) {
	f := newFixture(t)
	f.o.d.Outcomes = outcome.NewFanout(f.records, brokenPublisher{})

	res, err := f.o.Issue(context.Background(), request())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, hacienda.Internal, hacienda.KindOf(err))

	require.NotNil(t, res, "a submitted document must not lose its key")
	require.Len(t, res.Key, dockey.Length)
	assert.EqualValues(t, 1, res.Consecutive)
	assert.Equal(t, hacienda.Accepted, res.Verdict, "polling continues past the failed publish")
	assert.Len(t, f.reception.sent(), 1)

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Accepted, rec.Verdict)
}

func TestIssue_PublishFailureOnIndeterminateKeepsKey(t *testing.T) {
	f := newFixture(t)
	f.o.d.Outcomes = outcome.NewFanout(f.records, brokenPublisher{})
	f.reception.submit = func(n int, s reception.Submission) (*reception.Receipt, error) {
		return nil, &hacienda.Error{Kind: hacienda.SubmissionIndeterminate, Op: "reception.Submit", HTTPStatus: 504}
	}

	res, err := f.o.Issue(context.Background(), request())
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Indeterminate)
	assert.Equal(t, hacienda.Pending, res.Verdict)

	rec, err := f.records.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, hacienda.Pending, rec.Verdict)
	assert.NotEmpty(t, rec.SignedPayload)
}
