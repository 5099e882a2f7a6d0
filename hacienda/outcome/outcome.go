// Package outcome persists and publishes submission records.
package outcome

import (
	"context"
	stderrors "errors"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "hacienda.outcome")

var ErrNotFound = errors.New("outcome: no record for key")

// Recorder accepts submission records. Recording the same document key again replaces the earlier
// state; it never produces a second record.
type Recorder interface {
	Record(ctx context.Context, r hacienda.SubmissionRecord) error
}

// Store is a Recorder that can be read back, used by resubmission and reconciliation.
type Store interface {
	Recorder
	Get(ctx context.Context, key string) (*hacienda.SubmissionRecord, error)
	// Pending lists records whose verdict is still open.
	Pending(ctx context.Context) ([]hacienda.SubmissionRecord, error)
}

// Fanout writes to a primary store and then to secondary publishers. A publisher failure is logged and
// returned, but the primary write stands.
type Fanout struct {
	Primary    Store
	Publishers []Recorder
}

func NewFanout(primary Store, publishers ...Recorder) *Fanout {
	return &Fanout{Primary: primary, Publishers: publishers}
}

func (f *Fanout) Record(ctx context.Context, r hacienda.SubmissionRecord) error {
	if err := f.Primary.Record(ctx, r); err != nil {
		return errors.Wrap(err, "record outcome")
	}
	var errs []error
	for _, p := range f.Publishers {
		if err := p.Record(ctx, r); err != nil {
			logger.WithField("key", r.DocumentKey).Warnf("publish outcome: %v", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "publish outcome")
	}
	return nil
}

func (f *Fanout) Get(ctx context.Context, key string) (*hacienda.SubmissionRecord, error) {
	return f.Primary.Get(ctx, key)
}

func (f *Fanout) Pending(ctx context.Context) ([]hacienda.SubmissionRecord, error) {
	return f.Primary.Pending(ctx)
}
