package issuance

import (
	"context"
	"net/http"
	"sync"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Checked     int
	Settled     int // reached accepted or rejected
	Resubmitted int
	Escalated   int
	Skipped     int // locked by another caller or no longer pending
	Failed      int // status query or resubmission failed, record untouched
}

type ReconcilerOption func(*Reconciler)

// WithParallelism bounds the records checked at once.
func WithParallelism(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// Reconciler settles pending records: it asks the authority for their verdict, resubmits stored payloads
// the authority never saw, and flags records pending for too long. It never rejects on its own.
type Reconciler struct {
	o           *Orchestrator
	parallelism int
}

func NewReconciler(o *Orchestrator, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{o: o, parallelism: 4}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	pending, err := r.o.d.Outcomes.Pending(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list pending records")
	}

	var (
		mu     sync.Mutex
		report Report
	)
	count := func(f func(*Report)) {
		mu.Lock()
		f(&report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, rec := range pending {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			r.reconcile(gctx, rec.DocumentKey, count)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &report, err
	}
	logger.WithFields(logrus.Fields{
		"checked":     report.Checked,
		"settled":     report.Settled,
		"resubmitted": report.Resubmitted,
		"escalated":   report.Escalated,
	}).Info("reconciliation done")
	return &report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, key string, count func(func(*Report))) {
	o := r.o
	if !o.locks.TryLock(key) {
		count(func(rp *Report) { rp.Skipped++ })
		return
	}
	defer o.locks.Unlock(key)

	cur, err := o.d.Outcomes.Get(ctx, key)
	if err != nil || cur.Verdict != hacienda.Pending {
		count(func(rp *Report) { rp.Skipped++ })
		return
	}
	count(func(rp *Report) { rp.Checked++ })
	log := hacienda.Logger(hacienda.Context(ctx, cur.IssuerID), component).WithField("key", key)

	updated, st, err := o.refresh(ctx, *cur)
	switch {
	case err != nil:
		log.Warnf("status query failed: %v", err)
		count(func(rp *Report) { rp.Failed++ })
	case updated.Verdict.Final():
		log.WithField("verdict", updated.Verdict).Info("pending record settled")
		o.metrics.reconciled(string(updated.Verdict))
		count(func(rp *Report) { rp.Settled++ })
		return
	case st.HTTPStatus == http.StatusNotFound && cur.ErrorKind == hacienda.SubmissionIndeterminate:
		// the authority has not seen the key: the earlier submission never arrived
		res, err := o.resubmit(ctx, key)
		if err != nil {
			log.Warnf("resubmission failed: %v", err)
			count(func(rp *Report) { rp.Failed++ })
			break
		}
		count(func(rp *Report) { rp.Resubmitted++ })
		if res.Verdict.Final() {
			o.metrics.reconciled(string(res.Verdict))
			count(func(rp *Report) { rp.Settled++ })
			return
		}
	}
	o.metrics.reconciled(string(hacienda.Pending))

	if cur.Escalated || o.policy.EscalateAfter <= 0 || o.now().Sub(cur.CreatedAt) < o.policy.EscalateAfter {
		return
	}
	latest, err := o.d.Outcomes.Get(ctx, key)
	if err != nil || latest.Verdict != hacienda.Pending {
		return
	}
	latest.Escalated = true
	if err := o.record(ctx, *latest); err != nil {
		log.Errorf("cannot flag record: %v", err)
		return
	}
	o.metrics.escalated()
	log.Warnf("document pending since %s, needs operator attention", cur.CreatedAt.Format("2006-01-02 15:04"))
	count(func(rp *Report) { rp.Escalated++ })
}
