// Package sequence allocates per-scope consecutive numbers. Every Store exposes one optimistic
// primitive; the Allocator retries lost races and never hands out the same value twice.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/dockey"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
)

// ErrConflict is returned by a Store when a concurrent writer won the race for the same scope.
var ErrConflict = errors.New("sequence: concurrent update")

// Scope identifies one counter: issuer, document type, branch and terminal.
type Scope struct {
	IssuerID     string
	DocumentType hacienda.DocumentType
	Branch       int
	Terminal     int
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s:%03d:%05d", s.IssuerID, s.DocumentType, s.Branch, s.Terminal)
}

func (s Scope) validate() error {
	switch {
	case s.IssuerID == "":
		return errors.New("issuer id is empty")
	case !s.DocumentType.Valid():
		return errors.Errorf("unknown document type %q", string(s.DocumentType))
	case s.Branch < 0 || s.Branch > dockey.MaxBranch:
		return errors.Errorf("branch %d out of range", s.Branch)
	case s.Terminal < 0 || s.Terminal > dockey.MaxTerminal:
		return errors.Errorf("terminal %d out of range", s.Terminal)
	}
	return nil
}

// Store persists counters.
type Store interface {
	// Increment atomically moves the counter of scope to last+1 and returns the new value. A lost race
	// must return ErrConflict and leave the counter untouched.
	Increment(ctx context.Context, scope Scope) (int64, error)
	// Peek returns the last value handed out, 0 for an unused scope.
	Peek(ctx context.Context, scope Scope) (int64, error)
}

type Option func(*Allocator)

// WithMaxAttempts bounds how many times a conflicting increment is tried.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay between conflicting attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(a *Allocator) {
		a.initial = initial
		a.max = max
	}
}

// WithConflictHook is called once per lost race, e.g. to count retries.
func WithConflictHook(fn func(Scope)) Option {
	return func(a *Allocator) {
		a.onConflict = fn
	}
}

type Allocator struct {
	store       Store
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	onConflict  func(Scope)
}

func NewAllocator(store Store, opts ...Option) *Allocator {
	a := &Allocator{
		store:       store,
		maxAttempts: 8,
		initial:     5 * time.Millisecond,
		max:         250 * time.Millisecond,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Next returns the next consecutive for scope. Conflicts are retried with exponential backoff; when the
// budget is spent the error has kind AllocationConflict and the caller may try again later.
func (a *Allocator) Next(ctx context.Context, scope Scope) (int64, error) {
	const op = "sequence.Next"

	if err := scope.validate(); err != nil {
		return 0, hacienda.WrapError(hacienda.InvalidKeyInput, op, err, "invalid scope")
	}

	l := hacienda.Logger(ctx, "hacienda.sequence").WithField("scope", scope.String())

	var value int64
	operation := func() error {
		v, err := a.store.Increment(ctx, scope)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		value = v
		return nil
	}
	notify := func(err error, d time.Duration) {
		l.Debugf("allocation conflict, retry in %s", d)
		if a.onConflict != nil {
			a.onConflict(scope)
		}
	}

	if err := backoff.RetryNotify(operation, a.policy(ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, errors.Wrap(ctxErr, "allocate consecutive")
		}
		if errors.Is(err, ErrConflict) {
			l.Warnf("allocation gave up after %d attempts", a.maxAttempts)
			return 0, hacienda.WrapError(hacienda.AllocationConflict, op, err,
				fmt.Sprintf("scope %s still contended after %d attempts", scope, a.maxAttempts))
		}
		return 0, errors.Wrap(err, "allocate consecutive")
	}

	if value < 1 || value > dockey.MaxConsecutive {
		return 0, hacienda.Errorf(hacienda.InvalidKeyInput, op, "consecutive %d exceeds %d", value, int64(dockey.MaxConsecutive))
	}

	l.WithField("consecutive", value).Debug("consecutive allocated")
	return value, nil
}

func (a *Allocator) Peek(ctx context.Context, scope Scope) (int64, error) {
	return a.store.Peek(ctx, scope)
}

func (a *Allocator) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initial
	b.MaxInterval = a.max
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.maxAttempts-1)), ctx)
}
