package issuance

import (
	"context"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/auth"
	"github.com/alapierre/go-hacienda-client/hacienda/dockey"
	"github.com/alapierre/go-hacienda-client/hacienda/reception"
	"github.com/alapierre/go-hacienda-client/hacienda/sequence"
	"github.com/alapierre/go-hacienda-client/hacienda/vault"
)

// Request is one document to issue. Data is the business content (lines, totals, parties) handed to the
// Assembler untouched.
type Request struct {
	CompanyID    string
	Issuer       hacienda.Issuer
	Receiver     *hacienda.Party
	DocumentType hacienda.DocumentType
	Branch       int
	Terminal     int
	Situation    hacienda.Situation
	IssuedAt     time.Time
	CallbackURL  string
	Data         any
}

// Result is what the caller keeps: the verdict, the key the authority knows the document by, and the
// authority's message.
type Result struct {
	Verdict          hacienda.Verdict
	Key              string
	AuthorityMessage string
	Consecutive      int64
	AttemptID        string
	// Indeterminate is set when the submission outcome is unknown and the record awaits reconciliation.
	Indeterminate bool
}

// Document is the input of an Assembler.
type Document struct {
	Request
	Key           dockey.Key
	Parts         dockey.Parts
	Consecutive20 string
	IssuedAt      time.Time // in the authority's time zone
}

// Assembler renders the canonical, unsigned XML of a document. It is the boundary to the record keeping
// system that knows items and amounts.
type Assembler interface {
	Assemble(ctx context.Context, doc Document) ([]byte, error)
}

type Allocator interface {
	Next(ctx context.Context, scope sequence.Scope) (int64, error)
}

type Credentials interface {
	WithSigningCredential(ctx context.Context, companyID string, fn func(*vault.SigningCredential) error) error
	AuthorityCredentials(ctx context.Context, companyID string) (auth.Credentials, error)
}

type Tokens interface {
	Token(ctx context.Context, creds auth.Credentials) (*auth.Token, error)
}

type Reception interface {
	Submit(ctx context.Context, tokens reception.TokenSource, s reception.Submission) (*reception.Receipt, error)
	CheckStatus(ctx context.Context, tokens reception.TokenSource, key string) (*reception.Status, error)
}

// SignFunc signs a canonical document.
type SignFunc func(doc []byte, cred *vault.SigningCredential) ([]byte, error)

// PendingPolicy controls how long Issue waits for a verdict and when a pending document needs a human.
type PendingPolicy struct {
	PollInterval  time.Duration // pause between status queries
	PollWindow    time.Duration // total wait inside Issue, 0 returns pending right after submission
	EscalateAfter time.Duration // age after which the reconciler flags a pending record
}

func DefaultPendingPolicy() PendingPolicy {
	return PendingPolicy{
		PollInterval:  3 * time.Second,
		PollWindow:    30 * time.Second,
		EscalateAfter: 48 * time.Hour,
	}
}
