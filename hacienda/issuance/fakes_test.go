package issuance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/aes"
	"github.com/alapierre/go-hacienda-client/hacienda/auth"
	"github.com/alapierre/go-hacienda-client/hacienda/outcome"
	"github.com/alapierre/go-hacienda-client/hacienda/reception"
	"github.com/alapierre/go-hacienda-client/hacienda/sequence"
	"github.com/alapierre/go-hacienda-client/hacienda/testutil/certs"
	"github.com/alapierre/go-hacienda-client/hacienda/vault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const invoiceTemplate = `<?xml version="1.0" encoding="utf-8"?>
<FacturaElectronica xmlns="https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/facturaElectronica">
<Clave>{{.Key}}</Clave>
<CodigoActividadEmisor>{{.Issuer.ActivityCode}}</CodigoActividadEmisor>
<NumeroConsecutivo>{{.Consecutive20}}</NumeroConsecutivo>
<FechaEmision>{{rfc3339 .IssuedAt}}</FechaEmision>
<Emisor><Nombre>{{xml .Issuer.Name}}</Nombre><Identificacion><Tipo>{{.Issuer.IdentificationType}}</Tipo><Numero>{{.Issuer.ID}}</Numero></Identificacion></Emisor>
{{- with .Receiver}}
<Receptor><Nombre>{{xml .Name}}</Nombre><Identificacion><Tipo>{{.IdentificationType}}</Tipo><Numero>{{.Identification}}</Numero></Identificacion></Receptor>
{{- end}}
<ResumenFactura><TotalComprobante>{{money .Data.Total}}</TotalComprobante></ResumenFactura>
</FacturaElectronica>`

type lines struct {
	Total float64
}

var issuer = hacienda.Issuer{
	IdentificationType: hacienda.Juridical,
	Identification:     "3-101-123456",
	ActivityCode:       "722003",
	Name:               "Soluciones & Servicios S.A.",
}

func request() Request {
	return Request{
		CompanyID:    "acme",
		Issuer:       issuer,
		Receiver:     &hacienda.Party{IdentificationType: hacienda.Physical, Identification: "1-0234-0567", Name: "Ana Mora"},
		DocumentType: hacienda.Invoice,
		Branch:       1,
		Terminal:     1,
		IssuedAt:     time.Now(),
		Data:         lines{Total: 11300},
	}
}

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (f *fakeTokens) Token(_ context.Context, creds auth.Credentials) (*auth.Token, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return nil, err
		}
	}
	return &auth.Token{AccessToken: "token-" + creds.IssuerID, ExpiresAt: time.Now().Add(5 * time.Minute)}, nil
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeReception scripts the authority. submit and status get the 1-based call number.
type fakeReception struct {
	mu          sync.Mutex
	submit      func(n int, s reception.Submission) (*reception.Receipt, error)
	status      func(n int, key string) (*reception.Status, error)
	submissions []reception.Submission
	statusCalls int
}

func (f *fakeReception) Submit(ctx context.Context, tokens reception.TokenSource, s reception.Submission) (*reception.Receipt, error) {
	if _, err := tokens.Bearer(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.submissions = append(f.submissions, s)
	n := len(f.submissions)
	f.mu.Unlock()
	if f.submit == nil {
		return &reception.Receipt{Key: s.Key, HTTPStatus: 202, Attempts: 1}, nil
	}
	return f.submit(n, s)
}

func (f *fakeReception) CheckStatus(ctx context.Context, tokens reception.TokenSource, key string) (*reception.Status, error) {
	if _, err := tokens.Bearer(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.statusCalls++
	n := f.statusCalls
	f.mu.Unlock()
	if f.status == nil {
		return &reception.Status{Key: key, State: "aceptado", Verdict: hacienda.Accepted, HTTPStatus: 200}, nil
	}
	return f.status(n, key)
}

func (f *fakeReception) sent() []reception.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reception.Submission(nil), f.submissions...)
}

type fixture struct {
	o         *Orchestrator
	material  certs.Material
	counters  *sequence.MemoryStore
	allocator *sequence.Allocator
	records   *outcome.MemoryStore
	tokens    *fakeTokens
	reception *fakeReception
	metrics   *Metrics
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	material  *certs.Material
	assembler Assembler
	opts      []Option
}

func withMaterial(m certs.Material) fixtureOption {
	return func(c *fixtureConfig) { c.material = &m }
}

func withAssembler(a Assembler) fixtureOption {
	return func(c *fixtureConfig) { c.assembler = a }
}

func withOptions(opts ...Option) fixtureOption {
	return func(c *fixtureConfig) { c.opts = append(c.opts, opts...) }
}

func newFixture(t *testing.T, fopts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{assembler: TemplateAssembler{Template: invoiceTemplate}}
	for _, o := range fopts {
		o(&cfg)
	}
	m := certs.RSA(t, time.Now().AddDate(-1, 0, 0), time.Now().AddDate(1, 0, 0))
	if cfg.material != nil {
		m = *cfg.material
	}

	master, err := aes.GenerateKey()
	require.NoError(t, err)
	store := vault.NewStaticStore()
	bundle, err := vault.SealBundle(vault.FormatPEM, m.PEMBundle(t, []byte("1234")), []byte("1234"), master)
	require.NoError(t, err)
	store.PutBundle("acme", bundle)
	login, err := vault.SealLogin("3101123456", "cpj-3-101-123456@stag.comprobanteselectronicos.go.cr", []byte("atv-secret"), master)
	require.NoError(t, err)
	store.PutLogin("acme", login)
	v, err := vault.New(store, master)
	require.NoError(t, err)

	f := &fixture{
		material:  m,
		counters:  sequence.NewMemoryStore(),
		records:   outcome.NewMemoryStore(),
		tokens:    &fakeTokens{},
		reception: &fakeReception{},
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	f.allocator = sequence.NewAllocator(f.counters)

	opts := append([]Option{
		WithMetrics(f.metrics),
		WithRetries(3, time.Millisecond),
		WithPendingPolicy(PendingPolicy{PollInterval: time.Millisecond, PollWindow: time.Second, EscalateAfter: 48 * time.Hour}),
	}, cfg.opts...)

	f.o, err = New(Dependencies{
		Allocator:   f.allocator,
		Credentials: v,
		Tokens:      f.tokens,
		Reception:   f.reception,
		Assembler:   cfg.assembler,
		Outcomes:    f.records,
	}, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) scope() sequence.Scope {
	return sequence.Scope{IssuerID: "3101123456", DocumentType: hacienda.Invoice, Branch: 1, Terminal: 1}
}

func (f *fixture) allocated(t *testing.T) int64 {
	t.Helper()
	n, err := f.allocator.Peek(context.Background(), f.scope())
	require.NoError(t, err)
	return n
}

type allocatorFunc func(ctx context.Context, scope sequence.Scope) (int64, error)

func (f allocatorFunc) Next(ctx context.Context, scope sequence.Scope) (int64, error) {
	return f(ctx, scope)
}
