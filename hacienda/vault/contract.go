package vault

import (
	"context"
	"sync"

	"github.com/alapierre/go-hacienda-client/hacienda/aes"
	"github.com/go-faster/errors"
)

type BundleFormat string

const (
	FormatPEM BundleFormat = "pem" // ENCRYPTED PRIVATE KEY plus CERTIFICATE blocks
	FormatP12 BundleFormat = "p12" // PKCS#12 as issued by the authority
)

// Bundle is the signing material as kept by the company record store. Data stays encrypted by its own
// password; the password is sealed with the vault master key.
type Bundle struct {
	Format         BundleFormat
	Data           []byte
	SealedPassword []byte
}

// Login is the issuer's ATV account for the authority's identity provider.
type Login struct {
	IssuerID       string
	Username       string
	SealedPassword []byte
}

// CredentialStore is the boundary to the company record store.
type CredentialStore interface {
	SigningBundle(ctx context.Context, companyID string) (*Bundle, error)
	AuthorityLogin(ctx context.Context, companyID string) (*Login, error)
}

var ErrNotFound = errors.New("vault: no credentials for company")

// StaticStore is an in-memory CredentialStore for the CLI and tests.
type StaticStore struct {
	mu      sync.RWMutex
	bundles map[string]*Bundle
	logins  map[string]*Login
}

func NewStaticStore() *StaticStore {
	return &StaticStore{bundles: map[string]*Bundle{}, logins: map[string]*Login{}}
}

func (s *StaticStore) PutBundle(companyID string, b *Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[companyID] = b
}

func (s *StaticStore) PutLogin(companyID string, l *Login) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins[companyID] = l
}

func (s *StaticStore) SigningBundle(_ context.Context, companyID string) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[companyID]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, companyID)
	}
	return b, nil
}

func (s *StaticStore) AuthorityLogin(_ context.Context, companyID string) (*Login, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logins[companyID]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, companyID)
	}
	return l, nil
}

// SealBundle prepares a Bundle for storage, sealing password with masterKey.
func SealBundle(format BundleFormat, data, password, masterKey []byte) (*Bundle, error) {
	sealed, err := aes.Seal(password, masterKey)
	if err != nil {
		return nil, errors.Wrap(err, "seal bundle password")
	}
	return &Bundle{Format: format, Data: data, SealedPassword: sealed}, nil
}

// SealLogin prepares a Login for storage.
func SealLogin(issuerID, username string, password, masterKey []byte) (*Login, error) {
	sealed, err := aes.Seal(password, masterKey)
	if err != nil {
		return nil, errors.Wrap(err, "seal login password")
	}
	return &Login{IssuerID: issuerID, Username: username, SealedPassword: sealed}, nil
}
