// Package vault hands out decrypted signing credentials for the shortest possible time.
//
// Private keys exist only while the callback passed to WithSigningCredential runs; the key material,
// the opened password and any decrypted DER bytes are wiped on every exit path.
package vault

import (
	"context"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/aes"
	"github.com/alapierre/go-hacienda-client/hacienda/auth"
	"github.com/go-faster/errors"
)

type Vault struct {
	store     CredentialStore
	masterKey []byte
	now       func() time.Time
}

type Option func(*Vault)

// WithClock replaces time.Now for certificate validity checks.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

func New(store CredentialStore, masterKey []byte, opts ...Option) (*Vault, error) {
	if len(masterKey) != aes.KeySize {
		return nil, errors.Errorf("vault master key must have %d bytes", aes.KeySize)
	}
	v := &Vault{store: store, masterKey: masterKey, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// WithSigningCredential decrypts the company's signing bundle, checks the certificate is valid now and
// runs fn with it. Errors: DecryptionFailed for a wrong password or corrupt bundle, CertificateExpired
// when the certificate is outside its validity window.
func (v *Vault) WithSigningCredential(ctx context.Context, companyID string, fn func(*SigningCredential) error) error {
	const op = "vault.WithSigningCredential"
	l := hacienda.Logger(ctx, "hacienda.vault").WithField("company", companyID)

	bundle, err := v.store.SigningBundle(ctx, companyID)
	if err != nil {
		return errors.Wrap(err, "load signing bundle")
	}

	password, err := aes.Open(bundle.SealedPassword, v.masterKey)
	if err != nil {
		return hacienda.WrapError(hacienda.DecryptionFailed, op, err, "open certificate password")
	}
	defer aes.Zero(password)

	cred, err := decodeBundle(bundle.Format, bundle.Data, password)
	if err != nil {
		l.Warnf("signing bundle could not be decrypted: %v", err)
		return hacienda.WrapError(hacienda.DecryptionFailed, op, err, "decrypt signing bundle")
	}
	defer cred.Close()

	if now := v.now(); !cred.validAt(now) {
		l.WithField("not_after", cred.Certificate.NotAfter).Warn("signing certificate is not valid")
		return hacienda.Errorf(hacienda.CertificateExpired, op, "certificate %s valid from %s to %s, now %s",
			cred.Certificate.SerialNumber, cred.Certificate.NotBefore.Format(time.RFC3339),
			cred.Certificate.NotAfter.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	l.Debug("signing credential opened")
	return fn(cred)
}

// AuthorityCredentials returns the company's ATV login with the password opened. The caller owns the
// result and should Zero it after use.
func (v *Vault) AuthorityCredentials(ctx context.Context, companyID string) (auth.Credentials, error) {
	const op = "vault.AuthorityCredentials"

	login, err := v.store.AuthorityLogin(ctx, companyID)
	if err != nil {
		return auth.Credentials{}, errors.Wrap(err, "load authority login")
	}
	password, err := aes.Open(login.SealedPassword, v.masterKey)
	if err != nil {
		return auth.Credentials{}, hacienda.WrapError(hacienda.DecryptionFailed, op, err, "open authority password")
	}
	return auth.Credentials{IssuerID: login.IssuerID, Username: login.Username, Password: password}, nil
}
