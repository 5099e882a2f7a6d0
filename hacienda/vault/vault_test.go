package vault

import (
	"context"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/aes"
	"github.com/alapierre/go-hacienda-client/hacienda/testutil/certs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, m certs.Material, pin string) (*Vault, *StaticStore) {
	t.Helper()
	master, err := aes.GenerateKey()
	require.NoError(t, err)

	store := NewStaticStore()
	b, err := SealBundle(FormatPEM, m.PEMBundle(t, []byte(pin)), []byte(pin), master)
	require.NoError(t, err)
	store.PutBundle("acme", b)

	login, err := SealLogin("3101123456", "cpj-3-101-123456@stag.comprobanteselectronicos.go.cr", []byte("atv-secret"), master)
	require.NoError(t, err)
	store.PutLogin("acme", login)

	v, err := New(store, master, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return v, store
}

func TestWithSigningCredential(t *testing.T) {
	m := certs.RSA(t, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	v, _ := setup(t, m, "1234")

	var seen *SigningCredential
	err := v.WithSigningCredential(context.Background(), "acme", func(c *SigningCredential) error {
		seen = c
		assert.False(t, c.Closed())
		assert.Equal(t, m.Cert.Raw, c.Certificate.Raw)
		assert.Empty(t, c.Chain)
		assert.True(t, c.PrivateKey.(*rsa.PrivateKey).Equal(m.Key))

		tc := c.TLSCertificate()
		assert.Len(t, tc.Certificate, 1)
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.True(t, seen.Closed())
	assert.Zero(t, seen.PrivateKey.(*rsa.PrivateKey).D.Sign(), "private exponent must be wiped")
}

func TestWithSigningCredential_ZeroesOnCallbackError(t *testing.T) {
	m := certs.RSA(t, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	v, _ := setup(t, m, "1234")

	boom := hacienda.NewError(hacienda.SigningFailed, "test", "boom")
	var seen *SigningCredential
	err := v.WithSigningCredential(context.Background(), "acme", func(c *SigningCredential) error {
		seen = c
		return boom
	})
	assert.ErrorIs(t, err, hacienda.SigningFailed)
	assert.True(t, seen.Closed())
	assert.Zero(t, seen.PrivateKey.(*rsa.PrivateKey).D.Sign())
}

func TestWithSigningCredential_ZeroesOnPanic(t *testing.T) {
	m := certs.RSA(t, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	v, _ := setup(t, m, "1234")

	var seen *SigningCredential
	assert.Panics(t, func() {
		_ = v.WithSigningCredential(context.Background(), "acme", func(c *SigningCredential) error {
			seen = c
			panic("signer crashed")
		})
	})
	assert.True(t, seen.Closed())
}

func TestWithSigningCredential_Expired(t *testing.T) {
	m := certs.RSA(t, now.AddDate(-2, 0, 0), now.AddDate(0, 0, -1))
	v, _ := setup(t, m, "1234")

	called := false
	err := v.WithSigningCredential(context.Background(), "acme", func(*SigningCredential) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, hacienda.CertificateExpired)
	assert.Equal(t, hacienda.CertificateExpired, hacienda.KindOf(err))
	assert.False(t, called, "fn must not run with an expired certificate")
}

func TestWithSigningCredential_NotYetValid(t *testing.T) {
	m := certs.RSA(t, now.AddDate(0, 0, 1), now.AddDate(2, 0, 0))
	v, _ := setup(t, m, "1234")

	err := v.WithSigningCredential(context.Background(), "acme", func(*SigningCredential) error { return nil })
	assert.ErrorIs(t, err, hacienda.CertificateExpired)
}

func TestWithSigningCredential_WrongPassword(t *testing.T) {
	m := certs.RSA(t, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	v, store := setup(t, m, "1234")

	b, err := SealBundle(FormatPEM, m.PEMBundle(t, []byte("1234")), []byte("9999"), v.masterKey)
	require.NoError(t, err)
	store.PutBundle("acme", b)

	err = v.WithSigningCredential(context.Background(), "acme", func(*SigningCredential) error { return nil })
	assert.ErrorIs(t, err, hacienda.DecryptionFailed)
	assert.NotContains(t, err.Error(), "9999")
}

func TestWithSigningCredential_CorruptBundle(t *testing.T) {
	m := certs.RSA(t, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	v, store := setup(t, m, "1234")

	b, err := SealBundle(FormatPEM, []byte("not a bundle"), []byte("1234"), v.masterKey)
	require.NoError(t, err)
	store.PutBundle("acme", b)

	err = v.WithSigningCredential(context.Background(), "acme", func(*SigningCredential) error { return nil })
	assert.ErrorIs(t, err, hacienda.DecryptionFailed)
}

func TestWithSigningCredential_WrongMasterKey(t *testing.T) {
	m := certs.RSA(t, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	_, store := setup(t, m, "1234")

	other, _ := aes.GenerateKey()
	v, err := New(store, other, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	err = v.WithSigningCredential(context.Background(), "acme", func(*SigningCredential) error { return nil })
	assert.ErrorIs(t, err, hacienda.DecryptionFailed)
}

func TestWithSigningCredential_ECDSA(t *testing.T) {
	m := certs.ECDSA(t, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	v, _ := setup(t, m, "1234")

	err := v.WithSigningCredential(context.Background(), "acme", func(c *SigningCredential) error {
		assert.Equal(t, m.Cert.Raw, c.Certificate.Raw)
		return nil
	})
	assert.NoError(t, err)
}

func TestWithSigningCredential_UnknownCompany(t *testing.T) {
	m := certs.RSA(t, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	v, _ := setup(t, m, "1234")

	err := v.WithSigningCredential(context.Background(), "nobody", func(*SigningCredential) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorityCredentials(t *testing.T) {
	m := certs.RSA(t, now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0))
	v, _ := setup(t, m, "1234")

	c, err := v.AuthorityCredentials(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "3101123456", c.IssuerID)
	assert.Equal(t, []byte("atv-secret"), c.Password)
	assert.NotContains(t, c.String(), "atv-secret")

	c.Zero()
	assert.Equal(t, make([]byte, len("atv-secret")), c.Password)
}

func TestNew_RejectsShortMasterKey(t *testing.T) {
	_, err := New(NewStaticStore(), []byte("short"))
	assert.Error(t, err)
}
