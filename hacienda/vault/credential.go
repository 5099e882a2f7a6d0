package vault

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"time"
)

// SigningCredential is a decrypted private key with its certificate chain. It is valid only inside the
// callback given to Vault.WithSigningCredential.
type SigningCredential struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate // intermediates, leaf excluded

	closed bool
}

// TLSCertificate adapts the credential to the form XML signing libraries take.
func (c *SigningCredential) TLSCertificate() tls.Certificate {
	chain := make([][]byte, 0, 1+len(c.Chain))
	chain = append(chain, c.Certificate.Raw)
	for _, ic := range c.Chain {
		chain = append(chain, ic.Raw)
	}
	return tls.Certificate{Certificate: chain, PrivateKey: c.PrivateKey, Leaf: c.Certificate}
}

func (c *SigningCredential) validAt(now time.Time) bool {
	return !now.Before(c.Certificate.NotBefore) && !now.After(c.Certificate.NotAfter)
}

func (c *SigningCredential) Closed() bool {
	return c.closed
}

// Close overwrites the private key material. It is safe to call more than once.
func (c *SigningCredential) Close() {
	if c.closed {
		return
	}
	c.closed = true
	zeroKey(c.PrivateKey)
}

func zeroKey(k any) {
	switch k := k.(type) {
	case *rsa.PrivateKey:
		zeroInt(k.D)
		for _, p := range k.Primes {
			zeroInt(p)
		}
		zeroInt(k.Precomputed.Dp)
		zeroInt(k.Precomputed.Dq)
		zeroInt(k.Precomputed.Qinv)
	case *ecdsa.PrivateKey:
		zeroInt(k.D)
	}
}

func zeroInt(i *big.Int) {
	if i == nil {
		return
	}
	words := i.Bits()
	for j := range words {
		words[j] = 0
	}
	i.SetInt64(0)
}
