// Package certs builds throw-away signing material for tests.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/youmark/pkcs8"
)

type Material struct {
	Key  crypto.Signer
	Cert *x509.Certificate
}

// RSA returns a 2048-bit key with a self-signed certificate valid in [notBefore, notAfter].
func RSA(t testing.TB, notBefore, notAfter time.Time) Material {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return Material{Key: key, Cert: selfSigned(t, key, notBefore, notAfter)}
}

// ECDSA returns a P-256 key with a self-signed certificate.
func ECDSA(t testing.TB, notBefore, notAfter time.Time) Material {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	return Material{Key: key, Cert: selfSigned(t, key, notBefore, notAfter)}
}

// PEMBundle encodes the key as ENCRYPTED PRIVATE KEY under password, followed by the certificate.
func (m Material) PEMBundle(t testing.TB, password []byte) []byte {
	t.Helper()
	der, err := pkcs8.MarshalPrivateKey(m.Key, password, nil)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})
	return append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.Cert.Raw})...)
}

func selfSigned(t testing.TB, key crypto.Signer, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "PERSONA JURIDICA DE PRUEBA",
			Country:      []string{"CR"},
			SerialNumber: "CPJ-3-101-123456",
		},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}
