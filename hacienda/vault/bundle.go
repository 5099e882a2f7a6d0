package vault

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/alapierre/go-hacienda-client/hacienda/aes"
	"github.com/go-faster/errors"
	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pkcs12"
)

// decodeBundle turns bundle bytes into a credential. The returned error never contains key material.
func decodeBundle(format BundleFormat, data, password []byte) (*SigningCredential, error) {
	switch format {
	case FormatPEM, "":
		return decodePEM(data, password)
	case FormatP12:
		// pkcs12 takes the password as a string; the copy cannot be wiped
		blocks, err := pkcs12.ToPEM(data, string(password))
		if err != nil {
			return nil, errors.Wrap(err, "decode pkcs12")
		}
		defer func() {
			for _, b := range blocks {
				aes.Zero(b.Bytes)
			}
		}()
		return fromBlocks(blocks, nil)
	}
	return nil, errors.Errorf("unsupported bundle format %q", string(format))
}

func decodePEM(data, password []byte) (*SigningCredential, error) {
	var blocks []*pem.Block
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, block)
	}
	defer func() {
		for _, b := range blocks {
			if b.Type != "CERTIFICATE" {
				aes.Zero(b.Bytes)
			}
		}
	}()
	return fromBlocks(blocks, password)
}

func fromBlocks(blocks []*pem.Block, password []byte) (*SigningCredential, error) {
	var (
		key   crypto.Signer
		certs []*x509.Certificate
	)

	for _, block := range blocks {
		switch block.Type {
		case "ENCRYPTED PRIVATE KEY":
			if len(password) == 0 {
				return nil, errors.New("password is required for ENCRYPTED PRIVATE KEY")
			}
			k, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
			if err != nil {
				return nil, errors.Wrap(err, "decrypt PKCS#8 private key")
			}
			if key, err = asSigner(k); err != nil {
				return nil, err
			}
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			k, err := parsePlainKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if key, err = asSigner(k); err != nil {
				return nil, err
			}
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(err, "parse certificate")
			}
			certs = append(certs, c)
		}
	}

	if key == nil {
		return nil, errors.New("no private key in bundle")
	}
	if len(certs) == 0 {
		zeroKey(key)
		return nil, errors.New("no certificate in bundle")
	}

	cred := &SigningCredential{PrivateKey: key}
	for _, c := range certs {
		if cred.Certificate == nil && matchesKey(c, key) {
			cred.Certificate = c
			continue
		}
		cred.Chain = append(cred.Chain, c)
	}
	if cred.Certificate == nil {
		cred.Close()
		return nil, errors.New("no certificate matches the private key")
	}
	return cred, nil
}

// parsePlainKey accepts the encodings pkcs12.ToPEM and openssl produce.
func parsePlainKey(der []byte) (any, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := pkcs8.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return k, nil
}

func asSigner(k any) (crypto.Signer, error) {
	switch k := k.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	}
	return nil, errors.Errorf("unsupported key type %T (expected RSA or ECDSA)", k)
}

func matchesKey(c *x509.Certificate, key crypto.Signer) bool {
	pub, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return false
	}
	return bytes.Equal(pub, c.RawSubjectPublicKeyInfo)
}
