// Package signer adds an enveloped XML signature to a canonical document.
//
// The signature is computed over the parsed tree but inserted into the original bytes just before the
// root's closing tag, so the document outside the ds:Signature block is returned byte for byte. A
// self-closing root is the exception: it is expanded into a start and end tag to hold the signature.
package signer

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/xml"
	"io"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/vault"
	"github.com/beevik/etree"
	"github.com/go-faster/errors"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "hacienda.signer")

var ErrInvalidSignature = errors.New("signer: signature does not verify")

// Sign returns doc with an enveloped RSA-SHA256 signature over the whole document, carrying the signing
// certificate chain in KeyInfo. Identical input produces identical output.
func Sign(doc []byte, cred *vault.SigningCredential) ([]byte, error) {
	const op = "signer.Sign"

	if cred == nil || cred.Closed() || cred.Certificate == nil {
		return nil, hacienda.NewError(hacienda.SigningFailed, op, "no usable signing credential")
	}
	if _, ok := cred.PrivateKey.(*rsa.PrivateKey); !ok {
		return nil, hacienda.Errorf(hacienda.SigningFailed, op, "unsupported key type %T, RSA required", cred.PrivateKey)
	}

	d := etree.NewDocument()
	if err := d.ReadFromBytes(doc); err != nil {
		return nil, hacienda.WrapError(hacienda.SigningFailed, op, err, "parse document")
	}
	root := d.Root()
	if root == nil {
		return nil, hacienda.NewError(hacienda.SigningFailed, op, "document has no root element")
	}
	if findSignature(root) != nil {
		return nil, hacienda.NewError(hacienda.SigningFailed, op, "document is already signed")
	}

	end, err := rootEnd(doc)
	if err != nil {
		return nil, hacienda.WrapError(hacienda.SigningFailed, op, err, "locate root end")
	}

	ctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(cred.TLSCertificate()))
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	if err := ctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, hacienda.WrapError(hacienda.SigningFailed, op, err, "signature method")
	}

	signed, err := ctx.SignEnveloped(root)
	if err != nil {
		return nil, hacienda.WrapError(hacienda.SigningFailed, op, err, "sign document")
	}
	sig := findSignature(signed)
	if sig == nil {
		return nil, hacienda.NewError(hacienda.SigningFailed, op, "signature element missing")
	}

	sd := etree.NewDocument()
	sd.SetRoot(sig.Copy())
	block, err := sd.WriteToBytes()
	if err != nil {
		return nil, hacienda.WrapError(hacienda.SigningFailed, op, err, "serialize signature")
	}

	out := make([]byte, 0, len(doc)+len(block)+len(end.name)+4)
	if end.selfClosing {
		out = append(out, doc[:end.offset-len("/>")]...)
		out = append(out, '>')
		out = append(out, block...)
		out = append(out, "</"+end.name+">"...)
		out = append(out, doc[end.after:]...)
	} else {
		out = append(out, doc[:end.offset]...)
		out = append(out, block...)
		out = append(out, doc[end.offset:]...)
	}

	// the splice must never hand out a document that does not verify
	if err := verify(out, cred.Certificate, dsig.NewFakeClockAt(cred.Certificate.NotBefore)); err != nil {
		return nil, hacienda.WrapError(hacienda.SigningFailed, op, err, "signed output does not verify")
	}

	logger.WithField("root", root.Tag).Debugf("document signed, %d signature bytes", len(block))
	return out, nil
}

// Verify checks the enveloped signature of signed against cert at the current time.
func Verify(signed []byte, cert *x509.Certificate) error {
	return verify(signed, cert, dsig.NewRealClock())
}

// VerifyAt checks the signature as if the current time were at.
func VerifyAt(signed []byte, cert *x509.Certificate, at time.Time) error {
	return verify(signed, cert, dsig.NewFakeClockAt(at))
}

// Verified reports whether Verify succeeds.
func Verified(signed []byte, cert *x509.Certificate) bool {
	return Verify(signed, cert) == nil
}

func verify(signed []byte, cert *x509.Certificate, clock *dsig.Clock) error {
	if cert == nil {
		return errors.New("signer: no certificate to verify against")
	}
	d := etree.NewDocument()
	if err := d.ReadFromBytes(signed); err != nil {
		return errors.Wrap(err, "parse signed document")
	}
	if d.Root() == nil {
		return errors.New("signer: document has no root element")
	}

	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	vctx.Clock = clock

	if _, err := vctx.Validate(d.Root()); err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	return nil
}

// Digest is the hash recorded as signedPayloadHash.
func Digest(signed []byte) string {
	return hacienda.SHA256Hex(signed)
}

func findSignature(el *etree.Element) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == "Signature" && c.NamespaceURI() == dsig.Namespace {
			return c
		}
	}
	return nil
}

type rootBounds struct {
	name        string // qualified name as written
	offset      int    // start of the closing tag, or just past the "/>" of a self-closing root
	after       int    // first byte past the root element
	selfClosing bool
}

// rootEnd tokenizes doc to find where the root element ends. Comments and processing instructions after
// the root are skipped by the tokenizer, so text inside them is never taken for the closing tag.
func rootEnd(doc []byte) (rootBounds, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var (
		depth int
		name  string
	)
	for {
		before := int(dec.InputOffset())
		tok, err := dec.RawToken()
		if err == io.EOF {
			return rootBounds{}, errors.New("root element not closed")
		}
		if err != nil {
			return rootBounds{}, errors.Wrap(err, "tokenize document")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				name = qualified(t.Name)
			}
			depth++
		case xml.EndElement:
			depth--
			if depth > 0 {
				continue
			}
			after := int(dec.InputOffset())
			if after == before {
				// a self-closing tag yields an end token without consuming input
				return rootBounds{name: name, offset: before, after: after, selfClosing: true}, nil
			}
			return rootBounds{name: name, offset: before, after: after}, nil
		}
	}
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
