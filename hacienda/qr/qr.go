// Package qr renders the printable code of a document key, as placed on tickets and invoices.
package qr

import (
	"net/url"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/dockey"
	"github.com/go-faster/errors"
	"github.com/skip2/go-qrcode"
)

const DefaultSize = 300

// VerificationLink builds the public consult URL for key.
func VerificationLink(endpoints hacienda.Endpoints, key string) (string, error) {
	if _, err := dockey.Parse(key); err != nil {
		return "", err
	}
	u, err := url.Parse(endpoints.Consult)
	if err != nil {
		return "", errors.Wrap(err, "consult url")
	}
	q := u.Query()
	q.Set("clave", key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// KeyPNG encodes the verification link of key as a PNG of size pixels.
func KeyPNG(endpoints hacienda.Endpoints, key string, size int) ([]byte, error) {
	link, err := VerificationLink(endpoints, key)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultSize
	}
	return PNG(link, size)
}

func PNG(content string, size int) ([]byte, error) {
	b, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "encode qr")
	}
	return b, nil
}
