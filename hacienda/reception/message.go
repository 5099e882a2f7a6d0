package reception

import (
	"encoding/base64"
	"strings"

	"github.com/beevik/etree"
	"github.com/go-faster/errors"
)

// Message is the authority's signed verdict document (MensajeHacienda).
type Message struct {
	Key      string
	IssuerID string
	Code     string // 1 accepted, 3 rejected
	Detail   string
	TaxTotal string
	DocTotal string
	Raw      []byte
}

// ParseMessage decodes the base64 respuesta-xml field.
func ParseMessage(encoded string) (*Message, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "decode respuesta-xml")
	}

	d := etree.NewDocument()
	if err := d.ReadFromBytes(raw); err != nil {
		return nil, errors.Wrap(err, "parse respuesta-xml")
	}
	root := d.Root()
	if root == nil {
		return nil, errors.New("respuesta-xml is empty")
	}

	text := func(tag string) string {
		if el := root.SelectElement(tag); el != nil {
			return strings.TrimSpace(el.Text())
		}
		return ""
	}

	return &Message{
		Key:      text("Clave"),
		IssuerID: text("NumeroCedulaEmisor"),
		Code:     text("Mensaje"),
		Detail:   text("DetalleMensaje"),
		TaxTotal: text("MontoTotalImpuesto"),
		DocTotal: text("TotalFactura"),
		Raw:      raw,
	}, nil
}
