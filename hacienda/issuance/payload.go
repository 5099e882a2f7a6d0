package issuance

import (
	"strings"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/reception"
	"github.com/beevik/etree"
)

// submissionFromPayload rebuilds the submission envelope of a stored record from its signed document,
// so a resubmission sends exactly what was signed.
func submissionFromPayload(rec hacienda.SubmissionRecord) (reception.Submission, error) {
	const op = "issuance.Resubmit"

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rec.SignedPayload); err != nil {
		return reception.Submission{}, hacienda.WrapError(hacienda.Internal, op, err, "stored payload is not XML")
	}
	root := doc.Root()
	if root == nil {
		return reception.Submission{}, hacienda.NewError(hacienda.Internal, op, "stored payload has no root element")
	}

	sub := reception.Submission{
		Key:        rec.DocumentKey,
		Date:       rec.CreatedAt.In(hacienda.Location()),
		IssuerID:   rec.IssuerID,
		IssuerType: guessIdentificationType(rec.IssuerID),
		SignedXML:  rec.SignedPayload,
	}

	if k := text(root, "Clave"); k != "" && k != rec.DocumentKey {
		return reception.Submission{}, hacienda.Errorf(hacienda.Internal, op, "stored payload carries key %s, record is %s", k, rec.DocumentKey)
	}
	if s := text(root, "FechaEmision"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			sub.Date = t
		}
	}
	if t := text(root, "Emisor/Identificacion/Tipo"); t != "" {
		sub.IssuerType = t
	}
	if n := text(root, "Emisor/Identificacion/Numero"); n != "" {
		sub.IssuerID = normalized(sub.IssuerType, n)
	}
	sub.ReceiverType = text(root, "Receptor/Identificacion/Tipo")
	sub.ReceiverID = normalized(sub.ReceiverType, text(root, "Receptor/Identificacion/Numero"))
	if sub.ReceiverID == "" {
		sub.ReceiverType = ""
	}
	return sub, nil
}

func text(root *etree.Element, path string) string {
	if el := root.FindElement(path); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

func normalized(t, id string) string {
	if n, err := hacienda.NormalizeIdentification(hacienda.IdentificationType(t), id); err == nil {
		return n
	}
	return id
}

// guessIdentificationType derives the type from the digit count. Ten digits are read as juridical.
func guessIdentificationType(id string) string {
	switch len(id) {
	case 9:
		return string(hacienda.Physical)
	case 10:
		return string(hacienda.Juridical)
	case 11, 12:
		return string(hacienda.DIMEX)
	}
	return ""
}
