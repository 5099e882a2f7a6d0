package hacienda

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

type IdentificationType string

const (
	Physical  IdentificationType = "01"
	Juridical IdentificationType = "02"
	DIMEX     IdentificationType = "03"
	NITE      IdentificationType = "04"
)

// Lengths returns the accepted digit counts for the identification type.
func (t IdentificationType) Lengths() []int {
	switch t {
	case Physical:
		return []int{9}
	case Juridical, NITE:
		return []int{10}
	case DIMEX:
		return []int{11, 12}
	}
	return nil
}

func (t IdentificationType) Valid() bool {
	return t.Lengths() != nil
}

// NormalizeIdentification strips separators ("3-101-123456") and checks the digit count for t.
func NormalizeIdentification(t IdentificationType, id string) (string, error) {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == ' ' || r == '.':
		default:
			return "", errors.Errorf("identification %q contains %q", id, r)
		}
	}
	digits := b.String()

	lengths := t.Lengths()
	if lengths == nil {
		return "", errors.Errorf("unknown identification type %q", string(t))
	}
	for _, l := range lengths {
		if len(digits) == l {
			return digits, nil
		}
	}
	return "", errors.Errorf("identification type %s requires %v digits, got %d", string(t), lengths, len(digits))
}

// Issuer is the tax identity sending a document. It comes from the company record and does not change
// during an issuance.
type Issuer struct {
	IdentificationType IdentificationType
	Identification     string
	ActivityCode       string
	Name               string
}

// ID is the normalized identification, used as cache and counter scope key.
func (i Issuer) ID() string {
	if n, err := NormalizeIdentification(i.IdentificationType, i.Identification); err == nil {
		return n
	}
	return i.Identification
}

// Party is the optional receiver of a document.
type Party struct {
	IdentificationType IdentificationType
	Identification     string
	Name               string
}

type DocumentType string

const (
	Invoice             DocumentType = "01"
	DebitNote           DocumentType = "02"
	CreditNote          DocumentType = "03"
	Ticket              DocumentType = "04"
	AcceptanceConfirmed DocumentType = "05"
	AcceptancePartial   DocumentType = "06"
	AcceptanceRejected  DocumentType = "07"
	PurchaseInvoice     DocumentType = "08"
	ExportInvoice       DocumentType = "09"
)

var documentTypeNames = map[DocumentType]string{
	Invoice:             "FacturaElectronica",
	DebitNote:           "NotaDebitoElectronica",
	CreditNote:          "NotaCreditoElectronica",
	Ticket:              "TiqueteElectronico",
	AcceptanceConfirmed: "MensajeReceptor",
	AcceptancePartial:   "MensajeReceptor",
	AcceptanceRejected:  "MensajeReceptor",
	PurchaseInvoice:     "FacturaElectronicaCompra",
	ExportInvoice:       "FacturaElectronicaExportacion",
}

// DocumentTypes lists the known document types in code order.
func DocumentTypes() []DocumentType {
	return []DocumentType{Invoice, DebitNote, CreditNote, Ticket, AcceptanceConfirmed, AcceptancePartial,
		AcceptanceRejected, PurchaseInvoice, ExportInvoice}
}

func (d DocumentType) Valid() bool {
	_, ok := documentTypeNames[d]
	return ok
}

// RootElement is the XML root element name of the document type.
func (d DocumentType) RootElement() string {
	return documentTypeNames[d]
}

type Situation string

const (
	Normal      Situation = "1"
	Contingency Situation = "2"
	NoInternet  Situation = "3"
)

func (s Situation) Valid() bool {
	return s == Normal || s == Contingency || s == NoInternet
}

type Verdict string

const (
	Accepted Verdict = "accepted"
	Rejected Verdict = "rejected"
	Pending  Verdict = "pending"
	// Failed marks an attempt that consumed its consecutive but never reached the authority's verdict.
	Failed Verdict = "failed"
)

func (v Verdict) Final() bool {
	return v == Accepted || v == Rejected
}

// SubmissionRecord is the outcome of one issuance attempt. Sinks key it by DocumentKey; writing the same
// key again replaces the previous state.
type SubmissionRecord struct {
	AttemptID         string
	DocumentKey       string
	CompanyID         string
	IssuerID          string
	DocumentType      DocumentType
	Consecutive       int64
	SignedPayloadHash string
	SignedPayload     []byte // kept while the verdict is open so the same bytes can be resubmitted
	HTTPStatus        int
	Verdict           Verdict
	AuthorityMessage  string
	ErrorKind         Kind
	Escalated         bool

	CreatedAt   time.Time
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Location is the authority's civil time zone; key dates and document timestamps use it.
func Location() *time.Location {
	if loc, err := time.LoadLocation("America/Costa_Rica"); err == nil {
		return loc
	}
	return time.FixedZone("CST", -6*60*60)
}
