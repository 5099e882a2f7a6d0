// Package dockey builds and parses the authority's 50-digit document key ("clave numérica").
//
// Layout:
//
//	506 | DDMMYY | issuer id (12) | branch (3) | terminal (5) | doc type (2) | consecutive (10) | situation (1) | security code (8)
//
// Branch, terminal, document type and consecutive together form the 20-digit consecutive number
// ("NumeroConsecutivo") that the document XML carries.
package dockey

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
)

const (
	Length         = 50
	CountryCode    = "506"
	MaxConsecutive = 9_999_999_999
	MaxBranch      = 999
	MaxTerminal    = 99_999

	securityCodeSpace = 100_000_000
)

// field offsets
const (
	offCountry     = 0
	offDate        = 3
	offIssuer      = 9
	offBranch      = 21
	offTerminal    = 24
	offType        = 29
	offConsecutive = 31
	offSituation   = 41
	offSecurity    = 42
)

type Key string

func (k Key) String() string { return string(k) }

func (k Key) Parts() (Parts, error) { return Parse(string(k)) }

// Input holds everything the key is derived from except the security code.
type Input struct {
	Issuer       hacienda.Issuer
	DocumentType hacienda.DocumentType
	Branch       int // point of sale / "sucursal"
	Terminal     int
	Consecutive  int64
	Date         time.Time
	Situation    hacienda.Situation // empty means Normal
}

// Parts are the structured fields of a key.
type Parts struct {
	Country        string
	Date           time.Time // midnight, authority time zone
	Identification string    // issuer identification without padding
	Branch         int
	Terminal       int
	DocumentType   hacienda.DocumentType
	Consecutive    int64
	Situation      hacienda.Situation
	SecurityCode   string
}

// Consecutive20 renders the 20-digit consecutive number of the document XML.
func (p Parts) Consecutive20() string {
	return fmt.Sprintf("%03d%05d%s%010d", p.Branch, p.Terminal, string(p.DocumentType), p.Consecutive)
}

// Builder draws security codes from Random, crypto/rand when nil.
type Builder struct {
	Random io.Reader
}

var defaultBuilder = Builder{}

// Build derives a new key; every call draws a fresh security code.
func Build(in Input) (Key, error) {
	return defaultBuilder.Build(in)
}

func (b Builder) Build(in Input) (Key, error) {
	const op = "dockey.Build"

	id, err := hacienda.NormalizeIdentification(in.Issuer.IdentificationType, in.Issuer.Identification)
	if err != nil {
		return "", hacienda.WrapError(hacienda.InvalidKeyInput, op, err, "issuer identification")
	}
	if !in.DocumentType.Valid() {
		return "", hacienda.Errorf(hacienda.InvalidKeyInput, op, "unknown document type %q", string(in.DocumentType))
	}
	if in.Consecutive < 1 || in.Consecutive > MaxConsecutive {
		return "", hacienda.Errorf(hacienda.InvalidKeyInput, op, "consecutive %d does not fit 10 digits", in.Consecutive)
	}
	if in.Branch < 0 || in.Branch > MaxBranch {
		return "", hacienda.Errorf(hacienda.InvalidKeyInput, op, "branch %d does not fit 3 digits", in.Branch)
	}
	if in.Terminal < 0 || in.Terminal > MaxTerminal {
		return "", hacienda.Errorf(hacienda.InvalidKeyInput, op, "terminal %d does not fit 5 digits", in.Terminal)
	}
	situation := in.Situation
	if situation == "" {
		situation = hacienda.Normal
	}
	if !situation.Valid() {
		return "", hacienda.Errorf(hacienda.InvalidKeyInput, op, "unknown situation %q", string(situation))
	}
	if in.Date.IsZero() {
		return "", hacienda.NewError(hacienda.InvalidKeyInput, op, "issue date is required")
	}
	date := in.Date.In(hacienda.Location())
	if y := date.Year(); y < 2000 || y > 2099 {
		return "", hacienda.Errorf(hacienda.InvalidKeyInput, op, "year %d does not fit 2 digits", y)
	}

	code, err := b.securityCode()
	if err != nil {
		return "", hacienda.WrapError(hacienda.Internal, op, err, "security code")
	}

	var sb strings.Builder
	sb.Grow(Length)
	sb.WriteString(CountryCode)
	sb.WriteString(date.Format("020106"))
	sb.WriteString(strings.Repeat("0", 12-len(id)))
	sb.WriteString(id)
	fmt.Fprintf(&sb, "%03d%05d", in.Branch, in.Terminal)
	sb.WriteString(string(in.DocumentType))
	fmt.Fprintf(&sb, "%010d", in.Consecutive)
	sb.WriteString(string(situation))
	sb.WriteString(code)

	if sb.Len() != Length {
		return "", hacienda.Errorf(hacienda.Internal, op, "built key has %d digits", sb.Len())
	}
	return Key(sb.String()), nil
}

func (b Builder) securityCode() (string, error) {
	r := b.Random
	if r == nil {
		r = rand.Reader
	}
	n, err := rand.Int(r, big.NewInt(securityCodeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

// Parse splits a well-formed key. Keys issued by other systems parse too: document types outside the
// known set are returned as raw codes.
func Parse(key string) (Parts, error) {
	const op = "dockey.Parse"

	if len(key) != Length {
		return Parts{}, hacienda.Errorf(hacienda.MalformedKey, op, "key has %d characters, want %d", len(key), Length)
	}
	for i := 0; i < len(key); i++ {
		if key[i] < '0' || key[i] > '9' {
			return Parts{}, hacienda.Errorf(hacienda.MalformedKey, op, "non-digit at position %d", i)
		}
	}
	if key[offCountry:offDate] != CountryCode {
		return Parts{}, hacienda.Errorf(hacienda.MalformedKey, op, "country code %s", key[offCountry:offDate])
	}

	day := atoi(key[offDate : offDate+2])
	month := atoi(key[offDate+2 : offDate+4])
	year := 2000 + atoi(key[offDate+4:offIssuer])
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, hacienda.Location())
	if date.Day() != day || int(date.Month()) != month {
		return Parts{}, hacienda.Errorf(hacienda.MalformedKey, op, "invalid date %s", key[offDate:offIssuer])
	}

	id := strings.TrimLeft(key[offIssuer:offBranch], "0")
	if id == "" {
		return Parts{}, hacienda.NewError(hacienda.MalformedKey, op, "empty issuer identification")
	}

	situation := hacienda.Situation(key[offSituation:offSecurity])

	return Parts{
		Country:        key[offCountry:offDate],
		Date:           date,
		Identification: id,
		Branch:         atoi(key[offBranch:offTerminal]),
		Terminal:       atoi(key[offTerminal:offType]),
		DocumentType:   hacienda.DocumentType(key[offType:offConsecutive]),
		Consecutive:    int64(atoi(key[offConsecutive:offSituation])),
		Situation:      situation,
		SecurityCode:   key[offSecurity:],
	}, nil
}

// atoi on a digit-only slice already validated by Parse.
func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
