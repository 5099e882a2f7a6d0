package hacienda

import (
	"strings"

	"github.com/go-faster/errors"
)

type Environment int

const (
	Staging Environment = iota
	Prod
)

// Endpoints groups the authority URLs used by one environment. Clients take Endpoints rather than
// Environment so they can be pointed at a local fake.
type Endpoints struct {
	Reception string // base URL of the reception API, without trailing slash
	Token     string // IDP token endpoint
	Logout    string // IDP logout endpoint
	ClientID  string
	Consult   string // public page used to look up a document by key
}

func (e Environment) BaseURL() string {
	switch e {
	case Prod:
		return "https://api.comprobanteselectronicos.go.cr/recepcion/v1"
	case Staging:
		return "https://api-sandbox.comprobanteselectronicos.go.cr/recepcion/v1"
	}
	panic("Invalid environment")
}

func (e Environment) IDPBaseURL() string {
	switch e {
	case Prod:
		return "https://idp.comprobanteselectronicos.go.cr/auth/realms/rut/protocol/openid-connect"
	case Staging:
		return "https://idp.comprobanteselectronicos.go.cr/auth/realms/rut-stag/protocol/openid-connect"
	}
	panic("Invalid environment")
}

func (e Environment) ClientID() string {
	switch e {
	case Prod:
		return "api-prod"
	case Staging:
		return "api-stag"
	}
	panic("Invalid environment")
}

func (e Environment) Name() string {
	switch e {
	case Prod:
		return "prod"
	case Staging:
		return "staging"
	}
	panic("Invalid environment")
}

func (e Environment) String() string {
	return e.Name()
}

func (e Environment) Endpoints() Endpoints {
	return Endpoints{
		Reception: e.BaseURL(),
		Token:     e.IDPBaseURL() + "/token",
		Logout:    e.IDPBaseURL() + "/logout",
		ClientID:  e.ClientID(),
		Consult:   "https://www.hacienda.go.cr/ATV/ComprobanteElectronico/frmConsultaComprobante.aspx",
	}
}

func (e *Environment) UnmarshalText(text []byte) error {
	val := strings.ToLower(strings.TrimSpace(string(text)))

	switch val {
	case "prod", "production":
		*e = Prod
	case "staging", "stag", "sandbox":
		*e = Staging
	default:
		return errors.Errorf("invalid HACIENDA_ENV: %q (allowed: prod, staging)", val)
	}
	return nil
}
