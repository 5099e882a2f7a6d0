package reception

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

func encodeSubmission(s Submission) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("clave")
	e.Str(s.Key)
	e.FieldStart("fecha")
	e.Str(s.Date.Format(time.RFC3339))
	e.FieldStart("emisor")
	encodeParty(&e, s.IssuerType, s.IssuerID)
	if s.ReceiverID != "" {
		e.FieldStart("receptor")
		encodeParty(&e, s.ReceiverType, s.ReceiverID)
	}
	if s.CallbackURL != "" {
		e.FieldStart("callbackUrl")
		e.Str(s.CallbackURL)
	}
	e.FieldStart("comprobanteXml")
	e.Base64(s.SignedXML)
	e.ObjEnd()
	return e.Bytes()
}

func encodeParty(e *jx.Encoder, idType, id string) {
	e.ObjStart()
	e.FieldStart("tipoIdentificacion")
	e.Str(idType)
	e.FieldStart("numeroIdentificacion")
	e.Str(id)
	e.ObjEnd()
}

type statusBody struct {
	Key         string
	Date        string
	State       string
	ResponseXML string
}

func decodeStatus(body []byte) (statusBody, error) {
	var s statusBody
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "clave":
			s.Key, err = d.Str()
		case "fecha":
			s.Date, err = d.Str()
		case "ind-estado":
			s.State, err = d.Str()
		case "respuesta-xml":
			s.ResponseXML, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return s, errors.Wrap(err, "decode status response")
	}
	return s, nil
}
