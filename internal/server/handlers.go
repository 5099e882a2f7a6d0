package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/alapierre/go-hacienda-client/hacienda/dockey"
	"github.com/alapierre/go-hacienda-client/hacienda/issuance"
	"github.com/alapierre/go-hacienda-client/hacienda/outcome"
	"github.com/alapierre/go-hacienda-client/hacienda/qr"
	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
)

const maxBody = 1 << 20

type partyBody struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ActivityCode string `json:"activityCode,omitempty"`
}

type issueBody struct {
	CompanyID    string         `json:"companyId"`
	Issuer       partyBody      `json:"issuer"`
	Receiver     *partyBody     `json:"receiver,omitempty"`
	DocumentType string         `json:"documentType"`
	Branch       int            `json:"branch"`
	Terminal     int            `json:"terminal"`
	Situation    string         `json:"situation,omitempty"`
	IssuedAt     *time.Time     `json:"issuedAt,omitempty"`
	CallbackURL  string         `json:"callbackUrl,omitempty"`
	Data         map[string]any `json:"data"`
}

type resultBody struct {
	Verdict          string `json:"verdict"`
	Key              string `json:"key"`
	Consecutive      int64  `json:"consecutive"`
	AttemptID        string `json:"attemptId"`
	AuthorityMessage string `json:"authorityMessage,omitempty"`
	Indeterminate    bool   `json:"indeterminate,omitempty"`
}

type recordBody struct {
	Key               string     `json:"key"`
	AttemptID         string     `json:"attemptId"`
	CompanyID         string     `json:"companyId"`
	IssuerID          string     `json:"issuerId"`
	DocumentType      string     `json:"documentType"`
	Consecutive       int64      `json:"consecutive"`
	Verdict           string     `json:"verdict"`
	AuthorityMessage  string     `json:"authorityMessage,omitempty"`
	ErrorKind         string     `json:"errorKind,omitempty"`
	HTTPStatus        int        `json:"httpStatus,omitempty"`
	SignedPayloadHash string     `json:"signedPayloadHash,omitempty"`
	Escalated         bool       `json:"escalated,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	SubmittedAt       *time.Time `json:"submittedAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type keyBody struct {
	Key            string `json:"key"`
	Country        string `json:"country"`
	Date           string `json:"date"`
	Identification string `json:"identification"`
	Branch         int    `json:"branch"`
	Terminal       int    `json:"terminal"`
	DocumentType   string `json:"documentType"`
	Consecutive    int64  `json:"consecutive"`
	Consecutive20  string `json:"consecutive20"`
	Situation      string `json:"situation"`
	SecurityCode   string `json:"securityCode"`
}

type errorBody struct {
	Error            string      `json:"error"`
	Message          string      `json:"message"`
	AuthorityMessage string      `json:"authorityMessage,omitempty"`
	RequestID        string      `json:"requestId,omitempty"`
	Result           *resultBody `json:"result,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var body issueBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, r, hacienda.WrapError(hacienda.InvalidKeyInput, "server.Issue", err, "malformed request body"), nil)
		return
	}

	req := issuance.Request{
		CompanyID: body.CompanyID,
		Issuer: hacienda.Issuer{
			IdentificationType: hacienda.IdentificationType(body.Issuer.Type),
			Identification:     body.Issuer.ID,
			ActivityCode:       body.Issuer.ActivityCode,
			Name:               body.Issuer.Name,
		},
		DocumentType: hacienda.DocumentType(body.DocumentType),
		Branch:       body.Branch,
		Terminal:     body.Terminal,
		Situation:    hacienda.Situation(body.Situation),
		CallbackURL:  body.CallbackURL,
		Data:         body.Data,
	}
	if req.CallbackURL == "" {
		req.CallbackURL = s.callbackURL
	}
	if body.IssuedAt != nil {
		req.IssuedAt = *body.IssuedAt
	}
	if body.Receiver != nil {
		req.Receiver = &hacienda.Party{
			IdentificationType: hacienda.IdentificationType(body.Receiver.Type),
			Identification:     body.Receiver.ID,
			Name:               body.Receiver.Name,
		}
	}

	res, err := s.pipeline.Issue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, res)
		return
	}
	status := http.StatusCreated
	if !res.Verdict.Final() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toResult(res))
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipeline.Record(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toRecord(rec))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Refresh(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, toResult(res))
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Resubmit(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, toResult(res))
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := qr.KeyPNG(s.endpoints, chi.URLParam(r, "key"), min(queryInt(r, "size", qr.DefaultSize), 1024))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleParseKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	p, err := dockey.Parse(key)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, keyBody{
		Key:            key,
		Country:        p.Country,
		Date:           p.Date.Format("2006-01-02"),
		Identification: p.Identification,
		Branch:         p.Branch,
		Terminal:       p.Terminal,
		DocumentType:   string(p.DocumentType),
		Consecutive:    p.Consecutive,
		Consecutive20:  p.Consecutive20(),
		Situation:      string(p.Situation),
		SecurityCode:   p.SecurityCode,
	})
}

// statusOf maps an error kind to the HTTP status of the API.
func statusOf(err error) int {
	if errors.Is(err, outcome.ErrNotFound) {
		return http.StatusNotFound
	}
	switch hacienda.KindOf(err) {
	case hacienda.InvalidKeyInput, hacienda.MalformedKey:
		return http.StatusBadRequest
	case hacienda.AllocationConflict:
		return http.StatusConflict
	case hacienda.SubmissionRejected:
		return http.StatusUnprocessableEntity
	case hacienda.DecryptionFailed, hacienda.CertificateExpired, hacienda.AuthRejected, hacienda.SigningFailed:
		return http.StatusFailedDependency
	case hacienda.AuthUnavailable, hacienda.SubmissionIndeterminate:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, res *issuance.Result) {
	status := statusOf(err)
	kind := hacienda.KindOf(err)
	if status == http.StatusNotFound {
		kind = "not_found"
	}
	body := errorBody{
		Error:            string(kind),
		Message:          err.Error(),
		AuthorityMessage: hacienda.AuthorityMessageOf(err),
		RequestID:        requestIDFrom(r.Context()),
	}
	if res != nil {
		rb := toResult(res)
		body.Result = &rb
	}
	if status >= http.StatusInternalServerError {
		logger.WithField("request_id", body.RequestID).Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toResult(res *issuance.Result) resultBody {
	return resultBody{
		Verdict:          string(res.Verdict),
		Key:              res.Key,
		Consecutive:      res.Consecutive,
		AttemptID:        res.AttemptID,
		AuthorityMessage: res.AuthorityMessage,
		Indeterminate:    res.Indeterminate,
	}
}

func toRecord(rec *hacienda.SubmissionRecord) recordBody {
	b := recordBody{
		Key:               rec.DocumentKey,
		AttemptID:         rec.AttemptID,
		CompanyID:         rec.CompanyID,
		IssuerID:          rec.IssuerID,
		DocumentType:      string(rec.DocumentType),
		Consecutive:       rec.Consecutive,
		Verdict:           string(rec.Verdict),
		AuthorityMessage:  rec.AuthorityMessage,
		ErrorKind:         string(rec.ErrorKind),
		HTTPStatus:        rec.HTTPStatus,
		SignedPayloadHash: rec.SignedPayloadHash,
		Escalated:         rec.Escalated,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
	if !rec.SubmittedAt.IsZero() {
		b.SubmittedAt = &rec.SubmittedAt
	}
	return b
}
