package outcome

import (
	"context"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	upsertRecordSQL = `INSERT INTO submission_records (
    document_key, attempt_id, company_id, issuer_id, document_type, consecutive, signed_payload_hash,
    signed_payload, http_status, verdict, authority_message, error_kind, escalated, created_at,
    submitted_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (document_key) DO UPDATE SET
    attempt_id = EXCLUDED.attempt_id,
    signed_payload_hash = EXCLUDED.signed_payload_hash,
    signed_payload = EXCLUDED.signed_payload,
    http_status = EXCLUDED.http_status,
    verdict = EXCLUDED.verdict,
    authority_message = EXCLUDED.authority_message,
    error_kind = EXCLUDED.error_kind,
    escalated = EXCLUDED.escalated,
    submitted_at = COALESCE(EXCLUDED.submitted_at, submission_records.submitted_at),
    updated_at = EXCLUDED.updated_at`

	selectRecordSQL = `SELECT document_key, attempt_id, company_id, issuer_id, document_type, consecutive,
    signed_payload_hash, signed_payload, http_status, verdict, authority_message, error_kind, escalated,
    created_at, submitted_at, updated_at
FROM submission_records`
)

// PostgresStore keeps records in submission_records, one row per document key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Record(ctx context.Context, r hacienda.SubmissionRecord) error {
	var submitted *time.Time
	if !r.SubmittedAt.IsZero() {
		submitted = &r.SubmittedAt
	}
	_, err := s.pool.Exec(ctx, upsertRecordSQL,
		r.DocumentKey, r.AttemptID, r.CompanyID, r.IssuerID, string(r.DocumentType), r.Consecutive,
		r.SignedPayloadHash, r.SignedPayload, r.HTTPStatus, string(r.Verdict), r.AuthorityMessage,
		string(r.ErrorKind), r.Escalated, r.CreatedAt, submitted, r.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "upsert record %s", r.DocumentKey)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*hacienda.SubmissionRecord, error) {
	rows, err := s.pool.Query(ctx, selectRecordSQL+` WHERE document_key = $1`, key)
	if err != nil {
		return nil, errors.Wrap(err, "select record")
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan record")
	}
	return &r, nil
}

func (s *PostgresStore) Pending(ctx context.Context) ([]hacienda.SubmissionRecord, error) {
	rows, err := s.pool.Query(ctx, selectRecordSQL+` WHERE verdict = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "select pending records")
	}
	out, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, errors.Wrap(err, "scan pending records")
	}
	return out, nil
}

func scanRecord(row pgx.CollectableRow) (hacienda.SubmissionRecord, error) {
	var (
		r                      hacienda.SubmissionRecord
		docType, verdict, kind string
		submitted              *time.Time
	)
	err := row.Scan(&r.DocumentKey, &r.AttemptID, &r.CompanyID, &r.IssuerID, &docType, &r.Consecutive,
		&r.SignedPayloadHash, &r.SignedPayload, &r.HTTPStatus, &verdict, &r.AuthorityMessage, &kind,
		&r.Escalated, &r.CreatedAt, &submitted, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.DocumentType = hacienda.DocumentType(docType)
	r.Verdict = hacienda.Verdict(verdict)
	r.ErrorKind = hacienda.Kind(kind)
	if submitted != nil {
		r.SubmittedAt = *submitted
	}
	return r, nil
}
