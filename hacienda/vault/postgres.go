package vault

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps sealed credentials in company_credentials. Only sealed material is stored: the
// bundle stays encrypted by its own password and both passwords are sealed with the master key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) PutBundle(ctx context.Context, companyID string, b *Bundle) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO company_credentials (company_id, bundle_format, bundle_data, bundle_sealed_password)
VALUES ($1, $2, $3, $4)
ON CONFLICT (company_id) DO UPDATE SET
    bundle_format = EXCLUDED.bundle_format,
    bundle_data = EXCLUDED.bundle_data,
    bundle_sealed_password = EXCLUDED.bundle_sealed_password,
    updated_at = now()`, companyID, string(b.Format), b.Data, b.SealedPassword)
	if err != nil {
		return errors.Wrapf(err, "store bundle of %s", companyID)
	}
	return nil
}

func (s *PostgresStore) PutLogin(ctx context.Context, companyID string, l *Login) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO company_credentials (company_id, issuer_id, atv_username, atv_sealed_password)
VALUES ($1, $2, $3, $4)
ON CONFLICT (company_id) DO UPDATE SET
    issuer_id = EXCLUDED.issuer_id,
    atv_username = EXCLUDED.atv_username,
    atv_sealed_password = EXCLUDED.atv_sealed_password,
    updated_at = now()`, companyID, l.IssuerID, l.Username, l.SealedPassword)
	if err != nil {
		return errors.Wrapf(err, "store login of %s", companyID)
	}
	return nil
}

func (s *PostgresStore) SigningBundle(ctx context.Context, companyID string) (*Bundle, error) {
	var (
		format *string
		b      Bundle
	)
	err := s.pool.QueryRow(ctx, `SELECT bundle_format, bundle_data, bundle_sealed_password
FROM company_credentials WHERE company_id = $1`, companyID).Scan(&format, &b.Data, &b.SealedPassword)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && format == nil) {
		return nil, errors.Wrap(ErrNotFound, companyID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load bundle of %s", companyID)
	}
	b.Format = BundleFormat(*format)
	return &b, nil
}

func (s *PostgresStore) AuthorityLogin(ctx context.Context, companyID string) (*Login, error) {
	var (
		issuer, username *string
		l                Login
	)
	err := s.pool.QueryRow(ctx, `SELECT issuer_id, atv_username, atv_sealed_password
FROM company_credentials WHERE company_id = $1`, companyID).Scan(&issuer, &username, &l.SealedPassword)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && username == nil) {
		return nil, errors.Wrap(ErrNotFound, companyID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load login of %s", companyID)
	}
	l.Username = *username
	if issuer != nil {
		l.IssuerID = *issuer
	}
	return &l, nil
}
