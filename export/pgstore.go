package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGPackageStore persists intake-package metadata in PostgreSQL.
type PGPackageStore struct {
	pool *pgxpool.Pool
}

func NewPGPackageStore(pool *pgxpool.Pool) *PGPackageStore {
	return &PGPackageStore{pool: pool}
}

const packageColumns = `id, referral_id, key_id, iv, auth_tag, checksum_sha256, storage_key, status,
    signed_url, signed_url_expires_at, retention_expires_at,
    original_size, compressed_size, encrypted_size, created_at`

func (s *PGPackageStore) Save(ctx context.Context, p IntakePackage) error {
	const query = `
        INSERT INTO intake_packages (id, referral_id, key_id, iv, auth_tag, checksum_sha256, storage_key, status,
            signed_url, signed_url_expires_at, retention_expires_at,
            original_size, compressed_size, encrypted_size, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (id) DO UPDATE
        SET status=EXCLUDED.status,
            signed_url=EXCLUDED.signed_url,
            signed_url_expires_at=EXCLUDED.signed_url_expires_at
    `

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.ReferralID, p.KeyID, p.IV, p.AuthTag, p.Checksum, p.StorageKey, p.Status,
		nullIfEmpty(p.SignedURL), nullIfZero(p.SignedURLExpiresAt), p.RetentionExpiresAt,
		p.OriginalSize, p.CompressedSize, p.EncryptedSize, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("export: save package: %w", err)
	}
	return nil
}

func (s *PGPackageStore) UpdateStatus(ctx context.Context, id string, status PackageStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE intake_packages SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("export: update package status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPackageNotFound
	}
	return nil
}

func (s *PGPackageStore) Get(ctx context.Context, id string) (IntakePackage, error) {
	query := `SELECT ` + packageColumns + ` FROM intake_packages WHERE id=$1`

	p, err := scanPackage(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IntakePackage{}, ErrPackageNotFound
		}
		return IntakePackage{}, fmt.Errorf("export: get package: %w", err)
	}
	return p, nil
}

func (s *PGPackageStore) ListByReferral(ctx context.Context, referralID string) ([]IntakePackage, error) {
	query := `SELECT ` + packageColumns + ` FROM intake_packages WHERE referral_id=$1 ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, referralID)
	if err != nil {
		return nil, fmt.Errorf("export: list packages: %w", err)
	}
	defer rows.Close()
	return collectPackages(rows)
}

func (s *PGPackageStore) ListExpired(ctx context.Context, now time.Time) ([]IntakePackage, error) {
	query := `SELECT ` + packageColumns + ` FROM intake_packages
        WHERE status IN ('uploaded','downloaded') AND retention_expires_at < $1
        ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("export: list expired packages: %w", err)
	}
	defer rows.Close()
	return collectPackages(rows)
}

func (s *PGPackageStore) ListStale(ctx context.Context, now time.Time) ([]IntakePackage, error) {
	query := `SELECT ` + packageColumns + ` FROM intake_packages
        WHERE status IN ('pending','failed') AND retention_expires_at < $1
        ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("export: list stale packages: %w", err)
	}
	defer rows.Close()
	return collectPackages(rows)
}

func collectPackages(rows pgx.Rows) ([]IntakePackage, error) {
	list := []IntakePackage{}
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("export: scan package: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export: package rows: %w", err)
	}
	return list, nil
}

func scanPackage(row pgx.Row) (IntakePackage, error) {
	var (
		p         IntakePackage
		signedURL *string
		expiresAt *time.Time
	)
	err := row.Scan(
		&p.ID,
		&p.ReferralID,
		&p.KeyID,
		&p.IV,
		&p.AuthTag,
		&p.Checksum,
		&p.StorageKey,
		&p.Status,
		&signedURL,
		&expiresAt,
		&p.RetentionExpiresAt,
		&p.OriginalSize,
		&p.CompressedSize,
		&p.EncryptedSize,
		&p.CreatedAt,
	)
	if err != nil {
		return IntakePackage{}, err
	}
	if signedURL != nil {
		p.SignedURL = *signedURL
	}
	if expiresAt != nil {
		p.SignedURLExpiresAt = *expiresAt
	}
	return p, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
