package coverage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmis/billing/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const profileColumns = `patient_id, payment_type, scheme_name, copay_bps, discount_bps,
	remaining_limit, currency, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	var scheme, currency *string
	err := row.Scan(&p.PatientID, &p.PaymentType, &scheme, &p.CopayBps, &p.DiscountBps,
		&p.RemainingLimit, &currency, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if scheme != nil {
		p.SchemeName = *scheme
	}
	if currency != nil {
		p.Currency = *currency
	}
	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) Upsert(ctx context.Context, p *Profile) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO coverage_profile (
			patient_id, payment_type, scheme_name, copay_bps, discount_bps, remaining_limit, currency
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (patient_id) DO UPDATE SET
			payment_type = EXCLUDED.payment_type,
			scheme_name = EXCLUDED.scheme_name,
			copay_bps = EXCLUDED.copay_bps,
			discount_bps = EXCLUDED.discount_bps,
			remaining_limit = EXCLUDED.remaining_limit,
			currency = EXCLUDED.currency,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		p.PatientID, p.PaymentType, nullable(p.SchemeName), p.CopayBps, p.DiscountBps,
		p.RemainingLimit, nullable(p.Currency),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) Get(ctx context.Context, patientID uuid.UUID) (*Profile, error) {
	return scanProfile(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+profileColumns+` FROM coverage_profile WHERE patient_id = $1`, patientID))
}

func (r *repoPG) Delete(ctx context.Context, patientID uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM coverage_profile WHERE patient_id = $1`, patientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Profile, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM coverage_profile`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx,
		`SELECT `+profileColumns+` FROM coverage_profile ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}
