package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

const entryColumns = `code, name, category, unit_price, currency, active, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var category *string
	err := row.Scan(&e.Code, &e.Name, &category, &e.UnitPrice, &e.Currency, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if category != nil {
		e.Category = *category
	}
	return &e, nil
}

func (r *repoPG) Upsert(ctx context.Context, e *Entry) error {
	var category *string
	if e.Category != "" {
		category = &e.Category
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO service_catalog (code, name, category, unit_price, currency, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			unit_price = EXCLUDED.unit_price,
			currency = EXCLUDED.currency,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		e.Code, e.Name, category, e.UnitPrice, e.Currency, e.Active,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *repoPG) Get(ctx context.Context, code string) (*Entry, error) {
	return scanEntry(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+entryColumns+` FROM service_catalog WHERE code = $1`, code))
}

func (r *repoPG) SetActive(ctx context.Context, code string, active bool) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE service_catalog SET active = $2, updated_at = NOW() WHERE code = $1`, code, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	var where []string
	var args []interface{}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.ActiveOnly {
		where = append(where, "active")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM service_catalog`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM service_catalog%s ORDER BY code LIMIT $%d OFFSET $%d`,
			entryColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
