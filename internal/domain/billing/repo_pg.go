package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmis/billing/internal/platform/db"
	"github.com/hmis/billing/pkg/money"
)

// nextDocumentNumber allocates PREFIXyyyymmddNNNN from the per-day counter.
// The counter row is locked until the surrounding transaction ends.
func nextDocumentNumber(ctx context.Context, q db.Querier, prefix string, day time.Time) (string, error) {
	var n int
	err := q.QueryRow(ctx, `
		INSERT INTO document_sequence (prefix, day, last_value) VALUES ($1, $2, 1)
		ON CONFLICT (prefix, day) DO UPDATE SET last_value = document_sequence.last_value + 1
		RETURNING last_value`, prefix, day.UTC().Format("2006-01-02")).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("allocate %s number: %w", prefix, err)
	}
	return fmt.Sprintf("%s%s%04d", prefix, day.UTC().Format("20060102"), n), nil
}

// =========== Invoice Store ===========

type invoiceStorePG struct{ pool *pgxpool.Pool }

func NewInvoiceStorePG(pool *pgxpool.Pool) InvoiceStore { return &invoiceStorePG{pool: pool} }

func (r *invoiceStorePG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const invoiceCols = `id, invoice_number, patient_id, encounter_id, currency, payment_type, status,
	discount, subtotal, discount_total, tax_total, covered_amount, coverage_rule,
	total_amount, paid_amount, balance, due_date, notes, cancel_reason, created_by,
	version, finalized_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var subtotal, discountTotal, taxTotal, covered, total, paid, balance int64
	var rule, notes, cancelReason, createdBy *string
	err := row.Scan(&inv.ID, &inv.Number, &inv.PatientID, &inv.EncounterID, &inv.Currency, &inv.PaymentType, &inv.Status,
		&inv.Discount, &subtotal, &discountTotal, &taxTotal, &covered, &rule,
		&total, &paid, &balance, &inv.DueDate, &notes, &cancelReason, &createdBy,
		&inv.Version, &inv.FinalizedAt, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	cur := inv.Currency
	inv.Subtotal = money.New(subtotal, cur)
	inv.DiscountTotal = money.New(discountTotal, cur)
	inv.TaxTotal = money.New(taxTotal, cur)
	inv.CoveredAmount = money.New(covered, cur)
	inv.TotalAmount = money.New(total, cur)
	inv.PaidAmount = money.New(paid, cur)
	inv.Balance = money.New(balance, cur)
	inv.CoverageRule = deref(rule)
	inv.Notes = deref(notes)
	inv.CancelReason = deref(cancelReason)
	inv.CreatedBy = deref(createdBy)
	return &inv, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *invoiceStorePG) Create(ctx context.Context, inv *Invoice) error {
	return r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		num, err := nextDocumentNumber(ctx, q, "INV", inv.CreatedAt)
		if err != nil {
			return err
		}
		inv.Number = num
		inv.Version = 1
		_, err = q.Exec(ctx, `
			INSERT INTO invoice (id, invoice_number, patient_id, encounter_id, currency, payment_type, status,
				discount, subtotal, discount_total, tax_total, covered_amount, coverage_rule,
				total_amount, paid_amount, balance, due_date, notes, cancel_reason, created_by,
				version, finalized_at, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
			inv.ID, inv.Number, inv.PatientID, inv.EncounterID, inv.Currency, inv.PaymentType, inv.Status,
			inv.Discount, inv.Subtotal.Amount, inv.DiscountTotal.Amount, inv.TaxTotal.Amount, inv.CoveredAmount.Amount, nullable(inv.CoverageRule),
			inv.TotalAmount.Amount, inv.PaidAmount.Amount, inv.Balance.Amount, inv.DueDate, nullable(inv.Notes), nullable(inv.CancelReason), nullable(inv.CreatedBy),
			inv.Version, inv.FinalizedAt, inv.CreatedAt, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		return r.upsertLines(ctx, q, inv)
	})
}

// upsertLines writes every line item of inv. Derived amounts of existing lines
// are refreshed; the inputs of a line never change once written.
func (r *invoiceStorePG) upsertLines(ctx context.Context, q db.Querier, inv *Invoice) error {
	if len(inv.Lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, li := range inv.Lines {
		batch.Queue(`
			INSERT INTO invoice_line_item (id, invoice_id, sequence, service_code, description, quantity,
				unit_price, discount, tax, gross_amount, discount_amount, tax_amount, line_total, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (id) DO UPDATE SET
				gross_amount = EXCLUDED.gross_amount,
				discount_amount = EXCLUDED.discount_amount,
				tax_amount = EXCLUDED.tax_amount,
				line_total = EXCLUDED.line_total`,
			li.ID, inv.ID, li.Sequence, li.ServiceCode, nullable(li.Description), li.Quantity,
			li.UnitPrice.Amount, li.Discount, li.Tax, li.GrossAmount.Amount, li.DiscountAmount.Amount,
			li.TaxAmount.Amount, li.LineTotal.Amount, li.CreatedAt)
	}
	br := q.SendBatch(ctx, batch)
	defer br.Close()
	for range inv.Lines {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("write line item: %w", err)
		}
	}
	return nil
}

// hydrate loads line items and payments for invs in two queries.
func (r *invoiceStorePG) hydrate(ctx context.Context, invs []*Invoice) error {
	if len(invs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(invs))
	byID := make(map[uuid.UUID]*Invoice, len(invs))
	for i, inv := range invs {
		ids[i] = inv.ID
		byID[inv.ID] = inv
	}
	q := r.conn(ctx)

	rows, err := q.Query(ctx, `
		SELECT id, invoice_id, sequence, service_code, description, quantity, unit_price,
			discount, tax, gross_amount, discount_amount, tax_amount, line_total, created_at
		FROM invoice_line_item WHERE invoice_id = ANY($1) ORDER BY invoice_id, sequence`, ids)
	if err != nil {
		return fmt.Errorf("load line items: %w", err)
	}
	for rows.Next() {
		var li LineItem
		var desc *string
		var unit, gross, disc, tax, total int64
		if err := rows.Scan(&li.ID, &li.InvoiceID, &li.Sequence, &li.ServiceCode, &desc, &li.Quantity, &unit,
			&li.Discount, &li.Tax, &gross, &disc, &tax, &total, &li.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan line item: %w", err)
		}
		inv := byID[li.InvoiceID]
		cur := inv.Currency
		li.Description = deref(desc)
		li.UnitPrice = money.New(unit, cur)
		li.GrossAmount = money.New(gross, cur)
		li.DiscountAmount = money.New(disc, cur)
		li.TaxAmount = money.New(tax, cur)
		li.LineTotal = money.New(total, cur)
		inv.Lines = append(inv.Lines, &li)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	payments, err := queryPayments(ctx, q, `SELECT `+paymentCols+` FROM payment WHERE invoice_id = ANY($1) ORDER BY created_at, receipt_number`, ids)
	if err != nil {
		return err
	}
	for _, p := range payments {
		inv := byID[p.InvoiceID]
		inv.Payments = append(inv.Payments, p)
	}
	return nil
}

func (r *invoiceStorePG) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, []*Invoice{inv}); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *invoiceStorePG) GetByNumber(ctx context.Context, number string) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE invoice_number = $1`, number))
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, []*Invoice{inv}); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *invoiceStorePG) LoadForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, errors.New("LoadForUpdate called outside a transaction")
	}
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, []*Invoice{inv}); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *invoiceStorePG) Save(ctx context.Context, inv *Invoice) error {
	return r.WithinTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		tag, err := q.Exec(ctx, `
			UPDATE invoice SET status=$3, discount=$4, subtotal=$5, discount_total=$6, tax_total=$7,
				covered_amount=$8, coverage_rule=$9, total_amount=$10, paid_amount=$11, balance=$12,
				due_date=$13, notes=$14, cancel_reason=$15, finalized_at=$16, updated_at=$17,
				version = version + 1
			WHERE id = $1 AND version = $2`,
			inv.ID, inv.Version, inv.Status, inv.Discount, inv.Subtotal.Amount, inv.DiscountTotal.Amount, inv.TaxTotal.Amount,
			inv.CoveredAmount.Amount, nullable(inv.CoverageRule), inv.TotalAmount.Amount, inv.PaidAmount.Amount, inv.Balance.Amount,
			inv.DueDate, nullable(inv.Notes), nullable(inv.CancelReason), inv.FinalizedAt, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConcurrentModification
		}
		if err := r.upsertLines(ctx, q, inv); err != nil {
			return err
		}
		inv.Version++
		return nil
	})
}

func (r *invoiceStorePG) List(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.EncounterID != nil {
		args = append(args, *f.EncounterID)
		where = append(where, fmt.Sprintf("encounter_id = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := r.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM invoice`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	invs, err := r.query(ctx, fmt.Sprintf(`SELECT `+invoiceCols+` FROM invoice%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	return invs, total, nil
}

func (r *invoiceStorePG) ListOutstanding(ctx context.Context) ([]*Invoice, error) {
	return r.query(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE status IN ('pending', 'partial') ORDER BY created_at`)
}

func (r *invoiceStorePG) query(ctx context.Context, sql string, args ...any) ([]*Invoice, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var invs []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		invs = append(invs, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, invs); err != nil {
		return nil, err
	}
	return invs, nil
}

func (r *invoiceStorePG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

// =========== Payment Ledger ===========

type paymentLedgerPG struct{ pool *pgxpool.Pool }

func NewPaymentLedgerPG(pool *pgxpool.Pool) PaymentLedger { return &paymentLedgerPG{pool: pool} }

func (r *paymentLedgerPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const paymentCols = `id, receipt_number, invoice_id, currency, amount, tendered_amount, method, reference,
	idempotency_key, status, received_by, created_at, voided_at, void_reason, voided_by`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var currency string
	var amount, tendered int64
	var reference, receivedBy, voidReason, voidedBy *string
	err := row.Scan(&p.ID, &p.ReceiptNumber, &p.InvoiceID, &currency, &amount, &tendered, &p.Method, &reference,
		&p.IdempotencyKey, &p.Status, &receivedBy, &p.CreatedAt, &p.VoidedAt, &voidReason, &voidedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Amount = money.New(amount, currency)
	p.TenderedAmount = money.New(tendered, currency)
	p.Reference = deref(reference)
	p.ReceivedBy = deref(receivedBy)
	p.VoidReason = deref(voidReason)
	p.VoidedBy = deref(voidedBy)
	return &p, nil
}

func queryPayments(ctx context.Context, q db.Querier, sql string, args ...any) ([]*Payment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *paymentLedgerPG) Append(ctx context.Context, p *Payment) error {
	q := r.conn(ctx)
	num, err := nextDocumentNumber(ctx, q, "RCP", p.CreatedAt)
	if err != nil {
		return err
	}
	p.ReceiptNumber = num
	_, err = q.Exec(ctx, `
		INSERT INTO payment (id, receipt_number, invoice_id, currency, amount, tendered_amount, method, reference,
			idempotency_key, status, received_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.ReceiptNumber, p.InvoiceID, p.Amount.Currency, p.Amount.Amount, p.TenderedAmount.Amount, p.Method,
		nullable(p.Reference), p.IdempotencyKey, p.Status, nullable(p.ReceivedBy), p.CreatedAt)
	if name, ok := db.UniqueViolation(err); ok && strings.Contains(name, "idempotency_key") {
		return ErrIdempotencyKeyConflict
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentLedgerPG) Update(ctx context.Context, p *Payment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payment SET status=$2, voided_at=$3, void_reason=$4, voided_by=$5 WHERE id = $1`,
		p.ID, p.Status, p.VoidedAt, nullable(p.VoidReason), nullable(p.VoidedBy))
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *paymentLedgerPG) Find(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payment WHERE id = $1`, id))
}

func (r *paymentLedgerPG) FindByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payment WHERE idempotency_key = $1`, key))
}

func (r *paymentLedgerPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	return queryPayments(ctx, r.conn(ctx),
		`SELECT `+paymentCols+` FROM payment WHERE invoice_id = $1 ORDER BY created_at, receipt_number`, invoiceID)
}
