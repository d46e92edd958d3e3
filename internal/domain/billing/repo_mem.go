package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/internal/platform/db"
)

// MemoryStore is an in-process InvoiceStore and PaymentLedger. It honours the
// same contract as the Postgres store: LoadForUpdate takes a per-invoice lock
// held until WithinTx returns, writes staged in a transaction are applied
// atomically on success, and Save compares versions. Data is partitioned by
// the tenant on the context, the way each tenant gets its own schema.
type MemoryStore struct {
	mu      sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
	tenants map[string]*memTenant
}

type memTenant struct {
	invoices map[uuid.UUID]*Invoice
	payments map[uuid.UUID]*Payment
	seq      map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[uuid.UUID]*sync.Mutex),
		tenants: make(map[string]*memTenant),
	}
}

// tenant returns the partition of the context's tenant. Callers hold s.mu.
func (s *MemoryStore) tenant(ctx context.Context) *memTenant {
	id := db.TenantFromContext(ctx)
	t, ok := s.tenants[id]
	if !ok {
		t = &memTenant{
			invoices: make(map[uuid.UUID]*Invoice),
			payments: make(map[uuid.UUID]*Payment),
			seq:      make(map[string]int),
		}
		s.tenants[id] = t
	}
	return t
}

type memOp struct {
	check func() error
	apply func()
}

type memTx struct {
	held []*sync.Mutex
	ids  map[uuid.UUID]bool
	ops  []memOp
}

type memTxKey struct{}

func memTxFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if memTxFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := &memTx{ids: make(map[uuid.UUID]bool)}
	defer func() {
		for i := len(tx.held) - 1; i >= 0; i-- {
			tx.held[i].Unlock()
		}
	}()

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range tx.ops {
		if op.check == nil {
			continue
		}
		if err := op.check(); err != nil {
			return err
		}
	}
	for _, op := range tx.ops {
		op.apply()
	}
	return nil
}

// stage runs op now when outside a transaction, or defers it to commit.
func (s *MemoryStore) stage(ctx context.Context, op memOp) error {
	if tx := memTxFrom(ctx); tx != nil {
		tx.ops = append(tx.ops, op)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.check != nil {
		if err := op.check(); err != nil {
			return err
		}
	}
	op.apply()
	return nil
}

func (s *MemoryStore) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// nextNumber returns PREFIXyyyymmddNNNN. Callers hold s.mu.
func (t *memTenant) nextNumber(prefix string, at time.Time) string {
	day := at.UTC().Format("20060102")
	k := prefix + day
	t.seq[k]++
	return fmt.Sprintf("%s%s%04d", prefix, day, t.seq[k])
}

// -- InvoiceStore --

func (s *MemoryStore) Create(ctx context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	if _, exists := t.invoices[inv.ID]; exists {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	inv.Number = t.nextNumber("INV", inv.CreatedAt)
	inv.Version = 1
	t.invoices[inv.ID] = detach(inv)
	return nil
}

// detach copies inv for storage. Payments live in the ledger and signals are
// per-call.
func detach(inv *Invoice) *Invoice {
	c := inv.Clone()
	c.Payments = nil
	c.signals = nil
	return c
}

// hydrate returns a copy of the stored invoice with its payments. Callers
// hold s.mu.
func (t *memTenant) hydrate(stored *Invoice) *Invoice {
	inv := stored.Clone()
	inv.Payments = t.invoicePayments(inv.ID)
	return inv
}

func (t *memTenant) invoicePayments(invoiceID uuid.UUID) []*Payment {
	var out []*Payment
	for _, p := range t.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ReceiptNumber < out[j].ReceiptNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	stored, ok := t.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return t.hydrate(stored), nil
}

func (s *MemoryStore) GetByNumber(ctx context.Context, number string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	for _, stored := range t.invoices {
		if stored.Number == number {
			return t.hydrate(stored), nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (s *MemoryStore) LoadForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	tx := memTxFrom(ctx)
	if tx == nil {
		return nil, errors.New("LoadForUpdate called outside a transaction")
	}
	if !tx.ids[id] {
		l := s.lockFor(id)
		l.Lock()
		tx.held = append(tx.held, l)
		tx.ids[id] = true
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Save(ctx context.Context, inv *Invoice) error {
	s.mu.Lock()
	t := s.tenant(ctx)
	s.mu.Unlock()

	expected := inv.Version
	check := func() error {
		cur, ok := t.invoices[inv.ID]
		if !ok {
			return ErrInvoiceNotFound
		}
		if cur.Version != expected {
			return ErrConcurrentModification
		}
		return nil
	}

	s.mu.Lock()
	err := check()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	stored := detach(inv)
	stored.Version = expected + 1
	if err := s.stage(ctx, memOp{check: check, apply: func() { t.invoices[inv.ID] = stored }}); err != nil {
		return err
	}
	inv.Version = expected + 1
	return nil
}

func (f InvoiceFilter) matches(inv *Invoice) bool {
	switch {
	case f.Status != "" && inv.Status != f.Status:
		return false
	case f.PatientID != nil && inv.PatientID != *f.PatientID:
		return false
	case f.EncounterID != nil && (inv.EncounterID == nil || *inv.EncounterID != *f.EncounterID):
		return false
	case f.From != nil && inv.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && !inv.CreatedAt.Before(*f.To):
		return false
	}
	return true
}

func (s *MemoryStore) List(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	var all []*Invoice
	for _, stored := range t.invoices {
		if f.matches(stored) {
			all = append(all, stored)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]*Invoice, 0, end-offset)
	for _, stored := range all[offset:end] {
		out = append(out, t.hydrate(stored))
	}
	return out, total, nil
}

func (s *MemoryStore) ListOutstanding(ctx context.Context) ([]*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(ctx)
	var out []*Invoice
	for _, stored := range t.invoices {
		if stored.Status.IsPayable() {
			out = append(out, t.hydrate(stored))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// -- PaymentLedger --

func (s *MemoryStore) Append(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	t := s.tenant(ctx)
	p.ReceiptNumber = t.nextNumber("RCP", p.CreatedAt)
	s.mu.Unlock()

	stored := p.Clone()
	return s.stage(ctx, memOp{
		check: func() error {
			for _, existing := range t.payments {
				if existing.IdempotencyKey == stored.IdempotencyKey {
					return ErrIdempotencyKeyConflict
				}
			}
			return nil
		},
		apply: func() { t.payments[stored.ID] = stored },
	})
}

func (s *MemoryStore) Update(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	t := s.tenant(ctx)
	s.mu.Unlock()

	status, voidedAt, reason, by := p.Status, p.VoidedAt, p.VoidReason, p.VoidedBy
	return s.stage(ctx, memOp{
		check: func() error {
			if _, ok := t.payments[p.ID]; !ok {
				return ErrPaymentNotFound
			}
			return nil
		},
		apply: func() {
			stored := t.payments[p.ID]
			stored.Status = status
			stored.VoidedAt = voidedAt
			stored.VoidReason = reason
			stored.VoidedBy = by
		},
	})
}

func (s *MemoryStore) Find(ctx context.Context, id uuid.UUID) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tenant(ctx).payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.tenant(ctx).payments {
		if p.IdempotencyKey == key {
			return p.Clone(), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (s *MemoryStore) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenant(ctx).invoicePayments(invoiceID), nil
}
