package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Repository. Transactions are serialised and
// rolled back by restoring a copy of the state taken at begin.
type Memory struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time

	lockMu sync.Mutex
	locks  map[string]struct{}
}

type memState struct {
	orders       map[string]domain.Order
	partners     map[string]domain.Partner
	subMerchants map[string]domain.SubMerchant
	ledger       map[string]domain.LedgerEntry
	loans        map[string]domain.LoanEntry
	settings     map[string]string
	jobs         map[string]domain.Job
}

func newMemState() memState {
	return memState{
		orders:       map[string]domain.Order{},
		partners:     map[string]domain.Partner{},
		subMerchants: map[string]domain.SubMerchant{},
		ledger:       map[string]domain.LedgerEntry{},
		loans:        map[string]domain.LoanEntry{},
		settings:     map[string]string{},
		jobs:         map[string]domain.Job{},
	}
}

func (s memState) clone() memState {
	c := newMemState()
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.partners {
		c.partners[k] = v
	}
	for k, v := range s.subMerchants {
		c.subMerchants[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	for k, v := range s.loans {
		c.loans[k] = v
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	return c
}

// NewMemory returns an empty store. A nil clock means time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{state: newMemState(), now: clock, locks: map[string]struct{}{}}
}

func (m *Memory) PutPartner(p domain.Partner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.partners[p.ID] = p
}

func (m *Memory) PutSubMerchant(sm domain.SubMerchant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.subMerchants[sm.ID] = sm
}

func (m *Memory) PutOrder(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.orders[o.ID] = o.Clone()
}

// LedgerEntries returns every posted entry ordered by reference.
func (m *Memory) LedgerEntries() []domain.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LedgerEntry, 0, len(m.state.ledger))
	for _, e := range m.state.ledger {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

// LoanEntry returns the loan record of an order, if any.
func (m *Memory) LoanEntry(orderID string) (domain.LoanEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.loans[orderID]
	return e, ok
}

func (m *Memory) TryLock(_ context.Context, key string) (Lock, bool, error) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if _, held := m.locks[key]; held {
		return nil, false, nil
	}
	m.locks[key] = struct{}{}
	return &memLock{m: m, key: key}, true, nil
}

type memLock struct {
	m    *Memory
	key  string
	once sync.Once
}

func (l *memLock) Release(context.Context) error {
	l.once.Do(func() {
		l.m.lockMu.Lock()
		delete(l.m.locks, l.key)
		l.m.lockMu.Unlock()
	})
	return nil
}

func (m *Memory) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state.settings[key]
	return v, ok, nil
}

func (m *Memory) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.settings[key] = value
	return nil
}

func (m *Memory) SaveJob(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.jobs[job.ID] = job
	return nil
}

func (m *Memory) LoadJobs(_ context.Context, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]domain.Job, 0, len(m.state.jobs))
	for _, j := range m.state.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) FetchPayable(_ context.Context, f domain.Filter, after *Cursor, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.state.orders {
		if o.Status != domain.StatusPaid || o.SettlementTime != nil || !f.Matches(o) {
			continue
		}
		if after != nil && !after.After(o) {
			continue
		}
		out = append(out, o.Clone())
	}
	sortOrders(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimOrder(_ context.Context, id string, from, to domain.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.state.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = m.now()
	m.state.orders[id] = o
	return true, nil
}

func (m *Memory) ReleaseClaims(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if m.release(id) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ReleaseStaleClaims(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id := range m.state.orders {
		if m.release(id) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) release(id string) bool {
	o, ok := m.state.orders[id]
	if !ok || o.Status != domain.StatusProcessing || o.SettlementTime != nil {
		return false
	}
	o.Status = domain.StatusPaid
	o.UpdatedAt = m.now()
	m.state.orders[id] = o
	return true
}

func (m *Memory) ListLoanCandidates(_ context.Context, subMerchantID string, w Window) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.state.orders {
		if o.SubMerchantID == nil || *o.SubMerchantID != subMerchantID {
			continue
		}
		if !domain.IsLoanSettleable(o.Status) || o.IsLoan {
			continue
		}
		if o.SettlementStatus != domain.SettlementActive && o.SettlementStatus != domain.SettlementCompleted {
			continue
		}
		at := o.CreatedAt
		if o.SettlementTime != nil {
			at = *o.SettlementTime
		}
		if !w.Contains(at) {
			continue
		}
		out = append(out, o.Clone())
	}
	sortOrders(out)
	return out, nil
}

func (m *Memory) ListLoanSettled(_ context.Context, subMerchantID string, w Window, orderIDs []string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range orderIDs {
		wanted[id] = true
	}
	var out []domain.Order
	for _, o := range m.state.orders {
		if o.SubMerchantID == nil || *o.SubMerchantID != subMerchantID || o.Status != domain.StatusLoanSettle {
			continue
		}
		if len(wanted) > 0 && !wanted[o.ID] {
			continue
		}
		at := o.CreatedAt
		if o.LoanAt != nil {
			at = *o.LoanAt
		}
		if !w.Contains(at) {
			continue
		}
		out = append(out, o.Clone())
	}
	sortOrders(out)
	return out, nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{m: m}).order(id)
}

func (m *Memory) GetPartner(_ context.Context, id string) (*domain.Partner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{m: m}).partner(id)
}

func (m *Memory) GetSubMerchant(_ context.Context, id string) (*domain.SubMerchant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{m: m}).subMerchant(id)
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	saved := m.state.clone()
	if err := fn(&memTx{m: m}); err != nil {
		m.state = saved
		return err
	}
	return nil
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// memTx operates on the store state while the caller holds m.mu.
type memTx struct {
	m *Memory
}

func (t *memTx) order(id string) (*domain.Order, error) {
	o, ok := t.m.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	c := o.Clone()
	return &c, nil
}

func (t *memTx) partner(id string) (*domain.Partner, error) {
	p, ok := t.m.state.partners[id]
	if !ok {
		return nil, fmt.Errorf("partner %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) subMerchant(id string) (*domain.SubMerchant, error) {
	sm, ok := t.m.state.subMerchants[id]
	if !ok {
		return nil, fmt.Errorf("sub-merchant %s: %w", id, ErrNotFound)
	}
	return &sm, nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	return t.order(id)
}

func (t *memTx) GetPartner(_ context.Context, id string) (*domain.Partner, error) {
	return t.partner(id)
}

func (t *memTx) GetSubMerchant(_ context.Context, id string) (*domain.SubMerchant, error) {
	return t.subMerchant(id)
}

func (t *memTx) PostLedgerEntry(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, bool, error) {
	if existing, ok := t.m.state.ledger[e.Reference]; ok {
		return existing, false, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.m.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	ok, err := t.AdjustPartnerBalance(ctx, e.PartnerID, e.Amount)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if !ok {
		return domain.LedgerEntry{}, false, fmt.Errorf("partner %s: %w", e.PartnerID, ErrInsufficientBalance)
	}
	t.m.state.ledger[e.Reference] = e
	return e, true, nil
}

func (t *memTx) GetLedgerEntry(_ context.Context, reference string) (*domain.LedgerEntry, error) {
	e, ok := t.m.state.ledger[reference]
	if !ok {
		return nil, fmt.Errorf("ledger entry %s: %w", reference, ErrNotFound)
	}
	return &e, nil
}

func (t *memTx) FinalizeSettlement(_ context.Context, orderID string, amount decimal.Decimal, at time.Time) (bool, error) {
	o, ok := t.m.state.orders[orderID]
	if !ok || o.Status != domain.StatusProcessing {
		return false, nil
	}
	at = at.UTC()
	o.Status = domain.StatusSettled
	o.PendingAmount = nil
	o.SettlementAmount = &amount
	o.SettlementStatus = domain.SettlementCompleted
	o.SettlementTime = &at
	o.UpdatedAt = t.m.now()
	t.m.state.orders[orderID] = o
	return true, nil
}

func (t *memTx) AdjustPartnerBalance(_ context.Context, id string, delta decimal.Decimal) (bool, error) {
	p, ok := t.m.state.partners[id]
	if !ok {
		return false, fmt.Errorf("partners %s: %w", id, ErrNotFound)
	}
	next := p.Balance.Add(delta)
	if next.IsNegative() {
		return false, nil
	}
	p.Balance = next
	t.m.state.partners[id] = p
	return true, nil
}

func (t *memTx) AdjustSubMerchantBalance(_ context.Context, id string, delta decimal.Decimal) (bool, error) {
	sm, ok := t.m.state.subMerchants[id]
	if !ok {
		return false, fmt.Errorf("sub_merchants %s: %w", id, ErrNotFound)
	}
	next := sm.Balance.Add(delta)
	if next.IsNegative() {
		return false, nil
	}
	sm.Balance = next
	t.m.state.subMerchants[id] = sm
	return true, nil
}

func (t *memTx) UpdateOrderIf(_ context.Context, o domain.Order, expected domain.OrderStatus) (bool, error) {
	cur, ok := t.m.state.orders[o.ID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	next := o.Clone()
	cur.Status = next.Status
	cur.PendingAmount = next.PendingAmount
	cur.SettlementAmount = next.SettlementAmount
	cur.SettlementStatus = next.SettlementStatus
	cur.SettlementTime = next.SettlementTime
	cur.IsLoan = next.IsLoan
	cur.LoanAmount = next.LoanAmount
	cur.LoanAt = next.LoanAt
	cur.LoanBy = next.LoanBy
	cur.Metadata = next.Metadata
	cur.UpdatedAt = t.m.now()
	t.m.state.orders[o.ID] = cur
	return true, nil
}

func (t *memTx) GetLoanEntry(_ context.Context, orderID string) (*domain.LoanEntry, error) {
	e, ok := t.m.state.loans[orderID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) PutLoanEntry(_ context.Context, e domain.LoanEntry) error {
	t.m.state.loans[e.OrderID] = e
	return nil
}

func (t *memTx) DeleteLoanEntry(_ context.Context, orderID string) error {
	delete(t.m.state.loans, orderID)
	return nil
}
