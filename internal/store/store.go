package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Cursor is a position in the (created_at, id) ordering of orders.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// After reports whether o sorts strictly after c.
func (c Cursor) After(o domain.Order) bool {
	if o.CreatedAt.Equal(c.CreatedAt) {
		return o.ID > c.ID
	}
	return o.CreatedAt.After(c.CreatedAt)
}

// CursorOf returns the cursor positioned at o.
func CursorOf(o domain.Order) Cursor {
	return Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
}

// Window is a half-open time range; zero bounds are open.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies in [From, To).
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// Lock is a held advisory lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out named, cluster-wide locks. TryLock never blocks; a false
// result means another holder is active.
type Locker interface {
	TryLock(ctx context.Context, key string) (Lock, bool, error)
}

// Settings is the persisted key/value configuration mutable at runtime.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Jobs persists job records so terminal jobs survive restarts.
type Jobs interface {
	SaveJob(ctx context.Context, job domain.Job) error
	LoadJobs(ctx context.Context, limit int) ([]domain.Job, error)
}

// Repository is the persistence boundary of the settlement and loan engines.
type Repository interface {
	Locker
	Settings
	Jobs

	// FetchPayable returns PAID, unsettled orders matching f that sort after
	// the cursor, ordered by (created_at, id).
	FetchPayable(ctx context.Context, f domain.Filter, after *Cursor, limit int) ([]domain.Order, error)
	// ClaimOrder moves an order from one status to another only if it still
	// has the expected status.
	ClaimOrder(ctx context.Context, id string, from, to domain.OrderStatus) (bool, error)
	// ReleaseClaims returns unsettled PROCESSING orders among ids to PAID.
	ReleaseClaims(ctx context.Context, ids []string) (int64, error)
	// ReleaseStaleClaims returns every unsettled PROCESSING order to PAID.
	ReleaseStaleClaims(ctx context.Context) (int64, error)

	ListLoanCandidates(ctx context.Context, subMerchantID string, w Window) ([]domain.Order, error)
	ListLoanSettled(ctx context.Context, subMerchantID string, w Window, orderIDs []string) ([]domain.Order, error)

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetPartner(ctx context.Context, id string) (*domain.Partner, error)
	GetSubMerchant(ctx context.Context, id string) (*domain.SubMerchant, error)

	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a unit of work. Everything done through it commits or rolls back together.
type Tx interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetPartner(ctx context.Context, id string) (*domain.Partner, error)
	GetSubMerchant(ctx context.Context, id string) (*domain.SubMerchant, error)

	// PostLedgerEntry inserts e unless its reference already exists. A new
	// entry moves the partner balance by e.Amount; a negative amount fails
	// with ErrInsufficientBalance when it would overdraw. On a duplicate the
	// stored entry is returned with created=false and no balance change.
	PostLedgerEntry(ctx context.Context, e domain.LedgerEntry) (entry domain.LedgerEntry, created bool, err error)
	GetLedgerEntry(ctx context.Context, reference string) (*domain.LedgerEntry, error)

	// FinalizeSettlement moves a PROCESSING order to SETTLED.
	FinalizeSettlement(ctx context.Context, orderID string, amount decimal.Decimal, at time.Time) (bool, error)

	// AdjustPartnerBalance and AdjustSubMerchantBalance add delta to the
	// balance, refusing (false) any change that would make it negative.
	AdjustPartnerBalance(ctx context.Context, id string, delta decimal.Decimal) (bool, error)
	AdjustSubMerchantBalance(ctx context.Context, id string, delta decimal.Decimal) (bool, error)

	// UpdateOrderIf writes the status, settlement, loan and metadata fields
	// of o only if the stored status still equals expected.
	UpdateOrderIf(ctx context.Context, o domain.Order, expected domain.OrderStatus) (bool, error)

	GetLoanEntry(ctx context.Context, orderID string) (*domain.LoanEntry, error)
	PutLoanEntry(ctx context.Context, e domain.LoanEntry) error
	DeleteLoanEntry(ctx context.Context, orderID string) error
}

var (
	_ Repository = (*Postgres)(nil)
	_ Repository = (*Memory)(nil)
)
