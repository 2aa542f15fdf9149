package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a payment order.
type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusPaid       OrderStatus = "PAID"
	StatusProcessing OrderStatus = "PROCESSING"
	StatusSettled    OrderStatus = "SETTLED"
	StatusLoanSettle OrderStatus = "LN_SETTLED"

	// Provider terminal states.
	StatusSuccess OrderStatus = "SUCCESS"
	StatusDone    OrderStatus = "DONE"
	StatusFailed  OrderStatus = "FAILED"
	StatusExpired OrderStatus = "EXPIRED"
)

// Settlement status labels carried next to the order status.
const (
	SettlementPending   = "PENDING"
	SettlementActive    = "ACTIVE"
	SettlementCompleted = "COMPLETED"
)

// LoanSettleableStatuses are the order statuses the loan path may move to LN_SETTLED.
var LoanSettleableStatuses = []OrderStatus{StatusPaid, StatusSettled, StatusSuccess, StatusDone}

// IsLoanSettleable reports whether s is in LoanSettleableStatuses.
func IsLoanSettleable(s OrderStatus) bool {
	for _, st := range LoanSettleableStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Order is the unit of settlement.
type Order struct {
	ID               string           `json:"id"`
	PartnerID        string           `json:"partner_id"`
	SubMerchantID    *string          `json:"sub_merchant_id,omitempty"`
	PaymentMethod    string           `json:"payment_method"`
	Amount           decimal.Decimal  `json:"amount"`
	Fee              decimal.Decimal  `json:"fee"`
	PendingAmount    *decimal.Decimal `json:"pending_amount,omitempty"`
	SettlementAmount *decimal.Decimal `json:"settlement_amount,omitempty"`
	Status           OrderStatus      `json:"status"`
	SettlementStatus string           `json:"settlement_status"`
	SettlementTime   *time.Time       `json:"settlement_time,omitempty"`
	IsLoan           bool             `json:"is_loan"`
	LoanAmount       *decimal.Decimal `json:"loan_amount,omitempty"`
	LoanAt           *time.Time       `json:"loan_at,omitempty"`
	LoanBy           *string          `json:"loan_by,omitempty"`
	Metadata         json.RawMessage  `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	c := o
	c.SubMerchantID = cloneString(o.SubMerchantID)
	c.PendingAmount = cloneDecimal(o.PendingAmount)
	c.SettlementAmount = cloneDecimal(o.SettlementAmount)
	c.SettlementTime = cloneTime(o.SettlementTime)
	c.LoanAmount = cloneDecimal(o.LoanAmount)
	c.LoanAt = cloneTime(o.LoanAt)
	c.LoanBy = cloneString(o.LoanBy)
	if o.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), o.Metadata...)
	}
	return c
}

// Partner owns orders and holds the balance credited by settlement.
type Partner struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Balance    decimal.Decimal `json:"balance"`
	FeePercent decimal.Decimal `json:"fee_percent"`
	FeeFlat    decimal.Decimal `json:"fee_flat"`
}

// SubMerchant holds the float debited by loan settlement.
type SubMerchant struct {
	ID        string          `json:"id"`
	PartnerID string          `json:"partner_id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
}

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// LedgerEntry is one balance-affecting event, unique by Reference.
type LedgerEntry struct {
	Reference string            `json:"reference"`
	PartnerID string            `json:"partner_id"`
	Amount    decimal.Decimal   `json:"amount"`
	Type      EntryType         `json:"type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SettlementReference is the idempotency key of the normal settlement of an order.
func SettlementReference(orderID string) string {
	return "SETTLE:" + orderID
}

// AdjustmentReference is the idempotency key of a manual balance adjustment.
func AdjustmentReference(ref string) string {
	return "ADJUST:" + ref
}

// LoanEntry records money advanced against an order by loan settlement.
type LoanEntry struct {
	OrderID       string          `json:"order_id"`
	SubMerchantID string          `json:"sub_merchant_id"`
	PartnerID     string          `json:"partner_id"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BalanceMovement describes a balance change for external reconciliation.
type BalanceMovement struct {
	Kind          string          `json:"kind"`
	Reference     string          `json:"reference"`
	OrderID       string          `json:"order_id,omitempty"`
	PartnerID     string          `json:"partner_id,omitempty"`
	SubMerchantID string          `json:"sub_merchant_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	At            time.Time       `json:"at"`
}

// OrderError is a per-order failure reported by batch operations.
type OrderError struct {
	OrderID string `json:"order_id"`
	Message string `json:"message"`
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
