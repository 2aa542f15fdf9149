package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LoanHistoryKey is the metadata key holding the loan settlement audit log.
const LoanHistoryKey = "loanSettlementHistory"

// LoanAuditKind tags the variant of a LoanAuditEntry.
type LoanAuditKind string

const (
	AuditLoanSettled  LoanAuditKind = "loan_settled"
	AuditLoanReverted LoanAuditKind = "loan_reverted"
)

// LoanSnapshot captures every order field a loan mutation changes.
type LoanSnapshot struct {
	Status           OrderStatus      `json:"status"`
	PendingAmount    *decimal.Decimal `json:"pending_amount,omitempty"`
	SettlementAmount *decimal.Decimal `json:"settlement_amount,omitempty"`
	SettlementStatus string           `json:"settlement_status"`
	SettlementTime   *time.Time       `json:"settlement_time,omitempty"`
	IsLoan           bool             `json:"is_loan"`
	LoanAmount       *decimal.Decimal `json:"loan_amount,omitempty"`
	LoanAt           *time.Time       `json:"loan_at,omitempty"`
	LoanBy           *string          `json:"loan_by,omitempty"`
	// LoanEntry is the loan record as it existed before; nil means none.
	LoanEntry *LoanEntry `json:"loan_entry,omitempty"`
}

// SnapshotOf captures the loan-mutable fields of o.
func SnapshotOf(o Order, entry *LoanEntry) LoanSnapshot {
	c := o.Clone()
	var le *LoanEntry
	if entry != nil {
		v := *entry
		le = &v
	}
	return LoanSnapshot{
		Status:           c.Status,
		PendingAmount:    c.PendingAmount,
		SettlementAmount: c.SettlementAmount,
		SettlementStatus: c.SettlementStatus,
		SettlementTime:   c.SettlementTime,
		IsLoan:           c.IsLoan,
		LoanAmount:       c.LoanAmount,
		LoanAt:           c.LoanAt,
		LoanBy:           c.LoanBy,
		LoanEntry:        le,
	}
}

// Apply writes the snapshot back onto o.
func (s LoanSnapshot) Apply(o *Order) {
	o.Status = s.Status
	o.PendingAmount = cloneDecimal(s.PendingAmount)
	o.SettlementAmount = cloneDecimal(s.SettlementAmount)
	o.SettlementStatus = s.SettlementStatus
	o.SettlementTime = cloneTime(s.SettlementTime)
	o.IsLoan = s.IsLoan
	o.LoanAmount = cloneDecimal(s.LoanAmount)
	o.LoanAt = cloneTime(s.LoanAt)
	o.LoanBy = cloneString(s.LoanBy)
}

// LoanAuditEntry is one element of an order's loan settlement history.
// A loan_settled entry carries Snapshot; a loan_reverted entry carries RevertOf.
type LoanAuditEntry struct {
	Kind           LoanAuditKind   `json:"kind"`
	Reason         string          `json:"reason"`
	PreviousStatus OrderStatus     `json:"previous_status"`
	Actor          string          `json:"actor"`
	At             time.Time       `json:"at"`
	Note           string          `json:"note,omitempty"`
	Amount         decimal.Decimal `json:"amount"`

	Snapshot   *LoanSnapshot `json:"snapshot,omitempty"`
	Reverted   bool          `json:"reverted,omitempty"`
	RevertedAt *time.Time    `json:"reverted_at,omitempty"`
	RevertedBy string        `json:"reverted_by,omitempty"`

	RevertOf *int `json:"revert_of,omitempty"`
}

// LoanHistory decodes the audit log stored in an order's metadata.
func LoanHistory(meta json.RawMessage) ([]LoanAuditEntry, error) {
	doc, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	raw, ok := doc[LoanHistoryKey]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var entries []LoanAuditEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode loan history: %w", err)
	}
	return entries, nil
}

// WithLoanHistory returns meta with its audit log replaced by entries.
// Every other metadata key is preserved as-is.
func WithLoanHistory(meta json.RawMessage, entries []LoanAuditEntry) (json.RawMessage, error) {
	doc, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode loan history: %w", err)
	}
	doc[LoanHistoryKey] = raw
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return out, nil
}

// LatestUnreverted returns the index of the most recent loan_settled entry
// not yet reverted, or -1.
func LatestUnreverted(entries []LoanAuditEntry) int {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Kind == AuditLoanSettled && !e.Reverted {
			return i
		}
	}
	return -1
}

func decodeMetadata(meta json.RawMessage) (map[string]json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(meta) == 0 || string(meta) == "null" {
		return doc, nil
	}
	if err := json.Unmarshal(meta, &doc); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	return doc, nil
}
