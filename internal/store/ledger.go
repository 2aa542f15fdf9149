package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
)

func (t *pgTx) PostLedgerEntry(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, bool, error) {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	// ON CONFLICT waits for a concurrent insert of the same reference to
	// finish, so the loser sees the winner's row below.
	err := t.q.QueryRow(ctx, `
		INSERT INTO ledger_entries (reference, partner_id, amount, type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		ON CONFLICT (reference) DO NOTHING
		RETURNING created_at
	`, e.Reference, e.PartnerID, e.Amount.String(), string(e.Type), e.Metadata, nullTime(e.CreatedAt)).Scan(&e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := t.GetLedgerEntry(ctx, e.Reference)
		if err != nil {
			return domain.LedgerEntry{}, false, err
		}
		return *existing, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("ledger entry failed: %w", err)
	}

	ok, err := t.AdjustPartnerBalance(ctx, e.PartnerID, e.Amount)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if !ok {
		return domain.LedgerEntry{}, false, fmt.Errorf("partner %s: %w", e.PartnerID, ErrInsufficientBalance)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, true, nil
}

func (t *pgTx) GetLedgerEntry(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var amount, typ string
	err := t.q.QueryRow(ctx, `
		SELECT reference, partner_id, amount::text, type, metadata, created_at
		FROM ledger_entries WHERE reference = $1
	`, reference).Scan(&e.Reference, &e.PartnerID, &amount, &typ, &e.Metadata, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s: %w", reference, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	e.Type = domain.EntryType(typ)
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse ledger amount: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (t *pgTx) GetLoanEntry(ctx context.Context, orderID string) (*domain.LoanEntry, error) {
	var e domain.LoanEntry
	var amount string
	err := t.q.QueryRow(ctx, `
		SELECT order_id, sub_merchant_id, partner_id, amount::text, created_at
		FROM loan_entries WHERE order_id = $1
	`, orderID).Scan(&e.OrderID, &e.SubMerchantID, &e.PartnerID, &amount, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get loan entry %s: %w", orderID, err)
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse loan amount: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (t *pgTx) PutLoanEntry(ctx context.Context, e domain.LoanEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO loan_entries (order_id, sub_merchant_id, partner_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO UPDATE
		SET sub_merchant_id = EXCLUDED.sub_merchant_id, partner_id = EXCLUDED.partner_id,
		    amount = EXCLUDED.amount, created_at = EXCLUDED.created_at
	`, e.OrderID, e.SubMerchantID, e.PartnerID, e.Amount.String(), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put loan entry %s: %w", e.OrderID, err)
	}
	return nil
}

func (t *pgTx) DeleteLoanEntry(ctx context.Context, orderID string) error {
	if _, err := t.q.Exec(ctx, "DELETE FROM loan_entries WHERE order_id = $1", orderID); err != nil {
		return fmt.Errorf("delete loan entry %s: %w", orderID, err)
	}
	return nil
}
