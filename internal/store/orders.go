package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const orderColumns = `id, partner_id, sub_merchant_id, payment_method, amount::text, fee::text,
	pending_amount::text, settlement_amount::text, status, settlement_status, settlement_time,
	is_loan, loan_amount::text, loan_at, loan_by, metadata, created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var amount, fee string
	var pending, settlement, loanAmount *string
	var status string
	var meta []byte
	err := row.Scan(
		&o.ID, &o.PartnerID, &o.SubMerchantID, &o.PaymentMethod, &amount, &fee,
		&pending, &settlement, &status, &o.SettlementStatus, &o.SettlementTime,
		&o.IsLoan, &loanAmount, &o.LoanAt, &o.LoanBy, &meta, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	o.Metadata = meta
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if o.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("parse fee: %w", err)
	}
	if o.PendingAmount, err = parseNumeric(pending); err != nil {
		return nil, fmt.Errorf("parse pending amount: %w", err)
	}
	if o.SettlementAmount, err = parseNumeric(settlement); err != nil {
		return nil, fmt.Errorf("parse settlement amount: %w", err)
	}
	if o.LoanAmount, err = parseNumeric(loanAmount); err != nil {
		return nil, fmt.Errorf("parse loan amount: %w", err)
	}
	return &o, nil
}

func getOrder(ctx context.Context, q querier, id string) (*domain.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, err
}

func queryOrders(ctx context.Context, q querier, sql string, args ...any) ([]domain.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// whereBuilder accumulates AND-ed clauses with numbered placeholders.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (b *whereBuilder) add(clause string, args ...any) {
	for _, a := range args {
		b.args = append(b.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(b.args)), 1)
	}
	b.clauses = append(b.clauses, clause)
}

func (b *whereBuilder) String() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

// addFilter mirrors domain.Filter.Matches.
func (b *whereBuilder) addFilter(f domain.Filter) {
	if f.From != nil {
		b.add("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		b.add("created_at < ?", f.To.UTC())
	}
	if len(f.DaysOfWeek) > 0 {
		days := make([]int32, len(f.DaysOfWeek))
		for i, d := range f.DaysOfWeek {
			days[i] = int32(d)
		}
		b.add("EXTRACT(DOW FROM created_at AT TIME ZONE 'UTC')::int = ANY(?)", days)
	}
	if f.HourStart != nil || f.HourEnd != nil {
		start, end := f.HourWindow()
		hour := "EXTRACT(HOUR FROM created_at AT TIME ZONE 'UTC')::int"
		if start <= end {
			b.add(hour+" >= ? AND "+hour+" < ?", start, end)
		} else {
			b.add("("+hour+" >= ? OR "+hour+" < ?)", start, end)
		}
	}
	if len(f.IncludePartners) > 0 {
		b.add("partner_id = ANY(?)", f.IncludePartners)
	}
	if len(f.ExcludePartners) > 0 {
		b.add("NOT (partner_id = ANY(?))", f.ExcludePartners)
	}
	if len(f.IncludeSubMerchants) > 0 {
		b.add("sub_merchant_id = ANY(?)", f.IncludeSubMerchants)
	}
	if len(f.ExcludeSubMerchants) > 0 {
		b.add("(sub_merchant_id IS NULL OR NOT (sub_merchant_id = ANY(?)))", f.ExcludeSubMerchants)
	}
	if len(f.IncludePaymentMethods) > 0 {
		b.add("payment_method = ANY(?)", f.IncludePaymentMethods)
	}
	if len(f.ExcludePaymentMethods) > 0 {
		b.add("NOT (payment_method = ANY(?))", f.ExcludePaymentMethods)
	}
	if f.MinAmount != nil {
		b.add("amount >= ?::numeric", f.MinAmount.String())
	}
	if f.MaxAmount != nil {
		b.add("amount <= ?::numeric", f.MaxAmount.String())
	}
}

func (s *Postgres) FetchPayable(ctx context.Context, f domain.Filter, after *Cursor, limit int) ([]domain.Order, error) {
	var b whereBuilder
	b.add("status = ?", string(domain.StatusPaid))
	b.add("settlement_time IS NULL")
	b.addFilter(f)
	if after != nil {
		b.add("(created_at, id) > (?, ?)", after.CreatedAt, after.ID)
	}
	b.args = append(b.args, limit)
	sql := fmt.Sprintf("SELECT %s FROM orders%s ORDER BY created_at ASC, id ASC LIMIT $%d",
		orderColumns, b.String(), len(b.args))

	orders, err := queryOrders(ctx, s.Db, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("fetch payable orders: %w", err)
	}
	return orders, nil
}

func (s *Postgres) ClaimOrder(ctx context.Context, id string, from, to domain.OrderStatus) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		"UPDATE orders SET status = $1, updated_at = now() WHERE id = $2 AND status = $3",
		string(to), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("claim order %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ReleaseClaims(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.Db.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = now()
		WHERE id = ANY($2) AND status = $3 AND settlement_time IS NULL
	`, string(domain.StatusPaid), ids, string(domain.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ReleaseStaleClaims(ctx context.Context) (int64, error) {
	tag, err := s.Db.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = now()
		WHERE status = $2 AND settlement_time IS NULL
	`, string(domain.StatusPaid), string(domain.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Warn("released stale claims", zap.Int64("orders", n))
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ListLoanCandidates(ctx context.Context, subMerchantID string, w Window) ([]domain.Order, error) {
	statuses := make([]string, len(domain.LoanSettleableStatuses))
	for i, st := range domain.LoanSettleableStatuses {
		statuses[i] = string(st)
	}
	var b whereBuilder
	b.add("sub_merchant_id = ?", subMerchantID)
	b.add("status = ANY(?)", statuses)
	b.add("settlement_status = ANY(?)", []string{domain.SettlementActive, domain.SettlementCompleted})
	b.add("is_loan = FALSE")
	addWindow(&b, "COALESCE(settlement_time, created_at)", w)

	orders, err := queryOrders(ctx, s.Db,
		"SELECT "+orderColumns+" FROM orders"+b.String()+" ORDER BY created_at ASC, id ASC", b.args...)
	if err != nil {
		return nil, fmt.Errorf("list loan candidates: %w", err)
	}
	return orders, nil
}

func (s *Postgres) ListLoanSettled(ctx context.Context, subMerchantID string, w Window, orderIDs []string) ([]domain.Order, error) {
	var b whereBuilder
	b.add("sub_merchant_id = ?", subMerchantID)
	b.add("status = ?", string(domain.StatusLoanSettle))
	addWindow(&b, "COALESCE(loan_at, created_at)", w)
	if len(orderIDs) > 0 {
		b.add("id = ANY(?)", orderIDs)
	}

	orders, err := queryOrders(ctx, s.Db,
		"SELECT "+orderColumns+" FROM orders"+b.String()+" ORDER BY created_at ASC, id ASC", b.args...)
	if err != nil {
		return nil, fmt.Errorf("list loan settled: %w", err)
	}
	return orders, nil
}

func addWindow(b *whereBuilder, column string, w Window) {
	if !w.From.IsZero() {
		b.add(column+" >= ?", w.From.UTC())
	}
	if !w.To.IsZero() {
		b.add(column+" < ?", w.To.UTC())
	}
}

func (t *pgTx) FinalizeSettlement(ctx context.Context, orderID string, amount decimal.Decimal, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE orders
		SET status = $1, pending_amount = NULL, settlement_amount = $2,
		    settlement_status = $3, settlement_time = $4, updated_at = now()
		WHERE id = $5 AND status = $6
	`, string(domain.StatusSettled), amount.String(), domain.SettlementCompleted, at.UTC(),
		orderID, string(domain.StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("finalize order %s: %w", orderID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateOrderIf(ctx context.Context, o domain.Order, expected domain.OrderStatus) (bool, error) {
	meta := o.Metadata
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE orders
		SET status = $1, pending_amount = $2, settlement_amount = $3, settlement_status = $4,
		    settlement_time = $5, is_loan = $6, loan_amount = $7, loan_at = $8, loan_by = $9,
		    metadata = $10, updated_at = now()
		WHERE id = $11 AND status = $12
	`, string(o.Status), numeric(o.PendingAmount), numeric(o.SettlementAmount), o.SettlementStatus,
		utcPtr(o.SettlementTime), o.IsLoan, numeric(o.LoanAmount), utcPtr(o.LoanAt), o.LoanBy,
		[]byte(meta), o.ID, string(expected))
	if err != nil {
		return false, fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}
