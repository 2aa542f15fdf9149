// Package loan advances a sub-merchant's orders into LN_SETTLED against its
// float and reverts them from the snapshot kept in the order's audit log.
package loan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/metrics"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/retry"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrInvalidRequest = errors.New("invalid loan request")

// Failure is a per-order business rejection. The order's transaction is
// rolled back and the batch continues.
type Failure struct {
	OrderID string
	Message string
}

func (f *Failure) Error() string { return f.Message }

func fail(orderID, format string, args ...any) *Failure {
	return &Failure{OrderID: orderID, Message: fmt.Sprintf(format, args...)}
}

type Request struct {
	SubMerchantID string
	From          time.Time
	To            time.Time
	Note          string
	Actor         string
}

type RevertRequest struct {
	SubMerchantID string
	From          time.Time
	To            time.Time
	// OrderIDs restricts the revert to these orders when non-empty.
	OrderIDs   []string
	ExportOnly bool
	Actor      string
}

// Result lists the orders that changed (OK) or failed. An export-only
// revert changes nothing: its rows are listed in Exported and written to
// ExportFile, and OK stays empty.
type Result struct {
	OK         []string            `json:"ok"`
	Fail       []string            `json:"fail"`
	Errors     []domain.OrderError `json:"errors,omitempty"`
	Exported   []string            `json:"exported,omitempty"`
	ExportFile string              `json:"export_file,omitempty"`
}

func (r *Result) failed(orderID string, err error) {
	r.Fail = append(r.Fail, orderID)
	r.Errors = append(r.Errors, domain.OrderError{OrderID: orderID, Message: err.Error()})
}

type Config struct {
	ChunkSize int
	ExportDir string
	Retry     retry.Policy
}

type Engine struct {
	repo   store.Repository
	sink   notify.Sink
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(repo store.Repository, sink notify.Sink, cfg Config, logger *zap.Logger, now func() time.Time) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Engine{repo: repo, sink: sink, cfg: cfg, logger: logger, now: now}
}

func validate(subMerchantID string, from, to time.Time) error {
	if subMerchantID == "" {
		return fmt.Errorf("%w: sub_merchant_id is required", ErrInvalidRequest)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidRequest)
	}
	return nil
}

// Settle loan-settles every eligible order of the sub-merchant in the
// window. Each order is its own transaction; rejected orders are reported
// in the result and leave no trace.
func (e *Engine) Settle(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req.SubMerchantID, req.From, req.To); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		req.Actor = "system"
	}

	orders, err := e.repo.ListLoanCandidates(ctx, req.SubMerchantID, store.Window{From: req.From, To: req.To})
	if err != nil {
		return nil, fmt.Errorf("list loan candidates: %w", err)
	}
	e.logger.Info("loan settlement started",
		zap.String("sub_merchant_id", req.SubMerchantID),
		zap.Int("candidates", len(orders)),
		zap.String("actor", req.Actor),
	)

	res := &Result{}
	for i, chunk := range chunks(orders, e.cfg.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for _, o := range chunk {
			moved, err := e.settleOne(ctx, o.ID, req)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				res.failed(o.ID, err)
				metrics.LoanOutcomes.WithLabelValues("settle", "fail").Inc()
				e.logger.Warn("loan settlement rejected", zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			res.OK = append(res.OK, o.ID)
			metrics.LoanOutcomes.WithLabelValues("settle", "ok").Inc()
			if moved != nil {
				notify.Publish(ctx, e.sink, e.logger, *moved)
			}
		}
		e.logger.Debug("loan settlement chunk done", zap.Int("chunk", i), zap.Int("ok", len(res.OK)), zap.Int("fail", len(res.Fail)))
	}

	e.logger.Info("loan settlement finished",
		zap.String("sub_merchant_id", req.SubMerchantID),
		zap.Int("ok", len(res.OK)),
		zap.Int("fail", len(res.Fail)),
	)
	return res, nil
}

// LoanAmount is what loan settlement moves for o: the pending amount when
// positive, otherwise the settlement amount.
func LoanAmount(o domain.Order) decimal.Decimal {
	if o.PendingAmount != nil && o.PendingAmount.IsPositive() {
		return *o.PendingAmount
	}
	if o.SettlementAmount != nil {
		return *o.SettlementAmount
	}
	return decimal.Zero
}

func (e *Engine) settleOne(ctx context.Context, orderID string, req Request) (*domain.BalanceMovement, error) {
	var moved *domain.BalanceMovement
	policy := e.retryPolicy("loan_settle", orderID)
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		moved = nil
		return e.repo.InTx(ctx, func(tx store.Tx) error {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if !eligible(*o, req.SubMerchantID) {
				return fail(orderID, "Order %s tidak memenuhi syarat loan settlement (status %s)", orderID, o.Status)
			}

			amount := LoanAmount(*o)
			subMerchantID := *o.SubMerchantID
			if amount.IsPositive() {
				ok, err := tx.AdjustSubMerchantBalance(ctx, subMerchantID, amount.Neg())
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fail(orderID, "Sub-merchant %s tidak ditemukan", subMerchantID)
					}
					return err
				}
				if !ok {
					return fail(orderID, "Saldo sub-merchant tidak mencukupi untuk order %s (dibutuhkan %s)", orderID, amount.StringFixed(3))
				}
				ok, err = tx.AdjustPartnerBalance(ctx, o.PartnerID, amount.Neg())
				if err == nil && !ok {
					if _, uerr := tx.AdjustSubMerchantBalance(ctx, subMerchantID, amount); uerr != nil {
						return uerr
					}
					return fail(orderID, "Saldo partner tidak mencukupi untuk order %s (dibutuhkan %s)", orderID, amount.StringFixed(3))
				}
				if err != nil {
					return err
				}
			} else {
				e.logger.Warn("loan amount is not positive, balances untouched",
					zap.String("order_id", orderID), zap.String("amount", amount.String()))
			}

			prevEntry, err := tx.GetLoanEntry(ctx, orderID)
			if err != nil {
				return err
			}
			now := e.now().UTC()
			next, err := loanSettled(*o, prevEntry, amount, req, now)
			if err != nil {
				return err
			}

			ok, err := tx.UpdateOrderIf(ctx, next, o.Status)
			if err != nil {
				return err
			}
			if !ok {
				if amount.IsPositive() {
					if _, err := tx.AdjustPartnerBalance(ctx, o.PartnerID, amount); err != nil {
						return err
					}
					if _, err := tx.AdjustSubMerchantBalance(ctx, subMerchantID, amount); err != nil {
						return err
					}
				}
				return fail(orderID, "Status order %s berubah saat loan settlement", orderID)
			}

			if err := tx.PutLoanEntry(ctx, domain.LoanEntry{
				OrderID:       orderID,
				SubMerchantID: subMerchantID,
				PartnerID:     o.PartnerID,
				Amount:        amount,
				CreatedAt:     now,
			}); err != nil {
				return err
			}

			if amount.IsPositive() {
				moved = &domain.BalanceMovement{
					Kind:          "loan_settlement",
					Reference:     "LOAN:" + orderID,
					OrderID:       orderID,
					PartnerID:     o.PartnerID,
					SubMerchantID: subMerchantID,
					Amount:        amount.Neg(),
					At:            now,
				}
			}
			return nil
		})
	})
	return moved, err
}

func eligible(o domain.Order, subMerchantID string) bool {
	if o.SubMerchantID == nil || *o.SubMerchantID != subMerchantID {
		return false
	}
	if o.IsLoan || !domain.IsLoanSettleable(o.Status) {
		return false
	}
	return o.SettlementStatus == domain.SettlementActive || o.SettlementStatus == domain.SettlementCompleted
}

// loanSettled returns o moved to LN_SETTLED with an audit entry holding the
// pre-loan snapshot appended to its history.
func loanSettled(o domain.Order, prevEntry *domain.LoanEntry, amount decimal.Decimal, req Request, now time.Time) (domain.Order, error) {
	history, err := domain.LoanHistory(o.Metadata)
	if err != nil {
		return domain.Order{}, err
	}
	snap := domain.SnapshotOf(o, prevEntry)
	history = append(history, domain.LoanAuditEntry{
		Kind:           domain.AuditLoanSettled,
		Reason:         "loan_settlement",
		PreviousStatus: o.Status,
		Actor:          req.Actor,
		At:             now,
		Note:           req.Note,
		Amount:         amount,
		Snapshot:       &snap,
	})

	next := o.Clone()
	next.Metadata, err = domain.WithLoanHistory(o.Metadata, history)
	if err != nil {
		return domain.Order{}, err
	}
	actor := req.Actor
	next.Status = domain.StatusLoanSettle
	next.PendingAmount = nil
	next.SettlementAmount = &amount
	next.SettlementStatus = domain.SettlementCompleted
	if next.SettlementTime == nil {
		next.SettlementTime = &now
	}
	next.IsLoan = true
	next.LoanAmount = &amount
	next.LoanAt = &now
	next.LoanBy = &actor
	return next, nil
}

func (e *Engine) retryPolicy(operation, orderID string) retry.Policy {
	policy := e.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		metrics.TxRetries.WithLabelValues(operation).Inc()
		e.logger.Debug("retrying loan transaction", zap.String("order_id", orderID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return policy
}

func chunks(orders []domain.Order, size int) [][]domain.Order {
	var out [][]domain.Order
	for len(orders) > 0 {
		n := min(size, len(orders))
		out = append(out, orders[:n])
		orders = orders[n:]
	}
	return out
}
