package loan

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/metrics"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/retry"
	"github.com/punchamoorthee/settleops/internal/store"
	"go.uber.org/zap"
)

// plan is the computed effect of reverting one order.
type plan struct {
	current domain.Order
	next    domain.Order
	entry   domain.LoanAuditEntry
	// restoreEntry is the loan record to put back; nil deletes it.
	restoreEntry *domain.LoanEntry
}

// Revert restores LN_SETTLED orders of the sub-merchant to their pre-loan
// snapshot. With ExportOnly nothing is mutated; the would-be changes are
// written to a CSV file instead.
func (e *Engine) Revert(ctx context.Context, req RevertRequest) (*Result, error) {
	if err := validate(req.SubMerchantID, req.From, req.To); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		req.Actor = "system"
	}

	orders, err := e.repo.ListLoanSettled(ctx, req.SubMerchantID, store.Window{From: req.From, To: req.To}, req.OrderIDs)
	if err != nil {
		return nil, fmt.Errorf("list loan settled orders: %w", err)
	}
	e.logger.Info("loan revert started",
		zap.String("sub_merchant_id", req.SubMerchantID),
		zap.Int("orders", len(orders)),
		zap.Bool("export_only", req.ExportOnly),
	)

	if req.ExportOnly {
		return e.exportRevert(req, orders)
	}

	res := &Result{}
	for _, chunk := range chunks(orders, e.cfg.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for _, o := range chunk {
			moved, err := e.revertOne(ctx, o.ID, req.Actor)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				res.failed(o.ID, err)
				metrics.LoanOutcomes.WithLabelValues("revert", "fail").Inc()
				e.logger.Warn("loan revert rejected", zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			res.OK = append(res.OK, o.ID)
			metrics.LoanOutcomes.WithLabelValues("revert", "ok").Inc()
			if moved != nil {
				notify.Publish(ctx, e.sink, e.logger, *moved)
			}
		}
	}

	e.logger.Info("loan revert finished",
		zap.String("sub_merchant_id", req.SubMerchantID),
		zap.Int("ok", len(res.OK)),
		zap.Int("fail", len(res.Fail)),
	)
	return res, nil
}

func (e *Engine) exportRevert(req RevertRequest, orders []domain.Order) (*Result, error) {
	res := &Result{}
	rows := make([]exportRow, 0, len(orders))
	now := e.now().UTC()
	for _, o := range orders {
		p, err := planRevert(o, req.Actor, now)
		if err != nil {
			res.failed(o.ID, err)
			continue
		}
		res.Exported = append(res.Exported, o.ID)
		rows = append(rows, exportRow{current: p.current, restored: p.next})
	}
	path, err := writeExport(e.cfg.ExportDir, req.SubMerchantID, now, rows)
	if err != nil {
		return res, err
	}
	res.ExportFile = path
	e.logger.Info("loan revert exported", zap.String("file", path), zap.Int("rows", len(rows)))
	return res, nil
}

func (e *Engine) revertOne(ctx context.Context, orderID, actor string) (*domain.BalanceMovement, error) {
	var moved *domain.BalanceMovement
	policy := e.retryPolicy("loan_revert", orderID)
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		moved = nil
		return e.repo.InTx(ctx, func(tx store.Tx) error {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			now := e.now().UTC()
			p, err := planRevert(*o, actor, now)
			if err != nil {
				return err
			}

			ok, err := tx.UpdateOrderIf(ctx, p.next, domain.StatusLoanSettle)
			if err != nil {
				return err
			}
			if !ok {
				return fail(orderID, "Status order %s berubah saat revert", orderID)
			}

			current, err := tx.GetLoanEntry(ctx, orderID)
			if err != nil {
				return err
			}
			if p.restoreEntry != nil {
				err = tx.PutLoanEntry(ctx, *p.restoreEntry)
			} else {
				err = tx.DeleteLoanEntry(ctx, orderID)
			}
			if err != nil {
				return err
			}

			amount := p.entry.Amount
			if !amount.IsPositive() {
				return nil
			}
			subMerchantID := ""
			if current != nil {
				subMerchantID = current.SubMerchantID
			} else if o.SubMerchantID != nil {
				subMerchantID = *o.SubMerchantID
			}
			if _, err := tx.AdjustSubMerchantBalance(ctx, subMerchantID, amount); err != nil {
				return err
			}
			if _, err := tx.AdjustPartnerBalance(ctx, o.PartnerID, amount); err != nil {
				return err
			}
			moved = &domain.BalanceMovement{
				Kind:          "loan_revert",
				Reference:     "LOAN_REVERT:" + orderID,
				OrderID:       orderID,
				PartnerID:     o.PartnerID,
				SubMerchantID: subMerchantID,
				Amount:        amount,
				At:            now,
			}
			return nil
		})
	})
	return moved, err
}

// planRevert finds the latest un-reverted loan entry of o and computes the
// restored order with the entry marked reverted and a revert entry appended.
func planRevert(o domain.Order, actor string, now time.Time) (plan, error) {
	if o.Status != domain.StatusLoanSettle {
		return plan{}, fail(o.ID, "Order %s tidak dalam status %s", o.ID, domain.StatusLoanSettle)
	}
	history, err := domain.LoanHistory(o.Metadata)
	if err != nil {
		return plan{}, err
	}
	idx := domain.LatestUnreverted(history)
	if idx < 0 || history[idx].Snapshot == nil {
		return plan{}, fail(o.ID, "Order %s: snapshot tidak ditemukan", o.ID)
	}

	settled := history[idx]
	history[idx].Reverted = true
	history[idx].RevertedAt = &now
	history[idx].RevertedBy = actor
	revertOf := idx
	history = append(history, domain.LoanAuditEntry{
		Kind:           domain.AuditLoanReverted,
		Reason:         "loan_settlement_revert",
		PreviousStatus: o.Status,
		Actor:          actor,
		At:             now,
		Amount:         settled.Amount,
		RevertOf:       &revertOf,
	})

	next := o.Clone()
	settled.Snapshot.Apply(&next)
	next.Metadata, err = domain.WithLoanHistory(o.Metadata, history)
	if err != nil {
		return plan{}, err
	}
	return plan{current: o, next: next, entry: settled, restoreEntry: settled.Snapshot.LoanEntry}, nil
}
