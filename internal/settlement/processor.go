package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/fee"
	"github.com/punchamoorthee/settleops/internal/metrics"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/retry"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrClaimLost means the order left PROCESSING between re-read and finalize.
	ErrClaimLost      = errors.New("claim lost")
	ErrNegativeAmount = errors.New("settlement amount is negative")
)

// Outcome reports what Settle did to one order.
type Outcome struct {
	OrderID string
	// Settled is true only when this call created the ledger entry.
	Settled bool
	Amount  decimal.Decimal
	At      time.Time
}

// Processor settles one claimed order per transaction.
type Processor struct {
	repo   store.Repository
	retry  retry.Policy
	sink   notify.Sink
	logger *zap.Logger
}

func NewProcessor(repo store.Repository, policy retry.Policy, sink notify.Sink, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Processor{repo: repo, retry: policy, sink: sink, logger: logger}
}

// Settle re-reads the order, posts SETTLE:<id> to the ledger and finalizes
// the order from the ledger entry. Repeating it for the same order credits
// the partner at most once.
func (p *Processor) Settle(ctx context.Context, orderID string, meta map[string]string) (Outcome, error) {
	var out Outcome
	policy := p.retry
	policy.OnRetry = func(attempt int, err error) {
		metrics.TxRetries.WithLabelValues("settle").Inc()
		p.logger.Debug("retrying settlement", zap.String("order_id", orderID), zap.Int("attempt", attempt), zap.Error(err))
	}

	var partnerID string
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		out = Outcome{OrderID: orderID}
		return p.repo.InTx(ctx, func(tx store.Tx) error {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if o.Status != domain.StatusProcessing || o.SettlementTime != nil {
				return nil
			}
			partnerID = o.PartnerID

			amount, err := NetAmount(*o, func(id string) (*domain.Partner, error) { return tx.GetPartner(ctx, id) })
			if err != nil {
				return err
			}

			entry, created, err := tx.PostLedgerEntry(ctx, domain.LedgerEntry{
				Reference: domain.SettlementReference(o.ID),
				PartnerID: o.PartnerID,
				Amount:    amount,
				Type:      domain.EntryCredit,
				Metadata:  withOrder(meta, o.ID),
			})
			if err != nil {
				return err
			}

			ok, err := tx.FinalizeSettlement(ctx, o.ID, entry.Amount, entry.CreatedAt)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("finalize %s: %w", o.ID, ErrClaimLost)
			}
			out.Settled = created
			out.Amount = entry.Amount
			out.At = entry.CreatedAt
			return nil
		})
	})
	if err != nil {
		return Outcome{OrderID: orderID}, err
	}

	if out.Settled {
		notify.Publish(ctx, p.sink, p.logger, domain.BalanceMovement{
			Kind:      "settlement",
			Reference: domain.SettlementReference(orderID),
			OrderID:   orderID,
			PartnerID: partnerID,
			Amount:    out.Amount,
			At:        out.At,
		})
	}
	return out, nil
}

// NetAmount is the amount settlement credits for o: the pre-computed
// pending amount, or the gross amount less the partner's fee.
func NetAmount(o domain.Order, partner func(id string) (*domain.Partner, error)) (decimal.Decimal, error) {
	if o.PendingAmount != nil {
		if o.PendingAmount.IsNegative() {
			return decimal.Zero, fmt.Errorf("order %s: %w", o.ID, ErrNegativeAmount)
		}
		return *o.PendingAmount, nil
	}
	pt, err := partner(o.PartnerID)
	if err != nil {
		return decimal.Zero, err
	}
	b, err := fee.ComputeSettlement(o.Amount, fee.Rate{Percent: pt.FeePercent, Flat: pt.FeeFlat})
	if err != nil {
		return decimal.Zero, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if b.Settlement.IsNegative() {
		return decimal.Zero, fmt.Errorf("order %s: %w", o.ID, ErrNegativeAmount)
	}
	return b.Settlement, nil
}

func withOrder(meta map[string]string, orderID string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["order_id"] = orderID
	return out
}
