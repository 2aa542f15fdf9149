// Package settlement claims payable orders page by page and converts their
// pending amount into a ledger-backed, exactly-once credit.
package settlement

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/metrics"
	"github.com/punchamoorthee/settleops/internal/retry"
	"github.com/punchamoorthee/settleops/internal/store"
	"go.uber.org/zap"
)

// Claimer pages through payable orders and claims them with a status
// compare-and-swap.
type Claimer struct {
	repo   store.Repository
	retry  retry.Policy
	logger *zap.Logger
}

func NewClaimer(repo store.Repository, policy retry.Policy, logger *zap.Logger) *Claimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Claimer{repo: repo, retry: policy, logger: logger}
}

// Page is one fetched slice of the payable ordering.
type Page struct {
	Orders []domain.Order
	// Next is the cursor after the last order, nil when the page was empty.
	Next *store.Cursor
	// Last is true when the page was shorter than requested.
	Last bool
}

// NextPage fetches the orders strictly after cursor.
func (c *Claimer) NextPage(ctx context.Context, f domain.Filter, cursor *store.Cursor, size int) (Page, error) {
	orders, err := c.repo.FetchPayable(ctx, f, cursor, size)
	if err != nil {
		return Page{}, err
	}
	p := Page{Orders: orders, Last: len(orders) < size}
	if len(orders) > 0 {
		next := store.CursorOf(orders[len(orders)-1])
		p.Next = &next
	}
	return p, nil
}

// Claim moves each order PAID -> PROCESSING and returns the ones this
// caller won. Orders claimed elsewhere are dropped without error.
func (c *Claimer) Claim(ctx context.Context, orders []domain.Order) ([]domain.Order, error) {
	claimed := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		var ok bool
		err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
			var err error
			ok, err = c.repo.ClaimOrder(ctx, o.ID, domain.StatusPaid, domain.StatusProcessing)
			return err
		})
		if err != nil {
			return claimed, fmt.Errorf("claim %s: %w", o.ID, err)
		}
		if !ok {
			metrics.ClaimConflicts.Inc()
			c.logger.Debug("order claimed elsewhere", zap.String("order_id", o.ID))
			continue
		}
		o.Status = domain.StatusProcessing
		claimed = append(claimed, o)
	}
	return claimed, nil
}
