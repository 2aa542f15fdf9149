package settlement

import (
	"context"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/shopspring/decimal"
)

type PreviewItem struct {
	OrderID       string
	PartnerID     string
	SubMerchantID *string
	Amount        decimal.Decimal
	NetAmount     decimal.Decimal
	CreatedAt     time.Time
}

type PreviewResult struct {
	TotalOrders    int
	TotalNetAmount decimal.Decimal
	Sample         []PreviewItem
	Failures       []domain.OrderError
}

// Preview totals what a run with f would settle right now without claiming
// or writing anything. At most sampleSize orders are returned itemised.
func Preview(ctx context.Context, repo store.Repository, f domain.Filter, pageSize, sampleSize int) (PreviewResult, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	res := PreviewResult{TotalNetAmount: decimal.Zero}
	partners := map[string]*domain.Partner{}
	lookup := func(id string) (*domain.Partner, error) {
		if p, ok := partners[id]; ok {
			return p, nil
		}
		p, err := repo.GetPartner(ctx, id)
		if err != nil {
			return nil, err
		}
		partners[id] = p
		return p, nil
	}

	var cursor *store.Cursor
	for {
		orders, err := repo.FetchPayable(ctx, f, cursor, pageSize)
		if err != nil {
			return res, err
		}
		for _, o := range orders {
			net, err := NetAmount(o, lookup)
			if err != nil {
				res.Failures = append(res.Failures, domain.OrderError{OrderID: o.ID, Message: err.Error()})
				continue
			}
			res.TotalOrders++
			res.TotalNetAmount = res.TotalNetAmount.Add(net)
			if len(res.Sample) < sampleSize {
				res.Sample = append(res.Sample, PreviewItem{
					OrderID:       o.ID,
					PartnerID:     o.PartnerID,
					SubMerchantID: o.SubMerchantID,
					Amount:        o.Amount,
					NetAmount:     net,
					CreatedAt:     o.CreatedAt,
				})
			}
		}
		if len(orders) < pageSize {
			return res, nil
		}
		next := store.CursorOf(orders[len(orders)-1])
		cursor = &next
	}
}
