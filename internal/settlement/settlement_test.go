package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/retry"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seed(t *testing.T, n int) *store.Memory {
	t.Helper()
	m := store.NewMemory(func() time.Time { return t0.Add(time.Hour) })
	m.PutPartner(domain.Partner{ID: "p1", Balance: decimal.Zero, FeePercent: dec("1.5"), FeeFlat: dec("200")})
	for i := 0; i < n; i++ {
		pending := decimal.NewFromInt(100)
		m.PutOrder(domain.Order{
			ID:               fmt.Sprintf("o%03d", i),
			PartnerID:        "p1",
			Amount:           decimal.NewFromInt(110),
			PendingAmount:    &pending,
			Status:           domain.StatusPaid,
			SettlementStatus: domain.SettlementActive,
			// Several orders share a timestamp so the id tiebreak is exercised.
			CreatedAt: t0.Add(time.Duration(i/3) * time.Minute),
		})
	}
	return m
}

func newRunner(t *testing.T, m *store.Memory, pageSize, concurrency int) *Runner {
	t.Helper()
	logger := zaptest.NewLogger(t)
	proc := NewProcessor(m, fastRetry, nil, logger)
	return NewRunner(m, proc, Config{PageSize: pageSize, Concurrency: concurrency, Retry: fastRetry}, logger)
}

type countingProgress struct {
	mu        sync.Mutex
	settled   int
	net       decimal.Decimal
	failures  []domain.OrderError
	cancelAt  int
	pollCount int
	stopped   bool
}

func (p *countingProgress) MarkCancelled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *countingProgress) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollCount++
	return p.cancelAt > 0 && p.pollCount > p.cancelAt
}

func (p *countingProgress) Add(n int, net decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled += n
	p.net = p.net.Add(net)
}

func (p *countingProgress) AddFailure(e domain.OrderError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, e)
}

func TestSettleIsIdempotentUnderConcurrency(t *testing.T) {
	m := seed(t, 1)
	ok, err := m.ClaimOrder(context.Background(), "o000", domain.StatusPaid, domain.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	proc := NewProcessor(m, fastRetry, nil, zaptest.NewLogger(t))
	var wg sync.WaitGroup
	results := make([]Outcome, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := proc.Settle(context.Background(), "o000", nil)
			assert.NoError(t, err)
			results[i] = out
		}()
	}
	wg.Wait()

	assert.NotEqual(t, results[0].Settled, results[1].Settled, "exactly one call settles")
	require.Len(t, m.LedgerEntries(), 1)
	assert.Equal(t, "SETTLE:o000", m.LedgerEntries()[0].Reference)

	p, err := m.GetPartner(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(100)), "balance %s", p.Balance)

	o, err := m.GetOrder(context.Background(), "o000")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, o.Status)
	assert.Nil(t, o.PendingAmount)
	require.NotNil(t, o.SettlementAmount)
	assert.True(t, o.SettlementAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, domain.SettlementCompleted, o.SettlementStatus)
}

func TestSettleComputesFeeWithoutPendingAmount(t *testing.T) {
	m := seed(t, 0)
	m.PutOrder(domain.Order{
		ID: "gross", PartnerID: "p1", Amount: dec("1000"),
		Status: domain.StatusProcessing, SettlementStatus: domain.SettlementActive, CreatedAt: t0,
	})

	out, err := NewProcessor(m, fastRetry, nil, nil).Settle(context.Background(), "gross", nil)
	require.NoError(t, err)
	assert.True(t, out.Settled)
	assert.True(t, out.Amount.Equal(dec("785")), "got %s", out.Amount)
}

func TestSettleSkipsOrderNotInProcessing(t *testing.T) {
	m := seed(t, 1)
	out, err := NewProcessor(m, fastRetry, nil, nil).Settle(context.Background(), "o000", nil)
	require.NoError(t, err)
	assert.False(t, out.Settled)
	assert.Empty(t, m.LedgerEntries())
}

func TestRunSettlesEveryOrderForAnyPageSize(t *testing.T) {
	for _, pageSize := range []int{1, 2, 3, 7, 50} {
		for _, concurrency := range []int{1, 4} {
			t.Run(fmt.Sprintf("page=%d/conc=%d", pageSize, concurrency), func(t *testing.T) {
				m := seed(t, 20)
				progress := &countingProgress{net: decimal.Zero}

				res, err := newRunner(t, m, pageSize, concurrency).Run(context.Background(), domain.Filter{}, progress)
				require.NoError(t, err)
				assert.False(t, res.Skipped)
				assert.False(t, progress.stopped)
				assert.Equal(t, 20, res.Settled)
				assert.Equal(t, 20, progress.settled)
				assert.True(t, res.NetAmount.Equal(decimal.NewFromInt(2000)))
				assert.Empty(t, res.Failures)
				assert.Len(t, m.LedgerEntries(), 20)

				for i := 0; i < 20; i++ {
					o, err := m.GetOrder(context.Background(), fmt.Sprintf("o%03d", i))
					require.NoError(t, err)
					assert.Equal(t, domain.StatusSettled, o.Status)
				}
			})
		}
	}
}

func TestRunSecondPassIsNoop(t *testing.T) {
	m := seed(t, 5)
	r := newRunner(t, m, 2, 2)

	_, err := r.Run(context.Background(), domain.Filter{}, nil)
	require.NoError(t, err)
	res, err := r.Run(context.Background(), domain.Filter{}, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Settled)
	assert.Len(t, m.LedgerEntries(), 5)
}

func TestRunRecoversStaleClaims(t *testing.T) {
	m := seed(t, 3)
	_, err := m.ClaimOrder(context.Background(), "o001", domain.StatusPaid, domain.StatusProcessing)
	require.NoError(t, err)

	res, err := newRunner(t, m, 10, 1).Run(context.Background(), domain.Filter{}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Released)
	assert.Equal(t, 3, res.Settled)
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	m := seed(t, 2)
	lock, ok, err := m.TryLock(context.Background(), "settlement:batch")
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Release(context.Background())

	res, err := newRunner(t, m, 10, 1).Run(context.Background(), domain.Filter{}, nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, m.LedgerEntries())
}

func TestRunStopsBetweenPagesWhenCancelled(t *testing.T) {
	m := seed(t, 10)
	progress := &countingProgress{net: decimal.Zero, cancelAt: 2}

	res, err := newRunner(t, m, 3, 2).Run(context.Background(), domain.Filter{}, progress)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.True(t, progress.stopped)
	assert.Equal(t, 6, res.Settled)

	orders, err := m.FetchPayable(context.Background(), domain.Filter{}, nil, 100)
	require.NoError(t, err)
	assert.Len(t, orders, 4, "unprocessed orders stay payable")
}

func TestRunReportsFailuresAndReleasesClaims(t *testing.T) {
	m := seed(t, 2)
	m.PutOrder(domain.Order{
		ID: "orphan", PartnerID: "missing", Amount: dec("50"),
		Status: domain.StatusPaid, SettlementStatus: domain.SettlementActive, CreatedAt: t0,
	})

	progress := &countingProgress{net: decimal.Zero}
	res, err := newRunner(t, m, 10, 2).Run(context.Background(), domain.Filter{}, progress)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Settled)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "orphan", res.Failures[0].OrderID)
	assert.Len(t, progress.failures, 1)

	o, err := m.GetOrder(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, o.Status)
}

func TestRunHonoursFilter(t *testing.T) {
	m := seed(t, 4)
	m.PutPartner(domain.Partner{ID: "p2", Balance: decimal.Zero})
	pending := decimal.NewFromInt(7)
	m.PutOrder(domain.Order{
		ID: "other", PartnerID: "p2", Amount: dec("7"), PendingAmount: &pending,
		Status: domain.StatusPaid, SettlementStatus: domain.SettlementActive, CreatedAt: t0,
	})

	res, err := newRunner(t, m, 10, 1).Run(context.Background(), domain.Filter{IncludePartners: []string{"p2"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.True(t, res.NetAmount.Equal(pending))
}

func TestPreviewDoesNotMutate(t *testing.T) {
	m := seed(t, 5)
	res, err := Preview(context.Background(), m, domain.Filter{}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalOrders)
	assert.True(t, res.TotalNetAmount.Equal(decimal.NewFromInt(500)))
	assert.Len(t, res.Sample, 3)
	assert.Empty(t, m.LedgerEntries())

	orders, err := m.FetchPayable(context.Background(), domain.Filter{}, nil, 100)
	require.NoError(t, err)
	assert.Len(t, orders, 5)
}
