package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func newSeeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(func() time.Time { return t0 })
	m.PutPartner(domain.Partner{ID: "p1", Balance: decimal.Zero})
	m.PutSubMerchant(domain.SubMerchant{ID: "sm1", PartnerID: "p1", Balance: decimal.NewFromInt(1000)})
	return m
}

func paidOrder(id string, at time.Time) domain.Order {
	return domain.Order{
		ID: id, PartnerID: "p1", Amount: decimal.NewFromInt(100), Status: domain.StatusPaid,
		SettlementStatus: domain.SettlementActive, CreatedAt: at,
	}
}

func TestClaimOrderIsExclusive(t *testing.T) {
	m := newSeeded(t)
	m.PutOrder(paidOrder("o2", t0))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimOrder(context.Background(), "o2", domain.StatusPaid, domain.StatusProcessing)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestFetchPayableCursorOrdering(t *testing.T) {
	m := newSeeded(t)
	m.PutOrder(paidOrder("b", t0))
	m.PutOrder(paidOrder("a", t0))
	m.PutOrder(paidOrder("c", t0.Add(time.Minute)))
	settled := paidOrder("d", t0)
	settled.Status = domain.StatusSettled
	m.PutOrder(settled)

	ctx := context.Background()
	page, err := m.FetchPayable(ctx, domain.Filter{}, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].ID)
	assert.Equal(t, "b", page[1].ID)

	cur := CursorOf(page[1])
	page, err = m.FetchPayable(ctx, domain.Filter{}, &cur, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)
}

func TestPostLedgerEntryIsIdempotent(t *testing.T) {
	m := newSeeded(t)
	ctx := context.Background()
	entry := domain.LedgerEntry{Reference: "SETTLE:o1", PartnerID: "p1", Amount: decimal.NewFromInt(100), Type: domain.EntryCredit}

	for i := 0; i < 2; i++ {
		err := m.InTx(ctx, func(tx Tx) error {
			got, created, err := tx.PostLedgerEntry(ctx, entry)
			require.NoError(t, err)
			assert.Equal(t, i == 0, created)
			assert.True(t, got.Amount.Equal(decimal.NewFromInt(100)))
			return nil
		})
		require.NoError(t, err)
	}

	p, err := m.GetPartner(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(100)), "balance %s", p.Balance)
	assert.Len(t, m.LedgerEntries(), 1)
}

func TestInTxRollsBackOnError(t *testing.T) {
	m := newSeeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.InTx(ctx, func(tx Tx) error {
		ok, err := tx.AdjustSubMerchantBalance(ctx, "sm1", decimal.NewFromInt(-400))
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	sm, err := m.GetSubMerchant(ctx, "sm1")
	require.NoError(t, err)
	assert.True(t, sm.Balance.Equal(decimal.NewFromInt(1000)))
}

func TestAdjustBalanceRefusesOverdraft(t *testing.T) {
	m := newSeeded(t)
	ctx := context.Background()
	err := m.InTx(ctx, func(tx Tx) error {
		ok, err := tx.AdjustSubMerchantBalance(ctx, "sm1", decimal.NewFromInt(-1001))
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = tx.AdjustPartnerBalance(ctx, "missing", decimal.NewFromInt(1))
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestReleaseStaleClaims(t *testing.T) {
	m := newSeeded(t)
	for i := 0; i < 3; i++ {
		o := paidOrder(fmt.Sprintf("o%d", i), t0)
		o.Status = domain.StatusProcessing
		m.PutOrder(o)
	}
	n, err := m.ReleaseStaleClaims(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	o, err := m.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, o.Status)
}

func TestMemoryLockIsExclusiveUntilRelease(t *testing.T) {
	m := newSeeded(t)
	ctx := context.Background()

	l, ok, err := m.TryLock(ctx, "settlement:batch")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryLock(ctx, "settlement:batch")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx))
	_, ok, err = m.TryLock(ctx, "settlement:batch")
	require.NoError(t, err)
	assert.True(t, ok)
}
