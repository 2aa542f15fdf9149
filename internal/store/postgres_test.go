package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgres(t *testing.T) (*Postgres, string) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn, 8, nil)
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pg.Close)
	require.NoError(t, pg.Migrate(ctx))

	suffix := uuid.NewString()[:8]
	partnerID := "p-" + suffix
	_, err = pg.Db.Exec(ctx, "INSERT INTO partners (id, name, balance) VALUES ($1, 'test', 0)", partnerID)
	require.NoError(t, err)
	_, err = pg.Db.Exec(ctx, "INSERT INTO sub_merchants (id, partner_id, balance) VALUES ($1, $2, 1000)", "sm-"+suffix, partnerID)
	require.NoError(t, err)
	return pg, suffix
}

func insertPaidOrder(t *testing.T, pg *Postgres, id, partnerID string, at time.Time) {
	t.Helper()
	_, err := pg.Db.Exec(context.Background(), `
		INSERT INTO orders (id, partner_id, amount, pending_amount, status, settlement_status, created_at)
		VALUES ($1, $2, 150, 100, 'PAID', 'ACTIVE', $3)
	`, id, partnerID, at)
	require.NoError(t, err)
}

func TestPostgresClaimAndSettle(t *testing.T) {
	pg, suffix := setupPostgres(t)
	ctx := context.Background()
	partnerID := "p-" + suffix
	orderID := "o-" + suffix
	insertPaidOrder(t, pg, orderID, partnerID, time.Now().UTC())

	ok, err := pg.ClaimOrder(ctx, orderID, domain.StatusPaid, domain.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = pg.ClaimOrder(ctx, orderID, domain.StatusPaid, domain.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := domain.LedgerEntry{
		Reference: domain.SettlementReference(orderID), PartnerID: partnerID,
		Amount: decimal.NewFromInt(100), Type: domain.EntryCredit,
	}
	for i := 0; i < 2; i++ {
		err = pg.InTx(ctx, func(tx Tx) error {
			got, created, err := tx.PostLedgerEntry(ctx, entry)
			if err != nil {
				return err
			}
			assert.Equal(t, i == 0, created)
			_, err = tx.FinalizeSettlement(ctx, orderID, got.Amount, got.CreatedAt)
			return err
		})
		require.NoError(t, err)
	}

	p, err := pg.GetPartner(ctx, partnerID)
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(100)))

	o, err := pg.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, o.Status)
	assert.Nil(t, o.PendingAmount)
}

func TestPostgresAdvisoryLock(t *testing.T) {
	pg, suffix := setupPostgres(t)
	ctx := context.Background()
	key := "test-lock-" + suffix

	l, ok, err := pg.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = pg.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "second session must not acquire the lock")

	require.NoError(t, l.Release(ctx))
	l2, ok, err := pg.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l2.Release(ctx))
}

func TestPostgresFetchPayableFilter(t *testing.T) {
	pg, suffix := setupPostgres(t)
	ctx := context.Background()
	partnerID := "p-" + suffix
	base := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	insertPaidOrder(t, pg, "a-"+suffix, partnerID, base)
	insertPaidOrder(t, pg, "b-"+suffix, partnerID, base.Add(13*time.Hour))

	start, end := 8, 12
	f := domain.Filter{IncludePartners: []string{partnerID}, HourStart: &start, HourEnd: &end}
	orders, err := pg.FetchPayable(ctx, f, nil, 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "a-"+suffix, orders[0].ID)
}
