package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/jobs"
	"github.com/punchamoorthee/settleops/internal/loan"
	"github.com/punchamoorthee/settleops/internal/retry"
	"github.com/punchamoorthee/settleops/internal/settlement"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type fakeScheduler struct {
	mu     sync.Mutex
	events []string
	spec   string
	err    error
}

func (f *fakeScheduler) Update(_ context.Context, spec string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.spec = spec
	return nil
}

func (f *fakeScheduler) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "pause")
}

func (f *fakeScheduler) Restore() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "restore")
}

func (f *fakeScheduler) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type harness struct {
	svc   *Service
	mem   *store.Memory
	sched *fakeScheduler
}

func newHarness(t *testing.T) harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := store.NewMemory(func() time.Time { return t0.Add(time.Hour) })
	mem.PutPartner(domain.Partner{ID: "p1", Balance: decimal.NewFromInt(1000)})
	mem.PutSubMerchant(domain.SubMerchant{ID: "sm1", PartnerID: "p1", Balance: decimal.NewFromInt(1000)})

	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	proc := settlement.NewProcessor(mem, policy, nil, logger)
	runner := settlement.NewRunner(mem, proc, settlement.Config{PageSize: 2, Concurrency: 2, Retry: policy}, logger)
	loans := loan.NewEngine(mem, nil, loan.Config{ChunkSize: 10, ExportDir: t.TempDir(), Retry: policy}, logger, nil)
	manager := jobs.NewManager(mem, logger, nil)
	sched := &fakeScheduler{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	svc := New(mem, runner, loans, manager, sched, nil, Config{PageSize: 2, PreviewSample: 10, Retry: policy}, logger)
	return harness{svc: svc, mem: mem, sched: sched}
}

func (h harness) paid(id, subMerchant string, pending int64) {
	p := decimal.NewFromInt(pending)
	o := domain.Order{
		ID: id, PartnerID: "p1", Amount: p, PendingAmount: &p,
		Status: domain.StatusPaid, SettlementStatus: domain.SettlementActive, CreatedAt: t0,
	}
	if subMerchant != "" {
		o.SubMerchantID = &subMerchant
	}
	h.mem.PutOrder(o)
}

func waitJob(t *testing.T, svc *Service, id string) JobStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := svc.GetJobStatus(id)
		return ok && st.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	st, _ := svc.GetJobStatus(id)
	return st
}

func TestSettlementRunJob(t *testing.T) {
	h := newHarness(t)
	h.paid("o1", "", 100)
	h.paid("o2", "", 50)
	h.paid("o3", "", 25)

	id := h.svc.StartSettlementRun(context.Background(), nil)
	st := waitJob(t, h.svc, id)
	assert.Equal(t, domain.JobCompleted, st.Status)
	assert.Equal(t, 3, st.SettledOrders)
	assert.True(t, st.NetAmount.Equal(decimal.NewFromInt(175)))
	assert.Eventually(t, func() bool { return len(h.sched.Events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pause", "restore"}, h.sched.Events())

	p, err := h.mem.GetPartner(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(1175)))

	all := h.svc.ListJobs()
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].ID)
}

func TestSettlementRunSkippedWhileLocked(t *testing.T) {
	h := newHarness(t)
	h.paid("o1", "", 100)
	lock, ok, err := h.mem.TryLock(context.Background(), "settlement:batch")
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Release(context.Background())

	st := waitJob(t, h.svc, h.svc.StartSettlementRun(context.Background(), nil))
	assert.Equal(t, domain.JobCompleted, st.Status)
	assert.Zero(t, st.SettledOrders)
	res, ok := st.Result.(settlement.RunResult)
	require.True(t, ok)
	assert.True(t, res.Skipped)
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.svc.CancelJob("nope"))
	_, ok := h.svc.GetJobStatus("nope")
	assert.False(t, ok)
}

func TestPreviewSettlement(t *testing.T) {
	h := newHarness(t)
	h.paid("o1", "", 100)
	h.paid("o2", "", 50)

	res, err := h.svc.PreviewSettlement(context.Background(), domain.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalOrders)
	assert.True(t, res.TotalNetAmount.Equal(decimal.NewFromInt(150)))
}

func TestLoanSettlementSyncAndQueued(t *testing.T) {
	h := newHarness(t)
	h.paid("l1", "sm1", 100)
	h.paid("l2", "sm1", 100)

	res, err := h.svc.RunLoanSettlement(context.Background(), loan.Request{SubMerchantID: "sm1", Actor: "ops"})
	require.NoError(t, err)
	assert.Len(t, res.OK, 2)

	id := h.svc.QueueLoanRevert(loan.RevertRequest{SubMerchantID: "sm1", Actor: "ops"})
	st := waitJob(t, h.svc, id)
	assert.Equal(t, domain.JobCompleted, st.Status)
	assert.Equal(t, 2, st.SettledOrders)
	assert.Empty(t, h.sched.Events(), "loan jobs do not pause the schedule")

	o, err := h.mem.GetOrder(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, o.Status)
}

func TestAdjustBalanceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		id, err := h.svc.AdjustBalance(ctx, Adjustment{PartnerID: "p1", Amount: decimal.NewFromInt(-300), Reference: "chargeback-7", Reason: "chargeback"})
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, waitJob(t, h.svc, id).Status)
	}

	p, err := h.mem.GetPartner(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(700)))

	entries := h.mem.LedgerEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "ADJUST:chargeback-7", entries[0].Reference)
	assert.Equal(t, domain.EntryDebit, entries[0].Type)
}

func TestAdjustBalanceRejectsOverdraft(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.AdjustBalance(context.Background(), Adjustment{PartnerID: "p1", Amount: decimal.NewFromInt(-5000)})
	require.NoError(t, err)
	st := waitJob(t, h.svc, id)
	assert.Equal(t, domain.JobFailed, st.Status)
	assert.Contains(t, st.Error, store.ErrInsufficientBalance.Error())

	_, err = h.svc.AdjustBalance(context.Background(), Adjustment{PartnerID: "p1"})
	assert.ErrorIs(t, err, ErrInvalidAdjustment)
}

func TestUpdateSchedule(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.UpdateSchedule(context.Background(), "0 3 * * *"))
	assert.Equal(t, "0 3 * * *", h.sched.spec)

	h.sched.err = errors.New("bad")
	assert.Error(t, h.svc.UpdateSchedule(context.Background(), "x"))

	h.svc.sched = nil
	assert.ErrorIs(t, h.svc.UpdateSchedule(context.Background(), "0 3 * * *"), ErrSchedulerDisabled)
}
