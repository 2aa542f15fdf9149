package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/jobs"
	"github.com/punchamoorthee/settleops/internal/loan"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/retry"
	"github.com/punchamoorthee/settleops/internal/settlement"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAdjustment = errors.New("invalid balance adjustment")
	ErrSchedulerDisabled = errors.New("scheduler is disabled")
)

// Scheduler is the part of the cron scheduler the service drives.
type Scheduler interface {
	Update(ctx context.Context, spec string) error
	Pause()
	Restore()
}

type Config struct {
	PageSize      int
	PreviewSample int
	Retry         retry.Policy
}

// Service is the entry point used by the HTTP layer and the scheduler.
type Service struct {
	repo   store.Repository
	runner *settlement.Runner
	loans  *loan.Engine
	jobs   *jobs.Manager
	sched  Scheduler
	sink   notify.Sink
	cfg    Config
	logger *zap.Logger
}

// New wires the service. sched may be nil when scheduling is disabled;
// otherwise manual settlement jobs pause the schedule while they run.
func New(repo store.Repository, runner *settlement.Runner, loans *loan.Engine, manager *jobs.Manager, sched Scheduler, sink notify.Sink, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if cfg.PreviewSample <= 0 {
		cfg.PreviewSample = 50
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	s := &Service{repo: repo, runner: runner, loans: loans, jobs: manager, sched: sched, sink: sink, cfg: cfg, logger: logger}
	if sched != nil {
		manager.OnStart(func(j domain.Job) {
			if j.Kind == domain.JobSettlement {
				sched.Pause()
			}
		})
		manager.OnFinish(func(j domain.Job) {
			if j.Kind == domain.JobSettlement {
				sched.Restore()
			}
		})
	}
	return s
}

// StartSettlementRun queues a settlement run and returns its job id.
func (s *Service) StartSettlementRun(_ context.Context, f *domain.Filter) string {
	filter := domain.Filter{}
	if f != nil {
		filter = *f
	}
	job := s.jobs.Enqueue(domain.JobSettlement, f, func(ctx context.Context, p *jobs.Progress) (any, error) {
		res, err := s.runner.Run(ctx, filter, p)
		return res, err
	})
	return job.ID
}

// RunScheduled is the scheduler's tick: a settlement run over every
// payable order, skipped when another run holds the lock.
func (s *Service) RunScheduled(ctx context.Context) error {
	res, err := s.runner.Run(ctx, domain.Filter{}, settlement.NopProgress)
	if err != nil {
		return err
	}
	if !res.Skipped {
		s.logger.Info("scheduled settlement completed", zap.Int("settled", res.Settled), zap.String("net_amount", res.NetAmount.String()))
	}
	return nil
}

type JobStatus struct {
	ID            string              `json:"id"`
	Kind          domain.JobKind      `json:"kind"`
	Status        domain.JobStatus    `json:"status"`
	SettledOrders int                 `json:"settled_orders"`
	NetAmount     decimal.Decimal     `json:"net_amount"`
	Failures      []domain.OrderError `json:"failures,omitempty"`
	Error         string              `json:"error,omitempty"`
	Result        any                 `json:"result,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	FinishedAt    *time.Time          `json:"finished_at,omitempty"`
}

func statusOf(j domain.Job) JobStatus {
	return JobStatus{
		ID:            j.ID,
		Kind:          j.Kind,
		Status:        j.Status,
		SettledOrders: j.SettledOrders,
		NetAmount:     j.NetAmount,
		Failures:      j.Failures,
		Error:         j.Error,
		Result:        j.Result,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
}

func (s *Service) GetJobStatus(id string) (JobStatus, bool) {
	j, ok := s.jobs.Get(id)
	if !ok {
		return JobStatus{}, false
	}
	return statusOf(j), true
}

func (s *Service) ListJobs() []JobStatus {
	all := s.jobs.List()
	out := make([]JobStatus, len(all))
	for i, j := range all {
		out[i] = statusOf(j)
	}
	return out
}

func (s *Service) CancelJob(id string) bool {
	return s.jobs.Cancel(id)
}

func (s *Service) PreviewSettlement(ctx context.Context, f domain.Filter) (settlement.PreviewResult, error) {
	return settlement.Preview(ctx, s.repo, f, s.cfg.PageSize, s.cfg.PreviewSample)
}

// RunLoanSettlement loan-settles synchronously.
func (s *Service) RunLoanSettlement(ctx context.Context, req loan.Request) (*loan.Result, error) {
	return s.loans.Settle(ctx, req)
}

// QueueLoanSettlement runs the loan settlement as a job behind any queued
// settlement runs.
func (s *Service) QueueLoanSettlement(req loan.Request) string {
	job := s.jobs.Enqueue(domain.JobLoanSettlement, nil, func(ctx context.Context, p *jobs.Progress) (any, error) {
		res, err := s.loans.Settle(ctx, req)
		reportLoan(p, res)
		return res, err
	})
	return job.ID
}

func (s *Service) RevertLoanSettlement(ctx context.Context, req loan.RevertRequest) (*loan.Result, error) {
	return s.loans.Revert(ctx, req)
}

func (s *Service) QueueLoanRevert(req loan.RevertRequest) string {
	job := s.jobs.Enqueue(domain.JobLoanRevert, nil, func(ctx context.Context, p *jobs.Progress) (any, error) {
		res, err := s.loans.Revert(ctx, req)
		reportLoan(p, res)
		return res, err
	})
	return job.ID
}

func reportLoan(p *jobs.Progress, res *loan.Result) {
	if res == nil {
		return
	}
	p.Add(len(res.OK), decimal.Zero)
	for _, e := range res.Errors {
		p.AddFailure(e)
	}
}

type Adjustment struct {
	PartnerID string
	// Amount is signed: positive credits the partner, negative debits it.
	Amount    decimal.Decimal
	Reference string
	Reason    string
	Actor     string
}

// AdjustBalance queues a manual ledger adjustment. The reference makes the
// adjustment idempotent; an empty reference gets a fresh one.
func (s *Service) AdjustBalance(_ context.Context, adj Adjustment) (string, error) {
	if adj.PartnerID == "" {
		return "", fmt.Errorf("%w: partner_id is required", ErrInvalidAdjustment)
	}
	if adj.Amount.IsZero() {
		return "", fmt.Errorf("%w: amount must be non-zero", ErrInvalidAdjustment)
	}
	if adj.Reference == "" {
		adj.Reference = uuid.NewString()
	}

	job := s.jobs.Enqueue(domain.JobAdjustment, nil, func(ctx context.Context, p *jobs.Progress) (any, error) {
		entry, created, err := s.postAdjustment(ctx, adj)
		if err != nil {
			return nil, err
		}
		if created {
			p.Add(0, entry.Amount)
			notify.Publish(ctx, s.sink, s.logger, domain.BalanceMovement{
				Kind:      "adjustment",
				Reference: entry.Reference,
				PartnerID: entry.PartnerID,
				Amount:    entry.Amount,
				At:        entry.CreatedAt,
			})
		}
		return map[string]any{"entry": entry, "created": created}, nil
	})
	return job.ID, nil
}

func (s *Service) postAdjustment(ctx context.Context, adj Adjustment) (domain.LedgerEntry, bool, error) {
	typ := domain.EntryCredit
	if adj.Amount.IsNegative() {
		typ = domain.EntryDebit
	}
	var (
		entry   domain.LedgerEntry
		created bool
	)
	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(tx store.Tx) error {
			var err error
			entry, created, err = tx.PostLedgerEntry(ctx, domain.LedgerEntry{
				Reference: domain.AdjustmentReference(adj.Reference),
				PartnerID: adj.PartnerID,
				Amount:    adj.Amount,
				Type:      typ,
				Metadata:  map[string]string{"reason": adj.Reason, "actor": adj.Actor},
			})
			return err
		})
	})
	return entry, created, err
}

// UpdateSchedule persists a new cron expression for scheduled runs.
func (s *Service) UpdateSchedule(ctx context.Context, spec string) error {
	if s.sched == nil {
		return ErrSchedulerDisabled
	}
	return s.sched.Update(ctx, spec)
}
