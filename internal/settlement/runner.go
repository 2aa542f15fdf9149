package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/metrics"
	"github.com/punchamoorthee/settleops/internal/retry"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Progress receives per-page counters and is polled for cancellation
// between pages. MarkCancelled is called once the run has stopped on a
// cancel request and released what it held.
type Progress interface {
	Cancelled() bool
	MarkCancelled()
	Add(settled int, net decimal.Decimal)
	AddFailure(domain.OrderError)
}

type nopProgress struct{}

func (nopProgress) Cancelled() bool              { return false }
func (nopProgress) MarkCancelled()               {}
func (nopProgress) Add(int, decimal.Decimal)     {}
func (nopProgress) AddFailure(domain.OrderError) {}

// NopProgress is used by scheduled ticks that have no job record.
var NopProgress Progress = nopProgress{}

type Config struct {
	PageSize    int
	Concurrency int
	// PageDelay is slept between pages when Concurrency is 1.
	PageDelay time.Duration
	LockKey   string
	Retry     retry.Policy
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LockKey == "" {
		c.LockKey = "settlement:batch"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy
	}
	return c
}

type RunResult struct {
	// Skipped is set when another run held the batch lock.
	Skipped   bool
	Cancelled bool
	Pages     int
	Claimed   int
	Settled   int
	NetAmount decimal.Decimal
	Released  int64
	Failures  []domain.OrderError
}

// Runner executes one settlement pass under the batch lock.
type Runner struct {
	repo    store.Repository
	claimer *Claimer
	proc    *Processor
	cfg     Config
	logger  *zap.Logger
}

func NewRunner(repo store.Repository, proc *Processor, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Runner{
		repo:    repo,
		claimer: NewClaimer(repo, cfg.Retry, logger),
		proc:    proc,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run settles every payable order matching f. It returns Skipped when the
// batch lock is held elsewhere. Per-order failures are collected; only
// paging, claiming and release errors abort the run.
func (r *Runner) Run(ctx context.Context, f domain.Filter, progress Progress) (res RunResult, err error) {
	if progress == nil {
		progress = NopProgress
	}
	res.NetAmount = decimal.Zero
	start := time.Now()
	defer func() {
		label := "completed"
		switch {
		case err != nil:
			label = "failed"
		case res.Skipped:
			label = "skipped"
		case res.Cancelled:
			label = "cancelled"
		}
		metrics.RunDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	lock, ok, err := r.repo.TryLock(ctx, r.cfg.LockKey)
	if err != nil {
		return res, err
	}
	if !ok {
		r.logger.Info("settlement run skipped, lock held", zap.String("lock", r.cfg.LockKey))
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			r.logger.Error("failed to release batch lock", zap.Error(rerr))
		}
	}()

	// Orders left PROCESSING by a crashed run can only be reclaimed here,
	// while no other run is active.
	stale, err := r.repo.ReleaseStaleClaims(ctx)
	if err != nil {
		return res, err
	}
	if stale > 0 {
		metrics.ClaimsReleased.Add(float64(stale))
		res.Released += stale
	}

	var cursor *store.Cursor
	for {
		if progress.Cancelled() {
			res.Cancelled = true
			progress.MarkCancelled()
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := r.claimer.NextPage(ctx, f, cursor, r.cfg.PageSize)
		if err != nil {
			return res, err
		}
		if len(page.Orders) == 0 {
			break
		}
		res.Pages++
		cursor = page.Next

		settled, net, released, err := r.runPage(ctx, page.Orders, progress, &res)
		res.Settled += settled
		res.NetAmount = res.NetAmount.Add(net)
		res.Released += released
		progress.Add(settled, net)
		if err != nil {
			return res, err
		}

		if page.Last {
			break
		}
		if r.cfg.Concurrency == 1 && r.cfg.PageDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(r.cfg.PageDelay):
			}
		}
	}

	r.logger.Info("settlement run finished",
		zap.Int("pages", res.Pages),
		zap.Int("claimed", res.Claimed),
		zap.Int("settled", res.Settled),
		zap.String("net_amount", res.NetAmount.String()),
		zap.Int("failures", len(res.Failures)),
		zap.Bool("cancelled", res.Cancelled),
	)
	return res, nil
}

func (r *Runner) runPage(ctx context.Context, orders []domain.Order, progress Progress, res *RunResult) (int, decimal.Decimal, int64, error) {
	claimed, err := r.claimer.Claim(ctx, orders)
	res.Claimed += len(claimed)
	if err != nil {
		released, rerr := r.release(ctx, ids(claimed))
		return 0, decimal.Zero, released, errors.Join(err, rerr)
	}

	var (
		mu       sync.Mutex
		settled  int
		net      = decimal.Zero
		resolved = make(map[string]bool, len(claimed))
	)
	meta := map[string]string{"source": "batch"}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, o := range claimed {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out, err := r.proc.Settle(ctx, o.ID, meta)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, ErrClaimLost) || errors.Is(err, context.Canceled) {
					return nil
				}
				fail := domain.OrderError{OrderID: o.ID, Message: err.Error()}
				res.Failures = append(res.Failures, fail)
				progress.AddFailure(fail)
				metrics.OrderFailures.WithLabelValues("settle").Inc()
				r.logger.Warn("order settlement failed", zap.String("order_id", o.ID), zap.Error(err))
				return nil
			}
			resolved[o.ID] = true
			if out.Settled {
				settled++
				net = net.Add(out.Amount)
				metrics.OrdersSettled.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	var pending []string
	for _, o := range claimed {
		if !resolved[o.ID] {
			pending = append(pending, o.ID)
		}
	}
	released, err := r.release(ctx, pending)
	return settled, net, released, err
}

// release returns claimed-but-unsettled orders to PAID. It runs on a
// detached context so a cancelled run does not strand claims.
func (r *Runner) release(ctx context.Context, orderIDs []string) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	n, err := r.repo.ReleaseClaims(context.WithoutCancel(ctx), orderIDs)
	if err != nil {
		r.logger.Error("failed to release claims", zap.Strings("order_ids", orderIDs), zap.Error(err))
		return 0, err
	}
	metrics.ClaimsReleased.Add(float64(n))
	return n, nil
}

func ids(orders []domain.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}
