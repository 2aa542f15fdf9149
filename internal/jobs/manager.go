// Package jobs runs settlement, loan and adjustment work one job at a time
// in submission order and tracks each job's lifecycle.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/metrics"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInterrupted is recorded on jobs found unfinished at startup.
var ErrInterrupted = errors.New("interrupted by restart")

// Func is the body of a job. The returned result is stored on the job.
type Func func(ctx context.Context, p *Progress) (any, error)

// Hook observes a job transition. Hooks run on the worker goroutine.
type Hook func(job domain.Job)

type entry struct {
	job domain.Job
	fn  Func
	// stopped is set by the job body when it honoured a cancel request.
	stopped bool
}

type Manager struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	pending []string
	wake    chan struct{}

	onStart  []Hook
	onFinish []Hook

	persist store.Jobs
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a manager. persist may be nil.
func NewManager(persist store.Jobs, logger *zap.Logger, now func() time.Time) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		jobs:    map[string]*entry{},
		wake:    make(chan struct{}, 1),
		persist: persist,
		logger:  logger,
		now:     now,
	}
}

func (m *Manager) OnStart(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStart = append(m.onStart, h)
}

func (m *Manager) OnFinish(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinish = append(m.onFinish, h)
}

// Recover loads persisted jobs. Jobs that never reached a terminal state
// are marked failed.
func (m *Manager) Recover(ctx context.Context, limit int) error {
	if m.persist == nil {
		return nil
	}
	loaded, err := m.persist.LoadJobs(ctx, limit)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	m.mu.Lock()
	var interrupted []domain.Job
	for _, job := range loaded {
		if !job.Status.Terminal() {
			now := m.now()
			job.Status = domain.JobFailed
			job.Error = ErrInterrupted.Error()
			job.FinishedAt = &now
			interrupted = append(interrupted, job)
		}
		m.jobs[job.ID] = &entry{job: job}
	}
	m.mu.Unlock()

	for _, job := range interrupted {
		m.logger.Warn("job interrupted by restart", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
		m.save(ctx, job)
	}
	return nil
}

// Enqueue records a queued job and schedules fn behind any earlier jobs.
func (m *Manager) Enqueue(kind domain.JobKind, filter *domain.Filter, fn Func) domain.Job {
	job := domain.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    domain.JobQueued,
		NetAmount: decimal.Zero,
		Filter:    filter,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = &entry{job: job, fn: fn}
	m.pending = append(m.pending, job.ID)
	metrics.QueueDepth.Set(float64(len(m.pending)))
	m.mu.Unlock()

	m.save(context.Background(), job)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.logger.Info("job queued", zap.String("job_id", job.ID), zap.String("kind", string(kind)))
	return copyJob(job)
}

func (m *Manager) Get(id string) (domain.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return copyJob(e.job), true
}

// List returns jobs newest first.
func (m *Manager) List() []domain.Job {
	m.mu.Lock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, copyJob(e.job))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel cancels a queued job outright or flags a running one; the running
// job stops at its next cancellation check. It returns false for unknown
// or finished jobs.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok || e.job.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	e.job.CancelRequested = true
	if e.job.Status == domain.JobQueued {
		now := m.now()
		e.job.Status = domain.JobCancelled
		e.job.FinishedAt = &now
		m.removePending(id)
	}
	job := e.job
	m.mu.Unlock()

	if job.Status == domain.JobCancelled {
		metrics.Jobs.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	}
	m.save(context.Background(), job)
	m.logger.Info("job cancel requested", zap.String("job_id", id), zap.String("status", string(job.Status)))
	return true
}

// Run is the single worker loop. It returns when ctx is done; the job in
// flight sees the cancelled context.
func (m *Manager) Run(ctx context.Context) {
	for {
		id, ok := m.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}
		m.execute(ctx, id)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) next() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pending) > 0 {
		id := m.pending[0]
		m.pending = m.pending[1:]
		metrics.QueueDepth.Set(float64(len(m.pending)))
		if e, ok := m.jobs[id]; ok && e.job.Status == domain.JobQueued {
			return id, true
		}
	}
	return "", false
}

func (m *Manager) execute(ctx context.Context, id string) {
	m.mu.Lock()
	e := m.jobs[id]
	now := m.now()
	e.job.Status = domain.JobRunning
	e.job.StartedAt = &now
	started := copyJob(e.job)
	fn := e.fn
	startHooks := append([]Hook(nil), m.onStart...)
	finishHooks := append([]Hook(nil), m.onFinish...)
	m.mu.Unlock()

	m.save(ctx, started)
	for _, h := range startHooks {
		h(started)
	}

	result, err := m.invoke(ctx, fn, &Progress{m: m, id: id})

	m.mu.Lock()
	finishedAt := m.now()
	e.job.FinishedAt = &finishedAt
	e.job.Result = result
	switch {
	case err != nil:
		e.job.Status = domain.JobFailed
		e.job.Error = err.Error()
	case e.stopped:
		e.job.Status = domain.JobCancelled
	default:
		e.job.Status = domain.JobCompleted
	}
	e.fn = nil
	finished := copyJob(e.job)
	m.mu.Unlock()

	metrics.Jobs.WithLabelValues(string(finished.Kind), string(finished.Status)).Inc()
	m.save(context.WithoutCancel(ctx), finished)
	fields := []zap.Field{
		zap.String("job_id", id),
		zap.String("kind", string(finished.Kind)),
		zap.String("status", string(finished.Status)),
		zap.Int("settled_orders", finished.SettledOrders),
		zap.String("net_amount", finished.NetAmount.String()),
	}
	if err != nil {
		m.logger.Error("job failed", append(fields, zap.Error(err))...)
	} else {
		m.logger.Info("job finished", fields...)
	}
	for _, h := range finishHooks {
		h(finished)
	}
}

func (m *Manager) invoke(ctx context.Context, fn Func, p *Progress) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	if fn == nil {
		return nil, errors.New("job has no body")
	}
	return fn(ctx, p)
}

func (m *Manager) removePending(id string) {
	for i, pid := range m.pending {
		if pid == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			metrics.QueueDepth.Set(float64(len(m.pending)))
			return
		}
	}
}

func (m *Manager) save(ctx context.Context, job domain.Job) {
	if m.persist == nil {
		return
	}
	if err := m.persist.SaveJob(ctx, job); err != nil {
		m.logger.Warn("failed to persist job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func copyJob(j domain.Job) domain.Job {
	if j.Failures != nil {
		j.Failures = append([]domain.OrderError(nil), j.Failures...)
	}
	if j.Filter != nil {
		f := *j.Filter
		j.Filter = &f
	}
	return j
}

// Progress is a running job's handle on its own record.
type Progress struct {
	m  *Manager
	id string
}

func (p *Progress) Cancelled() bool {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.m.jobs[p.id].job.CancelRequested
}

// MarkCancelled records that the job stopped early because of a cancel
// request. A job that finishes its work without calling it completes even
// when a cancel was requested.
func (p *Progress) MarkCancelled() {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.m.jobs[p.id].stopped = true
}

func (p *Progress) Add(settled int, net decimal.Decimal) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	j := &p.m.jobs[p.id].job
	j.SettledOrders += settled
	j.NetAmount = j.NetAmount.Add(net)
}

func (p *Progress) AddFailure(e domain.OrderError) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	j := &p.m.jobs[p.id].job
	j.Failures = append(j.Failures, e)
}

// JobID is the id of the job this handle belongs to.
func (p *Progress) JobID() string { return p.id }
