// Package scheduler triggers settlement runs from a cron expression kept in
// the settings store.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SettingKey holds the cron expression of the settlement schedule.
const SettingKey = "settlement.cron"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether spec is a usable schedule.
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

type RunFunc func(ctx context.Context) error

type Scheduler struct {
	cron        *cron.Cron
	settings    store.Settings
	run         RunFunc
	defaultSpec string
	poll        time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	spec   string
	entry  cron.EntryID
	active bool
	paused bool
}

func New(settings store.Settings, run RunFunc, defaultSpec string, poll time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poll <= 0 {
		poll = time.Minute
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		settings:    settings,
		run:         run,
		defaultSpec: defaultSpec,
		poll:        poll,
		logger:      logger,
		ctx:         context.Background(),
	}
}

// Start installs the current schedule and polls the setting until ctx is
// done. It blocks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Warn("failed to reload settlement schedule", zap.Error(err))
			}
		}
	}
}

// Reload reads the schedule setting and replaces the cron entry if the
// expression changed.
func (s *Scheduler) Reload(ctx context.Context) error {
	spec, ok, err := s.settings.GetSetting(ctx, SettingKey)
	if err != nil {
		return fmt.Errorf("read schedule setting: %w", err)
	}
	if !ok || spec == "" {
		spec = s.defaultSpec
	}
	if err := Validate(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if spec == s.spec && (s.active || s.paused) {
		return nil
	}
	s.spec = spec
	if s.paused {
		return nil
	}
	return s.install()
}

// Update validates and persists a new schedule, then applies it.
func (s *Scheduler) Update(ctx context.Context, spec string) error {
	if err := Validate(spec); err != nil {
		return err
	}
	if err := s.settings.PutSetting(ctx, SettingKey, spec); err != nil {
		return fmt.Errorf("save schedule setting: %w", err)
	}
	return s.Reload(ctx)
}

// Pause removes the cron entry until Restore.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.remove()
	s.logger.Debug("settlement schedule paused")
}

// Restore reinstalls the schedule removed by Pause.
func (s *Scheduler) Restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	if s.spec == "" {
		return
	}
	if err := s.install(); err != nil {
		s.logger.Error("failed to restore settlement schedule", zap.Error(err))
	}
}

// Spec returns the active expression and whether it is currently installed.
func (s *Scheduler) Spec() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec, s.active
}

// Next returns the next tick, zero when nothing is scheduled.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) install() error {
	s.remove()
	id, err := s.cron.AddFunc(s.spec, s.tick)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}
	s.entry = id
	s.active = true
	s.logger.Info("settlement schedule installed", zap.String("cron", s.spec))
	return nil
}

func (s *Scheduler) remove() {
	if s.active {
		s.cron.Remove(s.entry)
		s.active = false
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.logger.Info("scheduled settlement tick")
	if err := s.run(ctx); err != nil {
		s.logger.Error("scheduled settlement failed", zap.Error(err))
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
