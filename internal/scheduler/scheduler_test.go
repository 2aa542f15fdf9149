package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func noop(context.Context) error { return nil }

func TestReloadFallsBackToDefault(t *testing.T) {
	s := New(store.NewMemory(nil), noop, "*/15 * * * *", time.Minute, zaptest.NewLogger(t))
	require.NoError(t, s.Reload(context.Background()))

	spec, active := s.Spec()
	assert.Equal(t, "*/15 * * * *", spec)
	assert.True(t, active)
}

func TestUpdatePersistsAndReschedules(t *testing.T) {
	mem := store.NewMemory(nil)
	s := New(mem, noop, "*/15 * * * *", time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, s.Reload(ctx))

	require.NoError(t, s.Update(ctx, "0 2 * * *"))
	spec, active := s.Spec()
	assert.Equal(t, "0 2 * * *", spec)
	assert.True(t, active)

	stored, ok, err := mem.GetSetting(ctx, SettingKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0 2 * * *", stored)

	assert.Error(t, s.Update(ctx, "not a schedule"))
	spec, _ = s.Spec()
	assert.Equal(t, "0 2 * * *", spec)
}

func TestPauseAndRestore(t *testing.T) {
	mem := store.NewMemory(nil)
	s := New(mem, noop, "*/15 * * * *", time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, s.Reload(ctx))

	s.Pause()
	_, active := s.Spec()
	assert.False(t, active)
	assert.True(t, s.Next().IsZero())

	// A schedule change while paused is applied on restore.
	require.NoError(t, mem.PutSetting(ctx, SettingKey, "@hourly"))
	require.NoError(t, s.Reload(ctx))
	_, active = s.Spec()
	assert.False(t, active)

	s.Restore()
	spec, active := s.Spec()
	assert.Equal(t, "@hourly", spec)
	assert.True(t, active)
}

func TestScheduledTickRunsSettlement(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real cron tick")
	}
	var runs atomic.Int32
	s := New(store.NewMemory(nil), func(context.Context) error {
		runs.Add(1)
		return nil
	}, "@every 1s", 10*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("*/5 * * * *"))
	assert.NoError(t, Validate("30 */5 * * * *"))
	assert.Error(t, Validate("61 * * * *"))
}
