package housekeeping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "campaignq/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	err := s.Add("refresh", "every minute", 0, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Empty(t, s.Jobs())
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	fail := errors.New("store down")
	var calls atomic.Int32
	require.NoError(t, s.Add("refresh", "@every 1m", time.Second, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return fail
		}
		_, ok := ctx.Deadline()
		assert.True(t, ok, "timeout applies")
		return nil
	}))

	require.ErrorIs(t, s.RunNow(context.Background(), "refresh"), fail)
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Errors)
	assert.Equal(t, "store down", jobs[0].LastErr)

	require.NoError(t, s.RunNow(context.Background(), "refresh"))
	jobs = s.Jobs()
	assert.Equal(t, 2, jobs[0].Runs)
	assert.Empty(t, jobs[0].LastErr)

	require.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)
}

func TestScheduledRun(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	var calls atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", 0, func(context.Context) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Next.IsZero())

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestReschedule(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	require.NoError(t, s.Add("refresh", "@every 1m", 0, func(context.Context) error { return nil }))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, s.Reschedule("refresh", "*/5 * * * *"))
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "*/5 * * * *", jobs[0].Spec)
	assert.Equal(t, 0, jobs[0].Next.Minute()%5)

	require.ErrorIs(t, s.Reschedule("missing", "@every 1m"), ErrUnknownJob)
}
