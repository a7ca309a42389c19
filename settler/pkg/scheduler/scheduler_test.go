package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hashfleet/payouts/settler/pkg/scheduler"
	payoutstesting "github.com/hashfleet/payouts/utils/pkg/testing"
)

type runCall struct {
	account string
	coin    string
	start   time.Time
	end     time.Time
}

type runRecorder struct {
	mu    sync.Mutex
	calls []runCall
	errs  map[string]error
}

func (r *runRecorder) run(ctx context.Context, account, coin string, start, end time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{account: account, coin: coin, start: start, end: end})
	if r.errs != nil {
		return r.errs[account+"/"+coin]
	}
	return nil
}

func (r *runRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newScheduler(t *testing.T, clock clockwork.Clock, rec *runRecorder, pairs []scheduler.Pair) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.Config{
		Logger:   payoutstesting.NewLogger(),
		Clock:    clock,
		Name:     "hourly",
		Pairs:    pairs,
		Period:   time.Hour,
		Interval: 5 * time.Minute,
		Run:      rec.run,
	})
	require.NoError(t, err)
	return s
}

func TestPayouts_Scheduler_RunOnce(t *testing.T) {
	t.Parallel()

	t.Run("runs the latest completed window for every pair", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 3, 14, 10, 42, 0, 0, time.UTC)
		clock := clockwork.NewFakeClockAt(now)
		rec := &runRecorder{}
		s := newScheduler(t, clock, rec, []scheduler.Pair{
			{Account: "acct-1", Coin: "XMR"},
			{Account: "acct-2", Coin: "ETC"},
		})

		require.NoError(t, s.RunOnce(context.Background()))
		require.Equal(t, 2, rec.callCount())

		wantStart := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
		wantEnd := wantStart.Add(time.Hour)
		seen := map[string]bool{}
		for _, call := range rec.calls {
			require.Equal(t, wantStart, call.start)
			require.Equal(t, wantEnd, call.end)
			seen[call.account+"/"+call.coin] = true
		}
		require.True(t, seen["acct-1/XMR"])
		require.True(t, seen["acct-2/ETC"])
	})

	t.Run("one failing pair does not stop the others", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 10, 42, 0, 0, time.UTC))
		rec := &runRecorder{errs: map[string]error{
			"acct-1/XMR": errors.New("clickhouse unreachable"),
		}}
		s := newScheduler(t, clock, rec, []scheduler.Pair{
			{Account: "acct-1", Coin: "XMR"},
			{Account: "acct-2", Coin: "ETC"},
		})

		require.NoError(t, s.RunOnce(context.Background()))
		require.Equal(t, 2, rec.callCount())
	})

	t.Run("canceled context surfaces", func(t *testing.T) {
		t.Parallel()

		clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 10, 42, 0, 0, time.UTC))
		rec := &runRecorder{}
		s := newScheduler(t, clock, rec, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.Error(t, s.RunOnce(ctx))
	})
}

func TestPayouts_Scheduler_Start(t *testing.T) {
	t.Parallel()

	t.Run("ticks on the configured interval", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 10, 42, 0, 0, time.UTC))
		rec := &runRecorder{}
		s := newScheduler(t, clock, rec, []scheduler.Pair{{Account: "acct-1", Coin: "XMR"}})

		s.Start(ctx)

		// The immediate run fires before the first tick.
		require.Eventually(t, func() bool { return rec.callCount() >= 1 }, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(5 * time.Minute)
		require.Eventually(t, func() bool { return rec.callCount() >= 2 }, 5*time.Second, 10*time.Millisecond)
	})
}
