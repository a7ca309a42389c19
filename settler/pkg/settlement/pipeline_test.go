package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hashfleet/payouts/settler/pkg/rates"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
	payoutstesting "github.com/hashfleet/payouts/utils/pkg/testing"
)

const unclaimedUser = "user-unclaimed"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeRates struct {
	snap *rates.Snapshot
	age  time.Duration
	ok   bool
}

func (f *fakeRates) Resolve(ctx context.Context, coin string) (*rates.Snapshot, time.Duration, bool) {
	return f.snap, f.age, f.ok
}

type fakeRewards struct {
	reward decimal.Decimal
	err    error
}

func (f *fakeRewards) WindowReward(ctx context.Context, account, coin string, start, end time.Time) (decimal.Decimal, error) {
	return f.reward, f.err
}

type fakeScores struct {
	scores  []settlement.CategoryScore
	samples int
	err     error
}

func (f *fakeScores) WindowScores(ctx context.Context, account, coin string, start, end time.Time) ([]settlement.CategoryScore, int, error) {
	return f.scores, f.samples, f.err
}

type fakeOwners struct {
	owners map[string]string
	err    error
}

func (f *fakeOwners) Owners(ctx context.Context, workerIDs []string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, id := range workerIDs {
		if owner, ok := f.owners[id]; ok {
			out[id] = owner
		} else {
			out[id] = unclaimedUser
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu           sync.Mutex
	nextID       int
	windows      map[string]*settlement.Window
	byKey        map[string]string
	applications []settlement.UserApplication
	applied      map[string]bool
	applyErr     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		windows: map[string]*settlement.Window{},
		byKey:   map[string]string{},
		applied: map[string]bool{},
	}
}

func windowKey(account, coin string, start time.Time) string {
	return fmt.Sprintf("%s|%s|%d", account, coin, start.Unix())
}

func (f *fakeLedger) InsertProcessingWindow(ctx context.Context, w *settlement.Window) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := windowKey(w.Account, w.Coin, w.Start)
	if _, exists := f.byKey[key]; exists {
		return false, nil
	}
	f.nextID++
	w.ID = fmt.Sprintf("win-%d", f.nextID)
	w.Status = settlement.StatusProcessing
	clone := *w
	f.windows[w.ID] = &clone
	f.byKey[key] = w.ID
	return true, nil
}

func (f *fakeLedger) FinalizeWindow(ctx context.Context, w *settlement.Window) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.windows[w.ID]; !exists {
		return fmt.Errorf("window %s not found", w.ID)
	}
	clone := *w
	f.windows[w.ID] = &clone
	return nil
}

func (f *fakeLedger) MarkWindowProcessing(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, exists := f.windows[id]
	if !exists || w.Status != settlement.StatusFailed {
		return false, nil
	}
	w.Status = settlement.StatusProcessing
	return true, nil
}

func (f *fakeLedger) GetWindow(ctx context.Context, id string) (*settlement.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, exists := f.windows[id]
	if !exists {
		return nil, nil
	}
	clone := *w
	return &clone, nil
}

func (f *fakeLedger) ApplyUserSettlement(ctx context.Context, app settlement.UserApplication) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return false, f.applyErr
	}
	key := app.UserID + "|" + app.WindowToken
	if f.applied[key] {
		return false, nil
	}
	f.applied[key] = true
	f.applications = append(f.applications, app)
	return true, nil
}

func (f *fakeLedger) applicationFor(userID string) (settlement.UserApplication, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, app := range f.applications {
		if app.UserID == userID {
			return app, true
		}
	}
	return settlement.UserApplication{}, false
}

type fakeNotifier struct {
	mu     sync.Mutex
	failed []string
}

func (f *fakeNotifier) WindowFailed(ctx context.Context, w *settlement.Window, runErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, w.ID)
	return nil
}

type engineFixture struct {
	rates    *fakeRates
	rewards  *fakeRewards
	scores   *fakeScores
	owners   *fakeOwners
	ledger   *fakeLedger
	notifier *fakeNotifier
}

func newFixture() *engineFixture {
	return &engineFixture{
		rates: &fakeRates{
			snap: &rates.Snapshot{
				Coin:              "XMR",
				CoinToCredit:      d("2"),
				CreditToReference: d("0.001"),
				ReferenceToFiat:   d("50000"),
				Provenance:        "oracle:test",
			},
			ok: true,
		},
		rewards: &fakeRewards{reward: decimal.NewFromInt(5)},
		scores: &fakeScores{
			scores: []settlement.CategoryScore{
				{WorkerID: "w1", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(70)},
				{WorkerID: "w2", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(30)},
			},
			samples: 60,
		},
		owners: &fakeOwners{owners: map[string]string{
			"w1": "user-1",
			"w2": "user-2",
		}},
		ledger:   newFakeLedger(),
		notifier: &fakeNotifier{},
	}
}

func (fx *engineFixture) engine(t *testing.T) *settlement.Engine {
	t.Helper()
	engine, err := settlement.NewEngine(settlement.EngineConfig{
		Logger:          payoutstesting.NewLogger(),
		Clock:           clockwork.NewFakeClock(),
		Rates:           fx.rates,
		Rewards:         fx.rewards,
		Scores:          fx.scores,
		Ownership:       fx.owners,
		Ledger:          fx.ledger,
		Notifier:        fx.notifier,
		UnclaimedUserID: unclaimedUser,
		ScoreCadence:    time.Minute,
	})
	require.NoError(t, err)
	return engine
}

var (
	windowStart = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(time.Hour)
)

func TestPayouts_Settlement_Engine_SettleWindow(t *testing.T) {
	t.Parallel()

	t.Run("settles a window end to end", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		w, err := fx.engine(t).SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.NotNil(t, w)
		require.Equal(t, settlement.StatusSuccess, w.Status)
		require.Equal(t, settlement.SourcePoolScores, w.Source)
		require.Equal(t, "oracle:test", w.RateProvenance)

		// 5 coin at 2.0 is 10 credit, at 0.001 is 0.01 reference.
		require.True(t, w.TotalCoin.Equal(d("5")))
		require.True(t, w.TotalCredit.Equal(d("10")))
		require.True(t, w.TotalReference.Equal(d("0.01")))

		app1, ok := fx.ledger.applicationFor("user-1")
		require.True(t, ok)
		require.Len(t, app1.Lines, 1)
		require.True(t, app1.Lines[0].Reference.Equal(d("0.007")), "got %s", app1.Lines[0].Reference)
		require.True(t, app1.Lines[0].Credit.Equal(d("7")))
		require.True(t, app1.Lines[0].Fiat.Equal(d("350")))

		app2, ok := fx.ledger.applicationFor("user-2")
		require.True(t, ok)
		require.True(t, app2.Lines[0].Reference.Equal(d("0.003")))

		require.Equal(t, settlement.Token("acct-1", "XMR", windowStart), app1.WindowToken)
		require.Equal(t, windowEnd, app1.OccurredAt)
	})

	t.Run("defers when no usable rate snapshot exists", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.rates.ok = false

		w, err := fx.engine(t).SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.Nil(t, w)
		require.Empty(t, fx.ledger.windows, "deferral must not write a row")
	})

	t.Run("defers when the rate snapshot is stale", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.rates.age = 2 * time.Hour

		w, err := fx.engine(t).SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.Nil(t, w)
		require.Empty(t, fx.ledger.windows)
	})

	t.Run("backs off when another run owns the window", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		engine := fx.engine(t)

		first, err := engine.SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := engine.SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.Nil(t, second)
		require.Len(t, fx.ledger.applications, 2, "no duplicate applications")
	})

	t.Run("skips the window when there is no reward", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.rewards.reward = decimal.Zero

		w, err := fx.engine(t).SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.NotNil(t, w)
		require.Equal(t, settlement.StatusSkipped, w.Status)
		require.Equal(t, settlement.ReasonNoReward, w.FallbackReason)
		require.Empty(t, fx.ledger.applications)

		stored, err := fx.ledger.GetWindow(context.Background(), w.ID)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusSkipped, stored.Status)
	})

	t.Run("routes the whole reward to unclaimed on an empty score window", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.scores.scores = nil

		w, err := fx.engine(t).SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusSuccess, w.Status)
		require.Equal(t, settlement.SourceAdminFallback, w.Source)
		require.Equal(t, settlement.ReasonEmptyScoreWindow, w.FallbackReason)

		app, ok := fx.ledger.applicationFor(unclaimedUser)
		require.True(t, ok)
		require.True(t, app.Lines[0].Reference.Equal(d("0.01")))
		require.Len(t, fx.ledger.applications, 1)
	})

	t.Run("truncation remainder lands on the unclaimed user", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.scores.scores = []settlement.CategoryScore{
			{WorkerID: "w1", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(1)},
			{WorkerID: "w2", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(1)},
			{WorkerID: "w3", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(1)},
		}
		fx.owners.owners["w3"] = "user-3"

		w, err := fx.engine(t).SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusSuccess, w.Status)

		total := decimal.Zero
		for _, app := range fx.ledger.applications {
			for _, line := range app.Lines {
				total = total.Add(line.Reference)
			}
		}
		require.True(t, total.Equal(w.TotalReference), "allocated %s of %s", total, w.TotalReference)

		app, ok := fx.ledger.applicationFor(unclaimedUser)
		require.True(t, ok)
		require.True(t, app.Lines[0].Reference.Equal(d("0.00000001")))
	})

	t.Run("splits shares across categories by device mix", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.scores.scores = []settlement.CategoryScore{
			{WorkerID: "w1", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(60)},
			{WorkerID: "w1b", Category: settlement.CategoryGPU, Score: decimal.NewFromInt(40)},
		}
		fx.owners.owners = map[string]string{"w1": "user-1", "w1b": "user-1"}

		w, err := fx.engine(t).SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusSuccess, w.Status)

		app, ok := fx.ledger.applicationFor("user-1")
		require.True(t, ok)
		require.Len(t, app.Lines, 2)

		byCategory := map[settlement.Category]decimal.Decimal{}
		for _, line := range app.Lines {
			byCategory[line.Category] = line.Reference
		}
		require.True(t, byCategory[settlement.CategoryCPU].Equal(d("0.006")), "got %s", byCategory[settlement.CategoryCPU])
		require.True(t, byCategory[settlement.CategoryGPU].Equal(d("0.004")), "got %s", byCategory[settlement.CategoryGPU])
		require.True(t, w.CategoryTotals[settlement.CategoryCPU].Equal(d("0.006")))
		require.True(t, w.CategoryTotals[settlement.CategoryGPU].Equal(d("0.004")))
	})

	t.Run("category override wins over the device mix", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		engine, err := settlement.NewEngine(settlement.EngineConfig{
			Logger:            payoutstesting.NewLogger(),
			Clock:             clockwork.NewFakeClock(),
			Rates:             fx.rates,
			Rewards:           fx.rewards,
			Scores:            fx.scores,
			Ownership:         fx.owners,
			Ledger:            fx.ledger,
			UnclaimedUserID:   unclaimedUser,
			CategoryOverrides: map[string]settlement.Category{"XMR": settlement.CategoryGPU},
		})
		require.NoError(t, err)

		w, err := engine.SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusSuccess, w.Status)

		app, ok := fx.ledger.applicationFor("user-1")
		require.True(t, ok)
		require.Len(t, app.Lines, 1)
		require.Equal(t, settlement.CategoryGPU, app.Lines[0].Category)
	})

	t.Run("marks the window failed when applying a user errors", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.ledger.applyErr = errors.New("connection reset")

		w, err := fx.engine(t).SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.Error(t, err)
		require.Equal(t, settlement.StatusFailed, w.Status)
		require.Contains(t, fx.notifier.failed, w.ID)

		stored, getErr := fx.ledger.GetWindow(context.Background(), w.ID)
		require.NoError(t, getErr)
		require.Equal(t, settlement.StatusFailed, stored.Status)
	})

	t.Run("marks the window failed when score aggregation errors", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.scores.err = errors.New("clickhouse unreachable")

		w, err := fx.engine(t).SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.Error(t, err)
		require.Equal(t, settlement.StatusFailed, w.Status)
	})
}

// recordingOwners returns only mapped workers, so unmapped ones exercise the
// unclaimed fallback, and records each lookup.
type recordingOwners struct {
	owners map[string]string
	calls  [][]string
}

func (f *recordingOwners) Owners(ctx context.Context, workerIDs []string) (map[string]string, error) {
	f.calls = append(f.calls, workerIDs)
	out := map[string]string{}
	for _, id := range workerIDs {
		if owner, ok := f.owners[id]; ok {
			out[id] = owner
		}
	}
	return out, nil
}

func TestPayouts_Settlement_FoldScores(t *testing.T) {
	t.Parallel()

	scores := []settlement.CategoryScore{
		{WorkerID: "w1", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(60)},
		{WorkerID: "w1", Category: settlement.CategoryGPU, Score: decimal.NewFromInt(40)},
		{WorkerID: "w2", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(30)},
		{WorkerID: "w9", Category: settlement.CategoryGPU, Score: decimal.NewFromInt(10)},
	}

	t.Run("folds per-user totals and CPU tallies", func(t *testing.T) {
		t.Parallel()

		owners := &recordingOwners{owners: map[string]string{"w1": "user-1", "w2": "user-2"}}
		userScores, userCPU, err := settlement.FoldScores(context.Background(), owners, scores, unclaimedUser)
		require.NoError(t, err)

		require.True(t, userScores["user-1"].Equal(d("100")))
		require.True(t, userCPU["user-1"].Equal(d("60")))
		require.True(t, userScores["user-2"].Equal(d("30")))
		require.True(t, userCPU["user-2"].Equal(d("30")))

		// Workers with no owner fold into the unclaimed bucket.
		require.True(t, userScores[unclaimedUser].Equal(d("10")))
		require.True(t, userCPU[unclaimedUser].IsZero())

		// One lookup, deduplicated across a worker's category rows.
		require.Len(t, owners.calls, 1)
		require.ElementsMatch(t, []string{"w1", "w2", "w9"}, owners.calls[0])
	})

	t.Run("ownership failure surfaces", func(t *testing.T) {
		t.Parallel()

		owners := &fakeOwners{err: errors.New("postgres down")}
		_, _, err := settlement.FoldScores(context.Background(), owners, scores, unclaimedUser)
		require.ErrorContains(t, err, "postgres down")
	})
}

func TestPayouts_Settlement_Engine_Redrive(t *testing.T) {
	t.Parallel()

	t.Run("re-drives a failed window without double paying", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		engine := fx.engine(t)

		// First run pays user-1 then fails before finishing.
		fx.ledger.applyErr = nil
		w, err := engine.SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusSuccess, w.Status)

		// Force it back to FAILED and re-drive; the per-user token check must
		// skip both already-paid users.
		w.Status = settlement.StatusFailed
		require.NoError(t, fx.ledger.FinalizeWindow(context.Background(), w))

		redriven, err := engine.Redrive(context.Background(), w.ID)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusSuccess, redriven.Status)
		require.Len(t, fx.ledger.applications, 2, "applications must not duplicate")
	})

	t.Run("refuses windows that are not failed", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		engine := fx.engine(t)

		w, err := engine.SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusSuccess, w.Status)

		_, err = engine.Redrive(context.Background(), w.ID)
		require.Error(t, err)
	})

	t.Run("unknown window is an error", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		_, err := fx.engine(t).Redrive(context.Background(), "win-404")
		require.Error(t, err)
	})

	t.Run("failed redrive lands back in failed for another attempt", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		engine := fx.engine(t)

		fx.scores.err = errors.New("clickhouse unreachable")
		w, err := engine.SettleWindow(context.Background(), "acct-1", "XMR", windowStart, windowEnd)
		require.Error(t, err)
		require.Equal(t, settlement.StatusFailed, w.Status)

		_, err = engine.Redrive(context.Background(), w.ID)
		require.Error(t, err)

		stored, getErr := fx.ledger.GetWindow(context.Background(), w.ID)
		require.NoError(t, getErr)
		require.Equal(t, settlement.StatusFailed, stored.Status)

		// Fix the underlying problem and re-drive again.
		fx.scores.err = nil
		redriven, err := engine.Redrive(context.Background(), w.ID)
		require.NoError(t, err)
		require.Equal(t, settlement.StatusSuccess, redriven.Status)
	})
}
