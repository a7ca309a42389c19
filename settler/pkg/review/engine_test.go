package review_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hashfleet/payouts/settler/pkg/ledger"
	"github.com/hashfleet/payouts/settler/pkg/rates"
	"github.com/hashfleet/payouts/settler/pkg/review"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
	"github.com/hashfleet/payouts/utils/pkg/logger"
	payoutstesting "github.com/hashfleet/payouts/utils/pkg/testing"
)

const (
	platformUser  = "user-platform"
	unclaimedUser = "user-unclaimed"
)

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
}

func (f *fakeRewards) WindowReward(ctx context.Context, account, coin string, start, end time.Time) (decimal.Decimal, error) {
	return f.reward, nil
}

type fakeScores struct {
	scores []settlement.CategoryScore
}

func (f *fakeScores) WindowScores(ctx context.Context, account, coin string, start, end time.Time) ([]settlement.CategoryScore, int, error) {
	return f.scores, len(f.scores), nil
}

type fakeOwners struct {
	owners map[string]string
}

func (f *fakeOwners) Owners(ctx context.Context, workerIDs []string) (map[string]string, error) {
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

type fakeStore struct {
	mu           sync.Mutex
	nextID       int
	settlements  map[string]*ledger.ReviewSettlement
	items        map[string][]ledger.ReviewLineItem
	byKey        map[string]string
	applications []settlement.UserApplication
	applied      map[string]bool
	currencies   map[string]string
	applyErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settlements: map[string]*ledger.ReviewSettlement{},
		items:       map[string][]ledger.ReviewLineItem{},
		byKey:       map[string]string{},
		applied:     map[string]bool{},
		currencies:  map[string]string{},
	}
}

func (f *fakeStore) InsertReviewSettlement(ctx context.Context, rs *ledger.ReviewSettlement, items []ledger.ReviewLineItem) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%d", rs.Account, rs.Coin, rs.WindowStart.Unix())
	if _, exists := f.byKey[key]; exists {
		return false, nil
	}
	f.nextID++
	rs.ID = fmt.Sprintf("rev-%d", f.nextID)
	rs.Status = ledger.ReviewStatusAudit
	clone := *rs
	f.settlements[rs.ID] = &clone
	staged := make([]ledger.ReviewLineItem, len(items))
	for i, item := range items {
		item.SettlementID = rs.ID
		item.Status = ledger.LineItemStatusStaged
		staged[i] = item
	}
	f.items[rs.ID] = staged
	f.byKey[key] = rs.ID
	return true, nil
}

func (f *fakeStore) GetReviewSettlement(ctx context.Context, id string) (*ledger.ReviewSettlement, []ledger.ReviewLineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, exists := f.settlements[id]
	if !exists {
		return nil, nil, nil
	}
	clone := *rs
	return &clone, append([]ledger.ReviewLineItem{}, f.items[id]...), nil
}

func (f *fakeStore) TransitionReview(ctx context.Context, id string, from, to ledger.ReviewStatus, remark string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, exists := f.settlements[id]
	if !exists || rs.Status != from {
		return false, nil
	}
	rs.Status = to
	rs.Remark = remark
	return true, nil
}

func (f *fakeStore) SetLineItemsStatus(ctx context.Context, settlementID string, status ledger.LineItemStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items[settlementID]
	for i := range items {
		items[i].Status = status
	}
	return nil
}

func (f *fakeStore) ApplyUserSettlement(ctx context.Context, app settlement.UserApplication) (bool, error) {
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

func (f *fakeStore) SettlementCurrency(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if currency, ok := f.currencies[userID]; ok {
		return currency, nil
	}
	return ledger.CurrencyCredit, nil
}

func (f *fakeStore) CountPendingReviews(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, rs := range f.settlements {
		if rs.Status == ledger.ReviewStatusAudit {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) applicationFor(userID string) (settlement.UserApplication, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, app := range f.applications {
		if app.UserID == userID {
			return app, true
		}
	}
	return settlement.UserApplication{}, false
}

type fixture struct {
	rates   *fakeRates
	rewards *fakeRewards
	scores  *fakeScores
	owners  *fakeOwners
	store   *fakeStore
}

func newFixture() *fixture {
	return &fixture{
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
		scores: &fakeScores{scores: []settlement.CategoryScore{
			{WorkerID: "w1", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(70)},
			{WorkerID: "w2", Category: settlement.CategoryCPU, Score: decimal.NewFromInt(30)},
		}},
		owners: &fakeOwners{owners: map[string]string{
			"w1": "user-1",
			"w2": "user-2",
		}},
		store: newFakeStore(),
	}
}

func (fx *fixture) engine(t *testing.T) *review.Engine {
	t.Helper()
	engine, err := review.NewEngine(review.EngineConfig{
		Logger:          payoutstesting.NewLogger(),
		Clock:           clockwork.NewFakeClock(),
		Rates:           fx.rates,
		Rewards:         fx.rewards,
		Scores:          fx.scores,
		Ownership:       fx.owners,
		Store:           fx.store,
		FeeRatio:        d("0.1"),
		PlatformUserID:  platformUser,
		UnclaimedUserID: unclaimedUser,
	})
	require.NoError(t, err)
	return engine
}

var (
	dayStart = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	dayEnd   = dayStart.Add(24 * time.Hour)
)

func stage(t *testing.T, fx *fixture) *ledger.ReviewSettlement {
	t.Helper()
	rs, err := fx.engine(t).Stage(context.Background(), "acct-1", "XMR", dayStart, dayEnd)
	require.NoError(t, err)
	require.NotNil(t, rs)
	return rs
}

func TestPayouts_Review_Engine_Stage(t *testing.T) {
	t.Parallel()

	t.Run("stages gross, net, and commission as the residual", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		rs := stage(t, fx)
		require.Equal(t, ledger.ReviewStatusAudit, rs.Status)

		// 5 coin at 2.0 is 10 credit, at 0.001 is 0.01 reference gross.
		// A 10% fee leaves 0.009 for users; shares 0.0063 and 0.0027.
		require.True(t, rs.GrossReference.Equal(d("0.01")), "got %s", rs.GrossReference)
		require.True(t, rs.NetReference.Equal(d("0.009")))
		require.True(t, rs.CommissionReference.Equal(d("0.001")))

		_, items, err := fx.store.GetReviewSettlement(context.Background(), rs.ID)
		require.NoError(t, err)
		require.Len(t, items, 3)

		byUser := map[string]ledger.ReviewLineItem{}
		total := decimal.Zero
		for _, item := range items {
			byUser[item.UserID] = item
			total = total.Add(item.ReferenceAmount)
			require.Equal(t, ledger.LineItemStatusStaged, item.Status)
		}
		require.True(t, byUser["user-1"].ReferenceAmount.Equal(d("0.0063")))
		require.True(t, byUser["user-2"].ReferenceAmount.Equal(d("0.0027")))
		require.True(t, byUser[platformUser].ReferenceAmount.Equal(d("0.001")))
		require.True(t, total.Equal(rs.GrossReference), "line items must reconcile to gross")
	})

	t.Run("staging is idempotent per window", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		stage(t, fx)

		again, err := fx.engine(t).Stage(context.Background(), "acct-1", "XMR", dayStart, dayEnd)
		require.NoError(t, err)
		require.Nil(t, again)
	})

	t.Run("no reward stages nothing", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.rewards.reward = decimal.Zero

		rs, err := fx.engine(t).Stage(context.Background(), "acct-1", "XMR", dayStart, dayEnd)
		require.NoError(t, err)
		require.Nil(t, rs)
	})

	t.Run("unusable rates defer staging", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.rates.ok = false

		rs, err := fx.engine(t).Stage(context.Background(), "acct-1", "XMR", dayStart, dayEnd)
		require.NoError(t, err)
		require.Nil(t, rs)
	})

	t.Run("warns when the window stages on fewer samples than expected", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		var buf bytes.Buffer
		engine, err := review.NewEngine(review.EngineConfig{
			Logger:          logger.NewWithWriter(&buf, true),
			Clock:           clockwork.NewFakeClock(),
			Rates:           fx.rates,
			Rewards:         fx.rewards,
			Scores:          fx.scores,
			Ownership:       fx.owners,
			Store:           fx.store,
			FeeRatio:        d("0.1"),
			PlatformUserID:  platformUser,
			UnclaimedUserID: unclaimedUser,
			ScoreCadence:    time.Minute,
		})
		require.NoError(t, err)

		// Two samples against a day of minutely cadence is a gappy window.
		rs, err := engine.Stage(context.Background(), "acct-1", "XMR", dayStart, dayEnd)
		require.NoError(t, err)
		require.NotNil(t, rs)
		require.Contains(t, buf.String(), "fewer samples than expected")
	})

	t.Run("full sample coverage stages without a warning", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		var buf bytes.Buffer
		engine, err := review.NewEngine(review.EngineConfig{
			Logger:          logger.NewWithWriter(&buf, true),
			Clock:           clockwork.NewFakeClock(),
			Rates:           fx.rates,
			Rewards:         fx.rewards,
			Scores:          fx.scores,
			Ownership:       fx.owners,
			Store:           fx.store,
			FeeRatio:        d("0.1"),
			PlatformUserID:  platformUser,
			UnclaimedUserID: unclaimedUser,
			ScoreCadence:    12 * time.Hour,
		})
		require.NoError(t, err)

		rs, err := engine.Stage(context.Background(), "acct-1", "XMR", dayStart, dayEnd)
		require.NoError(t, err)
		require.NotNil(t, rs)
		require.NotContains(t, buf.String(), "fewer samples than expected")
	})

	t.Run("empty score window stages everything to unclaimed plus commission", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.scores.scores = nil

		rs := stage(t, fx)
		_, items, err := fx.store.GetReviewSettlement(context.Background(), rs.ID)
		require.NoError(t, err)
		require.Len(t, items, 2)

		byUser := map[string]decimal.Decimal{}
		for _, item := range items {
			byUser[item.UserID] = item.ReferenceAmount
		}
		require.True(t, byUser[unclaimedUser].Equal(d("0.009")))
		require.True(t, byUser[platformUser].Equal(d("0.001")))
	})
}

func TestPayouts_Review_Engine_Approve(t *testing.T) {
	t.Parallel()

	t.Run("pays line items in each user's preferred currency", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		fx.store.currencies["user-2"] = ledger.CurrencyFiat
		rs := stage(t, fx)

		require.NoError(t, fx.engine(t).Approve(context.Background(), rs.ID, "verified against pool"))

		got, items, err := fx.store.GetReviewSettlement(context.Background(), rs.ID)
		require.NoError(t, err)
		require.Equal(t, ledger.ReviewStatusPaid, got.Status)
		require.Equal(t, "verified against pool", got.Remark)
		for _, item := range items {
			require.Equal(t, ledger.LineItemStatusPosted, item.Status)
		}

		// user-1 defaults to credit: 0.0063 / 0.001 = 6.3 credit.
		app1, ok := fx.store.applicationFor("user-1")
		require.True(t, ok)
		require.True(t, app1.Lines[0].Credit.Equal(d("6.3")), "got %s", app1.Lines[0].Credit)
		require.True(t, app1.Lines[0].Fiat.IsZero())

		// user-2 prefers fiat: 0.0027 * 50000 = 135.00.
		app2, ok := fx.store.applicationFor("user-2")
		require.True(t, ok)
		require.True(t, app2.Lines[0].Fiat.Equal(d("135")), "got %s", app2.Lines[0].Fiat)
		require.True(t, app2.Lines[0].Credit.IsZero())

		// The platform account receives the commission.
		appPlatform, ok := fx.store.applicationFor(platformUser)
		require.True(t, ok)
		require.True(t, appPlatform.Lines[0].Reference.Equal(d("0.001")))
	})

	t.Run("refuses settlements that are not in audit", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		rs := stage(t, fx)
		engine := fx.engine(t)

		require.NoError(t, engine.Approve(context.Background(), rs.ID, "ok"))
		require.Error(t, engine.Approve(context.Background(), rs.ID, "again"))
		require.Error(t, engine.Reject(context.Background(), rs.ID, "too late"))
	})

	t.Run("apply failure rolls back to audit and a retry completes", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		rs := stage(t, fx)
		engine := fx.engine(t)

		fx.store.applyErr = errors.New("connection reset")
		require.Error(t, engine.Approve(context.Background(), rs.ID, "first try"))

		got, _, err := fx.store.GetReviewSettlement(context.Background(), rs.ID)
		require.NoError(t, err)
		require.Equal(t, ledger.ReviewStatusAudit, got.Status)

		// Rollback keeps the operator's remark alongside the failure note.
		require.Contains(t, got.Remark, "first try")
		require.Contains(t, got.Remark, "approve failed")

		fx.store.applyErr = nil
		require.NoError(t, engine.Approve(context.Background(), rs.ID, "second try"))

		got, _, err = fx.store.GetReviewSettlement(context.Background(), rs.ID)
		require.NoError(t, err)
		require.Equal(t, ledger.ReviewStatusPaid, got.Status)
		require.Len(t, fx.store.applications, 3)
	})
}

func TestPayouts_Review_Engine_Reject(t *testing.T) {
	t.Parallel()

	t.Run("rejects with no balance effects", func(t *testing.T) {
		t.Parallel()

		fx := newFixture()
		rs := stage(t, fx)

		require.NoError(t, fx.engine(t).Reject(context.Background(), rs.ID, "pool reported a reorg"))

		got, items, err := fx.store.GetReviewSettlement(context.Background(), rs.ID)
		require.NoError(t, err)
		require.Equal(t, ledger.ReviewStatusRejected, got.Status)
		require.Equal(t, "pool reported a reorg", got.Remark)
		for _, item := range items {
			require.Equal(t, ledger.LineItemStatusRejected, item.Status)
		}
		require.Empty(t, fx.store.applications)

		require.Error(t, fx.engine(t).Approve(context.Background(), rs.ID, "changed my mind"))
	})
}
