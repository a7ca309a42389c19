package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/hashfleet/payouts/settler/pkg/metrics"
	"github.com/hashfleet/payouts/settler/pkg/rates"
)

// RateSource resolves the current conversion-rate snapshot for a coin.
type RateSource interface {
	Resolve(ctx context.Context, coin string) (snap *rates.Snapshot, age time.Duration, ok bool)
}

// RewardSource determines the reward an account earned over a window.
type RewardSource interface {
	WindowReward(ctx context.Context, account, coin string, start, end time.Time) (decimal.Decimal, error)
}

// ScoreSource aggregates per-worker contribution scores over a window.
type ScoreSource interface {
	WindowScores(ctx context.Context, account, coin string, start, end time.Time) ([]CategoryScore, int, error)
}

// OwnershipSource maps worker IDs to owning user IDs. Every input worker ID
// must appear in the result.
type OwnershipSource interface {
	Owners(ctx context.Context, workerIDs []string) (map[string]string, error)
}

// LedgerStore persists windows, ledger entries, and balances.
type LedgerStore interface {
	InsertProcessingWindow(ctx context.Context, w *Window) (bool, error)
	FinalizeWindow(ctx context.Context, w *Window) error
	MarkWindowProcessing(ctx context.Context, id string) (bool, error)
	GetWindow(ctx context.Context, id string) (*Window, error)
	ApplyUserSettlement(ctx context.Context, app UserApplication) (bool, error)
}

// Notifier reports window failures to operators. Implementations must be safe
// to call from concurrent settlement runs.
type Notifier interface {
	WindowFailed(ctx context.Context, w *Window, runErr error) error
}

type EngineConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Rates     RateSource
	Rewards   RewardSource
	Scores    ScoreSource
	Ownership OwnershipSource
	Ledger    LedgerStore

	// Notifier is optional. When nil, failures are only logged.
	Notifier Notifier

	// UnclaimedUserID receives allocation remainders and fallback payouts.
	UnclaimedUserID string

	// MaxRateAge bounds how stale a rate snapshot may be before settlement of
	// the window is deferred to a later tick.
	MaxRateAge time.Duration

	// ScoreCadence is the expected interval between score samples, used only
	// to flag windows settled on thin data.
	ScoreCadence time.Duration

	// CategoryOverrides forces every share for a coin into one category,
	// bypassing the measured device mix.
	CategoryOverrides map[string]Category
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Rates == nil {
		return errors.New("rate source is required")
	}
	if cfg.Rewards == nil {
		return errors.New("reward source is required")
	}
	if cfg.Scores == nil {
		return errors.New("score source is required")
	}
	if cfg.Ownership == nil {
		return errors.New("ownership source is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.UnclaimedUserID == "" {
		cfg.UnclaimedUserID = "unclaimed"
	}
	if cfg.MaxRateAge <= 0 {
		cfg.MaxRateAge = 30 * time.Minute
	}
	if cfg.ScoreCadence <= 0 {
		cfg.ScoreCadence = time.Minute
	}
	return nil
}

// Engine runs the settlement pipeline for one window at a time: resolve rates,
// compute the reward, win the idempotency gate, allocate, split, and apply.
type Engine struct {
	log *slog.Logger
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// SettleWindow settles [start, end) for an (account, coin) pair. It returns
// (nil, nil) when the run was deferred or another run already owns the window;
// deferral writes no row so a later tick retries from scratch. Once the
// PROCESSING row is won every failure lands the window in FAILED.
func (e *Engine) SettleWindow(ctx context.Context, account, coin string, start, end time.Time) (*Window, error) {
	runStart := e.cfg.Clock.Now()

	snap, age, ok := e.cfg.Rates.Resolve(ctx, coin)
	if !ok || !snap.Usable() || age > e.cfg.MaxRateAge {
		e.log.Warn("settlement: no usable rate snapshot, deferring window",
			"account", account, "coin", coin, "window_start", start, "have_snapshot", ok, "age", age)
		return nil, nil
	}

	reward, err := e.cfg.Rewards.WindowReward(ctx, account, coin, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve window reward: %w", err)
	}

	w := &Window{
		Account: account,
		Coin:    coin,
		Start:   start.UTC(),
		End:     end.UTC(),
	}
	inserted, err := e.cfg.Ledger.InsertProcessingWindow(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("failed to claim settlement window: %w", err)
	}
	if !inserted {
		e.log.Debug("settlement: window already claimed",
			"account", account, "coin", coin, "window_start", start)
		return nil, nil
	}

	w, err = e.process(ctx, w, snap, reward)
	e.observeRun(w, runStart, err)
	return w, err
}

// Redrive re-runs a FAILED window after an operator fixed the underlying
// problem. Users already paid for the window are skipped by the per-user
// window-token check, so a partial first run does not double-pay.
func (e *Engine) Redrive(ctx context.Context, windowID string) (*Window, error) {
	runStart := e.cfg.Clock.Now()

	w, err := e.cfg.Ledger.GetWindow(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement window: %w", err)
	}
	if w == nil {
		return nil, fmt.Errorf("settlement window %s not found", windowID)
	}

	ok, err := e.cfg.Ledger.MarkWindowProcessing(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark window for re-drive: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("settlement window %s is not in %s", windowID, StatusFailed)
	}
	w.Status = StatusProcessing

	snap, age, rateOK := e.cfg.Rates.Resolve(ctx, w.Coin)
	if !rateOK || !snap.Usable() || age > e.cfg.MaxRateAge {
		err := fmt.Errorf("no usable rate snapshot for %s", w.Coin)
		e.failWindow(ctx, w, err)
		e.observeRun(w, runStart, err)
		return nil, err
	}

	reward, err := e.cfg.Rewards.WindowReward(ctx, w.Account, w.Coin, w.Start, w.End)
	if err != nil {
		err = fmt.Errorf("failed to resolve window reward: %w", err)
		e.failWindow(ctx, w, err)
		e.observeRun(w, runStart, err)
		return nil, err
	}

	w, err = e.process(ctx, w, snap, reward)
	e.observeRun(w, runStart, err)
	return w, err
}

// process takes a window that already holds the PROCESSING row to its terminal
// status.
func (e *Engine) process(ctx context.Context, w *Window, snap *rates.Snapshot, reward decimal.Decimal) (*Window, error) {
	if !reward.IsPositive() {
		w.Status = StatusSkipped
		w.FallbackReason = ReasonNoReward
		if err := e.cfg.Ledger.FinalizeWindow(ctx, w); err != nil {
			return w, fmt.Errorf("failed to finalize skipped window: %w", err)
		}
		e.log.Info("settlement: window skipped, no reward",
			"account", w.Account, "coin", w.Coin, "window_start", w.Start)
		return w, nil
	}

	w.TotalCoin = reward
	w.TotalCredit = reward.Mul(snap.CoinToCredit).Truncate(CreditPrecision)
	w.TotalReference = w.TotalCredit.Mul(snap.CreditToReference).Truncate(ReferencePrecision)
	w.RateProvenance = snap.Provenance

	categoryScores, sampleCount, err := e.cfg.Scores.WindowScores(ctx, w.Account, w.Coin, w.Start, w.End)
	if err != nil {
		err = fmt.Errorf("failed to aggregate window scores: %w", err)
		e.failWindow(ctx, w, err)
		return w, err
	}

	var shares []UserShare
	cpuRatios := map[string]decimal.Decimal{}
	if len(categoryScores) == 0 {
		// No contribution data at all. The reward is real money that must
		// still be conserved, so it all lands on the unclaimed user for an
		// admin to redistribute.
		w.Source = SourceAdminFallback
		w.FallbackReason = ReasonEmptyScoreWindow
		shares = []UserShare{{UserID: e.cfg.UnclaimedUserID, Amount: w.TotalReference}}
		e.log.Warn("settlement: empty score window, falling back to unclaimed",
			"account", w.Account, "coin", w.Coin, "window_start", w.Start)
	} else {
		if expected := ExpectedSamples(w.Start, w.End, e.cfg.ScoreCadence); sampleCount < expected {
			e.log.Warn("settlement: window settled on fewer samples than expected",
				"account", w.Account, "coin", w.Coin, "window_start", w.Start,
				"samples", sampleCount, "expected", expected)
		}

		userScores, userCPU, err := FoldScores(ctx, e.cfg.Ownership, categoryScores, e.cfg.UnclaimedUserID)
		if err != nil {
			err = fmt.Errorf("failed to resolve worker ownership: %w", err)
			e.failWindow(ctx, w, err)
			return w, err
		}
		for userID, total := range userScores {
			if total.IsPositive() {
				cpuRatios[userID] = userCPU[userID].Div(total)
			}
		}

		w.Source = SourcePoolScores
		shares = Allocate(w.TotalReference, userScores, e.cfg.UnclaimedUserID)
	}

	token := Token(w.Account, w.Coin, w.Start)
	w.CategoryTotals = map[Category]decimal.Decimal{}
	for _, share := range shares {
		split := e.splitShare(w.Coin, share, cpuRatios)
		app := UserApplication{
			UserID:      share.UserID,
			WindowToken: token,
			OccurredAt:  w.End,
		}
		for _, category := range []Category{CategoryCPU, CategoryGPU} {
			amount := split.Amounts[category]
			if !amount.IsPositive() {
				continue
			}
			w.CategoryTotals[category] = w.CategoryTotals[category].Add(amount)
			app.Lines = append(app.Lines, EntryLine{
				Category:  category,
				Credit:    amount.Div(snap.CreditToReference).Truncate(CreditPrecision),
				Fiat:      amount.Mul(snap.ReferenceToFiat).Truncate(FiatPrecision),
				Reference: amount,
			})
		}
		if len(app.Lines) == 0 {
			continue
		}

		applied, err := e.cfg.Ledger.ApplyUserSettlement(ctx, app)
		if err != nil {
			err = fmt.Errorf("failed to apply settlement for user %s: %w", share.UserID, err)
			e.failWindow(ctx, w, err)
			return w, err
		}
		if !applied {
			e.log.Info("settlement: user already settled for window, skipping",
				"user_id", share.UserID, "window_token", token)
		}
	}

	w.Status = StatusSuccess
	if err := e.cfg.Ledger.FinalizeWindow(ctx, w); err != nil {
		return w, fmt.Errorf("failed to finalize settlement window: %w", err)
	}
	e.log.Info("settlement: window settled",
		"account", w.Account, "coin", w.Coin, "window_start", w.Start,
		"total_coin", w.TotalCoin, "total_reference", w.TotalReference,
		"users", len(shares), "source", w.Source)
	return w, nil
}

// FoldScores folds per-worker category scores into per-user score totals and
// per-user CPU totals using the ownership resolver. Workers with no owner fold
// into unclaimedUserID.
func FoldScores(ctx context.Context, ownership OwnershipSource, categoryScores []CategoryScore, unclaimedUserID string) (map[string]decimal.Decimal, map[string]decimal.Decimal, error) {
	workerIDs := make([]string, 0, len(categoryScores))
	seen := map[string]bool{}
	for _, cs := range categoryScores {
		if !seen[cs.WorkerID] {
			seen[cs.WorkerID] = true
			workerIDs = append(workerIDs, cs.WorkerID)
		}
	}

	owners, err := ownership.Owners(ctx, workerIDs)
	if err != nil {
		return nil, nil, err
	}

	userScores := map[string]decimal.Decimal{}
	userCPU := map[string]decimal.Decimal{}
	for _, cs := range categoryScores {
		userID, ok := owners[cs.WorkerID]
		if !ok {
			userID = unclaimedUserID
		}
		userScores[userID] = userScores[userID].Add(cs.Score)
		if cs.Category == CategoryCPU {
			userCPU[userID] = userCPU[userID].Add(cs.Score)
		}
	}
	return userScores, userCPU, nil
}

// splitShare applies the coin override when configured, otherwise the user's
// measured device mix. Users with no mix data (the unclaimed remainder) land
// entirely in CPU.
func (e *Engine) splitShare(coin string, share UserShare, cpuRatios map[string]decimal.Decimal) CategorySplit {
	if override, ok := e.cfg.CategoryOverrides[coin]; ok {
		return SplitShare(share.UserID, share.Amount, decimal.Zero, &override)
	}
	ratio, ok := cpuRatios[share.UserID]
	if !ok {
		ratio = decimal.NewFromInt(1)
	}
	return SplitShare(share.UserID, share.Amount, ratio, nil)
}

func (e *Engine) failWindow(ctx context.Context, w *Window, runErr error) {
	w.Status = StatusFailed
	if err := e.cfg.Ledger.FinalizeWindow(ctx, w); err != nil {
		e.log.Error("settlement: failed to record window failure",
			"window_id", w.ID, "error", err)
	}
	e.log.Error("settlement: window failed",
		"account", w.Account, "coin", w.Coin, "window_start", w.Start, "error", runErr)
	sentry.CaptureException(runErr)
	if e.cfg.Notifier != nil {
		if err := e.cfg.Notifier.WindowFailed(ctx, w, runErr); err != nil {
			e.log.Error("settlement: failed to notify window failure", "error", err)
		}
	}
}

func (e *Engine) observeRun(w *Window, runStart time.Time, runErr error) {
	if w == nil {
		return
	}
	status := string(w.Status)
	if runErr != nil {
		status = string(StatusFailed)
	}
	metrics.SettlementRunsTotal.WithLabelValues(w.Account, w.Coin, status).Inc()
	metrics.SettlementRunDuration.WithLabelValues(w.Account, w.Coin).
		Observe(e.cfg.Clock.Since(runStart).Seconds())
}
