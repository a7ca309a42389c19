// Package review implements the human-gated settlement variant: daily windows
// are staged for audit instead of paid immediately, and an operator approves
// or rejects each one. The platform commission is carved out of the gross
// reward at staging time as the residual after user shares.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/hashfleet/payouts/settler/pkg/ledger"
	"github.com/hashfleet/payouts/settler/pkg/metrics"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
)

// Store is the ledger surface the review engine needs.
type Store interface {
	InsertReviewSettlement(ctx context.Context, rs *ledger.ReviewSettlement, items []ledger.ReviewLineItem) (bool, error)
	GetReviewSettlement(ctx context.Context, id string) (*ledger.ReviewSettlement, []ledger.ReviewLineItem, error)
	TransitionReview(ctx context.Context, id string, from, to ledger.ReviewStatus, remark string) (bool, error)
	SetLineItemsStatus(ctx context.Context, settlementID string, status ledger.LineItemStatus) error
	ApplyUserSettlement(ctx context.Context, app settlement.UserApplication) (bool, error)
	SettlementCurrency(ctx context.Context, userID string) (string, error)
	CountPendingReviews(ctx context.Context) (int64, error)
}

// Notifier reports newly staged settlements to operators. Optional.
type Notifier interface {
	ReviewStaged(ctx context.Context, rs *ledger.ReviewSettlement) error
}

type EngineConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Rates     settlement.RateSource
	Rewards   settlement.RewardSource
	Scores    settlement.ScoreSource
	Ownership settlement.OwnershipSource
	Store     Store
	Notifier  Notifier

	// FeeRatio is the platform fee in [0, 1). Users split gross*(1-FeeRatio);
	// the platform account receives the rest, truncation dust included.
	FeeRatio decimal.Decimal

	// PlatformUserID receives the commission line item.
	PlatformUserID string

	// UnclaimedUserID receives allocation remainders and fallback shares.
	UnclaimedUserID string

	MaxRateAge time.Duration

	// ScoreCadence is the expected interval between score samples, used only
	// to flag windows staged on thin data.
	ScoreCadence time.Duration
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
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.FeeRatio.IsNegative() || cfg.FeeRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("fee ratio %s must be in [0, 1)", cfg.FeeRatio)
	}
	if cfg.PlatformUserID == "" {
		return errors.New("platform user is required")
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

// reviewToken keeps reviewed-settlement ledger rows distinct from the hourly
// pipeline's rows for the same (account, coin, start).
func reviewToken(account, coin string, start time.Time) string {
	return settlement.Token("review:"+account, coin, start)
}

// Stage computes a daily settlement and parks it in AUDIT. Returns (nil, nil)
// when there is nothing to stage: no usable rates yet, no reward, or the
// window was already staged.
func (e *Engine) Stage(ctx context.Context, account, coin string, start, end time.Time) (*ledger.ReviewSettlement, error) {
	snap, age, ok := e.cfg.Rates.Resolve(ctx, coin)
	if !ok || !snap.Usable() || age > e.cfg.MaxRateAge {
		e.log.Warn("review: no usable rate snapshot, deferring staging",
			"account", account, "coin", coin, "window_start", start)
		return nil, nil
	}

	reward, err := e.cfg.Rewards.WindowReward(ctx, account, coin, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve window reward: %w", err)
	}
	if !reward.IsPositive() {
		e.log.Debug("review: no reward, nothing to stage",
			"account", account, "coin", coin, "window_start", start)
		return nil, nil
	}

	gross := reward.Mul(snap.CoinToCredit).Truncate(settlement.CreditPrecision).
		Mul(snap.CreditToReference).Truncate(settlement.ReferencePrecision)
	net := gross.Mul(decimal.NewFromInt(1).Sub(e.cfg.FeeRatio)).Truncate(settlement.ReferencePrecision)

	categoryScores, sampleCount, err := e.cfg.Scores.WindowScores(ctx, account, coin, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate window scores: %w", err)
	}

	var shares []settlement.UserShare
	cpuRatios := map[string]decimal.Decimal{}
	if len(categoryScores) == 0 {
		shares = []settlement.UserShare{{UserID: e.cfg.UnclaimedUserID, Amount: net}}
	} else {
		if expected := settlement.ExpectedSamples(start, end, e.cfg.ScoreCadence); sampleCount < expected {
			e.log.Warn("review: window staged on fewer samples than expected",
				"account", account, "coin", coin, "window_start", start,
				"samples", sampleCount, "expected", expected)
		}

		userScores, userCPU, err := settlement.FoldScores(ctx, e.cfg.Ownership, categoryScores, e.cfg.UnclaimedUserID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker ownership: %w", err)
		}
		for userID, total := range userScores {
			if total.IsPositive() {
				cpuRatios[userID] = userCPU[userID].Div(total)
			}
		}
		shares = settlement.Allocate(net, userScores, e.cfg.UnclaimedUserID)
	}

	var items []ledger.ReviewLineItem
	allocated := decimal.Zero
	for _, share := range shares {
		ratio, ok := cpuRatios[share.UserID]
		if !ok {
			ratio = decimal.NewFromInt(1)
		}
		split := settlement.SplitShare(share.UserID, share.Amount, ratio, nil)
		for _, category := range []settlement.Category{settlement.CategoryCPU, settlement.CategoryGPU} {
			amount := split.Amounts[category]
			if !amount.IsPositive() {
				continue
			}
			items = append(items, e.lineItem(share.UserID, category, amount, snap.CreditToReference, snap.ReferenceToFiat))
			allocated = allocated.Add(amount)
		}
	}

	// Commission is the residual, so gross always reconciles exactly against
	// the staged line items.
	commission := gross.Sub(allocated)
	if commission.IsPositive() {
		items = append(items, e.lineItem(e.cfg.PlatformUserID, settlement.CategoryCPU,
			commission, snap.CreditToReference, snap.ReferenceToFiat))
	}

	rs := &ledger.ReviewSettlement{
		Account:             account,
		Coin:                coin,
		WindowStart:         start.UTC(),
		WindowEnd:           end.UTC(),
		GrossReference:      gross,
		NetReference:        net,
		CommissionReference: commission,
	}
	inserted, err := e.cfg.Store.InsertReviewSettlement(ctx, rs, items)
	if err != nil {
		metrics.ReviewActionsTotal.WithLabelValues("stage", "error").Inc()
		return nil, fmt.Errorf("failed to stage review settlement: %w", err)
	}
	if !inserted {
		e.log.Debug("review: window already staged",
			"account", account, "coin", coin, "window_start", start)
		return nil, nil
	}

	metrics.ReviewActionsTotal.WithLabelValues("stage", "success").Inc()
	e.refreshPendingGauge(ctx)
	e.log.Info("review: settlement staged for audit",
		"id", rs.ID, "account", account, "coin", coin,
		"gross", gross, "net", net, "commission", commission, "line_items", len(items))

	if e.cfg.Notifier != nil {
		if err := e.cfg.Notifier.ReviewStaged(ctx, rs); err != nil {
			e.log.Error("review: failed to notify staged settlement", "error", err)
		}
	}
	return rs, nil
}

// Approve pays out a staged settlement. Each line item is applied in the
// user's preferred currency; the reference amount is always recorded. Partial
// failures roll the settlement back to AUDIT so the operator can approve
// again, and the per-user token check keeps retries from double paying.
func (e *Engine) Approve(ctx context.Context, id, remark string) error {
	ok, err := e.cfg.Store.TransitionReview(ctx, id, ledger.ReviewStatusAudit, ledger.ReviewStatusPaid, remark)
	if err != nil {
		metrics.ReviewActionsTotal.WithLabelValues("approve", "error").Inc()
		return fmt.Errorf("failed to transition review settlement: %w", err)
	}
	if !ok {
		metrics.ReviewActionsTotal.WithLabelValues("approve", "refused").Inc()
		return fmt.Errorf("review settlement %s is not in %s", id, ledger.ReviewStatusAudit)
	}

	rs, items, err := e.cfg.Store.GetReviewSettlement(ctx, id)
	if err == nil && rs == nil {
		err = fmt.Errorf("review settlement %s not found", id)
	}
	if err == nil {
		err = e.applyItems(ctx, rs, items)
	}
	if err != nil {
		metrics.ReviewActionsTotal.WithLabelValues("approve", "error").Inc()
		// Keep the operator's remark on rollback; the failure note is appended
		// so a re-approve still shows what they originally wrote.
		rollbackRemark := fmt.Sprintf("approve failed: %v", err)
		if remark != "" {
			rollbackRemark = fmt.Sprintf("%s (approve failed: %v)", remark, err)
		}
		if _, terr := e.cfg.Store.TransitionReview(ctx, id, ledger.ReviewStatusPaid, ledger.ReviewStatusAudit,
			rollbackRemark); terr != nil {
			e.log.Error("review: failed to roll settlement back to audit", "id", id, "error", terr)
		}
		return err
	}

	if err := e.cfg.Store.SetLineItemsStatus(ctx, id, ledger.LineItemStatusPosted); err != nil {
		return fmt.Errorf("failed to mark line items posted: %w", err)
	}
	metrics.ReviewActionsTotal.WithLabelValues("approve", "success").Inc()
	e.refreshPendingGauge(ctx)
	e.log.Info("review: settlement approved", "id", id, "line_items", len(items))
	return nil
}

// Reject terminates a staged settlement with no balance effects.
func (e *Engine) Reject(ctx context.Context, id, remark string) error {
	ok, err := e.cfg.Store.TransitionReview(ctx, id, ledger.ReviewStatusAudit, ledger.ReviewStatusRejected, remark)
	if err != nil {
		metrics.ReviewActionsTotal.WithLabelValues("reject", "error").Inc()
		return fmt.Errorf("failed to transition review settlement: %w", err)
	}
	if !ok {
		metrics.ReviewActionsTotal.WithLabelValues("reject", "refused").Inc()
		return fmt.Errorf("review settlement %s is not in %s", id, ledger.ReviewStatusAudit)
	}
	if err := e.cfg.Store.SetLineItemsStatus(ctx, id, ledger.LineItemStatusRejected); err != nil {
		return fmt.Errorf("failed to mark line items rejected: %w", err)
	}
	metrics.ReviewActionsTotal.WithLabelValues("reject", "success").Inc()
	e.refreshPendingGauge(ctx)
	e.log.Info("review: settlement rejected", "id", id, "remark", remark)
	return nil
}

func (e *Engine) applyItems(ctx context.Context, rs *ledger.ReviewSettlement, items []ledger.ReviewLineItem) error {
	token := reviewToken(rs.Account, rs.Coin, rs.WindowStart)
	byUser := map[string][]ledger.ReviewLineItem{}
	userOrder := []string{}
	for _, item := range items {
		if _, seen := byUser[item.UserID]; !seen {
			userOrder = append(userOrder, item.UserID)
		}
		byUser[item.UserID] = append(byUser[item.UserID], item)
	}

	for _, userID := range userOrder {
		currency, err := e.cfg.Store.SettlementCurrency(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to resolve settlement currency for user %s: %w", userID, err)
		}

		app := settlement.UserApplication{
			UserID:      userID,
			WindowToken: token,
			OccurredAt:  rs.WindowEnd,
		}
		for _, item := range byUser[userID] {
			line := settlement.EntryLine{
				Category:  item.Category,
				Reference: item.ReferenceAmount,
			}
			if currency == ledger.CurrencyFiat {
				line.Fiat = item.FiatAmount
			} else {
				line.Credit = item.CreditAmount
			}
			app.Lines = append(app.Lines, line)
		}

		applied, err := e.cfg.Store.ApplyUserSettlement(ctx, app)
		if err != nil {
			return fmt.Errorf("failed to apply settlement for user %s: %w", userID, err)
		}
		if !applied {
			e.log.Info("review: user already settled for window, skipping",
				"user_id", userID, "window_token", token)
		}
	}
	return nil
}

func (e *Engine) lineItem(userID string, category settlement.Category, amount, creditToReference, referenceToFiat decimal.Decimal) ledger.ReviewLineItem {
	return ledger.ReviewLineItem{
		UserID:          userID,
		Category:        category,
		ReferenceAmount: amount,
		CreditAmount:    amount.Div(creditToReference).Truncate(settlement.CreditPrecision),
		FiatAmount:      amount.Mul(referenceToFiat).Truncate(settlement.FiatPrecision),
	}
}

func (e *Engine) refreshPendingGauge(ctx context.Context) {
	count, err := e.cfg.Store.CountPendingReviews(ctx)
	if err != nil {
		e.log.Error("review: failed to count pending reviews", "error", err)
		return
	}
	metrics.PendingReviews.Set(float64(count))
}
