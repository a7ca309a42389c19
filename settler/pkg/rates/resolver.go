// Package rates resolves currency conversion rates for settlement runs.
//
// The resolver owns a background refresh loop and serves last-known-good rate
// snapshots from memory: a settlement run never blocks on a live network call.
// Each snapshot carries its provenance and fetch time so callers can judge
// staleness.
package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/hashfleet/payouts/settler/pkg/metrics"
	"github.com/hashfleet/payouts/utils/pkg/retry"
)

// Snapshot is one coin's conversion rates at a point in time.
type Snapshot struct {
	Coin              string
	CoinToCredit      decimal.Decimal // 1 coin = CoinToCredit credits
	CreditToReference decimal.Decimal // 1 credit = CreditToReference reference coin
	ReferenceToFiat   decimal.Decimal // 1 reference coin = ReferenceToFiat fiat
	Provenance        string
	FetchedAt         time.Time
}

// Usable reports whether the snapshot can drive a settlement. A zero or
// missing rate defers the window rather than force-zeroing it.
func (s *Snapshot) Usable() bool {
	return s != nil &&
		s.CoinToCredit.IsPositive() &&
		s.CreditToReference.IsPositive()
}

// Source fetches fresh rates for a coin from an external rate service.
type Source interface {
	FetchRates(ctx context.Context, coin string) (*Snapshot, error)
}

type Config struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Source          Source
	Coins           []string
	RefreshInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("rate source is required")
	}
	if len(cfg.Coins) == 0 {
		return errors.New("at least one coin is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Resolver caches the last-known-good snapshot per coin.
type Resolver struct {
	log *slog.Logger
	cfg Config

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{
		log:       cfg.Logger,
		cfg:       cfg,
		snapshots: make(map[string]*Snapshot),
	}, nil
}

// Start launches the refresh loop. It refreshes once immediately so the first
// settlement tick usually finds rates in place.
func (r *Resolver) Start(ctx context.Context) {
	go func() {
		r.log.Info("rates: starting refresh loop", "interval", r.cfg.RefreshInterval, "coins", r.cfg.Coins)

		r.safeRefresh(ctx)

		ticker := r.cfg.Clock.NewTicker(r.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				r.safeRefresh(ctx)
			}
		}
	}()
}

func (r *Resolver) safeRefresh(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("rates: refresh panicked", "panic", rec)
		}
	}()

	if err := r.Refresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.log.Error("rates: refresh failed", "error", err)
	}
}

// Refresh fetches fresh snapshots for every configured coin. A failed coin
// keeps its previous snapshot; the error reports the failures.
func (r *Resolver) Refresh(ctx context.Context) error {
	var errs []error
	for _, coin := range r.cfg.Coins {
		var snap *Snapshot
		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			var fetchErr error
			snap, fetchErr = r.cfg.Source.FetchRates(ctx, coin)
			return fetchErr
		})
		if err != nil {
			metrics.RateRefreshTotal.WithLabelValues(coin, "error").Inc()
			errs = append(errs, fmt.Errorf("failed to fetch rates for %s: %w", coin, err))
			continue
		}
		if snap == nil {
			metrics.RateRefreshTotal.WithLabelValues(coin, "empty").Inc()
			continue
		}
		if snap.FetchedAt.IsZero() {
			snap.FetchedAt = r.cfg.Clock.Now().UTC()
		}
		snap.Coin = coin

		r.mu.Lock()
		r.snapshots[coin] = snap
		r.mu.Unlock()
		metrics.RateRefreshTotal.WithLabelValues(coin, "success").Inc()
		r.log.Debug("rates: refreshed", "coin", coin, "provenance", snap.Provenance)
	}
	return errors.Join(errs...)
}

// Resolve returns the last-known-good snapshot for coin and its age. ok is
// false when no snapshot has ever been fetched; the caller defers the window.
func (r *Resolver) Resolve(ctx context.Context, coin string) (snap *Snapshot, age time.Duration, ok bool) {
	r.mu.RLock()
	snap, ok = r.snapshots[coin]
	r.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	return snap, r.cfg.Clock.Since(snap.FetchedAt), true
}
