package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hashfleet/payouts/settler/pkg/rewards"
	"github.com/hashfleet/payouts/settler/pkg/scores"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
	"github.com/hashfleet/payouts/utils/pkg/retry"
)

// Pair is one (account, coin) the poller tracks.
type Pair struct {
	Account string
	Coin    string
}

// SnapshotSink records cumulative-earned balance snapshots.
type SnapshotSink interface {
	Insert(ctx context.Context, snap rewards.Snapshot) error
}

// SampleSink records per-worker score samples.
type SampleSink interface {
	WriteSamples(ctx context.Context, samples []scores.Sample) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Source    StatsSource
	Pairs     []Pair
	Snapshots SnapshotSink
	Samples   SampleSink

	// Interval is the poll cadence, which is also the score sample cadence
	// the aggregator observes.
	Interval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("stats source is required")
	}
	if len(cfg.Pairs) == 0 {
		return errors.New("at least one pair is required")
	}
	if cfg.Snapshots == nil {
		return errors.New("snapshot sink is required")
	}
	if cfg.Samples == nil {
		return errors.New("sample sink is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return nil
}

// Poller periodically pulls pool stats and writes them into the stores the
// settlement pipeline reads from.
type Poller struct {
	log *slog.Logger
	cfg Config
}

func NewPoller(cfg Config) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Poller{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Start launches the poll loop. It polls once immediately so a fresh deploy
// has snapshots before the first settlement tick.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		p.log.Info("pool: starting poll loop", "interval", p.cfg.Interval, "pairs", len(p.cfg.Pairs))

		p.safePoll(ctx)

		ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				p.safePoll(ctx)
			}
		}
	}()
}

func (p *Poller) safePoll(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("pool: poll panicked", "panic", rec)
		}
	}()

	if err := p.Poll(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.log.Error("pool: poll failed", "error", err)
	}
}

// Poll fetches and records stats for every configured pair. One pair failing
// does not block the others; the error reports the failures.
func (p *Poller) Poll(ctx context.Context) error {
	var errs []error
	for _, pair := range p.cfg.Pairs {
		if err := p.pollPair(ctx, pair); err != nil {
			errs = append(errs, fmt.Errorf("failed to poll %s/%s: %w", pair.Account, pair.Coin, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) pollPair(ctx context.Context, pair Pair) error {
	var stats *Stats
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var fetchErr error
		stats, fetchErr = p.cfg.Source.FetchStats(ctx, pair.Account, pair.Coin)
		return fetchErr
	})
	if err != nil {
		return err
	}
	if stats == nil {
		return nil
	}

	reportedAt := stats.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = p.cfg.Clock.Now().UTC()
	}

	if err := p.cfg.Snapshots.Insert(ctx, rewards.Snapshot{
		Account:          pair.Account,
		Coin:             pair.Coin,
		CumulativeEarned: stats.CumulativeEarned,
		FetchedAt:        reportedAt,
	}); err != nil {
		return err
	}

	if len(stats.Workers) == 0 {
		p.log.Debug("pool: no workers reported", "account", pair.Account, "coin", pair.Coin)
		return nil
	}

	samples := make([]scores.Sample, 0, len(stats.Workers))
	for _, w := range stats.Workers {
		category := settlement.CategoryCPU
		if w.DeviceType == string(settlement.CategoryGPU) {
			category = settlement.CategoryGPU
		}
		samples = append(samples, scores.Sample{
			Account:    pair.Account,
			Coin:       pair.Coin,
			WorkerID:   w.WorkerID,
			DeviceType: category,
			Score:      w.Score.InexactFloat64(),
			SampledAt:  reportedAt,
		})
	}
	if err := p.cfg.Samples.WriteSamples(ctx, samples); err != nil {
		return err
	}

	p.log.Debug("pool: recorded stats",
		"account", pair.Account, "coin", pair.Coin,
		"cumulative_earned", stats.CumulativeEarned, "workers", len(samples))
	return nil
}
