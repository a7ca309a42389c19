// Package scheduler drives settlement runs on a fixed cadence. Each tick it
// fans out over the configured (account, coin) pairs and runs the most
// recently completed window for each. Runs are idempotent at the ledger, so
// ticking more often than the window period only costs cheap no-ops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/hashfleet/payouts/settler/pkg/settlement"
)

// Pair is one (account, coin) settlement target.
type Pair struct {
	Account string
	Coin    string
}

// RunFunc settles or stages one window for one pair.
type RunFunc func(ctx context.Context, account, coin string, start, end time.Time) error

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Name distinguishes schedulers in logs, e.g. "hourly" or "review".
	Name string

	Pairs []Pair

	// Period is the settlement window length. Each tick runs the latest
	// window that has fully elapsed.
	Period time.Duration

	// Interval is the tick cadence. Shorter than Period by default so windows
	// deferred on missing rates get retried promptly.
	Interval time.Duration

	// MaxConcurrent bounds how many pairs settle at once.
	MaxConcurrent int

	// TaskTimeout bounds a single pair's run.
	TaskTimeout time.Duration

	Run RunFunc
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Name == "" {
		return errors.New("name is required")
	}
	if cfg.Period <= 0 {
		return errors.New("period is required")
	}
	if cfg.Run == nil {
		return errors.New("run func is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
		if cfg.Interval > cfg.Period {
			cfg.Interval = cfg.Period
		}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	return nil
}

type Scheduler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Start launches the tick loop. It runs once immediately so a restart does
// not wait a full interval to catch up.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("scheduler: starting",
			"name", s.cfg.Name, "period", s.cfg.Period,
			"interval", s.cfg.Interval, "pairs", len(s.cfg.Pairs))

		s.safeRun(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeRun(ctx)
			}
		}
	}()
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("scheduler: tick panicked", "name", s.cfg.Name, "panic", rec)
		}
	}()

	if err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("scheduler: tick failed", "name", s.cfg.Name, "error", err)
	}
}

// RunOnce settles the latest completed window for every pair. A pair's
// failure is logged and does not stop the others; the tick itself only errors
// when the context dies.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start, end := settlement.WindowBounds(s.cfg.Clock.Now(), s.cfg.Period)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, pair := range s.cfg.Pairs {
		g.Go(func() error {
			runCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
			defer cancel()

			if err := s.cfg.Run(runCtx, pair.Account, pair.Coin, start, end); err != nil {
				s.log.Error("scheduler: pair run failed",
					"name", s.cfg.Name, "account", pair.Account, "coin", pair.Coin,
					"window_start", start, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to run scheduler tick: %w", err)
	}
	return ctx.Err()
}
