// Package rewards determines how much reward an account earned in a window by
// diffing pool-reported cumulative-earned snapshots. Snapshots are ground
// truth for magnitude; worker scores only ever decide distribution.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Snapshot is one point-in-time reading of a pool account's lifetime-earned
// counter for a coin.
type Snapshot struct {
	Account          string
	Coin             string
	CumulativeEarned decimal.Decimal
	FetchedAt        time.Time
}

// SnapshotStore reads and records pool balance snapshots.
type SnapshotStore interface {
	// LatestAtOrBefore returns the most recent snapshot at or before at, or
	// nil when none exists.
	LatestAtOrBefore(ctx context.Context, account, coin string, at time.Time) (*Snapshot, error)
}

type Config struct {
	Logger *slog.Logger
	Store  SnapshotStore
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("snapshot store is required")
	}
	return nil
}

type Resolver struct {
	log *slog.Logger
	cfg Config
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// WindowReward returns end.cumulativeEarned − start.cumulativeEarned for the
// window [start, end). A missing snapshot or a non-positive delta means there
// is nothing to settle and returns zero; this guards against lagging
// snapshots and pool-side corrections that temporarily shrink the counter.
func (r *Resolver) WindowReward(ctx context.Context, account, coin string, start, end time.Time) (decimal.Decimal, error) {
	endSnap, err := r.cfg.Store.LatestAtOrBefore(ctx, account, coin, end)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load end snapshot: %w", err)
	}
	startSnap, err := r.cfg.Store.LatestAtOrBefore(ctx, account, coin, start)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load start snapshot: %w", err)
	}
	if endSnap == nil || startSnap == nil {
		r.log.Debug("rewards: snapshot missing, nothing to settle",
			"account", account, "coin", coin,
			"have_start", startSnap != nil, "have_end", endSnap != nil)
		return decimal.Zero, nil
	}

	delta := endSnap.CumulativeEarned.Sub(startSnap.CumulativeEarned)
	if !delta.IsPositive() {
		if delta.IsNegative() {
			r.log.Warn("rewards: cumulative counter decreased, treating as no reward",
				"account", account, "coin", coin, "delta", delta)
		}
		return decimal.Zero, nil
	}
	return delta, nil
}

// PGSnapshotStore persists snapshots in Postgres.
type PGSnapshotStore struct {
	db *pgxpool.Pool
}

func NewPGSnapshotStore(db *pgxpool.Pool) *PGSnapshotStore {
	return &PGSnapshotStore{db: db}
}

func (s *PGSnapshotStore) LatestAtOrBefore(ctx context.Context, account, coin string, at time.Time) (*Snapshot, error) {
	snap := &Snapshot{Account: account, Coin: coin}
	err := s.db.QueryRow(ctx, `
		SELECT cumulative_earned, fetched_at
		FROM pool_balance_snapshots
		WHERE account = $1 AND coin = $2 AND fetched_at <= $3
		ORDER BY fetched_at DESC
		LIMIT 1
	`, account, coin, at).Scan(&snap.CumulativeEarned, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance snapshot: %w", err)
	}
	return snap, nil
}

// Insert records a freshly fetched snapshot.
func (s *PGSnapshotStore) Insert(ctx context.Context, snap Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pool_balance_snapshots (account, coin, cumulative_earned, fetched_at)
		VALUES ($1, $2, $3, $4)
	`, snap.Account, snap.Coin, snap.CumulativeEarned, snap.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert balance snapshot: %w", err)
	}
	return nil
}
