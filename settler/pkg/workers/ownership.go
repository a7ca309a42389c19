// Package workers maps external pool worker identifiers to platform users.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store looks up registered worker ownership.
type Store interface {
	// OwnersByWorkerID returns the userID for each known workerID. Unknown
	// workers are simply absent from the result.
	OwnersByWorkerID(ctx context.Context, workerIDs []string) (map[string]string, error)
}

type Config struct {
	Logger          *slog.Logger
	Store           Store
	UnclaimedUserID string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("ownership store is required")
	}
	if cfg.UnclaimedUserID == "" {
		return errors.New("unclaimed user id is required")
	}
	return nil
}

// Resolver resolves worker ownership in three stages: the registered mapping,
// then the synthetic-identifier convention, then the unclaimed bucket.
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

// Owners maps every workerID to a userID. Every input worker appears in the
// result; workers that cannot be attributed map to the unclaimed bucket.
func (r *Resolver) Owners(ctx context.Context, workerIDs []string) (map[string]string, error) {
	owners := make(map[string]string, len(workerIDs))
	if len(workerIDs) == 0 {
		return owners, nil
	}

	registered, err := r.cfg.Store.OwnersByWorkerID(ctx, workerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up worker owners: %w", err)
	}

	var unclaimedCount int
	for _, workerID := range workerIDs {
		if userID, ok := registered[workerID]; ok {
			owners[workerID] = userID
			continue
		}
		if userID, ok := ParseSyntheticID(workerID); ok {
			owners[workerID] = userID
			continue
		}
		owners[workerID] = r.cfg.UnclaimedUserID
		unclaimedCount++
	}

	if unclaimedCount > 0 {
		r.log.Warn("workers: unattributable workers routed to unclaimed bucket",
			"count", unclaimedCount, "total", len(workerIDs))
	}
	return owners, nil
}

// ParseSyntheticID extracts the user id from a platform-generated worker name.
// Provisioned devices report as "<userUUID>.<deviceLabel>"; anything else is
// not synthetic.
func ParseSyntheticID(workerID string) (string, bool) {
	prefix, _, found := strings.Cut(workerID, ".")
	if !found {
		return "", false
	}
	if _, err := uuid.Parse(prefix); err != nil {
		return "", false
	}
	return prefix, true
}

// PGStore is the Postgres-backed ownership mapping.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) OwnersByWorkerID(ctx context.Context, workerIDs []string) (map[string]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT worker_id, user_id FROM worker_owners WHERE worker_id = ANY($1)`,
		workerIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker owners: %w", err)
	}
	defer rows.Close()

	owners := make(map[string]string)
	for rows.Next() {
		var workerID, userID string
		if err := rows.Scan(&workerID, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan worker owner: %w", err)
		}
		owners[workerID] = userID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate worker owners: %w", err)
	}
	return owners, nil
}

// Register upserts a worker→user mapping.
func (s *PGStore) Register(ctx context.Context, workerID, userID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO worker_owners (worker_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (worker_id) DO UPDATE SET user_id = EXCLUDED.user_id
	`, workerID, userID)
	if err != nil {
		return fmt.Errorf("failed to register worker owner: %w", err)
	}
	return nil
}
