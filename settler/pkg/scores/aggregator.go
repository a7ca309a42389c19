// Package scores reads and writes the per-worker contribution score time
// series. Devices report hashrate-derived scores on a fixed cadence; the
// aggregator sums them per worker over a settlement window. Scores determine
// distribution only; reward magnitude comes from pool balance snapshots.
package scores

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hashfleet/payouts/settler/pkg/clickhouse"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
)

const sampleTable = "worker_score_samples"

// EnsureSchema creates the score sample table if it does not exist.
func EnsureSchema(ctx context.Context, ch clickhouse.Client) error {
	conn, err := ch.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			account     String,
			coin        String,
			worker_id   String,
			device_type String,
			score       Float64,
			sampled_at  DateTime('UTC')
		)
		ENGINE = MergeTree
		PARTITION BY toYYYYMM(sampled_at)
		ORDER BY (account, coin, sampled_at, worker_id)
	`, sampleTable)
	if err := conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s: %w", sampleTable, err)
	}
	return nil
}

type AggregatorConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *AggregatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

// Aggregator sums worker scores over half-open windows.
type Aggregator struct {
	log *slog.Logger
	cfg AggregatorConfig
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// WindowScores returns each worker's total score over [start, end), broken
// down by device category, plus the number of distinct sample timestamps
// observed. No samples is an empty result, not an error. Unrecognized device
// types count toward CPU.
func (a *Aggregator) WindowScores(ctx context.Context, account, coin string, start, end time.Time) ([]settlement.CategoryScore, int, error) {
	conn, err := a.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT worker_id, if(device_type = 'GPU', 'GPU', 'CPU') AS device, sum(score) AS total_score
		FROM %s
		WHERE account = ? AND coin = ? AND sampled_at >= ? AND sampled_at < ?
		GROUP BY worker_id, device
		ORDER BY worker_id, device
	`, sampleTable), account, coin, start.UTC(), end.UTC())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query worker scores: %w", err)
	}
	defer rows.Close()

	var scores []settlement.CategoryScore
	for rows.Next() {
		var workerID, device string
		var total float64
		if err := rows.Scan(&workerID, &device, &total); err != nil {
			return nil, 0, fmt.Errorf("failed to scan worker score: %w", err)
		}
		scores = append(scores, settlement.CategoryScore{
			WorkerID: workerID,
			Category: settlement.Category(device),
			Score:    decimal.NewFromFloat(total),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate worker scores: %w", err)
	}

	var sampleCount uint64
	countRows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT uniqExact(sampled_at)
		FROM %s
		WHERE account = ? AND coin = ? AND sampled_at >= ? AND sampled_at < ?
	`, sampleTable), account, coin, start.UTC(), end.UTC())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sample count: %w", err)
	}
	defer countRows.Close()
	if countRows.Next() {
		if err := countRows.Scan(&sampleCount); err != nil {
			return nil, 0, fmt.Errorf("failed to scan sample count: %w", err)
		}
	}
	if err := countRows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate sample count: %w", err)
	}

	a.log.Debug("scores: window aggregated",
		"account", account, "coin", coin,
		"workers", len(scores), "samples", sampleCount)

	return scores, int(sampleCount), nil
}
