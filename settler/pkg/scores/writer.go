package scores

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashfleet/payouts/settler/pkg/clickhouse"
	"github.com/hashfleet/payouts/settler/pkg/metrics"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
)

// Sample is one reported score for one worker at one cadence tick. An empty
// DeviceType counts as CPU.
type Sample struct {
	Account    string
	Coin       string
	WorkerID   string
	DeviceType settlement.Category
	Score      float64
	SampledAt  time.Time
}

type WriterConfig struct {
	Logger     *slog.Logger
	ClickHouse clickhouse.Client
}

func (cfg *WriterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

// Writer batch-inserts score samples. It sits behind the hashrate-report
// ingestion path; the aggregator reads what it writes.
type Writer struct {
	log *slog.Logger
	cfg WriterConfig
}

func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// WriteSamples inserts a batch of samples. Negative scores are rejected before
// any row is written.
func (w *Writer) WriteSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	for _, s := range samples {
		if s.Score < 0 {
			return fmt.Errorf("negative score %f for worker %s", s.Score, s.WorkerID)
		}
	}

	conn, err := w.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", sampleTable))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, s := range samples {
		deviceType := s.DeviceType
		if deviceType == "" {
			deviceType = settlement.CategoryCPU
		}
		if err := batch.Append(s.Account, s.Coin, s.WorkerID, string(deviceType), s.Score, s.SampledAt.UTC()); err != nil {
			return fmt.Errorf("failed to append sample: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	for _, s := range samples {
		metrics.ScoreSamplesWrittenTotal.WithLabelValues(s.Account, s.Coin).Inc()
	}
	w.log.Debug("scores: samples written", "count", len(samples))
	return nil
}
