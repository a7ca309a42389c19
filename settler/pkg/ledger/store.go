package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hashfleet/payouts/settler/pkg/metrics"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
)

// Settlement currency preferences for the reviewed variant.
const (
	CurrencyCredit = "CREDIT"
	CurrencyFiat   = "FIAT"
)

// Entry is one append-only earnings-history row.
type Entry struct {
	ID              string
	UserID          string
	Category        settlement.Category
	CreditAmount    decimal.Decimal
	FiatAmount      decimal.Decimal
	ReferenceAmount decimal.Decimal
	WindowToken     string
	OccurredAt      time.Time
	CreatedAt       time.Time
}

// Balance is a user's mutable balance aggregate. Lifetime counters only ever
// increase; they are mutated exclusively through ApplyUserSettlement.
type Balance struct {
	UserID         string
	CreditBalance  decimal.Decimal
	FiatBalance    decimal.Decimal
	LifetimeCredit decimal.Decimal
	LifetimeFiat   decimal.Decimal
	UpdatedAt      time.Time
}

type StoreConfig struct {
	Logger *slog.Logger
	DB     *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// observeQuery records duration and outcome for one store call. It takes the
// named return by pointer because deferred arguments are evaluated up front,
// before the method body has assigned the error.
func observeQuery(start time.Time, err *error) {
	metrics.LedgerQueryDuration.Observe(time.Since(start).Seconds())
	status := "success"
	if *err != nil {
		status = "error"
	}
	metrics.LedgerQueriesTotal.WithLabelValues(status).Inc()
}

// InsertProcessingWindow is the idempotency gate. It conditionally inserts a
// PROCESSING row keyed on (account, coin, windowStart) and reports whether
// this call won the insert. A false return with nil error means the window
// already exists and the caller must back off without side effects.
func (s *Store) InsertProcessingWindow(ctx context.Context, w *settlement.Window) (inserted bool, err error) {
	defer observeQuery(time.Now(), &err)

	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	var id string
	err = s.cfg.DB.QueryRow(ctx, `
		INSERT INTO settlement_windows (id, account, coin, window_start, window_end, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account, coin, window_start) DO NOTHING
		RETURNING id
	`, w.ID, w.Account, w.Coin, w.Start.UTC(), w.End.UTC(), settlement.StatusProcessing).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert settlement window: %w", err)
	}
	w.Status = settlement.StatusProcessing
	return true, nil
}

// FinalizeWindow records a window's terminal outcome: totals, provenance,
// allocation source, category totals, and status.
func (s *Store) FinalizeWindow(ctx context.Context, w *settlement.Window) (err error) {
	defer observeQuery(time.Now(), &err)

	categoryTotals, err := json.Marshal(w.CategoryTotals)
	if err != nil {
		return fmt.Errorf("failed to marshal category totals: %w", err)
	}

	var fallbackReason *string
	if w.FallbackReason != "" {
		fallbackReason = &w.FallbackReason
	}

	tag, err := s.cfg.DB.Exec(ctx, `
		UPDATE settlement_windows
		SET total_coin = $2, total_credit = $3, total_reference = $4,
		    rate_provenance = $5, allocation_source = $6, fallback_reason = $7,
		    category_totals = $8, status = $9, updated_at = now()
		WHERE id = $1
	`, w.ID, w.TotalCoin, w.TotalCredit, w.TotalReference,
		w.RateProvenance, w.Source, fallbackReason, categoryTotals, w.Status)
	if err != nil {
		return fmt.Errorf("failed to finalize settlement window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement window %s not found", w.ID)
	}
	return nil
}

// MarkWindowProcessing transitions a FAILED window back to PROCESSING for an
// operator re-drive. Returns false when the window is not in FAILED.
func (s *Store) MarkWindowProcessing(ctx context.Context, id string) (ok bool, err error) {
	defer observeQuery(time.Now(), &err)

	tag, err := s.cfg.DB.Exec(ctx, `
		UPDATE settlement_windows
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, settlement.StatusProcessing, settlement.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to mark window processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const windowColumns = `id, account, coin, window_start, window_end,
	total_coin, total_credit, total_reference,
	rate_provenance, allocation_source, fallback_reason, category_totals,
	status, created_at, updated_at`

func scanWindow(row pgx.Row) (*settlement.Window, error) {
	w := &settlement.Window{}
	var fallbackReason *string
	var categoryTotals []byte
	err := row.Scan(&w.ID, &w.Account, &w.Coin, &w.Start, &w.End,
		&w.TotalCoin, &w.TotalCredit, &w.TotalReference,
		&w.RateProvenance, &w.Source, &fallbackReason, &categoryTotals,
		&w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if fallbackReason != nil {
		w.FallbackReason = *fallbackReason
	}
	if len(categoryTotals) > 0 {
		if err := json.Unmarshal(categoryTotals, &w.CategoryTotals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal category totals: %w", err)
		}
	}
	return w, nil
}

// GetWindow loads a window by id, or nil when absent.
func (s *Store) GetWindow(ctx context.Context, id string) (w *settlement.Window, err error) {
	defer observeQuery(time.Now(), &err)

	w, err = scanWindow(s.cfg.DB.QueryRow(ctx,
		`SELECT `+windowColumns+` FROM settlement_windows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement window: %w", err)
	}
	return w, nil
}

// GetWindowByKey loads a window by its idempotency key, or nil when absent.
func (s *Store) GetWindowByKey(ctx context.Context, account, coin string, start time.Time) (w *settlement.Window, err error) {
	defer observeQuery(time.Now(), &err)

	w, err = scanWindow(s.cfg.DB.QueryRow(ctx,
		`SELECT `+windowColumns+` FROM settlement_windows
		 WHERE account = $1 AND coin = $2 AND window_start = $3`,
		account, coin, start.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement window by key: %w", err)
	}
	return w, nil
}

// ListWindows returns windows for an (account, coin) pair whose start falls in
// [from, to), most recent first.
func (s *Store) ListWindows(ctx context.Context, account, coin string, from, to time.Time, limit int) (windows []*settlement.Window, err error) {
	defer observeQuery(time.Now(), &err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.cfg.DB.Query(ctx,
		`SELECT `+windowColumns+` FROM settlement_windows
		 WHERE account = $1 AND coin = $2 AND window_start >= $3 AND window_start < $4
		 ORDER BY window_start DESC
		 LIMIT $5`,
		account, coin, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement windows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlement windows: %w", err)
	}
	return windows, nil
}

// ApplyUserSettlement commits one user's settlement atomically: their ledger
// rows and balance delta in a single transaction. When the user already has
// ledger rows carrying this window token the call is a no-op returning
// applied=false, which makes re-drives safe.
func (s *Store) ApplyUserSettlement(ctx context.Context, app settlement.UserApplication) (applied bool, err error) {
	defer observeQuery(time.Now(), &err)

	tx, err := s.cfg.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE user_id = $1 AND window_token = $2)`,
		app.UserID, app.WindowToken).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate window token: %w", err)
	}
	if exists {
		s.log.Warn("ledger: duplicate window token, skipping application",
			"user_id", app.UserID, "window_token", app.WindowToken)
		return false, nil
	}

	creditDelta := decimal.Zero
	fiatDelta := decimal.Zero
	for _, line := range app.Lines {
		if line.Credit.IsZero() && line.Fiat.IsZero() && line.Reference.IsZero() {
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_entries (id, user_id, category, credit_amount, fiat_amount, reference_amount, window_token, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.New().String(), app.UserID, line.Category,
			line.Credit, line.Fiat, line.Reference, app.WindowToken, app.OccurredAt.UTC())
		if err != nil {
			return false, fmt.Errorf("failed to insert ledger entry: %w", err)
		}
		creditDelta = creditDelta.Add(line.Credit)
		fiatDelta = fiatDelta.Add(line.Fiat)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_balances (user_id, credit_balance, fiat_balance, lifetime_credit, lifetime_fiat, updated_at)
		VALUES ($1, $2, $3, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
			credit_balance  = user_balances.credit_balance + EXCLUDED.credit_balance,
			fiat_balance    = user_balances.fiat_balance + EXCLUDED.fiat_balance,
			lifetime_credit = user_balances.lifetime_credit + EXCLUDED.lifetime_credit,
			lifetime_fiat   = user_balances.lifetime_fiat + EXCLUDED.lifetime_fiat,
			updated_at      = now()
	`, app.UserID, creditDelta, fiatDelta)
	if err != nil {
		return false, fmt.Errorf("failed to update user balance: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit user settlement: %w", err)
	}
	return true, nil
}

// GetBalance loads a user's balance aggregate, or a zero balance when the
// user has never settled.
func (s *Store) GetBalance(ctx context.Context, userID string) (b *Balance, err error) {
	defer observeQuery(time.Now(), &err)

	b = &Balance{UserID: userID}
	err = s.cfg.DB.QueryRow(ctx, `
		SELECT credit_balance, fiat_balance, lifetime_credit, lifetime_fiat, updated_at
		FROM user_balances WHERE user_id = $1
	`, userID).Scan(&b.CreditBalance, &b.FiatBalance, &b.LifetimeCredit, &b.LifetimeFiat, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Balance{
			UserID:         userID,
			CreditBalance:  decimal.Zero,
			FiatBalance:    decimal.Zero,
			LifetimeCredit: decimal.Zero,
			LifetimeFiat:   decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user balance: %w", err)
	}
	return b, nil
}

// ListEntries returns a user's earnings history, most recent first.
func (s *Store) ListEntries(ctx context.Context, userID string, limit int) (entries []Entry, err error) {
	defer observeQuery(time.Now(), &err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.cfg.DB.Query(ctx, `
		SELECT id, user_id, category, credit_amount, fiat_amount, reference_amount, window_token, occurred_at, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY occurred_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Category, &e.CreditAmount, &e.FiatAmount,
			&e.ReferenceAmount, &e.WindowToken, &e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}

// SettlementCurrency returns the user's preferred disbursement currency for
// reviewed settlements. Defaults to credit.
func (s *Store) SettlementCurrency(ctx context.Context, userID string) (currency string, err error) {
	defer observeQuery(time.Now(), &err)

	err = s.cfg.DB.QueryRow(ctx,
		`SELECT currency FROM user_settlement_prefs WHERE user_id = $1`, userID).Scan(&currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return CurrencyCredit, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get settlement currency: %w", err)
	}
	return currency, nil
}

// SetSettlementCurrency upserts the user's disbursement preference.
func (s *Store) SetSettlementCurrency(ctx context.Context, userID, currency string) (err error) {
	defer observeQuery(time.Now(), &err)

	if currency != CurrencyCredit && currency != CurrencyFiat {
		return fmt.Errorf("invalid settlement currency %q", currency)
	}
	_, err = s.cfg.DB.Exec(ctx, `
		INSERT INTO user_settlement_prefs (user_id, currency)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET currency = EXCLUDED.currency
	`, userID, currency)
	if err != nil {
		return fmt.Errorf("failed to set settlement currency: %w", err)
	}
	return nil
}
