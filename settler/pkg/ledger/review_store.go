package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hashfleet/payouts/settler/pkg/settlement"
)

// ReviewStatus is the lifecycle state of a reviewed settlement. AUDIT is the
// only state an operator can act on; PAID and REJECTED are terminal.
type ReviewStatus string

const (
	ReviewStatusAudit    ReviewStatus = "AUDIT"
	ReviewStatusPaid     ReviewStatus = "PAID"
	ReviewStatusRejected ReviewStatus = "REJECTED"
)

// LineItemStatus tracks whether a staged line item reached user balances.
type LineItemStatus string

const (
	LineItemStatusStaged   LineItemStatus = "STAGED"
	LineItemStatusPosted   LineItemStatus = "POSTED"
	LineItemStatusRejected LineItemStatus = "REJECTED"
)

// ReviewSettlement is a staged daily settlement awaiting operator review.
// Commission is the residual between the gross reward and the sum of staged
// user shares, so the three reference amounts always reconcile.
type ReviewSettlement struct {
	ID                  string
	Account             string
	Coin                string
	WindowStart         time.Time
	WindowEnd           time.Time
	GrossReference      decimal.Decimal
	NetReference        decimal.Decimal
	CommissionReference decimal.Decimal
	Status              ReviewStatus
	Remark              string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ReviewLineItem is one user's staged share of a reviewed settlement.
type ReviewLineItem struct {
	ID              string
	SettlementID    string
	UserID          string
	Category        settlement.Category
	ReferenceAmount decimal.Decimal
	CreditAmount    decimal.Decimal
	FiatAmount      decimal.Decimal
	Status          LineItemStatus
}

// InsertReviewSettlement conditionally stages a reviewed settlement and its
// line items. Like InsertProcessingWindow it is keyed on (account, coin,
// windowStart); a false return means the window was already staged.
func (s *Store) InsertReviewSettlement(ctx context.Context, rs *ReviewSettlement, items []ReviewLineItem) (inserted bool, err error) {
	defer observeQuery(time.Now(), &err)

	tx, err := s.cfg.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if rs.ID == "" {
		rs.ID = uuid.New().String()
	}
	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO review_settlements (id, account, coin, window_start, window_end,
			gross_reference, net_reference, commission_reference, status, remark)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '')
		ON CONFLICT (account, coin, window_start) DO NOTHING
		RETURNING id
	`, rs.ID, rs.Account, rs.Coin, rs.WindowStart.UTC(), rs.WindowEnd.UTC(),
		rs.GrossReference, rs.NetReference, rs.CommissionReference, ReviewStatusAudit).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert review settlement: %w", err)
	}
	rs.Status = ReviewStatusAudit

	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.New().String()
		}
		items[i].SettlementID = rs.ID
		items[i].Status = LineItemStatusStaged
		_, err = tx.Exec(ctx, `
			INSERT INTO review_line_items (id, settlement_id, user_id, category,
				reference_amount, credit_amount, fiat_amount, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, items[i].ID, rs.ID, items[i].UserID, items[i].Category,
			items[i].ReferenceAmount, items[i].CreditAmount, items[i].FiatAmount, LineItemStatusStaged)
		if err != nil {
			return false, fmt.Errorf("failed to insert review line item: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit review settlement: %w", err)
	}
	return true, nil
}

const reviewColumns = `id, account, coin, window_start, window_end,
	gross_reference, net_reference, commission_reference, status, remark, created_at, updated_at`

func scanReview(row pgx.Row) (*ReviewSettlement, error) {
	rs := &ReviewSettlement{}
	err := row.Scan(&rs.ID, &rs.Account, &rs.Coin, &rs.WindowStart, &rs.WindowEnd,
		&rs.GrossReference, &rs.NetReference, &rs.CommissionReference,
		&rs.Status, &rs.Remark, &rs.CreatedAt, &rs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// GetReviewSettlement loads a reviewed settlement and its line items, or nil
// when absent.
func (s *Store) GetReviewSettlement(ctx context.Context, id string) (rs *ReviewSettlement, items []ReviewLineItem, err error) {
	defer observeQuery(time.Now(), &err)

	rs, err = scanReview(s.cfg.DB.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM review_settlements WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get review settlement: %w", err)
	}

	rows, err := s.cfg.DB.Query(ctx, `
		SELECT id, settlement_id, user_id, category, reference_amount, credit_amount, fiat_amount, status
		FROM review_line_items
		WHERE settlement_id = $1
		ORDER BY reference_amount DESC, user_id
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list review line items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item ReviewLineItem
		if err := rows.Scan(&item.ID, &item.SettlementID, &item.UserID, &item.Category,
			&item.ReferenceAmount, &item.CreditAmount, &item.FiatAmount, &item.Status); err != nil {
			return nil, nil, fmt.Errorf("failed to scan review line item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate review line items: %w", err)
	}
	return rs, items, nil
}

// ListReviewSettlements returns settlements in a given status, most recent
// first. An empty status lists all.
func (s *Store) ListReviewSettlements(ctx context.Context, status ReviewStatus, limit int) (settlements []*ReviewSettlement, err error) {
	defer observeQuery(time.Now(), &err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.cfg.DB.Query(ctx,
		`SELECT `+reviewColumns+` FROM review_settlements
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY window_start DESC
		 LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list review settlements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rs, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review settlement: %w", err)
		}
		settlements = append(settlements, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate review settlements: %w", err)
	}
	return settlements, nil
}

// TransitionReview moves a reviewed settlement from one status to another,
// recording the operator remark. Returns false when the settlement is not in
// the expected from status, which refuses re-actions on terminal settlements.
func (s *Store) TransitionReview(ctx context.Context, id string, from, to ReviewStatus, remark string) (ok bool, err error) {
	defer observeQuery(time.Now(), &err)

	tag, err := s.cfg.DB.Exec(ctx, `
		UPDATE review_settlements
		SET status = $2, remark = $3, updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, to, remark, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition review settlement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetLineItemsStatus marks every line item of a settlement.
func (s *Store) SetLineItemsStatus(ctx context.Context, settlementID string, status LineItemStatus) (err error) {
	defer observeQuery(time.Now(), &err)

	_, err = s.cfg.DB.Exec(ctx,
		`UPDATE review_line_items SET status = $2 WHERE settlement_id = $1`,
		settlementID, status)
	if err != nil {
		return fmt.Errorf("failed to update review line items: %w", err)
	}
	return nil
}

// CountPendingReviews returns the number of settlements awaiting review.
func (s *Store) CountPendingReviews(ctx context.Context) (count int64, err error) {
	defer observeQuery(time.Now(), &err)

	err = s.cfg.DB.QueryRow(ctx,
		`SELECT count(*) FROM review_settlements WHERE status = $1`,
		ReviewStatusAudit).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reviews: %w", err)
	}
	return count, nil
}
