// Package settlement implements the payout settlement engine: proportional
// allocation of windowed pool rewards across users, category splitting, and the
// idempotent window state machine.
package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a settlement window.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// AllocationSource records how a window's reward was distributed.
type AllocationSource string

const (
	SourcePoolScores    AllocationSource = "POOL_SCORES"
	SourceAdminFallback AllocationSource = "ADMIN_FALLBACK"
)

// Category is a contribution sub-category. A user's share is split across
// categories proportional to their measured device mix.
type Category string

const (
	CategoryCPU Category = "CPU"
	CategoryGPU Category = "GPU"
)

// Fallback reasons recorded on windows that could not use pool scores.
const (
	ReasonNoReward         = "NO_REWARD"
	ReasonEmptyScoreWindow = "EMPTY_SCORE_WINDOW"
)

// Amount precision, by unit. Amounts are truncated (never rounded up) so a sum
// of shares can never exceed the total it was derived from.
const (
	ReferencePrecision = 8
	CreditPrecision    = 4
	FiatPrecision      = 2
)

// Window is one settlement window for an (account, coin) pair. The tuple
// (Account, Coin, Start) is unique at the storage layer and acts as the
// idempotency key.
type Window struct {
	ID             string
	Account        string
	Coin           string
	Start          time.Time // inclusive
	End            time.Time // exclusive
	TotalCoin      decimal.Decimal
	TotalCredit    decimal.Decimal
	TotalReference decimal.Decimal
	RateProvenance string
	Source         AllocationSource
	FallbackReason string
	CategoryTotals map[Category]decimal.Decimal
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkerScore is one worker's summed contribution score for a window. Computed
// fresh per run, never persisted.
type WorkerScore struct {
	WorkerID string
	Score    decimal.Decimal
}

// CategoryScore is one worker's summed score for one device category. The
// per-user device mix used by the category splitter is derived from these.
type CategoryScore struct {
	WorkerID string
	Category Category
	Score    decimal.Decimal
}

// UserShare is one user's allocation of a window's reward, in reference-coin
// units. The sum of all shares for a window equals the window's
// TotalReference exactly.
type UserShare struct {
	UserID string
	Amount decimal.Decimal
}

// CategorySplit divides one UserShare across categories. The amounts sum to
// the share amount exactly.
type CategorySplit struct {
	UserID  string
	Amounts map[Category]decimal.Decimal
}

// EntryLine is one (category, amounts) leg of a user's settlement.
type EntryLine struct {
	Category  Category
	Credit    decimal.Decimal
	Fiat      decimal.Decimal
	Reference decimal.Decimal
}

// UserApplication is the atomic unit of balance application: one user's
// ledger rows plus their balance delta, committed together.
type UserApplication struct {
	UserID      string
	WindowToken string
	OccurredAt  time.Time
	Lines       []EntryLine
}

// Token derives the stable reference token attached to every ledger row a
// window produces. Re-applying the same window yields the same token, which
// makes duplicates detectable downstream.
func Token(account, coin string, start time.Time) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", account, coin, start.UTC().Unix()))
	return hex.EncodeToString(sum[:16])
}
