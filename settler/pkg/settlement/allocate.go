package settlement

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Allocate distributes total (reference-coin units) across users proportional
// to their scores. It returns an empty allocation when total or the score sum
// is not positive; the caller routes that case to the admin fallback.
//
// Shares are computed at fixed precision with truncation, in descending score
// order (ties broken by user id) so rounding order is deterministic. The
// running sum is capped at total, and any strictly positive leftover after all
// users is assigned to unclaimedUserID. The returned shares always sum to
// total exactly, and no share is negative.
func Allocate(total decimal.Decimal, scores map[string]decimal.Decimal, unclaimedUserID string) []UserShare {
	if !total.IsPositive() {
		return nil
	}

	totalScore := decimal.Zero
	users := make([]string, 0, len(scores))
	for userID, score := range scores {
		if score.IsNegative() {
			continue
		}
		users = append(users, userID)
		totalScore = totalScore.Add(score)
	}
	if !totalScore.IsPositive() {
		return nil
	}

	sort.Slice(users, func(i, j int) bool {
		si, sj := scores[users[i]], scores[users[j]]
		if !si.Equal(sj) {
			return si.GreaterThan(sj)
		}
		return users[i] < users[j]
	})

	shares := make([]UserShare, 0, len(users)+1)
	allocated := decimal.Zero
	for _, userID := range users {
		remaining := total.Sub(allocated)
		if !remaining.IsPositive() {
			break
		}
		share := total.Mul(scores[userID]).Div(totalScore).Truncate(ReferencePrecision)
		if share.GreaterThan(remaining) {
			share = remaining
		}
		if share.IsZero() {
			continue
		}
		shares = append(shares, UserShare{UserID: userID, Amount: share})
		allocated = allocated.Add(share)
	}

	// Truncation leftover goes to the unclaimed bucket, never dropped.
	if leftover := total.Sub(allocated); leftover.IsPositive() {
		for i := range shares {
			if shares[i].UserID == unclaimedUserID {
				shares[i].Amount = shares[i].Amount.Add(leftover)
				return shares
			}
		}
		shares = append(shares, UserShare{UserID: unclaimedUserID, Amount: leftover})
	}

	return shares
}
