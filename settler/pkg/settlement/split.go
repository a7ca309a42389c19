package settlement

import "github.com/shopspring/decimal"

// SplitShare divides a user's share across contribution categories.
//
// When override is non-nil the whole amount lands on that category, used for
// coins whose algorithm maps 1:1 to a device class (e.g. a GPU-only coin).
// Otherwise cpuRatio (the user's currently measured CPU fraction of total
// contribution, clamped to [0,1]) determines the CPU amount and GPU is the
// complement, computed as amount − cpu rather than independently so the two
// always sum to amount exactly.
func SplitShare(userID string, amount decimal.Decimal, cpuRatio decimal.Decimal, override *Category) CategorySplit {
	amounts := map[Category]decimal.Decimal{
		CategoryCPU: decimal.Zero,
		CategoryGPU: decimal.Zero,
	}

	if override != nil {
		amounts[*override] = amount
		return CategorySplit{UserID: userID, Amounts: amounts}
	}

	if cpuRatio.LessThan(decimal.Zero) {
		cpuRatio = decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if cpuRatio.GreaterThan(one) {
		cpuRatio = one
	}

	cpu := amount.Mul(cpuRatio).Truncate(ReferencePrecision)
	amounts[CategoryCPU] = cpu
	amounts[CategoryGPU] = amount.Sub(cpu)
	return CategorySplit{UserID: userID, Amounts: amounts}
}
