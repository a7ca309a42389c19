package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestPayouts_Settlement_SplitShare(t *testing.T) {
	t.Parallel()

	t.Run("splits proportionally with exact complement", func(t *testing.T) {
		t.Parallel()

		amount := decimal.RequireFromString("0.00700000")
		split := SplitShare("u1", amount, decimal.RequireFromString("0.3333"), nil)

		cpu := split.Amounts[CategoryCPU]
		gpu := split.Amounts[CategoryGPU]
		require.True(t, cpu.Add(gpu).Equal(amount), "cpu %s + gpu %s != %s", cpu, gpu, amount)
		require.True(t, cpu.Equal(amount.Mul(decimal.RequireFromString("0.3333")).Truncate(ReferencePrecision)))
	})

	t.Run("override assigns the full amount to one category", func(t *testing.T) {
		t.Parallel()

		amount := decimal.RequireFromString("0.003")
		gpuOnly := CategoryGPU
		split := SplitShare("u2", amount, decimal.RequireFromString("0.9"), &gpuOnly)

		require.True(t, split.Amounts[CategoryGPU].Equal(amount))
		require.True(t, split.Amounts[CategoryCPU].IsZero())
	})

	t.Run("clamps ratio outside [0,1]", func(t *testing.T) {
		t.Parallel()

		amount := decimal.NewFromInt(1)

		split := SplitShare("u3", amount, decimal.NewFromInt(7), nil)
		require.True(t, split.Amounts[CategoryCPU].Equal(amount))
		require.True(t, split.Amounts[CategoryGPU].IsZero())

		split = SplitShare("u3", amount, decimal.NewFromInt(-2), nil)
		require.True(t, split.Amounts[CategoryCPU].IsZero())
		require.True(t, split.Amounts[CategoryGPU].Equal(amount))
	})

	t.Run("category amounts always sum to the share", func(t *testing.T) {
		t.Parallel()

		// Ratios that don't divide evenly at reference precision.
		ratios := []string{"0", "0.1", "0.33333333", "0.5", "0.66666667", "0.99999999", "1"}
		amount := decimal.RequireFromString("0.00012345")
		for _, r := range ratios {
			split := SplitShare("u4", amount, decimal.RequireFromString(r), nil)
			sum := split.Amounts[CategoryCPU].Add(split.Amounts[CategoryGPU])
			require.True(t, sum.Equal(amount), "ratio %s: sum %s != %s", r, sum, amount)
		}
	})
}
