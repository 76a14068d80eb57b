package analysis

// Health score penalties.
const (
	lowSavingsPenalty     = 25
	revolvingPenalty      = 20
	highBurnPenalty       = 20
	unstableIncomePenalty = 15

	minSavingsRate       = 0.2
	maxBurnShare         = 0.7
	maxIncomeConsistency = 0.4
)

// ComputeHealthScore starts at 100 and subtracts a penalty per warning sign.
// The result is clamped to [0, 100].
func ComputeHealthScore(core CoreMetrics, credit CreditMetrics) int {
	score := 100
	if core.SavingsRate < minSavingsRate {
		score -= lowSavingsPenalty
	}
	if credit.RevolvingDetected {
		score -= revolvingPenalty
	}
	if core.AvgMonthlyBurn > maxBurnShare*core.TotalIncome {
		score -= highBurnPenalty
	}
	if core.IncomeConsistency > maxIncomeConsistency {
		score -= unstableIncomePenalty
	}

	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
