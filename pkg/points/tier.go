package points

import "math"

type tierRange struct {
	tier  Tier
	lower int64
	upper int64
}

// Half-open [lower, upper) ranges, evaluated in ascending order.
var tierRanges = []tierRange{
	{tier: TierBronze, lower: 0, upper: 50},
	{tier: TierSilver, lower: 50, upper: 100},
	{tier: TierGold, lower: 100, upper: 200},
	{tier: TierPlatinum, lower: 200, upper: math.MaxInt64},
}

// Negative balances match no range.
const tierFallback = TierBronze

// TierOf derives the tier for a balance; the first matching range wins.
func TierOf(balance Points) Tier {
	value := balance.Int64()
	for _, candidate := range tierRanges {
		if value >= candidate.lower && (value < candidate.upper || candidate.upper == math.MaxInt64) {
			return candidate.tier
		}
	}
	return tierFallback
}
