package points

import (
	"fmt"
	"strings"
)

// RewardPolicy decides how many points a check-in earns for a given streak.
type RewardPolicy struct {
	BaseReward        int64
	StreakBonusEvery  int64
	StreakBonusAmount int64
}

// Validate rejects negative settings.
func (policy RewardPolicy) Validate() error {
	if policy.BaseReward < 0 {
		return fmt.Errorf("%w: baseReward must not be negative", ErrInvalidRewardPolicy)
	}
	if policy.StreakBonusEvery < 0 {
		return fmt.Errorf("%w: streakBonusEvery must not be negative", ErrInvalidRewardPolicy)
	}
	if policy.StreakBonusAmount < 0 {
		return fmt.Errorf("%w: streakBonusAmount must not be negative", ErrInvalidRewardPolicy)
	}
	return nil
}

// RewardFor returns baseReward plus streakBonusAmount for every completed block of
// streakBonusEvery days. Non-decreasing in streak.
func (policy RewardPolicy) RewardFor(streak int) Points {
	reward := policy.BaseReward
	if policy.StreakBonusEvery > 0 && streak > 0 {
		reward += (int64(streak) / policy.StreakBonusEvery) * policy.StreakBonusAmount
	}
	return Points(reward)
}

// BalanceFloor selects whether accruals may take a balance below zero.
type BalanceFloor string

const (
	BalanceFloorZero BalanceFloor = "zero"
	BalanceFloorNone BalanceFloor = "none"
)

// ParseBalanceFloor validates a configured floor, defaulting to zero.
func ParseBalanceFloor(raw string) (BalanceFloor, error) {
	switch floor := BalanceFloor(strings.ToLower(strings.TrimSpace(raw))); floor {
	case "":
		return BalanceFloorZero, nil
	case BalanceFloorZero, BalanceFloorNone:
		return floor, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBalanceFloor, raw)
	}
}
