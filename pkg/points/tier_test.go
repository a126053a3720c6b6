package points

import (
	"math"
	"testing"
)

func TestTierOfBoundaries(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		balance Points
		want    Tier
	}{
		{balance: math.MinInt64, want: TierBronze},
		{balance: -1, want: TierBronze},
		{balance: 0, want: TierBronze},
		{balance: 49, want: TierBronze},
		{balance: 50, want: TierSilver},
		{balance: 99, want: TierSilver},
		{balance: 100, want: TierGold},
		{balance: 199, want: TierGold},
		{balance: 200, want: TierPlatinum},
		{balance: math.MaxInt64, want: TierPlatinum},
	}
	for _, testCase := range testCases {
		if got := TierOf(testCase.balance); got != testCase.want {
			test.Fatalf("TierOf(%d) = %s, want %s", testCase.balance, got, testCase.want)
		}
	}
}

func TestAccountWithBalanceRederivesTier(test *testing.T) {
	test.Parallel()
	userID, err := NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	account := NewAccount(userID, fixedNow)
	updated := account.withBalance(150, fixedNow.Add(1))
	if updated.Tier != TierGold || !updated.Consistent() {
		test.Fatalf("unexpected account %+v", updated)
	}
	if !updated.UpdatedAt.After(account.UpdatedAt) || !updated.CreatedAt.Equal(account.CreatedAt) {
		test.Fatalf("unexpected timestamps %+v", updated)
	}
	tampered := updated
	tampered.Tier = TierBronze
	if tampered.Consistent() {
		test.Fatalf("expected inconsistent tier")
	}
}
