package points

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"marketplace-rewards/pkg/clock"
	"marketplace-rewards/pkg/config"
	"marketplace-rewards/pkg/db/pagination"
	"marketplace-rewards/pkg/errutil"
	"marketplace-rewards/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *clock.Fake, *gorm.DB) {
	t.Helper()

	gdb := testutil.NewTestDB(t, Models()...)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFake(time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC))

	svc := &Service{
		db:    gdb,
		node:  node,
		clock: fake,
		cfg:   config.RewardsConfig{TrackerRetentionDays: 7, LeaderboardDefaultTop: 10},
	}
	return svc, fake, gdb
}

func mustCreateRule(t *testing.T, svc *Service, p CreateRuleParams) *PointRule {
	t.Helper()
	rule, err := svc.CreateRule(context.Background(), p)
	require.NoError(t, err)
	return rule
}

func intPtr(v int) *int { return &v }

func TestEarnBasic(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rule := mustCreateRule(t, svc, CreateRuleParams{
		ActionType: "write_review",
		PointValue: decimal.NewFromInt(10),
	})

	result, err := svc.Earn(ctx, EarnParams{
		UserID:     "user-1",
		ActionType: "write_review",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 10, result.PointsEarned)
	require.EqualValues(t, 10, result.NewBalance)
	require.True(t, result.Multiplier.Equal(decimal.NewFromInt(1)))

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, up.TotalPoints)
	require.EqualValues(t, 10, up.AvailablePoints)
	require.EqualValues(t, 10, up.LifetimePoints)
	require.NotNil(t, up.LastEarnedAt)

	txns, _, err := svc.ListTransactions(ctx, "user-1", paginationFor(10))
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, Earn, txns[0].Type)
	require.EqualValues(t, 10, txns[0].PointDelta)
	require.EqualValues(t, 10, txns[0].BalanceAfter)
	require.Equal(t, rule.ID, txns[0].RuleID)
}

func TestEarnNoRule(t *testing.T) {
	svc, _, _ := newTestService(t)

	result, err := svc.Earn(context.Background(), EarnParams{
		UserID:     "user-1",
		ActionType: "unknown_action",
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "No active rule for action 'unknown_action'", result.Message)
	require.Zero(t, result.PointsEarned)
}

func TestEarnInactiveRule(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType: "write_review",
		PointValue: decimal.NewFromInt(10),
	})
	inactive := false
	_, err := svc.UpdateRule(ctx, "write_review", UpdateRuleParams{IsActive: &inactive})
	require.NoError(t, err)

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)
	require.False(t, result.Success)

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, up.TotalPoints)
}

func TestEarnDailyCap(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType:          "daily_checkin",
		PointValue:          decimal.NewFromInt(5),
		MaxDailyOccurrences: intPtr(2),
	})

	for i := 0; i < 2; i++ {
		result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "daily_checkin"})
		require.NoError(t, err)
		require.True(t, result.Success)
		fake.Advance(time.Minute)
	}

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "daily_checkin"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "Daily limit reached for this action.", result.Message)

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, up.TotalPoints)

	// A new UTC day resets the counter.
	fake.Advance(24 * time.Hour)
	result, err = svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "daily_checkin"})
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestEarnConcurrentSameUser(t *testing.T) {
	svc, _, gdb := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType: "write_review",
		PointValue: decimal.NewFromInt(10),
	})

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
			if err != nil {
				errs <- err
				return
			}
			if !result.Success {
				errs <- fmt.Errorf("earn rejected: %s", result.Message)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// No lost updates: every delta lands exactly once.
	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, workers*10, up.TotalPoints)
	require.EqualValues(t, workers*10, up.AvailablePoints)
	require.EqualValues(t, workers*10, up.LifetimePoints)

	var txns []PointTransaction
	require.NoError(t, gdb.Where("user_id = ?", "user-1").Order("balance_after ASC").Find(&txns).Error)
	require.Len(t, txns, workers)
	for i, txn := range txns {
		require.EqualValues(t, 10, txn.PointDelta)
		require.EqualValues(t, (i+1)*10, txn.BalanceAfter)
	}

	var daily UserDailyPoints
	require.NoError(t, gdb.Where("user_id = ? AND action_type = ?", "user-1", "write_review").First(&daily).Error)
	require.Equal(t, workers, daily.OccurrenceCount)
}

func TestEarnLifetimeCap(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType:          "profile_completed",
		PointValue:          decimal.NewFromInt(25),
		MaxTotalOccurrences: intPtr(2),
	})

	for i := 0; i < 2; i++ {
		result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "profile_completed"})
		require.NoError(t, err)
		require.True(t, result.Success)
		fake.Advance(time.Minute)
	}

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "profile_completed"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "Lifetime limit reached for this action.", result.Message)

	// Unlike the daily cap, a new day does not reset the lifetime count.
	fake.Advance(48 * time.Hour)
	result, err = svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "profile_completed"})
	require.NoError(t, err)
	require.False(t, result.Success)

	// Other users are unaffected.
	result, err = svc.Earn(ctx, EarnParams{UserID: "user-2", ActionType: "profile_completed"})
	require.NoError(t, err)
	require.True(t, result.Success)

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 50, up.TotalPoints)
}

func TestEarnCooldown(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType:      "share_link",
		PointValue:      decimal.NewFromInt(2),
		CooldownMinutes: intPtr(30),
	})

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "share_link"})
	require.NoError(t, err)
	require.True(t, result.Success)

	result, err = svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "share_link"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "Action is on cooldown, try again in 30 minutes", result.Message)

	fake.Advance(10 * time.Minute)
	result, err = svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "share_link"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "Action is on cooldown, try again in 20 minutes", result.Message)

	fake.Advance(20 * time.Minute)
	result, err = svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "share_link"})
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestEarnCooldownPartialMinuteRoundsUp(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType:      "share_link",
		PointValue:      decimal.NewFromInt(2),
		CooldownMinutes: intPtr(30),
	})

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "share_link"})
	require.NoError(t, err)
	require.True(t, result.Success)

	fake.Advance(29*time.Minute + 30*time.Second)
	result, err = svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "share_link"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "Action is on cooldown, try again in 1 minutes", result.Message)
}

func TestEarnWithMultiplier(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()
	now := fake.Now().UTC()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType:         "write_review",
		PointValue:         decimal.NewFromInt(10),
		MultiplierEligible: true,
	})

	factor, err := decimal.NewFromString("1.5")
	require.NoError(t, err)
	_, err = svc.CreateMultiplier(ctx, CreateMultiplierParams{
		Name:    "weekend boost",
		Factor:  factor,
		StartAt: now.Add(-time.Hour),
		EndAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 15, result.PointsEarned)
	require.True(t, result.Multiplier.Equal(factor))
}

func TestEarnMultiplierTruncatesTowardZero(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()
	now := fake.Now().UTC()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType:         "write_review",
		PointValue:         decimal.NewFromInt(5),
		MultiplierEligible: true,
	})

	factor, err := decimal.NewFromString("1.5")
	require.NoError(t, err)
	_, err = svc.CreateMultiplier(ctx, CreateMultiplierParams{
		Name:    "boost",
		Factor:  factor,
		StartAt: now.Add(-time.Hour),
		EndAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)
	require.EqualValues(t, 7, result.PointsEarned)
}

func TestEarnMultiplierIgnoredWhenRuleIneligible(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()
	now := fake.Now().UTC()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType: "write_review",
		PointValue: decimal.NewFromInt(10),
	})

	factor, err := decimal.NewFromString("3")
	require.NoError(t, err)
	_, err = svc.CreateMultiplier(ctx, CreateMultiplierParams{
		Name:    "boost",
		Factor:  factor,
		StartAt: now.Add(-time.Hour),
		EndAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)
	require.EqualValues(t, 10, result.PointsEarned)
	require.True(t, result.Multiplier.Equal(decimal.NewFromInt(1)))
}

func TestEarnMultiplierScopedToOtherAction(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()
	now := fake.Now().UTC()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType:         "write_review",
		PointValue:         decimal.NewFromInt(10),
		MultiplierEligible: true,
	})

	factor, err := decimal.NewFromString("2")
	require.NoError(t, err)
	_, err = svc.CreateMultiplier(ctx, CreateMultiplierParams{
		Name:        "referral boost",
		Factor:      factor,
		StartAt:     now.Add(-time.Hour),
		EndAt:       now.Add(time.Hour),
		ActionTypes: []string{"referral_signup"},
	})
	require.NoError(t, err)

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)
	require.EqualValues(t, 10, result.PointsEarned)
}

func TestEarnMultiplierWindowInclusive(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()
	now := fake.Now().UTC()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType:         "write_review",
		PointValue:         decimal.NewFromInt(10),
		MultiplierEligible: true,
	})

	factor, err := decimal.NewFromString("2")
	require.NoError(t, err)
	_, err = svc.CreateMultiplier(ctx, CreateMultiplierParams{
		Name:    "boost",
		Factor:  factor,
		StartAt: now,
		EndAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)

	// Exactly at the start boundary.
	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)
	require.EqualValues(t, 20, result.PointsEarned)

	// Exactly at the end boundary.
	fake.Advance(time.Hour)
	result, err = svc.Earn(ctx, EarnParams{UserID: "user-2", ActionType: "write_review"})
	require.NoError(t, err)
	require.EqualValues(t, 20, result.PointsEarned)

	// Just past it.
	fake.Advance(time.Second)
	result, err = svc.Earn(ctx, EarnParams{UserID: "user-3", ActionType: "write_review"})
	require.NoError(t, err)
	require.EqualValues(t, 10, result.PointsEarned)
}

func TestEarnPicksHighestFactor(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()
	now := fake.Now().UTC()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType:         "write_review",
		PointValue:         decimal.NewFromInt(10),
		MultiplierEligible: true,
	})

	for _, tc := range []struct {
		name   string
		factor string
	}{
		{"small boost", "1.5"},
		{"big boost", "2.5"},
	} {
		factor, err := decimal.NewFromString(tc.factor)
		require.NoError(t, err)
		_, err = svc.CreateMultiplier(ctx, CreateMultiplierParams{
			Name:    tc.name,
			Factor:  factor,
			StartAt: now.Add(-time.Hour),
			EndAt:   now.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	result, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)
	require.EqualValues(t, 25, result.PointsEarned)
}

func TestRedeem(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType: "write_review",
		PointValue: decimal.NewFromInt(100),
	})
	_, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)

	txn, err := svc.Redeem(ctx, RedeemParams{UserID: "user-1", Points: 40, Description: "gift card"})
	require.NoError(t, err)
	require.Equal(t, Redeem, txn.Type)
	require.EqualValues(t, -40, txn.PointDelta)
	require.EqualValues(t, 60, txn.BalanceAfter)

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 60, up.TotalPoints)
	require.EqualValues(t, 60, up.AvailablePoints)
	require.EqualValues(t, 40, up.RedeemedPoints)
	require.EqualValues(t, 100, up.LifetimePoints)
}

func TestRedeemExactBalance(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType: "write_review",
		PointValue: decimal.NewFromInt(50),
	})
	_, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)

	txn, err := svc.Redeem(ctx, RedeemParams{UserID: "user-1", Points: 50})
	require.NoError(t, err)
	require.EqualValues(t, 0, txn.BalanceAfter)
}

func TestRedeemInsufficient(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType: "write_review",
		PointValue: decimal.NewFromInt(10),
	})
	_, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemParams{UserID: "user-1", Points: 11})
	require.Error(t, err)
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))
	require.Contains(t, err.Error(), "requested=11 available=10")

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, up.TotalPoints)
}

func TestRedeemUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Redeem(context.Background(), RedeemParams{UserID: "nobody", Points: 10})
	require.Error(t, err)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestRedeemInvalidAmount(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Redeem(context.Background(), RedeemParams{UserID: "user-1", Points: 0})
	require.Error(t, err)
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}

func TestAdjust(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	txn, err := svc.Adjust(ctx, "user-1", 50, "migration credit")
	require.NoError(t, err)
	require.Equal(t, Adjust, txn.Type)
	require.EqualValues(t, 50, txn.BalanceAfter)

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 50, up.TotalPoints)
	require.EqualValues(t, 50, up.AvailablePoints)
	require.Zero(t, up.LifetimePoints)
}

func TestAdjustMayGoNegative(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, "user-1", 50, "credit")
	require.NoError(t, err)

	txn, err := svc.Adjust(ctx, "user-1", -80, "fraud clawback")
	require.NoError(t, err)
	require.EqualValues(t, -30, txn.BalanceAfter)

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, -30, up.TotalPoints)
	require.EqualValues(t, -30, up.AvailablePoints)
}

func TestAward(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	txn, err := svc.Award(ctx, AwardParams{
		UserID:        "user-1",
		Points:        200,
		Description:   "Referral reward",
		ReferenceType: "referral",
		ReferenceID:   "ref-1",
	})
	require.NoError(t, err)
	require.Equal(t, Earn, txn.Type)
	require.EqualValues(t, 200, txn.PointDelta)

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 200, up.TotalPoints)
	require.EqualValues(t, 200, up.LifetimePoints)
}

func TestBalanceUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	up, err := svc.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, "nobody", up.UserID)
	require.Zero(t, up.TotalPoints)
	require.Zero(t, up.AvailablePoints)
}

func TestTransactionLogReconciles(t *testing.T) {
	svc, fake, gdb := newTestService(t)
	ctx := context.Background()

	mustCreateRule(t, svc, CreateRuleParams{
		ActionType: "write_review",
		PointValue: decimal.NewFromInt(25),
	})

	for i := 0; i < 3; i++ {
		_, err := svc.Earn(ctx, EarnParams{UserID: "user-1", ActionType: "write_review"})
		require.NoError(t, err)
		fake.Advance(time.Minute)
	}
	_, err := svc.Redeem(ctx, RedeemParams{UserID: "user-1", Points: 30})
	require.NoError(t, err)
	fake.Advance(time.Minute)
	_, err = svc.Adjust(ctx, "user-1", -5, "correction")
	require.NoError(t, err)

	var txns []PointTransaction
	require.NoError(t, gdb.Where("user_id = ?", "user-1").Order("created_at ASC").Find(&txns).Error)
	require.Len(t, txns, 5)

	var running int64
	for _, txn := range txns {
		running += txn.PointDelta
		require.EqualValues(t, running, txn.BalanceAfter)
	}

	up, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, running, up.TotalPoints)
	require.EqualValues(t, 40, up.TotalPoints)
}

func TestCleanupDailyTracker(t *testing.T) {
	svc, fake, gdb := newTestService(t)
	ctx := context.Background()

	now := fake.Now().UTC()
	day := now.Truncate(24 * time.Hour)

	rows := []UserDailyPoints{
		{ID: "old", UserID: "user-1", ActionType: "write_review", OccurrenceDate: day.AddDate(0, 0, -10), OccurrenceCount: 1, LastOccurrenceAt: now},
		{ID: "edge", UserID: "user-1", ActionType: "share_link", OccurrenceDate: day.AddDate(0, 0, -7), OccurrenceCount: 1, LastOccurrenceAt: now},
		{ID: "fresh", UserID: "user-1", ActionType: "daily_checkin", OccurrenceDate: day, OccurrenceCount: 1, LastOccurrenceAt: now},
	}
	require.NoError(t, gdb.Create(&rows).Error)

	deleted, err := svc.CleanupDailyTracker(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	var remaining []UserDailyPoints
	require.NoError(t, gdb.Order("id ASC").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	require.Equal(t, "edge", remaining[0].ID)
	require.Equal(t, "fresh", remaining[1].ID)
}

func paginationFor(limit int) pagination.Pagination {
	return pagination.Pagination{Limit: limit}
}
