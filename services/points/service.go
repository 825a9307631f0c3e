package points

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketplace-rewards/pkg/clock"
	"marketplace-rewards/pkg/config"
	"marketplace-rewards/pkg/db"
	"marketplace-rewards/pkg/errutil"
	"marketplace-rewards/services/account"
)

// Service is the points engine: the single gate through which every
// balance mutation flows.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     clock.Clock
	directory account.Directory
	cache     *redis.Client
	cfg       config.RewardsConfig
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Clock     clock.Clock
	Directory account.Directory `optional:"true"`
	Cache     *redis.Client     `optional:"true"`
	Config    *config.Config    `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	var rewards config.RewardsConfig
	if p.Config != nil {
		rewards = p.Config.Rewards
	}
	return &Service{
		db:        p.DB,
		node:      p.Node,
		clock:     p.Clock,
		directory: p.Directory,
		cache:     p.Cache,
		cfg:       rewards,
	}
}

type EarnParams struct {
	UserID        string
	ActionType    string
	ReferenceType string
	ReferenceID   string
	Description   string
}

type EarnResult struct {
	Success      bool            `json:"success"`
	PointsEarned int64           `json:"points_earned"`
	NewBalance   int64           `json:"new_balance"`
	Message      string          `json:"message"`
	Multiplier   decimal.Decimal `json:"multiplier_applied"`
}

// earnRejected carries a validation-gate failure out of the transaction so
// the whole unit rolls back and the caller gets a structured result, not an
// error.
type earnRejected struct {
	msg string
}

func (e earnRejected) Error() string { return e.msg }

// Earn awards points for an action, subject to the rule catalog, the daily
// cap, the cooldown and any active multiplier. Validation failures return a
// result with Success=false and perform no writes. The balance update, the
// transaction append and the daily-tracker upsert commit as one unit with
// the user's balance row locked, so concurrent earns for the same user
// serialize.
func (s *Service) Earn(ctx context.Context, p EarnParams) (*EarnResult, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("user_id", p.UserID),
		zap.String("action_type", p.ActionType),
	)

	rule, err := s.activeRule(ctx, p.ActionType)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return &EarnResult{
			Success:    false,
			Message:    fmt.Sprintf("No active rule for action '%s'", p.ActionType),
			Multiplier: decimal.NewFromInt(1),
		}, nil
	}

	now := s.clock.Now().UTC()
	day := now.Truncate(24 * time.Hour)

	result := &EarnResult{Multiplier: decimal.NewFromInt(1)}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		up, err := s.userPointsForUpdate(ctx, tx, p.UserID, true)
		if err != nil {
			return err
		}

		daily, err := s.dailyRow(ctx, tx, p.UserID, p.ActionType, day)
		if err != nil {
			return err
		}

		if rule.MaxDailyOccurrences != nil && daily != nil && daily.OccurrenceCount >= *rule.MaxDailyOccurrences {
			return earnRejected{msg: "Daily limit reached for this action."}
		}

		if rule.MaxTotalOccurrences != nil {
			// The daily tracker is purged on a short retention window, so the
			// lifetime count comes from the durable transaction log.
			var lifetime int64
			if err := tx.Model(&PointTransaction{}).
				Where("user_id = ? AND rule_id = ? AND type = ?", p.UserID, rule.ID, Earn).
				Count(&lifetime).Error; err != nil {
				return err
			}
			if lifetime >= int64(*rule.MaxTotalOccurrences) {
				return earnRejected{msg: "Lifetime limit reached for this action."}
			}
		}

		if rule.CooldownMinutes != nil && daily != nil {
			cooldown := time.Duration(*rule.CooldownMinutes) * time.Minute
			elapsed := now.Sub(daily.LastOccurrenceAt)
			if elapsed < cooldown {
				remaining := int(math.Ceil((cooldown - elapsed).Minutes()))
				return earnRejected{msg: fmt.Sprintf("Action is on cooldown, try again in %d minutes", remaining)}
			}
		}

		factor := decimal.NewFromInt(1)
		if rule.MultiplierEligible {
			if active, err := s.bestMultiplier(ctx, tx, p.ActionType, now); err != nil {
				return err
			} else if active != nil {
				factor = active.Factor
			}
		}

		// Truncate toward zero so multiplier rounding never inflates payouts.
		pointsToEarn := rule.PointValue.Mul(factor).Floor().IntPart()

		newTotal := up.TotalPoints + pointsToEarn
		updates := map[string]any{
			"total_points":     newTotal,
			"available_points": up.AvailablePoints + pointsToEarn,
			"lifetime_points":  up.LifetimePoints + pointsToEarn,
			"last_earned_at":   now,
			"updated_at":       now,
		}
		if err := tx.Model(&UserPoints{}).Where("user_id = ?", p.UserID).Updates(updates).Error; err != nil {
			return err
		}

		txn := &PointTransaction{
			ID:            s.node.Generate().String(),
			UserID:        p.UserID,
			Type:          Earn,
			PointDelta:    pointsToEarn,
			BalanceAfter:  newTotal,
			RuleID:        rule.ID,
			Description:   p.Description,
			ReferenceType: p.ReferenceType,
			ReferenceID:   p.ReferenceID,
			Multiplier:    factor,
			CreatedAt:     now,
		}
		if err := tx.Create(txn).Error; err != nil {
			return err
		}

		if err := s.upsertDaily(ctx, tx, daily, p.UserID, p.ActionType, day, now); err != nil {
			return err
		}

		result.Success = true
		result.PointsEarned = pointsToEarn
		result.NewBalance = newTotal
		result.Multiplier = factor
		result.Message = "Points earned"
		return nil
	})

	var rejected earnRejected
	if errors.As(err, &rejected) {
		result.Success = false
		result.PointsEarned = 0
		result.Multiplier = decimal.NewFromInt(1)
		result.Message = rejected.msg
		return result, nil
	}
	if err != nil {
		zapLog.Error("failed to earn points", zap.Error(err))
		return nil, err
	}

	return result, nil
}

type RedeemParams struct {
	UserID        string
	Points        int64
	Description   string
	ReferenceType string
	ReferenceID   string
}

// Redeem spends available points. It fails with a not-found error when the
// user has no ledger row and an unprocessable error reporting requested vs
// available when the balance is short.
func (s *Service) Redeem(ctx context.Context, p RedeemParams) (*PointTransaction, error) {
	if p.Points <= 0 {
		return nil, errutil.BadRequest("points must be > 0")
	}

	now := s.clock.Now().UTC()

	var txn *PointTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		up, err := s.userPointsForUpdate(ctx, tx, p.UserID, false)
		if err != nil {
			return err
		}
		if up == nil {
			return errutil.NotFound("user points not found")
		}

		if p.Points > up.AvailablePoints {
			return errutil.UnprocessableEntity(
				fmt.Sprintf("insufficient points: requested=%d available=%d", p.Points, up.AvailablePoints))
		}

		newTotal := up.TotalPoints - p.Points
		updates := map[string]any{
			"total_points":     newTotal,
			"available_points": up.AvailablePoints - p.Points,
			"redeemed_points":  up.RedeemedPoints + p.Points,
			"updated_at":       now,
		}
		if err := tx.Model(&UserPoints{}).Where("user_id = ?", p.UserID).Updates(updates).Error; err != nil {
			return err
		}

		txn = &PointTransaction{
			ID:            s.node.Generate().String(),
			UserID:        p.UserID,
			Type:          Redeem,
			PointDelta:    -p.Points,
			BalanceAfter:  newTotal,
			Description:   p.Description,
			ReferenceType: p.ReferenceType,
			ReferenceID:   p.ReferenceID,
			Multiplier:    decimal.NewFromInt(1),
			CreatedAt:     now,
		}
		return tx.Create(txn).Error
	})
	if err != nil {
		return nil, err
	}

	return txn, nil
}

// Adjust applies an administrative correction directly to total and
// available. No cap or cooldown gates apply, and the resulting balance may
// go negative on this trusted path; it is logged when it does.
func (s *Service) Adjust(ctx context.Context, userID string, delta int64, reason string) (*PointTransaction, error) {
	now := s.clock.Now().UTC()

	var txn *PointTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		up, err := s.userPointsForUpdate(ctx, tx, userID, true)
		if err != nil {
			return err
		}

		newTotal := up.TotalPoints + delta
		if newTotal < 0 {
			zap.L().Warn("adjustment drove balance negative",
				zap.String("user_id", userID),
				zap.Int64("delta", delta),
				zap.Int64("new_total", newTotal),
			)
		}

		updates := map[string]any{
			"total_points":     newTotal,
			"available_points": up.AvailablePoints + delta,
			"updated_at":       now,
		}
		if err := tx.Model(&UserPoints{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return err
		}

		txn = &PointTransaction{
			ID:           s.node.Generate().String(),
			UserID:       userID,
			Type:         Adjust,
			PointDelta:   delta,
			BalanceAfter: newTotal,
			Description:  reason,
			Multiplier:   decimal.NewFromInt(1),
			CreatedAt:    now,
		}
		return tx.Create(txn).Error
	})
	if err != nil {
		return nil, err
	}

	return txn, nil
}

type AwardParams struct {
	UserID        string
	Points        int64
	Description   string
	ReferenceType string
	ReferenceID   string
}

// Award credits a fixed amount outside the rule catalog. The referral
// lifecycle uses it for tier and campaign rewards; it behaves like a
// successful earn (lifetime included) with multiplier 1.
func (s *Service) Award(ctx context.Context, p AwardParams) (*PointTransaction, error) {
	if p.Points <= 0 {
		return nil, errutil.BadRequest("points must be > 0")
	}

	now := s.clock.Now().UTC()

	var txn *PointTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		up, err := s.userPointsForUpdate(ctx, tx, p.UserID, true)
		if err != nil {
			return err
		}

		newTotal := up.TotalPoints + p.Points
		updates := map[string]any{
			"total_points":     newTotal,
			"available_points": up.AvailablePoints + p.Points,
			"lifetime_points":  up.LifetimePoints + p.Points,
			"last_earned_at":   now,
			"updated_at":       now,
		}
		if err := tx.Model(&UserPoints{}).Where("user_id = ?", p.UserID).Updates(updates).Error; err != nil {
			return err
		}

		txn = &PointTransaction{
			ID:            s.node.Generate().String(),
			UserID:        p.UserID,
			Type:          Earn,
			PointDelta:    p.Points,
			BalanceAfter:  newTotal,
			Description:   p.Description,
			ReferenceType: p.ReferenceType,
			ReferenceID:   p.ReferenceID,
			Multiplier:    decimal.NewFromInt(1),
			CreatedAt:     now,
		}
		return tx.Create(txn).Error
	})
	if err != nil {
		return nil, err
	}

	return txn, nil
}

// Balance returns the user's aggregate, a zero-value aggregate when the
// user has never earned. Callers never see a missing-ledger error.
func (s *Service) Balance(ctx context.Context, userID string) (*UserPoints, error) {
	var up UserPoints
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&up).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &UserPoints{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// activeRule loads the rule for an action type, nil when absent or
// inactive.
func (s *Service) activeRule(ctx context.Context, actionType string) (*PointRule, error) {
	var rule PointRule
	err := s.db.WithContext(ctx).Where("action_type = ?", actionType).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rule.IsActive {
		return nil, nil
	}
	return &rule, nil
}

// userPointsForUpdate loads the user's balance row under a FOR UPDATE lock,
// creating it lazily when create is set. Returns nil when absent and create
// is unset.
func (s *Service) userPointsForUpdate(ctx context.Context, tx *gorm.DB, userID string, create bool) (*UserPoints, error) {
	var up UserPoints
	err := tx.WithContext(ctx).Scopes(db.LockingUpdate).Where("user_id = ?", userID).First(&up).Error
	if err == nil {
		return &up, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if !create {
		return nil, nil
	}

	// DO NOTHING keeps the transaction usable when a concurrent insert
	// wins the race; a failed statement would abort it on postgres.
	up = UserPoints{UserID: userID, CreatedAt: s.clock.Now().UTC()}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&up)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the insert race; lock the winner's row instead.
		var existing UserPoints
		if err := tx.WithContext(ctx).Scopes(db.LockingUpdate).Where("user_id = ?", userID).First(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	return &up, nil
}

func (s *Service) dailyRow(ctx context.Context, tx *gorm.DB, userID, actionType string, day time.Time) (*UserDailyPoints, error) {
	var daily UserDailyPoints
	err := tx.WithContext(ctx).
		Where("user_id = ? AND action_type = ? AND occurrence_date = ?", userID, actionType, day).
		First(&daily).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &daily, nil
}

func (s *Service) upsertDaily(ctx context.Context, tx *gorm.DB, daily *UserDailyPoints, userID, actionType string, day, now time.Time) error {
	if daily == nil {
		return tx.WithContext(ctx).Create(&UserDailyPoints{
			ID:               s.node.Generate().String(),
			UserID:           userID,
			ActionType:       actionType,
			OccurrenceDate:   day,
			OccurrenceCount:  1,
			LastOccurrenceAt: now,
			CreatedAt:        now,
		}).Error
	}

	return tx.WithContext(ctx).Model(&UserDailyPoints{}).
		Where("id = ?", daily.ID).
		Updates(map[string]any{
			"occurrence_count":   daily.OccurrenceCount + 1,
			"last_occurrence_at": now,
			"updated_at":         now,
		}).Error
}

// bestMultiplier returns the highest-factor multiplier live at now whose
// scope covers the action, nil when none.
func (s *Service) bestMultiplier(ctx context.Context, tx *gorm.DB, actionType string, now time.Time) (*PointMultiplier, error) {
	var multipliers []PointMultiplier
	err := tx.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&multipliers).Error
	if err != nil {
		return nil, err
	}

	var best *PointMultiplier
	for i := range multipliers {
		m := &multipliers[i]
		if !m.CoversAt(now) || !m.AppliesTo(actionType) {
			continue
		}
		if best == nil || m.Factor.GreaterThan(best.Factor) {
			best = m
		}
	}
	return best, nil
}
