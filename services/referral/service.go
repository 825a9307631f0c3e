package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"marketplace-rewards/pkg/clock"
	"marketplace-rewards/pkg/config"
	"marketplace-rewards/pkg/db"
	"marketplace-rewards/pkg/errutil"
	"marketplace-rewards/services/points"
)

// Rewarder is the slice of the points engine the referral lifecycle
// needs: rule-driven earns for signup bonuses and fixed awards for
// completion rewards.
type Rewarder interface {
	Earn(ctx context.Context, p points.EarnParams) (*points.EarnResult, error)
	Award(ctx context.Context, p points.AwardParams) (*points.PointTransaction, error)
}

// Service drives referral codes and the referral state machine. All point
// grants go through the points engine; the ones triggered as side effects
// of a successful transition are best-effort and never roll it back.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    clock.Clock
	rewarder Rewarder
	cfg      config.RewardsConfig
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clock.Clock
	Points *points.Service
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	var rewards config.RewardsConfig
	if p.Config != nil {
		rewards = p.Config.Rewards
	}
	return &Service{
		db:       p.DB,
		node:     p.Node,
		clock:    p.Clock,
		rewarder: p.Points,
		cfg:      rewards,
	}
}

func (s *Service) expiryDays() int {
	if s.cfg.ReferralExpiryDays > 0 {
		return s.cfg.ReferralExpiryDays
	}
	return 30
}

// UseCode applies a referral code on behalf of a newly registered user.
// The referral row and the referrer's counter bump commit together; the
// signup bonus for the referred user is attempted afterwards and only
// logged on failure.
func (s *Service) UseCode(ctx context.Context, code, referredUserID string) (*Referral, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("code", code),
		zap.String("referred_user_id", referredUserID),
	)

	now := s.clock.Now().UTC()

	var referral *Referral
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner, err := s.validateForUse(ctx, tx, code, referredUserID)
		if err != nil {
			return err
		}

		referral = &Referral{
			ID:         s.node.Generate().String(),
			ReferrerID: owner.UserID,
			ReferredID: &referredUserID,
			Code:       owner.Code,
			Status:     StatusRegistered,
			ExpiresAt:  now.AddDate(0, 0, s.expiryDays()),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(referral).Error; err != nil {
			return err
		}

		return tx.Model(&UserReferralCode{}).
			Where("user_id = ?", owner.UserID).
			Updates(map[string]any{
				"total_referrals":   gorm.Expr("total_referrals + 1"),
				"pending_referrals": gorm.Expr("pending_referrals + 1"),
				"updated_at":        now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	bonus, err := s.rewarder.Earn(ctx, points.EarnParams{
		UserID:        referredUserID,
		ActionType:    s.signupBonusAction(),
		ReferenceType: "referral",
		ReferenceID:   referral.ID,
		Description:   "Referral signup bonus",
	})
	if err != nil {
		zapLog.Warn("referral signup bonus failed", zap.Error(err))
	} else if !bonus.Success {
		zapLog.Info("referral signup bonus skipped", zap.String("reason", bonus.Message))
	}

	return referral, nil
}

func (s *Service) signupBonusAction() string {
	if s.cfg.SignupBonusAction != "" {
		return s.cfg.SignupBonusAction
	}
	return "referral_signup"
}

// Complete finishes a referral: tier-based rewards for both sides, any
// active campaign applied, counters updated. A second call fails; the
// points awarded by the first call are never repeated.
func (s *Service) Complete(ctx context.Context, referralID string) (*Referral, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("referral_id", referralID),
	)

	now := s.clock.Now().UTC()

	var referral Referral
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Scopes(db.LockingUpdate).Where("id = ?", referralID).First(&referral).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("referral not found")
		}
		if err != nil {
			return err
		}

		if referral.Status.Terminal() {
			if referral.Status == StatusCompleted {
				return errutil.Conflict("referral already completed")
			}
			return errutil.UnprocessableEntity("referral has expired")
		}
		if now.After(referral.ExpiresAt) {
			return errutil.UnprocessableEntity("referral has expired")
		}

		var code UserReferralCode
		err = tx.Scopes(db.LockingUpdate).Where("user_id = ?", referral.ReferrerID).First(&code).Error
		if err != nil {
			return err
		}

		tier, err := s.tierFor(ctx, tx, code.SuccessfulReferrals)
		if err != nil {
			return err
		}

		referrerPoints := tier.ReferrerPoints
		referredPoints := tier.ReferredPoints
		if campaign, err := s.activeCampaign(ctx, tx, now); err != nil {
			return err
		} else if campaign != nil {
			referrerPoints = campaign.Apply(referrerPoints)
			referredPoints = campaign.Apply(referredPoints)
		}

		referral.Status = StatusCompleted
		referral.ReferrerPoints = referrerPoints
		referral.ReferredPoints = referredPoints
		referral.CompletedAt = &now
		referral.UpdatedAt = now
		if err := tx.Save(&referral).Error; err != nil {
			return err
		}

		return tx.Model(&UserReferralCode{}).
			Where("user_id = ?", referral.ReferrerID).
			Updates(map[string]any{
				"successful_referrals": gorm.Expr("successful_referrals + 1"),
				"pending_referrals":    gorm.Expr("pending_referrals - 1"),
				"total_points_earned":  gorm.Expr("total_points_earned + ?", referrerPoints),
				"updated_at":           now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	// Award each side independently. A failed side stays unrewarded but
	// never undoes the completion.
	if referral.ReferrerPoints > 0 {
		_, err := s.rewarder.Award(ctx, points.AwardParams{
			UserID:        referral.ReferrerID,
			Points:        referral.ReferrerPoints,
			Description:   "Referral reward",
			ReferenceType: "referral",
			ReferenceID:   referral.ID,
		})
		if err != nil {
			zapLog.Warn("referrer award failed", zap.Error(err))
		} else {
			referral.ReferrerRewarded = true
		}
	}
	if referral.ReferredID != nil && referral.ReferredPoints > 0 {
		_, err := s.rewarder.Award(ctx, points.AwardParams{
			UserID:        *referral.ReferredID,
			Points:        referral.ReferredPoints,
			Description:   "Referral completion bonus",
			ReferenceType: "referral",
			ReferenceID:   referral.ID,
		})
		if err != nil {
			zapLog.Warn("referred award failed", zap.Error(err))
		} else {
			referral.ReferredRewarded = true
		}
	}

	if referral.ReferrerRewarded || referral.ReferredRewarded {
		err := s.db.WithContext(ctx).Model(&Referral{}).
			Where("id = ?", referral.ID).
			Updates(map[string]any{
				"referrer_rewarded": referral.ReferrerRewarded,
				"referred_rewarded": referral.ReferredRewarded,
			}).Error
		if err != nil {
			zapLog.Warn("failed to record rewarded flags", zap.Error(err))
		}
	}

	return &referral, nil
}

// ProcessExpired sweeps pending and registered referrals past their
// expiry into the expired state and releases the referrers' pending
// counters. Expiry is one-way.
func (s *Service) ProcessExpired(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	var expired []Referral
	err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", []Status{StatusPending, StatusRegistered}, now).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, ref := range expired {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&Referral{}).
				Where("id = ? AND status IN ?", ref.ID, []Status{StatusPending, StatusRegistered}).
				Updates(map[string]any{
					"status":     StatusExpired,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}

			return tx.Model(&UserReferralCode{}).
				Where("user_id = ? AND pending_referrals > 0", ref.ReferrerID).
				Update("pending_referrals", gorm.Expr("pending_referrals - 1")).Error
		})
		if err != nil {
			zap.L().Error("failed to expire referral",
				zap.String("referral_id", ref.ID), zap.Error(err))
			continue
		}
		processed++
	}

	return processed, nil
}

// GetReferral loads a single referral by id.
func (s *Service) GetReferral(ctx context.Context, referralID string) (*Referral, error) {
	var referral Referral
	err := s.db.WithContext(ctx).Where("id = ?", referralID).First(&referral).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("referral not found")
	}
	if err != nil {
		return nil, err
	}
	return &referral, nil
}

// ListReferrals returns a referrer's referrals, newest first.
func (s *Service) ListReferrals(ctx context.Context, referrerID string) ([]Referral, error) {
	var referrals []Referral
	err := s.db.WithContext(ctx).
		Where("referrer_id = ?", referrerID).
		Order("created_at DESC").
		Find(&referrals).Error
	if err != nil {
		return nil, err
	}
	return referrals, nil
}

// tierFor selects the active tier covering the count. Overlapping tiers
// resolve to the one with the highest lower bound.
func (s *Service) tierFor(ctx context.Context, tx *gorm.DB, successfulCount int) (*ReferralRewardTier, error) {
	var tiers []ReferralRewardTier
	err := tx.WithContext(ctx).
		Where("is_active = ?", true).
		Order("min_referrals DESC").
		Find(&tiers).Error
	if err != nil {
		return nil, err
	}

	for i := range tiers {
		if tiers[i].Covers(successfulCount) {
			return &tiers[i], nil
		}
	}
	return nil, errutil.UnprocessableEntity(
		fmt.Sprintf("no reward tier covers %d successful referrals", successfulCount))
}

func (s *Service) activeCampaign(ctx context.Context, tx *gorm.DB, now time.Time) (*ReferralCampaign, error) {
	var campaign ReferralCampaign
	err := tx.WithContext(ctx).
		Where("is_active = ? AND start_at <= ? AND end_at >= ?", true, now, now).
		Order("start_at DESC").
		First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

// ActiveCampaign returns the campaign live right now, nil when none.
func (s *Service) ActiveCampaign(ctx context.Context) (*ReferralCampaign, error) {
	return s.activeCampaign(ctx, s.db, s.clock.Now().UTC())
}
