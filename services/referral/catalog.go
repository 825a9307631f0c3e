package referral

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"marketplace-rewards/pkg/errutil"
)

type CreateTierParams struct {
	Name           string
	MinReferrals   int
	MaxReferrals   *int
	ReferrerPoints int64
	ReferredPoints int64
}

func (s *Service) CreateTier(ctx context.Context, p CreateTierParams) (*ReferralRewardTier, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errutil.ValidationFailed("name is required")
	}
	if p.MinReferrals < 0 {
		return nil, errutil.ValidationFailed("min_referrals must be zero or positive")
	}
	if p.MaxReferrals != nil && *p.MaxReferrals < p.MinReferrals {
		return nil, errutil.ValidationFailed("max_referrals must not be below min_referrals")
	}
	if p.ReferrerPoints < 0 || p.ReferredPoints < 0 {
		return nil, errutil.ValidationFailed("reward points must be zero or positive")
	}

	now := s.clock.Now().UTC()
	tier := &ReferralRewardTier{
		ID:             s.node.Generate().String(),
		Name:           p.Name,
		MinReferrals:   p.MinReferrals,
		MaxReferrals:   p.MaxReferrals,
		ReferrerPoints: p.ReferrerPoints,
		ReferredPoints: p.ReferredPoints,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(tier).Error; err != nil {
		return nil, err
	}
	return tier, nil
}

type UpdateTierParams struct {
	Name           *string
	MinReferrals   *int
	MaxReferrals   *int
	ReferrerPoints *int64
	ReferredPoints *int64
	IsActive       *bool
}

func (s *Service) UpdateTier(ctx context.Context, id string, p UpdateTierParams) (*ReferralRewardTier, error) {
	var tier ReferralRewardTier
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&tier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("reward tier not found")
	}
	if err != nil {
		return nil, err
	}

	if p.Name != nil {
		tier.Name = *p.Name
	}
	if p.MinReferrals != nil {
		tier.MinReferrals = *p.MinReferrals
	}
	if p.MaxReferrals != nil {
		tier.MaxReferrals = p.MaxReferrals
	}
	if p.ReferrerPoints != nil {
		tier.ReferrerPoints = *p.ReferrerPoints
	}
	if p.ReferredPoints != nil {
		tier.ReferredPoints = *p.ReferredPoints
	}
	if p.IsActive != nil {
		tier.IsActive = *p.IsActive
	}
	if tier.MinReferrals < 0 {
		return nil, errutil.ValidationFailed("min_referrals must be zero or positive")
	}
	if tier.MaxReferrals != nil && *tier.MaxReferrals < tier.MinReferrals {
		return nil, errutil.ValidationFailed("max_referrals must not be below min_referrals")
	}
	tier.UpdatedAt = s.clock.Now().UTC()

	if err := s.db.WithContext(ctx).Save(&tier).Error; err != nil {
		return nil, err
	}
	return &tier, nil
}

func (s *Service) ListTiers(ctx context.Context, includeInactive bool) ([]ReferralRewardTier, error) {
	query := s.db.WithContext(ctx).Model(&ReferralRewardTier{}).Order("min_referrals ASC")
	if !includeInactive {
		query = query.Where("is_active = ?", true)
	}

	var tiers []ReferralRewardTier
	if err := query.Find(&tiers).Error; err != nil {
		return nil, err
	}
	return tiers, nil
}

type CreateCampaignParams struct {
	Name        string
	BonusPoints int64
	Multiplier  decimal.Decimal
	StartAt     time.Time
	EndAt       time.Time
}

func (s *Service) CreateCampaign(ctx context.Context, p CreateCampaignParams) (*ReferralCampaign, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errutil.ValidationFailed("name is required")
	}
	if p.BonusPoints < 0 {
		return nil, errutil.ValidationFailed("bonus_points must be zero or positive")
	}
	if p.EndAt.Before(p.StartAt) {
		return nil, errutil.ValidationFailed("start_at must not be after end_at")
	}

	multiplier := p.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	if multiplier.IsNegative() {
		return nil, errutil.ValidationFailed("multiplier must be positive")
	}

	now := s.clock.Now().UTC()
	campaign := &ReferralCampaign{
		ID:          s.node.Generate().String(),
		Name:        p.Name,
		BonusPoints: p.BonusPoints,
		Multiplier:  multiplier,
		StartAt:     p.StartAt,
		EndAt:       p.EndAt,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(campaign).Error; err != nil {
		return nil, err
	}
	return campaign, nil
}

type UpdateCampaignParams struct {
	Name        *string
	BonusPoints *int64
	Multiplier  *decimal.Decimal
	StartAt     *time.Time
	EndAt       *time.Time
	IsActive    *bool
}

func (s *Service) UpdateCampaign(ctx context.Context, id string, p UpdateCampaignParams) (*ReferralCampaign, error) {
	var campaign ReferralCampaign
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("campaign not found")
	}
	if err != nil {
		return nil, err
	}

	if p.Name != nil {
		campaign.Name = *p.Name
	}
	if p.BonusPoints != nil {
		if *p.BonusPoints < 0 {
			return nil, errutil.ValidationFailed("bonus_points must be zero or positive")
		}
		campaign.BonusPoints = *p.BonusPoints
	}
	if p.Multiplier != nil {
		if p.Multiplier.IsNegative() {
			return nil, errutil.ValidationFailed("multiplier must be positive")
		}
		campaign.Multiplier = *p.Multiplier
	}
	if p.StartAt != nil {
		campaign.StartAt = *p.StartAt
	}
	if p.EndAt != nil {
		campaign.EndAt = *p.EndAt
	}
	if campaign.EndAt.Before(campaign.StartAt) {
		return nil, errutil.ValidationFailed("start_at must not be after end_at")
	}
	if p.IsActive != nil {
		campaign.IsActive = *p.IsActive
	}
	campaign.UpdatedAt = s.clock.Now().UTC()

	if err := s.db.WithContext(ctx).Save(&campaign).Error; err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (s *Service) ListCampaigns(ctx context.Context) ([]ReferralCampaign, error) {
	var campaigns []ReferralCampaign
	if err := s.db.WithContext(ctx).Order("start_at DESC").Find(&campaigns).Error; err != nil {
		return nil, err
	}
	return campaigns, nil
}
