package points

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"marketplace-rewards/pkg/errutil"
)

type CreateRuleParams struct {
	ActionType          string
	PointValue          decimal.Decimal
	MaxDailyOccurrences *int
	MaxTotalOccurrences *int
	CooldownMinutes     *int
	MultiplierEligible  bool
	Description         string
}

// CreateRule registers a rule for an action type. Action types are unique:
// a second rule for an existing action is rejected, not merged.
func (s *Service) CreateRule(ctx context.Context, p CreateRuleParams) (*PointRule, error) {
	actionType := strings.TrimSpace(p.ActionType)
	if actionType == "" {
		return nil, errutil.ValidationFailed("action_type is required")
	}
	if p.PointValue.IsNegative() {
		return nil, errutil.ValidationFailed("point_value must be zero or positive")
	}

	var existing PointRule
	err := s.db.WithContext(ctx).Where("action_type = ?", actionType).First(&existing).Error
	if err == nil {
		return nil, errutil.Conflict("a rule for this action type already exists")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := s.clock.Now().UTC()
	rule := &PointRule{
		ID:                  s.node.Generate().String(),
		ActionType:          actionType,
		PointValue:          p.PointValue,
		IsActive:            true,
		MaxDailyOccurrences: p.MaxDailyOccurrences,
		MaxTotalOccurrences: p.MaxTotalOccurrences,
		CooldownMinutes:     p.CooldownMinutes,
		MultiplierEligible:  p.MultiplierEligible,
		Description:         p.Description,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}

type UpdateRuleParams struct {
	PointValue          *decimal.Decimal
	IsActive            *bool
	MaxDailyOccurrences *int
	MaxTotalOccurrences *int
	CooldownMinutes     *int
	MultiplierEligible  *bool
	Description         *string
}

func (s *Service) UpdateRule(ctx context.Context, actionType string, p UpdateRuleParams) (*PointRule, error) {
	var rule PointRule
	err := s.db.WithContext(ctx).Where("action_type = ?", actionType).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("point rule not found")
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"updated_at": s.clock.Now().UTC()}
	if p.PointValue != nil {
		if p.PointValue.IsNegative() {
			return nil, errutil.ValidationFailed("point_value must be zero or positive")
		}
		updates["point_value"] = *p.PointValue
	}
	if p.IsActive != nil {
		updates["is_active"] = *p.IsActive
	}
	if p.MaxDailyOccurrences != nil {
		updates["max_daily_occurrences"] = *p.MaxDailyOccurrences
	}
	if p.MaxTotalOccurrences != nil {
		updates["max_total_occurrences"] = *p.MaxTotalOccurrences
	}
	if p.CooldownMinutes != nil {
		updates["cooldown_minutes"] = *p.CooldownMinutes
	}
	if p.MultiplierEligible != nil {
		updates["multiplier_eligible"] = *p.MultiplierEligible
	}
	if p.Description != nil {
		updates["description"] = *p.Description
	}

	if err := s.db.WithContext(ctx).Model(&PointRule{}).Where("id = ?", rule.ID).Updates(updates).Error; err != nil {
		return nil, err
	}

	var updated PointRule
	if err := s.db.WithContext(ctx).Where("id = ?", rule.ID).First(&updated).Error; err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Service) GetRule(ctx context.Context, actionType string) (*PointRule, error) {
	var rule PointRule
	err := s.db.WithContext(ctx).Where("action_type = ?", actionType).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("point rule not found")
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *Service) ListRules(ctx context.Context, includeInactive bool) ([]PointRule, error) {
	query := s.db.WithContext(ctx).Model(&PointRule{}).Order("action_type ASC")
	if !includeInactive {
		query = query.Where("is_active = ?", true)
	}

	var rules []PointRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

type CreateMultiplierParams struct {
	Name        string
	Factor      decimal.Decimal
	StartAt     time.Time
	EndAt       time.Time
	ActionTypes []string
}

func (s *Service) CreateMultiplier(ctx context.Context, p CreateMultiplierParams) (*PointMultiplier, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errutil.ValidationFailed("name is required")
	}
	if p.Factor.IsNegative() {
		return nil, errutil.ValidationFailed("factor must be zero or positive")
	}
	if p.EndAt.Before(p.StartAt) {
		return nil, errutil.ValidationFailed("start_at must not be after end_at")
	}

	now := s.clock.Now().UTC()
	multiplier := &PointMultiplier{
		ID:        s.node.Generate().String(),
		Name:      p.Name,
		Factor:    p.Factor,
		StartAt:   p.StartAt,
		EndAt:     p.EndAt,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := multiplier.SetActionTypes(p.ActionTypes); err != nil {
		return nil, errutil.ValidationFailed("invalid action types", errutil.WithErr(err))
	}

	if err := s.db.WithContext(ctx).Create(multiplier).Error; err != nil {
		return nil, err
	}
	return multiplier, nil
}

type UpdateMultiplierParams struct {
	Name        *string
	Factor      *decimal.Decimal
	StartAt     *time.Time
	EndAt       *time.Time
	ActionTypes []string
	IsActive    *bool
}

func (s *Service) UpdateMultiplier(ctx context.Context, id string, p UpdateMultiplierParams) (*PointMultiplier, error) {
	var multiplier PointMultiplier
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&multiplier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("point multiplier not found")
	}
	if err != nil {
		return nil, err
	}

	if p.Name != nil {
		multiplier.Name = *p.Name
	}
	if p.Factor != nil {
		if p.Factor.IsNegative() {
			return nil, errutil.ValidationFailed("factor must be zero or positive")
		}
		multiplier.Factor = *p.Factor
	}
	if p.StartAt != nil {
		multiplier.StartAt = *p.StartAt
	}
	if p.EndAt != nil {
		multiplier.EndAt = *p.EndAt
	}
	if multiplier.EndAt.Before(multiplier.StartAt) {
		return nil, errutil.ValidationFailed("start_at must not be after end_at")
	}
	if p.ActionTypes != nil {
		if err := multiplier.SetActionTypes(p.ActionTypes); err != nil {
			return nil, errutil.ValidationFailed("invalid action types", errutil.WithErr(err))
		}
	}
	if p.IsActive != nil {
		multiplier.IsActive = *p.IsActive
	}
	multiplier.UpdatedAt = s.clock.Now().UTC()

	if err := s.db.WithContext(ctx).Save(&multiplier).Error; err != nil {
		return nil, err
	}
	return &multiplier, nil
}

func (s *Service) ListMultipliers(ctx context.Context) ([]PointMultiplier, error) {
	var multipliers []PointMultiplier
	if err := s.db.WithContext(ctx).Order("start_at DESC").Find(&multipliers).Error; err != nil {
		return nil, err
	}
	return multipliers, nil
}

// ActiveMultipliers lists the multipliers live at now, any action scope.
func (s *Service) ActiveMultipliers(ctx context.Context) ([]PointMultiplier, error) {
	now := s.clock.Now().UTC()
	var multipliers []PointMultiplier
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND start_at <= ? AND end_at >= ?", true, now, now).
		Order("factor DESC").
		Find(&multipliers).Error
	if err != nil {
		return nil, err
	}
	return multipliers, nil
}
