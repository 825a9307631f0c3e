package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"marketplace-rewards/pkg/errutil"
)

// codeAlphabet leaves out 0/O/1/I so codes survive being read aloud or
// retyped.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const maxCodeAttempts = 5

var customCodePattern = regexp.MustCompile(`^[A-Z0-9]{4,32}$`)

func (s *Service) codeLength() int {
	if s.cfg.ReferralCodeLength > 0 {
		return s.cfg.ReferralCodeLength
	}
	return 8
}

// GetOrCreateCode returns the user's referral code, creating one on first
// access. Generated codes are collision-checked against the global code
// namespace before insert.
func (s *Service) GetOrCreateCode(ctx context.Context, userID string) (*UserReferralCode, error) {
	var code UserReferralCode
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&code).Error
	if err == nil {
		return &code, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := s.clock.Now().UTC()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		generated, err := randomCode(s.codeLength())
		if err != nil {
			return nil, err
		}

		taken, err := s.codeTaken(ctx, generated)
		if err != nil {
			return nil, err
		}
		if taken {
			continue
		}

		code = UserReferralCode{
			UserID:    userID,
			Code:      generated,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.db.WithContext(ctx).Create(&code).Error; err != nil {
			// Another request may have created the row for this user.
			var existing UserReferralCode
			if ferr := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&existing).Error; ferr == nil {
				return &existing, nil
			}
			continue
		}
		return &code, nil
	}

	return nil, errutil.Internal(fmt.Sprintf("could not generate a unique referral code after %d attempts", maxCodeAttempts))
}

// SetCustomCode replaces the user's code with a custom one. Uniqueness is
// case-insensitive; codes are normalized to uppercase before storage.
func (s *Service) SetCustomCode(ctx context.Context, userID, custom string) (*UserReferralCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(custom))
	if !customCodePattern.MatchString(normalized) {
		return nil, errutil.ValidationFailed("code must be 4-32 alphanumeric characters")
	}

	existing, err := s.GetOrCreateCode(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing.Code == normalized {
		return existing, nil
	}

	taken, err := s.codeTaken(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, errutil.Conflict("referral code already in use")
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Model(&UserReferralCode{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"code": normalized, "updated_at": now}).Error
	if err != nil {
		return nil, err
	}

	existing.Code = normalized
	existing.UpdatedAt = now
	return existing, nil
}

// ValidateCode reports whether the code can be applied by the candidate:
// it must exist, be active, not belong to the candidate, and the candidate
// must never have been referred before.
func (s *Service) ValidateCode(ctx context.Context, code, candidateUserID string) (bool, error) {
	_, err := s.validateForUse(ctx, s.db, code, candidateUserID)
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// validateForUse runs the full use-eligibility check and returns the code
// owner row. Business-rule failures come back as typed errors so UseCode
// can surface them directly.
func (s *Service) validateForUse(ctx context.Context, tx *gorm.DB, code, candidateUserID string) (*UserReferralCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return nil, errutil.ValidationFailed("referral code is required")
	}

	var owner UserReferralCode
	err := tx.WithContext(ctx).Where("code = ?", normalized).First(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("referral code not found")
	}
	if err != nil {
		return nil, err
	}

	if !owner.IsActive {
		return nil, errutil.UnprocessableEntity("referral code is not active")
	}
	if owner.UserID == candidateUserID {
		return nil, errutil.UnprocessableEntity("self-referral is not allowed")
	}

	var count int64
	err = tx.WithContext(ctx).Model(&Referral{}).
		Where("referred_id = ?", candidateUserID).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errutil.Conflict("user has already been referred")
	}

	return &owner, nil
}

func (s *Service) codeTaken(ctx context.Context, code string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&UserReferralCode{}).
		Where("code = ?", code).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func randomCode(n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[num.Int64()]
	}
	return string(b), nil
}
