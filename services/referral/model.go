package referral

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

var (
	StatusPending    Status = "pending"
	StatusRegistered Status = "registered"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// UserReferralCode holds a user's share code and rollup counters. One row
// per user, created lazily. Codes are stored uppercase so uniqueness is
// case-insensitive.
type UserReferralCode struct {
	UserID              string    `gorm:"column:user_id;primaryKey"`
	Code                string    `gorm:"column:code;uniqueIndex;type:varchar(32);not null"`
	TotalReferrals      int       `gorm:"column:total_referrals;default:0"`
	SuccessfulReferrals int       `gorm:"column:successful_referrals;default:0"`
	PendingReferrals    int       `gorm:"column:pending_referrals;default:0"`
	TotalPointsEarned   int64     `gorm:"column:total_points_earned;default:0"`
	IsActive            bool      `gorm:"column:is_active;default:true"`
	CreatedAt           time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Referral links a referrer to a referred user and tracks the lifecycle
// pending -> registered -> completed | expired. ReferredID is unique when
// set: a user can be referred at most once, ever.
type Referral struct {
	ID               string     `gorm:"column:id;primaryKey"`
	ReferrerID       string     `gorm:"column:referrer_id;index;not null"`
	ReferredID       *string    `gorm:"column:referred_id;uniqueIndex"`
	Code             string     `gorm:"column:code;type:varchar(32);not null"`
	Status           Status     `gorm:"column:status;type:varchar(20);not null"`
	ReferrerPoints   int64      `gorm:"column:referrer_points;default:0"`
	ReferredPoints   int64      `gorm:"column:referred_points;default:0"`
	ReferrerRewarded bool       `gorm:"column:referrer_rewarded;default:false"`
	ReferredRewarded bool       `gorm:"column:referred_rewarded;default:false"`
	ExpiresAt        time.Time  `gorm:"column:expires_at;not null"`
	CompletedAt      *time.Time `gorm:"column:completed_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// ReferralRewardTier maps a successful-referral-count bracket to point
// amounts for both sides. MaxReferrals nil means open-ended.
type ReferralRewardTier struct {
	ID             string    `gorm:"column:id;primaryKey"`
	Name           string    `gorm:"column:name;type:varchar(255);not null"`
	MinReferrals   int       `gorm:"column:min_referrals;not null"`
	MaxReferrals   *int      `gorm:"column:max_referrals"`
	ReferrerPoints int64     `gorm:"column:referrer_points;not null"`
	ReferredPoints int64     `gorm:"column:referred_points;not null"`
	IsActive       bool      `gorm:"column:is_active;default:true"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Covers reports whether count falls inside the tier's inclusive bracket.
func (t *ReferralRewardTier) Covers(count int) bool {
	if count < t.MinReferrals {
		return false
	}
	if t.MaxReferrals != nil && count > *t.MaxReferrals {
		return false
	}
	return true
}

// ReferralCampaign layers a time-windowed bonus on top of tier rewards at
// completion. Bonus points are added first, then the multiplier applies.
// Both window ends are inclusive.
type ReferralCampaign struct {
	ID          string          `gorm:"column:id;primaryKey"`
	Name        string          `gorm:"column:name;type:varchar(255);not null"`
	BonusPoints int64           `gorm:"column:bonus_points;default:0"`
	Multiplier  decimal.Decimal `gorm:"column:multiplier;type:decimal(8,4);default:1"`
	StartAt     time.Time       `gorm:"column:start_at;not null"`
	EndAt       time.Time       `gorm:"column:end_at;not null"`
	IsActive    bool            `gorm:"column:is_active;default:true"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// Apply computes the final amount for a tier base under this campaign.
// Truncates toward zero, same rounding as earn multipliers.
func (c *ReferralCampaign) Apply(base int64) int64 {
	boosted := decimal.NewFromInt(base + c.BonusPoints)
	return boosted.Mul(c.Multiplier).Floor().IntPart()
}

// Models lists every gorm model owned by this package, in migration order.
func Models() []any {
	return []any{
		&UserReferralCode{},
		&Referral{},
		&ReferralRewardTier{},
		&ReferralCampaign{},
	}
}
