package points

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TransactionType string

var (
	Earn   TransactionType = "earn"
	Redeem TransactionType = "redeem"
	Adjust TransactionType = "adjust"
)

func (t TransactionType) String() string {
	switch t {
	case Earn, Redeem, Adjust:
		return string(t)
	default:
		return ""
	}
}

// PointRule maps an action type to its point value and earning limits.
// Rules are never deleted, only deactivated.
type PointRule struct {
	ID                  string          `gorm:"column:id;primaryKey"`
	ActionType          string          `gorm:"column:action_type;uniqueIndex;type:varchar(100);not null"`
	PointValue          decimal.Decimal `gorm:"column:point_value;type:decimal(12,4);not null"`
	IsActive            bool            `gorm:"column:is_active;default:true"`
	MaxDailyOccurrences *int            `gorm:"column:max_daily_occurrences"`
	MaxTotalOccurrences *int            `gorm:"column:max_total_occurrences"`
	CooldownMinutes     *int            `gorm:"column:cooldown_minutes"`
	MultiplierEligible  bool            `gorm:"column:multiplier_eligible;default:false"`
	Description         string          `gorm:"column:description;type:text"`
	CreatedAt           time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// PointMultiplier is a time-windowed booster scoped to a set of action
// types. Both window ends are inclusive. An empty action type set applies
// to all actions.
type PointMultiplier struct {
	ID          string          `gorm:"column:id;primaryKey"`
	Name        string          `gorm:"column:name;type:varchar(255);not null"`
	Factor      decimal.Decimal `gorm:"column:factor;type:decimal(8,4);not null"`
	StartAt     time.Time       `gorm:"column:start_at;not null"`
	EndAt       time.Time       `gorm:"column:end_at;not null"`
	ActionTypes datatypes.JSON  `gorm:"column:action_types"`
	IsActive    bool            `gorm:"column:is_active;default:true"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// ActionTypeList decodes the eligible action type set. Empty means the
// multiplier applies to every action.
func (m *PointMultiplier) ActionTypeList() []string {
	if len(m.ActionTypes) == 0 {
		return nil
	}
	var actions []string
	if err := json.Unmarshal(m.ActionTypes, &actions); err != nil {
		return nil
	}
	return actions
}

func (m *PointMultiplier) SetActionTypes(actions []string) error {
	if len(actions) == 0 {
		m.ActionTypes = nil
		return nil
	}
	b, err := json.Marshal(actions)
	if err != nil {
		return err
	}
	m.ActionTypes = datatypes.JSON(b)
	return nil
}

// CoversAt reports whether the multiplier is live at t: active flag set and
// t inside [StartAt, EndAt], both ends inclusive.
func (m *PointMultiplier) CoversAt(t time.Time) bool {
	if !m.IsActive {
		return false
	}
	if t.Before(m.StartAt) || t.After(m.EndAt) {
		return false
	}
	return true
}

// AppliesTo reports whether the multiplier covers the given action type.
func (m *PointMultiplier) AppliesTo(actionType string) bool {
	actions := m.ActionTypeList()
	if len(actions) == 0 {
		return true
	}
	for _, a := range actions {
		if a == actionType {
			return true
		}
	}
	return false
}

// UserDailyPoints counts occurrences of an action per user per UTC calendar
// day. At most one row exists per (user, action, day). The table is a cache
// of today's state; durable history lives in PointTransaction.
type UserDailyPoints struct {
	ID               string    `gorm:"column:id;primaryKey"`
	UserID           string    `gorm:"column:user_id;uniqueIndex:idx_user_action_day;not null"`
	ActionType       string    `gorm:"column:action_type;uniqueIndex:idx_user_action_day;type:varchar(100);not null"`
	OccurrenceDate   time.Time `gorm:"column:occurrence_date;uniqueIndex:idx_user_action_day;not null"`
	OccurrenceCount  int       `gorm:"column:occurrence_count;default:0"`
	LastOccurrenceAt time.Time `gorm:"column:last_occurrence_at"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// UserPoints is the per-user balance aggregate, created lazily on first
// mutation.
type UserPoints struct {
	UserID          string     `gorm:"column:user_id;primaryKey"`
	TotalPoints     int64      `gorm:"column:total_points;default:0"`
	AvailablePoints int64      `gorm:"column:available_points;default:0"`
	LifetimePoints  int64      `gorm:"column:lifetime_points;default:0"`
	RedeemedPoints  int64      `gorm:"column:redeemed_points;default:0"`
	PendingPoints   int64      `gorm:"column:pending_points;default:0"`
	LastEarnedAt    *time.Time `gorm:"column:last_earned_at"`
	CurrentStreak   int        `gorm:"column:current_streak;default:0"`
	LongestStreak   int        `gorm:"column:longest_streak;default:0"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// PointTransaction is an append-only record of every balance mutation.
// BalanceAfter snapshots the total immediately after the mutation, so
// replaying deltas in creation order reconciles the ledger.
type PointTransaction struct {
	ID            string          `gorm:"column:id;primaryKey"`
	UserID        string          `gorm:"column:user_id;index;not null"`
	Type          TransactionType `gorm:"column:type;type:varchar(20);not null"`
	PointDelta    int64           `gorm:"column:point_delta;not null"`
	BalanceAfter  int64           `gorm:"column:balance_after;not null"`
	RuleID        string          `gorm:"column:rule_id;index"`
	Description   string          `gorm:"column:description;type:text"`
	ReferenceType string          `gorm:"column:reference_type;type:varchar(50)"`
	ReferenceID   string          `gorm:"column:reference_id;index"`
	Multiplier    decimal.Decimal `gorm:"column:multiplier;type:decimal(8,4);default:1"`
	ExpiresAt     *time.Time      `gorm:"column:expires_at"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// Models lists every gorm model owned by this package, in migration order.
func Models() []any {
	return []any{
		&PointRule{},
		&PointMultiplier{},
		&UserDailyPoints{},
		&UserPoints{},
		&PointTransaction{},
	}
}
