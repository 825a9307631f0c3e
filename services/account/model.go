package account

import "time"

// User is the slice of the account directory the rewards services read.
// The ledger never mutates this table.
type User struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Username   string    `gorm:"column:username;uniqueIndex;type:varchar(100);not null"`
	Email      string    `gorm:"column:email;type:varchar(255)"`
	IsVerified bool      `gorm:"column:is_verified;default:false"`
	JoinedAt   time.Time `gorm:"column:joined_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
