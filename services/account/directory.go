package account

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"marketplace-rewards/pkg/errutil"
)

// Directory is the read-only account lookup the rewards services consume
// for display enrichment.
type Directory interface {
	GetUserByID(ctx context.Context, userID string) (*User, error)
}

var Module = fx.Module("account.directory",
	fx.Provide(NewDirectory),
)

type gormDirectory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) Directory {
	return &gormDirectory{db: db}
}

func (d *gormDirectory) GetUserByID(ctx context.Context, userID string) (*User, error) {
	var user User
	err := d.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("user not found")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
