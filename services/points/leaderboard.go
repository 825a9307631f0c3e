package points

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"marketplace-rewards/pkg/db/pagination"
	"marketplace-rewards/pkg/errutil"
	"marketplace-rewards/pkg/rediskey"
)

// leaderboardCacheTTL bounds staleness; mutations do not invalidate.
const leaderboardCacheTTL = 30 * time.Second

type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	UserID         string `json:"user_id"`
	Username       string `json:"username,omitempty"`
	TotalPoints    int64  `json:"total_points"`
	LifetimePoints int64  `json:"lifetime_points"`
}

// Leaderboard returns the top balances, total descending with user id as
// the deterministic tie-break. Usernames come from the account directory
// and are best-effort.
func (s *Service) Leaderboard(ctx context.Context, count int) ([]LeaderboardEntry, error) {
	if count <= 0 {
		count = s.cfg.LeaderboardDefaultTop
	}
	if count <= 0 {
		count = 10
	}

	if cached, ok := s.cachedLeaderboard(ctx, count); ok {
		return cached, nil
	}

	var rows []UserPoints
	err := s.db.WithContext(ctx).
		Order("total_points DESC").Order("user_id ASC").
		Limit(count).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(rows))
	for i, row := range rows {
		entry := LeaderboardEntry{
			Rank:           i + 1,
			UserID:         row.UserID,
			TotalPoints:    row.TotalPoints,
			LifetimePoints: row.LifetimePoints,
		}
		if s.directory != nil {
			if user, err := s.directory.GetUserByID(ctx, row.UserID); err == nil {
				entry.Username = user.Username
			} else {
				zap.L().Debug("leaderboard username lookup failed",
					zap.String("user_id", row.UserID), zap.Error(err))
			}
		}
		entries = append(entries, entry)
	}

	s.storeLeaderboard(ctx, count, entries)
	return entries, nil
}

func (s *Service) cachedLeaderboard(ctx context.Context, count int) ([]LeaderboardEntry, bool) {
	if s.cache == nil {
		return nil, false
	}

	raw, err := s.cache.Get(ctx, rediskey.BuildLeaderboardKey(count)).Bytes()
	if err != nil {
		return nil, false
	}

	var entries []LeaderboardEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

func (s *Service) storeLeaderboard(ctx context.Context, count int, entries []LeaderboardEntry) {
	if s.cache == nil {
		return
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, rediskey.BuildLeaderboardKey(count), raw, leaderboardCacheTTL).Err(); err != nil {
		zap.L().Debug("leaderboard cache write failed", zap.Error(err))
	}
}

// Rank returns the user's 1-based leaderboard position under the same
// ordering as Leaderboard.
func (s *Service) Rank(ctx context.Context, userID string) (int, error) {
	var up UserPoints
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&up).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errutil.NotFound("user points not found")
	}
	if err != nil {
		return 0, err
	}

	var ahead int64
	err = s.db.WithContext(ctx).Model(&UserPoints{}).
		Where("total_points > ? OR (total_points = ? AND user_id < ?)", up.TotalPoints, up.TotalPoints, userID).
		Count(&ahead).Error
	if err != nil {
		return 0, err
	}

	return int(ahead) + 1, nil
}

// ListTransactions pages through a user's transaction history, newest
// first, with an opaque created_at+id cursor.
func (s *Service) ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]*PointTransaction, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit + 1)

	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", errutil.WithErr(err))
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", errutil.WithErr(err))
		}
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, cursor.ID)
	}

	var txns []*PointTransaction
	if err := query.Find(&txns).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(txns, int32(limit), func(t *PointTransaction) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        t.ID,
		})
		return cursor
	})

	if len(txns) > limit {
		txns = txns[:limit]
	}

	return txns, pageInfo, nil
}
