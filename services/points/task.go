package points

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"marketplace-rewards/pkg/taskname"
)

var TaskModule = fx.Module("task.points",
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.PointsTrackerCleanup, svc.HandleTrackerCleanupTask)
}

func (s *Service) HandleTrackerCleanupTask(ctx context.Context, t *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", t.Type()))
	zapLog.Info("start daily tracker cleanup")

	deleted, err := s.CleanupDailyTracker(ctx)
	if err != nil {
		zapLog.Error("daily tracker cleanup failed", zap.Error(err))
		return err
	}

	zapLog.Info("daily tracker cleanup finished", zap.Int64("deleted", deleted))
	return nil
}

// CleanupDailyTracker deletes tracker rows older than the retention
// window. The tracker only caches today's state; durable history lives in
// the transaction log.
func (s *Service) CleanupDailyTracker(ctx context.Context) (int64, error) {
	retention := s.cfg.TrackerRetentionDays
	if retention <= 0 {
		retention = 7
	}
	cutoff := s.clock.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -retention)

	res := s.db.WithContext(ctx).
		Where("occurrence_date < ?", cutoff).
		Delete(&UserDailyPoints{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
