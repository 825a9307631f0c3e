package task

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"marketplace-rewards/pkg/config"
	"marketplace-rewards/pkg/taskname"
)

// Scheduler enqueues the daily maintenance sweeps: the daily-tracker
// retention cleanup and the expired-referral sweep.
type Scheduler struct {
	enqueuer Enqueuer
	cfg      *config.Config
}

func NewScheduler(enqueuer Enqueuer, cfg *config.Config) *Scheduler {
	return &Scheduler{enqueuer: enqueuer, cfg: cfg}
}

var SchedulerModule = fx.Module("task:scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started rewards sweep scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, s.cfg.Rewards.SweepHour, s.cfg.Rewards.SweepMinute)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.runDaily(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	start := time.Now()
	zap.L().Info("[Scheduler] Running daily sweep enqueue job")

	for _, taskType := range []string{taskname.PointsTrackerCleanup, taskname.ReferralExpirySweep} {
		if _, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(taskType, nil), asynq.Queue("low")); err != nil {
			zap.L().Error("[Scheduler] failed to enqueue sweep", zap.String("task_type", taskType), zap.Error(err))
		}
	}

	zap.L().Info("[Scheduler] Finished enqueue sweeps",
		zap.Duration("duration", time.Since(start)),
	)
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
