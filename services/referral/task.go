package referral

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"marketplace-rewards/pkg/taskname"
)

var TaskModule = fx.Module("task.referral",
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.ReferralExpirySweep, svc.HandleExpirySweepTask)
}

func (s *Service) HandleExpirySweepTask(ctx context.Context, t *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", t.Type()))
	zapLog.Info("start referral expiry sweep")

	processed, err := s.ProcessExpired(ctx)
	if err != nil {
		zapLog.Error("referral expiry sweep failed", zap.Error(err))
		return err
	}

	zapLog.Info("referral expiry sweep finished", zap.Int("expired", processed))
	return nil
}
