package jobs

import (
	"context"

	"go.uber.org/zap"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/pkg/logger"
)

type RotationSweeper interface {
	CheckAndRotateExpiredKeys(ctx context.Context) (*entities.RotationReport, error)
}

type OverdueAlerter interface {
	HandleOverdueRotations(ctx context.Context, count int, keyIDs []string) *entities.Alert
}

// RotationCronJob runs one rotation sweep per tick. Keys that failed to rotate
// are reported as overdue.
type RotationCronJob struct {
	sweeper RotationSweeper
	alerts  OverdueAlerter
}

func NewRotationCronJob(sweeper RotationSweeper, alerts OverdueAlerter) *RotationCronJob {
	return &RotationCronJob{sweeper: sweeper, alerts: alerts}
}

func (j *RotationCronJob) Run(ctx context.Context) error {
	report, err := j.sweeper.CheckAndRotateExpiredKeys(ctx)
	if report == nil {
		return err
	}
	if report.Skipped {
		logger.Info(ctx, "Rotation sweep skipped, previous sweep still running")
		return nil
	}

	logger.Info(ctx, "Rotation job completed",
		zap.Int("processed", report.TotalProcessed),
		zap.Strings("rotated", report.RotatedKeys),
		zap.Strings("failed", report.FailedKeys),
		zap.Duration("duration", report.Duration),
	)
	if len(report.FailedKeys) > 0 {
		j.alerts.HandleOverdueRotations(ctx, len(report.FailedKeys), report.FailedKeys)
	}
	return err
}
