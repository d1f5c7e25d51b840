package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// SaveExhaustedDispatch records a message whose dispatch budget ran out.
func (r *PostgresRepo) SaveExhaustedDispatch(ctx context.Context, record model.ExhaustedDispatch) error {
	operation := func() error {
		if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "SaveExhaustedDispatch", operation)
	observer.ObserveDbOperationDuration("save", "exhausted_dispatch", record.CompanyID, time.Since(startTime), err)

	if err != nil {
		logger.FromContext(ctx).Error("Failed to save exhausted dispatch after retries",
			zap.Int64("message_id", record.MessageID),
			zap.Error(err))
		return err
	}

	logger.FromContext(ctx).Info("Saved exhausted dispatch", zap.Uint("record_id", record.ID), zap.Int64("message_id", record.MessageID))
	return nil
}
