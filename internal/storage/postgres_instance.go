package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// FindInstanceByID loads a WhatsApp instance regardless of tenant.
func (r *PostgresRepo) FindInstanceByID(ctx context.Context, id int64) (*model.WhatsAppInstance, error) {
	var instance model.WhatsAppInstance
	operation := func() error {
		if err := r.db.WithContext(ctx).Where("id = ?", id).First(&instance).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindInstanceByID", operation)
	observer.ObserveDbOperationDuration("find", "whatsapp_instance", instance.CompanyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// FindCompanyInstance loads an instance owned by companyID.
func (r *PostgresRepo) FindCompanyInstance(ctx context.Context, companyID, id int64) (*model.WhatsAppInstance, error) {
	var instance model.WhatsAppInstance
	operation := func() error {
		err := r.db.WithContext(ctx).Where("id = ? AND company_id = ?", id, companyID).First(&instance).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindCompanyInstance", operation)
	observer.ObserveDbOperationDuration("find", "whatsapp_instance", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// UpdateInstance writes the given columns on an instance.
func (r *PostgresRepo) UpdateInstance(ctx context.Context, id int64, columns map[string]interface{}) error {
	if len(columns) == 0 {
		return nil
	}
	if _, ok := columns["updated_at"]; !ok {
		columns["updated_at"] = utils.Now()
	}

	operation := func() error {
		res := r.db.WithContext(ctx).Model(&model.WhatsAppInstance{}).Where("id = ?", id).Updates(columns)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: whatsapp instance %d", apperrors.ErrNotFound, id)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpdateInstance", operation)
	observer.ObserveDbOperationDuration("update", "whatsapp_instance", 0, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to update whatsapp instance", zap.Int64("instance_id", id), zap.Error(err))
	}
	return err
}
