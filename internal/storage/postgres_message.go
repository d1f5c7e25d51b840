package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

const recentMessagesLimit = 10

// CreateMessage inserts a new message record. A clash on idempotency_key
// surfaces as apperrors.ErrDuplicate.
func (r *PostgresRepo) CreateMessage(ctx context.Context, message *model.WhatsAppMessage) error {
	if message.CompanyID <= 0 || message.WhatsAppInstanceID <= 0 {
		return fmt.Errorf("%w: message requires company and instance", apperrors.ErrBadRequest)
	}
	if message.Direction == "" {
		message.Direction = model.DirectionOutbound
	}
	if message.Status == "" {
		message.Status = model.MessageStatusPending
	}

	operation := func() error {
		if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "CreateMessage", operation)
	observer.ObserveDbOperationDuration("create", "whatsapp_message", message.CompanyID, time.Since(startTime), err)

	if err != nil && !errors.Is(err, apperrors.ErrDuplicate) {
		logger.FromContext(ctx).Error("Failed to create message", zap.Error(err))
	}
	return err
}

// FindMessageByID loads a message by primary key.
func (r *PostgresRepo) FindMessageByID(ctx context.Context, id int64) (*model.WhatsAppMessage, error) {
	var message model.WhatsAppMessage
	operation := func() error {
		if err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindMessageByID", operation)
	observer.ObserveDbOperationDuration("find", "whatsapp_message", message.CompanyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// FindMessageByIdempotencyKey loads the message created under key.
func (r *PostgresRepo) FindMessageByIdempotencyKey(ctx context.Context, key string) (*model.WhatsAppMessage, error) {
	var message model.WhatsAppMessage
	operation := func() error {
		if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&message).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindMessageByIdempotencyKey", operation)
	observer.ObserveDbOperationDuration("find_by_key", "whatsapp_message", message.CompanyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// FindMessageByProviderID finds the message the gateway knows as providerMessageID on an instance.
func (r *PostgresRepo) FindMessageByProviderID(ctx context.Context, instanceID int64, providerMessageID string) (*model.WhatsAppMessage, error) {
	var message model.WhatsAppMessage
	operation := func() error {
		err := r.db.WithContext(ctx).
			Where("whatsapp_instance_id = ? AND whatsapp_message_id = ?", instanceID, providerMessageID).
			First(&message).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindMessageByProviderID", operation)
	observer.ObserveDbOperationDuration("find_by_provider_id", "whatsapp_message", message.CompanyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// ApplyTransition writes a state-machine transition. The row is locked and
// must still be in tr.From, otherwise apperrors.ErrConflict is returned and
// nothing is written. Pivot writes land in the same transaction.
func (r *PostgresRepo) ApplyTransition(ctx context.Context, message *model.WhatsAppMessage, tr model.Transition) error {
	operation := func() error {
		return r.inTx(ctx, func(tx *gorm.DB) error {
			var current model.WhatsAppMessage
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id", "status", "quote_id", "supplier_id").
				Where("id = ?", message.ID).
				First(&current).Error
			if err != nil {
				return checkConstraintViolation(err)
			}
			if current.Status != tr.From {
				return fmt.Errorf("%w: message %d is %s, expected %s", apperrors.ErrConflict, message.ID, current.Status, tr.From)
			}

			if err := tx.Model(&model.WhatsAppMessage{}).Where("id = ?", message.ID).Updates(tr.Updates).Error; err != nil {
				return checkConstraintViolation(err)
			}

			if tr.Pivot != nil && current.LinkedToQuote() {
				res := tx.Model(&model.QuoteSupplier{}).
					Where("quote_id = ? AND supplier_id = ?", *current.QuoteID, *current.SupplierID).
					Updates(tr.Pivot)
				if res.Error != nil {
					return checkConstraintViolation(res.Error)
				}
				if res.RowsAffected == 0 {
					logger.FromContext(ctx).Debug("No quote_supplier row to mirror",
						zap.Int64("quote_id", *current.QuoteID),
						zap.Int64("supplier_id", *current.SupplierID))
				}
			}
			return nil
		})
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "ApplyTransition", operation)
	observer.ObserveDbOperationDuration("transition_"+tr.To, "whatsapp_message", message.CompanyID, time.Since(startTime), err)

	if err != nil {
		if !errors.Is(err, apperrors.ErrConflict) {
			logger.FromContext(ctx).Error("Failed to apply message transition",
				zap.Int64("message_id", message.ID),
				zap.String("from", tr.From),
				zap.String("to", tr.To),
				zap.Error(err))
		}
		return err
	}
	message.Status = tr.To
	return nil
}

// IncrementAttempts bumps the gateway attempt counter and returns the new value.
func (r *PostgresRepo) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	var attempts int
	operation := func() error {
		res := r.db.WithContext(ctx).Raw(
			`UPDATE whatsapp_messages SET attempts = attempts + 1, updated_at = ? WHERE id = ? RETURNING attempts`,
			utils.Now(), id,
		).Scan(&attempts)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: message %d", apperrors.ErrNotFound, id)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "IncrementAttempts", operation)
	observer.ObserveDbOperationDuration("increment_attempts", "whatsapp_message", 0, time.Since(startTime), err)
	return attempts, err
}

// ListQueuedMessages returns up to limit queued messages, oldest first.
// companyID 0 lists across all tenants.
func (r *PostgresRepo) ListQueuedMessages(ctx context.Context, companyID int64, limit int) ([]model.WhatsAppMessage, error) {
	var messages []model.WhatsAppMessage
	operation := func() error {
		q := r.db.WithContext(ctx).Where("status = ?", model.MessageStatusQueued)
		if companyID > 0 {
			q = q.Where("company_id = ?", companyID)
		}
		if err := q.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&messages).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListQueuedMessages", operation)
	observer.ObserveDbOperationDuration("list_queued", "whatsapp_message", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// RequeueFailedMessages resets a tenant's failed messages (or one of them) to
// queued with a fresh attempt budget and returns the affected messages.
func (r *PostgresRepo) RequeueFailedMessages(ctx context.Context, companyID int64, messageID int64) ([]model.WhatsAppMessage, error) {
	var requeued []model.WhatsAppMessage
	operation := func() error {
		requeued = nil
		return r.inTx(ctx, func(tx *gorm.DB) error {
			q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("company_id = ? AND status = ?", companyID, model.MessageStatusFailed)
			if messageID > 0 {
				q = q.Where("id = ?", messageID)
			}
			if err := q.Order("id ASC").Find(&requeued).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if len(requeued) == 0 {
				return nil
			}

			ids := make([]int64, 0, len(requeued))
			for _, m := range requeued {
				ids = append(ids, m.ID)
			}
			now := utils.Now()
			err := tx.Model(&model.WhatsAppMessage{}).Where("id IN ?", ids).Updates(map[string]interface{}{
				"status":        model.MessageStatusQueued,
				"error_message": nil,
				"attempts":      0,
				"queued_at":     now,
				"updated_at":    now,
			}).Error
			if err != nil {
				return checkConstraintViolation(err)
			}

			err = tx.Exec(`UPDATE quote_supplier AS qs
				SET message_status = ?, error_message = NULL, queued_at = ?, updated_at = ?
				FROM whatsapp_messages AS m
				WHERE m.id IN ? AND qs.quote_id = m.quote_id AND qs.supplier_id = m.supplier_id`,
				model.MessageStatusQueued, now, now, ids).Error
			if err != nil {
				return checkConstraintViolation(err)
			}

			for i := range requeued {
				requeued[i].Status = model.MessageStatusQueued
				requeued[i].ErrorMessage = nil
				requeued[i].Attempts = 0
			}
			return nil
		})
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "RequeueFailedMessages", operation)
	observer.ObserveDbOperationDuration("requeue_failed", "whatsapp_message", companyID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to requeue failed messages", zap.Error(err))
		return nil, err
	}
	return requeued, nil
}

// QueueStats counts a tenant's queued, sent-since-dayStart and failed messages
// and lists the most recent ones.
func (r *PostgresRepo) QueueStats(ctx context.Context, companyID int64, dayStart time.Time) (*model.QueueStats, error) {
	stats := &model.QueueStats{}
	operation := func() error {
		db := r.db.WithContext(ctx)
		base := func() *gorm.DB {
			return db.Model(&model.WhatsAppMessage{}).Where("company_id = ?", companyID)
		}

		if err := base().Where("status = ?", model.MessageStatusQueued).Count(&stats.Pending).Error; err != nil {
			return checkConstraintViolation(err)
		}
		if err := base().Where("status = ? AND sent_at >= ?", model.MessageStatusSent, dayStart).Count(&stats.SentToday).Error; err != nil {
			return checkConstraintViolation(err)
		}
		if err := base().Where("status = ?", model.MessageStatusFailed).Count(&stats.Failed).Error; err != nil {
			return checkConstraintViolation(err)
		}

		stats.Recent = make([]model.RecentMessage, 0, recentMessagesLimit)
		err := db.Table("whatsapp_messages AS m").
			Select("m.id, m.phone, m.status, s.name AS supplier, q.title AS quote, m.created_at, m.sent_at, m.error_message AS error").
			Joins("LEFT JOIN suppliers AS s ON s.id = m.supplier_id").
			Joins("LEFT JOIN quotes AS q ON q.id = m.quote_id").
			Where("m.company_id = ?", companyID).
			Order("m.created_at DESC").
			Limit(recentMessagesLimit).
			Scan(&stats.Recent).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "QueueStats", operation)
	observer.ObserveDbOperationDuration("queue_stats", "whatsapp_message", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
