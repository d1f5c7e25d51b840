package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/config"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/queue"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// Drain modes
const (
	DrainInteractive = "interactive"
	DrainCron        = "cron"
)

// DrainRequest asks for up to Limit queued messages to be sent now. Limit <= 0
// takes the mode's default. Interactive drains are always scoped to the
// caller's tenant; cron drains are global unless CompanyID is set.
type DrainRequest struct {
	Mode      string
	Limit     int
	CompanyID int64
}

// DrainError is a message the drain could not finish.
type DrainError struct {
	MessageID int64  `json:"message_id"`
	Error     string `json:"error"`
}

// DrainResult summarises a drain.
type DrainResult struct {
	Processed       int          `json:"processed"`
	TotalConsidered int          `json:"total_pending"`
	Deferred        int          `json:"deferred"`
	Errors          []DrainError `json:"errors"`
}

// RetryResult counts requeued messages.
type RetryResult struct {
	Requeued int `json:"requeued"`
}

// DrainService runs queued messages synchronously and manages the failed backlog.
type DrainService struct {
	messages  storage.MessageRepo
	handler   queue.Handler
	scheduler scheduler
	cfg       config.DrainConfig
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewDrainService creates a DrainService running messages through handler.
func NewDrainService(messages storage.MessageRepo, handler queue.Handler, enqueuer queue.Enqueuer, cfg config.DrainConfig) *DrainService {
	return &DrainService{
		messages:  messages,
		handler:   handler,
		scheduler: scheduler{messages: messages, enqueuer: enqueuer, now: utils.Now},
		cfg:       cfg,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// clampLimit applies the mode's default and ceiling.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}

// AuthorizeCron checks the shared cron token. An unset token rejects everything.
func (s *DrainService) AuthorizeCron(token string) error {
	if s.cfg.CronToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronToken)) != 1 {
		return fmt.Errorf("%w: invalid cron token", apperrors.ErrUnauthorized)
	}
	return nil
}

// Drain runs the oldest queued messages through the dispatch job, pausing
// between them. Per-message failures are collected; cancelling ctx stops the loop.
func (s *DrainService) Drain(ctx context.Context, req DrainRequest) (*DrainResult, error) {
	var limit int
	companyID := req.CompanyID

	switch req.Mode {
	case DrainInteractive:
		id, err := companyFromContext(ctx)
		if err != nil {
			return nil, err
		}
		companyID = id
		limit = clampLimit(req.Limit, s.cfg.InteractiveDefault, s.cfg.InteractiveMax)
	case DrainCron:
		limit = clampLimit(req.Limit, s.cfg.CronDefault, s.cfg.CronMax)
	default:
		return nil, fmt.Errorf("%w: unknown drain mode %q", apperrors.ErrBadRequest, req.Mode)
	}

	log := logger.FromContext(ctx).With(zap.String("mode", req.Mode), zap.Int("limit", limit))

	messages, err := s.messages.ListQueued(ctx, companyID, limit)
	if err != nil {
		return nil, err
	}

	result := &DrainResult{TotalConsidered: len(messages), Errors: []DrainError{}}
	for i, msg := range messages {
		if ctx.Err() != nil {
			log.Info("Drain cancelled", zap.Int("processed", result.Processed))
			break
		}

		err := s.handler.Run(tenant.WithCompanyID(ctx, msg.CompanyID), msg.ID)

		var (
			deferErr *queue.DeferError
			retryErr *queue.RetryError
		)
		switch {
		case err == nil:
			result.Processed++
		case errors.As(err, &deferErr):
			result.Deferred++
		case errors.As(err, &retryErr):
			// Left queued; the next drain or queue delivery tries again.
			log.Warn("Drain dispatch will retry", zap.Int64("message_id", msg.ID), zap.Error(err))
			result.Errors = append(result.Errors, DrainError{MessageID: msg.ID, Error: err.Error()})
			continue
		default:
			log.Error("Drain dispatch error", zap.Int64("message_id", msg.ID), zap.Error(err))
			result.Errors = append(result.Errors, DrainError{MessageID: msg.ID, Error: err.Error()})
			s.handler.Failed(tenant.WithCompanyID(ctx, msg.CompanyID), msg.ID, err)
			continue
		}

		if i < len(messages)-1 {
			if err := s.sleep(ctx, s.cfg.Pause); err != nil {
				log.Info("Drain cancelled", zap.Int("processed", result.Processed))
				break
			}
		}
	}

	log.Info("Drain finished",
		zap.Int("processed", result.Processed),
		zap.Int("deferred", result.Deferred),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// RetryFailed requeues the tenant's failed messages, or only messageID when it
// is set, with a fresh attempt budget.
func (s *DrainService) RetryFailed(ctx context.Context, messageID int64) (*RetryResult, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	requeued, err := s.messages.RequeueFailed(ctx, companyID, messageID)
	if err != nil {
		return nil, err
	}
	for i := range requeued {
		s.scheduler.enqueue(ctx, &requeued[i], 0)
	}
	logger.FromContext(ctx).Info("Failed messages requeued", zap.Int("requeued", len(requeued)))
	return &RetryResult{Requeued: len(requeued)}, nil
}

// Status reports the tenant's queue. "Today" is the current UTC day.
func (s *DrainService) Status(ctx context.Context) (*model.QueueStats, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.messages.Stats(ctx, companyID, utils.StartOfDayUTC(s.scheduler.now()))
}
