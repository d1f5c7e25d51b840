package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/logger"
)

// --- Retry Logic Configuration ---
const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second  // More aggressive for reads
	commitRetryMaxElapsedTime   = 15 * time.Second // More tolerant for commits
)

func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, apperrors.ErrNotFound) ||
			errors.Is(err, apperrors.ErrDuplicate) ||
			errors.Is(err, apperrors.ErrConflict) ||
			errors.Is(err, gorm.ErrInvalidTransaction) {
			return backoff.Permanent(err)
		}
		if isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, notify)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection, class 53 resources, deadlock, serialization failure
		if strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			pgErr.Code == "40P01" ||
			pgErr.Code == "40001" {
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	transientIndicators := []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
	}
	for _, indicator := range transientIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// PostgresRepo implements the dispatcher repositories on PostgreSQL via GORM.
type PostgresRepo struct {
	db *gorm.DB
}

// NewPostgresRepo connects to PostgreSQL, retrying transient failures, and
// optionally migrates the dispatcher tables.
func NewPostgresRepo(dsn string, autoMigrate bool) (*PostgresRepo, error) {
	operationConnect := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormLogger.Default.LogMode(gormLogger.Warn),
		})
		if err != nil {
			if isTransientError(err) {
				logger.Log.Warn("Failed to connect to postgres (transient), retrying...", zap.Error(err))
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to postgres: %w", err))
		}
		return db, nil
	}

	notify := func(err error, d time.Duration) {
		logger.Log.Warn("Retrying DB connection", zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 1 * time.Minute

	db, err := backoff.RetryNotifyWithData(operationConnect, b, notify)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}

	repo := &PostgresRepo{db: db}

	if autoMigrate {
		if err := repo.migrate(); err != nil {
			_ = repo.Close(context.Background())
			return nil, err
		}
	} else {
		logger.Log.Info("Auto-migration disabled")
	}

	return repo, nil
}

func (r *PostgresRepo) migrate() error {
	logger.Log.Info("Running auto-migration")
	err := r.db.AutoMigrate(
		&model.Quote{},
		&model.Supplier{},
		&model.WhatsAppInstance{},
		&model.WhatsAppMessage{},
		&model.QuoteSupplier{},
		&model.ExhaustedDispatch{},
	)
	if err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	// Enum-like columns are plain varchar for GORM, the checks keep writers honest.
	checks := map[string]string{
		"chk_wa_messages_status":    `ALTER TABLE whatsapp_messages ADD CONSTRAINT chk_wa_messages_status CHECK (status IN ('pending','queued','sent','failed','delivered','read'))`,
		"chk_wa_messages_direction": `ALTER TABLE whatsapp_messages ADD CONSTRAINT chk_wa_messages_direction CHECK (direction IN ('outbound','inbound'))`,
		"chk_quote_supplier_msg":    `ALTER TABLE quote_supplier ADD CONSTRAINT chk_quote_supplier_msg CHECK (message_status IN ('pending','queued','sent','failed'))`,
	}
	for name, ddl := range checks {
		if err := r.db.Exec(ddl).Error; err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42710" { // duplicate_object
				continue
			}
			logger.Log.Warn("Failed to create check constraint", zap.String("constraint", name), zap.Error(err))
		}
	}
	return nil
}

// Ping verifies the database connection.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *PostgresRepo) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		logger.FromContext(ctx).Error("Failed to get underlying DB for closing", zap.Error(err))
		return err
	}
	if err := sqlDB.Close(); err != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(err))
		return err
	}
	logger.FromContext(ctx).Info("Database connection closed")
	return nil
}

// inTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error or panics.
func (r *PostgresRepo) inTx(ctx context.Context, fn func(tx *gorm.DB) error) (txErr error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if txErr != nil {
			if rbErr := tx.Rollback().Error; rbErr != nil {
				logger.FromContext(ctx).Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
			}
		}
	}()

	if txErr = fn(tx); txErr != nil {
		return txErr
	}
	if err := tx.Commit().Error; err != nil {
		txErr = checkConstraintViolation(err)
		return txErr
	}
	return nil
}

func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// Class 23: Integrity Constraint Violation
		case "23505": // unique_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrDuplicate, pgErr.ConstraintName, err)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: null value in column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "23514": // check_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)

		// Class 22: Data Exception
		case "22001": // string_data_right_truncation
			return fmt.Errorf("%w: value too long for column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22P02": // invalid_text_representation
			return fmt.Errorf("%w: invalid input syntax for type %s: %w", apperrors.ErrBadRequest, pgErr.DataTypeName, err)

		// Class 40: Transaction Rollback
		case "40001", "40P01":
			return fmt.Errorf("%w: transaction rollback (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)

		default:
			if strings.HasPrefix(pgErr.Code, "53") {
				return fmt.Errorf("%w: insufficient resources (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			if strings.HasPrefix(pgErr.Code, "08") {
				return fmt.Errorf("%w: connection error (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			return fmt.Errorf("%w: unhandled pgcode %s: %w", apperrors.ErrDatabase, pgErr.Code, err)
		}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
}
