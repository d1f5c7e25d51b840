package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// FindCompanyQuote loads a quote owned by companyID.
func (r *PostgresRepo) FindCompanyQuote(ctx context.Context, companyID, quoteID int64) (*model.Quote, error) {
	var quote model.Quote
	operation := func() error {
		err := r.db.WithContext(ctx).Where("id = ? AND company_id = ?", quoteID, companyID).First(&quote).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindCompanyQuote", operation)
	observer.ObserveDbOperationDuration("find", "quote", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

// FindBroadcastSuppliers resolves the recipients of a quote broadcast: the
// given supplier IDs, or every supplier linked to the quote when none are
// given. Only the company's suppliers with a WhatsApp number are returned,
// ordered by id.
func (r *PostgresRepo) FindBroadcastSuppliers(ctx context.Context, companyID, quoteID int64, supplierIDs []int64) ([]model.Supplier, error) {
	var suppliers []model.Supplier
	operation := func() error {
		q := r.db.WithContext(ctx).
			Where("suppliers.company_id = ?", companyID).
			Where("suppliers.whatsapp IS NOT NULL AND suppliers.whatsapp <> ''")
		if len(supplierIDs) > 0 {
			q = q.Where("suppliers.id IN ?", supplierIDs)
		} else {
			q = q.Joins("JOIN quote_supplier ON quote_supplier.supplier_id = suppliers.id").
				Where("quote_supplier.quote_id = ?", quoteID)
		}
		if err := q.Order("suppliers.id ASC").Find(&suppliers).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindBroadcastSuppliers", operation)
	observer.ObserveDbOperationDuration("find_broadcast", "supplier", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return suppliers, nil
}
