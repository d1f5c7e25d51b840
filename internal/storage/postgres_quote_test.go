package storage

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/model"
)

func TestPostgresRepo_FindCompanyQuote(t *testing.T) {
	repo, mock := newTestRepo(t)
	quote := model.NewQuote(4)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "quotes" WHERE id = $1 AND company_id = $2`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "title", "message"}).
			AddRow(quote.ID, quote.CompanyID, quote.Title, quote.Message))

	found, err := repo.FindCompanyQuote(context.Background(), 4, quote.ID)
	require.NoError(t, err)
	assert.Equal(t, quote.Message, found.Message)
}

func TestPostgresRepo_FindCompanyQuote_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "quotes"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindCompanyQuote(context.Background(), 4, 99)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPostgresRepo_FindBroadcastSuppliers(t *testing.T) {
	supplierColumns := []string{"id", "company_id", "name", "whatsapp"}

	t.Run("explicit ids", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectQuery(`SELECT \* FROM "suppliers" WHERE suppliers.company_id = \$1 AND \(suppliers.whatsapp IS NOT NULL AND suppliers.whatsapp <> ''\) AND suppliers.id IN \(\$2,\$3\) ORDER BY suppliers.id ASC`).
			WithArgs(int64(4), int64(10), int64(11)).
			WillReturnRows(sqlmock.NewRows(supplierColumns).
				AddRow(int64(10), int64(4), "Acme", "11987654321"))

		suppliers, err := repo.FindBroadcastSuppliers(context.Background(), 4, 1, []int64{10, 11})
		require.NoError(t, err)
		require.Len(t, suppliers, 1)
		assert.True(t, suppliers[0].Reachable())
	})

	t.Run("linked to quote", func(t *testing.T) {
		repo, mock := newTestRepo(t)
		mock.ExpectQuery(`FROM "suppliers" JOIN quote_supplier ON quote_supplier.supplier_id = suppliers.id WHERE .*quote_supplier.quote_id = \$2`).
			WithArgs(int64(4), int64(1)).
			WillReturnRows(sqlmock.NewRows(supplierColumns).
				AddRow(int64(10), int64(4), "Acme", "11987654321").
				AddRow(int64(12), int64(4), "Beta", "21987654321"))

		suppliers, err := repo.FindBroadcastSuppliers(context.Background(), 4, 1, nil)
		require.NoError(t, err)
		assert.Len(t, suppliers, 2)
	})
}
