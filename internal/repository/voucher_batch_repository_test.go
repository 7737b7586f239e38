package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certsouq/certsouq-api/internal/models"
)

func TestVoucherBatchRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newVoucherMock(t)
	defer cleanup()
	repo := NewVoucherBatchRepository(db)

	mock.ExpectExec(`INSERT INTO voucher_batches`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now().UTC()
	batch := &models.VoucherBatch{
		Source:        "comptia-store",
		CertificateID: "cert-1",
		UnitCost:      95000,
		PurchasedAt:   now,
		ExpiresAt:     now.AddDate(1, 0, 0),
		TotalCount:    50,
		ImportedBy:    "admin-1",
	}
	err := repo.Create(context.Background(), batch)
	require.NoError(t, err)
	assert.NotEmpty(t, batch.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVoucherBatchRepositoryRefreshCounters(t *testing.T) {
	db, mock, cleanup := newVoucherMock(t)
	defer cleanup()
	repo := NewVoucherBatchRepository(db)

	mock.ExpectExec(`UPDATE voucher_batches b SET`).
		WithArgs("batch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RefreshCounters(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVoucherBatchRepositoryBatchIDsForOrder(t *testing.T) {
	db, mock, cleanup := newVoucherMock(t)
	defer cleanup()
	repo := NewVoucherBatchRepository(db)

	mock.ExpectQuery(`SELECT DISTINCT batch_id FROM vouchers WHERE order_id = \$1`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow("batch-1").AddRow("batch-2"))

	ids, err := repo.BatchIDsForOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"batch-1", "batch-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
