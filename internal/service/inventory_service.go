package service

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
	"github.com/certsouq/certsouq-api/pkg/export"
)

type inventoryVoucherRepository interface {
	FindByID(ctx context.Context, id string) (*models.Voucher, error)
	List(ctx context.Context, filter models.VoucherFilter) ([]models.Voucher, int, error)
	CreateBatchVouchers(ctx context.Context, vouchers []models.Voucher) error
	ExistingCodes(ctx context.Context, codes []string) (map[string]bool, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]string, error)
	AppendHistory(ctx context.Context, entry *models.VoucherHistoryEntry) error
	ListHistory(ctx context.Context, voucherID string) ([]models.VoucherHistoryEntry, error)
}

type inventoryBatchRepository interface {
	FindByID(ctx context.Context, id string) (*models.VoucherBatch, error)
	List(ctx context.Context, certificateID string, page, pageSize int) ([]models.VoucherBatch, int, error)
	Create(ctx context.Context, batch *models.VoucherBatch) error
	RefreshCounters(ctx context.Context, batchID string) error
}

type certificateReader interface {
	FindByID(ctx context.Context, id string) (*models.Certificate, error)
}

// ImportBatchRequest describes a bulk voucher import.
type ImportBatchRequest struct {
	CertificateID string    `json:"certificate_id" validate:"required,uuid4"`
	Source        string    `json:"source" validate:"required"`
	ExternalRef   string    `json:"external_ref"`
	UnitCost      int64     `json:"unit_cost" validate:"gte=0"`
	PurchasedAt   time.Time `json:"purchased_at" validate:"required"`
	ExpiresAt     time.Time `json:"expires_at" validate:"required"`
	Codes         []string  `json:"codes" validate:"required,min=1,dive,required"`
}

// ImportBatchResult reports the outcome of an import.
type ImportBatchResult struct {
	Batch     *models.VoucherBatch `json:"batch"`
	Imported  int                  `json:"imported"`
	Duplicate []string             `json:"duplicate,omitempty"`
}

// InventoryService manages the voucher stock: imports, listings, the
// expiry sweep and CSV exports.
type InventoryService struct {
	vouchers     inventoryVoucherRepository
	batches      inventoryBatchRepository
	certificates certificateReader
	csv          *export.CSVExporter
	validator    *validator.Validate
	logger       *zap.Logger
}

// NewInventoryService constructs InventoryService.
func NewInventoryService(vouchers inventoryVoucherRepository, batches inventoryBatchRepository, certificates certificateReader, validate *validator.Validate, logger *zap.Logger) *InventoryService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryService{
		vouchers:     vouchers,
		batches:      batches,
		certificates: certificates,
		csv:          export.NewCSVExporter(),
		validator:    validate,
		logger:       logger,
	}
}

// ParseCodesCSV reads voucher codes from an uploaded CSV. The file is a
// single column, optionally headed "code"; blank lines are skipped.
func ParseCodesCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	var codes []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read codes csv: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		code := strings.TrimSpace(record[0])
		if code == "" || strings.EqualFold(code, "code") {
			continue
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// ImportBatch validates and stores a batch of voucher codes. Codes already
// present anywhere in inventory are rejected before any row is written, so
// a failed import changes nothing.
func (s *InventoryService) ImportBatch(ctx context.Context, req ImportBatchRequest, actor string) (*ImportBatchResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid import payload")
	}
	if !req.ExpiresAt.After(req.PurchasedAt) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "expiry must be after purchase date")
	}
	if _, err := s.certificates.FindByID(ctx, req.CertificateID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load certificate")
	}

	seen := make(map[string]bool, len(req.Codes))
	var codes []string
	var duplicate []string
	for _, raw := range req.Codes {
		code := strings.TrimSpace(raw)
		if code == "" {
			continue
		}
		if seen[code] {
			duplicate = append(duplicate, code)
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no voucher codes supplied")
	}

	existing, err := s.vouchers.ExistingCodes(ctx, codes)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing codes")
	}
	for _, code := range codes {
		if existing[code] {
			duplicate = append(duplicate, code)
		}
	}
	if len(duplicate) > 0 {
		s.logger.Warn("voucher import rejected", zap.Int("duplicates", len(duplicate)))
		return &ImportBatchResult{Duplicate: duplicate}, appErrors.ErrDuplicateCode
	}

	batch := &models.VoucherBatch{
		Source:        req.Source,
		ExternalRef:   req.ExternalRef,
		CertificateID: req.CertificateID,
		UnitCost:      req.UnitCost,
		PurchasedAt:   req.PurchasedAt,
		ExpiresAt:     req.ExpiresAt,
		TotalCount:    len(codes),
		ImportedBy:    actor,
	}
	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create batch")
	}

	vouchers := make([]models.Voucher, len(codes))
	for i, code := range codes {
		vouchers[i] = models.Voucher{
			Code:          code,
			CertificateID: req.CertificateID,
			BatchID:       batch.ID,
			Status:        models.VoucherStatusAvailable,
			UnitCost:      req.UnitCost,
			PurchasedAt:   req.PurchasedAt,
			ExpiresAt:     req.ExpiresAt,
		}
	}
	if err := s.vouchers.CreateBatchVouchers(ctx, vouchers); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store vouchers")
	}
	for _, v := range vouchers {
		err := s.vouchers.AppendHistory(ctx, &models.VoucherHistoryEntry{
			VoucherID: v.ID,
			Action:    models.VoucherActionImported,
			Actor:     actor,
			Detail:    "batch " + batch.ID,
		})
		if err != nil {
			s.logger.Warn("failed to append import history", zap.String("voucher_id", v.ID), zap.Error(err))
		}
	}
	if err := s.batches.RefreshCounters(ctx, batch.ID); err != nil {
		s.logger.Warn("failed to refresh batch counters", zap.String("batch_id", batch.ID), zap.Error(err))
	}

	s.logger.Info("voucher batch imported",
		zap.String("batch_id", batch.ID),
		zap.String("certificate_id", req.CertificateID),
		zap.Int("count", len(codes)))
	return &ImportBatchResult{Batch: batch, Imported: len(codes)}, nil
}

// List returns vouchers with pagination metadata.
func (s *InventoryService) List(ctx context.Context, filter models.VoucherFilter) ([]models.Voucher, *models.Pagination, error) {
	vouchers, total, err := s.vouchers.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list vouchers")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return vouchers, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a voucher with its history.
func (s *InventoryService) Get(ctx context.Context, id string) (*models.Voucher, []models.VoucherHistoryEntry, error) {
	voucher, err := s.vouchers.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "voucher not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load voucher")
	}
	history, err := s.vouchers.ListHistory(ctx, id)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load voucher history")
	}
	return voucher, history, nil
}

// ListBatches returns the batch ledger.
func (s *InventoryService) ListBatches(ctx context.Context, certificateID string, page, pageSize int) ([]models.VoucherBatch, *models.Pagination, error) {
	batches, total, err := s.batches.List(ctx, certificateID, page, pageSize)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list batches")
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return batches, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// GetBatch returns a batch ledger row with counters refreshed.
func (s *InventoryService) GetBatch(ctx context.Context, id string) (*models.VoucherBatch, error) {
	if err := s.batches.RefreshCounters(ctx, id); err != nil {
		s.logger.Warn("failed to refresh batch counters", zap.String("batch_id", id), zap.Error(err))
	}
	batch, err := s.batches.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "batch not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
	}
	return batch, nil
}

// ExpireOverdue retires every available or reserved voucher whose expiry
// has passed and records the transition in each voucher's history.
func (s *InventoryService) ExpireOverdue(ctx context.Context, actor string) (int, error) {
	now := time.Now().UTC()
	ids, err := s.vouchers.ExpireOverdue(ctx, now)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire vouchers")
	}
	for _, id := range ids {
		err := s.vouchers.AppendHistory(ctx, &models.VoucherHistoryEntry{
			VoucherID: id,
			Action:    models.VoucherActionExpired,
			Actor:     actor,
			Detail:    "expiry sweep",
		})
		if err != nil {
			s.logger.Warn("failed to append expiry history", zap.String("voucher_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		s.logger.Info("expiry sweep retired vouchers", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// ExportCSV renders the filtered voucher list as CSV for back-office
// reconciliation. Codes are included; the endpoint is admin-only.
func (s *InventoryService) ExportCSV(ctx context.Context, filter models.VoucherFilter) ([]byte, error) {
	filter.PageSize = 100
	if filter.Page < 1 {
		filter.Page = 1
	}
	dataset := export.Dataset{
		Headers: []string{"code", "certificate_id", "batch_id", "status", "expires_at", "recipient_email", "delivered_at"},
	}
	for {
		vouchers, total, err := s.vouchers.List(ctx, filter)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list vouchers")
		}
		for _, v := range vouchers {
			row := map[string]string{
				"code":           v.Code,
				"certificate_id": v.CertificateID,
				"batch_id":       v.BatchID,
				"status":         string(v.Status),
				"expires_at":     v.ExpiresAt.Format(time.RFC3339),
			}
			if v.RecipientEmail != nil {
				row["recipient_email"] = *v.RecipientEmail
			}
			if v.DeliveredAt != nil {
				row["delivered_at"] = v.DeliveredAt.Format(time.RFC3339)
			}
			dataset.Rows = append(dataset.Rows, row)
		}
		if len(dataset.Rows) >= total || len(vouchers) == 0 {
			break
		}
		filter.Page++
	}
	return s.csv.Render(dataset)
}
