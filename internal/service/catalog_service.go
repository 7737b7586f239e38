package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
)

type catalogRepository interface {
	FindByID(ctx context.Context, id string) (*models.Certificate, error)
	FindByCode(ctx context.Context, code string) (*models.Certificate, error)
	List(ctx context.Context, filter models.CertificateFilter) ([]models.Certificate, int, error)
	Create(ctx context.Context, cert *models.Certificate) error
	Update(ctx context.Context, cert *models.Certificate) error
	Deactivate(ctx context.Context, id string) error
}

type availabilityReader interface {
	CountAvailable(ctx context.Context, certificateID string, now time.Time) (int, error)
}

// CertificateRequest describes a catalog create or update payload.
type CertificateRequest struct {
	Code               string   `json:"code" validate:"required"`
	Category           string   `json:"category" validate:"required"`
	NameEN             string   `json:"name_en" validate:"required"`
	NameAR             string   `json:"name_ar" validate:"required"`
	DescriptionEN      string   `json:"description_en"`
	DescriptionAR      string   `json:"description_ar"`
	ExamCodes          []string `json:"exam_codes" validate:"required,min=1"`
	ValidityMonths     int      `json:"validity_months" validate:"required,min=1"`
	RetailPrice        int64    `json:"retail_price" validate:"required,gt=0"`
	InstitutionalPrice int64    `json:"institutional_price" validate:"required,gt=0"`
	Active             bool     `json:"active"`
}

// CatalogItem is a storefront listing entry: the certificate plus whether
// vouchers are in stock. Stock is surfaced as a boolean only; counts stay
// back-office.
type CatalogItem struct {
	models.Certificate
	InStock bool `json:"in_stock"`
}

// CatalogService serves the bilingual storefront catalog, caching listings
// in Redis, and manages catalog products for the back office.
type CatalogService struct {
	repo      catalogRepository
	inventory availabilityReader
	cache     *CacheService
	cacheTTL  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCatalogService constructs CatalogService.
func NewCatalogService(repo catalogRepository, inventory availabilityReader, cache *CacheService, cacheTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *CatalogService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &CatalogService{repo: repo, inventory: inventory, cache: cache, cacheTTL: cacheTTL, validator: validate, logger: logger}
}

func catalogCacheKey(filter models.CertificateFilter) string {
	return fmt.Sprintf("catalog:list:%s:%s:%d:%d", filter.Category, filter.Search, filter.Page, filter.PageSize)
}

// Storefront returns active certificates with stock availability. Results
// are cached; cache misses hit both the catalog and inventory tables.
func (s *CatalogService) Storefront(ctx context.Context, filter models.CertificateFilter) ([]CatalogItem, *models.Pagination, error) {
	active := true
	filter.Active = &active

	type cached struct {
		Items      []CatalogItem      `json:"items"`
		Pagination *models.Pagination `json:"pagination"`
	}
	key := catalogCacheKey(filter)
	var payload cached
	if hit, _ := s.cache.Get(ctx, key, &payload); hit {
		return payload.Items, payload.Pagination, nil
	}

	certs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list catalog")
	}
	now := time.Now().UTC()
	items := make([]CatalogItem, len(certs))
	for i, cert := range certs {
		count, err := s.inventory.CountAvailable(ctx, cert.ID, now)
		if err != nil {
			s.logger.Warn("failed to count stock", zap.String("certificate_id", cert.ID), zap.Error(err))
		}
		items[i] = CatalogItem{Certificate: cert, InStock: count > 0}
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	_ = s.cache.Set(ctx, key, cached{Items: items, Pagination: pagination}, s.cacheTTL)
	return items, pagination, nil
}

// Get returns one certificate by id.
func (s *CatalogService) Get(ctx context.Context, id string) (*models.Certificate, error) {
	cert, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "certificate not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load certificate")
	}
	return cert, nil
}

// List returns certificates for the back office, active or not.
func (s *CatalogService) List(ctx context.Context, filter models.CertificateFilter) ([]models.Certificate, *models.Pagination, error) {
	certs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list certificates")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return certs, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Create adds a new catalog product.
func (s *CatalogService) Create(ctx context.Context, req CertificateRequest) (*models.Certificate, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid certificate payload")
	}
	if existing, err := s.repo.FindByCode(ctx, req.Code); err == nil && existing != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "certificate code already exists")
	} else if err != nil && err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check certificate code")
	}
	cert := &models.Certificate{
		Code:               req.Code,
		Category:           models.CertificateCategory(req.Category),
		NameEN:             req.NameEN,
		NameAR:             req.NameAR,
		DescriptionEN:      req.DescriptionEN,
		DescriptionAR:      req.DescriptionAR,
		ExamCodes:          req.ExamCodes,
		ValidityMonths:     req.ValidityMonths,
		RetailPrice:        req.RetailPrice,
		InstitutionalPrice: req.InstitutionalPrice,
		Active:             req.Active,
	}
	if err := s.repo.Create(ctx, cert); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create certificate")
	}
	s.invalidateCatalog(ctx)
	return cert, nil
}

// Update mutates catalog product fields.
func (s *CatalogService) Update(ctx context.Context, id string, req CertificateRequest) (*models.Certificate, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid certificate payload")
	}
	cert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cert.Category = models.CertificateCategory(req.Category)
	cert.NameEN = req.NameEN
	cert.NameAR = req.NameAR
	cert.DescriptionEN = req.DescriptionEN
	cert.DescriptionAR = req.DescriptionAR
	cert.ExamCodes = req.ExamCodes
	cert.ValidityMonths = req.ValidityMonths
	cert.RetailPrice = req.RetailPrice
	cert.InstitutionalPrice = req.InstitutionalPrice
	cert.Active = req.Active
	if err := s.repo.Update(ctx, cert); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update certificate")
	}
	s.invalidateCatalog(ctx)
	return cert, nil
}

// Deactivate hides a product from the storefront.
func (s *CatalogService) Deactivate(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate certificate")
	}
	s.invalidateCatalog(ctx)
	return nil
}

func (s *CatalogService) invalidateCatalog(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, "catalog:list:*"); err != nil {
		s.logger.Warn("failed to invalidate catalog cache", zap.Error(err))
	}
}
