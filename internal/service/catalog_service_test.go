package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
)

type mockCatalogRepo struct {
	certs     map[string]*models.Certificate
	listCalls int
	created   *models.Certificate
}

func (m *mockCatalogRepo) FindByID(ctx context.Context, id string) (*models.Certificate, error) {
	c, ok := m.certs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return c, nil
}

func (m *mockCatalogRepo) FindByCode(ctx context.Context, code string) (*models.Certificate, error) {
	for _, c := range m.certs {
		if c.Code == code {
			return c, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockCatalogRepo) List(ctx context.Context, filter models.CertificateFilter) ([]models.Certificate, int, error) {
	m.listCalls++
	var out []models.Certificate
	for _, c := range m.certs {
		if filter.Active != nil && c.Active != *filter.Active {
			continue
		}
		out = append(out, *c)
	}
	return out, len(out), nil
}

func (m *mockCatalogRepo) Create(ctx context.Context, cert *models.Certificate) error {
	cert.ID = "cert-new"
	m.created = cert
	if m.certs == nil {
		m.certs = map[string]*models.Certificate{}
	}
	m.certs[cert.ID] = cert
	return nil
}

func (m *mockCatalogRepo) Update(ctx context.Context, cert *models.Certificate) error {
	m.certs[cert.ID] = cert
	return nil
}

func (m *mockCatalogRepo) Deactivate(ctx context.Context, id string) error {
	m.certs[id].Active = false
	return nil
}

type mockAvailability struct {
	counts map[string]int
}

func (m *mockAvailability) CountAvailable(ctx context.Context, certificateID string, now time.Time) (int, error) {
	return m.counts[certificateID], nil
}

// memoryCache is an in-process CacheRepository for tests.
type memoryCache struct {
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]byte{}}
}

func (m *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.entries[key] = data
	return nil
}

func (m *memoryCache) DeleteByPattern(ctx context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
	return nil
}

func catalogFixture() map[string]*models.Certificate {
	return map[string]*models.Certificate{
		"cert-1": {ID: "cert-1", Code: "SY0-701", Category: models.CategoryCybersecurity, NameEN: "Security+", NameAR: "سيكيورتي بلس", Active: true, RetailPrice: 150000, InstitutionalPrice: 135000},
		"cert-2": {ID: "cert-2", Code: "N10-009", Category: models.CategoryInfrastructure, NameEN: "Network+", NameAR: "نتورك بلس", Active: true, RetailPrice: 130000, InstitutionalPrice: 117000},
		"cert-3": {ID: "cert-3", Code: "XK0-005", Category: models.CategoryInfrastructure, NameEN: "Linux+", NameAR: "لينكس بلس", Active: false, RetailPrice: 140000, InstitutionalPrice: 126000},
	}
}

func newCatalog(repo *mockCatalogRepo, counts map[string]int) *CatalogService {
	cache := NewCacheService(newMemoryCache(), nil, time.Minute, zap.NewNop(), true)
	return NewCatalogService(repo, &mockAvailability{counts: counts}, cache, time.Minute, nil, zap.NewNop())
}

func TestStorefrontShowsOnlyActiveWithStockFlag(t *testing.T) {
	repo := &mockCatalogRepo{certs: catalogFixture()}
	svc := newCatalog(repo, map[string]int{"cert-1": 12})

	items, pagination, err := svc.Storefront(context.Background(), models.CertificateFilter{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 2, pagination.TotalCount)
	byID := map[string]CatalogItem{}
	for _, item := range items {
		byID[item.ID] = item
	}
	assert.True(t, byID["cert-1"].InStock)
	assert.False(t, byID["cert-2"].InStock)
	assert.NotContains(t, byID, "cert-3")
}

func TestStorefrontServesSecondCallFromCache(t *testing.T) {
	repo := &mockCatalogRepo{certs: catalogFixture()}
	svc := newCatalog(repo, map[string]int{"cert-1": 5})

	_, _, err := svc.Storefront(context.Background(), models.CertificateFilter{})
	require.NoError(t, err)
	items, _, err := svc.Storefront(context.Background(), models.CertificateFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 1, repo.listCalls)
}

func TestCatalogWritesInvalidateStorefrontCache(t *testing.T) {
	repo := &mockCatalogRepo{certs: catalogFixture()}
	svc := newCatalog(repo, nil)

	_, _, err := svc.Storefront(context.Background(), models.CertificateFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, repo.listCalls)

	_, err = svc.Create(context.Background(), CertificateRequest{
		Code: "220-1201", Category: string(models.CategoryCore), NameEN: "A+ Core 1", NameAR: "ايه بلس",
		ExamCodes: []string{"220-1201"}, ValidityMonths: 12, RetailPrice: 90000, InstitutionalPrice: 81000, Active: true,
	})
	require.NoError(t, err)

	_, _, err = svc.Storefront(context.Background(), models.CertificateFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.listCalls)
}

func TestCreateCertificateRejectsDuplicateCode(t *testing.T) {
	repo := &mockCatalogRepo{certs: catalogFixture()}
	svc := newCatalog(repo, nil)

	_, err := svc.Create(context.Background(), CertificateRequest{
		Code: "SY0-701", Category: string(models.CategoryCybersecurity), NameEN: "Security+", NameAR: "سيكيورتي بلس",
		ExamCodes: []string{"SY0-701"}, ValidityMonths: 12, RetailPrice: 150000, InstitutionalPrice: 135000,
	})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestUpdateCertificateNotFound(t *testing.T) {
	svc := newCatalog(&mockCatalogRepo{}, nil)

	_, err := svc.Update(context.Background(), "missing", CertificateRequest{
		Code: "SY0-701", Category: string(models.CategoryCybersecurity), NameEN: "Security+", NameAR: "سيكيورتي بلس",
		ExamCodes: []string{"SY0-701"}, ValidityMonths: 12, RetailPrice: 150000, InstitutionalPrice: 135000,
	})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestDeactivateHidesCertificate(t *testing.T) {
	repo := &mockCatalogRepo{certs: catalogFixture()}
	svc := newCatalog(repo, nil)

	require.NoError(t, svc.Deactivate(context.Background(), "cert-1"))
	assert.False(t, repo.certs["cert-1"].Active)
}
