package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/certsouq/certsouq-api/internal/models"
)

const institutionColumns = `id, name_en, name_ar, cr_number, vat_number, contact_name, contact_email,
        contact_phone, city, status, reviewed_by, reviewed_at, review_note, created_at, updated_at`

// InstitutionRepository handles persistence of institutional buyer accounts.
type InstitutionRepository struct {
	db *sqlx.DB
}

// NewInstitutionRepository constructs the repository.
func NewInstitutionRepository(db *sqlx.DB) *InstitutionRepository {
	return &InstitutionRepository{db: db}
}

// FindByID returns an institution by identifier.
func (r *InstitutionRepository) FindByID(ctx context.Context, id string) (*models.Institution, error) {
	query := fmt.Sprintf(`SELECT %s FROM institutions WHERE id = $1`, institutionColumns)
	var inst models.Institution
	if err := r.db.GetContext(ctx, &inst, query, id); err != nil {
		return nil, err
	}
	return &inst, nil
}

// FindByCRNumber returns an institution by commercial registration number.
func (r *InstitutionRepository) FindByCRNumber(ctx context.Context, cr string) (*models.Institution, error) {
	query := fmt.Sprintf(`SELECT %s FROM institutions WHERE cr_number = $1 LIMIT 1`, institutionColumns)
	var inst models.Institution
	if err := r.db.GetContext(ctx, &inst, query, cr); err != nil {
		return nil, err
	}
	return &inst, nil
}

// List returns institutions filtered by status and search term.
func (r *InstitutionRepository) List(ctx context.Context, filter models.InstitutionFilter) ([]models.Institution, int, error) {
	base := `FROM institutions WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(name_en) LIKE $%d OR name_ar LIKE $%d OR cr_number LIKE $%d)", len(args)+1, len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " AND " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s %s ORDER BY created_at DESC LIMIT %d OFFSET %d`, institutionColumns, base+clause, size, offset)

	var insts []models.Institution
	if err := r.db.SelectContext(ctx, &insts, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list institutions: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count institutions: %w", err)
	}
	return insts, total, nil
}

// Create persists a new institution registration in PENDING status.
func (r *InstitutionRepository) Create(ctx context.Context, inst *models.Institution) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	if inst.Status == "" {
		inst.Status = models.InstitutionPending
	}
	const query = `INSERT INTO institutions (id, name_en, name_ar, cr_number, vat_number, contact_name,
        contact_email, contact_phone, city, status, created_at, updated_at)
        VALUES (:id, :name_en, :name_ar, :cr_number, :vat_number, :contact_name,
        :contact_email, :contact_phone, :city, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, inst); err != nil {
		return fmt.Errorf("create institution: %w", err)
	}
	return nil
}

// SetStatus records a review decision. Only PENDING institutions can be
// reviewed; the conditional update reports whether a row transitioned.
func (r *InstitutionRepository) SetStatus(ctx context.Context, id string, status models.InstitutionStatus, reviewer, note string, now time.Time) (bool, error) {
	const query = `UPDATE institutions
        SET status = $2, reviewed_by = $3, reviewed_at = $4, review_note = $5, updated_at = $4
        WHERE id = $1 AND status = 'PENDING'`
	res, err := r.db.ExecContext(ctx, query, id, status, reviewer, now, note)
	if err != nil {
		return false, fmt.Errorf("review institution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
