package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
	"github.com/certsouq/certsouq-api/pkg/mailer"
)

type institutionRepository interface {
	FindByID(ctx context.Context, id string) (*models.Institution, error)
	FindByCRNumber(ctx context.Context, cr string) (*models.Institution, error)
	List(ctx context.Context, filter models.InstitutionFilter) ([]models.Institution, int, error)
	Create(ctx context.Context, inst *models.Institution) error
	SetStatus(ctx context.Context, id string, status models.InstitutionStatus, reviewer, note string, now time.Time) (bool, error)
}

type institutionUserWriter interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
}

// RegisterInstitutionRequest is the public registration payload.
type RegisterInstitutionRequest struct {
	NameEN       string `json:"name_en" validate:"required"`
	NameAR       string `json:"name_ar" validate:"required"`
	CRNumber     string `json:"cr_number" validate:"required,len=10,numeric"`
	VATNumber    string `json:"vat_number" validate:"required,len=15,numeric"`
	ContactName  string `json:"contact_name" validate:"required"`
	ContactEmail string `json:"contact_email" validate:"required,email"`
	ContactPhone string `json:"contact_phone" validate:"required"`
	City         string `json:"city" validate:"required"`
}

// ReviewInstitutionRequest carries an admin's approval decision.
type ReviewInstitutionRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

// InstitutionService manages institutional buyer registration and review.
// Approval provisions a login for the institution's contact and emails
// the temporary credentials.
type InstitutionService struct {
	repo      institutionRepository
	users     institutionUserWriter
	sender    mailer.Sender
	validator *validator.Validate
	logger    *zap.Logger
}

// NewInstitutionService constructs InstitutionService.
func NewInstitutionService(repo institutionRepository, users institutionUserWriter, sender mailer.Sender, validate *validator.Validate, logger *zap.Logger) *InstitutionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstitutionService{repo: repo, users: users, sender: sender, validator: validate, logger: logger}
}

// Register files a new institution in PENDING status.
func (s *InstitutionService) Register(ctx context.Context, req RegisterInstitutionRequest) (*models.Institution, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	if existing, err := s.repo.FindByCRNumber(ctx, req.CRNumber); err == nil && existing != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "commercial registration already filed")
	} else if err != nil && err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check registration")
	}
	inst := &models.Institution{
		NameEN:       req.NameEN,
		NameAR:       req.NameAR,
		CRNumber:     req.CRNumber,
		VATNumber:    req.VATNumber,
		ContactName:  req.ContactName,
		ContactEmail: strings.ToLower(req.ContactEmail),
		ContactPhone: req.ContactPhone,
		City:         req.City,
		Status:       models.InstitutionPending,
	}
	if err := s.repo.Create(ctx, inst); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to register institution")
	}
	s.logger.Info("institution registered", zap.String("institution_id", inst.ID), zap.String("cr_number", inst.CRNumber))
	return inst, nil
}

// Get returns an institution by id.
func (s *InstitutionService) Get(ctx context.Context, id string) (*models.Institution, error) {
	inst, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "institution not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load institution")
	}
	return inst, nil
}

// List returns institutions with pagination metadata.
func (s *InstitutionService) List(ctx context.Context, filter models.InstitutionFilter) ([]models.Institution, *models.Pagination, error) {
	institutions, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list institutions")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return institutions, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Review applies an admin decision to a PENDING institution. Approval
// creates the contact's login; a decision on an already reviewed
// institution is a conflict.
func (s *InstitutionService) Review(ctx context.Context, id, reviewer string, req ReviewInstitutionRequest) (*models.Institution, error) {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	status := models.InstitutionRejected
	if req.Approve {
		status = models.InstitutionApproved
	}
	now := time.Now().UTC()
	ok, err := s.repo.SetStatus(ctx, id, status, reviewer, req.Note, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to review institution")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("institution is %s, not PENDING", inst.Status))
	}

	if req.Approve {
		if err := s.provisionLogin(ctx, inst); err != nil {
			s.logger.Error("failed to provision institution login", zap.String("institution_id", id), zap.Error(err))
		}
	}

	s.logger.Info("institution reviewed",
		zap.String("institution_id", id),
		zap.String("status", string(status)),
		zap.String("reviewer", reviewer))
	return s.Get(ctx, id)
}

func (s *InstitutionService) provisionLogin(ctx context.Context, inst *models.Institution) error {
	if _, err := s.users.FindByEmail(ctx, inst.ContactEmail); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return err
	}

	password, err := generatePassword()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user := &models.User{
		Email:         inst.ContactEmail,
		PasswordHash:  string(hash),
		FullName:      inst.ContactName,
		Role:          models.RoleInstitution,
		InstitutionID: &inst.ID,
		Active:        true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return err
	}

	msg := mailer.Message{
		ToName:   inst.ContactName,
		ToEmail:  inst.ContactEmail,
		Subject:  "Your CertSouq account is approved",
		TextBody: fmt.Sprintf("Welcome to CertSouq. Sign in with %s and the temporary password %s, then change it.", inst.ContactEmail, password),
		HTMLBody: fmt.Sprintf("<p>Welcome to CertSouq.</p><p>Sign in with <strong>%s</strong> and the temporary password <code>%s</code>, then change it.</p>", inst.ContactEmail, password),
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		s.logger.Warn("failed to send welcome email", zap.String("institution_id", inst.ID), zap.Error(err))
	}
	return nil
}

func generatePassword() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
