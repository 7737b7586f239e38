package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
)

type mockInstitutionRepo struct {
	institutions map[string]*models.Institution
	created      *models.Institution
}

func (m *mockInstitutionRepo) FindByID(ctx context.Context, id string) (*models.Institution, error) {
	inst, ok := m.institutions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return inst, nil
}

func (m *mockInstitutionRepo) FindByCRNumber(ctx context.Context, cr string) (*models.Institution, error) {
	for _, inst := range m.institutions {
		if inst.CRNumber == cr {
			return inst, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockInstitutionRepo) List(ctx context.Context, filter models.InstitutionFilter) ([]models.Institution, int, error) {
	return nil, 0, nil
}

func (m *mockInstitutionRepo) Create(ctx context.Context, inst *models.Institution) error {
	inst.ID = "inst-1"
	m.created = inst
	if m.institutions == nil {
		m.institutions = map[string]*models.Institution{}
	}
	m.institutions[inst.ID] = inst
	return nil
}

func (m *mockInstitutionRepo) SetStatus(ctx context.Context, id string, status models.InstitutionStatus, reviewer, note string, now time.Time) (bool, error) {
	inst, ok := m.institutions[id]
	if !ok || inst.Status != models.InstitutionPending {
		return false, nil
	}
	inst.Status = status
	inst.ReviewedBy = &reviewer
	inst.ReviewedAt = &now
	if note != "" {
		inst.ReviewNote = &note
	}
	return true, nil
}

type mockUserWriter struct {
	users   map[string]*models.User
	created *models.User
}

func (m *mockUserWriter) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	u, ok := m.users[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return u, nil
}

func (m *mockUserWriter) Create(ctx context.Context, user *models.User) error {
	user.ID = "user-1"
	m.created = user
	if m.users == nil {
		m.users = map[string]*models.User{}
	}
	m.users[user.Email] = user
	return nil
}

func validRegistration() RegisterInstitutionRequest {
	return RegisterInstitutionRequest{
		NameEN:       "Riyadh Polytechnic",
		NameAR:       "كلية الرياض التقنية",
		CRNumber:     "1010456789",
		VATNumber:    "310987654300003",
		ContactName:  "Huda Al-Qahtani",
		ContactEmail: "Huda@RP.example.sa",
		ContactPhone: "+966501234567",
		City:         "Riyadh",
	}
}

func pendingInstitution() *models.Institution {
	return &models.Institution{
		ID:           "inst-1",
		NameEN:       "Riyadh Polytechnic",
		NameAR:       "كلية الرياض التقنية",
		CRNumber:     "1010456789",
		VATNumber:    "310987654300003",
		ContactName:  "Huda Al-Qahtani",
		ContactEmail: "huda@rp.example.sa",
		Status:       models.InstitutionPending,
	}
}

func TestRegisterFilesPendingInstitution(t *testing.T) {
	repo := &mockInstitutionRepo{}
	svc := NewInstitutionService(repo, &mockUserWriter{}, &fakeSender{}, nil, zap.NewNop())

	inst, err := svc.Register(context.Background(), validRegistration())
	require.NoError(t, err)
	assert.Equal(t, models.InstitutionPending, inst.Status)
	assert.Equal(t, "huda@rp.example.sa", inst.ContactEmail)
}

func TestRegisterRejectsDuplicateCRNumber(t *testing.T) {
	repo := &mockInstitutionRepo{institutions: map[string]*models.Institution{"inst-1": pendingInstitution()}}
	svc := NewInstitutionService(repo, &mockUserWriter{}, &fakeSender{}, nil, zap.NewNop())

	_, err := svc.Register(context.Background(), validRegistration())
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestRegisterValidatesCRNumberFormat(t *testing.T) {
	svc := NewInstitutionService(&mockInstitutionRepo{}, &mockUserWriter{}, &fakeSender{}, nil, zap.NewNop())
	req := validRegistration()
	req.CRNumber = "CR-123"

	_, err := svc.Register(context.Background(), req)
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestApproveProvisionsContactLogin(t *testing.T) {
	repo := &mockInstitutionRepo{institutions: map[string]*models.Institution{"inst-1": pendingInstitution()}}
	users := &mockUserWriter{}
	sender := &fakeSender{}
	svc := NewInstitutionService(repo, users, sender, nil, zap.NewNop())

	inst, err := svc.Review(context.Background(), "inst-1", "admin-1", ReviewInstitutionRequest{Approve: true, Note: "documents verified"})
	require.NoError(t, err)
	assert.Equal(t, models.InstitutionApproved, inst.Status)
	require.NotNil(t, inst.ReviewedBy)
	assert.Equal(t, "admin-1", *inst.ReviewedBy)

	require.NotNil(t, users.created)
	assert.Equal(t, "huda@rp.example.sa", users.created.Email)
	assert.Equal(t, models.RoleInstitution, users.created.Role)
	require.NotNil(t, users.created.InstitutionID)
	assert.Equal(t, "inst-1", *users.created.InstitutionID)
	assert.True(t, users.created.Active)

	// welcome email carries a password that matches the stored hash
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "huda@rp.example.sa", sender.sent[0].ToEmail)
	assert.NotEmpty(t, users.created.PasswordHash)
	assert.NoError(t, bcryptCompareFromWelcome(users.created.PasswordHash, sender.sent[0].TextBody))
}

// bcryptCompareFromWelcome extracts the temporary password from the welcome
// email body and checks it against the stored hash.
func bcryptCompareFromWelcome(hash, body string) error {
	const marker = "temporary password "
	idx := strings.Index(body, marker)
	if idx < 0 {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	password := body[idx+len(marker):]
	if cut := strings.IndexAny(password, ", "); cut >= 0 {
		password = password[:cut]
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func TestRejectDoesNotCreateLogin(t *testing.T) {
	repo := &mockInstitutionRepo{institutions: map[string]*models.Institution{"inst-1": pendingInstitution()}}
	users := &mockUserWriter{}
	svc := NewInstitutionService(repo, users, &fakeSender{}, nil, zap.NewNop())

	inst, err := svc.Review(context.Background(), "inst-1", "admin-1", ReviewInstitutionRequest{Approve: false, Note: "CR number could not be verified"})
	require.NoError(t, err)
	assert.Equal(t, models.InstitutionRejected, inst.Status)
	assert.Nil(t, users.created)
}

func TestReviewTwiceIsConflict(t *testing.T) {
	inst := pendingInstitution()
	inst.Status = models.InstitutionApproved
	repo := &mockInstitutionRepo{institutions: map[string]*models.Institution{"inst-1": inst}}
	svc := NewInstitutionService(repo, &mockUserWriter{}, &fakeSender{}, nil, zap.NewNop())

	_, err := svc.Review(context.Background(), "inst-1", "admin-1", ReviewInstitutionRequest{Approve: true})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestApproveSkipsExistingLogin(t *testing.T) {
	repo := &mockInstitutionRepo{institutions: map[string]*models.Institution{"inst-1": pendingInstitution()}}
	users := &mockUserWriter{users: map[string]*models.User{
		"huda@rp.example.sa": {ID: "user-9", Email: "huda@rp.example.sa"},
	}}
	sender := &fakeSender{}
	svc := NewInstitutionService(repo, users, sender, nil, zap.NewNop())

	_, err := svc.Review(context.Background(), "inst-1", "admin-1", ReviewInstitutionRequest{Approve: true})
	require.NoError(t, err)
	assert.Nil(t, users.created)
	assert.Empty(t, sender.sent)
}
