package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
)

type mockAuthRepo struct {
	users         map[string]*models.User
	refreshTokens map[string]*models.RefreshToken
	revokedAllFor []string
	auditLogs     []models.AuditLog
	passwordHash  map[string]string
}

func newMockAuthRepo() *mockAuthRepo {
	return &mockAuthRepo{
		users:         map[string]*models.User{},
		refreshTokens: map[string]*models.RefreshToken{},
		passwordHash:  map[string]string{},
	}
}

func (m *mockAuthRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockAuthRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return u, nil
}

func (m *mockAuthRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	if u, ok := m.users[id]; ok {
		u.LastLogin = &ts
	}
	return nil
}

func (m *mockAuthRepo) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	if u, ok := m.users[id]; ok {
		u.PasswordHash = passwordHash
	}
	m.passwordHash[id] = passwordHash
	return nil
}

func (m *mockAuthRepo) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	m.revokedAllFor = append(m.revokedAllFor, userID)
	for _, t := range m.refreshTokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *mockAuthRepo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	m.refreshTokens[token.Token] = token
	return nil
}

func (m *mockAuthRepo) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	t, ok := m.refreshTokens[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return t, nil
}

func (m *mockAuthRepo) RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error {
	for _, t := range m.refreshTokens {
		if t.ID == id {
			t.Revoked = true
			t.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (m *mockAuthRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, *log)
	return nil
}

func testAuthConfig() AuthConfig {
	return AuthConfig{
		AccessTokenSecret:  "test-secret-0123456789",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "certsouq-api",
		Audience:           []string{"certsouq"},
	}
}

func seedUser(t *testing.T, repo *mockAuthRepo, password string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	instID := "inst-1"
	user := &models.User{
		ID:            "user-1",
		Email:         "huda@rp.example.sa",
		PasswordHash:  string(hash),
		FullName:      "Huda Al-Qahtani",
		Role:          models.RoleInstitution,
		InstitutionID: &instID,
		Active:        true,
	}
	repo.users[user.ID] = user
	return user
}

func TestLoginIssuesTokenPair(t *testing.T) {
	repo := newMockAuthRepo()
	seedUser(t, repo, "correct-horse-battery")
	svc := NewAuthService(repo, nil, zap.NewNop(), testAuthConfig())

	resp, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "huda@rp.example.sa",
		Password: "correct-horse-battery",
		IP:       "10.0.0.7",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, int64(900), resp.ExpiresIn)
	require.NotNil(t, resp.User.InstitutionID)
	assert.Equal(t, "inst-1", *resp.User.InstitutionID)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, models.RoleInstitution, claims.Role)

	require.Contains(t, repo.refreshTokens, resp.RefreshToken)
	assert.Equal(t, "10.0.0.7", repo.refreshTokens[resp.RefreshToken].IPAddress)
	require.Len(t, repo.auditLogs, 1)
	assert.Equal(t, models.AuditActionLogin, repo.auditLogs[0].Action)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	repo := newMockAuthRepo()
	seedUser(t, repo, "correct-horse-battery")
	svc := NewAuthService(repo, nil, zap.NewNop(), testAuthConfig())

	_, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "huda@rp.example.sa",
		Password: "wrong",
	})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErr.Code)
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	repo := newMockAuthRepo()
	user := seedUser(t, repo, "correct-horse-battery")
	user.Active = false
	svc := NewAuthService(repo, nil, zap.NewNop(), testAuthConfig())

	_, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "huda@rp.example.sa",
		Password: "correct-horse-battery",
	})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, appErr.Code)
}

func TestLoginSingleSessionRevokesPriorTokens(t *testing.T) {
	repo := newMockAuthRepo()
	seedUser(t, repo, "correct-horse-battery")
	cfg := testAuthConfig()
	cfg.SingleSession = true
	svc := NewAuthService(repo, nil, zap.NewNop(), cfg)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "huda@rp.example.sa", Password: "correct-horse-battery"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, repo.revokedAllFor)
}

func TestRefreshRotatesToken(t *testing.T) {
	repo := newMockAuthRepo()
	seedUser(t, repo, "correct-horse-battery")
	svc := NewAuthService(repo, nil, zap.NewNop(), testAuthConfig())

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: "huda@rp.example.sa", Password: "correct-horse-battery"})
	require.NoError(t, err)

	resp, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEqual(t, login.RefreshToken, resp.RefreshToken)
	assert.True(t, repo.refreshTokens[login.RefreshToken].Revoked)

	// the spent token cannot be used again
	_, err = svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErr.Code)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	repo := newMockAuthRepo()
	seedUser(t, repo, "correct-horse-battery")
	repo.refreshTokens["stale"] = &models.RefreshToken{
		ID: "rt-1", UserID: "user-1", Token: "stale",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	svc := NewAuthService(repo, nil, zap.NewNop(), testAuthConfig())

	_, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: "stale"})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErr.Code)
}

func TestLogoutRequiresTokenOwnership(t *testing.T) {
	repo := newMockAuthRepo()
	seedUser(t, repo, "correct-horse-battery")
	repo.refreshTokens["other"] = &models.RefreshToken{
		ID: "rt-9", UserID: "user-9", Token: "other",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	svc := NewAuthService(repo, nil, zap.NewNop(), testAuthConfig())

	err := svc.Logout(context.Background(), "other", "user-1", models.LoginRequest{})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	repo := newMockAuthRepo()
	user := seedUser(t, repo, "correct-horse-battery")
	svc := NewAuthService(repo, nil, zap.NewNop(), testAuthConfig())

	err := svc.ChangePassword(context.Background(), "user-1", models.ChangePasswordRequest{
		OldPassword: "correct-horse-battery",
		NewPassword: "entirely-new-secret",
	})
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("entirely-new-secret")))
	assert.Equal(t, []string{"user-1"}, repo.revokedAllFor)

	var actions []string
	for _, log := range repo.auditLogs {
		actions = append(actions, log.Action)
	}
	assert.Contains(t, actions, models.AuditActionPasswordChange)
}

func TestChangePasswordRejectsWrongOldPassword(t *testing.T) {
	repo := newMockAuthRepo()
	seedUser(t, repo, "correct-horse-battery")
	svc := NewAuthService(repo, nil, zap.NewNop(), testAuthConfig())

	err := svc.ChangePassword(context.Background(), "user-1", models.ChangePasswordRequest{
		OldPassword: "not-the-old-one",
		NewPassword: "entirely-new-secret",
	})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	repo := newMockAuthRepo()
	seedUser(t, repo, "correct-horse-battery")
	svc := NewAuthService(repo, nil, zap.NewNop(), testAuthConfig())

	login, err := svc.Login(context.Background(), models.LoginRequest{Email: "huda@rp.example.sa", Password: "correct-horse-battery"})
	require.NoError(t, err)

	otherCfg := testAuthConfig()
	otherCfg.AccessTokenSecret = "a-different-secret"
	other := NewAuthService(repo, nil, zap.NewNop(), otherCfg)
	_, err = other.ValidateToken(login.AccessToken)
	require.Error(t, err)
}
