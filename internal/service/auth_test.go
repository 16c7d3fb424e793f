package service_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository/mocks"
	"github.com/opencloud-community/ot-controller-sub009/internal/service"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestAuthService_Authenticate_Success(t *testing.T) {
	// Arrange
	mockUsers := new(mocks.UserRepository)
	auth := service.NewAuthService(mockUsers, "test-secret", testLogger())
	ctx := context.Background()

	token, err := auth.MintToken("oidc|alice", "alice@example.com", "Alice", time.Hour)
	require.NoError(t, err)

	userInDB := &domain.User{
		ID:          "u1",
		Subject:     "oidc|alice",
		Email:       "alice@example.com",
		DisplayName: "Alice",
	}
	mockUsers.On("FindBySubject", ctx, "oidc|alice").Return(userInDB, nil).Once()

	// Act
	user, err := auth.Authenticate(ctx, token)

	// Assert
	assert.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, domain.UserID("u1"), user.ID)

	mockUsers.AssertExpectations(t)
	mockUsers.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestAuthService_Authenticate_CreatesUserOnFirstLogin(t *testing.T) {
	// Arrange
	mockUsers := new(mocks.UserRepository)
	auth := service.NewAuthService(mockUsers, "test-secret", testLogger())
	ctx := context.Background()

	token, err := auth.MintToken("oidc|newbie", "newbie@example.com", "Newbie", time.Hour)
	require.NoError(t, err)

	mockUsers.On("FindBySubject", ctx, "oidc|newbie").Return(nil, repository.ErrUserNotFound).Once()
	mockUsers.On("Save", ctx, mock.MatchedBy(func(user *domain.User) bool {
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, "oidc|newbie", user.Subject)
		assert.Equal(t, "newbie@example.com", user.Email)
		assert.Equal(t, "Newbie", user.DisplayName)
		return true
	})).Return(nil).Once()

	// Act
	user, err := auth.Authenticate(ctx, token)

	// Assert
	assert.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "oidc|newbie", user.Subject)

	mockUsers.AssertExpectations(t)
}

func TestAuthService_Authenticate_FirstLoginRace(t *testing.T) {
	// Two first logins race on the unique subject index; the loser reloads
	// the winner's row.
	mockUsers := new(mocks.UserRepository)
	auth := service.NewAuthService(mockUsers, "test-secret", testLogger())
	ctx := context.Background()

	token, err := auth.MintToken("oidc|racer", "", "Racer", time.Hour)
	require.NoError(t, err)

	winner := &domain.User{ID: "u9", Subject: "oidc|racer", DisplayName: "Racer"}
	mockUsers.On("FindBySubject", ctx, "oidc|racer").Return(nil, repository.ErrUserNotFound).Once()
	mockUsers.On("Save", ctx, mock.AnythingOfType("*domain.User")).Return(repository.ErrDuplicateEntry).Once()
	mockUsers.On("FindBySubject", ctx, "oidc|racer").Return(winner, nil).Once()

	user, err := auth.Authenticate(ctx, token)

	assert.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, domain.UserID("u9"), user.ID)

	mockUsers.AssertExpectations(t)
}

func TestAuthService_Authenticate_RefreshesProfile(t *testing.T) {
	mockUsers := new(mocks.UserRepository)
	auth := service.NewAuthService(mockUsers, "test-secret", testLogger())
	ctx := context.Background()

	token, err := auth.MintToken("oidc|alice", "new@example.com", "Alice Renamed", time.Hour)
	require.NoError(t, err)

	stale := &domain.User{ID: "u1", Subject: "oidc|alice", Email: "old@example.com", DisplayName: "Alice"}
	mockUsers.On("FindBySubject", ctx, "oidc|alice").Return(stale, nil).Once()
	mockUsers.On("Save", ctx, mock.MatchedBy(func(user *domain.User) bool {
		return user.Email == "new@example.com" && user.DisplayName == "Alice Renamed"
	})).Return(nil).Once()

	user, err := auth.Authenticate(ctx, token)

	assert.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "new@example.com", user.Email)

	mockUsers.AssertExpectations(t)
}

func TestAuthService_Authenticate_RejectsGarbageToken(t *testing.T) {
	mockUsers := new(mocks.UserRepository)
	auth := service.NewAuthService(mockUsers, "test-secret", testLogger())

	_, err := auth.Authenticate(context.Background(), "not-a-jwt")

	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrAuthenticationFailed)
	mockUsers.AssertNotCalled(t, "FindBySubject", mock.Anything, mock.Anything)
}

func TestAuthService_Authenticate_RejectsExpiredToken(t *testing.T) {
	mockUsers := new(mocks.UserRepository)
	auth := service.NewAuthService(mockUsers, "test-secret", testLogger())

	token, err := auth.MintToken("oidc|late", "", "Late", -time.Hour)
	require.NoError(t, err)

	_, err = auth.Authenticate(context.Background(), token)

	assert.ErrorIs(t, err, service.ErrAuthenticationFailed)
	mockUsers.AssertNotCalled(t, "FindBySubject", mock.Anything, mock.Anything)
}

func TestAuthService_Authenticate_RejectsForeignSignature(t *testing.T) {
	mockUsers := new(mocks.UserRepository)
	auth := service.NewAuthService(mockUsers, "test-secret", testLogger())
	other := service.NewAuthService(new(mocks.UserRepository), "different-secret", testLogger())

	token, err := other.MintToken("oidc|mallory", "", "Mallory", time.Hour)
	require.NoError(t, err)

	_, err = auth.Authenticate(context.Background(), token)

	assert.ErrorIs(t, err, service.ErrAuthenticationFailed)
	mockUsers.AssertNotCalled(t, "FindBySubject", mock.Anything, mock.Anything)
}

func TestAuthService_Authenticate_RejectsMissingSubject(t *testing.T) {
	mockUsers := new(mocks.UserRepository)
	auth := service.NewAuthService(mockUsers, "test-secret", testLogger())

	token, err := auth.MintToken("   ", "", "Nobody", time.Hour)
	require.NoError(t, err)

	_, err = auth.Authenticate(context.Background(), token)

	assert.ErrorIs(t, err, service.ErrAuthenticationFailed)
	mockUsers.AssertNotCalled(t, "FindBySubject", mock.Anything, mock.Anything)
}
