package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrfriendly-bv/wilford/storage"
)

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	s := New(time.Now)
	ctx := context.Background()

	u1 := storage.User{UserID: "u1", Name: "Alice", Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, u1))

	u2 := storage.User{UserID: "u2", Name: "Alice Clone", Email: "alice@example.com"}
	err := s.CreateUser(ctx, u2)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestAuthorizePendingAuthorizationRejectsDoubleAuthorize(t *testing.T) {
	s := New(time.Now)
	ctx := context.Background()

	p := storage.PendingAuthorization{ID: "p1", ClientID: "c1", CreatedAt: time.Now().Unix()}
	require.NoError(t, s.CreatePendingAuthorization(ctx, p))

	require.NoError(t, s.AuthorizePendingAuthorization(ctx, "p1", "u1"))

	err := s.AuthorizePendingAuthorization(ctx, "p1", "u2")
	require.ErrorIs(t, err, storage.ErrAlreadyAuthorized)

	got, err := s.GetPendingAuthorization(ctx, "p1")
	require.NoError(t, err)
	require.True(t, got.Authorized())
	require.Equal(t, "u1", *got.UserID)
}

func TestConsumePendingAndIssueCodeRemovesPending(t *testing.T) {
	s := New(time.Now)
	ctx := context.Background()

	p := storage.PendingAuthorization{ID: "p1", ClientID: "c1", Scopes: []string{"openid"}, CreatedAt: time.Now().Unix()}
	require.NoError(t, s.CreatePendingAuthorization(ctx, p))
	require.NoError(t, s.AuthorizePendingAuthorization(ctx, "p1", "u1"))

	code, err := s.ConsumePendingAndIssueCode(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "c1", code.ClientID)
	require.Equal(t, "u1", code.UserID)

	_, err = s.GetPendingAuthorization(ctx, "p1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumePendingAndIssueCodeRequiresAuthorized(t *testing.T) {
	s := New(time.Now)
	ctx := context.Background()

	p := storage.PendingAuthorization{ID: "p1", ClientID: "c1", CreatedAt: time.Now().Unix()}
	require.NoError(t, s.CreatePendingAuthorization(ctx, p))

	_, err := s.ConsumePendingAndIssueCode(ctx, "p1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeCodeAndIssueTokenPair(t *testing.T) {
	s := New(time.Now)
	ctx := context.Background()

	p := storage.PendingAuthorization{ID: "p1", ClientID: "c1", Scopes: []string{"openid"}, CreatedAt: time.Now().Unix()}
	require.NoError(t, s.CreatePendingAuthorization(ctx, p))
	require.NoError(t, s.AuthorizePendingAuthorization(ctx, "p1", "u1"))
	code, err := s.ConsumePendingAndIssueCode(ctx, "p1")
	require.NoError(t, err)

	at, rt, err := s.ConsumeCodeAndIssueTokenPair(ctx, code.Code)
	require.NoError(t, err)
	require.Equal(t, "u1", at.UserID)
	require.Equal(t, "u1", rt.UserID)
	require.NotEmpty(t, at.Token)
	require.NotEmpty(t, rt.Token)

	_, err = s.GetAuthorizationCode(ctx, code.Code)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetEmailRequiresVerifiedAddress(t *testing.T) {
	s := New(time.Now)
	ctx := context.Background()

	u := storage.User{UserID: "u1", Name: "Alice", Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, u))

	err := s.UpdateEmail(ctx, "u1", "new@example.com", storage.UserEmailVerification{
		UserID: "u1", Address: "new@example.com", VerificationCode: "abc123",
	})
	require.NoError(t, err)

	err = s.SetEmail(ctx, "u1", "new@example.com")
	require.ErrorIs(t, err, storage.ErrNoEmail)

	require.NoError(t, s.SetUserEmailVerified(ctx, "u1", "new@example.com", true))
	require.NoError(t, s.SetEmail(ctx, "u1", "new@example.com"))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "new@example.com", got.Email)
}

func TestCascadeDeleteUserRemovesAllData(t *testing.T) {
	s := New(time.Now)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, storage.User{UserID: "u1", Name: "Alice", Email: "alice@example.com"}))
	require.NoError(t, s.CreateUserCredentials(ctx, storage.UserCredentials{UserID: "u1", PasswordHash: "hash"}))
	require.NoError(t, s.AddPermittedScope(ctx, "u1", "wilford.manage"))
	require.NoError(t, s.CreateUserEmail(ctx, storage.UserEmail{UserID: "u1", Address: "alice@example.com", Verified: true}))

	require.NoError(t, s.CascadeDeleteUser(ctx, "u1"))

	_, err := s.GetUser(ctx, "u1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetUserCredentials(ctx, "u1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	scopes, err := s.ListPermittedScopes(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, scopes)
}

func TestReapPendingAuthorizations(t *testing.T) {
	now := time.Now()
	s := New(func() time.Time { return now })
	ctx := context.Background()

	stale := storage.PendingAuthorization{ID: "stale", ClientID: "c1", CreatedAt: now.Add(-time.Hour).Unix()}
	fresh := storage.PendingAuthorization{ID: "fresh", ClientID: "c1", CreatedAt: now.Unix()}
	require.NoError(t, s.CreatePendingAuthorization(ctx, stale))
	require.NoError(t, s.CreatePendingAuthorization(ctx, fresh))

	n, err := s.ReapPendingAuthorizations(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.GetPendingAuthorization(ctx, "stale")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetPendingAuthorization(ctx, "fresh")
	require.NoError(t, err)
}

func TestGetInternalClient(t *testing.T) {
	s := New(time.Now)
	ctx := context.Background()

	_, err := s.GetInternalClient(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CreateClient(ctx, storage.Client{ClientID: "c1", Name: "ordinary"}))
	_, err = s.GetInternalClient(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CreateClient(ctx, storage.Client{ClientID: "c2", Name: "Wilford", IsInternal: true}))
	internal, err := s.GetInternalClient(ctx)
	require.NoError(t, err)
	require.Equal(t, "c2", internal.ClientID)
}
