// Package storage defines the durable state Wilford manages: users, OAuth
// clients, pending authorizations, issued tokens and the credential and
// scope-grant rows the authorization-provider and user-lifecycle layers
// operate on.
//
// Implementations are required to perform the composite operations
// (ConsumePendingAndIssueCode, ConsumeCodeAndIssueTokenPair, ...) as a
// single transaction: a concurrent reader must observe either the pre- or
// post-state, never a partial one.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by storage implementations when a lookup misses.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a create would violate a uniqueness
// invariant (duplicate client_id, duplicate user/email pair, ...).
var ErrAlreadyExists = errors.New("already exists")

// ErrAlreadyAuthorized is returned by AuthorizePendingAuthorization when the
// pending record's user_id is already set. The transition from Unauthorized
// to Authorized may happen at most once.
var ErrAlreadyAuthorized = errors.New("pending authorization already authorized")

// ErrNoEmail is returned by SetEmail when the caller's address has no
// verified UserEmail row.
var ErrNoEmail = errors.New("no verified email on file for that address")

// Locale is the end user's preferred display language.
type Locale string

const (
	LocaleEn Locale = "En"
	LocaleNl Locale = "Nl"
)

// PendingAuthorizationType mirrors the OAuth2 response_type the pending
// authorization was opened for.
type PendingAuthorizationType string

const (
	PendingAuthorizationCode        PendingAuthorizationType = "AuthorizationCode"
	PendingAuthorizationImplicit    PendingAuthorizationType = "Implicit"
	PendingAuthorizationIDToken     PendingAuthorizationType = "IdToken"
)

// User is an end user known to the identity/authorization engine.
type User struct {
	UserID  string
	Name    string
	Email   string
	IsAdmin bool
	Locale  Locale
}

// UserEmail is one row per address ever registered to a user. History is
// retained across email changes.
type UserEmail struct {
	UserID       string
	Address      string
	RegisteredAt int64
	Verified     bool
}

// UserEmailVerification is a short-lived pending verification code for an
// address. At most one pending code may exist per (user_id, address).
type UserEmailVerification struct {
	UserID           string
	Address          string
	VerificationCode string
}

// UserCredentials holds the locally-managed bcrypt password hash. Present
// only for users authenticated through the Local provider.
type UserCredentials struct {
	UserID         string
	PasswordHash   string
	ChangeRequired bool
}

// UserPermittedScope is one scope string an administrator has granted a
// user the right to request during authorization.
type UserPermittedScope struct {
	UserID string
	Scope  string
}

// Client is a registered OAuth2 client ("relying party").
type Client struct {
	ClientID     string
	ClientSecret string
	Name         string
	RedirectURI  string
	IsInternal   bool
}

// PendingAuthorization models a two-state sum: Unauthorized (UserID == nil)
// transitions at most once to Authorized (UserID != nil). Keep the
// discriminator in the database column, not application memory.
type PendingAuthorization struct {
	ID        string
	ClientID  string
	Scopes    []string
	State     string
	Nonce     string
	Type      PendingAuthorizationType
	UserID    *string
	CreatedAt int64
}

// Authorized reports whether the end user has completed login for this
// pending authorization.
func (p *PendingAuthorization) Authorized() bool {
	return p.UserID != nil
}

// AuthorizationCode is a single-use, 10-minute-TTL credential exchanged at
// the token endpoint for an access/refresh token pair.
type AuthorizationCode struct {
	Code      string
	ClientID  string
	UserID    string
	Scopes    []string
	Nonce     string
	ExpiresAt int64
}

// Expired reports whether the code's TTL has elapsed as of now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

// AccessToken is a 1-hour-TTL bearer credential.
type AccessToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scopes    []string
	IssuedAt  int64
	ExpiresAt int64
}

// Expired reports whether the access token's TTL has elapsed as of now.
func (a *AccessToken) Expired(now time.Time) bool {
	return now.Unix() >= a.ExpiresAt
}

// RefreshToken is a long-lived credential with no expiry column; it lives
// until the owning user is deleted.
type RefreshToken struct {
	Token    string
	ClientID string
	UserID   string
	Scopes   []string
}

// ConstantAccessToken is a manually-created, manually-revoked bearer
// credential for machine callers that bypasses the OAuth flow.
type ConstantAccessToken struct {
	Name  string
	Token string
}

// Storage is the durable store the rest of Wilford runs against. All
// mutations that touch more than one table are performed atomically by the
// implementation.
type Storage interface {
	Close() error

	// Users
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, userID string, updater func(User) (User, error)) error
	// CascadeDeleteUser removes every row referring to userID — access
	// tokens, authorization codes, pending authorizations, refresh tokens,
	// credentials, permitted scopes, email verifications, email history,
	// then the user row itself — in that order, in one transaction.
	CascadeDeleteUser(ctx context.Context, userID string) error

	// Email history / verification
	CreateUserEmail(ctx context.Context, e UserEmail) error
	GetUserEmail(ctx context.Context, userID, address string) (UserEmail, error)
	ListUserEmails(ctx context.Context, userID string) ([]UserEmail, error)
	SetUserEmailVerified(ctx context.Context, userID, address string, verified bool) error
	CreateUserEmailVerification(ctx context.Context, v UserEmailVerification) error
	GetVerificationByCode(ctx context.Context, userID, code string) (UserEmailVerification, error)
	RemoveEmailVerificationCode(ctx context.Context, userID, address, code string) error
	// UpdateEmail atomically inserts an unverified UserEmail row plus its
	// verification record.
	UpdateEmail(ctx context.Context, userID, newAddress string, verification UserEmailVerification) error
	// SetEmail commits addr as the user's current address. Fails with
	// ErrNoEmail unless a verified UserEmail row for (userID, addr) exists.
	SetEmail(ctx context.Context, userID, addr string) error

	// Credentials
	CreateUserCredentials(ctx context.Context, c UserCredentials) error
	GetUserCredentials(ctx context.Context, userID string) (UserCredentials, error)
	UpdateUserCredentials(ctx context.Context, userID, passwordHash string, changeRequired bool) error

	// Permitted scopes
	AddPermittedScope(ctx context.Context, userID, scope string) error
	RemovePermittedScope(ctx context.Context, userID, scope string) error
	ListPermittedScopes(ctx context.Context, userID string) ([]string, error)

	// Clients
	CreateClient(ctx context.Context, c Client) error
	GetClient(ctx context.Context, clientID string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	DeleteClient(ctx context.Context, clientID string) error
	GetInternalClient(ctx context.Context) (Client, error)

	// Pending authorizations
	CreatePendingAuthorization(ctx context.Context, p PendingAuthorization) error
	GetPendingAuthorization(ctx context.Context, id string) (PendingAuthorization, error)
	// AuthorizePendingAuthorization sets user_id, transitioning Unauthorized
	// -> Authorized. Returns ErrAlreadyAuthorized if user_id was already set.
	AuthorizePendingAuthorization(ctx context.Context, id, userID string) error
	DeletePendingAuthorization(ctx context.Context, id string) error

	// Authorization codes
	GetAuthorizationCode(ctx context.Context, code string) (AuthorizationCode, error)
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// Access / refresh tokens
	GetAccessTokenByToken(ctx context.Context, token string) (AccessToken, error)
	ValidateAccessTokenForClient(ctx context.Context, token, clientID string) (AccessToken, error)
	GetRefreshToken(ctx context.Context, token string) (RefreshToken, error)

	// Constant access tokens
	CreateConstantAccessToken(ctx context.Context, t ConstantAccessToken) error
	GetConstantAccessTokenByToken(ctx context.Context, token string) (ConstantAccessToken, error)
	ListConstantAccessTokens(ctx context.Context) ([]ConstantAccessToken, error)
	DeleteConstantAccessToken(ctx context.Context, token string) error

	// Composite operations (§4.A). Each is one transaction.
	ConsumePendingAndIssueCode(ctx context.Context, pendingID string) (AuthorizationCode, error)
	ConsumePendingAndIssueAccess(ctx context.Context, pendingID string, ttl time.Duration) (AccessToken, error)
	ConsumeCodeAndIssueTokenPair(ctx context.Context, code string) (AccessToken, RefreshToken, error)
	RefreshAccessToken(ctx context.Context, refreshToken string, ttl time.Duration) (AccessToken, error)

	// ReapPendingAuthorizations deletes pending authorizations older than
	// maxAge (Open question 2); returns the number of rows removed.
	ReapPendingAuthorizations(ctx context.Context, maxAge time.Duration) (int64, error)
}
