// Package local implements the self-contained authorization.Provider backed
// entirely by Wilford's own storage: bcrypt password hashes, local
// registration and an independent email-change flow.
package local

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/storage"
)

// bcryptCost is kept at or above 10. golang.org/x/crypto/bcrypt writes its
// hashes with the $2a$ version prefix; no $2b$ hashes are produced.
const bcryptCost = 12

type Provider struct {
	store storage.Storage
}

func New(store storage.Storage) *Provider {
	return &Provider{store: store}
}

var _ authorization.Provider = (*Provider)(nil)

func (p *Provider) ValidateCredentials(ctx context.Context, cred authorization.Credentials) (authorization.ValidationResult, error) {
	user, err := p.store.GetUserByEmail(ctx, cred.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return authorization.ValidationResult{}, authorization.NewError(authorization.InvalidCredentials, nil)
		}
		return authorization.ValidationResult{}, authorization.WidenOther(err)
	}
	creds, err := p.store.GetUserCredentials(ctx, user.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return authorization.ValidationResult{}, authorization.NewError(authorization.InvalidCredentials, nil)
		}
		return authorization.ValidationResult{}, authorization.WidenOther(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(cred.Password)); err != nil {
		return authorization.ValidationResult{}, authorization.NewError(authorization.InvalidCredentials, nil)
	}
	return authorization.ValidationResult{
		User:                  user,
		RequirePasswordChange: creds.ChangeRequired,
	}, nil
}

func (p *Provider) SupportsPasswordChange() bool { return true }

func (p *Provider) SetPassword(ctx context.Context, userID, newPassword string, requireChange bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcryptCost)
	if err != nil {
		return authorization.WidenOther(err)
	}
	if err := p.store.UpdateUserCredentials(ctx, userID, string(hash), requireChange); err != nil {
		return authorization.WidenOther(err)
	}
	return nil
}

func (p *Provider) SupportsRegistration() bool { return true }

// RegisterUser runs the local registration sequence: generate a user id,
// insert User, an unverified UserEmail plus a fresh UserEmailVerification,
// then UserCredentials with change_required=false.
func (p *Provider) RegisterUser(ctx context.Context, reg authorization.Registration) (storage.User, error) {
	if _, err := p.store.GetUserByEmail(ctx, reg.Email); err == nil {
		return storage.User{}, authorization.NewError(authorization.AlreadyExists, nil)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, authorization.WidenOther(err)
	}

	locale := reg.Locale
	if locale == "" {
		locale = storage.LocaleEn
	}
	user := storage.User{
		UserID:  storage.NewUserID(),
		Name:    reg.Name,
		Email:   reg.Email,
		IsAdmin: reg.IsAdmin,
		Locale:  locale,
	}
	if err := p.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return storage.User{}, authorization.NewError(authorization.AlreadyExists, nil)
		}
		return storage.User{}, authorization.WidenOther(err)
	}
	if err := p.store.CreateUserEmail(ctx, storage.UserEmail{
		UserID:  user.UserID,
		Address: reg.Email,
	}); err != nil {
		return storage.User{}, authorization.WidenOther(err)
	}
	if err := p.store.CreateUserEmailVerification(ctx, storage.UserEmailVerification{
		UserID:           user.UserID,
		Address:          reg.Email,
		VerificationCode: storage.NewToken(),
	}); err != nil {
		return storage.User{}, authorization.WidenOther(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcryptCost)
	if err != nil {
		return storage.User{}, authorization.WidenOther(err)
	}
	if err := p.store.CreateUserCredentials(ctx, storage.UserCredentials{
		UserID:         user.UserID,
		PasswordHash:   string(hash),
		ChangeRequired: false,
	}); err != nil {
		return storage.User{}, authorization.WidenOther(err)
	}
	return user, nil
}

func (p *Provider) SupportsEmailChange() bool { return true }

// SetEmail delegates to the commit phase of the email-change flow: the
// caller (user.Service) already drove the update/verify steps, so by the
// time this runs addr has a verified UserEmail row.
func (p *Provider) SetEmail(ctx context.Context, userID, newEmail string) error {
	if err := p.store.SetEmail(ctx, userID, newEmail); err != nil {
		return authorization.WidenOther(err)
	}
	return nil
}

func (p *Provider) SupportsNameChange() bool { return true }

func (p *Provider) SetName(ctx context.Context, userID, newName string) error {
	err := p.store.UpdateUser(ctx, userID, func(u storage.User) (storage.User, error) {
		u.Name = newName
		return u, nil
	})
	if err != nil {
		return authorization.WidenOther(err)
	}
	return nil
}
