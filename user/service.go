// Package user implements the account-lifecycle operations layered on top
// of authorization.Provider and storage.Storage: the three-step email
// change, the silent-success forgotten-password flow, and scope
// administration.
package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/mail"
	"github.com/mrfriendly-bv/wilford/storage"
)

type Service struct {
	store    storage.Storage
	provider authorization.Provider
	mailer   mail.Mailer
	logger   logrus.FieldLogger

	emailVerificationLinkBase string
}

func NewService(store storage.Storage, provider authorization.Provider, mailer mail.Mailer, emailVerificationLinkBase string, logger logrus.FieldLogger) *Service {
	return &Service{
		store:                     store,
		provider:                  provider,
		mailer:                    mailer,
		emailVerificationLinkBase: emailVerificationLinkBase,
		logger:                    logger,
	}
}

// BeginEmailChange inserts the unverified UserEmail row and its verification
// code in one transaction, then dispatches the verification link if a
// mailer is configured.
func (s *Service) BeginEmailChange(ctx context.Context, userID, newAddress string) error {
	if !s.provider.SupportsEmailChange() {
		return authorization.NewError(authorization.UnsupportedOperation, nil)
	}
	verification := storage.UserEmailVerification{
		UserID:           userID,
		Address:          newAddress,
		VerificationCode: storage.NewToken(),
	}
	if err := s.store.UpdateEmail(ctx, userID, newAddress, verification); err != nil {
		return err
	}

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if s.mailer == nil {
		s.logger.WithFields(logrus.Fields{"user_id": userID, "address": newAddress, "verification_code": verification.VerificationCode}).
			Info("no mail transport configured, logging verification code instead")
		return nil
	}
	link := fmt.Sprintf("%s?code=%s&user_id=%s", s.emailVerificationLinkBase, verification.VerificationCode, userID)
	if err := s.mailer.SendVerificationEmail(newAddress, u.Name, link, u.Locale); err != nil {
		s.logger.WithError(err).Warn("failed to send verification email")
	}
	return nil
}

// VerifyEmail resolves the code to an address, marks it verified, then
// burns the code so it cannot be reused. It returns the resolved address so
// callers can commit it without re-deriving which of a user's possibly
// several pending addresses the code actually belonged to.
func (s *Service) VerifyEmail(ctx context.Context, userID, code string) (string, error) {
	v, err := s.store.GetVerificationByCode(ctx, userID, code)
	if err != nil {
		return "", err
	}
	if err := s.store.SetUserEmailVerified(ctx, userID, v.Address, true); err != nil {
		return "", err
	}
	if err := s.store.RemoveEmailVerificationCode(ctx, userID, v.Address, code); err != nil {
		return "", err
	}
	return v.Address, nil
}

// CommitEmail promotes a verified address to the user's current one; only
// a verified address may be committed.
func (s *Service) CommitEmail(ctx context.Context, userID, address string) error {
	if err := s.provider.SetEmail(ctx, userID, address); err != nil {
		return err
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil
	}
	if s.mailer != nil {
		if err := s.mailer.SendEmailChangedNotice(u.Email, u.Name, u.Locale); err != nil {
			s.logger.WithError(err).Warn("failed to send email-changed notice")
		}
	}
	return nil
}

// ForgottenPassword never reveals whether the address exists: the caller
// always sees success. Internally, a missing user or an unsupported
// provider are both treated as "nothing to do."
func (s *Service) ForgottenPassword(ctx context.Context, email string) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.WithError(err).Warn("forgotten-password lookup failed")
		}
		return
	}
	if !s.provider.SupportsPasswordChange() {
		return
	}
	tmp := storage.NewTemporaryPassword()
	if err := s.provider.SetPassword(ctx, u.UserID, tmp, true); err != nil {
		s.logger.WithError(err).Warn("failed to set temporary password")
		return
	}
	if s.mailer == nil {
		s.logger.WithFields(logrus.Fields{"user_id": u.UserID, "temporary_password": tmp}).
			Info("no mail transport configured, logging temporary password instead")
		return
	}
	if err := s.mailer.SendTemporaryPassword(u.Email, u.Name, tmp, u.Locale); err != nil {
		s.logger.WithError(err).Warn("failed to dispatch temporary password")
	}
}

// AddPermittedScope and friends require the caller to already hold
// scope.ManageScope; that check happens in the HTTP layer, not here.

func (s *Service) AddPermittedScope(ctx context.Context, userID, scope string) error {
	return s.store.AddPermittedScope(ctx, userID, scope)
}

func (s *Service) RemovePermittedScope(ctx context.Context, userID, scope string) error {
	return s.store.RemovePermittedScope(ctx, userID, scope)
}

func (s *Service) ListPermittedScopes(ctx context.Context, userID string) ([]string, error) {
	return s.store.ListPermittedScopes(ctx, userID)
}
