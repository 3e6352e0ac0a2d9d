// Package authorization defines the capability-typed credential backend
// abstraction Wilford's protocol engine holds polymorphically. Two variants
// implement it: local (self-contained, bcrypt) and espocrm (delegates to a
// remote CRM's user API): one interface, several swappable backends, with
// a fixed error taxonomy rather than a backend-defined one.
package authorization

import (
	"context"
	"errors"

	"github.com/mrfriendly-bv/wilford/storage"
)

// Kind discriminates the fixed error taxonomy every backend must report
// through. A backend-specific failure that doesn't fit elsewhere is Other.
type Kind int

const (
	InvalidCredentials Kind = iota
	TotpNeeded
	UnsupportedOperation
	AlreadyExists
	Other
)

func (k Kind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid_credentials"
	case TotpNeeded:
		return "totp_needed"
	case UnsupportedOperation:
		return "unsupported_operation"
	case AlreadyExists:
		return "already_exists"
	default:
		return "other"
	}
}

// Error is the error type every Provider method returns. Cause carries the
// backend-specific detail when Kind is Other; it is never shown to callers
// outside this package and the handlers that translate it to apierror.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Cause.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(k Kind, cause error) *Error { return &Error{Kind: k, Cause: cause} }

// WidenOther rewraps a backend-specific error as Kind Other, preserving any
// other Kind the backend already classified it as. Backends call this at
// their boundary so a caller holding a Provider never needs backend
// knowledge to interpret the result.
func WidenOther(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newErr(Other, err)
}

func NewError(k Kind, cause error) error { return newErr(k, cause) }

// Credentials is the input to ValidateCredentials.
type Credentials struct {
	Username string
	Password string
	Totp     string
}

// ValidationResult is returned on successful credential validation.
type ValidationResult struct {
	User                 storage.User
	RequirePasswordChange bool
}

// Registration is the input to RegisterUser.
type Registration struct {
	Name     string
	Email    string
	Password string
	IsAdmin  bool
	Locale   storage.Locale
}

// Provider is the capability-typed interface every credential backend
// implements: every operation is always present, but Supports* reports
// whether calling the corresponding mutator does anything beyond returning
// UnsupportedOperation.
type Provider interface {
	ValidateCredentials(ctx context.Context, cred Credentials) (ValidationResult, error)

	SupportsPasswordChange() bool
	SetPassword(ctx context.Context, userID, newPassword string, requireChange bool) error

	SupportsRegistration() bool
	RegisterUser(ctx context.Context, reg Registration) (storage.User, error)

	SupportsEmailChange() bool
	SetEmail(ctx context.Context, userID, newEmail string) error

	SupportsNameChange() bool
	SetName(ctx context.Context, userID, newName string) error
}
