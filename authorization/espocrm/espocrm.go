// Package espocrm implements authorization.Provider by delegating credential
// validation and user lookup to an EspoCRM instance's user API, syncing the
// result into local storage via EspoCRM's header-based auth scheme.
package espocrm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrfriendly-bv/wilford/authorization"
	"github.com/mrfriendly-bv/wilford/storage"
)

type Config struct {
	Host string `json:"host"`
}

type Provider struct {
	host   string
	client *http.Client
	store  storage.Storage
	logger logrus.FieldLogger
}

func New(cfg Config, store storage.Storage, logger logrus.FieldLogger) *Provider {
	return &Provider{
		host:   cfg.Host,
		client: &http.Client{Timeout: 10 * time.Second},
		store:  store,
		logger: logger,
	}
}

var _ authorization.Provider = (*Provider)(nil)

type appUserResponse struct {
	User struct {
		ID       string `json:"id"`
		IsActive bool   `json:"isActive"`
	} `json:"user"`
}

type errorResponse struct {
	Message string `json:"message"`
}

type remoteUser struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	Type         string `json:"type"`
	IsActive     bool   `json:"isActive"`
}

// ValidateCredentials authenticates against GET /api/v1/App/user with HTTP
// Basic plus the Espo-Authorization* headers, then syncs the local User
// row from GET /api/v1/User/{id}.
func (p *Provider) ValidateCredentials(ctx context.Context, cred authorization.Credentials) (authorization.ValidationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/api/v1/App/user", nil)
	if err != nil {
		return authorization.ValidationResult{}, authorization.WidenOther(err)
	}
	req.SetBasicAuth(cred.Username, cred.Password)
	req.Header.Set("Espo-Authorization", base64.StdEncoding.EncodeToString([]byte(cred.Username+":"+cred.Password)))
	req.Header.Set("Espo-Authorization-By-Token", "false")
	req.Header.Set("Espo-Authorization-Create-Token-Secret", "true")
	if cred.Totp != "" {
		req.Header.Set("Espo-Authorization-Code", cred.Totp)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return authorization.ValidationResult{}, authorization.WidenOther(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body appUserResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return authorization.ValidationResult{}, authorization.WidenOther(err)
		}
		if !body.User.IsActive {
			return authorization.ValidationResult{}, authorization.NewError(authorization.InvalidCredentials, nil)
		}
		return p.syncUser(ctx, body.User.ID)
	case http.StatusUnauthorized:
		var body errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Message == "enterTotpCode" {
			return authorization.ValidationResult{}, authorization.NewError(authorization.TotpNeeded, nil)
		}
		return authorization.ValidationResult{}, authorization.NewError(authorization.InvalidCredentials, nil)
	default:
		p.logger.WithField("status", resp.StatusCode).Warn("espocrm: unexpected status validating credentials")
		return authorization.ValidationResult{}, authorization.NewError(authorization.InvalidCredentials, nil)
	}
}

// syncUser fetches the canonical remote record and reconciles it with the
// local row, creating it on first sight (locale defaults to Nl) and
// correcting is_admin/name drift.
func (p *Provider) syncUser(ctx context.Context, remoteID string) (authorization.ValidationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/api/v1/User/"+remoteID, nil)
	if err != nil {
		return authorization.ValidationResult{}, authorization.WidenOther(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return authorization.ValidationResult{}, authorization.WidenOther(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return authorization.ValidationResult{}, authorization.NewError(authorization.Other, fmt.Errorf("espocrm: user fetch status %d", resp.StatusCode))
	}
	var ru remoteUser
	if err := json.NewDecoder(resp.Body).Decode(&ru); err != nil {
		return authorization.ValidationResult{}, authorization.WidenOther(err)
	}

	isAdmin := ru.Type == "admin"
	user, err := p.store.GetUser(ctx, ru.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		user = storage.User{
			UserID:  ru.ID,
			Name:    ru.Name,
			Email:   ru.EmailAddress,
			IsAdmin: isAdmin,
			Locale:  storage.LocaleNl,
		}
		if err := p.store.CreateUser(ctx, user); err != nil {
			return authorization.ValidationResult{}, authorization.WidenOther(err)
		}
	case err != nil:
		return authorization.ValidationResult{}, authorization.WidenOther(err)
	default:
		if user.IsAdmin != isAdmin || user.Name != ru.Name {
			err := p.store.UpdateUser(ctx, ru.ID, func(u storage.User) (storage.User, error) {
				u.IsAdmin = isAdmin
				u.Name = ru.Name
				return u, nil
			})
			if err != nil {
				return authorization.ValidationResult{}, authorization.WidenOther(err)
			}
			user.IsAdmin = isAdmin
			user.Name = ru.Name
		}
	}

	return authorization.ValidationResult{User: user, RequirePasswordChange: false}, nil
}

func (p *Provider) SupportsPasswordChange() bool { return false }

func (p *Provider) SetPassword(ctx context.Context, userID, newPassword string, requireChange bool) error {
	return authorization.NewError(authorization.UnsupportedOperation, nil)
}

func (p *Provider) SupportsRegistration() bool { return false }

func (p *Provider) RegisterUser(ctx context.Context, reg authorization.Registration) (storage.User, error) {
	return storage.User{}, authorization.NewError(authorization.UnsupportedOperation, nil)
}

func (p *Provider) SupportsEmailChange() bool { return false }

func (p *Provider) SetEmail(ctx context.Context, userID, newEmail string) error {
	return authorization.NewError(authorization.UnsupportedOperation, nil)
}

func (p *Provider) SupportsNameChange() bool { return false }

func (p *Provider) SetName(ctx context.Context, userID, newName string) error {
	return authorization.NewError(authorization.UnsupportedOperation, nil)
}
