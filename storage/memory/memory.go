// Package memory provides an in-memory implementation of storage.Storage,
// used by the protocol-engine and user-lifecycle test suites so they don't
// require a live Postgres instance. A single mutex guards a set of maps,
// with composite operations implemented as one critical section each to
// satisfy the atomicity contract in storage.Storage's doc comment.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mrfriendly-bv/wilford/storage"
)

var _ storage.Storage = (*memStorage)(nil)

type emailKey struct{ userID, address string }

type memStorage struct {
	mu sync.Mutex

	now func() time.Time

	users       map[string]storage.User
	emails      map[emailKey]storage.UserEmail
	verifies    map[emailKey]storage.UserEmailVerification
	credentials map[string]storage.UserCredentials
	permitted   map[string]map[string]bool

	clients map[string]storage.Client

	pending map[string]storage.PendingAuthorization
	codes   map[string]storage.AuthorizationCode
	access  map[string]storage.AccessToken
	refresh map[string]storage.RefreshToken
	cats    map[string]storage.ConstantAccessToken
}

// New returns an empty in-memory store. now defaults to time.Now when nil.
func New(now func() time.Time) storage.Storage {
	if now == nil {
		now = time.Now
	}
	return &memStorage{
		now:         now,
		users:       make(map[string]storage.User),
		emails:      make(map[emailKey]storage.UserEmail),
		verifies:    make(map[emailKey]storage.UserEmailVerification),
		credentials: make(map[string]storage.UserCredentials),
		permitted:   make(map[string]map[string]bool),
		clients:     make(map[string]storage.Client),
		pending:     make(map[string]storage.PendingAuthorization),
		codes:       make(map[string]storage.AuthorizationCode),
		access:      make(map[string]storage.AccessToken),
		refresh:     make(map[string]storage.RefreshToken),
		cats:        make(map[string]storage.ConstantAccessToken),
	}
}

func (s *memStorage) Close() error { return nil }

func (s *memStorage) tx(f func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return f()
}

// --- Users ---

func (s *memStorage) CreateUser(_ context.Context, u storage.User) error {
	return s.tx(func() error {
		if _, ok := s.users[u.UserID]; ok {
			return storage.ErrAlreadyExists
		}
		for _, existing := range s.users {
			if existing.Email == u.Email {
				return storage.ErrAlreadyExists
			}
		}
		s.users[u.UserID] = u
		return nil
	})
}

func (s *memStorage) GetUser(_ context.Context, userID string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *memStorage) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *memStorage) ListUsers(_ context.Context) ([]storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *memStorage) UpdateUser(_ context.Context, userID string, updater func(storage.User) (storage.User, error)) error {
	return s.tx(func() error {
		u, ok := s.users[userID]
		if !ok {
			return storage.ErrNotFound
		}
		updated, err := updater(u)
		if err != nil {
			return err
		}
		s.users[userID] = updated
		return nil
	})
}

func (s *memStorage) CascadeDeleteUser(_ context.Context, userID string) error {
	return s.tx(func() error {
		if _, ok := s.users[userID]; !ok {
			return storage.ErrNotFound
		}
		for k, a := range s.access {
			if a.UserID == userID {
				delete(s.access, k)
			}
		}
		for k, c := range s.codes {
			if c.UserID == userID {
				delete(s.codes, k)
			}
		}
		for k, p := range s.pending {
			if p.UserID != nil && *p.UserID == userID {
				delete(s.pending, k)
			}
		}
		for k, r := range s.refresh {
			if r.UserID == userID {
				delete(s.refresh, k)
			}
		}
		delete(s.credentials, userID)
		delete(s.permitted, userID)
		for k := range s.verifies {
			if k.userID == userID {
				delete(s.verifies, k)
			}
		}
		for k := range s.emails {
			if k.userID == userID {
				delete(s.emails, k)
			}
		}
		delete(s.users, userID)
		return nil
	})
}

// --- Email history / verification ---

func (s *memStorage) CreateUserEmail(_ context.Context, e storage.UserEmail) error {
	return s.tx(func() error {
		k := emailKey{e.UserID, e.Address}
		if _, ok := s.emails[k]; ok {
			return storage.ErrAlreadyExists
		}
		s.emails[k] = e
		return nil
	})
}

func (s *memStorage) GetUserEmail(_ context.Context, userID, address string) (storage.UserEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[emailKey{userID, address}]
	if !ok {
		return storage.UserEmail{}, storage.ErrNotFound
	}
	return e, nil
}

func (s *memStorage) ListUserEmails(_ context.Context, userID string) ([]storage.UserEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.UserEmail
	for k, e := range s.emails {
		if k.userID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStorage) SetUserEmailVerified(_ context.Context, userID, address string, verified bool) error {
	return s.tx(func() error {
		k := emailKey{userID, address}
		e, ok := s.emails[k]
		if !ok {
			return storage.ErrNotFound
		}
		e.Verified = verified
		s.emails[k] = e
		return nil
	})
}

func (s *memStorage) CreateUserEmailVerification(_ context.Context, v storage.UserEmailVerification) error {
	return s.tx(func() error {
		s.verifies[emailKey{v.UserID, v.Address}] = v
		return nil
	})
}

func (s *memStorage) GetVerificationByCode(_ context.Context, userID, code string) (storage.UserEmailVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.verifies {
		if k.userID == userID && v.VerificationCode == code {
			return v, nil
		}
	}
	return storage.UserEmailVerification{}, storage.ErrNotFound
}

func (s *memStorage) RemoveEmailVerificationCode(_ context.Context, userID, address, code string) error {
	return s.tx(func() error {
		k := emailKey{userID, address}
		v, ok := s.verifies[k]
		if !ok || v.VerificationCode != code {
			return storage.ErrNotFound
		}
		delete(s.verifies, k)
		return nil
	})
}

func (s *memStorage) UpdateEmail(_ context.Context, userID, newAddress string, verification storage.UserEmailVerification) error {
	return s.tx(func() error {
		k := emailKey{userID, newAddress}
		if _, ok := s.emails[k]; ok {
			return storage.ErrAlreadyExists
		}
		s.emails[k] = storage.UserEmail{
			UserID:       userID,
			Address:      newAddress,
			RegisteredAt: s.now().Unix(),
			Verified:     false,
		}
		s.verifies[k] = verification
		return nil
	})
}

func (s *memStorage) SetEmail(_ context.Context, userID, addr string) error {
	return s.tx(func() error {
		e, ok := s.emails[emailKey{userID, addr}]
		if !ok || !e.Verified {
			return storage.ErrNoEmail
		}
		u, ok := s.users[userID]
		if !ok {
			return storage.ErrNotFound
		}
		u.Email = addr
		s.users[userID] = u
		return nil
	})
}

// --- Credentials ---

func (s *memStorage) CreateUserCredentials(_ context.Context, c storage.UserCredentials) error {
	return s.tx(func() error {
		s.credentials[c.UserID] = c
		return nil
	})
}

func (s *memStorage) GetUserCredentials(_ context.Context, userID string) (storage.UserCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[userID]
	if !ok {
		return storage.UserCredentials{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStorage) UpdateUserCredentials(_ context.Context, userID, passwordHash string, changeRequired bool) error {
	return s.tx(func() error {
		c, ok := s.credentials[userID]
		if !ok {
			return storage.ErrNotFound
		}
		c.PasswordHash = passwordHash
		c.ChangeRequired = changeRequired
		s.credentials[userID] = c
		return nil
	})
}

// --- Permitted scopes ---

func (s *memStorage) AddPermittedScope(_ context.Context, userID, scope string) error {
	return s.tx(func() error {
		set, ok := s.permitted[userID]
		if !ok {
			set = make(map[string]bool)
			s.permitted[userID] = set
		}
		if set[scope] {
			return storage.ErrAlreadyExists
		}
		set[scope] = true
		return nil
	})
}

func (s *memStorage) RemovePermittedScope(_ context.Context, userID, scope string) error {
	return s.tx(func() error {
		set, ok := s.permitted[userID]
		if !ok || !set[scope] {
			return storage.ErrNotFound
		}
		delete(set, scope)
		return nil
	})
}

func (s *memStorage) ListPermittedScopes(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.permitted[userID]
	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	return out, nil
}

// --- Clients ---

func (s *memStorage) CreateClient(_ context.Context, c storage.Client) error {
	return s.tx(func() error {
		if _, ok := s.clients[c.ClientID]; ok {
			return storage.ErrAlreadyExists
		}
		s.clients[c.ClientID] = c
		return nil
	})
}

func (s *memStorage) GetClient(_ context.Context, clientID string) (storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return storage.Client{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStorage) ListClients(_ context.Context) ([]storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStorage) DeleteClient(_ context.Context, clientID string) error {
	return s.tx(func() error {
		if _, ok := s.clients[clientID]; !ok {
			return storage.ErrNotFound
		}
		delete(s.clients, clientID)
		return nil
	})
}

func (s *memStorage) GetInternalClient(_ context.Context) (storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.IsInternal {
			return c, nil
		}
	}
	return storage.Client{}, storage.ErrNotFound
}

// --- Pending authorizations ---

func (s *memStorage) CreatePendingAuthorization(_ context.Context, p storage.PendingAuthorization) error {
	return s.tx(func() error {
		if _, ok := s.pending[p.ID]; ok {
			return storage.ErrAlreadyExists
		}
		s.pending[p.ID] = p
		return nil
	})
}

func (s *memStorage) GetPendingAuthorization(_ context.Context, id string) (storage.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return storage.PendingAuthorization{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *memStorage) AuthorizePendingAuthorization(_ context.Context, id, userID string) error {
	return s.tx(func() error {
		p, ok := s.pending[id]
		if !ok {
			return storage.ErrNotFound
		}
		if p.UserID != nil {
			return storage.ErrAlreadyAuthorized
		}
		uid := userID
		p.UserID = &uid
		s.pending[id] = p
		return nil
	})
}

func (s *memStorage) DeletePendingAuthorization(_ context.Context, id string) error {
	return s.tx(func() error {
		if _, ok := s.pending[id]; !ok {
			return storage.ErrNotFound
		}
		delete(s.pending, id)
		return nil
	})
}

// --- Authorization codes ---

func (s *memStorage) GetAuthorizationCode(_ context.Context, code string) (storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return storage.AuthorizationCode{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStorage) DeleteAuthorizationCode(_ context.Context, code string) error {
	return s.tx(func() error {
		if _, ok := s.codes[code]; !ok {
			return storage.ErrNotFound
		}
		delete(s.codes, code)
		return nil
	})
}

// --- Access / refresh tokens ---

func (s *memStorage) GetAccessTokenByToken(_ context.Context, token string) (storage.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.access[token]
	if !ok {
		return storage.AccessToken{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *memStorage) ValidateAccessTokenForClient(_ context.Context, token, clientID string) (storage.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.access[token]
	if !ok || a.ClientID != clientID || s.now().Unix() >= a.ExpiresAt {
		return storage.AccessToken{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *memStorage) GetRefreshToken(_ context.Context, token string) (storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refresh[token]
	if !ok {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return r, nil
}

// --- Constant access tokens ---

func (s *memStorage) CreateConstantAccessToken(_ context.Context, t storage.ConstantAccessToken) error {
	return s.tx(func() error {
		for _, existing := range s.cats {
			if existing.Name == t.Name {
				return storage.ErrAlreadyExists
			}
		}
		s.cats[t.Token] = t
		return nil
	})
}

func (s *memStorage) GetConstantAccessTokenByToken(_ context.Context, token string) (storage.ConstantAccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cats[token]
	if !ok {
		return storage.ConstantAccessToken{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *memStorage) ListConstantAccessTokens(_ context.Context) ([]storage.ConstantAccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.ConstantAccessToken, 0, len(s.cats))
	for _, t := range s.cats {
		out = append(out, t)
	}
	return out, nil
}

func (s *memStorage) DeleteConstantAccessToken(_ context.Context, token string) error {
	return s.tx(func() error {
		if _, ok := s.cats[token]; !ok {
			return storage.ErrNotFound
		}
		delete(s.cats, token)
		return nil
	})
}

// --- Composite operations ---

func (s *memStorage) ConsumePendingAndIssueCode(_ context.Context, pendingID string) (storage.AuthorizationCode, error) {
	var code storage.AuthorizationCode
	err := s.tx(func() error {
		p, ok := s.pending[pendingID]
		if !ok {
			return storage.ErrNotFound
		}
		if p.UserID == nil {
			return storage.ErrNotFound
		}
		code = storage.AuthorizationCode{
			Code:      storage.NewToken(),
			ClientID:  p.ClientID,
			UserID:    *p.UserID,
			Scopes:    p.Scopes,
			Nonce:     p.Nonce,
			ExpiresAt: s.now().Add(10 * time.Minute).Unix(),
		}
		s.codes[code.Code] = code
		delete(s.pending, pendingID)
		return nil
	})
	return code, err
}

func (s *memStorage) ConsumePendingAndIssueAccess(_ context.Context, pendingID string, ttl time.Duration) (storage.AccessToken, error) {
	var at storage.AccessToken
	err := s.tx(func() error {
		p, ok := s.pending[pendingID]
		if !ok {
			return storage.ErrNotFound
		}
		if p.UserID == nil {
			return storage.ErrNotFound
		}
		now := s.now()
		at = storage.AccessToken{
			Token:     storage.NewToken(),
			ClientID:  p.ClientID,
			UserID:    *p.UserID,
			Scopes:    p.Scopes,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		}
		s.access[at.Token] = at
		delete(s.pending, pendingID)
		return nil
	})
	return at, err
}

func (s *memStorage) ConsumeCodeAndIssueTokenPair(_ context.Context, code string) (storage.AccessToken, storage.RefreshToken, error) {
	var at storage.AccessToken
	var rt storage.RefreshToken
	err := s.tx(func() error {
		c, ok := s.codes[code]
		if !ok {
			return storage.ErrNotFound
		}
		now := s.now()
		at = storage.AccessToken{
			Token:     storage.NewToken(),
			ClientID:  c.ClientID,
			UserID:    c.UserID,
			Scopes:    c.Scopes,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(time.Hour).Unix(),
		}
		rt = storage.RefreshToken{
			Token:    storage.NewToken(),
			ClientID: c.ClientID,
			UserID:   c.UserID,
			Scopes:   c.Scopes,
		}
		s.access[at.Token] = at
		s.refresh[rt.Token] = rt
		delete(s.codes, code)
		return nil
	})
	return at, rt, err
}

func (s *memStorage) RefreshAccessToken(_ context.Context, refreshToken string, ttl time.Duration) (storage.AccessToken, error) {
	var at storage.AccessToken
	err := s.tx(func() error {
		r, ok := s.refresh[refreshToken]
		if !ok {
			return storage.ErrNotFound
		}
		now := s.now()
		at = storage.AccessToken{
			Token:     storage.NewToken(),
			ClientID:  r.ClientID,
			UserID:    r.UserID,
			Scopes:    r.Scopes,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		}
		s.access[at.Token] = at
		return nil
	})
	return at, err
}

func (s *memStorage) ReapPendingAuthorizations(_ context.Context, maxAge time.Duration) (int64, error) {
	var n int64
	err := s.tx(func() error {
		cutoff := s.now().Add(-maxAge).Unix()
		for id, p := range s.pending {
			if p.CreatedAt < cutoff {
				delete(s.pending, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
