package sql

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/mrfriendly-bv/wilford/storage"
)

// --- Users ---

func (c *conn) CreateUser(ctx context.Context, u storage.User) error {
	_, err := c.db.ExecContext(ctx,
		`insert into users (user_id, name, email, is_admin, locale) values ($1, $2, $3, $4, $5)`,
		u.UserID, u.Name, u.Email, u.IsAdmin, string(u.Locale))
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) scanUser(row *sql.Row) (storage.User, error) {
	var u storage.User
	var locale string
	err := row.Scan(&u.UserID, &u.Name, &u.Email, &u.IsAdmin, &locale)
	if err != nil {
		return storage.User{}, scanErr(err)
	}
	u.Locale = storage.Locale(locale)
	return u, nil
}

func (c *conn) GetUser(ctx context.Context, userID string) (storage.User, error) {
	row := c.db.QueryRowContext(ctx, `select user_id, name, email, is_admin, locale from users where user_id = $1`, userID)
	return c.scanUser(row)
}

func (c *conn) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	row := c.db.QueryRowContext(ctx, `select user_id, name, email, is_admin, locale from users where email = $1`, email)
	return c.scanUser(row)
}

func (c *conn) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := c.db.QueryContext(ctx, `select user_id, name, email, is_admin, locale from users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.User
	for rows.Next() {
		var u storage.User
		var locale string
		if err := rows.Scan(&u.UserID, &u.Name, &u.Email, &u.IsAdmin, &locale); err != nil {
			return nil, err
		}
		u.Locale = storage.Locale(locale)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (c *conn) UpdateUser(ctx context.Context, userID string, updater func(storage.User) (storage.User, error)) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `select user_id, name, email, is_admin, locale from users where user_id = $1 for update`, userID)
		var u storage.User
		var locale string
		if err := row.Scan(&u.UserID, &u.Name, &u.Email, &u.IsAdmin, &locale); err != nil {
			return scanErr(err)
		}
		u.Locale = storage.Locale(locale)
		updated, err := updater(u)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `update users set name = $2, email = $3, is_admin = $4, locale = $5 where user_id = $1`,
			userID, updated.Name, updated.Email, updated.IsAdmin, string(updated.Locale))
		return err
	})
}

// CascadeDeleteUser removes rows in an order that keeps the transaction log
// audit friendly: access tokens, authorization codes, pending
// authorizations, refresh tokens, credentials, permitted scopes, email
// verifications, email history, then the user row.
func (c *conn) CascadeDeleteUser(ctx context.Context, userID string) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`delete from access_tokens where user_id = $1`,
			`delete from oauth2_authorization_codes where user_id = $1`,
			`delete from oauth2_pending_authorizations where user_id = $1`,
			`delete from refresh_tokens where user_id = $1`,
			`delete from user_credentials where user_id = $1`,
			`delete from user_permitted_scopes where user_id = $1`,
			`delete from user_email_verifications where user_id = $1`,
			`delete from user_emails where user_id = $1`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `delete from users where user_id = $1`, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// --- Email history / verification ---

func (c *conn) CreateUserEmail(ctx context.Context, e storage.UserEmail) error {
	_, err := c.db.ExecContext(ctx,
		`insert into user_emails (user_id, address, registered_at, verified) values ($1, $2, $3, $4)`,
		e.UserID, e.Address, e.RegisteredAt, e.Verified)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) GetUserEmail(ctx context.Context, userID, address string) (storage.UserEmail, error) {
	row := c.db.QueryRowContext(ctx,
		`select user_id, address, registered_at, verified from user_emails where user_id = $1 and address = $2`,
		userID, address)
	var e storage.UserEmail
	if err := row.Scan(&e.UserID, &e.Address, &e.RegisteredAt, &e.Verified); err != nil {
		return storage.UserEmail{}, scanErr(err)
	}
	return e, nil
}

func (c *conn) ListUserEmails(ctx context.Context, userID string) ([]storage.UserEmail, error) {
	rows, err := c.db.QueryContext(ctx, `select user_id, address, registered_at, verified from user_emails where user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.UserEmail
	for rows.Next() {
		var e storage.UserEmail
		if err := rows.Scan(&e.UserID, &e.Address, &e.RegisteredAt, &e.Verified); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *conn) SetUserEmailVerified(ctx context.Context, userID, address string, verified bool) error {
	res, err := c.db.ExecContext(ctx, `update user_emails set verified = $3 where user_id = $1 and address = $2`, userID, address, verified)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) CreateUserEmailVerification(ctx context.Context, v storage.UserEmailVerification) error {
	_, err := c.db.ExecContext(ctx,
		`insert into user_email_verifications (user_id, address, verification_code) values ($1, $2, $3)
		 on conflict (user_id, address) do update set verification_code = excluded.verification_code`,
		v.UserID, v.Address, v.VerificationCode)
	return err
}

func (c *conn) GetVerificationByCode(ctx context.Context, userID, code string) (storage.UserEmailVerification, error) {
	row := c.db.QueryRowContext(ctx,
		`select user_id, address, verification_code from user_email_verifications where user_id = $1 and verification_code = $2`,
		userID, code)
	var v storage.UserEmailVerification
	if err := row.Scan(&v.UserID, &v.Address, &v.VerificationCode); err != nil {
		return storage.UserEmailVerification{}, scanErr(err)
	}
	return v, nil
}

func (c *conn) RemoveEmailVerificationCode(ctx context.Context, userID, address, code string) error {
	res, err := c.db.ExecContext(ctx,
		`delete from user_email_verifications where user_id = $1 and address = $2 and verification_code = $3`,
		userID, address, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) UpdateEmail(ctx context.Context, userID, newAddress string, verification storage.UserEmailVerification) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`insert into user_emails (user_id, address, registered_at, verified) values ($1, $2, $3, false)`,
			userID, newAddress, time.Now().Unix())
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return err
		}
		_, err = tx.ExecContext(ctx,
			`insert into user_email_verifications (user_id, address, verification_code) values ($1, $2, $3)
			 on conflict (user_id, address) do update set verification_code = excluded.verification_code`,
			userID, newAddress, verification.VerificationCode)
		return err
	})
}

// SetEmail commits addr as current only if a verified UserEmail row exists
// for (userID, addr); the WHERE clause guards against committing another
// user's address, backed by an explicit pre-check so callers get a
// distinct error.
func (c *conn) SetEmail(ctx context.Context, userID, addr string) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		var verified bool
		err := tx.QueryRowContext(ctx, `select verified from user_emails where user_id = $1 and address = $2`, userID, addr).Scan(&verified)
		if err != nil {
			if err == sql.ErrNoRows {
				return storage.ErrNoEmail
			}
			return err
		}
		if !verified {
			return storage.ErrNoEmail
		}
		res, err := tx.ExecContext(ctx,
			`update users set email = $2 where user_id = $1 and exists (
				select 1 from user_emails where user_id = $1 and address = $2 and verified = true)`,
			userID, addr)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNoEmail
		}
		return nil
	})
}

// --- Credentials ---

func (c *conn) CreateUserCredentials(ctx context.Context, cred storage.UserCredentials) error {
	_, err := c.db.ExecContext(ctx,
		`insert into user_credentials (user_id, password_hash, change_required) values ($1, $2, $3)`,
		cred.UserID, cred.PasswordHash, cred.ChangeRequired)
	return err
}

func (c *conn) GetUserCredentials(ctx context.Context, userID string) (storage.UserCredentials, error) {
	row := c.db.QueryRowContext(ctx, `select user_id, password_hash, change_required from user_credentials where user_id = $1`, userID)
	var cred storage.UserCredentials
	if err := row.Scan(&cred.UserID, &cred.PasswordHash, &cred.ChangeRequired); err != nil {
		return storage.UserCredentials{}, scanErr(err)
	}
	return cred, nil
}

func (c *conn) UpdateUserCredentials(ctx context.Context, userID, passwordHash string, changeRequired bool) error {
	res, err := c.db.ExecContext(ctx,
		`update user_credentials set password_hash = $2, change_required = $3 where user_id = $1`,
		userID, passwordHash, changeRequired)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Permitted scopes ---

func (c *conn) AddPermittedScope(ctx context.Context, userID, scope string) error {
	_, err := c.db.ExecContext(ctx, `insert into user_permitted_scopes (user_id, scope) values ($1, $2)`, userID, scope)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) RemovePermittedScope(ctx context.Context, userID, scope string) error {
	res, err := c.db.ExecContext(ctx, `delete from user_permitted_scopes where user_id = $1 and scope = $2`, userID, scope)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) ListPermittedScopes(ctx context.Context, userID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `select scope from user_permitted_scopes where user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Clients ---

func (c *conn) CreateClient(ctx context.Context, cl storage.Client) error {
	_, err := c.db.ExecContext(ctx,
		`insert into oauth2_clients (client_id, client_secret, name, redirect_uri, is_internal) values ($1, $2, $3, $4, $5)`,
		cl.ClientID, cl.ClientSecret, cl.Name, cl.RedirectURI, cl.IsInternal)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) scanClient(row *sql.Row) (storage.Client, error) {
	var cl storage.Client
	if err := row.Scan(&cl.ClientID, &cl.ClientSecret, &cl.Name, &cl.RedirectURI, &cl.IsInternal); err != nil {
		return storage.Client{}, scanErr(err)
	}
	return cl, nil
}

func (c *conn) GetClient(ctx context.Context, clientID string) (storage.Client, error) {
	row := c.db.QueryRowContext(ctx, `select client_id, client_secret, name, redirect_uri, is_internal from oauth2_clients where client_id = $1`, clientID)
	return c.scanClient(row)
}

func (c *conn) ListClients(ctx context.Context) ([]storage.Client, error) {
	rows, err := c.db.QueryContext(ctx, `select client_id, client_secret, name, redirect_uri, is_internal from oauth2_clients`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Client
	for rows.Next() {
		var cl storage.Client
		if err := rows.Scan(&cl.ClientID, &cl.ClientSecret, &cl.Name, &cl.RedirectURI, &cl.IsInternal); err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

func (c *conn) DeleteClient(ctx context.Context, clientID string) error {
	res, err := c.db.ExecContext(ctx, `delete from oauth2_clients where client_id = $1`, clientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) GetInternalClient(ctx context.Context) (storage.Client, error) {
	row := c.db.QueryRowContext(ctx, `select client_id, client_secret, name, redirect_uri, is_internal from oauth2_clients where is_internal = true limit 1`)
	return c.scanClient(row)
}

// --- Pending authorizations ---

func (c *conn) CreatePendingAuthorization(ctx context.Context, p storage.PendingAuthorization) error {
	_, err := c.db.ExecContext(ctx,
		`insert into oauth2_pending_authorizations (id, client_id, scopes, state, nonce, ty, user_id, created_at)
		 values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.ClientID, pq.Array(p.Scopes), p.State, p.Nonce, string(p.Type), p.UserID, p.CreatedAt)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func scanPending(row interface {
	Scan(dest ...interface{}) error
}) (storage.PendingAuthorization, error) {
	var p storage.PendingAuthorization
	var ty string
	var userID sql.NullString
	err := row.Scan(&p.ID, &p.ClientID, pq.Array(&p.Scopes), &p.State, &p.Nonce, &ty, &userID, &p.CreatedAt)
	if err != nil {
		return storage.PendingAuthorization{}, scanErr(err)
	}
	p.Type = storage.PendingAuthorizationType(ty)
	if userID.Valid {
		v := userID.String
		p.UserID = &v
	}
	return p, nil
}

func (c *conn) GetPendingAuthorization(ctx context.Context, id string) (storage.PendingAuthorization, error) {
	row := c.db.QueryRowContext(ctx,
		`select id, client_id, scopes, state, nonce, ty, user_id, created_at from oauth2_pending_authorizations where id = $1`, id)
	return scanPending(row)
}

// AuthorizePendingAuthorization sets user_id, rejecting the transition if a
// value is already present. The database column's prior value is the
// source of truth under concurrent callers.
func (c *conn) AuthorizePendingAuthorization(ctx context.Context, id, userID string) error {
	res, err := c.db.ExecContext(ctx,
		`update oauth2_pending_authorizations set user_id = $2 where id = $1 and user_id is null`,
		id, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := c.GetPendingAuthorization(ctx, id); err != nil {
		return err
	}
	return storage.ErrAlreadyAuthorized
}

func (c *conn) DeletePendingAuthorization(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `delete from oauth2_pending_authorizations where id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Authorization codes ---

func (c *conn) GetAuthorizationCode(ctx context.Context, code string) (storage.AuthorizationCode, error) {
	row := c.db.QueryRowContext(ctx,
		`select code, client_id, user_id, scopes, nonce, expires_at from oauth2_authorization_codes where code = $1`, code)
	var ac storage.AuthorizationCode
	if err := row.Scan(&ac.Code, &ac.ClientID, &ac.UserID, pq.Array(&ac.Scopes), &ac.Nonce, &ac.ExpiresAt); err != nil {
		return storage.AuthorizationCode{}, scanErr(err)
	}
	return ac, nil
}

func (c *conn) DeleteAuthorizationCode(ctx context.Context, code string) error {
	res, err := c.db.ExecContext(ctx, `delete from oauth2_authorization_codes where code = $1`, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Access / refresh tokens ---

func (c *conn) GetAccessTokenByToken(ctx context.Context, token string) (storage.AccessToken, error) {
	row := c.db.QueryRowContext(ctx,
		`select token, client_id, user_id, scopes, issued_at, expires_at from access_tokens where token = $1`, token)
	var at storage.AccessToken
	if err := row.Scan(&at.Token, &at.ClientID, &at.UserID, pq.Array(&at.Scopes), &at.IssuedAt, &at.ExpiresAt); err != nil {
		return storage.AccessToken{}, scanErr(err)
	}
	return at, nil
}

func (c *conn) ValidateAccessTokenForClient(ctx context.Context, token, clientID string) (storage.AccessToken, error) {
	row := c.db.QueryRowContext(ctx,
		`select token, client_id, user_id, scopes, issued_at, expires_at from access_tokens
		 where token = $1 and client_id = $2 and expires_at > $3`,
		token, clientID, time.Now().Unix())
	var at storage.AccessToken
	if err := row.Scan(&at.Token, &at.ClientID, &at.UserID, pq.Array(&at.Scopes), &at.IssuedAt, &at.ExpiresAt); err != nil {
		return storage.AccessToken{}, scanErr(err)
	}
	return at, nil
}

func (c *conn) GetRefreshToken(ctx context.Context, token string) (storage.RefreshToken, error) {
	row := c.db.QueryRowContext(ctx, `select token, client_id, user_id, scopes from refresh_tokens where token = $1`, token)
	var rt storage.RefreshToken
	if err := row.Scan(&rt.Token, &rt.ClientID, &rt.UserID, pq.Array(&rt.Scopes)); err != nil {
		return storage.RefreshToken{}, scanErr(err)
	}
	return rt, nil
}

// --- Constant access tokens ---

func (c *conn) CreateConstantAccessToken(ctx context.Context, t storage.ConstantAccessToken) error {
	_, err := c.db.ExecContext(ctx, `insert into constant_access_tokens (name, token) values ($1, $2)`, t.Name, t.Token)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) GetConstantAccessTokenByToken(ctx context.Context, token string) (storage.ConstantAccessToken, error) {
	row := c.db.QueryRowContext(ctx, `select name, token from constant_access_tokens where token = $1`, token)
	var t storage.ConstantAccessToken
	if err := row.Scan(&t.Name, &t.Token); err != nil {
		return storage.ConstantAccessToken{}, scanErr(err)
	}
	return t, nil
}

func (c *conn) ListConstantAccessTokens(ctx context.Context) ([]storage.ConstantAccessToken, error) {
	rows, err := c.db.QueryContext(ctx, `select name, token from constant_access_tokens`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.ConstantAccessToken
	for rows.Next() {
		var t storage.ConstantAccessToken
		if err := rows.Scan(&t.Name, &t.Token); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *conn) DeleteConstantAccessToken(ctx context.Context, token string) error {
	res, err := c.db.ExecContext(ctx, `delete from constant_access_tokens where token = $1`, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Composite operations ---

func (c *conn) ConsumePendingAndIssueCode(ctx context.Context, pendingID string) (storage.AuthorizationCode, error) {
	var code storage.AuthorizationCode
	err := c.execTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`select id, client_id, scopes, state, nonce, ty, user_id, created_at from oauth2_pending_authorizations where id = $1 for update`, pendingID)
		p, err := scanPending(row)
		if err != nil {
			return err
		}
		if p.UserID == nil {
			return storage.ErrNotFound
		}
		now := time.Now()
		code = storage.AuthorizationCode{
			Code:      storage.NewToken(),
			ClientID:  p.ClientID,
			UserID:    *p.UserID,
			Scopes:    p.Scopes,
			Nonce:     p.Nonce,
			ExpiresAt: now.Add(10 * time.Minute).Unix(),
		}
		if _, err := tx.ExecContext(ctx,
			`insert into oauth2_authorization_codes (code, client_id, user_id, scopes, nonce, expires_at) values ($1, $2, $3, $4, $5, $6)`,
			code.Code, code.ClientID, code.UserID, pq.Array(code.Scopes), code.Nonce, code.ExpiresAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `delete from oauth2_pending_authorizations where id = $1`, pendingID)
		return err
	})
	return code, err
}

func (c *conn) ConsumePendingAndIssueAccess(ctx context.Context, pendingID string, ttl time.Duration) (storage.AccessToken, error) {
	var at storage.AccessToken
	err := c.execTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`select id, client_id, scopes, state, nonce, ty, user_id, created_at from oauth2_pending_authorizations where id = $1 for update`, pendingID)
		p, err := scanPending(row)
		if err != nil {
			return err
		}
		if p.UserID == nil {
			return storage.ErrNotFound
		}
		now := time.Now()
		at = storage.AccessToken{
			Token:     storage.NewToken(),
			ClientID:  p.ClientID,
			UserID:    *p.UserID,
			Scopes:    p.Scopes,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		}
		if _, err := tx.ExecContext(ctx,
			`insert into access_tokens (token, client_id, user_id, scopes, issued_at, expires_at) values ($1, $2, $3, $4, $5, $6)`,
			at.Token, at.ClientID, at.UserID, pq.Array(at.Scopes), at.IssuedAt, at.ExpiresAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `delete from oauth2_pending_authorizations where id = $1`, pendingID)
		return err
	})
	return at, err
}

func (c *conn) ConsumeCodeAndIssueTokenPair(ctx context.Context, code string) (storage.AccessToken, storage.RefreshToken, error) {
	var at storage.AccessToken
	var rt storage.RefreshToken
	err := c.execTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`select code, client_id, user_id, scopes, nonce, expires_at from oauth2_authorization_codes where code = $1 for update`, code)
		var ac storage.AuthorizationCode
		if err := row.Scan(&ac.Code, &ac.ClientID, &ac.UserID, pq.Array(&ac.Scopes), &ac.Nonce, &ac.ExpiresAt); err != nil {
			return scanErr(err)
		}
		now := time.Now()
		at = storage.AccessToken{
			Token:     storage.NewToken(),
			ClientID:  ac.ClientID,
			UserID:    ac.UserID,
			Scopes:    ac.Scopes,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(time.Hour).Unix(),
		}
		rt = storage.RefreshToken{
			Token:    storage.NewToken(),
			ClientID: ac.ClientID,
			UserID:   ac.UserID,
			Scopes:   ac.Scopes,
		}
		if _, err := tx.ExecContext(ctx,
			`insert into access_tokens (token, client_id, user_id, scopes, issued_at, expires_at) values ($1, $2, $3, $4, $5, $6)`,
			at.Token, at.ClientID, at.UserID, pq.Array(at.Scopes), at.IssuedAt, at.ExpiresAt); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`insert into refresh_tokens (token, client_id, user_id, scopes) values ($1, $2, $3, $4)`,
			rt.Token, rt.ClientID, rt.UserID, pq.Array(rt.Scopes)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `delete from oauth2_authorization_codes where code = $1`, code)
		return err
	})
	return at, rt, err
}

// RefreshAccessToken issues a new access token for an existing refresh
// token. The insert binds all six columns explicitly (token, client_id,
// user_id, scopes, issued_at, expires_at) to avoid a partially-bound
// statement silently defaulting the rest.
func (c *conn) RefreshAccessToken(ctx context.Context, refreshToken string, ttl time.Duration) (storage.AccessToken, error) {
	var at storage.AccessToken
	err := c.execTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `select token, client_id, user_id, scopes from refresh_tokens where token = $1 for update`, refreshToken)
		var rt storage.RefreshToken
		if err := row.Scan(&rt.Token, &rt.ClientID, &rt.UserID, pq.Array(&rt.Scopes)); err != nil {
			return scanErr(err)
		}
		now := time.Now()
		at = storage.AccessToken{
			Token:     storage.NewToken(),
			ClientID:  rt.ClientID,
			UserID:    rt.UserID,
			Scopes:    rt.Scopes,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		}
		_, err := tx.ExecContext(ctx,
			`insert into access_tokens (token, client_id, user_id, scopes, issued_at, expires_at) values ($1, $2, $3, $4, $5, $6)`,
			at.Token, at.ClientID, at.UserID, pq.Array(at.Scopes), at.IssuedAt, at.ExpiresAt)
		return err
	})
	return at, err
}

func (c *conn) ReapPendingAuthorizations(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := c.db.ExecContext(ctx, `delete from oauth2_pending_authorizations where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
