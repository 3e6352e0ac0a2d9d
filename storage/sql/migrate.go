package sql

// schema is applied idempotently at boot. Every token/code/id/user_id or
// email lookup column used by crud.go carries an index.
const schema = `
create table if not exists users (
	user_id varchar(32) primary key,
	name text not null,
	email text not null unique,
	is_admin boolean not null default false,
	locale varchar(2) not null default 'En'
);

create table if not exists user_emails (
	user_id varchar(32) not null,
	address text not null,
	registered_at bigint not null,
	verified boolean not null default false,
	primary key (user_id, address)
);
create index if not exists user_emails_user_id_idx on user_emails (user_id);

create table if not exists user_email_verifications (
	user_id varchar(32) not null,
	address text not null,
	verification_code varchar(32) not null,
	primary key (user_id, address)
);
create index if not exists user_email_verifications_code_idx on user_email_verifications (user_id, verification_code);

create table if not exists user_credentials (
	user_id varchar(32) primary key,
	password_hash text not null,
	change_required boolean not null default false
);

create table if not exists user_permitted_scopes (
	user_id varchar(32) not null,
	scope text not null,
	primary key (user_id, scope)
);
create index if not exists user_permitted_scopes_user_id_idx on user_permitted_scopes (user_id);

create table if not exists oauth2_clients (
	client_id varchar(32) primary key,
	client_secret varchar(48) not null,
	name text not null,
	redirect_uri text not null,
	is_internal boolean not null default false
);

create table if not exists oauth2_pending_authorizations (
	id varchar(16) primary key,
	client_id varchar(32) not null,
	scopes text[] not null default '{}',
	state text not null default '',
	nonce text not null default '',
	ty text not null,
	user_id varchar(32),
	created_at bigint not null
);
create index if not exists oauth2_pending_authorizations_user_idx on oauth2_pending_authorizations (user_id);

create table if not exists oauth2_authorization_codes (
	code varchar(32) primary key,
	client_id varchar(32) not null,
	user_id varchar(32) not null,
	scopes text[] not null default '{}',
	nonce text not null default '',
	expires_at bigint not null
);
create index if not exists oauth2_authorization_codes_user_idx on oauth2_authorization_codes (user_id);

create table if not exists access_tokens (
	token varchar(32) primary key,
	client_id varchar(32) not null,
	user_id varchar(32) not null,
	scopes text[] not null default '{}',
	issued_at bigint not null,
	expires_at bigint not null
);
create index if not exists access_tokens_client_idx on access_tokens (client_id);
create index if not exists access_tokens_user_idx on access_tokens (user_id);

create table if not exists refresh_tokens (
	token varchar(32) primary key,
	client_id varchar(32) not null,
	user_id varchar(32) not null,
	scopes text[] not null default '{}'
);
create index if not exists refresh_tokens_user_idx on refresh_tokens (user_id);

create table if not exists constant_access_tokens (
	name varchar(64) primary key,
	token varchar(32) not null unique
);
`

func (c *conn) migrate() error {
	_, err := c.db.Exec(schema)
	return err
}
