package sql

import (
	"database/sql"
	"fmt"
)

func (c *conn) migrate() (int, error) {
	_, err := c.Exec(`
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`)
	if err != nil {
		return 0, fmt.Errorf("creating migration table: %v", err)
	}

	i := 0
	done := false
	for {
		err := c.ExecTx(func(tx *trans) error {
			var (
				num sql.NullInt64
				n   int
			)
			if err := tx.QueryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return fmt.Errorf("select max migration: %v", err)
			}
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}

			migrationNum := n + 1
			m := migrations[n]
			if _, err := tx.Exec(m.stmt); err != nil {
				return fmt.Errorf("migration %d failed: %v", migrationNum, err)
			}

			q := `insert into migrations (num, at) values ($1, now());`
			if _, err := tx.Exec(q, migrationNum); err != nil {
				return fmt.Errorf("update migration table: %v", err)
			}
			return nil
		})
		if err != nil {
			return i, err
		}
		if done {
			break
		}
		i++
	}

	return i, nil
}

type migration struct {
	stmt string
}

// All SQL flavors share migration strategies.
var migrations = []migration{
	{
		stmt: `
			create table service (
				id text not null primary key,
				is_enabled boolean not null,
				name text not null,
				url text not null,
				provider_local_url text not null,
				provider_github_oauth2_url text not null,
				provider_microsoft_oauth2_url text not null,
				user_allow_register boolean not null,
				user_email_text text not null,
				created_at timestamptz not null,
				updated_at timestamptz not null
			);

			create table sso_user (
				id text not null primary key,
				is_enabled boolean not null,
				name text not null,
				email text not null unique,
				locale text not null,
				timezone text not null,
				password_hash text not null,
				password_allow_reset boolean not null,
				password_require_update boolean not null,
				created_at timestamptz not null,
				updated_at timestamptz not null
			);

			create table key (
				id text not null primary key,
				is_enabled boolean not null,
				is_revoked boolean not null,
				type text not null,
				name text not null,
				value text not null,
				service_id text references service(id) on delete cascade,
				user_id text references sso_user(id) on delete cascade,
				created_at timestamptz not null,
				updated_at timestamptz not null
			);

			create unique index key_value_idx on key (value);
			create index key_service_id_idx on key (service_id);
			create index key_user_id_idx on key (user_id);

			-- Enforces the single-active-user_token and single-active-user_totp
			-- constraints: at most one enabled, non-revoked key of each kind per
			-- (user_id, service_id) pair. Partial unique indexes, checked in
			-- addition to (not instead of) the application-level ExclusiveLock.
			create unique index key_user_token_unique_idx on key (user_id, service_id)
				where type = 'user_token' and is_enabled and not is_revoked;
			create unique index key_user_totp_unique_idx on key (user_id, service_id)
				where type = 'user_totp' and is_enabled and not is_revoked;

			create table csrf (
				key text not null primary key,
				value text not null,
				ttl timestamptz not null,
				service_id text not null,
				created_at timestamptz not null
			);

			create table audit (
				id text not null primary key,
				created_at timestamptz not null,
				updated_at timestamptz not null,
				user_agent text not null,
				remote_addr text not null,
				forwarded text not null,
				status_code integer not null,
				type text not null,
				subject text not null,
				data bytea not null,
				key_id text not null,
				service_id text not null,
				user_id text not null,
				user_key_id text not null
			);

			create index audit_created_at_idx on audit (created_at desc, id);
			create index audit_service_id_idx on audit (service_id);
			create index audit_user_id_idx on audit (user_id);
			create index audit_type_idx on audit (type);
		`,
	},
}
